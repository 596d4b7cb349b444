package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Engine schedules workflow graphs: it validates the node/edge set, runs
// independent nodes concurrently, applies per-node retry policies, prunes
// conditional branches, and reports lifecycle events on its bus.
type Engine struct {
	registry *Registry
	bus      *EventBus
	resolver Resolver

	mu         sync.Mutex
	executions map[string]*runHandle
}

type runHandle struct {
	execution *Execution
	ec        *ExecutionContext
}

// NewEngine creates an Engine with the given executor registry, a fresh
// event bus, and the default template resolver.
func NewEngine(registry *Registry) *Engine {
	return &Engine{
		registry:   registry,
		bus:        NewEventBus(),
		resolver:   TemplateResolver{},
		executions: make(map[string]*runHandle),
	}
}

// RegisterNodeExecutor binds an executor to a node type. Replacing an
// existing binding affects subsequent runs, not already-started ones.
func (e *Engine) RegisterNodeExecutor(nodeType string, executor NodeExecutor) {
	e.registry.Register(nodeType, executor)
}

// SetResolver swaps the interpolation capability. Must be called before any
// run that should use it.
func (e *Engine) SetResolver(resolver Resolver) { e.resolver = resolver }

// Events exposes the engine's lifecycle event bus.
func (e *Engine) Events() *EventBus { return e.bus }

// On subscribes a persistent listener to a lifecycle event.
func (e *Engine) On(name string, fn Listener) { e.bus.On(name, fn) }

// Once subscribes a single-fire listener to a lifecycle event.
func (e *Engine) Once(name string, fn Listener) { e.bus.Once(name, fn) }

// Status returns the tracked execution record, if the id is known.
func (e *Engine) Status(executionID string) (*Execution, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	handle, ok := e.executions[executionID]
	if !ok {
		return nil, false
	}
	copied := *handle.execution
	return &copied, true
}

// Cancel sets the cancellation signal of an in-flight execution. Dispatch of
// new nodes stops; running executors observe it cooperatively.
func (e *Engine) Cancel(executionID string) {
	e.mu.Lock()
	handle, ok := e.executions[executionID]
	e.mu.Unlock()
	if ok {
		handle.ec.Cancel()
	}
}

// ExecuteWorkflow validates the graph and schedules its execution. It fails
// synchronously with InvalidGraphError or GraphCycleError before any node is
// dispatched; otherwise it returns an exec_-prefixed identifier while the
// run proceeds on its own goroutine. Node-level failures never surface here,
// only via node:error events.
func (e *Engine) ExecuteWorkflow(ctx context.Context, workflowID, userID string, nodes []Node, edges []Edge) (string, error) {
	graph, err := buildGraph(nodes, edges)
	if err != nil {
		e.bus.Emit(Event{Type: EventWorkflowError, WorkflowID: workflowID, UserID: userID, Err: err})
		return "", err
	}

	executionID := "exec_" + uuid.NewString()
	ec := NewExecutionContext(context.WithoutCancel(ctx), executionID, workflowID, userID)
	execution := &Execution{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		UserID:      userID,
		Status:      ExecutionRunning,
		StartedAt:   now(),
	}

	e.mu.Lock()
	e.executions[executionID] = &runHandle{execution: execution, ec: ec}
	e.mu.Unlock()

	r := &run{
		engine:    e,
		graph:     graph,
		ec:        ec,
		executors: e.registry.snapshot(),
		resolver:  e.resolver,
		states:    make(map[string]NodeState, len(graph.nodes)),
		outcomes:  make(chan nodeOutcome),
	}
	for id := range graph.nodes {
		r.states[id] = NodePending
	}

	e.bus.Emit(Event{Type: EventWorkflowStarted, ExecutionID: executionID, WorkflowID: workflowID, UserID: userID, Status: ExecutionRunning})

	go r.drive()

	return executionID, nil
}

// run is the per-execution scheduler state. All fields except the outcomes
// channel are touched only by the drive loop, which serializes result
// recording and readiness recomputation.
type run struct {
	engine    *Engine
	graph     *depGraph
	ec        *ExecutionContext
	executors map[string]NodeExecutor
	resolver  Resolver
	states    map[string]NodeState
	outcomes  chan nodeOutcome
	running   int
	failed    bool
}

type nodeOutcome struct {
	node   *Node
	result *NodeResult
}

// drive is the scheduler loop: dispatch every ready node, wait for one
// outcome, record it, recompute readiness, repeat until the graph drains.
func (r *run) drive() {
	r.refreshReadiness()
	for {
		if !r.ec.Cancelled() {
			r.dispatchReady()
		}
		if r.running == 0 {
			break
		}
		outcome := <-r.outcomes
		r.running--
		r.record(outcome)
		r.refreshReadiness()
	}
	r.finish()
}

// refreshReadiness recomputes node states until a fixpoint: a pending node
// becomes ready once every live predecessor succeeded, and skipped once no
// live path can ever make it ready.
func (r *run) refreshReadiness() {
	for changed := true; changed; {
		changed = false
		for id, state := range r.states {
			if state != NodePending {
				continue
			}
			switch r.classify(id) {
			case NodeReady:
				r.states[id] = NodeReady
				changed = true
			case NodeSkipped:
				r.states[id] = NodeSkipped
				changed = true
			}
		}
	}
}

func (r *run) classify(nodeID string) NodeState {
	live := r.graph.liveInEdges(nodeID)
	if len(live) == 0 {
		// Entry node, or every incoming branch was pruned away.
		if len(r.graph.inEdges[nodeID]) > 0 {
			return NodeSkipped
		}
		return NodeReady
	}

	allSucceeded := true
	for _, edge := range live {
		switch r.states[edge.Source] {
		case NodeFailed, NodeSkipped:
			// Upstream can never deliver; block this subtree.
			return NodeSkipped
		case NodeSucceeded:
		default:
			allSucceeded = false
		}
	}
	if allSucceeded {
		return NodeReady
	}
	return NodePending
}

func (r *run) dispatchReady() {
	for id, state := range r.states {
		if state != NodeReady {
			continue
		}
		r.states[id] = NodeRunning
		r.running++
		go r.executeNode(r.graph.nodes[id])
	}
}

// executeNode runs one node through its retry loop and reports the outcome
// back to the drive loop. The node's data is interpolated once, after all
// predecessors are terminal.
func (r *run) executeNode(node *Node) {
	r.engine.bus.Emit(Event{
		Type:        EventNodeStarted,
		ExecutionID: r.ec.ExecutionID,
		WorkflowID:  r.ec.WorkflowID,
		UserID:      r.ec.UserID,
		NodeID:      node.ID,
		NodeType:    node.Type,
	})

	policy := retryPolicyFor(*node)
	resolved := *node
	resolved.Data = interpolateData(node.Data, r.resolver, r.ec)

	result := &NodeResult{NodeID: node.ID, StartedAt: now()}

	var output map[string]any
	var err error
	for attempt := 1; ; attempt++ {
		result.Attempts = attempt
		output, err = r.invoke(resolved)
		if err == nil || attempt >= policy.attempts() {
			break
		}
		select {
		case <-time.After(policy.Delay):
		case <-r.ec.Context().Done():
			err = r.ec.Context().Err()
		}
		if r.ec.Cancelled() {
			break
		}
	}

	result.CompletedAt = now()
	if err != nil {
		result.Error = &ErrorInfo{Message: err.Error()}
	} else {
		result.Output = output
	}
	r.outcomes <- nodeOutcome{node: node, result: result}
}

func (r *run) invoke(node Node) (map[string]any, error) {
	executor, ok := r.executors[node.Type]
	if !ok {
		return nil, &UnregisteredNodeTypeError{NodeType: node.Type}
	}
	return executor.Execute(r.ec.Context(), node, r.ec)
}

// record runs in the drive loop: it stores the result, emits the node's
// terminal event, and prunes branches a decision output deselected.
func (r *run) record(outcome nodeOutcome) {
	node, result := outcome.node, outcome.result
	r.ec.setResult(result)

	event := Event{
		ExecutionID: r.ec.ExecutionID,
		WorkflowID:  r.ec.WorkflowID,
		UserID:      r.ec.UserID,
		NodeID:      node.ID,
		NodeType:    node.Type,
		Attempts:    result.Attempts,
	}

	if result.Error != nil {
		r.states[node.ID] = NodeFailed
		r.failed = true
		event.Type = EventNodeError
		event.Err = errorFromInfo(result.Error)
		slog.Debug("Node failed", "executionId", r.ec.ExecutionID, "nodeId", node.ID, "attempts", result.Attempts, "error", result.Error.Message)
	} else {
		r.states[node.ID] = NodeSucceeded
		event.Type = EventNodeCompleted
		event.Output = result.Output
		if branch, ok := result.Output["branch"].(string); ok {
			r.graph.pruneBranches(node.ID, branch)
		}
	}
	r.engine.bus.Emit(event)
}

// finish marks anything left undispatched as skipped and emits the terminal
// run-level events. workflow:completed always fires so listeners tracking
// only completion keep working; workflow:error fires additionally when any
// node failed.
func (r *run) finish() {
	for id, state := range r.states {
		if !state.Terminal() {
			r.states[id] = NodeSkipped
		}
	}

	status := ExecutionCompleted
	if r.failed {
		status = ExecutionFailed
	}

	completedAt := now()
	r.engine.mu.Lock()
	if handle, ok := r.engine.executions[r.ec.ExecutionID]; ok {
		handle.execution.Status = status
		handle.execution.CompletedAt = &completedAt
	}
	r.engine.mu.Unlock()

	terminal := Event{
		ExecutionID: r.ec.ExecutionID,
		WorkflowID:  r.ec.WorkflowID,
		UserID:      r.ec.UserID,
		Status:      status,
	}
	if r.failed {
		errEvent := terminal
		errEvent.Type = EventWorkflowError
		r.engine.bus.Emit(errEvent)
	}
	terminal.Type = EventWorkflowCompleted
	r.engine.bus.Emit(terminal)
}

func errorFromInfo(info *ErrorInfo) error {
	return &nodeExecutionError{message: info.Message}
}

// nodeExecutionError wraps the final attempt's failure message.
type nodeExecutionError struct {
	message string
}

func (e *nodeExecutionError) Error() string { return e.message }
