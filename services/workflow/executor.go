package workflow

import (
	"context"
	"sync"
	"time"
)

// NodeExecutor performs the actual work for one node type. The node passed
// in has already had its data interpolated against prior outputs. Executors
// may read other nodes' results through the context but must only write
// their own via the returned output.
type NodeExecutor interface {
	Execute(ctx context.Context, node Node, ec *ExecutionContext) (map[string]any, error)
}

// ExecutorFunc adapts a plain function to the NodeExecutor interface.
type ExecutorFunc func(ctx context.Context, node Node, ec *ExecutionContext) (map[string]any, error)

func (f ExecutorFunc) Execute(ctx context.Context, node Node, ec *ExecutionContext) (map[string]any, error) {
	return f(ctx, node, ec)
}

// Registry maps node type strings to their executor implementation.
// Registration is last-wins, which lets tests stub node types. The registry
// is snapshotted at dispatch time, so re-registering a type affects
// subsequent runs only.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]NodeExecutor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]NodeExecutor)}
}

// Register binds an executor to a node type, replacing any previous binding.
func (r *Registry) Register(nodeType string, executor NodeExecutor) {
	r.mu.Lock()
	r.executors[nodeType] = executor
	r.mu.Unlock()
}

// Lookup returns the executor for a node type.
func (r *Registry) Lookup(nodeType string) (NodeExecutor, error) {
	r.mu.RLock()
	executor, ok := r.executors[nodeType]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnregisteredNodeTypeError{NodeType: nodeType}
	}
	return executor, nil
}

// snapshot returns a point-in-time copy for one run.
func (r *Registry) snapshot() map[string]NodeExecutor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	copied := make(map[string]NodeExecutor, len(r.executors))
	for nodeType, executor := range r.executors {
		copied[nodeType] = executor
	}
	return copied
}

// ExecutionContext holds the mutable state of one in-flight execution. It is
// owned by exactly one run; result recording happens only in the run's
// serialized completion handling.
type ExecutionContext struct {
	ExecutionID string
	WorkflowID  string
	UserID      string

	mu        sync.RWMutex
	results   map[string]*NodeResult
	variables map[string]any

	ctx    context.Context
	cancel context.CancelFunc
}

// NewExecutionContext creates the per-run state. The returned context's
// cancellation signal is observed cooperatively by executors.
func NewExecutionContext(parent context.Context, executionID, workflowID, userID string) *ExecutionContext {
	ctx, cancel := context.WithCancel(parent)
	return &ExecutionContext{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		UserID:      userID,
		results:     make(map[string]*NodeResult),
		variables:   make(map[string]any),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Context returns the run's cancellation context.
func (ec *ExecutionContext) Context() context.Context { return ec.ctx }

// Cancel sets the run's cancellation signal. No new node is dispatched
// afterwards; in-flight executors are expected to observe it.
func (ec *ExecutionContext) Cancel() { ec.cancel() }

// Cancelled reports whether the cancellation signal has been set.
func (ec *ExecutionContext) Cancelled() bool { return ec.ctx.Err() != nil }

// Result returns the recorded result for a node, or nil.
func (ec *ExecutionContext) Result(nodeID string) *NodeResult {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.results[nodeID]
}

// Output returns a prior node's output record, or nil if the node has no
// recorded output yet.
func (ec *ExecutionContext) Output(nodeID string) map[string]any {
	if result := ec.Result(nodeID); result != nil {
		return result.Output
	}
	return nil
}

// Results returns a snapshot of all recorded results keyed by node id.
func (ec *ExecutionContext) Results() map[string]*NodeResult {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	copied := make(map[string]*NodeResult, len(ec.results))
	for nodeID, result := range ec.results {
		copied[nodeID] = result
	}
	return copied
}

// SetVariable stores a run-scoped binding shared across executors.
func (ec *ExecutionContext) SetVariable(key string, value any) {
	ec.mu.Lock()
	ec.variables[key] = value
	ec.mu.Unlock()
}

// Variable reads a run-scoped binding.
func (ec *ExecutionContext) Variable(key string) (any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	value, ok := ec.variables[key]
	return value, ok
}

// setResult records a node's outcome. Called only from the run's scheduler
// loop; a later retry attempt overwrites the earlier record for that node.
func (ec *ExecutionContext) setResult(result *NodeResult) {
	ec.mu.Lock()
	ec.results[result.NodeID] = result
	ec.mu.Unlock()
}

// now is a seam so tests can pin timestamps if needed.
var now = func() time.Time { return time.Now().UTC() }
