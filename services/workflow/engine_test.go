package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventLog collects emitted events in arrival order. Emissions come from
// the scheduler goroutine and from node goroutines, so access is locked.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(event Event) {
	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()
}

func (l *eventLog) ofType(name string) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var matched []Event
	for _, event := range l.events {
		if event.Type == name {
			matched = append(matched, event)
		}
	}
	return matched
}

// indexOf returns the arrival position of the first event matching type and
// node id, or -1.
func (l *eventLog) indexOf(name, nodeID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, event := range l.events {
		if event.Type == name && event.NodeID == nodeID {
			return i
		}
	}
	return -1
}

// newTestEngine wires an engine with a fresh registry and subscribes the
// returned log to every lifecycle event.
func newTestEngine(t *testing.T) (*Engine, *eventLog) {
	t.Helper()
	engine := NewEngine(NewRegistry())
	log := &eventLog{}
	for _, name := range []string{
		EventWorkflowStarted, EventWorkflowCompleted, EventWorkflowError,
		EventNodeStarted, EventNodeCompleted, EventNodeError,
	} {
		engine.On(name, log.record)
	}
	return engine, log
}

// runToCompletion executes the graph and blocks until the terminal
// workflow:completed event fires.
func runToCompletion(t *testing.T, engine *Engine, nodes []Node, edges []Edge) (string, Event) {
	t.Helper()
	done := make(chan Event, 1)
	engine.Once(EventWorkflowCompleted, func(event Event) { done <- event })

	executionID, err := engine.ExecuteWorkflow(context.Background(), "wf-1", "user-1", nodes, edges)
	require.NoError(t, err)

	select {
	case terminal := <-done:
		return executionID, terminal
	case <-time.After(5 * time.Second):
		t.Fatal("workflow did not reach a terminal state")
		return "", Event{}
	}
}

func okExecutor() NodeExecutor {
	return ExecutorFunc(func(_ context.Context, node Node, _ *ExecutionContext) (map[string]any, error) {
		return map[string]any{"message": "ok", "node": node.ID}, nil
	})
}

func TestExecuteWorkflow_ReturnsExecutionID(t *testing.T) {
	engine, _ := newTestEngine(t)
	engine.RegisterNodeExecutor("task", okExecutor())

	executionID, terminal := runToCompletion(t, engine,
		[]Node{{ID: "only", Type: "task"}}, nil)

	assert.True(t, strings.HasPrefix(executionID, "exec_"), "got %q", executionID)
	assert.Equal(t, ExecutionCompleted, terminal.Status)
}

func TestExecuteWorkflow_ReturnsBeforeRunFinishes(t *testing.T) {
	engine, _ := newTestEngine(t)
	release := make(chan struct{})
	engine.RegisterNodeExecutor("slow", ExecutorFunc(func(_ context.Context, _ Node, _ *ExecutionContext) (map[string]any, error) {
		<-release
		return map[string]any{"message": "done"}, nil
	}))

	done := make(chan Event, 1)
	engine.Once(EventWorkflowCompleted, func(event Event) { done <- event })

	executionID, err := engine.ExecuteWorkflow(context.Background(), "wf-1", "user-1",
		[]Node{{ID: "slow", Type: "slow"}}, nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(executionID, "exec_"))

	// The call returned while the node is still blocked.
	select {
	case <-done:
		t.Fatal("run finished before the executor was released")
	default:
	}

	close(release)
	select {
	case terminal := <-done:
		assert.Equal(t, ExecutionCompleted, terminal.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("workflow did not complete after release")
	}
}

func TestEngine_SourceNodesStartFirst(t *testing.T) {
	engine, log := newTestEngine(t)
	engine.RegisterNodeExecutor("task", okExecutor())

	runToCompletion(t, engine,
		[]Node{
			{ID: "root", Type: "task"},
			{ID: "child", Type: "task"},
		},
		[]Edge{{ID: "e1", Source: "root", Target: "child"}})

	started := log.ofType(EventNodeStarted)
	require.Len(t, started, 2)
	assert.Equal(t, "root", started[0].NodeID)
	assert.Equal(t, "child", started[1].NodeID)
}

func TestEngine_DiamondJoinWaitsForBothBranches(t *testing.T) {
	engine, log := newTestEngine(t)
	engine.RegisterNodeExecutor("task", okExecutor())

	nodes := []Node{
		{ID: "start", Type: "task"},
		{ID: "a", Type: "task"},
		{ID: "b", Type: "task"},
		{ID: "end", Type: "task"},
	}
	edges := []Edge{
		{ID: "e1", Source: "start", Target: "a"},
		{ID: "e2", Source: "start", Target: "b"},
		{ID: "e3", Source: "a", Target: "end"},
		{ID: "e4", Source: "b", Target: "end"},
	}

	_, terminal := runToCompletion(t, engine, nodes, edges)
	assert.Equal(t, ExecutionCompleted, terminal.Status)

	endStarted := log.indexOf(EventNodeStarted, "end")
	require.NotEqual(t, -1, endStarted)
	for _, branch := range []string{"a", "b"} {
		completed := log.indexOf(EventNodeCompleted, branch)
		require.NotEqual(t, -1, completed, "branch %s never completed", branch)
		assert.Less(t, completed, endStarted, "end started before %s completed", branch)
	}
}

func TestEngine_RetrySucceedsOnThirdAttempt(t *testing.T) {
	engine, log := newTestEngine(t)

	var calls atomic.Int32
	engine.RegisterNodeExecutor("flaky", ExecutorFunc(func(_ context.Context, _ Node, _ *ExecutionContext) (map[string]any, error) {
		if calls.Add(1) < 3 {
			return nil, fmt.Errorf("transient failure")
		}
		return map[string]any{"message": "recovered"}, nil
	}))

	nodes := []Node{{
		ID: "flaky", Type: "flaky",
		Data: map[string]any{
			"retry": map[string]any{"enabled": true, "maxAttempts": 3, "delayMs": 10},
		},
	}}

	_, terminal := runToCompletion(t, engine, nodes, nil)

	assert.Equal(t, ExecutionCompleted, terminal.Status)
	assert.Equal(t, int32(3), calls.Load())

	completed := log.ofType(EventNodeCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, 3, completed[0].Attempts)
	assert.Empty(t, log.ofType(EventNodeError))
}

func TestEngine_RetryDisabledFailsOnce(t *testing.T) {
	engine, log := newTestEngine(t)

	var calls atomic.Int32
	engine.RegisterNodeExecutor("broken", ExecutorFunc(func(_ context.Context, _ Node, _ *ExecutionContext) (map[string]any, error) {
		calls.Add(1)
		return nil, fmt.Errorf("boom")
	}))

	_, terminal := runToCompletion(t, engine, []Node{{ID: "broken", Type: "broken"}}, nil)

	assert.Equal(t, ExecutionFailed, terminal.Status)
	assert.Equal(t, int32(1), calls.Load())

	errored := log.ofType(EventNodeError)
	require.Len(t, errored, 1)
	assert.Equal(t, "boom", errored[0].Err.Error())
	assert.Empty(t, log.ofType(EventNodeCompleted))
}

func TestEngine_FailureIsolatedToDependentSubtree(t *testing.T) {
	engine, log := newTestEngine(t)
	engine.RegisterNodeExecutor("task", okExecutor())
	engine.RegisterNodeExecutor("broken", ExecutorFunc(func(_ context.Context, _ Node, _ *ExecutionContext) (map[string]any, error) {
		return nil, fmt.Errorf("upstream exploded")
	}))

	nodes := []Node{
		{ID: "start", Type: "task"},
		{ID: "doomed", Type: "broken"},
		{ID: "dependent", Type: "task"},
		{ID: "independent", Type: "task"},
	}
	edges := []Edge{
		{ID: "e1", Source: "start", Target: "doomed"},
		{ID: "e2", Source: "start", Target: "independent"},
		{ID: "e3", Source: "doomed", Target: "dependent"},
	}

	errored := make(chan Event, 1)
	engine.Once(EventWorkflowError, func(event Event) { errored <- event })

	_, terminal := runToCompletion(t, engine, nodes, edges)

	// The run still drains and surfaces completion; failure is additional.
	assert.Equal(t, ExecutionFailed, terminal.Status)
	select {
	case event := <-errored:
		assert.Equal(t, ExecutionFailed, event.Status)
	default:
		t.Fatal("expected a workflow:error event")
	}

	assert.NotEqual(t, -1, log.indexOf(EventNodeCompleted, "independent"))
	assert.Equal(t, -1, log.indexOf(EventNodeStarted, "dependent"), "dependent of a failed node must never start")
}

func TestEngine_ConditionalBranchPruning(t *testing.T) {
	engine, log := newTestEngine(t)
	engine.RegisterNodeExecutor("task", okExecutor())
	engine.RegisterNodeExecutor("decide", ExecutorFunc(func(_ context.Context, _ Node, _ *ExecutionContext) (map[string]any, error) {
		return map[string]any{"message": "decided", "branch": "true"}, nil
	}))

	nodes := []Node{
		{ID: "decision", Type: "decide"},
		{ID: "onTrue", Type: "task"},
		{ID: "onFalse", Type: "task"},
	}
	edges := []Edge{
		{ID: "e1", Source: "decision", Target: "onTrue", SourceHandle: "true"},
		{ID: "e2", Source: "decision", Target: "onFalse", SourceHandle: "false"},
	}

	_, terminal := runToCompletion(t, engine, nodes, edges)

	assert.Equal(t, ExecutionCompleted, terminal.Status)
	assert.NotEqual(t, -1, log.indexOf(EventNodeCompleted, "onTrue"))
	assert.Equal(t, -1, log.indexOf(EventNodeStarted, "onFalse"), "pruned branch must never start")
}

func TestEngine_PrunedTargetStillReachableViaOtherPath(t *testing.T) {
	engine, log := newTestEngine(t)
	engine.RegisterNodeExecutor("task", okExecutor())
	engine.RegisterNodeExecutor("decide", ExecutorFunc(func(_ context.Context, _ Node, _ *ExecutionContext) (map[string]any, error) {
		return map[string]any{"branch": "true"}, nil
	}))

	// join is fed by the pruned "false" branch and an unconditional edge; it
	// must run once the unconditional path resolves.
	nodes := []Node{
		{ID: "decision", Type: "decide"},
		{ID: "other", Type: "task"},
		{ID: "join", Type: "task"},
	}
	edges := []Edge{
		{ID: "e1", Source: "decision", Target: "join", SourceHandle: "false"},
		{ID: "e2", Source: "other", Target: "join"},
	}

	_, terminal := runToCompletion(t, engine, nodes, edges)

	assert.Equal(t, ExecutionCompleted, terminal.Status)
	assert.NotEqual(t, -1, log.indexOf(EventNodeCompleted, "join"))
}

func TestEngine_CycleRejectedBeforeDispatch(t *testing.T) {
	engine, log := newTestEngine(t)
	engine.RegisterNodeExecutor("task", okExecutor())

	nodes := []Node{
		{ID: "a", Type: "task"},
		{ID: "b", Type: "task"},
	}
	edges := []Edge{
		{ID: "e1", Source: "a", Target: "b"},
		{ID: "e2", Source: "b", Target: "a"},
	}

	_, err := engine.ExecuteWorkflow(context.Background(), "wf-1", "user-1", nodes, edges)

	var cycleErr *GraphCycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.ElementsMatch(t, []string{"a", "b"}, cycleErr.Nodes)
	assert.Empty(t, log.ofType(EventNodeStarted))
	assert.Len(t, log.ofType(EventWorkflowError), 1)
}

func TestEngine_BadEdgeEndpointRejected(t *testing.T) {
	engine, log := newTestEngine(t)
	engine.RegisterNodeExecutor("task", okExecutor())

	_, err := engine.ExecuteWorkflow(context.Background(), "wf-1", "user-1",
		[]Node{{ID: "a", Type: "task"}},
		[]Edge{{ID: "e1", Source: "a", Target: "ghost"}})

	var invalidErr *InvalidGraphError
	require.ErrorAs(t, err, &invalidErr)
	assert.Equal(t, "ghost", invalidErr.NodeID)
	assert.Empty(t, log.ofType(EventNodeStarted))
}

func TestEngine_UnregisteredNodeTypeFailsNode(t *testing.T) {
	engine, log := newTestEngine(t)
	engine.RegisterNodeExecutor("task", okExecutor())

	nodes := []Node{
		{ID: "known", Type: "task"},
		{ID: "mystery", Type: "webhook"},
	}

	_, terminal := runToCompletion(t, engine, nodes, nil)

	assert.Equal(t, ExecutionFailed, terminal.Status)
	errored := log.ofType(EventNodeError)
	require.Len(t, errored, 1)
	assert.Equal(t, "mystery", errored[0].NodeID)
	assert.Contains(t, errored[0].Err.Error(), "no executor registered")
	assert.NotEqual(t, -1, log.indexOf(EventNodeCompleted, "known"))
}

func TestEngine_ReregisteringExecutorAffectsNextRun(t *testing.T) {
	engine, log := newTestEngine(t)
	engine.RegisterNodeExecutor("task", ExecutorFunc(func(_ context.Context, _ Node, _ *ExecutionContext) (map[string]any, error) {
		return map[string]any{"version": "old"}, nil
	}))

	runToCompletion(t, engine, []Node{{ID: "n", Type: "task"}}, nil)

	engine.RegisterNodeExecutor("task", ExecutorFunc(func(_ context.Context, _ Node, _ *ExecutionContext) (map[string]any, error) {
		return map[string]any{"version": "new"}, nil
	}))

	runToCompletion(t, engine, []Node{{ID: "n", Type: "task"}}, nil)

	completed := log.ofType(EventNodeCompleted)
	require.Len(t, completed, 2)
	assert.Equal(t, "old", completed[0].Output["version"])
	assert.Equal(t, "new", completed[1].Output["version"])
}

func TestEngine_CancelStopsNewDispatch(t *testing.T) {
	engine, log := newTestEngine(t)
	engine.RegisterNodeExecutor("task", okExecutor())
	engine.RegisterNodeExecutor("canceller", ExecutorFunc(func(_ context.Context, _ Node, ec *ExecutionContext) (map[string]any, error) {
		ec.Cancel()
		return map[string]any{"message": "cancelled the run"}, nil
	}))

	nodes := []Node{
		{ID: "first", Type: "canceller"},
		{ID: "second", Type: "task"},
	}
	edges := []Edge{{ID: "e1", Source: "first", Target: "second"}}

	runToCompletion(t, engine, nodes, edges)

	assert.NotEqual(t, -1, log.indexOf(EventNodeCompleted, "first"))
	assert.Equal(t, -1, log.indexOf(EventNodeStarted, "second"), "no dispatch may happen after cancellation")
}

func TestEngine_InterpolatesPriorOutputs(t *testing.T) {
	engine, log := newTestEngine(t)
	engine.RegisterNodeExecutor("producer", ExecutorFunc(func(_ context.Context, _ Node, _ *ExecutionContext) (map[string]any, error) {
		return map[string]any{"greeting": "hello"}, nil
	}))
	engine.RegisterNodeExecutor("consumer", ExecutorFunc(func(_ context.Context, node Node, _ *ExecutionContext) (map[string]any, error) {
		return map[string]any{"echo": node.Data["text"]}, nil
	}))

	nodes := []Node{
		{ID: "p", Type: "producer"},
		{ID: "c", Type: "consumer", Data: map[string]any{"text": "{{p.greeting}} world, {{missing.field}}!"}},
	}
	edges := []Edge{{ID: "e1", Source: "p", Target: "c"}}

	_, terminal := runToCompletion(t, engine, nodes, edges)

	assert.Equal(t, ExecutionCompleted, terminal.Status)
	completed := log.indexOf(EventNodeCompleted, "c")
	require.NotEqual(t, -1, completed)
	events := log.ofType(EventNodeCompleted)
	var echo any
	for _, event := range events {
		if event.NodeID == "c" {
			echo = event.Output["echo"]
		}
	}
	assert.Equal(t, "hello world, !", echo)
}

func TestEngine_StatusTracksTerminalState(t *testing.T) {
	engine, _ := newTestEngine(t)
	engine.RegisterNodeExecutor("task", okExecutor())

	executionID, _ := runToCompletion(t, engine, []Node{{ID: "n", Type: "task"}}, nil)

	execution, ok := engine.Status(executionID)
	require.True(t, ok)
	assert.Equal(t, ExecutionCompleted, execution.Status)
	require.NotNil(t, execution.CompletedAt)
	assert.False(t, execution.CompletedAt.Before(execution.StartedAt))

	_, ok = engine.Status("exec_unknown")
	assert.False(t, ok)
}

func TestEngine_NodeFailureDoesNotErrorExecuteWorkflow(t *testing.T) {
	engine, _ := newTestEngine(t)
	engine.RegisterNodeExecutor("broken", ExecutorFunc(func(_ context.Context, _ Node, _ *ExecutionContext) (map[string]any, error) {
		return nil, errors.New("node-level problem")
	}))

	done := make(chan Event, 1)
	engine.Once(EventWorkflowCompleted, func(event Event) { done <- event })

	_, err := engine.ExecuteWorkflow(context.Background(), "wf-1", "user-1",
		[]Node{{ID: "n", Type: "broken"}}, nil)
	require.NoError(t, err, "node failures are reported via events, never returned")

	select {
	case terminal := <-done:
		assert.Equal(t, ExecutionFailed, terminal.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("workflow did not reach a terminal state")
	}
}
