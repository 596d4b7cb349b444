package workflow

import "time"

// Workflow represents a persisted workflow definition with its graph of nodes and edges.
type Workflow struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Nodes     []Node    `json:"nodes"`
	Edges     []Edge    `json:"edges"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Node represents a single unit of work in a workflow graph. Data is opaque
// to the scheduler; each executor decodes the fields it needs.
type Node struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Position Position       `json:"position"`
	Data     map[string]any `json:"data"`
}

// Position holds x/y coordinates for rendering the node on the canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Edge represents a directed dependency between two nodes. SourceHandle
// disambiguates branches leaving a decision node; an empty handle is an
// unconditional link.
type Edge struct {
	ID           string         `json:"id"`
	Source       string         `json:"source"`
	Target       string         `json:"target"`
	Label        string         `json:"label,omitempty"`
	Type         string         `json:"type,omitempty"`
	SourceHandle string         `json:"sourceHandle,omitempty"`
	TargetHandle string         `json:"targetHandle,omitempty"`
	Animated     bool           `json:"animated,omitempty"`
	Style        map[string]any `json:"style,omitempty"`
	LabelStyle   map[string]any `json:"labelStyle,omitempty"`
}

// ExecutionStatus is the run-level state of one workflow execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// NodeState is the per-node lifecycle state within one run.
type NodeState string

const (
	NodePending   NodeState = "pending"
	NodeReady     NodeState = "ready"
	NodeRunning   NodeState = "running"
	NodeSucceeded NodeState = "succeeded"
	NodeFailed    NodeState = "failed"
	NodeSkipped   NodeState = "skipped"
)

// Terminal reports whether the state can no longer change for this run.
func (s NodeState) Terminal() bool {
	return s == NodeSucceeded || s == NodeFailed || s == NodeSkipped
}

// Execution records one run of a workflow graph.
type Execution struct {
	ExecutionID string          `json:"executionId"`
	WorkflowID  string          `json:"workflowId"`
	UserID      string          `json:"userId"`
	Status      ExecutionStatus `json:"status"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// ErrorInfo captures the error of a node's final attempt.
type ErrorInfo struct {
	Message string `json:"message"`
}

// NodeResult is the recorded outcome of executing one node. Under retry it
// is overwritten only by a later attempt of the same node.
type NodeResult struct {
	NodeID      string         `json:"nodeId"`
	Output      map[string]any `json:"output,omitempty"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt time.Time      `json:"completedAt"`
	Attempts    int            `json:"attempts"`
	Error       *ErrorInfo     `json:"error,omitempty"`
}

// ExecuteRequest is the JSON body sent to start a workflow execution.
type ExecuteRequest struct {
	UserID string `json:"userId"`
}

// ExecuteResponse acknowledges a scheduled execution.
type ExecuteResponse struct {
	ExecutionID string          `json:"executionId"`
	Status      ExecutionStatus `json:"status"`
}

// ExecutionDetail is returned by the executions endpoint: the execution row
// plus its recorded event log.
type ExecutionDetail struct {
	Execution
	Events []EventRecord `json:"events"`
}

// EventRecord is one persisted lifecycle event.
type EventRecord struct {
	Type      string         `json:"type"`
	NodeID    string         `json:"nodeId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
