package workflow

import "fmt"

// InvalidGraphError reports an edge whose endpoints do not resolve to nodes
// in the submitted graph. Raised before any node is dispatched.
type InvalidGraphError struct {
	EdgeID string
	NodeID string
}

func (e *InvalidGraphError) Error() string {
	return fmt.Sprintf("invalid graph: edge %q references unknown node %q", e.EdgeID, e.NodeID)
}

// GraphCycleError reports that the submitted graph is not acyclic. The
// offending nodes are those that never reached in-degree zero.
type GraphCycleError struct {
	Nodes []string
}

func (e *GraphCycleError) Error() string {
	return fmt.Sprintf("graph contains a cycle involving nodes %v", e.Nodes)
}

// UnregisteredNodeTypeError reports a node whose type has no executor. It is
// surfaced as that node's failure, not a whole-run abort.
type UnregisteredNodeTypeError struct {
	NodeType string
}

func (e *UnregisteredNodeTypeError) Error() string {
	return fmt.Sprintf("no executor registered for node type %q", e.NodeType)
}
