package workflow

// depGraph is the derived in/out-edge view of a node/edge set, built once
// per run and mutated only by branch pruning.
type depGraph struct {
	nodes    map[string]*Node
	inEdges  map[string][]*graphEdge
	outEdges map[string][]*graphEdge
}

// graphEdge wraps an Edge with the pruned flag used by conditional
// branching. A pruned edge no longer counts as a dependency.
type graphEdge struct {
	Edge
	pruned bool
}

// buildGraph validates edge endpoints and constructs the dependency view.
func buildGraph(nodes []Node, edges []Edge) (*depGraph, error) {
	g := &depGraph{
		nodes:    make(map[string]*Node, len(nodes)),
		inEdges:  make(map[string][]*graphEdge, len(nodes)),
		outEdges: make(map[string][]*graphEdge, len(nodes)),
	}
	for i := range nodes {
		g.nodes[nodes[i].ID] = &nodes[i]
	}

	for _, edge := range edges {
		if _, ok := g.nodes[edge.Source]; !ok {
			return nil, &InvalidGraphError{EdgeID: edge.ID, NodeID: edge.Source}
		}
		if _, ok := g.nodes[edge.Target]; !ok {
			return nil, &InvalidGraphError{EdgeID: edge.ID, NodeID: edge.Target}
		}
		ge := &graphEdge{Edge: edge}
		g.outEdges[edge.Source] = append(g.outEdges[edge.Source], ge)
		g.inEdges[edge.Target] = append(g.inEdges[edge.Target], ge)
	}

	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

// checkAcyclic runs Kahn's algorithm over the full edge set. Nodes that
// never reach in-degree zero form the reported cycle.
func (g *depGraph) checkAcyclic() error {
	inDegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		inDegree[id] = len(g.inEdges[id])
	}

	var queue []string
	for id, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, edge := range g.outEdges[id] {
			inDegree[edge.Target]--
			if inDegree[edge.Target] == 0 {
				queue = append(queue, edge.Target)
			}
		}
	}

	if visited != len(g.nodes) {
		var cyclic []string
		for id, degree := range inDegree {
			if degree > 0 {
				cyclic = append(cyclic, id)
			}
		}
		return &GraphCycleError{Nodes: cyclic}
	}
	return nil
}

// liveInEdges returns the non-pruned incoming edges of a node.
func (g *depGraph) liveInEdges(nodeID string) []*graphEdge {
	var live []*graphEdge
	for _, edge := range g.inEdges[nodeID] {
		if !edge.pruned {
			live = append(live, edge)
		}
	}
	return live
}

// pruneBranches drops every handled outgoing edge of nodeID whose source
// handle does not match the selected branch. Unhandled edges stay live.
// Returns the targets that lost a dependency.
func (g *depGraph) pruneBranches(nodeID, selected string) []string {
	var affected []string
	for _, edge := range g.outEdges[nodeID] {
		if edge.SourceHandle == "" || edge.SourceHandle == selected || edge.pruned {
			continue
		}
		edge.pruned = true
		affected = append(affected, edge.Target)
	}
	return affected
}
