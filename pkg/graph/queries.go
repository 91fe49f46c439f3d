package graph

import (
	"sort"

	"github.com/cortexdb/cortex/pkg/store"
)

// ShortestPath runs BFS from `from` until `to` is reached or the depth
// limit is exhausted, reconstructing a PathResult (spec §4.2).
func (e *Engine) ShortestPath(from, to store.NodeID, maxDepth int, dir Direction) (*PathResult, bool, error) {
	if from == to {
		return &PathResult{Nodes: []store.NodeID{from}, Length: 0}, true, nil
	}

	type queued struct {
		id    store.NodeID
		depth int
	}
	visited := map[store.NodeID]bool{from: true}
	parent := map[store.NodeID]store.NodeID{}
	parentEdge := map[store.NodeID]*store.Edge{}
	queue := []queued{{id: from, depth: 0}}
	req := Request{Direction: dir}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if maxDepth > 0 && cur.depth >= maxDepth {
			continue
		}
		edges, err := e.adjacent(cur.id, dir, req)
		if err != nil {
			return nil, false, err
		}
		for _, edge := range edges {
			neighbor := neighborOf(edge, cur.id)
			if visited[neighbor] {
				continue
			}
			visited[neighbor] = true
			parent[neighbor] = cur.id
			parentEdge[neighbor] = edge
			if neighbor == to {
				return reconstructPath(from, to, parent, parentEdge), true, nil
			}
			queue = append(queue, queued{id: neighbor, depth: cur.depth + 1})
		}
	}
	return nil, false, nil
}

func reconstructPath(from, to store.NodeID, parent map[store.NodeID]store.NodeID, parentEdge map[store.NodeID]*store.Edge) *PathResult {
	var nodes []store.NodeID
	var weight float64
	cur := to
	for cur != from {
		nodes = append([]store.NodeID{cur}, nodes...)
		weight += parentEdge[cur].Weight
		cur = parent[cur]
	}
	nodes = append([]store.NodeID{from}, nodes...)
	return &PathResult{Nodes: nodes, TotalWeight: weight, Length: len(nodes) - 1}
}

// FindPaths returns up to maxPaths distinct node sequences from `from` to
// `to`. Per the recorded Open Question decision: find one shortest path,
// remove its highest-weight internal edge from a scratch adjacency copy,
// and repeat — stopping early once no path remains.
func (e *Engine) FindPaths(from, to store.NodeID, maxDepth, maxPaths int, dir Direction) ([]*PathResult, error) {
	if maxPaths <= 0 {
		maxPaths = 1
	}

	removed := map[store.EdgeID]bool{}
	var results []*PathResult

	for len(results) < maxPaths {
		path, found, err := e.shortestPathExcluding(from, to, maxDepth, dir, removed)
		if err != nil {
			return nil, err
		}
		if !found {
			break
		}
		results = append(results, path)
		if path.Length == 0 {
			break
		}
		// Remove the highest-weight internal edge so the next search is
		// forced onto a distinct route.
		worst, err := e.highestWeightEdgeOnPath(path, dir)
		if err != nil {
			return nil, err
		}
		if worst == "" {
			break
		}
		removed[worst] = true
	}
	return results, nil
}

func (e *Engine) shortestPathExcluding(from, to store.NodeID, maxDepth int, dir Direction, excluded map[store.EdgeID]bool) (*PathResult, bool, error) {
	if from == to {
		return &PathResult{Nodes: []store.NodeID{from}, Length: 0}, true, nil
	}
	type queued struct {
		id    store.NodeID
		depth int
	}
	visited := map[store.NodeID]bool{from: true}
	parent := map[store.NodeID]store.NodeID{}
	parentEdge := map[store.NodeID]*store.Edge{}
	queue := []queued{{id: from, depth: 0}}
	req := Request{Direction: dir}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if maxDepth > 0 && cur.depth >= maxDepth {
			continue
		}
		edges, err := e.adjacent(cur.id, dir, req)
		if err != nil {
			return nil, false, err
		}
		for _, edge := range edges {
			if excluded[edge.ID] {
				continue
			}
			neighbor := neighborOf(edge, cur.id)
			if visited[neighbor] {
				continue
			}
			visited[neighbor] = true
			parent[neighbor] = cur.id
			parentEdge[neighbor] = edge
			if neighbor == to {
				return reconstructPath(from, to, parent, parentEdge), true, nil
			}
			queue = append(queue, queued{id: neighbor, depth: cur.depth + 1})
		}
	}
	return nil, false, nil
}

func (e *Engine) highestWeightEdgeOnPath(path *PathResult, dir Direction) (store.EdgeID, error) {
	var worstID store.EdgeID
	var worstWeight float64 = -1
	req := Request{Direction: dir}
	for i := 0; i < len(path.Nodes)-1; i++ {
		edges, err := e.adjacent(path.Nodes[i], dir, req)
		if err != nil {
			return "", err
		}
		for _, edge := range edges {
			if neighborOf(edge, path.Nodes[i]) == path.Nodes[i+1] && edge.Weight > worstWeight {
				worstWeight = edge.Weight
				worstID = edge.ID
			}
		}
	}
	return worstID, nil
}

// Neighbors returns the one-hop neighbor set of id (spec §4.2).
func (e *Engine) Neighbors(id store.NodeID, dir Direction, relationFilter []string) ([]*store.Node, error) {
	req := Request{Direction: dir, RelationFilter: relationFilter}
	edges, err := e.adjacent(id, dir, req)
	if err != nil {
		return nil, err
	}
	seen := map[store.NodeID]bool{}
	var out []*store.Node
	for _, edge := range edges {
		neighbor := neighborOf(edge, id)
		if seen[neighbor] {
			continue
		}
		seen[neighbor] = true
		node, err := e.fetchNode(neighbor)
		if err != nil {
			continue
		}
		out = append(out, node)
	}
	return out, nil
}

// Neighborhood returns a Both-direction traversal out to depth from id
// (spec §4.2).
func (e *Engine) Neighborhood(id store.NodeID, depth int) (*Subgraph, error) {
	return e.Traverse(Request{
		Start:        []store.NodeID{id},
		MaxDepth:     depth,
		Direction:    Both,
		Strategy:     Bfs,
		IncludeStart: true,
	})
}

// Reachable returns the set of all nodes reachable from id in the given
// direction, unbounded by depth (spec §4.2).
func (e *Engine) Reachable(id store.NodeID, dir Direction) (map[store.NodeID]bool, error) {
	sg, err := e.Traverse(Request{
		Start:        []store.NodeID{id},
		Direction:    dir,
		Strategy:     Bfs,
		IncludeStart: false,
	})
	if err != nil {
		return nil, err
	}
	out := map[store.NodeID]bool{}
	for nodeID := range sg.Nodes {
		out[nodeID] = true
	}
	return out, nil
}

// Roots returns nodes with no incoming edge of the given relation (spec
// §4.2). relation == "" matches any relation.
func (e *Engine) Roots(relation string) ([]*store.Node, error) {
	return e.endpointNodes(relation, func(n *store.Node) ([]*store.Edge, error) { return e.store.EdgesTo(n.ID) })
}

// Leaves returns nodes with no outgoing edge of the given relation.
func (e *Engine) Leaves(relation string) ([]*store.Node, error) {
	return e.endpointNodes(relation, func(n *store.Node) ([]*store.Edge, error) { return e.store.EdgesFrom(n.ID) })
}

func (e *Engine) endpointNodes(relation string, edgesOf func(*store.Node) ([]*store.Edge, error)) ([]*store.Node, error) {
	nodes, err := e.store.ListNodes(store.NodeFilter{})
	if err != nil {
		return nil, err
	}
	var out []*store.Node
	for _, n := range nodes {
		edges, err := edgesOf(n)
		if err != nil {
			return nil, err
		}
		has := false
		for _, edge := range edges {
			if relation == "" || edge.Relation == relation {
				has = true
				break
			}
		}
		if !has {
			out = append(out, n)
		}
	}
	return out, nil
}

// MostConnected returns the k nodes with the highest total degree
// (in + out edges), descending (spec §4.2).
func (e *Engine) MostConnected(k int) ([]*store.Node, error) {
	nodes, err := e.store.ListNodes(store.NodeFilter{})
	if err != nil {
		return nil, err
	}
	type scored struct {
		node   *store.Node
		degree int
	}
	scoredNodes := make([]scored, 0, len(nodes))
	for _, n := range nodes {
		out, err := e.store.EdgesFrom(n.ID)
		if err != nil {
			return nil, err
		}
		in, err := e.store.EdgesTo(n.ID)
		if err != nil {
			return nil, err
		}
		scoredNodes = append(scoredNodes, scored{node: n, degree: len(out) + len(in)})
	}
	sort.Slice(scoredNodes, func(i, j int) bool { return scoredNodes[i].degree > scoredNodes[j].degree })
	if k > 0 && len(scoredNodes) > k {
		scoredNodes = scoredNodes[:k]
	}
	out := make([]*store.Node, len(scoredNodes))
	for i, s := range scoredNodes {
		out[i] = s.node
	}
	return out, nil
}

// FindCycles returns, for each distinct cycle found, the ordered node
// sequence forming it, via DFS with on-stack marking (spec §4.2).
func (e *Engine) FindCycles() ([][]store.NodeID, error) {
	nodes, err := e.store.ListNodes(store.NodeFilter{})
	if err != nil {
		return nil, err
	}

	visited := map[store.NodeID]bool{}
	onStack := map[store.NodeID]bool{}
	var stack []store.NodeID
	var cycles [][]store.NodeID

	var visit func(id store.NodeID) error
	visit = func(id store.NodeID) error {
		visited[id] = true
		onStack[id] = true
		stack = append(stack, id)

		edges, err := e.store.EdgesFrom(id)
		if err != nil {
			return err
		}
		for _, edge := range edges {
			if onStack[edge.To] {
				cycle := extractCycle(stack, edge.To)
				cycles = append(cycles, cycle)
				continue
			}
			if !visited[edge.To] {
				if err := visit(edge.To); err != nil {
					return err
				}
			}
		}

		stack = stack[:len(stack)-1]
		onStack[id] = false
		return nil
	}

	for _, n := range nodes {
		if !visited[n.ID] {
			if err := visit(n.ID); err != nil {
				return nil, err
			}
		}
	}
	return cycles, nil
}

func extractCycle(stack []store.NodeID, start store.NodeID) []store.NodeID {
	for i, id := range stack {
		if id == start {
			cycle := make([]store.NodeID, len(stack)-i)
			copy(cycle, stack[i:])
			return cycle
		}
	}
	return nil
}

// Components returns the connected components of the graph treated as
// undirected, via BFS labelling (spec §4.2).
func (e *Engine) Components() ([][]store.NodeID, error) {
	nodes, err := e.store.ListNodes(store.NodeFilter{})
	if err != nil {
		return nil, err
	}
	visited := map[store.NodeID]bool{}
	var components [][]store.NodeID

	for _, n := range nodes {
		if visited[n.ID] {
			continue
		}
		var component []store.NodeID
		queue := []store.NodeID{n.ID}
		visited[n.ID] = true
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			component = append(component, id)

			edges, err := e.adjacent(id, Both, Request{Direction: Both})
			if err != nil {
				return nil, err
			}
			for _, edge := range edges {
				neighbor := neighborOf(edge, id)
				if !visited[neighbor] {
					visited[neighbor] = true
					queue = append(queue, neighbor)
				}
			}
		}
		components = append(components, component)
	}
	return components, nil
}
