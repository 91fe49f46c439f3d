package graph

import (
	"container/heap"
	"time"

	"github.com/cortexdb/cortex/pkg/store"
)

// Engine is the GraphEngine: a pure compute layer over a store.Engine
// (spec §4.2). It holds no state of its own.
type Engine struct {
	store *store.Engine
}

// New wraps a storage engine as a GraphEngine.
func New(s *store.Engine) *Engine {
	return &Engine{store: s}
}

// adjacent returns the (edge, neighbor) pairs reachable from id in the
// given direction, filtered by relation/weight/time, neighbor order
// deterministic (outgoing edges before incoming when Direction is Both).
func (e *Engine) adjacent(id store.NodeID, dir Direction, req Request) ([]*store.Edge, error) {
	var edges []*store.Edge
	if dir == Outgoing || dir == Both {
		out, err := e.store.EdgesFrom(id)
		if err != nil {
			return nil, err
		}
		edges = append(edges, out...)
	}
	if dir == Incoming || dir == Both {
		in, err := e.store.EdgesTo(id)
		if err != nil {
			return nil, err
		}
		edges = append(edges, in...)
	}
	var filtered []*store.Edge
	for _, edge := range edges {
		if req.allowsEdge(edge) {
			filtered = append(filtered, edge)
		}
	}
	return filtered, nil
}

func neighborOf(edge *store.Edge, from store.NodeID) store.NodeID {
	if edge.From == from {
		return edge.To
	}
	return edge.From
}

func (e *Engine) fetchNode(id store.NodeID) (*store.Node, error) {
	n, err := e.store.GetNode(id)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Traverse runs the requested strategy and returns a self-contained
// Subgraph (spec §4.2).
func (e *Engine) Traverse(req Request) (*Subgraph, error) {
	switch req.Strategy {
	case Dfs:
		return e.traverseDFS(req)
	case Weighted:
		return e.traverseWeighted(req)
	default:
		return e.traverseBFS(req)
	}
}

// traverseBFS marks nodes visited on enqueue, enforcing max_depth, a time
// budget, and a per-level node cap (spec §4.2 BFS).
func (e *Engine) traverseBFS(req Request) (*Subgraph, error) {
	start := time.Now()
	deadline := req.Budget.deadline(start)
	sg := newSubgraph()

	type queued struct {
		id    store.NodeID
		depth uint32
	}
	visited := map[store.NodeID]bool{}
	var queue []queued

	for _, id := range req.Start {
		if visited[id] {
			continue
		}
		visited[id] = true
		sg.Depths[id] = 0
		queue = append(queue, queued{id: id, depth: 0})
	}

	for len(queue) > 0 {
		if len(visited) >= req.Budget.maxVisited() || time.Now().After(deadline) {
			sg.Truncated = true
			break
		}
		level := queue
		queue = nil
		levelCount := 0

		for _, item := range level {
			if levelCount >= req.Budget.maxNodesPerLevel() {
				sg.Truncated = true
				break
			}
			node, err := e.fetchNode(item.id)
			if err != nil {
				continue
			}
			if req.allowsKind(node.Kind) || item.depth == 0 {
				sg.Nodes[item.id] = node
			}
			sg.VisitedCount++
			levelCount++

			if req.MaxDepth > 0 && int(item.depth) >= req.MaxDepth {
				continue
			}
			edges, err := e.adjacent(item.id, req.Direction, req)
			if err != nil {
				continue
			}
			for _, edge := range edges {
				neighbor := neighborOf(edge, item.id)
				sg.Edges = append(sg.Edges, edge)
				if visited[neighbor] {
					continue
				}
				visited[neighbor] = true
				sg.Depths[neighbor] = item.depth + 1
				queue = append(queue, queued{id: neighbor, depth: item.depth + 1})
			}
		}
	}

	if !req.IncludeStart {
		for _, id := range req.Start {
			delete(sg.Nodes, id)
		}
	}
	sg.postPass()
	return sg, nil
}

// traverseDFS walks depth-first, pushing neighbors in reverse edge order
// for deterministic traversal (spec §4.2 DFS).
func (e *Engine) traverseDFS(req Request) (*Subgraph, error) {
	start := time.Now()
	deadline := req.Budget.deadline(start)
	sg := newSubgraph()

	type frame struct {
		id    store.NodeID
		depth uint32
	}
	visited := map[store.NodeID]bool{}
	var stack []frame
	for i := len(req.Start) - 1; i >= 0; i-- {
		stack = append(stack, frame{id: req.Start[i], depth: 0})
	}

	for len(stack) > 0 {
		if len(visited) >= req.Budget.maxVisited() || time.Now().After(deadline) {
			sg.Truncated = true
			break
		}
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[top.id] {
			continue
		}
		visited[top.id] = true
		sg.Depths[top.id] = top.depth

		node, err := e.fetchNode(top.id)
		if err != nil {
			continue
		}
		sg.Nodes[top.id] = node
		sg.VisitedCount++

		if req.MaxDepth > 0 && int(top.depth) >= req.MaxDepth {
			continue
		}
		edges, err := e.adjacent(top.id, req.Direction, req)
		if err != nil {
			continue
		}
		for i := len(edges) - 1; i >= 0; i-- {
			edge := edges[i]
			neighbor := neighborOf(edge, top.id)
			sg.Edges = append(sg.Edges, edge)
			if !visited[neighbor] {
				stack = append(stack, frame{id: neighbor, depth: top.depth + 1})
			}
		}
	}

	if !req.IncludeStart {
		for _, id := range req.Start {
			delete(sg.Nodes, id)
		}
	}
	sg.postPass()
	return sg, nil
}

// weightedItem is a priority-queue entry for greedy best-first traversal.
type weightedItem struct {
	id     store.NodeID
	depth  uint32
	weight float64
	index  int
}

type weightedQueue []*weightedItem

func (q weightedQueue) Len() int            { return len(q) }
func (q weightedQueue) Less(i, j int) bool  { return q[i].weight > q[j].weight }
func (q weightedQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].index, q[j].index = i, j }
func (q *weightedQueue) Push(x interface{}) {
	item := x.(*weightedItem)
	item.index = len(*q)
	*q = append(*q, item)
}
func (q *weightedQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// traverseWeighted is greedy best-first: a priority queue keyed by edge
// weight, start nodes at weight 1.0, visiting higher-weight neighbors
// first until `limit` nodes have been visited (spec §4.2 Weighted).
func (e *Engine) traverseWeighted(req Request) (*Subgraph, error) {
	start := time.Now()
	deadline := req.Budget.deadline(start)
	sg := newSubgraph()

	visited := map[store.NodeID]bool{}
	pq := &weightedQueue{}
	heap.Init(pq)
	for _, id := range req.Start {
		heap.Push(pq, &weightedItem{id: id, depth: 0, weight: 1.0})
	}

	limit := req.Limit
	if limit <= 0 {
		limit = req.Budget.maxVisited()
	}

	for pq.Len() > 0 {
		if len(visited) >= limit || len(visited) >= req.Budget.maxVisited() || time.Now().After(deadline) {
			sg.Truncated = true
			break
		}
		item := heap.Pop(pq).(*weightedItem)
		if visited[item.id] {
			continue
		}
		visited[item.id] = true
		sg.Depths[item.id] = item.depth

		node, err := e.fetchNode(item.id)
		if err != nil {
			continue
		}
		sg.Nodes[item.id] = node
		sg.VisitedCount++

		if req.MaxDepth > 0 && int(item.depth) >= req.MaxDepth {
			continue
		}
		edges, err := e.adjacent(item.id, req.Direction, req)
		if err != nil {
			continue
		}
		for _, edge := range edges {
			neighbor := neighborOf(edge, item.id)
			sg.Edges = append(sg.Edges, edge)
			if !visited[neighbor] {
				heap.Push(pq, &weightedItem{id: neighbor, depth: item.depth + 1, weight: edge.Weight})
			}
		}
	}

	if !req.IncludeStart {
		for _, id := range req.Start {
			delete(sg.Nodes, id)
		}
	}
	sg.postPass()
	return sg, nil
}
