// Package graph is Cortex's pure compute layer over pkg/store (spec §4.2):
// traversal, shortest-path, neighborhood and topology queries over the
// node/edge graph. It never writes to Storage; every algorithm here
// operates on Nodes and Edges fetched from a store.Engine, reconstructing
// the graph shape in memory for the duration of a single call.
package graph

import (
	"time"

	"github.com/cortexdb/cortex/pkg/store"
)

// Direction constrains which adjacency index a traversal walks.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
	Both
)

// Strategy selects the traversal algorithm (spec §4.2).
type Strategy int

const (
	Bfs Strategy = iota
	Dfs
	Weighted
)

// Budget bounds the cost of a traversal (spec §4.2 TraversalBudget).
// A zero value in any field means "unbounded" for that dimension.
type Budget struct {
	MaxVisited       int
	MaxTimeMS        int
	MaxNodesPerLevel int
}

func (b Budget) maxVisited() int {
	if b.MaxVisited <= 0 {
		return 1 << 30
	}
	return b.MaxVisited
}

func (b Budget) deadline(start time.Time) time.Time {
	if b.MaxTimeMS <= 0 {
		return start.AddDate(100, 0, 0)
	}
	return start.Add(time.Duration(b.MaxTimeMS) * time.Millisecond)
}

func (b Budget) maxNodesPerLevel() int {
	if b.MaxNodesPerLevel <= 0 {
		return 1 << 30
	}
	return b.MaxNodesPerLevel
}

// Request describes a traversal (spec §4.2 "Traversal request").
type Request struct {
	Start          []store.NodeID
	MaxDepth       int
	Direction      Direction
	Strategy       Strategy
	RelationFilter []string
	KindFilter     []string
	MinWeight      float64
	CreatedAfter   time.Time
	Limit          int
	IncludeStart   bool
	Budget         Budget
}

func (r Request) allowsRelation(rel string) bool {
	if len(r.RelationFilter) == 0 {
		return true
	}
	for _, want := range r.RelationFilter {
		if want == rel {
			return true
		}
	}
	return false
}

func (r Request) allowsKind(kind string) bool {
	if len(r.KindFilter) == 0 {
		return true
	}
	for _, want := range r.KindFilter {
		if want == kind {
			return true
		}
	}
	return false
}

func (r Request) allowsEdge(e *store.Edge) bool {
	if !r.allowsRelation(e.Relation) {
		return false
	}
	if r.MinWeight > 0 && e.Weight < r.MinWeight {
		return false
	}
	if !r.CreatedAfter.IsZero() && e.CreatedAt.Before(r.CreatedAfter) {
		return false
	}
	return true
}

// Subgraph is the result of a traversal (spec §4.2).
type Subgraph struct {
	Nodes        map[store.NodeID]*store.Node
	Edges        []*store.Edge
	Depths       map[store.NodeID]uint32
	VisitedCount int
	Truncated    bool
}

func newSubgraph() *Subgraph {
	return &Subgraph{
		Nodes:  map[store.NodeID]*store.Node{},
		Depths: map[store.NodeID]uint32{},
	}
}

// postPass drops any edge whose endpoints are not both present in the
// final node set, guaranteeing the returned subgraph is self-contained
// (spec §4.2 invariant 6).
func (s *Subgraph) postPass() {
	kept := s.Edges[:0]
	for _, e := range s.Edges {
		_, hasFrom := s.Nodes[e.From]
		_, hasTo := s.Nodes[e.To]
		if hasFrom && hasTo {
			kept = append(kept, e)
		}
	}
	s.Edges = kept
}

// PathResult is the result of shortest-path search (spec §4.2).
type PathResult struct {
	Nodes       []store.NodeID
	TotalWeight float64
	Length      int
}
