// Package hybridsearch provides Cortex's HybridSearch (spec §4.8): a
// vector-similarity search over embeddings, fused with graph-proximity
// scores measured from a set of anchor nodes, combined by a linear
// weighting into a single ranked result list.
//
// Rather than a BM25+vector RRF fusion, HybridSearch blends two
// different signals on the same [0,1] scale with a straight convex
// combination rather than reciprocal-rank fusion: vector similarity is
// already a bounded score, and graph proximity (1/(1+depth)) is too, so
// rank-based fusion would throw away information both signals already
// carry.
//
// Usage Example:
//
//	svc := hybridsearch.New(storeEngine, vectorIndex, graphEngine, embedder)
//	res, err := svc.Search(ctx, hybridsearch.Query{
//		Text:    "what did we decide about the database",
//		Anchors: []store.NodeID{currentSessionNode},
//		Limit:   10,
//	})
package hybridsearch

import (
	"context"
	"errors"
	"sort"

	"github.com/cortexdb/cortex/pkg/embedding"
	"github.com/cortexdb/cortex/pkg/graph"
	"github.com/cortexdb/cortex/pkg/store"
	"github.com/cortexdb/cortex/pkg/vectorindex"
)

const overFetchMultiplier = 3

// Query is a HybridSearch request (spec §4.8 HybridQuery).
type Query struct {
	Text           string
	Anchors        []store.NodeID
	VectorWeight   float64
	Limit          int
	KindFilter     []string
	MaxAnchorDepth int
}

// DefaultVectorWeight and DefaultMaxAnchorDepth are spec §4.8's named
// defaults, applied by Search when a Query leaves them at zero.
const (
	DefaultVectorWeight   = 0.7
	DefaultMaxAnchorDepth = 3
)

// Anchor annotates the nearest anchor a result was reached from, and at
// what depth (spec §4.8 step 6).
type Anchor struct {
	ID    store.NodeID
	Depth int
}

// Result is one ranked HybridSearch hit.
type Result struct {
	Node          *store.Node
	VectorScore   float64
	GraphScore    float64
	Combined      float64
	NearestAnchor *Anchor
}

// Service runs HybridSearch queries against a store.Engine, a
// vectorindex.Index, and a graph.Engine.
type Service struct {
	store    *store.Engine
	index    *vectorindex.Index
	graph    *graph.Engine
	embedder embedding.Service
}

// New returns a Service bound to s, idx, g, and embedder.
func New(s *store.Engine, idx *vectorindex.Index, g *graph.Engine, embedder embedding.Service) *Service {
	return &Service{store: s, index: idx, graph: g, embedder: embedder}
}

// Search runs the six-step HybridSearch pipeline (spec §4.8).
func (svc *Service) Search(ctx context.Context, q Query) ([]Result, error) {
	vectorWeight := q.VectorWeight
	if vectorWeight == 0 {
		vectorWeight = DefaultVectorWeight
	}
	maxDepth := q.MaxAnchorDepth
	if maxDepth == 0 {
		maxDepth = DefaultMaxAnchorDepth
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	vec, err := svc.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, err
	}

	var filter *vectorindex.Filter
	if len(q.KindFilter) > 0 {
		filter = &vectorindex.Filter{Kinds: q.KindFilter}
	}
	vectorResults, err := svc.index.Search(vec, limit*overFetchMultiplier, filter)
	if err != nil {
		return nil, err
	}

	if len(q.Anchors) == 0 {
		return svc.pureVectorResults(vectorResults, limit)
	}

	depths, err := svc.anchorDepths(q.Anchors, maxDepth)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(vectorResults))
	for _, vr := range vectorResults {
		node, err := svc.store.GetNode(store.NodeID(vr.ID))
		if err != nil {
			if errors.Is(err, store.ErrNodeNotFound) {
				continue
			}
			return nil, err
		}

		graphScore := 0.0
		var nearest *Anchor
		if d, ok := depths[node.ID]; ok {
			graphScore = 1.0 / float64(1+d.depth)
			nearest = &Anchor{ID: d.anchor, Depth: d.depth}
		}

		combined := vectorWeight*vr.Score + (1-vectorWeight)*graphScore
		results = append(results, Result{
			Node: node, VectorScore: vr.Score, GraphScore: graphScore,
			Combined: combined, NearestAnchor: nearest,
		})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Combined > results[j].Combined })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (svc *Service) pureVectorResults(vectorResults []vectorindex.Result, limit int) ([]Result, error) {
	if len(vectorResults) > limit {
		vectorResults = vectorResults[:limit]
	}
	out := make([]Result, 0, len(vectorResults))
	for _, vr := range vectorResults {
		node, err := svc.store.GetNode(store.NodeID(vr.ID))
		if err != nil {
			if errors.Is(err, store.ErrNodeNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, Result{Node: node, VectorScore: vr.Score, Combined: vr.Score})
	}
	return out, nil
}

type anchorDepth struct {
	anchor store.NodeID
	depth  int
}

// anchorDepths traverses Both directions from every anchor up to
// maxDepth and keeps, for each reached node, the shallowest depth seen
// across all anchors (spec §4.8 step 4: "a node takes the max over
// anchors", i.e. the score-maximizing, hence depth-minimizing, anchor).
func (svc *Service) anchorDepths(anchors []store.NodeID, maxDepth int) (map[store.NodeID]anchorDepth, error) {
	best := map[store.NodeID]anchorDepth{}
	for _, anchor := range anchors {
		sub, err := svc.graph.Traverse(graph.Request{
			Start:        []store.NodeID{anchor},
			MaxDepth:     maxDepth,
			Direction:    graph.Both,
			Strategy:     graph.Bfs,
			IncludeStart: true,
		})
		if err != nil {
			return nil, err
		}
		for id, depth := range sub.Depths {
			d := int(depth)
			if existing, ok := best[id]; !ok || d < existing.depth {
				best[id] = anchorDepth{anchor: anchor, depth: d}
			}
		}
	}
	return best, nil
}
