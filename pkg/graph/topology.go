package graph

import (
	"math"

	"github.com/cortexdb/cortex/pkg/store"
)

// TopologyScore is a supplemented feature: a purely
// structural signal — "do these two nodes already share graph neighbors" —
// that LinkRules may fold in alongside its semantic/temporal/tag-based
// rules. It never runs on its own; it answers one question about one
// candidate pair at a time, using standard link-prediction
// heuristics (common neighbors, Jaccard, Adamic-Adar, preferential
// attachment), collapsed into a single normalized score.
type TopologyScore struct {
	CommonNeighbors       int
	Jaccard               float64
	AdamicAdar            float64
	PreferentialAttachment float64
}

// Combined blends the four signals into one [0,1] value, weighted toward
// the two that correct for degree bias (Jaccard, Adamic-Adar).
func (t TopologyScore) Combined() float64 {
	commonScore := 1.0 - (1.0 / (1.0 + float64(t.CommonNeighbors)/2.0))
	adamicScore := math.Tanh(t.AdamicAdar / 5.0)
	prefScore := 0.0
	if t.PreferentialAttachment > 1.0 {
		prefScore = math.Min(1.0, math.Log10(t.PreferentialAttachment)/4.0)
	}
	return 0.15*commonScore + 0.35*t.Jaccard + 0.35*adamicScore + 0.15*prefScore
}

// Topology computes a TopologyScore for the undirected neighbor sets of a
// and b, treating both EdgesFrom and EdgesTo as adjacency (matching the
// graph's undirected-by-default adjacency).
func (e *Engine) Topology(a, b store.NodeID) (TopologyScore, error) {
	neighborsA, err := e.undirectedNeighbors(a)
	if err != nil {
		return TopologyScore{}, err
	}
	neighborsB, err := e.undirectedNeighbors(b)
	if err != nil {
		return TopologyScore{}, err
	}

	common := 0
	adamicAdar := 0.0
	for n := range neighborsA {
		if _, ok := neighborsB[n]; !ok {
			continue
		}
		common++
		degree, err := e.undirectedDegree(n)
		if err != nil {
			return TopologyScore{}, err
		}
		if degree > 1 {
			adamicAdar += 1.0 / math.Log(float64(degree))
		}
	}

	union := len(neighborsA) + len(neighborsB) - common
	jaccard := 0.0
	if union > 0 {
		jaccard = float64(common) / float64(union)
	}

	return TopologyScore{
		CommonNeighbors:        common,
		Jaccard:                jaccard,
		AdamicAdar:             adamicAdar,
		PreferentialAttachment: float64(len(neighborsA)) * float64(len(neighborsB)),
	}, nil
}

func (e *Engine) undirectedNeighbors(id store.NodeID) (map[store.NodeID]bool, error) {
	edges, err := e.adjacent(id, Both, Request{Direction: Both})
	if err != nil {
		return nil, err
	}
	out := map[store.NodeID]bool{}
	for _, edge := range edges {
		out[neighborOf(edge, id)] = true
	}
	return out, nil
}

func (e *Engine) undirectedDegree(id store.NodeID) (int, error) {
	neighbors, err := e.undirectedNeighbors(id)
	if err != nil {
		return 0, err
	}
	return len(neighbors), nil
}
