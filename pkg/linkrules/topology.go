package linkrules

import "github.com/cortexdb/cortex/pkg/store"

// TopologyScorer is satisfied by pkg/graph.TopologyScore; it is narrowed
// to a single method here so linkrules never imports pkg/graph directly.
type TopologyScorer interface {
	Combined() float64
}

// TopologyRule is a supplemented LinkRules signal (not
// named in spec §4.4): when two nodes already share enough graph
// neighbors that standard topology heuristics consider them likely
// related, propose a related_to edge. It is purely additive — it never
// replaces or changes the weight of a rule spec §4.4 names, it only adds
// a new source of related_to proposals for AutoLinker to dedupe against
// existing edges same as any other rule.
type TopologyRule struct {
	MinCombined float64
}

// DefaultTopologyRule matches a topology score high enough that the four
// blended heuristics agree the pair is meaningfully connected.
func DefaultTopologyRule() TopologyRule {
	return TopologyRule{MinCombined: 0.5}
}

// EvaluateTopology is called by AutoLinker alongside the node/neighbor
// rules in Rule; it takes the already-computed score rather than a
// store.Engine so it stays a pure function like every other rule.
func (r TopologyRule) EvaluateTopology(node, neighbor *store.Node, score TopologyScorer) *ProposedEdge {
	if score == nil || node.ID == neighbor.ID {
		return nil
	}
	combined := score.Combined()
	if combined < r.MinCombined {
		return nil
	}
	return structural(node, neighbor, "related_to", combined, "topology")
}
