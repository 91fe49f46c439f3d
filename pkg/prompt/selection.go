package prompt

import (
	"errors"
	"math/rand"
	"sort"
	"strings"

	"github.com/cortexdb/cortex/pkg/store"
)

// ErrNoVariants is returned when an agent has no uses edges to select
// among.
var ErrNoVariants = errors.New("prompt: agent has no variants to select from")

// ScoredVariant is one candidate in a Selection's ranked list.
type ScoredVariant struct {
	PromptID   store.NodeID
	EdgeWeight float64
	ContextFit float64
	Score      float64
}

// Selection is the result of a context-aware selection request (spec
// §4.10).
type Selection struct {
	Chosen          store.NodeID
	Ranked          []ScoredVariant
	SwapRecommended bool
}

// Selector runs context-aware variant selection against a store.Engine.
// NewSelector's rng parameter lets tests supply a seeded source; a nil
// rng is replaced by a fixed-seed source.
type Selector struct {
	store *store.Engine
	rand  *rand.Rand
}

// NewSelector returns a Selector bound to s. If rng is nil, a new
// rand.Rand seeded from a fixed source is used (callers wanting
// non-deterministic exploration should pass their own rng).
func NewSelector(s *store.Engine, rng *rand.Rand) *Selector {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &Selector{store: s, rand: rng}
}

// Select implements spec §4.10's context-aware selection: score every
// uses-edge variant bound to agentID, then either pick uniformly at
// random (probability epsilon) or the arg-max scorer.
func (sel *Selector) Select(agentID store.NodeID, signals ContextSignals, epsilon float64) (*Selection, error) {
	edges, err := sel.store.EdgesFrom(agentID)
	if err != nil {
		return nil, err
	}

	var ranked []ScoredVariant
	for _, e := range edges {
		if e.Relation != RelationUses {
			continue
		}
		variant, err := sel.store.GetNode(e.To)
		if err != nil {
			if errors.Is(err, store.ErrNodeNotFound) {
				continue
			}
			return nil, err
		}
		fit := contextFit(variant, signals, e.Weight)
		score := clamp01(0.5*e.Weight + 0.5*fit)
		ranked = append(ranked, ScoredVariant{PromptID: variant.ID, EdgeWeight: e.Weight, ContextFit: fit, Score: score})
	}

	if len(ranked) == 0 {
		return nil, ErrNoVariants
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })

	var chosen store.NodeID
	if epsilon > 0 && sel.rand.Float64() < epsilon {
		chosen = ranked[sel.rand.Intn(len(ranked))].PromptID
	} else {
		chosen = ranked[0].PromptID
	}

	agent, err := sel.store.GetNode(agentID)
	if err != nil {
		return nil, err
	}
	active, _ := agent.Metadata["active_variant_id"].(string)
	swap := active != "" && active != string(chosen)

	return &Selection{Chosen: chosen, Ranked: ranked, SwapRecommended: swap}, nil
}

// contextFit computes spec §4.10's normalized context fit: sum of
// signal_value*weight over the variant's context_weights metadata,
// normalized by the sum of absolute weights and clamped to [0,1].
// Missing, empty, or all-zero weights fall back to the edge weight.
func contextFit(variant *store.Node, signals ContextSignals, edgeWeight float64) float64 {
	raw, ok := variant.Metadata["context_weights"].(map[string]any)
	if !ok || len(raw) == 0 {
		return clamp01(edgeWeight)
	}

	var sum, norm float64
	any0 := false
	for key, v := range raw {
		weight, ok := toFloat(v)
		if !ok {
			continue
		}
		if weight != 0 {
			any0 = true
		}
		sum += signalValue(key, signals) * weight
		norm += absFloat(weight)
	}
	if !any0 || norm == 0 {
		return clamp01(edgeWeight)
	}
	return clamp01(sum / norm)
}

func signalValue(key string, s ContextSignals) float64 {
	switch key {
	case "user_pleased", "sentiment_high":
		return s.Sentiment
	case "user_frustrated":
		return 1 - s.Sentiment
	case "correction_rate_high":
		return s.CorrectionRate
	case "topic_shift_high":
		return s.TopicShift
	case "energy_high":
		return s.Energy
	default:
		if rest, ok := strings.CutPrefix(key, "task_"); ok {
			if strings.EqualFold(rest, s.TaskType) {
				return 1.0
			}
			return 0.0
		}
		return 0.0
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
