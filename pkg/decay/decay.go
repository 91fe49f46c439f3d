// Package decay implements Cortex's DecayEngine (spec §4.5): a single
// exponential decay model applied to every non-manual edge, with an
// importance shield that slows decay for edges touching important
// nodes, plus reinforcement (touching a node refreshes all its edges).
//
// Example Usage:
//
//	eng := decay.New(decay.DefaultConfig(), storeEngine)
//	report, err := eng.Apply(context.Background(), time.Now())
//	fmt.Printf("pruned %d, deleted %d\n", report.Pruned, report.Deleted)
//
// ELI12 (Explain Like I'm 12):
//
// Every link between two memories gets a little weaker every day, like a
// rope fraying. Important memories act like a waterproof coating — their
// ropes fray slower. If a rope gets thin enough it snaps (deleted); if
// it's just getting thin we note it (pruned) but leave it hanging.
// Touching a memory — reading it, updating it — re-coats all its ropes
// as if they were tied today.
package decay

import (
	"context"
	"math"
	"time"

	"github.com/cortexdb/cortex/pkg/store"
)

// Config tunes DecayEngine.Apply (spec §4.5).
type Config struct {
	// DailyDecayRate is the base exponential rate applied per day since
	// an edge's last update.
	DailyDecayRate float64 `yaml:"daily_decay_rate"`

	// ImportanceShield scales how much an edge's decay rate is reduced
	// by the importance of its more important endpoint. A shield of 1.0
	// means an edge with importance 1.0 on either end never decays; 0.0
	// means importance has no effect.
	ImportanceShield float64 `yaml:"importance_shield"`

	// PruneThreshold is the weight below which a decayed edge is
	// reported as pruned, but kept.
	PruneThreshold float64 `yaml:"prune_threshold"`

	// DeleteThreshold is the weight below which a decayed edge is
	// deleted outright.
	DeleteThreshold float64 `yaml:"delete_threshold"`

	// ExemptManual skips edges with Manual provenance when true.
	ExemptManual bool `yaml:"exempt_manual"`
}

// DefaultConfig returns the defaults spec §4.5 implies: a gentle daily
// rate, a strong importance shield, and a delete threshold low enough
// that only edges decayed to near-irrelevance are removed.
func DefaultConfig() Config {
	return Config{
		DailyDecayRate:   0.01,
		ImportanceShield: 0.9,
		PruneThreshold:   0.1,
		DeleteThreshold:  0.02,
		ExemptManual:     true,
	}
}

// Report summarizes one Apply call. AutoLinker folds these counters into
// its own cycle metrics (spec §4.7).
type Report struct {
	Considered int
	Pruned     int
	Deleted    int
}

// Engine applies decay and reinforcement against a store.Engine.
type Engine struct {
	config Config
	store  *store.Engine
}

// New returns a decay Engine bound to store.
func New(config Config, s *store.Engine) *Engine {
	return &Engine{config: config, store: s}
}

// Apply walks every edge in the graph and applies the exponential decay
// formula spec §4.5 specifies:
//
//	days = max(0, (now - edge.updated_at) in days)
//	effective_rate = daily_decay_rate * (1 - max_importance * importance_shield)
//	edge.weight *= exp(-effective_rate * days)
//
// where max_importance is the larger of the two endpoint nodes'
// Importance. Edges whose new weight falls below DeleteThreshold are
// deleted; edges between that and PruneThreshold are left in place but
// counted as pruned.
func (e *Engine) Apply(ctx context.Context, now time.Time) (*Report, error) {
	report := &Report{}

	nodes, err := e.store.ListNodes(store.NodeFilter{IncludeDeleted: true, Limit: 0})
	if err != nil {
		return nil, err
	}

	seen := map[store.EdgeID]bool{}
	for _, n := range nodes {
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		default:
		}

		edges, err := e.store.EdgesFrom(n.ID)
		if err != nil {
			return nil, err
		}
		for _, edge := range edges {
			if seen[edge.ID] {
				continue
			}
			seen[edge.ID] = true

			if e.config.ExemptManual && edge.Provenance.Kind == store.ProvenanceManual {
				continue
			}
			report.Considered++

			from, err := e.store.GetNode(edge.From)
			if err != nil {
				return nil, err
			}
			to, err := e.store.GetNode(edge.To)
			if err != nil {
				return nil, err
			}

			newWeight := e.decayedWeight(edge, from, to, now)

			if newWeight < e.config.DeleteThreshold {
				if err := e.store.DeleteEdge(edge.ID); err != nil {
					return nil, err
				}
				report.Deleted++
				continue
			}

			_, _, err = e.store.UpdateEdgeWeightAtomic(edge.From, edge.To, edge.Relation, func(float64) float64 {
				return newWeight
			})
			if err != nil {
				return nil, err
			}
			if newWeight < e.config.PruneThreshold {
				report.Pruned++
			}
		}
	}

	return report, nil
}

func (e *Engine) decayedWeight(edge *store.Edge, from, to *store.Node, now time.Time) float64 {
	days := now.Sub(edge.UpdatedAt).Hours() / 24
	if days < 0 {
		days = 0
	}

	maxImportance := from.Importance
	if to.Importance > maxImportance {
		maxImportance = to.Importance
	}

	effectiveRate := e.config.DailyDecayRate * (1 - maxImportance*e.config.ImportanceShield)
	if effectiveRate < 0 {
		effectiveRate = 0
	}

	return edge.Weight * math.Exp(-effectiveRate*days)
}

// Reinforce implements spec §4.5's reinforcement rule: collect every
// edge touching nodeID, set their updated_at to now (weights
// untouched), write them in a batch, and bump the node's access count
// and updated_at.
func (e *Engine) Reinforce(nodeID store.NodeID, now time.Time) error {
	fromEdges, err := e.store.EdgesFrom(nodeID)
	if err != nil {
		return err
	}
	toEdges, err := e.store.EdgesTo(nodeID)
	if err != nil {
		return err
	}

	touched := make(map[store.EdgeID]*store.Edge, len(fromEdges)+len(toEdges))
	for _, edge := range fromEdges {
		touched[edge.ID] = edge
	}
	for _, edge := range toEdges {
		touched[edge.ID] = edge
	}

	batch := make([]*store.Edge, 0, len(touched))
	for _, edge := range touched {
		edge.UpdatedAt = now
		batch = append(batch, edge)
	}
	if len(batch) > 0 {
		if err := e.store.PutEdgesBatch(batch); err != nil {
			return err
		}
	}

	node, err := e.store.GetNode(nodeID)
	if err != nil {
		return err
	}
	node.AccessCount++
	node.UpdatedAt = now
	return e.store.PutNode(node)
}
