// Package dedup implements Cortex's DedupScanner (spec §4.6): a scan
// over every embedded node that finds near-duplicate pairs and
// classifies each into a merge, supersede, or plain-link action.
//
// Usage Example:
//
//	scanner := dedup.New(dedup.DefaultConfig(), storeEngine, vectorIndex)
//	actions, err := scanner.Scan(context.Background())
//	for _, a := range actions {
//		if err := scanner.Execute(a); err != nil {
//			log.Println(err)
//		}
//	}
package dedup

import (
	"context"
	"errors"
	"fmt"

	"github.com/cortexdb/cortex/pkg/cortexid"
	"github.com/cortexdb/cortex/pkg/store"
	"github.com/cortexdb/cortex/pkg/vectorindex"
)

// ActionKind discriminates what DedupScanner decided to do with a pair.
type ActionKind string

const (
	ActionMerge     ActionKind = "merge"
	ActionSupersede ActionKind = "supersede"
	ActionLink      ActionKind = "link"
)

// Action is one proposed resolution for a candidate duplicate pair,
// spec §4.6's four-way classification collapsed to three action kinds
// (merge covers both the connection-count and importance-delta cases,
// which only differ in why they fired, not what they do).
type Action struct {
	Kind       ActionKind
	Keep       store.NodeID
	Retire     store.NodeID
	Similarity float64
	Reason     string
}

// Config tunes DedupScanner.Scan (spec §4.6).
type Config struct {
	DedupThreshold       float64 `yaml:"dedup_threshold"`
	ConnectionRatio      float64 `yaml:"connection_ratio"`
	ImportanceDelta      float64 `yaml:"importance_delta"`
	SupersedeSimilarity  float64 `yaml:"supersede_similarity"`
}

// DefaultConfig matches the thresholds spec §4.6 names.
func DefaultConfig() Config {
	return Config{
		DedupThreshold:      0.9,
		ConnectionRatio:      2.0,
		ImportanceDelta:      0.3,
		SupersedeSimilarity:  0.98,
	}
}

// Scanner runs the dedup scan against a store.Engine and a
// vectorindex.Index keyed by store.NodeID string form.
type Scanner struct {
	config Config
	store  *store.Engine
	index  *vectorindex.Index
}

// New returns a Scanner bound to s and idx.
func New(config Config, s *store.Engine, idx *vectorindex.Index) *Scanner {
	return &Scanner{config: config, store: s, index: idx}
}

// Scan walks every non-deleted node with an embedding, finds its near
// duplicates via search_threshold, and classifies each candidate pair
// exactly once (deduplicated by unordered id pair).
func (s *Scanner) Scan(ctx context.Context) ([]Action, error) {
	nodes, err := s.store.ListNodes(store.NodeFilter{Limit: 0})
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var actions []Action

	for _, n := range nodes {
		select {
		case <-ctx.Done():
			return actions, ctx.Err()
		default:
		}
		if len(n.Embedding) == 0 {
			continue
		}

		candidates, err := s.index.SearchThreshold(n.Embedding, s.config.DedupThreshold, nil)
		if err != nil {
			return nil, err
		}

		for _, c := range candidates {
			if c.ID == string(n.ID) {
				continue
			}
			pairKey := unorderedPairKey(string(n.ID), c.ID)
			if seen[pairKey] {
				continue
			}
			seen[pairKey] = true

			other, err := s.store.GetNode(store.NodeID(c.ID))
			if err != nil {
				if errors.Is(err, store.ErrNodeNotFound) {
					continue
				}
				return nil, err
			}

			action, err := s.classify(n, other, c.Score)
			if err != nil {
				return nil, err
			}
			actions = append(actions, action)
		}
	}

	return actions, nil
}

func (s *Scanner) classify(a, b *store.Node, similarity float64) (Action, error) {
	connA, err := s.connectionCount(a.ID)
	if err != nil {
		return Action{}, err
	}
	connB, err := s.connectionCount(b.ID)
	if err != nil {
		return Action{}, err
	}

	switch {
	case ratioAtLeast(connA, connB, s.config.ConnectionRatio):
		return Action{Kind: ActionMerge, Keep: a.ID, Retire: b.ID, Similarity: similarity, Reason: "connection_count"}, nil
	case ratioAtLeast(connB, connA, s.config.ConnectionRatio):
		return Action{Kind: ActionMerge, Keep: b.ID, Retire: a.ID, Similarity: similarity, Reason: "connection_count"}, nil
	case absFloat(a.Importance-b.Importance) > s.config.ImportanceDelta:
		keep, retire := a, b
		if b.Importance > a.Importance {
			keep, retire = b, a
		}
		return Action{Kind: ActionMerge, Keep: keep.ID, Retire: retire.ID, Similarity: similarity, Reason: "importance_delta"}, nil
	case similarity >= s.config.SupersedeSimilarity:
		newer, older := a, b
		if b.CreatedAt.After(a.CreatedAt) {
			newer, older = b, a
		}
		return Action{Kind: ActionSupersede, Keep: newer.ID, Retire: older.ID, Similarity: similarity, Reason: "near_identical"}, nil
	default:
		return Action{Kind: ActionLink, Keep: a.ID, Retire: b.ID, Similarity: similarity, Reason: "below_merge_thresholds"}, nil
	}
}

func ratioAtLeast(higher, lower int, ratio float64) bool {
	if lower == 0 {
		return higher > 0
	}
	return float64(higher)/float64(lower) >= ratio
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func (s *Scanner) connectionCount(id store.NodeID) (int, error) {
	from, err := s.store.EdgesFrom(id)
	if err != nil {
		return 0, err
	}
	to, err := s.store.EdgesTo(id)
	if err != nil {
		return 0, err
	}
	return len(from) + len(to), nil
}

func unorderedPairKey(a, b string) string {
	if a < b {
		return a + "|" + b
	}
	return b + "|" + a
}

// Execute applies one Action against Storage, per spec §4.6's merge
// execution rule: retarget retired's edges to keep (dropping any
// self-edge this creates), union tags, keep retired's metadata keys not
// already present on keep, set keep's importance to the max of the two,
// create a supersedes edge keep->retire, and soft-delete retire. Link
// and Supersede actions (keep and retire both survive) only create the
// edge; they never delete a node.
func (s *Scanner) Execute(a Action) error {
	switch a.Kind {
	case ActionLink:
		return s.store.PutEdge(&store.Edge{
			ID: store.EdgeID(cortexid.New()), From: a.Keep, To: a.Retire, Relation: "related_to", Weight: a.Similarity,
			Provenance: store.AutoDedupProvenance(a.Similarity),
		})
	case ActionSupersede:
		return s.store.PutEdge(&store.Edge{
			ID: store.EdgeID(cortexid.New()), From: a.Keep, To: a.Retire, Relation: "supersedes", Weight: a.Similarity,
			Provenance: store.AutoDedupProvenance(a.Similarity),
		})
	case ActionMerge:
		return s.merge(a)
	default:
		return fmt.Errorf("dedup: unknown action kind %q", a.Kind)
	}
}

func (s *Scanner) merge(a Action) error {
	keep, err := s.store.GetNode(a.Keep)
	if err != nil {
		return err
	}
	retire, err := s.store.GetNode(a.Retire)
	if err != nil {
		return err
	}

	if err := s.retargetEdges(a.Keep, a.Retire); err != nil {
		return err
	}

	keep.Tags = unionTags(keep.Tags, retire.Tags)
	if keep.Metadata == nil {
		keep.Metadata = map[string]any{}
	}
	for k, v := range retire.Metadata {
		if _, exists := keep.Metadata[k]; !exists {
			keep.Metadata[k] = v
		}
	}
	if retire.Importance > keep.Importance {
		keep.Importance = retire.Importance
	}
	if err := s.store.PutNode(keep); err != nil {
		return err
	}

	if err := s.store.PutEdge(&store.Edge{
		ID: store.EdgeID(cortexid.New()), From: a.Keep, To: a.Retire, Relation: "supersedes", Weight: a.Similarity,
		Provenance: store.AutoDedupProvenance(a.Similarity),
	}); err != nil {
		return err
	}

	return s.store.DeleteNode(a.Retire)
}

func (s *Scanner) retargetEdges(keep, retire store.NodeID) error {
	fromRetire, err := s.store.EdgesFrom(retire)
	if err != nil {
		return err
	}
	for _, edge := range fromRetire {
		if edge.To == keep {
			continue
		}
		if err := s.store.PutEdge(&store.Edge{
			ID: store.EdgeID(cortexid.New()), From: keep, To: edge.To, Relation: edge.Relation, Weight: edge.Weight, Provenance: edge.Provenance,
		}); err != nil && !errors.Is(err, store.ErrDuplicateEdge) {
			return err
		}
	}

	toRetire, err := s.store.EdgesTo(retire)
	if err != nil {
		return err
	}
	for _, edge := range toRetire {
		if edge.From == keep {
			continue
		}
		if err := s.store.PutEdge(&store.Edge{
			ID: store.EdgeID(cortexid.New()), From: edge.From, To: keep, Relation: edge.Relation, Weight: edge.Weight, Provenance: edge.Provenance,
		}); err != nil && !errors.Is(err, store.ErrDuplicateEdge) {
			return err
		}
	}
	return nil
}

func unionTags(a, b []string) []string {
	set := map[string]bool{}
	var out []string
	for _, t := range append(append([]string{}, a...), b...) {
		if !set[t] {
			set[t] = true
			out = append(out, t)
		}
	}
	return out
}
