// Package linkrules implements Cortex's LinkRules component (spec §4.4):
// a set of pure functions that each look at a (node, neighbor,
// similarity) triple and optionally propose an edge between them.
// Nothing in this package writes to Storage; AutoLinker (pkg/autolinker)
// owns applying proposals.
package linkrules

import (
	"strings"
	"time"

	"github.com/cortexdb/cortex/pkg/store"
)

// ProposedEdge is a candidate edge a rule wants created. Weight is
// already clamped to [0,1] by the rule that produced it.
type ProposedEdge struct {
	From       store.NodeID
	To         store.NodeID
	Relation   string
	Weight     float64
	Provenance store.Provenance
}

// Rule evaluates one (node, neighbor, similarity) triple and returns a
// proposal, or nil if it doesn't fire.
type Rule interface {
	Name() string
	Evaluate(node, neighbor *store.Node, similarity float64) *ProposedEdge
}

// Config tunes the thresholds every rule reads (spec §4.4, §4.7).
type Config struct {
	AutoLinkThreshold      float64       `yaml:"auto_link_threshold"`
	TemporalProximity      time.Duration `yaml:"temporal_proximity"`
	SharedTagsMin          int           `yaml:"shared_tags_min"`
	ObservationPatternMin  float64       `yaml:"observation_pattern_min"`
	FactSupersedesJaccard  float64       `yaml:"fact_supersedes_jaccard"`
	ContradictionThreshold float64       `yaml:"contradiction_threshold"`
}

// DefaultConfig mirrors the thresholds spec §4.4 names explicitly.
func DefaultConfig() Config {
	return Config{
		AutoLinkThreshold:      0.82,
		TemporalProximity:      30 * time.Minute,
		SharedTagsMin:          2,
		ObservationPatternMin:  0.7,
		FactSupersedesJaccard:  0.9,
		ContradictionThreshold: 0.80,
	}
}

// negationKeywords is the fixed set spec §4.4 names for the contradiction
// detector.
var negationKeywords = []string{
	"not", "never", "no longer", "stopped", "removed", "deprecated", "replaced", "obsolete",
}

// All returns every rule wired into LinkRules: the similarity rule
// followed by the six structural rules, in the order spec §4.4 lists
// them.
func All(cfg Config) []Rule {
	return []Rule{
		similarityRule{cfg},
		sameAgentRule{},
		temporalProximityRule{cfg},
		sharedTagsRule{cfg},
		decisionToEventRule{},
		observationToPatternRule{cfg},
		factSupersedesRule{cfg},
	}
}

// EvaluateAll runs every rule in rules against the pair and returns every
// non-nil proposal.
func EvaluateAll(rules []Rule, node, neighbor *store.Node, similarity float64) []*ProposedEdge {
	var out []*ProposedEdge
	for _, r := range rules {
		if p := r.Evaluate(node, neighbor, similarity); p != nil {
			out = append(out, p)
		}
	}
	return out
}

type similarityRule struct{ cfg Config }

func (similarityRule) Name() string { return "similarity" }

func (r similarityRule) Evaluate(node, neighbor *store.Node, similarity float64) *ProposedEdge {
	if similarity < r.cfg.AutoLinkThreshold {
		return nil
	}
	return &ProposedEdge{
		From:       node.ID,
		To:         neighbor.ID,
		Relation:   "related_to",
		Weight:     similarity,
		Provenance: store.AutoSimilarityProvenance(similarity),
	}
}

type sameAgentRule struct{}

func (sameAgentRule) Name() string { return "same_agent" }

func (r sameAgentRule) Evaluate(node, neighbor *store.Node, _ float64) *ProposedEdge {
	if node.ID == neighbor.ID || node.Source.Agent == "" || node.Source.Agent != neighbor.Source.Agent {
		return nil
	}
	return structural(node, neighbor, "related_to", 0.3, r.Name())
}

type temporalProximityRule struct{ cfg Config }

func (temporalProximityRule) Name() string { return "temporal_proximity" }

func (r temporalProximityRule) Evaluate(node, neighbor *store.Node, _ float64) *ProposedEdge {
	diff := node.CreatedAt.Sub(neighbor.CreatedAt)
	if diff < 0 {
		diff = -diff
	}
	if diff > r.cfg.TemporalProximity {
		return nil
	}
	return structural(node, neighbor, "related_to", 0.4, r.Name())
}

type sharedTagsRule struct{ cfg Config }

func (sharedTagsRule) Name() string { return "shared_tags" }

func (r sharedTagsRule) Evaluate(node, neighbor *store.Node, _ float64) *ProposedEdge {
	shared := countShared(node.Tags, neighbor.Tags)
	if shared < r.cfg.SharedTagsMin {
		return nil
	}
	weight := 0.5 * (1 + 0.1*float64(shared-r.cfg.SharedTagsMin))
	if weight > 1.0 {
		weight = 1.0
	}
	return structural(node, neighbor, "related_to", weight, r.Name())
}

type decisionToEventRule struct{}

func (decisionToEventRule) Name() string { return "decision_to_event" }

func (r decisionToEventRule) Evaluate(node, neighbor *store.Node, _ float64) *ProposedEdge {
	if node.Kind != "decision" || neighbor.Kind != "event" {
		return nil
	}
	if node.Source.Session == "" || node.Source.Session != neighbor.Source.Session {
		return nil
	}
	if !node.CreatedAt.Before(neighbor.CreatedAt) {
		return nil
	}
	return structural(node, neighbor, "led_to", 0.6, r.Name())
}

type observationToPatternRule struct{ cfg Config }

func (observationToPatternRule) Name() string { return "observation_to_pattern" }

func (r observationToPatternRule) Evaluate(node, neighbor *store.Node, similarity float64) *ProposedEdge {
	if node.Kind != "observation" || neighbor.Kind != "pattern" {
		return nil
	}
	if similarity < r.cfg.ObservationPatternMin {
		return nil
	}
	return structural(node, neighbor, "instance_of", 0.7, r.Name())
}

type factSupersedesRule struct{ cfg Config }

func (factSupersedesRule) Name() string { return "fact_supersedes" }

func (r factSupersedesRule) Evaluate(node, neighbor *store.Node, _ float64) *ProposedEdge {
	if node.Kind != "fact" || neighbor.Kind != "fact" {
		return nil
	}
	if !node.CreatedAt.After(neighbor.CreatedAt) {
		return nil
	}
	if jaccardWords(node.Title, neighbor.Title) < r.cfg.FactSupersedesJaccard {
		return nil
	}
	return structural(node, neighbor, "supersedes", 0.9, r.Name())
}

func structural(node, neighbor *store.Node, relation string, weight float64, rule string) *ProposedEdge {
	return &ProposedEdge{
		From:       node.ID,
		To:         neighbor.ID,
		Relation:   relation,
		Weight:     weight,
		Provenance: store.AutoStructuralProvenance(rule),
	}
}

func countShared(a, b []string) int {
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	count := 0
	seen := make(map[string]bool, len(b))
	for _, t := range b {
		if set[t] && !seen[t] {
			count++
			seen[t] = true
		}
	}
	return count
}

func jaccardWords(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 0
	}
	intersection := 0
	for w := range setA {
		if setB[w] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func wordSet(s string) map[string]bool {
	words := strings.Fields(strings.ToLower(s))
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

// Contradiction is the output of DetectContradiction: a pair of nodes
// whose content appears to negate one another.
type Contradiction struct {
	Edge    *ProposedEdge
	Keep    store.NodeID
	Retire  store.NodeID
}

// DetectContradiction implements spec §4.4's contradiction detector: if
// similarity clears the threshold and the concatenated title+body of one
// node contains a negation keyword the other lacks, it proposes a
// Contradicts edge plus a keep-newer/retire-older suggestion.
func DetectContradiction(cfg Config, node, neighbor *store.Node, similarity float64) *Contradiction {
	if similarity < cfg.ContradictionThreshold {
		return nil
	}
	textA := strings.ToLower(node.Title + " " + node.Body)
	textB := strings.ToLower(neighbor.Title + " " + neighbor.Body)

	var mismatch string
	for _, kw := range negationKeywords {
		hasA := strings.Contains(textA, kw)
		hasB := strings.Contains(textB, kw)
		if hasA != hasB {
			mismatch = kw
			break
		}
	}
	if mismatch == "" {
		return nil
	}

	keep, retire := node.ID, neighbor.ID
	if neighbor.CreatedAt.After(node.CreatedAt) {
		keep, retire = neighbor.ID, node.ID
	}

	return &Contradiction{
		Edge: &ProposedEdge{
			From:       node.ID,
			To:         neighbor.ID,
			Relation:   "contradicts",
			Weight:     similarity,
			Provenance: store.AutoContradictionProvenance(mismatch),
		},
		Keep:   keep,
		Retire: retire,
	}
}
