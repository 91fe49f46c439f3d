// Package writegate implements Cortex's WriteGate (spec §4.11): a
// pre-insert check run on every candidate node before it reaches
// Storage, rejecting low-substance, unanchored/unspecific, or
// near-duplicate writes before they pollute the graph.
//
// Follows a validate-before-write shape similar to the one in
// pkg/storage/constraint_validation.go: a dispatching Check function,
// early return on the first violation, and a typed error carrying a
// human-readable reason rather than a bare sentinel.
package writegate

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/cortexdb/cortex/pkg/embedding"
	"github.com/cortexdb/cortex/pkg/store"
	"github.com/cortexdb/cortex/pkg/vectorindex"
)

// Kind discriminates which check rejected a node.
type Kind string

const (
	KindSubstance     Kind = "substance"
	KindSpecificity   Kind = "specificity"
	KindDuplicate     Kind = "duplicate"
	KindContradiction Kind = "contradiction"
)

// Violation is returned by Check when a node fails one of WriteGate's
// checks. SupersedeHint is set only for KindContradiction, naming the
// existing node the caller may want to supersede instead of inserting.
type Violation struct {
	Kind          Kind
	Reason        string
	SupersedeHint store.NodeID
}

func (v *Violation) Error() string {
	return fmt.Sprintf("writegate: %s: %s", v.Kind, v.Reason)
}

func violation(kind Kind, reason string) *Violation {
	return &Violation{Kind: kind, Reason: reason}
}

// KindOverride narrows a check's thresholds for one node kind (spec
// §6's "overrides: mapping<kind, {min_body_length?, conflict_threshold?}>").
type KindOverride struct {
	MinBodyLength     int
	ConflictThreshold float64
}

// Config tunes Gate.Check (spec §4.11, §6).
type Config struct {
	Enabled                    bool
	ConflictThreshold          float64
	DuplicateThreshold         float64
	MinTitleLength             int
	MinBodyLength              int
	RequireTagsAboveImportance float64
	Overrides                  map[string]KindOverride
}

// DefaultConfig returns permissive-but-meaningful defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:                    true,
		ConflictThreshold:          0.85,
		DuplicateThreshold:         0.95,
		MinTitleLength:             4,
		MinBodyLength:              10,
		RequireTagsAboveImportance: 0.7,
	}
}

func (c Config) minBodyLength(kind string) int {
	if o, ok := c.Overrides[kind]; ok && o.MinBodyLength > 0 {
		return o.MinBodyLength
	}
	return c.MinBodyLength
}

func (c Config) conflictThreshold(kind string) float64 {
	if o, ok := c.Overrides[kind]; ok && o.ConflictThreshold > 0 {
		return o.ConflictThreshold
	}
	return c.ConflictThreshold
}

// Gate runs WriteGate's three checks against candidate nodes.
type Gate struct {
	config   Config
	store    *store.Engine
	index    *vectorindex.Index
	embedder embedding.Service
}

// New returns a Gate bound to s, idx, and embedder.
func New(config Config, s *store.Engine, idx *vectorindex.Index, embedder embedding.Service) *Gate {
	return &Gate{config: config, store: s, index: idx, embedder: embedder}
}

// Check runs substance, specificity, then conflict checks against n, in
// that order, returning the first *Violation found. A nil error means n
// passed every check. When Config.Enabled is false, Check always passes.
func (g *Gate) Check(ctx context.Context, n *store.Node) error {
	if !g.config.Enabled {
		return nil
	}

	if v := checkSubstance(n, g.config); v != nil {
		return v
	}
	if v := checkSpecificity(n, g.config); v != nil {
		return v
	}
	if v, err := g.checkConflict(ctx, n); err != nil {
		return err
	} else if v != nil {
		return v
	}

	return nil
}

var (
	allDigits   = regexp.MustCompile(`^[0-9]+$`)
	isoDate     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	isoDateTime = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[Tt]\d{2}:\d{2}(:\d{2})?([.,]\d+)?([Zz]|[+-]\d{2}:?\d{2})?$`)
)

var decisionVerbs = []string{"decided", "decide", "chose", "choose", "opted", "selected", "will ", "plan to", "going to"}

var hedgingPhrases = []string{"i think", "maybe", "perhaps", "possibly", "i believe", "it seems", "probably", "i guess"}

var recurrenceWords = []string{"always", "every time", "recurring", "consistently", "repeatedly", "each time", "whenever", "usually", "typically"}

// checkSubstance implements spec §4.11's Substance check.
func checkSubstance(n *store.Node, cfg Config) *Violation {
	if len(n.Title) < cfg.MinTitleLength {
		return violation(KindSubstance, fmt.Sprintf("title shorter than %d characters", cfg.MinTitleLength))
	}

	minBody := cfg.minBodyLength(n.Kind)
	if len(n.Body) < minBody {
		return violation(KindSubstance, fmt.Sprintf("body shorter than %d characters", minBody))
	}

	if strings.EqualFold(strings.TrimSpace(n.Body), strings.TrimSpace(n.Title)) {
		return violation(KindSubstance, "body duplicates title")
	}

	trimmed := strings.TrimSpace(n.Body)
	if isBareURL(trimmed) {
		return violation(KindSubstance, "body is a bare URL")
	}
	if isSingleWord(trimmed) {
		return violation(KindSubstance, "body is a single word")
	}
	if isLoneTimestamp(trimmed) {
		return violation(KindSubstance, "body is a lone timestamp")
	}

	switch n.Kind {
	case "decision":
		if !containsAny(n.Body, decisionVerbs) {
			return violation(KindSubstance, "decision body lacks a decision verb")
		}
	case "fact":
		if startsWithAny(n.Body, hedgingPhrases) {
			return violation(KindSubstance, "fact body begins with a hedging phrase")
		}
	case "pattern":
		if !containsAny(n.Body, recurrenceWords) {
			return violation(KindSubstance, "pattern body lacks a recurrence word")
		}
	}

	return nil
}

func isBareURL(s string) bool {
	if !(strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")) {
		return false
	}
	return !strings.ContainsAny(s, " \t\n")
}

func isSingleWord(s string) bool {
	return s != "" && !strings.ContainsAny(s, " \t\n")
}

func isLoneTimestamp(s string) bool {
	return allDigits.MatchString(s) || isoDate.MatchString(s) || isoDateTime.MatchString(s)
}

func containsAny(s string, needles []string) bool {
	lower := strings.ToLower(s)
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}

func startsWithAny(s string, prefixes []string) bool {
	lower := strings.ToLower(strings.TrimSpace(s))
	for _, p := range prefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

var thirdPersonPronouns = []string{"he ", "she ", "it ", "they ", "him ", "her ", "them ", "his ", "their "}

// unanchoredRelativeTimes are relative-time phrases checked wholesale
// against the opening of title/body; spec §4.11 calls these
// "unanchored" but doesn't define a date-proximity test, so Cortex
// treats their mere presence in the opening as unanchored rather than
// attempting to detect a nearby absolute date that would anchor them.
var unanchoredRelativeTimes = []string{"yesterday", "tomorrow", "last week", "next week", "recently", "earlier today", "last month", "next month"}

// checkSpecificity implements spec §4.11's Specificity check.
func checkSpecificity(n *store.Node, cfg Config) *Violation {
	if startsWithAny(n.Body, thirdPersonPronouns) && !titleNamesReferent(n.Title) {
		return violation(KindSpecificity, "body opens with a third-person pronoun and title names no referent")
	}

	opening := strings.ToLower(n.Title + " " + firstWords(n.Body, 8))
	for _, phrase := range unanchoredRelativeTimes {
		if strings.Contains(opening, phrase) {
			return violation(KindSpecificity, fmt.Sprintf("unanchored relative time %q", phrase))
		}
	}

	if n.Importance >= 0.9 && len(n.Body) < 100 {
		return violation(KindSpecificity, "importance >= 0.9 requires body >= 100 characters")
	}
	if n.Importance >= 0.8 && len(n.Body) < 50 {
		return violation(KindSpecificity, "importance >= 0.8 requires body >= 50 characters")
	}

	if n.Importance >= cfg.RequireTagsAboveImportance && len(n.Tags) == 0 {
		return violation(KindSpecificity, fmt.Sprintf("importance >= %.2f requires at least one tag", cfg.RequireTagsAboveImportance))
	}

	return nil
}

// titleNamesReferent reports whether title contains a capitalized
// non-stopword token, treated as naming a concrete subject. The title's
// first word is skipped since titles conventionally capitalize it
// regardless of whether it's a proper noun.
func titleNamesReferent(title string) bool {
	fields := strings.Fields(title)
	if len(fields) > 1 {
		fields = fields[1:]
	}
	for _, word := range fields {
		word = strings.Trim(word, ".,!?:;\"'()")
		if word == "" {
			continue
		}
		if word[0] < 'A' || word[0] > 'Z' {
			continue
		}
		if titleStopwords[strings.ToLower(word)] {
			continue
		}
		return true
	}
	return false
}

var titleStopwords = map[string]bool{
	"the": true, "a": true, "an": true, "this": true, "that": true, "these": true, "those": true,
}

func firstWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) > n {
		fields = fields[:n]
	}
	return strings.Join(fields, " ")
}

// checkConflict implements spec §4.11's Conflict check: embed n, search
// its top 5 nearest neighbors, and reject on duplicate or contradiction
// thresholds. Search failures are swallowed (spec: "Search errors pass
// - never block writes on search failure").
func (g *Gate) checkConflict(ctx context.Context, n *store.Node) (*Violation, error) {
	vec, err := g.embedder.Embed(ctx, n.Title+"\n"+n.Body)
	if err != nil {
		return nil, nil
	}

	results, err := g.index.Search(vec, 5, nil)
	if err != nil {
		return nil, nil
	}

	duplicateThreshold := g.config.DuplicateThreshold
	conflictThreshold := g.config.conflictThreshold(n.Kind)

	for _, r := range results {
		if store.NodeID(r.ID) == n.ID {
			continue
		}

		if r.Score > duplicateThreshold {
			return violation(KindDuplicate, fmt.Sprintf("near-duplicate of node %s (score %.3f)", r.ID, r.Score)), nil
		}

		if r.Score > conflictThreshold {
			neighbor, err := g.store.GetNode(store.NodeID(r.ID))
			if err != nil {
				continue
			}
			if neighbor.Kind != n.Kind {
				continue
			}
			if neighbor.Source.Agent == n.Source.Agent {
				return violation(KindDuplicate, fmt.Sprintf("conflicts with same-agent node %s (score %.3f)", r.ID, r.Score)), nil
			}
			v := violation(KindContradiction, fmt.Sprintf("potentially contradicts node %s from a different agent (score %.3f)", r.ID, r.Score))
			v.SupersedeHint = neighbor.ID
			return v, nil
		}
	}

	return nil, nil
}
