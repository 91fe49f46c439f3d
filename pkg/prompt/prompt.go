// Package prompt implements Cortex's prompt versioning and rollout
// machinery (spec §4.10): HEAD resolution and inheritance merging for
// prompt nodes, context-aware variant selection with epsilon-greedy
// exploration, observation recording, and a Welford-statistics rollback
// monitor that watches deployed versions for regressions.
package prompt

import (
	"encoding/json"
	"time"

	"github.com/cortexdb/cortex/pkg/cortexid"
	"github.com/cortexdb/cortex/pkg/store"
)

// Node kinds and edge relations prompt.go reads and writes. Kept as
// constants rather than inline literals since several files share them.
const (
	KindPrompt      = "prompt"
	KindObservation = "observation"
	KindDeployment  = "deployment"
	KindAgent       = "agent"

	RelationSupersedes   = "supersedes"
	RelationInheritsFrom = "inherits_from"
	RelationBranchedFrom = "branched_from"
	RelationUsedBy       = "used_by"
	RelationUses         = "uses"
	RelationPerformed    = "performed"
	RelationInformedBy   = "informed_by"
	RelationObservedWith = "observed_with"
	RelationObservedBy   = "observed_by"
	RelationRolledBack   = "rolled_back"
	RelationRolledBackTo = "rolled_back_to"

	TagRollback       = "rollback"
	TagAutoRolledBack = "auto-rolled-back"
	TagQuarantined    = "quarantined"
)

// PromptContent is the JSON body of a prompt node (spec §4.10).
type PromptContent struct {
	Slug             string            `json:"slug"`
	PromptType       string            `json:"prompt_type"`
	Branch           string            `json:"branch"`
	Version          int               `json:"version"`
	Sections         map[string]string `json:"sections"`
	Metadata         map[string]any    `json:"metadata,omitempty"`
	OverrideSections map[string]string `json:"override_sections,omitempty"`
}

// nodeMetadata mirrors PromptContent's identifying fields onto the
// node's own Metadata map so they're filterable without parsing Body.
func nodeMetadata(c PromptContent) map[string]any {
	return map[string]any{
		"prompt_slug":    c.Slug,
		"prompt_branch":  c.Branch,
		"prompt_type":    c.PromptType,
		"prompt_version": c.Version,
	}
}

// ContextSignals describes the runtime state a selection request is
// made under (spec §4.10's "ContextSignals").
type ContextSignals struct {
	Sentiment      float64
	TaskType       string
	CorrectionRate float64
	TopicShift     float64
	Energy         float64
}

// NewPromptNode builds a prompt-kind node from content, mirroring its
// identifying fields onto the node's Metadata (spec §4.10: "metadata
// mirrors prompt_slug, prompt_branch, prompt_type, prompt_version on
// the node for filterable queries"). Callers still need to PutNode it
// and link supersedes/inherits_from/branched_from edges themselves.
func NewPromptNode(content PromptContent, agent string, importance float64, now time.Time) (*store.Node, error) {
	body, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	return &store.Node{
		ID:         store.NodeID(cortexid.New()),
		Kind:       KindPrompt,
		Title:      content.Slug,
		Body:       string(body),
		Source:     store.Source{Agent: agent},
		Metadata:   nodeMetadata(content),
		Importance: importance,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
