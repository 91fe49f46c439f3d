// Package store provides the transactional storage engine for Cortex.
//
// Cortex persists a typed property graph of knowledge atoms — facts,
// decisions, goals, events, patterns, observations, preferences, agents and
// prompts — as Nodes connected by weighted, provenance-tagged Edges. The
// engine is a thin, index-maintaining layer over BadgerDB: every mutating
// call runs inside a single Badger write transaction so that the node/edge
// tables and their secondary indexes (by kind, by tag, by source agent, and
// adjacency-by-from/-to) never drift out of sync with each other.
//
// Example Usage:
//
//	eng, err := store.Open(store.Options{DataDir: "./data/cortex", Dimension: 768})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer eng.Close()
//
//	n := &store.Node{
//		ID:    store.NodeID(cortexid.New()),
//		Kind:  "fact",
//		Title: "Prod DB runs Postgres 16",
//		Body:  "Confirmed with the infra team on 2026-01-04.",
//		Source: store.Source{Agent: "agent-ops"},
//		Importance: 0.6,
//	}
//	if err := eng.PutNode(n); err != nil {
//		log.Fatal(err)
//	}
package store

import (
	"errors"
	"time"
)

// Error taxonomy (spec §7). Every downstream package tests against these
// sentinels with errors.Is rather than type-asserting a concrete error type.
var (
	ErrValidation       = errors.New("cortex: validation failed")
	ErrNodeNotFound     = errors.New("cortex: node not found")
	ErrEdgeNotFound     = errors.New("cortex: edge not found")
	ErrInvalidEdge      = errors.New("cortex: invalid edge")
	ErrDuplicateEdge    = errors.New("cortex: duplicate edge")
	ErrSerialization    = errors.New("cortex: serialization failed")
	ErrSchemaMismatch   = errors.New("cortex: schema version mismatch")
	ErrAlreadyExists    = errors.New("cortex: already exists")
	ErrStorageClosed    = errors.New("cortex: storage closed")
	ErrIterationStopped = errors.New("cortex: iteration stopped")
)

// NodeID is a time-ordered, globally unique node identifier (spec §3: "128-bit
// time-ordered unique identifiers, equivalent to UUIDv7 semantics"). See
// pkg/cortexid for generation; NodeID itself is an opaque string so that
// storage keys built from it sort lexically in creation order.
type NodeID string

// EdgeID is the edge analogue of NodeID.
type EdgeID string

// Source identifies who/what produced a Node.
type Source struct {
	Agent   string `json:"agent"`
	Session string `json:"session,omitempty"`
	Channel string `json:"channel,omitempty"`
}

// Node is a single knowledge atom in the Cortex graph (spec §3).
//
// Kind is validated as nonempty lowercase alphanumeric-plus-underscore;
// canonical kinds are fact, decision, goal, event, pattern, observation,
// preference, agent and prompt, but the storage layer does not special-case
// any of them except to reserve four metadata keys for kind "prompt"
// (prompt_slug, prompt_branch, prompt_type, prompt_version — see pkg/prompt).
type Node struct {
	ID       NodeID         `json:"id"`
	Kind     string         `json:"kind"`
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	Tags     []string       `json:"tags"`
	Metadata map[string]any `json:"metadata"`
	Source   Source         `json:"source"`

	Importance float64 `json:"importance"`

	// Embedding is nil until an EmbeddingService has populated it. Length
	// must equal the database's fixed dimension once set.
	Embedding []float32 `json:"embedding,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	AccessCount uint64    `json:"access_count"`
	Deleted     bool      `json:"deleted"`
}

// HasTag reports whether the node carries the given tag.
func (n *Node) HasTag(tag string) bool {
	for _, t := range n.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ProvenanceKind discriminates the Provenance variant carried by an Edge.
type ProvenanceKind string

const (
	ProvenanceManual            ProvenanceKind = "manual"
	ProvenanceAutoSimilarity    ProvenanceKind = "auto_similarity"
	ProvenanceAutoStructural    ProvenanceKind = "auto_structural"
	ProvenanceAutoContradiction ProvenanceKind = "auto_contradiction"
	ProvenanceAutoDedup         ProvenanceKind = "auto_dedup"
	ProvenanceImported          ProvenanceKind = "imported"
)

// Provenance records how an Edge came to exist (spec §3, §9: "polymorphic
// edge provenance ... modelled as a tagged variant with six cases"). Only
// the field(s) relevant to Kind are meaningful; this mirrors a tagged union
// using a discriminator field plus a flat payload, since Go has no sum type
// to model it directly.
type Provenance struct {
	Kind ProvenanceKind `json:"kind"`

	// Manual
	CreatedBy string `json:"created_by,omitempty"`

	// AutoSimilarity
	Score float64 `json:"score,omitempty"`

	// AutoStructural
	Rule string `json:"rule,omitempty"`

	// AutoContradiction
	Reason string `json:"reason,omitempty"`

	// AutoDedup
	Similarity float64 `json:"similarity,omitempty"`

	// Imported
	ImportSource string `json:"import_source,omitempty"`
}

// ManualProvenance builds a Manual-variant Provenance.
func ManualProvenance(createdBy string) Provenance {
	return Provenance{Kind: ProvenanceManual, CreatedBy: createdBy}
}

// AutoSimilarityProvenance builds an AutoSimilarity-variant Provenance.
func AutoSimilarityProvenance(score float64) Provenance {
	return Provenance{Kind: ProvenanceAutoSimilarity, Score: score}
}

// AutoStructuralProvenance builds an AutoStructural-variant Provenance.
func AutoStructuralProvenance(rule string) Provenance {
	return Provenance{Kind: ProvenanceAutoStructural, Rule: rule}
}

// AutoContradictionProvenance builds an AutoContradiction-variant Provenance.
func AutoContradictionProvenance(reason string) Provenance {
	return Provenance{Kind: ProvenanceAutoContradiction, Reason: reason}
}

// AutoDedupProvenance builds an AutoDedup-variant Provenance.
func AutoDedupProvenance(similarity float64) Provenance {
	return Provenance{Kind: ProvenanceAutoDedup, Similarity: similarity}
}

// Edge is a directed, weighted, provenance-tagged relationship between two
// live nodes (spec §3). Storage enforces From != To, both endpoints alive,
// and at most one live edge per (From, To, Relation) triple.
type Edge struct {
	ID         EdgeID     `json:"id"`
	From       NodeID     `json:"from"`
	To         NodeID     `json:"to"`
	Relation   string     `json:"relation"`
	Weight     float64    `json:"weight"`
	Provenance Provenance `json:"provenance"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// NodeFilter narrows list_nodes/count_nodes (spec §4.1). A zero value
// matches every non-deleted node.
type NodeFilter struct {
	Kind           string
	Tag            string
	SourceAgent    string
	IncludeDeleted bool
	Offset         int
	Limit          int
}

// Stats is the return value of Storage.Stats() (spec §4.1).
type Stats struct {
	NodeCount       int64
	EdgeCount       int64
	NodesByKind     map[string]int64
	EdgesByRel      map[string]int64
	OldestNode      time.Time
	NewestNode      time.Time
	OnDiskBytesLSM  int64
	OnDiskBytesVlog int64
}
