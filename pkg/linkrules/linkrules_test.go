package linkrules

import (
	"testing"
	"time"

	"github.com/cortexdb/cortex/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func node(kind string, opts ...func(*store.Node)) *store.Node {
	n := &store.Node{
		ID:        store.NodeID(kind + "-id"),
		Kind:      kind,
		Title:     "title",
		Body:      "body",
		CreatedAt: time.Now(),
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

func TestSimilarityRuleFiresAboveThreshold(t *testing.T) {
	cfg := DefaultConfig()
	r := similarityRule{cfg}
	a, b := node("fact"), node("fact")
	p := r.Evaluate(a, b, 0.9)
	require.NotNil(t, p)
	assert.Equal(t, "related_to", p.Relation)
	assert.Equal(t, 0.9, p.Weight)
	assert.Equal(t, store.ProvenanceAutoSimilarity, p.Provenance.Kind)
}

func TestSimilarityRuleSkipsBelowThreshold(t *testing.T) {
	cfg := DefaultConfig()
	r := similarityRule{cfg}
	assert.Nil(t, r.Evaluate(node("fact"), node("fact"), 0.1))
}

func TestSameAgentRule(t *testing.T) {
	r := sameAgentRule{}
	a := node("fact", func(n *store.Node) { n.ID = "a"; n.Source.Agent = "agent-x" })
	b := node("fact", func(n *store.Node) { n.ID = "b"; n.Source.Agent = "agent-x" })
	p := r.Evaluate(a, b, 0)
	require.NotNil(t, p)
	assert.Equal(t, 0.3, p.Weight)

	c := node("fact", func(n *store.Node) { n.ID = "c"; n.Source.Agent = "agent-y" })
	assert.Nil(t, r.Evaluate(a, c, 0))
}

func TestTemporalProximityRule(t *testing.T) {
	cfg := DefaultConfig()
	r := temporalProximityRule{cfg}
	now := time.Now()
	a := node("fact", func(n *store.Node) { n.CreatedAt = now })
	close := node("fact", func(n *store.Node) { n.CreatedAt = now.Add(5 * time.Minute) })
	far := node("fact", func(n *store.Node) { n.CreatedAt = now.Add(2 * time.Hour) })

	assert.NotNil(t, r.Evaluate(a, close, 0))
	assert.Nil(t, r.Evaluate(a, far, 0))
}

func TestSharedTagsRule(t *testing.T) {
	cfg := DefaultConfig()
	r := sharedTagsRule{cfg}
	a := node("fact", func(n *store.Node) { n.Tags = []string{"x", "y", "z"} })
	b := node("fact", func(n *store.Node) { n.Tags = []string{"x", "y"} })
	p := r.Evaluate(a, b, 0)
	require.NotNil(t, p)
	assert.InDelta(t, 0.5, p.Weight, 1e-9)

	c := node("fact", func(n *store.Node) { n.Tags = []string{"x"} })
	assert.Nil(t, r.Evaluate(a, c, 0))
}

func TestSharedTagsWeightCapsAtOne(t *testing.T) {
	cfg := DefaultConfig()
	r := sharedTagsRule{cfg}
	tags := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l"}
	a := node("fact", func(n *store.Node) { n.Tags = tags })
	b := node("fact", func(n *store.Node) { n.Tags = tags })
	p := r.Evaluate(a, b, 0)
	require.NotNil(t, p)
	assert.Equal(t, 1.0, p.Weight)
}

func TestDecisionToEventRule(t *testing.T) {
	r := decisionToEventRule{}
	now := time.Now()
	decision := node("decision", func(n *store.Node) {
		n.CreatedAt = now
		n.Source.Session = "sess-1"
	})
	event := node("event", func(n *store.Node) {
		n.CreatedAt = now.Add(time.Minute)
		n.Source.Session = "sess-1"
	})
	p := r.Evaluate(decision, event, 0)
	require.NotNil(t, p)
	assert.Equal(t, "led_to", p.Relation)

	otherSession := node("event", func(n *store.Node) {
		n.CreatedAt = now.Add(time.Minute)
		n.Source.Session = "sess-2"
	})
	assert.Nil(t, r.Evaluate(decision, otherSession, 0))
}

func TestObservationToPatternRule(t *testing.T) {
	cfg := DefaultConfig()
	r := observationToPatternRule{cfg}
	obs := node("observation")
	pat := node("pattern")
	require.NotNil(t, r.Evaluate(obs, pat, 0.8))
	assert.Nil(t, r.Evaluate(obs, pat, 0.5))
}

func TestFactSupersedesRule(t *testing.T) {
	cfg := DefaultConfig()
	r := factSupersedesRule{cfg}
	now := time.Now()
	older := node("fact", func(n *store.Node) {
		n.CreatedAt = now
		n.Title = "the database runs postgres sixteen in production"
	})
	newer := node("fact", func(n *store.Node) {
		n.CreatedAt = now.Add(time.Hour)
		n.Title = "the database runs postgres sixteen in production"
	})
	p := r.Evaluate(newer, older, 0)
	require.NotNil(t, p)
	assert.Equal(t, "supersedes", p.Relation)

	unrelated := node("fact", func(n *store.Node) {
		n.CreatedAt = now.Add(time.Hour)
		n.Title = "completely different sentence"
	})
	assert.Nil(t, r.Evaluate(unrelated, older, 0))
}

func TestDetectContradiction(t *testing.T) {
	cfg := DefaultConfig()
	now := time.Now()
	a := node("fact", func(n *store.Node) {
		n.Title = "feature flag is enabled"
		n.CreatedAt = now
	})
	b := node("fact", func(n *store.Node) {
		n.Title = "feature flag is no longer enabled"
		n.CreatedAt = now.Add(time.Hour)
	})

	c := DetectContradiction(cfg, a, b, 0.9)
	require.NotNil(t, c)
	assert.Equal(t, b.ID, c.Keep)
	assert.Equal(t, a.ID, c.Retire)
	assert.Equal(t, "contradicts", c.Edge.Relation)
}

func TestDetectContradictionRequiresThreshold(t *testing.T) {
	cfg := DefaultConfig()
	a := node("fact", func(n *store.Node) { n.Title = "not done" })
	b := node("fact", func(n *store.Node) { n.Title = "done" })
	assert.Nil(t, DetectContradiction(cfg, a, b, 0.1))
}

func TestEvaluateAllCollectsProposals(t *testing.T) {
	cfg := DefaultConfig()
	a := node("fact", func(n *store.Node) { n.ID = "a"; n.Source.Agent = "agent-x" })
	b := node("fact", func(n *store.Node) { n.ID = "b"; n.Source.Agent = "agent-x" })
	proposals := EvaluateAll(All(cfg), a, b, 0.95)
	assert.NotEmpty(t, proposals)
}

func TestTopologyRule(t *testing.T) {
	r := DefaultTopologyRule()
	a, b := node("fact", func(n *store.Node) { n.ID = "a" }), node("fact", func(n *store.Node) { n.ID = "b" })

	p := r.EvaluateTopology(a, b, fakeScore{0.8})
	require.NotNil(t, p)
	assert.Equal(t, "related_to", p.Relation)

	assert.Nil(t, r.EvaluateTopology(a, b, fakeScore{0.1}))
}

type fakeScore struct{ combined float64 }

func (f fakeScore) Combined() float64 { return f.combined }
