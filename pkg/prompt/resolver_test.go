package prompt

import (
	"testing"
	"time"

	"github.com/cortexdb/cortex/pkg/cortexid"
	"github.com/cortexdb/cortex/pkg/store"
	"github.com/stretchr/testify/require"
)

const testDims = 8

func newTestStore(t *testing.T) *store.Engine {
	t.Helper()
	s, err := store.OpenInMemory(testDims)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mkPromptNode(t *testing.T, s *store.Engine, content PromptContent) *store.Node {
	t.Helper()
	n, err := NewPromptNode(content, "prompt_system", 0.5, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.PutNode(n))
	return n
}

func mkEdge(t *testing.T, s *store.Engine, from, to store.NodeID, relation string) {
	t.Helper()
	now := time.Now()
	require.NoError(t, s.PutEdge(&store.Edge{
		ID: store.EdgeID(cortexid.New()), From: from, To: to, Relation: relation, Weight: 1,
		CreatedAt: now, UpdatedAt: now,
	}))
}

func TestHeadResolutionFindsUniqueHead(t *testing.T) {
	s := newTestStore(t)
	r := NewResolver(s)

	v1 := mkPromptNode(t, s, PromptContent{Slug: "assistant", Branch: "main", Version: 1})
	v2 := mkPromptNode(t, s, PromptContent{Slug: "assistant", Branch: "main", Version: 2})
	mkEdge(t, s, v2.ID, v1.ID, RelationSupersedes)

	head, err := r.Head("assistant", "main")
	require.NoError(t, err)
	require.Equal(t, v2.ID, head.ID)
}

func TestHeadResolutionReturnsNotFoundForUnknownSlug(t *testing.T) {
	s := newTestStore(t)
	r := NewResolver(s)

	_, err := r.Head("nonexistent", "main")
	require.ErrorIs(t, err, ErrHeadNotFound)
}

func TestHeadResolutionReturnsAmbiguousWhenTwoHeadsExist(t *testing.T) {
	s := newTestStore(t)
	r := NewResolver(s)

	mkPromptNode(t, s, PromptContent{Slug: "assistant", Branch: "main", Version: 1})
	mkPromptNode(t, s, PromptContent{Slug: "assistant", Branch: "main", Version: 2})

	_, err := r.Head("assistant", "main")
	require.ErrorIs(t, err, ErrAmbiguousHead)
}

func TestResolveMergesInheritanceChainRootFirst(t *testing.T) {
	s := newTestStore(t)
	r := NewResolver(s)

	base := mkPromptNode(t, s, PromptContent{
		Slug: "base", Branch: "main", Version: 1,
		Sections: map[string]string{"tone": "neutral", "goal": "help the user"},
	})
	mid := mkPromptNode(t, s, PromptContent{
		Slug: "mid", Branch: "main", Version: 1,
		Sections: map[string]string{"tone": "friendly"},
	})
	head := mkPromptNode(t, s, PromptContent{
		Slug: "leaf", Branch: "main", Version: 1,
		Sections:         map[string]string{"signature": "- leaf"},
		OverrideSections: map[string]string{"goal": "help the user quickly"},
	})
	mkEdge(t, s, mid.ID, base.ID, RelationInheritsFrom)
	mkEdge(t, s, head.ID, mid.ID, RelationInheritsFrom)

	resolved, err := r.Resolve("leaf", "main")
	require.NoError(t, err)
	require.Equal(t, head.ID, resolved.Head.ID)
	require.Equal(t, "friendly", resolved.Sections["tone"])
	require.Equal(t, "help the user quickly", resolved.Sections["goal"])
	require.Equal(t, "- leaf", resolved.Sections["signature"])
}

func TestResolveCollectsSkillsFromUsedByEdges(t *testing.T) {
	s := newTestStore(t)
	r := NewResolver(s)

	head := mkPromptNode(t, s, PromptContent{Slug: "assistant", Branch: "main", Version: 1})
	skill := mkPromptNode(t, s, PromptContent{Slug: "code-review", Branch: "main", Version: 1})
	mkEdge(t, s, skill.ID, head.ID, RelationUsedBy)

	resolved, err := r.Resolve("assistant", "main")
	require.NoError(t, err)
	require.Contains(t, resolved.Skills, "code-review")
}

func TestResolveGuardsAgainstInheritanceCycles(t *testing.T) {
	s := newTestStore(t)
	r := NewResolver(s)

	a := mkPromptNode(t, s, PromptContent{Slug: "a", Branch: "main", Version: 1})
	b := mkPromptNode(t, s, PromptContent{Slug: "b", Branch: "main", Version: 1})
	mkEdge(t, s, a.ID, b.ID, RelationInheritsFrom)
	mkEdge(t, s, b.ID, a.ID, RelationInheritsFrom)

	resolved, err := r.Resolve("a", "main")
	require.NoError(t, err)
	require.NotNil(t, resolved)
}
