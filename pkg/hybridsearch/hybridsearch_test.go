package hybridsearch

import (
	"context"
	"testing"

	"github.com/cortexdb/cortex/pkg/cortexid"
	"github.com/cortexdb/cortex/pkg/embedding"
	"github.com/cortexdb/cortex/pkg/graph"
	"github.com/cortexdb/cortex/pkg/store"
	"github.com/cortexdb/cortex/pkg/vectorindex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dims = 8

type harness struct {
	store    *store.Engine
	index    *vectorindex.Index
	embedder embedding.Service
	svc      *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := store.OpenInMemory(dims)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	idx := vectorindex.New(dims, vectorindex.DefaultHNSWConfig())
	g := graph.New(s)
	embedder := embedding.NewStub(dims)
	return &harness{store: s, index: idx, embedder: embedder, svc: New(s, idx, g, embedder)}
}

// mkNode embeds title with the same stub used for queries, so a query
// for the exact title text lands nearest its own node's vector.
func (h *harness) mkNode(t *testing.T, kind, title string) *store.Node {
	t.Helper()
	vec, err := h.embedder.Embed(context.Background(), title)
	require.NoError(t, err)
	n := &store.Node{
		ID: store.NodeID(cortexid.New()), Kind: kind, Title: title,
		Embedding: vec, Source: store.Source{Agent: "agent-a"},
	}
	require.NoError(t, h.store.PutNode(n))
	require.NoError(t, h.index.Insert(string(n.ID), vec, vectorindex.Meta{Kind: n.Kind}))
	return n
}

func TestSearchPureVectorWithoutAnchors(t *testing.T) {
	h := newHarness(t)
	a := h.mkNode(t, "fact", "the quokka prefers shaded grasslands")
	h.mkNode(t, "fact", "rainfall patterns over the pacific northwest")

	res, err := h.svc.Search(context.Background(), Query{Text: "the quokka prefers shaded grasslands", Limit: 5})
	require.NoError(t, err)
	require.NotEmpty(t, res)
	assert.Equal(t, a.ID, res[0].Node.ID)
	assert.Nil(t, res[0].NearestAnchor)
}

func TestSearchWithAnchorsBoostsGraphProximity(t *testing.T) {
	h := newHarness(t)
	anchor := h.mkNode(t, "fact", "anchor node content")
	near := h.mkNode(t, "fact", "near node content")
	far := h.mkNode(t, "fact", "far node content")

	require.NoError(t, h.store.PutEdge(&store.Edge{
		ID: store.EdgeID(cortexid.New()), From: anchor.ID, To: near.ID, Relation: "related_to", Weight: 0.5,
	}))

	res, err := h.svc.Search(context.Background(), Query{
		Text: "node content", Anchors: []store.NodeID{anchor.ID}, Limit: 10, VectorWeight: 0.3,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res)

	var nearResult, farResult *Result
	for i := range res {
		if res[i].Node.ID == near.ID {
			nearResult = &res[i]
		}
		if res[i].Node.ID == far.ID {
			farResult = &res[i]
		}
	}
	require.NotNil(t, nearResult)
	require.NotNil(t, nearResult.NearestAnchor)
	assert.Equal(t, anchor.ID, nearResult.NearestAnchor.ID)
	assert.Equal(t, 1, nearResult.NearestAnchor.Depth)
	if farResult != nil {
		assert.Greater(t, nearResult.Combined, farResult.Combined)
	}
}

func TestSearchRespectsLimit(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 5; i++ {
		h.mkNode(t, "fact", "repeated content block")
	}

	res, err := h.svc.Search(context.Background(), Query{Text: "repeated content block", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, res, 2)
}

func TestSearchFiltersByKind(t *testing.T) {
	h := newHarness(t)
	fact := h.mkNode(t, "fact", "shared content across kinds")
	h.mkNode(t, "observation", "shared content across kinds")

	res, err := h.svc.Search(context.Background(), Query{Text: "shared content across kinds", Limit: 10, KindFilter: []string{"fact"}})
	require.NoError(t, err)
	require.NotEmpty(t, res)
	for _, r := range res {
		assert.Equal(t, fact.Kind, r.Node.Kind)
	}
}
