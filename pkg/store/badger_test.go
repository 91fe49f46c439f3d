package store

import (
	"errors"
	"testing"
	"time"

	"github.com/cortexdb/cortex/pkg/cortexid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := OpenInMemory(0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func newTestNode(kind, agent string) *Node {
	now := time.Now()
	return &Node{
		ID:         NodeID(cortexid.New()),
		Kind:       kind,
		Title:      "a title",
		Body:       "a body",
		Tags:       []string{"alpha", "beta"},
		Metadata:   map[string]any{},
		Source:     Source{Agent: agent},
		Importance: 0.5,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestPutGetNode(t *testing.T) {
	eng := newTestEngine(t)
	n := newTestNode("fact", "agent-a")
	require.NoError(t, eng.PutNode(n))

	got, err := eng.GetNode(n.ID)
	require.NoError(t, err)
	assert.Equal(t, n.Title, got.Title)
	assert.Equal(t, n.Tags, got.Tags)
}

func TestGetNodeNotFound(t *testing.T) {
	eng := newTestEngine(t)
	_, err := eng.GetNode("missing")
	assert.True(t, errors.Is(err, ErrNodeNotFound))
}

func TestPutNodeValidation(t *testing.T) {
	eng := newTestEngine(t)
	n := newTestNode("fact", "agent-a")
	n.Title = ""
	err := eng.PutNode(n)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestDeleteNodeSoftDeletes(t *testing.T) {
	eng := newTestEngine(t)
	n := newTestNode("fact", "agent-a")
	require.NoError(t, eng.PutNode(n))
	require.NoError(t, eng.DeleteNode(n.ID))

	got, err := eng.GetNode(n.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted)

	count, err := eng.CountNodes(NodeFilter{Kind: "fact"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestListNodesByKindAndTag(t *testing.T) {
	eng := newTestEngine(t)
	a := newTestNode("fact", "agent-a")
	b := newTestNode("goal", "agent-a")
	require.NoError(t, eng.PutNode(a))
	time.Sleep(time.Millisecond)
	require.NoError(t, eng.PutNode(b))

	facts, err := eng.ListNodes(NodeFilter{Kind: "fact"})
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, a.ID, facts[0].ID)

	tagged, err := eng.ListNodes(NodeFilter{Tag: "alpha"})
	require.NoError(t, err)
	assert.Len(t, tagged, 2)
}

func TestListNodesNewestFirst(t *testing.T) {
	eng := newTestEngine(t)
	a := newTestNode("fact", "agent-a")
	require.NoError(t, eng.PutNode(a))
	time.Sleep(2 * time.Millisecond)
	b := newTestNode("fact", "agent-a")
	require.NoError(t, eng.PutNode(b))

	nodes, err := eng.ListNodes(NodeFilter{})
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, b.ID, nodes[0].ID)
	assert.Equal(t, a.ID, nodes[1].ID)
}

func TestPutEdgeRequiresLiveEndpoints(t *testing.T) {
	eng := newTestEngine(t)
	a := newTestNode("fact", "agent-a")
	require.NoError(t, eng.PutNode(a))

	edge := &Edge{
		ID:         EdgeID(cortexid.New()),
		From:       a.ID,
		To:         "nonexistent",
		Relation:   "relates_to",
		Weight:     0.5,
		Provenance: ManualProvenance("agent-a"),
	}
	err := eng.PutEdge(edge)
	assert.True(t, errors.Is(err, ErrInvalidEdge))
}

func TestPutEdgeRejectsSelfEdge(t *testing.T) {
	eng := newTestEngine(t)
	a := newTestNode("fact", "agent-a")
	require.NoError(t, eng.PutNode(a))

	edge := &Edge{
		ID:       EdgeID(cortexid.New()),
		From:     a.ID,
		To:       a.ID,
		Relation: "relates_to",
		Weight:   0.5,
	}
	err := eng.PutEdge(edge)
	assert.True(t, errors.Is(err, ErrInvalidEdge))
}

func TestPutEdgeRejectsDuplicateTriple(t *testing.T) {
	eng := newTestEngine(t)
	a := newTestNode("fact", "agent-a")
	b := newTestNode("fact", "agent-a")
	require.NoError(t, eng.PutNode(a))
	require.NoError(t, eng.PutNode(b))

	first := &Edge{ID: EdgeID(cortexid.New()), From: a.ID, To: b.ID, Relation: "relates_to", Weight: 0.5, Provenance: ManualProvenance("agent-a")}
	require.NoError(t, eng.PutEdge(first))

	second := &Edge{ID: EdgeID(cortexid.New()), From: a.ID, To: b.ID, Relation: "relates_to", Weight: 0.7, Provenance: ManualProvenance("agent-a")}
	err := eng.PutEdge(second)
	assert.True(t, errors.Is(err, ErrDuplicateEdge))
}

func TestEdgesFromToBetween(t *testing.T) {
	eng := newTestEngine(t)
	a := newTestNode("fact", "agent-a")
	b := newTestNode("fact", "agent-a")
	require.NoError(t, eng.PutNode(a))
	require.NoError(t, eng.PutNode(b))

	edge := &Edge{ID: EdgeID(cortexid.New()), From: a.ID, To: b.ID, Relation: "relates_to", Weight: 0.5, Provenance: ManualProvenance("agent-a")}
	require.NoError(t, eng.PutEdge(edge))

	from, err := eng.EdgesFrom(a.ID)
	require.NoError(t, err)
	require.Len(t, from, 1)

	to, err := eng.EdgesTo(b.ID)
	require.NoError(t, err)
	require.Len(t, to, 1)

	between, err := eng.EdgesBetween(a.ID, b.ID)
	require.NoError(t, err)
	require.Len(t, between, 1)
	assert.Equal(t, edge.ID, between[0].ID)
}

func TestUpdateEdgeWeightAtomic(t *testing.T) {
	eng := newTestEngine(t)
	a := newTestNode("fact", "agent-a")
	b := newTestNode("fact", "agent-a")
	require.NoError(t, eng.PutNode(a))
	require.NoError(t, eng.PutNode(b))

	edge := &Edge{ID: EdgeID(cortexid.New()), From: a.ID, To: b.ID, Relation: "relates_to", Weight: 0.5, Provenance: ManualProvenance("agent-a")}
	require.NoError(t, eng.PutEdge(edge))

	old, newWeight, err := eng.UpdateEdgeWeightAtomic(a.ID, b.ID, "relates_to", func(w float64) float64 { return w + 0.1 })
	require.NoError(t, err)
	assert.Equal(t, 0.5, old)
	assert.InDelta(t, 0.6, newWeight, 1e-9)

	got, err := eng.GetEdge(edge.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, got.Weight, 1e-9)
}

func TestDeleteEdgeRemovesIndexes(t *testing.T) {
	eng := newTestEngine(t)
	a := newTestNode("fact", "agent-a")
	b := newTestNode("fact", "agent-a")
	require.NoError(t, eng.PutNode(a))
	require.NoError(t, eng.PutNode(b))

	edge := &Edge{ID: EdgeID(cortexid.New()), From: a.ID, To: b.ID, Relation: "relates_to", Weight: 0.5, Provenance: ManualProvenance("agent-a")}
	require.NoError(t, eng.PutEdge(edge))
	require.NoError(t, eng.DeleteEdge(edge.ID))

	_, err := eng.GetEdge(edge.ID)
	assert.True(t, errors.Is(err, ErrEdgeNotFound))

	from, err := eng.EdgesFrom(a.ID)
	require.NoError(t, err)
	assert.Empty(t, from)
}

func TestPutNodesBatch(t *testing.T) {
	eng := newTestEngine(t)
	a := newTestNode("fact", "agent-a")
	b := newTestNode("fact", "agent-a")
	require.NoError(t, eng.PutNodesBatch([]*Node{a, b}))

	count, err := eng.CountNodes(NodeFilter{Kind: "fact"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestMetadataRoundTrip(t *testing.T) {
	eng := newTestEngine(t)
	_, found, err := eng.GetMetadata("auto_linker_cursor")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, eng.PutMetadata("auto_linker_cursor", []byte("cursor-1")))
	val, found, err := eng.GetMetadata("auto_linker_cursor")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "cursor-1", string(val))
}

func TestStats(t *testing.T) {
	eng := newTestEngine(t)
	a := newTestNode("fact", "agent-a")
	b := newTestNode("goal", "agent-a")
	require.NoError(t, eng.PutNode(a))
	require.NoError(t, eng.PutNode(b))
	edge := &Edge{ID: EdgeID(cortexid.New()), From: a.ID, To: b.ID, Relation: "relates_to", Weight: 0.5, Provenance: ManualProvenance("agent-a")}
	require.NoError(t, eng.PutEdge(edge))

	st, err := eng.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.NodeCount)
	assert.Equal(t, int64(1), st.EdgeCount)
	assert.Equal(t, int64(1), st.NodesByKind["fact"])
	assert.Equal(t, int64(1), st.EdgesByRel["relates_to"])
}

func TestDimensionMismatchRejected(t *testing.T) {
	eng, err := OpenInMemory(4)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	n := newTestNode("fact", "agent-a")
	n.Embedding = []float32{1, 2, 3}
	err = eng.PutNode(n)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestEngineClosed(t *testing.T) {
	eng, err := OpenInMemory(0)
	require.NoError(t, err)
	require.NoError(t, eng.Close())

	_, err = eng.GetNode("x")
	assert.True(t, errors.Is(err, ErrStorageClosed))
}
