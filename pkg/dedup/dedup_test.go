package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/cortexdb/cortex/pkg/cortexid"
	"github.com/cortexdb/cortex/pkg/store"
	"github.com/cortexdb/cortex/pkg/vectorindex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *store.Engine {
	t.Helper()
	eng, err := store.OpenInMemory(2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func mkNode(t *testing.T, s *store.Engine, embedding []float32, importance float64) *store.Node {
	t.Helper()
	n := &store.Node{
		ID: store.NodeID(cortexid.New()), Kind: "fact", Title: "t",
		Embedding: embedding, Importance: importance, Source: store.Source{Agent: "agent-a"},
	}
	require.NoError(t, s.PutNode(n))
	return n
}

func newIndex() *vectorindex.Index {
	return vectorindex.New(2, vectorindex.DefaultHNSWConfig())
}

func TestScanClassifiesLinkBelowMergeThresholds(t *testing.T) {
	s := newTestStore(t)
	idx := newIndex()
	a := mkNode(t, s, []float32{1, 0}, 0.5)
	b := mkNode(t, s, []float32{0.95, 0.3}, 0.5)
	require.NoError(t, idx.Insert(string(a.ID), a.Embedding, vectorindex.Meta{Kind: "fact"}))
	require.NoError(t, idx.Insert(string(b.ID), b.Embedding, vectorindex.Meta{Kind: "fact"}))

	scanner := New(DefaultConfig(), s, idx)
	actions, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionLink, actions[0].Kind)
}

func TestScanClassifiesMergeByConnectionCount(t *testing.T) {
	s := newTestStore(t)
	idx := newIndex()
	hub := mkNode(t, s, []float32{1, 0}, 0.5)
	leaf := mkNode(t, s, []float32{0.999, 0.001}, 0.5)
	for i := 0; i < 3; i++ {
		other := mkNode(t, s, nil, 0)
		require.NoError(t, s.PutEdge(&store.Edge{
			ID: store.EdgeID(cortexid.New()), From: hub.ID, To: other.ID, Relation: "related_to", Weight: 0.5,
		}))
	}
	require.NoError(t, idx.Insert(string(hub.ID), hub.Embedding, vectorindex.Meta{Kind: "fact"}))
	require.NoError(t, idx.Insert(string(leaf.ID), leaf.Embedding, vectorindex.Meta{Kind: "fact"}))

	scanner := New(DefaultConfig(), s, idx)
	actions, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionMerge, actions[0].Kind)
	assert.Equal(t, hub.ID, actions[0].Keep)
	assert.Equal(t, leaf.ID, actions[0].Retire)
}

func TestScanClassifiesSupersedeAtHighSimilarity(t *testing.T) {
	s := newTestStore(t)
	idx := newIndex()
	older := mkNode(t, s, []float32{1, 0}, 0.5)
	time.Sleep(time.Millisecond)
	newer := mkNode(t, s, []float32{1, 0}, 0.5)
	require.NoError(t, idx.Insert(string(older.ID), older.Embedding, vectorindex.Meta{Kind: "fact"}))
	require.NoError(t, idx.Insert(string(newer.ID), newer.Embedding, vectorindex.Meta{Kind: "fact"}))

	cfg := DefaultConfig()
	scanner := New(cfg, s, idx)
	actions, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionSupersede, actions[0].Kind)
}

func TestExecuteMergeRetargetsEdgesAndSoftDeletes(t *testing.T) {
	s := newTestStore(t)
	idx := newIndex()
	keep := mkNode(t, s, []float32{1, 0}, 0.2)
	retire := mkNode(t, s, []float32{1, 0}, 0.6)
	retire.Tags = []string{"x"}
	require.NoError(t, s.PutNode(retire))
	outside := mkNode(t, s, nil, 0)
	require.NoError(t, s.PutEdge(&store.Edge{
		ID: store.EdgeID(cortexid.New()), From: retire.ID, To: outside.ID, Relation: "related_to", Weight: 0.5,
	}))

	scanner := New(DefaultConfig(), s, idx)
	err := scanner.Execute(Action{Kind: ActionMerge, Keep: keep.ID, Retire: retire.ID, Similarity: 0.95})
	require.NoError(t, err)

	edges, err := s.EdgesFrom(keep.ID)
	require.NoError(t, err)
	var foundRetarget, foundSupersede bool
	for _, e := range edges {
		if e.To == outside.ID {
			foundRetarget = true
		}
		if e.To == retire.ID && e.Relation == "supersedes" {
			foundSupersede = true
		}
	}
	assert.True(t, foundRetarget)
	assert.True(t, foundSupersede)

	gotKeep, err := s.GetNode(keep.ID)
	require.NoError(t, err)
	assert.Contains(t, gotKeep.Tags, "x")
	assert.Equal(t, 0.6, gotKeep.Importance)

	gotRetire, err := s.GetNode(retire.ID)
	require.NoError(t, err)
	assert.True(t, gotRetire.Deleted)
}

func TestExecuteLinkCreatesRelatedToEdge(t *testing.T) {
	s := newTestStore(t)
	idx := newIndex()
	a := mkNode(t, s, nil, 0)
	b := mkNode(t, s, nil, 0)

	scanner := New(DefaultConfig(), s, idx)
	require.NoError(t, scanner.Execute(Action{Kind: ActionLink, Keep: a.ID, Retire: b.ID, Similarity: 0.5}))

	edges, err := s.EdgesFrom(a.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "related_to", edges[0].Relation)
}
