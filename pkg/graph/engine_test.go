package graph

import (
	"testing"

	"github.com/cortexdb/cortex/pkg/cortexid"
	"github.com/cortexdb/cortex/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *store.Engine {
	t.Helper()
	eng, err := store.OpenInMemory(0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func mkNode(t *testing.T, s *store.Engine, kind string) store.NodeID {
	t.Helper()
	n := &store.Node{
		ID:       store.NodeID(cortexid.New()),
		Kind:     kind,
		Title:    "title",
		Body:     "body",
		Source:   store.Source{Agent: "agent-a"},
		Metadata: map[string]any{},
	}
	require.NoError(t, s.PutNode(n))
	return n.ID
}

func mkEdge(t *testing.T, s *store.Engine, from, to store.NodeID, relation string, weight float64) {
	t.Helper()
	e := &store.Edge{
		ID:         store.EdgeID(cortexid.New()),
		From:       from,
		To:         to,
		Relation:   relation,
		Weight:     weight,
		Provenance: store.ManualProvenance("agent-a"),
	}
	require.NoError(t, s.PutEdge(e))
}

func TestBFSTraversalDepths(t *testing.T) {
	s := newTestStore(t)
	a := mkNode(t, s, "fact")
	b := mkNode(t, s, "fact")
	c := mkNode(t, s, "fact")
	mkEdge(t, s, a, b, "informed_by", 1.0)
	mkEdge(t, s, b, c, "informed_by", 1.0)

	eng := New(s)
	sg, err := eng.Traverse(Request{
		Start:        []store.NodeID{a},
		MaxDepth:     5,
		Direction:    Outgoing,
		Strategy:     Bfs,
		IncludeStart: true,
	})
	require.NoError(t, err)
	assert.Len(t, sg.Nodes, 3)
	assert.Equal(t, uint32(0), sg.Depths[a])
	assert.Equal(t, uint32(1), sg.Depths[b])
	assert.Equal(t, uint32(2), sg.Depths[c])
}

func TestWeightedTraversalPrefersHeavyEdge(t *testing.T) {
	s := newTestStore(t)
	root := mkNode(t, s, "fact")
	heavy := mkNode(t, s, "fact")
	light := mkNode(t, s, "fact")
	heavyChild := mkNode(t, s, "fact")
	lightChild := mkNode(t, s, "fact")

	mkEdge(t, s, root, heavy, "relates_to", 0.99)
	mkEdge(t, s, root, light, "relates_to", 0.01)
	mkEdge(t, s, heavy, heavyChild, "relates_to", 0.99)
	mkEdge(t, s, light, lightChild, "relates_to", 0.01)

	eng := New(s)
	sg, err := eng.Traverse(Request{
		Start:        []store.NodeID{root},
		Direction:    Outgoing,
		Strategy:     Weighted,
		Limit:        3,
		IncludeStart: true,
	})
	require.NoError(t, err)
	assert.Contains(t, sg.Nodes, root)
	assert.Contains(t, sg.Nodes, heavy)
	assert.Contains(t, sg.Nodes, heavyChild)
	assert.NotContains(t, sg.Nodes, light)
}

func TestPostPassDropsDanglingEdges(t *testing.T) {
	s := newTestStore(t)
	a := mkNode(t, s, "fact")
	b := mkNode(t, s, "goal")
	mkEdge(t, s, a, b, "informed_by", 1.0)

	eng := New(s)
	sg, err := eng.Traverse(Request{
		Start:        []store.NodeID{a},
		MaxDepth:     1,
		Direction:    Outgoing,
		Strategy:     Bfs,
		KindFilter:   []string{"goal"},
		IncludeStart: false,
	})
	require.NoError(t, err)
	for _, edge := range sg.Edges {
		_, hasFrom := sg.Nodes[edge.From]
		_, hasTo := sg.Nodes[edge.To]
		assert.True(t, hasFrom && hasTo)
	}
}

func TestShortestPath(t *testing.T) {
	s := newTestStore(t)
	a := mkNode(t, s, "fact")
	b := mkNode(t, s, "fact")
	c := mkNode(t, s, "fact")
	mkEdge(t, s, a, b, "informed_by", 0.5)
	mkEdge(t, s, b, c, "informed_by", 0.5)

	eng := New(s)
	path, found, err := eng.ShortestPath(a, c, 10, Outgoing)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []store.NodeID{a, b, c}, path.Nodes)
	assert.Equal(t, 2, path.Length)
}

func TestSelfEdgeRejectedUpstream(t *testing.T) {
	s := newTestStore(t)
	a := mkNode(t, s, "fact")
	e := &store.Edge{ID: store.EdgeID(cortexid.New()), From: a, To: a, Relation: "relates_to", Weight: 0.5}
	err := s.PutEdge(e)
	assert.Error(t, err)
}

func TestComponents(t *testing.T) {
	s := newTestStore(t)
	a := mkNode(t, s, "fact")
	b := mkNode(t, s, "fact")
	c := mkNode(t, s, "fact")
	mkEdge(t, s, a, b, "relates_to", 0.5)

	eng := New(s)
	components, err := eng.Components()
	require.NoError(t, err)
	assert.Len(t, components, 2)

	var sizes []int
	for _, comp := range components {
		sizes = append(sizes, len(comp))
	}
	assert.ElementsMatch(t, []int{2, 1}, sizes)
	_ = c
}

func TestMostConnected(t *testing.T) {
	s := newTestStore(t)
	hub := mkNode(t, s, "fact")
	leaf1 := mkNode(t, s, "fact")
	leaf2 := mkNode(t, s, "fact")
	mkEdge(t, s, hub, leaf1, "relates_to", 0.5)
	mkEdge(t, s, hub, leaf2, "relates_to", 0.5)

	eng := New(s)
	top, err := eng.MostConnected(1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, hub, top[0].ID)
}

func TestFindCyclesDetectsCycle(t *testing.T) {
	s := newTestStore(t)
	a := mkNode(t, s, "fact")
	b := mkNode(t, s, "fact")
	c := mkNode(t, s, "fact")
	mkEdge(t, s, a, b, "relates_to", 0.5)
	mkEdge(t, s, b, c, "relates_to", 0.5)
	mkEdge(t, s, c, a, "relates_to", 0.5)

	eng := New(s)
	cycles, err := eng.FindCycles()
	require.NoError(t, err)
	assert.NotEmpty(t, cycles)
}

func TestTopologyScoreSharedNeighbor(t *testing.T) {
	s := newTestStore(t)
	a := mkNode(t, s, "fact")
	b := mkNode(t, s, "fact")
	shared := mkNode(t, s, "fact")
	mkEdge(t, s, a, shared, "relates_to", 0.5)
	mkEdge(t, s, b, shared, "relates_to", 0.5)

	eng := New(s)
	score, err := eng.Topology(a, b)
	require.NoError(t, err)
	assert.Equal(t, 1, score.CommonNeighbors)
	assert.Greater(t, score.Combined(), 0.0)
}
