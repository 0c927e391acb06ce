package view

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orneryd/polygraph/pkg/storage"
)

// countingBackend records how many adjacency and scan calls reach it, to
// prove the views stay lazy.
type countingBackend struct {
	storage.Backend
	adjacencyCalls int
	scanCalls      int
}

func (c *countingBackend) NeighborEdges(u storage.NodeID) (map[storage.NodeID]storage.Metadata, error) {
	c.adjacencyCalls++
	return c.Backend.NeighborEdges(u)
}

func (c *countingBackend) EachNode(ctx context.Context, includeMeta bool, fn storage.NodeVisitor) error {
	c.scanCalls++
	return c.Backend.EachNode(ctx, includeMeta, fn)
}

func newTestGraph(t *testing.T) *countingBackend {
	t.Helper()
	b := storage.NewMemoryBackend(true)
	t.Cleanup(func() { b.Close() })

	for _, edge := range [][2]storage.NodeID{{"a", "b"}, {"a", "c"}, {"c", "a"}} {
		_, err := b.AddEdge(edge[0], edge[1], storage.Metadata{"from": string(edge[0])})
		require.NoError(t, err)
	}
	return &countingBackend{Backend: b}
}

func TestNodeView_DelegatesPerAccess(t *testing.T) {
	b := newTestGraph(t)
	nodes := Nodes(b)

	meta, err := nodes.Get("a")
	require.NoError(t, err)
	require.NotNil(t, meta)

	ok, err := nodes.Has("b")
	require.NoError(t, err)
	require.True(t, ok)

	n, err := nodes.Len()
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	// Construction and point reads never trigger a scan.
	require.Equal(t, 0, b.scanCalls)

	_, err = nodes.Get("ghost")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestNodeView_Materialize(t *testing.T) {
	b := newTestGraph(t)
	nodes := Nodes(b)

	all, err := nodes.Materialize(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Contains(t, all, storage.NodeID("a"))
	require.Equal(t, 1, b.scanCalls)
}

func TestNodeView_Each(t *testing.T) {
	b := newTestGraph(t)

	var ids []storage.NodeID
	err := Nodes(b).Each(context.Background(), func(id storage.NodeID) error {
		ids = append(ids, id)
		return nil
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []storage.NodeID{"a", "b", "c"}, ids)
}

func TestAdjacencyView_LazyPerAccess(t *testing.T) {
	b := newTestGraph(t)
	adj := Adjacency(b, Successors)

	// Creating the view costs nothing.
	require.Equal(t, 0, b.adjacencyCalls)

	edges, err := adj.Get("a")
	require.NoError(t, err)
	require.Len(t, edges, 2)
	require.Equal(t, "a", edges["b"]["from"])
	require.Equal(t, 1, b.adjacencyCalls)

	// No view-local caching: every access is a fresh backend call.
	_, err = adj.Get("a")
	require.NoError(t, err)
	require.Equal(t, 2, b.adjacencyCalls)

	_, err = adj.Get("ghost")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAdjacencyView_Directions(t *testing.T) {
	b := newTestGraph(t)

	succ, err := Adjacency(b, Successors).Get("a")
	require.NoError(t, err)
	require.Len(t, succ, 2)

	pred, err := Adjacency(b, Predecessors).Get("a")
	require.NoError(t, err)
	require.Len(t, pred, 1)
	require.Contains(t, pred, storage.NodeID("c"))
}

func TestAdjacencyView_ViewIsAlwaysFresh(t *testing.T) {
	b := newTestGraph(t)
	adj := Adjacency(b, Successors)

	before, err := adj.Get("a")
	require.NoError(t, err)
	require.Len(t, before, 2)

	_, err = b.AddEdge("a", "d", nil)
	require.NoError(t, err)

	after, err := adj.Get("a")
	require.NoError(t, err)
	require.Len(t, after, 3)
}

func TestAdjacencyView_LenAndEach(t *testing.T) {
	b := newTestGraph(t)
	adj := Adjacency(b, Successors)

	n, err := adj.Len()
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	count := 0
	err = adj.Each(context.Background(), func(storage.NodeID) error {
		count++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, count)

	// Each walks keys only; adjacency maps were never fetched.
	require.Equal(t, 0, b.adjacencyCalls)
}
