package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryBackend_Conformance(t *testing.T) {
	runBackendConformance(t, func(t *testing.T, directed bool) Backend {
		b := NewMemoryBackend(directed)
		t.Cleanup(func() { b.Close() })
		return b
	})
}

// Undirected edges share one metadata map, so an upsert through either
// orientation is visible from both endpoints immediately.
func TestMemoryBackend_UndirectedSharedMetadata(t *testing.T) {
	b := NewMemoryBackend(false)
	defer b.Close()

	_, err := b.AddEdge("a", "b", Metadata{"w": 1})
	require.NoError(t, err)
	_, err = b.AddEdge("b", "a", Metadata{"color": "red"})
	require.NoError(t, err)

	fromA, err := b.NeighborEdges("a")
	require.NoError(t, err)
	fromB, err := b.NeighborEdges("b")
	require.NoError(t, err)

	require.Equal(t, fromA["b"], fromB["a"])
	require.Equal(t, 1, fromA["b"]["w"])
	require.Equal(t, "red", fromA["b"]["color"])
}

func TestMemoryBackend_ReadsReturnCopies(t *testing.T) {
	b := NewMemoryBackend(true)
	defer b.Close()

	_, err := b.AddNode("a", Metadata{"k": "v"})
	require.NoError(t, err)

	meta, err := b.GetNode("a")
	require.NoError(t, err)
	meta["k"] = "mutated"

	fresh, err := b.GetNode("a")
	require.NoError(t, err)
	require.Equal(t, "v", fresh["k"])
}

func TestMemoryBackend_IterationSnapshotSurvivesWrites(t *testing.T) {
	b := NewMemoryBackend(true)
	defer b.Close()

	for _, id := range []NodeID{"a", "b", "c"} {
		_, err := b.AddNode(id, nil)
		require.NoError(t, err)
	}

	// Mutating mid-iteration must not affect the running scan.
	count := 0
	err := b.EachNode(context.Background(), false, func(id NodeID, _ Metadata) error {
		count++
		_, err := b.AddNode(NodeID("new-"+string(id)), nil)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, 3, count)

	n, err := b.NodeCount()
	require.NoError(t, err)
	require.EqualValues(t, 6, n)
}

func TestMemoryBackend_RemoveNodeDetachesUndirectedEdges(t *testing.T) {
	b := NewMemoryBackend(false)
	defer b.Close()

	_, err := b.AddEdge("hub", "x", nil)
	require.NoError(t, err)
	_, err = b.AddEdge("y", "hub", nil)
	require.NoError(t, err)
	_, err = b.AddEdge("hub", "hub", nil)
	require.NoError(t, err)

	require.NoError(t, b.RemoveNode("hub"))

	n, err := b.EdgeCount()
	require.NoError(t, err)
	require.EqualValues(t, 0, n)

	neighbors, err := b.Neighbors("x")
	require.NoError(t, err)
	require.Empty(t, neighbors)
}

func TestMemoryBackend_ClosedOperationsFail(t *testing.T) {
	b := NewMemoryBackend(true)
	_, err := b.AddNode("a", nil)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	_, err = b.AddNode("b", nil)
	require.ErrorIs(t, err, ErrClosed)
	_, err = b.GetNode("a")
	require.ErrorIs(t, err, ErrClosed)
	err = b.EachNode(context.Background(), false, func(NodeID, Metadata) error { return nil })
	require.ErrorIs(t, err, ErrClosed)
}

func TestMemoryBackend_DegreeProvider(t *testing.T) {
	b := NewMemoryBackend(true)
	defer b.Close()

	_, err := b.AddEdge("a", "b", nil)
	require.NoError(t, err)
	_, err = b.AddEdge("c", "a", nil)
	require.NoError(t, err)

	out, err := b.OutDegree("a")
	require.NoError(t, err)
	require.Equal(t, 1, out)

	in, err := b.InDegree("a")
	require.NoError(t, err)
	require.Equal(t, 1, in)

	_, err = b.Degree("ghost")
	require.ErrorIs(t, err, ErrNotFound)
}
