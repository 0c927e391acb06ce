package storage

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

// backendFactory builds a fresh, empty backend for one subtest. Cleanup is
// registered on t by the factory.
type backendFactory func(t *testing.T, directed bool) Backend

// runBackendConformance exercises the semantics every backend must share.
// Each concrete backend's test file runs it against its own factory.
func runBackendConformance(t *testing.T, newBackend backendFactory) {
	t.Run("DirectednessFlag", func(t *testing.T) {
		require.True(t, newBackend(t, true).IsDirected())
		require.False(t, newBackend(t, false).IsDirected())
	})

	t.Run("NodeUpsertMerge", func(t *testing.T) {
		b := newBackend(t, true)

		id, err := b.AddNode("a", Metadata{"k": "v", "keep": "old"})
		require.NoError(t, err)
		require.Equal(t, NodeID("a"), id)

		// Re-adding merges keys instead of replacing the map.
		_, err = b.AddNode("a", Metadata{"k": "v2"})
		require.NoError(t, err)

		meta, err := b.GetNode("a")
		require.NoError(t, err)
		require.Equal(t, "v2", meta["k"])
		require.Equal(t, "old", meta["keep"])

		ok, err := b.HasNode("a")
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("NodeNotFound", func(t *testing.T) {
		b := newBackend(t, true)

		_, err := b.GetNode("ghost")
		require.ErrorIs(t, err, ErrNotFound)

		ok, err := b.HasNode("ghost")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("EdgeAutoCreatesEndpoints", func(t *testing.T) {
		b := newBackend(t, true)

		_, err := b.AddEdge("u", "v", Metadata{"w": "1"})
		require.NoError(t, err)

		for _, id := range []NodeID{"u", "v"} {
			ok, err := b.HasNode(id)
			require.NoError(t, err)
			require.True(t, ok, "endpoint %s should be auto-created", id)
		}

		n, err := b.NodeCount()
		require.NoError(t, err)
		require.EqualValues(t, 2, n)
	})

	t.Run("EdgeUpsertMerge", func(t *testing.T) {
		b := newBackend(t, true)

		_, err := b.AddEdge("u", "v", Metadata{"w": "1", "keep": "old"})
		require.NoError(t, err)
		_, err = b.AddEdge("u", "v", Metadata{"w": "2"})
		require.NoError(t, err)

		meta, err := b.GetEdge("u", "v")
		require.NoError(t, err)
		require.Equal(t, "2", meta["w"])
		require.Equal(t, "old", meta["keep"])

		n, err := b.EdgeCount()
		require.NoError(t, err)
		require.EqualValues(t, 1, n)
	})

	t.Run("EdgeNotFound", func(t *testing.T) {
		b := newBackend(t, true)

		_, err := b.AddNode("u", nil)
		require.NoError(t, err)

		_, err = b.GetEdge("u", "ghost")
		require.ErrorIs(t, err, ErrNotFound)

		ok, err := b.HasEdge("u", "ghost")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("UndirectedSymmetry", func(t *testing.T) {
		b := newBackend(t, false)

		_, err := b.AddEdge("a", "b", Metadata{"w": "1"})
		require.NoError(t, err)

		// (a, b) and (b, a) are the same edge.
		for _, pair := range [][2]NodeID{{"a", "b"}, {"b", "a"}} {
			ok, err := b.HasEdge(pair[0], pair[1])
			require.NoError(t, err)
			require.True(t, ok)

			meta, err := b.GetEdge(pair[0], pair[1])
			require.NoError(t, err)
			require.Equal(t, "1", meta["w"])
		}

		// Upserting the reverse orientation updates the same record.
		_, err = b.AddEdge("b", "a", Metadata{"w": "2"})
		require.NoError(t, err)

		meta, err := b.GetEdge("a", "b")
		require.NoError(t, err)
		require.Equal(t, "2", meta["w"])

		n, err := b.EdgeCount()
		require.NoError(t, err)
		require.EqualValues(t, 1, n)

		// Both endpoints see each other; predecessors equal neighbors.
		requireNeighborIDs(t, b, "a", []NodeID{"b"})
		requireNeighborIDs(t, b, "b", []NodeID{"a"})

		pred, err := b.Predecessors("a")
		require.NoError(t, err)
		require.Equal(t, []NodeID{"b"}, sortedIDs(pred))
	})

	t.Run("DirectedAdjacency", func(t *testing.T) {
		b := newBackend(t, true)

		_, err := b.AddEdge("a", "b", Metadata{"w": "1"})
		require.NoError(t, err)

		// Direction matters: only (a, b) exists.
		ok, err := b.HasEdge("b", "a")
		require.NoError(t, err)
		require.False(t, ok)

		requireNeighborIDs(t, b, "a", []NodeID{"b"})
		requireNeighborIDs(t, b, "b", nil)

		pred, err := b.Predecessors("b")
		require.NoError(t, err)
		require.Equal(t, []NodeID{"a"}, sortedIDs(pred))

		pred, err = b.Predecessors("a")
		require.NoError(t, err)
		require.Empty(t, pred)

		edges, err := b.PredecessorEdges("b")
		require.NoError(t, err)
		require.Len(t, edges, 1)
		require.Equal(t, "1", edges["a"]["w"])
	})

	t.Run("AdjacencyOfMissingNode", func(t *testing.T) {
		b := newBackend(t, true)

		_, err := b.Neighbors("ghost")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = b.NeighborEdges("ghost")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = b.Predecessors("ghost")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = b.PredecessorEdges("ghost")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("IterationAndCounts", func(t *testing.T) {
		b := newBackend(t, true)
		ctx := context.Background()

		_, err := b.AddNode("isolated", Metadata{"kind": "lonely"})
		require.NoError(t, err)
		_, err = b.AddEdge("a", "b", Metadata{"w": "1"})
		require.NoError(t, err)
		_, err = b.AddEdge("b", "c", Metadata{"w": "2"})
		require.NoError(t, err)

		var ids []NodeID
		err = b.EachNode(ctx, false, func(id NodeID, meta Metadata) error {
			require.Nil(t, meta)
			ids = append(ids, id)
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, []NodeID{"a", "b", "c", "isolated"}, sortedIDs(ids))

		metas := map[NodeID]Metadata{}
		err = b.EachNode(ctx, true, func(id NodeID, meta Metadata) error {
			metas[id] = meta
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, "lonely", metas["isolated"]["kind"])

		weights := map[EdgeID]string{}
		err = b.EachEdge(ctx, true, func(u, v NodeID, meta Metadata) error {
			weights[EdgeKey(u, v)] = meta["w"].(string)
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, map[EdgeID]string{
			EdgeKey("a", "b"): "1",
			EdgeKey("b", "c"): "2",
		}, weights)

		n, err := b.NodeCount()
		require.NoError(t, err)
		require.EqualValues(t, 4, n)
		n, err = b.EdgeCount()
		require.NoError(t, err)
		require.EqualValues(t, 2, n)

		// The scan is restartable and a visitor error stops it.
		sentinel := errors.New("stop")
		err = b.EachNode(ctx, false, func(NodeID, Metadata) error { return sentinel })
		require.ErrorIs(t, err, sentinel)

		count := 0
		err = b.EachNode(ctx, false, func(NodeID, Metadata) error {
			count++
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 4, count)
	})

	t.Run("SelfLoop", func(t *testing.T) {
		for _, directed := range []bool{true, false} {
			b := newBackend(t, directed)

			_, err := b.AddEdge("x", "x", Metadata{"w": "loop"})
			require.NoError(t, err)

			ok, err := b.HasEdge("x", "x")
			require.NoError(t, err)
			require.True(t, ok)

			n, err := b.EdgeCount()
			require.NoError(t, err)
			require.EqualValues(t, 1, n)

			requireNeighborIDs(t, b, "x", []NodeID{"x"})
		}
	})

	t.Run("DegreeHelpers", func(t *testing.T) {
		b := newBackend(t, true)

		_, err := b.AddEdge("a", "b", nil)
		require.NoError(t, err)
		_, err = b.AddEdge("a", "c", nil)
		require.NoError(t, err)
		_, err = b.AddEdge("c", "a", nil)
		require.NoError(t, err)

		out, err := OutDegree(b, "a")
		require.NoError(t, err)
		require.EqualValues(t, 2, out)

		in, err := InDegree(b, "a")
		require.NoError(t, err)
		require.EqualValues(t, 1, in)

		deg, err := Degree(b, "a")
		require.NoError(t, err)
		require.EqualValues(t, 2, deg)

		degrees, err := OutDegrees(context.Background(), b, nil)
		require.NoError(t, err)
		require.EqualValues(t, 2, degrees["a"])
		require.EqualValues(t, 0, degrees["b"])
		require.EqualValues(t, 1, degrees["c"])

		_, err = Degree(b, "ghost")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("DegreeConsistencyUndirected", func(t *testing.T) {
		b := newBackend(t, false)

		_, err := b.AddEdge("a", "b", nil)
		require.NoError(t, err)
		_, err = b.AddEdge("a", "c", nil)
		require.NoError(t, err)
		_, err = b.AddEdge("a", "a", nil)
		require.NoError(t, err)

		// Without direction the three degree notions collapse into one,
		// for hub, leaf, and self-loop alike.
		for id, want := range map[NodeID]int{"a": 3, "b": 1, "c": 1} {
			deg, err := Degree(b, id)
			require.NoError(t, err)
			require.Equal(t, want, deg, "node %s", id)

			in, err := InDegree(b, id)
			require.NoError(t, err)
			require.Equal(t, deg, in, "node %s", id)

			out, err := OutDegree(b, id)
			require.NoError(t, err)
			require.Equal(t, deg, out, "node %s", id)
		}

		ctx := context.Background()
		degrees, err := Degrees(ctx, b, nil)
		require.NoError(t, err)
		ins, err := InDegrees(ctx, b, nil)
		require.NoError(t, err)
		outs, err := OutDegrees(ctx, b, nil)
		require.NoError(t, err)
		require.Equal(t, degrees, ins)
		require.Equal(t, degrees, outs)
	})

	t.Run("Removal", func(t *testing.T) {
		b := newBackend(t, true)
		if _, ok := b.(NodeRemover); !ok {
			require.ErrorIs(t, RemoveNode(b, "a"), ErrUnsupported)
			require.ErrorIs(t, RemoveEdge(b, "a", "b"), ErrUnsupported)
			t.Skip("backend does not support removal")
		}

		_, err := b.AddEdge("a", "b", nil)
		require.NoError(t, err)
		_, err = b.AddEdge("b", "c", nil)
		require.NoError(t, err)

		require.NoError(t, RemoveEdge(b, "a", "b"))
		ok, err := b.HasEdge("a", "b")
		require.NoError(t, err)
		require.False(t, ok)

		// Removing a node detaches its remaining edges.
		require.NoError(t, RemoveNode(b, "b"))
		ok, err = b.HasNode("b")
		require.NoError(t, err)
		require.False(t, ok)

		n, err := b.EdgeCount()
		require.NoError(t, err)
		require.EqualValues(t, 0, n)

		require.ErrorIs(t, RemoveNode(b, "ghost"), ErrNotFound)
		require.ErrorIs(t, RemoveEdge(b, "a", "ghost"), ErrNotFound)
	})

	t.Run("Teardown", func(t *testing.T) {
		b := newBackend(t, true)
		if _, ok := b.(Teardowner); !ok {
			require.ErrorIs(t, Teardown(b), ErrUnsupported)
			t.Skip("backend does not support teardown")
		}

		_, err := b.AddEdge("a", "b", nil)
		require.NoError(t, err)

		require.NoError(t, Teardown(b))
	})
}

func requireNeighborIDs(t *testing.T, b Backend, u NodeID, want []NodeID) {
	t.Helper()
	got, err := b.Neighbors(u)
	require.NoError(t, err)
	require.Equal(t, sortedIDs(want), sortedIDs(got))

	edges, err := b.NeighborEdges(u)
	require.NoError(t, err)
	require.Len(t, edges, len(want))
}

func sortedIDs(ids []NodeID) []NodeID {
	if len(ids) == 0 {
		return nil
	}
	out := make([]NodeID, len(ids))
	copy(out, ids)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
