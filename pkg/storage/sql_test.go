package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestSQLBackend(t *testing.T, directed bool) Backend {
	t.Helper()
	b, err := NewSQLBackend(directed, SQLOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestSQLBackend_Conformance(t *testing.T) {
	runBackendConformance(t, newTestSQLBackend)
}

func TestSQLBackend_PersistsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.db")

	b, err := NewSQLBackend(true, SQLOptions{Path: path})
	require.NoError(t, err)
	_, err = b.AddEdge("a", "b", Metadata{"w": "1"})
	require.NoError(t, err)
	require.NoError(t, b.Close())

	// Reopening sees the same graph.
	b, err = NewSQLBackend(true, SQLOptions{Path: path})
	require.NoError(t, err)
	defer b.Close()

	meta, err := b.GetEdge("a", "b")
	require.NoError(t, err)
	require.Equal(t, "1", meta["w"])

	n, err := b.NodeCount()
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestSQLBackend_CustomTableNames(t *testing.T) {
	b, err := NewSQLBackend(false, SQLOptions{
		NodeTable: "my_nodes",
		EdgeTable: "my_edges",
	})
	require.NoError(t, err)
	defer b.Close()

	_, err = b.AddEdge("a", "b", nil)
	require.NoError(t, err)

	ok, err := b.HasEdge("b", "a")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSQLBackend_RejectsBadTableName(t *testing.T) {
	_, err := NewSQLBackend(true, SQLOptions{NodeTable: "nodes; DROP TABLE users"})
	require.Error(t, err)
}

// The stored row keeps whichever orientation was inserted first; reverse
// upserts must not create a second row.
func TestSQLBackend_UndirectedSingleRow(t *testing.T) {
	b, err := NewSQLBackend(false, SQLOptions{})
	require.NoError(t, err)
	defer b.Close()

	_, err = b.AddEdge("a", "b", Metadata{"w": "1"})
	require.NoError(t, err)
	id, err := b.AddEdge("b", "a", Metadata{"w": "2"})
	require.NoError(t, err)
	require.Equal(t, EdgeKey("a", "b"), id)

	n, err := b.EdgeCount()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestSQLBackend_TeardownDropsTables(t *testing.T) {
	b, err := NewSQLBackend(true, SQLOptions{})
	require.NoError(t, err)
	defer b.Close()

	_, err = b.AddNode("a", nil)
	require.NoError(t, err)
	require.NoError(t, b.Teardown())

	_, err = b.NodeCount()
	require.ErrorIs(t, err, ErrUnavailable)
}
