// Package polygraph ties a storage backend and its lazy views together
// behind a single graph handle.
package polygraph

import (
	"context"
	"io"

	"github.com/orneryd/polygraph/pkg/storage"
	"github.com/orneryd/polygraph/pkg/view"
)

// Graph owns a storage backend for its lifetime and exposes lazy views over
// it. All graph semantics (directedness, upserts, undirected symmetry) live
// in the backend; Graph adds no behavior of its own.
type Graph struct {
	backend storage.Backend
}

// New wraps an explicit backend. The graph owns the backend from here on;
// Close releases it.
func New(backend storage.Backend) *Graph {
	return &Graph{backend: backend}
}

// NewInMemory builds a graph on the reference in-memory backend.
func NewInMemory(directed bool) *Graph {
	return New(storage.NewMemoryBackend(directed))
}

// Backend returns the owned backend for direct access.
func (g *Graph) Backend() storage.Backend {
	return g.backend
}

// IsDirected reports whether the graph is directed.
func (g *Graph) IsDirected() bool {
	return g.backend.IsDirected()
}

// Nodes returns the lazy node view.
func (g *Graph) Nodes() *view.NodeView {
	return view.Nodes(g.backend)
}

// Adj returns the lazy downstream adjacency view.
func (g *Graph) Adj() *view.AdjacencyView {
	return view.Adjacency(g.backend, view.Successors)
}

// Pred returns the lazy upstream adjacency view. On undirected graphs it is
// equivalent to Adj.
func (g *Graph) Pred() *view.AdjacencyView {
	return view.Adjacency(g.backend, view.Predecessors)
}

// AddNode upserts a node.
func (g *Graph) AddNode(id storage.NodeID, meta storage.Metadata) (storage.NodeID, error) {
	return g.backend.AddNode(id, meta)
}

// AddEdge upserts an edge, auto-creating missing endpoints.
func (g *Graph) AddEdge(u, v storage.NodeID, meta storage.Metadata) (storage.EdgeID, error) {
	return g.backend.AddEdge(u, v, meta)
}

// GetNode returns a node's metadata, or storage.ErrNotFound.
func (g *Graph) GetNode(id storage.NodeID) (storage.Metadata, error) {
	return g.backend.GetNode(id)
}

// GetEdge returns an edge's metadata, or storage.ErrNotFound.
func (g *Graph) GetEdge(u, v storage.NodeID) (storage.Metadata, error) {
	return g.backend.GetEdge(u, v)
}

// HasNode reports whether a node exists.
func (g *Graph) HasNode(id storage.NodeID) (bool, error) {
	return g.backend.HasNode(id)
}

// HasEdge reports whether an edge exists.
func (g *Graph) HasEdge(u, v storage.NodeID) (bool, error) {
	return g.backend.HasEdge(u, v)
}

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() (int64, error) {
	return g.backend.NodeCount()
}

// EdgeCount returns the number of edges.
func (g *Graph) EdgeCount() (int64, error) {
	return g.backend.EdgeCount()
}

// Degree returns a node's degree; see storage.Degree.
func (g *Graph) Degree(id storage.NodeID) (int, error) {
	return storage.Degree(g.backend, id)
}

// IngestEdgeListCSV bulk-loads the graph from a CSV edge list.
func (g *Graph) IngestEdgeListCSV(ctx context.Context, r io.Reader, opts storage.EdgeListOptions) (storage.IngestStats, error) {
	return storage.IngestEdgeListCSV(ctx, g.backend, r, opts)
}

// Close releases the owned backend.
func (g *Graph) Close() error {
	return g.backend.Close()
}
