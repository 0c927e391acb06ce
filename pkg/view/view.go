// Package view provides lazy, dict-like access to a backend's nodes and
// adjacency structure.
//
// Views hold no graph state. Every access is delegated to the backend at
// call time, so a view is always as fresh (and as slow) as the backend
// behind it; wrap the backend in a cache.CachedBackend when that matters.
package view

import (
	"context"

	"github.com/orneryd/polygraph/pkg/storage"
)

// NodeView is a lazy mapping of node IDs to their metadata.
type NodeView struct {
	backend storage.Backend
}

// Nodes returns a node view over backend.
func Nodes(backend storage.Backend) *NodeView {
	return &NodeView{backend: backend}
}

// Get returns the metadata of one node, or storage.ErrNotFound.
func (v *NodeView) Get(id storage.NodeID) (storage.Metadata, error) {
	return v.backend.GetNode(id)
}

// Has reports whether the node exists.
func (v *NodeView) Has(id storage.NodeID) (bool, error) {
	return v.backend.HasNode(id)
}

// Len returns the number of nodes.
func (v *NodeView) Len() (int64, error) {
	return v.backend.NodeCount()
}

// Each visits every node ID without metadata.
func (v *NodeView) Each(ctx context.Context, fn func(id storage.NodeID) error) error {
	return v.backend.EachNode(ctx, false, func(id storage.NodeID, _ storage.Metadata) error {
		return fn(id)
	})
}

// Materialize loads the whole node set with metadata into a map. This is
// the only view operation that pulls the full graph; everything else stays
// lazy.
func (v *NodeView) Materialize(ctx context.Context) (map[storage.NodeID]storage.Metadata, error) {
	out := make(map[storage.NodeID]storage.Metadata)
	err := v.backend.EachNode(ctx, true, func(id storage.NodeID, meta storage.Metadata) error {
		out[id] = meta
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Direction selects which adjacency an AdjacencyView reads.
type Direction int

const (
	// Successors reads downstream adjacency (Neighbors).
	Successors Direction = iota
	// Predecessors reads upstream adjacency. Equal to Successors on
	// undirected graphs.
	Predecessors
)

// AdjacencyView is a lazy mapping of node IDs to their adjacency maps.
// Each Get is one independent backend call; results are never retained.
type AdjacencyView struct {
	backend   storage.Backend
	direction Direction
}

// Adjacency returns an adjacency view over backend in the given direction.
func Adjacency(backend storage.Backend, direction Direction) *AdjacencyView {
	return &AdjacencyView{backend: backend, direction: direction}
}

// Get returns u's adjacency as a map of neighbor ID to edge metadata, or
// storage.ErrNotFound when u does not exist.
func (v *AdjacencyView) Get(u storage.NodeID) (map[storage.NodeID]storage.Metadata, error) {
	if v.direction == Predecessors {
		return v.backend.PredecessorEdges(u)
	}
	return v.backend.NeighborEdges(u)
}

// Len returns the number of nodes, matching the mapping's key set.
func (v *AdjacencyView) Len() (int64, error) {
	return v.backend.NodeCount()
}

// Each visits every key of the view, one node ID at a time. Adjacency maps
// are not fetched; call Get inside fn if they are needed.
func (v *AdjacencyView) Each(ctx context.Context, fn func(id storage.NodeID) error) error {
	return v.backend.EachNode(ctx, false, func(id storage.NodeID, _ storage.Metadata) error {
		return fn(id)
	})
}
