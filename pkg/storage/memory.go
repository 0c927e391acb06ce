package storage

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBackend is the reference in-memory implementation of the Backend
// contract and the ground truth for the conformance suite run against every
// other backend.
//
// The graph is held as adjacency maps keyed by NodeID. Each edge owns a
// single metadata map; for undirected graphs both endpoints' adjacency
// entries point at that one map and are updated under one lock, so neighbor
// queries from either side are always consistent (both-or-neither). Every
// other backend must reproduce this invariant through whatever
// storage-native mechanism it uses.
//
// Performance:
//   - Node and edge lookup: O(1)
//   - Neighbor queries: O(degree)
//   - Degree queries: O(1) (implements DegreeProvider)
//
// All methods are safe for concurrent use; reads take a shared lock and
// writes an exclusive one.
//
// Example:
//
//	b := storage.NewMemoryBackend(true) // directed
//	defer b.Close()
//
//	b.AddEdge("a", "b", storage.Metadata{"w": 1})
//	out, _ := storage.OutDegree(b, "a") // 1
//	in, _ := storage.InDegree(b, "a")   // 0
type MemoryBackend struct {
	mu       sync.RWMutex
	directed bool

	nodes map[NodeID]Metadata

	// adj maps a node to its successors (directed) or to every incident
	// node (undirected). Undirected entries adj[u][v] and adj[v][u] share
	// one metadata map.
	adj map[NodeID]map[NodeID]Metadata

	// pred maps a node to its predecessors. Directed graphs only; the
	// entry shares its metadata map with the matching adj entry.
	pred map[NodeID]map[NodeID]Metadata

	edgeCount int64
	closed    bool
}

// NewMemoryBackend creates an empty in-memory graph. The directedness is
// fixed for the lifetime of the backend.
func NewMemoryBackend(directed bool) *MemoryBackend {
	return &MemoryBackend{
		directed: directed,
		nodes:    make(map[NodeID]Metadata),
		adj:      make(map[NodeID]map[NodeID]Metadata),
		pred:     make(map[NodeID]map[NodeID]Metadata),
	}
}

// IsDirected reports whether the graph is directed.
func (m *MemoryBackend) IsDirected() bool {
	return m.directed
}

// AddNode upserts a node, merging meta into any existing metadata.
func (m *MemoryBackend) AddNode(id NodeID, meta Metadata) (NodeID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", ErrClosed
	}

	m.upsertNodeLocked(id, meta)
	return id, nil
}

// upsertNodeLocked inserts or merges a node. Caller holds the write lock.
func (m *MemoryBackend) upsertNodeLocked(id NodeID, meta Metadata) {
	existing, ok := m.nodes[id]
	if !ok {
		m.nodes[id] = Metadata{}.Merge(meta)
		m.adj[id] = make(map[NodeID]Metadata)
		if m.directed {
			m.pred[id] = make(map[NodeID]Metadata)
		}
		return
	}
	m.nodes[id] = existing.Merge(meta)
}

// HasNode reports whether the node exists.
func (m *MemoryBackend) HasNode(id NodeID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return false, ErrClosed
	}

	_, ok := m.nodes[id]
	return ok, nil
}

// GetNode returns a copy of the node's metadata, or ErrNotFound.
func (m *MemoryBackend) GetNode(id NodeID) (Metadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	meta, ok := m.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %q: %w", id, ErrNotFound)
	}
	return meta.Clone(), nil
}

// EachNode visits every node in arbitrary order. The node set is snapshotted
// up front, so the iteration is restartable and unaffected by writes made
// during it.
func (m *MemoryBackend) EachNode(ctx context.Context, includeMeta bool, fn NodeVisitor) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	type entry struct {
		id   NodeID
		meta Metadata
	}
	snapshot := make([]entry, 0, len(m.nodes))
	for id, meta := range m.nodes {
		e := entry{id: id}
		if includeMeta {
			e.meta = meta.Clone()
		}
		snapshot = append(snapshot, e)
	}
	m.mu.RUnlock()

	for _, e := range snapshot {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := fn(e.id, e.meta); err != nil {
			return err
		}
	}
	return nil
}

// NodeCount returns the number of nodes.
func (m *MemoryBackend) NodeCount() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrClosed
	}
	return int64(len(m.nodes)), nil
}

// AddEdge upserts the edge (u, v), auto-creating missing endpoints with
// empty metadata. For undirected graphs both adjacency entries are updated
// under the same lock acquisition.
func (m *MemoryBackend) AddEdge(u, v NodeID, meta Metadata) (EdgeID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", ErrClosed
	}

	m.upsertNodeLocked(u, nil)
	m.upsertNodeLocked(v, nil)

	if existing, ok := m.adj[u][v]; ok {
		// Undirected entries share the map, so merging once updates
		// both orientations.
		existing.Merge(meta)
		return EdgeKey(u, v), nil
	}

	stored := Metadata{}.Merge(meta)
	m.adj[u][v] = stored
	if m.directed {
		m.pred[v][u] = stored
	} else {
		m.adj[v][u] = stored
	}
	m.edgeCount++
	return EdgeKey(u, v), nil
}

// HasEdge reports whether the edge exists, under either ordering for
// undirected graphs.
func (m *MemoryBackend) HasEdge(u, v NodeID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return false, ErrClosed
	}

	_, ok := m.adj[u][v]
	return ok, nil
}

// GetEdge returns a copy of the edge's metadata, or ErrNotFound.
func (m *MemoryBackend) GetEdge(u, v NodeID) (Metadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	meta, ok := m.adj[u][v]
	if !ok {
		return nil, fmt.Errorf("edge %s: %w", EdgeKey(u, v), ErrNotFound)
	}
	return meta.Clone(), nil
}

// EachEdge visits every edge once, in arbitrary order. Undirected edges are
// stored under both orientations; only the canonical one is emitted.
func (m *MemoryBackend) EachEdge(ctx context.Context, includeMeta bool, fn EdgeVisitor) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	type entry struct {
		u, v NodeID
		meta Metadata
	}
	snapshot := make([]entry, 0, m.edgeCount)
	for u, targets := range m.adj {
		for v, meta := range targets {
			if !m.directed && u > v {
				continue // mirrored orientation
			}
			e := entry{u: u, v: v}
			if includeMeta {
				e.meta = meta.Clone()
			}
			snapshot = append(snapshot, e)
		}
	}
	m.mu.RUnlock()

	for _, e := range snapshot {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := fn(e.u, e.v, e.meta); err != nil {
			return err
		}
	}
	return nil
}

// EdgeCount returns the number of edges.
func (m *MemoryBackend) EdgeCount() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrClosed
	}
	return m.edgeCount, nil
}

// Neighbors returns the downstream nodes of u.
func (m *MemoryBackend) Neighbors(u NodeID) ([]NodeID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.adjacentLocked(u, m.adj)
}

// NeighborEdges returns u's neighbors mapped to copies of the connecting
// edge metadata.
func (m *MemoryBackend) NeighborEdges(u NodeID) (map[NodeID]Metadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.adjacentEdgesLocked(u, m.adj)
}

// Predecessors returns the upstream nodes of u. Equal to Neighbors for
// undirected graphs.
func (m *MemoryBackend) Predecessors(u NodeID) ([]NodeID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.directed {
		return m.adjacentLocked(u, m.pred)
	}
	return m.adjacentLocked(u, m.adj)
}

// PredecessorEdges returns u's predecessors mapped to edge metadata.
func (m *MemoryBackend) PredecessorEdges(u NodeID) (map[NodeID]Metadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.directed {
		return m.adjacentEdgesLocked(u, m.pred)
	}
	return m.adjacentEdgesLocked(u, m.adj)
}

func (m *MemoryBackend) adjacentLocked(u NodeID, index map[NodeID]map[NodeID]Metadata) ([]NodeID, error) {
	if m.closed {
		return nil, ErrClosed
	}
	if _, ok := m.nodes[u]; !ok {
		return nil, fmt.Errorf("node %q: %w", u, ErrNotFound)
	}
	out := make([]NodeID, 0, len(index[u]))
	for v := range index[u] {
		out = append(out, v)
	}
	return out, nil
}

func (m *MemoryBackend) adjacentEdgesLocked(u NodeID, index map[NodeID]map[NodeID]Metadata) (map[NodeID]Metadata, error) {
	if m.closed {
		return nil, ErrClosed
	}
	if _, ok := m.nodes[u]; !ok {
		return nil, fmt.Errorf("node %q: %w", u, ErrNotFound)
	}
	out := make(map[NodeID]Metadata, len(index[u]))
	for v, meta := range index[u] {
		out[v] = meta.Clone()
	}
	return out, nil
}

// Degree returns the number of neighbors of u in O(1).
func (m *MemoryBackend) Degree(u NodeID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.degreeLocked(u, m.adj)
}

// InDegree returns the number of predecessors of u in O(1).
func (m *MemoryBackend) InDegree(u NodeID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.directed {
		return m.degreeLocked(u, m.pred)
	}
	return m.degreeLocked(u, m.adj)
}

// OutDegree returns the number of successors of u in O(1).
func (m *MemoryBackend) OutDegree(u NodeID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.degreeLocked(u, m.adj)
}

func (m *MemoryBackend) degreeLocked(u NodeID, index map[NodeID]map[NodeID]Metadata) (int, error) {
	if m.closed {
		return 0, ErrClosed
	}
	if _, ok := m.nodes[u]; !ok {
		return 0, fmt.Errorf("node %q: %w", u, ErrNotFound)
	}
	return len(index[u]), nil
}

// RemoveNode removes a node and all its incident edges.
func (m *MemoryBackend) RemoveNode(id NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if _, ok := m.nodes[id]; !ok {
		return fmt.Errorf("node %q: %w", id, ErrNotFound)
	}

	for v := range m.adj[id] {
		m.detachLocked(id, v)
	}
	if m.directed {
		for u := range m.pred[id] {
			m.detachLocked(u, id)
		}
	}

	delete(m.nodes, id)
	delete(m.adj, id)
	delete(m.pred, id)
	return nil
}

// RemoveEdge removes the edge (u, v), under either ordering for undirected
// graphs.
func (m *MemoryBackend) RemoveEdge(u, v NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if _, ok := m.adj[u][v]; !ok {
		return fmt.Errorf("edge %s: %w", EdgeKey(u, v), ErrNotFound)
	}

	m.detachLocked(u, v)
	return nil
}

// detachLocked removes the edge stored at adj[u][v] from every index and
// decrements the edge count. Caller holds the write lock.
func (m *MemoryBackend) detachLocked(u, v NodeID) {
	delete(m.adj[u], v)
	if m.directed {
		delete(m.pred[v], u)
	} else {
		delete(m.adj[v], u)
	}
	m.edgeCount--
}

// Close releases all memory held by the backend. Idempotent; subsequent
// operations return ErrClosed.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.nodes = nil
	m.adj = nil
	m.pred = nil
	return nil
}

var (
	_ Backend        = (*MemoryBackend)(nil)
	_ DegreeProvider = (*MemoryBackend)(nil)
	_ NodeRemover    = (*MemoryBackend)(nil)
	_ EdgeRemover    = (*MemoryBackend)(nil)
)
