// Package storage defines the backend contract for polygraph graphs and
// provides the storage engine implementations.
//
// A Backend persists a single logical graph (nodes, edges, metadata) in some
// storage engine. All backends expose identical graph semantics regardless of
// the engine underneath: directed/undirected symmetry, metadata upsert on
// re-insertion, and endpoint auto-creation on edge insertion. Client-facing
// query layers are written once against the Backend interface and work
// unchanged against every engine.
//
// Design principles:
//   - Engine-independent semantics, verified by a shared conformance suite
//   - Capability-set interface: peers implement the same contract, optional
//     capabilities (removal, native degree counts, teardown) are separate
//     interfaces discovered by type assertion
//   - Explicit errors: sentinel error kinds checked with errors.Is
//
// Implementations:
//   - MemoryBackend: in-memory adjacency maps, the reference implementation
//   - SQLBackend: relational storage on SQLite
//   - BadgerBackend: embedded key-value storage on BadgerDB
//   - RedisBackend: remote key-value storage on Redis
//
// Example usage:
//
//	backend := storage.NewMemoryBackend(false) // undirected
//	defer backend.Close()
//
//	backend.AddNode("alice", storage.Metadata{"age": 30})
//	backend.AddEdge("alice", "bob", storage.Metadata{"since": 2019})
//
//	// Undirected edges resolve under either ordering.
//	meta, _ := backend.GetEdge("bob", "alice")
//	fmt.Println(meta["since"]) // 2019
package storage

import (
	"context"
	"errors"
	"fmt"
)

// Common errors returned by backends. Wrapped errors are checked with
// errors.Is.
var (
	// ErrNotFound is returned by lookups on nodes or edges that do not
	// exist. Always recoverable by the caller.
	ErrNotFound = errors.New("not found")

	// ErrUnsupported is returned when a backend structurally cannot
	// implement a contract operation (for example, removal on an
	// append-only engine). Backends return it rather than producing
	// incorrect or partial data.
	ErrUnsupported = errors.New("operation not supported by this backend")

	// ErrUnavailable is returned when the underlying storage engine is
	// unreachable or failed. The storage layer never retries; the error
	// propagates to the caller.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrClosed is returned by operations on a backend after Close.
	ErrClosed = errors.New("backend closed")
)

// NodeID is a strongly-typed unique identifier for graph nodes.
//
// Using a custom type keeps node and edge identifiers from being mixed up
// and leaves room for future methods.
//
// Backends compose node IDs into edge keys: EdgeKey joins them with "__"
// and the key-value engines join them with a NUL byte. IDs containing
// either sequence produce ambiguous edge keys and are not supported.
type NodeID string

// EdgeID is a strongly-typed identifier for graph edges, derived from the
// edge's endpoints. See EdgeKey.
type EdgeID string

// EdgeKey returns the canonical EdgeID for the ordered pair (u, v).
//
// Every backend stores an edge under the key of its inserted orientation;
// undirected backends resolve lookups under both EdgeKey(u, v) and
// EdgeKey(v, u). The separator is not escaped, so node IDs containing "__"
// make the key ambiguous (see NodeID).
func EdgeKey(u, v NodeID) EdgeID {
	return EdgeID(fmt.Sprintf("__%s__%s", u, v))
}

// Metadata is the string-keyed attribute map owned by a node or an edge.
// Values must be JSON-serializable for the persistent backends.
type Metadata map[string]any

// Merge copies every key of other into m, overwriting on collision, and
// returns m. If m is nil a new map is allocated. This is the upsert rule
// applied by every backend when a node or edge is re-added: new keys merge
// into the existing metadata rather than replacing it.
func (m Metadata) Merge(other Metadata) Metadata {
	if m == nil {
		m = make(Metadata, len(other))
	}
	for k, v := range other {
		m[k] = v
	}
	return m
}

// Clone returns a shallow copy of m. A nil map clones to an empty map so
// callers can mutate the result safely.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// NodeVisitor is called for each node during iteration. meta is nil when the
// iteration does not include metadata. Returning an error stops iteration
// and propagates to the caller.
type NodeVisitor func(id NodeID, meta Metadata) error

// EdgeVisitor is called for each edge during iteration. meta is nil when the
// iteration does not include metadata.
type EdgeVisitor func(u, v NodeID, meta Metadata) error

// Backend is the contract every storage engine implements.
//
// Semantics all implementations must honor:
//
//   - Directedness is fixed at construction and never changes.
//   - AddNode and AddEdge upsert: re-adding merges metadata keys into the
//     existing map (Metadata.Merge) instead of replacing it.
//   - AddEdge auto-creates missing endpoints with empty metadata. Writes
//     never fail because an endpoint is absent.
//   - In an undirected graph (u, v) and (v, u) are the same edge: HasEdge,
//     GetEdge, and upserts resolve under either ordering, and Predecessors
//     equals Neighbors.
//   - GetNode and GetEdge return ErrNotFound for absent keys.
//   - EachNode and EachEdge produce finite, restartable iterations in
//     arbitrary order without materializing the full graph where the engine
//     allows it. The visitor may stop early by returning an error.
//
// Backends assume at most one logical writer coordinating visibility;
// engines that additionally tolerate concurrent writers document it.
type Backend interface {
	// IsDirected reports whether the graph is directed. Fixed at
	// construction.
	IsDirected() bool

	// AddNode upserts a node and returns its ID.
	AddNode(id NodeID, meta Metadata) (NodeID, error)

	// HasNode reports whether the node exists.
	HasNode(id NodeID) (bool, error)

	// GetNode returns the node's metadata, or ErrNotFound.
	GetNode(id NodeID) (Metadata, error)

	// EachNode visits every node. Metadata is fetched only when
	// includeMeta is true.
	EachNode(ctx context.Context, includeMeta bool, fn NodeVisitor) error

	// NodeCount returns the number of nodes. Engines without a native
	// count may delegate to CountNodesByScan.
	NodeCount() (int64, error)

	// AddEdge upserts the edge (u, v), auto-creating missing endpoints,
	// and returns the ID of the stored edge.
	AddEdge(u, v NodeID, meta Metadata) (EdgeID, error)

	// HasEdge reports whether the edge exists. Undirected graphs check
	// both orderings.
	HasEdge(u, v NodeID) (bool, error)

	// GetEdge returns the edge's metadata, or ErrNotFound. Undirected
	// graphs check both orderings.
	GetEdge(u, v NodeID) (Metadata, error)

	// EachEdge visits every edge once (undirected edges are visited
	// under a single orientation).
	EachEdge(ctx context.Context, includeMeta bool, fn EdgeVisitor) error

	// EdgeCount returns the number of edges.
	EdgeCount() (int64, error)

	// Neighbors returns the downstream nodes of u: targets of outgoing
	// edges in a directed graph, all incident nodes otherwise.
	// Returns ErrNotFound if u does not exist.
	Neighbors(u NodeID) ([]NodeID, error)

	// NeighborEdges returns u's neighbors mapped to the metadata of the
	// connecting edge. Returns ErrNotFound if u does not exist.
	NeighborEdges(u NodeID) (map[NodeID]Metadata, error)

	// Predecessors returns the upstream nodes of u. For undirected
	// graphs this equals Neighbors.
	Predecessors(u NodeID) ([]NodeID, error)

	// PredecessorEdges returns u's predecessors mapped to edge metadata.
	PredecessorEdges(u NodeID) (map[NodeID]Metadata, error)

	// Close releases the storage resource owned by this backend. The
	// backend is unusable afterwards.
	Close() error
}

// Successors is an alias for Backend.Neighbors: the downstream nodes of u.
func Successors(b Backend, u NodeID) ([]NodeID, error) {
	return b.Neighbors(u)
}

// SuccessorEdges is an alias for Backend.NeighborEdges.
func SuccessorEdges(b Backend, u NodeID) (map[NodeID]Metadata, error) {
	return b.NeighborEdges(u)
}

// =============================================================================
// Optional capabilities
// =============================================================================

// DegreeProvider is implemented by backends with engine-native O(1) degree
// counts. The Degree, InDegree and OutDegree helpers use it when available
// and fall back to counting neighbors otherwise.
type DegreeProvider interface {
	Degree(u NodeID) (int, error)
	InDegree(u NodeID) (int, error)
	OutDegree(u NodeID) (int, error)
}

// NodeRemover is implemented by backends that support node removal.
// Removing a node removes its incident edges as well.
type NodeRemover interface {
	RemoveNode(id NodeID) error
}

// EdgeRemover is implemented by backends that support edge removal.
type EdgeRemover interface {
	RemoveEdge(u, v NodeID) error
}

// Teardowner is implemented by backends that provision storage (tables,
// keyspaces) and can drop it. Teardown destroys all graph data.
type Teardowner interface {
	Teardown() error
}

// RemoveNode removes a node and its incident edges, or returns
// ErrUnsupported if the backend has no removal capability.
func RemoveNode(b Backend, id NodeID) error {
	if r, ok := b.(NodeRemover); ok {
		return r.RemoveNode(id)
	}
	return fmt.Errorf("remove node: %w", ErrUnsupported)
}

// RemoveEdge removes an edge, or returns ErrUnsupported if the backend has
// no removal capability.
func RemoveEdge(b Backend, u, v NodeID) error {
	if r, ok := b.(EdgeRemover); ok {
		return r.RemoveEdge(u, v)
	}
	return fmt.Errorf("remove edge: %w", ErrUnsupported)
}

// Teardown drops the backend's provisioned storage, or returns
// ErrUnsupported when the backend does not own provisionable storage.
func Teardown(b Backend) error {
	if t, ok := b.(Teardowner); ok {
		return t.Teardown()
	}
	return fmt.Errorf("teardown: %w", ErrUnsupported)
}

// =============================================================================
// Degree helpers
// =============================================================================

// Degree returns the number of neighbors of u.
//
// For undirected graphs Degree, InDegree and OutDegree are all equal. Uses
// the backend's DegreeProvider when implemented, otherwise counts Neighbors.
func Degree(b Backend, u NodeID) (int, error) {
	if dp, ok := b.(DegreeProvider); ok {
		return dp.Degree(u)
	}
	ns, err := b.Neighbors(u)
	if err != nil {
		return 0, err
	}
	return len(ns), nil
}

// InDegree returns the number of predecessors of u.
func InDegree(b Backend, u NodeID) (int, error) {
	if dp, ok := b.(DegreeProvider); ok {
		return dp.InDegree(u)
	}
	ps, err := b.Predecessors(u)
	if err != nil {
		return 0, err
	}
	return len(ps), nil
}

// OutDegree returns the number of successors of u.
func OutDegree(b Backend, u NodeID) (int, error) {
	if dp, ok := b.(DegreeProvider); ok {
		return dp.OutDegree(u)
	}
	ss, err := Successors(b, u)
	if err != nil {
		return 0, err
	}
	return len(ss), nil
}

// Degrees computes Degree for each node in nbunch. A nil nbunch computes
// degrees over every node in the graph.
func Degrees(ctx context.Context, b Backend, nbunch []NodeID) (map[NodeID]int, error) {
	return degreeMap(ctx, b, nbunch, Degree)
}

// InDegrees computes InDegree for each node in nbunch (nil = all nodes).
func InDegrees(ctx context.Context, b Backend, nbunch []NodeID) (map[NodeID]int, error) {
	return degreeMap(ctx, b, nbunch, InDegree)
}

// OutDegrees computes OutDegree for each node in nbunch (nil = all nodes).
func OutDegrees(ctx context.Context, b Backend, nbunch []NodeID) (map[NodeID]int, error) {
	return degreeMap(ctx, b, nbunch, OutDegree)
}

func degreeMap(ctx context.Context, b Backend, nbunch []NodeID, degree func(Backend, NodeID) (int, error)) (map[NodeID]int, error) {
	if nbunch == nil {
		err := b.EachNode(ctx, false, func(id NodeID, _ Metadata) error {
			nbunch = append(nbunch, id)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	out := make(map[NodeID]int, len(nbunch))
	for _, u := range nbunch {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		d, err := degree(b, u)
		if err != nil {
			return nil, err
		}
		out[u] = d
	}
	return out, nil
}

// =============================================================================
// Scan fallbacks
// =============================================================================

// CountNodesByScan counts nodes by full iteration. It is the default
// NodeCount implementation for engines without a native count.
func CountNodesByScan(ctx context.Context, b Backend) (int64, error) {
	var n int64
	err := b.EachNode(ctx, false, func(NodeID, Metadata) error {
		n++
		return nil
	})
	return n, err
}

// CountEdgesByScan counts edges by full iteration.
func CountEdgesByScan(ctx context.Context, b Backend) (int64, error) {
	var n int64
	err := b.EachEdge(ctx, false, func(NodeID, NodeID, Metadata) error {
		n++
		return nil
	})
	return n, err
}

// unavailableError tags a driver failure with ErrUnavailable while keeping
// the original error in the chain.
type unavailableError struct {
	op  string
	err error
}

func (e *unavailableError) Error() string {
	return e.op + ": backend unavailable: " + e.err.Error()
}

func (e *unavailableError) Unwrap() []error {
	return []error{ErrUnavailable, e.err}
}

// unavailable wraps a storage-engine failure so that
// errors.Is(err, ErrUnavailable) holds alongside the driver's own error
// chain.
func unavailable(op string, err error) error {
	return &unavailableError{op: op, err: err}
}
