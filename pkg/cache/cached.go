package cache

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/orneryd/polygraph/pkg/storage"
)

// Method names used for cache bookkeeping, CacheInfo keys, and the
// UncacheableMethods / WriteMethods option lists.
const (
	MethodHasNode          = "HasNode"
	MethodGetNode          = "GetNode"
	MethodEachNode         = "EachNode"
	MethodNodeCount        = "NodeCount"
	MethodHasEdge          = "HasEdge"
	MethodGetEdge          = "GetEdge"
	MethodEachEdge         = "EachEdge"
	MethodEdgeCount        = "EdgeCount"
	MethodNeighbors        = "Neighbors"
	MethodNeighborEdges    = "NeighborEdges"
	MethodPredecessors     = "Predecessors"
	MethodPredecessorEdges = "PredecessorEdges"

	MethodAddNode    = "AddNode"
	MethodAddEdge    = "AddEdge"
	MethodRemoveNode = "RemoveNode"
	MethodRemoveEdge = "RemoveEdge"
	MethodTeardown   = "Teardown"
)

// cacheableMethods is the fixed set of read methods that get a memoizing
// cache. Each is wrapped explicitly; there is no reflection over the
// backend's method set.
var cacheableMethods = []string{
	MethodHasNode,
	MethodGetNode,
	MethodEachNode,
	MethodNodeCount,
	MethodHasEdge,
	MethodGetEdge,
	MethodEachEdge,
	MethodEdgeCount,
	MethodNeighbors,
	MethodNeighborEdges,
	MethodPredecessors,
	MethodPredecessorEdges,
}

// writeMethods is the built-in set of invalidating methods. All mutators
// invalidate; bulk ingest reaches the backend through AddNode and AddEdge
// and is covered transitively.
var writeMethods = []string{
	MethodAddNode,
	MethodAddEdge,
	MethodRemoveNode,
	MethodRemoveEdge,
	MethodTeardown,
}

// knownMethod reports whether name is one of the Method* constants. The
// method lists in Options can only refer to statically decorated methods.
func knownMethod(name string) bool {
	for _, m := range cacheableMethods {
		if m == name {
			return true
		}
	}
	for _, m := range writeMethods {
		if m == name {
			return true
		}
	}
	return false
}

// CacheStats reports one method cache's counters.
type CacheStats struct {
	Hits   uint64
	Misses uint64
	Size   int
}

// methodCache pairs a policy store with hit/miss counters.
type methodCache struct {
	store  store
	hits   uint64
	misses uint64
}

// CachedBackend memoizes reads of a wrapped storage.Backend.
//
// Results are keyed per method by an FNV-1a hash of the call arguments.
// Every write method clears every cache before delegating (unless disabled
// via Options.DirtyCacheOnWrite), so a failed write still leaves no stale
// entries behind. Errors are never cached and propagate unchanged.
//
// A CachedBackend is not safe for concurrent use; the internal mutex only
// protects cache structure, not read/write ordering across goroutines.
type CachedBackend struct {
	inner storage.Backend
	opts  Options
	dirty bool

	mu          sync.Mutex
	caches      map[string]*methodCache
	uncacheable map[string]bool
	writes      map[string]bool
}

// New wraps backend in a memoizing proxy. Invalid options are rejected here
// with ErrConfiguration, never at call time.
func New(backend storage.Backend, opts Options) (*CachedBackend, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	cb := &CachedBackend{
		inner:       backend,
		opts:        opts,
		dirty:       opts.dirtyOnWrite(),
		caches:      make(map[string]*methodCache, len(cacheableMethods)),
		uncacheable: make(map[string]bool),
		writes:      make(map[string]bool),
	}
	for _, method := range cacheableMethods {
		cb.caches[method] = &methodCache{store: newStore(opts)}
	}
	for _, method := range writeMethods {
		cb.uncacheable[method] = true
		cb.writes[method] = true
	}
	for _, method := range opts.UncacheableMethods {
		cb.uncacheable[method] = true
	}
	for _, method := range opts.WriteMethods {
		cb.writes[method] = true
	}
	return cb, nil
}

// Backend returns the wrapped backend.
func (cb *CachedBackend) Backend() storage.Backend {
	return cb.inner
}

// keyOf hashes a method call's arguments into a cache key.
func keyOf(method string, args ...string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(method))
	for _, arg := range args {
		h.Write([]byte{0})
		h.Write([]byte(arg))
	}
	return h.Sum64()
}

// cached memoizes one call. Misses are counted whether or not compute
// succeeds; failed computations are never stored.
//
// A read method promoted to the write set via Options.WriteMethods
// invalidates like a mutator and is never memoized.
func (cb *CachedBackend) cached(method string, key uint64, compute func() (any, error)) (any, error) {
	if cb.writes[method] {
		if cb.dirty {
			cb.ClearCache()
		}
		return compute()
	}
	if cb.uncacheable[method] {
		return compute()
	}

	cb.mu.Lock()
	mc := cb.caches[method]
	if value, ok := mc.store.get(key); ok {
		mc.hits++
		cb.mu.Unlock()
		return value, nil
	}
	mc.misses++
	cb.mu.Unlock()

	value, err := compute()
	if err != nil {
		return nil, err
	}

	cb.mu.Lock()
	mc.store.put(key, value)
	cb.mu.Unlock()
	return value, nil
}

// write runs one invalidating call, clearing every cache first so that a
// partially applied write cannot resurrect stale reads.
func (cb *CachedBackend) write(method string, fn func() error) error {
	if cb.dirty && cb.writes[method] {
		cb.ClearCache()
	}
	return fn()
}

// ClearCache drops every cached entry and resets all hit/miss counters.
func (cb *CachedBackend) ClearCache() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	for _, mc := range cb.caches {
		mc.store.clear()
		mc.hits = 0
		mc.misses = 0
	}
}

// CacheInfo reports per-method hit/miss counts and current sizes.
func (cb *CachedBackend) CacheInfo() map[string]CacheStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	info := make(map[string]CacheStats, len(cb.caches))
	for method, mc := range cb.caches {
		info[method] = CacheStats{
			Hits:   mc.hits,
			Misses: mc.misses,
			Size:   mc.store.len(),
		}
	}
	return info
}

// ============================================================================
// Backend passthroughs and memoized reads
// ============================================================================

// IsDirected reports whether the wrapped graph is directed. Directedness is
// fixed at construction, so no cache is needed.
func (cb *CachedBackend) IsDirected() bool {
	return cb.inner.IsDirected()
}

// AddNode clears the cache and delegates.
func (cb *CachedBackend) AddNode(id storage.NodeID, meta storage.Metadata) (storage.NodeID, error) {
	var out storage.NodeID
	err := cb.write(MethodAddNode, func() error {
		var err error
		out, err = cb.inner.AddNode(id, meta)
		return err
	})
	return out, err
}

// HasNode is memoized per node ID.
func (cb *CachedBackend) HasNode(id storage.NodeID) (bool, error) {
	value, err := cb.cached(MethodHasNode, keyOf(MethodHasNode, string(id)), func() (any, error) {
		return cb.inner.HasNode(id)
	})
	if err != nil {
		return false, err
	}
	return value.(bool), nil
}

// GetNode is memoized per node ID. The cached metadata is cloned on every
// return so callers cannot mutate the cache.
func (cb *CachedBackend) GetNode(id storage.NodeID) (storage.Metadata, error) {
	value, err := cb.cached(MethodGetNode, keyOf(MethodGetNode, string(id)), func() (any, error) {
		return cb.inner.GetNode(id)
	})
	if err != nil {
		return nil, err
	}
	return value.(storage.Metadata).Clone(), nil
}

// nodeRec and edgeRec are the materialized forms of one visitor callback.
type nodeRec struct {
	id   storage.NodeID
	meta storage.Metadata
}

type edgeRec struct {
	u, v storage.NodeID
	meta storage.Metadata
}

// EachNode memoizes the full scan once per includeMeta flag, then replays it
// to the visitor. Visitor errors abort the replay without poisoning the
// cached scan.
func (cb *CachedBackend) EachNode(ctx context.Context, includeMeta bool, fn storage.NodeVisitor) error {
	key := keyOf(MethodEachNode, boolArg(includeMeta))
	value, err := cb.cached(MethodEachNode, key, func() (any, error) {
		var recs []nodeRec
		err := cb.inner.EachNode(ctx, includeMeta, func(id storage.NodeID, meta storage.Metadata) error {
			recs = append(recs, nodeRec{id: id, meta: meta})
			return nil
		})
		if err != nil {
			return nil, err
		}
		return recs, nil
	})
	if err != nil {
		return err
	}
	for _, rec := range value.([]nodeRec) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(rec.id, cloneMeta(rec.meta)); err != nil {
			return err
		}
	}
	return nil
}

// NodeCount is memoized.
func (cb *CachedBackend) NodeCount() (int64, error) {
	value, err := cb.cached(MethodNodeCount, keyOf(MethodNodeCount), func() (any, error) {
		return cb.inner.NodeCount()
	})
	if err != nil {
		return 0, err
	}
	return value.(int64), nil
}

// AddEdge clears the cache and delegates.
func (cb *CachedBackend) AddEdge(u, v storage.NodeID, meta storage.Metadata) (storage.EdgeID, error) {
	var out storage.EdgeID
	err := cb.write(MethodAddEdge, func() error {
		var err error
		out, err = cb.inner.AddEdge(u, v, meta)
		return err
	})
	return out, err
}

// HasEdge is memoized per endpoint pair.
func (cb *CachedBackend) HasEdge(u, v storage.NodeID) (bool, error) {
	value, err := cb.cached(MethodHasEdge, keyOf(MethodHasEdge, string(u), string(v)), func() (any, error) {
		return cb.inner.HasEdge(u, v)
	})
	if err != nil {
		return false, err
	}
	return value.(bool), nil
}

// GetEdge is memoized per endpoint pair.
func (cb *CachedBackend) GetEdge(u, v storage.NodeID) (storage.Metadata, error) {
	value, err := cb.cached(MethodGetEdge, keyOf(MethodGetEdge, string(u), string(v)), func() (any, error) {
		return cb.inner.GetEdge(u, v)
	})
	if err != nil {
		return nil, err
	}
	return value.(storage.Metadata).Clone(), nil
}

// EachEdge memoizes the full scan once per includeMeta flag.
func (cb *CachedBackend) EachEdge(ctx context.Context, includeMeta bool, fn storage.EdgeVisitor) error {
	key := keyOf(MethodEachEdge, boolArg(includeMeta))
	value, err := cb.cached(MethodEachEdge, key, func() (any, error) {
		var recs []edgeRec
		err := cb.inner.EachEdge(ctx, includeMeta, func(u, v storage.NodeID, meta storage.Metadata) error {
			recs = append(recs, edgeRec{u: u, v: v, meta: meta})
			return nil
		})
		if err != nil {
			return nil, err
		}
		return recs, nil
	})
	if err != nil {
		return err
	}
	for _, rec := range value.([]edgeRec) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(rec.u, rec.v, cloneMeta(rec.meta)); err != nil {
			return err
		}
	}
	return nil
}

// EdgeCount is memoized.
func (cb *CachedBackend) EdgeCount() (int64, error) {
	value, err := cb.cached(MethodEdgeCount, keyOf(MethodEdgeCount), func() (any, error) {
		return cb.inner.EdgeCount()
	})
	if err != nil {
		return 0, err
	}
	return value.(int64), nil
}

// Neighbors is memoized per node ID.
func (cb *CachedBackend) Neighbors(u storage.NodeID) ([]storage.NodeID, error) {
	value, err := cb.cached(MethodNeighbors, keyOf(MethodNeighbors, string(u)), func() (any, error) {
		return cb.inner.Neighbors(u)
	})
	if err != nil {
		return nil, err
	}
	cached := value.([]storage.NodeID)
	out := make([]storage.NodeID, len(cached))
	copy(out, cached)
	return out, nil
}

// NeighborEdges is memoized per node ID.
func (cb *CachedBackend) NeighborEdges(u storage.NodeID) (map[storage.NodeID]storage.Metadata, error) {
	value, err := cb.cached(MethodNeighborEdges, keyOf(MethodNeighborEdges, string(u)), func() (any, error) {
		return cb.inner.NeighborEdges(u)
	})
	if err != nil {
		return nil, err
	}
	return cloneEdgeMap(value.(map[storage.NodeID]storage.Metadata)), nil
}

// Predecessors is memoized per node ID.
func (cb *CachedBackend) Predecessors(u storage.NodeID) ([]storage.NodeID, error) {
	value, err := cb.cached(MethodPredecessors, keyOf(MethodPredecessors, string(u)), func() (any, error) {
		return cb.inner.Predecessors(u)
	})
	if err != nil {
		return nil, err
	}
	cached := value.([]storage.NodeID)
	out := make([]storage.NodeID, len(cached))
	copy(out, cached)
	return out, nil
}

// PredecessorEdges is memoized per node ID.
func (cb *CachedBackend) PredecessorEdges(u storage.NodeID) (map[storage.NodeID]storage.Metadata, error) {
	value, err := cb.cached(MethodPredecessorEdges, keyOf(MethodPredecessorEdges, string(u)), func() (any, error) {
		return cb.inner.PredecessorEdges(u)
	})
	if err != nil {
		return nil, err
	}
	return cloneEdgeMap(value.(map[storage.NodeID]storage.Metadata)), nil
}

// RemoveNode clears the cache, then delegates if the wrapped backend
// supports removal.
func (cb *CachedBackend) RemoveNode(id storage.NodeID) error {
	return cb.write(MethodRemoveNode, func() error {
		return storage.RemoveNode(cb.inner, id)
	})
}

// RemoveEdge clears the cache, then delegates if the wrapped backend
// supports removal.
func (cb *CachedBackend) RemoveEdge(u, v storage.NodeID) error {
	return cb.write(MethodRemoveEdge, func() error {
		return storage.RemoveEdge(cb.inner, u, v)
	})
}

// Teardown clears the cache, then delegates if the wrapped backend supports
// teardown.
func (cb *CachedBackend) Teardown() error {
	return cb.write(MethodTeardown, func() error {
		return storage.Teardown(cb.inner)
	})
}

// Close drops the cache and closes the wrapped backend.
func (cb *CachedBackend) Close() error {
	cb.ClearCache()
	return cb.inner.Close()
}

func boolArg(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// cloneMeta copies metadata for replay, preserving nil for scans that did
// not include it.
func cloneMeta(m storage.Metadata) storage.Metadata {
	if m == nil {
		return nil
	}
	return m.Clone()
}

func cloneEdgeMap(in map[storage.NodeID]storage.Metadata) map[storage.NodeID]storage.Metadata {
	out := make(map[storage.NodeID]storage.Metadata, len(in))
	for id, meta := range in {
		out[id] = meta.Clone()
	}
	return out
}

var (
	_ storage.Backend     = (*CachedBackend)(nil)
	_ storage.NodeRemover = (*CachedBackend)(nil)
	_ storage.EdgeRemover = (*CachedBackend)(nil)
	_ storage.Teardowner  = (*CachedBackend)(nil)
)
