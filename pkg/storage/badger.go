package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes for BadgerDB storage organization.
// Using single-byte prefixes for efficiency.
const (
	prefixNode     = byte(0x01) // node:nodeID -> JSON(Metadata)
	prefixEdge     = byte(0x02) // edge:u + 0x00 + v -> JSON(Metadata)
	prefixOutgoing = byte(0x03) // outgoing:u + 0x00 + v -> empty
	prefixIncoming = byte(0x04) // incoming:v + 0x00 + u -> empty
)

// keySeparator splits the two node IDs inside composite keys. Node IDs must
// not contain a NUL byte.
const keySeparator = byte(0x00)

// BadgerOptions configures a BadgerBackend.
type BadgerOptions struct {
	// DataDir is the directory for storing data files.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode. Useful for testing,
	// data is not persisted.
	InMemory bool

	// SyncWrites forces fsync after each write. Slower but more durable.
	SyncWrites bool

	// Logger for BadgerDB internal logging. Nil silences it.
	Logger badger.Logger
}

// BadgerBackend persists the graph in BadgerDB.
//
// Key structure:
//   - Nodes: 0x01 + nodeID -> JSON(Metadata)
//   - Edges: 0x02 + u + 0x00 + v -> JSON(Metadata), stored under the
//     inserted orientation
//   - Outgoing index: 0x03 + u + 0x00 + v -> empty
//   - Incoming index: 0x04 + v + 0x00 + u -> empty (directed graphs only)
//
// Undirected graphs keep a single edge record and write the outgoing index
// in both orientations, so neighbor scans see the edge from either side and
// the incoming index is unnecessary.
type BadgerBackend struct {
	db       *badger.DB
	directed bool

	mu     sync.RWMutex // protects closed
	closed bool
}

// NewBadgerBackend opens a persistent graph at dataDir with default options.
func NewBadgerBackend(directed bool, dataDir string) (*BadgerBackend, error) {
	return NewBadgerBackendWithOptions(directed, BadgerOptions{DataDir: dataDir})
}

// NewBadgerBackendInMemory creates an in-memory BadgerDB graph for testing.
// Data is lost when the backend is closed.
func NewBadgerBackendInMemory(directed bool) (*BadgerBackend, error) {
	return NewBadgerBackendWithOptions(directed, BadgerOptions{InMemory: true})
}

// NewBadgerBackendWithOptions opens a graph with custom BadgerDB settings.
func NewBadgerBackendWithOptions(directed bool, opts BadgerOptions) (*BadgerBackend, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)

	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	badgerOpts = badgerOpts.WithLogger(opts.Logger)

	// Reduced buffer sizes keep small graphs from reserving the default
	// gigabyte-scale value log.
	badgerOpts = badgerOpts.
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithBlockCacheSize(32 << 20).
		WithIndexCacheSize(16 << 20)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, unavailable("open badger db", err)
	}

	return &BadgerBackend{db: db, directed: directed}, nil
}

// ============================================================================
// Key encoding helpers
// ============================================================================

func bNodeKey(id NodeID) []byte {
	return append([]byte{prefixNode}, []byte(id)...)
}

// pairKey builds prefix + a + 0x00 + b.
func pairKey(prefix byte, a, b NodeID) []byte {
	key := make([]byte, 0, 1+len(a)+1+len(b))
	key = append(key, prefix)
	key = append(key, []byte(a)...)
	key = append(key, keySeparator)
	key = append(key, []byte(b)...)
	return key
}

// pairPrefix builds prefix + a + 0x00 for scanning.
func pairPrefix(prefix byte, a NodeID) []byte {
	key := make([]byte, 0, 1+len(a)+1)
	key = append(key, prefix)
	key = append(key, []byte(a)...)
	key = append(key, keySeparator)
	return key
}

// splitPairKey extracts (a, b) from prefix + a + 0x00 + b.
func splitPairKey(key []byte) (NodeID, NodeID) {
	body := key[1:]
	i := bytes.IndexByte(body, keySeparator)
	if i < 0 {
		return NodeID(body), ""
	}
	return NodeID(body[:i]), NodeID(body[i+1:])
}

// ============================================================================
// Node operations
// ============================================================================

// IsDirected reports whether the graph is directed.
func (b *BadgerBackend) IsDirected() bool {
	return b.directed
}

func (b *BadgerBackend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// AddNode upserts a node, merging meta into any stored metadata.
func (b *BadgerBackend) AddNode(id NodeID, meta Metadata) (NodeID, error) {
	if err := b.checkOpen(); err != nil {
		return "", err
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		return upsertMeta(txn, bNodeKey(id), meta)
	})
	if err != nil {
		return "", unavailable("add node", err)
	}
	return id, nil
}

// upsertMeta merges meta into the JSON metadata stored at key, inserting an
// empty record when the key is absent.
func upsertMeta(txn *badger.Txn, key []byte, meta Metadata) error {
	existing := Metadata{}
	item, err := txn.Get(key)
	switch {
	case err == nil:
		if err := item.Value(func(val []byte) error {
			decoded, err := decodeMeta(string(val))
			if err != nil {
				return err
			}
			existing = decoded
			return nil
		}); err != nil {
			return err
		}
	case errors.Is(err, badger.ErrKeyNotFound):
	default:
		return err
	}

	encoded, err := encodeMeta(existing.Merge(meta))
	if err != nil {
		return err
	}
	return txn.Set(key, []byte(encoded))
}

// HasNode reports whether the node exists.
func (b *BadgerBackend) HasNode(id NodeID) (bool, error) {
	if err := b.checkOpen(); err != nil {
		return false, err
	}

	exists := false
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(bNodeKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	if err != nil {
		return false, unavailable("get node", err)
	}
	return exists, nil
}

// GetNode returns the node's metadata, or ErrNotFound.
func (b *BadgerBackend) GetNode(id NodeID) (Metadata, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var meta Metadata
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(bNodeKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("node %q: %w", id, ErrNotFound)
		}
		if err != nil {
			return unavailable("get node", err)
		}
		return item.Value(func(val []byte) error {
			meta, err = decodeMeta(string(val))
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// EachNode visits every node via a prefix scan.
func (b *BadgerBackend) EachNode(ctx context.Context, includeMeta bool, fn NodeVisitor) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = includeMeta
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte{prefixNode}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			id := NodeID(item.Key()[1:])

			var meta Metadata
			if includeMeta {
				if err := item.Value(func(val []byte) error {
					var err error
					meta, err = decodeMeta(string(val))
					return err
				}); err != nil {
					return err
				}
			}
			if err := fn(id, meta); err != nil {
				return err
			}
		}
		return nil
	})
}

// NodeCount counts nodes with a key-only prefix scan.
func (b *BadgerBackend) NodeCount() (int64, error) {
	return b.countPrefix([]byte{prefixNode})
}

// EdgeCount counts stored edge records. Undirected graphs keep one record
// per edge, so no deduplication is needed.
func (b *BadgerBackend) EdgeCount() (int64, error) {
	return b.countPrefix([]byte{prefixEdge})
}

func (b *BadgerBackend) countPrefix(prefix []byte) (int64, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}

	var n int64
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, unavailable("count keys", err)
	}
	return n, nil
}

// ============================================================================
// Edge operations
// ============================================================================

// edgeRecord locates the stored record for (u, v), checking both orientations
// for undirected graphs. Returns badger.ErrKeyNotFound when absent.
func (b *BadgerBackend) edgeRecord(txn *badger.Txn, u, v NodeID) ([]byte, *badger.Item, error) {
	key := pairKey(prefixEdge, u, v)
	item, err := txn.Get(key)
	if err == nil {
		return key, item, nil
	}
	if b.directed || !errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil, err
	}
	key = pairKey(prefixEdge, v, u)
	item, err = txn.Get(key)
	if err != nil {
		return nil, nil, err
	}
	return key, item, nil
}

// AddEdge upserts the edge (u, v), auto-creating missing endpoints. The
// whole operation runs in one transaction.
func (b *BadgerBackend) AddEdge(u, v NodeID, meta Metadata) (EdgeID, error) {
	if err := b.checkOpen(); err != nil {
		return "", err
	}

	var id EdgeID
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, endpoint := range []NodeID{u, v} {
			if _, err := txn.Get(bNodeKey(endpoint)); errors.Is(err, badger.ErrKeyNotFound) {
				if err := upsertMeta(txn, bNodeKey(endpoint), nil); err != nil {
					return err
				}
			} else if err != nil {
				return err
			}
		}

		key, _, err := b.edgeRecord(txn, u, v)
		if errors.Is(err, badger.ErrKeyNotFound) {
			key = pairKey(prefixEdge, u, v)
		} else if err != nil {
			return err
		}
		if err := upsertMeta(txn, key, meta); err != nil {
			return err
		}

		stored, storedV := splitPairKey(key)
		id = EdgeKey(stored, storedV)

		if err := txn.Set(pairKey(prefixOutgoing, u, v), []byte{}); err != nil {
			return err
		}
		if b.directed {
			return txn.Set(pairKey(prefixIncoming, v, u), []byte{})
		}
		return txn.Set(pairKey(prefixOutgoing, v, u), []byte{})
	})
	if err != nil {
		return "", unavailable("add edge", err)
	}
	return id, nil
}

// HasEdge reports whether the edge exists.
func (b *BadgerBackend) HasEdge(u, v NodeID) (bool, error) {
	if err := b.checkOpen(); err != nil {
		return false, err
	}

	exists := false
	err := b.db.View(func(txn *badger.Txn) error {
		_, _, err := b.edgeRecord(txn, u, v)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	if err != nil {
		return false, unavailable("get edge", err)
	}
	return exists, nil
}

// GetEdge returns the edge's metadata, or ErrNotFound.
func (b *BadgerBackend) GetEdge(u, v NodeID) (Metadata, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var meta Metadata
	err := b.db.View(func(txn *badger.Txn) error {
		_, item, err := b.edgeRecord(txn, u, v)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("edge %s: %w", EdgeKey(u, v), ErrNotFound)
		}
		if err != nil {
			return unavailable("get edge", err)
		}
		return item.Value(func(val []byte) error {
			meta, err = decodeMeta(string(val))
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// EachEdge visits every stored edge record.
func (b *BadgerBackend) EachEdge(ctx context.Context, includeMeta bool, fn EdgeVisitor) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = includeMeta
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte{prefixEdge}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			u, v := splitPairKey(item.Key())

			var meta Metadata
			if includeMeta {
				if err := item.Value(func(val []byte) error {
					var err error
					meta, err = decodeMeta(string(val))
					return err
				}); err != nil {
					return err
				}
			}
			if err := fn(u, v, meta); err != nil {
				return err
			}
		}
		return nil
	})
}

// ============================================================================
// Adjacency
// ============================================================================

// Neighbors returns the downstream nodes of u.
func (b *BadgerBackend) Neighbors(u NodeID) ([]NodeID, error) {
	edges, err := b.NeighborEdges(u)
	if err != nil {
		return nil, err
	}
	return nodeSet(edges), nil
}

// NeighborEdges scans u's outgoing index and resolves each edge's metadata.
func (b *BadgerBackend) NeighborEdges(u NodeID) (map[NodeID]Metadata, error) {
	return b.adjacentEdges(u, prefixOutgoing)
}

// Predecessors returns the upstream nodes of u.
func (b *BadgerBackend) Predecessors(u NodeID) ([]NodeID, error) {
	edges, err := b.PredecessorEdges(u)
	if err != nil {
		return nil, err
	}
	return nodeSet(edges), nil
}

// PredecessorEdges scans u's incoming index. Undirected graphs have no
// incoming index; the outgoing scan already covers both sides.
func (b *BadgerBackend) PredecessorEdges(u NodeID) (map[NodeID]Metadata, error) {
	if !b.directed {
		return b.adjacentEdges(u, prefixOutgoing)
	}
	return b.adjacentEdges(u, prefixIncoming)
}

func (b *BadgerBackend) adjacentEdges(u NodeID, indexPrefix byte) (map[NodeID]Metadata, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	out := make(map[NodeID]Metadata)
	err := b.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get(bNodeKey(u)); errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("node %q: %w", u, ErrNotFound)
		} else if err != nil {
			return unavailable("get node", err)
		}

		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := pairPrefix(indexPrefix, u)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			_, other := splitPairKey(it.Item().Key())

			_, item, err := b.edgeRecord(txn, u, other)
			if err != nil {
				return unavailable("resolve indexed edge", err)
			}
			var meta Metadata
			if err := item.Value(func(val []byte) error {
				meta, err = decodeMeta(string(val))
				return err
			}); err != nil {
				return err
			}
			out[other] = meta
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ============================================================================
// Removal
// ============================================================================

// RemoveEdge deletes the edge (u, v) and its index entries.
func (b *BadgerBackend) RemoveEdge(u, v NodeID) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		return b.removeEdgeTxn(txn, u, v)
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return unavailable("remove edge", err)
	}
	return err
}

func (b *BadgerBackend) removeEdgeTxn(txn *badger.Txn, u, v NodeID) error {
	key, _, err := b.edgeRecord(txn, u, v)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("edge %s: %w", EdgeKey(u, v), ErrNotFound)
	}
	if err != nil {
		return err
	}
	if err := txn.Delete(key); err != nil {
		return err
	}
	if err := txn.Delete(pairKey(prefixOutgoing, u, v)); err != nil {
		return err
	}
	if b.directed {
		return txn.Delete(pairKey(prefixIncoming, v, u))
	}
	return txn.Delete(pairKey(prefixOutgoing, v, u))
}

// RemoveNode deletes a node and every edge touching it.
func (b *BadgerBackend) RemoveNode(id NodeID) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(bNodeKey(id)); errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("node %q: %w", id, ErrNotFound)
		} else if err != nil {
			return err
		}

		for _, indexPrefix := range []byte{prefixOutgoing, prefixIncoming} {
			if !b.directed && indexPrefix == prefixIncoming {
				continue
			}
			others, err := indexedPeers(txn, indexPrefix, id)
			if err != nil {
				return err
			}
			for _, other := range others {
				var rmErr error
				if indexPrefix == prefixIncoming {
					rmErr = b.removeEdgeTxn(txn, other, id)
				} else {
					rmErr = b.removeEdgeTxn(txn, id, other)
				}
				// A self-loop shows up in both indexes and is gone
				// after the first pass.
				if rmErr != nil && !errors.Is(rmErr, ErrNotFound) {
					return rmErr
				}
			}
		}
		return txn.Delete(bNodeKey(id))
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return unavailable("remove node", err)
	}
	return err
}

// indexedPeers collects the peer IDs in one adjacency index of id. Results
// are materialized so deletes can run after the iterator closes.
func indexedPeers(txn *badger.Txn, indexPrefix byte, id NodeID) ([]NodeID, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []NodeID
	prefix := pairPrefix(indexPrefix, id)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		_, other := splitPairKey(it.Item().Key())
		out = append(out, other)
	}
	return out, nil
}

// Teardown drops all stored data.
func (b *BadgerBackend) Teardown() error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := b.db.DropAll(); err != nil {
		return unavailable("drop all data", err)
	}
	return nil
}

// Close closes the underlying BadgerDB handle.
func (b *BadgerBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

var (
	_ Backend     = (*BadgerBackend)(nil)
	_ NodeRemover = (*BadgerBackend)(nil)
	_ EdgeRemover = (*BadgerBackend)(nil)
	_ Teardowner  = (*BadgerBackend)(nil)
)
