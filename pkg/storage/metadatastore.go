package storage

import (
	"fmt"
	"sync"
)

// MetadataStore holds node and edge metadata on behalf of an engine that
// cannot store attributes itself. Sidecar backends pair an attribute-free
// adjacency structure with one of these.
type MetadataStore interface {
	AddNode(id NodeID, meta Metadata) error
	AddEdge(u, v NodeID, meta Metadata) error
	GetNode(id NodeID) (Metadata, error)
	GetEdge(u, v NodeID) (Metadata, error)
}

// DictMetadataStore is an in-memory MetadataStore backed by maps. Edge
// metadata is keyed by EdgeKey of the orientation it was stored under.
type DictMetadataStore struct {
	mu    sync.RWMutex
	ndata map[NodeID]Metadata
	edata map[EdgeID]Metadata
}

// NewDictMetadataStore returns an empty in-memory metadata store.
func NewDictMetadataStore() *DictMetadataStore {
	return &DictMetadataStore{
		ndata: make(map[NodeID]Metadata),
		edata: make(map[EdgeID]Metadata),
	}
}

// AddNode stores meta for the node, replacing any previous value. A nil meta
// is stored as an empty Metadata.
func (s *DictMetadataStore) AddNode(id NodeID, meta Metadata) error {
	if meta == nil {
		meta = Metadata{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ndata[id] = meta
	return nil
}

// AddEdge stores meta for the edge (u, v), replacing any previous value.
func (s *DictMetadataStore) AddEdge(u, v NodeID, meta Metadata) error {
	if meta == nil {
		meta = Metadata{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edata[EdgeKey(u, v)] = meta
	return nil
}

// GetNode returns the node's metadata, or ErrNotFound.
func (s *DictMetadataStore) GetNode(id NodeID) (Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.ndata[id]
	if !ok {
		return nil, fmt.Errorf("node %q: %w", id, ErrNotFound)
	}
	return meta, nil
}

// GetEdge returns the edge's metadata, or ErrNotFound.
func (s *DictMetadataStore) GetEdge(u, v NodeID) (Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.edata[EdgeKey(u, v)]
	if !ok {
		return nil, fmt.Errorf("edge %s: %w", EdgeKey(u, v), ErrNotFound)
	}
	return meta, nil
}

var _ MetadataStore = (*DictMetadataStore)(nil)

// NodeNameManager maps node IDs to the dense integer ordinals demanded by
// engines that only address nodes by index. Ordinals are assigned in
// insertion order, starting at zero.
type NodeNameManager struct {
	mu       sync.RWMutex
	ordinals map[NodeID]int64
	names    []NodeID
}

// NewNodeNameManager returns an empty name manager.
func NewNodeNameManager() *NodeNameManager {
	return &NodeNameManager{ordinals: make(map[NodeID]int64)}
}

// Intern returns the ordinal for id, assigning the next free one on first
// sight.
func (m *NodeNameManager) Intern(id NodeID) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ord, ok := m.ordinals[id]; ok {
		return ord
	}
	ord := int64(len(m.names))
	m.ordinals[id] = ord
	m.names = append(m.names, id)
	return ord
}

// Ordinal looks up the ordinal for id without assigning one.
func (m *NodeNameManager) Ordinal(id NodeID) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ord, ok := m.ordinals[id]
	return ord, ok
}

// NameOf returns the ID assigned to ordinal ord.
func (m *NodeNameManager) NameOf(ord int64) (NodeID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ord < 0 || ord >= int64(len(m.names)) {
		return "", false
	}
	return m.names[ord], true
}

// Contains reports whether id has been interned.
func (m *NodeNameManager) Contains(id NodeID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.ordinals[id]
	return ok
}

// Len returns the number of interned IDs.
func (m *NodeNameManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.names)
}
