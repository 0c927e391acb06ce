package cache

import (
	"container/list"
	"time"
)

// store is a bounded key/value cache. Implementations are not safe for
// concurrent use; CachedBackend serializes access.
type store interface {
	get(key uint64) (any, bool)
	put(key uint64, value any)
	len() int
	clear()
}

// newStore builds the store matching the configured policy. Options must be
// validated first.
func newStore(opts Options) store {
	switch opts.Policy {
	case PolicyLFU:
		return newLFUStore(opts.capacity())
	default:
		return newLRUStore(opts.capacity(), opts.TTL)
	}
}

// ============================================================================
// LRU / TTL
// ============================================================================

// lruStore keeps entries in a doubly-linked list ordered by recency, with a
// hash map for O(1) lookups. A non-zero ttl additionally expires entries on
// read.
type lruStore struct {
	maxSize int
	ttl     time.Duration

	list  *list.List
	items map[uint64]*list.Element
}

// lruEntry holds a cached item with its expiry stamp.
type lruEntry struct {
	key       uint64
	value     any
	expiresAt time.Time
}

func newLRUStore(maxSize int, ttl time.Duration) *lruStore {
	return &lruStore{
		maxSize: maxSize,
		ttl:     ttl,
		list:    list.New(),
		items:   make(map[uint64]*list.Element, maxSize),
	}
}

func (s *lruStore) get(key uint64) (any, bool) {
	elem, ok := s.items[key]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*lruEntry)

	if s.ttl > 0 && time.Now().After(entry.expiresAt) {
		s.removeElement(elem)
		return nil, false
	}

	s.list.MoveToFront(elem)
	return entry.value, true
}

func (s *lruStore) put(key uint64, value any) {
	if elem, ok := s.items[key]; ok {
		entry := elem.Value.(*lruEntry)
		entry.value = value
		if s.ttl > 0 {
			entry.expiresAt = time.Now().Add(s.ttl)
		}
		s.list.MoveToFront(elem)
		return
	}

	for s.list.Len() >= s.maxSize {
		if oldest := s.list.Back(); oldest != nil {
			s.removeElement(oldest)
		}
	}

	entry := &lruEntry{key: key, value: value}
	if s.ttl > 0 {
		entry.expiresAt = time.Now().Add(s.ttl)
	}
	s.items[key] = s.list.PushFront(entry)
}

func (s *lruStore) len() int {
	return s.list.Len()
}

func (s *lruStore) clear() {
	s.list.Init()
	s.items = make(map[uint64]*list.Element, s.maxSize)
}

func (s *lruStore) removeElement(elem *list.Element) {
	s.list.Remove(elem)
	delete(s.items, elem.Value.(*lruEntry).key)
}

// ============================================================================
// LFU
// ============================================================================

// lfuStore evicts the entry with the fewest accesses, breaking ties by
// recency within the lowest frequency bucket.
type lfuStore struct {
	maxSize int

	items   map[uint64]*list.Element
	buckets map[uint64]*list.List // access count -> entries, LRU within
	minFreq uint64
}

type lfuEntry struct {
	key   uint64
	value any
	freq  uint64
}

func newLFUStore(maxSize int) *lfuStore {
	return &lfuStore{
		maxSize: maxSize,
		items:   make(map[uint64]*list.Element, maxSize),
		buckets: make(map[uint64]*list.List),
	}
}

func (s *lfuStore) get(key uint64) (any, bool) {
	elem, ok := s.items[key]
	if !ok {
		return nil, false
	}
	entry := s.touch(elem)
	return entry.value, true
}

func (s *lfuStore) put(key uint64, value any) {
	if elem, ok := s.items[key]; ok {
		entry := s.touch(elem)
		entry.value = value
		return
	}

	for len(s.items) >= s.maxSize {
		s.evict()
	}

	entry := &lfuEntry{key: key, value: value, freq: 1}
	s.items[key] = s.bucket(1).PushFront(entry)
	s.minFreq = 1
}

// touch promotes an entry to the next frequency bucket.
func (s *lfuStore) touch(elem *list.Element) *lfuEntry {
	entry := elem.Value.(*lfuEntry)
	old := s.buckets[entry.freq]
	old.Remove(elem)
	if old.Len() == 0 {
		delete(s.buckets, entry.freq)
		if s.minFreq == entry.freq {
			s.minFreq++
		}
	}
	entry.freq++
	s.items[entry.key] = s.bucket(entry.freq).PushFront(entry)
	return entry
}

// evict drops the least recently used entry of the lowest frequency bucket.
func (s *lfuStore) evict() {
	bucket, ok := s.buckets[s.minFreq]
	if !ok || bucket.Len() == 0 {
		// minFreq can go stale after clear; resynchronize.
		s.minFreq = 0
		for freq, b := range s.buckets {
			if b.Len() > 0 && (s.minFreq == 0 || freq < s.minFreq) {
				s.minFreq = freq
			}
		}
		bucket, ok = s.buckets[s.minFreq]
		if !ok {
			return
		}
	}
	oldest := bucket.Back()
	if oldest == nil {
		return
	}
	entry := oldest.Value.(*lfuEntry)
	bucket.Remove(oldest)
	if bucket.Len() == 0 {
		delete(s.buckets, entry.freq)
	}
	delete(s.items, entry.key)
}

func (s *lfuStore) bucket(freq uint64) *list.List {
	b, ok := s.buckets[freq]
	if !ok {
		b = list.New()
		s.buckets[freq] = b
	}
	return b
}

func (s *lfuStore) len() int {
	return len(s.items)
}

func (s *lfuStore) clear() {
	s.items = make(map[uint64]*list.Element, s.maxSize)
	s.buckets = make(map[uint64]*list.List)
	s.minFreq = 0
}
