package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLRUStore_EvictsLeastRecentlyUsed(t *testing.T) {
	s := newLRUStore(2, 0)

	s.put(1, "one")
	s.put(2, "two")

	// Touch 1 so 2 becomes the eviction candidate.
	_, ok := s.get(1)
	require.True(t, ok)

	s.put(3, "three")
	require.Equal(t, 2, s.len())

	_, ok = s.get(2)
	require.False(t, ok)
	v, ok := s.get(1)
	require.True(t, ok)
	require.Equal(t, "one", v)
	_, ok = s.get(3)
	require.True(t, ok)
}

func TestLRUStore_UpdateExistingKey(t *testing.T) {
	s := newLRUStore(2, 0)

	s.put(1, "one")
	s.put(1, "uno")
	require.Equal(t, 1, s.len())

	v, ok := s.get(1)
	require.True(t, ok)
	require.Equal(t, "uno", v)
}

func TestTTLStore_ExpiresEntries(t *testing.T) {
	s := newLRUStore(10, 20*time.Millisecond)

	s.put(1, "one")
	v, ok := s.get(1)
	require.True(t, ok)
	require.Equal(t, "one", v)

	time.Sleep(30 * time.Millisecond)

	_, ok = s.get(1)
	require.False(t, ok)
	require.Equal(t, 0, s.len())
}

func TestLFUStore_EvictsLeastFrequentlyUsed(t *testing.T) {
	s := newLFUStore(2)

	s.put(1, "one")
	s.put(2, "two")

	// 1 is read twice, 2 never; 2 is the eviction candidate.
	s.get(1)
	s.get(1)

	s.put(3, "three")
	require.Equal(t, 2, s.len())

	_, ok := s.get(2)
	require.False(t, ok)
	_, ok = s.get(1)
	require.True(t, ok)
	_, ok = s.get(3)
	require.True(t, ok)
}

func TestLFUStore_TieBrokenByRecency(t *testing.T) {
	s := newLFUStore(2)

	s.put(1, "one")
	s.put(2, "two")

	// Equal frequency; 1 is older within the bucket.
	s.put(3, "three")

	_, ok := s.get(1)
	require.False(t, ok)
	_, ok = s.get(2)
	require.True(t, ok)
}

func TestStores_Clear(t *testing.T) {
	for name, s := range map[string]store{
		"lru": newLRUStore(4, 0),
		"lfu": newLFUStore(4),
	} {
		t.Run(name, func(t *testing.T) {
			s.put(1, "one")
			s.put(2, "two")
			s.clear()
			require.Equal(t, 0, s.len())
			_, ok := s.get(1)
			require.False(t, ok)

			// Still usable after clearing.
			s.put(3, "three")
			v, ok := s.get(3)
			require.True(t, ok)
			require.Equal(t, "three", v)
		})
	}
}
