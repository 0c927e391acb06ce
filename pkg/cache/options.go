// Package cache provides a memoizing proxy around a storage.Backend.
//
// CachedBackend wraps read methods so that repeated calls with identical
// arguments, absent an intervening write, return the previously computed
// result without touching the underlying backend. Writes invalidate the
// whole cache by default; correctness over precision, since a single new
// edge can change the result of unrelated reads.
//
// Usage:
//
//	backend := storage.NewMemoryBackend(true)
//	cached, err := cache.New(backend, cache.Options{
//		Policy:   cache.PolicyLRU,
//		Capacity: 1000,
//	})
//	if err != nil {
//		return err
//	}
//	defer cached.Close()
package cache

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrConfiguration reports an invalid Options combination. It is returned
// from New, never at call time.
var ErrConfiguration = errors.New("invalid cache configuration")

// Policy selects the eviction strategy for the per-method caches.
type Policy string

const (
	// PolicyLRU evicts the least recently used entry at capacity.
	PolicyLRU Policy = "lru"
	// PolicyTTL expires entries after a fixed time to live, with LRU
	// eviction at capacity.
	PolicyTTL Policy = "ttl"
	// PolicyLFU evicts the least frequently used entry at capacity.
	PolicyLFU Policy = "lfu"
)

// DefaultCapacity bounds each per-method cache when Options.Capacity is
// left zero.
const DefaultCapacity = 1000

// Options configures a CachedBackend.
type Options struct {
	// Policy selects the eviction strategy. Defaults to PolicyLRU.
	Policy Policy

	// Capacity is the maximum number of entries per method cache.
	// Defaults to DefaultCapacity.
	Capacity int

	// TTL is the entry lifetime. Required for PolicyTTL, rejected for
	// other policies.
	TTL time.Duration

	// DirtyCacheOnWrite controls whether write methods clear every cache
	// before delegating. Nil means true. Setting it to false permits
	// stale reads after writes; an explicit opt-in for read-heavy,
	// eventually consistent use.
	DirtyCacheOnWrite *bool

	// UncacheableMethods lists read methods that must always pass
	// through to the backend uncached. Method decoration is static, so
	// names outside the Method* constants are rejected by New.
	UncacheableMethods []string

	// WriteMethods lists methods that invalidate the cache. Read methods
	// named here clear the cache and pass through uncached on every
	// call; the built-in mutators are always included. Names outside the
	// Method* constants are rejected by New.
	WriteMethods []string
}

func (o Options) validate() error {
	switch o.Policy {
	case "", PolicyLRU, PolicyLFU:
		if o.TTL != 0 {
			return fmt.Errorf("%w: ttl is only valid with the ttl policy", ErrConfiguration)
		}
	case PolicyTTL:
		if o.TTL <= 0 {
			return fmt.Errorf("%w: ttl policy requires a positive ttl", ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown policy %q", ErrConfiguration, o.Policy)
	}
	if o.Capacity < 0 {
		return fmt.Errorf("%w: capacity must not be negative", ErrConfiguration)
	}
	for _, method := range o.UncacheableMethods {
		if !knownMethod(method) {
			return fmt.Errorf("%w: unknown method %q in uncacheable_methods", ErrConfiguration, method)
		}
	}
	for _, method := range o.WriteMethods {
		if !knownMethod(method) {
			return fmt.Errorf("%w: unknown method %q in write_methods", ErrConfiguration, method)
		}
	}
	return nil
}

// dirtyOnWrite resolves the tri-state flag; unset means true.
func (o Options) dirtyOnWrite() bool {
	return o.DirtyCacheOnWrite == nil || *o.DirtyCacheOnWrite
}

func (o Options) capacity() int {
	if o.Capacity == 0 {
		return DefaultCapacity
	}
	return o.Capacity
}

// yamlOptions is the wire form of Options.
type yamlOptions struct {
	Policy             string   `yaml:"policy"`
	Capacity           int      `yaml:"capacity"`
	TTLSeconds         float64  `yaml:"ttl_seconds"`
	DirtyCacheOnWrite  *bool    `yaml:"dirty_cache_on_write"`
	UncacheableMethods []string `yaml:"uncacheable_methods"`
	WriteMethods       []string `yaml:"write_methods"`
}

// OptionsFromYAML decodes Options from a YAML document, e.g.:
//
//	policy: ttl
//	capacity: 500
//	ttl_seconds: 2.5
//	dirty_cache_on_write: false
func OptionsFromYAML(data []byte) (Options, error) {
	var raw yamlOptions
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Options{}, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	opts := Options{
		Policy:             Policy(raw.Policy),
		Capacity:           raw.Capacity,
		TTL:                time.Duration(raw.TTLSeconds * float64(time.Second)),
		DirtyCacheOnWrite:  raw.DirtyCacheOnWrite,
		UncacheableMethods: raw.UncacheableMethods,
		WriteMethods:       raw.WriteMethods,
	}
	if err := opts.validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}
