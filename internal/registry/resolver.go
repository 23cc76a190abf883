package registry

import (
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/metrics"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache memoises handler lookups by name.
type Cache = expirable.LRU[string, *Handler]

// NewCache builds the bounded, expiring lookup cache. The defaults are 100
// entries and five minutes.
func NewCache(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = 100
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return expirable.NewLRU[string, *Handler](size, nil, ttl)
}

// Resolver answers metadata questions through an injected cache in front of
// the registry. It is the only process-wide mutable state of the index
// layer.
type Resolver struct {
	registry *Registry
	cache    *Cache
	metrics  *metrics.Metrics
}

func NewResolver(r *Registry, cache *Cache, m *metrics.Metrics) *Resolver {
	return &Resolver{registry: r, cache: cache, metrics: m}
}

// Handler returns the handler for an entity type or collection name.
func (r *Resolver) Handler(name string) *Handler {
	key := strings.ToLower(name)
	if h, ok := r.cache.Get(key); ok {
		return h
	}
	h := r.registry.Lookup(key)
	r.cache.Add(key, h)
	if r.metrics != nil {
		r.metrics.MetadataCacheSize.Set(float64(r.cache.Len()))
	}
	return h
}

// Property returns the metadata of a property of the named type or
// collection.
func (r *Resolver) Property(name, path string) PropertyInfo {
	return r.Handler(name).Property(path)
}

// Purge drops every cached lookup.
func (r *Resolver) Purge() {
	r.cache.Purge()
	if r.metrics != nil {
		r.metrics.MetadataCacheSize.Set(0)
	}
}
