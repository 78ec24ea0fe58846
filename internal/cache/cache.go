// Package cache provides the process-wide TTL cache used by the token
// client and the listing endpoints. It is injected as an interface so
// tests can substitute a deterministic implementation.
package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Store is a TTL key/value cache. Entries are only ever inserted or
// replaced wholesale; concurrent last-writer-wins is acceptable for
// every use in this process (tokens and listing responses are
// idempotent to refetch).
type Store interface {
	Get(key string) (interface{}, bool)
	Set(key string, value interface{}, ttl time.Duration)
	Delete(key string)
}

// memoryStore backs Store with patrickmn/go-cache, which is internally
// synchronized and sweeps expired entries in the background.
type memoryStore struct {
	c *gocache.Cache
}

// NewMemory returns a concurrency-safe in-memory Store.
func NewMemory() Store {
	return &memoryStore{
		c: gocache.New(gocache.NoExpiration, 10*time.Minute),
	}
}

func (m *memoryStore) Get(key string) (interface{}, bool) {
	return m.c.Get(key)
}

func (m *memoryStore) Set(key string, value interface{}, ttl time.Duration) {
	m.c.Set(key, value, ttl)
}

func (m *memoryStore) Delete(key string) {
	m.c.Delete(key)
}
