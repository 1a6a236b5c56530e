package retriever

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-rag-backend/internal/ai"
	"github.com/tbourn/go-rag-backend/internal/vectorstore"
)

// Cache hands out one shared Retriever per collection. Concurrent Get calls
// for the same collection construct at most one retriever; construction
// failures are not cached, so the next Get retries. Entries live until
// explicitly invalidated.
type Cache struct {
	embedder ai.Embedder
	store    vectorstore.Store
	topK     int

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

// cacheEntry serializes construction per collection so the cache-wide lock is
// never held across network calls.
type cacheEntry struct {
	mu sync.Mutex
	r  *Retriever
}

// NewCache constructs an empty retriever cache.
func NewCache(embedder ai.Embedder, store vectorstore.Store, topK int) *Cache {
	return &Cache{
		embedder: embedder,
		store:    store,
		topK:     topK,
		entries:  make(map[string]*cacheEntry),
	}
}

// Get returns the cached retriever for collection, constructing it on first
// use. Callers racing on a cold collection share a single construction.
func (c *Cache) Get(ctx context.Context, collection string) (*Retriever, error) {
	c.mu.Lock()
	e, ok := c.entries[collection]
	if !ok {
		e = &cacheEntry{}
		c.entries[collection] = e
	}
	c.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.r != nil {
		return e.r, nil
	}

	r, err := New(ctx, collection, c.embedder, c.store, c.topK)
	if err != nil {
		c.mu.Lock()
		if c.entries[collection] == e {
			delete(c.entries, collection)
		}
		c.mu.Unlock()
		return nil, err
	}

	// An Invalidate or Clear may have removed this entry while construction
	// was in flight; caching the result then would resurrect a retriever for
	// a collection that is being deleted. Hand it to the caller uncached.
	c.mu.Lock()
	if c.entries[collection] != e {
		c.mu.Unlock()
		return r, nil
	}
	e.r = r
	c.mu.Unlock()

	log.Debug().Str("collection", collection).Msg("retriever cached")
	return r, nil
}

// Invalidate drops the cached retriever for collection. Invalidating an
// absent entry is a no-op.
func (c *Cache) Invalidate(collection string) {
	c.mu.Lock()
	delete(c.entries, collection)
	c.mu.Unlock()
}

// Clear drops every cached retriever.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*cacheEntry)
	c.mu.Unlock()
}

// Len reports how many retrievers are currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
