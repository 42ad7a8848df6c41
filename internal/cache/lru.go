// Package cache holds the in-memory tier of the client validation cache:
// a bounded LRU of validated-token entries keyed by fingerprint. It is a
// cache of the durable store, never a source of truth.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/capigate/capigate/internal/models"
)

// ValidationCache is a size-bounded, recency-ordered map of token fingerprint
// to validated-client entry. A single mutex covers every operation so the
// expiry scan observes a consistent snapshot.
type ValidationCache struct {
	mu      sync.Mutex
	entries *lru.Cache[string, *models.ValidatedClient]
}

// New creates a cache bounded to capacity entries. Capacity must be positive.
func New(capacity int) (*ValidationCache, error) {
	entries, err := lru.New[string, *models.ValidatedClient](capacity)
	if err != nil {
		return nil, err
	}
	return &ValidationCache{entries: entries}, nil
}

// Get returns the entry for hash and promotes it to most-recently-used.
// Expired entries are dropped and reported as a miss.
func (c *ValidationCache) Get(hash string) (*models.ValidatedClient, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries.Get(hash)
	if !ok {
		return nil, false
	}
	if entry.IsExpired() {
		c.entries.Remove(hash)
		return nil, false
	}
	return entry, true
}

// Set inserts or refreshes the entry, evicting the LRU entry at capacity.
func (c *ValidationCache) Set(hash string, entry *models.ValidatedClient) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Add(hash, entry)
}

// Delete removes the entry if present.
func (c *ValidationCache) Delete(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(hash)
}

// CleanupExpired drops every entry whose TTL has elapsed and returns how many
// were removed. There is no background goroutine; the validation cleanup task
// drives this.
func (c *ValidationCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	removed := 0
	for _, key := range c.entries.Keys() {
		entry, ok := c.entries.Peek(key)
		if !ok {
			continue
		}
		if !now.Before(entry.ExpiresAt) {
			c.entries.Remove(key)
			removed++
		}
	}
	return removed
}

// Len returns the current number of entries.
func (c *ValidationCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}
