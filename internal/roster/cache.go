// Package roster memoizes class rosters (student id to display name).
package roster

import (
	"context"
	"sync"

	"coteacher/internal/models"
)

// Fetcher loads a roster from its source of truth.
type Fetcher func(ctx context.Context, classID string) (models.Roster, error)

// Cache is a process-local roster cache keyed by class id. It never evicts
// on its own; entries go away only through Clear. Last write wins.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]models.Roster
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]models.Roster)}
}

func (c *Cache) Set(classID string, roster models.Roster) {
	c.mu.Lock()
	c.entries[classID] = roster.Clone()
	c.mu.Unlock()
}

// Get returns a copy of the cached roster.
func (c *Cache) Get(classID string) (models.Roster, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.entries[classID]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

func (c *Cache) Has(classID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[classID]
	return ok
}

// Clear drops the named classes, or every entry when none are named.
func (c *Cache) Clear(classIDs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(classIDs) == 0 {
		c.entries = make(map[string]models.Roster)
		return
	}
	for _, id := range classIDs {
		delete(c.entries, id)
	}
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Load returns the cached roster or fetches and caches it.
func (c *Cache) Load(ctx context.Context, classID string, fetch Fetcher) (models.Roster, error) {
	if r, ok := c.Get(classID); ok {
		return r, nil
	}
	r, err := fetch(ctx, classID)
	if err != nil {
		return nil, err
	}
	c.Set(classID, r)
	return r.Clone(), nil
}
