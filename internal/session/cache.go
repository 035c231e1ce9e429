package session

import (
	"errors"
	"sync"
)

// ErrCacheFull is returned when a new user would exceed the cache capacity.
var ErrCacheFull = errors.New("session cache full")

// Cache maps external user ids to their current handle. It lives for the
// process lifetime and never expires entries on its own.
type Cache struct {
	mu       sync.RWMutex
	entries  map[string]*Handle
	capacity int
}

// NewCache creates a cache holding at most capacity users. Zero means unbounded.
func NewCache(capacity int) *Cache {
	return &Cache{
		entries:  make(map[string]*Handle),
		capacity: capacity,
	}
}

// Get returns the handle for userID.
func (c *Cache) Get(userID string) (*Handle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.entries[userID]
	return h, ok
}

// Put stores h for userID, replacing any previous handle. Existing users can
// always be overwritten; a new user over capacity gets ErrCacheFull.
func (c *Cache) Put(userID string, h *Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[userID]; !exists && c.capacity > 0 && len(c.entries) >= c.capacity {
		return ErrCacheFull
	}
	c.entries[userID] = h
	return nil
}

// Admits reports whether Put for userID would succeed now.
func (c *Cache) Admits(userID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, exists := c.entries[userID]
	return exists || c.capacity == 0 || len(c.entries) < c.capacity
}

// Delete drops the handle for userID.
func (c *Cache) Delete(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
}

// Len returns the number of cached users.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
