package pool

import (
	"container/list"
	"sync"
	"time"
)

// SessionCache maps session identifiers to credential ids so repeated calls
// from the same conversation land on the same upstream credential. Entries
// are evicted LRU-first at capacity and lazily on TTL expiry.
type SessionCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List
	index    map[string]*list.Element

	// now is swappable for tests.
	now func() time.Time
}

type sessionEntry struct {
	sessionID    string
	credentialID uint64
	expiresAt    time.Time
}

// NewSessionCache creates a cache with the given capacity and TTL. Capacity
// zero or negative disables caching entirely.
func NewSessionCache(capacity int, ttl time.Duration) *SessionCache {
	return &SessionCache{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		index:    make(map[string]*list.Element),
		now:      time.Now,
	}
}

// Get returns the credential id bound to sessionID, refreshing its recency.
func (c *SessionCache) Get(sessionID string) (uint64, bool) {
	if c.capacity <= 0 || sessionID == "" {
		return 0, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.index[sessionID]
	if !ok {
		return 0, false
	}
	entry := elem.Value.(*sessionEntry)
	if c.now().After(entry.expiresAt) {
		c.order.Remove(elem)
		delete(c.index, sessionID)
		return 0, false
	}
	c.order.MoveToFront(elem)
	return entry.credentialID, true
}

// Put binds sessionID to credentialID, evicting the least recently used
// entry when at capacity.
func (c *SessionCache) Put(sessionID string, credentialID uint64) {
	if c.capacity <= 0 || sessionID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(c.ttl)
	if elem, ok := c.index[sessionID]; ok {
		entry := elem.Value.(*sessionEntry)
		entry.credentialID = credentialID
		entry.expiresAt = expiresAt
		c.order.MoveToFront(elem)
		return
	}

	for c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.index, oldest.Value.(*sessionEntry).sessionID)
	}

	elem := c.order.PushFront(&sessionEntry{
		sessionID:    sessionID,
		credentialID: credentialID,
		expiresAt:    expiresAt,
	})
	c.index[sessionID] = elem
}

// Remove drops the binding for sessionID if present.
func (c *SessionCache) Remove(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.index[sessionID]; ok {
		c.order.Remove(elem)
		delete(c.index, sessionID)
	}
}

// Len returns the number of cached sessions, including not-yet-swept
// expired entries.
func (c *SessionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
