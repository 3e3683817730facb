package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSessionCachePutGet(t *testing.T) {
	c := NewSessionCache(4, time.Hour)
	c.Put("s1", 7)

	id, ok := c.Get("s1")
	assert.True(t, ok)
	assert.Equal(t, uint64(7), id)

	_, ok = c.Get("unknown")
	assert.False(t, ok)
}

func TestSessionCacheEvictsLRU(t *testing.T) {
	c := NewSessionCache(2, time.Hour)
	c.Put("a", 1)
	c.Put("b", 2)

	// Touch "a" so "b" becomes the eviction candidate.
	_, _ = c.Get("a")
	c.Put("c", 3)

	_, ok := c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestSessionCacheTTLExpiry(t *testing.T) {
	c := NewSessionCache(4, time.Minute)
	current := time.Unix(1000, 0)
	c.now = func() time.Time { return current }

	c.Put("s1", 1)
	current = current.Add(2 * time.Minute)

	_, ok := c.Get("s1")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestSessionCacheDisabled(t *testing.T) {
	c := NewSessionCache(0, time.Hour)
	c.Put("s1", 1)
	_, ok := c.Get("s1")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestSessionCacheIgnoresEmptySessionID(t *testing.T) {
	c := NewSessionCache(4, time.Hour)
	c.Put("", 1)
	assert.Equal(t, 0, c.Len())
}

func TestSessionCacheUpdateInPlace(t *testing.T) {
	c := NewSessionCache(2, time.Hour)
	c.Put("s1", 1)
	c.Put("s1", 9)

	id, ok := c.Get("s1")
	assert.True(t, ok)
	assert.Equal(t, uint64(9), id)
	assert.Equal(t, 1, c.Len())
}
