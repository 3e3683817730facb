package admin

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSRFIssueAndConsume(t *testing.T) {
	store := NewCSRFStore()

	token, err := store.Issue()
	require.NoError(t, err)
	assert.Len(t, token, 64)

	assert.True(t, store.Consume(token))
	// One shot only.
	assert.False(t, store.Consume(token))
}

func TestCSRFRejectsUnknownAndEmpty(t *testing.T) {
	store := NewCSRFStore()
	assert.False(t, store.Consume("deadbeef"))
	assert.False(t, store.Consume(""))
}

func TestCSRFExpiry(t *testing.T) {
	store := NewCSRFStore()
	current := time.Unix(1000, 0)
	store.now = func() time.Time { return current }

	token, err := store.Issue()
	require.NoError(t, err)

	current = current.Add(csrfTokenTTL + time.Minute)
	assert.False(t, store.Consume(token))
}

func TestCSRFCleanupSweepsExpired(t *testing.T) {
	store := NewCSRFStore()
	current := time.Unix(1000, 0)
	store.now = func() time.Time { return current }

	for i := 0; i < 50; i++ {
		_, err := store.Issue()
		require.NoError(t, err)
	}
	current = current.Add(csrfTokenTTL + time.Minute)

	// Enough further operations to cross the cleanup threshold.
	for i := 0; i < csrfCleanupEvery; i++ {
		_, err := store.Issue()
		require.NoError(t, err)
	}

	// The 50 expired tokens are gone; only live ones remain.
	assert.LessOrEqual(t, store.Len(), csrfCleanupEvery)
}
