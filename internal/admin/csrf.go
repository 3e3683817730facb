package admin

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// csrfTokenTTL is how long an issued token stays redeemable.
const csrfTokenTTL = time.Hour

// csrfCleanupEvery triggers an expired-token sweep after this many issue
// or consume operations.
const csrfCleanupEvery = 100

// CSRFStore issues one-shot tokens that mutating admin calls must present
// in the x-csrf-token header.
type CSRFStore struct {
	mu     sync.Mutex
	tokens map[string]time.Time
	ops    int

	now func() time.Time
}

// NewCSRFStore returns an empty token store.
func NewCSRFStore() *CSRFStore {
	return &CSRFStore{
		tokens: make(map[string]time.Time),
		now:    time.Now,
	}
}

// Issue creates a new token valid for one use within the TTL.
func (s *CSRFStore) Issue() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate csrf token: %w", err)
	}
	token := hex.EncodeToString(buf)

	s.mu.Lock()
	s.tokens[token] = s.now().Add(csrfTokenTTL)
	s.maybeCleanupLocked()
	s.mu.Unlock()
	return token, nil
}

// Consume redeems a token. A token is valid exactly once; expired or
// unknown tokens fail.
func (s *CSRFStore) Consume(token string) bool {
	if token == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, ok := s.tokens[token]
	if ok {
		delete(s.tokens, token)
	}
	s.maybeCleanupLocked()
	return ok && s.now().Before(expiry)
}

// Len returns the number of outstanding tokens.
func (s *CSRFStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

func (s *CSRFStore) maybeCleanupLocked() {
	s.ops++
	if s.ops < csrfCleanupEvery {
		return
	}
	s.ops = 0
	now := s.now()
	for token, expiry := range s.tokens {
		if now.After(expiry) {
			delete(s.tokens, token)
		}
	}
}
