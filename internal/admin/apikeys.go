// Package admin implements the management surface: API key storage, CSRF
// protection for mutating calls, and the admin HTTP handlers.
package admin

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"
)

// apiKeyPrefix starts every generated key.
const apiKeyPrefix = "sk-"

// apiKeyRandomLen is the number of random characters after the prefix.
const apiKeyRandomLen = 32

const apiKeyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// ErrKeyNotFound is returned for unknown API key ids.
var ErrKeyNotFound = errors.New("api key not found")

// ErrDuplicateKeyName is returned when a key name is already taken.
var ErrDuplicateKeyName = errors.New("api key name already in use")

// APIKey is one client key. PoolID pins the key to a credential pool;
// empty means the default routing applies.
type APIKey struct {
	ID        uint64 `json:"id"`
	Name      string `json:"name"`
	Key       string `json:"key"`
	PoolID    string `json:"poolId,omitempty"`
	Enabled   bool   `json:"enabled"`
	CreatedAt string `json:"createdAt"`
}

// Masked returns the key with everything after the first eight characters
// hidden, for listings.
func (k *APIKey) Masked() string {
	if len(k.Key) <= 8 {
		return k.Key
	}
	return k.Key[:8] + "***"
}

// MaskedKey is the listing form of an APIKey, never exposing the secret.
type MaskedKey struct {
	ID        uint64 `json:"id"`
	Name      string `json:"name"`
	Key       string `json:"key"`
	PoolID    string `json:"poolId,omitempty"`
	Enabled   bool   `json:"enabled"`
	CreatedAt string `json:"createdAt"`
}

// KeyUpdate carries a partial API key update. Nil fields are left
// unchanged; an explicit empty PoolID clears the pool binding.
type KeyUpdate struct {
	Name    *string
	PoolID  *string
	Enabled *bool
}

// KeyStore is a file-backed API key registry.
type KeyStore struct {
	mu   sync.Mutex
	path string
	keys []APIKey

	now func() time.Time
}

// NewKeyStore loads the key file at path; a missing file yields an empty
// store.
func NewKeyStore(path string) (*KeyStore, error) {
	s := &KeyStore{path: path, now: time.Now}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err = json.Unmarshal(data, &s.keys); err != nil {
			return nil, fmt.Errorf("parse api keys %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read api keys %s: %w", path, err)
	}
	return s, nil
}

func (s *KeyStore) saveLocked() error {
	data, err := json.MarshalIndent(s.keys, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal api keys: %w", err)
	}
	if err = os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write api keys %s: %w", s.path, err)
	}
	return nil
}

// GenerateKey produces a new key string.
func GenerateKey() (string, error) {
	var sb strings.Builder
	sb.WriteString(apiKeyPrefix)
	max := big.NewInt(int64(len(apiKeyAlphabet)))
	for i := 0; i < apiKeyRandomLen; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate api key: %w", err)
		}
		sb.WriteByte(apiKeyAlphabet[n.Int64()])
	}
	return sb.String(), nil
}

// Create generates and stores a new enabled key. Names must be unique.
func (s *KeyStore) Create(name, poolID string) (*APIKey, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("api key name must not be empty")
	}

	secret, err := GenerateKey()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range s.keys {
		if k.Name == name {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateKeyName, name)
		}
	}

	var maxID uint64
	for _, k := range s.keys {
		if k.ID > maxID {
			maxID = k.ID
		}
	}

	key := APIKey{
		ID:        maxID + 1,
		Name:      name,
		Key:       secret,
		PoolID:    poolID,
		Enabled:   true,
		CreatedAt: s.now().UTC().Format(time.RFC3339),
	}
	s.keys = append(s.keys, key)
	if err = s.saveLocked(); err != nil {
		s.keys = s.keys[:len(s.keys)-1]
		return nil, err
	}
	return &key, nil
}

// Update applies a partial update to a key.
func (s *KeyStore) Update(id uint64, update KeyUpdate) (*APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.keys {
		if s.keys[i].ID != id {
			continue
		}
		if update.Name != nil {
			name := strings.TrimSpace(*update.Name)
			if name == "" {
				return nil, fmt.Errorf("api key name must not be empty")
			}
			for j := range s.keys {
				if j != i && s.keys[j].Name == name {
					return nil, fmt.Errorf("%w: %q", ErrDuplicateKeyName, name)
				}
			}
			s.keys[i].Name = name
		}
		if update.PoolID != nil {
			s.keys[i].PoolID = *update.PoolID
		}
		if update.Enabled != nil {
			s.keys[i].Enabled = *update.Enabled
		}
		if err := s.saveLocked(); err != nil {
			return nil, err
		}
		key := s.keys[i]
		return &key, nil
	}
	return nil, fmt.Errorf("%w: #%d", ErrKeyNotFound, id)
}

// Delete removes a key.
func (s *KeyStore) Delete(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.keys {
		if s.keys[i].ID == id {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			return s.saveLocked()
		}
	}
	return fmt.Errorf("%w: #%d", ErrKeyNotFound, id)
}

// List returns all keys in masked form.
func (s *KeyStore) List() []MaskedKey {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]MaskedKey, 0, len(s.keys))
	for i := range s.keys {
		k := &s.keys[i]
		out = append(out, MaskedKey{
			ID:        k.ID,
			Name:      k.Name,
			Key:       k.Masked(),
			PoolID:    k.PoolID,
			Enabled:   k.Enabled,
			CreatedAt: k.CreatedAt,
		})
	}
	return out
}

// Authenticate checks a presented key against every stored key in
// constant time per comparison. Disabled keys never match.
func (s *KeyStore) Authenticate(presented string) (*APIKey, bool) {
	if presented == "" {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.keys {
		k := &s.keys[i]
		if !k.Enabled {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(k.Key), []byte(presented)) == 1 {
			key := *k
			return &key, true
		}
	}
	return nil, false
}

// Len returns the number of stored keys.
func (s *KeyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}
