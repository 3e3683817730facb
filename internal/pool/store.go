package pool

import (
	"errors"
	"os"
	"sync"

	kiroauth "github.com/ki2api/kiro-gateway/internal/auth/kiro"
)

// Store is the single writer for the shared credentials file. Every pool's
// manager persists through it so concurrent writes from different pools
// never clobber each other.
type Store struct {
	mu   sync.Mutex
	path string
	file *kiroauth.CredentialsFile
}

// NewStore loads the credentials file at path. A missing file yields an
// empty store rather than an error, matching first-run behaviour.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.Reload(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.file = &kiroauth.CredentialsFile{Multiple: true}
			return s, nil
		}
		return nil, err
	}
	return s, nil
}

// Reload re-reads the credentials file from disk.
func (s *Store) Reload() error {
	file, err := kiroauth.LoadCredentials(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.file = file
	s.assignMissingIDsLocked()
	s.mu.Unlock()
	return nil
}

// assignMissingIDsLocked gives every credential without an id the next one
// after the file-wide maximum.
func (s *Store) assignMissingIDsLocked() {
	var maxID uint64
	for i := range s.file.Credentials {
		if s.file.Credentials[i].ID > maxID {
			maxID = s.file.Credentials[i].ID
		}
	}
	for i := range s.file.Credentials {
		if s.file.Credentials[i].ID == 0 {
			maxID++
			s.file.Credentials[i].ID = maxID
		}
	}
}

// NextID allocates the next credential id across all pools.
func (s *Store) NextID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var maxID uint64
	for i := range s.file.Credentials {
		if s.file.Credentials[i].ID > maxID {
			maxID = s.file.Credentials[i].ID
		}
	}
	return maxID + 1
}

// Partition groups credentials by pool id. Credentials without a pool id
// land in the default pool.
func (s *Store) Partition() map[string][]kiroauth.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()

	byPool := make(map[string][]kiroauth.Credential)
	for _, c := range s.file.Credentials {
		poolID := c.PoolID
		if poolID == "" {
			poolID = DefaultPoolID
		}
		byPool[poolID] = append(byPool[poolID], c)
	}
	return byPool
}

// All returns a copy of every credential in the file.
func (s *Store) All() []kiroauth.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]kiroauth.Credential, len(s.file.Credentials))
	copy(out, s.file.Credentials)
	return out
}

// ReplacePool swaps one pool's credentials inside the file and writes it
// back, leaving the other pools' entries in place.
func (s *Store) ReplacePool(poolID string, creds []kiroauth.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.file.Credentials[:0]
	for _, c := range s.file.Credentials {
		existing := c.PoolID
		if existing == "" {
			existing = DefaultPoolID
		}
		if existing != poolID {
			kept = append(kept, c)
		}
	}
	for _, c := range creds {
		if poolID != DefaultPoolID {
			c.PoolID = poolID
		}
		kept = append(kept, c)
	}
	s.file.Credentials = kept
	// Anything beyond a single credential forces array form on disk.
	if len(kept) > 1 {
		s.file.Multiple = true
	}
	return s.file.Save(s.path)
}

// AssignPool moves a credential to another pool and writes the file back.
func (s *Store) AssignPool(credentialID uint64, poolID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.file.Credentials {
		if s.file.Credentials[i].ID == credentialID {
			if poolID == DefaultPoolID {
				s.file.Credentials[i].PoolID = ""
			} else {
				s.file.Credentials[i].PoolID = poolID
			}
			return s.file.Save(s.path)
		}
	}
	return ErrCredentialNotFound
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}
