package admin

import (
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKeyStore(t *testing.T) *KeyStore {
	t.Helper()
	store, err := NewKeyStore(filepath.Join(t.TempDir(), "api_keys.json"))
	require.NoError(t, err)
	return store
}

func TestGenerateKeyFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^sk-[A-Za-z0-9]{32}$`)
	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		key, err := GenerateKey()
		require.NoError(t, err)
		assert.Regexp(t, pattern, key)
		assert.False(t, seen[key], "keys must not repeat")
		seen[key] = true
	}
}

func TestKeyStoreCreateAndAuthenticate(t *testing.T) {
	store := newTestKeyStore(t)

	key, err := store.Create("ci-bot", "eu")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), key.ID)
	assert.Equal(t, "eu", key.PoolID)
	assert.True(t, key.Enabled)

	found, ok := store.Authenticate(key.Key)
	require.True(t, ok)
	assert.Equal(t, key.ID, found.ID)

	_, ok = store.Authenticate("sk-wrongwrongwrongwrongwrongwrong00")
	assert.False(t, ok)
	_, ok = store.Authenticate("")
	assert.False(t, ok)
}

func TestKeyStoreNameUniqueness(t *testing.T) {
	store := newTestKeyStore(t)
	_, err := store.Create("bot", "")
	require.NoError(t, err)

	_, err = store.Create("bot", "")
	assert.ErrorIs(t, err, ErrDuplicateKeyName)

	_, err = store.Create("  ", "")
	assert.Error(t, err)
}

func TestKeyStoreMaskedList(t *testing.T) {
	store := newTestKeyStore(t)
	key, err := store.Create("bot", "")
	require.NoError(t, err)

	list := store.List()
	require.Len(t, list, 1)
	assert.Equal(t, key.Key[:8]+"***", list[0].Key)
	assert.NotContains(t, list[0].Key, key.Key[10:])
}

func TestKeyStoreUpdate(t *testing.T) {
	store := newTestKeyStore(t)
	key, err := store.Create("bot", "eu")
	require.NoError(t, err)

	// Pool binding cleared by an explicit empty value.
	empty := ""
	updated, err := store.Update(key.ID, KeyUpdate{PoolID: &empty})
	require.NoError(t, err)
	assert.Empty(t, updated.PoolID)

	// Nil fields stay untouched.
	name := "renamed"
	updated, err = store.Update(key.ID, KeyUpdate{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Empty(t, updated.PoolID)

	disabled := false
	updated, err = store.Update(key.ID, KeyUpdate{Enabled: &disabled})
	require.NoError(t, err)
	assert.False(t, updated.Enabled)

	// Disabled keys no longer authenticate.
	_, ok := store.Authenticate(key.Key)
	assert.False(t, ok)

	_, err = store.Update(99, KeyUpdate{})
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestKeyStoreUpdateNameCollision(t *testing.T) {
	store := newTestKeyStore(t)
	_, err := store.Create("first", "")
	require.NoError(t, err)
	second, err := store.Create("second", "")
	require.NoError(t, err)

	name := "first"
	_, err = store.Update(second.ID, KeyUpdate{Name: &name})
	assert.ErrorIs(t, err, ErrDuplicateKeyName)
}

func TestKeyStoreDeleteAndIDAssignment(t *testing.T) {
	store := newTestKeyStore(t)
	first, err := store.Create("first", "")
	require.NoError(t, err)
	second, err := store.Create("second", "")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.ID)

	require.NoError(t, store.Delete(first.ID))
	assert.ErrorIs(t, store.Delete(first.ID), ErrKeyNotFound)

	// Ids keep increasing from the maximum, never reused while the max
	// key exists.
	third, err := store.Create("third", "")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), third.ID)
}

func TestKeyStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "api_keys.json")

	store, err := NewKeyStore(path)
	require.NoError(t, err)
	key, err := store.Create("bot", "eu")
	require.NoError(t, err)

	reopened, err := NewKeyStore(path)
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Len())
	found, ok := reopened.Authenticate(key.Key)
	require.True(t, ok)
	assert.Equal(t, "eu", found.PoolID)
}
