package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	kiroauth "github.com/ki2api/kiro-gateway/internal/auth/kiro"
	"github.com/ki2api/kiro-gateway/internal/config"
	"github.com/ki2api/kiro-gateway/internal/pool"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type staticRefresher struct{}

func (staticRefresher) Refresh(_ context.Context, cred *kiroauth.Credential) (*kiroauth.Credential, error) {
	out := *cred
	out.AccessToken = "refreshed-token"
	out.ExpiresAt = "2099-01-01T00:00:00Z"
	return &out, nil
}

func (staticRefresher) GetUsageLimits(context.Context, *kiroauth.Credential) (json.RawMessage, error) {
	return json.RawMessage(`{"remaining": 42}`), nil
}

func newTestHandlers(t *testing.T) (*Handlers, *gin.Engine) {
	t.Helper()
	dir := t.TempDir()

	store, err := pool.NewStore(filepath.Join(dir, "credentials.json"))
	require.NoError(t, err)
	pm, err := pool.NewPoolManager(config.Default(), staticRefresher{}, store, filepath.Join(dir, "pools.json"))
	require.NoError(t, err)
	keys, err := NewKeyStore(filepath.Join(dir, "keys.json"))
	require.NoError(t, err)

	h := &Handlers{
		AdminKey: "admin-secret",
		Pools:    pm,
		Keys:     keys,
		CSRF:     NewCSRFStore(),
	}
	r := gin.New()
	RegisterRoutes(r, h)
	return h, r
}

func adminRequest(t *testing.T, r *gin.Engine, method, path, csrf string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer admin-secret")
	req.Header.Set("Content-Type", "application/json")
	if csrf != "" {
		req.Header.Set("x-csrf-token", csrf)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func csrfFor(t *testing.T, r *gin.Engine) string {
	t.Helper()
	w := adminRequest(t, r, http.MethodGet, "/api/admin/csrf-token", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	return gjson.Get(w.Body.String(), "token").String()
}

func TestAdminRejectsBadBearer(t *testing.T) {
	_, r := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/credentials", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/admin/credentials", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminAcceptsAPIKeyHeader(t *testing.T) {
	_, r := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/csrf-token", nil)
	req.Header.Set("x-api-key", "admin-secret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/admin/csrf-token", nil)
	req.Header.Set("x-api-key", "wrong")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// x-api-key wins over a stale Authorization header.
	req = httptest.NewRequest(http.MethodGet, "/api/admin/csrf-token", nil)
	req.Header.Set("x-api-key", "admin-secret")
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminMutationRequiresCSRF(t *testing.T) {
	_, r := newTestHandlers(t)

	w := adminRequest(t, r, http.MethodPost, "/api/admin/pools", "", pool.Pool{ID: "x", Name: "X", Enabled: true})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdminCSRFTokenIsOneShot(t *testing.T) {
	_, r := newTestHandlers(t)
	token := csrfFor(t, r)

	w := adminRequest(t, r, http.MethodPost, "/api/admin/pools", token,
		pool.Pool{ID: "backup", Name: "Backup", Priority: 5, Enabled: true})
	assert.Equal(t, http.StatusOK, w.Code)

	// Reusing the same token fails.
	w = adminRequest(t, r, http.MethodPost, "/api/admin/pools", token,
		pool.Pool{ID: "another", Name: "Another", Enabled: true})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdminPoolLifecycle(t *testing.T) {
	_, r := newTestHandlers(t)

	w := adminRequest(t, r, http.MethodPost, "/api/admin/pools", csrfFor(t, r),
		pool.Pool{ID: "backup", Name: "Backup", Priority: 5, Enabled: true})
	require.Equal(t, http.StatusOK, w.Code)

	w = adminRequest(t, r, http.MethodGet, "/api/admin/pools/backup", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Backup", gjson.Get(w.Body.String(), "pool.name").String())

	w = adminRequest(t, r, http.MethodPost, "/api/admin/pools/backup/disabled", csrfFor(t, r),
		map[string]any{"disabled": true})
	require.Equal(t, http.StatusOK, w.Code)

	w = adminRequest(t, r, http.MethodGet, "/api/admin/pools/backup", "", nil)
	assert.False(t, gjson.Get(w.Body.String(), "pool.enabled").Bool())

	w = adminRequest(t, r, http.MethodDelete, "/api/admin/pools/backup", csrfFor(t, r), nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = adminRequest(t, r, http.MethodGet, "/api/admin/pools/backup", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminDefaultPoolIsProtected(t *testing.T) {
	_, r := newTestHandlers(t)

	w := adminRequest(t, r, http.MethodDelete, "/api/admin/pools/default", csrfFor(t, r), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminKeyLifecycle(t *testing.T) {
	h, r := newTestHandlers(t)

	w := adminRequest(t, r, http.MethodPost, "/api/admin/keys", csrfFor(t, r),
		map[string]any{"name": "team-a", "poolId": "default"})
	require.Equal(t, http.StatusOK, w.Code)
	created := gjson.Get(w.Body.String(), "key").String()
	assert.Regexp(t, `^sk-[A-Za-z0-9]{32}$`, created)
	id := strconv.FormatUint(gjson.Get(w.Body.String(), "id").Uint(), 10)

	// Listing masks the secret.
	w = adminRequest(t, r, http.MethodGet, "/api/admin/keys", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), created)

	w = adminRequest(t, r, http.MethodPut, "/api/admin/keys/"+id, csrfFor(t, r),
		map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, w.Code)

	_, ok := h.Keys.Authenticate(created)
	assert.False(t, ok)

	w = adminRequest(t, r, http.MethodDelete, "/api/admin/keys/"+id, csrfFor(t, r), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, h.Keys.Len())
}

func TestAdminSchedulingMode(t *testing.T) {
	h, r := newTestHandlers(t)

	w := adminRequest(t, r, http.MethodPost, "/api/admin/scheduling-mode", csrfFor(t, r),
		map[string]any{"mode": "priority"})
	require.Equal(t, http.StatusOK, w.Code)

	mgr, err := h.Pools.Manager(pool.DefaultPoolID)
	require.NoError(t, err)
	assert.Equal(t, pool.SchedulingPriorityFill, mgr.SchedulingModeValue())

	w = adminRequest(t, r, http.MethodPost, "/api/admin/scheduling-mode", csrfFor(t, r),
		map[string]any{"mode": "bogus"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminLogsEndpoint(t *testing.T) {
	_, r := newTestHandlers(t)

	w := adminRequest(t, r, http.MethodGet, "/api/admin/logs?limit=10", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, gjson.Get(w.Body.String(), "entries").Exists())
}
