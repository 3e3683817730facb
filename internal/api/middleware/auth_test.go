package middleware

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ki2api/kiro-gateway/internal/admin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func authRouter(cfg AuthConfig) *gin.Engine {
	r := gin.New()
	r.Use(Auth(cfg))
	r.GET("/probe", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"keyId":   c.GetUint64(ContextKeyID),
			"pool":    c.GetString(ContextKeyPool),
			"rateKey": c.GetString(ContextRateKey),
		})
	})
	return r
}

func TestAuthOpenWhenNoKeysConfigured(t *testing.T) {
	r := authRouter(AuthConfig{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthGlobalKey(t *testing.T) {
	r := authRouter(AuthConfig{GlobalKey: "sk-global"})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("x-api-key", "sk-global")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("Authorization", "Bearer sk-global")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthRejectsMissingAndWrongKey(t *testing.T) {
	r := authRouter(AuthConfig{GlobalKey: "sk-global"})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/probe", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "authentication_error")

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("x-api-key", "sk-wrong")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthManagedKeyCarriesPool(t *testing.T) {
	keys, err := admin.NewKeyStore(filepath.Join(t.TempDir(), "keys.json"))
	require.NoError(t, err)
	created, err := keys.Create("team-a", "pool-a")
	require.NoError(t, err)

	r := authRouter(AuthConfig{Keys: keys})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("x-api-key", created.Key)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"pool":"pool-a"`)
	assert.Contains(t, w.Body.String(), `"rateKey":"team-a"`)
}

func TestAuthKeysCreatedAtRuntimeCloseTheSurface(t *testing.T) {
	keys, err := admin.NewKeyStore(filepath.Join(t.TempDir(), "keys.json"))
	require.NoError(t, err)
	r := authRouter(AuthConfig{Keys: keys})

	// Open while the store is empty.
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/probe", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	_, err = keys.Create("team-a", "")
	require.NoError(t, err)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/probe", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
