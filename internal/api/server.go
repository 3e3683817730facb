// Package api implements the gateway's HTTP surface: the Anthropic-compatible
// Messages endpoints, the model catalogue, token counting, health checks and
// the admin API mount. Requests are translated to the CodeWhisperer wire
// format and relayed through the credential pool manager.
package api

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/ki2api/kiro-gateway/internal/admin"
	"github.com/ki2api/kiro-gateway/internal/api/middleware"
	"github.com/ki2api/kiro-gateway/internal/config"
	"github.com/ki2api/kiro-gateway/internal/logging"
	"github.com/ki2api/kiro-gateway/internal/pool"
	"github.com/ki2api/kiro-gateway/internal/translator/claude"
	"github.com/ki2api/kiro-gateway/internal/upstream"
)

// callFunc posts a payload upstream. Swappable for tests.
type callFunc func(ctx context.Context, opts upstream.CallOptions, payload []byte) (*http.Response, error)

// upstreamTimeout bounds one generate call end to end, including the full
// streamed response.
const upstreamTimeout = 15 * time.Minute

// Server owns the gin engine and everything the handlers need.
type Server struct {
	pools   *pool.PoolManager
	keys    *admin.KeyStore
	csrf    *admin.CSRFStore
	limiter *middleware.Limiter
	call    callFunc

	mu  sync.RWMutex
	cfg *config.Config

	httpSrv *http.Server
}

// NewServer wires a server over the given pool manager and stores. keys may
// be nil when managed API keys are not configured.
func NewServer(cfg *config.Config, pools *pool.PoolManager, keys *admin.KeyStore) *Server {
	return &Server{
		cfg:     cfg,
		pools:   pools,
		keys:    keys,
		csrf:    admin.NewCSRFStore(),
		limiter: middleware.NewLimiter(cfg.RateLimit),
		call:    upstream.GenerateAssistantResponse,
	}
}

// config returns the current configuration snapshot.
func (s *Server) config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// ApplyConfig swaps in a reloaded configuration. Only dynamic settings take
// effect without restart: rate limits, history knobs, token counting and the
// health check interval.
func (s *Server) ApplyConfig(cfg *config.Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.limiter.SetLimits(cfg.RateLimit)
	log.Info("configuration reloaded")
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(logging.GinLogrusLogger())
	r.Use(logging.GinLogrusRecovery())
	r.Use(middleware.Metrics())

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", middleware.MetricsHandler())

	cfg := s.config()
	authed := r.Group("/")
	authed.Use(middleware.Auth(middleware.AuthConfig{GlobalKey: cfg.APIKey, Keys: s.keys}))
	authed.Use(middleware.RateLimit(s.limiter))
	authed.Use(middleware.Decompress())

	authed.POST("/v1/messages", s.handleMessages(false))
	authed.POST("/cc/v1/messages", s.handleMessages(true))
	authed.POST("/v1/messages/count_tokens", s.handleCountTokens)
	authed.GET("/v1/models", s.handleModels)

	if cfg.AdminEnabled() {
		admin.RegisterRoutes(r, &admin.Handlers{
			AdminKey: cfg.AdminAPIKey,
			Pools:    s.pools,
			Keys:     s.keys,
			CSRF:     s.csrf,
		})
	} else {
		log.Info("admin API disabled, no adminApiKey configured")
	}

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.config()
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.Router(),
		ReadHeaderTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", cfg.Addr())
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// errorJSON writes an Anthropic-shaped error body and aborts.
func errorJSON(c *gin.Context, status int, errType, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"type": "error",
		"error": gin.H{
			"type":    errType,
			"message": message,
		},
	})
}

// sessionIDFrom resolves the sticky-session identifier for a request, in
// priority order: a "session_xxx" marker inside metadata.user_id, the
// x-session-id header, then a hash of the system prompt.
func sessionIDFrom(c *gin.Context, req *claude.MessagesRequest) string {
	if req.Metadata != nil {
		if id := userIDSession(req.Metadata.UserID); id != "" {
			return id
		}
	}
	if header := c.GetHeader("x-session-id"); header != "" {
		return header
	}
	if system := req.System.Text(); system != "" {
		sum := sha256.Sum256([]byte(system))
		// Zero-padded so the id is always the hex of the first 8 digest bytes.
		return fmt.Sprintf("sys_%016x", binary.BigEndian.Uint64(sum[:8]))
	}
	return ""
}

// userIDSession extracts the "session_..." token from a metadata user id,
// terminated by the next "__" separator when present.
func userIDSession(userID string) string {
	idx := strings.Index(userID, "session_")
	if idx < 0 {
		return ""
	}
	token := userID[idx:]
	if end := strings.Index(token, "__"); end >= 0 {
		token = token[:end]
	}
	return token
}
