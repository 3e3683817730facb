package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/ki2api/kiro-gateway/internal/translator/claude"
)

// modelInfo is one entry of the static model catalogue.
type modelInfo struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	CreatedAt   string `json:"created_at"`
	MaxTokens   int    `json:"max_tokens"`
}

// modelCatalogue lists the models this gateway accepts. The upstream does
// not expose a listing API, so the catalogue is static.
var modelCatalogue = []modelInfo{
	{Type: "model", ID: "claude-sonnet-4-5-20250929", DisplayName: "Claude Sonnet 4.5", CreatedAt: "2025-09-29T00:00:00Z", MaxTokens: 32000},
	{Type: "model", ID: "claude-opus-4-5-20251101", DisplayName: "Claude Opus 4.5", CreatedAt: "2025-11-01T00:00:00Z", MaxTokens: 32000},
	{Type: "model", ID: "claude-haiku-4-5-20251001", DisplayName: "Claude Haiku 4.5", CreatedAt: "2025-10-01T00:00:00Z", MaxTokens: 32000},
}

// handleModels serves GET /v1/models.
func (s *Server) handleModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"data":     modelCatalogue,
		"has_more": false,
		"first_id": modelCatalogue[0].ID,
		"last_id":  modelCatalogue[len(modelCatalogue)-1].ID,
	})
}

// handleCountTokens serves POST /v1/messages/count_tokens. Counting is
// local by default; when an external counting API is configured the raw
// request is forwarded there instead.
func (s *Server) handleCountTokens(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}

	cfg := s.config()
	if cfg.CountTokensAPIURL != "" {
		if s.forwardCountTokens(c, body) {
			return
		}
		// Fall back to the local estimate when the external API fails.
	}

	var req claude.MessagesRequest
	if err = json.Unmarshal(body, &req); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid_request_error", "invalid request body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		errorJSON(c, http.StatusBadRequest, "invalid_request_error", "messages must not be empty")
		return
	}

	c.JSON(http.StatusOK, gin.H{"input_tokens": claude.CountRequestTokens(&req)})
}

// forwardCountTokens relays a counting request to the configured external
// API. Returns false when the response should not be trusted.
func (s *Server) forwardCountTokens(c *gin.Context, body []byte) bool {
	cfg := s.config()

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.CountTokensAPIURL, bytes.NewReader(body))
	if err != nil {
		log.WithError(err).Warn("count_tokens forward request build failed")
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", "2023-06-01")
	if cfg.CountTokensAPIKey != "" {
		if strings.EqualFold(cfg.CountTokensAuthType, "bearer") {
			req.Header.Set("Authorization", "Bearer "+cfg.CountTokensAPIKey)
		} else {
			req.Header.Set("x-api-key", cfg.CountTokensAPIKey)
		}
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.WithError(err).Warn("count_tokens forward failed, falling back to local estimate")
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil || resp.StatusCode != http.StatusOK {
		log.WithField("status", resp.StatusCode).Warn("count_tokens forward returned error, falling back to local estimate")
		return false
	}

	c.Data(http.StatusOK, "application/json", payload)
	return true
}
