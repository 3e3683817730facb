package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"github.com/ki2api/kiro-gateway/internal/api/middleware"
	kiroauth "github.com/ki2api/kiro-gateway/internal/auth/kiro"
	"github.com/ki2api/kiro-gateway/internal/config"
	"github.com/ki2api/kiro-gateway/internal/eventstream"
	"github.com/ki2api/kiro-gateway/internal/pool"
	"github.com/ki2api/kiro-gateway/internal/translator/claude"
	"github.com/ki2api/kiro-gateway/internal/upstream"
)

const (
	// maxRelayAttempts bounds the non-streaming retry loop: the first try
	// plus retries on quota exhaustion or transient upstream failures.
	maxRelayAttempts = 3

	// retryBackoff is the pause before retrying a transient failure. Quota
	// exhaustion retries immediately with a different credential.
	retryBackoff = 500 * time.Millisecond

	// transientRetryBudget caps backoff retries separately from quota
	// retries, which rotate credentials without waiting.
	transientRetryBudget = 2
)

// handleMessages serves POST /v1/messages and its buffered variant
// /cc/v1/messages.
func (s *Server) handleMessages(buffered bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req claude.MessagesRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			errorJSON(c, http.StatusBadRequest, "invalid_request_error", "invalid request body: "+err.Error())
			return
		}
		if len(req.Messages) == 0 {
			errorJSON(c, http.StatusBadRequest, "invalid_request_error", "messages must not be empty")
			return
		}
		if _, err := claude.UpstreamModelID(req.Model); err != nil {
			errorJSON(c, http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("model %q is not supported", req.Model))
			return
		}

		cfg := s.config()
		history := claude.ManageHistory(cfg.History, req.Messages, req.System)
		req.Messages = history.Messages
		req.System = history.System
		if history.Truncated {
			log.WithFields(log.Fields{
				"estimatedTokens": history.EstimatedTokens,
				"keptMessages":    len(history.Messages),
			}).Info("conversation history truncated")
		}

		mgr, err := s.pools.Route(c.GetString(middleware.ContextKeyPool))
		if err != nil {
			errorJSON(c, http.StatusServiceUnavailable, "overloaded_error", "no credential pool available: "+err.Error())
			return
		}

		sessionID := sessionIDFrom(c, &req)
		inputEstimate := claude.CountRequestTokens(&req)

		if req.Stream {
			s.streamMessages(c, cfg, mgr, &req, sessionID, inputEstimate, buffered)
			return
		}
		s.relayMessages(c, cfg, mgr, &req, sessionID, inputEstimate)
	}
}

// relayMessages is the non-streaming path. Quota exhaustion rotates to a
// fresh credential immediately; transient failures back off before retrying.
func (s *Server) relayMessages(c *gin.Context, cfg *config.Config, mgr *pool.Manager, req *claude.MessagesRequest, sessionID string, inputEstimate int) {
	ctx := c.Request.Context()
	backoffBudget := transientRetryBudget
	var lastErr error

	// Converted once; the profile ARN is patched per credential on retry.
	basePayload, err := claude.Convert(req, "")
	if err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	for attempt := 0; attempt < maxRelayAttempts; attempt++ {
		lease, err := mgr.Acquire(ctx, sessionID)
		if err != nil {
			errorJSON(c, http.StatusServiceUnavailable, "overloaded_error", "no usable credentials: "+err.Error())
			return
		}

		payload, err := s.payloadFor(cfg, basePayload, lease)
		if err != nil {
			errorJSON(c, http.StatusInternalServerError, "api_error", err.Error())
			return
		}

		start := time.Now()
		resp, err := s.call(ctx, s.callOptions(cfg, lease), payload)
		if err != nil {
			lastErr = err
			mgr.ReportFailure(lease.ID)
			middleware.RecordUpstream("error")
			log.WithError(err).WithField("credentialId", lease.ID).Warn("upstream call failed")
			if backoffBudget > 0 {
				backoffBudget--
				time.Sleep(retryBackoff)
				continue
			}
			break
		}

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			_ = resp.Body.Close()
			if isQuotaResponse(resp.StatusCode, body) {
				lastErr = fmt.Errorf("credential %d quota exhausted", lease.ID)
				mgr.ReportQuotaExhausted(lease.ID)
				middleware.RecordUpstream("quota_exhausted")
				log.WithField("credentialId", lease.ID).Warn("monthly quota exhausted, rotating credential")
				continue
			}
			lastErr = fmt.Errorf("upstream status %d: %s", resp.StatusCode, truncateForLog(body))
			mgr.ReportFailure(lease.ID)
			middleware.RecordUpstream("error")
			log.WithFields(log.Fields{
				"credentialId": lease.ID,
				"status":       resp.StatusCode,
			}).Warn("upstream returned error status")
			if resp.StatusCode >= http.StatusInternalServerError && backoffBudget > 0 {
				backoffBudget--
				time.Sleep(retryBackoff)
				continue
			}
			errorJSON(c, http.StatusBadGateway, "api_error", fmt.Sprintf("upstream returned status %d", resp.StatusCode))
			return
		}

		acc := claude.NewAccumulator()
		err = drainEventStream(resp.Body, acc.Add)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = err
			var upErr *claude.UpstreamError
			if errors.As(err, &upErr) && upErr.IsQuotaExhausted() {
				mgr.ReportQuotaExhausted(lease.ID)
				middleware.RecordUpstream("quota_exhausted")
				log.WithField("credentialId", lease.ID).Warn("monthly quota exhausted mid-stream, rotating credential")
				continue
			}
			mgr.ReportFailure(lease.ID)
			middleware.RecordUpstream("error")
			log.WithError(err).WithField("credentialId", lease.ID).Warn("upstream stream failed")
			if backoffBudget > 0 {
				backoffBudget--
				time.Sleep(retryBackoff)
				continue
			}
			break
		}

		mgr.ReportSuccess(lease.ID, time.Since(start))
		middleware.RecordUpstream("success")
		c.JSON(http.StatusOK, acc.Response(req.Model, inputEstimate))
		return
	}

	message := "upstream request failed"
	if lastErr != nil {
		message = "upstream request failed: " + lastErr.Error()
	}
	errorJSON(c, http.StatusBadGateway, "api_error", message)
}

// streamMessages relays one upstream stream as Anthropic SSE. In buffered
// mode output is withheld until the first context usage event so
// message_start carries the real input token count.
func (s *Server) streamMessages(c *gin.Context, cfg *config.Config, mgr *pool.Manager, req *claude.MessagesRequest, sessionID string, inputEstimate int, buffered bool) {
	ctx := c.Request.Context()

	lease, err := mgr.Acquire(ctx, sessionID)
	if err != nil {
		errorJSON(c, http.StatusServiceUnavailable, "overloaded_error", "no usable credentials: "+err.Error())
		return
	}

	basePayload, err := claude.Convert(req, "")
	if err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	payload, err := s.payloadFor(cfg, basePayload, lease)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "api_error", err.Error())
		return
	}

	start := time.Now()
	resp, err := s.call(ctx, s.callOptions(cfg, lease), payload)
	if err != nil {
		mgr.ReportFailure(lease.ID)
		middleware.RecordUpstream("error")
		errorJSON(c, http.StatusBadGateway, "api_error", "upstream request failed: "+err.Error())
		return
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if isQuotaResponse(resp.StatusCode, body) {
			mgr.ReportQuotaExhausted(lease.ID)
			middleware.RecordUpstream("quota_exhausted")
			errorJSON(c, http.StatusServiceUnavailable, "overloaded_error", "credential quota exhausted")
			return
		}
		mgr.ReportFailure(lease.ID)
		middleware.RecordUpstream("error")
		errorJSON(c, http.StatusBadGateway, "api_error", fmt.Sprintf("upstream returned status %d", resp.StatusCode))
		return
	}

	middleware.StreamOpened()
	defer middleware.StreamClosed()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	stream := newStreamState(newSSEWriter(c), req.Model, inputEstimate, buffered)
	acc := claude.NewAccumulator()

	// Capacity one so the reader's terminal error send never blocks.
	events := make(chan streamChunk, 1)
	go func() {
		defer close(events)
		readErr := drainEventStream(resp.Body, func(ev eventstream.Event) error {
			select {
			case events <- streamChunk{ev: ev}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if readErr != nil && !errors.Is(readErr, context.Canceled) {
			select {
			case events <- streamChunk{err: readErr}:
			case <-ctx.Done():
			}
		}
	}()

	ping := time.NewTicker(ssePingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			// Client went away; the read goroutine unblocks via ctx.
			mgr.ReportSuccess(lease.ID, time.Since(start))
			return

		case <-ping.C:
			stream.ping()

		case chunk, ok := <-events:
			if !ok {
				mgr.ReportSuccess(lease.ID, time.Since(start))
				middleware.RecordUpstream("success")
				stream.finish(acc)
				return
			}
			if chunk.err != nil {
				mgr.ReportFailure(lease.ID)
				middleware.RecordUpstream("error")
				stream.fail("stream interrupted: " + chunk.err.Error())
				return
			}
			if err = acc.Add(chunk.ev); err != nil {
				var upErr *claude.UpstreamError
				if errors.As(err, &upErr) && upErr.IsQuotaExhausted() {
					mgr.ReportQuotaExhausted(lease.ID)
					middleware.RecordUpstream("quota_exhausted")
				} else {
					mgr.ReportFailure(lease.ID)
					middleware.RecordUpstream("error")
				}
				stream.fail(err.Error())
				return
			}
			stream.handle(chunk.ev)
		}
	}
}

// streamChunk carries one decoded event or a terminal read error.
type streamChunk struct {
	ev  eventstream.Event
	err error
}

// drainEventStream feeds the response body through the frame decoder and
// hands each logical event to fn.
func drainEventStream(r io.Reader, fn func(eventstream.Event) error) error {
	var dec eventstream.Decoder
	buf := make([]byte, 32*1024)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			frames, err := dec.Feed(buf[:n])
			if err != nil {
				return err
			}
			for i := range frames {
				if err = fn(eventstream.ParseFrame(&frames[i])); err != nil {
					return err
				}
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

// isQuotaResponse recognises a monthly-quota rejection from the status code
// or the error body.
func isQuotaResponse(status int, body []byte) bool {
	return status == http.StatusPaymentRequired || bytes.Contains(body, []byte("MONTHLY_REQUEST_COUNT"))
}

func truncateForLog(body []byte) string {
	const limit = 512
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}

// callOptions builds the upstream call settings for a leased credential.
func (s *Server) callOptions(cfg *config.Config, lease *pool.Lease) upstream.CallOptions {
	region := lease.Credential.Region
	if region == "" {
		region = cfg.Region
	}
	machineID := lease.Credential.MachineID
	if machineID == "" {
		machineID = cfg.MachineID
	}
	return upstream.CallOptions{
		AccessToken: lease.AccessToken,
		Region:      region,
		UserAgent:   fmt.Sprintf("KiroIDE-%s-%s", cfg.KiroVersion, machineID),
		Proxy:       lease.Proxy,
		Timeout:     upstreamTimeout,
	}
}

// profileArnFor returns the profile ARN to send upstream. Only social-auth
// credentials carry one; IdC calls must omit it.
func (s *Server) profileArnFor(cfg *config.Config, lease *pool.Lease) string {
	if lease.Credential.CanonicalAuthMethod() != kiroauth.AuthMethodSocial {
		return ""
	}
	if lease.Credential.ProfileArn != "" {
		return lease.Credential.ProfileArn
	}
	return cfg.ProfileArn
}

// payloadFor stamps the leased credential's profile ARN onto the converted
// envelope, keeping the conversion itself credential-independent.
func (s *Server) payloadFor(cfg *config.Config, base []byte, lease *pool.Lease) ([]byte, error) {
	arn := s.profileArnFor(cfg, lease)
	if arn == "" {
		return base, nil
	}
	return sjson.SetBytes(base, "profileArn", arn)
}
