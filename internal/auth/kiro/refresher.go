package kiro

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ki2api/kiro-gateway/internal/config"
	"github.com/ki2api/kiro-gateway/internal/upstream"

	log "github.com/sirupsen/logrus"
)

// idcAmzUserAgent is the exact x-amz-user-agent required by the SSO OIDC
// token endpoint.
const idcAmzUserAgent = "aws-sdk-js/3.738.0 ua/2.1 os/other lang/js md/browser#unknown_unknown api/sso-oidc#3.738.0 m/E KiroIDE"

// usageLimitsAmzUserAgentPrefix prefixes the x-amz-user-agent sent to
// getUsageLimits.
const usageLimitsAmzUserAgentPrefix = "aws-sdk-js/1.0.0"

const refreshTimeout = 60 * time.Second

// socialRefreshResponse is the reply from the Kiro desktop auth service.
type socialRefreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ProfileArn   string `json:"profileArn,omitempty"`
	ExpiresIn    int64  `json:"expiresIn,omitempty"`
}

// idcRefreshResponse is the reply from the AWS SSO OIDC token endpoint.
type idcRefreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int64  `json:"expiresIn,omitempty"`
}

// Refresher exchanges refresh tokens for fresh access tokens against the
// Social (Kiro desktop) or IdC (AWS SSO OIDC) endpoints. Concurrent refreshes
// of the same credential are coalesced into a single upstream call.
type Refresher struct {
	cfg    *config.Config
	flight singleflight.Group

	// endpointOverride redirects all upstream calls, for tests.
	endpointOverride string
}

// NewRefresher creates a Refresher bound to the gateway configuration.
func NewRefresher(cfg *config.Config) *Refresher {
	return &Refresher{cfg: cfg}
}

// Refresh exchanges the credential's refresh token and returns an updated
// copy. The stored credential is not mutated. Concurrent calls for the same
// credential id share one flight.
func (r *Refresher) Refresh(ctx context.Context, cred *Credential) (*Credential, error) {
	if err := cred.ValidateRefreshToken(); err != nil {
		return nil, err
	}

	key := fmt.Sprintf("cred-%d", cred.ID)
	result, err, _ := r.flight.Do(key, func() (interface{}, error) {
		switch cred.CanonicalAuthMethod() {
		case AuthMethodIdC:
			return r.refreshIdC(ctx, cred)
		default:
			return r.refreshSocial(ctx, cred)
		}
	})
	if err != nil {
		return nil, err
	}
	return result.(*Credential), nil
}

// refreshRegion picks the credential region, falling back to the global one.
func (r *Refresher) refreshRegion(cred *Credential) string {
	if strings.TrimSpace(cred.Region) != "" {
		return cred.Region
	}
	return r.cfg.Region
}

// MachineID derives the machine identifier used in refresh User-Agents:
// credential value, then config value, then a stable hash of the refresh
// token.
func (r *Refresher) MachineID(cred *Credential) string {
	if cred.MachineID != "" {
		return cred.MachineID
	}
	if r.cfg.MachineID != "" {
		return r.cfg.MachineID
	}
	sum := sha256.Sum256([]byte(cred.RefreshToken))
	return hex.EncodeToString(sum[:])
}

func (r *Refresher) httpClient(ctx context.Context, cred *Credential) *http.Client {
	proxy := upstream.ResolveProxy(
		upstream.ProxyConfig{URL: cred.ProxyURL, Username: cred.ProxyUsername, Password: cred.ProxyPassword},
		upstream.ProxyConfig{URL: r.cfg.ProxyURL, Username: r.cfg.ProxyUsername, Password: r.cfg.ProxyPassword},
	)
	return upstream.NewHTTPClient(ctx, proxy, refreshTimeout)
}

func (r *Refresher) refreshSocial(ctx context.Context, cred *Credential) (*Credential, error) {
	log.Infof("kiro: refreshing social token for credential %d", cred.ID)

	region := r.refreshRegion(cred)
	endpoint := fmt.Sprintf("https://prod.%s.auth.desktop.kiro.dev/refreshToken", region)
	if r.endpointOverride != "" {
		endpoint = r.endpointOverride + "/refreshToken"
	}

	body, err := json.Marshal(map[string]string{"refreshToken": cred.RefreshToken})
	if err != nil {
		return nil, fmt.Errorf("marshal refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("User-Agent", fmt.Sprintf("KiroIDE-%s-%s", r.cfg.KiroVersion, r.MachineID(cred)))

	resp, err := r.httpClient(ctx, cred).Do(req)
	if err != nil {
		return nil, fmt.Errorf("social token refresh request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read refresh response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, refreshStatusError("social", resp.StatusCode, respBody)
	}

	var data socialRefreshResponse
	if err = json.Unmarshal(respBody, &data); err != nil {
		return nil, fmt.Errorf("parse refresh response: %w", err)
	}
	if data.AccessToken == "" {
		return nil, fmt.Errorf("social refresh response missing accessToken")
	}

	updated := *cred
	updated.AccessToken = data.AccessToken
	if data.RefreshToken != "" {
		updated.RefreshToken = data.RefreshToken
	}
	if data.ProfileArn != "" {
		updated.ProfileArn = data.ProfileArn
	}
	if data.ExpiresIn > 0 {
		updated.ExpiresAt = time.Now().Add(time.Duration(data.ExpiresIn) * time.Second).Format(time.RFC3339)
	}
	return &updated, nil
}

func (r *Refresher) refreshIdC(ctx context.Context, cred *Credential) (*Credential, error) {
	log.Infof("kiro: refreshing IdC token for credential %d", cred.ID)

	if cred.ClientID == "" {
		return nil, fmt.Errorf("IdC refresh requires clientId")
	}
	if cred.ClientSecret == "" {
		return nil, fmt.Errorf("IdC refresh requires clientSecret")
	}

	region := r.refreshRegion(cred)
	endpoint := fmt.Sprintf("https://oidc.%s.amazonaws.com/token", region)
	if r.endpointOverride != "" {
		endpoint = r.endpointOverride + "/token"
	}

	body, err := json.Marshal(map[string]string{
		"clientId":     cred.ClientID,
		"clientSecret": cred.ClientSecret,
		"refreshToken": cred.RefreshToken,
		"grantType":    "refresh_token",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("x-amz-user-agent", idcAmzUserAgent)
	req.Header.Set("User-Agent", "node")

	resp, err := r.httpClient(ctx, cred).Do(req)
	if err != nil {
		return nil, fmt.Errorf("IdC token refresh request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read refresh response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, refreshStatusError("idc", resp.StatusCode, respBody)
	}

	var data idcRefreshResponse
	if err = json.Unmarshal(respBody, &data); err != nil {
		return nil, fmt.Errorf("parse refresh response: %w", err)
	}
	if data.AccessToken == "" {
		return nil, fmt.Errorf("IdC refresh response missing accessToken")
	}

	updated := *cred
	updated.AccessToken = data.AccessToken
	if data.RefreshToken != "" {
		updated.RefreshToken = data.RefreshToken
	}
	if data.ExpiresIn > 0 {
		updated.ExpiresAt = time.Now().Add(time.Duration(data.ExpiresIn) * time.Second).Format(time.RFC3339)
	}
	return &updated, nil
}

// GetUsageLimits queries the account quota for a credential. It always uses
// the global region; the per-credential region only applies to token refresh.
// The upstream JSON is returned as-is for the admin balance endpoint.
func (r *Refresher) GetUsageLimits(ctx context.Context, cred *Credential) (json.RawMessage, error) {
	host := fmt.Sprintf("q.%s.amazonaws.com", r.cfg.Region)
	endpoint := fmt.Sprintf("https://%s/getUsageLimits?origin=AI_EDITOR&resourceType=AGENTIC_REQUEST", host)
	if r.endpointOverride != "" {
		endpoint = r.endpointOverride + "/getUsageLimits?origin=AI_EDITOR&resourceType=AGENTIC_REQUEST"
	}
	if cred.ProfileArn != "" {
		endpoint += "&profileArn=" + url.QueryEscape(cred.ProfileArn)
	}

	machineID := r.MachineID(cred)
	userAgent := fmt.Sprintf(
		"aws-sdk-js/1.0.0 ua/2.1 os/darwin#24.6.0 lang/js md/nodejs#22.21.1 api/codewhispererruntime#1.0.0 m/N,E KiroIDE-%s-%s",
		r.cfg.KiroVersion, machineID)
	amzUserAgent := fmt.Sprintf("%s KiroIDE-%s-%s", usageLimitsAmzUserAgentPrefix, r.cfg.KiroVersion, machineID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create usage limits request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("x-amz-user-agent", amzUserAgent)
	req.Header.Set("amz-sdk-invocation-id", uuid.NewString())
	req.Header.Set("amz-sdk-request", "attempt=1; max=1")
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)

	resp, err := r.httpClient(ctx, cred).Do(req)
	if err != nil {
		return nil, fmt.Errorf("usage limits request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read usage limits response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("usage limits failed with status %d: %s", resp.StatusCode, truncateBody(respBody))
	}
	return respBody, nil
}

func refreshStatusError(flow string, status int, body []byte) error {
	var hint string
	switch {
	case status == http.StatusUnauthorized:
		hint = "credentials expired or invalid, re-authentication required"
	case status == http.StatusForbidden:
		hint = "insufficient permissions to refresh token"
	case status == http.StatusTooManyRequests:
		hint = "rate limited by auth service"
	case status >= 500:
		hint = "auth service temporarily unavailable"
	default:
		hint = "token refresh failed"
	}
	return fmt.Errorf("%s refresh: %s (status %d): %s", flow, hint, status, truncateBody(body))
}

func truncateBody(body []byte) string {
	const max = 512
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
