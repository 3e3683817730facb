// Package kiro implements OAuth credential handling for the AWS
// CodeWhisperer (Kiro) upstream: the on-disk credential model, refresh-token
// exchange for both the Social and IdC flows, and usage limit queries.
package kiro

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

// Auth methods after canonicalisation.
const (
	AuthMethodSocial = "social"
	AuthMethodIdC    = "idc"
)

// Token lifetime thresholds.
const (
	// expiryMargin marks a token expired slightly before its actual expiry
	// so in-flight requests never carry a token that dies mid-call.
	expiryMargin = 5 * time.Minute
	// refreshAheadMargin marks a token as expiring soon, making it a
	// candidate for proactive refresh.
	refreshAheadMargin = 10 * time.Minute
)

// minRefreshTokenLen guards against truncated tokens pasted from logs.
const minRefreshTokenLen = 100

// Credential is one upstream OAuth credential as stored in
// credentials.json. Field names follow the file's camelCase convention.
type Credential struct {
	ID           uint64 `json:"id,omitempty"`
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ProfileArn   string `json:"profileArn,omitempty"`
	ExpiresAt    string `json:"expiresAt,omitempty"`
	AuthMethod   string `json:"authMethod,omitempty"`
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	Priority     uint32 `json:"priority,omitempty"`
	Region       string `json:"region,omitempty"`
	MachineID    string `json:"machineId,omitempty"`
	PoolID       string `json:"poolId,omitempty"`

	ProxyURL      string `json:"proxyUrl,omitempty"`
	ProxyUsername string `json:"proxyUsername,omitempty"`
	ProxyPassword string `json:"proxyPassword,omitempty"`

	// Usage statistics, persisted across restarts.
	SuccessCount             uint64 `json:"successCount,omitempty"`
	TotalFailureCount        uint64 `json:"totalFailureCount,omitempty"`
	LastCallTime             uint64 `json:"lastCallTime,omitempty"`
	TotalResponseTimeMs      uint64 `json:"totalResponseTimeMs,omitempty"`
	TokenRefreshCount        uint64 `json:"tokenRefreshCount,omitempty"`
	TokenRefreshFailureCount uint64 `json:"tokenRefreshFailureCount,omitempty"`
	LastTokenRefreshTime     uint64 `json:"lastTokenRefreshTime,omitempty"`
}

// CanonicalAuthMethod normalises the stored auth method. Legacy values
// "builder-id" and "iam" collapse to "idc". When unset, the method is "idc"
// iff both client credentials are present, otherwise "social".
func (c *Credential) CanonicalAuthMethod() string {
	switch strings.ToLower(strings.TrimSpace(c.AuthMethod)) {
	case AuthMethodSocial:
		return AuthMethodSocial
	case AuthMethodIdC, "builder-id", "iam":
		return AuthMethodIdC
	}
	if c.ClientID != "" && c.ClientSecret != "" {
		return AuthMethodIdC
	}
	return AuthMethodSocial
}

// Canonicalize rewrites AuthMethod to its canonical value.
func (c *Credential) Canonicalize() {
	c.AuthMethod = c.CanonicalAuthMethod()
}

// ExpiresAtTime parses the stored RFC3339 expiry. The zero time is returned
// when the field is missing or malformed.
func (c *Credential) ExpiresAtTime() time.Time {
	if c.ExpiresAt == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, c.ExpiresAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

// IsExpired reports whether the access token is unusable: missing expiry or
// within the expiry margin of now.
func (c *Credential) IsExpired(now time.Time) bool {
	expiry := c.ExpiresAtTime()
	if expiry.IsZero() {
		return true
	}
	return !expiry.After(now.Add(expiryMargin))
}

// IsExpiringSoon reports whether the token is close enough to expiry that a
// proactive refresh is worthwhile.
func (c *Credential) IsExpiringSoon(now time.Time) bool {
	expiry := c.ExpiresAtTime()
	if expiry.IsZero() {
		return true
	}
	return !expiry.After(now.Add(refreshAheadMargin))
}

// ValidateRefreshToken rejects refresh tokens that are clearly unusable:
// empty, too short, or containing the "..." marker left by copy-paste
// truncation.
func (c *Credential) ValidateRefreshToken() error {
	token := strings.TrimSpace(c.RefreshToken)
	if token == "" {
		return fmt.Errorf("refresh token is empty")
	}
	if len(token) < minRefreshTokenLen {
		return fmt.Errorf("refresh token is too short (%d chars), looks truncated", len(token))
	}
	if strings.Contains(token, "...") {
		return fmt.Errorf("refresh token contains \"...\", looks truncated")
	}
	return nil
}

// CredentialsFile is the parsed credentials.json. The file accepts either a
// single credential object or an array; Multiple records which form was read
// so saves preserve it.
type CredentialsFile struct {
	Credentials []Credential
	Multiple    bool
}

// LoadCredentials reads credentials.json at path. A missing file is an
// error; callers decide whether to start with an empty set.
func LoadCredentials(path string) (*CredentialsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials %s: %w", path, err)
	}
	return ParseCredentials(data)
}

// ParseCredentials parses either credential file form.
func ParseCredentials(data []byte) (*CredentialsFile, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return &CredentialsFile{Multiple: true}, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var list []Credential
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("parse credentials array: %w", err)
		}
		return &CredentialsFile{Credentials: list, Multiple: true}, nil
	}
	var single Credential
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("parse credentials object: %w", err)
	}
	return &CredentialsFile{Credentials: []Credential{single}, Multiple: false}, nil
}

// SortedCredentials canonicalises every entry and returns them ordered by
// ascending priority (stable, so file order breaks ties).
func (f *CredentialsFile) SortedCredentials() []Credential {
	out := make([]Credential, len(f.Credentials))
	copy(out, f.Credentials)
	for i := range out {
		out[i].Canonicalize()
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out
}

// Save writes the credentials back to path, pretty-printed, preserving the
// single-object form when the file originally held one credential.
func (f *CredentialsFile) Save(path string) error {
	var (
		data []byte
		err  error
	)
	if !f.Multiple && len(f.Credentials) == 1 {
		data, err = json.MarshalIndent(f.Credentials[0], "", "  ")
	} else {
		list := f.Credentials
		if list == nil {
			list = []Credential{}
		}
		data, err = json.MarshalIndent(list, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	if err = os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write credentials %s: %w", path, err)
	}
	return nil
}
