// Package pool implements the credential pool layer: a per-pool credential
// manager with round-robin and priority-fill scheduling, sticky sessions,
// failure accounting with automatic disable and self-healing, plus named
// pools with API-key routing on top.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	kiroauth "github.com/ki2api/kiro-gateway/internal/auth/kiro"
	"github.com/ki2api/kiro-gateway/internal/config"
	"github.com/ki2api/kiro-gateway/internal/upstream"
)

// maxFailuresPerCredential is the consecutive failure count that disables a
// credential.
const maxFailuresPerCredential = 3

// SchedulingMode selects how new sessions are spread over credentials.
type SchedulingMode string

const (
	// SchedulingRoundRobin spreads new sessions evenly.
	SchedulingRoundRobin SchedulingMode = "round_robin"
	// SchedulingPriorityFill keeps traffic on the highest-priority
	// credential until it fails.
	SchedulingPriorityFill SchedulingMode = "priority_fill"
)

// ParseSchedulingMode validates a mode string.
func ParseSchedulingMode(raw string) (SchedulingMode, error) {
	switch SchedulingMode(strings.TrimSpace(raw)) {
	case SchedulingRoundRobin:
		return SchedulingRoundRobin, nil
	case SchedulingPriorityFill:
		return SchedulingPriorityFill, nil
	}
	return "", fmt.Errorf("unknown scheduling mode %q", raw)
}

// DisabledReason distinguishes manual disables from automatic ones, which
// matters for self-healing.
type DisabledReason string

const (
	DisabledManual             DisabledReason = "manual"
	DisabledTooManyFailures    DisabledReason = "too_many_failures"
	DisabledQuotaExceeded      DisabledReason = "quota_exceeded"
	DisabledTokenRefreshFailed DisabledReason = "token_refresh_failed"
)

// healable reports whether the reason may be cleared by self-healing.
// Manual disables and exhausted quotas stay down.
func (r DisabledReason) healable() bool {
	return r == DisabledTooManyFailures || r == DisabledTokenRefreshFailed
}

// ErrNoCredentials is returned when every credential has been tried or
// disabled.
var ErrNoCredentials = errors.New("no usable credentials")

// ErrCredentialNotFound is returned by admin operations for unknown ids.
var ErrCredentialNotFound = errors.New("credential not found")

// TokenRefresher renews credentials and queries upstream quota. Satisfied
// by kiro.Refresher.
type TokenRefresher interface {
	Refresh(ctx context.Context, cred *kiroauth.Credential) (*kiroauth.Credential, error)
	GetUsageLimits(ctx context.Context, cred *kiroauth.Credential) (json.RawMessage, error)
}

// entry is the runtime state of one credential.
type entry struct {
	id             uint64
	cred           kiroauth.Credential
	failureCount   int
	disabled       bool
	disabledReason DisabledReason
}

// Lease is a checked-out credential ready for an upstream call.
type Lease struct {
	ID          uint64
	Credential  kiroauth.Credential
	AccessToken string
	Proxy       upstream.ProxyConfig
}

// PersistFunc writes this manager's credentials back to storage.
type PersistFunc func([]kiroauth.Credential) error

// Manager schedules credentials within one pool. Lock order is entries
// before currentID, and both are released before any network call.
type Manager struct {
	cfg       *config.Config
	refresher TokenRefresher
	poolProxy upstream.ProxyConfig

	mu        sync.Mutex
	entries   []*entry
	currentID uint64
	mode      SchedulingMode

	rrCounter atomic.Uint64
	sessions  *SessionCache

	persist PersistFunc
	nextID  func() uint64

	// now is swappable for tests.
	now func() time.Time
}

// NewManager builds a manager over the given credentials. Ids already
// present are kept; missing ids are assigned sequentially from the current
// maximum.
func NewManager(cfg *config.Config, refresher TokenRefresher, creds []kiroauth.Credential, opts ManagerOptions) *Manager {
	mode := opts.Mode
	if mode == "" {
		mode = SchedulingRoundRobin
	}
	capacity := cfg.SessionCacheCapacity
	ttl := time.Duration(cfg.SessionCacheTTLSeconds) * time.Second

	m := &Manager{
		cfg:       cfg,
		refresher: refresher,
		poolProxy: opts.PoolProxy,
		mode:      mode,
		sessions:  NewSessionCache(capacity, ttl),
		persist:   opts.Persist,
		nextID:    opts.NextID,
		now:       time.Now,
	}

	var maxID uint64
	for _, c := range creds {
		if c.ID > maxID {
			maxID = c.ID
		}
	}
	for _, c := range creds {
		c.Canonicalize()
		if c.ID == 0 {
			maxID++
			c.ID = maxID
		}
		m.entries = append(m.entries, &entry{id: c.ID, cred: c})
	}
	if len(m.entries) > 0 {
		m.currentID = m.selectHighestPriorityLocked()
	}
	return m
}

// ManagerOptions carries optional manager construction settings.
type ManagerOptions struct {
	Mode      SchedulingMode
	PoolProxy upstream.ProxyConfig
	Persist   PersistFunc

	// NextID allocates credential ids. When pools share one credentials
	// file the allocator must span all pools; unset falls back to the
	// local maximum plus one.
	NextID func() uint64
}

// Acquire returns a lease on a credential with a valid access token.
// sessionID may be empty; when set, the session sticks to one credential for
// as long as it stays available.
func (m *Manager) Acquire(ctx context.Context, sessionID string) (*Lease, error) {
	total := m.totalCount()
	if total == 0 {
		return nil, fmt.Errorf("%w: pool is empty", ErrNoCredentials)
	}

	cachedID, hasCached := m.sessions.Get(sessionID)

	m.mu.Lock()
	mode := m.mode
	m.mu.Unlock()

	tried := 0
	for {
		if tried >= total {
			return nil, fmt.Errorf("%w: all credentials failed token refresh (%d/%d available)",
				ErrNoCredentials, m.availableCount(), total)
		}

		id, cred, err := m.pickCredential(mode, tried == 0, sessionID, cachedID, hasCached)
		if err != nil {
			return nil, err
		}

		lease, refreshErr := m.ensureToken(ctx, id, cred)
		if refreshErr == nil {
			if sessionID != "" {
				m.sessions.Put(sessionID, lease.ID)
			}
			return lease, nil
		}

		log.Warnf("pool: credential #%d token refresh failed, trying next: %v", id, refreshErr)
		if isPermanentRefreshError(refreshErr) {
			log.Errorf("pool: credential #%d refresh token rejected, disabling", id)
			m.disableForRefreshFailure(id)
		}
		tried++
	}
}

// pickCredential chooses the next candidate under the manager lock.
func (m *Manager) pickCredential(mode SchedulingMode, firstTry bool, sessionID string, cachedID uint64, hasCached bool) (uint64, kiroauth.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var targetID uint64
	var haveTarget bool

	if firstTry {
		switch {
		case hasCached:
			targetID, haveTarget = cachedID, true
		case sessionID != "":
			targetID, haveTarget = m.scheduleLocked(mode)
		default:
			targetID, haveTarget = m.currentID, true
		}
	} else {
		targetID, haveTarget = m.scheduleLocked(mode)
	}

	if haveTarget {
		for _, e := range m.entries {
			if e.id == targetID && !e.disabled {
				return e.id, e.cred, nil
			}
		}
	}
	return m.selectAnyAvailableLocked()
}

// scheduleLocked applies the scheduling mode over available entries.
func (m *Manager) scheduleLocked(mode SchedulingMode) (uint64, bool) {
	if mode == SchedulingPriorityFill {
		if e := m.minPriorityAvailableLocked(); e != nil {
			return e.id, true
		}
		return 0, false
	}

	var available []*entry
	for _, e := range m.entries {
		if !e.disabled {
			available = append(available, e)
		}
	}
	if len(available) == 0 {
		return 0, false
	}
	counter := m.rrCounter.Add(1) - 1
	return available[counter%uint64(len(available))].id, true
}

// minPriorityAvailableLocked picks the available entry with the lowest
// priority number; ties go to the earliest entry.
func (m *Manager) minPriorityAvailableLocked() *entry {
	var best *entry
	for _, e := range m.entries {
		if e.disabled {
			continue
		}
		if best == nil || e.cred.Priority < best.cred.Priority {
			best = e
		}
	}
	return best
}

// selectAnyAvailableLocked falls back to the highest-priority available
// credential. When everything is down due to automatic disables, a restart-
// equivalent self-heal re-enables those entries first.
func (m *Manager) selectAnyAvailableLocked() (uint64, kiroauth.Credential, error) {
	best := m.minPriorityAvailableLocked()

	if best == nil {
		healed := false
		for _, e := range m.entries {
			if e.disabled && e.disabledReason.healable() {
				e.disabled = false
				e.disabledReason = ""
				e.failureCount = 0
				healed = true
			}
		}
		if healed {
			log.Warn("pool: all credentials auto-disabled, self-healing by resetting failure state")
			m.rrCounter.Store(0)
			best = m.minPriorityAvailableLocked()
		}
	}

	if best == nil {
		available := 0
		for _, e := range m.entries {
			if !e.disabled {
				available++
			}
		}
		return 0, kiroauth.Credential{}, fmt.Errorf("%w: all credentials disabled (%d/%d)",
			ErrNoCredentials, available, len(m.entries))
	}

	m.currentID = best.id
	return best.id, best.cred, nil
}

// ensureToken makes sure the credential carries a usable access token,
// refreshing it when expired or about to expire. The double check after the
// coalesced refresh covers the case where another request already renewed
// the token.
func (m *Manager) ensureToken(ctx context.Context, id uint64, cred kiroauth.Credential) (*Lease, error) {
	now := m.now()
	if cred.IsExpired(now) || cred.IsExpiringSoon(now) {
		current, ok := m.credentialByID(id)
		if !ok {
			return nil, fmt.Errorf("%w: #%d", ErrCredentialNotFound, id)
		}
		if current.IsExpired(now) || current.IsExpiringSoon(now) {
			refreshed, err := m.refresher.Refresh(ctx, &current)
			if err != nil {
				m.recordRefreshFailure(id)
				return nil, err
			}
			if refreshed.IsExpired(m.now()) {
				m.recordRefreshFailure(id)
				return nil, fmt.Errorf("refreshed token for credential #%d is still expired", id)
			}
			m.storeRefreshedCredential(id, refreshed)
			cred = *refreshed
		} else {
			cred = current
		}
	}

	if cred.AccessToken == "" {
		return nil, fmt.Errorf("credential #%d has no access token", id)
	}

	return &Lease{
		ID:          id,
		Credential:  cred,
		AccessToken: cred.AccessToken,
		Proxy:       m.resolveProxy(&cred),
	}, nil
}

// resolveProxy applies the credential > pool > global precedence.
func (m *Manager) resolveProxy(cred *kiroauth.Credential) upstream.ProxyConfig {
	m.mu.Lock()
	poolProxy := m.poolProxy
	m.mu.Unlock()
	return upstream.ResolveProxy(
		upstream.ProxyConfig{URL: cred.ProxyURL, Username: cred.ProxyUsername, Password: cred.ProxyPassword},
		poolProxy,
		upstream.ProxyConfig{URL: m.cfg.ProxyURL, Username: m.cfg.ProxyUsername, Password: m.cfg.ProxyPassword},
	)
}

// SetPoolProxy replaces the pool-level proxy used for new leases.
func (m *Manager) SetPoolProxy(proxy upstream.ProxyConfig) {
	m.mu.Lock()
	m.poolProxy = proxy
	m.mu.Unlock()
}

func (m *Manager) credentialByID(id uint64) (kiroauth.Credential, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.id == id {
			return e.cred, true
		}
	}
	return kiroauth.Credential{}, false
}

func (m *Manager) storeRefreshedCredential(id uint64, refreshed *kiroauth.Credential) {
	// Coalesced refreshes hand every waiter the same result; only the
	// first write-back counts and persists.
	updated := false
	m.mu.Lock()
	for _, e := range m.entries {
		if e.id == id {
			if e.cred.AccessToken == refreshed.AccessToken && e.cred.ExpiresAt == refreshed.ExpiresAt {
				break
			}
			e.cred = *refreshed
			e.cred.TokenRefreshCount++
			e.cred.LastTokenRefreshTime = uint64(m.now().Unix())
			updated = true
			break
		}
	}
	m.mu.Unlock()
	if !updated {
		return
	}

	if err := m.persistLocked(); err != nil {
		log.Warnf("pool: persisting credentials after refresh failed: %v", err)
	}
}

func (m *Manager) recordRefreshFailure(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.id == id {
			e.cred.TokenRefreshFailureCount++
			return
		}
	}
}

func (m *Manager) disableForRefreshFailure(id uint64) {
	m.mu.Lock()
	for _, e := range m.entries {
		if e.id == id {
			e.disabled = true
			e.disabledReason = DisabledTokenRefreshFailed
			break
		}
	}
	m.mu.Unlock()
	m.rrCounter.Store(0)
}

// isPermanentRefreshError classifies refresh failures that will not recover
// on retry, warranting an automatic disable.
func isPermanentRefreshError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"refresh token", "truncated", "invalid_grant", "expired", "unauthorized", "401", "403"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// ReportSuccess clears the failure streak and records latency statistics.
func (m *Manager) ReportSuccess(id uint64, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.id == id {
			e.failureCount = 0
			e.cred.SuccessCount++
			e.cred.LastCallTime = uint64(m.now().Unix())
			e.cred.TotalResponseTimeMs += uint64(latency.Milliseconds())
			return
		}
	}
}

// ReportFailure increments the failure streak; at the threshold the
// credential is disabled and the active credential moves to the best
// remaining one. Returns whether any credential is still available.
func (m *Manager) ReportFailure(id uint64) bool {
	var disabledNow bool
	var hasAvailable bool

	m.mu.Lock()
	target := m.entryByIDLocked(id)
	if target == nil {
		hasAvailable = m.anyAvailableLocked()
		m.mu.Unlock()
		return hasAvailable
	}

	target.failureCount++
	target.cred.TotalFailureCount++
	log.Warnf("pool: credential #%d call failed (%d/%d)", id, target.failureCount, maxFailuresPerCredential)

	if target.failureCount >= maxFailuresPerCredential {
		target.disabled = true
		target.disabledReason = DisabledTooManyFailures
		disabledNow = true
		log.Errorf("pool: credential #%d disabled after %d consecutive failures", id, target.failureCount)

		if next := m.minPriorityAvailableLocked(); next != nil {
			m.currentID = next.id
			hasAvailable = true
		}
	} else {
		hasAvailable = m.anyAvailableLocked()
	}
	m.mu.Unlock()

	if disabledNow {
		m.rrCounter.Store(0)
	}
	return hasAvailable
}

// ReportQuotaExhausted disables the credential immediately. The failure
// count is pinned to the threshold so dashboards show it as exhausted.
// Returns whether any credential is still available.
func (m *Manager) ReportQuotaExhausted(id uint64) bool {
	var hasAvailable bool

	m.mu.Lock()
	target := m.entryByIDLocked(id)
	if target == nil || target.disabled {
		hasAvailable = m.anyAvailableLocked()
		m.mu.Unlock()
		return hasAvailable
	}

	target.disabled = true
	target.disabledReason = DisabledQuotaExceeded
	target.failureCount = maxFailuresPerCredential
	log.Errorf("pool: credential #%d quota exhausted, disabled", id)

	if next := m.minPriorityAvailableLocked(); next != nil {
		m.currentID = next.id
		hasAvailable = true
	}
	m.mu.Unlock()

	m.rrCounter.Store(0)
	return hasAvailable
}

// SetDisabled manually disables or re-enables a credential. Re-enabling
// clears the failure state.
func (m *Manager) SetDisabled(id uint64, disabled bool) error {
	m.mu.Lock()
	target := m.entryByIDLocked(id)
	if target == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: #%d", ErrCredentialNotFound, id)
	}
	target.disabled = disabled
	if disabled {
		target.disabledReason = DisabledManual
	} else {
		target.disabledReason = ""
		target.failureCount = 0
	}
	m.mu.Unlock()

	m.rrCounter.Store(0)
	return m.persistLocked()
}

// SetPriority updates a credential's priority and immediately reselects the
// active credential under the new ordering.
func (m *Manager) SetPriority(id uint64, priority uint32) error {
	m.mu.Lock()
	target := m.entryByIDLocked(id)
	if target == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: #%d", ErrCredentialNotFound, id)
	}
	target.cred.Priority = priority
	if best := m.minPriorityAvailableLocked(); best != nil {
		m.currentID = best.id
	}
	m.mu.Unlock()

	return m.persistLocked()
}

// ResetAndEnable clears the failure state and re-enables a credential.
func (m *Manager) ResetAndEnable(id uint64) error {
	m.mu.Lock()
	target := m.entryByIDLocked(id)
	if target == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: #%d", ErrCredentialNotFound, id)
	}
	target.failureCount = 0
	target.disabled = false
	target.disabledReason = ""
	m.mu.Unlock()

	return m.persistLocked()
}

// AddCredential validates the new credential with a trial refresh, assigns
// the next id and persists. Returns the assigned id.
func (m *Manager) AddCredential(ctx context.Context, cred kiroauth.Credential) (uint64, error) {
	if err := cred.ValidateRefreshToken(); err != nil {
		return 0, err
	}

	validated, err := m.refresher.Refresh(ctx, &cred)
	if err != nil {
		return 0, fmt.Errorf("trial refresh failed: %w", err)
	}
	validated.Canonicalize()

	m.mu.Lock()
	var newID uint64
	if m.nextID != nil {
		newID = m.nextID()
	} else {
		var maxID uint64
		for _, e := range m.entries {
			if e.id > maxID {
				maxID = e.id
			}
		}
		newID = maxID + 1
	}
	validated.ID = newID
	m.entries = append(m.entries, &entry{id: newID, cred: *validated})
	m.mu.Unlock()

	if err = m.persistLocked(); err != nil {
		return 0, err
	}
	m.rrCounter.Store(0)
	log.Infof("pool: added credential #%d", newID)
	return newID, nil
}

// DeleteCredential removes a disabled credential. Deleting the active one
// reselects; deleting the last one resets the active id to zero.
func (m *Manager) DeleteCredential(id uint64) error {
	m.mu.Lock()
	target := m.entryByIDLocked(id)
	if target == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: #%d", ErrCredentialNotFound, id)
	}
	if !target.disabled {
		m.mu.Unlock()
		return fmt.Errorf("credential #%d must be disabled before deletion", id)
	}

	wasCurrent := m.currentID == id
	kept := m.entries[:0]
	for _, e := range m.entries {
		if e.id != id {
			kept = append(kept, e)
		}
	}
	m.entries = kept

	if wasCurrent {
		if best := m.minPriorityAvailableLocked(); best != nil {
			m.currentID = best.id
		}
	}
	if len(m.entries) == 0 {
		m.currentID = 0
	}
	m.mu.Unlock()

	if err := m.persistLocked(); err != nil {
		return err
	}
	m.rrCounter.Store(0)
	log.Infof("pool: deleted credential #%d", id)
	return nil
}

// SetSchedulingMode switches the scheduling mode.
func (m *Manager) SetSchedulingMode(mode SchedulingMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode != mode {
		log.Infof("pool: scheduling mode changed %s -> %s", m.mode, mode)
		m.mode = mode
	}
}

// SchedulingModeValue returns the current scheduling mode.
func (m *Manager) SchedulingModeValue() SchedulingMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Credentials returns a copy of all credentials in entry order.
func (m *Manager) Credentials() []kiroauth.Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]kiroauth.Credential, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.cred)
	}
	return out
}

// CredentialSnapshot is one entry in a manager snapshot.
type CredentialSnapshot struct {
	ID             uint64         `json:"id"`
	Priority       uint32         `json:"priority"`
	Disabled       bool           `json:"disabled"`
	DisabledReason DisabledReason `json:"disabledReason,omitempty"`
	FailureCount   int            `json:"failureCount"`
	AuthMethod     string         `json:"authMethod,omitempty"`
	HasProfileArn  bool           `json:"hasProfileArn"`
	ExpiresAt      string         `json:"expiresAt,omitempty"`
	SuccessCount   uint64         `json:"successCount"`
	TotalFailures  uint64         `json:"totalFailureCount"`
}

// Snapshot is the manager state exposed to the admin API.
type Snapshot struct {
	Entries           []CredentialSnapshot `json:"entries"`
	CurrentID         uint64               `json:"currentId"`
	Total             int                  `json:"total"`
	Available         int                  `json:"available"`
	SessionCacheSize  int                  `json:"sessionCacheSize"`
	RoundRobinCounter uint64               `json:"roundRobinCounter"`
	SchedulingMode    SchedulingMode       `json:"schedulingMode"`
}

// Snapshot captures the current manager state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		CurrentID:         m.currentID,
		Total:             len(m.entries),
		SessionCacheSize:  m.sessions.Len(),
		RoundRobinCounter: m.rrCounter.Load(),
		SchedulingMode:    m.mode,
	}
	for _, e := range m.entries {
		if !e.disabled {
			snap.Available++
		}
		snap.Entries = append(snap.Entries, CredentialSnapshot{
			ID:             e.id,
			Priority:       e.cred.Priority,
			Disabled:       e.disabled,
			DisabledReason: e.disabledReason,
			FailureCount:   e.failureCount,
			AuthMethod:     e.cred.AuthMethod,
			HasProfileArn:  e.cred.ProfileArn != "",
			ExpiresAt:      e.cred.ExpiresAt,
			SuccessCount:   e.cred.SuccessCount,
			TotalFailures:  e.cred.TotalFailureCount,
		})
	}
	return snap
}

func (m *Manager) entryByIDLocked(id uint64) *entry {
	for _, e := range m.entries {
		if e.id == id {
			return e
		}
	}
	return nil
}

func (m *Manager) anyAvailableLocked() bool {
	for _, e := range m.entries {
		if !e.disabled {
			return true
		}
	}
	return false
}

func (m *Manager) selectHighestPriorityLocked() uint64 {
	if best := m.minPriorityAvailableLocked(); best != nil {
		return best.id
	}
	if len(m.entries) > 0 {
		return m.entries[0].id
	}
	return 0
}

func (m *Manager) totalCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Manager) availableCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, e := range m.entries {
		if !e.disabled {
			count++
		}
	}
	return count
}

// persistLocked snapshots the credentials and writes them through the
// persist callback. Named for symmetry, it takes the lock itself.
func (m *Manager) persistLocked() error {
	if m.persist == nil {
		return nil
	}
	return m.persist(m.Credentials())
}

// GetUsageLimits refreshes the credential's token if needed and queries the
// upstream quota.
func (m *Manager) GetUsageLimits(ctx context.Context, id uint64) ([]byte, error) {
	cred, ok := m.credentialByID(id)
	if !ok {
		return nil, fmt.Errorf("%w: #%d", ErrCredentialNotFound, id)
	}
	lease, err := m.ensureToken(ctx, id, cred)
	if err != nil {
		return nil, err
	}
	return m.refresher.GetUsageLimits(ctx, &lease.Credential)
}
