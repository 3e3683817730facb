package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kiroauth "github.com/ki2api/kiro-gateway/internal/auth/kiro"
	"github.com/ki2api/kiro-gateway/internal/config"
)

// fakeRefresher satisfies TokenRefresher without hitting the network.
type fakeRefresher struct {
	mu         sync.Mutex
	calls      int
	errByCred  map[uint64]error
	refreshErr error
}

func (f *fakeRefresher) Refresh(_ context.Context, cred *kiroauth.Credential) (*kiroauth.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	if err, ok := f.errByCred[cred.ID]; ok {
		return nil, err
	}
	updated := *cred
	updated.AccessToken = fmt.Sprintf("access-%d", cred.ID)
	updated.ExpiresAt = time.Now().Add(time.Hour).Format(time.RFC3339)
	return &updated, nil
}

func (f *fakeRefresher) GetUsageLimits(context.Context, *kiroauth.Credential) (json.RawMessage, error) {
	return json.RawMessage(`{"limits":[]}`), nil
}

func (f *fakeRefresher) refreshCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testToken() string {
	return strings.Repeat("t", 120)
}

func freshCred(id uint64, priority uint32) kiroauth.Credential {
	return kiroauth.Credential{
		ID:           id,
		Priority:     priority,
		RefreshToken: testToken(),
		AccessToken:  fmt.Sprintf("access-%d", id),
		ExpiresAt:    time.Now().Add(time.Hour).Format(time.RFC3339),
	}
}

func expiredCred(id uint64, priority uint32) kiroauth.Credential {
	c := freshCred(id, priority)
	c.ExpiresAt = time.Now().Add(-time.Hour).Format(time.RFC3339)
	return c
}

func TestAcquireRoundRobinDistributesSessions(t *testing.T) {
	m := NewManager(config.Default(), &fakeRefresher{},
		[]kiroauth.Credential{freshCred(1, 0), freshCred(2, 0), freshCred(3, 0)},
		ManagerOptions{Mode: SchedulingRoundRobin})

	seen := make(map[uint64]int)
	for i := 0; i < 6; i++ {
		lease, err := m.Acquire(context.Background(), fmt.Sprintf("session-%d", i))
		require.NoError(t, err)
		seen[lease.ID]++
	}
	assert.Equal(t, map[uint64]int{1: 2, 2: 2, 3: 2}, seen)
}

func TestAcquireStickySession(t *testing.T) {
	m := NewManager(config.Default(), &fakeRefresher{},
		[]kiroauth.Credential{freshCred(1, 0), freshCred(2, 0), freshCred(3, 0)},
		ManagerOptions{Mode: SchedulingRoundRobin})

	first, err := m.Acquire(context.Background(), "sticky")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := m.Acquire(context.Background(), "sticky")
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
	}
}

func TestAcquirePriorityFill(t *testing.T) {
	m := NewManager(config.Default(), &fakeRefresher{},
		[]kiroauth.Credential{freshCred(1, 5), freshCred(2, 1), freshCred(3, 3)},
		ManagerOptions{Mode: SchedulingPriorityFill})

	for i := 0; i < 4; i++ {
		lease, err := m.Acquire(context.Background(), fmt.Sprintf("s%d", i))
		require.NoError(t, err)
		assert.Equal(t, uint64(2), lease.ID)
	}
}

func TestAcquireRefreshesExpiredToken(t *testing.T) {
	persisted := 0
	ref := &fakeRefresher{}
	m := NewManager(config.Default(), ref,
		[]kiroauth.Credential{expiredCred(1, 0)},
		ManagerOptions{Persist: func([]kiroauth.Credential) error {
			persisted++
			return nil
		}})

	lease, err := m.Acquire(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "access-1", lease.AccessToken)
	assert.Equal(t, 1, ref.refreshCalls())
	assert.Equal(t, 1, persisted)

	// The stored credential now carries the fresh expiry, so the next
	// acquire skips the refresh.
	_, err = m.Acquire(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, ref.refreshCalls())
}

func TestDuplicateRefreshWriteBackIsIdempotent(t *testing.T) {
	persisted := 0
	ref := &fakeRefresher{}
	m := NewManager(config.Default(), ref,
		[]kiroauth.Credential{expiredCred(1, 0)},
		ManagerOptions{Persist: func([]kiroauth.Credential) error {
			persisted++
			return nil
		}})

	lease, err := m.Acquire(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, persisted)

	// Coalesced refreshes hand every waiter the same result; the
	// duplicate write-backs must not bump the counter or rewrite the file.
	dup := lease.Credential
	m.storeRefreshedCredential(1, &dup)
	m.storeRefreshedCredential(1, &dup)

	stored, ok := m.credentialByID(1)
	require.True(t, ok)
	assert.Equal(t, uint64(1), stored.TokenRefreshCount)
	assert.Equal(t, 1, persisted)
}

func TestAcquirePersistFailureIsNotFatal(t *testing.T) {
	m := NewManager(config.Default(), &fakeRefresher{},
		[]kiroauth.Credential{expiredCred(1, 0)},
		ManagerOptions{Persist: func([]kiroauth.Credential) error {
			return errors.New("disk full")
		}})

	lease, err := m.Acquire(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "access-1", lease.AccessToken)
}

func TestAcquireFallsThroughOnRefreshFailure(t *testing.T) {
	ref := &fakeRefresher{errByCred: map[uint64]error{1: errors.New("invalid_grant")}}
	m := NewManager(config.Default(), ref,
		[]kiroauth.Credential{expiredCred(1, 0), freshCred(2, 1)},
		ManagerOptions{Mode: SchedulingPriorityFill})

	lease, err := m.Acquire(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), lease.ID)

	// invalid_grant is permanent, so credential 1 was disabled.
	snap := m.Snapshot()
	assert.True(t, snap.Entries[0].Disabled)
	assert.Equal(t, DisabledTokenRefreshFailed, snap.Entries[0].DisabledReason)
}

func TestAcquireAllRefreshesFail(t *testing.T) {
	ref := &fakeRefresher{refreshErr: errors.New("temporarily unavailable")}
	m := NewManager(config.Default(), ref,
		[]kiroauth.Credential{expiredCred(1, 0), expiredCred(2, 0)},
		ManagerOptions{})

	_, err := m.Acquire(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestAcquireEmptyPool(t *testing.T) {
	m := NewManager(config.Default(), &fakeRefresher{}, nil, ManagerOptions{})
	_, err := m.Acquire(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestReportFailureDisablesAfterThreshold(t *testing.T) {
	m := NewManager(config.Default(), &fakeRefresher{},
		[]kiroauth.Credential{freshCred(1, 0), freshCred(2, 1)},
		ManagerOptions{})

	assert.True(t, m.ReportFailure(1))
	assert.True(t, m.ReportFailure(1))
	snap := m.Snapshot()
	assert.False(t, snap.Entries[0].Disabled)
	assert.Equal(t, 2, snap.Entries[0].FailureCount)

	assert.True(t, m.ReportFailure(1))
	snap = m.Snapshot()
	assert.True(t, snap.Entries[0].Disabled)
	assert.Equal(t, DisabledTooManyFailures, snap.Entries[0].DisabledReason)
	// The active credential moved to the surviving one and the rotation
	// counter restarted.
	assert.Equal(t, uint64(2), snap.CurrentID)
	assert.Equal(t, uint64(0), snap.RoundRobinCounter)
}

func TestReportFailureLastCredential(t *testing.T) {
	m := NewManager(config.Default(), &fakeRefresher{},
		[]kiroauth.Credential{freshCred(1, 0)},
		ManagerOptions{})

	m.ReportFailure(1)
	m.ReportFailure(1)
	assert.False(t, m.ReportFailure(1))
}

func TestReportSuccessResetsStreak(t *testing.T) {
	m := NewManager(config.Default(), &fakeRefresher{},
		[]kiroauth.Credential{freshCred(1, 0)},
		ManagerOptions{})

	m.ReportFailure(1)
	m.ReportFailure(1)
	m.ReportSuccess(1, 120*time.Millisecond)

	snap := m.Snapshot()
	assert.Equal(t, 0, snap.Entries[0].FailureCount)
	assert.False(t, snap.Entries[0].Disabled)
	assert.Equal(t, uint64(1), snap.Entries[0].SuccessCount)
}

func TestSelfHealReenablesAutoDisabled(t *testing.T) {
	m := NewManager(config.Default(), &fakeRefresher{},
		[]kiroauth.Credential{freshCred(1, 0), freshCred(2, 1)},
		ManagerOptions{})

	for i := 0; i < 3; i++ {
		m.ReportFailure(1)
		m.ReportFailure(2)
	}
	assert.Equal(t, 0, m.Snapshot().Available)

	lease, err := m.Acquire(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), lease.ID)
	assert.Equal(t, 2, m.Snapshot().Available)
}

func TestSelfHealSkipsQuotaAndManualDisables(t *testing.T) {
	m := NewManager(config.Default(), &fakeRefresher{},
		[]kiroauth.Credential{freshCred(1, 0), freshCred(2, 1)},
		ManagerOptions{})

	m.ReportQuotaExhausted(1)
	require.NoError(t, m.SetDisabled(2, true))

	_, err := m.Acquire(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoCredentials)
	assert.Equal(t, 0, m.Snapshot().Available)
}

func TestReportQuotaExhausted(t *testing.T) {
	m := NewManager(config.Default(), &fakeRefresher{},
		[]kiroauth.Credential{freshCred(1, 0), freshCred(2, 1)},
		ManagerOptions{})

	assert.True(t, m.ReportQuotaExhausted(1))
	snap := m.Snapshot()
	assert.True(t, snap.Entries[0].Disabled)
	assert.Equal(t, DisabledQuotaExceeded, snap.Entries[0].DisabledReason)
	assert.Equal(t, maxFailuresPerCredential, snap.Entries[0].FailureCount)
	assert.Equal(t, uint64(2), snap.CurrentID)
}

func TestSetDisabledAndResetAndEnable(t *testing.T) {
	m := NewManager(config.Default(), &fakeRefresher{},
		[]kiroauth.Credential{freshCred(1, 0)},
		ManagerOptions{})

	require.NoError(t, m.SetDisabled(1, true))
	assert.Equal(t, 0, m.Snapshot().Available)

	require.NoError(t, m.ResetAndEnable(1))
	snap := m.Snapshot()
	assert.Equal(t, 1, snap.Available)
	assert.Equal(t, 0, snap.Entries[0].FailureCount)

	assert.ErrorIs(t, m.SetDisabled(99, true), ErrCredentialNotFound)
}

func TestSetPriorityReselectsCurrent(t *testing.T) {
	m := NewManager(config.Default(), &fakeRefresher{},
		[]kiroauth.Credential{freshCred(1, 1), freshCred(2, 2)},
		ManagerOptions{})
	assert.Equal(t, uint64(1), m.Snapshot().CurrentID)

	require.NoError(t, m.SetPriority(2, 0))
	assert.Equal(t, uint64(2), m.Snapshot().CurrentID)
}

func TestAddCredentialAssignsNextID(t *testing.T) {
	var persisted []kiroauth.Credential
	m := NewManager(config.Default(), &fakeRefresher{},
		[]kiroauth.Credential{freshCred(3, 0)},
		ManagerOptions{Persist: func(creds []kiroauth.Credential) error {
			persisted = creds
			return nil
		}})

	id, err := m.AddCredential(context.Background(), kiroauth.Credential{RefreshToken: testToken(), Priority: 7})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), id)
	require.Len(t, persisted, 2)
	assert.Equal(t, uint32(7), persisted[1].Priority)
}

func TestAddCredentialRejectsBadToken(t *testing.T) {
	m := NewManager(config.Default(), &fakeRefresher{}, nil, ManagerOptions{})
	_, err := m.AddCredential(context.Background(), kiroauth.Credential{RefreshToken: "short"})
	assert.Error(t, err)
}

func TestAddCredentialTrialRefreshFailure(t *testing.T) {
	ref := &fakeRefresher{refreshErr: errors.New("invalid_grant")}
	m := NewManager(config.Default(), ref, nil, ManagerOptions{})
	_, err := m.AddCredential(context.Background(), kiroauth.Credential{RefreshToken: testToken()})
	assert.ErrorContains(t, err, "trial refresh")
	assert.Equal(t, 0, m.Snapshot().Total)
}

func TestDeleteCredentialRequiresDisabled(t *testing.T) {
	m := NewManager(config.Default(), &fakeRefresher{},
		[]kiroauth.Credential{freshCred(1, 0), freshCred(2, 1)},
		ManagerOptions{})

	assert.ErrorContains(t, m.DeleteCredential(1), "must be disabled")

	require.NoError(t, m.SetDisabled(1, true))
	require.NoError(t, m.DeleteCredential(1))

	snap := m.Snapshot()
	assert.Equal(t, 1, snap.Total)
	assert.Equal(t, uint64(2), snap.CurrentID)
}

func TestDeleteLastCredentialResetsCurrent(t *testing.T) {
	m := NewManager(config.Default(), &fakeRefresher{},
		[]kiroauth.Credential{freshCred(1, 0)},
		ManagerOptions{})

	require.NoError(t, m.SetDisabled(1, true))
	require.NoError(t, m.DeleteCredential(1))
	assert.Equal(t, uint64(0), m.Snapshot().CurrentID)
	assert.ErrorIs(t, m.DeleteCredential(1), ErrCredentialNotFound)
}

func TestSnapshotShape(t *testing.T) {
	cred := freshCred(1, 4)
	cred.AuthMethod = "builder-id"
	cred.ProfileArn = "arn:aws:codewhisperer:us-east-1:1:profile/p"
	m := NewManager(config.Default(), &fakeRefresher{},
		[]kiroauth.Credential{cred},
		ManagerOptions{Mode: SchedulingPriorityFill})

	snap := m.Snapshot()
	assert.Equal(t, SchedulingPriorityFill, snap.SchedulingMode)
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, kiroauth.AuthMethodIdC, snap.Entries[0].AuthMethod)
	assert.True(t, snap.Entries[0].HasProfileArn)
	assert.Equal(t, uint32(4), snap.Entries[0].Priority)
}

func TestParseSchedulingMode(t *testing.T) {
	mode, err := ParseSchedulingMode("round_robin")
	require.NoError(t, err)
	assert.Equal(t, SchedulingRoundRobin, mode)

	mode, err = ParseSchedulingMode(" priority_fill ")
	require.NoError(t, err)
	assert.Equal(t, SchedulingPriorityFill, mode)

	_, err = ParseSchedulingMode("fastest")
	assert.Error(t, err)
}
