package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/secure-auth-api/internal/models"
)

// memLimiter mimics the Redis counter semantics: first hit in a window
// starts the TTL, later hits only increment.
type memLimiter struct {
	mu      sync.Mutex
	counts  map[string]int64
	expiry  map[string]time.Time
	blocked map[string]time.Time
}

func newMemLimiter() *memLimiter {
	return &memLimiter{
		counts:  make(map[string]int64),
		expiry:  make(map[string]time.Time),
		blocked: make(map[string]time.Time),
	}
}

func (m *memLimiter) Hit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if until, ok := m.expiry[key]; !ok || until.Before(now) {
		m.counts[key] = 0
		m.expiry[key] = now.Add(window)
	}
	m.counts[key]++
	return m.counts[key], time.Until(m.expiry[key]), nil
}

func (m *memLimiter) Block(ctx context.Context, key string, duration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked[key] = time.Now().Add(duration)
	return nil
}

func (m *memLimiter) BlockedFor(ctx context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.blocked[key]
	if !ok || until.Before(time.Now()) {
		return 0, nil
	}
	return time.Until(until), nil
}

func newTestLockoutService(users *memUsers, limiter *memLimiter, audit *memAudit) *LockoutService {
	return NewLockoutService(limiter, users, audit, zap.NewNop(), LockoutConfig{
		APIMaxRequests:      3,
		APIWindow:           time.Minute,
		AuthMaxAttempts:     3,
		AuthWindow:          time.Minute,
		AuthBlockDuration:   time.Hour,
		MaxFailedLogins:     5,
		AccountLockDuration: time.Hour,
	})
}

func TestAccountLocksAtExactThreshold(t *testing.T) {
	users := newMemUsers(testUser())
	audit := &memAudit{}
	svc := newTestLockoutService(users, newMemLimiter(), audit)
	ctx := context.Background()
	user := users.get("user-1")

	for i := 0; i < 4; i++ {
		locked, err := svc.RecordFailure(ctx, user, "10.0.0.1", "Mozilla/5.0")
		require.NoError(t, err)
		assert.False(t, locked, "attempt %d must not lock", i+1)
	}
	assert.False(t, audit.has(models.AuditEventAccountLocked))

	locked, err := svc.RecordFailure(ctx, user, "10.0.0.1", "Mozilla/5.0")
	require.NoError(t, err)
	assert.True(t, locked, "the fifth failure locks the account")
	assert.True(t, audit.has(models.AuditEventAccountLocked))

	stored := users.get("user-1")
	assert.True(t, stored.AccountLocked)
	require.NotNil(t, stored.LockedUntil)
}

func TestExpiredLockClearsLazily(t *testing.T) {
	past := time.Now().UTC().Add(-time.Minute)
	user := testUser()
	user.AccountLocked = true
	user.LockedUntil = &past
	user.FailedLoginAttempts = 5

	users := newMemUsers(user)
	svc := newTestLockoutService(users, newMemLimiter(), &memAudit{})

	current := users.get("user-1")
	locked, err := svc.IsLocked(context.Background(), current)
	require.NoError(t, err)
	assert.False(t, locked)
	assert.False(t, current.AccountLocked)
	assert.Zero(t, current.FailedLoginAttempts)

	stored := users.get("user-1")
	assert.False(t, stored.AccountLocked)
	assert.Zero(t, stored.FailedLoginAttempts)
}

func TestActiveLockStaysLocked(t *testing.T) {
	future := time.Now().UTC().Add(time.Hour)
	user := testUser()
	user.AccountLocked = true
	user.LockedUntil = &future

	users := newMemUsers(user)
	svc := newTestLockoutService(users, newMemLimiter(), &memAudit{})

	locked, err := svc.IsLocked(context.Background(), users.get("user-1"))
	require.NoError(t, err)
	assert.True(t, locked)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	users := newMemUsers(testUser())
	svc := newTestLockoutService(users, newMemLimiter(), &memAudit{})
	ctx := context.Background()
	user := users.get("user-1")

	_, err := svc.RecordFailure(ctx, user, "10.0.0.1", "Mozilla/5.0")
	require.NoError(t, err)
	require.NoError(t, svc.RecordSuccess(ctx, "user-1"))

	assert.Zero(t, users.get("user-1").FailedLoginAttempts)
}

func TestAuthLimitBlocksAfterWindowExceeded(t *testing.T) {
	svc := newTestLockoutService(newMemUsers(), newMemLimiter(), &memAudit{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, err := svc.CheckAuthLimit(ctx, "198.51.100.7")
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	}

	result, err := svc.CheckAuthLimit(ctx, "198.51.100.7")
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Greater(t, result.RetryAfter, 0)

	// The block persists even without further over-limit hits.
	result, err = svc.CheckAuthLimit(ctx, "198.51.100.7")
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	// Other IPs are unaffected.
	result, err = svc.CheckAuthLimit(ctx, "203.0.113.9")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestAPILimitIsAdvisory(t *testing.T) {
	svc := newTestLockoutService(newMemUsers(), newMemLimiter(), &memAudit{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, err := svc.CheckAPILimit(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	}

	result, err := svc.CheckAPILimit(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Greater(t, result.RetryAfter, 0)
}
