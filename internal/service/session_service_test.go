package service

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/secure-auth-api/internal/models"
	appErrors "github.com/noah-isme/secure-auth-api/pkg/errors"
)

// memSessions is an in-memory session store whose Rotate applies the same
// compare-and-swap semantics as the SQL implementation.
type memSessions struct {
	mu          sync.Mutex
	sessions    map[string]*models.Session
	distinctIPs int
}

func newMemSessions() *memSessions {
	return &memSessions{sessions: make(map[string]*models.Session)}
}

func (m *memSessions) Create(ctx context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *s
	m.sessions[s.ID] = &copied
	return nil
}

func (m *memSessions) FindByID(ctx context.Context, id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *s
	return &copied, nil
}

func (m *memSessions) Rotate(ctx context.Context, rot models.SessionRotation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[rot.SessionID]
	if !ok || s.Revoked || s.RefreshTokenHash != rot.OldRefreshTokenHash {
		return false, nil
	}
	old := rot.OldRefreshTokenHash
	s.PrevRefreshTokenHash = &old
	s.RefreshTokenHash = rot.NewRefreshTokenHash
	s.AccessTokenExpiresAt = rot.AccessTokenExpiresAt
	s.RefreshTokenExpiresAt = rot.RefreshTokenExpiresAt
	s.RotationCount++
	s.LastActivityAt = rot.LastActivityAt
	return true, nil
}

func (m *memSessions) Revoke(ctx context.Context, id, reason string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok && !s.Revoked {
		s.Revoked = true
		s.RevokedAt = &ts
		s.RevokedReason = &reason
	}
	return nil
}

func (m *memSessions) RevokeFamily(ctx context.Context, tokenFamily, reason string, ts time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var revoked int64
	for _, s := range m.sessions {
		if s.TokenFamily == tokenFamily && !s.Revoked {
			s.Revoked = true
			s.RevokedAt = &ts
			s.RevokedReason = &reason
			revoked++
		}
	}
	return revoked, nil
}

func (m *memSessions) RevokeAllForUser(ctx context.Context, userID, reason string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.UserID == userID && !s.Revoked {
			s.Revoked = true
			s.RevokedAt = &ts
			s.RevokedReason = &reason
		}
	}
	return nil
}

func (m *memSessions) RevokeOthers(ctx context.Context, userID, exceptSessionID, reason string, ts time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var revoked int64
	for _, s := range m.sessions {
		if s.UserID == userID && s.ID != exceptSessionID && !s.Revoked {
			s.Revoked = true
			s.RevokedAt = &ts
			s.RevokedReason = &reason
			revoked++
		}
	}
	return revoked, nil
}

func (m *memSessions) RevokeAllForDevice(ctx context.Context, deviceID, reason string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.DeviceID != nil && *s.DeviceID == deviceID && !s.Revoked {
			s.Revoked = true
			s.RevokedAt = &ts
			s.RevokedReason = &reason
		}
	}
	return nil
}

func (m *memSessions) ListActive(ctx context.Context, userID string, now time.Time) ([]models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Session
	for _, s := range m.sessions {
		if s.UserID == userID && !s.Revoked && s.RefreshTokenExpiresAt.After(now) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memSessions) CountDistinctIPs(ctx context.Context, userID, deviceID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.distinctIPs, nil
}

func (m *memSessions) UpdateLastActivity(ctx context.Context, id string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.LastActivityAt = ts
	}
	return nil
}

func (m *memSessions) CleanupExpired(ctx context.Context, now, revokedBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	for id, s := range m.sessions {
		if s.RefreshTokenExpiresAt.Before(now) || (s.Revoked && s.RevokedAt != nil && s.RevokedAt.Before(revokedBefore)) {
			delete(m.sessions, id)
			purged++
		}
	}
	return purged, nil
}

func (m *memSessions) get(id string) *models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	if s == nil {
		return nil
	}
	copied := *s
	return &copied
}

// memUsers backs every user-facing store interface in this package.
type memUsers struct {
	mu    sync.Mutex
	users map[string]*models.User
}

func newMemUsers(users ...*models.User) *memUsers {
	m := &memUsers{users: make(map[string]*models.User)}
	for _, u := range users {
		copied := *u
		m.users[u.ID] = &copied
	}
	return m
}

func (m *memUsers) FindByID(ctx context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *u
	return &copied, nil
}

func (m *memUsers) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			copied := *u
			return &copied, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *memUsers) UpdateLastLogin(ctx context.Context, id string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		u.LastLoginAt = &ts
	}
	return nil
}

func (m *memUsers) IncrementSessionVersion(ctx context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return 0, sql.ErrNoRows
	}
	u.SessionVersion++
	return u.SessionVersion, nil
}

func (m *memUsers) UpdatePassword(ctx context.Context, id, passwordHash string, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		u.PasswordHash = passwordHash
		u.UpdatedAt = updatedAt
	}
	return nil
}

func (m *memUsers) SetTOTP(ctx context.Context, id string, secret *string, enabled bool, backupCodes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		u.TOTPSecret = secret
		u.TOTPEnabled = enabled
		u.BackupCodes = pq.StringArray(backupCodes)
	}
	return nil
}

func (m *memUsers) ConsumeBackupCode(ctx context.Context, id string, remaining []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		u.BackupCodes = pq.StringArray(remaining)
	}
	return nil
}

func (m *memUsers) RecordFailedLogin(ctx context.Context, id string, ts time.Time, maxFailed int, lockedUntil time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return 0, sql.ErrNoRows
	}
	u.FailedLoginAttempts++
	u.LastFailedLogin = &ts
	if u.FailedLoginAttempts >= maxFailed {
		u.AccountLocked = true
		until := lockedUntil
		u.LockedUntil = &until
	}
	return u.FailedLoginAttempts, nil
}

func (m *memUsers) ResetFailedLogins(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		u.FailedLoginAttempts = 0
		u.LastFailedLogin = nil
		u.AccountLocked = false
		u.LockedUntil = nil
	}
	return nil
}

func (m *memUsers) get(id string) *models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.users[id]
	if u == nil {
		return nil
	}
	copied := *u
	return &copied
}

// memAudit records audit writes for assertions.
type memAudit struct {
	mu   sync.Mutex
	logs []models.AuditLog
}

func (m *memAudit) Create(ctx context.Context, log *models.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, *log)
	return nil
}

func (m *memAudit) has(eventType string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.logs {
		if l.EventType == eventType {
			return true
		}
	}
	return false
}

func testUser() *models.User {
	return &models.User{
		ID:             "user-1",
		Email:          "user@example.com",
		SessionVersion: 1,
		Active:         true,
	}
}

func newTestSessionService(users *memUsers, sessions *memSessions, audit *memAudit) *SessionService {
	return NewSessionService(sessions, users, newTestTokenService(), audit, nil, zap.NewNop(), SessionConfig{})
}

func TestSessionCreateAndRotate(t *testing.T) {
	users := newMemUsers(testUser())
	sessions := newMemSessions()
	audit := &memAudit{}
	svc := newTestSessionService(users, sessions, audit)
	ctx := context.Background()

	session, pair, err := svc.Create(ctx, "user-1", nil, "10.0.0.1", "Mozilla/5.0")
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, 0, session.RotationCount)
	assert.Equal(t, HashToken(pair.RefreshToken), session.RefreshTokenHash)

	newPair, rotated, err := svc.Rotate(ctx, pair.RefreshToken, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, 1, rotated.RotationCount)
	assert.NotEqual(t, pair.RefreshToken, newPair.RefreshToken)

	stored := sessions.get(session.ID)
	require.NotNil(t, stored)
	assert.Equal(t, 1, stored.RotationCount)
	assert.Equal(t, HashToken(newPair.RefreshToken), stored.RefreshTokenHash)
	require.NotNil(t, stored.PrevRefreshTokenHash)
	assert.Equal(t, HashToken(pair.RefreshToken), *stored.PrevRefreshTokenHash)
	assert.Equal(t, session.TokenFamily, stored.TokenFamily, "rotation keeps the token family")
}

func TestRotateReplayRevokesFamily(t *testing.T) {
	users := newMemUsers(testUser())
	sessions := newMemSessions()
	audit := &memAudit{}
	svc := newTestSessionService(users, sessions, audit)
	ctx := context.Background()

	session, pair, err := svc.Create(ctx, "user-1", nil, "10.0.0.1", "Mozilla/5.0")
	require.NoError(t, err)

	_, _, err = svc.Rotate(ctx, pair.RefreshToken, "10.0.0.1")
	require.NoError(t, err)

	// Replaying the superseded token is conclusive evidence of theft.
	_, _, err = svc.Rotate(ctx, pair.RefreshToken, "198.51.100.7")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrUnauthorized.Code, appErrors.FromError(err).Code)

	stored := sessions.get(session.ID)
	require.NotNil(t, stored)
	assert.True(t, stored.Revoked)
	require.NotNil(t, stored.RevokedReason)
	assert.Equal(t, models.RevokedReasonReplayDetected, *stored.RevokedReason)
	assert.True(t, audit.has(models.AuditEventReplayDetected))
}

func TestRotateOldGenerationReplayRevokesFamily(t *testing.T) {
	users := newMemUsers(testUser())
	sessions := newMemSessions()
	audit := &memAudit{}
	svc := newTestSessionService(users, sessions, audit)
	ctx := context.Background()

	session, gen1, err := svc.Create(ctx, "user-1", nil, "10.0.0.1", "Mozilla/5.0")
	require.NoError(t, err)

	gen2, _, err := svc.Rotate(ctx, gen1.RefreshToken, "10.0.0.1")
	require.NoError(t, err)
	_, _, err = svc.Rotate(ctx, gen2.RefreshToken, "10.0.0.1")
	require.NoError(t, err)

	// gen1 is now two generations old, not the retained previous hash.
	_, _, err = svc.Rotate(ctx, gen1.RefreshToken, "10.0.0.1")
	require.Error(t, err)

	stored := sessions.get(session.ID)
	require.NotNil(t, stored)
	assert.True(t, stored.Revoked)
	assert.True(t, audit.has(models.AuditEventReplayDetected))
}

func TestRotateRejectsRevokedSession(t *testing.T) {
	users := newMemUsers(testUser())
	sessions := newMemSessions()
	audit := &memAudit{}
	svc := newTestSessionService(users, sessions, audit)
	ctx := context.Background()

	session, pair, err := svc.Create(ctx, "user-1", nil, "10.0.0.1", "Mozilla/5.0")
	require.NoError(t, err)
	require.NoError(t, svc.Revoke(ctx, session.ID, models.RevokedReasonLogout))

	_, _, err = svc.Rotate(ctx, pair.RefreshToken, "10.0.0.1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrUnauthorized.Code, appErrors.FromError(err).Code)
	assert.True(t, audit.has(models.AuditEventTokenRotationBlocked))
}

func TestRotateRejectsStaleSessionVersion(t *testing.T) {
	users := newMemUsers(testUser())
	sessions := newMemSessions()
	audit := &memAudit{}
	svc := newTestSessionService(users, sessions, audit)
	ctx := context.Background()

	session, pair, err := svc.Create(ctx, "user-1", nil, "10.0.0.1", "Mozilla/5.0")
	require.NoError(t, err)

	_, err = users.IncrementSessionVersion(ctx, "user-1")
	require.NoError(t, err)

	_, _, err = svc.Rotate(ctx, pair.RefreshToken, "10.0.0.1")
	require.Error(t, err)

	stored := sessions.get(session.ID)
	require.NotNil(t, stored)
	assert.True(t, stored.Revoked)
	require.NotNil(t, stored.RevokedReason)
	assert.Equal(t, models.RevokedReasonPasswordChanged, *stored.RevokedReason)
}

func TestRotateRejectsGarbageToken(t *testing.T) {
	users := newMemUsers(testUser())
	sessions := newMemSessions()
	audit := &memAudit{}
	svc := newTestSessionService(users, sessions, audit)

	_, _, err := svc.Rotate(context.Background(), "not-a-token", "10.0.0.1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrUnauthorized.Code, appErrors.FromError(err).Code)
	assert.True(t, audit.has(models.AuditEventTokenRotationFailed))
}

func TestConcurrentRotationSingleWinner(t *testing.T) {
	users := newMemUsers(testUser())
	sessions := newMemSessions()
	audit := &memAudit{}
	svc := newTestSessionService(users, sessions, audit)
	ctx := context.Background()

	_, pair, err := svc.Create(ctx, "user-1", nil, "10.0.0.1", "Mozilla/5.0")
	require.NoError(t, err)

	const racers = 8
	var wg sync.WaitGroup
	results := make(chan error, racers)
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, _, err := svc.Rotate(ctx, pair.RefreshToken, "10.0.0.1")
			results <- err
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	var wins int
	for err := range results {
		if err == nil {
			wins++
		}
	}
	assert.Equal(t, 1, wins, "exactly one concurrent rotation may succeed")
}

func TestValidateAccessLifecycle(t *testing.T) {
	users := newMemUsers(testUser())
	sessions := newMemSessions()
	audit := &memAudit{}
	svc := newTestSessionService(users, sessions, audit)
	ctx := context.Background()

	session, pair, err := svc.Create(ctx, "user-1", nil, "10.0.0.1", "Mozilla/5.0")
	require.NoError(t, err)

	claims, err := svc.ValidateAccess(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, session.ID, claims.SessionID)

	require.NoError(t, svc.Revoke(ctx, session.ID, models.RevokedReasonLogout))
	_, err = svc.ValidateAccess(ctx, pair.AccessToken)
	require.Error(t, err, "a revoked session never passes validation")
}

func TestRevokeAllInvalidatesOutstandingAccessTokens(t *testing.T) {
	users := newMemUsers(testUser())
	sessions := newMemSessions()
	audit := &memAudit{}
	svc := newTestSessionService(users, sessions, audit)
	ctx := context.Background()

	first, firstPair, err := svc.Create(ctx, "user-1", nil, "10.0.0.1", "Mozilla/5.0")
	require.NoError(t, err)
	second, _, err := svc.Create(ctx, "user-1", nil, "10.0.0.2", "Mozilla/5.0")
	require.NoError(t, err)
	assert.NotEqual(t, first.TokenFamily, second.TokenFamily, "each login starts its own family")

	require.NoError(t, svc.RevokeAllForUser(ctx, "user-1", models.RevokedReasonLogoutAll))

	_, err = svc.ValidateAccess(ctx, firstPair.AccessToken)
	require.Error(t, err)

	active, err := svc.ListActive(ctx, "user-1", "")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestRevokeOthersKeepsCurrent(t *testing.T) {
	users := newMemUsers(testUser())
	sessions := newMemSessions()
	audit := &memAudit{}
	svc := newTestSessionService(users, sessions, audit)
	ctx := context.Background()

	current, currentPair, err := svc.Create(ctx, "user-1", nil, "10.0.0.1", "Mozilla/5.0")
	require.NoError(t, err)
	_, _, err = svc.Create(ctx, "user-1", nil, "10.0.0.2", "Mozilla/5.0")
	require.NoError(t, err)

	revoked, err := svc.RevokeOthers(ctx, "user-1", current.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, revoked)

	_, err = svc.ValidateAccess(ctx, currentPair.AccessToken)
	require.NoError(t, err, "the current session survives logout-others")
}

func TestCleanupPurgesExpiredSessions(t *testing.T) {
	users := newMemUsers(testUser())
	sessions := newMemSessions()
	audit := &memAudit{}
	svc := newTestSessionService(users, sessions, audit)
	ctx := context.Background()

	session, _, err := svc.Create(ctx, "user-1", nil, "10.0.0.1", "Mozilla/5.0")
	require.NoError(t, err)

	sessions.mu.Lock()
	sessions.sessions[session.ID].RefreshTokenExpiresAt = time.Now().UTC().Add(-time.Hour)
	sessions.mu.Unlock()

	purged, err := svc.Cleanup(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)
	assert.Nil(t, sessions.get(session.ID))
}
