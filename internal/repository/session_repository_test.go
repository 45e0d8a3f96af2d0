package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/secure-auth-api/internal/models"
)

func newSessionMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func sessionRows() *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "user_id", "device_id", "token_family", "session_version", "rotation_count",
		"refresh_token_hash", "prev_refresh_token_hash", "ip_address", "user_agent",
		"access_token_expires_at", "refresh_token_expires_at", "revoked", "revoked_at",
		"revoked_reason", "last_activity_at", "created_at",
	}).AddRow(
		"session-1", "user-1", nil, "family-1", 1, 2,
		"live-hash", "prev-hash", "10.0.0.1", "Mozilla/5.0",
		now, now.Add(time.Hour), false, nil,
		nil, now, now,
	)
}

func TestSessionRepositoryFindByID(t *testing.T) {
	db, mock, cleanup := newSessionMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	mock.ExpectQuery("SELECT .+ FROM sessions WHERE id = \\$1").
		WithArgs("session-1").
		WillReturnRows(sessionRows())

	session, err := repo.FindByID(context.Background(), "session-1")
	require.NoError(t, err)
	assert.Equal(t, "session-1", session.ID)
	assert.Equal(t, "family-1", session.TokenFamily)
	assert.Equal(t, 2, session.RotationCount)
	require.NotNil(t, session.PrevRefreshTokenHash)
	assert.Equal(t, "prev-hash", *session.PrevRefreshTokenHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryFindByIDNotFound(t *testing.T) {
	db, mock, cleanup := newSessionMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	mock.ExpectQuery("SELECT .+ FROM sessions WHERE id = \\$1").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.FindByID(context.Background(), "missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestSessionRepositoryRotateWins(t *testing.T) {
	db, mock, cleanup := newSessionMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	now := time.Now().UTC()
	rot := models.SessionRotation{
		SessionID:             "session-1",
		OldRefreshTokenHash:   "old-hash",
		NewRefreshTokenHash:   "new-hash",
		AccessTokenExpiresAt:  now.Add(5 * time.Minute),
		RefreshTokenExpiresAt: now.Add(24 * time.Hour),
		LastActivityAt:        now,
	}

	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND refresh_token_hash = $2 AND revoked = FALSE")).
		WithArgs(rot.SessionID, rot.OldRefreshTokenHash, rot.NewRefreshTokenHash,
			rot.AccessTokenExpiresAt, rot.RefreshTokenExpiresAt, rot.LastActivityAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rotated, err := repo.Rotate(context.Background(), rot)
	require.NoError(t, err)
	assert.True(t, rotated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryRotateLosesRace(t *testing.T) {
	db, mock, cleanup := newSessionMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	// The guard condition no longer matches once another rotation swapped
	// the hash, so the update touches zero rows.
	mock.ExpectExec("UPDATE sessions SET").
		WillReturnResult(sqlmock.NewResult(0, 0))

	rotated, err := repo.Rotate(context.Background(), models.SessionRotation{
		SessionID:           "session-1",
		OldRefreshTokenHash: "superseded-hash",
		NewRefreshTokenHash: "new-hash",
	})
	require.NoError(t, err)
	assert.False(t, rotated)
}

func TestSessionRepositoryRevokeFamily(t *testing.T) {
	db, mock, cleanup := newSessionMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	ts := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta("WHERE token_family = $1 AND revoked = FALSE")).
		WithArgs("family-1", ts, models.RevokedReasonReplayDetected).
		WillReturnResult(sqlmock.NewResult(0, 3))

	revoked, err := repo.RevokeFamily(context.Background(), "family-1", models.RevokedReasonReplayDetected, ts)
	require.NoError(t, err)
	assert.EqualValues(t, 3, revoked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryRevokeOthers(t *testing.T) {
	db, mock, cleanup := newSessionMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	ts := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta("WHERE user_id = $1 AND id <> $2 AND revoked = FALSE")).
		WithArgs("user-1", "session-1", ts, models.RevokedReasonLogoutOthers).
		WillReturnResult(sqlmock.NewResult(0, 2))

	revoked, err := repo.RevokeOthers(context.Background(), "user-1", "session-1", models.RevokedReasonLogoutOthers, ts)
	require.NoError(t, err)
	assert.EqualValues(t, 2, revoked)
}

func TestSessionRepositoryCreate(t *testing.T) {
	db, mock, cleanup := newSessionMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	mock.ExpectExec("INSERT INTO sessions").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	now := time.Now().UTC()
	err := repo.Create(context.Background(), &models.Session{
		ID:                    "session-1",
		UserID:                "user-1",
		TokenFamily:           "family-1",
		SessionVersion:        1,
		RefreshTokenHash:      "hash",
		IPAddress:             "10.0.0.1",
		UserAgent:             "Mozilla/5.0",
		AccessTokenExpiresAt:  now.Add(5 * time.Minute),
		RefreshTokenExpiresAt: now.Add(24 * time.Hour),
		LastActivityAt:        now,
		CreatedAt:             now,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryCleanupExpired(t *testing.T) {
	db, mock, cleanup := newSessionMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	now := time.Now().UTC()
	cutoff := now.Add(-30 * 24 * time.Hour)
	mock.ExpectExec("DELETE FROM sessions").
		WithArgs(now, cutoff).
		WillReturnResult(sqlmock.NewResult(0, 7))

	purged, err := repo.CleanupExpired(context.Background(), now, cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 7, purged)
}

func TestSessionRepositoryCountDistinctIPs(t *testing.T) {
	db, mock, cleanup := newSessionMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	since := time.Now().UTC().Add(-24 * time.Hour)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(DISTINCT ip_address) FROM sessions")).
		WithArgs("user-1", "device-1", since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	count, err := repo.CountDistinctIPs(context.Background(), "user-1", "device-1", since)
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}
