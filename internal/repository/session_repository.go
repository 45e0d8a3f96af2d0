package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/secure-auth-api/internal/models"
)

const sessionColumns = `id, user_id, device_id, token_family, session_version, rotation_count, refresh_token_hash, prev_refresh_token_hash, ip_address, user_agent, access_token_expires_at, refresh_token_expires_at, revoked, revoked_at, revoked_reason, last_activity_at, created_at`

// SessionRepository is the single source of shared mutable state for the
// session lifecycle.
type SessionRepository struct {
	db *sqlx.DB
}

// NewSessionRepository creates a new instance of SessionRepository.
func NewSessionRepository(db *sqlx.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create persists a new session row.
func (r *SessionRepository) Create(ctx context.Context, s *models.Session) error {
	const query = `INSERT INTO sessions (id, user_id, device_id, token_family, session_version, rotation_count, refresh_token_hash, ip_address, user_agent, access_token_expires_at, refresh_token_expires_at, last_activity_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	if _, err := r.db.ExecContext(ctx, query,
		s.ID, s.UserID, s.DeviceID, s.TokenFamily, s.SessionVersion, s.RotationCount,
		s.RefreshTokenHash, s.IPAddress, s.UserAgent,
		s.AccessTokenExpiresAt, s.RefreshTokenExpiresAt, s.LastActivityAt, s.CreatedAt,
	); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// FindByID returns a session by identifier.
func (r *SessionRepository) FindByID(ctx context.Context, id string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1 LIMIT 1`
	var session models.Session
	if err := r.db.GetContext(ctx, &session, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find session by id: %w", err)
	}
	return &session, nil
}

// Rotate performs the compare-and-swap at the core of the rotation guard:
// the update only applies while the presented hash is still the live one.
// Exactly one of two concurrent rotations with the same token wins.
func (r *SessionRepository) Rotate(ctx context.Context, rot models.SessionRotation) (bool, error) {
	const query = `UPDATE sessions SET
		refresh_token_hash = $3,
		prev_refresh_token_hash = $2,
		access_token_expires_at = $4,
		refresh_token_expires_at = $5,
		rotation_count = rotation_count + 1,
		last_activity_at = $6
		WHERE id = $1 AND refresh_token_hash = $2 AND revoked = FALSE`
	res, err := r.db.ExecContext(ctx, query,
		rot.SessionID, rot.OldRefreshTokenHash, rot.NewRefreshTokenHash,
		rot.AccessTokenExpiresAt, rot.RefreshTokenExpiresAt, rot.LastActivityAt,
	)
	if err != nil {
		return false, fmt.Errorf("rotate session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rotate session rows: %w", err)
	}
	return affected == 1, nil
}

// Revoke marks a single session revoked. Irreversible.
func (r *SessionRepository) Revoke(ctx context.Context, id, reason string, ts time.Time) error {
	const query = `UPDATE sessions SET revoked = TRUE, revoked_at = $2, revoked_reason = $3 WHERE id = $1 AND revoked = FALSE`
	if _, err := r.db.ExecContext(ctx, query, id, ts, reason); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// RevokeFamily revokes every session descended from the same login. Used
// exclusively on detected refresh-token reuse.
func (r *SessionRepository) RevokeFamily(ctx context.Context, tokenFamily, reason string, ts time.Time) (int64, error) {
	const query = `UPDATE sessions SET revoked = TRUE, revoked_at = $2, revoked_reason = $3 WHERE token_family = $1 AND revoked = FALSE`
	res, err := r.db.ExecContext(ctx, query, tokenFamily, ts, reason)
	if err != nil {
		return 0, fmt.Errorf("revoke token family: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke token family rows: %w", err)
	}
	return affected, nil
}

// RevokeAllForUser revokes every session for a user.
func (r *SessionRepository) RevokeAllForUser(ctx context.Context, userID, reason string, ts time.Time) error {
	const query = `UPDATE sessions SET revoked = TRUE, revoked_at = $2, revoked_reason = $3 WHERE user_id = $1 AND revoked = FALSE`
	if _, err := r.db.ExecContext(ctx, query, userID, ts, reason); err != nil {
		return fmt.Errorf("revoke user sessions: %w", err)
	}
	return nil
}

// RevokeOthers revokes all of a user's sessions except one.
func (r *SessionRepository) RevokeOthers(ctx context.Context, userID, exceptSessionID, reason string, ts time.Time) (int64, error) {
	const query = `UPDATE sessions SET revoked = TRUE, revoked_at = $3, revoked_reason = $4 WHERE user_id = $1 AND id <> $2 AND revoked = FALSE`
	res, err := r.db.ExecContext(ctx, query, userID, exceptSessionID, ts, reason)
	if err != nil {
		return 0, fmt.Errorf("revoke other sessions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke other sessions rows: %w", err)
	}
	return affected, nil
}

// RevokeAllForDevice revokes every session bound to a device. One device
// can host several token families, so this goes by device id, not family.
func (r *SessionRepository) RevokeAllForDevice(ctx context.Context, deviceID, reason string, ts time.Time) error {
	const query = `UPDATE sessions SET revoked = TRUE, revoked_at = $2, revoked_reason = $3 WHERE device_id = $1 AND revoked = FALSE`
	if _, err := r.db.ExecContext(ctx, query, deviceID, ts, reason); err != nil {
		return fmt.Errorf("revoke device sessions: %w", err)
	}
	return nil
}

// ListActive returns sessions that are neither revoked nor refresh-expired,
// most recently active first.
func (r *SessionRepository) ListActive(ctx context.Context, userID string, now time.Time) ([]models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE user_id = $1 AND revoked = FALSE AND refresh_token_expires_at > $2 ORDER BY last_activity_at DESC`
	var sessions []models.Session
	if err := r.db.SelectContext(ctx, &sessions, query, userID, now); err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	return sessions, nil
}

// CountDistinctIPs counts distinct source IPs across a device's sessions
// created since the given time. Feeds the suspicious-activity heuristic.
func (r *SessionRepository) CountDistinctIPs(ctx context.Context, userID, deviceID string, since time.Time) (int, error) {
	const query = `SELECT COUNT(DISTINCT ip_address) FROM sessions WHERE user_id = $1 AND device_id = $2 AND created_at >= $3`
	var count int
	if err := r.db.GetContext(ctx, &count, query, userID, deviceID, since); err != nil {
		return 0, fmt.Errorf("count distinct ips: %w", err)
	}
	return count, nil
}

// UpdateLastActivity bumps last_activity_at. Losing a race here is
// harmless; last writer wins.
func (r *SessionRepository) UpdateLastActivity(ctx context.Context, id string, ts time.Time) error {
	const query = `UPDATE sessions SET last_activity_at = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, ts); err != nil {
		return fmt.Errorf("update last activity: %w", err)
	}
	return nil
}

// CleanupExpired purges sessions whose refresh expiry has passed or that
// were revoked before the retention cutoff. Housekeeping only, never on the
// authentication hot path.
func (r *SessionRepository) CleanupExpired(ctx context.Context, now, revokedBefore time.Time) (int64, error) {
	const query = `DELETE FROM sessions WHERE refresh_token_expires_at < $1 OR (revoked = TRUE AND revoked_at < $2)`
	res, err := r.db.ExecContext(ctx, query, now, revokedBefore)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired sessions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup expired sessions rows: %w", err)
	}
	return affected, nil
}
