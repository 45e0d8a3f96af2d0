package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/secure-auth-api/internal/models"
)

const userColumns = `id, email, password_hash, session_version, totp_secret, totp_enabled, backup_codes, failed_login_attempts, last_failed_login, account_locked, locked_until, active, last_login_at, created_at, updated_at`

// UserRepository provides database access for user accounts.
type UserRepository struct {
	db *sqlx.DB
}

// NewUserRepository creates a new instance of UserRepository.
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

// FindByEmail returns a user by email address.
func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1 LIMIT 1`
	var user models.User
	if err := r.db.GetContext(ctx, &user, query, email); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find user by email: %w", err)
	}
	return &user, nil
}

// FindByID returns a user by identifier.
func (r *UserRepository) FindByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1 LIMIT 1`
	var user models.User
	if err := r.db.GetContext(ctx, &user, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find user by id: %w", err)
	}
	return &user, nil
}

// UpdateLastLogin updates the last_login_at timestamp for a user.
func (r *UserRepository) UpdateLastLogin(ctx context.Context, id string, ts time.Time) error {
	const query = `UPDATE users SET last_login_at = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, ts, ts); err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	return nil
}

// UpdatePassword updates the stored password hash.
func (r *UserRepository) UpdatePassword(ctx context.Context, id, passwordHash string, updatedAt time.Time) error {
	const query = `UPDATE users SET password_hash = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, passwordHash, updatedAt); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

// IncrementSessionVersion bumps the user's session version, invalidating
// every outstanding token carrying an older version, and returns the new
// value.
func (r *UserRepository) IncrementSessionVersion(ctx context.Context, id string) (int, error) {
	const query = `UPDATE users SET session_version = session_version + 1, updated_at = $2 WHERE id = $1 RETURNING session_version`
	var version int
	if err := r.db.GetContext(ctx, &version, query, id, time.Now().UTC()); err != nil {
		return 0, fmt.Errorf("increment session version: %w", err)
	}
	return version, nil
}

// RecordFailedLogin increments the failed-login counter and locks the
// account when the threshold is reached.
func (r *UserRepository) RecordFailedLogin(ctx context.Context, id string, ts time.Time, maxFailed int, lockedUntil time.Time) (int, error) {
	const query = `UPDATE users SET
		failed_login_attempts = failed_login_attempts + 1,
		last_failed_login = $2,
		account_locked = (failed_login_attempts + 1 >= $3),
		locked_until = CASE WHEN failed_login_attempts + 1 >= $3 THEN $4 ELSE locked_until END,
		updated_at = $2
		WHERE id = $1
		RETURNING failed_login_attempts`
	var attempts int
	if err := r.db.GetContext(ctx, &attempts, query, id, ts, maxFailed, lockedUntil); err != nil {
		return 0, fmt.Errorf("record failed login: %w", err)
	}
	return attempts, nil
}

// ResetFailedLogins clears the failure counter and any lock.
func (r *UserRepository) ResetFailedLogins(ctx context.Context, id string) error {
	const query = `UPDATE users SET failed_login_attempts = 0, last_failed_login = NULL, account_locked = FALSE, locked_until = NULL, updated_at = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("reset failed logins: %w", err)
	}
	return nil
}

// SetTOTP stores the TOTP secret and hashed backup codes, flipping the
// enabled flag.
func (r *UserRepository) SetTOTP(ctx context.Context, id string, secret *string, enabled bool, backupCodes []string) error {
	const query = `UPDATE users SET totp_secret = $2, totp_enabled = $3, backup_codes = $4, updated_at = $5 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, secret, enabled, pq.Array(backupCodes), time.Now().UTC()); err != nil {
		return fmt.Errorf("set totp: %w", err)
	}
	return nil
}

// ConsumeBackupCode replaces the stored backup-code hashes, used after a
// matched code has been removed by the caller.
func (r *UserRepository) ConsumeBackupCode(ctx context.Context, id string, remaining []string) error {
	const query = `UPDATE users SET backup_codes = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, pq.Array(remaining), time.Now().UTC()); err != nil {
		return fmt.Errorf("consume backup code: %w", err)
	}
	return nil
}
