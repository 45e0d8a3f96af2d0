package models

import (
	"time"

	"github.com/lib/pq"
)

// User represents an application user stored in the users table.
// SessionVersion is a monotonic counter; incrementing it immediately
// invalidates every outstanding token that carries an older version.
type User struct {
	ID                  string         `db:"id" json:"id"`
	Email               string         `db:"email" json:"email"`
	PasswordHash        string         `db:"password_hash" json:"-"`
	SessionVersion      int            `db:"session_version" json:"-"`
	TOTPSecret          *string        `db:"totp_secret" json:"-"`
	TOTPEnabled         bool           `db:"totp_enabled" json:"totp_enabled"`
	BackupCodes         pq.StringArray `db:"backup_codes" json:"-"`
	FailedLoginAttempts int            `db:"failed_login_attempts" json:"-"`
	LastFailedLogin     *time.Time     `db:"last_failed_login" json:"-"`
	AccountLocked       bool           `db:"account_locked" json:"-"`
	LockedUntil         *time.Time     `db:"locked_until" json:"-"`
	Active              bool           `db:"active" json:"active"`
	LastLoginAt         *time.Time     `db:"last_login_at" json:"last_login_at,omitempty"`
	CreatedAt           time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at" json:"updated_at"`
}

// UserInfo describes the authenticated user in responses.
type UserInfo struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	TOTPEnabled bool   `json:"totp_enabled"`
}
