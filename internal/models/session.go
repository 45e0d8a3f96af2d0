package models

import "time"

// Session revocation reasons recorded on logical delete.
const (
	RevokedReasonLogout          = "user_logout"
	RevokedReasonLogoutOthers    = "user_logout_all_others"
	RevokedReasonLogoutAll       = "user_logout_everywhere"
	RevokedReasonExpired         = "expired"
	RevokedReasonPasswordChanged = "password_changed"
	RevokedReasonReplayDetected  = "replay_attack_detected"
	RevokedReasonDeviceRevoked   = "device_revoked"
	RevokedReasonVersionMismatch = "session_version_mismatch"
)

// Session is the durable record of a login. TokenFamily is shared by every
// token descended from the same login and never changes across rotations.
// RefreshTokenHash is the only live refresh hash at any time; the previous
// hash is retained so a replayed immediately-prior token can be told apart
// from a forged one in the audit trail.
type Session struct {
	ID                    string     `db:"id" json:"id"`
	UserID                string     `db:"user_id" json:"user_id"`
	DeviceID              *string    `db:"device_id" json:"device_id,omitempty"`
	TokenFamily           string     `db:"token_family" json:"-"`
	SessionVersion        int        `db:"session_version" json:"-"`
	RotationCount         int        `db:"rotation_count" json:"-"`
	RefreshTokenHash      string     `db:"refresh_token_hash" json:"-"`
	PrevRefreshTokenHash  *string    `db:"prev_refresh_token_hash" json:"-"`
	IPAddress             string     `db:"ip_address" json:"ip_address"`
	UserAgent             string     `db:"user_agent" json:"-"`
	AccessTokenExpiresAt  time.Time  `db:"access_token_expires_at" json:"-"`
	RefreshTokenExpiresAt time.Time  `db:"refresh_token_expires_at" json:"-"`
	Revoked               bool       `db:"revoked" json:"-"`
	RevokedAt             *time.Time `db:"revoked_at" json:"-"`
	RevokedReason         *string    `db:"revoked_reason" json:"-"`
	LastActivityAt        time.Time  `db:"last_activity_at" json:"last_activity_at"`
	CreatedAt             time.Time  `db:"created_at" json:"created_at"`
}

// SessionInfo is the display shape for active-session listings, enriched
// with parsed user-agent data.
type SessionInfo struct {
	ID             string    `json:"id"`
	IPAddress      string    `json:"ip_address"`
	Browser        string    `json:"browser"`
	OS             string    `json:"os"`
	DeviceName     string    `json:"device_name"`
	LastActivityAt time.Time `json:"last_activity_at"`
	CreatedAt      time.Time `json:"created_at"`
	Current        bool      `json:"current"`
}

// SessionRotation carries the fields updated atomically on a successful
// token rotation. The store applies it conditionally on the old hash still
// being live, which is what makes concurrent rotations single-winner.
type SessionRotation struct {
	SessionID             string
	OldRefreshTokenHash   string
	NewRefreshTokenHash   string
	AccessTokenExpiresAt  time.Time
	RefreshTokenExpiresAt time.Time
	LastActivityAt        time.Time
}
