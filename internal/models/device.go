package models

import "time"

// DeviceTrustLevel classifies how much the device has proven about itself.
type DeviceTrustLevel string

const (
	TrustUnverified DeviceTrustLevel = "unverified"
	TrustVerified   DeviceTrustLevel = "verified"
	TrustTrusted    DeviceTrustLevel = "trusted"
)

// Device tracks a client device by fingerprint. Rows are never deleted,
// only deactivated, to preserve the audit trail.
type Device struct {
	ID          string           `db:"id" json:"id"`
	UserID      string           `db:"user_id" json:"user_id"`
	Fingerprint string           `db:"fingerprint" json:"-"`
	DeviceName  string           `db:"device_name" json:"name"`
	DeviceType  string           `db:"device_type" json:"type"`
	OS          string           `db:"os" json:"os"`
	Browser     string           `db:"browser" json:"browser"`
	TrustLevel  DeviceTrustLevel `db:"trust_level" json:"trust_level"`
	Trusted     bool             `db:"trusted" json:"trusted"`
	FirstSeenIP string           `db:"first_seen_ip" json:"-"`
	LastSeenIP  string           `db:"last_seen_ip" json:"last_seen_ip"`
	LastSeenAt  time.Time        `db:"last_seen_at" json:"last_seen_at"`
	Active      bool             `db:"active" json:"-"`
	CreatedAt   time.Time        `db:"created_at" json:"created_at"`
}

// DeviceInfo carries the request headers a fingerprint is derived from.
// Matching is exact; there is no fuzzy matching.
type DeviceInfo struct {
	UserAgent      string
	IPAddress      string
	AcceptLanguage string
	AcceptEncoding string
}

// SuspicionResult is the outcome of a suspicious-activity check.
type SuspicionResult struct {
	Suspicious bool   `json:"suspicious"`
	Reason     string `json:"reason,omitempty"`
}
