package models

import "time"

// Audit event types for security-relevant decisions. The audit log is
// append-only and forensic; it is never consulted for authorization.
const (
	AuditEventLogin                = "login"
	AuditEventLoginFailed          = "login_failed"
	AuditEventLogout               = "logout"
	AuditEventTokenRotated         = "token_rotated"
	AuditEventTokenRotationFailed  = "token_rotation_failed"
	AuditEventTokenRotationBlocked = "token_rotation_blocked"
	AuditEventReplayDetected       = "replay_attack_detected"
	AuditEventAccountLocked        = "account_locked"
	AuditEventPasswordChanged      = "password_changed"
	AuditEventDeviceRegistered     = "device_registered"
	AuditEventDeviceRevoked        = "device_revoked"
	AuditEventDeviceTrusted        = "device_trusted"
	AuditEventDeviceSuspicious     = "device_suspicious"
	AuditEventTOTPEnabled          = "totp_enabled"
	AuditEventTOTPDisabled         = "totp_disabled"
)

// Audit event actions.
const (
	AuditActionSuccess = "success"
	AuditActionFailure = "failure"
	AuditActionWarning = "warning"
)

// AuditLog represents an append-only audit trail record.
type AuditLog struct {
	ID          string    `db:"id" json:"id"`
	UserID      *string   `db:"user_id" json:"user_id,omitempty"`
	EventType   string    `db:"event_type" json:"event_type"`
	EventAction string    `db:"event_action" json:"event_action"`
	Description string    `db:"description" json:"description"`
	IPAddress   string    `db:"ip_address" json:"ip_address"`
	UserAgent   string    `db:"user_agent" json:"user_agent"`
	DeviceID    *string   `db:"device_id" json:"device_id,omitempty"`
	SessionID   *string   `db:"session_id" json:"session_id,omitempty"`
	Metadata    []byte    `db:"metadata" json:"metadata,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}
