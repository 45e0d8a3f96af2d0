package models

import "time"

// LoginRequest holds credentials for authenticating a user. TOTPCode or
// BackupCode supply the second factor when it is enabled for the account.
type LoginRequest struct {
	Email          string `json:"email" validate:"required,email"`
	Password       string `json:"password" validate:"required"`
	TOTPCode       string `json:"totp_code,omitempty"`
	BackupCode     string `json:"backup_code,omitempty"`
	IP             string `json:"-"`
	UserAgent      string `json:"-"`
	AcceptLanguage string `json:"-"`
	AcceptEncoding string `json:"-"`
}

// PasskeyLoginRequest carries the result of an external WebAuthn assertion
// check. The cryptographic verification happens outside this core. The
// assertion replaces only the password; TOTPCode or BackupCode must still
// satisfy the second factor when it is enabled for the account.
type PasskeyLoginRequest struct {
	Verified       bool   `json:"verified"`
	UserID         string `json:"user_id" validate:"required"`
	TOTPCode       string `json:"totp_code,omitempty"`
	BackupCode     string `json:"backup_code,omitempty"`
	IP             string `json:"-"`
	UserAgent      string `json:"-"`
	AcceptLanguage string `json:"-"`
	AcceptEncoding string `json:"-"`
}

// LoginResponse returns the issued tokens and user info.
type LoginResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresIn    int64     `json:"expires_in"`
	SessionID    string    `json:"session_id"`
	IssuedAt     time.Time `json:"issued_at"`
	User         UserInfo  `json:"user"`
}

// RefreshRequest exchanges a refresh token for a new pair.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
	IP           string `json:"-"`
	UserAgent    string `json:"-"`
}

// RefreshResponse returns the rotated tokens.
type RefreshResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresIn    int64     `json:"expires_in"`
	IssuedAt     time.Time `json:"issued_at"`
}

// ChangePasswordRequest payload for updating password.
type ChangePasswordRequest struct {
	OldPassword string `json:"old_password" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,min=8"`
}

// TOTPSetupResponse returns the provisioning material for enrolling a
// second factor. Backup codes are shown once, plaintext, at setup time.
type TOTPSetupResponse struct {
	Secret      string   `json:"secret"`
	URI         string   `json:"uri"`
	BackupCodes []string `json:"backup_codes"`
}

// TOTPConfirmRequest verifies the first code before enabling the factor.
type TOTPConfirmRequest struct {
	Code string `json:"code" validate:"required,len=6"`
}
