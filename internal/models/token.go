package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenType distinguishes the two credentials of a pair. Access tokens are
// stateless; refresh tokens are stateful and single-use.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// TokenClaims is the JWT payload shared by access and refresh tokens.
type TokenClaims struct {
	UserID         string    `json:"user_id"`
	SessionID      string    `json:"session_id"`
	SessionVersion int       `json:"session_version"`
	TokenFamily    string    `json:"token_family"`
	TokenType      TokenType `json:"type"`
	DeviceID       string    `json:"device_id,omitempty"`
	jwt.RegisteredClaims
}

// TokenPayload is the issuer input: everything a pair is bound to.
type TokenPayload struct {
	UserID         string
	SessionID      string
	SessionVersion int
	TokenFamily    string
	DeviceID       string
}

// TokenPair is a freshly minted access/refresh pair with expiry timestamps
// as persisted on the session row.
type TokenPair struct {
	AccessToken           string
	RefreshToken          string
	AccessTokenExpiresAt  time.Time
	RefreshTokenExpiresAt time.Time
}
