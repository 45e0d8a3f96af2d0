package service

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/noah-isme/secure-auth-api/internal/models"
	appErrors "github.com/noah-isme/secure-auth-api/pkg/errors"
)

// TokenConfig defines signing material and lifetimes for the issuer.
// Access and refresh tokens use distinct secrets so a leaked access key
// cannot forge refresh tokens.
type TokenConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessExpiry  time.Duration
	RefreshExpiry time.Duration
	Issuer        string
	Audience      []string
	ClockLeeway   time.Duration
}

// TokenService mints and verifies signed token pairs. It is a pure function
// of its inputs, the secrets and the clock; it never touches a store.
type TokenService struct {
	config TokenConfig
}

// NewTokenService constructs a TokenService instance.
func NewTokenService(config TokenConfig) *TokenService {
	if config.AccessExpiry <= 0 {
		config.AccessExpiry = 5 * time.Minute
	}
	if config.RefreshExpiry <= 0 {
		config.RefreshExpiry = 30 * 24 * time.Hour
	}
	if config.ClockLeeway <= 0 {
		config.ClockLeeway = 60 * time.Second
	}
	return &TokenService{config: config}
}

// IssuePair mints a signed access/refresh pair bound to the payload's
// session and token family.
func (s *TokenService) IssuePair(payload models.TokenPayload) (*models.TokenPair, error) {
	issuedAt := time.Now().UTC()
	accessExpiresAt := issuedAt.Add(s.config.AccessExpiry)
	refreshExpiresAt := issuedAt.Add(s.config.RefreshExpiry)

	access, err := s.sign(payload, models.TokenTypeAccess, issuedAt, accessExpiresAt, "")
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	// The jti exists for uniqueness only, never as a lookup key.
	refresh, err := s.sign(payload, models.TokenTypeRefresh, issuedAt, refreshExpiresAt, uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}

	return &models.TokenPair{
		AccessToken:           access,
		RefreshToken:          refresh,
		AccessTokenExpiresAt:  accessExpiresAt,
		RefreshTokenExpiresAt: refreshExpiresAt,
	}, nil
}

// VerifyAccess validates an access token and returns its claims.
func (s *TokenService) VerifyAccess(token string) (*models.TokenClaims, error) {
	return s.verify(token, models.TokenTypeAccess, s.config.AccessSecret)
}

// VerifyRefresh validates a refresh token and returns its claims.
func (s *TokenService) VerifyRefresh(token string) (*models.TokenClaims, error) {
	return s.verify(token, models.TokenTypeRefresh, s.config.RefreshSecret)
}

// AccessExpiry exposes the configured access-token lifetime for response
// payloads.
func (s *TokenService) AccessExpiry() time.Duration {
	return s.config.AccessExpiry
}

func (s *TokenService) sign(payload models.TokenPayload, tokenType models.TokenType, issuedAt, expiresAt time.Time, jti string) (string, error) {
	claims := &models.TokenClaims{
		UserID:         payload.UserID,
		SessionID:      payload.SessionID,
		SessionVersion: payload.SessionVersion,
		TokenFamily:    payload.TokenFamily,
		TokenType:      tokenType,
		DeviceID:       payload.DeviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.Issuer,
			Subject:   payload.UserID,
			Audience:  s.config.Audience,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ID:        jti,
		},
	}

	secret := s.config.AccessSecret
	if tokenType == models.TokenTypeRefresh {
		secret = s.config.RefreshSecret
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func (s *TokenService) verify(tokenString string, wantType models.TokenType, secret string) (*models.TokenClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(s.config.ClockLeeway),
		jwt.WithIssuedAt(),
	}
	if s.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.config.Issuer))
	}
	if len(s.config.Audience) > 0 {
		opts = append(opts, jwt.WithAudience(s.config.Audience[0]))
	}

	token, err := jwt.ParseWithClaims(tokenString, &models.TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid token")
	}

	claims, ok := token.Claims.(*models.TokenClaims)
	if !ok || !token.Valid {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token claims")
	}

	if claims.TokenType != wantType {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "unexpected token type")
	}

	return claims, nil
}

// HashToken produces the hex SHA-256 digest under which refresh tokens are
// stored. Raw refresh tokens never reach the database.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
