package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	ua "github.com/mileusna/useragent"
	"go.uber.org/zap"

	"github.com/noah-isme/secure-auth-api/internal/models"
	appErrors "github.com/noah-isme/secure-auth-api/pkg/errors"
)

type sessionRepository interface {
	Create(ctx context.Context, s *models.Session) error
	FindByID(ctx context.Context, id string) (*models.Session, error)
	Rotate(ctx context.Context, rot models.SessionRotation) (bool, error)
	Revoke(ctx context.Context, id, reason string, ts time.Time) error
	RevokeFamily(ctx context.Context, tokenFamily, reason string, ts time.Time) (int64, error)
	RevokeAllForUser(ctx context.Context, userID, reason string, ts time.Time) error
	RevokeOthers(ctx context.Context, userID, exceptSessionID, reason string, ts time.Time) (int64, error)
	ListActive(ctx context.Context, userID string, now time.Time) ([]models.Session, error)
	UpdateLastActivity(ctx context.Context, id string, ts time.Time) error
	CleanupExpired(ctx context.Context, now, revokedBefore time.Time) (int64, error)
}

type sessionUserStore interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	UpdateLastLogin(ctx context.Context, id string, ts time.Time) error
	IncrementSessionVersion(ctx context.Context, id string) (int, error)
}

// SessionConfig tunes session housekeeping.
type SessionConfig struct {
	RevokedRetention time.Duration
}

// SessionService owns the session lifecycle: creation, the rotation and
// replay guard, revocation in all its shapes, and housekeeping. It is the
// only writer of session state.
type SessionService struct {
	sessions sessionRepository
	users    sessionUserStore
	tokens   *TokenService
	audit    auditWriter
	metrics  *MetricsService
	logger   *zap.Logger
	config   SessionConfig
}

// NewSessionService constructs a SessionService instance.
func NewSessionService(sessions sessionRepository, users sessionUserStore, tokens *TokenService, audit auditWriter, metrics *MetricsService, logger *zap.Logger, config SessionConfig) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.RevokedRetention <= 0 {
		config.RevokedRetention = 30 * 24 * time.Hour
	}
	return &SessionService{sessions: sessions, users: users, tokens: tokens, audit: audit, metrics: metrics, logger: logger, config: config}
}

// Create allocates a fresh session and token family for a verified login
// and mints the initial pair.
func (s *SessionService) Create(ctx context.Context, userID string, deviceID *string, ip, userAgent string) (*models.Session, *models.TokenPair, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, appErrors.Clone(appErrors.ErrUnauthorized, "user not found")
		}
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}

	sessionID := uuid.NewString()
	tokenFamily := uuid.NewString()

	payload := models.TokenPayload{
		UserID:         user.ID,
		SessionID:      sessionID,
		SessionVersion: user.SessionVersion,
		TokenFamily:    tokenFamily,
	}
	if deviceID != nil {
		payload.DeviceID = *deviceID
	}

	pair, err := s.tokens.IssuePair(payload)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mint token pair")
	}

	now := time.Now().UTC()
	session := &models.Session{
		ID:                    sessionID,
		UserID:                user.ID,
		DeviceID:              deviceID,
		TokenFamily:           tokenFamily,
		SessionVersion:        user.SessionVersion,
		RotationCount:         0,
		RefreshTokenHash:      HashToken(pair.RefreshToken),
		IPAddress:             ip,
		UserAgent:             userAgent,
		AccessTokenExpiresAt:  pair.AccessTokenExpiresAt,
		RefreshTokenExpiresAt: pair.RefreshTokenExpiresAt,
		LastActivityAt:        now,
		CreatedAt:             now,
	}

	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist session")
	}

	if err := s.users.UpdateLastLogin(ctx, user.ID, now); err != nil {
		s.logger.Warn("failed to update last login", zap.Error(err))
	}

	return session, pair, nil
}

// Rotate validates a presented refresh token and either rotates the pair or
// rejects hard. Reuse of an already-rotated token is conclusive evidence of
// theft and revokes the entire family. All rejections surface as plain
// Unauthorized; the audit trail keeps the real reason.
func (s *SessionService) Rotate(ctx context.Context, refreshToken, ip string) (*models.TokenPair, *models.Session, error) {
	claims, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		s.securityEvent(ctx, models.AuditEventTokenRotationFailed, nil, nil, ip, "invalid or expired refresh token")
		return nil, nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid refresh token")
	}

	session, err := s.sessions.FindByID(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.securityEvent(ctx, models.AuditEventTokenRotationFailed, &claims.UserID, nil, ip, "session not found")
			return nil, nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid refresh token")
		}
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session")
	}

	now := time.Now().UTC()

	if session.Revoked {
		s.securityEvent(ctx, models.AuditEventTokenRotationBlocked, &session.UserID, &session.ID, ip, "session revoked")
		return nil, nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid refresh token")
	}

	if session.RefreshTokenExpiresAt.Before(now) {
		if err := s.sessions.Revoke(ctx, session.ID, models.RevokedReasonExpired, now); err != nil {
			s.logger.Warn("failed to revoke expired session", zap.Error(err))
		}
		return nil, nil, appErrors.Clone(appErrors.ErrUnauthorized, "refresh token expired")
	}

	user, err := s.users.FindByID(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid refresh token")
		}
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}

	if session.SessionVersion != user.SessionVersion {
		if err := s.sessions.Revoke(ctx, session.ID, models.RevokedReasonPasswordChanged, now); err != nil {
			s.logger.Warn("failed to revoke stale-version session", zap.Error(err))
		}
		return nil, nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid refresh token")
	}

	// Replay detection. The presented token carries a valid signature for
	// this session, so a hash that no longer matches the live one means an
	// already-superseded token is being replayed, no matter how far back in
	// the chain it was issued. Any reuse nukes the whole family.
	presentedHash := HashToken(refreshToken)
	if presentedHash != session.RefreshTokenHash {
		if session.RotationCount > 0 {
			s.nukeFamily(ctx, session, presentedHash, ip)
			return nil, nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid refresh token")
		}
		s.securityEvent(ctx, models.AuditEventTokenRotationFailed, &session.UserID, &session.ID, ip, "refresh hash mismatch on unrotated session")
		return nil, nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid refresh token")
	}

	pair, err := s.tokens.IssuePair(models.TokenPayload{
		UserID:         session.UserID,
		SessionID:      session.ID,
		SessionVersion: user.SessionVersion,
		TokenFamily:    session.TokenFamily,
		DeviceID:       claims.DeviceID,
	})
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mint token pair")
	}

	rotated, err := s.sessions.Rotate(ctx, models.SessionRotation{
		SessionID:             session.ID,
		OldRefreshTokenHash:   presentedHash,
		NewRefreshTokenHash:   HashToken(pair.RefreshToken),
		AccessTokenExpiresAt:  pair.AccessTokenExpiresAt,
		RefreshTokenExpiresAt: pair.RefreshTokenExpiresAt,
		LastActivityAt:        now,
	})
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to rotate session")
	}
	if !rotated {
		// A concurrent rotation won the compare-and-swap. Exactly one
		// caller gets a pair; this one does not.
		s.securityEvent(ctx, models.AuditEventTokenRotationFailed, &session.UserID, &session.ID, ip, "lost rotation race")
		return nil, nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid refresh token")
	}

	session.RotationCount++
	session.RefreshTokenHash = HashToken(pair.RefreshToken)
	session.PrevRefreshTokenHash = &presentedHash
	session.LastActivityAt = now

	if s.metrics != nil {
		s.metrics.ObserveRotation()
	}

	return pair, session, nil
}

// ValidateAccess checks an access token the stateless way: signature,
// expiry, then the session's liveness and the user's current session
// version. No refresh-hash lookup is involved.
func (s *SessionService) ValidateAccess(ctx context.Context, accessToken string) (*models.TokenClaims, error) {
	claims, err := s.tokens.VerifyAccess(accessToken)
	if err != nil {
		return nil, err
	}

	session, err := s.sessions.FindByID(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "session no longer exists")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session")
	}

	if session.Revoked {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "session revoked")
	}

	user, err := s.users.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "user no longer exists")
	}

	if claims.SessionVersion != user.SessionVersion {
		if err := s.sessions.Revoke(ctx, session.ID, models.RevokedReasonVersionMismatch, time.Now().UTC()); err != nil {
			s.logger.Warn("failed to revoke stale-version session", zap.Error(err))
		}
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "session invalidated")
	}

	if err := s.sessions.UpdateLastActivity(ctx, session.ID, time.Now().UTC()); err != nil {
		s.logger.Warn("failed to update session activity", zap.Error(err))
	}

	return claims, nil
}

// Revoke terminates a single session.
func (s *SessionService) Revoke(ctx context.Context, sessionID, reason string) error {
	if err := s.sessions.Revoke(ctx, sessionID, reason, time.Now().UTC()); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke session")
	}
	return nil
}

// RevokeAllForUser revokes every session for the user and bumps the
// session version, which immediately invalidates every outstanding access
// token regardless of signature or expiry.
func (s *SessionService) RevokeAllForUser(ctx context.Context, userID, reason string) error {
	now := time.Now().UTC()
	if err := s.sessions.RevokeAllForUser(ctx, userID, reason, now); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke user sessions")
	}
	if _, err := s.users.IncrementSessionVersion(ctx, userID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to bump session version")
	}
	return nil
}

// RevokeOthers revokes all of a user's sessions except the current one.
func (s *SessionService) RevokeOthers(ctx context.Context, userID, currentSessionID string) (int64, error) {
	revoked, err := s.sessions.RevokeOthers(ctx, userID, currentSessionID, models.RevokedReasonLogoutOthers, time.Now().UTC())
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke other sessions")
	}
	return revoked, nil
}

// ListActive returns the user's live sessions in display shape.
func (s *SessionService) ListActive(ctx context.Context, userID, currentSessionID string) ([]models.SessionInfo, error) {
	sessions, err := s.sessions.ListActive(ctx, userID, time.Now().UTC())
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list sessions")
	}

	infos := make([]models.SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		parsed := ua.Parse(session.UserAgent)
		browser := parsed.Name
		if browser == "" {
			browser = "Unknown"
		}
		os := parsed.OS
		if os == "" {
			os = "Unknown"
		}
		infos = append(infos, models.SessionInfo{
			ID:             session.ID,
			IPAddress:      session.IPAddress,
			Browser:        browser,
			OS:             os,
			DeviceName:     deviceName(parsed),
			LastActivityAt: session.LastActivityAt,
			CreatedAt:      session.CreatedAt,
			Current:        session.ID == currentSessionID,
		})
	}
	return infos, nil
}

// Cleanup purges refresh-expired sessions and revoked ones past retention.
func (s *SessionService) Cleanup(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	purged, err := s.sessions.CleanupExpired(ctx, now, now.Add(-s.config.RevokedRetention))
	if err != nil {
		return 0, fmt.Errorf("session cleanup: %w", err)
	}
	if purged > 0 {
		s.logger.Info("purged expired sessions", zap.Int64("count", purged))
	}
	return purged, nil
}

// nukeFamily revokes every session descended from the same login and
// records the replay with enough detail to tell an immediately-prior token
// from an older generation.
func (s *SessionService) nukeFamily(ctx context.Context, session *models.Session, presentedHash, ip string) {
	now := time.Now().UTC()
	revoked, err := s.sessions.RevokeFamily(ctx, session.TokenFamily, models.RevokedReasonReplayDetected, now)
	if err != nil {
		s.logger.Error("failed to revoke token family", zap.String("family", session.TokenFamily), zap.Error(err))
	}

	detail := "superseded refresh token replayed"
	if session.PrevRefreshTokenHash != nil && *session.PrevRefreshTokenHash == presentedHash {
		detail = "immediately prior refresh token replayed"
	}

	s.logger.Warn("replay attack detected",
		zap.String("user_id", session.UserID),
		zap.String("session_id", session.ID),
		zap.String("ip", ip),
		zap.Int64("sessions_revoked", revoked),
	)

	s.securityEvent(ctx, models.AuditEventReplayDetected, &session.UserID, &session.ID, ip, detail)
	if s.metrics != nil {
		s.metrics.ObserveReplayDetected()
	}
}

func (s *SessionService) securityEvent(ctx context.Context, eventType string, userID, sessionID *string, ip, description string) {
	if err := s.audit.Create(ctx, &models.AuditLog{
		UserID:      userID,
		SessionID:   sessionID,
		EventType:   eventType,
		EventAction: models.AuditActionWarning,
		Description: description,
		IPAddress:   ip,
	}); err != nil {
		s.logger.Warn("failed to write audit log", zap.String("event", eventType), zap.Error(err))
	}
}
