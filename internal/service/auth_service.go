package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/secure-auth-api/internal/models"
	appErrors "github.com/noah-isme/secure-auth-api/pkg/errors"
)

type authUserRepository interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	UpdatePassword(ctx context.Context, id, passwordHash string, updatedAt time.Time) error
	SetTOTP(ctx context.Context, id string, secret *string, enabled bool, backupCodes []string) error
	ConsumeBackupCode(ctx context.Context, id string, remaining []string) error
}

// AuthConfig defines knobs for the login flow.
type AuthConfig struct {
	BcryptCost int
}

// AuthService orchestrates the login flow: lockout gate, credential
// verification, device binding, the second factor, and session creation.
// Token refresh itself lives in SessionService.
type AuthService struct {
	users     authUserRepository
	sessions  *SessionService
	devices   *DeviceService
	lockout   *LockoutService
	totp      *TOTPService
	metrics   *MetricsService
	audit     auditWriter
	validator *validator.Validate
	logger    *zap.Logger
	config    AuthConfig
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(users authUserRepository, sessions *SessionService, devices *DeviceService, lockout *LockoutService, totp *TOTPService, metrics *MetricsService, audit auditWriter, validate *validator.Validate, logger *zap.Logger, config AuthConfig) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if config.BcryptCost <= 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	return &AuthService{
		users: users, sessions: sessions, devices: devices, lockout: lockout,
		totp: totp, metrics: metrics, audit: audit,
		validator: validate, logger: logger, config: config,
	}
}

// Login authenticates a user with password plus the second factor when one
// is enrolled and returns an initial token pair.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (*models.LoginResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid login payload")
	}

	user, err := s.users.FindByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.observeLogin("unknown_user")
			return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch user")
	}

	if !user.Active {
		return nil, appErrors.Clone(appErrors.ErrInactiveAccount, "")
	}

	// Lockout is checked before any credential is inspected; it gates
	// session creation only, never refresh.
	locked, err := s.lockout.IsLocked(ctx, user)
	if err != nil {
		return nil, err
	}
	if locked {
		s.observeLogin("locked")
		return nil, s.lockedError(user)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, s.handleFailedLogin(ctx, user, req.IP, req.UserAgent, "invalid password", "invalid_password")
	}

	info := models.DeviceInfo{
		UserAgent:      req.UserAgent,
		IPAddress:      req.IP,
		AcceptLanguage: req.AcceptLanguage,
		AcceptEncoding: req.AcceptEncoding,
	}

	// Suspicion is evaluated before registration so a first sighting still
	// reads as a new device.
	suspicion, err := s.devices.DetectSuspicious(ctx, user.ID, info)
	if err != nil {
		s.logger.Warn("suspicious-device check failed", zap.Error(err))
		suspicion = models.SuspicionResult{}
	}

	if user.TOTPEnabled {
		if err := s.verifySecondFactor(ctx, user, req.TOTPCode, req.BackupCode); err != nil {
			s.observeLogin("second_factor_failed")
			return nil, err
		}
	} else if suspicion.Suspicious {
		s.logger.Warn("suspicious login without second factor enrolled",
			zap.String("user_id", user.ID), zap.String("reason", suspicion.Reason))
	}

	if err := s.lockout.RecordSuccess(ctx, user.ID); err != nil {
		s.logger.Warn("failed to reset login failures", zap.Error(err))
	}

	deviceID, err := s.devices.Register(ctx, user.ID, info, nil)
	if err != nil {
		return nil, err
	}

	session, pair, err := s.sessions.Create(ctx, user.ID, &deviceID, req.IP, req.UserAgent)
	if err != nil {
		return nil, err
	}

	s.writeAudit(ctx, &models.AuditLog{
		UserID:      &user.ID,
		SessionID:   &session.ID,
		DeviceID:    &deviceID,
		EventType:   models.AuditEventLogin,
		EventAction: models.AuditActionSuccess,
		Description: "password login",
		IPAddress:   req.IP,
		UserAgent:   req.UserAgent,
	})
	s.observeLogin("success")

	return s.loginResponse(user, session, pair), nil
}

// LoginWithPasskey consumes an externally verified WebAuthn assertion and
// creates a session for the asserted user. The assertion replaces only the
// password check; an enrolled second factor is still demanded.
func (s *AuthService) LoginWithPasskey(ctx context.Context, req models.PasskeyLoginRequest) (*models.LoginResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid passkey payload")
	}

	user, err := s.users.FindByID(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "unknown principal")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch user")
	}

	if !user.Active {
		return nil, appErrors.Clone(appErrors.ErrInactiveAccount, "")
	}

	locked, err := s.lockout.IsLocked(ctx, user)
	if err != nil {
		return nil, err
	}
	if locked {
		s.observeLogin("locked")
		return nil, s.lockedError(user)
	}

	// A rejected assertion counts against the account like a wrong password,
	// so passkey brute-forcing drives the same lockout machine.
	if !req.Verified {
		return nil, s.handleFailedLogin(ctx, user, req.IP, req.UserAgent, "passkey assertion rejected", "passkey_failed")
	}

	if user.TOTPEnabled {
		if err := s.verifySecondFactor(ctx, user, req.TOTPCode, req.BackupCode); err != nil {
			s.observeLogin("second_factor_failed")
			return nil, err
		}
	}

	if err := s.lockout.RecordSuccess(ctx, user.ID); err != nil {
		s.logger.Warn("failed to reset login failures", zap.Error(err))
	}

	info := models.DeviceInfo{
		UserAgent:      req.UserAgent,
		IPAddress:      req.IP,
		AcceptLanguage: req.AcceptLanguage,
		AcceptEncoding: req.AcceptEncoding,
	}
	deviceID, err := s.devices.Register(ctx, user.ID, info, nil)
	if err != nil {
		return nil, err
	}

	session, pair, err := s.sessions.Create(ctx, user.ID, &deviceID, req.IP, req.UserAgent)
	if err != nil {
		return nil, err
	}

	s.writeAudit(ctx, &models.AuditLog{
		UserID:      &user.ID,
		SessionID:   &session.ID,
		DeviceID:    &deviceID,
		EventType:   models.AuditEventLogin,
		EventAction: models.AuditActionSuccess,
		Description: "passkey login",
		IPAddress:   req.IP,
		UserAgent:   req.UserAgent,
	})
	s.observeLogin("success")

	return s.loginResponse(user, session, pair), nil
}

// Refresh exchanges a refresh token for a rotated pair.
func (s *AuthService) Refresh(ctx context.Context, req models.RefreshRequest) (*models.RefreshResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid refresh payload")
	}

	pair, _, err := s.sessions.Rotate(ctx, req.RefreshToken, req.IP)
	if err != nil {
		return nil, err
	}

	return &models.RefreshResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    int64(s.sessions.tokens.AccessExpiry().Seconds()),
		IssuedAt:     time.Now().UTC(),
	}, nil
}

// Logout revokes the caller's current session.
func (s *AuthService) Logout(ctx context.Context, userID, sessionID, ip, userAgent string) error {
	if err := s.sessions.Revoke(ctx, sessionID, models.RevokedReasonLogout); err != nil {
		return err
	}
	s.writeAudit(ctx, &models.AuditLog{
		UserID:      &userID,
		SessionID:   &sessionID,
		EventType:   models.AuditEventLogout,
		EventAction: models.AuditActionSuccess,
		Description: "logout",
		IPAddress:   ip,
		UserAgent:   userAgent,
	})
	return nil
}

// LogoutOthers revokes every session for the user except the current one.
func (s *AuthService) LogoutOthers(ctx context.Context, userID, currentSessionID string) (int64, error) {
	return s.sessions.RevokeOthers(ctx, userID, currentSessionID)
}

// LogoutAll revokes every session for the user and invalidates all issued
// access tokens by bumping the session version.
func (s *AuthService) LogoutAll(ctx context.Context, userID string) error {
	return s.sessions.RevokeAllForUser(ctx, userID, models.RevokedReasonLogoutAll)
}

// ChangePassword rotates the password hash and logs the user out
// everywhere, which invalidates all outstanding tokens.
func (s *AuthService) ChangePassword(ctx context.Context, userID string, req models.ChangePasswordRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid change password payload")
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.OldPassword)); err != nil {
		return appErrors.Clone(appErrors.ErrForbidden, "old password does not match")
	}

	newHash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), s.config.BcryptCost)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	if err := s.users.UpdatePassword(ctx, userID, string(newHash), time.Now().UTC()); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update password")
	}

	if err := s.sessions.RevokeAllForUser(ctx, userID, models.RevokedReasonPasswordChanged); err != nil {
		return err
	}

	s.writeAudit(ctx, &models.AuditLog{
		UserID:      &userID,
		EventType:   models.AuditEventPasswordChanged,
		EventAction: models.AuditActionSuccess,
		Description: "password changed, all sessions revoked",
	})

	return nil
}

// SetupTOTP provisions a secret and backup codes without enabling the
// factor yet. Plaintext codes are returned exactly once.
func (s *AuthService) SetupTOTP(ctx context.Context, userID string) (*models.TOTPSetupResponse, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}

	secret, uri, err := s.totp.GenerateSecret(user.Email)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate totp secret")
	}

	codes, err := s.totp.GenerateBackupCodes()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate backup codes")
	}
	hashed, err := s.totp.HashBackupCodes(codes)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash backup codes")
	}

	if err := s.users.SetTOTP(ctx, userID, &secret, false, hashed); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store totp secret")
	}

	return &models.TOTPSetupResponse{Secret: secret, URI: uri, BackupCodes: codes}, nil
}

// ConfirmTOTP verifies the first code against the provisioned secret and
// enables the factor.
func (s *AuthService) ConfirmTOTP(ctx context.Context, userID string, req models.TOTPConfirmRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid totp payload")
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	if user.TOTPSecret == nil {
		return appErrors.Clone(appErrors.ErrConflict, "totp has not been set up")
	}

	if !s.totp.VerifyCode(*user.TOTPSecret, req.Code) {
		return appErrors.Clone(appErrors.ErrUnauthorized, "invalid totp code")
	}

	if err := s.users.SetTOTP(ctx, userID, user.TOTPSecret, true, user.BackupCodes); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to enable totp")
	}

	s.writeAudit(ctx, &models.AuditLog{
		UserID:      &userID,
		EventType:   models.AuditEventTOTPEnabled,
		EventAction: models.AuditActionSuccess,
		Description: "totp second factor enabled",
	})
	return nil
}

// DisableTOTP removes the second factor.
func (s *AuthService) DisableTOTP(ctx context.Context, userID string) error {
	if err := s.users.SetTOTP(ctx, userID, nil, false, nil); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to disable totp")
	}
	s.writeAudit(ctx, &models.AuditLog{
		UserID:      &userID,
		EventType:   models.AuditEventTOTPDisabled,
		EventAction: models.AuditActionSuccess,
		Description: "totp second factor disabled",
	})
	return nil
}

func (s *AuthService) verifySecondFactor(ctx context.Context, user *models.User, totpCode, backupCode string) error {
	if user.TOTPSecret == nil {
		return appErrors.Clone(appErrors.ErrInternal, "totp enabled without secret")
	}

	if totpCode != "" && s.totp.VerifyCode(*user.TOTPSecret, totpCode) {
		return nil
	}

	if backupCode != "" {
		idx := s.totp.VerifyBackupCode(backupCode, user.BackupCodes)
		if idx >= 0 {
			remaining := make([]string, 0, len(user.BackupCodes)-1)
			remaining = append(remaining, user.BackupCodes[:idx]...)
			remaining = append(remaining, user.BackupCodes[idx+1:]...)
			if err := s.users.ConsumeBackupCode(ctx, user.ID, remaining); err != nil {
				s.logger.Warn("failed to consume backup code", zap.Error(err))
			}
			return nil
		}
	}

	if totpCode == "" && backupCode == "" {
		return appErrors.Clone(appErrors.ErrSecondFactor, "")
	}
	return appErrors.Clone(appErrors.ErrUnauthorized, "invalid second factor")
}

func (s *AuthService) handleFailedLogin(ctx context.Context, user *models.User, ip, userAgent, description, outcome string) error {
	locked, err := s.lockout.RecordFailure(ctx, user, ip, userAgent)
	if err != nil {
		s.logger.Warn("failed to record login failure", zap.Error(err))
	}

	s.writeAudit(ctx, &models.AuditLog{
		UserID:      &user.ID,
		EventType:   models.AuditEventLoginFailed,
		EventAction: models.AuditActionFailure,
		Description: description,
		IPAddress:   ip,
		UserAgent:   userAgent,
	})

	if locked {
		s.observeLogin("locked")
		if s.metrics != nil {
			s.metrics.ObserveAccountLockout()
		}
		return appErrors.Clone(appErrors.ErrAccountLocked, "")
	}
	s.observeLogin(outcome)
	return appErrors.Clone(appErrors.ErrInvalidCredentials, "")
}

func (s *AuthService) lockedError(user *models.User) error {
	if user.LockedUntil != nil {
		remaining := time.Until(*user.LockedUntil)
		if remaining > 0 {
			return appErrors.Clone(appErrors.ErrAccountLocked,
				"account is temporarily locked, try again in "+remaining.Round(time.Second).String())
		}
	}
	return appErrors.Clone(appErrors.ErrAccountLocked, "")
}

func (s *AuthService) loginResponse(user *models.User, session *models.Session, pair *models.TokenPair) *models.LoginResponse {
	return &models.LoginResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    int64(s.sessions.tokens.AccessExpiry().Seconds()),
		SessionID:    session.ID,
		IssuedAt:     time.Now().UTC(),
		User: models.UserInfo{
			ID:          user.ID,
			Email:       user.Email,
			TOTPEnabled: user.TOTPEnabled,
		},
	}
}

func (s *AuthService) writeAudit(ctx context.Context, log *models.AuditLog) {
	if err := s.audit.Create(ctx, log); err != nil {
		s.logger.Warn("failed to write audit log", zap.String("event", log.EventType), zap.Error(err))
	}
}

func (s *AuthService) observeLogin(outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveLogin(outcome)
	}
}
