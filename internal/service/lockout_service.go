package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/secure-auth-api/internal/models"
	appErrors "github.com/noah-isme/secure-auth-api/pkg/errors"
)

type limiterStore interface {
	Hit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	Block(ctx context.Context, key string, duration time.Duration) error
	BlockedFor(ctx context.Context, key string) (time.Duration, error)
}

type lockoutUserStore interface {
	RecordFailedLogin(ctx context.Context, id string, ts time.Time, maxFailed int, lockedUntil time.Time) (int, error)
	ResetFailedLogins(ctx context.Context, id string) error
}

// LockoutConfig tunes both limiter policies and the per-account lockout.
type LockoutConfig struct {
	APIMaxRequests    int
	APIWindow         time.Duration
	AuthMaxAttempts   int
	AuthWindow        time.Duration
	AuthBlockDuration time.Duration

	MaxFailedLogins     int
	AccountLockDuration time.Duration
}

// LimitResult reports a limiter decision.
type LimitResult struct {
	Allowed    bool
	RetryAfter int
}

// LockoutService throttles authentication attempts and locks accounts after
// repeated failures. IP-based limiting and the per-account lockout are
// independent; both gate new session creation, never refresh.
type LockoutService struct {
	limiter limiterStore
	users   lockoutUserStore
	audit   auditWriter
	logger  *zap.Logger
	config  LockoutConfig
}

// NewLockoutService constructs a LockoutService instance.
func NewLockoutService(limiter limiterStore, users lockoutUserStore, audit auditWriter, logger *zap.Logger, config LockoutConfig) *LockoutService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.APIMaxRequests <= 0 {
		config.APIMaxRequests = 100
	}
	if config.APIWindow <= 0 {
		config.APIWindow = 15 * time.Minute
	}
	if config.AuthMaxAttempts <= 0 {
		config.AuthMaxAttempts = 5
	}
	if config.AuthWindow <= 0 {
		config.AuthWindow = 15 * time.Minute
	}
	if config.AuthBlockDuration <= 0 {
		config.AuthBlockDuration = time.Hour
	}
	if config.MaxFailedLogins <= 0 {
		config.MaxFailedLogins = 5
	}
	if config.AccountLockDuration <= 0 {
		config.AccountLockDuration = time.Hour
	}
	return &LockoutService{limiter: limiter, users: users, audit: audit, logger: logger, config: config}
}

// CheckAPILimit applies the advisory API limiter for the given caller key.
func (s *LockoutService) CheckAPILimit(ctx context.Context, key string) (LimitResult, error) {
	count, remaining, err := s.limiter.Hit(ctx, "ratelimit:api:"+key, s.config.APIWindow)
	if err != nil {
		return LimitResult{}, fmt.Errorf("api limiter: %w", err)
	}
	if count > int64(s.config.APIMaxRequests) {
		return LimitResult{Allowed: false, RetryAfter: ceilSeconds(remaining)}, nil
	}
	return LimitResult{Allowed: true}, nil
}

// CheckAuthLimit applies the strict auth limiter for the given IP. Once the
// window is exceeded the key is blocked for the configured duration.
func (s *LockoutService) CheckAuthLimit(ctx context.Context, ip string) (LimitResult, error) {
	key := "ratelimit:auth:" + ip

	blocked, err := s.limiter.BlockedFor(ctx, key)
	if err != nil {
		return LimitResult{}, fmt.Errorf("auth limiter: %w", err)
	}
	if blocked > 0 {
		return LimitResult{Allowed: false, RetryAfter: ceilSeconds(blocked)}, nil
	}

	count, remaining, err := s.limiter.Hit(ctx, key, s.config.AuthWindow)
	if err != nil {
		return LimitResult{}, fmt.Errorf("auth limiter: %w", err)
	}
	if count > int64(s.config.AuthMaxAttempts) {
		if err := s.limiter.Block(ctx, key, s.config.AuthBlockDuration); err != nil {
			s.logger.Warn("failed to set auth limiter block", zap.Error(err))
		}
		retry := s.config.AuthBlockDuration
		if remaining > retry {
			retry = remaining
		}
		return LimitResult{Allowed: false, RetryAfter: ceilSeconds(retry)}, nil
	}
	return LimitResult{Allowed: true}, nil
}

// RecordFailure increments the user's failed-login counter and reports
// whether the account just crossed into the locked state.
func (s *LockoutService) RecordFailure(ctx context.Context, user *models.User, ip, userAgent string) (bool, error) {
	now := time.Now().UTC()
	lockedUntil := now.Add(s.config.AccountLockDuration)

	attempts, err := s.users.RecordFailedLogin(ctx, user.ID, now, s.config.MaxFailedLogins, lockedUntil)
	if err != nil {
		return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record login failure")
	}

	locked := attempts >= s.config.MaxFailedLogins
	if locked {
		if err := s.audit.Create(ctx, &models.AuditLog{
			UserID:      &user.ID,
			EventType:   models.AuditEventAccountLocked,
			EventAction: models.AuditActionWarning,
			Description: fmt.Sprintf("account locked after %d failed logins", attempts),
			IPAddress:   ip,
			UserAgent:   userAgent,
		}); err != nil {
			s.logger.Warn("failed to write lockout audit log", zap.Error(err))
		}
	}
	return locked, nil
}

// RecordSuccess resets the failure counter after a successful login.
func (s *LockoutService) RecordSuccess(ctx context.Context, userID string) error {
	if err := s.users.ResetFailedLogins(ctx, userID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reset login failures")
	}
	return nil
}

// IsLocked reports whether the account is currently locked. An expired lock
// is cleared lazily here, resetting the failure counter with it.
func (s *LockoutService) IsLocked(ctx context.Context, user *models.User) (bool, error) {
	if !user.AccountLocked {
		return false, nil
	}
	if user.LockedUntil != nil && user.LockedUntil.Before(time.Now().UTC()) {
		if err := s.users.ResetFailedLogins(ctx, user.ID); err != nil {
			return true, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to clear expired lock")
		}
		user.AccountLocked = false
		user.LockedUntil = nil
		user.FailedLoginAttempts = 0
		return false, nil
	}
	return true, nil
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
