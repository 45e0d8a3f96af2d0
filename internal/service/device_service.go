package service

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	ua "github.com/mileusna/useragent"
	"go.uber.org/zap"

	"github.com/noah-isme/secure-auth-api/internal/models"
	appErrors "github.com/noah-isme/secure-auth-api/pkg/errors"
)

// More than this many distinct source IPs for one device inside the lookback
// window flags the device as suspicious.
const (
	suspiciousIPThreshold = 3
	suspiciousIPWindow    = 24 * time.Hour
)

type deviceRepository interface {
	Create(ctx context.Context, d *models.Device) error
	FindByFingerprint(ctx context.Context, fingerprint string) (*models.Device, error)
	FindByID(ctx context.Context, id, userID string) (*models.Device, error)
	UpdateLastSeen(ctx context.Context, id, ip string, ts time.Time) error
	ListActive(ctx context.Context, userID string) ([]models.Device, error)
	Deactivate(ctx context.Context, id string) error
	SetTrusted(ctx context.Context, id, userID string) error
}

type deviceSessionStore interface {
	RevokeAllForDevice(ctx context.Context, deviceID, reason string, ts time.Time) error
	CountDistinctIPs(ctx context.Context, userID, deviceID string, since time.Time) (int, error)
}

type auditWriter interface {
	Create(ctx context.Context, log *models.AuditLog) error
}

// DeviceService fingerprints and tracks client devices and runs the
// suspicious-activity heuristics consulted at session creation and by the
// rotation guard.
type DeviceService struct {
	devices  deviceRepository
	sessions deviceSessionStore
	audit    auditWriter
	logger   *zap.Logger
}

// NewDeviceService constructs a DeviceService instance.
func NewDeviceService(devices deviceRepository, sessions deviceSessionStore, audit auditWriter, logger *zap.Logger) *DeviceService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeviceService{devices: devices, sessions: sessions, audit: audit, logger: logger}
}

// Fingerprint derives the deterministic device fingerprint. Field order
// matters and matching is exact.
func Fingerprint(info models.DeviceInfo) string {
	joined := strings.Join([]string{
		info.UserAgent,
		info.IPAddress,
		info.AcceptLanguage,
		info.AcceptEncoding,
	}, "||")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}

// Register creates or refreshes the device matching the request's
// fingerprint and returns its id. Re-registration is idempotent. Devices
// registered with attestation data start at trust level verified.
func (s *DeviceService) Register(ctx context.Context, userID string, info models.DeviceInfo, attestation []byte) (string, error) {
	fingerprint := Fingerprint(info)

	existing, err := s.devices.FindByFingerprint(ctx, fingerprint)
	if err == nil {
		if err := s.devices.UpdateLastSeen(ctx, existing.ID, info.IPAddress, time.Now().UTC()); err != nil {
			s.logger.Warn("failed to update device last seen", zap.Error(err))
		}
		return existing.ID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to look up device")
	}

	parsed := ua.Parse(info.UserAgent)
	now := time.Now().UTC()

	device := &models.Device{
		ID:          uuid.NewString(),
		UserID:      userID,
		Fingerprint: fingerprint,
		DeviceName:  deviceName(parsed),
		DeviceType:  deviceType(parsed),
		OS:          parsed.OS,
		Browser:     parsed.Name,
		TrustLevel:  models.TrustUnverified,
		FirstSeenIP: info.IPAddress,
		LastSeenIP:  info.IPAddress,
		LastSeenAt:  now,
		Active:      true,
		CreatedAt:   now,
	}
	if len(attestation) > 0 {
		device.TrustLevel = models.TrustVerified
	}

	if err := s.devices.Create(ctx, device); err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to register device")
	}

	s.writeAudit(ctx, &models.AuditLog{
		UserID:      &userID,
		EventType:   models.AuditEventDeviceRegistered,
		EventAction: models.AuditActionSuccess,
		Description: fmt.Sprintf("new device registered: %s", device.DeviceName),
		IPAddress:   info.IPAddress,
		UserAgent:   info.UserAgent,
		DeviceID:    &device.ID,
	})

	return device.ID, nil
}

// DetectSuspicious recomputes the fingerprint and inspects recent session
// activity for the matching device. An unknown fingerprint is not flagged
// by itself; the caller mandates second-factor verification for new
// devices instead.
func (s *DeviceService) DetectSuspicious(ctx context.Context, userID string, info models.DeviceInfo) (models.SuspicionResult, error) {
	fingerprint := Fingerprint(info)

	device, err := s.devices.FindByFingerprint(ctx, fingerprint)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.SuspicionResult{Suspicious: false}, nil
		}
		return models.SuspicionResult{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to look up device")
	}

	since := time.Now().UTC().Add(-suspiciousIPWindow)
	distinctIPs, err := s.sessions.CountDistinctIPs(ctx, userID, device.ID, since)
	if err != nil {
		return models.SuspicionResult{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to inspect device activity")
	}

	if distinctIPs > suspiciousIPThreshold {
		s.writeAudit(ctx, &models.AuditLog{
			UserID:      &userID,
			EventType:   models.AuditEventDeviceSuspicious,
			EventAction: models.AuditActionWarning,
			Description: "device seen from multiple IP addresses within 24h",
			IPAddress:   info.IPAddress,
			UserAgent:   info.UserAgent,
			DeviceID:    &device.ID,
		})
		return models.SuspicionResult{Suspicious: true, Reason: "multiple_ip_addresses"}, nil
	}

	return models.SuspicionResult{Suspicious: false}, nil
}

// List returns the user's active devices.
func (s *DeviceService) List(ctx context.Context, userID string) ([]models.Device, error) {
	devices, err := s.devices.ListActive(ctx, userID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list devices")
	}
	return devices, nil
}

// Revoke deactivates a device and revokes every session bound to it. One
// device can host several token families, so the cascade goes per session,
// not per family.
func (s *DeviceService) Revoke(ctx context.Context, deviceID, userID string) error {
	device, err := s.devices.FindByID(ctx, deviceID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "device not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load device")
	}

	if err := s.devices.Deactivate(ctx, device.ID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke device")
	}

	if err := s.sessions.RevokeAllForDevice(ctx, device.ID, models.RevokedReasonDeviceRevoked, time.Now().UTC()); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke device sessions")
	}

	s.writeAudit(ctx, &models.AuditLog{
		UserID:      &userID,
		EventType:   models.AuditEventDeviceRevoked,
		EventAction: models.AuditActionSuccess,
		Description: fmt.Sprintf("device revoked: %s", device.DeviceName),
		IPAddress:   device.LastSeenIP,
		DeviceID:    &device.ID,
	})

	return nil
}

// Trust marks a device trusted.
func (s *DeviceService) Trust(ctx context.Context, deviceID, userID string) error {
	device, err := s.devices.FindByID(ctx, deviceID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "device not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load device")
	}

	if err := s.devices.SetTrusted(ctx, device.ID, userID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to trust device")
	}

	s.writeAudit(ctx, &models.AuditLog{
		UserID:      &userID,
		EventType:   models.AuditEventDeviceTrusted,
		EventAction: models.AuditActionSuccess,
		Description: fmt.Sprintf("device trusted: %s", device.DeviceName),
		IPAddress:   device.LastSeenIP,
		DeviceID:    &device.ID,
	})

	return nil
}

func (s *DeviceService) writeAudit(ctx context.Context, log *models.AuditLog) {
	if err := s.audit.Create(ctx, log); err != nil {
		s.logger.Warn("failed to write audit log", zap.String("event", log.EventType), zap.Error(err))
	}
}

func deviceName(parsed ua.UserAgent) string {
	browser := parsed.Name
	if browser == "" {
		browser = "Unknown"
	}
	os := parsed.OS
	if os == "" {
		os = "Unknown"
	}
	return fmt.Sprintf("%s on %s", browser, os)
}

func deviceType(parsed ua.UserAgent) string {
	switch {
	case parsed.Mobile:
		return "mobile"
	case parsed.Tablet:
		return "tablet"
	case parsed.Bot:
		return "bot"
	default:
		return "desktop"
	}
}
