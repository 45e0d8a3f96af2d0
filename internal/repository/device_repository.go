package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/secure-auth-api/internal/models"
)

const deviceColumns = `id, user_id, fingerprint, device_name, device_type, os, browser, trust_level, trusted, first_seen_ip, last_seen_ip, last_seen_at, active, created_at`

// DeviceRepository provides database access for tracked client devices.
type DeviceRepository struct {
	db *sqlx.DB
}

// NewDeviceRepository creates a new instance of DeviceRepository.
func NewDeviceRepository(db *sqlx.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// Create persists a new device row.
func (r *DeviceRepository) Create(ctx context.Context, d *models.Device) error {
	const query = `INSERT INTO devices (id, user_id, fingerprint, device_name, device_type, os, browser, trust_level, trusted, first_seen_ip, last_seen_ip, last_seen_at, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	if _, err := r.db.ExecContext(ctx, query,
		d.ID, d.UserID, d.Fingerprint, d.DeviceName, d.DeviceType, d.OS, d.Browser,
		d.TrustLevel, d.Trusted, d.FirstSeenIP, d.LastSeenIP, d.LastSeenAt, d.Active, d.CreatedAt,
	); err != nil {
		return fmt.Errorf("create device: %w", err)
	}
	return nil
}

// FindByFingerprint returns the device with that exact fingerprint.
func (r *DeviceRepository) FindByFingerprint(ctx context.Context, fingerprint string) (*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE fingerprint = $1 LIMIT 1`
	var device models.Device
	if err := r.db.GetContext(ctx, &device, query, fingerprint); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find device by fingerprint: %w", err)
	}
	return &device, nil
}

// FindByID returns a device belonging to the given user.
func (r *DeviceRepository) FindByID(ctx context.Context, id, userID string) (*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = $1 AND user_id = $2 LIMIT 1`
	var device models.Device
	if err := r.db.GetContext(ctx, &device, query, id, userID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find device by id: %w", err)
	}
	return &device, nil
}

// UpdateLastSeen refreshes sighting info. Races here are harmless; last
// writer wins.
func (r *DeviceRepository) UpdateLastSeen(ctx context.Context, id, ip string, ts time.Time) error {
	const query = `UPDATE devices SET last_seen_ip = $2, last_seen_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, ip, ts); err != nil {
		return fmt.Errorf("update device last seen: %w", err)
	}
	return nil
}

// ListActive returns a user's active devices, most recently seen first.
func (r *DeviceRepository) ListActive(ctx context.Context, userID string) ([]models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE user_id = $1 AND active = TRUE ORDER BY last_seen_at DESC`
	var devices []models.Device
	if err := r.db.SelectContext(ctx, &devices, query, userID); err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return devices, nil
}

// Deactivate logically deletes a device and removes its trust. Rows are
// never physically deleted.
func (r *DeviceRepository) Deactivate(ctx context.Context, id string) error {
	const query = `UPDATE devices SET active = FALSE, trusted = FALSE WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("deactivate device: %w", err)
	}
	return nil
}

// SetTrusted marks a device trusted.
func (r *DeviceRepository) SetTrusted(ctx context.Context, id, userID string) error {
	const query = `UPDATE devices SET trusted = TRUE, trust_level = $3 WHERE id = $1 AND user_id = $2`
	if _, err := r.db.ExecContext(ctx, query, id, userID, models.TrustTrusted); err != nil {
		return fmt.Errorf("trust device: %w", err)
	}
	return nil
}
