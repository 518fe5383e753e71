package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"remotecast/backend/internal/db"
	"remotecast/backend/internal/device/domain"
)

// PostgresRepository persists devices in the mobile_devices table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a device repository that uses the given db for persistence.
func NewPostgresRepository(conn *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

// typeMap scans Postgres arrays through database/sql.
var typeMap = pgtype.NewMap()

const deviceColumns = `id, user_id, name, model, os, os_version, app_version, capabilities, fingerprint_hash,
	is_paired, is_online, battery_level, network_type, last_seen_at, paired_at, unpaired_at, created_at`

// GetByID returns the device for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Device, error) {
	d, err := scanDevice(r.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM mobile_devices WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

// ListByUser returns the user's devices, oldest first.
func (r *PostgresRepository) ListByUser(ctx context.Context, userID string) ([]*domain.Device, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM mobile_devices WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Save upserts the device by id.
func (r *PostgresRepository) Save(ctx context.Context, d *domain.Device) error {
	var battery sql.NullInt32
	if d.BatteryLevel != nil {
		battery = sql.NullInt32{Int32: int32(*d.BatteryLevel), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO mobile_devices (`+deviceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id, name = EXCLUDED.name, model = EXCLUDED.model, os = EXCLUDED.os,
			os_version = EXCLUDED.os_version, app_version = EXCLUDED.app_version,
			capabilities = EXCLUDED.capabilities, fingerprint_hash = EXCLUDED.fingerprint_hash,
			is_paired = EXCLUDED.is_paired, is_online = EXCLUDED.is_online,
			battery_level = EXCLUDED.battery_level, network_type = EXCLUDED.network_type,
			last_seen_at = EXCLUDED.last_seen_at, paired_at = EXCLUDED.paired_at, unpaired_at = EXCLUDED.unpaired_at`,
		d.ID, d.UserID, d.Name, d.Model, d.OS, d.OSVersion, d.AppVersion,
		domain.CapabilityStrings(d.Capabilities), d.FingerprintHash,
		d.IsPaired, d.IsOnline, battery, d.NetworkType,
		db.NullTime(d.LastSeenAt), db.NullTime(d.PairedAt), db.NullTime(d.UnpairedAt), d.CreatedAt)
	return err
}

func (r *PostgresRepository) SetOnline(ctx context.Context, id string, online bool, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE mobile_devices SET is_online = ($2 AND is_paired), last_seen_at = $3 WHERE id = $1`, id, online, at)
	return err
}

// UpdateTelemetry applies only the fields present in t.
func (r *PostgresRepository) UpdateTelemetry(ctx context.Context, id string, t domain.Telemetry) error {
	var (
		battery sql.NullInt32
		network sql.NullString
	)
	if t.BatteryLevel != nil {
		battery = sql.NullInt32{Int32: int32(*t.BatteryLevel), Valid: true}
	}
	if t.NetworkType != nil {
		network = sql.NullString{String: *t.NetworkType, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE mobile_devices SET
			battery_level = COALESCE($2, battery_level),
			network_type = COALESCE($3, network_type),
			last_seen_at = $4
		WHERE id = $1`, id, battery, network, t.At)
	return err
}

func (r *PostgresRepository) Unpair(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE mobile_devices SET is_paired = FALSE, is_online = FALSE, unpaired_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *PostgresRepository) CountPaired(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mobile_devices WHERE is_paired`).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(s scanner) (*domain.Device, error) {
	var (
		d                          domain.Device
		caps                       []string
		battery                    sql.NullInt32
		lastSeen, paired, unpaired sql.NullTime
	)
	err := s.Scan(&d.ID, &d.UserID, &d.Name, &d.Model, &d.OS, &d.OSVersion, &d.AppVersion, typeMap.SQLScanner(&caps), &d.FingerprintHash,
		&d.IsPaired, &d.IsOnline, &battery, &d.NetworkType, &lastSeen, &paired, &unpaired, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	for _, c := range caps {
		if capability := domain.Capability(c); capability.Valid() {
			d.Capabilities = append(d.Capabilities, capability)
		}
	}
	if battery.Valid {
		b := int(battery.Int32)
		d.BatteryLevel = &b
	}
	d.LastSeenAt = db.TimePtr(lastSeen)
	d.PairedAt = db.TimePtr(paired)
	d.UnpairedAt = db.TimePtr(unpaired)
	return &d, nil
}
