package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"remotecast/backend/internal/db"
	"remotecast/backend/internal/pairing/domain"
)

// PostgresRepository persists pairing tokens in the pairing_tokens table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a pairing repository that uses the given db for persistence.
func NewPostgresRepository(conn *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

const pairingColumns = `id, code, token, user_id, device_info, expires_at, is_used, used_at, expired_at, created_at`

// Create inserts t. The partial unique index on live codes turns a collision into ErrConflict.
func (r *PostgresRepository) Create(ctx context.Context, t *domain.PairingToken) error {
	info, err := json.Marshal(t.DeviceInfo)
	if err != nil {
		return fmt.Errorf("marshal device info: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO pairing_tokens (`+pairingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.Code, t.Token, t.UserID, info, t.ExpiresAt, t.IsUsed,
		db.NullTime(t.UsedAt), db.NullTime(t.ExpiredAt), t.CreatedAt)
	if db.IsUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// GetByCode returns the most recent token for code, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByCode(ctx context.Context, code string) (*domain.PairingToken, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+pairingColumns+` FROM pairing_tokens
		WHERE code = $1 ORDER BY created_at DESC LIMIT 1`, code)
	t, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// MarkUsed is a single conditional UPDATE, so concurrent redemptions of one code cannot both succeed.
func (r *PostgresRepository) MarkUsed(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE pairing_tokens SET is_used = TRUE, used_at = $2
		WHERE id = $1 AND NOT is_used AND expired_at IS NULL AND expires_at > $2`, id, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *PostgresRepository) ExpireForUser(ctx context.Context, userID string, now time.Time) (int64, error) {
	return r.exec(ctx, `
		UPDATE pairing_tokens SET expired_at = $2
		WHERE user_id = $1 AND NOT is_used AND expired_at IS NULL AND expires_at <= $2`, userID, now)
}

func (r *PostgresRepository) ExpireAll(ctx context.Context, now time.Time) (int64, error) {
	return r.exec(ctx, `
		UPDATE pairing_tokens SET expired_at = $1
		WHERE NOT is_used AND expired_at IS NULL AND expires_at <= $1`, now)
}

func (r *PostgresRepository) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return r.exec(ctx, `DELETE FROM pairing_tokens WHERE expires_at < $1`, cutoff)
}

func (r *PostgresRepository) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanToken(row *sql.Row) (*domain.PairingToken, error) {
	var (
		t                 domain.PairingToken
		info              []byte
		usedAt, expiredAt sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.Code, &t.Token, &t.UserID, &info, &t.ExpiresAt, &t.IsUsed, &usedAt, &expiredAt, &t.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(info, &t.DeviceInfo); err != nil {
		return nil, fmt.Errorf("unmarshal device info: %w", err)
	}
	t.UsedAt = db.TimePtr(usedAt)
	t.ExpiredAt = db.TimePtr(expiredAt)
	return &t, nil
}
