package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"remotecast/backend/internal/db"
	devicedomain "remotecast/backend/internal/device/domain"
	"remotecast/backend/internal/session/domain"
)

// PostgresRepository persists sessions in the remote_sessions table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a session repository that uses the given db for persistence.
func NewPostgresRepository(conn *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

var typeMap = pgtype.NewMap()

const sessionColumns = `id, token_hash, refresh_token_hash, device_id, user_id, capabilities, is_active,
	ttl_seconds, expires_at, last_activity, commands_executed, expired_at, expire_reason, created_at`

// CreateExclusive serializes creators per device with a transaction-scoped advisory lock, so two
// concurrent creates for one device cannot both leave an active session.
func (r *PostgresRepository) CreateExclusive(ctx context.Context, s *domain.Session, reason string, at time.Time) (int64, error) {
	var expired int64
	err := db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, s.DeviceID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE remote_sessions SET is_active = FALSE, expired_at = $2, expire_reason = $3
			WHERE device_id = $1 AND is_active`, s.DeviceID, at, reason)
		if err != nil {
			return err
		}
		if expired, err = res.RowsAffected(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO remote_sessions (`+sessionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			s.ID, s.TokenHash, s.RefreshTokenHash, s.DeviceID, s.UserID,
			devicedomain.CapabilityStrings(s.Capabilities), s.IsActive,
			int64(s.TTL/time.Second), s.ExpiresAt, s.LastActivity, s.CommandsExecuted,
			db.NullTime(s.ExpiredAt), s.ExpireReason, s.CreatedAt)
		return err
	})
	if db.IsUniqueViolation(err) {
		return 0, ErrConflict
	}
	return expired, err
}

func (r *PostgresRepository) GetByTokenHash(ctx context.Context, hash string) (*domain.Session, error) {
	return r.getOne(ctx, `SELECT `+sessionColumns+` FROM remote_sessions WHERE token_hash = $1`, hash)
}

func (r *PostgresRepository) GetByRefreshHash(ctx context.Context, hash string) (*domain.Session, error) {
	return r.getOne(ctx, `SELECT `+sessionColumns+` FROM remote_sessions WHERE refresh_token_hash = $1`, hash)
}

func (r *PostgresRepository) getOne(ctx context.Context, query string, args ...any) (*domain.Session, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// SwapTokens is a compare-and-swap on the refresh hash; a concurrent rotation makes it report false.
func (r *PostgresRepository) SwapTokens(ctx context.Context, id, oldRefreshHash, newTokenHash, newRefreshHash string, expiresAt, at time.Time) (bool, error) {
	n, err := r.exec(ctx, `
		UPDATE remote_sessions
		SET token_hash = $3, refresh_token_hash = $4, expires_at = $5, last_activity = $6
		WHERE id = $1 AND refresh_token_hash = $2 AND is_active`,
		id, oldRefreshHash, newTokenHash, newRefreshHash, expiresAt, at)
	if db.IsUniqueViolation(err) {
		return false, ErrConflict
	}
	return n == 1, err
}

func (r *PostgresRepository) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := r.exec(ctx, `
		UPDATE remote_sessions SET last_activity = GREATEST(last_activity, $2)
		WHERE id = $1 AND is_active`, id, at)
	return err
}

func (r *PostgresRepository) IncrementCommands(ctx context.Context, id string, at time.Time) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `
		UPDATE remote_sessions
		SET commands_executed = commands_executed + 1, last_activity = GREATEST(last_activity, $2)
		WHERE id = $1
		RETURNING commands_executed`, id, at).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func (r *PostgresRepository) Expire(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	n, err := r.exec(ctx, `
		UPDATE remote_sessions SET is_active = FALSE, expired_at = $3, expire_reason = $2
		WHERE id = $1 AND is_active`, id, reason, at)
	return n == 1, err
}

func (r *PostgresRepository) ExpireByDevice(ctx context.Context, deviceID, reason string, at time.Time) (int64, error) {
	return r.exec(ctx, `
		UPDATE remote_sessions SET is_active = FALSE, expired_at = $3, expire_reason = $2
		WHERE device_id = $1 AND is_active`, deviceID, reason, at)
}

func (r *PostgresRepository) ExpireStale(ctx context.Context, now, staleBefore time.Time, reason string) (int64, error) {
	return r.exec(ctx, `
		UPDATE remote_sessions SET is_active = FALSE, expired_at = $1, expire_reason = $3
		WHERE is_active AND (expires_at <= $1 OR last_activity <= $2)`, now, staleBefore, reason)
}

func (r *PostgresRepository) CountActive(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM remote_sessions WHERE is_active AND expires_at > $1`, now).Scan(&n)
	return n, err
}

func (r *PostgresRepository) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanSession(row *sql.Row) (*domain.Session, error) {
	var (
		s          domain.Session
		caps       []string
		ttlSeconds int64
		expiredAt  sql.NullTime
	)
	err := row.Scan(&s.ID, &s.TokenHash, &s.RefreshTokenHash, &s.DeviceID, &s.UserID, typeMap.SQLScanner(&caps),
		&s.IsActive, &ttlSeconds, &s.ExpiresAt, &s.LastActivity, &s.CommandsExecuted, &expiredAt, &s.ExpireReason, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	for _, c := range caps {
		s.Capabilities = append(s.Capabilities, devicedomain.Capability(c))
	}
	s.TTL = time.Duration(ttlSeconds) * time.Second
	s.ExpiredAt = db.TimePtr(expiredAt)
	return &s, nil
}
