// Package app builds the storage, rate limiting and token collaborators shared by the server,
// worker and seed binaries from configuration.
package app

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	auditrepo "remotecast/backend/internal/audit/repository"
	"remotecast/backend/internal/config"
	"remotecast/backend/internal/db"
	devicerepo "remotecast/backend/internal/device/repository"
	pairingrepo "remotecast/backend/internal/pairing/repository"
	"remotecast/backend/internal/ratelimit"
	"remotecast/backend/internal/security"
	sessionrepo "remotecast/backend/internal/session/repository"
)

// memoryAuditEntries bounds the in-memory audit log.
const memoryAuditEntries = 10_000

// Stores are the repositories selected by DATABASE_URL.
type Stores struct {
	// DB is nil when running on in-memory stores.
	DB       *sql.DB
	Devices  devicerepo.Repository
	Sessions sessionrepo.Repository
	Pairing  pairingrepo.Repository
	Audit    auditrepo.Repository
}

// OpenStores connects to Postgres when databaseURL is set and falls back to in-memory stores otherwise.
func OpenStores(ctx context.Context, databaseURL string, logger *zap.Logger) (*Stores, error) {
	if databaseURL == "" {
		logger.Warn("DATABASE_URL is not set; using in-memory stores")
		return &Stores{
			Devices:  devicerepo.NewMemoryRepository(),
			Sessions: sessionrepo.NewMemoryRepository(),
			Pairing:  pairingrepo.NewMemoryRepository(),
			Audit:    auditrepo.NewMemoryRepository(memoryAuditEntries),
		}, nil
	}
	conn, err := db.Open(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("db: %w", err)
	}
	return &Stores{
		DB:       conn,
		Devices:  devicerepo.NewPostgresRepository(conn),
		Sessions: sessionrepo.NewPostgresRepository(conn),
		Pairing:  pairingrepo.NewPostgresRepository(conn),
		Audit:    auditrepo.NewPostgresRepository(conn),
	}, nil
}

// Close releases the database pool, if any.
func (s *Stores) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// NewLimiter returns the Redis limiter when redisURL is set and a per-process limiter otherwise.
func NewLimiter(ctx context.Context, redisURL string, logger *zap.Logger) (ratelimit.Limiter, error) {
	if redisURL == "" {
		return ratelimit.NewMemory(0), nil
	}
	l, err := ratelimit.NewRedis(ctx, redisURL, logger)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return l, nil
}

// NewTokenProvider builds the access-token provider from the JWT_* settings. Without a public key
// it derives one from JWT_PRIVATE_KEY; without either, non-production runs get an ephemeral key.
func NewTokenProvider(cfg *config.Config, logger *zap.Logger) (*security.TokenProvider, error) {
	if cfg.JWTPublicKey != "" {
		return security.LoadTokenProvider(cfg.JWTPrivateKey, cfg.JWTPublicKey, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL())
	}
	var signer crypto.Signer
	switch {
	case cfg.JWTPrivateKey != "":
		var err error
		if signer, err = security.ParsePrivateKey(cfg.JWTPrivateKey); err != nil {
			return nil, fmt.Errorf("jwt private key: %w", err)
		}
	case cfg.Env == "production":
		return nil, errors.New("JWT_PUBLIC_KEY must be set when APP_ENV=production")
	default:
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, err
		}
		logger.Warn("no JWT keys configured; using an ephemeral key pair, access tokens will not survive a restart")
		signer = key
	}
	return security.NewTokenProvider(signer, signer.Public(), cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL()), nil
}
