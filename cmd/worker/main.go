// Worker runs the expired pairing token and stale session sweep out of process, for deployments
// that scale the API horizontally and want a single sweeper. DATABASE_URL is required.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"remotecast/backend/internal/app"
	"remotecast/backend/internal/audit"
	"remotecast/backend/internal/config"
	"remotecast/backend/internal/logger"
	pairingservice "remotecast/backend/internal/pairing/service"
	"remotecast/backend/internal/security"
	sessionservice "remotecast/backend/internal/session/service"
)

func main() {
	once := flag.Bool("once", false, "run a single sweep and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("worker: DATABASE_URL is required")
	}
	zl, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, err := app.OpenStores(ctx, cfg.DatabaseURL, zl)
	if err != nil {
		zl.Fatal("worker: open stores", zap.Error(err))
	}
	defer func() { _ = stores.Close() }()

	auditLogger := audit.NewLogger(stores.Audit, nil, zl)
	store := sessionservice.NewStore(stores.Sessions, stores.Devices, security.NewGenerator(), sessionservice.Config{
		TTL:         cfg.SessionTTL(),
		StaleWindow: cfg.SessionStaleWindow(),
	}, auditLogger, nil, zl.Named("sessions"))
	coord := pairingservice.NewCoordinator(pairingservice.Deps{
		Tokens:   stores.Pairing,
		Devices:  stores.Devices,
		Sessions: store,
		Audit:    auditLogger,
		Logger:   zl.Named("cleanup"),
	}, pairingservice.Config{})

	if *once {
		res, err := coord.CleanupExpiredTokensAndSessions(ctx)
		if err != nil {
			zl.Error("worker: sweep failed", zap.Error(err))
		}
		zl.Info("worker: sweep done",
			zap.Int64("expired_tokens", res.ExpiredTokens),
			zap.Int64("expired_sessions", res.ExpiredSessions),
			zap.Int64("deleted_tokens", res.DeletedTokens))
		return
	}

	zl.Info("worker: sweeping", zap.Duration("interval", cfg.CleanupInterval()))
	coord.RunCleanup(ctx, cfg.CleanupInterval())
	zl.Info("worker: stopped")
}
