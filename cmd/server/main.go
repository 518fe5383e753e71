package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"remotecast/backend/internal/app"
	"remotecast/backend/internal/audit"
	"remotecast/backend/internal/channel"
	"remotecast/backend/internal/config"
	"remotecast/backend/internal/gateway"
	healthhandler "remotecast/backend/internal/health/handler"
	"remotecast/backend/internal/logger"
	"remotecast/backend/internal/pairing/codec"
	pairingservice "remotecast/backend/internal/pairing/service"
	"remotecast/backend/internal/policy/engine"
	"remotecast/backend/internal/security"
	"remotecast/backend/internal/server"
	"remotecast/backend/internal/server/interceptors"
	sessionservice "remotecast/backend/internal/session/service"
	"remotecast/backend/internal/stream"
	"remotecast/backend/internal/telemetry"
	otelsetup "remotecast/backend/internal/telemetry/otel"
)

const (
	serviceName     = "remotecast-backend"
	shutdownTimeout = 15 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	zl, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zl); err != nil {
		zl.Fatal("server exited", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, zl *zap.Logger) error {
	providers, err := otelsetup.NewProviders(ctx, otelsetup.Options{
		Endpoint:       cfg.OTelEndpoint,
		Insecure:       cfg.OTelInsecure,
		ServiceName:    serviceName,
		ServiceVersion: cfg.AppVersion,
		Environment:    cfg.Env,
		SampleRatio:    cfg.OTelSampleRatio,
	}, zl)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	providers.SetGlobal()
	emitter := otelsetup.NewEventEmitter(providers.LoggerProvider)

	stores, err := app.OpenStores(ctx, cfg.DatabaseURL, zl)
	if err != nil {
		return err
	}
	defer func() { _ = stores.Close() }()

	limiter, err := app.NewLimiter(ctx, cfg.RedisURL, zl)
	if err != nil {
		return err
	}
	defer func() { _ = limiter.Close() }()

	tokens, err := app.NewTokenProvider(cfg, zl)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := server.NewMetrics(reg)

	auditLogger := audit.NewLogger(stores.Audit, interceptors.ClientIPFromContext, zl)
	generator := security.NewGenerator()
	hasher := security.NewHasher(cfg.BcryptCost)

	store := sessionservice.NewStore(stores.Sessions, stores.Devices, generator, sessionservice.Config{
		TTL:         cfg.SessionTTL(),
		StaleWindow: cfg.SessionStaleWindow(),
	}, auditLogger, emitter, zl.Named("sessions"))

	cdc, err := codec.New(cfg.PairingURIScheme, cfg.PairingDeepLinkBase)
	if err != nil {
		return err
	}
	coord := pairingservice.NewCoordinator(pairingservice.Deps{
		Tokens:    stores.Pairing,
		Devices:   stores.Devices,
		Sessions:  store,
		Limiter:   metrics.InstrumentLimiter(limiter, "pairing_issue"),
		Generator: generator,
		Codec:     cdc,
		Hasher:    hasher,
		Audit:     auditLogger,
		Emitter:   emitter,
		Logger:    zl.Named("pairing"),
	}, pairingservice.Config{
		AppName:             cfg.AppName,
		AppVersion:          cfg.AppVersion,
		CodeTTL:             cfg.PairingCodeTTL(),
		RateLimit:           cfg.PairingRateLimit,
		RateWindow:          cfg.PairingRateWindow(),
		SuspiciousThreshold: cfg.PairingSuspiciousThreshold,
		SessionTTL:          cfg.SessionTTL(),
	})

	gw := gateway.New(store, stores.Devices, hasher, gateway.Config{
		FailureThreshold: cfg.AuthFailureThreshold,
		FailureWindow:    cfg.AuthFailureWindow(),
		Decay:            cfg.AuthFailureDecay(),
	}, auditLogger, emitter, zl.Named("gateway"))

	policy, err := engine.NewOPAEvaluator(ctx, cfg.CommandPolicyFile, zl.Named("policy"))
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}

	hub := channel.NewHub(zl.Named("hub"))
	executor := stream.NewExecutor(hub, zl.Named("stream"))
	channelSvc := channel.NewService(channel.Deps{
		Gateway:  gw,
		Sessions: store,
		Devices:  stores.Devices,
		Executor: executor,
		Status:   executor,
		Policy:   policy,
		Hub:      hub,
		Audit:    auditLogger,
		Emitter:  emitter,
		Metrics:  metrics,
		Logger:   zl.Named("channel"),
	}, channel.Config{
		CommandLimit:   cfg.CommandRateLimit,
		CommandWindow:  cfg.CommandRateWindow(),
		AllowedOrigins: cfg.AllowedOrigins(),
	})

	var pinger healthhandler.Pinger
	if stores.DB != nil {
		pinger = stores.DB
	}
	health := healthhandler.NewServer(pinger, policy)

	api := server.NewHTTP(server.Deps{
		Pairing:     coord,
		Codec:       cdc,
		Sessions:    store,
		Stats:       gw,
		AuditLogs:   stores.Audit,
		Connections: hub,
		Channel:     channelSvc,
		Tokens:      tokens,
		Limiter:     limiter,
		Metrics:     metrics,
		Health:      health,
		Audit:       auditLogger,
		Emitter:     emitter,
		Logger:      zl.Named("http"),
	}, server.Config{Addr: cfg.HTTPAddr, Admins: cfg.Admins()})
	grpcServer := server.NewGRPC(health, emitter, zl.Named("grpc"))

	httpLis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		_ = httpLis.Close()
		return fmt.Errorf("listen grpc: %w", err)
	}

	bg, cancelBG := context.WithCancel(ctx)
	defer cancelBG()
	go gw.Run(bg)
	go coord.RunCleanup(bg, cfg.CleanupInterval())

	errCh := make(chan error, 2)
	go func() {
		zl.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		errCh <- api.Serve(httpLis)
	}()
	go func() {
		zl.Info("grpc server listening", zap.String("addr", cfg.GRPCAddr))
		errCh <- grpcServer.Serve(grpcLis)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		zl.Info("shutting down")
	case serveErr = <-errCh:
		if serveErr != nil {
			zl.Error("server stopped unexpectedly", zap.Error(serveErr))
		}
	}
	cancelBG()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		zl.Warn("http shutdown", zap.Error(err))
	}
	if n := hub.CloseAll(); n > 0 {
		zl.Info("closed command channel connections", zap.Int("count", n))
	}
	grpcServer.GracefulStop()

	time.Sleep(telemetry.ShutdownDrainDuration)
	if err := providers.Shutdown(shutdownCtx); err != nil {
		zl.Warn("otel shutdown", zap.Error(err))
	}
	if serveErr != nil && !errors.Is(serveErr, net.ErrClosed) {
		return serveErr
	}
	zl.Info("server stopped")
	return nil
}
