package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/grace-platform/grace/pkg/api"
	"github.com/grace-platform/grace/pkg/audit"
	"github.com/grace-platform/grace/pkg/capa"
	"github.com/grace-platform/grace/pkg/config"
	"github.com/grace-platform/grace/pkg/crypto"
	"github.com/grace-platform/grace/pkg/governance"
	"github.com/grace-platform/grace/pkg/handshake"
	"github.com/grace-platform/grace/pkg/hub"
	"github.com/grace-platform/grace/pkg/manifest"
	"github.com/grace-platform/grace/pkg/memory"
	"github.com/grace-platform/grace/pkg/mesh"
	"github.com/grace-platform/grace/pkg/mission"
	"github.com/grace-platform/grace/pkg/observability"
	"github.com/grace-platform/grace/pkg/ports"
)

func runServer(stdout, stderr io.Writer) int {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry is opt-in through the standard OTLP endpoint variable.
	otlpEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = otlpEndpoint != ""
	obsCfg.OTLPEndpoint = otlpEndpoint
	obsCfg.Insecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	provider, err := observability.New(ctx, obsCfg)
	if err != nil {
		fmt.Fprintf(stderr, "observability init failed: %v\n", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	signer, err := loadOrGenerateSigner(cfg.DataDir)
	if err != nil {
		fmt.Fprintf(stderr, "signer init failed: %v\n", err)
		return 1
	}
	logger.Info("trust root ready", "key_id", signer.KeyID(), "public_key", signer.PublicKey())

	auditLog, closeAudit, err := openAuditLog(cfg, signer)
	if err != nil {
		fmt.Fprintf(stderr, "audit log init failed: %v\n", err)
		return 1
	}
	defer closeAudit()

	bus := mesh.NewBus(mesh.Options{AuditLog: auditLog, Logger: logger})
	defer bus.Close()
	if routes, err := config.LoadRoutes(cfg.RoutesPath); err == nil {
		bus.SetRoutes(routes)
	} else if !errors.Is(err, os.ErrNotExist) {
		logger.Warn("route table not loaded", "path", cfg.RoutesPath, "error", err)
	}

	policies, err := config.LoadPolicies(cfg.PoliciesPath)
	if err != nil {
		logger.Warn("policy file not loaded, starting with an empty policy set",
			"path", cfg.PoliciesPath, "error", err)
	}
	engine, err := governance.NewEngine(policies, logger)
	if err != nil {
		fmt.Fprintf(stderr, "governance init failed: %v\n", err)
		return 1
	}

	registry := manifest.New(bus, logger)
	heartbeats := manifest.NewHeartbeatMonitor(registry, cfg.HeartbeatInterval, logger)
	heartbeats.Start(ctx)
	defer heartbeats.Stop()

	portManager, err := ports.NewManager(ports.Options{
		RangeStart: cfg.PortRangeStart,
		RangeEnd:   cfg.PortRangeEnd,
		StatePath:  filepath.Join(cfg.DataDir, "ports.json"),
	})
	if err != nil {
		fmt.Fprintf(stderr, "port manager init failed: %v\n", err)
		return 1
	}
	watchdog := ports.NewWatchdog(portManager, bus, ports.WatchdogOptions{
		Interval: cfg.WatchdogInterval,
		Logger:   logger,
	})
	watchdog.Start(ctx)
	defer watchdog.Stop()

	gateway, err := buildGateway(cfg, engine, signer, auditLog, bus, logger)
	if err != nil {
		fmt.Fprintf(stderr, "memory gateway init failed: %v\n", err)
		return 1
	}

	sink := capa.NewMemorySink(auditLog)

	windows := mission.DefaultWindows()
	if loaded, err := config.LoadObservationWindows(cfg.WindowsPath); err == nil {
		windows = loaded
	}
	missions := mission.NewLoop(bus, sink, mission.Options{
		Windows: windows,
		Cadence: cfg.ObservationCadence,
		Logger:  logger,
	})
	go missions.Run(ctx)
	defer missions.Stop()

	coordinator := handshake.NewCoordinator(bus, registry, auditLog, handshake.Options{
		Quorum:     cfg.QuorumSet,
		AckTimeout: cfg.HandshakeTimeout,
		Logger:     logger,
	})

	hubRegistry, closeHubRegistry, err := openHubRegistry(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "hub registry init failed: %v\n", err)
		return 1
	}
	defer closeHubRegistry()

	validators := &hub.Validators{}
	if wl, err := config.LoadConfigWhitelist(cfg.WhitelistPath); err == nil {
		validators.ConfigWhitelist = wl
	}
	if known, err := config.LoadMetricsCatalog(cfg.MetricsPath); err == nil {
		validators.KnownMetrics = known
	}

	logicHub, err := hub.New(hub.Options{
		Registry:   hubRegistry,
		Engine:     engine,
		Signer:     signer,
		AuditLog:   auditLog,
		Bus:        bus,
		Missions:   missions,
		Validators: validators,
		Handshake:  coordinator,
		Logger:     logger,
	})
	if err != nil {
		fmt.Fprintf(stderr, "logic hub init failed: %v\n", err)
		return 1
	}
	logicHub.Run(ctx)
	defer logicHub.Stop()

	server := api.NewServer(api.Options{
		Hub:       logicHub,
		Memory:    gateway,
		Bus:       bus,
		Manifest:  registry,
		Ports:     portManager,
		Watchdog:  watchdog,
		Missions:  missions,
		CAPA:      sink,
		Audit:     auditLog,
		Logger:    logger,
		Telemetry: provider,
		RateRPS:   100,
		RateBurst: 200,
	})

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("control plane listening", "addr", httpServer.Addr)
		serveErr <- httpServer.ListenAndServe()
	}()
	fmt.Fprintf(stdout, "grace: ready on :%s\n", cfg.Port)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(stderr, "server failed: %v\n", err)
			return 1
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
		}
	}
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// loadOrGenerateSigner keeps the Ed25519 seed under the data dir so the
// trust root survives restarts.
func loadOrGenerateSigner(dataDir string) (*crypto.Ed25519Signer, error) {
	if dataDir == "" {
		return crypto.NewEd25519Signer("grace_root")
	}
	seedPath := filepath.Join(dataDir, "keys", "signing.seed")
	if seed, err := os.ReadFile(seedPath); err == nil {
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("corrupt signing seed at %s", seedPath)
		}
		return crypto.NewEd25519SignerFromKey(ed25519.NewKeyFromSeed(seed), "grace_root"), nil
	}
	signer, err := crypto.NewEd25519Signer("grace_root")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(seedPath), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(seedPath, signer.Seed(), 0o600); err != nil {
		return nil, err
	}
	return signer, nil
}

func openAuditLog(cfg *config.Config, signer crypto.Signer) (audit.Log, func(), error) {
	if cfg.DataDir == "" {
		return audit.NewMemoryLog(signer), func() {}, nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, nil, err
	}
	log, err := audit.OpenSQLiteLog(filepath.Join(cfg.DataDir, "audit.db"), signer)
	if err != nil {
		return nil, nil, err
	}
	return log, func() { _ = log.Close() }, nil
}

func openHubRegistry(cfg *config.Config) (hub.Registry, func(), error) {
	if cfg.DataDir == "" {
		return hub.NewMemoryRegistry(), func() {}, nil
	}
	if cfg.DatabaseURL != "" {
		reg, err := hub.OpenPostgresRegistry(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return reg, func() { _ = reg.Close() }, nil
	}
	reg, err := hub.OpenSQLiteRegistry(filepath.Join(cfg.DataDir, "hub.db"))
	if err != nil {
		return nil, nil, err
	}
	return reg, func() { _ = reg.Close() }, nil
}

// buildGateway assembles the memory backend chain in preference order:
// redis, postgres, sqlite, then the in-process semantic store.
func buildGateway(cfg *config.Config, engine *governance.Engine, signer crypto.Signer, auditLog audit.Log, bus *mesh.Bus, logger *slog.Logger) (*memory.Gateway, error) {
	var backends []memory.Backend
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		backends = append(backends, memory.NewRedisBackend(redis.NewClient(redisOpts)))
	}
	if cfg.DatabaseURL != "" {
		pgBackend, err := memory.OpenPostgresBackend(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		backends = append(backends, pgBackend)
	}
	if cfg.DataDir != "" {
		sqliteBackend, err := memory.OpenSQLiteBackend(filepath.Join(cfg.DataDir, "memory.db"))
		if err != nil {
			return nil, err
		}
		backends = append(backends, sqliteBackend)
	}
	backends = append(backends, memory.NewSemanticBackend())
	return memory.NewGateway(engine, signer, auditLog, bus, logger, backends...), nil
}
