package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sandboxplatform/controlplane/internal/config"
	"github.com/sandboxplatform/controlplane/internal/logger"
	"github.com/sandboxplatform/controlplane/pkg/api"
	"github.com/sandboxplatform/controlplane/pkg/auth"
	"github.com/sandboxplatform/controlplane/pkg/database"
	"github.com/sandboxplatform/controlplane/pkg/environments"
	"github.com/sandboxplatform/controlplane/pkg/hub"
	"github.com/sandboxplatform/controlplane/pkg/runtime"
	"github.com/sandboxplatform/controlplane/pkg/sandboxes"
	"github.com/sandboxplatform/controlplane/pkg/secrets"
	"github.com/sandboxplatform/controlplane/pkg/shutdown"
	"github.com/sandboxplatform/controlplane/pkg/users"
	"github.com/sandboxplatform/controlplane/pkg/workers"
)

var configPath = flag.String("config", "config/config.yaml", "path to configuration file")

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.Server.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() {
		//nolint:errcheck // best effort sync on shutdown
		log.Sync()
	}()

	log.Info("starting sandbox control plane", zap.String("version", "1.0.0"))

	db, err := database.NewDB(database.Config{DSN: cfg.Store.DSN, Path: cfg.Store.Path}, log.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()
	log.Info("database initialized")

	vault, err := newVault(cfg.Secrets.MasterKeyBase64, log.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize secrets vault: %w", err)
	}

	rt, err := runtime.NewDockerAdapter(cfg.Docker.Host, log.Logger)
	if err != nil {
		return fmt.Errorf("failed to create runtime adapter: %w", err)
	}

	ctx := context.Background()
	if err := rt.HealthCheck(ctx); err != nil {
		return fmt.Errorf("runtime health check failed: %w", err)
	}
	log.Info("connected to container runtime", zap.String("host", cfg.Docker.Host))

	userService := users.NewService(db, log.Logger)
	authService := auth.NewService(db, userService, auth.Config{
		JWTSecret:    cfg.Auth.JWTSecret,
		JWTExpiry:    jwtExpiry(cfg.Auth.JWTExpiry),
		APIKeyPrefix: cfg.Auth.APIKeyPrefix,
	}, log.Logger)

	environmentService := environments.NewService(db, vault, cfg.Quotas.MaxEnvironmentsPerUser, log.Logger)
	sandboxService := sandboxes.NewService(db, rt, environmentService, cfg.Quotas.MaxSandboxesPerUser, log.Logger)

	sandboxHub := hub.New(sandboxService, authService, db, rt, cfg.Server.CORSOrigins, log.Logger)

	workerRunner := workers.New(db, sandboxService, rt, workers.Config{
		TTLSweepInterval:       time.Duration(cfg.TTL.SweepIntervalSeconds) * time.Second,
		RetentionInterval:      time.Duration(cfg.Retention.CleanupIntervalHours) * time.Hour,
		LogRetentionDays:       cfg.Retention.LogDays,
		AuditRetentionDays:     cfg.Retention.AuditDays,
		MetricsRefreshInterval: 30 * time.Second,
	}, log.Logger)
	workerRunner.Start(ctx)

	rateLimiter := api.NewRateLimiter(
		cfg.RateLimit.RequestsPerMinute,
		cfg.RateLimit.SandboxCreatesPerMinute,
		cfg.RateLimit.AuthAttemptsPer15Min,
		log.Logger,
	)

	auditRecorder := api.NewAuditRecorder(db, log.Logger)
	router := api.NewRouter(&api.RouterConfig{
		Environments: api.NewEnvironmentHandler(environmentService, auditRecorder, log.Logger),
		Sandboxes:    api.NewSandboxHandler(sandboxService, auditRecorder, log.Logger),
		Auth:         api.NewAuthHandler(authService, userService, auditRecorder, log.Logger),
		Audit:        api.NewAuditHandler(db, log.Logger),
		Health:       api.NewHealthHandler(rt, workerRunner.Gauges(), log.Logger),
		Hub:          sandboxHub,
		AuthService:  authService,
		RateLimiter:  rateLimiter,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("address", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info("shutting down server...")
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	budget := time.Duration(cfg.Server.ShutdownBudget) * time.Second
	sequencer := shutdown.New(server, workerRunner, rt, db, log.Logger)
	sequencer.Run(context.Background(), budget)

	return nil
}

// newVault builds the Secrets Vault from the configured master key.
// config.validate already refuses to start in production without one; a
// missing key here only happens in development, where a fresh random key
// is generated and the process is loud about it, per §4.2.
func newVault(masterKeyBase64 string, log *zap.Logger) (*secrets.Vault, error) {
	if masterKeyBase64 == "" {
		key := make([]byte, secrets.KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate secrets master key: %w", err)
		}
		log.Warn("no secrets master key configured; generated a random one for this process " +
			"only — secrets encrypted now will not decrypt after restart. Set secrets.master_key " +
			"(or SANDBOXD_SECRETS_MASTER_KEY) for anything beyond local development")
		return secrets.New(key)
	}
	key, err := base64.StdEncoding.DecodeString(masterKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode secrets master key: %w", err)
	}
	return secrets.New(key)
}

func jwtExpiry(spec string) time.Duration {
	d, err := time.ParseDuration(spec)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}
