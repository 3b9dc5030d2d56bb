// cmd/service/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"

	"sandbox-repo-sync/internal/api"
	"sandbox-repo-sync/internal/config"
	"sandbox-repo-sync/internal/engine"
	"sandbox-repo-sync/internal/notify"
	"sandbox-repo-sync/internal/orchestrator"
	"sandbox-repo-sync/internal/remote"
	"sandbox-repo-sync/internal/sandbox"
	"sandbox-repo-sync/internal/store"
	"sandbox-repo-sync/internal/vault"
	"sandbox-repo-sync/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Application startup error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Initialize structured logger
	logLevel := new(slog.LevelVar)
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// 2. Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setLogLevel(cfg.LogLevel, logLevel)
	logger.Info("Configuration loaded successfully", "environment", cfg.Environment)

	// 3. Setup context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Initialize database connection and run migrations
	dbpool, err := pgxpool.New(ctx, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer dbpool.Close()
	logger.Info("Database connection established")

	if err := runMigrations(cfg.DBURL); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}
	logger.Info("Database migrations applied successfully")

	// 5. Initialize application components
	credVault, err := vault.New(cfg.VaultPrivateKey)
	if err != nil {
		return fmt.Errorf("failed to initialize credential vault: %w", err)
	}

	provider, err := remote.NewClient(cfg.GithubToken, cfg.GithubAPIURL, logger)
	if err != nil {
		return fmt.Errorf("failed to create provider client: %w", err)
	}

	runner := sandbox.NewHTTPRunner(cfg.SandboxAPIURL, cfg.SandboxAPIKey)
	bridge := sandbox.NewGitBridge(runner, logger)

	db := store.NewPG(dbpool)
	locks := engine.NewLockRegistry()

	engineCfg := engine.Config{
		Bridge:           bridge,
		Provider:         provider,
		Vault:            credVault,
		Store:            db,
		Locks:            locks,
		Logger:           logger,
		OperationTimeout: cfg.SyncTimeout,
		LockWait:         cfg.LockWaitTimeout,
	}

	orch := orchestrator.New(orchestrator.Config{
		Provider:      provider,
		Bridge:        bridge,
		Vault:         credVault,
		Store:         db,
		Pusher:        engine.NewPushEngine(engineCfg),
		Puller:        engine.NewPullEngine(engineCfg),
		Sink:          notify.NewLogSink(logger),
		Logger:        logger,
		Concurrency:   cfg.SyncConcurrency,
		WebhookURL:    cfg.WebhookPublicURL,
		WebhookSecret: cfg.WebhookSecret,
	})

	ingestor := webhook.NewIngestor(cfg.WebhookSecret, db, orch, notify.NewLogSink(logger), logger)

	// 6. Start the HTTP server
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(orch, ingestor, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 7. Wait for shutdown signal or server failure
	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	logger.Info("Shutdown signal received. Draining...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	logger.Info("Shutdown complete")
	return nil
}

func runMigrations(dbURL string) error {
	m, err := migrate.New("file://migrations", dbURL)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func setLogLevel(level string, v *slog.LevelVar) {
	switch level {
	case "debug":
		v.Set(slog.LevelDebug)
	case "warn":
		v.Set(slog.LevelWarn)
	case "error":
		v.Set(slog.LevelError)
	default:
		v.Set(slog.LevelInfo)
	}
}
