package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	githubadapter "github.com/ericfisherdev/repotracker/internal/adapter/driven/github"
	"github.com/ericfisherdev/repotracker/internal/adapter/driven/jsonfile"
	sqliteadapter "github.com/ericfisherdev/repotracker/internal/adapter/driven/sqlite"
	"github.com/ericfisherdev/repotracker/internal/adapter/driven/telegram"
	httphandler "github.com/ericfisherdev/repotracker/internal/adapter/driving/http"
	"github.com/ericfisherdev/repotracker/internal/application"
	"github.com/ericfisherdev/repotracker/internal/config"
	"github.com/ericfisherdev/repotracker/internal/domain/port/driven"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// A .env file is optional; real environment variables win.
	_ = godotenv.Load()

	// 1. Load configuration (fail fast on missing required env vars).
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))

	slog.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"store", cfg.Store,
		"check_interval", cfg.CheckInterval,
		"workers", cfg.Workers,
		"max_repos", cfg.MaxRepos,
		"github_token", cfg.HasGitHubToken(),
	)
	if !cfg.HasGitHubToken() {
		slog.Warn("no GitHub token configured, unauthenticated quota is 60 requests per hour")
	}

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open the state store.
	store, closer, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := closer.Close(); closeErr != nil {
			slog.Error("error closing state store", "error", closeErr)
		}
	}()

	// 4. Wire adapters.
	gate := githubadapter.NewRateGate(githubadapter.RateGateConfig{Threshold: cfg.RateLimitThreshold})
	ghClient, err := githubadapter.NewClient(githubadapter.Options{
		Token:    cfg.GitHubToken,
		Gate:     gate,
		CacheTTL: cfg.CacheTTL,
	})
	if err != nil {
		return fmt.Errorf("create github client: %w", err)
	}

	bot, err := telegram.New(telegram.Config{Token: cfg.TelegramToken})
	if err != nil {
		return fmt.Errorf("create telegram client: %w", err)
	}
	slog.Info("telegram bot authenticated", "username", bot.Username())
	dispatcher := application.NewDispatcher(bot, application.DispatcherConfig{ChatID: cfg.TelegramChatID})

	// 5. Create and start the reconcile loop.
	reconcileSvc := application.NewReconcileService(ghClient, store, dispatcher, application.ReconcileConfig{
		Interval:      cfg.CheckInterval,
		Workers:       cfg.Workers,
		OwnerPageSize: cfg.OwnerPageSize,
		OwnerRepoCap:  cfg.OwnerRepoCap,
		CheckEnrolled: cfg.CheckEnrolled,
	})
	reconcileDone := make(chan struct{})
	go func() {
		defer close(reconcileDone)
		reconcileSvc.Start(ctx)
	}()

	trackingSvc := application.NewTrackingService(ghClient, store, application.TrackingConfig{
		MaxRepos:      cfg.MaxRepos,
		OwnerPageSize: cfg.OwnerPageSize,
		OwnerRepoCap:  cfg.OwnerRepoCap,
		Passes:        reconcileSvc,
	})
	healthSvc := application.NewHealthService(store, ghClient, reconcileSvc)

	// 6. Create HTTP handler.
	apiHandler := httphandler.NewHandler(trackingSvc, reconcileSvc, healthSvc, store, ghClient, slog.Default())

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httphandler.NewServeMux(apiHandler, slog.Default()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Manual checks wait for a full pass.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
		}
	}()

	slog.Info("repotracker started",
		"listen_addr", cfg.ListenAddr,
		"check_interval", cfg.CheckInterval,
	)

	// 7. Wait for shutdown signal.
	<-ctx.Done()
	slog.Info("shutting down")

	// 8. Drain HTTP and let the in-flight pass observe cancellation.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	select {
	case <-reconcileDone:
	case <-shutdownCtx.Done():
		slog.Warn("reconcile loop did not stop before shutdown deadline")
	}

	slog.Info("shutdown complete")
	return nil
}

// openStore opens the configured StateStore backend. The returned closer
// releases its resources.
func openStore(ctx context.Context, cfg *config.Config) (driven.StateStore, io.Closer, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		db, err := sqliteadapter.NewDB(ctx, cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		if err := sqliteadapter.RunMigrations(db.Writer); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		slog.Info("database opened", "path", cfg.DBPath)
		return sqliteadapter.NewStateRepo(db), db, nil

	default:
		store, err := jsonfile.Open(cfg.StatePath)
		if err != nil {
			return nil, nil, err
		}
		return store, nopCloser{}, nil
	}
}

// nopCloser stands in for the JSON backend, which holds no open handles.
type nopCloser struct{}

func (nopCloser) Close() error { return nil }
