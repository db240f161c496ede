package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stylebench/internal/config"
	apphttp "stylebench/internal/http"
	"stylebench/internal/integrations/telegram"
	"stylebench/internal/integrations/webhook"
	"stylebench/internal/logging"
	"stylebench/internal/service/health"
	"stylebench/internal/session"
	storepkg "stylebench/internal/store"
	"stylebench/internal/store/memory"
	"stylebench/internal/store/postgres"
	"stylebench/internal/store/sqlite"
	"stylebench/internal/styleapi"
)

func main() {
	dotenvErr := config.LoadDotEnv(".env")
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	slog.SetDefault(logger)
	if dotenvErr != nil {
		logger.Warn("failed to load .env", "error", dotenvErr)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	st, err := openStore(cfg, logger)
	if err != nil {
		logger.Error("store unavailable", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	apiClient := styleapi.NewClient(cfg.StyleAPIBaseURL, cfg.StyleAPITimeout)
	manager := session.NewManager(ctx, apiClient, st, logger)
	monitor := health.NewMonitor(apiClient, cfg.HealthCheckInterval, logger)
	go monitor.Run(ctx)

	notifier := telegram.NewNotifier(cfg.TelegramBotToken, cfg.TelegramChatID)
	publisher := webhook.NewClient(
		cfg.WebhookURL,
		cfg.WebhookTimeout,
		cfg.WebhookMaxRetries,
		cfg.WebhookRetryBase,
		cfg.WebhookRetryMax,
	)

	srv := apphttp.NewServer(cfg, st, manager, monitor, notifier, publisher, logger)

	httpServer := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     srv.Router(),
		ReadTimeout: 10 * time.Second,
		// Advances can take a while upstream; the router applies REQUEST_TIMEOUT.
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("stylebench harness listening", "addr", cfg.ListenAddr, "style_api", apiClient.BaseURL(), "store", cfg.StoreMode)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	srv.Wait()
}

func openStore(cfg config.Config, logger *slog.Logger) (storepkg.Store, error) {
	var st storepkg.Store
	switch cfg.StoreMode {
	case config.StorePostgres:
		pgStore, err := postgres.NewStore(cfg.DatabaseURL)
		if err != nil {
			logger.Warn("postgres store unavailable, falling back to memory store", "error", err)
			st = memory.NewStore()
		} else {
			st = pgStore
		}
	case config.StoreSQLite:
		sqlStore, err := sqlite.NewStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		st = sqlStore
	default:
		st = memory.NewStore()
	}
	return storepkg.SealWithKey(st, cfg.EncryptionKey, session.KeyIdentityToken)
}
