package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MinnDevelopment/strumbot/internal/app"
	"github.com/MinnDevelopment/strumbot/internal/config"
	"github.com/MinnDevelopment/strumbot/internal/database"
	"github.com/MinnDevelopment/strumbot/internal/discord"
	"github.com/MinnDevelopment/strumbot/internal/platform/logging"
	"github.com/MinnDevelopment/strumbot/internal/server"
	"github.com/MinnDevelopment/strumbot/internal/twitch"
	"github.com/jonboulle/clockwork"
)

const botName = "Strumbot"

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupStore(cfg *config.Config) *database.FileStore {
	store := database.NewFileStore(cfg.CacheDir)
	if !cfg.CacheEnabled {
		return store
	}
	if err := store.Setup(); err != nil {
		slog.Error("Failed to prepare cache directory", "dir", cfg.CacheDir, "error", err)
		os.Exit(1)
	}
	return store
}

func setupTwitch(ctx context.Context, cfg *config.Config, clock clockwork.Clock) *twitch.Client {
	oauth := twitch.NewOauthClient(twitch.ClientParams{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
	}, clock)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	client, err := twitch.NewClient(ctx, oauth)
	if err != nil {
		slog.Error("Failed to authorize with Twitch", "error", err)
		os.Exit(1)
	}
	return client
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	// Initialize structured logging
	logging.Init(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "channels", cfg.TwitchUserLogins, "events", cfg.EnabledEvents)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := setupStore(cfg)
	client := setupTwitch(ctx, cfg, clock)

	sink, err := discord.NewWebhookClient(cfg.DiscordWebhookURL, botName, cfg.DiscordAvatarURL)
	if err != nil {
		slog.Error("Failed to create webhook client", "error", err)
		os.Exit(1)
	}

	dispatcher := app.NewDispatcher(cfg, client, sink, store, clock)
	dispatcher.Restore(ctx)

	// The health/metrics endpoint is optional and runs alongside the
	// dispatcher when a port is configured.
	if cfg.Port != "" {
		srv := server.NewServer(cfg, client)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Error("Failed to shut down server", "error", err)
			}
		}()
	}

	dispatcher.Run(ctx)
	slog.Info("Shutdown complete")
}
