package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/a-essam23/go-relay/internal/bridge"
	"github.com/a-essam23/go-relay/internal/cache"
	"github.com/a-essam23/go-relay/internal/persist"
	"github.com/a-essam23/go-relay/internal/server"
	"github.com/a-essam23/go-relay/pkg/config"
	"github.com/a-essam23/go-relay/pkg/logging"
)

func main() {
	bootLogger := logging.New(logging.LevelInfo)

	cfg, err := config.Load(bootLogger, "config")
	if err != nil {
		bootLogger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger := logging.New(logging.ParseLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	deps := buildDeps(logger, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := server.NewApp(logger, ctx, cfg, deps)
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}

// buildDeps wires the shared backends. Each one degrades to a process-local
// fallback when unconfigured or unreachable, so a dev instance boots with
// nothing else running.
func buildDeps(logger *slog.Logger, cfg *config.Config) server.Deps {
	var deps server.Deps

	if cfg.Redis.Addr != "" {
		backend, err := cache.NewRedisBackend(logger, cache.RedisOptions{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			logger.Warn("Redis unreachable, falling back to process-local cache tier", slog.Any("error", err))
		} else {
			deps.CacheBackend = backend
		}
	}

	if cfg.Bridge.URL != "" {
		channel, err := bridge.NewNATSChannel(logger, cfg.Bridge.URL)
		if err != nil {
			logger.Warn("NATS unreachable, cluster relay disabled", slog.Any("error", err))
		} else {
			deps.Channel = channel
		}
	}

	if cfg.Persist.DatabaseURL != "" {
		store, err := persist.NewPostgresStore(cfg.Persist.DatabaseURL)
		if err != nil {
			logger.Warn("Postgres unreachable, messages will not be durably stored", slog.Any("error", err))
		} else {
			deps.Store = store
			deps.Sink = store
		}
	}

	return deps
}
