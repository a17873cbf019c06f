package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sho7650/media-offline/internal/app"
	"github.com/sho7650/media-offline/internal/config"
	"github.com/sho7650/media-offline/internal/core"
	"github.com/sho7650/media-offline/internal/logging"
	"github.com/sho7650/media-offline/internal/offline"
)

func main() {
	configPath := flag.String("config", os.Getenv("MEDIA_OFFLINE_CONFIG"), "path to the YAML configuration")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "media-offline daemon: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager := config.NewConfigManager(logging.Discard())
	cfg, err := app.LoadConfig(ctx, manager, configPath, false)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging, os.Stderr)
	if err != nil {
		return err
	}
	manager.SetLogger(logger)

	logger.Info("starting media-offline daemon",
		"offline_db", cfg.Storage.OfflineDB, "cache_db", cfg.Storage.CacheDB, "workers", cfg.Download.Workers)

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("failed to close stores", "error", err)
		}
		logger.Info("media-offline daemon stopped")
	}()

	a.Engine.AddListener(&offline.ListenerFuncs{
		Completed: func(p core.MediaProduct) { logger.Info("offline product ready", "product", p.Key()) },
		Failed: func(p core.MediaProduct, err error) {
			if !errors.Is(err, offline.ErrCancelled) {
				logger.Warn("offline product failed", "product", p.Key(), "error", err)
			}
		},
	})

	resumed, err := a.Engine.ResumeInterrupted(ctx)
	if err != nil {
		logger.Warn("some interrupted downloads could not be resumed", "error", err)
	}
	logger.Info("daemon ready", "resumed", resumed)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pruneLoop(ctx, a, logger)
	})
	if configPath != "" {
		g.Go(func() error {
			return reloadLoop(ctx, a, manager, configPath, logger)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// pruneLoop keeps the streaming cache within budget on the configured
// interval. Each tick rereads the interval so reloads take effect.
func pruneLoop(ctx context.Context, a *app.App, logger *slog.Logger) error {
	for {
		interval := a.Config().Cache.PruneEvery()
		if interval <= 0 {
			interval = time.Minute
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		evicted, err := a.Prune(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("cache prune failed", "error", err)
			continue
		}
		if len(evicted) > 0 {
			logger.Info("pruned cache", "evicted", len(evicted), "budget", a.Stream.MaxSize())
		}
	}
}

// reloadLoop applies configuration changes that can take effect live
func reloadLoop(ctx context.Context, a *app.App, manager *config.ConfigManager, configPath string, logger *slog.Logger) error {
	changes := make(chan config.ConfigChangeEvent, 1)
	if err := manager.WatchForChanges(ctx, configPath, changes); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-changes:
			switch event.Type {
			case "config_updated":
				a.Apply(event.Config)
				logger.Info("applied configuration", "path", event.Path)
			case "config_error":
				logger.Warn("kept previous configuration", "path", event.Path, "error", event.Error)
			}
		}
	}
}
