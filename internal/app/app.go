package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"

	"github.com/sho7650/media-offline/internal/cache"
	"github.com/sho7650/media-offline/internal/config"
	"github.com/sho7650/media-offline/internal/download"
	"github.com/sho7650/media-offline/internal/offline"
	"github.com/sho7650/media-offline/internal/storage"
	"github.com/sho7650/media-offline/internal/transport"
)

// App is the wired persistence layer: both stores, the streaming cache
// front and the offline engine
type App struct {
	Logger  *slog.Logger
	Offline *storage.SQLiteStorage
	Cache   *cache.SQLiteStorage
	Stream  *cache.ReadThrough
	Engine  *offline.Engine

	mu     sync.RWMutex
	config *config.Config
}

// Open initializes the stores described by cfg and builds the components
// on top of them. Close releases everything Open acquired.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	return OpenWithFetcher(ctx, cfg, transport.NewHTTPFetcher(cfg.Download.Timeout(), cfg.Download.UserAgent), logger)
}

// OpenWithFetcher is Open with a caller supplied transport
func OpenWithFetcher(ctx context.Context, cfg *config.Config, fetcher transport.Fetcher, logger *slog.Logger) (*App, error) {
	offlineStore := storage.NewSQLiteStorage(cfg.Storage.OfflineDB, cfg.Storage.MediaDir, logger)
	if err := offlineStore.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to open offline storage: %w", err)
	}

	cacheStore := cache.NewSQLiteStorage(cfg.Storage.CacheDB, cfg.Storage.CacheDir, logger)
	if err := cacheStore.Initialize(ctx); err != nil {
		_ = offlineStore.Close()
		return nil, fmt.Errorf("failed to open cache storage: %w", err)
	}

	retries := cfg.Retry.Managers()
	downloader := download.New(offlineStore, fetcher, download.Options{
		ChunkSize: cfg.Download.ChunkSize,
		Retries:   retries,
		Logger:    logger,
	})

	return &App{
		config:  cfg,
		Logger:  logger,
		Offline: offlineStore,
		Cache:   cacheStore,
		Stream:  cache.NewReadThrough(cacheStore, fetcher, retries, cfg.Cache.MaxSizeBytes, logger),
		Engine:  offline.NewEngine(offlineStore, downloader, offline.Options{Workers: int64(cfg.Download.Workers), Logger: logger}),
	}, nil
}

// Apply adopts the settings of a reloaded configuration that can change
// while running
func (a *App) Apply(cfg *config.Config) {
	if cfg.Cache.MaxSizeBytes != a.Stream.MaxSize() {
		a.Logger.Info("cache budget changed", "from", a.Stream.MaxSize(), "to", cfg.Cache.MaxSizeBytes)
		a.Stream.SetMaxSize(cfg.Cache.MaxSizeBytes)
	}
	a.mu.Lock()
	a.config = cfg
	a.mu.Unlock()
}

// Config returns the configuration currently in effect
func (a *App) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config
}

// Prune shrinks the cache to the current budget
func (a *App) Prune(ctx context.Context) ([]*cache.Entry, error) {
	maxSize := a.Stream.MaxSize()
	if maxSize <= 0 {
		return nil, nil
	}
	return a.Cache.PruneToSize(ctx, maxSize)
}

// Close stops the engine and closes both stores
func (a *App) Close() error {
	return errors.Join(a.Engine.Close(), a.Cache.Close(), a.Offline.Close())
}

// LoadConfig reads the configuration at path. An empty path, or a path
// that does not exist when optional is set, yields the defaults.
func LoadConfig(ctx context.Context, manager *config.ConfigManager, path string, optional bool) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		cfg.Storage.Resolve()
		return cfg, nil
	}

	cfg, err := manager.LoadFromFile(ctx, path)
	if err != nil && optional && errors.Is(err, fs.ErrNotExist) {
		return LoadConfig(ctx, manager, "", false)
	}
	return cfg, err
}
