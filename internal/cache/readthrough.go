package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/sho7650/media-offline/internal/retry"
	"github.com/sho7650/media-offline/internal/transport"
)

// ReadThrough serves content from a ContentStore, fetching misses through a
// transport and keeping the store within a byte budget
type ReadThrough struct {
	store   ContentStore
	fetcher transport.Fetcher
	retries retry.Managers
	maxSize atomic.Int64
	group   singleflight.Group
	logger  *slog.Logger
}

// NewReadThrough creates a read-through cache. A maxSize of zero or less
// disables pruning.
func NewReadThrough(store ContentStore, fetcher transport.Fetcher, retries retry.Managers, maxSize int64, logger *slog.Logger) *ReadThrough {
	if logger == nil {
		logger = slog.Default()
	}
	r := &ReadThrough{
		store:   store,
		fetcher: fetcher,
		retries: retries,
		logger:  logger.With("component", "read_through_cache"),
	}
	r.maxSize.Store(maxSize)
	return r
}

// SetMaxSize changes the byte budget applied after each fill
func (r *ReadThrough) SetMaxSize(maxSize int64) {
	r.maxSize.Store(maxSize)
}

// MaxSize returns the current byte budget
func (r *ReadThrough) MaxSize() int64 {
	return r.maxSize.Load()
}

// Fetch returns the bytes for key, loading them from url on a miss.
// Concurrent misses for the same key share one transfer.
func (r *ReadThrough) Fetch(ctx context.Context, key string, typ EntryType, url string) (io.ReadCloser, *Entry, error) {
	rc, entry, err := r.store.Open(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if rc != nil {
		r.logger.Debug("cache hit", "key", key)
		return rc, entry, nil
	}

	_, err, shared := r.group.Do(key, func() (interface{}, error) {
		return r.fill(ctx, key, typ, url)
	})
	if err != nil {
		return nil, nil, err
	}

	// Open before pruning so the caller keeps its bytes even if the new
	// entry alone exceeds the budget
	rc, entry, err = r.store.Open(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if rc == nil {
		return nil, nil, fmt.Errorf("cache entry %s vanished after fill: %w", key, ErrNotFound)
	}

	if !shared {
		if err := r.prune(ctx); err != nil {
			_ = rc.Close()
			return nil, nil, err
		}
	}
	return rc, entry, nil
}

// fill downloads url into the store, retrying per error class
func (r *ReadThrough) fill(ctx context.Context, key string, typ EntryType, url string) (*Entry, error) {
	for attempt := 0; ; attempt++ {
		entry, err := r.fetchOnce(ctx, key, typ, url)
		if err == nil {
			r.logger.Debug("cache fill", "key", key, "size", entry.Size, "retries", attempt)
			return entry, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("failed to fetch %s: %w", key, ctx.Err())
		}

		switch strategy := r.retries.Decide(err, attempt).(type) {
		case retry.Backoff:
			r.logger.Info("retrying cache fill",
				"key", key, "attempt", attempt+1, "delay", strategy.Delay, "class", transport.Classify(err), "error", err)
			if err := retry.Wait(ctx, strategy.Delay); err != nil {
				return nil, fmt.Errorf("failed to fetch %s: %w", key, err)
			}
		default:
			return nil, fmt.Errorf("failed to fetch %s: %w", key, err)
		}
	}
}

func (r *ReadThrough) fetchOnce(ctx context.Context, key string, typ EntryType, url string) (*Entry, error) {
	resp, err := r.fetcher.Fetch(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	return r.store.Write(ctx, key, typ, resp.Body)
}

func (r *ReadThrough) prune(ctx context.Context) error {
	maxSize := r.maxSize.Load()
	if maxSize <= 0 {
		return nil
	}
	evicted, err := r.store.PruneToSize(ctx, maxSize)
	if err != nil {
		return fmt.Errorf("failed to prune cache: %w", err)
	}
	if len(evicted) > 0 {
		r.logger.Debug("pruned cache", "evicted", len(evicted), "budget", maxSize)
	}
	return nil
}
