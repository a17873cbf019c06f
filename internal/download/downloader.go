package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/sho7650/media-offline/internal/core"
	"github.com/sho7650/media-offline/internal/retry"
	"github.com/sho7650/media-offline/internal/storage"
	"github.com/sho7650/media-offline/internal/transport"
)

// DefaultChunkSize is the number of bytes written between checkpoints
const DefaultChunkSize = 1 << 20

// Options configures a Downloader
type Options struct {
	ChunkSize int
	Retries   retry.Managers
	Logger    *slog.Logger
}

// Downloader transfers media products into offline storage in checkpointed
// chunks, resuming from the last checkpoint and retrying transient errors
type Downloader struct {
	store     storage.OfflineStorage
	fetcher   transport.Fetcher
	retries   retry.Managers
	chunkSize int
	logger    *slog.Logger
}

// New creates a Downloader. Zero options fall back to DefaultChunkSize and
// retry.DefaultManagers.
func New(store storage.OfflineStorage, fetcher transport.Fetcher, opts Options) *Downloader {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Retries == (retry.Managers{}) {
		opts.Retries = retry.DefaultManagers()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Downloader{
		store:     store,
		fetcher:   fetcher,
		retries:   opts.Retries,
		chunkSize: opts.ChunkSize,
		logger:    opts.Logger.With("component", "downloader"),
	}
}

// Download starts transferring product and returns its event stream. The
// channel closes after the terminal Success or Failure, and callers must
// drain it. Cancelling ctx stops the transfer at the next chunk boundary or
// backoff wait and leaves the item in_progress with a valid checkpoint.
func (d *Downloader) Download(ctx context.Context, product core.MediaProduct) <-chan Event {
	events := make(chan Event, 16)
	go func() {
		defer close(events)
		events <- d.run(ctx, product, events)
	}()
	return events
}

// errRangeRejected means the stored checkpoint is past the remote resource
var errRangeRejected = errors.New("range not satisfiable")

func (d *Downloader) run(ctx context.Context, product core.MediaProduct, events chan<- Event) Event {
	logger := d.logger.With("product", product.Key())

	if product.Type.IsCollection() {
		return Failure{Err: fmt.Errorf("cannot download %s directly: collections are downloaded per item", product)}
	}
	if err := product.Validate(); err != nil {
		return Failure{Err: err}
	}

	item, err := d.ensureItem(ctx, product)
	if err != nil {
		return Failure{Err: err}
	}

	if d.alreadyComplete(item) {
		logger.Debug("item already offline", "path", item.LocalPath)
		return Success{LocalPath: item.LocalPath, Size: item.SizeBytes}
	}

	if err := d.store.MarkState(ctx, item.ID, storage.StateInProgress, nil); err != nil {
		return Failure{Err: err}
	}

	// One retry budget per Download call; bytes written by a failed attempt
	// do not refill it
	retries := 0
	for {
		err := d.transfer(ctx, item, events)
		if err == nil {
			// The bytes are complete; record that even if ctx was cancelled meanwhile
			if err := d.store.MarkState(context.WithoutCancel(ctx), item.ID, storage.StateComplete, nil); err != nil {
				return Failure{Err: err, Retries: retries}
			}
			logger.Info("download complete", "path", item.LocalPath, "size", item.SizeBytes, "retries", retries)
			return Success{LocalPath: item.LocalPath, Size: item.SizeBytes, Retries: retries}
		}

		if ctx.Err() != nil {
			logger.Info("download cancelled", "downloaded", item.DownloadedBytes)
			return Failure{Err: fmt.Errorf("download of %s cancelled: %w", product, ctx.Err()), Retries: retries}
		}

		if errors.Is(err, errRangeRejected) {
			logger.Warn("checkpoint rejected by server, restarting from zero", "offset", item.DownloadedBytes)
			item.DownloadedBytes = 0
			if err := d.store.RecordProgress(ctx, item.ID, 0, item.SizeBytes); err != nil {
				return d.fail(ctx, item, err, retries)
			}
			continue
		}

		switch strategy := d.retries.Decide(err, retries).(type) {
		case retry.Backoff:
			retries++
			logger.Info("retrying download",
				"attempt", retries, "delay", strategy.Delay, "class", transport.Classify(err), "error", err)
			d.emit(ctx, events, Retrying{Attempt: retries, Delay: strategy.Delay, Err: err})

			if err := retry.Wait(ctx, strategy.Delay); err != nil {
				return Failure{Err: fmt.Errorf("download of %s cancelled: %w", product, err), Retries: retries}
			}
		default:
			return d.fail(ctx, item, err, retries)
		}
	}
}

// fail marks the item failed and builds the terminal event
func (d *Downloader) fail(ctx context.Context, item *storage.Item, cause error, retries int) Event {
	d.logger.Error("download failed", "item", item.ID, "retries", retries, "error", cause)
	if err := d.store.MarkState(context.WithoutCancel(ctx), item.ID, storage.StateFailed, cause); err != nil {
		return Failure{Err: errors.Join(cause, err), Retries: retries}
	}
	return Failure{Err: cause, Retries: retries}
}

// ensureItem returns the catalog row for product, creating it when missing
func (d *Downloader) ensureItem(ctx context.Context, product core.MediaProduct) (*storage.Item, error) {
	item, err := d.store.GetItemByProduct(ctx, string(product.Type), product.ID)
	if err != nil {
		return nil, err
	}

	if item == nil {
		item = &storage.Item{
			ProductID:   product.ID,
			ProductType: string(product.Type),
			SourceURL:   product.URL,
			State:       storage.StatePending,
			Requested:   true,
		}
		err := d.store.CreateItem(ctx, item)
		if errors.Is(err, storage.ErrDuplicateKey) {
			return d.ensureItem(ctx, product)
		}
		if err != nil {
			return nil, err
		}
		return item, nil
	}

	if item.SourceURL != product.URL {
		// New source: previously downloaded bytes belong to the old one
		item.SourceURL = product.URL
		item.DownloadedBytes = 0
		item.SizeBytes = 0
		item.State = storage.StatePending
		if err := d.store.UpdateItem(ctx, item); err != nil {
			return nil, err
		}
	}
	return item, nil
}

// alreadyComplete reports whether item is complete with all of its bytes
// on disk
func (d *Downloader) alreadyComplete(item *storage.Item) bool {
	if item.State != storage.StateComplete || item.LocalPath == "" {
		return false
	}
	info, err := os.Stat(item.LocalPath)
	return err == nil && info.Size() == item.SizeBytes
}

// transfer performs one attempt from the item's checkpoint
func (d *Downloader) transfer(ctx context.Context, item *storage.Item, events chan<- Event) error {
	w, err := d.store.OpenWriter(ctx, item, item.DownloadedBytes)
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()

	offset := w.Offset
	var rng *transport.Range
	if offset > 0 {
		rng = &transport.Range{Start: offset}
	}

	resp, err := d.fetcher.Fetch(ctx, item.SourceURL, rng)
	if err != nil {
		var respErr *transport.ResponseError
		if rng != nil && errors.As(err, &respErr) && respErr.Status == http.StatusRequestedRangeNotSatisfiable {
			return errRangeRejected
		}
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.Offset != offset {
		// Range ignored: the stream starts over, so must the file
		d.logger.Info("transport ignored range request, restarting from zero", "item", item.ID, "offset", offset)
		restarted, err := d.store.OpenWriter(ctx, item, resp.Offset)
		if err != nil {
			return err
		}
		_ = w.Close()
		w = restarted
		offset = w.Offset
	}

	total := resp.TotalSize
	if total >= 0 {
		item.SizeBytes = total
	}

	buf := make([]byte, d.chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := io.ReadFull(resp.Body, buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return fmt.Errorf("failed to write chunk: %w", err)
			}
			if err := w.Sync(); err != nil {
				return fmt.Errorf("failed to sync chunk: %w", err)
			}
			offset += int64(n)

			size := item.SizeBytes
			if total < 0 {
				size = offset
			}
			if err := d.store.RecordProgress(ctx, item.ID, offset, size); err != nil {
				return err
			}
			item.DownloadedBytes = offset
			item.SizeBytes = size
			d.emit(ctx, events, Progress{Downloaded: offset, Total: total})
		}

		switch {
		case readErr == nil:
			continue
		case readErr == io.EOF || readErr == io.ErrUnexpectedEOF:
			if total >= 0 && offset != total {
				return &transport.NetworkError{
					URL: item.SourceURL,
					Err: fmt.Errorf("stream ended at %d of %d bytes: %w", offset, total, io.ErrUnexpectedEOF),
				}
			}
			if item.DownloadedBytes != offset || item.SizeBytes != offset {
				if err := d.store.RecordProgress(ctx, item.ID, offset, offset); err != nil {
					return err
				}
				item.DownloadedBytes = offset
				item.SizeBytes = offset
			}
			return nil
		default:
			return readErr
		}
	}
}

// emit delivers a non-terminal event unless ctx is cancelled first
func (d *Downloader) emit(ctx context.Context, events chan<- Event, ev Event) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}
