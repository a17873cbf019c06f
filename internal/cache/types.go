package cache

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sho7650/media-offline/internal/storage"
)

// EntryType tags what a cached blob holds. Unknown values are stored as-is.
type EntryType string

const (
	EntryTypeHLS EntryType = "hls"
	EntryTypeRaw EntryType = "raw"
)

// Entry describes one cached blob
type Entry struct {
	Key            string    `json:"key"`
	Type           EntryType `json:"type"`
	URL            string    `json:"url"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	Size           int64     `json:"size"`
}

// Storage is the metadata contract of the content cache
type Storage interface {
	// Save inserts a new entry. It fails with storage.ErrDuplicateKey when
	// the key exists.
	Save(ctx context.Context, entry *Entry) error

	// Get returns the entry for key, or nil when absent. A hit refreshes
	// LastAccessedAt.
	Get(ctx context.Context, key string) (*Entry, error)

	// Delete removes the entry and its bytes. Missing keys are ignored.
	Delete(ctx context.Context, key string) error

	// Update replaces every field of an existing entry
	Update(ctx context.Context, entry *Entry) error

	// GetAll returns a snapshot of every entry
	GetAll(ctx context.Context) ([]*Entry, error)

	// TotalSize returns the sum of all entry sizes
	TotalSize(ctx context.Context) (int64, error)

	// PruneToSize evicts least recently accessed entries until the total
	// size is at most maxSize and returns what it evicted
	PruneToSize(ctx context.Context, maxSize int64) ([]*Entry, error)
}

// ContentStore is a Storage that also owns the cached bytes
type ContentStore interface {
	Storage

	// Write stores the bytes read from r under key, replacing any previous
	// bytes, and returns the resulting entry
	Write(ctx context.Context, key string, typ EntryType, r io.Reader) (*Entry, error)

	// Open returns a reader over the bytes for key and touches the entry. It
	// returns nil, nil, nil on a miss.
	Open(ctx context.Context, key string) (io.ReadCloser, *Entry, error)
}

func validateEntry(entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}
	if entry.Key == "" {
		return fmt.Errorf("cache entry key cannot be empty")
	}
	if entry.Size < 0 {
		return fmt.Errorf("cache entry %s has negative size %d", entry.Key, entry.Size)
	}
	return nil
}

func validateBudget(maxSize int64) error {
	if maxSize < 0 {
		return fmt.Errorf("cache budget cannot be negative: %d", maxSize)
	}
	return nil
}

// Re-exported so callers of this package need not import storage for errors.
var (
	ErrDuplicateKey = storage.ErrDuplicateKey
	ErrNotFound     = storage.ErrNotFound
)
