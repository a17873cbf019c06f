package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sho7650/media-offline/internal/storage"
)

const entryColumns = `key, type, url, last_accessed_at, size, seq`

// SQLiteStorage is a ContentStore keeping entry metadata in SQLite and the
// bytes in a cache-owned directory
type SQLiteStorage struct {
	dbPath string
	blobs  *storage.BlobDir
	db     *storage.DB
	logger *slog.Logger

	keys    *keyLocks
	pruneMu sync.Mutex
	// bytesMu is held shared by writers of bytes or URLs and exclusively by
	// Heal while it reconciles the directory. Order: key lock, then bytesMu.
	bytesMu sync.RWMutex
	clock   accessClock
	ready   atomic.Bool
}

// Ensure SQLiteStorage implements ContentStore
var _ ContentStore = (*SQLiteStorage)(nil)

// NewSQLiteStorage creates a cache whose metadata lives in dbPath and whose
// bytes live under blobDir
func NewSQLiteStorage(dbPath, blobDir string, logger *slog.Logger) *SQLiteStorage {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteStorage{
		dbPath: dbPath,
		blobs:  storage.NewBlobDir(blobDir, ".blob"),
		logger: logger.With("component", "cache_storage"),
		keys:   newKeyLocks(),
	}
}

// Initialize opens the database, runs migrations and heals orphans
func (s *SQLiteStorage) Initialize(ctx context.Context) error {
	if err := s.blobs.Ensure(); err != nil {
		return err
	}

	db, err := storage.Open(ctx, s.dbPath)
	if err != nil {
		return err
	}
	s.db = db

	if err := storage.NewMigrationManager(db, "cache").Migrate(ctx, cacheMigrations); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to migrate cache: %w", err)
	}

	var latest int64
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(last_accessed_at), 0) FROM cache_entries`).Scan(&latest); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to read cache clock: %w", err)
	}
	s.clock.observe(time.Unix(0, latest))

	s.ready.Store(true)

	if _, err := s.Heal(ctx); err != nil {
		return fmt.Errorf("failed to heal cache: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	s.ready.Store(false)
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

// IsReady returns whether the cache is ready for operations
func (s *SQLiteStorage) IsReady() bool {
	return s.ready.Load() && s.db != nil
}

// Save inserts a new entry. A zero LastAccessedAt is set to now.
func (s *SQLiteStorage) Save(ctx context.Context, entry *Entry) error {
	if !s.IsReady() {
		return storage.ErrNotReady
	}
	if err := validateEntry(entry); err != nil {
		return err
	}

	unlock := s.keys.lock(entry.Key)
	defer unlock()

	s.stamp(entry)

	err := s.db.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO cache_entries (`+entryColumns+`)
			VALUES (?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM cache_entries))`,
			entry.Key, string(entry.Type), entry.URL, entry.LastAccessedAt.UnixNano(), entry.Size)
		return err
	})
	if err != nil {
		if storage.IsDuplicate(err) {
			return fmt.Errorf("failed to save cache entry %s: %w", entry.Key, ErrDuplicateKey)
		}
		return fmt.Errorf("failed to save cache entry: %w", err)
	}
	return nil
}

// Get returns the entry for key and marks it most recently used
func (s *SQLiteStorage) Get(ctx context.Context, key string) (*Entry, error) {
	if !s.IsReady() {
		return nil, storage.ErrNotReady
	}

	unlock := s.keys.lock(key)
	defer unlock()

	entry, err := s.lookup(ctx, key)
	if err != nil || entry == nil {
		return nil, err
	}
	if err := s.touch(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Delete removes the entry and its bytes. Deleting a missing key is not an error.
func (s *SQLiteStorage) Delete(ctx context.Context, key string) error {
	if !s.IsReady() {
		return storage.ErrNotReady
	}

	unlock := s.keys.lock(key)
	defer unlock()

	url, err := s.deleteRow(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return s.removeBytes(url)
}

// Update replaces every field of an existing entry
func (s *SQLiteStorage) Update(ctx context.Context, entry *Entry) error {
	if !s.IsReady() {
		return storage.ErrNotReady
	}
	if err := validateEntry(entry); err != nil {
		return err
	}

	unlock := s.keys.lock(entry.Key)
	defer unlock()
	s.bytesMu.RLock()
	defer s.bytesMu.RUnlock()

	s.stamp(entry)

	var oldURL string
	err := s.db.Write(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `SELECT url FROM cache_entries WHERE key = ?`, entry.Key).Scan(&oldURL); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("cache entry %s: %w", entry.Key, ErrNotFound)
			}
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE cache_entries SET type = ?, url = ?, last_accessed_at = ?, size = ? WHERE key = ?`,
			string(entry.Type), entry.URL, entry.LastAccessedAt.UnixNano(), entry.Size, entry.Key)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to update cache entry: %w", err)
	}

	if oldURL != entry.URL {
		return s.removeBytes(oldURL)
	}
	return nil
}

// GetAll returns every entry ordered by key
func (s *SQLiteStorage) GetAll(ctx context.Context) ([]*Entry, error) {
	if !s.IsReady() {
		return nil, storage.ErrNotReady
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM cache_entries ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		entry, _, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cache entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cache entries: %w", err)
	}
	return entries, nil
}

// TotalSize returns the sum of all entry sizes
func (s *SQLiteStorage) TotalSize(ctx context.Context) (int64, error) {
	if !s.IsReady() {
		return 0, storage.ErrNotReady
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM cache_entries`).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to compute cache size: %w", err)
	}
	return total, nil
}

// PruneToSize evicts entries in ascending LastAccessedAt order, oldest
// insertion first on ties, until the total size fits maxSize. An entry
// larger than maxSize is evicted as well.
func (s *SQLiteStorage) PruneToSize(ctx context.Context, maxSize int64) ([]*Entry, error) {
	if !s.IsReady() {
		return nil, storage.ErrNotReady
	}
	if err := validateBudget(maxSize); err != nil {
		return nil, err
	}

	s.pruneMu.Lock()
	defer s.pruneMu.Unlock()

	var evicted []*Entry
	for {
		if err := ctx.Err(); err != nil {
			return evicted, err
		}

		total, err := s.TotalSize(ctx)
		if err != nil {
			return evicted, err
		}
		if total <= maxSize {
			return evicted, nil
		}

		row := s.db.QueryRowContext(ctx,
			`SELECT `+entryColumns+` FROM cache_entries ORDER BY last_accessed_at, seq LIMIT 1`)
		victim, seq, err := scanEntry(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return evicted, nil
			}
			return evicted, fmt.Errorf("failed to select eviction victim: %w", err)
		}

		removed, err := s.evict(ctx, victim, seq)
		if err != nil {
			return evicted, err
		}
		if removed {
			s.logger.Debug("evicted cache entry", "key", victim.Key, "size", victim.Size)
			evicted = append(evicted, victim)
		}
	}
}

// Write stores r in a fresh blob through a temp file and rename, then
// upserts the entry to point at it. The previous blob of key is removed only
// after the row commits, so a failed write leaves the old entry and its
// bytes untouched. A crash leaves at most an orphan blob.
func (s *SQLiteStorage) Write(ctx context.Context, key string, typ EntryType, r io.Reader) (*Entry, error) {
	if !s.IsReady() {
		return nil, storage.ErrNotReady
	}
	if key == "" {
		return nil, fmt.Errorf("cache entry key cannot be empty")
	}

	unlock := s.keys.lock(key)
	defer unlock()

	s.bytesMu.RLock()
	defer s.bytesMu.RUnlock()

	path, size, err := s.blobs.WriteAtomic(blobName(), r)
	if err != nil {
		return nil, fmt.Errorf("failed to write cache bytes for %s: %w", key, err)
	}

	entry := &Entry{Key: key, Type: typ, URL: path, Size: size, LastAccessedAt: s.clock.now()}

	var oldURL string
	err = s.db.Write(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT url FROM cache_entries WHERE key = ?`, key).Scan(&oldURL)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO cache_entries (`+entryColumns+`)
			VALUES (?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM cache_entries))
			ON CONFLICT(key) DO UPDATE SET
				type = excluded.type, url = excluded.url,
				last_accessed_at = excluded.last_accessed_at, size = excluded.size`,
			entry.Key, string(entry.Type), entry.URL, entry.LastAccessedAt.UnixNano(), entry.Size)
		return err
	})
	if err != nil {
		if rmErr := s.blobs.Remove(path); rmErr != nil {
			s.logger.Warn("failed to remove unrecorded cache bytes", "key", key, "path", path, "error", rmErr)
		}
		return nil, fmt.Errorf("failed to record cache entry %s: %w", key, err)
	}

	if oldURL != "" && oldURL != path {
		if err := s.removeBytes(oldURL); err != nil {
			return entry, err
		}
	}
	return entry, nil
}

// Open returns the bytes for key and marks the entry most recently used. An
// entry whose bytes vanished is dropped and reported as a miss.
func (s *SQLiteStorage) Open(ctx context.Context, key string) (io.ReadCloser, *Entry, error) {
	if !s.IsReady() {
		return nil, nil, storage.ErrNotReady
	}

	unlock := s.keys.lock(key)
	defer unlock()

	entry, err := s.lookup(ctx, key)
	if err != nil || entry == nil {
		return nil, nil, err
	}

	file, err := os.Open(entry.URL)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("failed to open cache bytes: %w", err)
		}
		s.logger.Warn("healed cache storage", "error", &storage.CorruptionError{
			Store: "cache", Key: key, Path: entry.URL, Reason: "entry without bytes",
		})
		if _, err := s.deleteRow(ctx, key); err != nil {
			return nil, nil, fmt.Errorf("failed to drop corrupt cache entry: %w", err)
		}
		return nil, nil, nil
	}

	if err := s.touch(ctx, entry); err != nil {
		_ = file.Close()
		return nil, nil, err
	}
	return file, entry, nil
}

// Heal drops entries whose cache-owned bytes are missing or truncated and
// deletes blobs no entry references. An entry pointing at a local file
// outside the cache directory is dropped when that file is gone; the file
// itself is never touched.
func (s *SQLiteStorage) Heal(ctx context.Context) ([]*storage.CorruptionError, error) {
	if !s.IsReady() {
		return nil, storage.ErrNotReady
	}

	s.pruneMu.Lock()
	defer s.pruneMu.Unlock()
	s.bytesMu.Lock()
	defer s.bytesMu.Unlock()

	entries, err := s.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	var repairs []*storage.CorruptionError
	referenced := make(map[string]bool, len(entries))

	for _, entry := range entries {
		if !s.blobs.Owns(entry.URL) {
			if err := s.healExternal(ctx, entry, &repairs); err != nil {
				return repairs, err
			}
			continue
		}
		size, exists, err := s.blobs.Size(entry.URL)
		if err != nil {
			return repairs, err
		}
		if !exists || size != entry.Size {
			repairs = append(repairs, &storage.CorruptionError{
				Store: "cache", Key: entry.Key, Path: entry.URL,
				Reason: fmt.Sprintf("entry records %d bytes, %d on disk", entry.Size, size),
			})
			if err := s.deleteStale(ctx, entry); err != nil {
				return repairs, err
			}
			continue
		}
		referenced[entry.URL] = true
	}

	orphans, err := s.blobs.Unreferenced(referenced)
	if err != nil {
		return repairs, err
	}
	for _, path := range orphans {
		repairs = append(repairs, &storage.CorruptionError{
			Store: "cache", Path: path, Reason: "bytes without cache entry",
		})
		if err := s.blobs.Remove(path); err != nil {
			return repairs, err
		}
	}

	for _, repair := range repairs {
		s.logger.Warn("healed cache storage", "error", repair)
	}
	return repairs, nil
}

// healExternal drops entry when its URL is a local path that no longer
// exists. Remote URLs are not checked.
func (s *SQLiteStorage) healExternal(ctx context.Context, entry *Entry, repairs *[]*storage.CorruptionError) error {
	if !filepath.IsAbs(entry.URL) {
		return nil
	}
	_, exists, err := s.blobs.Size(entry.URL)
	if err != nil || exists {
		return err
	}
	*repairs = append(*repairs, &storage.CorruptionError{
		Store: "cache", Key: entry.Key, Path: entry.URL, Reason: "external bytes missing",
	})
	return s.deleteStale(ctx, entry)
}

// stamp fills a zero access time and keeps the clock ahead of explicit ones
func (s *SQLiteStorage) stamp(entry *Entry) {
	if entry.LastAccessedAt.IsZero() {
		entry.LastAccessedAt = s.clock.now()
		return
	}
	entry.LastAccessedAt = entry.LastAccessedAt.UTC()
	s.clock.observe(entry.LastAccessedAt)
}

func (s *SQLiteStorage) lookup(ctx context.Context, key string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM cache_entries WHERE key = ?`, key)
	entry, _, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return entry, nil
}

func (s *SQLiteStorage) touch(ctx context.Context, entry *Entry) error {
	touched := s.clock.now()
	err := s.db.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE cache_entries SET last_accessed_at = ? WHERE key = ?`, touched.UnixNano(), entry.Key)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to touch cache entry: %w", err)
	}
	entry.LastAccessedAt = touched
	return nil
}

// deleteRow removes the row for key and returns the URL it pointed at
func (s *SQLiteStorage) deleteRow(ctx context.Context, key string) (string, error) {
	var url string
	err := s.db.Write(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `SELECT url FROM cache_entries WHERE key = ?`, key).Scan(&url); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
		return err
	})
	return url, err
}

// deleteStale removes the row for entry only if it still matches what was
// read, so a concurrent rewrite of the key survives
func (s *SQLiteStorage) deleteStale(ctx context.Context, entry *Entry) error {
	return s.db.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM cache_entries WHERE key = ? AND url = ? AND size = ?`,
			entry.Key, entry.URL, entry.Size)
		return err
	})
}

// evict deletes victim unless it was touched or replaced since selection
func (s *SQLiteStorage) evict(ctx context.Context, victim *Entry, seq int64) (bool, error) {
	unlock := s.keys.lock(victim.Key)
	defer unlock()

	var removed bool
	err := s.db.Write(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`DELETE FROM cache_entries WHERE key = ? AND last_accessed_at = ? AND seq = ?`,
			victim.Key, victim.LastAccessedAt.UnixNano(), seq)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		removed = affected > 0
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to evict cache entry: %w", err)
	}
	if !removed {
		return false, nil
	}
	return true, s.removeBytes(victim.URL)
}

// removeBytes deletes url when it is a cache-owned blob
func (s *SQLiteStorage) removeBytes(url string) error {
	if !s.blobs.Owns(url) {
		return nil
	}
	return s.blobs.Remove(url)
}

// rowScanner is implemented by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, int64, error) {
	entry := &Entry{}
	var typ string
	var accessed, seq int64
	if err := row.Scan(&entry.Key, &typ, &entry.URL, &accessed, &entry.Size, &seq); err != nil {
		return nil, 0, err
	}
	entry.Type = EntryType(typ)
	entry.LastAccessedAt = time.Unix(0, accessed).UTC()
	return entry, seq, nil
}

// blobName returns a file name no other write uses
func blobName() string {
	return uuid.NewString()
}
