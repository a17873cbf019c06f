package storage

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB is a SQLite database file opened with a single-writer discipline.
// Writes are serialized per physical file across every DB handle in the
// process; reads run concurrently against the WAL snapshot.
type DB struct {
	path    string
	db      *sql.DB
	writeMu *sync.Mutex
}

var (
	writersMu sync.Mutex
	writers   = make(map[string]*sync.Mutex)
)

// writerFor returns the process-wide write lock for a database file
func writerFor(path string) *sync.Mutex {
	key := path
	if abs, err := filepath.Abs(path); err == nil {
		key = abs
	}

	writersMu.Lock()
	defer writersMu.Unlock()

	mu, ok := writers[key]
	if !ok {
		mu = &sync.Mutex{}
		writers[key] = mu
	}
	return mu
}

// Open opens (creating if needed) the SQLite database at path
func Open(ctx context.Context, path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Verify connection
	if err := db.PingContext(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{
		path:    path,
		db:      db,
		writeMu: writerFor(path),
	}, nil
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// Write runs fn in a transaction while holding the file's write lock. The
// transaction is rolled back when fn fails or ctx is cancelled, so a write
// either lands completely or not at all.
func (d *DB) Write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// QueryContext runs a read query
func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a read query returning at most one row
func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, query, args...)
}

// Close closes the database connection
func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}
