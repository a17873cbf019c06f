package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

const itemColumns = `id, product_id, product_type, state, size_bytes, downloaded_bytes,
	local_path, source_url, requested, last_error, created_at, updated_at`

// SQLiteStorage implements OfflineStorage using SQLite for the catalog and a
// data directory for downloaded bytes
type SQLiteStorage struct {
	dbPath string
	blobs  *BlobDir
	db     *DB
	logger *slog.Logger
	ready  atomic.Bool
}

// Ensure SQLiteStorage implements OfflineStorage
var _ OfflineStorage = (*SQLiteStorage)(nil)

// NewSQLiteStorage creates a new offline catalog backed by dbPath, storing
// downloaded bytes under dataDir
func NewSQLiteStorage(dbPath, dataDir string, logger *slog.Logger) *SQLiteStorage {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteStorage{
		dbPath: dbPath,
		blobs:  NewBlobDir(dataDir, ".media"),
		logger: logger.With("component", "offline_storage"),
	}
}

// Initialize opens the database, runs migrations and heals orphans left by
// an interrupted process
func (s *SQLiteStorage) Initialize(ctx context.Context) error {
	if err := s.blobs.Ensure(); err != nil {
		return err
	}

	db, err := Open(ctx, s.dbPath)
	if err != nil {
		return err
	}
	s.db = db

	if err := NewMigrationManager(db, "offline").Migrate(ctx, offlineMigrations); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to migrate offline catalog: %w", err)
	}

	s.ready.Store(true)

	if _, err := s.Heal(ctx); err != nil {
		return fmt.Errorf("failed to heal offline catalog: %w", err)
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

// IsReady returns whether the storage is ready for operations
func (s *SQLiteStorage) IsReady() bool {
	return s.ready.Load() && s.db != nil
}

// CreateItem inserts a new item. An empty ID is filled with a UUID.
func (s *SQLiteStorage) CreateItem(ctx context.Context, item *Item) error {
	if !s.IsReady() {
		return ErrNotReady
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if err := validateItem(item); err != nil {
		return err
	}

	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	if item.State == "" {
		item.State = StatePending
	}

	query := `INSERT INTO offline_items (` + itemColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	err := s.db.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query,
			item.ID, item.ProductID, item.ProductType, string(item.State),
			item.SizeBytes, item.DownloadedBytes, item.LocalPath, item.SourceURL,
			item.Requested, item.LastError, item.CreatedAt.UnixNano(), item.UpdatedAt.UnixNano(),
		)
		return err
	})
	if err != nil {
		if isConstraint(err, sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey) {
			return fmt.Errorf("failed to create item %s/%s: %w", item.ProductType, item.ProductID, ErrDuplicateKey)
		}
		return fmt.Errorf("failed to create item: %w", err)
	}

	return nil
}

// UpdateItem replaces every mutable field of an existing item
func (s *SQLiteStorage) UpdateItem(ctx context.Context, item *Item) error {
	if !s.IsReady() {
		return ErrNotReady
	}
	if err := validateItem(item); err != nil {
		return err
	}

	item.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE offline_items SET
			product_id = ?, product_type = ?, state = ?, size_bytes = ?, downloaded_bytes = ?,
			local_path = ?, source_url = ?, requested = ?, last_error = ?, updated_at = ?
		WHERE id = ?`

	err := s.db.Write(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, query,
			item.ProductID, item.ProductType, string(item.State), item.SizeBytes, item.DownloadedBytes,
			item.LocalPath, item.SourceURL, item.Requested, item.LastError, item.UpdatedAt.UnixNano(),
			item.ID,
		)
		if err != nil {
			return err
		}
		return expectAffected(result, item.ID)
	})
	if err != nil {
		if isConstraint(err, sqlite3.ErrConstraintUnique) {
			return fmt.Errorf("failed to update item %s: %w", item.ID, ErrDuplicateKey)
		}
		return fmt.Errorf("failed to update item: %w", err)
	}

	return nil
}

// DeleteItem removes an item, its relationships and its bytes. Children are
// left in place.
func (s *SQLiteStorage) DeleteItem(ctx context.Context, id string) error {
	if !s.IsReady() {
		return ErrNotReady
	}

	var localPath string
	err := s.db.Write(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `SELECT local_path FROM offline_items WHERE id = ?`, id).Scan(&localPath); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("item %s: %w", id, ErrNotFound)
			}
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM offline_items WHERE id = ?`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}

	// Row goes first: a crash here leaves an orphan blob that Heal removes
	return s.blobs.Remove(localPath)
}

// DeleteSubtree removes the item and every descendant that is neither
// independently requested nor still owned by a parent outside the deleted set
func (s *SQLiteStorage) DeleteSubtree(ctx context.Context, id string) ([]*Item, error) {
	if !s.IsReady() {
		return nil, ErrNotReady
	}

	var deleted []*Item
	err := s.db.Write(ctx, func(tx *sql.Tx) error {
		root, err := getItemTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if root == nil {
			return fmt.Errorf("item %s: %w", id, ErrNotFound)
		}

		descendants, err := descendantsTx(ctx, tx, id)
		if err != nil {
			return err
		}

		removed := map[string]bool{id: true}
		deleted = append(deleted, root)

		// Repeat until stable so shared children see all of their parents removed
		for changed := true; changed; {
			changed = false
			for _, child := range descendants {
				if removed[child.ID] || child.Requested {
					continue
				}
				parents, err := parentIDsTx(ctx, tx, child.ID)
				if err != nil {
					return err
				}
				owned := false
				for _, parentID := range parents {
					if !removed[parentID] {
						owned = true
						break
					}
				}
				if !owned {
					removed[child.ID] = true
					deleted = append(deleted, child)
					changed = true
				}
			}
		}

		for _, item := range deleted {
			if _, err := tx.ExecContext(ctx, `DELETE FROM offline_items WHERE id = ?`, item.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to delete subtree: %w", err)
	}

	for _, item := range deleted {
		if err := s.blobs.Remove(item.LocalPath); err != nil {
			return deleted, err
		}
	}

	return deleted, nil
}

// DeleteAll removes every item, relationship and downloaded byte
func (s *SQLiteStorage) DeleteAll(ctx context.Context) error {
	if !s.IsReady() {
		return ErrNotReady
	}

	err := s.db.Write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM offline_item_relationships`); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM offline_items`)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete all items: %w", err)
	}

	return s.blobs.Clear()
}

// GetItem retrieves an item by ID. It returns nil when the item does not exist.
func (s *SQLiteStorage) GetItem(ctx context.Context, id string) (*Item, error) {
	if !s.IsReady() {
		return nil, ErrNotReady
	}
	if id == "" {
		return nil, fmt.Errorf("item ID cannot be empty")
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM offline_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return item, nil
}

// GetItemByProduct retrieves the item for a media product. It returns nil
// when the product has no item.
func (s *SQLiteStorage) GetItemByProduct(ctx context.Context, productType, productID string) (*Item, error) {
	if !s.IsReady() {
		return nil, ErrNotReady
	}

	query := `SELECT ` + itemColumns + ` FROM offline_items WHERE product_type = ? AND product_id = ?`
	item, err := scanItem(s.db.QueryRowContext(ctx, query, productType, productID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get item by product: %w", err)
	}
	return item, nil
}

// ListItems searches for items based on the given criteria
func (s *SQLiteStorage) ListItems(ctx context.Context, query ItemQuery) ([]*Item, error) {
	if !s.IsReady() {
		return nil, ErrNotReady
	}

	var conditions []string
	var args []interface{}

	if query.ProductType != "" {
		conditions = append(conditions, "product_type = ?")
		args = append(args, query.ProductType)
	}

	if query.State != "" {
		conditions = append(conditions, "state = ?")
		args = append(args, string(query.State))
	}

	if query.Requested != nil {
		conditions = append(conditions, "requested = ?")
		args = append(args, *query.Requested)
	}

	sqlQuery := "SELECT " + itemColumns + " FROM offline_items"

	if len(conditions) > 0 {
		sqlQuery += " WHERE " + strings.Join(conditions, " AND ")
	}

	sqlQuery += " ORDER BY created_at, id"

	if query.Limit > 0 {
		sqlQuery += " LIMIT ?"
		args = append(args, query.Limit)
	}

	return s.queryItems(ctx, sqlQuery, args...)
}

// AddRelationship links parent to child. Both items must exist.
func (s *SQLiteStorage) AddRelationship(ctx context.Context, rel Relationship) error {
	if !s.IsReady() {
		return ErrNotReady
	}
	if rel.ParentID == "" || rel.ChildID == "" {
		return fmt.Errorf("relationship requires parent and child IDs")
	}
	if rel.ParentID == rel.ChildID {
		return fmt.Errorf("item %s cannot be its own parent", rel.ParentID)
	}
	if rel.CreatedAt.IsZero() {
		rel.CreatedAt = time.Now().UTC()
	}

	err := s.db.Write(ctx, func(tx *sql.Tx) error {
		var count int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM offline_items WHERE id IN (?, ?)`, rel.ParentID, rel.ChildID).Scan(&count)
		if err != nil {
			return err
		}
		if count != 2 {
			return fmt.Errorf("relationship %s -> %s: %w", rel.ParentID, rel.ChildID, ErrNotFound)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO offline_item_relationships (parent_id, child_id, position, created_at) VALUES (?, ?, ?, ?)`,
			rel.ParentID, rel.ChildID, rel.Position, rel.CreatedAt.UnixNano())
		return err
	})
	if err != nil {
		if isConstraint(err, sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintUnique) {
			return fmt.Errorf("failed to add relationship: %w", ErrDuplicateKey)
		}
		return fmt.Errorf("failed to add relationship: %w", err)
	}

	return nil
}

// RemoveRelationship unlinks parent and child. Removing a missing link is not an error.
func (s *SQLiteStorage) RemoveRelationship(ctx context.Context, parentID, childID string) error {
	if !s.IsReady() {
		return ErrNotReady
	}

	err := s.db.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM offline_item_relationships WHERE parent_id = ? AND child_id = ?`, parentID, childID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to remove relationship: %w", err)
	}
	return nil
}

// Children returns the direct children of an item ordered by position
func (s *SQLiteStorage) Children(ctx context.Context, parentID string) ([]*Item, error) {
	if !s.IsReady() {
		return nil, ErrNotReady
	}

	query := `
		SELECT ` + prefixed("i", itemColumns) + `
		FROM offline_items i
		JOIN offline_item_relationships r ON r.child_id = i.id
		WHERE r.parent_id = ?
		ORDER BY r.position, i.id`

	return s.queryItems(ctx, query, parentID)
}

// Parents returns the items that own the given item
func (s *SQLiteStorage) Parents(ctx context.Context, childID string) ([]*Item, error) {
	if !s.IsReady() {
		return nil, ErrNotReady
	}

	query := `
		SELECT ` + prefixed("i", itemColumns) + `
		FROM offline_items i
		JOIN offline_item_relationships r ON r.parent_id = i.id
		WHERE r.child_id = ?
		ORDER BY i.created_at, i.id`

	return s.queryItems(ctx, query, childID)
}

// SubtreeSize sums the size of the item and all of its descendants, each
// counted once even when reachable through several parents
func (s *SQLiteStorage) SubtreeSize(ctx context.Context, id string) (int64, error) {
	if !s.IsReady() {
		return 0, ErrNotReady
	}

	item, err := s.GetItem(ctx, id)
	if err != nil {
		return 0, err
	}
	if item == nil {
		return 0, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}

	query := `
		WITH RECURSIVE subtree(id) AS (
			SELECT ?
			UNION
			SELECT r.child_id FROM offline_item_relationships r JOIN subtree s ON r.parent_id = s.id
		)
		SELECT COALESCE(SUM(i.size_bytes), 0) FROM offline_items i JOIN subtree s ON i.id = s.id`

	var size int64
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&size); err != nil {
		return 0, fmt.Errorf("failed to compute subtree size: %w", err)
	}
	return size, nil
}

// OrphanedItems returns items that no parent owns and nobody requested
func (s *SQLiteStorage) OrphanedItems(ctx context.Context) ([]*Item, error) {
	if !s.IsReady() {
		return nil, ErrNotReady
	}

	query := `
		SELECT ` + itemColumns + ` FROM offline_items i
		WHERE i.requested = 0
		AND NOT EXISTS (SELECT 1 FROM offline_item_relationships r WHERE r.child_id = i.id)
		ORDER BY i.created_at, i.id`

	return s.queryItems(ctx, query)
}

// CleanupOrphans deletes orphaned items until none remain
func (s *SQLiteStorage) CleanupOrphans(ctx context.Context) ([]*Item, error) {
	var removed []*Item
	for {
		orphans, err := s.OrphanedItems(ctx)
		if err != nil {
			return removed, err
		}
		if len(orphans) == 0 {
			return removed, nil
		}

		for _, orphan := range orphans {
			if err := s.DeleteItem(ctx, orphan.ID); err != nil && !errors.Is(err, ErrNotFound) {
				return removed, err
			}
			removed = append(removed, orphan)
		}
	}
}

// PathFor returns where the item's bytes live, defaulting to a file named
// after the item ID inside the data directory
func (s *SQLiteStorage) PathFor(item *Item) string {
	if item.LocalPath != "" {
		return item.LocalPath
	}
	return s.blobs.PathFor(item.ID)
}

// OpenWriter opens the item's byte file for writing at offset, discarding
// anything past it. When fewer than offset bytes are on disk the writer
// starts from zero; callers must use the returned writer's Offset.
func (s *SQLiteStorage) OpenWriter(ctx context.Context, item *Item, offset int64) (*BlobWriter, error) {
	if !s.IsReady() {
		return nil, ErrNotReady
	}

	if item.LocalPath == "" {
		localPath := s.PathFor(item)
		err := s.db.Write(ctx, func(tx *sql.Tx) error {
			result, err := tx.ExecContext(ctx,
				`UPDATE offline_items SET local_path = ?, updated_at = ? WHERE id = ?`,
				localPath, time.Now().UTC().UnixNano(), item.ID)
			if err != nil {
				return err
			}
			return expectAffected(result, item.ID)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to assign local path: %w", err)
		}
		item.LocalPath = localPath
	}

	return s.blobs.OpenWriter(item.LocalPath, offset)
}

// RecordProgress checkpoints the number of bytes safely on disk
func (s *SQLiteStorage) RecordProgress(ctx context.Context, id string, downloadedBytes, sizeBytes int64) error {
	if !s.IsReady() {
		return ErrNotReady
	}

	err := s.db.Write(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE offline_items SET downloaded_bytes = ?, size_bytes = ?, updated_at = ? WHERE id = ?`,
			downloadedBytes, sizeBytes, time.Now().UTC().UnixNano(), id)
		if err != nil {
			return err
		}
		return expectAffected(result, id)
	})
	if err != nil {
		return fmt.Errorf("failed to record progress: %w", err)
	}
	return nil
}

// MarkState moves an item to state, storing lastErr's message when set
func (s *SQLiteStorage) MarkState(ctx context.Context, id string, state ItemState, lastErr error) error {
	if !s.IsReady() {
		return ErrNotReady
	}

	message := ""
	if lastErr != nil {
		message = lastErr.Error()
	}

	err := s.db.Write(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE offline_items SET state = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			string(state), message, time.Now().UTC().UnixNano(), id)
		if err != nil {
			return err
		}
		return expectAffected(result, id)
	})
	if err != nil {
		return fmt.Errorf("failed to mark item %s %s: %w", id, state, err)
	}
	return nil
}

// Heal reconciles catalog rows with the bytes on disk. Complete rows without
// matching bytes are removed, partial rows are rewound to the bytes actually
// present, and files no row references are deleted. Every repair is logged
// and returned.
func (s *SQLiteStorage) Heal(ctx context.Context) ([]*CorruptionError, error) {
	if !s.IsReady() {
		return nil, ErrNotReady
	}

	items, err := s.queryItems(ctx, `SELECT `+itemColumns+` FROM offline_items WHERE local_path <> ''`)
	if err != nil {
		return nil, err
	}

	var repairs []*CorruptionError
	referenced := make(map[string]bool, len(items))

	for _, item := range items {
		size, exists, err := s.blobs.Size(item.LocalPath)
		if err != nil {
			return repairs, err
		}

		switch {
		case item.State == StateComplete && (!exists || size != item.SizeBytes):
			repairs = append(repairs, &CorruptionError{
				Store: "offline", Key: item.ID, Path: item.LocalPath,
				Reason: fmt.Sprintf("complete item has %d bytes on disk, expected %d", size, item.SizeBytes),
			})
			if err := s.DeleteItem(ctx, item.ID); err != nil && !errors.Is(err, ErrNotFound) {
				return repairs, err
			}
			continue
		case size < item.DownloadedBytes:
			repairs = append(repairs, &CorruptionError{
				Store: "offline", Key: item.ID, Path: item.LocalPath,
				Reason: fmt.Sprintf("checkpoint at %d bytes but %d on disk", item.DownloadedBytes, size),
			})
			if err := s.RecordProgress(ctx, item.ID, size, item.SizeBytes); err != nil {
				return repairs, err
			}
		}

		referenced[item.LocalPath] = true
	}

	orphans, err := s.blobs.Unreferenced(referenced)
	if err != nil {
		return repairs, err
	}
	for _, path := range orphans {
		repairs = append(repairs, &CorruptionError{
			Store: "offline", Path: path, Reason: "bytes without catalog row",
		})
		if err := s.blobs.Remove(path); err != nil {
			return repairs, err
		}
	}

	for _, repair := range repairs {
		s.logger.Warn("healed offline storage", "error", repair)
	}

	return repairs, nil
}

// queryItems runs a query returning item rows
func (s *SQLiteStorage) queryItems(ctx context.Context, query string, args ...interface{}) ([]*Item, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		results = append(results, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}

	return results, nil
}

// rowScanner is implemented by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	item := &Item{}
	var state string
	var createdAt, updatedAt int64

	err := row.Scan(
		&item.ID, &item.ProductID, &item.ProductType, &state, &item.SizeBytes, &item.DownloadedBytes,
		&item.LocalPath, &item.SourceURL, &item.Requested, &item.LastError, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.State = ItemState(state)
	item.CreatedAt = time.Unix(0, createdAt).UTC()
	item.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return item, nil
}

func getItemTx(ctx context.Context, tx *sql.Tx, id string) (*Item, error) {
	item, err := scanItem(tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM offline_items WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return item, nil
}

func descendantsTx(ctx context.Context, tx *sql.Tx, id string) ([]*Item, error) {
	query := `
		WITH RECURSIVE subtree(id) AS (
			SELECT child_id FROM offline_item_relationships WHERE parent_id = ?
			UNION
			SELECT r.child_id FROM offline_item_relationships r JOIN subtree s ON r.parent_id = s.id
		)
		SELECT ` + prefixed("i", itemColumns) + ` FROM offline_items i JOIN subtree s ON i.id = s.id
		WHERE i.id <> ?`

	rows, err := tx.QueryContext(ctx, query, id, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func parentIDsTx(ctx context.Context, tx *sql.Tx, childID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT parent_id FROM offline_item_relationships WHERE child_id = ?`, childID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func validateItem(item *Item) error {
	if item.ID == "" {
		return fmt.Errorf("item ID cannot be empty")
	}
	if item.ProductID == "" {
		return fmt.Errorf("item ProductID cannot be empty")
	}
	if item.ProductType == "" {
		return fmt.Errorf("item ProductType cannot be empty")
	}
	if item.SizeBytes < 0 || item.DownloadedBytes < 0 {
		return fmt.Errorf("item sizes cannot be negative")
	}
	return nil
}

func expectAffected(result sql.Result, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	return nil
}

// IsDuplicate reports whether err is a SQLite primary key or unique
// constraint violation
func IsDuplicate(err error) bool {
	return isConstraint(err, sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey)
}

func isConstraint(err error, codes ...sqlite3.ErrNoExtended) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	for _, code := range codes {
		if sqliteErr.ExtendedCode == code {
			return true
		}
	}
	return false
}

// prefixed qualifies a comma separated column list with a table alias
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = alias + "." + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}
