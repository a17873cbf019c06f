package storage

import (
	"context"
	"time"
)

// OfflineStorage defines the contract for the offline catalog and the
// downloaded bytes it owns
type OfflineStorage interface {
	// Lifecycle
	Initialize(ctx context.Context) error
	Close() error
	IsReady() bool

	// Item operations
	CreateItem(ctx context.Context, item *Item) error
	UpdateItem(ctx context.Context, item *Item) error
	DeleteItem(ctx context.Context, id string) error
	DeleteSubtree(ctx context.Context, id string) ([]*Item, error)
	DeleteAll(ctx context.Context) error
	GetItem(ctx context.Context, id string) (*Item, error)
	GetItemByProduct(ctx context.Context, productType, productID string) (*Item, error)
	ListItems(ctx context.Context, query ItemQuery) ([]*Item, error)

	// Relationship operations
	AddRelationship(ctx context.Context, rel Relationship) error
	RemoveRelationship(ctx context.Context, parentID, childID string) error
	Children(ctx context.Context, parentID string) ([]*Item, error)
	Parents(ctx context.Context, childID string) ([]*Item, error)
	SubtreeSize(ctx context.Context, id string) (int64, error)
	OrphanedItems(ctx context.Context) ([]*Item, error)
	CleanupOrphans(ctx context.Context) ([]*Item, error)

	// Byte ownership
	PathFor(item *Item) string
	OpenWriter(ctx context.Context, item *Item, offset int64) (*BlobWriter, error)
	RecordProgress(ctx context.Context, id string, downloadedBytes, sizeBytes int64) error
	MarkState(ctx context.Context, id string, state ItemState, lastErr error) error
	Heal(ctx context.Context) ([]*CorruptionError, error)
}

// ItemState is the persisted download state of an offline item
type ItemState string

const (
	StatePending    ItemState = "pending"
	StateInProgress ItemState = "in_progress"
	StateComplete   ItemState = "complete"
	StateFailed     ItemState = "failed"
)

// Item is the persistent record of an offline media product
type Item struct {
	ID              string    `json:"id" db:"id"`
	ProductID       string    `json:"product_id" db:"product_id"`
	ProductType     string    `json:"product_type" db:"product_type"`
	State           ItemState `json:"state" db:"state"`
	SizeBytes       int64     `json:"size_bytes" db:"size_bytes"`
	DownloadedBytes int64     `json:"downloaded_bytes" db:"downloaded_bytes"`
	LocalPath       string    `json:"local_path,omitempty" db:"local_path"`
	SourceURL       string    `json:"source_url,omitempty" db:"source_url"`
	Requested       bool      `json:"requested" db:"requested"`
	LastError       string    `json:"last_error,omitempty" db:"last_error"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// Relationship links a parent item (album, playlist) to a child item
type Relationship struct {
	ParentID  string    `json:"parent_id" db:"parent_id"`
	ChildID   string    `json:"child_id" db:"child_id"`
	Position  int       `json:"position" db:"position"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ItemQuery defines search parameters for offline items
type ItemQuery struct {
	ProductType string
	State       ItemState
	Requested   *bool
	Limit       int
}
