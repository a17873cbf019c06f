package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
)

// MemoryStorage is a volatile ContentStore. It follows the same contract as
// SQLiteStorage and keeps bytes in memory.
type MemoryStorage struct {
	mu      sync.Mutex
	pruneMu sync.Mutex
	entries map[string]*memoryEntry
	seq     int64
	clock   accessClock
}

type memoryEntry struct {
	entry Entry
	seq   int64
	data  []byte
}

// Ensure MemoryStorage implements ContentStore
var _ ContentStore = (*MemoryStorage)(nil)

// NewMemoryStorage creates an empty in-memory cache
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{entries: make(map[string]*memoryEntry)}
}

// Save adds a new entry. A zero LastAccessedAt is stamped with the current
// time; an existing key fails with ErrDuplicateKey.
func (m *MemoryStorage) Save(ctx context.Context, entry *Entry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[entry.Key]; exists {
		return fmt.Errorf("failed to save cache entry %s: %w", entry.Key, ErrDuplicateKey)
	}
	m.stamp(entry)
	m.seq++
	m.entries[entry.Key] = &memoryEntry{entry: *entry, seq: m.seq}
	return nil
}

// Get returns the entry for key, nil when absent, and marks it most
// recently used
func (m *MemoryStorage) Get(ctx context.Context, key string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	stored.entry.LastAccessedAt = m.clock.now()
	entry := stored.entry
	return &entry, nil
}

// Delete removes the entry and its bytes. Deleting a missing key is not an error.
func (m *MemoryStorage) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

// Update replaces every field of an existing entry. Bytes are dropped when
// the URL changes.
func (m *MemoryStorage) Update(ctx context.Context, entry *Entry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.entries[entry.Key]
	if !ok {
		return fmt.Errorf("failed to update cache entry: cache entry %s: %w", entry.Key, ErrNotFound)
	}
	m.stamp(entry)
	if stored.entry.URL != entry.URL {
		stored.data = nil
	}
	stored.entry = *entry
	return nil
}

// GetAll returns every entry ordered by key
func (m *MemoryStorage) GetAll(ctx context.Context) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]*Entry, 0, len(m.entries))
	for _, stored := range m.entries {
		entry := stored.entry
		entries = append(entries, &entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// TotalSize returns the sum of all entry sizes
func (m *MemoryStorage) TotalSize(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.totalLocked(), nil
}

// PruneToSize evicts in the same order as SQLiteStorage.PruneToSize
func (m *MemoryStorage) PruneToSize(ctx context.Context, maxSize int64) ([]*Entry, error) {
	if err := validateBudget(maxSize); err != nil {
		return nil, err
	}

	m.pruneMu.Lock()
	defer m.pruneMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	victims := make([]*memoryEntry, 0, len(m.entries))
	for _, stored := range m.entries {
		victims = append(victims, stored)
	}
	sort.Slice(victims, func(i, j int) bool {
		a, b := victims[i], victims[j]
		if !a.entry.LastAccessedAt.Equal(b.entry.LastAccessedAt) {
			return a.entry.LastAccessedAt.Before(b.entry.LastAccessedAt)
		}
		return a.seq < b.seq
	})

	total := m.totalLocked()
	var evicted []*Entry
	for _, victim := range victims {
		if total <= maxSize {
			break
		}
		if err := ctx.Err(); err != nil {
			return evicted, err
		}
		delete(m.entries, victim.entry.Key)
		total -= victim.entry.Size
		entry := victim.entry
		evicted = append(evicted, &entry)
	}
	return evicted, nil
}

// Write stores the bytes of r under key, replacing any previous entry
func (m *MemoryStorage) Write(ctx context.Context, key string, typ EntryType, r io.Reader) (*Entry, error) {
	if key == "" {
		return nil, fmt.Errorf("cache entry key cannot be empty")
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to write cache bytes for %s: %w", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry := Entry{
		Key:            key,
		Type:           typ,
		URL:            "memory://" + key,
		Size:           int64(len(data)),
		LastAccessedAt: m.clock.now(),
	}
	if stored, ok := m.entries[key]; ok {
		stored.entry = entry
		stored.data = data
	} else {
		m.seq++
		m.entries[key] = &memoryEntry{entry: entry, seq: m.seq, data: data}
	}
	return &entry, nil
}

// Open returns the bytes for key and marks the entry most recently used.
// An entry saved without bytes is reported as a miss.
func (m *MemoryStorage) Open(ctx context.Context, key string) (io.ReadCloser, *Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.entries[key]
	if !ok {
		return nil, nil, nil
	}
	if stored.data == nil {
		// Saved without bytes: nothing to serve
		return nil, nil, nil
	}
	stored.entry.LastAccessedAt = m.clock.now()
	entry := stored.entry
	return io.NopCloser(bytes.NewReader(stored.data)), &entry, nil
}

func (m *MemoryStorage) stamp(entry *Entry) {
	if entry.LastAccessedAt.IsZero() {
		entry.LastAccessedAt = m.clock.now()
		return
	}
	m.clock.observe(entry.LastAccessedAt)
}

func (m *MemoryStorage) totalLocked() int64 {
	var total int64
	for _, stored := range m.entries {
		total += stored.entry.Size
	}
	return total
}
