package cache

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sho7650/media-offline/internal/storage"
)

type storeFactory struct {
	name string
	new  func(t *testing.T) ContentStore
}

func storeFactories() []storeFactory {
	return []storeFactory{
		{name: "memory", new: func(t *testing.T) ContentStore { return NewMemoryStorage() }},
		{name: "sqlite", new: func(t *testing.T) ContentStore { return setupSQLiteCache(t, t.TempDir()) }},
	}
}

func setupSQLiteCache(t *testing.T, dir string) *SQLiteStorage {
	t.Helper()
	store := NewSQLiteStorage(filepath.Join(dir, "cache.db"), filepath.Join(dir, "blobs"), nil)
	require.NoError(t, store.Initialize(context.Background()), "Cache initialization should succeed")
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Logf("Failed to close cache: %v", err)
		}
	})
	return store
}

func assertTotalMatches(t *testing.T, store Storage) {
	t.Helper()
	ctx := context.Background()

	entries, err := store.GetAll(ctx)
	require.NoError(t, err)
	var sum int64
	for _, entry := range entries {
		sum += entry.Size
	}

	total, err := store.TotalSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, sum, total, "TotalSize should equal the sum of entry sizes")
}

func saveEntries(t *testing.T, store Storage, sizes ...int64) {
	t.Helper()
	for i, size := range sizes {
		entry := &Entry{Key: fmt.Sprintf("k%d", i), Type: EntryTypeHLS, URL: fmt.Sprintf("https://cdn.example.com/seg%d.ts", i), Size: size}
		require.NoError(t, store.Save(context.Background(), entry))
	}
}

func keysOf(entries []*Entry) []string {
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		keys = append(keys, entry.Key)
	}
	return keys
}

func TestStorage_Contract(t *testing.T) {
	ctx := context.Background()

	for _, factory := range storeFactories() {
		t.Run(factory.name, func(t *testing.T) {
			t.Run("Save and get", func(t *testing.T) {
				store := factory.new(t)
				entry := &Entry{Key: "seg-1", Type: EntryTypeHLS, URL: "https://cdn.example.com/seg1.ts", Size: 100}
				require.NoError(t, store.Save(ctx, entry))
				assert.False(t, entry.LastAccessedAt.IsZero(), "Save should stamp the access time")

				got, err := store.Get(ctx, "seg-1")
				require.NoError(t, err)
				require.NotNil(t, got)
				assert.Equal(t, entry.Type, got.Type)
				assert.Equal(t, entry.URL, got.URL)
				assert.Equal(t, entry.Size, got.Size)
				assert.True(t, got.LastAccessedAt.After(entry.LastAccessedAt), "Get should refresh the access time")

				missing, err := store.Get(ctx, "nope")
				require.NoError(t, err)
				assert.Nil(t, missing)
			})

			t.Run("Unknown entry types are kept", func(t *testing.T) {
				store := factory.new(t)
				require.NoError(t, store.Save(ctx, &Entry{Key: "k", Type: EntryType("dash"), Size: 1}))
				got, err := store.Get(ctx, "k")
				require.NoError(t, err)
				assert.Equal(t, EntryType("dash"), got.Type)
			})

			t.Run("Duplicate save is rejected", func(t *testing.T) {
				store := factory.new(t)
				require.NoError(t, store.Save(ctx, &Entry{Key: "k", Size: 1}))
				err := store.Save(ctx, &Entry{Key: "k", Size: 2})
				assert.ErrorIs(t, err, ErrDuplicateKey)
				assert.ErrorIs(t, err, storage.ErrDuplicateKey)
				assertTotalMatches(t, store)
			})

			t.Run("Invalid entries are rejected", func(t *testing.T) {
				store := factory.new(t)
				assert.Error(t, store.Save(ctx, &Entry{Size: 1}))
				assert.Error(t, store.Save(ctx, &Entry{Key: "neg", Size: -1}))
				_, err := store.PruneToSize(ctx, -1)
				assert.Error(t, err)
			})

			t.Run("Update replaces fields", func(t *testing.T) {
				store := factory.new(t)
				require.NoError(t, store.Save(ctx, &Entry{Key: "k", Type: EntryTypeRaw, URL: "a", Size: 10}))
				require.NoError(t, store.Update(ctx, &Entry{Key: "k", Type: EntryTypeHLS, URL: "b", Size: 30}))

				got, err := store.Get(ctx, "k")
				require.NoError(t, err)
				assert.Equal(t, EntryTypeHLS, got.Type)
				assert.Equal(t, "b", got.URL)
				assert.Equal(t, int64(30), got.Size)
				assertTotalMatches(t, store)

				err = store.Update(ctx, &Entry{Key: "missing", Size: 1})
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("Delete is idempotent", func(t *testing.T) {
				store := factory.new(t)
				saveEntries(t, store, 5, 7)
				require.NoError(t, store.Delete(ctx, "k0"))
				require.NoError(t, store.Delete(ctx, "k0"))
				require.NoError(t, store.Delete(ctx, "never"))

				total, err := store.TotalSize(ctx)
				require.NoError(t, err)
				assert.Equal(t, int64(7), total)
				assertTotalMatches(t, store)
			})

			t.Run("Prune evicts least recently accessed first", func(t *testing.T) {
				store := factory.new(t)
				saveEntries(t, store, 100, 200, 300, 400)

				// k0 becomes the most recently used entry
				_, err := store.Get(ctx, "k0")
				require.NoError(t, err)

				evicted, err := store.PruneToSize(ctx, 500)
				require.NoError(t, err)
				assert.Equal(t, []string{"k1", "k2"}, keysOf(evicted))

				total, err := store.TotalSize(ctx)
				require.NoError(t, err)
				assert.Equal(t, int64(500), total)
				assertTotalMatches(t, store)
			})

			t.Run("Prune under budget is a no-op", func(t *testing.T) {
				store := factory.new(t)
				saveEntries(t, store, 10, 20)
				evicted, err := store.PruneToSize(ctx, 30)
				require.NoError(t, err)
				assert.Empty(t, evicted)
			})

			t.Run("Prune to zero empties the store", func(t *testing.T) {
				store := factory.new(t)
				saveEntries(t, store, 10, 20, 30)
				evicted, err := store.PruneToSize(ctx, 0)
				require.NoError(t, err)
				assert.Len(t, evicted, 3)

				entries, err := store.GetAll(ctx)
				require.NoError(t, err)
				assert.Empty(t, entries)
			})

			t.Run("Entry larger than the budget is evicted", func(t *testing.T) {
				store := factory.new(t)
				saveEntries(t, store, 10, 1000)
				_, err := store.Get(ctx, "k1")
				require.NoError(t, err)

				evicted, err := store.PruneToSize(ctx, 500)
				require.NoError(t, err)
				assert.Equal(t, []string{"k0", "k1"}, keysOf(evicted))
			})

			t.Run("Equal access times evict oldest insertion first", func(t *testing.T) {
				store := factory.new(t)
				at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
				for _, key := range []string{"first", "second", "third"} {
					require.NoError(t, store.Save(ctx, &Entry{Key: key, Size: 10, LastAccessedAt: at}))
				}

				evicted, err := store.PruneToSize(ctx, 10)
				require.NoError(t, err)
				assert.Equal(t, []string{"first", "second"}, keysOf(evicted))
			})

			t.Run("Explicit access times order eviction", func(t *testing.T) {
				store := factory.new(t)
				base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
				require.NoError(t, store.Save(ctx, &Entry{Key: "newer", Size: 10, LastAccessedAt: base.Add(time.Hour)}))
				require.NoError(t, store.Save(ctx, &Entry{Key: "older", Size: 10, LastAccessedAt: base}))

				evicted, err := store.PruneToSize(ctx, 10)
				require.NoError(t, err)
				assert.Equal(t, []string{"older"}, keysOf(evicted))

				// A later touch must still rank above the explicit future stamp
				require.NoError(t, store.Save(ctx, &Entry{Key: "fresh", Size: 10}))
				_, err = store.Get(ctx, "fresh")
				require.NoError(t, err)
				evicted, err = store.PruneToSize(ctx, 10)
				require.NoError(t, err)
				assert.Equal(t, []string{"newer"}, keysOf(evicted))
			})

			t.Run("Write and open bytes", func(t *testing.T) {
				store := factory.new(t)
				entry, err := store.Write(ctx, "seg/1", EntryTypeHLS, strings.NewReader("segment-bytes"))
				require.NoError(t, err)
				assert.Equal(t, int64(len("segment-bytes")), entry.Size)

				rc, opened, err := store.Open(ctx, "seg/1")
				require.NoError(t, err)
				require.NotNil(t, rc)
				data, err := io.ReadAll(rc)
				require.NoError(t, err)
				require.NoError(t, rc.Close())
				assert.Equal(t, "segment-bytes", string(data))
				assert.True(t, opened.LastAccessedAt.After(entry.LastAccessedAt))

				// Rewriting the key replaces bytes and size
				_, err = store.Write(ctx, "seg/1", EntryTypeHLS, strings.NewReader("v2"))
				require.NoError(t, err)
				total, err := store.TotalSize(ctx)
				require.NoError(t, err)
				assert.Equal(t, int64(2), total)

				rc, _, err = store.Open(ctx, "missing")
				require.NoError(t, err)
				assert.Nil(t, rc)
			})

			t.Run("Total size invariant across a mixed sequence", func(t *testing.T) {
				store := factory.new(t)
				saveEntries(t, store, 1, 2, 3, 4, 5, 6)
				assertTotalMatches(t, store)
				require.NoError(t, store.Delete(ctx, "k2"))
				assertTotalMatches(t, store)
				require.NoError(t, store.Update(ctx, &Entry{Key: "k3", Size: 40}))
				assertTotalMatches(t, store)
				_, err := store.Write(ctx, "w", EntryTypeRaw, strings.NewReader("12345"))
				require.NoError(t, err)
				assertTotalMatches(t, store)
				_, err = store.PruneToSize(ctx, 20)
				require.NoError(t, err)
				assertTotalMatches(t, store)

				total, err := store.TotalSize(ctx)
				require.NoError(t, err)
				assert.LessOrEqual(t, total, int64(20))
			})
		})
	}
}

func TestSQLiteStorage_Bytes(t *testing.T) {
	ctx := context.Background()

	t.Run("Delete and prune remove owned bytes", func(t *testing.T) {
		store := setupSQLiteCache(t, t.TempDir())
		a, err := store.Write(ctx, "a", EntryTypeRaw, strings.NewReader("aaaa"))
		require.NoError(t, err)
		b, err := store.Write(ctx, "b", EntryTypeRaw, strings.NewReader("bbbb"))
		require.NoError(t, err)

		require.NoError(t, store.Delete(ctx, "a"))
		_, err = os.Stat(a.URL)
		assert.True(t, os.IsNotExist(err))

		_, err = store.PruneToSize(ctx, 0)
		require.NoError(t, err)
		_, err = os.Stat(b.URL)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("Entries outside the cache directory keep their files", func(t *testing.T) {
		store := setupSQLiteCache(t, t.TempDir())
		external := filepath.Join(t.TempDir(), "external.ts")
		require.NoError(t, os.WriteFile(external, []byte("x"), 0o644))

		require.NoError(t, store.Save(ctx, &Entry{Key: "ext", URL: external, Size: 1}))
		require.NoError(t, store.Delete(ctx, "ext"))
		_, err := os.Stat(external)
		assert.NoError(t, err)
	})

	t.Run("Failed rewrite keeps the previous bytes", func(t *testing.T) {
		dir := t.TempDir()
		store := setupSQLiteCache(t, dir)
		first, err := store.Write(ctx, "seg", EntryTypeHLS, strings.NewReader("first"))
		require.NoError(t, err)

		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		_, err = store.Write(cancelled, "seg", EntryTypeHLS, strings.NewReader("second, longer"))
		require.Error(t, err)

		rc, entry, err := store.Open(ctx, "seg")
		require.NoError(t, err)
		require.NotNil(t, rc)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		assert.Equal(t, "first", string(data))
		assert.Equal(t, first.URL, entry.URL)
		assert.Equal(t, int64(len(data)), entry.Size)

		files, err := os.ReadDir(filepath.Join(dir, "blobs"))
		require.NoError(t, err)
		assert.Len(t, files, 1, "The unrecorded blob should be removed")
	})

	t.Run("Rewrite replaces the blob", func(t *testing.T) {
		dir := t.TempDir()
		store := setupSQLiteCache(t, dir)
		first, err := store.Write(ctx, "seg", EntryTypeHLS, strings.NewReader("first"))
		require.NoError(t, err)
		second, err := store.Write(ctx, "seg", EntryTypeHLS, strings.NewReader("second"))
		require.NoError(t, err)

		assert.NotEqual(t, first.URL, second.URL)
		_, err = os.Stat(first.URL)
		assert.True(t, os.IsNotExist(err))
		files, err := os.ReadDir(filepath.Join(dir, "blobs"))
		require.NoError(t, err)
		assert.Len(t, files, 1)
	})

	t.Run("Open drops an entry whose bytes vanished", func(t *testing.T) {
		store := setupSQLiteCache(t, t.TempDir())
		entry, err := store.Write(ctx, "gone", EntryTypeRaw, strings.NewReader("data"))
		require.NoError(t, err)
		require.NoError(t, os.Remove(entry.URL))

		rc, _, err := store.Open(ctx, "gone")
		require.NoError(t, err)
		assert.Nil(t, rc)

		got, err := store.Get(ctx, "gone")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestSQLiteStorage_Heal(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store := NewSQLiteStorage(filepath.Join(dir, "cache.db"), filepath.Join(dir, "blobs"), nil)
	require.NoError(t, store.Initialize(ctx))

	kept, err := store.Write(ctx, "kept", EntryTypeRaw, strings.NewReader("keep"))
	require.NoError(t, err)
	lost, err := store.Write(ctx, "lost", EntryTypeRaw, strings.NewReader("lost"))
	require.NoError(t, err)
	truncated, err := store.Write(ctx, "truncated", EntryTypeRaw, strings.NewReader("0123456789"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Simulate a crash: bytes vanish, bytes shrink, stray blob and temp file appear
	require.NoError(t, os.Remove(lost.URL))
	require.NoError(t, os.WriteFile(truncated.URL, []byte("01"), 0o644))
	stray := filepath.Join(dir, "blobs", "stray.blob")
	require.NoError(t, os.WriteFile(stray, []byte("s"), 0o644))
	tmp := filepath.Join(dir, "blobs", "partial-1.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("t"), 0o644))

	reopened := setupSQLiteCache(t, dir)

	entries, err := reopened.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"kept"}, keysOf(entries), "Initialize should heal orphaned rows")

	for _, path := range []string{lost.URL, truncated.URL, stray, tmp} {
		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err), "%s should be removed", path)
	}
	_, err = os.Stat(kept.URL)
	assert.NoError(t, err)

	repairs, err := reopened.Heal(ctx)
	require.NoError(t, err)
	assert.Empty(t, repairs, "A healed cache stays healthy")

	t.Run("Heal reports corruption", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "blobs", "again.blob"), nil, 0o644))
		repairs, err := reopened.Heal(ctx)
		require.NoError(t, err)
		require.Len(t, repairs, 1)
		assert.ErrorIs(t, repairs[0], storage.ErrStorageCorruption)
	})
}

func TestSQLiteStorage_HealExternalEntries(t *testing.T) {
	ctx := context.Background()
	store := setupSQLiteCache(t, t.TempDir())
	outside := t.TempDir()

	present := filepath.Join(outside, "present.ts")
	require.NoError(t, os.WriteFile(present, []byte("p"), 0o644))
	missing := filepath.Join(outside, "missing.ts")
	require.NoError(t, os.WriteFile(missing, []byte("m"), 0o644))

	require.NoError(t, store.Save(ctx, &Entry{Key: "present", URL: present, Size: 1}))
	require.NoError(t, store.Save(ctx, &Entry{Key: "missing", URL: missing, Size: 1}))
	require.NoError(t, store.Save(ctx, &Entry{Key: "remote", URL: "https://cdn.example.com/seg.ts", Size: 1}))
	require.NoError(t, os.Remove(missing))

	repairs, err := store.Heal(ctx)
	require.NoError(t, err)
	require.Len(t, repairs, 1)
	assert.ErrorIs(t, repairs[0], storage.ErrStorageCorruption)

	entries, err := store.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"present", "remote"}, keysOf(entries))
	assertTotalMatches(t, store)

	_, err = os.Stat(present)
	assert.NoError(t, err, "Files outside the cache directory are never removed")
}

func TestSQLiteStorage_RecencySurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store := NewSQLiteStorage(filepath.Join(dir, "cache.db"), filepath.Join(dir, "blobs"), nil)
	require.NoError(t, store.Initialize(ctx))
	saveEntries(t, store, 10, 10, 10)
	_, err := store.Get(ctx, "k0")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened := setupSQLiteCache(t, dir)
	evicted, err := reopened.PruneToSize(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"k1", "k2"}, keysOf(evicted))
}

func TestSQLiteStorage_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	store := setupSQLiteCache(t, t.TempDir())

	const workers = 8
	done := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func(id int) {
			for j := 0; j < 10; j++ {
				key := fmt.Sprintf("w%d-%d", id, j%3)
				if _, err := store.Write(ctx, key, EntryTypeHLS, strings.NewReader(strings.Repeat("x", j+1))); err != nil {
					done <- err
					return
				}
				if _, err := store.Get(ctx, key); err != nil {
					done <- err
					return
				}
				if _, err := store.PruneToSize(ctx, 50); err != nil {
					done <- err
					return
				}
			}
			done <- nil
		}(i)
	}
	for i := 0; i < workers; i++ {
		require.NoError(t, <-done)
	}

	assertTotalMatches(t, store)
	total, err := store.TotalSize(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, total, int64(50))
}
