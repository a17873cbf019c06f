package cache

import "github.com/sho7650/media-offline/internal/storage"

var cacheMigrations = []storage.Migration{
	{
		Version: 1,
		Name:    "create_cache_entries",
		Up: `
		CREATE TABLE IF NOT EXISTS cache_entries (
			key TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			url TEXT NOT NULL,
			last_accessed_at INTEGER NOT NULL,
			size INTEGER NOT NULL CHECK (size >= 0),
			seq INTEGER NOT NULL
		)`,
		Down: `DROP TABLE IF EXISTS cache_entries`,
	},
	{
		Version: 2,
		Name:    "create_cache_lru_index",
		Up:      `CREATE INDEX IF NOT EXISTS idx_cache_entries_lru ON cache_entries(last_accessed_at, seq)`,
		Down:    `DROP INDEX IF EXISTS idx_cache_entries_lru`,
	},
}

// Migrations returns a copy of the cache schema migrations
func Migrations() []storage.Migration {
	migrations := make([]storage.Migration, len(cacheMigrations))
	copy(migrations, cacheMigrations)
	return migrations
}
