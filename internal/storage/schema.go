package storage

// offlineMigrations is the ordered schema of the offline catalog. Every
// statement is guarded so a replay against an existing schema is harmless.
var offlineMigrations = []Migration{
	{
		Version: 1,
		Name:    "create_offline_items",
		Up: `
		CREATE TABLE IF NOT EXISTS offline_items (
			id TEXT PRIMARY KEY,
			product_id TEXT NOT NULL,
			product_type TEXT NOT NULL,
			state TEXT NOT NULL,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			downloaded_bytes INTEGER NOT NULL DEFAULT 0,
			local_path TEXT NOT NULL DEFAULT '',
			source_url TEXT NOT NULL DEFAULT '',
			requested INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE(product_type, product_id)
		)`,
		Down: `DROP TABLE IF EXISTS offline_items`,
	},
	{
		Version: 2,
		Name:    "create_offline_item_relationships",
		Up: `
		CREATE TABLE IF NOT EXISTS offline_item_relationships (
			parent_id TEXT NOT NULL REFERENCES offline_items(id) ON DELETE CASCADE,
			child_id TEXT NOT NULL REFERENCES offline_items(id) ON DELETE CASCADE,
			position INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (parent_id, child_id),
			CHECK (parent_id <> child_id)
		)`,
		Down: `DROP TABLE IF EXISTS offline_item_relationships`,
	},
	{
		Version: 3,
		Name:    "create_offline_state_index",
		Up:      `CREATE INDEX IF NOT EXISTS idx_offline_items_state ON offline_items(state)`,
		Down:    `DROP INDEX IF EXISTS idx_offline_items_state`,
	},
	{
		Version: 4,
		Name:    "create_offline_child_index",
		Up:      `CREATE INDEX IF NOT EXISTS idx_offline_relationships_child ON offline_item_relationships(child_id)`,
		Down:    `DROP INDEX IF EXISTS idx_offline_relationships_child`,
	},
}

// OfflineMigrations returns a copy of the offline catalog migrations
func OfflineMigrations() []Migration {
	migrations := make([]Migration, len(offlineMigrations))
	copy(migrations, offlineMigrations)
	return migrations
}
