package sqlite

import "github.com/keepsake-ai/keepsake/internal/storage"

// migrations is the ordered, additive migration set for the SQLite backend.
// Timestamps are stored as unix seconds so expiry predicates are plain
// integer comparisons.
var migrations = []storage.Migration{
	{
		Version: 1,
		Name:    "core_tables",
		SQL: `
CREATE TABLE IF NOT EXISTS personas (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id TEXT NOT NULL,
	persona_id TEXT NOT NULL,
	display_name TEXT,
	description TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE(tenant_id, persona_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id TEXT NOT NULL,
	persona_id TEXT NOT NULL,
	session_id TEXT,
	source_app TEXT,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_scope ON messages(tenant_id, persona_id, created_at DESC);

CREATE TABLE IF NOT EXISTS memory_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id TEXT NOT NULL,
	persona_id TEXT NOT NULL,
	type TEXT NOT NULL,
	mkey TEXT NOT NULL,
	content TEXT NOT NULL,
	tags_json TEXT,
	ttl_seconds INTEGER,
	status TEXT NOT NULL DEFAULT 'candidate',
	scope TEXT NOT NULL DEFAULT 'persona',
	source_type TEXT NOT NULL DEFAULT 'user_explicit',
	source_ref TEXT,
	confidence REAL,
	expires_at INTEGER,
	supersedes_id INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE(tenant_id, persona_id, type, mkey)
);
CREATE INDEX IF NOT EXISTS idx_memory_scope ON memory_items(tenant_id, persona_id, updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_memory_slot ON memory_items(tenant_id, persona_id, type, status);

CREATE TABLE IF NOT EXISTS persona_slots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id TEXT NOT NULL,
	persona_id TEXT NOT NULL,
	slot_name TEXT NOT NULL,
	value_json TEXT NOT NULL,
	provenance_json TEXT,
	updated_at INTEGER NOT NULL,
	UNIQUE(tenant_id, persona_id, slot_name)
);

CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`,
	},
	{
		Version: 2,
		Name:    "goals",
		SQL: `
CREATE TABLE IF NOT EXISTS goals (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id TEXT NOT NULL,
	persona_id TEXT NOT NULL,
	title TEXT NOT NULL,
	details TEXT,
	status TEXT NOT NULL DEFAULT 'active',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_goals_scope ON goals(tenant_id, persona_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS goal_links (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id TEXT NOT NULL,
	persona_id TEXT NOT NULL,
	goal_id INTEGER NOT NULL,
	memory_id INTEGER,
	note TEXT,
	created_at INTEGER NOT NULL
);
`,
	},
}

// FTS virtual tables are created by the startup probe rather than a
// migration: FTS5 availability depends on how the SQLite library was built,
// and a missing module must downgrade search instead of failing migration.
const (
	ftsMemorySQL   = `CREATE VIRTUAL TABLE IF NOT EXISTS fts_memory USING fts5(content, tenant_id, persona_id);`
	ftsMessagesSQL = `CREATE VIRTUAL TABLE IF NOT EXISTS fts_messages USING fts5(content, tenant_id, persona_id);`
)
