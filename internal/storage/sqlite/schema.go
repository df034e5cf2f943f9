package sqlite

import "github.com/steveyegge/stagegate/internal/storage/migrations"

var schemaMigrations = []migrations.Migration{
	{
		Version:     1,
		Description: "audit entries",
		Up: `
-- Append-only; rows are never updated or deleted
CREATE TABLE IF NOT EXISTS audit_entries (
    trace_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    id TEXT NOT NULL UNIQUE,
    kind TEXT NOT NULL CHECK(kind IN ('decision', 'transition')),
    item_id TEXT NOT NULL DEFAULT '',
    stage TEXT NOT NULL DEFAULT '',
    decision TEXT NOT NULL DEFAULT '',
    change_aware INTEGER NOT NULL DEFAULT 0,
    reason TEXT NOT NULL DEFAULT '',
    constraints TEXT NOT NULL DEFAULT '{}',
    transition TEXT,
    timestamp TEXT NOT NULL,
    PRIMARY KEY (trace_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_audit_entries_item ON audit_entries(item_id);
`,
		Down: `DROP TABLE IF EXISTS audit_entries;`,
	},
	{
		Version:     2,
		Description: "local tracker items, labels and comments",
		Up: `
CREATE TABLE IF NOT EXISTS items (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    title TEXT NOT NULL,
    body TEXT NOT NULL DEFAULT '',
    closed INTEGER NOT NULL DEFAULT 0,
    version INTEGER NOT NULL DEFAULT 1,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS item_labels (
    item_id INTEGER NOT NULL,
    label TEXT NOT NULL,
    position INTEGER NOT NULL,
    PRIMARY KEY (item_id, label),
    FOREIGN KEY (item_id) REFERENCES items(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS item_comments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    item_id INTEGER NOT NULL,
    body TEXT NOT NULL,
    created_at TEXT NOT NULL,
    FOREIGN KEY (item_id) REFERENCES items(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_item_comments_item ON item_comments(item_id);

CREATE TABLE IF NOT EXISTS label_specs (
    name TEXT PRIMARY KEY,
    color TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT ''
);
`,
		Down: `
DROP TABLE IF EXISTS label_specs;
DROP TABLE IF EXISTS item_comments;
DROP TABLE IF EXISTS item_labels;
DROP TABLE IF EXISTS items;
`,
	},
}
