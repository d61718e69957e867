package storage

// schema is shared by Postgres and SQLite. Timestamps are unix nanoseconds.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS project_members (
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		PRIMARY KEY (project_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL CHECK (kind IN ('section', 'task', 'subtask')),
		parent_id TEXT NOT NULL,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		title TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'open',
		assignee_id TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS items_group_position ON items (kind, parent_id, position)`,
	`CREATE INDEX IF NOT EXISTS items_project ON items (project_id)`,
	`CREATE INDEX IF NOT EXISTS items_parent ON items (parent_id)`,
	`CREATE TABLE IF NOT EXISTS group_versions (
		group_key TEXT PRIMARY KEY,
		version BIGINT NOT NULL
	)`,
}
