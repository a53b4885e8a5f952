package store

const schemaDDL = `
CREATE TABLE IF NOT EXISTS frontier (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	url TEXT UNIQUE,
	status TEXT NOT NULL,
	added_at DATETIME NOT NULL,
	last_try DATETIME,
	depth INTEGER NOT NULL DEFAULT 0,
	retries INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_frontier_status_added ON frontier(status, added_at);

CREATE TABLE IF NOT EXISTS visited (
	url TEXT PRIMARY KEY,
	fetched_at DATETIME NOT NULL,
	status_code INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS pages (
	url TEXT PRIMARY KEY,
	content_path TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	title TEXT,
	meta_description TEXT,
	status_code INTEGER NOT NULL,
	stored_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pages_content_hash ON pages(content_hash);
`

const (
	statusPending    = "pending"
	statusInProgress = "in_progress"
	statusDone       = "done"
	statusFailed     = "failed"
)
