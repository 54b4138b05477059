package store

// Migrate creates the necessary tables and indexes if they don't exist.
func (s *Store) Migrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Create schema version table
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}

	// Get current version
	var currentVersion int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return err
	}

	// Apply migrations
	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Items},
		{2, migrationV2Executions},
		{3, migrationV3Embeddings},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return err
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return err
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return err
		}

		if err := tx.Commit(); err != nil {
			return err
		}
	}

	return nil
}

// Migration SQL statements
const migrationV1Items = `
CREATE TABLE IF NOT EXISTS work_items (
	id TEXT PRIMARY KEY,
	item_type TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT,
	status TEXT NOT NULL DEFAULT 'backlog',
	children TEXT,
	depends_on TEXT,
	metadata TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	version INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_work_items_type ON work_items(item_type);
CREATE INDEX IF NOT EXISTS idx_work_items_status ON work_items(status);
CREATE INDEX IF NOT EXISTS idx_work_items_created_at ON work_items(created_at);

-- Full-text search on title and description
CREATE VIRTUAL TABLE IF NOT EXISTS work_items_fts USING fts5(
	title,
	description,
	content='work_items',
	content_rowid='rowid'
);

-- Triggers to keep FTS in sync
CREATE TRIGGER IF NOT EXISTS work_items_ai AFTER INSERT ON work_items BEGIN
	INSERT INTO work_items_fts(rowid, title, description)
	VALUES (NEW.rowid, NEW.title, NEW.description);
END;

CREATE TRIGGER IF NOT EXISTS work_items_ad AFTER DELETE ON work_items BEGIN
	INSERT INTO work_items_fts(work_items_fts, rowid, title, description)
	VALUES ('delete', OLD.rowid, OLD.title, OLD.description);
END;

CREATE TRIGGER IF NOT EXISTS work_items_au AFTER UPDATE ON work_items BEGIN
	INSERT INTO work_items_fts(work_items_fts, rowid, title, description)
	VALUES ('delete', OLD.rowid, OLD.title, OLD.description);
	INSERT INTO work_items_fts(rowid, title, description)
	VALUES (NEW.rowid, NEW.title, NEW.description);
END;
`

const migrationV2Executions = `
CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	work_item_id TEXT NOT NULL,
	state TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	started_at DATETIME NOT NULL,
	finished_at DATETIME,
	FOREIGN KEY (work_item_id) REFERENCES work_items(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_executions_work_item ON executions(work_item_id);
CREATE INDEX IF NOT EXISTS idx_executions_state ON executions(state);
CREATE INDEX IF NOT EXISTS idx_executions_started_at ON executions(started_at);
`

const migrationV3Embeddings = `
-- One cached embedding per work item, tagged with the item version it
-- was computed from so content changes invalidate it.
CREATE TABLE IF NOT EXISTS embeddings (
	work_item_id TEXT PRIMARY KEY,
	vector BLOB NOT NULL,
	item_version INTEGER NOT NULL,
	computed_at DATETIME NOT NULL,
	FOREIGN KEY (work_item_id) REFERENCES work_items(id) ON DELETE CASCADE
);
`
