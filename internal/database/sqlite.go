package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// LocalStore is the device-resident durable store backing the action queue,
// the conflict list and the patient cache. SQLite keeps it durable across
// restarts without any external service on the device.
type LocalStore struct {
	*sql.DB
}

const localSchema = `
CREATE TABLE IF NOT EXISTS queued_actions (
	id                  TEXT PRIMARY KEY,
	type                TEXT NOT NULL,
	entity_type         TEXT NOT NULL,
	entity_id           TEXT NOT NULL,
	payload             BLOB,
	base_version        INTEGER NOT NULL DEFAULT 0,
	priority            TEXT NOT NULL,
	is_emergency        INTEGER NOT NULL DEFAULT 0,
	status              TEXT NOT NULL,
	attempts            INTEGER NOT NULL DEFAULT 0,
	max_attempts        INTEGER NOT NULL,
	base_retry_delay_ms INTEGER NOT NULL,
	last_error          TEXT NOT NULL DEFAULT '',
	created_at          INTEGER NOT NULL,
	last_attempt_at     INTEGER,
	next_retry_at       INTEGER
);
CREATE INDEX IF NOT EXISTS idx_actions_status      ON queued_actions(status);
CREATE INDEX IF NOT EXISTS idx_actions_priority    ON queued_actions(priority);
CREATE INDEX IF NOT EXISTS idx_actions_created_at  ON queued_actions(created_at);
CREATE INDEX IF NOT EXISTS idx_actions_entity_type ON queued_actions(entity_type);

CREATE TABLE IF NOT EXISTS conflicts (
	id             TEXT PRIMARY KEY,
	action_id      TEXT,
	entity_type    TEXT NOT NULL,
	entity_id      TEXT NOT NULL,
	field_name     TEXT NOT NULL DEFAULT '',
	conflict_type  TEXT NOT NULL,
	priority       TEXT NOT NULL,
	base_version   INTEGER NOT NULL DEFAULT 0,
	local_version  INTEGER NOT NULL DEFAULT 0,
	remote_version INTEGER NOT NULL DEFAULT 0,
	local_value    BLOB,
	remote_value   BLOB,
	local_meta     TEXT NOT NULL DEFAULT '{}',
	remote_meta    TEXT NOT NULL DEFAULT '{}',
	remote_allows  INTEGER NOT NULL DEFAULT 0,
	status         TEXT NOT NULL,
	resolution     TEXT,
	created_at     INTEGER NOT NULL,
	resolved_at    INTEGER
);
CREATE INDEX IF NOT EXISTS idx_conflicts_status   ON conflicts(status);
CREATE INDEX IF NOT EXISTS idx_conflicts_priority ON conflicts(priority);

CREATE TABLE IF NOT EXISTS patient_cache (
	id               TEXT PRIMARY KEY,
	data             BLOB NOT NULL,
	size_bytes       INTEGER NOT NULL,
	priority         TEXT NOT NULL,
	last_accessed_at INTEGER NOT NULL,
	last_modified_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_priority ON patient_cache(priority);
CREATE INDEX IF NOT EXISTS idx_cache_accessed ON patient_cache(last_accessed_at);
`

// OpenLocalStore opens (and migrates) the device store at path. Pass
// ":memory:" for an ephemeral store in tests.
func OpenLocalStore(path string) (*LocalStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	// SQLite supports a single writer; the engine's stores share it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec(localSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate local store: %w", err)
	}

	return &LocalStore{db}, nil
}

func (s *LocalStore) Close() error {
	return s.DB.Close()
}
