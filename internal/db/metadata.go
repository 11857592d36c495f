// Package db persists one metadata record per run for later auditing.
// The store lives as a sqlite file next to the fingerprint-named working
// directories; the core never queries it back.
package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_hash        TEXT PRIMARY KEY,
	timestamp       TEXT NOT NULL,
	dataset_hash    TEXT NOT NULL,
	prompt_func     TEXT,
	parse_func      TEXT,
	model_name      TEXT NOT NULL,
	response_format TEXT NOT NULL,
	batch_mode      INTEGER NOT NULL
);`

// RunRecord is the fixed-shape metadata record stored once per run.
type RunRecord struct {
	RunHash        string
	Timestamp      string
	DatasetHash    string
	PromptFunc     string
	ParseFunc      string
	ModelName      string
	ResponseFormat string
	BatchMode      bool
}

// MetadataDB is the sqlite-backed run metadata store.
type MetadataDB struct {
	db *sql.DB
}

// Open opens (creating if needed) the metadata database at path.
func Open(path string) (*MetadataDB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open metadata db %s: %w", path, err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("init metadata db %s: %w", path, err)
	}
	return &MetadataDB{db: sqlDB}, nil
}

// StoreMetadata upserts the record for rec.RunHash. Re-running the same
// logical job refreshes its timestamp instead of accumulating rows.
func (m *MetadataDB) StoreMetadata(ctx context.Context, rec RunRecord) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO runs (run_hash, timestamp, dataset_hash, prompt_func, parse_func, model_name, response_format, batch_mode)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_hash) DO UPDATE SET timestamp = excluded.timestamp`,
		rec.RunHash, rec.Timestamp, rec.DatasetHash, rec.PromptFunc, rec.ParseFunc,
		rec.ModelName, rec.ResponseFormat, boolToInt(rec.BatchMode))
	if err != nil {
		return fmt.Errorf("store run metadata: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (m *MetadataDB) Close() error {
	return m.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
