package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	locator      TEXT PRIMARY KEY,
	partition    TEXT NOT NULL,
	run_id       TEXT NOT NULL,
	fields       TEXT NOT NULL,
	extracted_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS records_extracted_at ON records (extracted_at);
`

// SQLiteStore persists records in a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema. Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// single writer; also keeps a ":memory:" database alive across calls
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Save implements [Store].
func (s *SQLiteStore) Save(ctx context.Context, rec Record) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("sqlite: encode fields: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (locator, partition, run_id, fields, extracted_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (locator) DO UPDATE SET
			partition = excluded.partition,
			run_id = excluded.run_id,
			fields = excluded.fields,
			extracted_at = excluded.extracted_at`,
		rec.Locator, rec.Partition, rec.RunID, string(fields), rec.ExtractedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save %s: %w", rec.Locator, err)
	}
	return nil
}

// Recent implements [Store].
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT locator, partition, run_id, fields, extracted_at
		FROM records
		ORDER BY extracted_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec         Record
			fields      string
			extractedAt time.Time
		)
		if err := rows.Scan(&rec.Locator, &rec.Partition, &rec.RunID, &fields, &extractedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan record: %w", err)
		}
		if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
			return nil, fmt.Errorf("sqlite: decode fields of %s: %w", rec.Locator, err)
		}
		rec.ExtractedAt = extractedAt
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count implements [Store].
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count records: %w", err)
	}
	return n, nil
}

// Close implements [Store].
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
