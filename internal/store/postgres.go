package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultPostgresConns = 4

const postgresSchema = `
CREATE TABLE IF NOT EXISTS harvest_records (
	locator      TEXT PRIMARY KEY,
	partition    TEXT NOT NULL,
	run_id       TEXT NOT NULL,
	fields       JSONB NOT NULL,
	extracted_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS harvest_records_extracted_at ON harvest_records (extracted_at DESC);
`

// PostgresStore persists records in PostgreSQL through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and applies the schema.
func OpenPostgres(ctx context.Context, dsn string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if maxConns <= 0 {
		maxConns = defaultPostgresConns
	}
	cfg.MaxConns = int32(maxConns)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: create schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Save implements [Store].
func (s *PostgresStore) Save(ctx context.Context, rec Record) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("postgres: encode fields: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO harvest_records (locator, partition, run_id, fields, extracted_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (locator) DO UPDATE SET
			partition = EXCLUDED.partition,
			run_id = EXCLUDED.run_id,
			fields = EXCLUDED.fields,
			extracted_at = EXCLUDED.extracted_at`,
		rec.Locator, rec.Partition, rec.RunID, fields, rec.ExtractedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save %s: %w", rec.Locator, err)
	}
	return nil
}

// SaveBatch upserts recs in one round trip and returns the rows affected.
func (s *PostgresStore) SaveBatch(ctx context.Context, recs []Record) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	b := &pgx.Batch{}
	for _, rec := range recs {
		fields, err := json.Marshal(rec.Fields)
		if err != nil {
			return 0, fmt.Errorf("postgres: encode fields: %w", err)
		}
		b.Queue(`
			INSERT INTO harvest_records (locator, partition, run_id, fields, extracted_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (locator) DO UPDATE SET
				fields = EXCLUDED.fields,
				extracted_at = EXCLUDED.extracted_at`,
			rec.Locator, rec.Partition, rec.RunID, fields, rec.ExtractedAt,
		)
	}

	br := s.pool.SendBatch(ctx, b)
	total := 0
	for range recs {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return total, fmt.Errorf("postgres: batch save: %w", err)
		}
		total += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return total, fmt.Errorf("postgres: batch save: %w", err)
	}
	return total, nil
}

// Recent implements [Store].
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	query := `SELECT locator, partition, run_id, fields, extracted_at
		FROM harvest_records ORDER BY extracted_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec    Record
			fields []byte
		)
		if err := rows.Scan(&rec.Locator, &rec.Partition, &rec.RunID, &fields, &rec.ExtractedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan record: %w", err)
		}
		if err := json.Unmarshal(fields, &rec.Fields); err != nil {
			return nil, fmt.Errorf("postgres: decode fields of %s: %w", rec.Locator, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count implements [Store].
func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM harvest_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count records: %w", err)
	}
	return n, nil
}

// Close implements [Store].
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
