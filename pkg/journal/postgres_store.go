package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists records in a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS giwa_runs (
    run_id TEXT PRIMARY KEY,
    mode TEXT NOT NULL,
    account TEXT NOT NULL,
    stage TEXT NOT NULL,
    status TEXT NOT NULL,
    completed TEXT[] NOT NULL DEFAULT '{}',
    data JSONB NOT NULL DEFAULT '{}',
    intent JSONB,
    error TEXT NOT NULL DEFAULT '',
    started_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
`

const selectColumns = `run_id, mode, account, stage, status, completed, data::text, COALESCE(intent::text, ''), error, started_at, updated_at`

// NewPostgresStore connects to Postgres using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Get(ctx context.Context, runID string) (*Record, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM giwa_runs WHERE run_id = $1`, runID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (p *PostgresStore) Save(ctx context.Context, record Record) error {
	data := record.Data
	if data == nil {
		data = map[string]string{}
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode run data: %w", err)
	}
	var intent *string
	if len(record.Intent) > 0 {
		s := string(record.Intent)
		intent = &s
	}
	completed := record.Completed
	if completed == nil {
		completed = []string{}
	}

	_, err = p.pool.Exec(ctx, `
INSERT INTO giwa_runs (run_id, mode, account, stage, status, completed, data, intent, error, started_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9, $10, $11)
ON CONFLICT (run_id) DO UPDATE
SET stage = EXCLUDED.stage,
    status = EXCLUDED.status,
    completed = EXCLUDED.completed,
    data = EXCLUDED.data,
    intent = EXCLUDED.intent,
    error = EXCLUDED.error,
    updated_at = EXCLUDED.updated_at
`, record.RunID, record.Mode, record.Account, record.Stage, record.Status, completed,
		string(dataJSON), intent, record.Error, record.StartedAt, record.UpdatedAt)
	return err
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `SELECT `+selectColumns+` FROM giwa_runs ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	var data, intent string
	if err := row.Scan(&rec.RunID, &rec.Mode, &rec.Account, &rec.Stage, &rec.Status, &rec.Completed,
		&data, &intent, &rec.Error, &rec.StartedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &rec.Data); err != nil {
		return nil, fmt.Errorf("failed to decode run data: %w", err)
	}
	if intent != "" {
		rec.Intent = json.RawMessage(intent)
	}
	return &rec, nil
}
