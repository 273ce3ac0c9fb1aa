package persistence

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/smukkama/gearmand/internal/wire"
)

// PostgresQueue persists background jobs to a `persisted_jobs` table,
// grounded on the teacher's internal/database.DB connect-and-query style.
// One row per live job; a row is deleted on Done, which is how the table
// stays small regardless of server uptime.
type PostgresQueue struct {
	db *sql.DB
}

func NewPostgresQueue(connectionString string) (*PostgresQueue, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("persistence: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("persistence: ping postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	q := &PostgresQueue{db: db}
	if err := q.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

func (q *PostgresQueue) ensureSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS persisted_jobs (
			handle      TEXT PRIMARY KEY,
			function    TEXT NOT NULL,
			unique_key  TEXT NOT NULL DEFAULT '',
			priority    SMALLINT NOT NULL,
			data        BYTEA NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("persistence: ensure schema: %w", err)
	}
	return nil
}

func (q *PostgresQueue) Add(ctx context.Context, r Record) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO persisted_jobs (handle, function, unique_key, priority, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (handle) DO NOTHING
	`, r.Handle, r.Function, r.Unique, int(r.Priority), r.Data, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("persistence: add %s: %w", r.Handle, err)
	}
	return nil
}

func (q *PostgresQueue) Done(ctx context.Context, handle string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM persisted_jobs WHERE handle = $1`, handle)
	if err != nil {
		return fmt.Errorf("persistence: done %s: %w", handle, err)
	}
	return nil
}

func (q *PostgresQueue) Flush(ctx context.Context) error {
	return q.db.PingContext(ctx)
}

func (q *PostgresQueue) Replay(ctx context.Context) ([]Record, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT handle, function, unique_key, priority, data, created_at
		FROM persisted_jobs
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("persistence: replay: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var priority int
		if err := rows.Scan(&r.Handle, &r.Function, &r.Unique, &priority, &r.Data, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("persistence: scan replay row: %w", err)
		}
		r.Priority = wire.Priority(priority)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (q *PostgresQueue) Close() error {
	return q.db.Close()
}
