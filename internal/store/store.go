// Package store is the audit/rollup Postgres layer fed by the lifecycle
// event bus (internal/events) and read back by cmd/statsroller. None of it
// sits on the dispatch path — it exists purely for operational visibility,
// grounded on the teacher's internal/database package.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/smukkama/gearmand/internal/events"
)

type Store struct {
	db *sql.DB
}

func Open(connectionString string) (*Store, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)

	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS job_events (
			id          BIGSERIAL PRIMARY KEY,
			handle      TEXT NOT NULL,
			function    TEXT NOT NULL,
			kind        TEXT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS job_events_function_idx ON job_events (function, occurred_at)`,
		`CREATE TABLE IF NOT EXISTS function_stats_hourly (
			function        TEXT NOT NULL,
			hour_timestamp  TIMESTAMPTZ NOT NULL,
			submitted_count INT NOT NULL DEFAULT 0,
			completed_count INT NOT NULL DEFAULT 0,
			failed_count    INT NOT NULL DEFAULT 0,
			PRIMARY KEY (function, hour_timestamp)
		)`,
		`CREATE TABLE IF NOT EXISTS function_stats_daily (
			function         TEXT NOT NULL,
			day              DATE NOT NULL,
			min_hourly_count INT NOT NULL DEFAULT 0,
			max_hourly_count INT NOT NULL DEFAULT 0,
			PRIMARY KEY (function, day)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: ensure schema: %w", err)
		}
	}
	return nil
}

// InsertJobEvent appends one lifecycle event to the audit log.
func (s *Store) InsertJobEvent(ev events.JobEvent) error {
	_, err := s.db.Exec(`
		INSERT INTO job_events (handle, function, kind, occurred_at)
		VALUES ($1, $2, $3, $4)
	`, ev.Handle, ev.Function, string(ev.Kind), ev.At)
	if err != nil {
		return fmt.Errorf("store: insert job event: %w", err)
	}
	return nil
}

// AggregateHour rolls up job_events for [hour, hour+1h) into
// function_stats_hourly, grounded on the teacher's HourlyAggregator.
func (s *Store) AggregateHour(hour time.Time) error {
	start := hour.Truncate(time.Hour)
	end := start.Add(time.Hour)

	_, err := s.db.Exec(`
		INSERT INTO function_stats_hourly (function, hour_timestamp, submitted_count, completed_count, failed_count)
		SELECT
			function,
			$1 AS hour_timestamp,
			COUNT(*) FILTER (WHERE kind = 'created')   AS submitted_count,
			COUNT(*) FILTER (WHERE kind = 'completed') AS completed_count,
			COUNT(*) FILTER (WHERE kind = 'failed')    AS failed_count
		FROM job_events
		WHERE occurred_at >= $1 AND occurred_at < $2
		GROUP BY function
		ON CONFLICT (function, hour_timestamp) DO UPDATE
		SET submitted_count = EXCLUDED.submitted_count,
		    completed_count = EXCLUDED.completed_count,
		    failed_count    = EXCLUDED.failed_count
	`, start, end)
	if err != nil {
		return fmt.Errorf("store: aggregate hour: %w", err)
	}
	return nil
}

// AggregateDay rolls function_stats_hourly up into function_stats_daily's
// min/max hourly throughput, grounded on the teacher's DailyAggregator.
func (s *Store) AggregateDay(day time.Time) error {
	start := day.Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)

	_, err := s.db.Exec(`
		INSERT INTO function_stats_daily (function, day, min_hourly_count, max_hourly_count)
		SELECT
			function,
			$1::date AS day,
			MIN(completed_count) AS min_hourly_count,
			MAX(completed_count) AS max_hourly_count
		FROM function_stats_hourly
		WHERE hour_timestamp >= $1 AND hour_timestamp < $2
		GROUP BY function
		ON CONFLICT (function, day) DO UPDATE
		SET min_hourly_count = EXCLUDED.min_hourly_count,
		    max_hourly_count = EXCLUDED.max_hourly_count
	`, start, end)
	if err != nil {
		return fmt.Errorf("store: aggregate day: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
