package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/marcus/greenloop/internal/logging"
)

// Migration represents a single schema change.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema: jobs, job_events",
		SQL:         migration001SQL,
	},
	{
		Version:     2,
		Description: "add schedule_runs table for cron-triggered jobs",
		SQL:         migration002SQL,
	},
	{
		Version:     3,
		Description: "index jobs by status and finish time for recovery and pruning",
		SQL:         migration003SQL,
	},
}

const migration001SQL = `
CREATE TABLE jobs (
    id          TEXT PRIMARY KEY,
    goal        TEXT NOT NULL,
    workspace   TEXT NOT NULL,
    status      TEXT NOT NULL,
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME,
    result      TEXT,
    error       TEXT
);

CREATE TABLE job_events (
    job_id      TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    seq         INTEGER NOT NULL,
    kind        TEXT NOT NULL,
    time        DATETIME NOT NULL,
    iteration   INTEGER NOT NULL DEFAULT 0,
    repair      INTEGER NOT NULL DEFAULT 0,
    message     TEXT NOT NULL,
    data        TEXT,
    PRIMARY KEY (job_id, seq)
);

CREATE INDEX idx_jobs_created ON jobs(created_at DESC);
`

const migration002SQL = `
CREATE TABLE IF NOT EXISTS schedule_runs (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    schedule    TEXT NOT NULL,
    job_id      TEXT NOT NULL,
    fired_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_schedule_runs_schedule ON schedule_runs(schedule, fired_at DESC);
`

const migration003SQL = `
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_finished ON jobs(finished_at);
CREATE INDEX IF NOT EXISTS idx_schedule_runs_job ON schedule_runs(job_id);
`

// Migrate applies every migration newer than the recorded schema version,
// each in its own transaction.
func (d *DB) Migrate(ctx context.Context) error {
	if d == nil || d.sql == nil {
		return errors.New("db is nil")
	}

	if _, err := d.sql.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY, applied_at DATETIME)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	current, err := d.CurrentVersion(ctx)
	if err != nil {
		return err
	}

	log := logging.Component("db")
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		err := d.InTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
				return fmt.Errorf("apply migration %d: %w", m.Version, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO schema_version (version, applied_at) VALUES (?, CURRENT_TIMESTAMP)`, m.Version); err != nil {
				return fmt.Errorf("record migration %d: %w", m.Version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		log.InfoCtx("applied migration", map[string]any{"version": m.Version, "description": m.Description})
		current = m.Version
	}
	return nil
}

// CurrentVersion returns the highest applied migration, 0 for a fresh
// database.
func (d *DB) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := d.sql.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("query schema_version: %w", err)
	}
	return version, nil
}
