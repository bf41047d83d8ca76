package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/marcus/greenloop/internal/db"
	"github.com/marcus/greenloop/internal/logging"
	"github.com/marcus/greenloop/internal/orchestrator"
)

// ErrNotFound is returned when a job is not in the store.
var ErrNotFound = errors.New("job not found")

// Store persists job history to SQLite.
type Store struct {
	db     *db.DB
	logger *logging.Logger
}

// NewStore creates a store on an open database.
func NewStore(database *db.DB) *Store {
	return &Store{db: database, logger: logging.Component("jobs")}
}

// SaveJob inserts or updates the job row for snap. Events are not written.
func (s *Store) SaveJob(ctx context.Context, snap Snapshot) error {
	var result, errText sql.NullString
	if snap.Result != nil {
		data, err := json.Marshal(snap.Result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		result = sql.NullString{String: string(data), Valid: true}
		if snap.Result.Error != "" {
			errText = sql.NullString{String: snap.Result.Error, Valid: true}
		}
	}

	_, err := s.db.SQL().ExecContext(ctx,
		`INSERT INTO jobs (id, goal, workspace, status, created_at, started_at, finished_at, result, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status = excluded.status,
		   started_at = excluded.started_at,
		   finished_at = excluded.finished_at,
		   result = excluded.result,
		   error = excluded.error`,
		snap.ID, snap.Goal, snap.Workspace, string(snap.Status), snap.CreatedAt,
		nullTime(snap.StartedAt), nullTime(snap.FinishedAt), result, errText,
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", snap.ID, err)
	}
	return nil
}

// AppendEvent writes one event of a job.
func (s *Store) AppendEvent(ctx context.Context, jobID string, e orchestrator.Event) error {
	var data sql.NullString
	if e.Data != nil {
		raw, err := json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("encode event data: %w", err)
		}
		data = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := s.db.SQL().ExecContext(ctx,
		`INSERT OR IGNORE INTO job_events (job_id, seq, kind, time, iteration, repair, message, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		jobID, e.Seq, string(e.Kind), e.Time, e.Iteration, e.Repair, e.Message, data,
	)
	if err != nil {
		return fmt.Errorf("append event %s/%d: %w", jobID, e.Seq, err)
	}
	return nil
}

// Track persists j until it finishes: the job row is written immediately,
// every event is appended as it is emitted, and the final state is saved
// when the log closes. It blocks, so run it in its own goroutine.
func (s *Store) Track(ctx context.Context, j *Job) error {
	if err := s.SaveJob(ctx, j.Snapshot()); err != nil {
		return err
	}

	sub := j.Subscribe()
	defer j.Unsubscribe(sub)

	var firstErr error
	for e := range sub.C() {
		if err := s.AppendEvent(ctx, j.ID, e); err != nil && firstErr == nil {
			firstErr = err
			s.logger.WarnCtx("persist event failed", map[string]any{"job_id": j.ID, "seq": e.Seq, "error": err.Error()})
		}
	}

	if err := s.SaveJob(ctx, j.Snapshot()); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Load reads a job and its events.
func (s *Store) Load(ctx context.Context, id string) (Snapshot, error) {
	row := s.db.SQL().QueryRowContext(ctx,
		`SELECT id, goal, workspace, status, created_at, started_at, finished_at, result
		 FROM jobs WHERE id = ?`, id)
	snap, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Snapshot{}, err
	}

	events, err := s.events(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Events = events
	return snap, nil
}

// List returns the most recent jobs, newest first, without their events.
func (s *Store) List(ctx context.Context, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.SQL().QueryContext(ctx,
		`SELECT id, goal, workspace, status, created_at, started_at, finished_at, result
		 FROM jobs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Snapshot
	for rows.Next() {
		snap, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// MarkInterrupted closes out jobs left running by a previous process.
func (s *Store) MarkInterrupted(ctx context.Context) (int64, error) {
	res, err := s.db.SQL().ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = ?, finished_at = ?
		 WHERE status IN (?, ?)`,
		string(StatusError), "interrupted by restart", time.Now(),
		string(StatusPending), string(StatusRunning))
	if err != nil {
		return 0, fmt.Errorf("mark interrupted jobs: %w", err)
	}
	return res.RowsAffected()
}

// Prune deletes finished jobs older than before, with their events and
// schedule records. It returns the number of jobs removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM schedule_runs WHERE job_id IN
			   (SELECT id FROM jobs WHERE finished_at IS NOT NULL AND finished_at < ?)`, before); err != nil {
			return fmt.Errorf("prune schedule runs: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM jobs WHERE finished_at IS NOT NULL AND finished_at < ?`, before)
		if err != nil {
			return fmt.Errorf("prune jobs: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.InfoCtx("pruned jobs", map[string]any{"count": n, "before": before.Format(time.RFC3339)})
	}
	return n, nil
}

// RecordScheduleRun notes that schedule fired and started jobID.
func (s *Store) RecordScheduleRun(ctx context.Context, schedule, jobID string, firedAt time.Time) error {
	_, err := s.db.SQL().ExecContext(ctx,
		`INSERT INTO schedule_runs (schedule, job_id, fired_at) VALUES (?, ?, ?)`,
		schedule, jobID, firedAt)
	if err != nil {
		return fmt.Errorf("record schedule run: %w", err)
	}
	return nil
}

// LastScheduleRun returns when schedule last fired, zero if never.
func (s *Store) LastScheduleRun(ctx context.Context, schedule string) (time.Time, error) {
	var t sql.NullTime
	err := s.db.SQL().QueryRowContext(ctx,
		`SELECT fired_at FROM schedule_runs WHERE schedule = ? ORDER BY fired_at DESC LIMIT 1`, schedule).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("last schedule run: %w", err)
	}
	return t.Time, nil
}

func (s *Store) events(ctx context.Context, id string) ([]orchestrator.Event, error) {
	rows, err := s.db.SQL().QueryContext(ctx,
		`SELECT seq, kind, time, iteration, repair, message, data
		 FROM job_events WHERE job_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []orchestrator.Event{}
	for rows.Next() {
		var e orchestrator.Event
		var kind string
		var data sql.NullString
		if err := rows.Scan(&e.Seq, &kind, &e.Time, &e.Iteration, &e.Repair, &e.Message, &data); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Kind = orchestrator.EventKind(kind)
		if data.Valid {
			e.Data = json.RawMessage(data.String)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (Snapshot, error) {
	var snap Snapshot
	var status string
	var started, finished sql.NullTime
	var result sql.NullString
	if err := row.Scan(&snap.ID, &snap.Goal, &snap.Workspace, &status, &snap.CreatedAt, &started, &finished, &result); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Snapshot{}, err
		}
		return Snapshot{}, fmt.Errorf("scan job: %w", err)
	}
	snap.Status = Status(status)
	if started.Valid {
		snap.StartedAt = &started.Time
	}
	if finished.Valid {
		snap.FinishedAt = &finished.Time
	}
	if result.Valid && result.String != "" {
		var r orchestrator.Result
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return Snapshot{}, fmt.Errorf("decode result: %w", err)
		}
		snap.Result = &r
	}
	return snap, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
