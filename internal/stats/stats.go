// Package stats computes aggregate statistics from greenloop job history.
package stats

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/marcus/greenloop/internal/db"
	"github.com/marcus/greenloop/internal/orchestrator"
)

// recentWindow is the span counted by JobsLast7Days.
const recentWindow = 7 * 24 * time.Hour

// Duration wraps time.Duration for clean JSON serialization as seconds.
type Duration struct {
	time.Duration
}

// MarshalJSON serializes Duration as integer seconds.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(d.Seconds()))
}

// UnmarshalJSON deserializes Duration from integer seconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var secs int64
	if err := json.Unmarshal(b, &secs); err != nil {
		return err
	}
	d.Duration = time.Duration(secs) * time.Second
	return nil
}

// String returns a human-readable duration string.
func (d Duration) String() string {
	dur := d.Duration
	if dur < time.Minute {
		return fmt.Sprintf("%ds", int(dur.Seconds()))
	}
	if dur < time.Hour {
		return fmt.Sprintf("%dm %ds", int(dur.Minutes()), int(dur.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(dur.Hours()), int(dur.Minutes())%60)
}

// StatsResult holds all computed statistics, JSON-serializable.
type StatsResult struct {
	// Job overview
	TotalJobs     int            `json:"total_jobs"`
	JobsLast7Days int            `json:"jobs_last_7_days"`
	FirstJobAt    *time.Time     `json:"first_job_at,omitempty"`
	LastJobAt     *time.Time     `json:"last_job_at,omitempty"`
	ByStatus      map[string]int `json:"by_status"`

	// Run outcomes, over jobs that produced a result
	Green       int     `json:"green"`
	Exhausted   int     `json:"budget_exhausted"`
	Errored     int     `json:"errored"`
	Cancelled   int     `json:"cancelled"`
	SuccessRate float64 `json:"success_rate"`
	Committed   int     `json:"committed"`

	// Effort
	AvgIterations float64  `json:"avg_iterations"`
	AvgRepairs    float64  `json:"avg_repairs"`
	TotalDuration Duration `json:"total_duration"`
	AvgDuration   Duration `json:"avg_duration"`

	Workspaces []WorkspaceStats `json:"workspaces,omitempty"`
	Schedules  []ScheduleStats  `json:"schedules,omitempty"`
}

// WorkspaceStats summarizes jobs for one workspace.
type WorkspaceStats struct {
	Path  string `json:"path"`
	Jobs  int    `json:"jobs"`
	Green int    `json:"green"`
}

// ScheduleStats summarizes cron-triggered jobs for one schedule.
type ScheduleStats struct {
	Name      string    `json:"name"`
	Runs      int       `json:"runs"`
	LastFired time.Time `json:"last_fired"`
}

// Stats computes aggregate statistics from the job database.
type Stats struct {
	db      *db.DB
	nowFunc func() time.Time
}

// New creates a Stats instance.
func New(database *db.DB) *Stats {
	return &Stats{db: database, nowFunc: time.Now}
}

// Compute aggregates the jobs and schedule_runs tables into a StatsResult.
func (s *Stats) Compute(ctx context.Context) (*StatsResult, error) {
	result := &StatsResult{ByStatus: make(map[string]int)}
	if s.db == nil {
		return result, nil
	}
	if err := s.computeFromJobs(ctx, result); err != nil {
		return nil, err
	}
	if err := s.computeFromSchedules(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Stats) computeFromJobs(ctx context.Context, result *StatsResult) error {
	rows, err := s.db.SQL().QueryContext(ctx,
		`SELECT workspace, status, created_at, started_at, finished_at, result FROM jobs`)
	if err != nil {
		return fmt.Errorf("query jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	now := s.nowFunc()
	workspaces := make(map[string]*WorkspaceStats)
	var withResult, timed, iterations, repairs int

	for rows.Next() {
		var (
			workspace, status string
			created           time.Time
			started, finished sql.NullTime
			raw               sql.NullString
		)
		if err := rows.Scan(&workspace, &status, &created, &started, &finished, &raw); err != nil {
			return fmt.Errorf("scan job: %w", err)
		}

		result.TotalJobs++
		result.ByStatus[status]++
		if now.Sub(created) <= recentWindow {
			result.JobsLast7Days++
		}
		if result.FirstJobAt == nil || created.Before(*result.FirstJobAt) {
			t := created
			result.FirstJobAt = &t
		}
		if result.LastJobAt == nil || created.After(*result.LastJobAt) {
			t := created
			result.LastJobAt = &t
		}

		ws := workspaces[workspace]
		if ws == nil {
			ws = &WorkspaceStats{Path: workspace}
			workspaces[workspace] = ws
		}
		ws.Jobs++

		if started.Valid && finished.Valid {
			timed++
			result.TotalDuration.Duration += finished.Time.Sub(started.Time)
		}

		if !raw.Valid || raw.String == "" {
			continue
		}
		var r orchestrator.Result
		if err := json.Unmarshal([]byte(raw.String), &r); err != nil {
			// An undecodable result counts toward status only.
			continue
		}
		withResult++
		iterations += r.Iterations
		repairs += r.Repairs
		if r.Committed {
			result.Committed++
		}
		switch r.Status {
		case orchestrator.RunDone:
			result.Green++
			ws.Green++
		case orchestrator.RunFailed:
			result.Exhausted++
		case orchestrator.RunCancelled:
			result.Cancelled++
		default:
			result.Errored++
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read jobs: %w", err)
	}

	if withResult > 0 {
		result.AvgIterations = float64(iterations) / float64(withResult)
		result.AvgRepairs = float64(repairs) / float64(withResult)
	}
	if timed > 0 {
		result.AvgDuration = Duration{result.TotalDuration.Duration / time.Duration(timed)}
	}
	// Cancelled runs are excluded from the success rate.
	if attempted := result.Green + result.Exhausted + result.Errored; attempted > 0 {
		result.SuccessRate = float64(result.Green) / float64(attempted) * 100
	}

	for _, ws := range workspaces {
		result.Workspaces = append(result.Workspaces, *ws)
	}
	sort.Slice(result.Workspaces, func(i, j int) bool {
		if result.Workspaces[i].Jobs != result.Workspaces[j].Jobs {
			return result.Workspaces[i].Jobs > result.Workspaces[j].Jobs
		}
		return result.Workspaces[i].Path < result.Workspaces[j].Path
	})
	return nil
}

func (s *Stats) computeFromSchedules(ctx context.Context, result *StatsResult) error {
	rows, err := s.db.SQL().QueryContext(ctx,
		`SELECT schedule, COUNT(*), MAX(fired_at) FROM schedule_runs GROUP BY schedule ORDER BY schedule`)
	if err != nil {
		return fmt.Errorf("query schedule runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var st ScheduleStats
		var last string
		if err := rows.Scan(&st.Name, &st.Runs, &last); err != nil {
			return fmt.Errorf("scan schedule run: %w", err)
		}
		st.LastFired = parseSQLiteTime(last)
		result.Schedules = append(result.Schedules, st)
	}
	return rows.Err()
}

// parseSQLiteTime parses an aggregate DATETIME, which the driver returns as
// text rather than time.Time.
func parseSQLiteTime(s string) time.Time {
	for _, layout := range []string{
		"2006-01-02 15:04:05.999999999-07:00",
		time.RFC3339Nano,
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
