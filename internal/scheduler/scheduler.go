// Package scheduler submits recurring repair runs on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/marcus/greenloop/internal/config"
	"github.com/marcus/greenloop/internal/jobs"
	"github.com/marcus/greenloop/internal/logging"
	"github.com/marcus/greenloop/internal/runner"
)

var (
	// ErrNotRunning is returned by Stop when the scheduler was never started.
	ErrNotRunning = errors.New("scheduler not running")
	// ErrAlreadyRunning is returned by Start on a running scheduler.
	ErrAlreadyRunning = errors.New("scheduler already running")
	// ErrNoSchedules is returned by Start when nothing is scheduled.
	ErrNoSchedules = errors.New("no schedules configured")
)

// Submitter starts a repair job.
type Submitter interface {
	Submit(req runner.Request) (*jobs.Job, error)
}

// Recorder notes each time a schedule fires.
type Recorder interface {
	RecordScheduleRun(ctx context.Context, schedule, jobID string, firedAt time.Time) error
}

// Entry is one registered schedule.
type Entry struct {
	Name    string
	Spec    string
	Request runner.Request
	id      cron.EntryID
}

// Scheduler fires repair jobs on cron expressions (standard five fields,
// plus descriptors like @daily).
type Scheduler struct {
	mu       sync.Mutex
	cron     *cron.Cron
	submit   Submitter
	recorder Recorder
	entries  []Entry
	running  bool
	logger   *logging.Logger
	now      func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRecorder records every fired schedule.
func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) {
		s.recorder = r
	}
}

// WithLocation evaluates cron expressions in loc.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		s.cron = cron.New(cron.WithLocation(loc))
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// New creates an empty scheduler that submits to submit.
func New(submit Submitter, opts ...Option) *Scheduler {
	s := &Scheduler{
		cron:   cron.New(),
		submit: submit,
		logger: logging.Component("scheduler"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewFromConfig creates a scheduler with every configured schedule added.
// Unnamed schedules are called schedule-1, schedule-2 and so on.
func NewFromConfig(schedules []config.ScheduleConfig, submit Submitter, opts ...Option) (*Scheduler, error) {
	s := New(submit, opts...)
	for i, sc := range schedules {
		name := strings.TrimSpace(sc.Name)
		if name == "" {
			name = fmt.Sprintf("schedule-%d", i+1)
		}
		req := runner.Request{Goal: sc.Goal, Workspace: config.ExpandPath(sc.Workspace), MaxIterations: sc.MaxIterations}
		if err := s.Add(name, sc.Cron, req); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add registers a schedule. It may be called while running.
func (s *Scheduler) Add(name, spec string, req runner.Request) error {
	if strings.TrimSpace(req.Goal) == "" {
		return fmt.Errorf("schedule %s: %w", name, runner.ErrEmptyGoal)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.Name == name {
			return fmt.Errorf("schedule %s already exists", name)
		}
	}
	id, err := s.cron.AddFunc(spec, func() { s.fire(name, req) })
	if err != nil {
		return fmt.Errorf("schedule %s: invalid cron %q: %w", name, spec, err)
	}
	s.entries = append(s.entries, Entry{Name: name, Spec: spec, Request: req, id: id})
	return nil
}

// Entries returns the registered schedules.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Start begins firing schedules. The scheduler stops when ctx ends.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}
	if len(s.entries) == 0 {
		return ErrNoSchedules
	}
	s.running = true
	s.cron.Start()

	go func() {
		<-ctx.Done()
		_ = s.Stop()
	}()

	s.logger.InfoCtx("scheduler started", map[string]any{"schedules": len(s.entries)})
	return nil
}

// Stop halts the scheduler. Runs already submitted keep going.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

// Running reports whether the scheduler is started.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the earliest upcoming fire time, zero when not running.
func (s *Scheduler) NextRun() time.Time {
	var next time.Time
	for _, e := range s.cron.Entries() {
		if e.Next.IsZero() {
			continue
		}
		if next.IsZero() || e.Next.Before(next) {
			next = e.Next
		}
	}
	return next
}

// RunNow fires the named schedule immediately.
func (s *Scheduler) RunNow(name string) error {
	for _, e := range s.Entries() {
		if e.Name == name {
			s.fire(e.Name, e.Request)
			return nil
		}
	}
	return fmt.Errorf("schedule %s not found", name)
}

func (s *Scheduler) fire(name string, req runner.Request) {
	firedAt := s.now()
	job, err := s.submit.Submit(req)
	if err != nil {
		s.logger.WarnCtx("scheduled run not submitted", map[string]any{"schedule": name, "error": err.Error()})
		return
	}
	s.logger.InfoCtx("scheduled run submitted", map[string]any{"schedule": name, "job_id": job.ID})

	if s.recorder != nil {
		if err := s.recorder.RecordScheduleRun(context.Background(), name, job.ID, firedAt); err != nil {
			s.logger.WarnCtx("record schedule run failed", map[string]any{"schedule": name, "error": err.Error()})
		}
	}
}
