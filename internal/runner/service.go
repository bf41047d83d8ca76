// Package runner starts repair jobs in the background and wires each one to
// its collaborators, the event log, persistence and metrics.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/marcus/greenloop/internal/agents"
	"github.com/marcus/greenloop/internal/config"
	"github.com/marcus/greenloop/internal/jobs"
	"github.com/marcus/greenloop/internal/llm"
	"github.com/marcus/greenloop/internal/logging"
	"github.com/marcus/greenloop/internal/metrics"
	"github.com/marcus/greenloop/internal/orchestrator"
	"github.com/marcus/greenloop/internal/sandbox"
	"github.com/marcus/greenloop/internal/symindex"
	"github.com/marcus/greenloop/internal/vcs"
)

var (
	// ErrEmptyGoal is returned when a request has no instruction.
	ErrEmptyGoal = errors.New("goal is required")
	// ErrClosed is returned by Submit after Shutdown.
	ErrClosed = errors.New("runner is shut down")
)

// Request describes one repair job.
type Request struct {
	Goal      string
	Workspace string
	// MaxIterations overrides run.max_iterations when positive.
	MaxIterations int
	// UseRepairTool overrides run.use_repair_tool when set.
	UseRepairTool *bool
}

// Indexer is a symbol index that can also be rebuilt.
type Indexer interface {
	orchestrator.Index
	orchestrator.Refresher
}

// Collaborators are the per-workspace dependencies of one run.
type Collaborators struct {
	Gateway   orchestrator.Gateway
	Sandbox   orchestrator.Sandbox
	Index     Indexer
	Committer orchestrator.Committer
	Tool      agents.Agent
}

// CollaboratorFunc builds the collaborators for a workspace.
type CollaboratorFunc func(workspace string) Collaborators

// Service owns the job registry and runs submitted jobs, one goroutine each.
type Service struct {
	cfg           *config.Config
	registry      *jobs.Registry
	store         *jobs.Store
	metrics       *metrics.Metrics
	collaborators CollaboratorFunc
	logger        *logging.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	base   context.Context
	stop   context.CancelFunc
}

// Option configures a Service.
type Option func(*Service)

// WithStore persists every job and its events.
func WithStore(st *jobs.Store) Option {
	return func(s *Service) {
		s.store = st
	}
}

// WithMetrics records job metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithRegistry sets the registry jobs are created in.
func WithRegistry(r *jobs.Registry) Option {
	return func(s *Service) {
		s.registry = r
	}
}

// WithCollaborators replaces the default collaborator wiring.
func WithCollaborators(fn CollaboratorFunc) Option {
	return func(s *Service) {
		s.collaborators = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// New creates a service. Without WithCollaborators, runs use the configured
// LLM, the process sandbox, the tree-sitter symbol index, git and aider.
func New(cfg *config.Config, opts ...Option) *Service {
	if cfg == nil {
		def := config.Default()
		cfg = &def
	}
	base, stop := context.WithCancel(context.Background())
	s := &Service{
		cfg:      cfg,
		registry: jobs.NewRegistry(),
		logger:   logging.Component("runner"),
		base:     base,
		stop:     stop,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.collaborators == nil {
		s.collaborators = DefaultCollaborators(cfg)
	}
	return s
}

// DefaultCollaborators wires the production implementations. One chat
// client, and so one rate limiter, is shared by every run.
func DefaultCollaborators(cfg *config.Config) CollaboratorFunc {
	chat := llm.NewOpenAIClient(cfg.LLM)
	runner := &agents.ExecRunner{}

	return func(workspace string) Collaborators {
		toolOpts := []agents.AiderOption{
			agents.WithModel(cfg.RepairTool.Model),
			agents.WithRunner(runner),
		}
		if cfg.RepairTool.Binary != "" {
			toolOpts = append(toolOpts, agents.WithBinaryPath(cfg.RepairTool.Binary))
		}
		return Collaborators{
			Gateway:   llm.NewGateway(chat, cfg.LLM, llm.WithWorkspace(workspace)),
			Sandbox:   sandbox.New(workspace, cfg.Sandbox, sandbox.WithRunner(runner)),
			Index:     symindex.New(workspace, cfg.Index),
			Committer: vcs.NewGit(workspace, runner),
			Tool:      agents.NewAiderAgent(toolOpts...),
		}
	}
}

// Registry returns the in-memory job registry.
func (s *Service) Registry() *jobs.Registry {
	return s.registry
}

// Submit creates a pending job and starts running it in the background.
// Workspace problems are reported through the job's events, not here.
func (s *Service) Submit(req Request) (*jobs.Job, error) {
	req.Goal = strings.TrimSpace(req.Goal)
	if req.Goal == "" {
		return nil, ErrEmptyGoal
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	job := s.registry.Create(req.Goal, req.Workspace)
	ctx, cancel := context.WithCancel(s.base)
	job.SetCancel(cancel)

	if s.store != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			// Persistence outlives cancellation of the run itself.
			if err := s.store.Track(context.Background(), job); err != nil {
				s.logger.WarnCtx("job persistence incomplete", map[string]any{"job_id": job.ID, "error": err.Error()})
			}
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.run(ctx, job, req)
	}()

	s.logger.InfoCtx("job submitted", map[string]any{"job_id": job.ID, "workspace": req.Workspace})
	return job, nil
}

func (s *Service) run(ctx context.Context, job *jobs.Job, req Request) {
	start := time.Now()
	log := s.logger.WithJob(job.ID)

	if err := job.Start(); err != nil {
		log.Errorf("start job: %v", err)
		return
	}
	s.metrics.JobStarted()

	c := s.collaborators(req.Workspace)

	cfg := orchestrator.FromConfig(s.cfg)
	if req.MaxIterations > 0 {
		cfg.MaxIterations = req.MaxIterations
	}
	if req.UseRepairTool != nil {
		cfg.UseRepairTool = *req.UseRepairTool
	}
	// With refresh on, the orchestrator builds the index at the top of
	// every iteration, the first included.
	if !cfg.RefreshIndex {
		s.buildIndex(ctx, job, c.Index)
	}

	opts := []orchestrator.Option{
		orchestrator.WithConfig(cfg),
		orchestrator.WithWorkspace(req.Workspace),
		orchestrator.WithLogger(logging.Component("orchestrator").WithJob(job.ID)),
		orchestrator.WithEventHandler(func(e orchestrator.Event) { s.emit(job, e) }),
	}
	if c.Gateway != nil {
		opts = append(opts, orchestrator.WithGateway(c.Gateway))
	}
	if c.Sandbox != nil {
		opts = append(opts, orchestrator.WithSandbox(c.Sandbox))
	}
	if c.Index != nil {
		opts = append(opts, orchestrator.WithIndex(c.Index), orchestrator.WithRefresher(c.Index))
	}
	if c.Committer != nil {
		opts = append(opts, orchestrator.WithCommitter(c.Committer))
	}
	if c.Tool != nil {
		opts = append(opts, orchestrator.WithRepairTool(c.Tool))
	}

	res, err := orchestrator.New(opts...).Run(ctx, req.Goal)
	status := jobs.StatusFor(res)
	if ferr := job.Finish(status, res); ferr != nil {
		log.Errorf("finish job: %v", ferr)
	}

	outcome := string(orchestrator.RunError)
	iterations := 0
	if res != nil {
		outcome = string(res.Status)
		iterations = res.Iterations
	}
	s.metrics.JobFinished(string(status), outcome, iterations, time.Since(start))

	fields := map[string]any{"status": string(status), "outcome": outcome, "iterations": iterations}
	if err != nil {
		fields["error"] = err.Error()
	}
	log.InfoCtx("job finished", fields)
}

// buildIndex builds the workspace's symbol index once before the loop starts.
// A failure is a warning: retrieval then works from whatever is on disk.
func (s *Service) buildIndex(ctx context.Context, job *jobs.Job, idx Indexer) {
	if idx == nil || sandbox.ValidateWorkspace(job.Workspace) != nil {
		return
	}
	count, err := idx.Refresh(ctx)
	if err != nil {
		s.emit(job, orchestrator.Event{
			Kind:    orchestrator.EventWarn,
			Message: fmt.Sprintf("index degraded: %v", err),
			Data:    orchestrator.WarnData{Stage: "index", Error: err.Error()},
		})
		return
	}
	s.emit(job, orchestrator.Event{
		Kind:    orchestrator.EventIndex,
		Message: fmt.Sprintf("Index built: %d symbols", count),
		Data:    orchestrator.IndexData{Count: count},
	})
}

func (s *Service) emit(job *jobs.Job, e orchestrator.Event) {
	if _, ok := job.Emit(e); !ok {
		return
	}
	s.metrics.Event(string(e.Kind))
	if d, ok := e.Data.(orchestrator.IndexData); ok {
		s.metrics.IndexBuilt(d.Count)
	}
}

// Get returns a job from memory, falling back to the store for jobs from
// earlier processes.
func (s *Service) Get(ctx context.Context, id string) (jobs.Snapshot, error) {
	if job, ok := s.registry.Get(id); ok {
		return job.Snapshot(), nil
	}
	if s.store == nil {
		return jobs.Snapshot{}, fmt.Errorf("%s: %w", id, jobs.ErrNotFound)
	}
	return s.store.Load(ctx, id)
}

// List returns recent jobs newest first, without events. Live jobs report
// their in-memory state.
func (s *Service) List(ctx context.Context, limit int) ([]jobs.Snapshot, error) {
	byID := make(map[string]jobs.Snapshot)
	if s.store != nil {
		stored, err := s.store.List(ctx, limit)
		if err != nil {
			return nil, err
		}
		for _, snap := range stored {
			byID[snap.ID] = snap
		}
	}
	for _, job := range s.registry.List() {
		snap := job.Snapshot()
		snap.Events = nil
		byID[snap.ID] = snap
	}

	out := make([]jobs.Snapshot, 0, len(byID))
	for _, snap := range byID {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Cancel requests cancellation of a live job.
func (s *Service) Cancel(id string) error {
	job, ok := s.registry.Get(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, jobs.ErrNotFound)
	}
	return job.Cancel()
}

// Reindex rebuilds the symbol index of a workspace outside of any job.
func (s *Service) Reindex(ctx context.Context, workspace string) (int, error) {
	if err := sandbox.ValidateWorkspace(workspace); err != nil {
		return 0, err
	}
	idx := s.collaborators(workspace).Index
	if idx == nil {
		return 0, errors.New("no symbol index configured")
	}
	count, err := idx.Refresh(ctx)
	if err != nil {
		return 0, fmt.Errorf("reindex %s: %w", workspace, err)
	}
	s.metrics.IndexBuilt(count)
	s.logger.InfoCtx("workspace reindexed", map[string]any{"workspace": workspace, "symbols": count})
	return count, nil
}

// Shutdown stops accepting jobs, cancels the running ones and waits for
// them and their persistence to finish, or for ctx to end.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
