// Package orchestrator drives a repair run.
// Each iteration plans a step, retrieves context, applies a patch and runs
// the tests, with one repair attempt when the tests stay red.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/marcus/greenloop/internal/agents"
	"github.com/marcus/greenloop/internal/config"
	"github.com/marcus/greenloop/internal/llm"
	"github.com/marcus/greenloop/internal/logging"
	"github.com/marcus/greenloop/internal/patch"
	"github.com/marcus/greenloop/internal/sandbox"
	"github.com/marcus/greenloop/internal/symindex"
	"github.com/marcus/greenloop/internal/vcs"
)

// Constants for orchestration.
const (
	DefaultMaxIterations = config.DefaultMaxIterations
	DefaultRetrieveK     = config.DefaultRetrieveK
	DefaultOutputLimit   = config.DefaultOutputLimit
	DefaultCallTimeout   = config.DefaultLLMTimeout
)

// RunStatus is the outcome of a run.
type RunStatus string

const (
	RunDone      RunStatus = "done"
	RunFailed    RunStatus = "failed"
	RunError     RunStatus = "error"
	RunCancelled RunStatus = "cancelled"
)

// Errors returned for runs that could not start.
var (
	ErrNoGateway = errors.New("no gateway configured")
	ErrNoSandbox = errors.New("no sandbox configured")
)

// Result holds the outcome of a run.
type Result struct {
	Status     RunStatus           `json:"status"`
	OK         bool                `json:"ok"`
	Iterations int                 `json:"iterations"`
	Repairs    int                 `json:"repairs"`
	Committed  bool                `json:"committed"`
	LastTest   *sandbox.TestResult `json:"last_test,omitempty"`
	Error      string              `json:"error,omitempty"`
	Duration   time.Duration       `json:"duration"`
}

// RunState is the mutable state of one run. It is owned by the run's
// goroutine and never shared.
type RunState struct {
	Goal       string
	Iteration  int
	LastStep   *llm.Step
	LastPatch  patch.Patch
	LastResult *sandbox.TestResult
}

// plannerState is the view of the run shown to the planner.
func (s *RunState) plannerState() llm.State {
	st := llm.State{Iteration: s.Iteration, LastStep: s.LastStep, LastPatch: s.LastPatch.Diff}
	if s.LastResult != nil {
		ok, code := s.LastResult.OK, s.LastResult.ExitCode
		st.LastTestOK = &ok
		st.LastExit = &code
	}
	return st
}

// Gateway plans steps and proposes patches.
type Gateway interface {
	PlanStep(ctx context.Context, goal string, state llm.State) (llm.Step, error)
	ProposePatch(ctx context.Context, task string, snippets []symindex.Snippet, trace string) (patch.Patch, error)
}

// Sandbox applies patches and runs the test command.
type Sandbox interface {
	Validate() error
	ApplyPatch(ctx context.Context, p patch.Patch) (bool, error)
	RunTests(ctx context.Context) (sandbox.TestResult, error)
}

// Index answers retrieval queries.
type Index interface {
	Query(ctx context.Context, text string, k int) ([]symindex.Snippet, error)
}

// Refresher rebuilds the index.
type Refresher interface {
	Refresh(ctx context.Context) (int, error)
}

// Committer records a green build.
type Committer interface {
	Commit(ctx context.Context, message string) error
}

// Config holds orchestrator configuration.
type Config struct {
	MaxIterations int           // iteration budget (default 3)
	RetrieveK     int           // snippets per retrieval (default 8)
	OutputLimit   int           // byte cap for test output in events and traces
	UseRepairTool bool          // run the repair tool on every proposed patch
	RefreshIndex  bool          // rebuild the index at the top of each iteration
	LLMTimeout    time.Duration // per gateway call
	ApplyTimeout  time.Duration // per patch apply
	TestTimeout   time.Duration // per test run
	ToolTimeout   time.Duration // per repair tool run
}

// DefaultConfig returns default orchestrator config.
func DefaultConfig() Config {
	return Config{
		MaxIterations: DefaultMaxIterations,
		RetrieveK:     DefaultRetrieveK,
		OutputLimit:   DefaultOutputLimit,
		LLMTimeout:    DefaultCallTimeout,
		ApplyTimeout:  config.DefaultApplyTimeout,
		TestTimeout:   config.DefaultTestTimeout,
		ToolTimeout:   agents.DefaultTimeout,
		RefreshIndex:  true,
	}
}

// FromConfig maps the loaded configuration onto orchestrator settings.
func FromConfig(c *config.Config) Config {
	return Config{
		MaxIterations: c.Run.MaxIterations,
		RetrieveK:     c.Run.RetrieveK,
		OutputLimit:   c.Run.OutputLimit,
		UseRepairTool: c.Run.UseRepairTool,
		RefreshIndex:  c.Run.RefreshIndex,
		LLMTimeout:    c.LLM.Timeout,
		ApplyTimeout:  c.Sandbox.ApplyTimeout,
		TestTimeout:   c.Sandbox.TestTimeout,
		ToolTimeout:   c.LLM.Timeout,
	}
}

// Orchestrator runs the plan-retrieve-implement-test loop for one workspace.
type Orchestrator struct {
	gateway      Gateway
	sandbox      Sandbox
	index        Index
	refresher    Refresher
	committer    Committer
	tool         agents.Agent
	workspace    string
	config       Config
	logger       *logging.Logger
	eventHandler EventHandler
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithGateway(g Gateway) Option     { return func(o *Orchestrator) { o.gateway = g } }
func WithSandbox(s Sandbox) Option     { return func(o *Orchestrator) { o.sandbox = s } }
func WithIndex(i Index) Option         { return func(o *Orchestrator) { o.index = i } }
func WithRefresher(r Refresher) Option { return func(o *Orchestrator) { o.refresher = r } }
func WithCommitter(c Committer) Option { return func(o *Orchestrator) { o.committer = c } }

// WithRepairTool sets the external repair tool used when Config.UseRepairTool is on.
func WithRepairTool(a agents.Agent) Option {
	return func(o *Orchestrator) {
		o.tool = a
	}
}

// WithWorkspace sets the directory the repair tool runs in.
func WithWorkspace(dir string) Option {
	return func(o *Orchestrator) {
		o.workspace = dir
	}
}

// WithConfig sets orchestrator configuration.
func WithConfig(c Config) Option {
	return func(o *Orchestrator) {
		o.config = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithEventHandler sets the callback that receives every run event.
func WithEventHandler(h EventHandler) Option {
	return func(o *Orchestrator) {
		o.eventHandler = h
	}
}

// New creates an orchestrator with the given options.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		config: DefaultConfig(),
		logger: logging.Component("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.config.MaxIterations <= 0 {
		o.config.MaxIterations = DefaultMaxIterations
	}
	if o.config.RetrieveK <= 0 {
		o.config.RetrieveK = DefaultRetrieveK
	}
	if o.config.OutputLimit <= 0 {
		o.config.OutputLimit = DefaultOutputLimit
	}
	return o
}

// emit stamps e, logs it and hands it to the event handler.
func (o *Orchestrator) emit(e Event) {
	e.Time = time.Now()
	fields := map[string]any{"kind": string(e.Kind), "iteration": e.Iteration}
	if e.Repair {
		fields["repair"] = true
	}
	if e.Kind == EventWarn || e.Kind == EventError {
		o.logger.WarnCtx(e.Message, fields)
	} else {
		o.logger.InfoCtx(e.Message, fields)
	}
	if o.eventHandler != nil {
		o.eventHandler(e)
	}
}

func (o *Orchestrator) warn(iteration int, repair bool, stage string, err error) {
	o.emit(Event{
		Kind:      EventWarn,
		Iteration: iteration,
		Repair:    repair,
		Message:   fmt.Sprintf("%s degraded: %v", stage, err),
		Data:      WarnData{Stage: stage, Error: err.Error()},
	})
}

// Run executes the repair loop for goal. Exactly one terminal event (done,
// failed, error or cancelled) is emitted, always last. The returned error is
// non-nil only for error and cancelled outcomes.
func (o *Orchestrator) Run(ctx context.Context, goal string) (*Result, error) {
	start := time.Now()
	res := &Result{}

	if err := o.validate(); err != nil {
		return o.fail(res, start, err)
	}

	state := &RunState{Goal: goal}
	for it := 1; it <= o.config.MaxIterations; it++ {
		if err := ctx.Err(); err != nil {
			return o.cancel(res, start, it-1, err)
		}
		state.Iteration = it
		res.Iterations = it
		o.emit(Event{
			Kind:      EventIteration,
			Iteration: it,
			Message:   fmt.Sprintf("Iteration %d/%d", it, o.config.MaxIterations),
			Data:      IterationData{Iteration: it, Max: o.config.MaxIterations},
		})

		if err := o.refreshIndex(ctx, it); err != nil {
			return o.cancel(res, start, it, err)
		}

		step, err := o.plan(ctx, state)
		if err != nil {
			return o.cancel(res, start, it, err)
		}
		state.LastStep = &step

		snippets, err := o.retrieve(ctx, state, step)
		if err != nil {
			return o.cancel(res, start, it, err)
		}

		tr, err := o.attempt(ctx, state, snippets, "", false)
		if err != nil {
			return o.cancel(res, start, it, err)
		}
		res.LastTest = tr
		if tr.OK {
			return o.succeed(ctx, res, start, goal, it, "Green build!")
		}

		res.Repairs++
		tr, err = o.attempt(ctx, state, snippets, o.trace(*tr), true)
		if err != nil {
			return o.cancel(res, start, it, err)
		}
		res.LastTest = tr
		if tr.OK {
			return o.succeed(ctx, res, start, goal, it, "Green build after repair!")
		}
	}

	res.Status = RunFailed
	res.Duration = time.Since(start)
	res.Error = fmt.Sprintf("max iterations (%d) reached", o.config.MaxIterations)
	lastCode := 0
	if res.LastTest != nil {
		lastCode = res.LastTest.ExitCode
	}
	o.emit(Event{
		Kind:      EventFailed,
		Iteration: res.Iterations,
		Message:   res.Error,
		Data:      FailedData{Iterations: res.Iterations, LastExitCode: lastCode},
	})
	return res, nil
}

func (o *Orchestrator) validate() error {
	if o.gateway == nil {
		return ErrNoGateway
	}
	if o.sandbox == nil {
		return ErrNoSandbox
	}
	return o.sandbox.Validate()
}

func (o *Orchestrator) fail(res *Result, start time.Time, err error) (*Result, error) {
	res.Status = RunError
	res.Error = err.Error()
	res.Duration = time.Since(start)
	o.emit(Event{Kind: EventError, Message: err.Error(), Data: ErrorData{Error: err.Error()}})
	return res, err
}

func (o *Orchestrator) cancel(res *Result, start time.Time, iteration int, err error) (*Result, error) {
	res.Status = RunCancelled
	res.Error = err.Error()
	res.Duration = time.Since(start)
	o.emit(Event{Kind: EventCancelled, Iteration: iteration, Message: "run cancelled", Data: ErrorData{Error: err.Error()}})
	return res, err
}

func (o *Orchestrator) succeed(ctx context.Context, res *Result, start time.Time, goal string, iteration int, msg string) (*Result, error) {
	res.Committed = o.commit(ctx, goal, iteration)
	res.Status = RunDone
	res.OK = true
	res.Duration = time.Since(start)
	o.emit(Event{
		Kind:      EventDone,
		Iteration: iteration,
		Message:   msg,
		Data:      DoneData{Iterations: res.Iterations, Repairs: res.Repairs, Committed: res.Committed},
	})
	return res, nil
}

// refreshIndex rebuilds the index so retrieval sees patches applied by
// earlier iterations. Only cancellation is returned; rebuild failures degrade
// to a warning.
func (o *Orchestrator) refreshIndex(ctx context.Context, iteration int) error {
	if !o.config.RefreshIndex || o.refresher == nil {
		return nil
	}
	callCtx, cancel := withTimeout(ctx, o.config.LLMTimeout)
	defer cancel()

	count, err := o.refresher.Refresh(callCtx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.warn(iteration, false, "index", err)
		return nil
	}
	o.emit(Event{
		Kind:      EventIndex,
		Iteration: iteration,
		Message:   fmt.Sprintf("Index updated: %d symbols", count),
		Data:      IndexData{Count: count},
	})
	return nil
}

func (o *Orchestrator) plan(ctx context.Context, state *RunState) (llm.Step, error) {
	if err := ctx.Err(); err != nil {
		return llm.Step{}, err
	}
	callCtx, cancel := withTimeout(ctx, o.config.LLMTimeout)
	defer cancel()

	step, err := o.gateway.PlanStep(callCtx, state.Goal, state.plannerState())
	if err != nil {
		if ctx.Err() != nil {
			return llm.Step{}, ctx.Err()
		}
		o.warn(state.Iteration, false, "plan", err)
		if step == (llm.Step{}) {
			step = llm.FallbackStep
		}
	}

	o.emit(Event{
		Kind:      EventPlan,
		Iteration: state.Iteration,
		Message:   fmt.Sprintf("Plan: %s %s", step.Action, step.Target),
		Data:      PlanData{Step: step},
	})
	return step, nil
}

func (o *Orchestrator) retrieve(ctx context.Context, state *RunState, step llm.Step) ([]symindex.Snippet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query := step.Query(state.Goal)

	var snippets []symindex.Snippet
	if o.index != nil {
		var err error
		snippets, err = o.index.Query(ctx, query, o.config.RetrieveK)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			o.warn(state.Iteration, false, "retrieve", err)
			snippets = nil
		}
	}

	symbols := make([]string, 0, len(snippets))
	for _, s := range snippets {
		symbols = append(symbols, s.Path+":"+s.Name)
	}
	o.emit(Event{
		Kind:      EventRetrieve,
		Iteration: state.Iteration,
		Message:   fmt.Sprintf("Retrieved %d snippets for query '%s'.", len(snippets), query),
		Data:      RetrieveData{Query: query, Count: len(snippets), Symbols: symbols},
	})
	return snippets, nil
}

// attempt implements and tests once. It returns the test result, or an
// error only when the run was cancelled.
func (o *Orchestrator) attempt(ctx context.Context, state *RunState, snippets []symindex.Snippet, trace string, repair bool) (*sandbox.TestResult, error) {
	if err := o.implement(ctx, state, snippets, trace, repair); err != nil {
		return nil, err
	}
	tr, err := o.test(ctx, state.Iteration, repair)
	if err != nil {
		return nil, err
	}
	state.LastResult = tr
	return tr, nil
}

func (o *Orchestrator) implement(ctx context.Context, state *RunState, snippets []symindex.Snippet, trace string, repair bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	it := state.Iteration

	callCtx, cancel := withTimeout(ctx, o.config.LLMTimeout)
	p, err := o.gateway.ProposePatch(callCtx, state.Goal, snippets, trace)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.warn(it, repair, "implement", err)
	}
	state.LastPatch = p

	stats, statErr := patch.Inspect(p)

	if o.config.UseRepairTool && o.tool != nil && !p.Empty() {
		if err := o.runTool(ctx, it, repair, p, stats.Files); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	applyCtx, cancel := withTimeout(ctx, o.config.ApplyTimeout)
	applied, applyErr := o.sandbox.ApplyPatch(applyCtx, p)
	cancel()
	if applyErr != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	data := PatchData{
		Diff:     p.Diff,
		Encoding: string(p.Encoding()),
		Files:    stats.Files,
		Applied:  applied,
	}
	switch {
	case applyErr != nil:
		data.Error = applyErr.Error()
	case statErr != nil:
		data.Error = statErr.Error()
	}
	o.emit(Event{
		Kind:      EventPatch,
		Iteration: it,
		Repair:    repair,
		Message:   fmt.Sprintf("Patch applied: %t", applied),
		Data:      data,
	})
	return nil
}

func (o *Orchestrator) runTool(ctx context.Context, iteration int, repair bool, p patch.Patch, files []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	callCtx, cancel := withTimeout(ctx, o.config.ToolTimeout)
	defer cancel()

	out, err := o.tool.Execute(callCtx, agents.ExecuteOptions{
		Prompt:  p.Diff,
		WorkDir: o.workspace,
		Files:   files,
		Timeout: o.config.ToolTimeout,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.warn(iteration, repair, "tool", err)
		return nil
	}

	text := capTail(out.Text(), o.config.OutputLimit)
	o.emit(Event{
		Kind:      EventTool,
		Iteration: iteration,
		Repair:    repair,
		Message:   fmt.Sprintf("%s exited %d", o.tool.Name(), out.ExitCode),
		Data:      ToolData{Tool: o.tool.Name(), ExitCode: out.ExitCode, Output: text},
	})
	return nil
}

func (o *Orchestrator) test(ctx context.Context, iteration int, repair bool) (*sandbox.TestResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	callCtx, cancel := withTimeout(ctx, o.config.TestTimeout)
	tr, err := o.sandbox.RunTests(callCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		o.warn(iteration, repair, "test", err)
		tr.OK = false
		if tr.ExitCode == 0 {
			tr.ExitCode = -1
		}
		if !strings.Contains(tr.Stderr, err.Error()) {
			tr.Stderr = strings.TrimSpace(tr.Stderr + "\n" + err.Error())
		}
	}

	tr.Stdout = capTail(tr.Stdout, o.config.OutputLimit)
	tr.Stderr = capTail(tr.Stderr, o.config.OutputLimit)
	o.emit(Event{
		Kind:      EventTest,
		Iteration: iteration,
		Repair:    repair,
		Message:   fmt.Sprintf("Test exit code %d, ok=%t", tr.ExitCode, tr.OK),
		Data: TestData{
			ExitCode:   tr.ExitCode,
			OK:         tr.OK,
			Stdout:     tr.Stdout,
			Stderr:     tr.Stderr,
			DurationMS: tr.Duration.Milliseconds(),
		},
	})
	return &tr, nil
}

// commit records the green build. Failures are reported as warnings and
// never change the outcome.
func (o *Orchestrator) commit(ctx context.Context, goal string, iteration int) bool {
	if o.committer == nil {
		return false
	}
	if ctx.Err() != nil {
		return false
	}
	callCtx, cancel := withTimeout(ctx, o.config.ApplyTimeout)
	defer cancel()

	if err := o.committer.Commit(callCtx, vcs.CommitMessage(goal)); err != nil {
		o.warn(iteration, false, "commit", err)
		return false
	}
	return true
}

// trace builds the repair prompt's failure trace from a test result.
func (o *Orchestrator) trace(tr sandbox.TestResult) string {
	return capTail(tr.Output(), o.config.OutputLimit)
}

// capTail keeps at most limit bytes from the end of s, cut on a rune boundary.
func capTail(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := len(s) - limit
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return s[cut:]
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
