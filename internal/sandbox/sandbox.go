// Package sandbox applies patches to a workspace and runs its test command.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/marcus/greenloop/internal/agents"
	"github.com/marcus/greenloop/internal/config"
	"github.com/marcus/greenloop/internal/logging"
	"github.com/marcus/greenloop/internal/patch"
)

// Workspace validation errors.
var (
	ErrNoWorkspace      = errors.New("workspace path is empty")
	ErrWorkspaceMissing = errors.New("workspace does not exist")
	ErrNotDirectory     = errors.New("workspace is not a directory")
	ErrNoTestCommand    = errors.New("test command is empty")
	ErrNoFileBlocks     = errors.New("patch has no file blocks")
)

// TestResult is the outcome of one test command run.
type TestResult struct {
	ExitCode int           `json:"code"`
	OK       bool          `json:"ok"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

// Output joins stdout and stderr the way failure traces are built.
func (r TestResult) Output() string {
	return strings.TrimSpace(r.Stdout + "\n" + r.Stderr)
}

// Failed builds the result reported when the test command could not run.
func Failed(err error) TestResult {
	return TestResult{ExitCode: -1, Stderr: err.Error()}
}

// Sandbox executes against one workspace directory.
type Sandbox struct {
	workspace string
	cfg       config.SandboxConfig
	runner    agents.CommandRunner
	logger    *logging.Logger
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithRunner sets the command runner (for testing).
func WithRunner(r agents.CommandRunner) Option {
	return func(s *Sandbox) {
		s.runner = r
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Sandbox) {
		s.logger = l
	}
}

// New creates a Sandbox for workspace.
func New(workspace string, cfg config.SandboxConfig, opts ...Option) *Sandbox {
	s := &Sandbox{
		workspace: workspace,
		cfg:       cfg,
		runner:    &agents.ExecRunner{},
		logger:    logging.Component("sandbox"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.Shell == "" {
		s.cfg.Shell = "sh"
	}
	return s
}

// Workspace returns the workspace root.
func (s *Sandbox) Workspace() string {
	return s.workspace
}

// Validate checks the workspace and test command before a run starts.
func (s *Sandbox) Validate() error {
	if err := ValidateWorkspace(s.workspace); err != nil {
		return err
	}
	if strings.TrimSpace(s.cfg.TestCommand) == "" {
		return ErrNoTestCommand
	}
	return nil
}

// ValidateWorkspace checks that path names an existing directory.
func ValidateWorkspace(path string) error {
	if strings.TrimSpace(path) == "" {
		return ErrNoWorkspace
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", path, ErrWorkspaceMissing)
		}
		return fmt.Errorf("stat workspace: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: %w", path, ErrNotDirectory)
	}
	return nil
}

// ApplyPatch writes p into the workspace. An empty patch is a successful
// no-op. A false return leaves the workspace as it was for unified diffs
// (git apply is atomic) and leaves every file block either fully written or
// untouched.
func (s *Sandbox) ApplyPatch(ctx context.Context, p patch.Patch) (bool, error) {
	if s.cfg.ApplyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ApplyTimeout)
		defer cancel()
	}

	switch p.Encoding() {
	case patch.EncodingEmpty:
		return true, nil
	case patch.EncodingUnified:
		return s.applyUnified(ctx, p)
	default:
		return s.applyFiles(ctx, p)
	}
}

func (s *Sandbox) applyUnified(ctx context.Context, p patch.Patch) (bool, error) {
	if _, err := patch.Inspect(p); err != nil {
		return false, err
	}

	f, err := os.CreateTemp("", "greenloop-*.patch")
	if err != nil {
		return false, fmt.Errorf("create patch file: %w", err)
	}
	defer func() { _ = os.Remove(f.Name()) }()

	text := strings.TrimSpace(p.Diff) + "\n"
	if _, err := f.WriteString(text); err != nil {
		_ = f.Close()
		return false, fmt.Errorf("write patch file: %w", err)
	}
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("close patch file: %w", err)
	}

	_, stderr, code, err := s.runner.Run(ctx, "git", []string{"apply", "--whitespace=nowarn", f.Name()}, s.workspace, "")
	if err != nil || code != 0 {
		s.logger.WarnCtx("git apply failed", map[string]any{"exit_code": code, "stderr": strings.TrimSpace(stderr)})
		if err == nil {
			err = fmt.Errorf("git apply exited %d", code)
		}
		return false, fmt.Errorf("git apply: %w: %s", err, strings.TrimSpace(stderr))
	}
	return true, nil
}

func (s *Sandbox) applyFiles(ctx context.Context, p patch.Patch) (bool, error) {
	blocks := patch.FileBlocks(p.Diff)
	if len(blocks) == 0 {
		return false, ErrNoFileBlocks
	}

	applied := 0
	var errs []error
	for _, b := range blocks {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		target, err := patch.Resolve(s.workspace, b.Path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := writeFileAtomic(target, []byte(b.Content)); err != nil {
			errs = append(errs, fmt.Errorf("write %s: %w", b.Path, err))
			continue
		}
		applied++
	}

	s.logger.DebugCtx("applied file blocks", map[string]any{"applied": applied, "blocks": len(blocks)})
	return applied > 0, errors.Join(errs...)
}

// writeFileAtomic replaces path in full via a temp file and rename.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	mode := os.FileMode(0644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(dir, ".greenloop-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

// RunTests executes the configured test command in the workspace. When the
// workspace carries the configured compose file the command runs inside the
// compose sandbox service instead. A non-nil error means the command could
// not run to completion; the result still carries whatever was captured.
func (s *Sandbox) RunTests(ctx context.Context) (TestResult, error) {
	if s.cfg.TestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.TestTimeout)
		defer cancel()
	}

	command := s.testCommand()
	start := time.Now()
	stdout, stderr, code, err := s.runner.Run(ctx, s.cfg.Shell, []string{"-c", command}, s.workspace, "")
	result := TestResult{
		ExitCode: code,
		Stdout:   stdout,
		Stderr:   stderr,
		Duration: time.Since(start),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		result.ExitCode = -1
		result.Stderr = strings.TrimSpace(result.Stderr + "\n" + fmt.Sprintf("test command aborted: %v", ctxErr))
		return result, ctxErr
	}

	// A plain non-zero exit is a test failure, not an execution error.
	result.OK = err == nil && code == 0
	if err != nil && code <= 0 {
		result.ExitCode = -1
		result.Stderr = strings.TrimSpace(result.Stderr + "\n" + err.Error())
		return result, fmt.Errorf("run tests: %w", err)
	}
	return result, nil
}

func (s *Sandbox) testCommand() string {
	if s.cfg.ComposeFile == "" {
		return s.cfg.TestCommand
	}
	composePath := filepath.Join(s.workspace, s.cfg.ComposeFile)
	if _, err := os.Stat(composePath); err != nil {
		return s.cfg.TestCommand
	}
	svc := s.cfg.ComposeSvc
	if svc == "" {
		svc = "sandbox"
	}
	return fmt.Sprintf("docker compose -f %s run --rm %s %s", s.cfg.ComposeFile, svc, s.cfg.TestCommand)
}
