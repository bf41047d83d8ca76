package agents

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// AiderAgent drives the aider CLI in non-interactive mode.
type AiderAgent struct {
	binaryPath string
	model      string
	timeout    time.Duration
	runner     CommandRunner
}

// AiderOption configures an AiderAgent.
type AiderOption func(*AiderAgent)

// WithBinaryPath sets a custom path to the aider binary.
func WithBinaryPath(path string) AiderOption {
	return func(a *AiderAgent) {
		a.binaryPath = path
	}
}

// WithModel sets the model aider should use.
func WithModel(model string) AiderOption {
	return func(a *AiderAgent) {
		a.model = model
	}
}

// WithDefaultTimeout sets the default execution timeout.
func WithDefaultTimeout(d time.Duration) AiderOption {
	return func(a *AiderAgent) {
		a.timeout = d
	}
}

// WithRunner sets a custom command runner (for testing).
func WithRunner(r CommandRunner) AiderOption {
	return func(a *AiderAgent) {
		a.runner = r
	}
}

// NewAiderAgent creates an aider agent.
func NewAiderAgent(opts ...AiderOption) *AiderAgent {
	a := &AiderAgent{
		binaryPath: "aider",
		timeout:    DefaultTimeout,
		runner:     &ExecRunner{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns "aider".
func (a *AiderAgent) Name() string {
	return "aider"
}

// Execute runs aider --message with the prompt. Aider never commits; the
// repair loop owns commits.
func (a *AiderAgent) Execute(ctx context.Context, opts ExecuteOptions) (*ExecuteResult, error) {
	start := time.Now()

	timeout := a.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"--yes", "--no-auto-commits"}
	if a.model != "" {
		args = append(args, "--model", a.model)
	}
	args = append(args, opts.Files...)
	args = append(args, "--message", opts.Prompt)

	stdout, stderr, exitCode, err := a.runner.Run(ctx, a.binaryPath, args, opts.WorkDir, "")

	result := &ExecuteResult{
		Output:   stdout,
		ExitCode: exitCode,
		Duration: time.Since(start),
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.Error = fmt.Sprintf("timeout after %v", timeout)
		result.ExitCode = -1
		return result, ctx.Err()
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			result.Error = stderr
		} else {
			result.Error = err.Error()
		}
		return result, err
	}
	if exitCode != 0 {
		result.Error = stderr
	}

	return result, nil
}

// Available checks if the aider binary is on PATH.
func (a *AiderAgent) Available() bool {
	_, err := exec.LookPath(a.binaryPath)
	return err == nil
}
