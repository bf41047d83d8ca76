// Package agents wraps external coding tools that edit a workspace on their own.
// The repair loop uses them as an optional second pass over a proposed patch.
package agents

import (
	"context"
	"time"
)

// DefaultTimeout bounds a single tool invocation.
const DefaultTimeout = 10 * time.Minute

// Agent is an external tool that acts on a workspace given a prompt.
type Agent interface {
	// Name returns the agent identifier.
	Name() string

	// Execute runs a prompt and returns the output.
	Execute(ctx context.Context, opts ExecuteOptions) (*ExecuteResult, error)
}

// ExecuteOptions configures an agent execution.
type ExecuteOptions struct {
	Prompt  string        // Instruction or patch text handed to the tool
	WorkDir string        // Workspace the tool edits
	Files   []string      // Files to add to the tool's chat, relative to WorkDir
	Timeout time.Duration // 0 uses the agent default
}

// ExecuteResult holds the outcome of an agent execution.
type ExecuteResult struct {
	Output   string
	ExitCode int
	Duration time.Duration
	Error    string
}

// IsSuccess returns true if the execution succeeded.
func (r *ExecuteResult) IsSuccess() bool {
	return r.ExitCode == 0 && r.Error == ""
}

// Text returns stdout, or the error text when stdout is empty.
func (r *ExecuteResult) Text() string {
	if r.Output != "" {
		return r.Output
	}
	return r.Error
}
