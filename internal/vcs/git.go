// Package vcs records green builds in the workspace's git history.
package vcs

import (
	"context"
	"fmt"
	"strings"

	"github.com/marcus/greenloop/internal/agents"
)

// MaxSubjectGoal is how much of a goal goes into a commit subject.
const MaxSubjectGoal = 60

// CommitMessage builds the commit message for a green build of goal.
func CommitMessage(goal string) string {
	r := []rune(goal)
	if len(r) > MaxSubjectGoal {
		r = r[:MaxSubjectGoal]
	}
	return "AI patch: " + string(r)
}

// Git commits all workspace changes.
type Git struct {
	dir    string
	runner agents.CommandRunner
}

// NewGit creates a committer for the repository at dir. A nil runner uses
// os/exec.
func NewGit(dir string, runner agents.CommandRunner) *Git {
	if runner == nil {
		runner = &agents.ExecRunner{}
	}
	return &Git{dir: dir, runner: runner}
}

// Commit stages everything and commits it with message.
func (g *Git) Commit(ctx context.Context, message string) error {
	if err := g.git(ctx, "add", "-A"); err != nil {
		return err
	}
	return g.git(ctx, "commit", "-m", message)
}

func (g *Git) git(ctx context.Context, args ...string) error {
	_, stderr, code, err := g.runner.Run(ctx, "git", args, g.dir, "")
	if err != nil || code != 0 {
		msg := strings.TrimSpace(stderr)
		if err == nil {
			err = fmt.Errorf("exit %d", code)
		}
		return fmt.Errorf("git %s: %w: %s", args[0], err, msg)
	}
	return nil
}
