package vcs

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeRunner struct {
	calls  [][]string
	failOn string
}

func (f *fakeRunner) Run(ctx context.Context, name string, args []string, dir string, stdin string) (string, string, int, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if len(args) > 0 && args[0] == f.failOn {
		return "", "nothing to commit", 1, errors.New("exit status 1")
	}
	return "", "", 0, nil
}

func TestCommitMessage(t *testing.T) {
	long := strings.Repeat("x", 100)
	tests := []struct {
		goal string
		want string
	}{
		{"fix add", "AI patch: fix add"},
		{long, "AI patch: " + long[:60]},
		{"", "AI patch: "},
	}
	for _, tt := range tests {
		if got := CommitMessage(tt.goal); got != tt.want {
			t.Errorf("CommitMessage(%q) = %q, want %q", tt.goal, got, tt.want)
		}
	}
}

func TestGitCommit(t *testing.T) {
	r := &fakeRunner{}
	if err := NewGit("/ws", r).Commit(context.Background(), "AI patch: fix add"); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	want := []string{"git add -A", "git commit -m AI patch: fix add"}
	if len(r.calls) != 2 {
		t.Fatalf("calls = %v", r.calls)
	}
	for i, w := range want {
		if got := strings.Join(r.calls[i], " "); got != w {
			t.Errorf("call %d = %q, want %q", i, got, w)
		}
	}
}

func TestGitCommitFailure(t *testing.T) {
	r := &fakeRunner{failOn: "commit"}
	err := NewGit("/ws", r).Commit(context.Background(), "m")
	if err == nil || !strings.Contains(err.Error(), "nothing to commit") {
		t.Errorf("err = %v", err)
	}
}
