package agents

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// MockRunner is a test double for CommandRunner.
type MockRunner struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
	Delay    time.Duration

	CapturedName string
	CapturedArgs []string
	CapturedDir  string
}

func (m *MockRunner) Run(ctx context.Context, name string, args []string, dir string, stdin string) (string, string, int, error) {
	m.CapturedName = name
	m.CapturedArgs = args
	m.CapturedDir = dir

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return "", "", -1, ctx.Err()
		}
	}

	return m.Stdout, m.Stderr, m.ExitCode, m.Err
}

func TestNewAiderAgent_Defaults(t *testing.T) {
	agent := NewAiderAgent()

	if agent.binaryPath != "aider" {
		t.Errorf("binaryPath = %q, want aider", agent.binaryPath)
	}
	if agent.timeout != DefaultTimeout {
		t.Errorf("timeout = %v, want %v", agent.timeout, DefaultTimeout)
	}
	if agent.Name() != "aider" {
		t.Errorf("Name() = %q", agent.Name())
	}
}

func TestAiderAgent_Execute_Args(t *testing.T) {
	mock := &MockRunner{Stdout: "Applied edit to calc.py"}
	agent := NewAiderAgent(WithRunner(mock), WithModel("gpt-4o-mini"), WithBinaryPath("/opt/aider"))

	result, err := agent.Execute(context.Background(), ExecuteOptions{
		Prompt:  "fix add()",
		WorkDir: "/workspace",
		Files:   []string{"calc.py"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsSuccess() {
		t.Errorf("expected success, got %+v", result)
	}

	want := []string{"--yes", "--no-auto-commits", "--model", "gpt-4o-mini", "calc.py", "--message", "fix add()"}
	if strings.Join(mock.CapturedArgs, " ") != strings.Join(want, " ") {
		t.Errorf("args = %v, want %v", mock.CapturedArgs, want)
	}
	if mock.CapturedName != "/opt/aider" {
		t.Errorf("binary = %q", mock.CapturedName)
	}
	if mock.CapturedDir != "/workspace" {
		t.Errorf("dir = %q", mock.CapturedDir)
	}
}

func TestAiderAgent_Execute_Timeout(t *testing.T) {
	mock := &MockRunner{Delay: 5 * time.Second}
	agent := NewAiderAgent(WithRunner(mock), WithDefaultTimeout(50*time.Millisecond))

	result, err := agent.Execute(context.Background(), ExecuteOptions{Prompt: "slow"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if result.ExitCode != -1 {
		t.Errorf("ExitCode = %d, want -1", result.ExitCode)
	}
	if !strings.Contains(result.Error, "timeout") {
		t.Errorf("Error = %q, want timeout message", result.Error)
	}
}

func TestAiderAgent_Execute_NonZeroExit(t *testing.T) {
	mock := &MockRunner{Stderr: "model not found", ExitCode: 2}
	agent := NewAiderAgent(WithRunner(mock))

	result, err := agent.Execute(context.Background(), ExecuteOptions{Prompt: "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsSuccess() {
		t.Error("expected failure for exit code 2")
	}
	if result.Text() != "model not found" {
		t.Errorf("Text() = %q", result.Text())
	}
}

func TestAiderAgent_Execute_RunnerError(t *testing.T) {
	mock := &MockRunner{Err: errors.New("exec: aider: not found"), ExitCode: -1}
	agent := NewAiderAgent(WithRunner(mock))

	result, err := agent.Execute(context.Background(), ExecuteOptions{Prompt: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(result.Error, "not found") {
		t.Errorf("Error = %q", result.Error)
	}
}

func TestExecRunner_CapturesOutputOnFailure(t *testing.T) {
	r := &ExecRunner{}
	stdout, stderr, code, err := r.Run(context.Background(), "sh", []string{"-c", "echo out; echo err >&2; exit 3"}, t.TempDir(), "")
	if err == nil {
		t.Fatal("expected exit error")
	}
	if code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
	if strings.TrimSpace(stdout) != "out" || strings.TrimSpace(stderr) != "err" {
		t.Errorf("stdout=%q stderr=%q", stdout, stderr)
	}
}
