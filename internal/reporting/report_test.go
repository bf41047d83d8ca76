package reporting

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/marcus/greenloop/internal/jobs"
	"github.com/marcus/greenloop/internal/orchestrator"
	"github.com/marcus/greenloop/internal/sandbox"
)

func sampleSnapshot() jobs.Snapshot {
	created := time.Date(2026, 2, 3, 10, 0, 0, 0, time.Local)
	started := created.Add(time.Second)
	finished := started.Add(95 * time.Second)
	return jobs.Snapshot{
		ID:         "4f1c2a9e-0000-4000-8000-000000000000",
		Goal:       "make test_add pass\nextra context",
		Workspace:  "/work/calc",
		Status:     jobs.StatusDone,
		CreatedAt:  created,
		StartedAt:  &started,
		FinishedAt: &finished,
		Result: &orchestrator.Result{
			Status:     orchestrator.RunDone,
			OK:         true,
			Iterations: 1,
			Repairs:    1,
			Committed:  true,
			LastTest:   &sandbox.TestResult{ExitCode: 0, OK: true, Stdout: "1 passed"},
		},
		Events: []orchestrator.Event{
			{Seq: 1, Kind: orchestrator.EventPlan, Time: started, Iteration: 1, Message: "implement add"},
			{Seq: 2, Kind: orchestrator.EventWarn, Time: started, Iteration: 1, Message: "retrieve failed: index missing"},
			{Seq: 3, Kind: orchestrator.EventTest, Time: started, Iteration: 1, Message: "exit 1"},
			{Seq: 4, Kind: orchestrator.EventPatch, Time: started, Iteration: 1, Repair: true, Message: "patched calc.py"},
			{Seq: 5, Kind: orchestrator.EventDone, Time: finished, Iteration: 1, Repair: true, Message: "tests green"},
		},
	}
}

func TestRenderJobReport(t *testing.T) {
	report, err := RenderJobReport(sampleSnapshot())
	if err != nil {
		t.Fatalf("RenderJobReport: %v", err)
	}

	for _, want := range []string{
		"# Greenloop Job 4f1c2a9e - 2026-02-03 10:00",
		"- Goal: make test_add pass\n",
		"- Workspace: /work/calc",
		"- Duration: 1m35s",
		"- Outcome: tests green",
		"- Iterations: 1 (1 repair attempt(s))",
		"- Committed: true",
		"## Timeline",
		"1. plan: implement add",
		"1. patch (repair): patched calc.py",
		"## Warnings",
		"- iteration 1: retrieve failed: index missing",
		"## Last Test Run",
		"Exit code 0.",
		"1 passed",
	} {
		if !strings.Contains(report, want) {
			t.Errorf("report missing %q:\n%s", want, report)
		}
	}
	if strings.Contains(report, "extra context") {
		t.Error("goal should be cut to its first line")
	}
	if strings.Contains(report, "warn: retrieve failed") {
		t.Error("warnings should not appear in the timeline")
	}
}

func TestRenderJobReportMinimal(t *testing.T) {
	report, err := RenderJobReport(jobs.Snapshot{ID: "abc", Status: jobs.StatusPending})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(report, "- Status: pending") {
		t.Errorf("unexpected report:\n%s", report)
	}
	for _, absent := range []string{"## Timeline", "## Warnings", "## Last Test Run", "Outcome"} {
		if strings.Contains(report, absent) {
			t.Errorf("minimal report should not contain %q", absent)
		}
	}

	if _, err := RenderJobReport(jobs.Snapshot{}); !errors.Is(err, ErrNoJob) {
		t.Errorf("err = %v, want ErrNoJob", err)
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		status orchestrator.RunStatus
		want   string
	}{
		{orchestrator.RunDone, "tests green"},
		{orchestrator.RunFailed, "iteration budget exhausted"},
		{orchestrator.RunCancelled, "cancelled"},
		{orchestrator.RunError, "error"},
	}
	for _, tt := range tests {
		if got := outcome(&orchestrator.Result{Status: tt.status}); got != tt.want {
			t.Errorf("outcome(%s) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestTail(t *testing.T) {
	var lines []string
	for i := 0; i < 50; i++ {
		lines = append(lines, "line")
	}
	lines[49] = "last"
	got := tail(strings.Join(lines, "\n")+"\n", 3)
	if got != "...\nline\nline\nlast" {
		t.Errorf("tail = %q", got)
	}
	if tail("", 3) != "" {
		t.Error("empty input should give empty output")
	}
}

func TestSaveJobReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "report.md")
	if err := SaveJobReport(sampleSnapshot(), path); err != nil {
		t.Fatalf("SaveJobReport: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "# Greenloop Job") {
		t.Errorf("unexpected content: %q", string(data[:40]))
	}
}

func TestDefaultReportPath(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	got := DefaultReportPath("0123456789abcdef", ts)
	if filepath.Base(got) != "job-2026-01-02-030405-01234567.md" {
		t.Errorf("path = %s", got)
	}
	if filepath.Dir(got) != DefaultReportsDir() {
		t.Errorf("dir = %s, want %s", filepath.Dir(got), DefaultReportsDir())
	}
}
