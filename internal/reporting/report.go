// Package reporting renders markdown reports of finished repair jobs.
package reporting

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/marcus/greenloop/internal/jobs"
	"github.com/marcus/greenloop/internal/orchestrator"
)

// maxTraceLines bounds the test output quoted in a report.
const maxTraceLines = 40

// ErrNoJob is returned for a snapshot without an ID.
var ErrNoJob = errors.New("snapshot has no job id")

// DefaultReportsDir returns the default directory for job reports.
func DefaultReportsDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "greenloop", "reports")
}

// DefaultReportPath returns the default path for a job's report.
func DefaultReportPath(jobID string, ts time.Time) string {
	return filepath.Join(DefaultReportsDir(),
		fmt.Sprintf("job-%s-%s.md", ts.Format("2006-01-02-150405"), shortID(jobID)))
}

// RenderJobReport renders a markdown report of one job: a summary, the
// iteration timeline and the final test output.
func RenderJobReport(snap jobs.Snapshot) (string, error) {
	if snap.ID == "" {
		return "", ErrNoJob
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# Greenloop Job %s - %s\n\n", shortID(snap.ID), snap.CreatedAt.Local().Format("2006-01-02 15:04"))

	buf.WriteString("## Summary\n")
	fmt.Fprintf(&buf, "- Goal: %s\n", firstLine(snap.Goal))
	fmt.Fprintf(&buf, "- Workspace: %s\n", snap.Workspace)
	fmt.Fprintf(&buf, "- Status: %s\n", snap.Status)
	if snap.StartedAt != nil && snap.FinishedAt != nil {
		fmt.Fprintf(&buf, "- Duration: %s\n", formatDuration(snap.FinishedAt.Sub(*snap.StartedAt)))
	}
	if r := snap.Result; r != nil {
		fmt.Fprintf(&buf, "- Outcome: %s\n", outcome(r))
		fmt.Fprintf(&buf, "- Iterations: %d (%d repair attempt(s))\n", r.Iterations, r.Repairs)
		if r.OK {
			fmt.Fprintf(&buf, "- Committed: %t\n", r.Committed)
		}
		if r.Error != "" {
			fmt.Fprintf(&buf, "- Error: %s\n", r.Error)
		}
	}
	buf.WriteString("\n")

	writeTimeline(&buf, snap.Events)
	writeWarnings(&buf, snap.Events)

	if r := snap.Result; r != nil && r.LastTest != nil {
		buf.WriteString("## Last Test Run\n")
		fmt.Fprintf(&buf, "Exit code %d.\n\n", r.LastTest.ExitCode)
		if trace := tail(r.LastTest.Output(), maxTraceLines); trace != "" {
			buf.WriteString("```\n" + trace + "\n```\n\n")
		}
	}

	return buf.String(), nil
}

// SaveJobReport writes a job report to disk.
func SaveJobReport(snap jobs.Snapshot, path string) error {
	content, err := RenderJobReport(snap)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating report dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}

func writeTimeline(buf *bytes.Buffer, events []orchestrator.Event) {
	if len(events) == 0 {
		return
	}
	buf.WriteString("## Timeline\n")
	for _, e := range events {
		if e.Kind == orchestrator.EventWarn {
			continue
		}
		label := string(e.Kind)
		if e.Iteration > 0 {
			label = fmt.Sprintf("%d. %s", e.Iteration, label)
			if e.Repair {
				label += " (repair)"
			}
		}
		fmt.Fprintf(buf, "- %s %s: %s\n", e.Time.Local().Format("15:04:05"), label, firstLine(e.Message))
	}
	buf.WriteString("\n")
}

func writeWarnings(buf *bytes.Buffer, events []orchestrator.Event) {
	var warns []orchestrator.Event
	for _, e := range events {
		if e.Kind == orchestrator.EventWarn {
			warns = append(warns, e)
		}
	}
	if len(warns) == 0 {
		return
	}
	buf.WriteString("## Warnings\n")
	for _, e := range warns {
		fmt.Fprintf(buf, "- iteration %d: %s\n", e.Iteration, firstLine(e.Message))
	}
	buf.WriteString("\n")
}

func outcome(r *orchestrator.Result) string {
	switch r.Status {
	case orchestrator.RunDone:
		return "tests green"
	case orchestrator.RunFailed:
		return "iteration budget exhausted"
	case orchestrator.RunCancelled:
		return "cancelled"
	default:
		return "error"
	}
}

func tail(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = append([]string{"..."}, lines[len(lines)-n:]...)
	}
	return strings.Join(lines, "\n")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}
