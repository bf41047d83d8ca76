package commands

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/marcus/greenloop/internal/jobs"
	"github.com/marcus/greenloop/internal/orchestrator"
)

// runStyles holds lipgloss styles for colored run output.
type runStyles struct {
	Title   lipgloss.Style
	Phase   lipgloss.Style
	Label   lipgloss.Style
	Value   lipgloss.Style
	Muted   lipgloss.Style
	Warn    lipgloss.Style
	Error   lipgloss.Style
	Success lipgloss.Style
	Accent  lipgloss.Style
}

func newRunStyles() runStyles {
	return runStyles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69")),
		Phase:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("81")),
		Label:   lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		Value:   lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		Muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		Warn:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		Error:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
		Success: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42")),
		Accent:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("81")),
	}
}

// asyncSpinner renders a braille spinner on the current line using \r.
type asyncSpinner struct {
	out     io.Writer
	mu      sync.Mutex
	label   string
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

func (s *asyncSpinner) start(label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.label = label
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run()
}

func (s *asyncSpinner) run() {
	defer close(s.doneCh)
	idx := 0
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			s.mu.Lock()
			clearLen := len(s.label) + 4
			s.mu.Unlock()
			fmt.Fprintf(s.out, "\r%s\r", strings.Repeat(" ", clearLen))
			return
		case <-ticker.C:
			s.mu.Lock()
			label := s.label
			s.mu.Unlock()
			fmt.Fprintf(s.out, "\r  %s %s", spinnerFrames[idx%len(spinnerFrames)], label)
			idx++
		}
	}
}

func (s *asyncSpinner) stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()
	close(s.stopCh)
	<-s.doneCh
}

// liveRenderer prints job events as they arrive. Events come from one
// subscription goroutine, in order.
type liveRenderer struct {
	out       io.Writer
	styles    runStyles
	spinner   *asyncSpinner // nil when output is not a terminal
	iteration int
	repair    bool
}

func newLiveRenderer(out io.Writer, interactive bool) *liveRenderer {
	r := &liveRenderer{out: out, styles: newRunStyles()}
	if interactive {
		r.spinner = &asyncSpinner{out: out}
	}
	return r
}

func (r *liveRenderer) startSpinner(label string) {
	if r.spinner != nil {
		r.spinner.start(label)
	}
}

func (r *liveRenderer) stopSpinner() {
	if r.spinner != nil {
		r.spinner.stop()
	}
}

// cleanup stops the spinner if still running. Safe to call multiple times.
func (r *liveRenderer) cleanup() {
	r.stopSpinner()
}

// HandleEvent renders one event.
func (r *liveRenderer) HandleEvent(e orchestrator.Event) {
	r.stopSpinner()
	s := r.styles

	if e.Kind == orchestrator.EventIteration {
		r.iteration, r.repair = e.Iteration, false
		fmt.Fprintf(r.out, "  %s\n", s.Label.Render(e.Message))
		r.startSpinner("planning")
		return
	}

	if e.Iteration > 0 && (e.Iteration != r.iteration || e.Repair != r.repair) {
		r.iteration, r.repair = e.Iteration, e.Repair
		label := fmt.Sprintf("Iteration %d", e.Iteration)
		if e.Repair {
			fmt.Fprintf(r.out, "  %s\n", s.Warn.Render(label+" repair"))
		} else {
			fmt.Fprintf(r.out, "  %s\n", s.Label.Render(label))
		}
	}

	switch e.Kind {
	case orchestrator.EventIndex:
		fmt.Fprintf(r.out, "  %s %s\n", s.Phase.Render("INDEX"), s.Muted.Render(e.Message))
	case orchestrator.EventPlan:
		fmt.Fprintf(r.out, "  %s %s\n", s.Phase.Render("PLAN"), s.Value.Render(e.Message))
		r.startSpinner("retrieving")
	case orchestrator.EventRetrieve:
		fmt.Fprintf(r.out, "  %s %s\n", s.Phase.Render("RETRIEVE"), s.Value.Render(e.Message))
		r.startSpinner("proposing patch")
	case orchestrator.EventPatch:
		fmt.Fprintf(r.out, "  %s %s\n", s.Phase.Render("PATCH"), s.Value.Render(e.Message))
		r.startSpinner("running tests")
	case orchestrator.EventTool:
		fmt.Fprintf(r.out, "  %s %s\n", s.Phase.Render("TOOL"), s.Value.Render(e.Message))
	case orchestrator.EventTest:
		label := s.Error.Render("TEST")
		if d, ok := e.Data.(orchestrator.TestData); ok && d.OK {
			label = s.Success.Render("TEST")
		}
		fmt.Fprintf(r.out, "  %s %s\n", label, e.Message)
	case orchestrator.EventWarn:
		fmt.Fprintf(r.out, "  %s %s\n", s.Warn.Render("WARN"), e.Message)
	case orchestrator.EventDone:
		fmt.Fprintf(r.out, "  %s %s\n", s.Success.Render("GREEN"), e.Message)
	case orchestrator.EventFailed:
		fmt.Fprintf(r.out, "  %s %s\n", s.Error.Render("FAILED"), e.Message)
	case orchestrator.EventError:
		fmt.Fprintf(r.out, "  %s %s\n", s.Error.Render("ERROR"), e.Message)
	case orchestrator.EventCancelled:
		fmt.Fprintf(r.out, "  %s %s\n", s.Warn.Render("CANCELLED"), e.Message)
	}
}

// displayRunHeader renders the job header.
func displayRunHeader(out io.Writer, job *jobs.Job, maxIterations int) {
	s := newRunStyles()
	hr := strings.Repeat("─", 40)

	fmt.Fprintln(out)
	fmt.Fprintln(out, s.Title.Render("Repair Run"))
	fmt.Fprintln(out, s.Muted.Render(hr))
	fmt.Fprintf(out, "  %s %s\n", s.Label.Render("Job:"), s.Value.Render(job.ID))
	fmt.Fprintf(out, "  %s %s\n", s.Label.Render("Goal:"), s.Value.Render(job.Goal))
	fmt.Fprintf(out, "  %s %s\n", s.Label.Render("Workspace:"), s.Value.Render(job.Workspace))
	fmt.Fprintf(out, "  %s %s\n", s.Label.Render("Budget:"), s.Value.Render(fmt.Sprintf("%d iteration(s)", maxIterations)))
	fmt.Fprintln(out, s.Muted.Render(hr))
}

// displayRunSummary renders the final result.
func displayRunSummary(out io.Writer, status jobs.Status, res *orchestrator.Result) {
	s := newRunStyles()
	hr := strings.Repeat("─", 40)

	fmt.Fprintln(out)
	fmt.Fprintln(out, s.Muted.Render(hr))
	fmt.Fprintln(out, s.Title.Render("Run Complete"))
	if res == nil {
		fmt.Fprintf(out, "  %s %s\n", s.Label.Render("Status:"), s.Error.Render(string(status)))
		fmt.Fprintln(out)
		return
	}

	statusStyle := s.Success
	switch res.Status {
	case orchestrator.RunFailed, orchestrator.RunCancelled:
		statusStyle = s.Warn
	case orchestrator.RunError:
		statusStyle = s.Error
	}
	fmt.Fprintf(out, "  %s %s\n", s.Label.Render("Outcome:"), statusStyle.Render(string(res.Status)))
	fmt.Fprintf(out, "  %s %s\n", s.Label.Render("Duration:"), s.Value.Render(res.Duration.Round(time.Millisecond).String()))
	fmt.Fprintf(out, "  %s %s\n", s.Label.Render("Iterations:"),
		s.Value.Render(fmt.Sprintf("%d (%d repair attempt(s))", res.Iterations, res.Repairs)))
	if res.OK {
		committed := "no"
		if res.Committed {
			committed = "yes"
		}
		fmt.Fprintf(out, "  %s %s\n", s.Label.Render("Committed:"), s.Value.Render(committed))
	}
	if res.LastTest != nil {
		fmt.Fprintf(out, "  %s %s\n", s.Label.Render("Last exit:"), s.Value.Render(fmt.Sprintf("%d", res.LastTest.ExitCode)))
	}
	if res.Error != "" {
		fmt.Fprintf(out, "  %s %s\n", s.Label.Render("Reason:"), s.Muted.Render(res.Error))
	}
	fmt.Fprintln(out)
}
