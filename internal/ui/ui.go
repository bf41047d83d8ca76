// Package ui provides a terminal UI for watching a repair job.
// Uses Bubbletea for interactive display of the run's steps and events.
package ui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/marcus/greenloop/internal/jobs"
	"github.com/marcus/greenloop/internal/orchestrator"
)

// Panel represents which panel is currently focused.
type Panel int

const (
	PanelStatus Panel = iota
	PanelSteps
	PanelEvents
)

// StepStatus is the state of one stage of the current iteration.
type StepStatus int

const (
	StepPending StepStatus = iota
	StepRunning
	StepDone
	StepFailed
	StepWarned
)

func (s StepStatus) String() string {
	switch s {
	case StepPending:
		return "pending"
	case StepRunning:
		return "running"
	case StepDone:
		return "done"
	case StepFailed:
		return "failed"
	case StepWarned:
		return "degraded"
	default:
		return "?"
	}
}

// StepItem is one row of the step list.
type StepItem struct {
	Kind   orchestrator.EventKind
	Name   string
	Status StepStatus
	Detail string
}

// stages are the per-iteration steps, in order.
var stages = []struct {
	kind orchestrator.EventKind
	name string
}{
	{orchestrator.EventPlan, "Plan"},
	{orchestrator.EventRetrieve, "Retrieve"},
	{orchestrator.EventPatch, "Patch"},
	{orchestrator.EventTest, "Test"},
}

// warnStages maps a degraded stage onto the step it belongs to.
var warnStages = map[string]orchestrator.EventKind{
	"plan":      orchestrator.EventPlan,
	"retrieve":  orchestrator.EventRetrieve,
	"implement": orchestrator.EventPatch,
	"tool":      orchestrator.EventPatch,
	"test":      orchestrator.EventTest,
}

// LogEntry is one rendered event.
type LogEntry struct {
	Seq     int64
	Time    time.Time
	Kind    orchestrator.EventKind
	Message string
}

// Model holds the TUI state.
type Model struct {
	width       int
	height      int
	activePanel Panel
	quitting    bool

	// Status panel
	jobID         string
	goal          string
	workspace     string
	status        jobs.Status
	iteration     int
	maxIterations int
	repair        bool
	repairs       int
	lastExit      *int
	startedAt     time.Time
	finishedAt    time.Time
	outcome       string

	// Step list
	steps        []StepItem
	selectedStep int

	// Events
	logs      []LogEntry
	logScroll int

	progressTick int

	styles *Styles
}

// Styles holds lipgloss styles for the UI.
type Styles struct {
	ActiveBorder   lipgloss.Style
	InactiveBorder lipgloss.Style

	Title     lipgloss.Style
	Label     lipgloss.Style
	Value     lipgloss.Style
	Highlight lipgloss.Style
	Muted     lipgloss.Style

	StatusOK      lipgloss.Style
	StatusWarn    lipgloss.Style
	StatusError   lipgloss.Style
	StatusRunning lipgloss.Style

	StepSelected lipgloss.Style

	HelpKey  lipgloss.Style
	HelpText lipgloss.Style
}

func newStyles() *Styles {
	subtle := lipgloss.AdaptiveColor{Light: "#666", Dark: "#888"}
	highlight := lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	green := lipgloss.AdaptiveColor{Light: "#22863a", Dark: "#3fb950"}
	yellow := lipgloss.AdaptiveColor{Light: "#b08800", Dark: "#d29922"}
	red := lipgloss.AdaptiveColor{Light: "#cb2431", Dark: "#f85149"}
	blue := lipgloss.AdaptiveColor{Light: "#0366d6", Dark: "#58a6ff"}

	return &Styles{
		ActiveBorder: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(highlight),
		InactiveBorder: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(subtle),

		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(highlight).
			MarginBottom(1),
		Label:     lipgloss.NewStyle().Foreground(subtle),
		Value:     lipgloss.NewStyle().Bold(true),
		Highlight: lipgloss.NewStyle().Foreground(highlight).Bold(true),
		Muted:     lipgloss.NewStyle().Foreground(subtle),

		StatusOK:      lipgloss.NewStyle().Foreground(green).Bold(true),
		StatusWarn:    lipgloss.NewStyle().Foreground(yellow).Bold(true),
		StatusError:   lipgloss.NewStyle().Foreground(red).Bold(true),
		StatusRunning: lipgloss.NewStyle().Foreground(blue).Bold(true),

		StepSelected: lipgloss.NewStyle().
			Background(highlight).
			Foreground(lipgloss.Color("#fff")).
			Bold(true),

		HelpKey:  lipgloss.NewStyle().Foreground(highlight).Bold(true),
		HelpText: lipgloss.NewStyle().Foreground(subtle),
	}
}

// EventMsg delivers one job event to the model.
type EventMsg orchestrator.Event

// FinishedMsg reports that the job's event stream has ended.
type FinishedMsg struct {
	Status jobs.Status
	Result *orchestrator.Result
}

type tickMsg time.Time

// New creates a model for the given job.
func New(jobID, goal, workspace string, maxIterations int) *Model {
	return &Model{
		width:         80,
		height:        24,
		activePanel:   PanelStatus,
		jobID:         jobID,
		goal:          goal,
		workspace:     workspace,
		status:        jobs.StatusPending,
		maxIterations: maxIterations,
		steps:         freshSteps(),
		logs:          make([]LogEntry, 0),
		styles:        newStyles(),
	}
}

func freshSteps() []StepItem {
	steps := make([]StepItem, len(stages))
	for i, s := range stages {
		steps[i] = StepItem{Kind: s.kind, Name: s.name}
	}
	return steps
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

func tickCmd() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case EventMsg:
		m.Apply(orchestrator.Event(msg))
		return m, nil

	case FinishedMsg:
		m.Finish(msg.Status, msg.Result)
		return m, nil

	case tickMsg:
		m.progressTick++
		if m.status.Terminal() {
			return m, nil
		}
		return m, tickCmd()
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		m.quitting = true
		return m, tea.Quit

	case "tab", "right", "l":
		m.activePanel = (m.activePanel + 1) % 3

	case "shift+tab", "left", "h":
		m.activePanel = (m.activePanel + 2) % 3

	case "up", "k":
		switch m.activePanel {
		case PanelSteps:
			if m.selectedStep > 0 {
				m.selectedStep--
			}
		case PanelEvents:
			if m.logScroll > 0 {
				m.logScroll--
			}
		}

	case "down", "j":
		switch m.activePanel {
		case PanelSteps:
			if m.selectedStep < len(m.steps)-1 {
				m.selectedStep++
			}
		case PanelEvents:
			if m.logScroll < len(m.logs)-1 {
				m.logScroll++
			}
		}

	case "home", "g":
		if m.activePanel == PanelEvents {
			m.logScroll = 0
		}

	case "end", "G":
		if m.activePanel == PanelEvents && len(m.logs) > 0 {
			m.logScroll = len(m.logs) - 1
		}
	}
	return m, nil
}

// Apply folds one event into the model.
func (m *Model) Apply(e orchestrator.Event) {
	if m.status == jobs.StatusPending {
		m.status = jobs.StatusRunning
		m.startedAt = e.Time
	}

	// A new iteration, or the repair pass of the current one, starts the
	// step list over.
	if e.Iteration > 0 && (e.Iteration != m.iteration || e.Repair != m.repair) {
		m.iteration = e.Iteration
		m.repair = e.Repair
		if e.Repair {
			m.repairs++
		}
		m.steps = freshSteps()
	}

	switch e.Kind {
	case orchestrator.EventIteration:
		if d, ok := e.Data.(orchestrator.IterationData); ok && d.Max > 0 {
			m.maxIterations = d.Max
		}
	case orchestrator.EventPlan, orchestrator.EventRetrieve, orchestrator.EventPatch:
		m.markStep(e.Kind, StepDone, e.Message)
		m.markNext(e.Kind)
	case orchestrator.EventTest:
		status := StepFailed
		if d, ok := e.Data.(orchestrator.TestData); ok {
			code := d.ExitCode
			m.lastExit = &code
			if d.OK {
				status = StepDone
			}
		}
		m.markStep(e.Kind, status, e.Message)
	case orchestrator.EventWarn:
		if d, ok := e.Data.(orchestrator.WarnData); ok {
			if kind, ok := warnStages[d.Stage]; ok {
				m.markStep(kind, StepWarned, d.Error)
			}
		}
	case orchestrator.EventDone:
		m.outcome = "green"
	case orchestrator.EventFailed:
		m.outcome = "budget exhausted"
	case orchestrator.EventError:
		m.outcome = "error"
	case orchestrator.EventCancelled:
		m.outcome = "cancelled"
	}

	m.addLog(e)
}

// markStep sets a step's status. A warned step stays warned when its own
// event follows the warning.
func (m *Model) markStep(kind orchestrator.EventKind, status StepStatus, detail string) {
	for i := range m.steps {
		if m.steps[i].Kind != kind {
			continue
		}
		if m.steps[i].Status == StepWarned && status == StepDone {
			return
		}
		m.steps[i].Status = status
		m.steps[i].Detail = detail
		return
	}
}

// markNext shows the step after kind as running.
func (m *Model) markNext(kind orchestrator.EventKind) {
	for i := range m.steps {
		if m.steps[i].Kind == kind && i+1 < len(m.steps) && m.steps[i+1].Status == StepPending {
			m.steps[i+1].Status = StepRunning
			return
		}
	}
}

func (m *Model) addLog(e orchestrator.Event) {
	m.logs = append(m.logs, LogEntry{Seq: e.Seq, Time: e.Time, Kind: e.Kind, Message: e.Message})
	// Follow the tail unless the user scrolled up.
	if m.logScroll == len(m.logs)-2 || len(m.logs) == 1 {
		m.logScroll = len(m.logs) - 1
	}
}

// Finish records the job's final status.
func (m *Model) Finish(status jobs.Status, res *orchestrator.Result) {
	m.status = status
	m.finishedAt = time.Now()
	if res != nil {
		m.repairs = res.Repairs
		if res.Iterations > 0 {
			m.iteration = res.Iterations
		}
	}
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	topHeight := m.height / 2
	bottomHeight := m.height - topHeight - 3
	leftWidth := m.width / 2
	rightWidth := m.width - leftWidth

	statusBorder := m.getBorder(PanelStatus).Width(leftWidth - 2).Height(topHeight - 2)
	stepBorder := m.getBorder(PanelSteps).Width(rightWidth - 2).Height(topHeight - 2)
	logBorder := m.getBorder(PanelEvents).Width(m.width - 2).Height(bottomHeight - 2)

	topRow := lipgloss.JoinHorizontal(
		lipgloss.Top,
		statusBorder.Render(m.renderStatusPanel(leftWidth-2)),
		stepBorder.Render(m.renderStepPanel(topHeight-2)),
	)

	return lipgloss.JoinVertical(
		lipgloss.Left,
		topRow,
		logBorder.Render(m.renderEventPanel(m.width-2, bottomHeight-2)),
		m.renderHelpBar(),
	)
}

func (m Model) getBorder(panel Panel) lipgloss.Style {
	if m.activePanel == panel {
		return m.styles.ActiveBorder
	}
	return m.styles.InactiveBorder
}

func (m Model) statusStyle() lipgloss.Style {
	switch m.status {
	case jobs.StatusDone:
		if m.outcome == "green" {
			return m.styles.StatusOK
		}
		return m.styles.StatusWarn
	case jobs.StatusError:
		return m.styles.StatusError
	case jobs.StatusCancelled:
		return m.styles.StatusWarn
	case jobs.StatusRunning:
		return m.styles.StatusRunning
	default:
		return m.styles.Muted
	}
}

func (m Model) renderStatusPanel(width int) string {
	var b strings.Builder

	b.WriteString(m.styles.Title.Render("Repair Job"))
	b.WriteString("\n\n")

	status := string(m.status)
	if m.outcome != "" {
		status += " (" + m.outcome + ")"
	}
	writeField(&b, m.styles, "Job: ", m.styles.Muted.Render(shortID(m.jobID)))
	writeField(&b, m.styles, "Goal: ", m.styles.Value.Render(truncate(m.goal, width-8)))
	writeField(&b, m.styles, "Workspace: ", m.styles.Muted.Render(truncate(m.workspace, width-13)))
	writeField(&b, m.styles, "Status: ", m.statusStyle().Render(status))

	iter := fmt.Sprintf("%d / %d", m.iteration, m.maxIterations)
	if m.repair && !m.status.Terminal() {
		iter += " (repair)"
	}
	writeField(&b, m.styles, "Iteration: ", m.styles.Value.Render(iter))
	b.WriteString(m.renderProgressBar(m.iteration, m.maxIterations, width-4))
	b.WriteString("\n")

	writeField(&b, m.styles, "Repairs: ", m.styles.Value.Render(fmt.Sprintf("%d", m.repairs)))
	if m.lastExit != nil {
		writeField(&b, m.styles, "Last exit: ", m.styles.Value.Render(fmt.Sprintf("%d", *m.lastExit)))
	}
	if !m.startedAt.IsZero() {
		end := m.finishedAt
		if end.IsZero() {
			end = time.Now()
		}
		writeField(&b, m.styles, "Elapsed: ", m.styles.Value.Render(formatDuration(end.Sub(m.startedAt))))
	}
	return b.String()
}

func writeField(b *strings.Builder, st *Styles, label, value string) {
	b.WriteString(st.Label.Render(label))
	b.WriteString(value)
	b.WriteString("\n")
}

// renderProgressBar shows iterations used against the budget.
func (m Model) renderProgressBar(used, total, width int) string {
	if width < 10 {
		width = 10
	}
	pct := 0
	if total > 0 {
		pct = used * 100 / total
	}
	filled := width * pct / 100
	if filled > width {
		filled = width
	}
	bar := strings.Repeat("=", filled) + strings.Repeat("-", width-filled)

	style := m.styles.StatusOK
	if pct >= 100 {
		style = m.styles.StatusError
	} else if pct > 50 {
		style = m.styles.StatusWarn
	}
	return "[" + style.Render(bar) + "]"
}

func (m Model) renderStepPanel(height int) string {
	var b strings.Builder

	title := "Steps"
	if m.iteration > 0 {
		title = fmt.Sprintf("Iteration %d", m.iteration)
		if m.repair {
			title += " (repair)"
		}
	}
	b.WriteString(m.styles.Title.Render(title))
	b.WriteString("\n\n")

	for i, step := range m.steps {
		var icon string
		var style lipgloss.Style
		switch step.Status {
		case StepPending:
			icon, style = "o", m.styles.Muted
		case StepRunning:
			icon, style = m.spinner(), m.styles.StatusRunning
			if m.status.Terminal() {
				icon, style = "o", m.styles.Muted
			}
		case StepDone:
			icon, style = "*", m.styles.StatusOK
		case StepFailed:
			icon, style = "x", m.styles.StatusError
		case StepWarned:
			icon, style = "!", m.styles.StatusWarn
		}

		line := fmt.Sprintf(" %s %s", style.Render(icon), step.Name)
		if i == m.selectedStep && m.activePanel == PanelSteps {
			line = m.styles.StepSelected.Render(line)
		}
		b.WriteString(line)
		if step.Detail != "" && i == m.selectedStep {
			b.WriteString(m.styles.Muted.Render("  " + truncate(firstLine(step.Detail), 60)))
		}
		b.WriteString("\n")
		if i >= height-4 {
			break
		}
	}
	return b.String()
}

func (m Model) spinner() string {
	frames := []string{"|", "/", "-", "\\"}
	return frames[m.progressTick%len(frames)]
}

func (m Model) kindStyle(kind orchestrator.EventKind) lipgloss.Style {
	switch kind {
	case orchestrator.EventDone:
		return m.styles.StatusOK
	case orchestrator.EventWarn, orchestrator.EventCancelled, orchestrator.EventFailed:
		return m.styles.StatusWarn
	case orchestrator.EventError:
		return m.styles.StatusError
	case orchestrator.EventTest:
		return m.styles.Highlight
	default:
		return m.styles.StatusRunning
	}
}

func (m Model) renderEventPanel(width, height int) string {
	var b strings.Builder

	b.WriteString(m.styles.Title.Render("Events"))
	b.WriteString("\n\n")

	if len(m.logs) == 0 {
		b.WriteString(m.styles.Muted.Render("Waiting for events..."))
		return b.String()
	}

	visible := height - 4
	if visible < 1 {
		visible = 1
	}
	start := m.logScroll - visible + 1
	if start < 0 {
		start = 0
	}

	for i := start; i < len(m.logs) && i < start+visible; i++ {
		entry := m.logs[i]
		msg := firstLine(entry.Message)
		maxMsgLen := width - 26
		if maxMsgLen > 3 {
			msg = truncate(msg, maxMsgLen)
		}
		b.WriteString(fmt.Sprintf("%s %s %s\n",
			m.styles.Muted.Render(fmt.Sprintf("%4d %s", entry.Seq, entry.Time.Format("15:04:05"))),
			m.kindStyle(entry.Kind).Render(fmt.Sprintf("[%-9s]", entry.Kind)),
			msg,
		))
	}

	if len(m.logs) > visible {
		b.WriteString(m.styles.Muted.Render(fmt.Sprintf(" [%d/%d]", m.logScroll+1, len(m.logs))))
	}
	return b.String()
}

func (m Model) renderHelpBar() string {
	helpItems := []struct {
		key  string
		desc string
	}{
		{"tab", "switch panel"},
		{"j/k", "up/down"},
		{"q", "quit"},
	}

	var parts []string
	for _, item := range helpItems {
		parts = append(parts, fmt.Sprintf("%s %s",
			m.styles.HelpKey.Render(item.key),
			m.styles.HelpText.Render(item.desc),
		))
	}
	return "  " + strings.Join(parts, "  |  ")
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 3 || len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
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

// Watch runs the TUI for job until the user quits. Events stream in from
// a subscription, so a job that already finished is replayed in full.
func Watch(job *jobs.Job, maxIterations int) error {
	m := New(job.ID, job.Goal, job.Workspace, maxIterations)
	p := tea.NewProgram(m, tea.WithAltScreen())

	sub := job.Subscribe()
	go func() {
		for e := range sub.C() {
			p.Send(EventMsg(e))
		}
		if job.Status().Terminal() {
			p.Send(FinishedMsg{Status: job.Status(), Result: job.Result()})
		}
	}()

	_, err := p.Run()
	job.Unsubscribe(sub)
	return err
}
