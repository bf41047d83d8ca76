package orchestrator

import (
	"time"

	"github.com/marcus/greenloop/internal/llm"
)

// EventKind classifies run events.
type EventKind string

const (
	EventIteration EventKind = "iteration" // an iteration started
	EventPlan      EventKind = "plan"      // planner chose a step
	EventRetrieve  EventKind = "retrieve"  // snippets fetched from the symbol index
	EventIndex     EventKind = "index"     // symbol index rebuilt
	EventPatch     EventKind = "patch"     // patch proposed and applied (or not)
	EventTool      EventKind = "tool"      // external repair tool ran
	EventTest      EventKind = "test"      // test command finished
	EventWarn      EventKind = "warn"      // a collaborator failed and the step degraded
	EventDone      EventKind = "done"      // tests green
	EventFailed    EventKind = "failed"    // iteration budget exhausted
	EventError     EventKind = "error"     // run could not start or crashed
	EventCancelled EventKind = "cancelled" // run context cancelled
)

// Terminal reports whether no event may follow one of this kind.
func (k EventKind) Terminal() bool {
	switch k {
	case EventDone, EventFailed, EventError, EventCancelled:
		return true
	}
	return false
}

// Event is one entry of a run's event log. Seq is assigned when the event is
// appended to a job; Data holds one of the *Data payload types below.
type Event struct {
	Seq       int64     `json:"seq"`
	Kind      EventKind `json:"type"`
	Time      time.Time `json:"time"`
	Iteration int       `json:"iteration,omitempty"`
	Repair    bool      `json:"repair,omitempty"`
	Message   string    `json:"message"`
	Data      any       `json:"data,omitempty"`
}

// EventHandler is a callback that receives run events in order.
type EventHandler func(Event)

type IterationData struct {
	Iteration int `json:"iteration"`
	Max       int `json:"max"`
}

type PlanData struct {
	Step llm.Step `json:"step"`
}

type RetrieveData struct {
	Query   string   `json:"query"`
	Count   int      `json:"count"`
	Symbols []string `json:"symbols,omitempty"`
}

type IndexData struct {
	Count int `json:"count"`
}

type PatchData struct {
	Diff     string   `json:"diff"`
	Encoding string   `json:"encoding"`
	Files    []string `json:"files,omitempty"`
	Applied  bool     `json:"applied"`
	Error    string   `json:"error,omitempty"`
}

type ToolData struct {
	Tool     string `json:"tool"`
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}

type TestData struct {
	ExitCode   int    `json:"code"`
	OK         bool   `json:"ok"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMS int64  `json:"duration_ms"`
}

// WarnData names the degraded stage and the error that caused it.
type WarnData struct {
	Stage string `json:"stage"`
	Error string `json:"error"`
}

type DoneData struct {
	Iterations int  `json:"iterations"`
	Repairs    int  `json:"repairs"`
	Committed  bool `json:"committed"`
}

type FailedData struct {
	Iterations   int `json:"iterations"`
	LastExitCode int `json:"last_exit_code"`
}

type ErrorData struct {
	Error string `json:"error"`
}
