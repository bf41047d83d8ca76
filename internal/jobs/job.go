// Package jobs tracks repair runs and fans their events out to subscribers.
//
// Each job owns an append-only event log. Subscribers are cursors into that
// log: a subscription first receives the whole backlog and then every later
// event, exactly once and in append order, however slowly it reads. The
// producer never waits for a subscriber.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marcus/greenloop/internal/orchestrator"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError || s == StatusCancelled
}

var (
	// ErrInvalidTransition is returned for status changes that would regress.
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrFinished is returned when cancelling a job that already ended.
	ErrFinished = errors.New("job already finished")
)

// validTransitions lists the allowed next statuses for each status.
var validTransitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusError, StatusCancelled},
	StatusRunning: {StatusDone, StatusError, StatusCancelled},
}

// StatusFor maps a run outcome onto the job status that records it. A run
// that exhausts its budget finished normally, so its job is done.
func StatusFor(r *orchestrator.Result) Status {
	if r == nil {
		return StatusError
	}
	switch r.Status {
	case orchestrator.RunDone, orchestrator.RunFailed:
		return StatusDone
	case orchestrator.RunCancelled:
		return StatusCancelled
	default:
		return StatusError
	}
}

// Job is one repair run and its event log.
type Job struct {
	ID        string
	Goal      string
	Workspace string
	CreatedAt time.Time

	mu         sync.Mutex
	status     Status
	startedAt  time.Time
	finishedAt time.Time
	events     []orchestrator.Event
	result     *orchestrator.Result
	subs       map[*Subscription]struct{}
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewJob creates a pending job.
func NewJob(id, goal, workspace string) *Job {
	return &Job{
		ID:        id,
		Goal:      goal,
		Workspace: workspace,
		CreatedAt: time.Now(),
		status:    StatusPending,
		subs:      make(map[*Subscription]struct{}),
		done:      make(chan struct{}),
	}
}

// Status returns the current status.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Result returns the run result, nil until the job finishes.
func (j *Job) Result() *orchestrator.Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result
}

// Done is closed when the job reaches a terminal status.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Emit appends e to the log, assigning its sequence number (and time when
// unset), and wakes every subscriber. It never blocks on subscribers. Once
// the job is terminal nothing is appended and ok is false.
func (j *Job) Emit(e orchestrator.Event) (orchestrator.Event, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status.Terminal() {
		return e, false
	}
	e.Seq = int64(len(j.events) + 1)
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	j.events = append(j.events, e)
	for s := range j.subs {
		s.notify()
	}
	return e, true
}

// Start moves the job to running.
func (j *Job) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.transition(StatusRunning); err != nil {
		return err
	}
	j.startedAt = time.Now()
	return nil
}

// Finish moves the job to a terminal status and records its result.
// Subscribers drain the remaining backlog and then see their channel close.
func (j *Job) Finish(status Status, result *orchestrator.Result) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.transition(status); err != nil {
		return err
	}
	j.result = result
	j.finishedAt = time.Now()
	j.cancel = nil
	close(j.done)
	for s := range j.subs {
		s.notify()
	}
	return nil
}

// transition must be called with j.mu held.
func (j *Job) transition(to Status) error {
	for _, next := range validTransitions[j.status] {
		if next == to {
			j.status = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.status, to)
}

// SetCancel registers the function that aborts the job's run.
func (j *Job) SetCancel(cancel context.CancelFunc) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cancel = cancel
}

// Cancel requests cancellation of the run. The job becomes cancelled when
// the run observes it and finishes.
func (j *Job) Cancel() error {
	j.mu.Lock()
	cancel := j.cancel
	status := j.status
	j.mu.Unlock()

	if status.Terminal() {
		return ErrFinished
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

// Events returns a copy of the log.
func (j *Job) Events() []orchestrator.Event {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]orchestrator.Event, len(j.events))
	copy(out, j.events)
	return out
}

// Snapshot is a consistent point-in-time copy of a job.
type Snapshot struct {
	ID         string               `json:"id"`
	Goal       string               `json:"goal"`
	Workspace  string               `json:"workspace"`
	Status     Status               `json:"status"`
	CreatedAt  time.Time            `json:"created_at"`
	StartedAt  *time.Time           `json:"started_at,omitempty"`
	FinishedAt *time.Time           `json:"finished_at,omitempty"`
	Result     *orchestrator.Result `json:"result,omitempty"`
	Events     []orchestrator.Event `json:"logs"`
}

// Snapshot copies the job's status, events and result under one lock.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	snap := Snapshot{
		ID:        j.ID,
		Goal:      j.Goal,
		Workspace: j.Workspace,
		Status:    j.status,
		CreatedAt: j.CreatedAt,
		Result:    j.result,
		Events:    make([]orchestrator.Event, len(j.events)),
	}
	copy(snap.Events, j.events)
	if !j.startedAt.IsZero() {
		t := j.startedAt
		snap.StartedAt = &t
	}
	if !j.finishedAt.IsZero() {
		t := j.finishedAt
		snap.FinishedAt = &t
	}
	return snap
}

// Subscription is a reader's cursor into a job's log.
type Subscription struct {
	job  *Job
	c    chan orchestrator.Event
	wake chan struct{}
	stop chan struct{}
	once sync.Once
}

// Subscribe registers a subscriber that receives the full backlog and then
// every later event. Its channel closes after the final event of a
// finished job, or after Unsubscribe.
func (j *Job) Subscribe() *Subscription {
	s := &Subscription{
		job:  j,
		c:    make(chan orchestrator.Event),
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}

	j.mu.Lock()
	j.subs[s] = struct{}{}
	j.mu.Unlock()

	go s.pump()
	return s
}

// Unsubscribe stops delivery and closes the subscription's channel. It is
// idempotent and safe to call concurrently with Emit.
func (j *Job) Unsubscribe(s *Subscription) {
	if s == nil || s.job != j {
		return
	}
	s.Close()
}

// Subscribers returns the number of live subscriptions.
func (j *Job) Subscribers() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.subs)
}

// C returns the delivery channel.
func (s *Subscription) C() <-chan orchestrator.Event {
	return s.c
}

// Close is the same as Unsubscribe.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.stop)
		s.job.remove(s)
	})
}

// notify must be called with the job lock held.
func (s *Subscription) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (j *Job) remove(s *Subscription) {
	j.mu.Lock()
	delete(j.subs, s)
	j.mu.Unlock()
}

// since returns the events at and after cursor, and whether the log is
// complete (the job is terminal).
func (j *Job) since(cursor int) ([]orchestrator.Event, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var batch []orchestrator.Event
	if cursor < len(j.events) {
		batch = j.events[cursor:len(j.events):len(j.events)]
	}
	return batch, j.status.Terminal()
}

func (s *Subscription) pump() {
	defer close(s.c)
	defer s.job.remove(s)

	cursor := 0
	for {
		batch, terminal := s.job.since(cursor)
		for _, e := range batch {
			select {
			case s.c <- e:
				cursor++
			case <-s.stop:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		if terminal {
			return
		}
		select {
		case <-s.wake:
		case <-s.stop:
			return
		}
	}
}
