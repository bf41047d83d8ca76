package jobs

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/marcus/greenloop/internal/orchestrator"
)

func ev(kind orchestrator.EventKind, msg string) orchestrator.Event {
	return orchestrator.Event{Kind: kind, Message: msg}
}

// collect drains a subscription until its channel closes.
func collect(t *testing.T, s *Subscription, timeout time.Duration) []orchestrator.Event {
	t.Helper()
	var out []orchestrator.Event
	deadline := time.After(timeout)
	for {
		select {
		case e, ok := <-s.C():
			if !ok {
				return out
			}
			out = append(out, e)
		case <-deadline:
			t.Fatalf("subscription did not close; got %d events", len(out))
			return out
		}
	}
}

func assertSequence(t *testing.T, events []orchestrator.Event, n int) {
	t.Helper()
	if len(events) != n {
		t.Fatalf("got %d events, want %d", len(events), n)
	}
	for i, e := range events {
		if e.Seq != int64(i+1) {
			t.Fatalf("event %d has seq %d (duplicate, gap or reorder)", i, e.Seq)
		}
	}
}

func TestEmitAssignsSeqAndTime(t *testing.T) {
	j := NewJob("j1", "g", "/ws")
	e1, ok := j.Emit(ev(orchestrator.EventPlan, "a"))
	if !ok || e1.Seq != 1 || e1.Time.IsZero() {
		t.Errorf("first event = %+v, ok=%t", e1, ok)
	}
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e2, _ := j.Emit(orchestrator.Event{Kind: orchestrator.EventRetrieve, Time: fixed})
	if e2.Seq != 2 || !e2.Time.Equal(fixed) {
		t.Errorf("second event = %+v", e2)
	}
	if got := j.Events(); len(got) != 2 || got[1].Kind != orchestrator.EventRetrieve {
		t.Errorf("log = %+v", got)
	}
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		name    string
		steps   func(j *Job) error
		want    Status
		wantErr bool
	}{
		{"start", func(j *Job) error { return j.Start() }, StatusRunning, false},
		{"run to done", func(j *Job) error {
			_ = j.Start()
			return j.Finish(StatusDone, &orchestrator.Result{Status: orchestrator.RunDone})
		}, StatusDone, false},
		{"cancel before start", func(j *Job) error { return j.Finish(StatusCancelled, nil) }, StatusCancelled, false},
		{"done without start", func(j *Job) error { return j.Finish(StatusDone, nil) }, StatusPending, true},
		{"start twice", func(j *Job) error {
			_ = j.Start()
			return j.Start()
		}, StatusRunning, true},
		{"finish twice", func(j *Job) error {
			_ = j.Start()
			_ = j.Finish(StatusError, nil)
			return j.Finish(StatusDone, nil)
		}, StatusError, true},
		{"restart after finish", func(j *Job) error {
			_ = j.Start()
			_ = j.Finish(StatusDone, nil)
			return j.Start()
		}, StatusDone, true},
		{"non-terminal finish", func(j *Job) error { return j.Finish(StatusRunning, nil) }, StatusPending, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := NewJob("j", "g", "/ws")
			err := tt.steps(j)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("err = %v, want ErrInvalidTransition", err)
			}
			if j.Status() != tt.want {
				t.Errorf("status = %s, want %s", j.Status(), tt.want)
			}
		})
	}
}

func TestEmitAfterTerminalIsRejected(t *testing.T) {
	j := NewJob("j", "g", "/ws")
	_ = j.Start()
	j.Emit(ev(orchestrator.EventDone, "green"))
	if err := j.Finish(StatusDone, &orchestrator.Result{Status: orchestrator.RunDone}); err != nil {
		t.Fatal(err)
	}

	if _, ok := j.Emit(ev(orchestrator.EventWarn, "late")); ok {
		t.Error("Emit after terminal status must be rejected")
	}
	if n := len(j.Events()); n != 1 {
		t.Errorf("log length = %d, want 1", n)
	}
	select {
	case <-j.Done():
	default:
		t.Error("Done() not closed after Finish")
	}
}

func TestSubscribeReceivesBacklogThenLive(t *testing.T) {
	j := NewJob("j", "g", "/ws")
	_ = j.Start()
	for i := 0; i < 3; i++ {
		j.Emit(ev(orchestrator.EventPlan, fmt.Sprint(i)))
	}

	sub := j.Subscribe()
	for i := 0; i < 3; i++ {
		j.Emit(ev(orchestrator.EventTest, fmt.Sprint(i)))
	}
	j.Emit(ev(orchestrator.EventDone, "green"))
	_ = j.Finish(StatusDone, nil)

	events := collect(t, sub, 2*time.Second)
	assertSequence(t, events, 7)
	if events[6].Kind != orchestrator.EventDone {
		t.Errorf("last event = %s", events[6].Kind)
	}
}

func TestLateSubscriberAfterFinish(t *testing.T) {
	j := NewJob("j", "g", "/ws")
	_ = j.Start()
	j.Emit(ev(orchestrator.EventPlan, "p"))
	j.Emit(ev(orchestrator.EventFailed, "budget"))
	_ = j.Finish(StatusDone, nil)

	events := collect(t, j.Subscribe(), 2*time.Second)
	assertSequence(t, events, 2)
	if j.Subscribers() != 0 {
		t.Errorf("finished subscription still registered")
	}
}

func TestSlowSubscriberDoesNotBlockProducer(t *testing.T) {
	j := NewJob("j", "g", "/ws")
	_ = j.Start()
	sub := j.Subscribe() // never read until the producer is done

	const n = 10000
	done := make(chan struct{})
	go func() {
		for i := 0; i < n; i++ {
			j.Emit(ev(orchestrator.EventTest, "x"))
		}
		_ = j.Finish(StatusDone, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("producer blocked on an idle subscriber")
	}

	assertSequence(t, collect(t, sub, 5*time.Second), n)
}

func TestConcurrentSubscribersExactlyOnce(t *testing.T) {
	j := NewJob("j", "g", "/ws")
	_ = j.Start()

	const (
		total       = 2000
		subscribers = 16
	)

	var wg sync.WaitGroup
	results := make([][]orchestrator.Event, subscribers)
	start := make(chan struct{})

	for i := 0; i < subscribers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			// Stagger joins so some subscribers arrive mid-stream.
			time.Sleep(time.Duration(i) * 100 * time.Microsecond)
			sub := j.Subscribe()
			for e := range sub.C() {
				results[i] = append(results[i], e)
				if i%4 == 0 {
					time.Sleep(time.Microsecond)
				}
			}
		}(i)
	}

	close(start)
	for k := 0; k < total; k++ {
		j.Emit(ev(orchestrator.EventTest, "x"))
	}
	_ = j.Finish(StatusDone, nil)

	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(10 * time.Second):
		t.Fatal("subscribers did not finish")
	}

	for i, events := range results {
		if len(events) != total {
			t.Fatalf("subscriber %d got %d events, want %d", i, len(events), total)
		}
		for k, e := range events {
			if e.Seq != int64(k+1) {
				t.Fatalf("subscriber %d: event %d has seq %d", i, k, e.Seq)
			}
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	j := NewJob("j", "g", "/ws")
	_ = j.Start()
	sub := j.Subscribe()

	j.Emit(ev(orchestrator.EventPlan, "p"))
	if e := <-sub.C(); e.Seq != 1 {
		t.Fatalf("first event seq = %d", e.Seq)
	}

	j.Unsubscribe(sub)
	j.Unsubscribe(sub) // idempotent
	sub.Close()

	// Channel closes even though more events follow.
	j.Emit(ev(orchestrator.EventRetrieve, "r"))
	select {
	case _, ok := <-sub.C():
		if ok {
			// A single in-flight event may race the stop signal; the next read must close.
			if _, ok := <-sub.C(); ok {
				t.Error("channel still delivering after Unsubscribe")
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after Unsubscribe")
	}

	deadline := time.Now().Add(2 * time.Second)
	for j.Subscribers() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if j.Subscribers() != 0 {
		t.Errorf("subscribers = %d after Unsubscribe", j.Subscribers())
	}
}

func TestUnsubscribeConcurrentWithEmit(t *testing.T) {
	j := NewJob("j", "g", "/ws")
	_ = j.Start()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		sub := j.Subscribe()
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range sub.C() {
			}
		}()
		go func() {
			defer wg.Done()
			j.Unsubscribe(sub)
		}()
	}
	for i := 0; i < 500; i++ {
		j.Emit(ev(orchestrator.EventTest, "x"))
	}
	wg.Wait()
	_ = j.Finish(StatusDone, nil)
}

func TestUnsubscribeForeignSubscription(t *testing.T) {
	a, b := NewJob("a", "g", "/ws"), NewJob("b", "g", "/ws")
	sub := a.Subscribe()
	b.Unsubscribe(sub)
	if a.Subscribers() != 1 {
		t.Error("unsubscribing through another job must be a no-op")
	}
	a.Unsubscribe(sub)
}

func TestSnapshotIsConsistentCopy(t *testing.T) {
	j := NewJob("j", "fix add", "/ws")
	_ = j.Start()
	j.Emit(ev(orchestrator.EventPlan, "p"))

	snap := j.Snapshot()
	j.Emit(ev(orchestrator.EventRetrieve, "r"))

	if snap.Status != StatusRunning || len(snap.Events) != 1 || snap.StartedAt == nil || snap.FinishedAt != nil {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Goal != "fix add" || snap.Workspace != "/ws" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestCancel(t *testing.T) {
	j := NewJob("j", "g", "/ws")
	called := false
	j.SetCancel(func() { called = true })
	_ = j.Start()

	if err := j.Cancel(); err != nil || !called {
		t.Errorf("Cancel = %v, called = %t", err, called)
	}

	_ = j.Finish(StatusCancelled, nil)
	if err := j.Cancel(); !errors.Is(err, ErrFinished) {
		t.Errorf("Cancel after finish = %v, want ErrFinished", err)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		result *orchestrator.Result
		want   Status
	}{
		{&orchestrator.Result{Status: orchestrator.RunDone}, StatusDone},
		{&orchestrator.Result{Status: orchestrator.RunFailed}, StatusDone},
		{&orchestrator.Result{Status: orchestrator.RunCancelled}, StatusCancelled},
		{&orchestrator.Result{Status: orchestrator.RunError}, StatusError},
		{nil, StatusError},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.result); got != tt.want {
			t.Errorf("StatusFor(%+v) = %s, want %s", tt.result, got, tt.want)
		}
	}
}
