package jobs

import (
	"sync"
	"testing"
)

func TestRegistryCreateGetList(t *testing.T) {
	r := NewRegistry()
	a := r.Create("goal a", "/a")
	b := r.Create("goal b", "/b")

	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("ids = %q, %q", a.ID, b.ID)
	}
	if a.Status() != StatusPending {
		t.Errorf("new job status = %s", a.Status())
	}

	got, ok := r.Get(b.ID)
	if !ok || got != b {
		t.Errorf("Get(%s) = %v, %t", b.ID, got, ok)
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("Get(missing) found a job")
	}

	list := r.List()
	if len(list) != 2 || list[0] != a || list[1] != b {
		t.Errorf("List order = %v", list)
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d", r.Len())
	}
}

func TestRegistryActive(t *testing.T) {
	r := NewRegistry()
	a := r.Create("a", "/ws")
	b := r.Create("b", "/ws")
	_ = a.Start()
	_ = b.Start()
	_ = b.Finish(StatusDone, nil)

	active := r.Active()
	if len(active) != 1 || active[0] != a {
		t.Errorf("Active = %v", active)
	}
}

func TestRegistryConcurrentCreate(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j := r.Create("g", "/ws")
			if _, ok := r.Get(j.ID); !ok {
				t.Errorf("job %s missing right after Create", j.ID)
			}
		}()
	}
	wg.Wait()
	if r.Len() != 100 {
		t.Errorf("Len = %d, want 100", r.Len())
	}
}
