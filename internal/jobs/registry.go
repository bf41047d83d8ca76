package jobs

import (
	"sync"

	"github.com/google/uuid"
)

// Registry holds the jobs known to this process.
type Registry struct {
	mu    sync.RWMutex
	jobs  map[string]*Job
	order []*Job
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*Job)}
}

// Create registers a new pending job with a random id.
func (r *Registry) Create(goal, workspace string) *Job {
	j := NewJob(uuid.NewString(), goal, workspace)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[j.ID] = j
	r.order = append(r.order, j)
	return j
}

// Get looks up a job by id.
func (r *Registry) Get(id string) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	return j, ok
}

// List returns all jobs in creation order.
func (r *Registry) List() []*Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Job, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Active returns the jobs that have not finished.
func (r *Registry) Active() []*Job {
	var out []*Job
	for _, j := range r.List() {
		if !j.Status().Terminal() {
			out = append(out, j)
		}
	}
	return out
}
