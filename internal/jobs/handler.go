package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/errors"
)

// Handler executes one job. It should call cp.Err between steps and return
// early when it is non-nil; whatever result it returns alongside is kept
// as the partial result of a cancelled job.
type Handler interface {
	Run(ctx context.Context, job *Job, cp *Checkpoint) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *Job, cp *Checkpoint) (any, error)

// Run calls f.
func (f HandlerFunc) Run(ctx context.Context, job *Job, cp *Checkpoint) (any, error) {
	return f(ctx, job, cp)
}

// Registry maps job types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a job type, replacing any previous binding.
func (r *Registry) Register(jobType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

// Get returns the handler for jobType.
func (r *Registry) Get(jobType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrUnknownJobType, jobType)
	}
	return h, nil
}

// Types returns the registered job types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
