package jobs

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/errors"
)

// progressBuckets is the resolution of persisted progress (5%).
const progressBuckets = 20

// Checkpoint is the handler's view of its job's control state: the
// cooperative cancellation flag and the progress reporter.
type Checkpoint struct {
	cancelled atomic.Bool
	cancel    context.CancelFunc

	mu         sync.Mutex
	lastBucket int
	progress   float64
	onProgress func(p float64)
}

func newCheckpoint(cancel context.CancelFunc, onProgress func(float64)) *Checkpoint {
	return &Checkpoint{cancel: cancel, lastBucket: -1, onProgress: onProgress}
}

// NewTestCheckpoint returns a detached Checkpoint that records progress
// into fn (which may be nil). It is meant for exercising handlers directly.
func NewTestCheckpoint(fn func(p float64)) *Checkpoint {
	return newCheckpoint(nil, fn)
}

// Err returns ErrJobCancelled once cancellation was requested.
func (c *Checkpoint) Err() error {
	if c.cancelled.Load() {
		return errors.ErrJobCancelled
	}
	return nil
}

// Cancelled reports whether cancellation was requested.
func (c *Checkpoint) Cancelled() bool {
	return c.cancelled.Load()
}

// Cancel raises the cancellation flag and cancels the job context.
func (c *Checkpoint) Cancel() {
	if c.cancelled.Swap(true) {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
}

// Progress records p (clamped to [0, 1]). It is forwarded only when it
// enters a new 5% bucket or reaches 1.0, so handlers may call it freely.
func (c *Checkpoint) Progress(p float64) {
	p = min(max(p, 0), 1)

	c.mu.Lock()
	bucket := int(p * progressBuckets)
	if bucket <= c.lastBucket && !(p >= 1 && c.progress < 1) {
		c.mu.Unlock()
		return
	}
	c.lastBucket = bucket
	c.progress = p
	fn := c.onProgress
	c.mu.Unlock()

	if fn != nil {
		fn(p)
	}
}

// LastProgress returns the last forwarded progress value.
func (c *Checkpoint) LastProgress() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

// cancelRegistry tracks checkpoints of jobs running in this process.
type cancelRegistry struct {
	mu      sync.Mutex
	running map[string]*Checkpoint
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{running: make(map[string]*Checkpoint)}
}

func (r *cancelRegistry) add(id string, cp *Checkpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running[id] = cp
}

func (r *cancelRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, id)
}

// signal raises the flag for a locally running job.
func (r *cancelRegistry) signal(id string) bool {
	r.mu.Lock()
	cp, ok := r.running[id]
	r.mu.Unlock()
	if ok {
		cp.Cancel()
	}
	return ok
}

func (r *cancelRegistry) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.running))
	for id := range r.running {
		out = append(out, id)
	}
	return out
}

func (r *cancelRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}
