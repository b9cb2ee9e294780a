package jobs

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/config"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/errors"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/event"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/logging"
)

// eligibleScanLimit bounds how many queued rows one dispatch pass inspects.
const eligibleScanLimit = 256

// defaultLeaseTTL applies when the configuration leaves lease_ttl unset.
const defaultLeaseTTL = 30 * time.Second

// Engine runs durable background jobs: idempotent submission, per-type
// concurrency limits, cooperative cancellation, bounded retries with
// backoff and crash recovery. Several engines may share one store; each
// claims jobs under its own lease and only reclaims leases that expired.
type Engine struct {
	owner    string
	store    Store
	registry *Registry
	bus      *event.Bus
	logger   *logging.Logger
	cfg      config.JobsConfig
	policy   RetryPolicy
	now      func() time.Time

	running *cancelRegistry

	mu       sync.Mutex
	active   map[string]int // job type -> running count
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	loopDone chan struct{}
	wake     chan struct{}
	wg       sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithBus publishes job events on bus instead of a private bus.
func WithBus(bus *event.Bus) Option {
	return func(e *Engine) {
		if bus != nil {
			e.bus = bus
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *logging.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithOwner sets the identity recorded on jobs this engine claims.
func WithOwner(owner string) Option {
	return func(e *Engine) {
		if owner != "" {
			e.owner = owner
		}
	}
}

// WithRegistry uses an existing handler registry.
func WithRegistry(r *Registry) Option {
	return func(e *Engine) {
		if r != nil {
			e.registry = r
		}
	}
}

// NewEngine creates an Engine over store. Call Start to begin dispatching;
// Submit, Cancel and the query methods work without it.
func NewEngine(store Store, cfg config.JobsConfig, opts ...Option) *Engine {
	e := &Engine{
		owner:    defaultOwner(),
		registry: NewRegistry(),
		bus:      event.NewBus(),
		logger:   logging.NopLogger(),
		cfg:      cfg,
		policy:   NewRetryPolicy(cfg),
		now:      time.Now,
		running:  newCancelRegistry(),
		active:   make(map[string]int),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.store = NewEventStore(store, e.bus)
	return e
}

// defaultOwner names an engine by host, process and a random suffix so
// engines in one process stay distinct.
func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Owner returns the identity recorded on jobs this engine claims.
func (e *Engine) Owner() string {
	return e.owner
}

// Register binds a handler to a job type.
func (e *Engine) Register(jobType string, h Handler) {
	e.registry.Register(jobType, h)
}

// Bus returns the bus job events are published on.
func (e *Engine) Bus() *event.Bus {
	return e.bus
}

// Submit creates a job or returns the existing one for the same
// (type, conversation, idempotency key): an active job is returned as is,
// and a job that succeeded within the result TTL is returned with
// Handle.Cached set and is not executed again.
func (e *Engine) Submit(ctx context.Context, sub Submission) (Handle, error) {
	jobType := strings.TrimSpace(sub.Type)
	if jobType == "" {
		return Handle{}, errors.NewValidationError("job type is required").WithField("type")
	}
	if _, err := e.registry.Get(jobType); err != nil {
		return Handle{}, err
	}

	payload, err := normalizePayload(sub.Payload)
	if err != nil {
		return Handle{}, err
	}
	key := strings.TrimSpace(sub.IdempotencyKey)
	if key == "" {
		key, err = DefaultIdempotencyKey(jobType, sub.ConversationID, payload)
		if err != nil {
			return Handle{}, err
		}
	}

	now := e.now().UTC()
	ttl := e.cfg.JobType(jobType).ResultTTL
	if sub.ResultTTL != nil {
		ttl = *sub.ResultTTL
	}
	var reuseAfter time.Time
	if ttl > 0 {
		reuseAfter = now.Add(-ttl)
	}

	job := &Job{
		ID:             uuid.NewString(),
		Type:           jobType,
		ConversationID: sub.ConversationID,
		Payload:        payload,
		IdempotencyKey: key,
		Status:         StatusQueued,
		Attempt:        1,
		MaxAttempts:    e.policy.MaxAttempts(sub.MaxAttempts),
		NextEligibleAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	got, created, err := e.store.SubmitOrGet(ctx, job, reuseAfter, sub.ForceNew)
	if err != nil {
		return Handle{}, err
	}

	log := e.logger.WithJob(got.ID, got.Type)
	if created {
		log.Info("job submitted", "conversation_id", got.ConversationID, "max_attempts", got.MaxAttempts)
		e.signal()
	} else {
		log.Debug("job deduplicated", "status", string(got.Status))
	}
	return Handle{
		Job:     got,
		Created: created,
		Cached:  !created && got.Status == StatusSucceeded,
	}, nil
}

// Cancel cancels a job. Queued jobs become cancelled immediately; running
// jobs are flagged and end as cancelled once their handler observes the
// flag. Cancelling a terminal job is a no-op.
func (e *Engine) Cancel(ctx context.Context, id string) (*Job, error) {
	job, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return job, nil
	}

	if job.Status == StatusQueued {
		ok, err := e.store.Cancel(ctx, id, "", []Status{StatusQueued}, nil, "cancelled", e.now())
		if err != nil {
			return nil, err
		}
		if ok {
			e.logger.WithJob(id, job.Type).Info("queued job cancelled")
			return e.store.Get(ctx, id)
		}
		// Lost the race with the dispatcher; fall through to the running path.
	}

	if _, err := e.store.RequestCancel(ctx, id); err != nil {
		return nil, err
	}
	if e.running.signal(id) {
		e.logger.WithJob(id, job.Type).Info("cancellation requested for running job")
	} else {
		e.logger.WithJob(id, job.Type).Info("cancellation requested for job leased elsewhere", "owner", job.Owner)
	}
	return e.store.Get(ctx, id)
}

// Get returns a job by id.
func (e *Engine) Get(ctx context.Context, id string) (*Job, error) {
	return e.store.Get(ctx, id)
}

// List returns jobs matching opts, newest first.
func (e *Engine) List(ctx context.Context, opts ListOptions) ([]*Job, error) {
	return e.store.List(ctx, opts)
}

// Counts returns the number of jobs per status.
func (e *Engine) Counts(ctx context.Context) (Counts, error) {
	return e.store.Counts(ctx)
}

// TakeInjectable returns succeeded jobs of a conversation whose results
// have not yet been added to a turn, marking them as injected.
func (e *Engine) TakeInjectable(ctx context.Context, conversationID string, limit int) ([]*Job, error) {
	return e.store.TakeInjectable(ctx, conversationID, limit)
}

// Cleanup deletes terminal jobs older than the retention period.
func (e *Engine) Cleanup(ctx context.Context) (int64, error) {
	cutoff := e.now().Add(-e.cfg.Retention)
	n, err := e.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.Info("old jobs removed", "count", n, "cutoff", cutoff.UTC().Format(time.RFC3339))
	}
	return n, nil
}

// SubscriptionFilter selects the job events delivered to a subscriber.
// Empty fields match everything.
type SubscriptionFilter struct {
	ConversationID string
	JobID          string
}

// Subscribe delivers job events matching filter to fn until the returned
// function is called. fn runs on the publishing goroutine.
func (e *Engine) Subscribe(filter SubscriptionFilter, fn func(event.JobEvent)) (unsubscribe func()) {
	id := e.bus.Subscribe("job.*", func(ev event.Event) {
		je, ok := ev.(event.JobEvent)
		if !ok {
			return
		}
		if filter.JobID != "" && je.JobID != filter.JobID {
			return
		}
		if filter.ConversationID != "" && je.ConversationID != filter.ConversationID {
			return
		}
		fn(je)
	})
	return func() { e.bus.Unsubscribe(id) }
}

// Await blocks until the job reaches a terminal status or ctx is done.
func (e *Engine) Await(ctx context.Context, id string) (*Job, error) {
	notify := make(chan struct{}, 1)
	unsubscribe := e.Subscribe(SubscriptionFilter{JobID: id}, func(je event.JobEvent) {
		if Status(je.Status).IsTerminal() {
			select {
			case notify <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	poll := time.NewTicker(250 * time.Millisecond)
	defer poll.Stop()

	for {
		job, err := e.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Status.IsTerminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-notify:
		case <-poll.C:
		}
	}
}

// Start recovers jobs whose lease expired, typically because the engine
// running them died, and starts the dispatcher. Jobs leased by live
// engines are left alone. It returns ErrEngineStopped after Stop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return errors.ErrEngineStopped
	}
	if e.started {
		return fmt.Errorf("job engine already started")
	}

	if err := e.recoverExpired(ctx); err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.loopDone = make(chan struct{})
	e.started = true

	go e.loop(loopCtx)
	e.logger.Info("job engine started", "owner", e.owner, "types", strings.Join(e.registry.Types(), ","))
	return nil
}

// Stop halts dispatching and cancels in-flight handlers. Jobs interrupted
// this way are requeued without consuming an attempt. Stop waits for all
// engine goroutines to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started || e.stopped {
		e.stopped = true
		e.mu.Unlock()
		return
	}
	e.stopped = true
	cancel := e.cancel
	done := e.loopDone
	e.mu.Unlock()

	cancel()
	<-done
	e.wg.Wait()
	e.logger.Info("job engine stopped")
}

// signal wakes the dispatcher without blocking.
func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}
