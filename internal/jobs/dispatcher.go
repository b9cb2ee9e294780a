package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/errors"
)

// storeWriteTimeout bounds status writes made after a handler returns.
// They run on a fresh context so that shutdown cannot lose a result.
const storeWriteTimeout = 10 * time.Second

func (e *Engine) loop(ctx context.Context) {
	defer close(e.loopDone)

	interval := e.cfg.DispatchInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	leases := time.NewTicker(max(e.leaseTTL()/3, interval))
	defer leases.Stop()

	var cleanup <-chan time.Time
	if e.cfg.CleanupInterval > 0 && e.cfg.Retention > 0 {
		t := time.NewTicker(e.cfg.CleanupInterval)
		defer t.Stop()
		cleanup = t.C
	}

	e.dispatch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.dispatch(ctx)
		case <-e.wake:
			e.dispatch(ctx)
		case <-leases.C:
			e.heartbeat(ctx)
			if err := e.recoverExpired(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("lease recovery failed", "error", err)
			}
		case <-cleanup:
			if _, err := e.Cleanup(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("job cleanup failed", "error", err)
			}
		}
	}
}

// dispatch runs one scheduling pass: propagate cancellation requests made
// by other processes, then claim eligible jobs while their type has a free
// slot.
func (e *Engine) dispatch(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	e.syncCancellations(ctx)

	eligible, err := e.store.ListEligible(ctx, e.now(), eligibleScanLimit)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("list eligible jobs failed", "error", err)
		}
		return
	}

	for _, job := range eligible {
		if ctx.Err() != nil {
			return
		}
		handler, err := e.registry.Get(job.Type)
		if err != nil {
			e.failUnhandled(ctx, job, err)
			continue
		}
		limit := e.cfg.JobType(job.Type).Concurrency
		if !e.reserveSlot(job.Type, limit) {
			continue
		}
		now := e.now()
		claimed, err := e.store.Claim(ctx, job.ID, e.owner, limit, now, now.Add(e.leaseTTL()))
		if err != nil || !claimed {
			e.releaseSlot(job.Type)
			if err != nil && ctx.Err() == nil {
				e.logger.WithJob(job.ID, job.Type).Warn("claim failed", "error", err)
			}
			continue
		}

		job.Status = StatusRunning
		job.Owner = e.owner
		e.wg.Add(1)
		go e.execute(ctx, job, handler)
	}
}

// reserveSlot applies the concurrency limit within this process before the
// store enforces it across processes at claim time.
func (e *Engine) reserveSlot(jobType string, limit int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active[jobType] >= limit {
		return false
	}
	e.active[jobType]++
	return true
}

func (e *Engine) releaseSlot(jobType string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active[jobType] > 0 {
		e.active[jobType]--
	}
}

func (e *Engine) syncCancellations(ctx context.Context) {
	if e.running.count() == 0 {
		return
	}
	flagged, err := e.store.CancelRequested(ctx, e.running.ids())
	if err != nil {
		return
	}
	for _, id := range flagged {
		e.running.signal(id)
	}
}

// leaseTTL returns how long a claim stays valid without a heartbeat.
func (e *Engine) leaseTTL() time.Duration {
	if e.cfg.LeaseTTL > 0 {
		return e.cfg.LeaseTTL
	}
	return defaultLeaseTTL
}

// heartbeat renews the leases of jobs running here. A job whose lease was
// taken over elsewhere is cancelled locally; its outcome is discarded.
func (e *Engine) heartbeat(ctx context.Context) {
	ids := e.running.ids()
	if len(ids) == 0 {
		return
	}
	lost, err := e.store.ExtendLeases(ctx, e.owner, ids, e.now().Add(e.leaseTTL()))
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("lease renewal failed", "error", err)
		}
		return
	}
	for _, id := range lost {
		e.logger.Warn("job lease lost", "job_id", id)
		e.running.signal(id)
	}
}

// recoverExpired reclaims jobs whose owner stopped renewing its lease.
func (e *Engine) recoverExpired(ctx context.Context) error {
	rec, err := e.store.RecoverExpired(ctx, e.now())
	if err != nil {
		return err
	}
	if n := len(rec.Requeued); n > 0 {
		e.logger.Warn("requeued jobs with expired leases", "count", n)
		e.signal()
	}
	if n := len(rec.Cancelled); n > 0 {
		e.logger.Info("cancelled jobs with expired leases and pending cancellation", "count", n)
	}
	return nil
}

// failUnhandled fails a queued job whose type has no handler in this process.
func (e *Engine) failUnhandled(ctx context.Context, job *Job, cause error) {
	now := e.now()
	claimed, err := e.store.Claim(ctx, job.ID, e.owner, 0, now, now.Add(e.leaseTTL()))
	if err != nil || !claimed {
		return
	}
	if err := e.store.Fail(ctx, job.ID, e.owner, cause.Error(), e.now()); err != nil {
		e.logger.WithJob(job.ID, job.Type).Error("fail unhandled job", "error", err)
	}
}

func (e *Engine) execute(ctx context.Context, job *Job, handler Handler) {
	defer e.wg.Done()
	defer e.signal()
	defer e.releaseSlot(job.Type)

	log := e.logger.WithJob(job.ID, job.Type)

	timeout := e.cfg.JobType(job.Type).Timeout
	if override, ok := payloadTimeout(job.Payload); ok {
		timeout = override
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cp := newCheckpoint(cancel, func(p float64) {
		wctx, wcancel := context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
		defer wcancel()
		if err := e.store.UpdateProgress(wctx, job.ID, e.owner, p); err != nil {
			log.Debug("progress update failed", "error", err)
		}
	})
	e.running.add(job.ID, cp)
	defer e.running.remove(job.ID)
	if job.CancelRequested {
		cp.Cancel()
	}

	log.Info("job started", "attempt", job.Attempt, "max_attempts", job.MaxAttempts, "timeout", timeout.String())
	started := e.now()

	var (
		result any
		runErr error
		pc     panics.Catcher
	)
	pc.Try(func() {
		result, runErr = handler.Run(jobCtx, job, cp)
	})
	if r := pc.Recovered(); r != nil {
		runErr = fmt.Errorf("handler panicked: %w", r.AsError())
	}
	e.finish(ctx, jobCtx, job, cp, result, runErr, timeout, e.now().Sub(started))
}

func (e *Engine) finish(ctx, jobCtx context.Context, job *Job, cp *Checkpoint, result any, runErr error, timeout, elapsed time.Duration) {
	log := e.logger.WithJob(job.ID, job.Type).With("attempt", job.Attempt, "duration_ms", elapsed.Milliseconds())

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
	defer cancel()
	now := e.now()

	data, encErr := encodeResult(result)
	if encErr != nil && runErr == nil {
		runErr = errors.Permanent(encErr)
	}

	var err error
	switch {
	case cp.Cancelled():
		var ok bool
		ok, err = e.store.Cancel(wctx, job.ID, e.owner, []Status{StatusRunning}, data, "cancelled", now)
		if err == nil && !ok {
			err = fmt.Errorf("%w: job %s no longer held", errors.ErrInvalidTransition, job.ID)
		}
		if err == nil {
			log.Info("job cancelled")
		}

	case runErr == nil:
		err = e.store.Complete(wctx, job.ID, e.owner, data, now)
		log.Info("job succeeded")

	case ctx.Err() != nil:
		var st Status
		st, err = e.store.Requeue(wctx, job.ID, e.owner, now)
		switch {
		case err != nil:
		case st == StatusCancelled:
			log.Info("job interrupted by shutdown with cancellation pending, cancelled")
		default:
			log.Info("job interrupted by shutdown, requeued")
		}

	default:
		if errors.Is(jobCtx.Err(), context.DeadlineExceeded) && !errors.Is(runErr, errors.ErrTimeout) {
			runErr = errors.NewTimeoutError(job.Type+" job", timeout).WithCause(runErr)
		}
		failed := attemptError(job, runErr)
		if e.policy.ShouldRetry(job, runErr) {
			delay := e.policy.Delay(job.Attempt)
			var st Status
			st, err = e.store.Retry(wctx, job.ID, e.owner, job.Attempt+1, now.Add(delay), runErr.Error())
			switch {
			case err != nil:
			case st == StatusCancelled:
				log.Info("job failed with cancellation pending, cancelled", "error", failed)
			default:
				log.Warn("job failed, retrying", "error", failed, "next_attempt", job.Attempt+1, "delay", delay.String())
			}
		} else {
			err = e.store.Fail(wctx, job.ID, e.owner, runErr.Error(), now)
			log.Error("job failed", "error", failed, "retryable", errors.IsRetryable(failed))
		}
	}
	if errors.Is(err, errors.ErrInvalidTransition) {
		log.Warn("job lease lost, outcome discarded", "error", err)
	} else if err != nil {
		log.Error("record job outcome failed", "error", err)
	}
}

func encodeResult(result any) (json.RawMessage, error) {
	switch v := result.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		if json.Valid(v) {
			return json.RawMessage(v), nil
		}
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode job result: %w", err)
	}
	return data, nil
}
