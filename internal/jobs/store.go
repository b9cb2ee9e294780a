package jobs

import (
	"context"
	"encoding/json"
	"time"
)

// Store persists jobs. Every status change is a compare-and-set on the
// current status; a lost race reports false (or ErrInvalidTransition)
// instead of overwriting.
type Store interface {
	// SubmitOrGet atomically looks up an active job or a succeeded job
	// finished at or after reuseAfter with the same (type, conversation, key),
	// and inserts job only when neither exists. reuseAfter of zero disables
	// result reuse.
	SubmitOrGet(ctx context.Context, job *Job, reuseAfter time.Time, forceNew bool) (*Job, bool, error)

	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, opts ListOptions) ([]*Job, error)
	Counts(ctx context.Context) (Counts, error)

	// ListEligible returns queued jobs whose NextEligibleAt is not after now,
	// oldest first.
	ListEligible(ctx context.Context, now time.Time, limit int) ([]*Job, error)

	// Claim moves a job from queued to running under owner's lease, which
	// lasts until leaseUntil. It reports false when the job is no longer
	// queued or when limit jobs of its type are already running in any
	// process (limit <= 0 means unlimited).
	Claim(ctx context.Context, id, owner string, limit int, now, leaseUntil time.Time) (bool, error)
	// ExtendLeases renews owner's leases on ids and returns the ids whose
	// lease owner no longer holds.
	ExtendLeases(ctx context.Context, owner string, ids []string, until time.Time) ([]string, error)

	// The writes below apply only while owner holds the job's lease; an
	// empty owner matches any holder.
	UpdateProgress(ctx context.Context, id, owner string, progress float64) error
	Complete(ctx context.Context, id, owner string, result json.RawMessage, now time.Time) error
	Fail(ctx context.Context, id, owner, errMsg string, now time.Time) error
	// Retry moves a running job back to queued with the next attempt number.
	// A job whose cancellation was requested is cancelled instead; the
	// returned status tells which.
	Retry(ctx context.Context, id, owner string, attempt int, nextEligibleAt time.Time, errMsg string) (Status, error)
	// Requeue moves a running job back to queued without consuming an
	// attempt, or to cancelled when cancellation was requested.
	Requeue(ctx context.Context, id, owner string, now time.Time) (Status, error)
	// Cancel moves a job in one of the from states to cancelled. A non-nil
	// partial result is stored.
	Cancel(ctx context.Context, id, owner string, from []Status, partial json.RawMessage, errMsg string, now time.Time) (bool, error)
	// RequestCancel flags a running job for cooperative cancellation. The
	// flag survives until the job reaches a terminal status.
	RequestCancel(ctx context.Context, id string) (bool, error)
	// CancelRequested returns the subset of ids whose cancellation was requested.
	CancelRequested(ctx context.Context, ids []string) ([]string, error)

	// RecoverExpired moves running jobs whose lease expired before now out
	// of running: flagged jobs become cancelled, the rest are requeued with
	// attempts unchanged.
	RecoverExpired(ctx context.Context, now time.Time) (Recovery, error)
	// DeleteTerminalBefore removes terminal jobs last updated before cutoff.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// TakeInjectable returns up to limit succeeded, not yet injected jobs of a
	// conversation and marks them injected in the same transaction.
	TakeInjectable(ctx context.Context, conversationID string, limit int) ([]*Job, error)
}
