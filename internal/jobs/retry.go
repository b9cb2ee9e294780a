package jobs

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/config"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/errors"
)

// RetryPolicy decides whether a failed execution is retried and when.
type RetryPolicy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	// DefaultMaxAttempts applies to submissions without an explicit value.
	DefaultMaxAttempts int
	// MaxAttemptsCap clamps explicit values.
	MaxAttemptsCap int

	// rand returns a value in [0, 1). Tests replace it for determinism.
	rand func() float64
}

// NewRetryPolicy builds a RetryPolicy from the engine configuration.
func NewRetryPolicy(cfg config.JobsConfig) RetryPolicy {
	return RetryPolicy{
		Base:               cfg.Backoff.Base,
		Max:                cfg.Backoff.Max,
		Jitter:             cfg.Backoff.Jitter,
		DefaultMaxAttempts: cfg.DefaultMaxAttempts,
		MaxAttemptsCap:     cfg.MaxAttemptsCap,
		rand:               rand.Float64,
	}
}

// MaxAttempts resolves a submission's requested attempts: 0 or negative
// means the default, anything above the cap is clamped.
func (p RetryPolicy) MaxAttempts(requested int) int {
	n := requested
	if n <= 0 {
		n = p.DefaultMaxAttempts
	}
	if p.MaxAttemptsCap > 0 && n > p.MaxAttemptsCap {
		n = p.MaxAttemptsCap
	}
	return max(n, 1)
}

// ShouldRetry reports whether the job may run again after err ended the
// given attempt. Errors marked permanent never retry.
func (p RetryPolicy) ShouldRetry(job *Job, err error) bool {
	if !errors.IsRetryable(attemptError(job, err)) {
		return false
	}
	return job.Attempt < job.MaxAttempts
}

// attemptError tags err with the job and attempt it ended. The result is
// retryable unless err is permanent.
func attemptError(job *Job, err error) *errors.JobError {
	return errors.NewJobError("attempt failed", err).
		WithJobID(job.ID).
		WithJobType(job.Type).
		WithAttempt(job.Attempt).
		WithRetryable(!errors.IsPermanent(err))
}

// Delay returns the wait before the attempt that follows failedAttempt:
// min(Max, Base*2^(failedAttempt-1)), scaled by a random factor in
// [1-Jitter, 1+Jitter].
func (p RetryPolicy) Delay(failedAttempt int) time.Duration {
	exp := max(failedAttempt-1, 0)
	d := float64(p.Base) * math.Pow(2, float64(min(exp, 32)))
	if p.Max > 0 && d > float64(p.Max) {
		d = float64(p.Max)
	}
	if p.Jitter > 0 {
		r := 0.5
		if p.rand != nil {
			r = p.rand()
		}
		d *= 1 + p.Jitter*(2*r-1)
	}
	return time.Duration(d)
}
