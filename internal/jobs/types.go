package jobs

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	// StatusQueued indicates the job is waiting for its NextEligibleAt and a free slot.
	StatusQueued Status = "queued"

	// StatusRunning indicates a handler is executing the job.
	StatusRunning Status = "running"

	// StatusSucceeded indicates the handler returned a result.
	StatusSucceeded Status = "succeeded"

	// StatusFailed indicates the job exhausted its attempts or failed permanently.
	StatusFailed Status = "failed"

	// StatusCancelled indicates the job was cancelled before or during execution.
	StatusCancelled Status = "cancelled"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true if this status represents a final state.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// TerminalStatuses lists the final states.
func TerminalStatuses() []Status {
	return []Status{StatusSucceeded, StatusFailed, StatusCancelled}
}

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled:
		return st, true
	}
	return "", false
}

// Job is a durable unit of background work.
type Job struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Status         Status          `json:"status"`

	// Attempt is the 1-based ordinal of the current (or last) execution.
	// It only grows when an execution fails and is retried.
	Attempt     int `json:"attempt"`
	MaxAttempts int `json:"max_attempts"`

	NextEligibleAt time.Time       `json:"next_eligible_at"`
	Progress       float64         `json:"progress"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`

	// CancelRequested is set when a running job has been asked to stop.
	CancelRequested bool `json:"cancel_requested,omitempty"`
	// Injected is set once a succeeded job's summary was added to a turn.
	Injected bool `json:"injected,omitempty"`

	// Owner is the engine holding a running job's lease. A lease that is not
	// renewed before LeaseExpiresAt can be reclaimed by any engine.
	Owner          string     `json:"owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// DecodePayload unmarshals the job payload into v.
func (j *Job) DecodePayload(v any) error {
	if len(j.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(j.Payload, v)
}

// Submission describes a job request.
type Submission struct {
	Type           string
	ConversationID string
	// Payload must be a JSON object. Nil is treated as {}.
	Payload json.RawMessage
	// IdempotencyKey defaults to a digest of type, conversation and payload.
	IdempotencyKey string
	// MaxAttempts of 0 uses the configured default; values above the cap are clamped.
	MaxAttempts int
	// ResultTTL overrides the type's result TTL when non-nil.
	ResultTTL *time.Duration
	// ForceNew skips the idempotency lookup and always creates a job.
	ForceNew bool
}

// Handle is returned by Submit.
type Handle struct {
	Job *Job
	// Created is true when a new job row was inserted.
	Created bool
	// Cached is true when a succeeded job within its result TTL was reused.
	Cached bool
}

// ListOptions filters List results. Zero values match everything.
type ListOptions struct {
	ConversationID string
	Type           string
	Status         Status
	Limit          int
}

// Recovery lists the jobs an expired-lease sweep moved out of running.
type Recovery struct {
	Requeued  []string
	Cancelled []string
}

// Counts holds the number of jobs per status.
type Counts map[Status]int
