// Package errors provides centralized error definitions and error handling utilities
// for the council codebase. It defines domain-specific errors, semantic error types,
// error constructors with context wrapping, and error classification helpers.
//
// # Error Types
//
// Domain-specific errors represent errors from specific subsystems:
//   - StageError: a deliberation stage (or one agent inside it) failed
//   - JobError: a background job failed, timed out or was rejected
//   - ModelError: a provider call failed (HTTP status, provider, model)
//
// Semantic errors represent common error conditions:
//   - NotFoundError: resource not found
//   - ValidationError: invalid input or state
//   - TimeoutError: operation timed out
//
// # Usage
//
//	err := errors.NewStageError("review failed", cause).WithStage("stage2").WithAgent("a1")
//
//	if errors.IsRetryable(err) { ... }
//
// The job engine wraps each failed attempt in a [JobError] that stays
// retryable unless the handler's error is [IsPermanent], and consults
// [IsRetryable] on it: a non-retryable error fails the job immediately,
// anything else (including plain errors) consumes one attempt and is
// rescheduled.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
var (
	Is  = errors.Is
	As  = errors.As
	New = errors.New
)

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Council-related sentinel errors
var (
	// ErrNoParticipants indicates that no enabled agent can take part in a turn.
	ErrNoParticipants = New("no participating agents")
	// ErrAllAgentsFailed indicates that every initial answer failed.
	ErrAllAgentsFailed = New("all agents failed to respond")
	// ErrNoChairman indicates that no chairman model could be resolved.
	ErrNoChairman = New("no chairman model configured")
	// ErrAgentNotFound indicates that an agent id is unknown to the registry.
	ErrAgentNotFound = New("agent not found")
	// ErrConversationNotFound indicates that a conversation could not be found.
	ErrConversationNotFound = New("conversation not found")
)

// Job-related sentinel errors
var (
	// ErrJobNotFound indicates that a job could not be found.
	ErrJobNotFound = New("job not found")
	// ErrJobCancelled indicates that a job observed its cancellation flag.
	ErrJobCancelled = New("job cancelled")
	// ErrInvalidTransition indicates a status compare-and-set lost the race
	// or was attempted from the wrong state.
	ErrInvalidTransition = New("invalid job status transition")
	// ErrUnknownJobType indicates that no handler is registered for a job type.
	ErrUnknownJobType = New("unknown job type")
	// ErrEngineStopped indicates that the engine is not accepting work.
	ErrEngineStopped = New("job engine stopped")
)

// Model-related sentinel errors
var (
	// ErrProviderNotFound indicates that no provider is registered for a model spec.
	ErrProviderNotFound = New("model provider not found")
	// ErrEmptyResponse indicates that a provider returned no content.
	ErrEmptyResponse = New("empty model response")
	// ErrMissingAPIKey indicates that a provider has no credentials.
	ErrMissingAPIKey = New("missing provider api key")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// CouncilError is the base interface for all errors defined in this package.
type CouncilError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message   string
	cause     error
	retryable bool
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Unwrap() error { return e.cause }

func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

func (e *baseError) IsRetryable() bool { return e.retryable }

// formatPrefixed renders "<kind> [k=v, ...]: message: cause".
func formatPrefixed(kind string, parts []string, message string, cause error) string {
	prefix := kind
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
	}
	if cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, message, cause)
	}
	return fmt.Sprintf("%s: %s", prefix, message)
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// StageError represents a failure of one deliberation stage, or of one agent
// call inside a fan-out stage.
//
// Example:
//
//	err := errors.NewStageError("chairman call failed", cause).WithStage("stage3")
//	fmt.Println(err) // "stage error [stage=stage3]: chairman call failed: ..."
type StageError struct {
	baseError
	Stage   string
	AgentID string
}

// NewStageError creates a new StageError.
func NewStageError(message string, cause error) *StageError {
	return &StageError{
		baseError: baseError{
			message: message,
			cause:   cause,
		},
	}
}

// WithStage adds the stage name to the error context.
func (e *StageError) WithStage(stage string) *StageError {
	e.Stage = stage
	return e
}

// WithAgent adds the agent id to the error context.
func (e *StageError) WithAgent(agentID string) *StageError {
	e.AgentID = agentID
	return e
}

func (e *StageError) Error() string {
	var parts []string
	if e.Stage != "" {
		parts = append(parts, fmt.Sprintf("stage=%s", e.Stage))
	}
	if e.AgentID != "" {
		parts = append(parts, fmt.Sprintf("agent=%s", e.AgentID))
	}
	return formatPrefixed("stage error", parts, e.message, e.cause)
}

func (e *StageError) Is(target error) bool {
	if _, ok := target.(*StageError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// JobError represents errors raised by the job engine or a job handler.
//
// Example:
//
//	err := errors.NewJobError("handler failed", cause).WithJobID("j1").WithAttempt(2)
type JobError struct {
	baseError
	JobID   string
	JobType string
	Attempt int
}

// NewJobError creates a new JobError. Job errors are retryable unless
// marked otherwise.
func NewJobError(message string, cause error) *JobError {
	return &JobError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			retryable: true,
		},
	}
}

// WithJobID adds a job id to the error context.
func (e *JobError) WithJobID(id string) *JobError {
	e.JobID = id
	return e
}

// WithJobType adds a job type to the error context.
func (e *JobError) WithJobType(jobType string) *JobError {
	e.JobType = jobType
	return e
}

// WithAttempt records which attempt failed.
func (e *JobError) WithAttempt(n int) *JobError {
	e.Attempt = n
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *JobError) WithRetryable(r bool) *JobError {
	e.retryable = r
	return e
}

func (e *JobError) Error() string {
	var parts []string
	if e.JobID != "" {
		parts = append(parts, fmt.Sprintf("job=%s", e.JobID))
	}
	if e.JobType != "" {
		parts = append(parts, fmt.Sprintf("type=%s", e.JobType))
	}
	if e.Attempt > 0 {
		parts = append(parts, fmt.Sprintf("attempt=%d", e.Attempt))
	}
	return formatPrefixed("job error", parts, e.message, e.cause)
}

func (e *JobError) Is(target error) bool {
	if _, ok := target.(*JobError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// Permanent marks err as non-retryable for the job engine. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return NewJobError("permanent failure", err).WithRetryable(false)
}

// ModelError represents a failed call to a model provider.
type ModelError struct {
	baseError
	Provider   string
	Model      string
	StatusCode int
}

// NewModelError creates a new ModelError. Retryability is derived from the
// status code once it is set via WithStatusCode; transport errors default to
// retryable.
func NewModelError(message string, cause error) *ModelError {
	return &ModelError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			retryable: true,
		},
	}
}

// WithProvider adds the provider name to the error context.
func (e *ModelError) WithProvider(provider string) *ModelError {
	e.Provider = provider
	return e
}

// WithModel adds the model name to the error context.
func (e *ModelError) WithModel(model string) *ModelError {
	e.Model = model
	return e
}

// WithStatusCode records the HTTP status and derives retryability:
// 408, 429 and 5xx are retryable, other 4xx are not.
func (e *ModelError) WithStatusCode(code int) *ModelError {
	e.StatusCode = code
	e.retryable = code == 408 || code == 429 || code >= 500
	return e
}

func (e *ModelError) Error() string {
	var parts []string
	if e.Provider != "" {
		parts = append(parts, fmt.Sprintf("provider=%s", e.Provider))
	}
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	if e.StatusCode != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	return formatPrefixed("model error", parts, e.message, e.cause)
}

func (e *ModelError) Is(target error) bool {
	if _, ok := target.(*ModelError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("job", "abc123")
//	fmt.Println(err) // "job 'abc123' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message: fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' not found: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state.
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message: message,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	return formatPrefixed("validation error", parts, e.message, e.cause)
}

func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
//
// Example:
//
//	err := errors.NewTimeoutError("stage1 call", 120*time.Second)
//	fmt.Println(err) // "timeout error: stage1 call (timeout: 2m0s)"
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError. Timeouts are retryable.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:   operation,
			retryable: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if errors.Is(target, ErrTimeout) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry. Errors implementing CouncilError answer for
// themselves; otherwise anything wrapping ErrTimeout is retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ce CouncilError
	if As(err, &ce) {
		return ce.IsRetryable()
	}
	return Is(err, ErrTimeout)
}

// IsPermanent reports whether err explicitly opted out of retries.
// Unlike !IsRetryable, plain errors are not permanent.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var ce CouncilError
	if As(err, &ce) {
		return !ce.IsRetryable()
	}
	return false
}
