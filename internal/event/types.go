// Package event defines the events exchanged between the job engine, the
// deliberation orchestrator and their observers.
package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "job.status", "turn.stage")
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// Event type identifiers.
const (
	TypeJobStatus   = "job.status"
	TypeJobProgress = "job.progress"
	TypeQueueDepth  = "job.depth"
	TypeTurnStage   = "turn.stage"
)

// -----------------------------------------------------------------------------
// Job Events
// -----------------------------------------------------------------------------

// JobEvent reports a job status change or progress update. Job events are
// best-effort notifications; the job store remains the source of truth.
type JobEvent struct {
	baseEvent
	JobID          string
	JobType        string
	ConversationID string
	Status         string
	Attempt        int
	Progress       float64
	Error          string
}

// NewJobStatusEvent creates a JobEvent for a status transition.
func NewJobStatusEvent(jobID, jobType, conversationID, status string, attempt int, errMsg string) JobEvent {
	return JobEvent{
		baseEvent:      newBaseEvent(TypeJobStatus),
		JobID:          jobID,
		JobType:        jobType,
		ConversationID: conversationID,
		Status:         status,
		Attempt:        attempt,
		Error:          errMsg,
	}
}

// NewJobProgressEvent creates a JobEvent for a progress update of a running job.
func NewJobProgressEvent(jobID, jobType, conversationID string, progress float64) JobEvent {
	return JobEvent{
		baseEvent:      newBaseEvent(TypeJobProgress),
		JobID:          jobID,
		JobType:        jobType,
		ConversationID: conversationID,
		Status:         "running",
		Progress:       progress,
	}
}

// QueueDepthEvent is emitted after the dispatcher changes queue occupancy.
type QueueDepthEvent struct {
	baseEvent
	Queued  int
	Running int
}

// NewQueueDepthEvent creates a QueueDepthEvent.
func NewQueueDepthEvent(queued, running int) QueueDepthEvent {
	return QueueDepthEvent{
		baseEvent: newBaseEvent(TypeQueueDepth),
		Queued:    queued,
		Running:   running,
	}
}

// -----------------------------------------------------------------------------
// Turn Events
// -----------------------------------------------------------------------------

// TurnStageEvent mirrors a deliberation stream event onto the bus so that
// observers outside the request (trace writers, the CLI) can follow a turn.
type TurnStageEvent struct {
	baseEvent
	ConversationID string
	TurnID         string
	Stage          string
	Kind           string // e.g. "stage1_start", "complete", "error"
	Error          string
}

// NewTurnStageEvent creates a TurnStageEvent.
func NewTurnStageEvent(conversationID, turnID, stage, kind, errMsg string) TurnStageEvent {
	return TurnStageEvent{
		baseEvent:      newBaseEvent(TypeTurnStage),
		ConversationID: conversationID,
		TurnID:         turnID,
		Stage:          stage,
		Kind:           kind,
		Error:          errMsg,
	}
}
