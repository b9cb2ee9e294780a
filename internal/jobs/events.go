package jobs

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/event"
)

// EventStore wraps a Store and publishes JobEvents to an event bus after
// every successful status change, followed by a QueueDepthEvent. Events are
// best effort: a failed lookup after a transition suppresses the event but
// never the transition.
type EventStore struct {
	Store
	bus *event.Bus
}

// NewEventStore creates an EventStore publishing on bus.
func NewEventStore(store Store, bus *event.Bus) *EventStore {
	return &EventStore{Store: store, bus: bus}
}

func (s *EventStore) SubmitOrGet(ctx context.Context, job *Job, reuseAfter time.Time, forceNew bool) (*Job, bool, error) {
	got, created, err := s.Store.SubmitOrGet(ctx, job, reuseAfter, forceNew)
	if err != nil {
		return nil, false, err
	}
	if created {
		s.publishStatus(got)
		s.publishDepth(ctx)
	}
	return got, created, nil
}

func (s *EventStore) Claim(ctx context.Context, id, owner string, limit int, now, leaseUntil time.Time) (bool, error) {
	ok, err := s.Store.Claim(ctx, id, owner, limit, now, leaseUntil)
	if err != nil || !ok {
		return ok, err
	}
	s.publishByID(ctx, id)
	return true, nil
}

func (s *EventStore) UpdateProgress(ctx context.Context, id, owner string, progress float64) error {
	if err := s.Store.UpdateProgress(ctx, id, owner, progress); err != nil {
		return err
	}
	if job, err := s.Store.Get(ctx, id); err == nil {
		s.bus.Publish(event.NewJobProgressEvent(job.ID, job.Type, job.ConversationID, progress))
	}
	return nil
}

func (s *EventStore) Complete(ctx context.Context, id, owner string, result json.RawMessage, now time.Time) error {
	if err := s.Store.Complete(ctx, id, owner, result, now); err != nil {
		return err
	}
	s.publishByID(ctx, id)
	return nil
}

func (s *EventStore) Fail(ctx context.Context, id, owner, errMsg string, now time.Time) error {
	if err := s.Store.Fail(ctx, id, owner, errMsg, now); err != nil {
		return err
	}
	s.publishByID(ctx, id)
	return nil
}

func (s *EventStore) Retry(ctx context.Context, id, owner string, attempt int, nextEligibleAt time.Time, errMsg string) (Status, error) {
	st, err := s.Store.Retry(ctx, id, owner, attempt, nextEligibleAt, errMsg)
	if err != nil {
		return "", err
	}
	s.publishByID(ctx, id)
	return st, nil
}

func (s *EventStore) Requeue(ctx context.Context, id, owner string, now time.Time) (Status, error) {
	st, err := s.Store.Requeue(ctx, id, owner, now)
	if err != nil {
		return "", err
	}
	s.publishByID(ctx, id)
	return st, nil
}

func (s *EventStore) Cancel(ctx context.Context, id, owner string, from []Status, partial json.RawMessage, errMsg string, now time.Time) (bool, error) {
	ok, err := s.Store.Cancel(ctx, id, owner, from, partial, errMsg, now)
	if err != nil || !ok {
		return ok, err
	}
	s.publishByID(ctx, id)
	return true, nil
}

func (s *EventStore) RecoverExpired(ctx context.Context, now time.Time) (Recovery, error) {
	rec, err := s.Store.RecoverExpired(ctx, now)
	if err != nil {
		return Recovery{}, err
	}
	for _, id := range slices.Concat(rec.Requeued, rec.Cancelled) {
		if job, err := s.Store.Get(ctx, id); err == nil {
			s.publishStatus(job)
		}
	}
	if len(rec.Requeued)+len(rec.Cancelled) > 0 {
		s.publishDepth(ctx)
	}
	return rec, nil
}

func (s *EventStore) publishByID(ctx context.Context, id string) {
	job, err := s.Store.Get(ctx, id)
	if err != nil {
		return
	}
	s.publishStatus(job)
	s.publishDepth(ctx)
}

func (s *EventStore) publishStatus(job *Job) {
	s.bus.Publish(event.NewJobStatusEvent(job.ID, job.Type, job.ConversationID, string(job.Status), job.Attempt, job.Error))
}

// publishDepth publishes a QueueDepthEvent with current counts.
func (s *EventStore) publishDepth(ctx context.Context) {
	counts, err := s.Store.Counts(ctx)
	if err != nil {
		return
	}
	s.bus.Publish(event.NewQueueDepthEvent(counts[StatusQueued], counts[StatusRunning]))
}
