package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"gorm.io/gorm"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/errors"
)

// GormStore is the gorm-backed Store.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

type jobRow struct {
	ID              string    `gorm:"primaryKey;size:64"`
	Type            string    `gorm:"size:64;not null;index:idx_jobs_lookup,priority:1"`
	ConversationID  string    `gorm:"size:128;not null;default:'';index:idx_jobs_lookup,priority:2;index:idx_jobs_conversation"`
	IdempotencyKey  string    `gorm:"size:128;not null;default:'';index:idx_jobs_lookup,priority:3"`
	Payload         string    `gorm:"type:text;not null"`
	Status          string    `gorm:"size:16;not null;index:idx_jobs_dispatch,priority:1"`
	Attempt         int       `gorm:"not null"`
	MaxAttempts     int       `gorm:"not null"`
	NextEligibleAt  time.Time `gorm:"not null;index:idx_jobs_dispatch,priority:2"`
	Progress        float64
	Result          string    `gorm:"type:text"`
	Error           string    `gorm:"type:text"`
	CancelRequested bool      `gorm:"not null;default:false"`
	Injected        bool      `gorm:"not null;default:false"`
	Owner           string    `gorm:"size:128;not null;default:''"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null;index"`
	LeaseExpiresAt  *time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
}

func (jobRow) TableName() string { return "jobs" }

// NewGormStore migrates the jobs table on db and returns a store over it.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&jobRow{}); err != nil {
		return nil, fmt.Errorf("migrate jobs: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) SubmitOrGet(ctx context.Context, job *Job, reuseAfter time.Time, forceNew bool) (*Job, bool, error) {
	var existing *Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if !forceNew {
			var row jobRow
			err := tx.Where("type = ? AND conversation_id = ? AND idempotency_key = ? AND status IN ?",
				job.Type, job.ConversationID, job.IdempotencyKey,
				[]string{string(StatusQueued), string(StatusRunning)}).
				Order("created_at DESC").
				Take(&row).Error
			if err == nil {
				existing = row.toJob()
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("lookup active job: %w", err)
			}

			if !reuseAfter.IsZero() {
				err = tx.Where("type = ? AND conversation_id = ? AND idempotency_key = ? AND status = ? AND finished_at >= ?",
					job.Type, job.ConversationID, job.IdempotencyKey, string(StatusSucceeded), reuseAfter.UTC()).
					Order("finished_at DESC").
					Take(&row).Error
				if err == nil {
					existing = row.toJob()
					return nil
				}
				if !errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("lookup cached job: %w", err)
				}
			}
		}

		row := rowFromJob(job)
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("create job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}
	return job, true, nil
}

func (s *GormStore) Get(ctx context.Context, id string) (*Job, error) {
	var row jobRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", errors.ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return row.toJob(), nil
}

func (s *GormStore) List(ctx context.Context, opts ListOptions) ([]*Job, error) {
	query := s.db.WithContext(ctx).Model(&jobRow{}).Order("created_at DESC")
	if opts.ConversationID != "" {
		query = query.Where("conversation_id = ?", opts.ConversationID)
	}
	if opts.Type != "" {
		query = query.Where("type = ?", opts.Type)
	}
	if opts.Status != "" {
		query = query.Where("status = ?", string(opts.Status))
	}
	if opts.Limit > 0 {
		query = query.Limit(opts.Limit)
	}

	var rows []jobRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return rowsToJobs(rows), nil
}

func (s *GormStore) Counts(ctx context.Context) (Counts, error) {
	var rows []struct {
		Status string
		N      int
	}
	err := s.db.WithContext(ctx).Model(&jobRow{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	out := make(Counts, len(rows))
	for _, r := range rows {
		out[Status(r.Status)] = r.N
	}
	return out, nil
}

func (s *GormStore) ListEligible(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	query := s.db.WithContext(ctx).
		Where("status = ? AND next_eligible_at <= ?", string(StatusQueued), now.UTC()).
		Order("next_eligible_at ASC, created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []jobRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list eligible jobs: %w", err)
	}
	return rowsToJobs(rows), nil
}

func (s *GormStore) Claim(ctx context.Context, id, owner string, limit int, now, leaseUntil time.Time) (bool, error) {
	now = now.UTC()
	query := s.db.WithContext(ctx).Model(&jobRow{}).
		Where("id = ? AND status = ?", id, string(StatusQueued))
	if limit > 0 {
		// The cap is global: rows running under other engines count too.
		query = query.Where("(SELECT COUNT(*) FROM jobs AS r WHERE r.type = (SELECT q.type FROM jobs AS q WHERE q.id = ?) AND r.status = ?) < ?",
			id, string(StatusRunning), limit)
	}
	res := query.Updates(map[string]any{
		"status":           string(StatusRunning),
		"owner":            owner,
		"lease_expires_at": leaseUntil.UTC(),
		"started_at":       &now,
		"updated_at":       now,
	})
	if res.Error != nil {
		return false, fmt.Errorf("claim job: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) ExtendLeases(ctx context.Context, owner string, ids []string, until time.Time) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var held []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&jobRow{}).
			Where("id IN ? AND status = ? AND owner = ?", ids, string(StatusRunning), owner).
			Update("lease_expires_at", until.UTC()).Error
		if err != nil {
			return fmt.Errorf("extend leases: %w", err)
		}
		return tx.Model(&jobRow{}).
			Where("id IN ? AND status = ? AND owner = ?", ids, string(StatusRunning), owner).
			Pluck("id", &held).Error
	})
	if err != nil {
		return nil, err
	}
	lost := make([]string, 0)
	for _, id := range ids {
		if !slices.Contains(held, id) {
			lost = append(lost, id)
		}
	}
	return lost, nil
}

// leased scopes tx to the running job id, held by owner unless owner is empty.
func leased(tx *gorm.DB, id, owner string) *gorm.DB {
	q := tx.Model(&jobRow{}).Where("id = ? AND status = ?", id, string(StatusRunning))
	if owner != "" {
		q = q.Where("owner = ?", owner)
	}
	return q
}

func (s *GormStore) UpdateProgress(ctx context.Context, id, owner string, progress float64) error {
	res := leased(s.db.WithContext(ctx), id, owner).
		Updates(map[string]any{"progress": progress, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("update progress: %w", res.Error)
	}
	return nil
}

func (s *GormStore) Complete(ctx context.Context, id, owner string, result json.RawMessage, now time.Time) error {
	now = now.UTC()
	return s.finish(ctx, id, owner, StatusSucceeded, map[string]any{
		"progress":    1.0,
		"result":      string(result),
		"error":       "",
		"finished_at": &now,
		"updated_at":  now,
	})
}

func (s *GormStore) Fail(ctx context.Context, id, owner, errMsg string, now time.Time) error {
	now = now.UTC()
	return s.finish(ctx, id, owner, StatusFailed, map[string]any{
		"error":       errMsg,
		"finished_at": &now,
		"updated_at":  now,
	})
}

func (s *GormStore) finish(ctx context.Context, id, owner string, to Status, updates map[string]any) error {
	updates["status"] = string(to)
	updates["lease_expires_at"] = nil
	res := leased(s.db.WithContext(ctx), id, owner).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("job %s %s->%s: %w", id, StatusRunning, to, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: cannot transition %s from %s to %s", errors.ErrInvalidTransition, id, StatusRunning, to)
	}
	return nil
}

func (s *GormStore) Retry(ctx context.Context, id, owner string, attempt int, nextEligibleAt time.Time, errMsg string) (Status, error) {
	return s.requeue(ctx, id, owner, time.Now(), map[string]any{
		"attempt":          attempt,
		"next_eligible_at": nextEligibleAt.UTC(),
		"error":            errMsg,
	})
}

func (s *GormStore) Requeue(ctx context.Context, id, owner string, now time.Time) (Status, error) {
	return s.requeue(ctx, id, owner, now, map[string]any{
		"next_eligible_at": now.UTC(),
	})
}

// requeue returns a running job to the queue, or cancels it when a
// cancellation is pending so the request cannot be lost.
func (s *GormStore) requeue(ctx context.Context, id, owner string, now time.Time, updates map[string]any) (Status, error) {
	now = now.UTC()
	maps.Copy(updates, requeuedColumns(now))

	var out Status
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := leased(tx, id, owner).Where("cancel_requested = ?", false).Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("requeue job: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			out = StatusQueued
			return nil
		}
		res = leased(tx, id, owner).Where("cancel_requested = ?", true).Updates(cancelledColumns(now, "cancelled"))
		if res.Error != nil {
			return fmt.Errorf("cancel job: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			out = StatusCancelled
			return nil
		}
		return fmt.Errorf("%w: cannot requeue %s", errors.ErrInvalidTransition, id)
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

func requeuedColumns(now time.Time) map[string]any {
	return map[string]any{
		"status":           string(StatusQueued),
		"owner":            "",
		"lease_expires_at": nil,
		"progress":         0.0,
		"started_at":       nil,
		"updated_at":       now,
	}
}

func cancelledColumns(now time.Time, errMsg string) map[string]any {
	return map[string]any{
		"status":           string(StatusCancelled),
		"lease_expires_at": nil,
		"error":            errMsg,
		"finished_at":      &now,
		"updated_at":       now,
	}
}

func (s *GormStore) Cancel(ctx context.Context, id, owner string, from []Status, partial json.RawMessage, errMsg string, now time.Time) (bool, error) {
	updates := cancelledColumns(now.UTC(), errMsg)
	if partial != nil {
		updates["result"] = string(partial)
	}
	query := s.db.WithContext(ctx).Model(&jobRow{}).
		Where("id = ? AND status IN ?", id, statusStrings(from))
	if owner != "" {
		query = query.Where("owner = ?", owner)
	}
	res := query.Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("cancel job: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) RequestCancel(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&jobRow{}).
		Where("id = ? AND status = ?", id, string(StatusRunning)).
		Updates(map[string]any{"cancel_requested": true, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return false, fmt.Errorf("request cancel: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) CancelRequested(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []string
	err := s.db.WithContext(ctx).Model(&jobRow{}).
		Where("id IN ? AND cancel_requested = ?", ids, true).
		Pluck("id", &out).Error
	if err != nil {
		return nil, fmt.Errorf("load cancel flags: %w", err)
	}
	return out, nil
}

func (s *GormStore) RecoverExpired(ctx context.Context, now time.Time) (Recovery, error) {
	now = now.UTC()
	var rec Recovery
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		expired := func(cancelRequested bool) *gorm.DB {
			return tx.Model(&jobRow{}).
				Where("status = ? AND (lease_expires_at IS NULL OR lease_expires_at < ?)", string(StatusRunning), now).
				Where("cancel_requested = ?", cancelRequested)
		}
		if err := expired(true).Pluck("id", &rec.Cancelled).Error; err != nil {
			return fmt.Errorf("load expired cancelled jobs: %w", err)
		}
		if err := expired(false).Pluck("id", &rec.Requeued).Error; err != nil {
			return fmt.Errorf("load expired jobs: %w", err)
		}
		if len(rec.Cancelled) > 0 {
			err := tx.Model(&jobRow{}).
				Where("id IN ? AND status = ?", rec.Cancelled, string(StatusRunning)).
				Updates(cancelledColumns(now, "cancelled")).Error
			if err != nil {
				return fmt.Errorf("cancel expired jobs: %w", err)
			}
		}
		if len(rec.Requeued) > 0 {
			err := tx.Model(&jobRow{}).
				Where("id IN ? AND status = ?", rec.Requeued, string(StatusRunning)).
				Updates(requeuedColumns(now)).Error
			if err != nil {
				return fmt.Errorf("requeue expired jobs: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return Recovery{}, err
	}
	return rec, nil
}

func (s *GormStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", statusStrings(TerminalStatuses()), cutoff.UTC()).
		Delete(&jobRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete old jobs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *GormStore) TakeInjectable(ctx context.Context, conversationID string, limit int) ([]*Job, error) {
	var out []*Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Where("conversation_id = ? AND status = ? AND injected = ?", conversationID, string(StatusSucceeded), false).
			Order("finished_at ASC")
		if limit > 0 {
			query = query.Limit(limit)
		}
		var rows []jobRow
		if err := query.Find(&rows).Error; err != nil {
			return fmt.Errorf("load injectable jobs: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		ids := make([]string, len(rows))
		for i, r := range rows {
			ids[i] = r.ID
		}
		if err := tx.Model(&jobRow{}).Where("id IN ?", ids).Update("injected", true).Error; err != nil {
			return fmt.Errorf("mark injected: %w", err)
		}
		out = rowsToJobs(rows)
		for _, j := range out {
			j.Injected = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func rowFromJob(j *Job) jobRow {
	payload := string(j.Payload)
	if payload == "" {
		payload = "{}"
	}
	return jobRow{
		ID:              j.ID,
		Type:            j.Type,
		ConversationID:  j.ConversationID,
		IdempotencyKey:  j.IdempotencyKey,
		Payload:         payload,
		Status:          string(j.Status),
		Attempt:         j.Attempt,
		MaxAttempts:     j.MaxAttempts,
		NextEligibleAt:  j.NextEligibleAt.UTC(),
		Progress:        j.Progress,
		Result:          string(j.Result),
		Error:           j.Error,
		CancelRequested: j.CancelRequested,
		Injected:        j.Injected,
		Owner:           j.Owner,
		CreatedAt:       j.CreatedAt.UTC(),
		UpdatedAt:       j.UpdatedAt.UTC(),
		LeaseExpiresAt:  j.LeaseExpiresAt,
		StartedAt:       j.StartedAt,
		FinishedAt:      j.FinishedAt,
	}
}

func (r jobRow) toJob() *Job {
	j := &Job{
		ID:              r.ID,
		Type:            r.Type,
		ConversationID:  r.ConversationID,
		IdempotencyKey:  r.IdempotencyKey,
		Payload:         json.RawMessage(r.Payload),
		Status:          Status(r.Status),
		Attempt:         r.Attempt,
		MaxAttempts:     r.MaxAttempts,
		NextEligibleAt:  r.NextEligibleAt,
		Progress:        r.Progress,
		Error:           r.Error,
		CancelRequested: r.CancelRequested,
		Injected:        r.Injected,
		Owner:           r.Owner,
		LeaseExpiresAt:  r.LeaseExpiresAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		StartedAt:       r.StartedAt,
		FinishedAt:      r.FinishedAt,
	}
	if r.Result != "" {
		j.Result = json.RawMessage(r.Result)
	}
	return j
}

func rowsToJobs(rows []jobRow) []*Job {
	out := make([]*Job, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toJob())
	}
	return out
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
