// Package jobs provides the durable background job engine used by council
// turns and tools.
//
// Jobs are rows in the "jobs" table. Each carries a type, an optional
// conversation, a JSON object payload and an idempotency key. Submitting
// the same (type, conversation, key) while a job is queued or running
// returns that job instead of creating another one, and a job that
// succeeded within its type's result TTL is returned as a cached result.
//
// The [Engine] polls for eligible queued jobs and runs them through the
// [Handler] registered for their type, never exceeding the per-type
// concurrency limit. A failed attempt is retried with exponential backoff
// until MaxAttempts is reached, unless the error is permanent.
//
// Several engines may share one database. A claim records the engine as the
// job's owner with a lease the owner keeps renewing, and the per-type limit
// counts running rows across all owners. Completion and retry writes only
// apply while the lease is still held. When a lease expires, any engine
// requeues the job without consuming an attempt, or cancels it if a
// cancellation was requested in the meantime.
//
// Cancellation is cooperative: handlers observe it through [Checkpoint.Err]
// and whatever they return is kept as a partial result.
//
// Usage:
//
//	store, err := jobs.NewGormStore(gdb)
//	engine := jobs.NewEngine(store, cfg.Jobs, jobs.WithLogger(logger))
//	engine.Register("web_search", jobs.HandlerFunc(search))
//
//	if err := engine.Start(ctx); err != nil {
//	    return err
//	}
//	defer engine.Stop()
//
//	h, err := engine.Submit(ctx, jobs.Submission{
//	    Type:           "web_search",
//	    ConversationID: convID,
//	    Payload:        json.RawMessage(`{"query":"..."}`),
//	})
//	job, err := engine.Await(ctx, h.Job.ID)
package jobs
