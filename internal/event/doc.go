// Package event provides a synchronous pub-sub bus used to fan job and turn
// notifications out to interested observers.
//
// # Main Types
//
//   - [Event]: interface implemented by every event (EventType, Timestamp)
//   - [Bus]: thread-safe dispatcher with exact, prefix ("job.*") and
//     wildcard ("*") subscriptions
//   - [JobEvent]: job status transitions and throttled progress updates
//   - [QueueDepthEvent]: queued/running counts after dispatcher activity
//   - [TurnStageEvent]: deliberation stream events mirrored onto the bus
//
// # Delivery
//
// Handlers run synchronously on the publishing goroutine, so they must be
// quick. A panicking handler is recovered and logged; the remaining handlers
// still receive the event. Delivery is fire-and-forget: nothing is retried
// and nothing is persisted.
//
// # Usage
//
//	bus := event.NewBus()
//	bus.Subscribe("job.*", func(e event.Event) {
//	    if je, ok := e.(event.JobEvent); ok && je.ConversationID == convID {
//	        fmt.Println(je.JobID, je.Status, je.Progress)
//	    }
//	})
package event
