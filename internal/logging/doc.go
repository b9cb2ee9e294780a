// Package logging provides structured logging for the council service.
//
// It wraps log/slog with a JSON handler and adds child loggers that carry
// conversation, turn, stage and job attributes, so every record emitted while
// a turn or a background job runs can be correlated afterwards.
//
// # Usage
//
//	logger, err := logging.NewLogger(logging.Options{
//	    File:     "/var/lib/council/council.log",
//	    Level:    "INFO",
//	    Rotation: logging.DefaultRotationConfig(),
//	})
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	stageLog := logger.WithConversation(convID).WithTurn(turnID).WithStage("stage2")
//	stageLog.Warn("review call failed", "agent_id", agentID, "error", err)
//
// Output:
//
//	{"time":"...","level":"WARN","msg":"review call failed","conversation_id":"c1","turn_id":"t1","stage":"stage2","agent_id":"a3","error":"..."}
//
// # Rotation
//
// [RotatingWriter] is a size-based append-only writer. Rotated files are
// named <file>.1 (newest) through <file>.N, optionally gzip compressed. The
// trace package reuses it for per-conversation JSONL traces.
//
// # Testing
//
// Use [NopLogger] to discard output, or [NewWriterLogger] with a buffer to
// assert on emitted records.
package logging
