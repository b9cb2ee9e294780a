// Package trace keeps a per-conversation JSONL record of model calls and
// stage transitions for post-hoc debugging.
package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/config"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/event"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/logging"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/model"
)

// Record kinds.
const (
	KindLLMCall       = "llm_call"
	KindStageStart    = "stage_start"
	KindStageComplete = "stage_complete"
	KindStageError    = "stage_error"
	KindTurnComplete  = "turn_complete"
	KindTurnError     = "turn_error"
)

// Record is one trace line.
type Record struct {
	Time           time.Time `json:"time"`
	Kind           string    `json:"kind"`
	ConversationID string    `json:"conversation_id"`
	TurnID         string    `json:"turn_id,omitempty"`
	Stage          string    `json:"stage,omitempty"`
	AgentID        string    `json:"agent_id,omitempty"`
	Model          string    `json:"model,omitempty"`
	DurationMS     int64     `json:"duration_ms,omitempty"`
	OK             bool      `json:"ok"`
	Error          string    `json:"error,omitempty"`
	InputTokens    int64     `json:"input_tokens,omitempty"`
	OutputTokens   int64     `json:"output_tokens,omitempty"`
}

// Store appends records to <dir>/<conversation>.jsonl. Files rotate by
// size like the service log.
type Store struct {
	dir      string
	rotation logging.RotationConfig
	logger   *logging.Logger

	mu      sync.Mutex
	writers map[string]*logging.RotatingWriter
	closed  bool
}

var _ model.Recorder = (*Store)(nil)

// Open creates a Store for cfg. The directory is created on first write.
func Open(cfg config.TraceConfig, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.NopLogger()
	}
	rotation := logging.DefaultRotationConfig()
	if cfg.MaxSizeMB > 0 {
		rotation.MaxSizeMB = cfg.MaxSizeMB
	}
	return &Store{
		dir:      cfg.TraceDir(),
		rotation: rotation,
		logger:   logger,
		writers:  make(map[string]*logging.RotatingWriter),
	}
}

// Dir returns the trace directory.
func (s *Store) Dir() string { return s.dir }

// Append writes rec to its conversation's file. Records without a
// conversation are dropped.
func (s *Store) Append(rec Record) error {
	if rec.ConversationID == "" {
		return nil
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode trace record: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("trace store closed")
	}
	w, ok := s.writers[rec.ConversationID]
	if !ok {
		w, err = logging.NewRotatingWriter(filePath(s.dir, rec.ConversationID), s.rotation)
		if err != nil {
			return fmt.Errorf("open trace file: %w", err)
		}
		s.writers[rec.ConversationID] = w
	}
	if _, err := w.Write(line); err != nil {
		return fmt.Errorf("write trace record: %w", err)
	}
	return nil
}

// RecordCall stores a model call.
func (s *Store) RecordCall(c model.CallRecord) {
	err := s.Append(Record{
		Time:           c.Started.UTC(),
		Kind:           KindLLMCall,
		ConversationID: c.ConversationID,
		Stage:          c.Stage,
		AgentID:        c.AgentID,
		Model:          c.Model,
		DurationMS:     c.Duration.Milliseconds(),
		OK:             c.OK,
		Error:          c.Error,
		InputTokens:    c.InputTokens,
		OutputTokens:   c.OutputTokens,
	})
	if err != nil {
		s.logger.Warn("trace write failed", "error", err)
	}
}

// Attach records the turn stage events published on bus until the
// returned function is called.
func (s *Store) Attach(bus *event.Bus) (detach func()) {
	id := bus.Subscribe(event.TypeTurnStage, func(ev event.Event) {
		te, ok := ev.(event.TurnStageEvent)
		if !ok {
			return
		}
		rec := Record{
			Time:           te.Timestamp().UTC(),
			ConversationID: te.ConversationID,
			TurnID:         te.TurnID,
			Stage:          te.Stage,
			Error:          te.Error,
		}
		switch {
		case te.Kind == "complete":
			rec.Kind, rec.OK = KindTurnComplete, true
		case te.Kind == "error" && te.Stage == "":
			rec.Kind = KindTurnError
		case te.Kind == "error":
			rec.Kind = KindStageError
		case strings.HasSuffix(te.Kind, "_start"):
			rec.Kind, rec.OK = KindStageStart, true
		default:
			rec.Kind, rec.OK = KindStageComplete, true
		}
		if err := s.Append(rec); err != nil {
			s.logger.Warn("trace write failed", "error", err)
		}
	})
	return func() { bus.Unsubscribe(id) }
}

// Close flushes and closes every open trace file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	var firstErr error
	for id, w := range s.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.writers, id)
	}
	return firstErr
}

// Read returns the records of a conversation, oldest first. Uncompressed
// rotated backups are read before the current file.
func Read(dir, conversationID string) ([]Record, error) {
	path := filePath(dir, conversationID)

	var files []string
	for n := 1; ; n++ {
		backup := fmt.Sprintf("%s.%d", path, n)
		if _, err := os.Stat(backup); err != nil {
			break
		}
		files = append([]string{backup}, files...)
	}
	files = append(files, path)

	var out []Record
	found := false
	for _, f := range files {
		records, err := readFile(f)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		found = true
		out = append(out, records...)
	}
	if !found {
		return nil, fmt.Errorf("no trace for conversation %s", conversationID)
	}
	return out, nil
}

func readFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	const maxLine = 1 << 20
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	var out []Record
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			// A torn final line after a crash is skipped.
			continue
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read trace %s: %w", path, err)
	}
	return out, nil
}

func filePath(dir, conversationID string) string {
	return filepath.Join(dir, sanitize(conversationID)+".jsonl")
}

func sanitize(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
