package trace

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/config"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/event"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/model"
)

func TestStore_RecordAndRead(t *testing.T) {
	dir := t.TempDir()
	s := Open(config.TraceConfig{Enabled: true, Dir: dir}, nil)

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.RecordCall(model.CallRecord{
		ConversationID: "conv-1",
		Stage:          "stage1",
		AgentID:        "agent-1",
		Model:          "openrouter:x/y",
		Started:        start,
		Duration:       1500 * time.Millisecond,
		OK:             true,
		OutputTokens:   42,
	})
	s.RecordCall(model.CallRecord{
		ConversationID: "conv-1",
		Stage:          "stage2",
		AgentID:        "agent-2",
		Model:          "openrouter:x/z",
		Started:        start.Add(time.Second),
		Duration:       300 * time.Millisecond,
		Error:          "rate limited",
	})
	s.RecordCall(model.CallRecord{Stage: "stage1"})

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	records, err := Read(dir, "conv-1")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len = %d, want 2", len(records))
	}
	first := records[0]
	if first.Kind != KindLLMCall || first.DurationMS != 1500 || !first.OK || first.OutputTokens != 42 || !first.Time.Equal(start) {
		t.Errorf("first record = %+v", first)
	}

	failures := Apply(records, Filter{ErrorsOnly: true})
	if len(failures) != 1 || failures[0].AgentID != "agent-2" {
		t.Errorf("errors-only = %+v", failures)
	}

	sum := Summarize(records)
	if sum.Calls != 2 || sum.Failures != 1 || sum.TotalMS != 1800 || sum.SlowestCall.AgentID != "agent-1" {
		t.Errorf("summary = %+v", sum)
	}

	if _, err := Read(dir, "conv-unknown"); err == nil {
		t.Error("Read() of a missing conversation should fail")
	}
	if err := s.Append(Record{ConversationID: "conv-1"}); err == nil {
		t.Error("Append() after Close should fail")
	}
}

func TestStore_AttachRecordsStageEvents(t *testing.T) {
	dir := t.TempDir()
	s := Open(config.TraceConfig{Dir: dir}, nil)
	bus := event.NewBus()
	detach := s.Attach(bus)

	bus.Publish(event.NewTurnStageEvent("c", "t", "stage1", "stage1_start", ""))
	bus.Publish(event.NewTurnStageEvent("c", "t", "stage1", "stage1_complete", ""))
	bus.Publish(event.NewTurnStageEvent("c", "t", "stage2c", "error", "bad json"))
	bus.Publish(event.NewTurnStageEvent("c", "t", "", "complete", ""))
	detach()
	bus.Publish(event.NewTurnStageEvent("c", "t", "stage3", "stage3_start", ""))
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	records, err := Read(dir, "c")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	want := []string{KindStageStart, KindStageComplete, KindStageError, KindTurnComplete}
	if len(records) != len(want) {
		t.Fatalf("len = %d, want %d", len(records), len(want))
	}
	for i, k := range want {
		if records[i].Kind != k {
			t.Errorf("records[%d].Kind = %s, want %s", i, records[i].Kind, k)
		}
	}
	if records[2].Error != "bad json" || records[2].TurnID != "t" {
		t.Errorf("stage error record = %+v", records[2])
	}

	stage1 := Apply(records, Filter{Stage: "stage1", Kind: KindStageComplete})
	if len(stage1) != 1 {
		t.Errorf("filtered = %+v", stage1)
	}
}

func TestRead_SkipsTornLinesAndReadsBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c.jsonl")
	backup := `{"kind":"llm_call","conversation_id":"c","stage":"old","ok":true}` + "\n"
	current := `{"kind":"llm_call","conversation_id":"c","stage":"new","ok":true}` + "\n" + `{"kind":"llm_ca`
	if err := os.WriteFile(path+".1", []byte(backup), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(current), 0o644); err != nil {
		t.Fatal(err)
	}

	records, err := Read(dir, "c")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(records) != 2 || records[0].Stage != "old" || records[1].Stage != "new" {
		t.Errorf("records = %+v", records)
	}
}

func TestSanitize(t *testing.T) {
	tests := map[string]string{
		"abc-123_X": "abc-123_X",
		"../etc":    "___etc",
		"":          "_",
		"a b/c":     "a_b_c",
	}
	for in, want := range tests {
		if got := sanitize(in); got != want {
			t.Errorf("sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}
