package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/errors"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/testutil"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(testutil.SetupTestDB(t))
	require.NoError(t, err)
	return s
}

func TestConversations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.CreateConversation(ctx, Conversation{AgentIDs: []string{"agent-1", "agent-3"}, ChairmanAgentID: "agent-3"})
	require.NoError(t, err)
	require.NotEmpty(t, c.ID)

	got, err := s.GetConversation(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-1", "agent-3"}, got.AgentIDs)
	assert.Equal(t, "agent-3", got.ChairmanAgentID)
	assert.Empty(t, got.KBDocIDs)
	assert.Empty(t, got.Title)

	require.NoError(t, s.SetTitle(ctx, c.ID, "Energy policy"))
	got, err = s.GetConversation(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "Energy policy", got.Title)

	_, err = s.GetConversation(ctx, "missing")
	assert.ErrorIs(t, err, errors.ErrConversationNotFound)
	assert.ErrorIs(t, s.SetTitle(ctx, "missing", "x"), errors.ErrConversationNotFound)

	list, err := s.ListConversations(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestTurnLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.CreateConversation(ctx, Conversation{})
	require.NoError(t, err)
	turn, err := s.CreateTurn(ctx, c.ID, "Should we build the bridge?")
	require.NoError(t, err)
	assert.Equal(t, TurnRunning, turn.Status)
	assert.Zero(t, turn.StageCount)

	for i, name := range []string{"stage1", "stage2", "stage3"} {
		st, err := s.AppendStage(ctx, turn.ID, name, map[string]any{"n": i})
		require.NoError(t, err)
		assert.Equal(t, i+1, st.Seq)
	}

	stages, err := s.Stages(ctx, turn.ID)
	require.NoError(t, err)
	require.Len(t, stages, 3)
	assert.Equal(t, "stage2", stages[1].Name)
	assert.JSONEq(t, `{"n":1}`, string(stages[1].Data))

	reloaded, err := s.GetTurn(ctx, turn.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, reloaded.StageCount)

	require.NoError(t, s.FinishTurn(ctx, turn.ID, TurnComplete, "Yes, with conditions.", ""))
	finished, err := s.GetTurn(ctx, turn.ID)
	require.NoError(t, err)
	assert.Equal(t, TurnComplete, finished.Status)
	assert.NotNil(t, finished.FinishedAt)

	_, err = s.AppendStage(ctx, turn.ID, "stage4", "late")
	assert.Error(t, err)
	assert.Error(t, s.FinishTurn(ctx, turn.ID, TurnError, "", "again"))

	history, err := s.History(ctx, c.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "Should we build the bridge?", history[0].Content)
	assert.Equal(t, "assistant", history[1].Role)
	assert.Equal(t, turn.ID, history[1].TurnID)

	_, err = s.AppendStage(ctx, "missing", "stage1", nil)
	var nf *errors.NotFoundError
	assert.True(t, errors.As(err, &nf))

	turns, err := s.ListTurns(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, turns, 1)
}

func TestFailedTurnKeepsStages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	turn, err := s.CreateTurn(ctx, "conv", "q")
	require.NoError(t, err)
	_, err = s.AppendStage(ctx, turn.ID, "stage1", []string{"a"})
	require.NoError(t, err)
	require.NoError(t, s.FinishTurn(ctx, turn.ID, TurnError, "", "chairman failed"))

	stages, err := s.Stages(ctx, turn.ID)
	require.NoError(t, err)
	assert.Len(t, stages, 1)

	got, err := s.GetTurn(ctx, turn.ID)
	require.NoError(t, err)
	assert.Equal(t, "chairman failed", got.Error)

	history, err := s.History(ctx, "conv", 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestHistoryLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := range 5 {
		_, err := s.AppendMessage(ctx, Message{ConversationID: "c", Role: "user", Content: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}
	history, err := s.History(ctx, "c", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "m3", history[0].Content)
	assert.Equal(t, "m4", history[1].Content)
}

func TestDocumentsAndSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	solar, err := s.SaveDocument(ctx, Document{
		Title:      "Solar notes",
		Category:   "energy",
		Content:    "solar panels",
		Provenance: json.RawMessage(`{"source":"test"}`),
	})
	require.NoError(t, err)
	wind, err := s.SaveDocument(ctx, Document{Title: "Wind notes", Category: "weather", Content: "wind"})
	require.NoError(t, err)

	require.NoError(t, s.ReplaceChunks(ctx, solar.ID, []string{
		"Solar capacity doubled in 2023.",
		"Storage costs fell; solar plus storage is now cheap. Solar wins.",
	}))
	require.NoError(t, s.ReplaceChunks(ctx, wind.ID, []string{"Offshore wind and solar hybrids."}))

	got, err := s.GetDocument(ctx, solar.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ChunkCount)
	assert.JSONEq(t, `{"source":"test"}`, string(got.Provenance))

	hits, err := s.SearchChunks(ctx, "Solar storage?", SearchOptions{})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, solar.ID, hits[0].DocumentID)
	assert.Equal(t, 2, hits[0].Seq)
	assert.Equal(t, "Solar notes", hits[0].Title)

	hits, err = s.SearchChunks(ctx, "solar", SearchOptions{Categories: []string{"weather"}})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, wind.ID, hits[0].DocumentID)

	hits, err = s.SearchChunks(ctx, "solar", SearchOptions{DocIDs: []string{solar.ID}, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	hits, err = s.SearchChunks(ctx, "a ?", SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, hits)

	// Re-saving drops the index.
	_, err = s.SaveDocument(ctx, Document{ID: solar.ID, Title: "Solar notes v2", Category: "energy", Content: "new"})
	require.NoError(t, err)
	got, err = s.GetDocument(ctx, solar.ID)
	require.NoError(t, err)
	assert.Zero(t, got.ChunkCount)
	hits, err = s.SearchChunks(ctx, "storage", SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, hits)

	docs, err := s.ListDocuments(ctx, "energy")
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	assert.Error(t, s.ReplaceChunks(ctx, "missing", []string{"x"}))
	_, err = s.SaveDocument(ctx, Document{Title: " "})
	assert.Error(t, err)
}
