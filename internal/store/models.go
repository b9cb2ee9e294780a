package store

import (
	"encoding/json"
	"time"
)

// TurnStatus is the lifecycle state of a turn.
type TurnStatus string

const (
	TurnRunning  TurnStatus = "running"
	TurnComplete TurnStatus = "complete"
	TurnError    TurnStatus = "error"
)

// Conversation groups turns and carries per-conversation overrides.
type Conversation struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	// AgentIDs restricts participation; empty means every enabled agent.
	AgentIDs []string `json:"agent_ids,omitempty"`
	// ChairmanAgentID selects an agent whose model chairs the council.
	ChairmanAgentID string `json:"chairman_agent_id,omitempty"`
	// KBDocIDs are documents attached to the conversation.
	KBDocIDs  []string  `json:"kb_doc_ids,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one user or assistant message of a conversation.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	TurnID         string    `json:"turn_id,omitempty"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Turn is one question put to the council.
type Turn struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Query          string     `json:"query"`
	Status         TurnStatus `json:"status"`
	StageCount     int        `json:"stage_count"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// Stage is a persisted stage result. Seq is 1-based and gap-free per turn.
type Stage struct {
	TurnID    string          `json:"turn_id"`
	Seq       int             `json:"seq"`
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// Document is an entry of the local knowledge store.
type Document struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	Category   string          `json:"category,omitempty"`
	Content    string          `json:"content"`
	Provenance json.RawMessage `json:"provenance,omitempty"`
	ChunkCount int             `json:"chunk_count"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// ChunkHit is a search result from the chunk index.
type ChunkHit struct {
	DocumentID string  `json:"document_id"`
	Title      string  `json:"title"`
	Seq        int     `json:"seq"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
}

// SearchOptions restricts a chunk search. Empty filters match everything.
type SearchOptions struct {
	DocIDs     []string
	Categories []string
	Limit      int
}
