package store

import (
	"encoding/json"
	"time"
)

type conversationRow struct {
	ID              string    `gorm:"primaryKey;size:64"`
	Title           string    `gorm:"size:255;not null;default:''"`
	AgentIDsJSON    string    `gorm:"column:agent_ids;type:text"`
	ChairmanAgentID string    `gorm:"size:128"`
	KBDocIDsJSON    string    `gorm:"column:kb_doc_ids;type:text"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null;index"`
}

func (conversationRow) TableName() string { return "conversations" }

func (r conversationRow) toRecord() Conversation {
	return Conversation{
		ID:              r.ID,
		Title:           r.Title,
		AgentIDs:        decodeStrings(r.AgentIDsJSON),
		ChairmanAgentID: r.ChairmanAgentID,
		KBDocIDs:        decodeStrings(r.KBDocIDsJSON),
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

type messageRow struct {
	ID             int64     `gorm:"primaryKey;autoIncrement"`
	ConversationID string    `gorm:"size:64;not null;index:idx_messages_conversation,priority:1"`
	TurnID         string    `gorm:"size:64"`
	Role           string    `gorm:"size:16;not null"`
	Content        string    `gorm:"type:text;not null"`
	CreatedAt      time.Time `gorm:"not null;index:idx_messages_conversation,priority:2"`
}

func (messageRow) TableName() string { return "messages" }

func (r messageRow) toRecord() Message {
	return Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		TurnID:         r.TurnID,
		Role:           r.Role,
		Content:        r.Content,
		CreatedAt:      r.CreatedAt,
	}
}

type turnRow struct {
	ID             string    `gorm:"primaryKey;size:64"`
	ConversationID string    `gorm:"size:64;not null;index"`
	Query          string    `gorm:"type:text;not null"`
	Status         string    `gorm:"size:16;not null"`
	StageCount     int       `gorm:"not null;default:0"`
	Error          string    `gorm:"type:text"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
	FinishedAt     *time.Time
}

func (turnRow) TableName() string { return "turns" }

func (r turnRow) toRecord() Turn {
	return Turn{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		Query:          r.Query,
		Status:         TurnStatus(r.Status),
		StageCount:     r.StageCount,
		Error:          r.Error,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		FinishedAt:     r.FinishedAt,
	}
}

type stageRow struct {
	TurnID    string    `gorm:"primaryKey;size:64"`
	Seq       int       `gorm:"primaryKey"`
	Name      string    `gorm:"size:32;not null"`
	Data      string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (stageRow) TableName() string { return "turn_stages" }

func (r stageRow) toRecord() Stage {
	return Stage{
		TurnID:    r.TurnID,
		Seq:       r.Seq,
		Name:      r.Name,
		Data:      json.RawMessage(r.Data),
		CreatedAt: r.CreatedAt,
	}
}

type documentRow struct {
	ID         string    `gorm:"primaryKey;size:64"`
	Title      string    `gorm:"size:255;not null"`
	Category   string    `gorm:"size:128;index"`
	Content    string    `gorm:"type:text;not null"`
	Provenance string    `gorm:"type:text"`
	ChunkCount int       `gorm:"not null;default:0"`
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

func (documentRow) TableName() string { return "documents" }

func (r documentRow) toRecord() Document {
	d := Document{
		ID:         r.ID,
		Title:      r.Title,
		Category:   r.Category,
		Content:    r.Content,
		ChunkCount: r.ChunkCount,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if r.Provenance != "" {
		d.Provenance = json.RawMessage(r.Provenance)
	}
	return d
}

type chunkRow struct {
	DocumentID string `gorm:"primaryKey;size:64"`
	Seq        int    `gorm:"primaryKey"`
	Content    string `gorm:"type:text;not null"`
}

func (chunkRow) TableName() string { return "document_chunks" }

func encodeStrings(values []string) string {
	if len(values) == 0 {
		return ""
	}
	data, _ := json.Marshal(values)
	return string(data)
}

func decodeStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}
