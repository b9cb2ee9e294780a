// Package store persists conversations, turns and their stage results, and
// the local document store used by knowledge-base tools.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/errors"
)

// TurnStore records the progress of a turn. Each AppendStage is atomic: a
// crash after stage K leaves exactly stages 1..K.
type TurnStore interface {
	CreateTurn(ctx context.Context, conversationID, query string) (Turn, error)
	AppendStage(ctx context.Context, turnID, stage string, data any) (Stage, error)
	FinishTurn(ctx context.Context, turnID string, status TurnStatus, answer, errMsg string) error
}

// Store is the gorm-backed conversation and document store.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

var _ TurnStore = (*Store)(nil)

// New migrates the store's tables on db.
func New(db *gorm.DB) (*Store, error) {
	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	if err := s.db.AutoMigrate(&conversationRow{}, &messageRow{}, &turnRow{}, &stageRow{}, &documentRow{}, &chunkRow{}); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}
	return nil
}

// CreateConversation inserts c, assigning an id when it has none.
func (s *Store) CreateConversation(ctx context.Context, c Conversation) (Conversation, error) {
	now := s.now()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt, c.UpdatedAt = now, now
	row := conversationRow{
		ID:              c.ID,
		Title:           c.Title,
		AgentIDsJSON:    encodeStrings(c.AgentIDs),
		ChairmanAgentID: c.ChairmanAgentID,
		KBDocIDsJSON:    encodeStrings(c.KBDocIDs),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

// GetConversation returns the conversation with id.
func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	var row conversationRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Conversation{}, fmt.Errorf("%w: %s", errors.ErrConversationNotFound, id)
		}
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return row.toRecord(), nil
}

// ListConversations returns conversations, most recently updated first.
func (s *Store) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	query := s.db.WithContext(ctx).Order("updated_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []conversationRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	out := make([]Conversation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toRecord())
	}
	return out, nil
}

// SetTitle replaces the conversation title.
func (s *Store) SetTitle(ctx context.Context, id, title string) error {
	res := s.db.WithContext(ctx).Model(&conversationRow{}).
		Where("id = ?", id).
		Updates(map[string]any{"title": title, "updated_at": s.now()})
	if res.Error != nil {
		return fmt.Errorf("set title: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", errors.ErrConversationNotFound, id)
	}
	return nil
}

// AppendMessage adds a message to a conversation.
func (s *Store) AppendMessage(ctx context.Context, m Message) (Message, error) {
	row := messageRow{
		ConversationID: m.ConversationID,
		TurnID:         m.TurnID,
		Role:           m.Role,
		Content:        m.Content,
		CreatedAt:      s.now(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	return row.toRecord(), nil
}

// History returns the last limit messages of a conversation, oldest first.
// A limit of zero or less returns every message.
func (s *Store) History(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	query := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC, id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []messageRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	out := make([]Message, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = r.toRecord()
	}
	return out, nil
}

// CreateTurn starts a turn and records the user's question as a message.
func (s *Store) CreateTurn(ctx context.Context, conversationID, query string) (Turn, error) {
	now := s.now()
	row := turnRow{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Query:          query,
		Status:         string(TurnRunning),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("create turn: %w", err)
		}
		msg := messageRow{
			ConversationID: conversationID,
			TurnID:         row.ID,
			Role:           "user",
			Content:        query,
			CreatedAt:      now,
		}
		if err := tx.Create(&msg).Error; err != nil {
			return fmt.Errorf("record question: %w", err)
		}
		return tx.Model(&conversationRow{}).Where("id = ?", conversationID).Update("updated_at", now).Error
	})
	if err != nil {
		return Turn{}, err
	}
	return row.toRecord(), nil
}

// GetTurn returns the turn with id.
func (s *Store) GetTurn(ctx context.Context, id string) (Turn, error) {
	var row turnRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Turn{}, errors.NewNotFoundError("turn", id)
		}
		return Turn{}, fmt.Errorf("get turn: %w", err)
	}
	return row.toRecord(), nil
}

// ListTurns returns the turns of a conversation, oldest first.
func (s *Store) ListTurns(ctx context.Context, conversationID string) ([]Turn, error) {
	var rows []turnRow
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	out := make([]Turn, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toRecord())
	}
	return out, nil
}

// AppendStage persists one stage result and bumps the turn's stage count
// in the same transaction. Only running turns accept stages.
func (s *Store) AppendStage(ctx context.Context, turnID, stage string, data any) (Stage, error) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return Stage{}, fmt.Errorf("encode stage %s: %w", stage, err)
	}

	var out Stage
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var turn turnRow
		if err := tx.Where("id = ?", turnID).Take(&turn).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errors.NewNotFoundError("turn", turnID)
			}
			return fmt.Errorf("load turn: %w", err)
		}
		if turn.Status != string(TurnRunning) {
			return errors.NewValidationError("turn is not running").WithField("status").WithValue(turn.Status)
		}

		now := s.now()
		row := stageRow{
			TurnID:    turnID,
			Seq:       turn.StageCount + 1,
			Name:      stage,
			Data:      string(encoded),
			CreatedAt: now,
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("insert stage: %w", err)
		}
		res := tx.Model(&turnRow{}).
			Where("id = ? AND stage_count = ?", turnID, turn.StageCount).
			Updates(map[string]any{"stage_count": row.Seq, "updated_at": now})
		if res.Error != nil {
			return fmt.Errorf("bump stage count: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("stage count of turn %s changed concurrently", turnID)
		}
		out = row.toRecord()
		return nil
	})
	if err != nil {
		return Stage{}, err
	}
	return out, nil
}

// Stages returns the persisted stages of a turn in order.
func (s *Store) Stages(ctx context.Context, turnID string) ([]Stage, error) {
	var rows []stageRow
	if err := s.db.WithContext(ctx).Where("turn_id = ?", turnID).Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load stages: %w", err)
	}
	out := make([]Stage, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toRecord())
	}
	return out, nil
}

// FinishTurn closes a running turn. A non-empty answer is stored as the
// assistant message of the turn.
func (s *Store) FinishTurn(ctx context.Context, turnID string, status TurnStatus, answer, errMsg string) error {
	now := s.now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var turn turnRow
		if err := tx.Where("id = ?", turnID).Take(&turn).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errors.NewNotFoundError("turn", turnID)
			}
			return fmt.Errorf("load turn: %w", err)
		}
		res := tx.Model(&turnRow{}).
			Where("id = ? AND status = ?", turnID, string(TurnRunning)).
			Updates(map[string]any{
				"status":      string(status),
				"error":       errMsg,
				"finished_at": &now,
				"updated_at":  now,
			})
		if res.Error != nil {
			return fmt.Errorf("finish turn: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errors.NewValidationError("turn is not running").WithField("status").WithValue(turn.Status)
		}
		if answer == "" {
			return nil
		}
		msg := messageRow{
			ConversationID: turn.ConversationID,
			TurnID:         turnID,
			Role:           "assistant",
			Content:        answer,
			CreatedAt:      now,
		}
		if err := tx.Create(&msg).Error; err != nil {
			return fmt.Errorf("record answer: %w", err)
		}
		return nil
	})
}
