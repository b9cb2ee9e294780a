package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/config"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/errors"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/jobs"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/store"
)

// ReportPayload is the payload of a report_persist job.
type ReportPayload struct {
	TurnID        string `json:"turn_id"`
	Title         string `json:"title"`
	Content       string `json:"content"`
	ChairmanModel string `json:"chairman_model,omitempty"`
	Category      string `json:"category,omitempty"`
}

// Provenance records where a persisted report came from.
type Provenance struct {
	ConversationID string `json:"conversation_id,omitempty"`
	TurnID         string `json:"turn_id"`
	ChairmanModel  string `json:"chairman_model,omitempty"`
}

// ReportPersistResult is the result of a report_persist job.
type ReportPersistResult struct {
	Type       string `json:"type"`
	Summary    string `json:"summary"`
	DocumentID string `json:"doc_id"`
	Chunks     int    `json:"chunks"`
}

// ReportDocumentID is the document id a turn's report is stored under.
// Re-running the job overwrites the same document.
func ReportDocumentID(turnID string) string {
	return "report-" + turnID
}

func (d Deps) reportPersist(ctx context.Context, job *jobs.Job, cp *jobs.Checkpoint) (any, error) {
	var p ReportPayload
	if err := job.DecodePayload(&p); err != nil {
		return nil, errors.Permanent(errors.NewValidationError("payload is not valid JSON").WithField("payload"))
	}
	p.TurnID = strings.TrimSpace(p.TurnID)
	if p.TurnID == "" {
		return nil, errors.Permanent(errors.NewValidationError("turn_id required").WithField("turn_id"))
	}
	if strings.TrimSpace(p.Content) == "" {
		return nil, errors.Permanent(errors.NewValidationError("report content is empty").WithField("content"))
	}
	title := strings.TrimSpace(p.Title)
	if title == "" {
		title = "Council report " + p.TurnID
	}
	category := p.Category
	if category == "" {
		category = d.Report.KBCategory
	}

	provenance, err := json.Marshal(Provenance{
		ConversationID: job.ConversationID,
		TurnID:         p.TurnID,
		ChairmanModel:  p.ChairmanModel,
	})
	if err != nil {
		return nil, errors.Permanent(err)
	}

	cp.Progress(0.1)
	doc, err := d.Docs.SaveDocument(ctx, store.Document{
		ID:         ReportDocumentID(p.TurnID),
		Title:      title,
		Category:   category,
		Content:    p.Content,
		Provenance: provenance,
	})
	if err != nil {
		return nil, err
	}
	res := ReportPersistResult{Type: config.JobTypeReportPersist, DocumentID: doc.ID}
	cp.Progress(0.5)
	if err := cp.Err(); err != nil {
		res.Summary = fmt.Sprintf("Report saved as %s (not indexed).", doc.ID)
		return res, err
	}

	chunks := ChunkText(p.Content, defaultChunkRunes)
	if err := d.Docs.ReplaceChunks(ctx, doc.ID, chunks); err != nil {
		return nil, err
	}
	res.Chunks = len(chunks)
	res.Summary = fmt.Sprintf("Report saved to the knowledge base as %s (%d chunks, category %s).", doc.ID, res.Chunks, category)
	cp.Progress(1)
	return res, nil
}
