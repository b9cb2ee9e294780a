package council

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/config"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/jobs"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/tools"
)

// realtimeContext returns the block shared by every stage1 prompt: the
// current date and the top web results for the query. Either part may be
// disabled; a failed search only drops the web part.
func (t *turn) realtimeContext(ctx context.Context) string {
	cc := t.cfg.Council
	var blocks []string
	if cc.EnableDateContext {
		blocks = append(blocks, "Current date and time: "+time.Now().Format("2006-01-02 15:04:05 MST"))
	}
	if cc.EnableWebSearch && cc.WebSearchResults > 0 && t.o.web != nil {
		blocks = append(blocks, t.webContext(ctx, cc.WebSearchResults))
	}
	return joinNonEmpty(blocks, "\n\n")
}

func (t *turn) webContext(ctx context.Context, limit int) string {
	results, err := t.o.web.Search(ctx, t.query, limit)
	if err != nil {
		t.logger.Warn("web context unavailable", "error", err)
		return ""
	}
	if len(results) == 0 {
		return ""
	}
	lines := []string{"Web search results (for reference only, verify before relying on them):"}
	for i, r := range results {
		line := fmt.Sprintf("%d. %s (%s)", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			line += " - " + r.Snippet
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// submitEvidence queues an evidence pack for the query. The turn does not
// wait for it; the pack's summary is injected into the next turn.
func (t *turn) submitEvidence(ctx context.Context) {
	if !t.cfg.Council.EnableEvidenceJobs || t.o.jobs == nil {
		return
	}
	payload, err := json.Marshal(tools.EvidencePayload{Query: t.query})
	if err != nil {
		t.logger.Warn("failed to encode evidence payload", "error", err)
		return
	}
	h, err := t.o.jobs.Submit(ctx, jobs.Submission{
		Type:           config.JobTypeEvidencePack,
		ConversationID: t.conv.ID,
		Payload:        payload,
		IdempotencyKey: "evidence:" + t.rec.TurnID,
	})
	if err != nil {
		t.logger.Warn("failed to submit evidence pack", "error", err)
		return
	}
	t.rec.EvidenceJobID = h.Job.ID
	t.logger.Info("evidence pack queued", "job_id", h.Job.ID, "created", h.Created)
}
