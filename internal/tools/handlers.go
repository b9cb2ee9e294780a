package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/config"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/errors"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/jobs"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/store"
)

// kbSnippetRunes caps the chunk text carried in an evidence pack.
const kbSnippetRunes = 900

type searchPayload struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

// WebSearchResult is the result of a web_search job.
type WebSearchResult struct {
	Type    string      `json:"type"`
	Summary string      `json:"summary"`
	Query   string      `json:"query"`
	Results []WebResult `json:"results"`
}

func (d Deps) webSearch(ctx context.Context, job *jobs.Job, cp *jobs.Checkpoint) (any, error) {
	var p searchPayload
	if err := requireQuery(job, &p, &p.Query); err != nil {
		return nil, err
	}
	limit := clamp(p.MaxResults, 5, 0, 20)

	cp.Progress(0.1)
	results, err := d.Web.Search(ctx, p.Query, limit)
	if err != nil {
		return nil, err
	}
	cp.Progress(1)

	summary := fmt.Sprintf("Web search finished: %d results.", len(results))
	if len(results) > 0 {
		summary += fmt.Sprintf(" Top1: %s (%s)", results[0].Title, results[0].URL)
	}
	return WebSearchResult{
		Type:    config.JobTypeWebSearch,
		Summary: summary,
		Query:   p.Query,
		Results: nonNil(results),
	}, nil
}

// PaperSearchResult is the result of a paper_search job.
type PaperSearchResult struct {
	Type    string  `json:"type"`
	Summary string  `json:"summary"`
	Query   string  `json:"query"`
	Results []Paper `json:"results"`
}

func (d Deps) paperSearch(ctx context.Context, job *jobs.Job, cp *jobs.Checkpoint) (any, error) {
	var p searchPayload
	if err := requireQuery(job, &p, &p.Query); err != nil {
		return nil, err
	}
	limit := clamp(p.MaxResults, 5, 1, 20)

	cp.Progress(0.1)
	papers, err := d.Papers.SearchPapers(ctx, p.Query, limit)
	if err != nil {
		return nil, err
	}
	cp.Progress(1)

	summary := fmt.Sprintf("Paper search finished: %d papers.", len(papers))
	if len(papers) > 0 {
		summary += fmt.Sprintf(" Top1: %s (%s)", papers[0].Title, papers[0].URL)
	}
	return PaperSearchResult{
		Type:    config.JobTypePaperSearch,
		Summary: summary,
		Query:   p.Query,
		Results: nonNil(papers),
	}, nil
}

// EvidencePayload is the payload of an evidence_pack job. Zero limits take
// the handler defaults.
type EvidencePayload struct {
	Query         string `json:"query"`
	MaxWebResults int    `json:"max_web_results,omitempty"`
	MaxKBChunks   int    `json:"max_kb_chunks,omitempty"`
}

// EvidenceChunk is a knowledge-base excerpt in an evidence pack.
type EvidenceChunk struct {
	DocumentID string  `json:"doc_id"`
	Seq        int     `json:"chunk"`
	Title      string  `json:"title"`
	Score      float64 `json:"score"`
	Text       string  `json:"text"`
}

// EvidencePack is the result of an evidence_pack job. A cancelled pack
// keeps whatever was gathered before the flag was seen.
type EvidencePack struct {
	Type         string          `json:"type"`
	Summary      string          `json:"summary"`
	Query        string          `json:"query"`
	Web          []WebResult     `json:"web"`
	KB           []EvidenceChunk `json:"kb"`
	ScopedDocIDs []string        `json:"scoped_doc_ids"`
}

func (d Deps) evidencePack(ctx context.Context, job *jobs.Job, cp *jobs.Checkpoint) (any, error) {
	var p EvidencePayload
	if err := requireQuery(job, &p, &p.Query); err != nil {
		return nil, err
	}
	maxWeb := clamp(p.MaxWebResults, 5, 0, 20)
	maxKB := clamp(p.MaxKBChunks, 6, 1, 20)
	log := d.Logger.WithJob(job.ID, job.Type)

	pack := EvidencePack{
		Type:         config.JobTypeEvidencePack,
		Query:        p.Query,
		Web:          []WebResult{},
		KB:           []EvidenceChunk{},
		ScopedDocIDs: []string{},
	}
	if job.ConversationID != "" {
		conv, err := d.Docs.GetConversation(ctx, job.ConversationID)
		switch {
		case err == nil:
			pack.ScopedDocIDs = nonNil(conv.KBDocIDs)
		case errors.Is(err, errors.ErrConversationNotFound):
		default:
			return nil, err
		}
	}

	cp.Progress(0.05)
	if maxWeb > 0 && d.Web != nil {
		web, err := d.Web.Search(ctx, p.Query, maxWeb)
		switch {
		case err == nil:
			pack.Web = nonNil(web)
		case errors.IsPermanent(err):
			log.Warn("web evidence skipped", "error", err)
		default:
			return nil, err
		}
	}
	cp.Progress(0.45)
	if err := cp.Err(); err != nil {
		pack.Summary = pack.summarize()
		return pack, err
	}

	hits, err := d.Docs.SearchChunks(ctx, p.Query, store.SearchOptions{DocIDs: pack.ScopedDocIDs, Limit: maxKB})
	if err != nil {
		return nil, err
	}
	for _, h := range hits {
		pack.KB = append(pack.KB, EvidenceChunk{
			DocumentID: h.DocumentID,
			Seq:        h.Seq,
			Title:      h.Title,
			Score:      h.Score,
			Text:       truncateRunes(h.Content, kbSnippetRunes),
		})
	}
	cp.Progress(0.85)
	if err := cp.Err(); err != nil {
		pack.Summary = pack.summarize()
		return pack, err
	}

	pack.Summary = pack.summarize()
	cp.Progress(1)
	return pack, nil
}

func (p EvidencePack) summarize() string {
	lines := []string{fmt.Sprintf("Evidence gathered: %d web results, %d KB chunks.", len(p.Web), len(p.KB))}
	if len(p.Web) > 0 {
		lines = append(lines, fmt.Sprintf("- Web Top1: %s (%s)", p.Web[0].Title, p.Web[0].URL))
	}
	if len(p.KB) > 0 {
		lines = append(lines, fmt.Sprintf("- KB Top1: KB[%s] chunk=%d", p.KB[0].DocumentID, p.KB[0].Seq))
	}
	return strings.Join(lines, "\n")
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
