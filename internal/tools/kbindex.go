package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/config"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/errors"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/jobs"
)

const (
	defaultChunkRunes = 1200
	minChunkRunes     = 200
	maxChunkRunes     = 8000
)

type kbIndexPayload struct {
	DocumentID  string   `json:"document_id"`
	DocumentIDs []string `json:"doc_ids"`
	ChunkSize   int      `json:"chunk_size"`
}

// IndexedDocument reports the chunking of one document.
type IndexedDocument struct {
	DocumentID string `json:"doc_id"`
	Chunks     int    `json:"chunks"`
}

// KBIndexResult is the result of a kb_index job.
type KBIndexResult struct {
	Type    string            `json:"type"`
	Summary string            `json:"summary"`
	Indexed []IndexedDocument `json:"indexed"`
	Total   int               `json:"total"`
}

func (d Deps) kbIndex(ctx context.Context, job *jobs.Job, cp *jobs.Checkpoint) (any, error) {
	var p kbIndexPayload
	if err := job.DecodePayload(&p); err != nil {
		return nil, errors.Permanent(errors.NewValidationError("payload is not valid JSON").WithField("payload"))
	}
	ids := p.DocumentIDs
	if id := strings.TrimSpace(p.DocumentID); id != "" {
		ids = append([]string{id}, ids...)
	}
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, errors.Permanent(errors.NewValidationError("document_id required").WithField("document_id"))
	}
	size := clamp(p.ChunkSize, defaultChunkRunes, minChunkRunes, maxChunkRunes)

	res := KBIndexResult{Type: config.JobTypeKBIndex, Indexed: []IndexedDocument{}, Total: len(ids)}
	cp.Progress(0.05)
	for i, id := range ids {
		if err := cp.Err(); err != nil {
			res.Summary = res.summarize()
			return res, err
		}
		n, err := d.indexDocument(ctx, id, size)
		if err != nil {
			return nil, fmt.Errorf("index %s: %w", id, err)
		}
		res.Indexed = append(res.Indexed, IndexedDocument{DocumentID: id, Chunks: n})
		cp.Progress(float64(i+1) / float64(len(ids)))
	}
	res.Summary = res.summarize()
	return res, nil
}

func (r KBIndexResult) summarize() string {
	chunks := 0
	for _, d := range r.Indexed {
		chunks += d.Chunks
	}
	return fmt.Sprintf("KB indexing finished: indexed=%d / total=%d documents, %d chunks.", len(r.Indexed), r.Total, chunks)
}

func (d Deps) indexDocument(ctx context.Context, id string, size int) (int, error) {
	doc, err := d.Docs.GetDocument(ctx, id)
	if err != nil {
		return 0, err
	}
	chunks := ChunkText(doc.Content, size)
	if err := d.Docs.ReplaceChunks(ctx, id, chunks); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// ChunkText splits text into chunks of at most size runes. Paragraphs
// (blank-line separated) are packed together while they fit; a paragraph
// longer than size is cut at whitespace near the limit.
func ChunkText(text string, size int) []string {
	if size <= 0 {
		size = defaultChunkRunes
	}
	var (
		chunks  []string
		current []rune
	)
	flush := func() {
		if s := strings.TrimSpace(string(current)); s != "" {
			chunks = append(chunks, s)
		}
		current = current[:0]
	}

	for _, para := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		r := []rune(para)
		if len(current) > 0 && len(current)+2+len(r) > size {
			flush()
		}
		for len(r) > size {
			cut := splitPoint(r, size)
			current = append(current, r[:cut]...)
			flush()
			r = []rune(strings.TrimSpace(string(r[cut:])))
		}
		if len(r) == 0 {
			continue
		}
		if len(current) > 0 {
			current = append(current, '\n', '\n')
		}
		current = append(current, r...)
	}
	flush()
	return chunks
}

// splitPoint finds a whitespace cut in r[:size], falling back to size when
// the last fifth of the window has no whitespace.
func splitPoint(r []rune, size int) int {
	for i := size; i > size*4/5; i-- {
		if r[i-1] == ' ' || r[i-1] == '\n' || r[i-1] == '\t' {
			return i
		}
	}
	return size
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
