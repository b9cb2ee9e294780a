package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/errors"
)

// searchCandidateLimit caps the rows scored by one chunk search.
const searchCandidateLimit = 500

// SaveDocument inserts or replaces a document. Replacing a document drops
// its chunks; it must be indexed again.
func (s *Store) SaveDocument(ctx context.Context, d Document) (Document, error) {
	now := s.now()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if strings.TrimSpace(d.Title) == "" {
		return Document{}, errors.NewValidationError("document title is required").WithField("title")
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing documentRow
		err := tx.Where("id = ?", d.ID).Take(&existing).Error
		switch {
		case err == nil:
			d.CreatedAt = existing.CreatedAt
		case errors.Is(err, gorm.ErrRecordNotFound):
			d.CreatedAt = now
		default:
			return fmt.Errorf("load document: %w", err)
		}
		d.UpdatedAt = now
		d.ChunkCount = 0

		if err := tx.Where("document_id = ?", d.ID).Delete(&chunkRow{}).Error; err != nil {
			return fmt.Errorf("drop chunks: %w", err)
		}
		row := documentRow{
			ID:         d.ID,
			Title:      d.Title,
			Category:   d.Category,
			Content:    d.Content,
			Provenance: string(d.Provenance),
			CreatedAt:  d.CreatedAt,
			UpdatedAt:  now,
		}
		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("save document: %w", err)
		}
		return nil
	})
	if err != nil {
		return Document{}, err
	}
	return d, nil
}

// GetDocument returns the document with id.
func (s *Store) GetDocument(ctx context.Context, id string) (Document, error) {
	var row documentRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Document{}, errors.NewNotFoundError("document", id)
		}
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	return row.toRecord(), nil
}

// ListDocuments returns documents, optionally restricted to a category.
func (s *Store) ListDocuments(ctx context.Context, category string) ([]Document, error) {
	query := s.db.WithContext(ctx).Order("created_at ASC")
	if category != "" {
		query = query.Where("category = ?", category)
	}
	var rows []documentRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	out := make([]Document, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toRecord())
	}
	return out, nil
}

// ReplaceChunks swaps the chunk set of a document atomically.
func (s *Store) ReplaceChunks(ctx context.Context, documentID string, chunks []string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", documentID).Delete(&chunkRow{}).Error; err != nil {
			return fmt.Errorf("drop chunks: %w", err)
		}
		if len(chunks) > 0 {
			rows := make([]chunkRow, len(chunks))
			for i, c := range chunks {
				rows[i] = chunkRow{DocumentID: documentID, Seq: i + 1, Content: c}
			}
			if err := tx.CreateInBatches(rows, 100).Error; err != nil {
				return fmt.Errorf("insert chunks: %w", err)
			}
		}
		res := tx.Model(&documentRow{}).Where("id = ?", documentID).
			Updates(map[string]any{"chunk_count": len(chunks), "updated_at": s.now()})
		if res.Error != nil {
			return fmt.Errorf("update chunk count: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errors.NewNotFoundError("document", documentID)
		}
		return nil
	})
}

// SearchChunks returns indexed chunks containing any query term, ranked by
// how many term occurrences they contain.
func (s *Store) SearchChunks(ctx context.Context, query string, opts SearchOptions) ([]ChunkHit, error) {
	terms := searchTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 8
	}

	match := s.db.Where("LOWER(c.content) LIKE ?", "%"+terms[0]+"%")
	for _, t := range terms[1:] {
		match = match.Or("LOWER(c.content) LIKE ?", "%"+t+"%")
	}
	q := s.db.WithContext(ctx).
		Table("document_chunks AS c").
		Select("c.document_id, c.seq, c.content, d.title").
		Joins("JOIN documents AS d ON d.id = c.document_id").
		Where(match).
		Limit(searchCandidateLimit)
	if len(opts.DocIDs) > 0 {
		q = q.Where("c.document_id IN ?", opts.DocIDs)
	}
	if len(opts.Categories) > 0 {
		q = q.Where("d.category IN ?", opts.Categories)
	}

	var rows []struct {
		DocumentID string
		Seq        int
		Content    string
		Title      string
	}
	if err := q.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}

	hits := make([]ChunkHit, 0, len(rows))
	for _, r := range rows {
		lower := strings.ToLower(r.Content)
		score := 0
		for _, t := range terms {
			score += strings.Count(lower, t)
		}
		hits = append(hits, ChunkHit{
			DocumentID: r.DocumentID,
			Title:      r.Title,
			Seq:        r.Seq,
			Content:    r.Content,
			Score:      float64(score),
		})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].DocumentID != hits[j].DocumentID {
			return hits[i].DocumentID < hits[j].DocumentID
		}
		return hits[i].Seq < hits[j].Seq
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func searchTerms(query string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == ',' || r == '.' || r == '?' || r == '!' || r == ';' || r == ':'
	}) {
		if len([]rune(f)) < 2 || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
