package council

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/agents"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/store"
)

// ContextAssembler returns retrieved snippets for one agent and query. The
// orchestrator treats the text as opaque; an error means "no context".
type ContextAssembler interface {
	Assemble(ctx context.Context, agent agents.Agent, conv store.Conversation, query string) (string, error)
}

// ChunkSearcher is the document search used by KBAssembler.
type ChunkSearcher interface {
	SearchChunks(ctx context.Context, query string, opts store.SearchOptions) ([]store.ChunkHit, error)
}

// KBAssembler builds context from the local document store, scoped to the
// agent's documents and categories plus the conversation's attachments.
type KBAssembler struct {
	Search ChunkSearcher
	// Limit caps the number of snippets; zero means 6.
	Limit int
	// MaxRunes caps each snippet; zero means 600.
	MaxRunes int
}

// Assemble implements ContextAssembler.
func (a KBAssembler) Assemble(ctx context.Context, agent agents.Agent, conv store.Conversation, query string) (string, error) {
	limit := a.Limit
	if limit <= 0 {
		limit = 6
	}
	maxRunes := a.MaxRunes
	if maxRunes <= 0 {
		maxRunes = 600
	}

	docIDs := append(slices.Clone(agent.KBDocIDs), conv.KBDocIDs...)
	if len(docIDs) == 0 && len(agent.KBCategories) == 0 {
		return "", nil
	}
	hits, err := a.Search.SearchChunks(ctx, query, store.SearchOptions{
		DocIDs:     docIDs,
		Categories: agent.KBCategories,
		Limit:      limit,
	})
	if err != nil {
		return "", err
	}
	if len(hits) == 0 {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString("Knowledge base excerpts (cite as KB[doc_id]):\n")
	for _, h := range hits {
		text := []rune(h.Content)
		if len(text) > maxRunes {
			text = append(text[:maxRunes], '…')
		}
		fmt.Fprintf(&sb, "\nKB[%s] %s #%d\n%s\n", h.DocumentID, h.Title, h.Seq, string(text))
	}
	return sb.String(), nil
}
