// Package tools implements the background job handlers the council submits
// to the job engine: web and paper search, evidence packs, knowledge-base
// indexing and report persistence.
//
// Every handler returns a JSON object with at least "type" and "summary".
// The summary is what the orchestrator injects into later turns.
package tools

import (
	"context"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/config"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/errors"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/jobs"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/logging"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/store"
)

// defaultHTTPTimeout bounds a single outbound search request.
const defaultHTTPTimeout = 20 * time.Second

// Documents is the slice of the document store the tools need.
type Documents interface {
	GetConversation(ctx context.Context, id string) (store.Conversation, error)
	SaveDocument(ctx context.Context, d store.Document) (store.Document, error)
	GetDocument(ctx context.Context, id string) (store.Document, error)
	ReplaceChunks(ctx context.Context, documentID string, chunks []string) error
	SearchChunks(ctx context.Context, query string, opts store.SearchOptions) ([]store.ChunkHit, error)
}

// Deps are the collaborators shared by all handlers.
type Deps struct {
	Docs       Documents
	Web        WebSearcher
	Papers     PaperSearcher
	Report     config.ReportConfig
	Logger     *logging.Logger
	HTTPClient *http.Client
}

// Register binds every tool handler to engine. Searchers left nil in deps
// are built from cfg.
func Register(engine *jobs.Engine, cfg *config.Config, deps Deps) {
	if deps.Logger == nil {
		deps.Logger = logging.NopLogger()
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if deps.Web == nil {
		deps.Web = NewSearxClient(cfg.Search, deps.HTTPClient)
	}
	if deps.Papers == nil {
		deps.Papers = NewArxivClient(deps.HTTPClient)
	}
	deps.Report = cfg.Council.Report

	engine.Register(config.JobTypeWebSearch, jobs.HandlerFunc(deps.webSearch))
	engine.Register(config.JobTypePaperSearch, jobs.HandlerFunc(deps.paperSearch))
	engine.Register(config.JobTypeEvidencePack, jobs.HandlerFunc(deps.evidencePack))
	engine.Register(config.JobTypeKBIndex, jobs.HandlerFunc(deps.kbIndex))
	engine.Register(config.JobTypeReportPersist, jobs.HandlerFunc(deps.reportPersist))
}

// requireQuery decodes a payload carrying a "query" field into v and
// returns the trimmed query. A missing query is a permanent failure.
func requireQuery(job *jobs.Job, v any, query *string) error {
	if err := job.DecodePayload(v); err != nil {
		return errors.Permanent(errors.NewValidationError("payload is not valid JSON").WithField("payload"))
	}
	*query = strings.TrimSpace(*query)
	if *query == "" {
		return errors.Permanent(errors.NewValidationError("query required").WithField("query"))
	}
	return nil
}

// clamp bounds n to [lo, hi], substituting def when n is zero.
func clamp(n, def, lo, hi int) int {
	if n == 0 {
		n = def
	}
	return min(max(n, lo), hi)
}

var textPolicy = bluemonday.StrictPolicy()

// plainText strips markup and collapses whitespace.
func plainText(s string) string {
	s = html.UnescapeString(textPolicy.Sanitize(s))
	return strings.Join(strings.Fields(s), " ")
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// httpStatusError classifies a non-2xx response from an external service.
func httpStatusError(service string, code int) error {
	retryable := code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
	return errors.NewJobError(service+" returned "+http.StatusText(code), nil).WithRetryable(retryable)
}
