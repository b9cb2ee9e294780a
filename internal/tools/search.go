package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/config"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/errors"
)

// maxSearchBody caps how much of a search response is read.
const maxSearchBody = 4 << 20

// WebResult is one web search hit.
type WebResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// WebSearcher runs a web query.
type WebSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]WebResult, error)
}

// SearxClient queries a SearxNG-compatible JSON endpoint
// (GET <endpoint>?q=...&format=json).
type SearxClient struct {
	endpoint   string
	maxResults int
	client     *http.Client
}

// NewSearxClient creates a client for cfg.Endpoint.
func NewSearxClient(cfg config.SearchConfig, client *http.Client) *SearxClient {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &SearxClient{
		endpoint:   strings.TrimSpace(cfg.Endpoint),
		maxResults: cfg.MaxResults,
		client:     client,
	}
}

type searxResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// Search returns at most limit results (further capped by the configured
// maximum). An unconfigured endpoint is a permanent failure.
func (c *SearxClient) Search(ctx context.Context, query string, limit int) ([]WebResult, error) {
	if c.endpoint == "" {
		return nil, errors.Permanent(errors.NewValidationError("search endpoint not configured").WithField("search.endpoint"))
	}
	if c.maxResults > 0 && limit > c.maxResults {
		limit = c.maxResults
	}
	if limit <= 0 {
		return nil, nil
	}

	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, errors.Permanent(fmt.Errorf("parse search endpoint: %w", err))
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("format", "json")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, httpStatusError("search endpoint", resp.StatusCode)
	}

	var body searxResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxSearchBody)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	out := make([]WebResult, 0, min(limit, len(body.Results)))
	for _, r := range body.Results {
		if len(out) >= limit {
			break
		}
		title := plainText(r.Title)
		if title == "" || r.URL == "" {
			continue
		}
		out = append(out, WebResult{Title: title, URL: r.URL, Snippet: plainText(r.Content)})
	}
	return out, nil
}
