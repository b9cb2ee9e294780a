package tools

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// DefaultArxivEndpoint is the public arXiv export API.
const DefaultArxivEndpoint = "http://export.arxiv.org/api/query"

// Paper is one paper search hit.
type Paper struct {
	Source    string   `json:"source"`
	Title     string   `json:"title"`
	Authors   []string `json:"authors"`
	Abstract  string   `json:"abstract"`
	URL       string   `json:"url"`
	Published string   `json:"published,omitempty"`
}

// PaperSearcher runs a literature query.
type PaperSearcher interface {
	SearchPapers(ctx context.Context, query string, limit int) ([]Paper, error)
}

// ArxivClient searches the arXiv Atom API.
type ArxivClient struct {
	endpoint string
	client   *http.Client
}

// NewArxivClient creates a client for the public endpoint.
func NewArxivClient(client *http.Client) *ArxivClient {
	return NewArxivClientWithEndpoint(DefaultArxivEndpoint, client)
}

// NewArxivClientWithEndpoint creates a client for a custom endpoint.
func NewArxivClientWithEndpoint(endpoint string, client *http.Client) *ArxivClient {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &ArxivClient{endpoint: endpoint, client: client}
}

type atomFeed struct {
	Entries []atomEntry `xml:"http://www.w3.org/2005/Atom entry"`
}

type atomEntry struct {
	ID        string `xml:"http://www.w3.org/2005/Atom id"`
	Title     string `xml:"http://www.w3.org/2005/Atom title"`
	Summary   string `xml:"http://www.w3.org/2005/Atom summary"`
	Published string `xml:"http://www.w3.org/2005/Atom published"`
	Authors   []struct {
		Name string `xml:"http://www.w3.org/2005/Atom name"`
	} `xml:"http://www.w3.org/2005/Atom author"`
}

// SearchPapers queries all fields for query.
func (c *ArxivClient) SearchPapers(ctx context.Context, query string, limit int) ([]Paper, error) {
	if limit <= 0 {
		return nil, nil
	}
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse arxiv endpoint: %w", err)
	}
	q := u.Query()
	q.Set("search_query", "all:"+query)
	q.Set("start", "0")
	q.Set("max_results", strconv.Itoa(limit))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build arxiv request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("arxiv request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, httpStatusError("arxiv", resp.StatusCode)
	}

	var feed atomFeed
	if err := xml.NewDecoder(io.LimitReader(resp.Body, maxSearchBody)).Decode(&feed); err != nil {
		return nil, fmt.Errorf("decode arxiv feed: %w", err)
	}

	out := make([]Paper, 0, len(feed.Entries))
	for _, e := range feed.Entries {
		title := plainText(e.Title)
		if title == "" {
			continue
		}
		p := Paper{
			Source:    "arxiv",
			Title:     title,
			Abstract:  plainText(e.Summary),
			URL:       strings.TrimSpace(e.ID),
			Published: strings.TrimSpace(e.Published),
		}
		for _, a := range e.Authors {
			if name := strings.TrimSpace(a.Name); name != "" {
				p.Authors = append(p.Authors, name)
			}
		}
		out = append(out, p)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
