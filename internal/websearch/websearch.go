// Package websearch adapts an external search service into context blocks
// for prompt enrichment. Errors always degrade to empty context; the
// pipeline never fails a request because search was down.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SearchType selects the search vertical.
type SearchType string

const (
	TypeWeb  SearchType = "web"
	TypeNews SearchType = "news"
)

// Result is a single search hit.
type Result struct {
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata"`
}

// Config configures the search client.
type Config struct {
	// BaseURL of a SearxNG-compatible instance exposing /search?format=json.
	BaseURL   string
	TimeoutMs int
	TopK      int
}

// Client queries the search backend.
type Client struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New creates a search client. An empty BaseURL produces a disabled client
// whose searches return no results.
func New(cfg Config, logger *slog.Logger) *Client {
	timeout := 8 * time.Second
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Enabled reports whether a search backend is configured.
func (c *Client) Enabled() bool { return c.cfg.BaseURL != "" }

// Search runs a query and returns up to topK results. topK <= 0 uses the
// configured default.
func (c *Client) Search(ctx context.Context, query string, searchType SearchType, topK int) ([]Result, error) {
	if !c.Enabled() {
		return nil, nil
	}
	if topK <= 0 {
		topK = c.cfg.TopK
	}

	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "json")
	if searchType == TypeNews {
		q.Set("categories", "news")
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.cfg.BaseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned HTTP %d", resp.StatusCode)
	}

	var parsed struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	out := make([]Result, 0, topK)
	for _, r := range parsed.Results {
		if r.Content == "" {
			continue
		}
		source := r.URL
		if source == "" {
			source = r.Title
		}
		out = append(out, Result{
			Content: r.Content,
			Metadata: map[string]string{
				"source": source,
				"title":  r.Title,
			},
		})
		if len(out) >= topK {
			break
		}
	}
	return out, nil
}

// FetchContext runs a search and formats the hits into a single context
// block. Any failure logs and returns the empty string.
func (c *Client) FetchContext(ctx context.Context, query string, searchType SearchType, topK int) string {
	results, err := c.Search(ctx, query, searchType, topK)
	if err != nil {
		c.logger.Warn("web search degraded to empty context",
			slog.String("query", query),
			slog.String("error", err.Error()),
		)
		return ""
	}
	return Format(results)
}

// Format renders results as source-attributed blocks.
func Format(results []Result) string {
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		source := r.Metadata["source"]
		if source == "" {
			source = "unknown"
		}
		fmt.Fprintf(&b, "--- Source: %s ---\n%s", source, r.Content)
	}
	return b.String()
}
