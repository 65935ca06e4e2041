package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// SearchResult is one hit from the search provider. PublishedDate and
// Author are optional; most providers omit them.
type SearchResult struct {
	Title         string  `json:"title"`
	URL           string  `json:"url"`
	Content       string  `json:"content"`
	Score         float64 `json:"score,omitempty"`
	PublishedDate string  `json:"published_date,omitempty"`
	Author        string  `json:"author,omitempty"`
}

// SearchOut is the provider's full response: a synthesized answer (empty
// when the provider cannot produce one) plus the ranked results.
type SearchOut struct {
	Answer  string         `json:"answer,omitempty"`
	Results []SearchResult `json:"results"`
}

// SearchClient retrieves background material for a topic.
type SearchClient interface {
	Search(ctx context.Context, query string, maxResults int) (SearchOut, error)
}

// HTTPSearchClient talks to a Tavily-compatible search API over JSON.
//
// Each Search call is a single attempt; failures bubble up classified as
// transient or fatal. Retry ownership sits above the adapter, and the
// research step treats an exhausted search as degraded, not failed.
type HTTPSearchClient struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// SearchOption configures an HTTPSearchClient.
type SearchOption func(*HTTPSearchClient)

// WithSearchHTTPClient overrides the HTTP client, mainly for tests.
func WithSearchHTTPClient(c *http.Client) SearchOption {
	return func(s *HTTPSearchClient) { s.httpClient = c }
}

// WithSearchLogger sets the structured logger.
func WithSearchLogger(logger *slog.Logger) SearchOption {
	return func(s *HTTPSearchClient) { s.logger = logger }
}

// NewHTTPSearchClient creates a search client for the given endpoint.
func NewHTTPSearchClient(endpoint, apiKey string, opts ...SearchOption) *HTTPSearchClient {
	s := &HTTPSearchClient{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 20 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type searchRequest struct {
	APIKey        string `json:"api_key"`
	Query         string `json:"query"`
	MaxResults    int    `json:"max_results"`
	IncludeAnswer bool   `json:"include_answer"`
}

// Search implements SearchClient with exactly one provider call.
func (s *HTTPSearchClient) Search(ctx context.Context, query string, maxResults int) (SearchOut, error) {
	if maxResults <= 0 {
		maxResults = 5
	}

	body, err := json.Marshal(searchRequest{
		APIKey:        s.apiKey,
		Query:         query,
		MaxResults:    maxResults,
		IncludeAnswer: true,
	})
	if err != nil {
		return SearchOut{}, NewFatalError(fmt.Errorf("marshal search request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return SearchOut{}, NewFatalError(fmt.Errorf("create search request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return SearchOut{}, err
		}
		return SearchOut{}, NewTransientError(fmt.Errorf("search request: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return SearchOut{}, NewTransientError(fmt.Errorf("read search response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return SearchOut{}, NewTransientError(fmt.Errorf("search status %d: %s", resp.StatusCode, truncate(data, 200)))
	default:
		return SearchOut{}, NewFatalError(fmt.Errorf("search status %d: %s", resp.StatusCode, truncate(data, 200)))
	}

	var parsed SearchOut
	if err := json.Unmarshal(data, &parsed); err != nil {
		return SearchOut{}, NewTransientError(fmt.Errorf("decode search response: %w", err))
	}
	return parsed, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
