package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HTTPSearcher queries a self-hosted metasearch endpoint (SearxNG JSON
// format: GET <endpoint>?q=...&format=json).
type HTTPSearcher struct {
	endpoint string
	client   *http.Client
}

// NewHTTPSearcher builds a searcher for the given endpoint.
func NewHTTPSearcher(endpoint string, timeout time.Duration) *HTTPSearcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSearcher{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type searxResponse struct {
	Results []struct {
		URL     string `json:"url"`
		Title   string `json:"title"`
		Content string `json:"content"`
	} `json:"results"`
}

// Search runs one query and returns the engine's hits.
func (s *HTTPSearcher) Search(ctx context.Context, query string) ([]Hit, error) {
	reqURL := fmt.Sprintf("%s?q=%s&format=json", s.endpoint, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	var parsed searxResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	hits := make([]Hit, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		hits = append(hits, Hit{URL: r.URL, Title: r.Title, Snippet: r.Content})
	}
	return hits, nil
}
