package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const (
	defaultSearchCount = 5
	maxSearchCount     = 10
	searchTimeout      = 30 * time.Second
)

// SearchResult is one hit from the search backend
type SearchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// WebSearchTool queries a SearXNG-compatible JSON search endpoint.
type WebSearchTool struct {
	baseURL string
	client  *http.Client
}

// NewWebSearchTool creates the web_search tool against the given endpoint
func NewWebSearchTool(baseURL string) *WebSearchTool {
	return &WebSearchTool{
		baseURL: baseURL,
		client:  &http.Client{Timeout: searchTimeout},
	}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Search the web and return a ranked list of results with titles, URLs, and snippets."
}

func (t *WebSearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Search query.",
			},
			"count": map[string]any{
				"type":        "integer",
				"description": fmt.Sprintf("Number of results to return (default %d, max %d).", defaultSearchCount, maxSearchCount),
			},
		},
		"required": []string{"query"},
	}
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if t.baseURL == "" {
		return nil, fmt.Errorf("web search is not configured (tools.search_base_url)")
	}

	count := defaultSearchCount
	if n, ok := args["count"].(float64); ok && n > 0 {
		count = int(n)
	}
	if count > maxSearchCount {
		count = maxSearchCount
	}

	endpoint := fmt.Sprintf("%s/search?q=%s&format=json", t.baseURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned HTTP %d", resp.StatusCode)
	}

	var payload struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	results := make([]SearchResult, 0, count)
	for _, r := range payload.Results {
		if len(results) >= count {
			break
		}
		results = append(results, SearchResult{
			Title:       r.Title,
			URL:         r.URL,
			Description: r.Content,
		})
	}

	return map[string]any{
		"query":   query,
		"results": results,
	}, nil
}
