package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	defaultFetchMaxBytes = 2 << 20
	fetchTimeout         = 30 * time.Second
	fetchUserAgent       = "Mozilla/5.0 (compatible; delver/0.1)"
)

// WebFetchTool fetches a URL and extracts readable text from HTML responses.
type WebFetchTool struct {
	client   *http.Client
	maxBytes int64
}

// NewWebFetchTool creates the web_fetch tool
func NewWebFetchTool(maxBytes int64) *WebFetchTool {
	if maxBytes <= 0 {
		maxBytes = defaultFetchMaxBytes
	}
	return &WebFetchTool{
		client:   &http.Client{Timeout: fetchTimeout},
		maxBytes: maxBytes,
	}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch a URL over HTTP(S) and return its readable text content. HTML is reduced to visible text; other content types are returned as-is."
}

func (t *WebFetchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "HTTP or HTTPS URL to fetch.",
			},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return nil, fmt.Errorf("url is required")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %s", parsed.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	text := string(body)
	if strings.Contains(contentType, "text/html") {
		if extracted, err := extractText(text); err == nil {
			text = extracted
		}
	}

	return map[string]any{
		"url":          parsed.String(),
		"content_type": contentType,
		"content":      text,
	}, nil
}

// extractText reduces an HTML document to its visible text
func extractText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}

	doc.Find("script, style, noscript").Remove()

	var b strings.Builder
	doc.Find("body").Each(func(_ int, s *goquery.Selection) {
		b.WriteString(s.Text())
	})

	// Collapse whitespace runs left behind by removed markup
	fields := strings.Fields(b.String())
	return strings.Join(fields, " "), nil
}
