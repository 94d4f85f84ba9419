package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/delverhq/delver/pkg/tools"
)

// BrowseTool drives the browser running inside a sandbox environment. It
// replaces the default browse tool for bound sessions under the same name,
// so think phases address it identically.
type BrowseTool struct {
	handle *Handle
	client *http.Client

	mu       sync.Mutex
	artifact *tools.Artifact
}

var (
	_ tools.Tool           = (*BrowseTool)(nil)
	_ tools.ArtifactSource = (*BrowseTool)(nil)
	_ tools.ViewportSource = (*BrowseTool)(nil)
)

// NewBrowseTool creates a browse tool targeting the sandbox behind handle.
func NewBrowseTool(handle *Handle, client *http.Client) *BrowseTool {
	if client == nil {
		client = http.DefaultClient
	}
	return &BrowseTool{handle: handle, client: client}
}

// SandboxID reports which sandbox this tool is bound to.
func (t *BrowseTool) SandboxID() string { return t.handle.ID }

func (t *BrowseTool) Name() string { return "browse" }

func (t *BrowseTool) Description() string {
	return "Browse the web inside the session's sandbox: navigate to a URL, read the current page's text, or capture a screenshot of the viewport."
}

func (t *BrowseTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type":        "string",
				"description": "One of navigate, read, screenshot.",
				"enum":        []string{"navigate", "read", "screenshot"},
			},
			"url": map[string]any{
				"type":        "string",
				"description": "URL to open (navigate only).",
			},
		},
		"required": []string{"action"},
	}
}

// browseResponse is the sandbox browser service's reply envelope.
type browseResponse struct {
	Result     json.RawMessage `json:"result"`
	Screenshot *tools.Artifact `json:"screenshot,omitempty"`
	Error      string          `json:"error,omitempty"`
}

func (t *BrowseTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	resp, err := t.post(ctx, "/v1/browser/execute", args)
	if err != nil {
		return nil, err
	}

	if resp.Screenshot != nil {
		t.mu.Lock()
		t.artifact = resp.Screenshot
		t.mu.Unlock()
	}

	if resp.Error != "" {
		return nil, fmt.Errorf("sandbox browser: %s", resp.Error)
	}

	var result any
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, fmt.Errorf("failed to decode sandbox browser result: %w", err)
		}
	}
	return result, nil
}

// DrainArtifact returns the screenshot left by the last call and clears
// the slot.
func (t *BrowseTool) DrainArtifact() *tools.Artifact {
	t.mu.Lock()
	defer t.mu.Unlock()
	a := t.artifact
	t.artifact = nil
	return a
}

// CurrentScreenshot captures the sandbox viewport on demand, independent of
// any tool call.
func (t *BrowseTool) CurrentScreenshot(ctx context.Context) (*tools.Artifact, error) {
	resp, err := t.post(ctx, "/v1/browser/screenshot", nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("sandbox browser: %s", resp.Error)
	}
	if resp.Screenshot == nil {
		return nil, fmt.Errorf("sandbox browser returned no screenshot")
	}
	return resp.Screenshot, nil
}

func (t *BrowseTool) post(ctx context.Context, path string, body any) (*browseResponse, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.handle.BaseURL+path, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sandbox request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("sandbox returned %d: %s", httpResp.StatusCode, bytes.TrimSpace(payload))
	}

	var resp browseResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode sandbox response: %w", err)
	}
	return &resp, nil
}
