// Package browse provides the default browsing tool: a locally launched
// headless browser driven through go-rod. Sessions bound to a remote sandbox
// replace this tool with the sandboxed variant in pkg/sandbox.
package browse

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"

	"github.com/delverhq/delver/pkg/tools"
)

// ToolName is the binding name shared by the default and sandboxed variants.
const ToolName = "browse"

// Tool drives a local headless browser. The browser process is launched
// lazily on first use and reused across calls.
type Tool struct {
	mu       sync.Mutex
	browser  *rod.Browser
	page     *rod.Page
	artifact *tools.Artifact
}

// New creates the default browse tool
func New() *Tool {
	return &Tool{}
}

func (t *Tool) Name() string { return ToolName }

func (t *Tool) Description() string {
	return "Browse the web: navigate to a URL, read the current page's text, or capture a screenshot of the viewport."
}

func (t *Tool) Parameters() map[string]any {
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

func (t *Tool) Execute(ctx context.Context, args map[string]any) (any, error) {
	action, _ := args["action"].(string)

	t.mu.Lock()
	defer t.mu.Unlock()

	switch action {
	case "navigate":
		rawURL, _ := args["url"].(string)
		if rawURL == "" {
			return nil, fmt.Errorf("url is required for navigate")
		}
		if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
			return nil, fmt.Errorf("unsupported url scheme")
		}
		return t.navigateLocked(ctx, rawURL)
	case "read":
		return t.readLocked(ctx)
	case "screenshot":
		return t.screenshotLocked(ctx)
	default:
		return nil, fmt.Errorf("unknown action: %q", action)
	}
}

// DrainArtifact returns the pending screenshot and clears the slot
func (t *Tool) DrainArtifact() *tools.Artifact {
	t.mu.Lock()
	defer t.mu.Unlock()
	a := t.artifact
	t.artifact = nil
	return a
}

// Close shuts down the browser process if one was launched
func (t *Tool) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.browser == nil {
		return nil
	}
	err := t.browser.Close()
	t.browser = nil
	t.page = nil
	return err
}

func (t *Tool) ensurePageLocked(ctx context.Context) (*rod.Page, error) {
	if t.page != nil {
		return t.page.Context(ctx), nil
	}

	if t.browser == nil {
		controlURL, err := launcher.New().Headless(true).Launch()
		if err != nil {
			return nil, fmt.Errorf("failed to launch browser: %w", err)
		}
		browser := rod.New().ControlURL(controlURL)
		if err := browser.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to browser: %w", err)
		}
		t.browser = browser
		log.Debug().Msg("Headless browser launched")
	}

	page, err := t.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	t.page = page
	return page.Context(ctx), nil
}

func (t *Tool) navigateLocked(ctx context.Context, rawURL string) (any, error) {
	page, err := t.ensurePageLocked(ctx)
	if err != nil {
		return nil, err
	}
	if err := page.Navigate(rawURL); err != nil {
		return nil, fmt.Errorf("navigation failed: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("page load timed out: %w", err)
	}

	t.captureLocked(ctx)

	info, err := page.Info()
	if err != nil {
		return map[string]any{"url": rawURL}, nil
	}
	return map[string]any{
		"url":   info.URL,
		"title": info.Title,
	}, nil
}

func (t *Tool) readLocked(ctx context.Context) (any, error) {
	if t.page == nil {
		return nil, fmt.Errorf("no page open, navigate first")
	}
	page := t.page.Context(ctx)

	el, err := page.Element("body")
	if err != nil {
		return nil, fmt.Errorf("failed to locate page body: %w", err)
	}
	text, err := el.Text()
	if err != nil {
		return nil, fmt.Errorf("failed to read page text: %w", err)
	}

	return map[string]any{"text": text}, nil
}

func (t *Tool) screenshotLocked(ctx context.Context) (any, error) {
	if t.page == nil {
		return nil, fmt.Errorf("no page open, navigate first")
	}
	if !t.captureLocked(ctx) {
		return nil, fmt.Errorf("screenshot capture failed")
	}
	return map[string]any{"captured": true}, nil
}

// captureLocked stores the current viewport in the artifact slot
func (t *Tool) captureLocked(ctx context.Context) bool {
	if t.page == nil {
		return false
	}
	data, err := t.page.Context(ctx).Screenshot(false, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Viewport screenshot failed")
		return false
	}
	t.artifact = &tools.Artifact{
		MIME: "image/png",
		Data: base64.StdEncoding.EncodeToString(data),
	}
	return true
}
