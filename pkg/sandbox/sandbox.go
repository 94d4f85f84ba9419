// Package sandbox binds sessions to remote sandbox environments, swapping the
// default browse tool for one that drives the sandbox's browser over HTTP.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

var (
	// ErrSandboxUnavailable is returned when the sandbox service cannot
	// resolve or start the requested environment.
	ErrSandboxUnavailable = errors.New("sandbox unavailable")

	// ErrNotReady is returned when a sandbox exists but has not passed a
	// readiness probe.
	ErrNotReady = errors.New("sandbox not ready")
)

// Handle identifies a running sandbox environment.
type Handle struct {
	ID      string `json:"id"`
	BaseURL string `json:"base_url"`
}

// Resolver locates an existing sandbox or starts a fresh one.
type Resolver interface {
	// ResolveOrStart returns a handle for sandboxID, starting the
	// environment if it is not already running.
	ResolveOrStart(ctx context.Context, sandboxID string) (*Handle, error)
}

// HTTPResolver talks to a sandbox orchestration service.
type HTTPResolver struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPResolver creates a resolver against the orchestrator at baseURL.
func NewHTTPResolver(baseURL, token string) *HTTPResolver {
	return &HTTPResolver{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (r *HTTPResolver) ResolveOrStart(ctx context.Context, sandboxID string) (*Handle, error) {
	endpoint := fmt.Sprintf("%s/v1/sandboxes/%s/resolve", r.baseURL, url.PathEscape(sandboxID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build resolve request: %w", err)
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSandboxUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: orchestrator returned %d", ErrSandboxUnavailable, resp.StatusCode)
	}

	var handle Handle
	if err := json.NewDecoder(resp.Body).Decode(&handle); err != nil {
		return nil, fmt.Errorf("failed to decode sandbox handle: %w", err)
	}
	if handle.BaseURL == "" {
		return nil, fmt.Errorf("%w: handle missing base URL", ErrSandboxUnavailable)
	}
	if handle.ID == "" {
		handle.ID = sandboxID
	}
	return &handle, nil
}
