package sandbox

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delverhq/delver/pkg/tools"
)

type fakeResolver struct {
	handle *Handle
	err    error
	panics bool
}

func (r *fakeResolver) ResolveOrStart(_ context.Context, _ string) (*Handle, error) {
	if r.panics {
		panic("resolver exploded")
	}
	return r.handle, r.err
}

// recordingBinder captures the tool handed to Bind.
type recordingBinder struct {
	bound tools.Tool
}

func (b *recordingBinder) Bind(tool tools.Tool) { b.bound = tool }

func TestBindingManager_AttachSucceedsWhenHealthy(t *testing.T) {
	health := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer health.Close()

	mgr := NewBindingManager(&fakeResolver{handle: &Handle{ID: "box-1", BaseURL: health.URL}}, 3, time.Millisecond)
	binder := &recordingBinder{}

	outcome := mgr.Attach(context.Background(), binder, "box-1")

	assert.Equal(t, OutcomeAttached, outcome)
	require.NotNil(t, binder.bound)
	browseTool, ok := binder.bound.(*BrowseTool)
	require.True(t, ok)
	assert.Equal(t, "browse", browseTool.Name())
	assert.Equal(t, "box-1", browseTool.SandboxID())
}

func TestBindingManager_ResolutionFailureLeavesBindingUntouched(t *testing.T) {
	mgr := NewBindingManager(&fakeResolver{err: errors.New("no capacity")}, 2, time.Millisecond)
	binder := &recordingBinder{}

	outcome := mgr.Attach(context.Background(), binder, "box-1")

	assert.Equal(t, OutcomeFailed, outcome)
	assert.Nil(t, binder.bound)
}

func TestBindingManager_ReadinessExhaustionStillSwaps(t *testing.T) {
	var probes atomic.Int32
	unhealthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probes.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer unhealthy.Close()

	mgr := NewBindingManager(&fakeResolver{handle: &Handle{ID: "box-1", BaseURL: unhealthy.URL}}, 3, time.Millisecond)
	binder := &recordingBinder{}

	outcome := mgr.Attach(context.Background(), binder, "box-1")

	assert.Equal(t, OutcomeNotReady, outcome)
	assert.NotNil(t, binder.bound, "the swap happens even when readiness never passes")
	assert.Equal(t, int32(3), probes.Load())
}

func TestBindingManager_AttachNeverPanics(t *testing.T) {
	mgr := NewBindingManager(&fakeResolver{panics: true}, 1, time.Millisecond)
	binder := &recordingBinder{}

	var outcome Outcome
	require.NotPanics(t, func() {
		outcome = mgr.Attach(context.Background(), binder, "box-1")
	})
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Nil(t, binder.bound)
}

func TestHTTPResolver_DecodesHandle(t *testing.T) {
	orchestrator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/sandboxes/box-1/resolve", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"box-1","base_url":"http://10.0.0.5:9000"}`))
	}))
	defer orchestrator.Close()

	resolver := NewHTTPResolver(orchestrator.URL, "secret")
	handle, err := resolver.ResolveOrStart(context.Background(), "box-1")

	require.NoError(t, err)
	assert.Equal(t, "box-1", handle.ID)
	assert.Equal(t, "http://10.0.0.5:9000", handle.BaseURL)
}

func TestHTTPResolver_NonOKStatusIsUnavailable(t *testing.T) {
	orchestrator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer orchestrator.Close()

	resolver := NewHTTPResolver(orchestrator.URL, "")
	_, err := resolver.ResolveOrStart(context.Background(), "box-1")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSandboxUnavailable)
}

func TestBrowseTool_DrainArtifactClearsSlot(t *testing.T) {
	sandboxSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":{"url":"https://example.com"},"screenshot":{"mime":"image/png","data":"c2hvdA=="}}`))
	}))
	defer sandboxSrv.Close()

	tool := NewBrowseTool(&Handle{ID: "box-1", BaseURL: sandboxSrv.URL}, nil)

	out, err := tool.Execute(context.Background(), map[string]any{"action": "navigate", "url": "https://example.com"})
	require.NoError(t, err)
	assert.NotNil(t, out)

	first := tool.DrainArtifact()
	require.NotNil(t, first)
	assert.Equal(t, "image/png", first.MIME)

	assert.Nil(t, tool.DrainArtifact())
}

func TestBrowseTool_SandboxErrorSurfacesAsError(t *testing.T) {
	sandboxSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"error":"page crashed"}`))
	}))
	defer sandboxSrv.Close()

	tool := NewBrowseTool(&Handle{ID: "box-1", BaseURL: sandboxSrv.URL}, nil)

	_, err := tool.Execute(context.Background(), map[string]any{"action": "read"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "page crashed")
}

func TestBrowseTool_CurrentScreenshotCapturesOnDemand(t *testing.T) {
	sandboxSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/browser/screenshot", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"screenshot":{"mime":"image/png","data":"dmlldw=="}}`))
	}))
	defer sandboxSrv.Close()

	tool := NewBrowseTool(&Handle{ID: "box-1", BaseURL: sandboxSrv.URL}, nil)

	shot, err := tool.CurrentScreenshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "dmlldw==", shot.Data)
}
