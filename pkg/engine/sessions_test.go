package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delverhq/delver/pkg/sandbox"
	"github.com/delverhq/delver/pkg/tools"
)

// stubResolver scripts sandbox resolution for binding tests.
type stubResolver struct {
	mu     sync.Mutex
	handle *sandbox.Handle
	err    error
	calls  int
}

func (r *stubResolver) ResolveOrStart(_ context.Context, sandboxID string) (*sandbox.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return r.handle, nil
}

func (r *stubResolver) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func newBaseTools() *tools.Registry {
	base := tools.NewRegistry()
	base.Register(&countingTool{name: "browse"})
	base.Register(&countingTool{name: "web_fetch"})
	return base
}

func TestRegistry_ResolveOrCreateCreatesLazily(t *testing.T) {
	reg, err := NewRegistry(RegistryConfig{BaseTools: newBaseTools(), StepBudget: 3, MaxSessions: 8})
	require.NoError(t, err)
	defer reg.Close()

	assert.Zero(t, reg.Len())

	a, err := reg.ResolveOrCreate(context.Background(), "sess-a", "")
	require.NoError(t, err)
	b, err := reg.ResolveOrCreate(context.Background(), "sess-b", "")
	require.NoError(t, err)

	assert.Equal(t, 2, reg.Len())
	assert.NotSame(t, a.Agent, b.Agent)

	again, err := reg.ResolveOrCreate(context.Background(), "sess-a", "")
	require.NoError(t, err)
	assert.Same(t, a, again)
}

func TestRegistry_RejectsEmptySessionID(t *testing.T) {
	reg, err := NewRegistry(RegistryConfig{BaseTools: newBaseTools(), MaxSessions: 8})
	require.NoError(t, err)
	defer reg.Close()

	_, err = reg.ResolveOrCreate(context.Background(), "", "")
	require.Error(t, err)
}

func TestRegistry_BoundedCacheEvictsLeastRecentlyUsed(t *testing.T) {
	reg, err := NewRegistry(RegistryConfig{BaseTools: newBaseTools(), MaxSessions: 2})
	require.NoError(t, err)
	defer reg.Close()

	for i := 0; i < 3; i++ {
		_, err := reg.ResolveOrCreate(context.Background(), fmt.Sprintf("sess-%d", i), "")
		require.NoError(t, err)
	}

	assert.Equal(t, 2, reg.Len())

	// The oldest session was evicted; resolving it again yields a fresh
	// agent instance.
	first, err := reg.ResolveOrCreate(context.Background(), "sess-0", "")
	require.NoError(t, err)
	assert.Zero(t, first.Agent.StepCount())
}

func TestRegistry_SessionsCloneBaseToolSet(t *testing.T) {
	reg, err := NewRegistry(RegistryConfig{BaseTools: newBaseTools(), MaxSessions: 8})
	require.NoError(t, err)
	defer reg.Close()

	a, err := reg.ResolveOrCreate(context.Background(), "sess-a", "")
	require.NoError(t, err)
	b, err := reg.ResolveOrCreate(context.Background(), "sess-b", "")
	require.NoError(t, err)

	a.Agent.Bindings().Bind(&countingTool{name: "extra"})

	_, ok := b.Agent.Bindings().Get("extra")
	assert.False(t, ok, "rebinding one session must not leak into another")
}

func TestRegistry_FailedAttachKeepsDefaultTools(t *testing.T) {
	resolver := &stubResolver{err: errors.New("orchestrator down")}
	binding := sandbox.NewBindingManager(resolver, 1, time.Millisecond)

	reg, err := NewRegistry(RegistryConfig{
		BaseTools:   newBaseTools(),
		Binding:     binding,
		MaxSessions: 8,
	})
	require.NoError(t, err)
	defer reg.Close()

	sess, err := reg.ResolveOrCreate(context.Background(), "sess-a", "box-1")
	require.NoError(t, err)

	assert.Empty(t, sess.SandboxID())
	tool, ok := sess.Agent.Bindings().Get("browse")
	require.True(t, ok)
	_, isSandboxed := tool.(*sandbox.BrowseTool)
	assert.False(t, isSandboxed)
}

func TestRegistry_AttachSwapsBrowseToolOnce(t *testing.T) {
	health := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer health.Close()

	resolver := &stubResolver{handle: &sandbox.Handle{ID: "box-1", BaseURL: health.URL}}
	binding := sandbox.NewBindingManager(resolver, 2, time.Millisecond)

	reg, err := NewRegistry(RegistryConfig{
		BaseTools:   newBaseTools(),
		Binding:     binding,
		MaxSessions: 8,
	})
	require.NoError(t, err)
	defer reg.Close()

	sess, err := reg.ResolveOrCreate(context.Background(), "sess-a", "box-1")
	require.NoError(t, err)

	assert.Equal(t, "box-1", sess.SandboxID())
	tool, ok := sess.Agent.Bindings().Get("browse")
	require.True(t, ok)
	_, isSandboxed := tool.(*sandbox.BrowseTool)
	assert.True(t, isSandboxed)

	// Every other binding untouched.
	_, ok = sess.Agent.Bindings().Get("web_fetch")
	assert.True(t, ok)

	// A second request on the same session does not re-attach.
	_, err = reg.ResolveOrCreate(context.Background(), "sess-a", "box-1")
	require.NoError(t, err)
	assert.Equal(t, 1, resolver.callCount())
}

func TestRegistry_AttachWaitsForInFlightRun(t *testing.T) {
	health := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer health.Close()

	resolver := &stubResolver{handle: &sandbox.Handle{ID: "box-1", BaseURL: health.URL}}
	binding := sandbox.NewBindingManager(resolver, 1, time.Millisecond)

	reg, err := NewRegistry(RegistryConfig{
		BaseTools:   newBaseTools(),
		Binding:     binding,
		MaxSessions: 8,
	})
	require.NoError(t, err)
	defer reg.Close()

	sess, err := reg.ResolveOrCreate(context.Background(), "sess-a", "")
	require.NoError(t, err)

	// Hold the run mutex the way an in-flight run does.
	sess.runMu.Lock()

	attached := make(chan struct{})
	go func() {
		defer close(attached)
		_, err := reg.ResolveOrCreate(context.Background(), "sess-a", "box-1")
		assert.NoError(t, err)
	}()

	// The browse binding must not change while the run holds the mutex.
	time.Sleep(20 * time.Millisecond)
	select {
	case <-attached:
		t.Fatal("sandbox attached while a run was in flight")
	default:
	}
	tool, ok := sess.Agent.Bindings().Get("browse")
	require.True(t, ok)
	_, isSandboxed := tool.(*sandbox.BrowseTool)
	assert.False(t, isSandboxed)

	sess.runMu.Unlock()

	select {
	case <-attached:
	case <-time.After(time.Second):
		t.Fatal("attach never completed after the run released the mutex")
	}
	tool, ok = sess.Agent.Bindings().Get("browse")
	require.True(t, ok)
	_, isSandboxed = tool.(*sandbox.BrowseTool)
	assert.True(t, isSandboxed)
	assert.Equal(t, "box-1", sess.SandboxID())
}

func TestRegistry_IdleSweeperEvictsStaleSessions(t *testing.T) {
	reg, err := NewRegistry(RegistryConfig{
		BaseTools:   newBaseTools(),
		MaxSessions: 8,
		IdleTTL:     10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer reg.Close()

	_, err = reg.ResolveOrCreate(context.Background(), "sess-stale", "")
	require.NoError(t, err)
	require.Equal(t, 1, reg.Len())

	time.Sleep(20 * time.Millisecond)
	reg.sweepIdle()

	assert.Zero(t, reg.Len())
}
