package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delverhq/delver/pkg/engine"
	"github.com/delverhq/delver/pkg/events"
	"github.com/delverhq/delver/pkg/think"
	"github.com/delverhq/delver/pkg/tools"
)

// echoTool returns its arguments.
type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "echoes arguments" }
func (echoTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
func (echoTool) Execute(_ context.Context, args map[string]any) (any, error) {
	return args, nil
}

// onceThinker acts once, then answers.
type onceThinker struct {
	acted bool
}

func (t *onceThinker) Think(_ context.Context, _ think.Request) (*think.Result, error) {
	if !t.acted {
		t.acted = true
		return &think.Result{
			Message:   &think.Message{Role: think.RoleAssistant, Content: "checking"},
			ToolCalls: []tools.ToolCall{{ID: "c1", Name: "echo", Arguments: map[string]any{"q": "42"}}},
			ShouldAct: true,
		}, nil
	}
	return &think.Result{
		Message:  &think.Message{Role: think.RoleAssistant, Content: "all done"},
		Finished: true,
	}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	base := tools.NewRegistry()
	base.Register(echoTool{})

	sessions, err := engine.NewRegistry(engine.RegistryConfig{
		BaseTools:   base,
		StepBudget:  4,
		MaxSessions: 8,
	})
	require.NoError(t, err)
	t.Cleanup(func() { sessions.Close() })

	eng, err := engine.New(engine.Config{
		Sessions: sessions,
		Thinker:  &onceThinker{},
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	srv, err := New(Config{
		Addr:   "127.0.0.1:0",
		Engine: eng,
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	return srv
}

func decodeFrames(t *testing.T, body string) []events.Frame {
	t.Helper()
	var frames []events.Frame
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var frame events.Frame
		require.NoError(t, json.Unmarshal([]byte(line), &frame), "line %q", line)
		frames = append(frames, frame)
	}
	return frames
}

func TestHandleChat_StreamsFramesUntilEnd(t *testing.T) {
	srv := newTestServer(t)

	body, err := json.Marshal(ChatRequest{SessionID: "sess-1", Message: "what is six times seven"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.handleChat(rec, req)

	resp := rec.Result()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	frames := decodeFrames(t, rec.Body.String())
	require.NotEmpty(t, frames)

	types := make([]events.Type, len(frames))
	for i, f := range frames {
		types[i] = f.Type
	}
	assert.Contains(t, types, events.TypeMessageChunk)
	assert.Contains(t, types, events.TypeToolStart)
	assert.Contains(t, types, events.TypeToolComplete)
	assert.Equal(t, events.TypeEnd, types[len(types)-1])

	terminals := 0
	for _, ty := range types {
		if ty == events.TypeEnd || ty == events.TypeError {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)
}

func TestHandleChat_RejectsBadRequests(t *testing.T) {
	srv := newTestServer(t)

	cases := []struct {
		name string
		body string
	}{
		{"not json", "{nope"},
		{"missing session", `{"message":"hi"}`},
		{"missing message", `{"session_id":"s1"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()

			srv.handleChat(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestHandleChat_MethodNotAllowed(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/chat", nil)
	rec := httptest.NewRecorder()

	srv.handleChat(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleChat_RefusesDuringShutdown(t *testing.T) {
	srv := newTestServer(t)
	srv.shutdownMu.Lock()
	srv.isShuttingDown = true
	srv.shutdownMu.Unlock()

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"session_id":"s1","message":"hi"}`))
	rec := httptest.NewRecorder()

	srv.handleChat(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
