package server

import (
	"encoding/json"
	"net/http"

	"github.com/delverhq/delver/internal/tracing"
	"github.com/delverhq/delver/pkg/engine"
	"github.com/delverhq/delver/pkg/events"
)

// ChatRequest is one inbound run request.
type ChatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	SandboxID string `json:"sandbox_id,omitempty"`
}

// handleChat runs the agent for one request and streams newline-delimited
// frames until the terminal end or error frame.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.shuttingDown() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	ctx := tracing.NewRequestContext(r.Context())
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("session_id", req.SessionID).
		Bool("sandbox", req.SandboxID != "").
		Msg("Chat request received")

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := events.NewEncoder(&events.WriterSink{W: w, Flush: flusher.Flush})

	if err := s.engine.Run(ctx, engine.RunParams{
		SessionID: req.SessionID,
		SandboxID: req.SandboxID,
		Message:   req.Message,
	}, enc); err != nil {
		logger.Error().Err(err).Msg("Run failed")
	}
}
