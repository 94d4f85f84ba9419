package server

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/delverhq/delver/internal/tracing"
	"github.com/delverhq/delver/pkg/engine"
	"github.com/delverhq/delver/pkg/events"
)

// wsSink writes one frame per WebSocket text message.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSink) WriteFrame(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// handleStream upgrades the connection and serves chat requests over it:
// each client text message is a ChatRequest, answered by a full frame
// stream ending in end or error.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	s.logger.Info().
		Str("client_id", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Stream client connected")

	defer func() {
		conn.Close()
		s.logger.Info().Str("client_id", clientID).Msg("Stream client disconnected")
	}()

	sink := &wsSink{conn: conn}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("client_id", clientID).Msg("WebSocket error")
			}
			return
		}

		var req ChatRequest
		if err := json.Unmarshal(message, &req); err != nil || req.SessionID == "" || req.Message == "" {
			enc := events.NewEncoder(sink)
			enc.Fail("invalid request")
			continue
		}

		ctx := tracing.NewRequestContext(r.Context())
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Info().
			Str("client_id", clientID).
			Str("session_id", req.SessionID).
			Msg("Stream request received")

		// One encoder per run: each run carries its own seq numbering and
		// terminal frame.
		enc := events.NewEncoder(sink)
		if err := s.engine.Run(ctx, engine.RunParams{
			SessionID: req.SessionID,
			SandboxID: req.SandboxID,
			Message:   req.Message,
		}, enc); err != nil {
			logger.Error().Err(err).Msg("Run failed")
		}
	}
}
