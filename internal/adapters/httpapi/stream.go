package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/bnema/paychat/internal/ports"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// stream pushes the conversation history, then every new message, as
// {"type":"messages"} frames. Ping frames keep idle connections observable.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	const op = "httpapi.Server.stream"
	conversationID := chi.URLParam(r, "conversationID")

	// Subscribe first so nothing stored between the two calls is lost.
	updates, cancel, err := s.relay.Subscribe(r.Context(), conversationID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer cancel()

	history, err := s.relay.Messages(r.Context(), conversationID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("op", op), slog.Any("err", err))
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(maxMessageSize)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(ev ports.StreamEvent) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(ev)
	}

	if len(history) > 0 {
		if err := write(ports.StreamEvent{Type: ports.StreamEventMessages, Messages: history}); err != nil {
			return
		}
	}

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case batch, ok := <-updates:
			if !ok {
				// Dropped as a slow subscriber; the client reconnects and catches up.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber dropped"),
					time.Now().Add(writeWait))
				return
			}
			if err := write(ports.StreamEvent{Type: ports.StreamEventMessages, Messages: batch}); err != nil {
				s.logger.Debug("stream write failed", slog.String("op", op), slog.Any("err", err))
				return
			}
		case <-ticker.C:
			if err := write(ports.StreamEvent{Type: ports.StreamEventPing}); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
