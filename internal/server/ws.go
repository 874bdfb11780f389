package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clp-proxy/clp/internal/events"
)

const (
	wsPingInterval = 30 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// The proxy binds to loopback; browser pages served from any local origin
// may connect.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleRealtime streams hub events over a WebSocket: a connection greeting,
// a snapshot of in-flight requests, then live events until the client leaves.
func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "service", s.engine.Service.Name, "error", err)
		return
	}
	defer conn.Close()

	id, ch, snapshot := s.engine.Hub.Subscribe()
	defer s.engine.Hub.Unsubscribe(id)

	greeting := events.Event{
		Type:      events.EventConnection,
		Service:   s.engine.Service.Name,
		Timestamp: time.Now().Format(time.RFC3339Nano),
		Message:   "connected",
	}
	if writeEvent(conn, greeting) != nil {
		return
	}
	for _, e := range snapshot {
		if writeEvent(conn, e) != nil {
			return
		}
	}

	// Reads only matter for disconnect detection; payloads are ignored.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if writeEvent(conn, e) != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, e events.Event) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(e)
}
