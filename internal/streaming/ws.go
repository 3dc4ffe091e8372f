package streaming

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// WSBroadcaster relays hub events to websocket clients. It is a transport
// adapter only: the core never depends on it, it just subscribes like any
// other observer.
type WSBroadcaster struct {
	hub      Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewWSBroadcaster creates a websocket fan-out adapter over the given hub.
func NewWSBroadcaster(hub Hub, logger *slog.Logger) *WSBroadcaster {
	return &WSBroadcaster{
		hub:    hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and streams matching events as JSON text
// frames until the client disconnects. Filter fields come from query
// parameters: agent_id, execution_id.
func (b *WSBroadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filter := Filter{
		AgentID:     r.URL.Query().Get("agent_id"),
		ExecutionID: r.URL.Query().Get("execution_id"),
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	events, cancel, err := b.hub.Subscribe(r.Context(), filter)
	if err != nil {
		_ = conn.Close()
		return
	}

	go b.writePump(conn, events, cancel)
	go b.readPump(conn)
}

// writePump serializes events to the client and pings on an interval.
func (b *WSBroadcaster) writePump(conn *websocket.Conn, events <-chan Event, cancel func()) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		_ = conn.Close()
	}()

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client frames; it exists to observe the close handshake.
func (b *WSBroadcaster) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(1024)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			_ = conn.Close()
			return
		}
	}
}
