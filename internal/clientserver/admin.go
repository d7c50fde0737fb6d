package clientserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zonemesh/zonemesh/internal/metrics"
	"github.com/zonemesh/zonemesh/internal/mode"
)

// StatusEvent is one line of the /ws/status stream: a mode transition or
// a neighbour-table change, for operational visibility only — it
// carries no data a client protocol command needs.
type StatusEvent struct {
	Kind string `json:"kind"` // "mode_transition" | "neighbour_table_size"
	Mode string `json:"mode,omitempty"`
	Zone string `json:"zone,omitempty"`
	Size int    `json:"size,omitempty"`
}

// StatusHub fans out StatusEvents to every connected /ws/status client.
// Grounded on the WebSocket signaling fallback in
// kernel/core/mesh/transport/transport.go, which holds a set of live
// *websocket.Conn under a mutex and writes to each on broadcast.
type StatusHub struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}

	logger *slog.Logger
}

// NewStatusHub builds an empty StatusHub.
func NewStatusHub(logger *slog.Logger) *StatusHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusHub{
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		conns:    make(map[*websocket.Conn]struct{}),
		logger:   logger.With("component", "status_hub"),
	}
}

// ServeHTTP upgrades the request to a WebSocket and registers it for
// broadcasts until the client disconnects.
func (h *StatusHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	// The client never sends anything meaningful on this socket; reading
	// is only how we detect it going away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast sends ev to every currently-connected /ws/status client,
// dropping any connection that fails to accept the write.
func (h *StatusHub) Broadcast(ev StatusEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			conn.Close()
			delete(h.conns, conn)
		}
	}
}

// NotifyModeTransition is a convenience wrapper for the common case of
// broadcasting a mode.State change.
func (h *StatusHub) NotifyModeTransition(st mode.State) {
	h.Broadcast(StatusEvent{Kind: "mode_transition", Mode: st.Tag.String(), Zone: st.NewZone.String()})
}

// NotifyNeighbourTableSize is a convenience wrapper for broadcasting a
// neighbour count change.
func (h *StatusHub) NotifyNeighbourTableSize(n int) {
	h.Broadcast(StatusEvent{Kind: "neighbour_table_size", Size: n})
}

// AdminMux builds the HTTP mux serving /metrics and /ws/status for one
// node.
func AdminMux(m *metrics.Node, hub *StatusHub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/ws/status", hub.ServeHTTP)
	return mux
}
