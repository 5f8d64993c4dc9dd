package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mtzanidakis/indexswap/internal/browser"
	"github.com/mtzanidakis/indexswap/internal/natsbus"
)

type message struct {
	key  string
	data []byte
}

// Hub fans session events out to the WebSocket clients watching that
// session. Run is the only writer to registered connections.
type Hub struct {
	clients   map[string]map[*websocket.Conn]bool // session key → conns
	broadcast chan message
	register  chan registration
	done      chan struct{}
}

type registration struct {
	key  string
	conn *websocket.Conn
	add  bool
}

func NewHub() *Hub {
	return &Hub{
		clients:   make(map[string]map[*websocket.Conn]bool),
		broadcast: make(chan message, 256),
		register:  make(chan registration),
		done:      make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, conns := range h.clients {
				for conn := range conns {
					conn.Close()
				}
			}
			return
		case r := <-h.register:
			if r.add {
				if h.clients[r.key] == nil {
					h.clients[r.key] = make(map[*websocket.Conn]bool)
				}
				h.clients[r.key][r.conn] = true
				continue
			}
			h.drop(r.key, r.conn)
		case m := <-h.broadcast:
			for conn := range h.clients[m.key] {
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, m.data); err != nil {
					conn.Close()
					h.drop(m.key, conn)
				}
			}
		}
	}
}

func (h *Hub) drop(key string, conn *websocket.Conn) {
	delete(h.clients[key], conn)
	if len(h.clients[key]) == 0 {
		delete(h.clients, key)
	}
}

// Broadcast queues data for the clients of sessionKey.
func (h *Hub) Broadcast(sessionKey string, data []byte) {
	select {
	case h.broadcast <- message{key: sessionKey, data: data}:
	default:
		slog.Warn("websocket broadcast channel full, dropping event")
	}
}

func (h *Hub) Register(key string, conn *websocket.Conn) {
	select {
	case h.register <- registration{key: key, conn: conn, add: true}:
	case <-h.done:
	}
}

func (h *Hub) Unregister(key string, conn *websocket.Conn) {
	select {
	case h.register <- registration{key: key, conn: conn}:
	case <-h.done:
	}
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, err := s.swaps.GetStatus(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Send the current state before the hub starts writing.
	key := natsbus.SessionKey(id)
	raw, _ := json.Marshal(natsbus.StatusData{Status: st.Status, Message: st.Message})
	snapshot := natsbus.Event{
		Type:      natsbus.EventStatus,
		SessionID: key,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      raw,
	}
	if err := conn.WriteJSON(snapshot); err != nil {
		return
	}

	s.hub.Register(key, conn)
	defer s.hub.Unregister(key, conn)
	slog.Debug("websocket client connected", "session", browser.ShortID(id))

	// Drain reads until the client goes away
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
