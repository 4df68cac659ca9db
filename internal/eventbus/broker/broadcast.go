package broker

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Operator UI is same-origin in the reference deployment; CORS for the
	// HTTP API proper is handled by go-chi/cors, not here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// subscriber is one connected operator-UI websocket, fanned out to a fixed
// set of topics (e.g. "log", "phase_update") plus its per-task room
// "task:{task_id}" (spec §4.4 item 3).
type subscriber struct {
	conn   *websocket.Conn
	send   chan []byte
	topics map[string]bool
}

// Hub fans batched/single event payloads out to connected websocket
// subscribers, grouped by outbound topic name. One Hub serves every
// connection; there is no per-task hub since a connection's topic set
// already scopes what it receives.
type Hub struct {
	log *slog.Logger

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{log: log, subs: make(map[*subscriber]struct{})}
}

// ServeWS upgrades the request to a websocket connection subscribed to the
// topics named in the "topics" query parameter (comma-separated), or all
// topics if omitted.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.log != nil {
			h.log.Warn("hub: websocket upgrade failed", "error", err)
		}
		return
	}

	topics := make(map[string]bool)
	for _, t := range splitCSV(r.URL.Query().Get("topics")) {
		topics[t] = true
	}

	sub := &subscriber{conn: conn, send: make(chan []byte, 64), topics: topics}
	h.register(sub)
	go h.writePump(sub)
	go h.readPump(sub)
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func (h *Hub) register(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[sub] = struct{}{}
}

func (h *Hub) unregister(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.send)
	}
}

// Broadcast delivers payload to every subscriber registered for topic (or
// with no topic filter at all), dropping the message for slow consumers
// rather than blocking the whole hub.
func (h *Hub) Broadcast(topic string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		if h.log != nil {
			h.log.Error("hub: failed to marshal broadcast payload", "topic", topic, "error", err)
		}
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if len(sub.topics) > 0 && !sub.topics[topic] {
			continue
		}
		select {
		case sub.send <- data:
		default:
			if h.log != nil {
				h.log.Warn("hub: dropping broadcast for slow subscriber", "topic", topic)
			}
		}
	}
}

func (h *Hub) writePump(sub *subscriber) {
	defer sub.conn.Close()
	for data := range sub.send {
		sub.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := sub.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

func (h *Hub) readPump(sub *subscriber) {
	defer h.unregister(sub)
	sub.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	sub.conn.SetPongHandler(func(string) error {
		sub.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}
