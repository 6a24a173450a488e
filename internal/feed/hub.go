package feed

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/sensorlink/internal/wire"
)

// Hub broadcasts readings to WebSocket clients and keeps a short history so
// a newly connected dashboard can draw immediately.
type Hub struct {
	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	historyMu sync.Mutex
	history   []Message
	keep      int
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub returns a hub remembering the last keep readings (0 disables history).
func NewHub(keep int) *Hub {
	return &Hub{
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		keep: keep,
	}
}

func (h *Hub) Name() string { return "ws" }

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// history first, under the clients lock so no broadcast slips in between
	h.clientsMu.Lock()
	h.historyMu.Lock()
	backlog := append([]Message(nil), h.history...)
	h.historyMu.Unlock()
	if len(backlog) > 0 {
		if data, err := json.Marshal(struct {
			Type     string    `json:"type"`
			Readings []Message `json:"readings"`
		}{Type: "history", Readings: backlog}); err == nil {
			client.send <- data
		}
	}
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", n)

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive, detects disconnect)
	go func() {
		defer h.remove(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (h *Hub) remove(c *wsClient) {
	h.clientsMu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.clientsMu.Unlock()
	log.Printf("[ws] client disconnected (%d total)", n)
}

// Publish records r in the history and sends it to every client. Slow
// clients miss the reading.
func (h *Hub) Publish(_ context.Context, r wire.Reading) error {
	msg := Message{Type: "reading", Reading: r, Stamp: time.Now().UnixMilli()}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	if h.keep > 0 {
		h.historyMu.Lock()
		h.history = append(h.history, msg)
		if len(h.history) > h.keep {
			h.history = append(h.history[:0], h.history[len(h.history)-h.keep:]...)
		}
		h.historyMu.Unlock()
	}

	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
	return nil
}

// Close disconnects every client.
func (h *Hub) Close() error {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	return nil
}

// Latest returns the most recent reading of deviceID still in the history.
func (h *Hub) Latest(_ context.Context, deviceID uint32) (wire.Reading, error) {
	h.historyMu.Lock()
	defer h.historyMu.Unlock()
	for i := len(h.history) - 1; i >= 0; i-- {
		if h.history[i].DeviceID == deviceID {
			return h.history[i].Reading, nil
		}
	}
	return wire.Reading{}, ErrNoReading
}
