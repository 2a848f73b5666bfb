// Package websocket pushes live scan progress to connected dashboards so
// they need not tighten their polling loops. The polling endpoints remain
// the contract of record; frames here are advisory.
package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced by the API layer's CORS handling.
		return true
	},
}

// Message is one frame pushed to clients.
type Message struct {
	Type string `json:"type"` // "welcome" or "scan.updated"
	Data any    `json:"data"`
}

// Client is one connected dashboard. A client may subscribe to a single
// scan id; an empty subscription receives every update.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	id     string
	scanID string
}

// Hub maintains the set of connected clients and fans scan updates out to
// them. Slow clients are evicted rather than allowed to block the hub.
// Every send into a client channel and every close of one happens under
// mu, so an eviction can never race a concurrent broadcast.
type Hub struct {
	mu      sync.Mutex
	clients map[*Client]bool
}

// NewHub creates a Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*Client]bool)}
}

// ClientCount reports connected clients, for health output.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// BroadcastScanUpdate pushes a scan.updated frame to every client whose
// subscription matches. Never blocks: full send buffers evict the client.
func (h *Hub) BroadcastScanUpdate(scanID string, payload any) {
	data, err := json.Marshal(Message{Type: "scan.updated", Data: payload})
	if err != nil {
		log.Error().Err(err).Str("scanId", scanID).Msg("Failed to marshal scan update")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if client.scanID != "" && client.scanID != scanID {
			continue
		}
		select {
		case client.send <- data:
		default:
			log.Warn().Str("client", client.id).Msg("WebSocket client too slow, evicting")
			delete(h.clients, client)
			close(client.send)
		}
	}
}

// HandleWebSocket upgrades the connection and registers the client. The
// optional ?scanId= query parameter scopes the subscription.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		id:     uuid.NewString(),
		scanID: r.URL.Query().Get("scanId"),
	}

	welcome, _ := json.Marshal(Message{Type: "welcome", Data: map[string]string{"clientId": client.id}})

	h.mu.Lock()
	h.clients[client] = true
	client.send <- welcome
	h.mu.Unlock()
	log.Debug().Str("client", client.id).Str("scanId", client.scanID).Msg("WebSocket client connected")

	go client.writePump()
	go client.readPump()
}

// Shutdown closes every connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
}

// readPump discards inbound frames and watches for disconnect.
func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
