package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestHubWelcomeAndCount(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	conn := dial(t, srv, "")
	msg := readMessage(t, conn)
	assert.Equal(t, "welcome", msg.Type)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)
}

func TestHubBroadcastScanUpdate(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	conn := dial(t, srv, "")
	readMessage(t, conn) // welcome

	hub.BroadcastScanUpdate("scan-1", map[string]string{"status": "completed"})

	msg := readMessage(t, conn)
	assert.Equal(t, "scan.updated", msg.Type)
	data := msg.Data.(map[string]any)
	assert.Equal(t, "completed", data["status"])
}

func TestHubScopedSubscription(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	scoped := dial(t, srv, "?scanId=scan-2")
	readMessage(t, scoped) // welcome

	// An update for a different scan must not reach a scoped client.
	hub.BroadcastScanUpdate("scan-1", map[string]string{"status": "completed"})
	hub.BroadcastScanUpdate("scan-2", map[string]string{"status": "partial"})

	msg := readMessage(t, scoped)
	assert.Equal(t, "scan.updated", msg.Type)
	data := msg.Data.(map[string]any)
	assert.Equal(t, "partial", data["status"])
}

// Evicting a slow client while other goroutines broadcast must never send
// on the closed channel.
func TestHubConcurrentBroadcastEviction(t *testing.T) {
	hub := NewHub()
	for i := 0; i < 500; i++ {
		client := &Client{hub: hub, send: make(chan []byte, 1)}
		client.send <- []byte("stall") // buffer full, the next send evicts
		hub.mu.Lock()
		hub.clients[client] = true
		hub.mu.Unlock()
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				hub.BroadcastScanUpdate("scan-1", map[string]int{"seq": j})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, hub.ClientCount())
}

func TestHubShutdown(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	conn := dial(t, srv, "")
	readMessage(t, conn) // welcome

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)
	hub.Shutdown()
	assert.Equal(t, 0, hub.ClientCount())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
