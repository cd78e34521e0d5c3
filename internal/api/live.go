package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sunride-robotics/navcore/internal/monitoring"
	"github.com/sunride-robotics/navcore/internal/nav/pipeline"
)

const (
	writeWait      = 5 * time.Second
	clientBacklog  = 8
	maxLiveClients = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Telemetry is read-only and served on the vehicle's LAN.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans pipeline status snapshots out to websocket subscribers. It
// satisfies the pipeline's TelemetryPublisher interface. Slow clients
// are dropped rather than allowed to stall the broadcast.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan pipeline.Status
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]chan pipeline.Status)}
}

// PublishStatus queues st for every connected client.
func (h *Hub) PublishStatus(st pipeline.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		select {
		case ch <- st:
		default:
			// Backlog full: the client is not keeping up.
			monitoring.Logf("dropping slow telemetry client %s", conn.RemoteAddr())
			close(ch)
			delete(h.clients, conn)
			conn.Close()
		}
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeLive upgrades the request to a websocket and streams status
// snapshots until the client disconnects.
func (h *Hub) ServeLive(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if len(h.clients) >= maxLiveClients {
		h.mu.Unlock()
		http.Error(w, "too many live clients", http.StatusServiceUnavailable)
		return
	}
	h.mu.Unlock()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.Logf("websocket upgrade failed: %v", err)
		return
	}

	ch := make(chan pipeline.Status, clientBacklog)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()

	// Reader goroutine: we expect no client messages, but reading is
	// required to notice disconnects and answer control frames.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.remove(conn)
				return
			}
		}
	}()

	for st := range ch {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(st); err != nil {
			h.remove(conn)
			return
		}
	}
}

// remove drops a client if it is still registered.
func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
	conn.Close()
}
