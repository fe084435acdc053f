package api

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/krizzo101/arbor/pkg/types"
)

// Hub fans job lifecycle events out to connected websocket clients.
//
// Each client gets a buffered outbound channel drained by a dedicated
// writer goroutine, so Publish never blocks the scheduler and no two
// goroutines ever write to the same connection. A client that cannot
// keep up (full buffer) is dropped rather than slowing everyone down.
//
// Send channels are closed only while holding the hub mutex and only
// after the client leaves the map; Publish sends under the same mutex,
// so a send on a closed channel cannot happen.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

// client 單一 websocket 連線與其外送佇列
type client struct {
	conn *websocket.Conn
	send chan types.Event
}

// outbound buffer per client; overflow means the client is too slow
const clientSendBuffer = 64

// NewHub 建立空的事件推播中心
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// Add registers a connection and starts its writer goroutine.
// The connection is owned by the hub from this point on.
func (h *Hub) Add(conn *websocket.Conn) {
	c := &client{
		conn: conn,
		send: make(chan types.Event, clientSendBuffer),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	log.Debug("Websocket client connected", "clients", n)

	go h.writeLoop(c)
	go h.readLoop(c)
}

// writeLoop 將事件序列化送往單一連線，通道關閉即結束
func (h *Hub) writeLoop(c *client) {
	for event := range c.send {
		if err := c.conn.WriteJSON(event); err != nil {
			h.remove(c)
			return
		}
	}
	c.conn.Close()
}

// readLoop drains inbound frames so close handshakes are noticed
// promptly. Client messages are not interpreted.
func (h *Hub) readLoop(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.remove(c)
			return
		}
	}
}

// remove 取消註冊並關閉外送通道（重複呼叫無害）
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()

	c.conn.Close()
}

// Publish broadcasts an event to every connected client without
// blocking. Clients whose buffers are full are disconnected.
func (h *Hub) Publish(event types.Event) {
	h.mu.Lock()
	var slow []*client
	for c := range h.clients {
		select {
		case c.send <- event:
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()

	for _, c := range slow {
		log.Warn("Dropped slow websocket client", "kind", event.Kind)
		c.conn.Close()
	}
}

// ClientCount 回傳目前連線數（測試與統計用）
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close 斷開所有連線，Hub 之後仍可接受新連線
func (h *Hub) Close() {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
		close(c.send)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, c := range targets {
		c.conn.Close()
	}
}
