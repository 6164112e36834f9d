package control

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scenepilot/internal/driver"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Commands carry seed images, so the limit sits above the image cap.
	maxMessageSize = MaxImageBytes*4/3 + 64*1024
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The listener binds to loopback by default; browser extensions connect
	// from their own origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsResponse answers a command sent over the socket.
type wsResponse struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Response
}

// client is a middleman between one websocket connection and the hub.
type client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	// Buffered channel of outbound messages.
	send chan []byte
}

// Hub fans driver events out to websocket subscribers and accepts commands
// from them.
type Hub struct {
	dispatcher     *Dispatcher
	logger         *zap.Logger
	requestTimeout time.Duration

	clients    map[*client]struct{}
	register   chan *client
	unregister chan *client
	// done is closed when Run returns.
	done chan struct{}
	mu   sync.RWMutex
}

// NewHub creates a hub. Commands received on a socket run with requestTimeout.
func NewHub(dispatcher *Dispatcher, requestTimeout time.Duration, logger *zap.Logger) *Hub {
	return &Hub{
		dispatcher:     dispatcher,
		logger:         logger.Named("ws_hub"),
		requestTimeout: requestTimeout,
		clients:        make(map[*client]struct{}),
		register:       make(chan *client),
		unregister:     make(chan *client),
		done:           make(chan struct{}),
	}
}

// Run delivers events to connected clients until ctx is done or events closes.
func (h *Hub) Run(ctx context.Context, events <-chan driver.Event) {
	h.logger.Info("WebSocket hub started.")
	defer h.logger.Info("WebSocket hub stopped.")
	defer close(h.done)
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
			h.logger.Info("WebSocket client connected.", zap.String("client_id", c.id))
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.logger.Info("WebSocket client disconnected.", zap.String("client_id", c.id))
			}
			h.mu.Unlock()
		case ev, ok := <-events:
			if !ok {
				return
			}
			msg, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("Failed to marshal event", zap.Error(err), zap.String("type", string(ev.Type)))
				continue
			}
			h.broadcast(msg)
		}
	}
}

func (h *Hub) broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("WebSocket client too slow, dropping it.", zap.String("client_id", c.id))
			close(c.send)
			delete(h.clients, c)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}
	c := &client{
		id:   uuid.New().String(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump reads commands from the connection and queues their responses.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("WebSocket client read error", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}

		var req Request
		if err := json.Unmarshal(message, &req); err != nil {
			c.reply(wsResponse{Type: "response", Response: Response{Error: invalid("message", "%v", err).Error()}})
			continue
		}
		if req.RequestID == "" {
			req.RequestID = uuid.New().String()
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.hub.requestTimeout)
		resp := c.hub.dispatcher.Dispatch(ctx, req)
		cancel()
		c.reply(wsResponse{Type: "response", RequestID: req.RequestID, Response: resp})
	}
}

// reply queues a response for this client. The hub owns c.send, so the send
// happens under its lock.
func (c *client) reply(r wsResponse) {
	msg, err := json.Marshal(r)
	if err != nil {
		c.hub.logger.Error("Failed to marshal response", zap.Error(err))
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
		c.hub.logger.Warn("WebSocket send buffer full, response dropped.", zap.String("client_id", c.id), zap.String("request_id", r.RequestID))
	}
}

// writePump writes queued messages and pings to the connection. Each message
// is its own frame.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
