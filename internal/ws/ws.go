package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/talka/historico/internal/logger"
)

const (
	EventArchiveUploaded     = "archive.uploaded"
	EventConversationDeleted = "conversation.deleted"
	EventMessageDeleted      = "message.deleted"
	EventArchiveCleared      = "archive.cleared"
	EventUserCreated         = "user.created"
	EventUserDeleted         = "user.deleted"
	EventUserStatus          = "user.status"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 64
)

// Event is pushed to connected dashboards after the archive changes, so they
// can refresh without polling.
type Event struct {
	Type           string    `json:"type"`
	UserID         int64     `json:"user_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	MessageID      int64     `json:"message_id,omitempty"`
	Count          int64     `json:"count,omitempty"`
	Status         string    `json:"status,omitempty"`
	At             time.Time `json:"at"`
}

type delivery struct {
	event      *Event
	userID     int64
	adminsOnly bool
}

type Hub struct {
	clients    map[int64]map[*Client]struct{}
	broadcast  chan delivery
	register   chan *Client
	unregister chan *Client
	disconnect chan int64
	done       chan struct{}
	mu         sync.RWMutex

	// OnClientsChanged, when set, is called from the Run loop with the
	// number of connected clients.
	OnClientsChanged func(n int)
}

type Client struct {
	userID  int64
	isAdmin bool
	conn    *websocket.Conn
	hub     *Hub
	send    chan *Event
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[int64]map[*Client]struct{}),
		broadcast:  make(chan delivery, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		disconnect: make(chan int64, 16),
		done:       make(chan struct{}),
	}
}

// SetAllowedOrigins restricts websocket upgrades to the given origins. An
// empty list or "*" accepts any origin.
func SetAllowedOrigins(origins []string) {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			upgrader.CheckOrigin = func(*http.Request) bool { return true }
			return
		}
		allowed[o] = struct{}{}
	}
	if len(allowed) == 0 {
		return
	}
	upgrader.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}

// IsUserOnline reports whether the user has at least one open socket.
func (h *Hub) IsUserOnline(userID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.countLocked()
}

func (h *Hub) countLocked() int {
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// NotifyUser queues event for every socket of userID. It never blocks; when
// the queue is full the event is dropped.
func (h *Hub) NotifyUser(userID int64, event Event) {
	h.enqueue(delivery{event: stamp(event), userID: userID})
}

// NotifyAdmins queues event for every admin socket.
func (h *Hub) NotifyAdmins(event Event) {
	h.enqueue(delivery{event: stamp(event), adminsOnly: true})
}

// Disconnect closes every socket of userID, e.g. after the account is
// deactivated or deleted.
func (h *Hub) Disconnect(userID int64) {
	select {
	case h.disconnect <- userID:
	default:
		logger.Log.Warn("websocket disconnect queue full", "user_id", userID)
	}
}

func stamp(event Event) *Event {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	return &event
}

func (h *Hub) enqueue(d delivery) {
	select {
	case h.broadcast <- d:
	default:
		logger.Log.Warn("websocket broadcast queue full, dropping event", "type", d.event.Type)
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			set, ok := h.clients[client.userID]
			if !ok {
				set = make(map[*Client]struct{})
				h.clients[client.userID] = set
			}
			set[client] = struct{}{}
			total := h.countLocked()
			h.mu.Unlock()
			logger.Log.Debug("websocket connected", "user_id", client.userID, "total", total)
			h.clientsChanged(total)

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			total := h.countLocked()
			h.mu.Unlock()
			logger.Log.Debug("websocket disconnected", "user_id", client.userID, "total", total)
			h.clientsChanged(total)

		case userID := <-h.disconnect:
			h.mu.Lock()
			for client := range h.clients[userID] {
				h.removeLocked(client)
			}
			total := h.countLocked()
			h.mu.Unlock()
			h.clientsChanged(total)

		case d := <-h.broadcast:
			h.deliver(d)
		}
	}
}

func (h *Hub) removeLocked(client *Client) {
	set, ok := h.clients[client.userID]
	if !ok {
		return
	}
	if _, ok := set[client]; !ok {
		return
	}
	delete(set, client)
	close(client.send)
	if len(set) == 0 {
		delete(h.clients, client.userID)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.clients {
		for client := range set {
			h.removeLocked(client)
		}
	}
}

func (h *Hub) clientsChanged(n int) {
	if h.OnClientsChanged != nil {
		h.OnClientsChanged(n)
	}
}

func (h *Hub) deliver(d delivery) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	push := func(client *Client) {
		select {
		case client.send <- d.event:
		default:
			logger.Log.Warn("websocket send buffer full", "user_id", client.userID, "type", d.event.Type)
		}
	}

	if d.adminsOnly {
		for _, set := range h.clients {
			for client := range set {
				if client.isAdmin {
					push(client)
				}
			}
		}
		return
	}
	for client := range h.clients[d.userID] {
		push(client)
	}
}

// HandleWebSocket upgrades an authenticated request. It expects user_id and
// is_admin in the gin context.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	isAdmin := c.GetBool("is_admin")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		userID:  userID.(int64),
		isAdmin: isAdmin,
		conn:    conn,
		hub:     h,
		send:    make(chan *Event, sendBuffer),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.readPump()
	go client.writePump()
}

// readPump only drains control frames; the socket is server-to-client.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Log.Warn("websocket read error", "user_id", c.userID, "error", err)
			}
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
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := json.Marshal(event)
			if err != nil {
				continue
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
