// Package ws exposes the signal stream to browsers over WebSocket. Clients
// join one room per connection; the hub fans bus signals into rooms and
// drops subscribers that cannot keep up.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/blackroad/meshgate/internal/gateway/auth"
	"github.com/blackroad/meshgate/internal/signal"
)

// MaxFrameSize caps inbound frames. Larger frames close the connection.
const MaxFrameSize = 64 << 10

// sendBuffer is the per-client outbound queue. A full queue marks the
// client slow and disconnects it.
const sendBuffer = 64

// Rooms a client may join.
var validRooms = map[string]bool{
	"signals": true,
	"metrics": true,
	"alerts":  true,
	"chat":    true,
	"status":  true,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin is enforced by the gateway's CORS layer before upgrade.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type client struct {
	conn   *websocket.Conn
	room   string
	userID string
	send   chan []byte
	once   sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}

// Hub manages room membership and fan-out.
type Hub struct {
	tokens *auth.TokenIssuer
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub creates a hub authenticating with the given issuer.
func NewHub(tokens *auth.TokenIssuer, logger *zap.Logger) *Hub {
	return &Hub{
		tokens:  tokens,
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

// Handle upgrades an HTTP request into a room subscription. The JWT comes
// from the first Sec-WebSocket-Protocol entry or the token query parameter;
// browsers cannot set an Authorization header on WebSocket dials.
func (h *Hub) Handle(w http.ResponseWriter, r *http.Request) {
	token := firstProtocol(r)
	echoProtocol := token != ""
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		http.Error(w, `{"error":"missing token","code":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	claims, err := h.tokens.Verify(token)
	if err != nil {
		http.Error(w, `{"error":"invalid token","code":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	room := r.URL.Query().Get("room")
	if room == "" {
		room = "signals"
	}
	if !validRooms[room] {
		http.Error(w, `{"error":"unknown room","code":"invalid_room"}`, http.StatusBadRequest)
		return
	}

	var header http.Header
	if echoProtocol {
		// Echo the token protocol back so browsers accept the handshake.
		header = http.Header{"Sec-WebSocket-Protocol": []string{token}}
	}
	conn, err := upgrader.Upgrade(w, r, header)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(MaxFrameSize)

	c := &client{
		conn:   conn,
		room:   room,
		userID: claims.Subject,
		send:   make(chan []byte, sendBuffer),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.logger.Info("ws client joined",
		zap.String("room", room),
		zap.String("user_id", c.userID),
	)

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		h.mu.Unlock()
		c.close()
		h.logger.Info("ws client left",
			zap.String("room", c.room),
			zap.String("user_id", c.userID),
		)
		return
	}
	h.mu.Unlock()
}

func (h *Hub) readPump(c *client) {
	defer h.remove(c)

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	})
	_ = c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))

		// Only the chat room accepts client messages; they are relayed to
		// the room as message.posted signals.
		if c.room != "chat" {
			continue
		}
		var inbound struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(msg, &inbound); err != nil || inbound.Text == "" {
			continue
		}
		s := signal.New(signal.MessagePosted, c.userID, signal.Broadcast, map[string]any{
			"text": inbound.Text,
		})
		h.BroadcastToRoom("chat", s)
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(time.Second))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

// BroadcastToRoom sends a signal to every client in the room. Slow clients
// are disconnected rather than blocking the hub.
func (h *Hub) BroadcastToRoom(room string, s signal.Signal) {
	payload, err := json.Marshal(s)
	if err != nil {
		return
	}

	h.mu.RLock()
	var slow []*client
	for c := range h.clients {
		if c.room != room {
			continue
		}
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow ws client",
			zap.String("room", c.room),
			zap.String("user_id", c.userID),
		)
		h.remove(c)
	}
}

// Run fans bus signals into rooms until ctx is done.
func (h *Hub) Run(ctx context.Context, ch <-chan signal.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-ch:
			if !ok {
				return
			}
			for _, room := range roomsFor(s.Type) {
				h.BroadcastToRoom(room, s)
			}
		}
	}
}

// RoomCount reports clients per room (for status and tests).
func (h *Hub) RoomCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for c := range h.clients {
		if c.room == room {
			n++
		}
	}
	return n
}

// roomsFor maps a signal type to the rooms that see it. Every signal lands
// in the signals room; some types get a dedicated room on top.
func roomsFor(t signal.Type) []string {
	rooms := []string{"signals"}
	switch {
	case t == signal.RateLimited, t == signal.RateLimitDown, t == signal.QueueFull, t == signal.BudgetAlert:
		rooms = append(rooms, "alerts")
	case t == signal.NodeOnline, t == signal.NodeOffline:
		rooms = append(rooms, "status")
	case t == signal.MessagePosted:
		rooms = append(rooms, "chat")
	case strings.HasPrefix(string(t), "metrics."):
		rooms = append(rooms, "metrics")
	}
	return rooms
}

func firstProtocol(r *http.Request) string {
	raw := r.Header.Get("Sec-WebSocket-Protocol")
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, ",")
	return strings.TrimSpace(parts[0])
}
