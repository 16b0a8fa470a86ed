package rest

import (
	"encoding/hex"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/primetype-labs/asmtpd/internal/topicstore"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// feedEvent is the wire shape of one topicstore.Event sent to admin
// WebSocket clients.
type feedEvent struct {
	Kind      string `json:"kind"`
	Topic     string `json:"topic"`
	MessageID string `json:"message_id,omitempty"`
}

// WSHandler fans out TopicStore change notifications to every connected
// admin client, the Go-native analogue of the original's
// subscribe_passport_update / message-log subscriber channels.
type WSHandler struct {
	topics  *topicstore.Store
	log     *slog.Logger
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewWSHandler creates a WSHandler and starts its fan-out pump.
func NewWSHandler(topics *topicstore.Store, log *slog.Logger) *WSHandler {
	h := &WSHandler{
		topics:  topics,
		log:     log.With("component", "admin-feed"),
		clients: make(map[*websocket.Conn]struct{}),
	}
	go h.pump()
	return h
}

// HandleFeed upgrades an admin connection to a WebSocket streaming
// topicstore.Notifier events until the client disconnects.
func (h *WSHandler) HandleFeed(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// pump is the Notifier's single drainer: the signal channel has no
// payload and only one reader may safely drain the pending event set,
// so fan-out to every connected client happens here rather than per
// connection.
func (h *WSHandler) pump() {
	for range h.topics.Notifier.Wait() {
		for _, ev := range h.topics.Notifier.Drain() {
			h.broadcast(ev)
		}
	}
}

func (h *WSHandler) broadcast(ev topicstore.Event) {
	out := feedEvent{Topic: ev.Topic.String()}
	switch ev.Kind {
	case topicstore.EventInsert:
		out.Kind = "insert"
		out.MessageID = hex.EncodeToString(ev.MessageID[:])
	case topicstore.EventUnsubscribe:
		out.Kind = "unsubscribe"
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(out); err != nil {
			h.log.Debug("admin feed write failed, dropping client", "error", err)
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

