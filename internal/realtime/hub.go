package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 5 * time.Second

type subscription struct {
	conn    *websocket.Conn
	payerID string
}

// Hub manages WebSocket clients and fans order events out to them.
// A client subscribed with a payer id only receives that payer's events.
type Hub struct {
	connections map[*websocket.Conn]string
	register    chan subscription
	unregister  chan *websocket.Conn
	broadcast   chan []byte
	done        chan struct{}
	stopOnce    sync.Once
	dropped     atomic.Int64
	clients     atomic.Int64
	upgrader    websocket.Upgrader
	logger      *zap.Logger
}

// NewHub constructs a Hub. buffer bounds pending broadcasts; extra events are dropped.
func NewHub(buffer int, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		connections: make(map[*websocket.Conn]string),
		register:    make(chan subscription),
		unregister:  make(chan *websocket.Conn),
		broadcast:   make(chan []byte, buffer),
		done:        make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Broadcast queues msg for every matching client without blocking the caller.
func (h *Hub) Broadcast(msg []byte) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	default:
		h.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded because the hub was saturated.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Clients reports how many clients are registered.
func (h *Hub) Clients() int64 {
	return h.clients.Load()
}

// Run processes register/unregister/broadcast events until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	defer h.stopOnce.Do(func() { close(h.done) })
	for {
		select {
		case <-ctx.Done():
			for conn := range h.connections {
				conn.Close()
				delete(h.connections, conn)
			}
			h.clients.Store(0)
			return nil
		case sub := <-h.register:
			h.connections[sub.conn] = sub.payerID
			h.clients.Store(int64(len(h.connections)))
		case conn := <-h.unregister:
			if _, ok := h.connections[conn]; ok {
				delete(h.connections, conn)
				conn.Close()
			}
			h.clients.Store(int64(len(h.connections)))
		case msg := <-h.broadcast:
			h.send(msg)
		}
	}
}

func (h *Hub) send(msg []byte) {
	var evt struct {
		PayerID string `json:"payer_id"`
	}
	_ = json.Unmarshal(msg, &evt)
	for conn, payerID := range h.connections {
		if payerID != "" && payerID != evt.PayerID {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.logger.Debug("dropping websocket client", zap.Error(err))
			conn.Close()
			delete(h.connections, conn)
		}
	}
	h.clients.Store(int64(len(h.connections)))
}

// ServeWS upgrades the request and keeps the client registered until it disconnects.
// The optional payer_id query parameter narrows the feed to one payer.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	select {
	case h.register <- subscription{conn: conn, payerID: r.URL.Query().Get("payer_id")}:
	case <-h.done:
		conn.Close()
		return
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}
