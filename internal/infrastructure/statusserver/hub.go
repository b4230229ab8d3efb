package statusserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pocketwalk/pocketwalk/internal/domain/pocketwalk"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // local-only observability surface
	},
}

const writeTimeout = 5 * time.Second

// client is one websocket subscriber.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub fans each tick's snapshot out to every connected subscriber.
type Hub struct {
	mu         sync.RWMutex
	clients    map[string]*client
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	logger     *zap.Logger
}

// NewHub returns an empty hub; Run must be driven on its own goroutine.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*client),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 8),
		logger:     logger,
	}
}

// Run owns the client set until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, c := range h.clients {
				close(c.send)
				delete(h.clients, c.id)
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			h.mu.Unlock()
			h.logger.Info("status subscriber connected", zap.String("client_id", c.id))
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info("status subscriber disconnected", zap.String("client_id", c.id))
		case message := <-h.broadcast:
			h.mu.RLock()
			for _, c := range h.clients {
				select {
				case c.send <- message:
				default:
					// slow subscriber, drop this frame for it
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast queues a snapshot for every subscriber.
func (h *Hub) Broadcast(snapshot pocketwalk.StatusSnapshot) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		h.logger.Error("encoding status snapshot", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// nobody draining; the next tick's snapshot supersedes this one
	}
}

// Serve upgrades the request and pumps snapshots until the peer leaves.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 8),
	}
	h.register <- c

	go func() {
		defer conn.Close()
		for message := range c.send {
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.unregister <- c
				return
			}
		}
	}()

	// drain reads so pings and close frames are processed
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.unregister <- c
				return
			}
		}
	}()
}
