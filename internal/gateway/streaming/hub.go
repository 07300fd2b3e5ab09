// Package streaming fans control-plane events out to UI WebSocket
// clients. Everything published under task.>, device.> and port.> on
// the bus is relayed verbatim; clients route on the event type and the
// ids inside the payload.
package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/autofleet/autofleet/internal/common/logger"
	"github.com/autofleet/autofleet/internal/events/bus"
)

// relayedSubjects are the bus patterns mirrored to UI clients.
var relayedSubjects = []string{"task.>", "device.>", "port.>"}

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub tracks UI clients and relays bus traffic to them. A client that
// stops draining its buffer is dropped; the UI reconnects and re-reads
// current state over HTTP.
type Hub struct {
	bus bus.EventBus
	log *logger.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	subs    []bus.Subscription
	running bool
}

// NewHub creates the event stream hub around the given bus.
func NewHub(eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		bus:     eventBus,
		clients: make(map[*client]struct{}),
		log:     log.WithComponent("streaming"),
	}
}

// Start subscribes the hub to the relayed subjects.
func (h *Hub) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return nil
	}
	for _, subject := range relayedSubjects {
		sub, err := h.bus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
			h.broadcast(event)
			return nil
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		h.subs = append(h.subs, sub)
	}
	h.running = true
	return nil
}

// Stop unsubscribes from the bus and closes every client.
func (h *Hub) Stop() {
	h.mu.Lock()
	subs := h.subs
	h.subs = nil
	h.running = false
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	for _, c := range clients {
		c.close()
	}
}

// SetupRoutes adds the event stream endpoint to the Gin engine.
func (h *Hub) SetupRoutes(router *gin.Engine) {
	router.GET("/ws/events", h.HandleEvents)
}

// HandleEvents upgrades a UI client and streams events to it until it
// disconnects or falls behind.
func (h *Hub) HandleEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(h, conn)
	h.add(client)

	go client.writePump()
	client.readPump()
}

// broadcast delivers one event to every connected client. A client
// whose buffer is full is dropped on the spot rather than allowed to
// stall the stream.
func (h *Hub) broadcast(event *bus.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error("marshal stream event", zap.Error(err))
		return
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if !c.trySend(data) {
			h.log.Warn("dropping slow event stream client", zap.String("client_id", c.id))
			h.remove(c)
			c.close()
		}
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("event stream client connected",
		zap.String("client_id", c.id),
		zap.Int("clients", n))
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
