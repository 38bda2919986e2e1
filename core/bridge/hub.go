// Package bridge streams bus events to WebSocket clients so dashboards can
// watch sensor readings, actuator changes, and irrigation progress live.
package bridge

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sysgrow/sysgrow/core/bus"
	"github.com/sysgrow/sysgrow/core/observability"
)

const (
	maxConnections = 200
	writeTimeout   = 5 * time.Second
)

// wireEvent is the JSON frame sent to clients.
type wireEvent struct {
	Topic       string      `json:"topic"`
	UnitID      string      `json:"unit_id,omitempty"`
	Payload     interface{} `json:"payload"`
	PublishedAt time.Time   `json:"published_at"`
}

type registration struct {
	conn   *websocket.Conn
	unitID string // "" subscribes to all units
}

// Hub fans bus events out to WebSocket clients. Single broadcaster pattern:
// one goroutine owns the client map and all writes.
type Hub struct {
	clients    map[*websocket.Conn]string
	register   chan registration
	unregister chan *websocket.Conn
	events     chan bus.Event
	mu         sync.RWMutex

	tokens []bus.Token
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]string),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
		events:     make(chan bus.Event, 256),
	}
}

// Subscribe attaches the hub to every client-visible topic.
func (h *Hub) Subscribe(b *bus.Bus) {
	topics := []bus.Topic{
		bus.TopicSensorEnvUpdate,
		bus.TopicSensorPlantUpdate,
		bus.TopicActuatorStateChanged,
		bus.TopicRequestCreated,
		bus.TopicRequestApproved,
		bus.TopicRequestDelayed,
		bus.TopicRequestCancelled,
		bus.TopicRequestExecuted,
		bus.TopicRequestExpired,
		bus.TopicSystemHealth,
	}
	for _, topic := range topics {
		h.tokens = append(h.tokens, b.Subscribe(topic, "bridge", func(ev bus.Event) {
			select {
			case h.events <- ev:
			default:
				// The broadcaster is behind; dashboards tolerate gaps.
			}
		}))
	}
}

// Run is the hub's main loop. It owns the client map until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case reg := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxConnections {
				h.mu.Unlock()
				reg.conn.Close()
				log.Printf("bridge: connection rejected, cap %d reached", maxConnections)
				continue
			}
			h.clients[reg.conn] = reg.unitID
			total := len(h.clients)
			h.mu.Unlock()
			observability.BridgeClients.Set(float64(total))
			log.Printf("bridge: client registered (unit=%q), total %d", reg.unitID, total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			observability.BridgeClients.Set(float64(total))

		case ev := <-h.events:
			h.broadcast(ev)
		}
	}
}

func (h *Hub) broadcast(ev bus.Event) {
	frame := wireEvent{
		Topic:       string(ev.Topic),
		UnitID:      ev.UnitID,
		Payload:     ev.Payload,
		PublishedAt: ev.PublishedAt,
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn, unitFilter := range h.clients {
		if unitFilter != "" && ev.UnitID != "" && ev.UnitID != unitFilter {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(frame); err != nil {
			log.Printf("bridge: write error: %v", err)
			go h.Unregister(conn)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	log.Printf("bridge: shutting down with %d clients", len(h.clients))
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]string)
	observability.BridgeClients.Set(0)
}

// Register adds a client; unitID "" receives every unit's events.
func (h *Hub) Register(conn *websocket.Conn, unitID string) {
	h.register <- registration{conn: conn, unitID: unitID}
}

// Unregister removes a client connection.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Handler upgrades an HTTP request into an event-stream connection. The
// optional ?unit= query parameter filters to one unit.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("bridge: upgrade failed: %v", err)
			return
		}
		h.Register(conn, r.URL.Query().Get("unit"))

		// Read pump: we ignore client frames but need reads to detect close.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					h.Unregister(conn)
					return
				}
			}
		}()
	}
}
