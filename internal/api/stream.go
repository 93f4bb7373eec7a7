package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RealtimeEvent is the envelope broadcast to every connected client.
type RealtimeEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// HubStats is the hub's counter snapshot for the monitoring endpoint.
type HubStats struct {
	Clients   int   `json:"clients"`
	Sent      int64 `json:"sent"`
	Dropped   int64 `json:"dropped"`
	Broadcast int64 `json:"broadcast"`
}

// Hub manages WebSocket clients and fans events out to them.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	done       chan struct{}
	mu         sync.RWMutex
	stats      HubStats
	logger     *slog.Logger
}

// Client is one connected WebSocket subscriber.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
		logger:     logger.With("component", "ws_hub"),
	}
}

// Run is the hub's main loop; call in a goroutine. Returns when ctx ends.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.stats.Clients = len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", "count", h.Stats().Clients)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.stats.Clients = len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", "count", h.Stats().Clients)

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
					h.stats.Sent++
				default:
					// Client can't keep up, drop it.
					close(client.send)
					delete(h.clients, client)
					h.stats.Dropped++
				}
			}
			h.stats.Clients = len(h.clients)
			h.mu.Unlock()
		}
	}
}

// PublishPositionUpdate tells clients a position changed; they refetch the
// detail over REST.
func (h *Hub) PublishPositionUpdate(positionID string) {
	h.publish(RealtimeEvent{
		Type:      "position_update",
		Timestamp: time.Now().UTC(),
		Data:      map[string]string{"position_id": positionID},
	})
}

// PublishRiskUpdate broadcasts a risk-state change.
func (h *Hub) PublishRiskUpdate(snapshot any) {
	h.publish(RealtimeEvent{
		Type:      "risk_update",
		Timestamp: time.Now().UTC(),
		Data:      snapshot,
	})
}

func (h *Hub) publish(evt RealtimeEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("failed to marshal realtime event", "type", evt.Type, "error", err)
		return
	}

	h.mu.Lock()
	h.stats.Broadcast++
	h.mu.Unlock()

	select {
	case h.broadcast <- data:
	case <-h.done:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "type", evt.Type)
	}
}

// Stats returns the hub counters.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stats
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
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
				// Hub closed the channel.
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

// readPump drains the connection so pongs are processed; the stream is
// server-to-client only.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("websocket closed", "error", err)
			}
			break
		}
	}
}

// NewClient registers a connection with the hub and starts its pumps.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	client := &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, 64),
	}

	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return client
	}

	go client.writePump()
	go client.readPump()
	return client
}
