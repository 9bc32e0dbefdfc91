// Package ws broadcasts gateway events to connected operator UIs. This is
// how QR codes and connection changes reach a frontend without polling.
package ws

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"gowa-gateway/internal/model"
)

// Client is one WebSocket connection to a frontend.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// Buffered; the write pump drains it. A client that cannot keep up is
	// disconnected rather than allowed to block the hub.
	send chan model.Event
}

// Hub tracks all connected clients and fans events out to them.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan model.Event
	log        zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan model.Event, 256),
		log:        log,
	}
}

// Run must be started in its own goroutine before any client connects.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}

		case event := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- event:
				default:
					// Slow consumer: drop the connection, not the event flow.
					close(client.send)
					delete(h.clients, client)
				}
			}
		}
	}
}

func (h *Hub) Register(client *Client) {
	h.register <- client
}

func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Publish implements dispatch.RealtimePublisher. Never blocks the caller;
// when the hub buffer is full the event is dropped for realtime consumers
// only (webhook delivery is unaffected).
func (h *Hub) Publish(event model.Event) {
	select {
	case h.broadcast <- event:
	default:
		h.log.Warn().Str("event_id", event.ID).Msg("Realtime buffer full, event not broadcast")
	}
}

func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:  hub,
		conn: conn,
		send: make(chan model.Event, 256),
	}
}

// WritePump sends events from the client's buffer to the connection.
func (c *Client) WritePump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	for event := range c.send {
		payload, err := json.Marshal(event)
		if err != nil {
			c.hub.log.Error().Err(err).Msg("Failed to marshal event for websocket")
			continue
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

// ReadPump consumes (and discards) client frames so pings and close frames
// are processed.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(15 * time.Minute))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(15 * time.Minute))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
