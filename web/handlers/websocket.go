package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/charmbracelet/log"
	"nhooyr.io/websocket"
)

// WebSocketHub manages websocket connections and broadcasts pipeline
// progress events to all of them.
type WebSocketHub struct {
	clients    map[clientInterface]bool
	broadcast  chan any
	register   chan clientInterface
	unregister chan clientInterface
	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
}

// clientInterface allows both real connections and test doubles.
type clientInterface interface {
	getSendChannel() chan []byte
	close()
}

// Client is one websocket subscriber.
type Client struct {
	hub  *WebSocketHub
	conn *websocket.Conn
	send chan []byte
}

func (c *Client) getSendChannel() chan []byte { return c.send }

func (c *Client) close() {
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	}
}

// NewWebSocketHub creates a hub. Call Run in a goroutine to start it.
func NewWebSocketHub() *WebSocketHub {
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocketHub{
		clients:    make(map[clientInterface]bool),
		broadcast:  make(chan any, 256),
		register:   make(chan clientInterface),
		unregister: make(chan clientInterface),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run processes registrations and broadcasts until Stop is called.
func (h *WebSocketHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Debug("handlers: websocket client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.getSendChannel())
			}
			h.mu.Unlock()
			log.Debug("handlers: websocket client disconnected")

		case message := <-h.broadcast:
			// Full lock because slow clients get dropped from the map.
			h.mu.Lock()
			data, err := json.Marshal(message)
			if err != nil {
				log.Error("handlers: failed to marshal websocket message", "err", err)
				h.mu.Unlock()
				continue
			}
			for client := range h.clients {
				sendChan := client.getSendChannel()
				select {
				case sendChan <- data:
				default:
					close(sendChan)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()

		case <-h.ctx.Done():
			return
		}
	}
}

// Stop shuts the hub down and closes every client.
func (h *WebSocketHub) Stop() {
	h.cancel()

	h.mu.Lock()
	for client := range h.clients {
		close(client.getSendChannel())
		client.close()
	}
	h.clients = make(map[clientInterface]bool)
	h.mu.Unlock()
}

// Broadcast queues a message for all clients, dropping it when the queue is
// full rather than blocking the pipeline.
func (h *WebSocketHub) Broadcast(message any) {
	select {
	case h.broadcast <- message:
	default:
		log.Warn("handlers: websocket broadcast channel full, dropping message")
	}
}

// Register adds a client to the hub.
func (h *WebSocketHub) Register(client clientInterface) { h.register <- client }

// Unregister removes a client from the hub.
func (h *WebSocketHub) Unregister(client clientInterface) { h.unregister <- client }

// HandleWebSocket upgrades the request and streams broadcasts to the client.
func (h *WebSocketHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // same-host UI; no cross-origin surface
	})
	if err != nil {
		log.Warn("handlers: websocket accept failed", "err", err)
		return
	}

	client := &Client{hub: h, conn: conn, send: make(chan []byte, 64)}
	h.Register(client)

	go client.writePump(r.Context())
	client.readPump()
}

func (c *Client) writePump(ctx context.Context) {
	defer c.close()
	for message := range c.send {
		if err := c.conn.Write(ctx, websocket.MessageText, message); err != nil {
			return
		}
	}
}

// readPump discards inbound frames; the feed is one-way. It exists to notice
// the client going away.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.close()
	}()
	for {
		if _, _, err := c.conn.Read(context.Background()); err != nil {
			return
		}
	}
}
