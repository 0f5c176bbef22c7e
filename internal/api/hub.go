package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"classwatch/internal/model"
)

const (
	writeWait     = 10 * time.Second
	pingPeriod    = 50 * time.Second
	pongWait      = 60 * time.Second
	clientBuffer  = 64
	hubBacklog    = 256
	maxClientRead = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dashboards are served from other origins on the local network.
	CheckOrigin: func(*http.Request) bool { return true },
}

type message struct {
	typ  model.EventType
	data []byte
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	// types restricts delivery when non-empty.
	types map[model.EventType]struct{}
}

func (c *client) wants(typ model.EventType) bool {
	if len(c.types) == 0 {
		return true
	}
	_, ok := c.types[typ]
	return ok
}

// Hub fans session events out to websocket clients. Broadcast never blocks
// the caller; a client that cannot keep up is disconnected.
type Hub struct {
	logger     *slog.Logger
	clients    map[*client]struct{}
	broadcast  chan message
	register   chan *client
	unregister chan *client
	done       chan struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:     logger,
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan message, hubBacklog),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
}

// Run serves the hub until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
			if h.logger != nil {
				h.logger.Debug("websocket client connected", "remote", c.conn.RemoteAddr().String(), "clients", len(h.clients))
			}
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				if h.logger != nil {
					h.logger.Debug("websocket client disconnected", "clients", len(h.clients))
				}
			}
		case msg := <-h.broadcast:
			for c := range h.clients {
				if !c.wants(msg.typ) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					delete(h.clients, c)
					close(c.send)
					if h.logger != nil {
						h.logger.Warn("websocket client too slow, disconnecting")
					}
				}
			}
		}
	}
}

// Broadcast is shaped as an event log listener.
func (h *Hub) Broadcast(ev model.SessionEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		if h.logger != nil {
			h.logger.Error("encode event for websocket", "event_id", ev.ID, "err", err)
		}
		return
	}
	select {
	case h.broadcast <- message{typ: ev.Type, data: data}:
	default:
		if h.logger != nil {
			h.logger.Warn("websocket backlog full, dropping event", "event_id", ev.ID)
		}
	}
}

// ServeWS upgrades the request and streams events. The optional type query
// parameter, repeatable, limits the stream to those event types.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.logger != nil {
			h.logger.Warn("websocket upgrade failed", "err", err)
		}
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, clientBuffer)}
	if types := r.URL.Query()["type"]; len(types) > 0 {
		c.types = make(map[model.EventType]struct{}, len(types))
		for _, t := range types {
			c.types[model.EventType(t)] = struct{}{}
		}
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// readPump discards client frames and notices when the peer goes away.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxClientRead)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
