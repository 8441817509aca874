package main

import (
	"encoding/json"
	"net/http"
	"net/url"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/grangeworks/farmbook/internal/bus"
	"github.com/grangeworks/farmbook/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The daemon serves the local UI shell only: browser pages from
		// anywhere else must not reach the event socket. Non-browser
		// clients send no Origin header.
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		switch u.Hostname() {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
		return false
	},
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

// envelope wraps every outbound WebSocket message.
type envelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// hub fans bus events out to connected WebSocket clients. It subscribes
// to the event bus once; per-client send buffers absorb slow readers and
// a full buffer drops the client.
type hub struct {
	mu          stdsync.RWMutex
	clients     map[string]*wsClient
	unsubscribe func()
	closed      bool
}

func newHub(b *bus.Bus) *hub {
	h := &hub{clients: make(map[string]*wsClient)}
	h.unsubscribe = b.Subscribe(func(evt bus.Event) {
		h.broadcast(evt)
	})
	return h
}

func (h *hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.unsubscribe()
	for id, c := range h.clients {
		close(c.send)
		delete(h.clients, id)
	}
}

func (h *hub) broadcast(evt bus.Event) {
	msg, err := json.Marshal(envelope{
		Type:      evt.Type,
		Data:      evt.Payload,
		Timestamp: evt.Timestamp.UnixMilli(),
	})
	if err != nil {
		logging.Error("failed to encode ws event", err, map[string]interface{}{
			"type": evt.Type,
		})
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			close(c.send)
			delete(h.clients, id)
			logging.Warn("dropped slow ws client", map[string]interface{}{"client": id})
		}
	}
}

func (h *hub) add(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.id] = c
	return true
}

func (h *hub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[id]; ok {
		close(c.send)
		delete(h.clients, id)
	}
}

func (h *hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("ws upgrade failed", err, nil)
		return
	}

	c := &wsClient{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, 64),
	}
	if !h.add(c) {
		conn.Close()
		return
	}
	logging.Debug("ws client connected", map[string]interface{}{"client": c.id})

	go c.writePump()
	go c.readPump(h)
}

// writePump drains the send buffer and keeps the connection alive.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

// readPump discards inbound frames; the UI only listens. It exists to
// observe close frames and pong responses.
func (c *wsClient) readPump(h *hub) {
	defer func() {
		h.remove(c.id)
		c.conn.Close()
		logging.Debug("ws client disconnected", map[string]interface{}{"client": c.id})
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
