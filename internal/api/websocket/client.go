package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/analogdevicesinc/libm2k-sub001/internal/auth"
	"github.com/analogdevicesinc/libm2k-sub001/internal/stream"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	authWait       = 10 * time.Second
	maxMessageSize = 8192
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API is token protected, browsers on any origin may connect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	logger     *zap.Logger
	remoteAddr string

	mu        sync.Mutex
	closed    bool
	principal *auth.Principal
	sources   map[stream.Source]bool
}

func (c *Client) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) enqueue(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}
	if !c.trySend(data) {
		c.logger.Debug("Dropped message for client", zap.String("remote_addr", c.remoteAddr))
	}
}

// subscribed reports whether frames of src go to this client. A client
// without an explicit subscription receives every source.
func (c *Client) subscribed(src stream.Source) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sources == nil || c.sources[src]
}

func (c *Client) authenticate(p *auth.Principal) {
	c.mu.Lock()
	c.principal = p
	c.mu.Unlock()
	c.enqueue(NewMessage(MessageTypeAuthSuccess, fields{"permissions": p.Permissions}))
	c.logger.Info("WebSocket client authenticated",
		zap.String("remote_addr", c.remoteAddr),
		zap.String("principal", p.Username))
}

type fields = map[string]any

// readPump owns the reads. On exit it closes the send queue, which lets
// writePump flush what is queued and close the connection.
func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.closeSend()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.mu.Lock()
	authenticated := c.principal != nil
	c.mu.Unlock()
	if authenticated {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
	} else {
		c.conn.SetReadDeadline(time.Now().Add(authWait))
	}
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error",
					zap.Error(err),
					zap.String("remote_addr", c.remoteAddr))
			}
			return
		}

		if !authenticated {
			if msg.Type != "auth" || msg.Token == "" {
				c.enqueue(NewMessage(MessageTypeAuthFailed, fields{"reason": "first message must be authentication"}))
				return
			}
			p, err := c.hub.auth.Authenticate(context.Background(), msg.Token, c.remoteAddr, "")
			if err != nil {
				c.logger.Warn("WebSocket authentication failed",
					zap.Error(err),
					zap.String("remote_addr", c.remoteAddr))
				c.enqueue(NewMessage(MessageTypeAuthFailed, fields{"reason": "invalid or expired token"}))
				return
			}
			authenticated = true
			c.conn.SetReadDeadline(time.Now().Add(pongWait))
			c.authenticate(p)
			if !c.hub.join(c) {
				return
			}
			continue
		}

		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg ClientMessage) {
	switch msg.Type {
	case "subscribe":
		c.mu.Lock()
		c.sources = make(map[stream.Source]bool, len(msg.Sources))
		for _, s := range msg.Sources {
			c.sources[s] = true
		}
		c.mu.Unlock()
		c.enqueue(NewMessage(MessageTypeSubscribed, fields{"sources": msg.Sources}))
	case "unsubscribe":
		c.mu.Lock()
		if c.sources == nil {
			c.sources = map[stream.Source]bool{stream.SourceAnalog: true, stream.SourceDigital: true}
		}
		for _, s := range msg.Sources {
			delete(c.sources, s)
		}
		remaining := make([]stream.Source, 0, len(c.sources))
		for s := range c.sources {
			remaining = append(remaining, s)
		}
		c.mu.Unlock()
		c.enqueue(NewMessage(MessageTypeSubscribed, fields{"sources": remaining}))
	default:
		c.enqueue(NewMessage(MessageTypeError, fields{"reason": "unknown message type " + msg.Type}))
	}
}

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
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// one JSON document per websocket message
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

// ServeWs upgrades the request. A caller already authenticated by a token
// query parameter, or any caller when authentication is off, joins at once;
// everyone else must send an auth message first.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	var principal *auth.Principal
	if !hub.auth.Enabled() {
		principal, _ = hub.auth.Authenticate(r.Context(), "", "", "")
	} else if token := r.URL.Query().Get("access_token"); token != "" {
		p, err := hub.auth.Authenticate(r.Context(), token, r.RemoteAddr, r.UserAgent())
		if err != nil {
			http.Error(w, "invalid or expired token", http.StatusUnauthorized)
			return
		}
		principal = p
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade error",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	c := &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBufferSize),
		logger:     hub.logger,
		remoteAddr: conn.RemoteAddr().String(),
	}
	go c.writePump()
	if principal != nil {
		c.authenticate(principal)
		if !hub.join(c) {
			c.closeSend()
			return
		}
	}
	go c.readPump()
}
