// Package websocket pushes live frames and instrument state to browser
// clients.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/analogdevicesinc/libm2k-sub001/internal/auth"
	"github.com/analogdevicesinc/libm2k-sub001/internal/stream"
	"go.uber.org/zap"
)

// StatusProvider supplies the system_status snapshot sent to new clients.
type StatusProvider interface {
	Status(ctx context.Context) any
}

// Hub maintains the connected clients and broadcasts messages to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu     sync.RWMutex
	logger *zap.Logger
	auth   *auth.Service
	status StatusProvider
}

func NewHub(logger *zap.Logger, authService *auth.Service) *Hub {
	return &Hub{
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		logger:     logger,
		auth:       authService,
	}
}

func (h *Hub) SetStatusProvider(p StatusProvider) {
	h.status = p
}

// Run is the hub event loop. It closes every client when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer func() {
		close(h.done)
		h.mu.Lock()
		for c := range h.clients {
			delete(h.clients, c)
			c.closeSend()
		}
		h.mu.Unlock()
		h.logger.Info("WebSocket hub stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("WebSocket client registered",
				zap.String("remote_addr", c.remoteAddr),
				zap.Int("total_clients", n))
			if h.status != nil {
				c.enqueue(NewSystemStatusMessage(h.status.Status(ctx)))
			}

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.closeSend()
				h.logger.Info("WebSocket client unregistered",
					zap.String("remote_addr", c.remoteAddr),
					zap.Int("total_clients", len(h.clients)))
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
				continue
			}
			h.mu.Lock()
			for c := range h.clients {
				if msg.source != "" && !c.subscribed(msg.source) {
					continue
				}
				if !c.trySend(data) {
					// slow or dead client
					c.closeSend()
					delete(h.clients, c)
					h.logger.Warn("Client send buffer full, unregistering",
						zap.String("remote_addr", c.remoteAddr))
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Broadcast queues msg for every client. It never blocks; a full queue
// drops the message.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Hub broadcast channel full, message dropped",
			zap.String("message_type", string(msg.Type)))
	}
}

// Forward relays the frames of a session until it ends, then announces the
// end.
func (h *Hub) Forward(s *stream.Session) {
	sub, err := s.Subscribe()
	if err != nil {
		h.logger.Debug("Session ended before forwarding", zap.String("session", s.ID().String()))
		h.Broadcast(NewStreamEndedMessage(s.Info()))
		return
	}
	go func() {
		for f := range sub.C {
			h.Broadcast(NewFrameMessage(f))
		}
		<-s.Done()
		h.Broadcast(NewStreamEndedMessage(s.Info()))
	}()
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
