package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/KevinKickass/OpenDeviceCore/internal/auth"
	"github.com/KevinKickass/OpenDeviceCore/internal/backend"
	"github.com/KevinKickass/OpenDeviceCore/internal/operation"
	"go.uber.org/zap"
)

// StatusSource is what the hub mirrors to its clients.
type StatusSource interface {
	Status() backend.Status
	Subscribe() (<-chan struct{}, func())
}

type directMessage struct {
	client  *Client
	message Message
}

// Hub maintains active WebSocket clients and broadcasts messages
type Hub struct {
	clients map[*Client]bool

	broadcast  chan Message
	direct     chan directMessage
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu     sync.RWMutex
	seq    uint64
	logger *zap.Logger

	// nil disables the first-message authentication.
	authService *auth.AuthService

	source StatusSource
}

func NewHub(logger *zap.Logger, authService *auth.AuthService) *Hub {
	return &Hub{
		broadcast:   make(chan Message, 256),
		direct:      make(chan directMessage, 64),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		done:        make(chan struct{}),
		clients:     make(map[*Client]bool),
		logger:      logger,
		authService: authService,
	}
}

// Run is the hub's event loop. It returns when ctx is done, closing every
// client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket Hub started")
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
			h.logger.Info("WebSocket Hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("WebSocket client registered",
				zap.String("remote_addr", client.remoteAddr()),
				zap.Int("total_clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Info("WebSocket client unregistered",
					zap.String("remote_addr", client.remoteAddr()),
					zap.Int("total_clients", len(h.clients)))
			}
			h.mu.Unlock()

		case d := <-h.direct:
			data, err := json.Marshal(d.message)
			if err != nil {
				h.logger.Error("Failed to marshal message", zap.Error(err))
				continue
			}
			h.mu.Lock()
			if _, ok := h.clients[d.client]; ok {
				select {
				case d.client.send <- data:
				default:
					h.logger.Warn("Client send buffer full, message dropped",
						zap.String("remote_addr", d.client.remoteAddr()))
				}
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			h.seq++
			message.Seq = h.seq
			data, err := json.Marshal(message)
			if err != nil {
				h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
				h.mu.Unlock()
				continue
			}

			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					// Slow or dead client
					close(client.send)
					delete(h.clients, client)
					h.logger.Warn("Client send buffer full, unregistering",
						zap.String("remote_addr", client.remoteAddr()))
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends a message to all connected clients
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Hub broadcast channel full, message dropped",
			zap.String("message_type", string(msg.Type)))
	}
}

func (h *Hub) add(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		close(c.send)
	}
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// unicast sends msg to one registered client.
func (h *Hub) unicast(c *Client, msg Message) {
	select {
	case h.direct <- directMessage{client: c, message: msg}:
	default:
		h.logger.Warn("Hub direct channel full, message dropped",
			zap.String("message_type", string(msg.Type)))
	}
}

// Follow broadcasts the source's status on every change until ctx is done.
func (h *Hub) Follow(ctx context.Context, source StatusSource) {
	h.mu.Lock()
	h.source = source
	h.mu.Unlock()

	changes, unsubscribe := source.Subscribe()
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				h.Broadcast(NewMessage(MessageTypeBackendStatus, source.Status()))
			}
		}
	}()
}

func (h *Hub) currentStatus() (backend.Status, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.source == nil {
		return backend.Status{}, false
	}
	return h.source.Status(), true
}

func (h *Hub) OperationStarted(snap operation.Snapshot) {
	h.Broadcast(newOperationMessage(MessageTypeOperationStarted, snap))
}

func (h *Hub) OperationFinished(snap operation.Snapshot) {
	h.Broadcast(newOperationMessage(MessageTypeOperationFinished, snap))
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
