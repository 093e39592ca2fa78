package websocket

import (
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/KevinKickass/OpenDeviceCore/internal/auth"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Time allowed for the auth message
	authWait = 10 * time.Second

	maxMessageSize = 8192
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API is bearer-token authenticated, not cookie based.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client represents a WebSocket client connection
type Client struct {
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	logger        *zap.Logger
	authenticated bool
	permissions   []auth.Permission
}

func (c *Client) remoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// readPump handles reading messages from the WebSocket connection. With
// auth enabled the first message must be {"type":"auth","token":...}.
func (c *Client) readPump() {
	defer func() {
		if c.authenticated {
			c.hub.remove(c)
			c.conn.Close()
			return
		}
		// Never registered: the write pump flushes auth_failed and closes.
		close(c.send)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if c.authenticated {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
	} else {
		c.conn.SetReadDeadline(time.Now().Add(authWait))
	}
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var req clientRequest
		if err := c.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error",
					zap.Error(err),
					zap.String("remote_addr", c.remoteAddr()))
			}
			return
		}

		if !c.authenticated {
			if !c.authenticate(req) {
				return
			}
			c.hub.add(c)
			continue
		}

		c.handleMessage(req)
	}
}

func (c *Client) authenticate(req clientRequest) bool {
	if req.Type != requestAuth {
		c.reply(NewMessage(MessageTypeAuthFailed, authData{Reason: "First message must be authentication"}))
		return false
	}
	if req.Token == "" {
		c.reply(NewMessage(MessageTypeAuthFailed, authData{Reason: "Missing token in auth message"}))
		return false
	}

	permissions, err := c.hub.authService.ValidateToken(req.Token, c.remoteAddr())
	if err != nil {
		c.logger.Warn("WebSocket authentication failed",
			zap.Error(err),
			zap.String("remote_addr", c.remoteAddr()))
		c.reply(NewMessage(MessageTypeAuthFailed, authData{Reason: "Invalid or expired token"}))
		return false
	}

	c.authenticated = true
	c.permissions = permissions
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.reply(NewMessage(MessageTypeAuthSuccess, authData{Permissions: permissions}))

	c.logger.Info("WebSocket client authenticated",
		zap.String("remote_addr", c.remoteAddr()),
		zap.Any("permissions", permissions))
	return true
}

func (c *Client) handleMessage(req clientRequest) {
	switch req.Type {
	case requestGetStatus:
		if c.hub.authService != nil && !slices.Contains(c.permissions, auth.PermOperator) {
			c.hub.unicast(c, NewMessage(MessageTypeError, "insufficient permissions"))
			return
		}
		status, ok := c.hub.currentStatus()
		if !ok {
			c.hub.unicast(c, NewMessage(MessageTypeError, "no backend attached"))
			return
		}
		c.hub.unicast(c, NewMessage(MessageTypeBackendStatus, status))
	default:
		c.logger.Debug("Unknown client message",
			zap.String("remote_addr", c.remoteAddr()),
			zap.String("type", req.Type))
		c.hub.unicast(c, NewMessage(MessageTypeError, "unknown message type "+req.Type))
	}
}

// reply writes to a client the hub does not know yet.
func (c *Client) reply(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to marshal reply", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("Client send buffer full, reply dropped",
			zap.String("remote_addr", c.remoteAddr()))
	}
}

// writePump handles writing messages to the WebSocket connection
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

// ServeWs handles WebSocket upgrade requests. Without an auth service the
// client is registered right away.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade error",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, sendBufferSize),
		logger:        hub.logger,
		authenticated: hub.authService == nil,
	}

	if client.authenticated {
		hub.add(client)
	}

	go client.writePump()
	go client.readPump()
}
