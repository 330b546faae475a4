package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vedranjukic/apex/internal/events"
	"github.com/vedranjukic/apex/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// Client is one browser connection.
type Client struct {
	ID     string
	UserID string

	conn    *websocket.Conn
	hub     *Hub
	gateway *Gateway
	send    chan []byte

	// sandbox ids this client is subscribed to; owned by the hub's lock
	subscriptions map[string]bool

	projectSub *events.Subscriber

	log *logger.Logger
}

func newClient(id, userID string, conn *websocket.Conn, hub *Hub, gw *Gateway, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		UserID:        userID,
		conn:          conn,
		hub:           hub,
		gateway:       gw,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]bool),
		log:           log.With("client_id", id),
	}
}

// Send marshals and queues one message; full buffers drop the message.
func (c *Client) Send(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error("failed to marshal message", "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// SendError sends a structured error envelope for one operation. The socket
// stays up; a failed operation never costs the connection.
func (c *Client) SendError(resultType, msg string) {
	c.Send(map[string]string{"type": resultType, "error": msg})
}

// readPump consumes client messages and dispatches them until the
// connection drops.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		if c.projectSub != nil {
			c.gateway.broker.Unsubscribe(c.projectSub)
		}
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read error", "error", err)
			}
			return
		}
		c.gateway.dispatch(ctx, c, data)
	}
}

// writePump flushes queued messages and keeps the connection alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

// projectEventPump forwards the user's project lifecycle events
// (project_created|updated|deleted) onto the connection.
func (c *Client) projectEventPump() {
	for event := range c.projectSub.Events {
		c.Send(map[string]interface{}{
			"type": string(event.Type),
			"data": json.RawMessage(event.Data),
		})
	}
}
