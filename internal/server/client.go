package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codefionn/mcpserver/internal/logger"
	"github.com/codefionn/mcpserver/internal/session"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var (
	errClientClosed  = errors.New("connection closed")
	errSendQueueFull = errors.New("send queue full")
)

var _ session.Channel = (*Client)(nil)

// Client is one authenticated websocket connection.
type Client struct {
	sessionID string
	sess      *session.Session
	server    *Server
	conn      *websocket.Conn
	send      chan session.Frame
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(s *Server, sessionID string, conn *websocket.Conn) *Client {
	return &Client{
		sessionID: sessionID,
		server:    s,
		conn:      conn,
		send:      make(chan session.Frame, s.opts.SendQueueSize),
		done:      make(chan struct{}),
	}
}

// Send queues a frame for the write pump without blocking.
func (c *Client) Send(frame session.Frame) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return errClientClosed
	default:
		logger.Warn("Client send queue full for session %s, dropping message", c.sessionID)
		return errSendQueueFull
	}
}

// Close stops both pumps and closes the connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// ReadPump reads frames until the connection fails. Every data frame is
// dispatched on its own goroutine so a slow command never delays the next
// read.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		if c.server.registry.Release(c.sess) {
			c.server.dispatcher.Forget(c.sessionID)
		}
		c.Close()
		c.conn.Close()
		logger.Info("Connection closed for session %s (%s)", c.sessionID, c.sess.ConnID)
	}()

	c.conn.SetReadLimit(c.server.opts.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Error("WebSocket read error for session %s: %v", c.sessionID, err)
			}
			return
		}

		frame := session.Frame{Binary: messageType == websocket.BinaryMessage, Data: data}
		go c.server.dispatch(ctx, c.sessionID, frame)
	}
}

// WritePump drains the send queue onto the connection and keeps it alive
// with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			messageType := websocket.TextMessage
			if frame.Binary {
				messageType = websocket.BinaryMessage
			}
			if err := c.conn.WriteMessage(messageType, frame.Data); err != nil {
				logger.Error("Failed to write message for session %s: %v", c.sessionID, err)
				c.Close()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
