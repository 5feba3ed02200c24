package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// MaxReconnectAttempts bounds the reconnection loop after an unexpected
	// connection loss.
	MaxReconnectAttempts = 5

	// reconnectBaseDelay is the first backoff step; each attempt doubles it.
	reconnectBaseDelay = 500 * time.Millisecond

	// writeTimeout caps how long a single frame write may block.
	writeTimeout = 10 * time.Second
)

// WebSocketChannel implements Channel over a WebSocket connection.
// It reconnects with bounded exponential backoff when the connection drops
// unexpectedly; exhausting the attempts surfaces through the error handler
// followed by the close handler.
type WebSocketChannel struct {
	url    string
	dialer *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	opened bool
	closed bool

	messageHandler MessageHandler
	closeHandler   CloseHandler
	errorHandler   ErrorHandler

	done chan struct{}
}

// NewWebSocketChannel creates a channel that will dial the given URL.
func NewWebSocketChannel(url string) *WebSocketChannel {
	return &WebSocketChannel{
		url:    url,
		dialer: websocket.DefaultDialer,
		done:   make(chan struct{}),
	}
}

// SetMessageHandler registers the inbound frame handler.
func (c *WebSocketChannel) SetMessageHandler(h MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageHandler = h
}

// SetCloseHandler registers the close notification handler.
func (c *WebSocketChannel) SetCloseHandler(h CloseHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeHandler = h
}

// SetErrorHandler registers the failure notification handler.
func (c *WebSocketChannel) SetErrorHandler(h ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorHandler = h
}

// Open dials the endpoint and starts the read loop.
func (c *WebSocketChannel) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.opened {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.opened = true
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Open",
		"url":      c.url,
	}).Info("WebSocket channel opened")

	go c.readLoop(conn)
	return nil
}

// Send transmits one binary frame.
func (c *WebSocketChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrChannelClosed
	}
	if !c.opened || c.conn == nil {
		return ErrChannelNotOpen
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close shuts the channel down and stops reconnection.
func (c *WebSocketChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	close(c.done)

	if conn != nil {
		// Best-effort close frame; the peer may already be gone.
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		return conn.Close()
	}
	return nil
}

// readLoop pumps inbound frames to the message handler until the connection
// fails, then hands off to the reconnect path.
func (c *WebSocketChannel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleReadFailure(err)
			return
		}

		c.mu.Lock()
		handler := c.messageHandler
		c.mu.Unlock()

		if handler != nil {
			handler(data)
		}
	}
}

// handleReadFailure attempts reconnection with exponential backoff. The
// session above is not resumed; only reachability is restored.
func (c *WebSocketChannel) handleReadFailure(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "handleReadFailure",
		"url":      c.url,
		"error":    cause.Error(),
	}).Warn("WebSocket connection lost, attempting reconnect")

	delay := reconnectBaseDelay
	for attempt := 1; attempt <= MaxReconnectAttempts; attempt++ {
		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}

		conn, _, err := c.dialer.Dial(c.url, nil)
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()

			logrus.WithFields(logrus.Fields{
				"function": "handleReadFailure",
				"url":      c.url,
				"attempt":  attempt,
			}).Info("WebSocket reconnected")

			go c.readLoop(conn)
			return
		}

		logrus.WithFields(logrus.Fields{
			"function": "handleReadFailure",
			"url":      c.url,
			"attempt":  attempt,
			"error":    err.Error(),
		}).Warn("Reconnect attempt failed")

		delay *= 2
	}

	c.mu.Lock()
	c.closed = true
	errorHandler := c.errorHandler
	closeHandler := c.closeHandler
	c.mu.Unlock()

	if errorHandler != nil {
		errorHandler(fmt.Errorf("reconnect attempts exhausted: %w", cause))
	}
	if closeHandler != nil {
		closeHandler()
	}
}
