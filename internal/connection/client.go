package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rickgao/helpdesk-realtime/internal/model"
	"github.com/rickgao/helpdesk-realtime/internal/version"
)

// Client represents a single WebSocket connection to the push hub.
type Client interface {
	// Connect establishes the WebSocket connection.
	Connect(ctx context.Context) error

	// Close sends a close frame with code and closes the socket.
	Close(code int, reason string) error

	// Send writes one text frame.
	Send(data []byte) error

	// Messages returns inbound frames in arrival order. The channel is
	// closed when the socket ends, after the last frame.
	Messages() <-chan []byte

	// CloseEvent reports how the socket ended. Valid once Messages is closed.
	CloseEvent() CloseEvent
}

// client implements the Client interface.
type client struct {
	cfg    ClientConfig
	logger *slog.Logger

	conn *websocket.Conn

	messages chan []byte
	done     chan struct{}

	// Write serialization
	writeMu sync.Mutex

	// State
	mu          sync.RWMutex
	connected   bool
	closed      bool
	lastFrameAt time.Time
	closeEvent  *CloseEvent
}

// NewClient creates a new WebSocket client.
func NewClient(cfg ClientConfig, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1
	}

	return &client{
		cfg:      cfg,
		logger:   logger,
		messages: make(chan []byte, cfg.BufferSize),
		done:     make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection.
func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	c.mu.Unlock()

	header := http.Header{}
	header.Set("Accept", "application/json")
	header.Set("User-Agent", version.UserAgent())

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.lastFrameAt = time.Now()
	c.mu.Unlock()

	// Protocol-level pings from the hub count as liveness too.
	conn.SetPingHandler(func(data string) error {
		c.touch()
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})

	go c.readLoop()
	if c.cfg.PingInterval > 0 {
		go c.heartbeatLoop()
	}

	c.logger.Debug("websocket connected", "url", c.cfg.URL)

	return nil
}

// Close gracefully closes the connection.
func (c *client) Close(code int, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	if c.closeEvent == nil {
		c.closeEvent = &CloseEvent{Code: code, Reason: reason}
	}
	conn := c.conn
	c.mu.Unlock()

	close(c.done)

	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	err := conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.logger.Debug("close frame not sent", "error", err)
	}

	return conn.Close()
}

// Send writes raw bytes to the connection.
func (c *client) Send(data []byte) error {
	c.mu.RLock()
	if !c.connected {
		c.mu.RUnlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.RUnlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Messages returns the inbound frame channel.
func (c *client) Messages() <-chan []byte {
	return c.messages
}

// CloseEvent returns how the socket ended.
func (c *client) CloseEvent() CloseEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closeEvent == nil {
		return CloseEvent{Code: CloseAbnormal}
	}
	return *c.closeEvent
}

// readLoop reads frames until the socket fails or is closed, then closes messages.
func (c *client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		close(c.messages)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.recordClose(closeEventFromError(err))
			return
		}
		c.touch()

		select {
		case c.messages <- data:
		case <-c.done:
			return
		}
	}
}

// heartbeatLoop sends application pings and detects a silent socket.
func (c *client) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	ping, _ := model.Command{Type: model.TypePing}.Encode()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.Send(ping); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
			}

			c.mu.RLock()
			last := c.lastFrameAt
			c.mu.RUnlock()

			if c.cfg.StaleTimeout > 0 && time.Since(last) > c.cfg.StaleTimeout {
				c.logger.Warn("no frames received, connection stale",
					"last_frame", last,
					"timeout", c.cfg.StaleTimeout,
				)
				c.recordClose(CloseEvent{Code: CloseAbnormal, Err: ErrStaleConnection})
				// Unblocks ReadMessage; readLoop then closes messages.
				c.conn.Close()
				return
			}
		}
	}
}

func (c *client) touch() {
	c.mu.Lock()
	c.lastFrameAt = time.Now()
	c.mu.Unlock()
}

// recordClose keeps the first reason the socket ended.
func (c *client) recordClose(ev CloseEvent) {
	c.mu.Lock()
	if c.closeEvent == nil {
		c.closeEvent = &ev
	}
	c.mu.Unlock()
}

func closeEventFromError(err error) CloseEvent {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		ev := CloseEvent{Code: ce.Code, Reason: ce.Text}
		if ce.Code != websocket.CloseNormalClosure {
			ev.Err = err
		}
		return ev
	}
	return CloseEvent{Code: CloseAbnormal, Err: err}
}
