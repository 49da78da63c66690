package connection

import (
	"errors"
	"time"

	"github.com/rickgao/helpdesk-realtime/internal/model"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no inbound frames)")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrEmptyURL        = errors.New("empty realtime URL")
	ErrTornDown        = errors.New("manager torn down")
	ErrEmptyChannel    = errors.New("empty channel")
)

// Close codes used by the client.
const (
	CloseNormal   = 1000 // websocket.CloseNormalClosure
	CloseAbnormal = 1006 // websocket.CloseAbnormalClosure
)

// Dispatcher receives decoded application frames. Control frames never reach it.
type Dispatcher interface {
	Dispatch(msg model.Message)
}

// DispatcherFunc is a function adapter for Dispatcher.
type DispatcherFunc func(model.Message)

func (f DispatcherFunc) Dispatch(msg model.Message) {
	f(msg)
}

// CloseEvent describes how a socket ended.
type CloseEvent struct {
	Code   int    // WebSocket close code; CloseAbnormal when no close frame was seen
	Reason string // Close frame text, if any
	Err    error  // Underlying read/dial error, nil for a clean local close
}

// Clean reports whether the socket ended with a normal closure.
func (e CloseEvent) Clean() bool {
	return e.Code == CloseNormal && e.Err == nil
}

// ClientConfig configures a single WebSocket client.
type ClientConfig struct {
	URL              string        // Full URL including query parameters
	HandshakeTimeout time.Duration // Dial + upgrade timeout
	WriteTimeout     time.Duration // Write deadline for sends
	PingInterval     time.Duration // Application ping period (0 = no heartbeat)
	StaleTimeout     time.Duration // Max silence before the socket is considered dead
	BufferSize       int           // Inbound frame channel buffer
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     25 * time.Second,
		StaleTimeout:     60 * time.Second,
		BufferSize:       256,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	URL       string  // Hub endpoint (ws:// or wss://)
	SessionID string  // Opaque caller/session identifier sent as ?session=
	Backoff   Backoff // Reconnect policy
	Client    ClientConfig
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Backoff: DefaultBackoff(),
		Client:  DefaultClientConfig(),
	}
}

// ManagerStats provides statistics about the connection manager.
type ManagerStats struct {
	State          State
	Channels       int
	Attempts       int
	Connects       int64 // Successful opens
	FramesReceived int64
	FramesSent     int64
	ControlFrames  int64
	ParseErrors    int64
	SendErrors     int64
}
