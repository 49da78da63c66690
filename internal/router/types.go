package router

import "github.com/rickgao/helpdesk-realtime/internal/model"

// Handler receives one decoded application event.
type Handler func(msg model.Message)

// RouterStats contains runtime statistics.
type RouterStats struct {
	Dispatched    int64 // Application frames offered to Dispatch
	Delivered     int64 // Handler invocations that returned normally
	Unhandled     int64 // Frames whose type had no handlers
	HandlerPanics int64
	Types         int // Event types with at least one handler
	Handlers      int // Total registrations
}

// registration is one On call. Its identity, not fn, is what dispose removes,
// so the same function may be registered twice.
type registration struct {
	fn      Handler
	removed bool // Guarded by router.mu
}
