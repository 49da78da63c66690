// Package router is the handler dispatch table for realtime events.
//
// Handlers are keyed by event type and called synchronously, in registration
// order, on the goroutine that reads the socket. Each On returns a disposer
// that removes exactly that registration. A panicking handler is recovered
// and logged so it cannot take down delivery to the other handlers.
package router
