package router

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rickgao/helpdesk-realtime/internal/model"
)

// Router fans decoded events out to handlers keyed by event type.
type Router interface {
	// On registers fn for eventType and returns a function that removes
	// exactly this registration. Calling it more than once is harmless.
	On(eventType string, fn Handler) (dispose func())

	// Dispatch invokes every handler registered for msg.Type, in
	// registration order. A panicking handler is logged and skipped.
	Dispatch(msg model.Message)

	// Handlers returns the number of handlers registered for eventType.
	Handlers(eventType string) int

	// Reset drops every registration.
	Reset()

	// Stats returns current router statistics.
	Stats() RouterStats
}

// router is the internal implementation.
type router struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]*registration

	dispatched atomic.Int64
	delivered  atomic.Int64
	unhandled  atomic.Int64
	panics     atomic.Int64
}

// NewRouter creates an empty dispatch table.
func NewRouter(logger *slog.Logger) Router {
	if logger == nil {
		logger = slog.Default()
	}

	return &router{
		logger:   logger,
		handlers: make(map[string][]*registration),
	}
}

// On registers a handler.
func (r *router) On(eventType string, fn Handler) func() {
	if fn == nil {
		return func() {}
	}

	reg := &registration{fn: fn}

	r.mu.Lock()
	r.handlers[eventType] = append(r.handlers[eventType], reg)
	r.mu.Unlock()

	r.logger.Debug("handler registered", "type", eventType)

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(eventType, reg) })
	}
}

func (r *router) remove(eventType string, reg *registration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg.removed = true

	regs := r.handlers[eventType]
	for i, existing := range regs {
		if existing != reg {
			continue
		}
		// Copy so snapshots taken by an in-flight Dispatch stay intact.
		next := make([]*registration, 0, len(regs)-1)
		next = append(next, regs[:i]...)
		next = append(next, regs[i+1:]...)
		if len(next) == 0 {
			delete(r.handlers, eventType)
		} else {
			r.handlers[eventType] = next
		}
		break
	}

	r.logger.Debug("handler disposed", "type", eventType)
}

// Dispatch delivers msg to its handlers.
func (r *router) Dispatch(msg model.Message) {
	if model.IsControl(msg.Type) {
		return
	}
	r.dispatched.Add(1)

	r.mu.RLock()
	regs := r.handlers[msg.Type]
	r.mu.RUnlock()

	if len(regs) == 0 {
		r.unhandled.Add(1)
		r.logger.Debug("no handlers for event", "type", msg.Type)
		return
	}

	for _, reg := range regs {
		// Skip registrations disposed by an earlier handler in this pass.
		r.mu.RLock()
		removed := reg.removed
		r.mu.RUnlock()
		if removed {
			continue
		}

		if r.invoke(reg.fn, msg) {
			r.delivered.Add(1)
		}
	}
}

// invoke runs one handler, converting a panic into a log line.
func (r *router) invoke(fn Handler, msg model.Message) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.panics.Add(1)
			r.logger.Error("event handler panicked",
				"type", msg.Type,
				"ticket_id", msg.TicketID,
				"panic", rec,
			)
			ok = false
		}
	}()

	fn(msg)
	return true
}

// Handlers returns the registration count for eventType.
func (r *router) Handlers(eventType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[eventType])
}

// Reset drops every registration. Outstanding dispose functions become no-ops.
func (r *router) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, regs := range r.handlers {
		for _, reg := range regs {
			reg.removed = true
		}
	}
	r.handlers = make(map[string][]*registration)
}

// Stats returns current statistics.
func (r *router) Stats() RouterStats {
	r.mu.RLock()
	types := len(r.handlers)
	total := 0
	for _, regs := range r.handlers {
		total += len(regs)
	}
	r.mu.RUnlock()

	return RouterStats{
		Dispatched:    r.dispatched.Load(),
		Delivered:     r.delivered.Load(),
		Unhandled:     r.unhandled.Load(),
		HandlerPanics: r.panics.Load(),
		Types:         types,
		Handlers:      total,
	}
}
