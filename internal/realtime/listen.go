package realtime

import (
	"log/slog"
	"time"

	"github.com/rickgao/helpdesk-realtime/internal/model"
)

// Event is an application event with its payload decoded.
type Event[T any] struct {
	Type      string
	TicketID  string
	Timestamp time.Time // Zero when the frame carried none
	Data      T
	Raw       model.Message
}

// Listen registers a handler whose payload is decoded into T first. Frames
// whose data does not decode are logged and skipped for this handler only.
// A frame without data yields the zero T.
func Listen[T any](t Transport, eventType string, fn func(Event[T])) (dispose func()) {
	logger := loggerOf(t)

	return t.On(eventType, func(msg model.Message) {
		ev := Event[T]{
			Type:     msg.Type,
			TicketID: msg.TicketID,
			Raw:      msg,
		}
		if ts, ok := msg.Time(); ok {
			ev.Timestamp = ts
		}
		if len(msg.Data) > 0 {
			if err := msg.DecodeData(&ev.Data); err != nil {
				logger.Warn("skipping undecodable event",
					"type", msg.Type,
					"ticket_id", msg.TicketID,
					"error", err,
				)
				return
			}
		}
		fn(ev)
	})
}

func loggerOf(t Transport) *slog.Logger {
	if l, ok := t.(interface{ Logger() *slog.Logger }); ok {
		if logger := l.Logger(); logger != nil {
			return logger
		}
	}
	return slog.Default()
}
