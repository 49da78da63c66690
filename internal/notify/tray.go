package notify

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rickgao/helpdesk-realtime/internal/model"
	"github.com/rickgao/helpdesk-realtime/internal/realtime"
)

// DefaultCapacity is used when NewTray is given a capacity below 1.
const DefaultCapacity = 100

var (
	ErrEmptyUser       = errors.New("user id is required")
	ErrAlreadyAttached = errors.New("tray already attached")
)

// Item is one notification held by the tray.
type Item struct {
	Notification model.NotificationCreated
	ReceivedAt   time.Time
	Read         bool
}

// Stats provides statistics about the tray.
type Stats struct {
	Held       int
	Unread     int
	Received   int64
	Duplicates int64
	Dropped    int64 // Evicted to stay within capacity
}

// Tray is a bounded inbox of notifications for one user.
type Tray struct {
	capacity int
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	items  []Item // Oldest first
	seen   map[uuid.UUID]struct{}
	unread int

	attachMu  sync.Mutex
	transport realtime.Transport
	channel   string
	dispose   func()

	received   atomic.Int64
	duplicates atomic.Int64
	dropped    atomic.Int64
}

// NewTray creates an empty tray holding at most capacity notifications.
func NewTray(capacity int, logger *slog.Logger) *Tray {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tray{
		capacity: capacity,
		logger:   logger,
		now:      time.Now,
		items:    make([]Item, 0, capacity),
		seen:     make(map[uuid.UUID]struct{}),
	}
}

// Attach subscribes to the user's channel on t and starts recording. userID
// may be given bare ("u-17") or as its channel ("user:u-17").
// notification-created events addressed to userID.
func (t *Tray) Attach(tr realtime.Transport, userID string) error {
	if userID == "" {
		return ErrEmptyUser
	}

	t.attachMu.Lock()
	defer t.attachMu.Unlock()

	if t.transport != nil {
		return ErrAlreadyAttached
	}

	channel := model.UserChannel(userID)
	userID = strings.TrimPrefix(channel, model.UserPrefix)
	t.dispose = realtime.Listen(tr, model.EventNotificationCreated, func(ev realtime.Event[model.NotificationCreated]) {
		// Global broadcasts reach every tray; user frames must be ours.
		if ev.TicketID != channel && ev.TicketID != model.Wildcard {
			return
		}
		if ev.Data.UserID != "" && ev.Data.UserID != userID {
			return
		}
		t.Add(ev.Data)
	})
	tr.Subscribe(channel)

	t.transport = tr
	t.channel = channel
	t.logger.Debug("notification tray attached", "channel", channel)
	return nil
}

// Detach unsubscribes from the user channel and stops recording. Held
// notifications are kept.
func (t *Tray) Detach() {
	t.attachMu.Lock()
	tr, channel, dispose := t.transport, t.channel, t.dispose
	t.transport, t.channel, t.dispose = nil, "", nil
	t.attachMu.Unlock()

	if tr == nil {
		return
	}
	dispose()
	tr.Unsubscribe(channel)
}

// Add records n. It returns false when n duplicates a held notification.
func (t *Tray) Add(n model.NotificationCreated) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n.ID != uuid.Nil {
		if _, ok := t.seen[n.ID]; ok {
			t.duplicates.Add(1)
			return false
		}
	}

	if len(t.items) == t.capacity {
		t.evictOldestLocked()
	}

	t.items = append(t.items, Item{Notification: n, ReceivedAt: t.now()})
	if n.ID != uuid.Nil {
		t.seen[n.ID] = struct{}{}
	}
	t.unread++
	t.received.Add(1)
	return true
}

// Items returns a copy of the held notifications, oldest first.
func (t *Tray) Items() []Item {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Item, len(t.items))
	copy(out, t.items)
	return out
}

// Drain removes and returns every held notification, oldest first.
func (t *Tray) Drain() []Item {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := t.items
	t.items = make([]Item, 0, t.capacity)
	t.seen = make(map[uuid.UUID]struct{})
	t.unread = 0
	return out
}

// Unread returns the number of held notifications not yet marked read.
func (t *Tray) Unread() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unread
}

// MarkAllRead marks every held notification read and returns how many
// changed.
func (t *Tray) MarkAllRead() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	changed := 0
	for i := range t.items {
		if !t.items[i].Read {
			t.items[i].Read = true
			changed++
		}
	}
	t.unread = 0
	return changed
}

// Stats returns tray statistics.
func (t *Tray) Stats() Stats {
	t.mu.Lock()
	held, unread := len(t.items), t.unread
	t.mu.Unlock()

	return Stats{
		Held:       held,
		Unread:     unread,
		Received:   t.received.Load(),
		Duplicates: t.duplicates.Load(),
		Dropped:    t.dropped.Load(),
	}
}

// evictOldestLocked drops the first item. Must be called with mu held.
func (t *Tray) evictOldestLocked() {
	oldest := t.items[0]
	t.items[0] = Item{}
	t.items = append(t.items[:0], t.items[1:]...)

	if oldest.Notification.ID != uuid.Nil {
		delete(t.seen, oldest.Notification.ID)
	}
	if !oldest.Read {
		t.unread--
	}
	t.dropped.Add(1)
	t.logger.Debug("notification tray full, dropped oldest",
		"id", oldest.Notification.ID,
		"capacity", t.capacity,
	)
}
