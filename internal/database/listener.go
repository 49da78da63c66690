package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rickgao/helpdesk-realtime/internal/connection"
	"github.com/rickgao/helpdesk-realtime/internal/model"
)

var (
	ErrInvalidPayload = errors.New("invalid notification payload")
	ErrEmptyChannel   = errors.New("listen channel is required")
)

// Publisher receives decoded events. *hub.Hub satisfies it.
type Publisher interface {
	Publish(msg model.Message) int
}

// ListenerStats provides statistics about the listener.
type ListenerStats struct {
	Notifications int64
	Published     int64
	Invalid       int64
	Reconnects    int64
	Listening     bool
}

// listenConn is the part of a pooled connection the listener uses.
type listenConn interface {
	Exec(ctx context.Context, sql string) error
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Release()
}

type acquireFunc func(ctx context.Context) (listenConn, error)

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithBackoff replaces the reconnect schedule. MaxAttempts <= 0 retries
// forever.
func WithBackoff(b connection.Backoff) ListenerOption {
	return func(l *Listener) {
		l.backoff = b
	}
}

// Listener relays NOTIFY payloads on one channel to a Publisher.
type Listener struct {
	acquire acquireFunc
	channel string
	pub     Publisher
	backoff connection.Backoff
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error

	notifications atomic.Int64
	published     atomic.Int64
	invalid       atomic.Int64
	reconnects    atomic.Int64
	listening     atomic.Bool
}

// NewListener creates a listener that acquires its connection from pool.
func NewListener(pool *pgxpool.Pool, channel string, pub Publisher, logger *slog.Logger, opts ...ListenerOption) *Listener {
	return newListener(poolAcquirer(pool), channel, pub, logger, opts...)
}

func newListener(acquire acquireFunc, channel string, pub Publisher, logger *slog.Logger, opts ...ListenerOption) *Listener {
	if logger == nil {
		logger = slog.Default()
	}

	b := connection.DefaultBackoff()
	b.MaxAttempts = 0

	l := &Listener{
		acquire: acquire,
		channel: channel,
		pub:     pub,
		backoff: b,
		logger:  logger.With("channel", channel),
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run listens until ctx is cancelled or the reconnect budget is used up.
// It returns nil on cancellation.
func (l *Listener) Run(ctx context.Context) error {
	if l.channel == "" {
		return ErrEmptyChannel
	}

	attempt := 0
	for {
		listened, err := l.listenOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if listened {
			attempt = 0
		}

		if l.backoff.Exhausted(attempt) {
			return fmt.Errorf("listen %s: gave up after %d attempts: %w", l.channel, attempt, err)
		}

		delay := l.backoff.Delay(attempt, rand.Float64)
		attempt++
		l.reconnects.Add(1)
		l.logger.Warn("listener disconnected, retrying",
			"error", err,
			"attempt", attempt,
			"delay", delay,
		)

		if err := l.sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// listenOnce holds one connection until it fails. listened reports whether
// LISTEN succeeded, which resets the retry budget.
func (l *Listener) listenOnce(ctx context.Context) (listened bool, err error) {
	conn, err := l.acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return false, fmt.Errorf("listen: %w", err)
	}

	l.listening.Store(true)
	defer l.listening.Store(false)
	l.logger.Info("listening for notifications")

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return true, fmt.Errorf("wait for notification: %w", err)
		}
		if n.Channel != l.channel {
			continue
		}
		l.notifications.Add(1)
		if _, err := l.handle(n.Payload); err != nil {
			l.logger.Warn("skipping notification", "error", err)
		}
	}
}

// handle decodes one payload and publishes it. It returns the number of
// hub clients the event reached.
func (l *Listener) handle(payload string) (int, error) {
	msg, err := model.Decode([]byte(payload))
	if err != nil {
		l.invalid.Add(1)
		return 0, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if model.IsControl(msg.Type) || msg.Type == model.TypeSubscribe ||
		msg.Type == model.TypeUnsubscribe || msg.Type == model.TypePing {
		l.invalid.Add(1)
		return 0, fmt.Errorf("%w: reserved type %q", ErrInvalidPayload, msg.Type)
	}
	if msg.TicketID == "" {
		l.invalid.Add(1)
		return 0, fmt.Errorf("%w: %s has no ticketId", ErrInvalidPayload, msg.Type)
	}

	delivered := l.pub.Publish(msg)
	l.published.Add(1)
	l.logger.Debug("published notification",
		"type", msg.Type,
		"ticket_id", msg.TicketID,
		"delivered", delivered,
	)
	return delivered, nil
}

// Stats returns listener statistics.
func (l *Listener) Stats() ListenerStats {
	return ListenerStats{
		Notifications: l.notifications.Load(),
		Published:     l.published.Load(),
		Invalid:       l.invalid.Load(),
		Reconnects:    l.reconnects.Load(),
		Listening:     l.listening.Load(),
	}
}

type pooledConn struct {
	conn *pgxpool.Conn
}

func (c pooledConn) Exec(ctx context.Context, sql string) error {
	_, err := c.conn.Exec(ctx, sql)
	return err
}

func (c pooledConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	return c.conn.Conn().WaitForNotification(ctx)
}

func (c pooledConn) Release() {
	c.conn.Release()
}

func poolAcquirer(pool *pgxpool.Pool) acquireFunc {
	return func(ctx context.Context) (listenConn, error) {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return pooledConn{conn}, nil
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
