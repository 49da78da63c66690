// Package cache keeps REST-loaded tickets fresh by dropping entries when the
// realtime transport reports a change.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/helpdesk-realtime/internal/connection"
	"github.com/rickgao/helpdesk-realtime/internal/model"
	"github.com/rickgao/helpdesk-realtime/internal/realtime"
	"golang.org/x/sync/singleflight"
)

// Loader fetches a ticket from the source of truth. *api.Client satisfies it.
type Loader interface {
	GetTicket(ctx context.Context, id string) (*model.Ticket, error)
}

// Stats provides statistics about the cache.
type Stats struct {
	Entries       int
	Hits          int64
	Misses        int64
	Loads         int64 // Loader calls; lower than Misses when loads were coalesced
	Invalidations int64
	Flushes       int64
}

type entry struct {
	ticket   model.Ticket
	loadedAt time.Time
}

// Option configures a TicketCache.
type Option func(*TicketCache)

// WithTTL expires entries after d even without an invalidating event.
func WithTTL(d time.Duration) Option {
	return func(c *TicketCache) {
		c.ttl = d
	}
}

// TicketCache is a read-through ticket cache invalidated by pushed events.
type TicketCache struct {
	loader Loader
	logger *slog.Logger
	ttl    time.Duration
	group  singleflight.Group

	mu       sync.RWMutex
	entries  map[string]entry
	versions map[string]uint64 // Bumped by Invalidate; a load that raced one is not stored
	epoch    uint64            // Bumped by Flush

	attachMu      sync.Mutex
	disposers     []func()
	seenConnected bool

	hits          atomic.Int64
	misses        atomic.Int64
	loads         atomic.Int64
	invalidations atomic.Int64
	flushes       atomic.Int64
}

// New creates an empty cache.
func New(loader Loader, logger *slog.Logger, opts ...Option) *TicketCache {
	if logger == nil {
		logger = slog.Default()
	}

	c := &TicketCache{
		loader:   loader,
		logger:   logger,
		entries:  make(map[string]entry),
		versions: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached ticket or loads it. Concurrent misses for the same
// id share one load.
func (c *TicketCache) Get(ctx context.Context, id string) (model.Ticket, error) {
	if t, ok := c.Peek(id); ok {
		c.hits.Add(1)
		return t, nil
	}
	c.misses.Add(1)

	v, err, shared := c.group.Do(id, func() (any, error) {
		return c.load(ctx, id)
	})
	if err != nil {
		return model.Ticket{}, err
	}
	if shared {
		c.logger.Debug("coalesced ticket load", "ticket_id", id)
	}
	return v.(model.Ticket), nil
}

func (c *TicketCache) load(ctx context.Context, id string) (model.Ticket, error) {
	c.mu.RLock()
	version := c.versions[id]
	epoch := c.epoch
	c.mu.RUnlock()

	c.loads.Add(1)
	t, err := c.loader.GetTicket(ctx, id)
	if err != nil {
		return model.Ticket{}, err
	}

	c.mu.Lock()
	if c.versions[id] == version && c.epoch == epoch {
		c.entries[id] = entry{ticket: *t, loadedAt: time.Now()}
	} else {
		c.logger.Debug("discarding ticket loaded across an invalidation", "ticket_id", id)
	}
	c.mu.Unlock()

	return *t, nil
}

// Peek returns a cached ticket without loading.
func (c *TicketCache) Peek(id string) (model.Ticket, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[id]
	if !ok {
		return model.Ticket{}, false
	}
	if c.ttl > 0 && time.Since(e.loadedAt) > c.ttl {
		return model.Ticket{}, false
	}
	return e.ticket, true
}

// Invalidate drops one ticket.
func (c *TicketCache) Invalidate(id string) {
	c.mu.Lock()
	_, had := c.entries[id]
	delete(c.entries, id)
	c.versions[id]++
	c.mu.Unlock()

	c.invalidations.Add(1)
	c.logger.Debug("ticket invalidated", "ticket_id", id, "was_cached", had)
}

// Flush drops every ticket.
func (c *TicketCache) Flush() {
	c.mu.Lock()
	n := len(c.entries)
	clear(c.entries)
	clear(c.versions)
	c.epoch++
	c.mu.Unlock()

	c.flushes.Add(1)
	c.logger.Info("ticket cache flushed", "entries", n)
}

// Warm stores a bulk listing fetched by list. Tickets invalidated while the
// listing ran are skipped, and nothing is stored if the cache was flushed
// meanwhile. It returns how many tickets were stored.
func (c *TicketCache) Warm(ctx context.Context, list func(context.Context) ([]model.Ticket, error)) (int, error) {
	c.mu.RLock()
	epoch := c.epoch
	versions := maps.Clone(c.versions)
	c.mu.RUnlock()

	tickets, err := list(ctx)
	if err != nil {
		return 0, fmt.Errorf("warm ticket cache: %w", err)
	}

	now := time.Now()
	stored := 0
	c.mu.Lock()
	if c.epoch == epoch {
		for _, t := range tickets {
			if t.ID == "" || c.versions[t.ID] != versions[t.ID] {
				continue
			}
			c.entries[t.ID] = entry{ticket: t, loadedAt: now}
			stored++
		}
	}
	c.mu.Unlock()

	c.logger.Info("ticket cache warmed", "listed", len(tickets), "stored", stored)
	return stored, nil
}

// Len returns the number of cached tickets, expired ones included.
func (c *TicketCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Attach wires the cache to a transport: ticket-updated and
// activity-created drop their ticket, cache-flush drops everything, and
// every reconnect after the first connect drops everything because pushes
// may have been missed while the socket was down.
func (c *TicketCache) Attach(t realtime.Transport) {
	c.attachMu.Lock()
	defer c.attachMu.Unlock()

	c.disposers = append(c.disposers,
		t.On(model.EventTicketUpdated, c.onTicketEvent),
		t.On(model.EventActivityCreated, c.onTicketEvent),
		t.On(model.EventCacheFlush, func(model.Message) { c.Flush() }),
		t.OnStateChange(c.onStateChange),
	)
}

// Detach removes every handler Attach registered.
func (c *TicketCache) Detach() {
	c.attachMu.Lock()
	disposers := c.disposers
	c.disposers = nil
	c.attachMu.Unlock()

	for _, dispose := range disposers {
		dispose()
	}
}

func (c *TicketCache) onTicketEvent(msg model.Message) {
	id := msg.TicketID
	if id == "" {
		var payload struct {
			TicketID string `json:"ticketId"`
		}
		if err := msg.DecodeData(&payload); err != nil || payload.TicketID == "" {
			c.logger.Debug("event carries no ticket id", "type", msg.Type)
			return
		}
		id = payload.TicketID
	}
	c.Invalidate(id)
}

func (c *TicketCache) onStateChange(change connection.StateChange) {
	if change.To != connection.StateConnected {
		return
	}

	c.attachMu.Lock()
	reconnect := c.seenConnected
	c.seenConnected = true
	c.attachMu.Unlock()

	if reconnect {
		c.Flush()
	}
}

// Stats returns current statistics.
func (c *TicketCache) Stats() Stats {
	return Stats{
		Entries:       c.Len(),
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Loads:         c.loads.Load(),
		Invalidations: c.invalidations.Load(),
		Flushes:       c.flushes.Load(),
	}
}
