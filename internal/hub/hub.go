package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rickgao/helpdesk-realtime/internal/model"
)

// ErrClosed is returned by Shutdown when the hub was already shut down.
var ErrClosed = errors.New("hub closed")

// Config configures a Hub.
type Config struct {
	SendBuffer   int           // Per-client outbound queue; a full queue disconnects the client
	WriteTimeout time.Duration // Deadline per outbound frame
	ReadTimeout  time.Duration // Max silence from a client before it is dropped (0 = none)
	ReadLimit    int64         // Max inbound frame size in bytes
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SendBuffer:   64,
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  90 * time.Second,
		ReadLimit:    64 * 1024,
	}
}

// Stats provides statistics about the hub.
type Stats struct {
	Clients   int
	Channels  int
	Published int64 // Publish calls
	Delivered int64 // Frames queued to clients by Publish
	SlowDrops int64 // Clients disconnected for a full queue
}

// Hub accepts client sockets and routes published events to them.
type Hub struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	peers    map[*peer]struct{}
	channels map[string]map[*peer]struct{}
	closed   bool

	wg sync.WaitGroup

	published atomic.Int64
	delivered atomic.Int64
	slowDrops atomic.Int64
}

// New creates a Hub.
func New(cfg Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}

	return &Hub{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		peers:    make(map[*peer]struct{}),
		channels: make(map[string]map[*peer]struct{}),
	}
}

// ServeHTTP upgrades the request and registers the client. An optional
// ?session= value is recorded for logging.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	p := newPeer(uuid.NewString(), r.URL.Query().Get("session"), conn, h.cfg.SendBuffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		p.stop(websocket.CloseGoingAway, "shutting down")
		return
	}
	h.peers[p] = struct{}{}
	h.wg.Add(2)
	h.mu.Unlock()

	h.logger.Info("client connected",
		"client_id", p.id,
		"session", p.session,
		"remote", r.RemoteAddr,
	)

	h.reply(p, model.Message{Type: model.TypeConnected, ClientID: p.id})

	go h.writePump(p)
	go h.readPump(p)
}

// Publish delivers msg to every client subscribed to msg.TicketID and every
// client subscribed to "*", at most once each. A message addressed to "*"
// itself goes to every connected client. Returns the number of clients the
// frame was queued for.
func (h *Hub) Publish(msg model.Message) int {
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode event", "type", msg.Type, "error", err)
		return 0
	}
	h.published.Add(1)

	h.mu.RLock()
	targets := make(map[*peer]struct{})
	if msg.TicketID == model.Wildcard {
		for p := range h.peers {
			targets[p] = struct{}{}
		}
	} else {
		if msg.TicketID != "" {
			for p := range h.channels[msg.TicketID] {
				targets[p] = struct{}{}
			}
		}
		for p := range h.channels[model.Wildcard] {
			targets[p] = struct{}{}
		}
	}

	var slow []*peer
	sent := 0
	for p := range targets {
		if p.enqueue(data) {
			sent++
		} else {
			slow = append(slow, p)
		}
	}
	h.mu.RUnlock()

	for _, p := range slow {
		h.slowDrops.Add(1)
		h.logger.Warn("client too slow, disconnecting", "client_id", p.id)
		h.remove(p, websocket.ClosePolicyViolation, "too slow")
	}

	h.delivered.Add(int64(sent))
	h.logger.Debug("published event",
		"type", msg.Type,
		"ticket_id", msg.TicketID,
		"clients", sent,
	)
	return sent
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Subscribers returns the number of clients subscribed to channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// DropAll severs every client without a close frame, as a crashed server or
// a network partition would.
func (h *Hub) DropAll() {
	for _, p := range h.snapshot() {
		h.remove(p, 0, "")
	}
}

// Shutdown refuses new clients, closes existing ones with a going-away
// frame, and waits for their goroutines.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	h.closed = true
	h.mu.Unlock()

	for _, p := range h.snapshot() {
		h.remove(p, websocket.CloseGoingAway, "shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub stopped")
		return nil
	case <-ctx.Done():
		h.logger.Warn("hub shutdown timed out")
		return ctx.Err()
	}
}

// Stats returns current statistics.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	clients := len(h.peers)
	channels := len(h.channels)
	h.mu.RUnlock()

	return Stats{
		Clients:   clients,
		Channels:  channels,
		Published: h.published.Load(),
		Delivered: h.delivered.Load(),
		SlowDrops: h.slowDrops.Load(),
	}
}

func (h *Hub) snapshot() []*peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		out = append(out, p)
	}
	return out
}

// readPump handles client commands until the socket fails.
func (h *Hub) readPump(p *peer) {
	defer h.wg.Done()
	defer h.remove(p, 0, "")

	if h.cfg.ReadLimit > 0 {
		p.conn.SetReadLimit(h.cfg.ReadLimit)
	}

	for {
		if h.cfg.ReadTimeout > 0 {
			p.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
		}
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("client read failed", "client_id", p.id, "error", err)
			}
			return
		}

		var cmd model.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			h.logger.Warn("dropping malformed command", "client_id", p.id, "error", err)
			continue
		}
		h.handle(p, cmd)
	}
}

func (h *Hub) handle(p *peer, cmd model.Command) {
	switch cmd.Type {
	case model.TypeSubscribe:
		if cmd.TicketID == "" {
			h.logger.Warn("subscribe without channel", "client_id", p.id)
			return
		}
		h.subscribe(p, cmd.TicketID)
		h.reply(p, model.Message{Type: model.TypeSubscribed, TicketID: cmd.TicketID})

	case model.TypeUnsubscribe:
		h.unsubscribe(p, cmd.TicketID)
		h.reply(p, model.Message{Type: model.TypeUnsubscribed, TicketID: cmd.TicketID})

	case model.TypePing:
		h.reply(p, model.Message{Type: model.TypePong})

	default:
		h.logger.Debug("ignoring unknown command", "client_id", p.id, "type", cmd.Type)
	}
}

func (h *Hub) subscribe(p *peer, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.peers[p]; !ok {
		return
	}
	p.channels[channel] = struct{}{}
	subs, ok := h.channels[channel]
	if !ok {
		subs = make(map[*peer]struct{})
		h.channels[channel] = subs
	}
	subs[p] = struct{}{}

	h.logger.Debug("client subscribed", "client_id", p.id, "channel", channel)
}

func (h *Hub) unsubscribe(p *peer, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(p.channels, channel)
	h.dropSubscriptionLocked(p, channel)

	h.logger.Debug("client unsubscribed", "client_id", p.id, "channel", channel)
}

func (h *Hub) dropSubscriptionLocked(p *peer, channel string) {
	subs, ok := h.channels[channel]
	if !ok {
		return
	}
	delete(subs, p)
	if len(subs) == 0 {
		delete(h.channels, channel)
	}
}

// reply queues a control frame; a client that cannot take it is dropped.
func (h *Hub) reply(p *peer, msg model.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode reply", "type", msg.Type, "error", err)
		return
	}
	if !p.enqueue(data) {
		h.slowDrops.Add(1)
		h.remove(p, websocket.ClosePolicyViolation, "too slow")
	}
}

// writePump drains the peer's queue onto the socket.
func (h *Hub) writePump(p *peer) {
	defer h.wg.Done()

	for {
		select {
		case <-p.done:
			return
		case data := <-p.send:
			if h.cfg.WriteTimeout > 0 {
				p.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("client write failed", "client_id", p.id, "error", err)
				h.remove(p, 0, "")
				return
			}
		}
	}
}

// remove unregisters p and stops its pumps. Safe to call more than once.
func (h *Hub) remove(p *peer, code int, reason string) {
	h.mu.Lock()
	_, ok := h.peers[p]
	if ok {
		delete(h.peers, p)
		for ch := range p.channels {
			h.dropSubscriptionLocked(p, ch)
		}
		clear(p.channels)
	}
	h.mu.Unlock()

	p.stop(code, reason)

	if ok {
		h.logger.Info("client disconnected", "client_id", p.id, "session", p.session)
	}
}
