package connection

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/helpdesk-realtime/internal/model"
)

// Manager owns the realtime connection, the desired channel set, and the
// reconnect policy. All methods are safe for concurrent use and none of them
// block on the network.
type Manager interface {
	// Start records the base context, starts the state-change notifier and
	// opens the first connection.
	Start(ctx context.Context) error

	// Stop tears down: cancels timers, closes the socket with a normal
	// closure, clears channels and waits for goroutines. Later calls are no-ops.
	Stop(ctx context.Context) error

	// Connect opens a connection unless one is live or being dialed.
	Connect()

	// Disconnect closes the socket cleanly, cancels any pending reconnect and
	// clears the channel set. It is the only path that clears channels.
	Disconnect()

	// Reconnect resets the reconnect budget, closes any live socket and dials
	// immediately.
	Reconnect()

	// Subscribe tracks channel and, when connected, sends a subscribe frame.
	Subscribe(channel string)

	// Unsubscribe stops tracking channel and, when connected, sends an
	// unsubscribe frame. Untracked channels are ignored.
	Unsubscribe(channel string)

	// Channels returns the tracked channel set, sorted.
	Channels() []string

	// State returns the current connection state.
	State() State

	// Budget returns the current reconnect bookkeeping.
	Budget() Budget

	// ClientID returns the id the hub assigned in its "connected" frame.
	ClientID() string

	// OnStateChange registers an observer. Observers run on a single
	// notifier goroutine, in transition order.
	OnStateChange(fn func(StateChange)) (dispose func())

	// Stats returns current statistics.
	Stats() ManagerStats
}

// Dialer opens a connected Client.
type Dialer func(ctx context.Context, cfg ClientConfig, logger *slog.Logger) (Client, error)

// DialWebSocket is the default Dialer.
func DialWebSocket(ctx context.Context, cfg ClientConfig, logger *slog.Logger) (Client, error) {
	c := NewClient(cfg, logger)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// ManagerOption configures a Manager.
type ManagerOption func(*manager)

// WithDialer replaces the WebSocket dialer.
func WithDialer(d Dialer) ManagerOption {
	return func(m *manager) {
		m.dial = d
	}
}

// WithJitterSource sets the [0, 1) random source used for backoff jitter.
func WithJitterSource(fn func() float64) ManagerOption {
	return func(m *manager) {
		m.rand = fn
	}
}

type stateListener struct {
	id uint64
	fn func(StateChange)
}

// manager implements the Manager interface.
type manager struct {
	cfg    ManagerConfig
	sink   Dispatcher
	logger *slog.Logger
	dial   Dialer
	rand   func() float64

	url    string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	started    bool
	stopped    bool
	state      State
	client     Client
	gen        uint64 // Bumped per dial and by Disconnect/Reconnect/Stop; stale callbacks compare against it
	connecting bool
	cancelDial context.CancelFunc
	timer      *time.Timer
	budget     Budget
	subs       *subscriptions
	flushGen   uint64 // gen of the goroutine currently writing subscription frames
	clientID   string

	changes    *eventQueue[StateChange]
	notifyDone chan struct{}

	listenersMu sync.Mutex
	listeners   []stateListener
	nextID      uint64

	connects       atomic.Int64
	framesReceived atomic.Int64
	framesSent     atomic.Int64
	controlFrames  atomic.Int64
	parseErrors    atomic.Int64
	sendErrors     atomic.Int64
}

// NewManager creates a new Connection Manager that hands application frames to sink.
func NewManager(cfg ManagerConfig, sink Dispatcher, logger *slog.Logger, opts ...ManagerOption) Manager {
	if logger == nil {
		logger = slog.Default()
	}

	m := &manager{
		cfg:        cfg,
		sink:       sink,
		logger:     logger,
		dial:       DialWebSocket,
		rand:       rand.Float64,
		subs:       newSubscriptions(),
		changes:    newEventQueue[StateChange](16),
		notifyDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins the connection manager.
func (m *manager) Start(ctx context.Context) error {
	if m.cfg.URL == "" {
		return ErrEmptyURL
	}
	endpoint, err := buildURL(m.cfg.URL, m.cfg.SessionID)
	if err != nil {
		return fmt.Errorf("parse realtime URL: %w", err)
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrTornDown
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.url = endpoint
	m.ctx, m.cancel = context.WithCancel(ctx)
	channels := m.subs.len()
	m.mu.Unlock()

	go m.notifyLoop()

	m.logger.Info("connection manager started",
		"url", m.cfg.URL,
		"channels", channels,
	)

	m.Connect()
	return nil
}

// Stop gracefully shuts down.
func (m *manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	client := m.detachLocked()
	m.subs.clear()
	m.setStateLocked(StateDisconnected, nil)
	started := m.started
	m.mu.Unlock()

	m.logger.Info("stopping connection manager")

	if client != nil {
		client.Close(CloseNormal, "shutdown")
	}
	if m.cancel != nil {
		m.cancel()
	}

	// Wait for goroutines with timeout
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown timeout, abandoning connection goroutines")
		err = ctx.Err()
	}

	m.changes.close()
	if started {
		select {
		case <-m.notifyDone:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	m.logger.Info("connection manager stopped")
	return err
}

// Connect opens a connection unless one is live or in flight.
func (m *manager) Connect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startLocked()
}

// Disconnect closes the connection and forgets every channel.
func (m *manager) Disconnect() {
	m.mu.Lock()
	client := m.detachLocked()
	cleared := m.subs.len()
	m.subs.clear()
	m.budget = Budget{}
	m.setStateLocked(StateDisconnected, nil)
	m.mu.Unlock()

	if client != nil {
		client.Close(CloseNormal, "client disconnect")
	}

	m.logger.Info("disconnected", "cleared_channels", cleared)
}

// Reconnect forces a fresh connection with a reset budget.
func (m *manager) Reconnect() {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	client := m.detachLocked()
	m.budget = Budget{}
	m.setStateLocked(StateDisconnected, nil)
	m.mu.Unlock()

	m.logger.Info("manual reconnect requested")

	if client != nil {
		client.Close(CloseNormal, "manual reconnect")
	}

	m.Connect()
}

// Subscribe adds channel to the tracked set.
func (m *manager) Subscribe(channel string) {
	if channel == "" {
		m.logger.Warn("ignoring subscribe", "error", ErrEmptyChannel)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		m.logger.Debug("subscribe after teardown ignored", "channel", channel)
		return
	}
	if !m.subs.add(channel) {
		return
	}
	m.flushLocked()
}

// Unsubscribe removes channel from the tracked set.
func (m *manager) Unsubscribe(channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return
	}
	if !m.subs.remove(channel) {
		return
	}
	m.flushLocked()
}

// Channels returns the tracked channels.
func (m *manager) Channels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs.list()
}

// State returns the current state.
func (m *manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Budget returns the reconnect bookkeeping.
func (m *manager) Budget() Budget {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.budget
}

// ClientID returns the hub-assigned client id of the live connection.
func (m *manager) ClientID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clientID
}

// OnStateChange registers a state observer.
func (m *manager) OnStateChange(fn func(StateChange)) func() {
	m.listenersMu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, stateListener{id: id, fn: fn})
	m.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.listenersMu.Lock()
			defer m.listenersMu.Unlock()
			for i, l := range m.listeners {
				if l.id == id {
					m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Stats returns current statistics.
func (m *manager) Stats() ManagerStats {
	m.mu.Lock()
	state := m.state
	channels := m.subs.len()
	attempts := m.budget.Attempts
	m.mu.Unlock()

	return ManagerStats{
		State:          state,
		Channels:       channels,
		Attempts:       attempts,
		Connects:       m.connects.Load(),
		FramesReceived: m.framesReceived.Load(),
		FramesSent:     m.framesSent.Load(),
		ControlFrames:  m.controlFrames.Load(),
		ParseErrors:    m.parseErrors.Load(),
		SendErrors:     m.sendErrors.Load(),
	}
}

// startLocked begins a dial. Must be called with mu held.
func (m *manager) startLocked() {
	if !m.started || m.stopped {
		m.logger.Debug("connect ignored", "started", m.started, "stopped", m.stopped)
		return
	}
	if m.connecting || m.client != nil {
		return
	}

	m.stopTimerLocked()
	m.connecting = true
	m.gen++
	gen := m.gen

	next := StateConnecting
	if m.budget.Attempts > 0 {
		next = StateReconnecting
	}
	m.setStateLocked(next, nil)

	dialCtx, cancel := context.WithCancel(m.ctx)
	m.cancelDial = cancel

	m.wg.Add(1)
	go m.open(dialCtx, cancel, gen)
}

// open dials, then pumps frames until the socket ends.
func (m *manager) open(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	defer m.wg.Done()
	defer cancel()

	cfg := m.cfg.Client
	cfg.URL = m.url
	logger := m.logger.With("conn_gen", gen)

	client, err := m.dial(ctx, cfg, logger)
	if err != nil {
		m.onDialFailed(gen, err)
		return
	}

	if !m.onOpen(gen, client) {
		client.Close(CloseNormal, "superseded")
		return
	}

	for data := range client.Messages() {
		m.onMessage(gen, data)
	}
	m.onClose(gen, client.CloseEvent())
}

// onOpen marks the connection live and replays every tracked channel before
// the first inbound frame is read.
func (m *manager) onOpen(gen uint64, client Client) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped || gen != m.gen {
		return false
	}

	m.connecting = false
	m.cancelDial = nil
	m.client = client
	m.budget = Budget{}
	m.connects.Add(1)

	m.subs.forget()
	replayed := m.flushLocked()
	if m.stopped || gen != m.gen {
		return false
	}
	m.setStateLocked(StateConnected, nil)

	m.logger.Info("connected",
		"conn_gen", gen,
		"resubscribed", replayed,
	)
	return true
}

// onMessage decodes one frame and forwards it unless it is a control frame.
func (m *manager) onMessage(gen uint64, data []byte) {
	if !m.isCurrent(gen) {
		return
	}
	m.framesReceived.Add(1)

	msg, err := model.Decode(data)
	if err != nil {
		m.parseErrors.Add(1)
		m.logger.Warn("dropping malformed frame",
			"error", err,
			"bytes", len(data),
		)
		return
	}

	if model.IsControl(msg.Type) {
		m.controlFrames.Add(1)
		m.handleControl(msg)
		return
	}

	m.dispatch(msg)
}

func (m *manager) dispatch(msg model.Message) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("dispatcher panicked", "type", msg.Type, "panic", r)
		}
	}()
	m.sink.Dispatch(msg)
}

func (m *manager) handleControl(msg model.Message) {
	switch msg.Type {
	case model.TypeConnected:
		m.mu.Lock()
		m.clientID = msg.ClientID
		m.mu.Unlock()
		m.logger.Debug("hub accepted connection", "client_id", msg.ClientID)
	case model.TypeSubscribed, model.TypeUnsubscribed:
		m.logger.Debug("hub acknowledged", "type", msg.Type, "channel", msg.TicketID)
	}
}

func (m *manager) onDialFailed(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped || gen != m.gen {
		return
	}

	m.connecting = false
	m.cancelDial = nil

	m.logger.Warn("connect failed",
		"conn_gen", gen,
		"attempt", m.budget.Attempts,
		"error", err,
	)
	m.lostLocked(err)
}

// onClose handles the end of a socket that was not closed by Disconnect,
// Reconnect or Stop (those bump gen first).
func (m *manager) onClose(gen uint64, ev CloseEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped || gen != m.gen {
		return
	}

	m.client = nil
	m.clientID = ""

	m.logger.Warn("connection closed",
		"conn_gen", gen,
		"code", ev.Code,
		"reason", ev.Reason,
		"error", ev.Err,
	)
	m.lostLocked(ev.Err)
}

// lostLocked moves to disconnected and schedules the next attempt, or parks
// in StateFailed once the budget is spent. Must be called with mu held.
func (m *manager) lostLocked(cause error) {
	m.setStateLocked(StateDisconnected, cause)

	if m.ctx.Err() != nil {
		return
	}

	if m.cfg.Backoff.Exhausted(m.budget.Attempts) {
		m.setStateLocked(StateFailed, cause)
		m.logger.Error("reconnect budget exhausted",
			"attempts", m.budget.Attempts,
			"error", cause,
		)
		return
	}

	delay := m.cfg.Backoff.Delay(m.budget.Attempts, m.rand)
	m.budget.Attempts++
	m.budget.Delay = delay

	m.stopTimerLocked()
	gen := m.gen
	m.timer = time.AfterFunc(delay, func() { m.onTimer(gen) })

	m.setStateLocked(StateReconnecting, cause)

	m.logger.Info("reconnect scheduled",
		"attempt", m.budget.Attempts,
		"delay", delay,
	)
}

func (m *manager) onTimer(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped || gen != m.gen {
		return
	}
	m.timer = nil
	m.startLocked()
}

// detachLocked invalidates in-flight work and returns the live client, if
// any, for the caller to close outside the lock.
func (m *manager) detachLocked() Client {
	m.stopTimerLocked()
	m.gen++
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	m.connecting = false
	m.clientID = ""
	m.subs.forget()

	client := m.client
	m.client = nil
	return client
}

func (m *manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *manager) isCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.stopped && gen == m.gen
}

// flushLocked tells the live socket about every subscription change it has
// not seen yet and returns the number of subscribe frames written. Frames
// are written with mu released; only one goroutine flushes per connection,
// so they reach the hub in order. Must be called with mu held and returns
// with it held.
func (m *manager) flushLocked() int {
	if m.client == nil || m.flushGen == m.gen {
		return 0
	}
	gen, client := m.gen, m.client
	m.flushGen = gen

	written := 0
	for {
		subscribe, unsubscribe := m.subs.pending()
		if len(subscribe) == 0 && len(unsubscribe) == 0 {
			m.flushGen = 0
			return written
		}

		m.mu.Unlock()
		for _, ch := range unsubscribe {
			m.send(client, model.TypeUnsubscribe, ch)
		}
		for _, ch := range subscribe {
			m.send(client, model.TypeSubscribe, ch)
		}
		m.mu.Lock()

		written += len(subscribe)
		if m.stopped || gen != m.gen {
			return written
		}
	}
}

// send writes one command. Failures are logged; the channel stays tracked
// and is replayed on the next open.
func (m *manager) send(client Client, typ, channel string) {
	data, err := model.Command{Type: typ, TicketID: channel}.Encode()
	if err != nil {
		m.logger.Error("encode command", "type", typ, "error", err)
		return
	}
	if err := client.Send(data); err != nil {
		m.sendErrors.Add(1)
		m.logger.Warn("failed to send frame",
			"type", typ,
			"channel", channel,
			"error", err,
		)
		return
	}
	m.framesSent.Add(1)
	m.logger.Debug("sent frame", "type", typ, "channel", channel)
}

// setStateLocked records a transition and queues it for observers.
func (m *manager) setStateLocked(to State, cause error) {
	from := m.state
	if from == to {
		return
	}
	m.state = to

	change := StateChange{
		From:    from,
		To:      to,
		Attempt: m.budget.Attempts,
		Err:     cause,
	}
	if to == StateReconnecting {
		change.Delay = m.budget.Delay
	}
	m.changes.push(change)
}

// notifyLoop delivers state changes off the manager lock.
func (m *manager) notifyLoop() {
	defer close(m.notifyDone)

	for {
		change, ok := m.changes.pop()
		if !ok {
			return
		}

		m.logger.Debug("state change",
			"from", change.From.String(),
			"to", change.To.String(),
			"attempt", change.Attempt,
		)

		m.listenersMu.Lock()
		listeners := make([]stateListener, len(m.listeners))
		copy(listeners, m.listeners)
		m.listenersMu.Unlock()

		for _, l := range listeners {
			m.notify(l.fn, change)
		}
	}
}

func (m *manager) notify(fn func(StateChange), change StateChange) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("state observer panicked", "panic", r)
		}
	}()
	fn(change)
}

// buildURL appends the session identifier as a query parameter.
func buildURL(raw, sessionID string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if sessionID != "" {
		q := u.Query()
		q.Set("session", sessionID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
