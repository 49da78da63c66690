package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rickgao/helpdesk-realtime/internal/connection"
	"github.com/rickgao/helpdesk-realtime/internal/model"
	"github.com/rickgao/helpdesk-realtime/internal/router"
)

// Transport is the part of the facade collaborators depend on.
type Transport interface {
	Subscribe(channel string)
	Unsubscribe(channel string)
	On(eventType string, fn router.Handler) (dispose func())
	OnStateChange(fn func(connection.StateChange)) (dispose func())
}

// Stats aggregates transport statistics.
type Stats struct {
	Connection connection.ManagerStats
	Router     router.RouterStats
}

// Option configures a Service.
type Option func(*options)

type options struct {
	managerOpts []connection.ManagerOption
}

// WithManagerOptions passes options through to the Connection Manager.
func WithManagerOptions(opts ...connection.ManagerOption) Option {
	return func(o *options) {
		o.managerOpts = append(o.managerOpts, opts...)
	}
}

// Service is the realtime facade. Its zero value is not usable; call New.
type Service struct {
	logger    *slog.Logger
	sessionID string
	router    router.Router
	manager   connection.Manager

	initOnce sync.Once
	initErr  error
	tornDown atomic.Bool
}

// New builds a Service. No connection is opened until Init. When
// cfg.SessionID is empty a random one is generated and kept for the life of
// the Service.
func New(cfg connection.ManagerConfig, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	logger = logger.With("session", cfg.SessionID)

	r := router.NewRouter(logger.With("component", "router"))
	m := connection.NewManager(cfg, r, logger.With("component", "connection"), o.managerOpts...)

	return &Service{
		logger:    logger,
		sessionID: cfg.SessionID,
		router:    r,
		manager:   m,
	}
}

// Init opens the connection. Only the first call has any effect; later calls
// return the first call's result.
func (s *Service) Init(ctx context.Context) error {
	s.initOnce.Do(func() {
		if err := s.manager.Start(ctx); err != nil {
			s.initErr = fmt.Errorf("init realtime: %w", err)
			return
		}
		s.logger.Info("realtime service initialized")
	})
	return s.initErr
}

// Teardown closes the socket normally, cancels any pending reconnect and
// drops all channels and handlers. The Service is unusable afterwards; every
// method becomes a safe no-op.
func (s *Service) Teardown(ctx context.Context) error {
	if !s.tornDown.CompareAndSwap(false, true) {
		return nil
	}

	err := s.manager.Stop(ctx)
	s.router.Reset()

	s.logger.Info("realtime service torn down")
	return err
}

// State returns the current connection state.
func (s *Service) State() connection.State {
	return s.manager.State()
}

// Connected reports whether the socket is open.
func (s *Service) Connected() bool {
	return s.manager.State() == connection.StateConnected
}

// Connecting reports whether a dial is in flight or a retry is pending.
func (s *Service) Connecting() bool {
	switch s.manager.State() {
	case connection.StateConnecting, connection.StateReconnecting:
		return true
	}
	return false
}

// Failed reports whether the reconnect budget is spent. Only Reconnect
// leaves this state.
func (s *Service) Failed() bool {
	return s.manager.State() == connection.StateFailed
}

// Subscribe tracks channel.
func (s *Service) Subscribe(channel string) {
	s.manager.Subscribe(channel)
}

// Unsubscribe stops tracking channel.
func (s *Service) Unsubscribe(channel string) {
	s.manager.Unsubscribe(channel)
}

// SubscribeTicket subscribes to one ticket's updates.
func (s *Service) SubscribeTicket(ticketID string) {
	s.manager.Subscribe(ticketID)
}

// UnsubscribeTicket reverses SubscribeTicket.
func (s *Service) UnsubscribeTicket(ticketID string) {
	s.manager.Unsubscribe(ticketID)
}

// SubscribeUser subscribes to pushes addressed to one user.
func (s *Service) SubscribeUser(userID string) {
	if userID == "" {
		s.logger.Warn("ignoring user subscribe", "error", connection.ErrEmptyChannel)
		return
	}
	s.manager.Subscribe(model.UserChannel(userID))
}

// UnsubscribeUser reverses SubscribeUser.
func (s *Service) UnsubscribeUser(userID string) {
	if userID == "" {
		return
	}
	s.manager.Unsubscribe(model.UserChannel(userID))
}

// SubscribeGlobal subscribes to every ticket event.
func (s *Service) SubscribeGlobal() {
	s.manager.Subscribe(model.Wildcard)
}

// UnsubscribeGlobal reverses SubscribeGlobal.
func (s *Service) UnsubscribeGlobal() {
	s.manager.Unsubscribe(model.Wildcard)
}

// On registers fn for eventType and returns its disposer.
func (s *Service) On(eventType string, fn router.Handler) func() {
	if s.tornDown.Load() {
		s.logger.Debug("handler registration after teardown ignored", "type", eventType)
		return func() {}
	}
	return s.router.On(eventType, fn)
}

// OnStateChange registers a connection-state observer.
func (s *Service) OnStateChange(fn func(connection.StateChange)) func() {
	return s.manager.OnStateChange(fn)
}

// Reconnect resets the retry budget and dials immediately.
func (s *Service) Reconnect() {
	s.manager.Reconnect()
}

// Disconnect closes the socket and clears every channel. Handlers stay
// registered and Connect can be called again through Reconnect.
func (s *Service) Disconnect() {
	s.manager.Disconnect()
}

// Channels returns the tracked channels, sorted.
func (s *Service) Channels() []string {
	return s.manager.Channels()
}

// SessionID returns the identifier sent as ?session= on every dial.
func (s *Service) SessionID() string {
	return s.sessionID
}

// ClientID returns the hub-assigned id of the live connection, if any.
func (s *Service) ClientID() string {
	return s.manager.ClientID()
}

// Logger returns the service logger. Listen uses it for decode failures.
func (s *Service) Logger() *slog.Logger {
	return s.logger
}

// Handlers returns how many handlers are registered for eventType.
func (s *Service) Handlers(eventType string) int {
	return s.router.Handlers(eventType)
}

// Stats returns transport statistics.
func (s *Service) Stats() Stats {
	return Stats{
		Connection: s.manager.Stats(),
		Router:     s.router.Stats(),
	}
}
