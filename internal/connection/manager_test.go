package connection

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rickgao/helpdesk-realtime/internal/model"
)

// fakeClient is an in-memory Client driven by the test.
type fakeClient struct {
	mu       sync.Mutex
	sent     [][]byte
	messages chan []byte
	closed   bool
	closeEv  CloseEvent
	once     sync.Once

	release <-chan struct{} // when set, Send blocks until it is closed
	entered chan struct{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{messages: make(chan []byte, 64)}
}

func (f *fakeClient) Connect(ctx context.Context) error { return nil }

func (f *fakeClient) Close(code int, reason string) error {
	f.end(CloseEvent{Code: code, Reason: reason})
	return nil
}

func (f *fakeClient) Send(data []byte) error {
	f.mu.Lock()
	release, entered := f.release, f.entered
	f.mu.Unlock()
	if release != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrNotConnected
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeClient) Messages() <-chan []byte { return f.messages }

func (f *fakeClient) CloseEvent() CloseEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeEv
}

func (f *fakeClient) isOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

// stallSends makes every Send wait for release. The returned channel fires
// when a Send is blocked.
func (f *fakeClient) stallSends(release <-chan struct{}) <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.release = release
	f.entered = make(chan struct{}, 1)
	return f.entered
}

// deliver pushes an inbound frame.
func (f *fakeClient) deliver(frame string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.messages <- []byte(frame)
}

// end simulates the socket going away.
func (f *fakeClient) end(ev CloseEvent) {
	f.once.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.closeEv = ev
		close(f.messages)
		f.mu.Unlock()
	})
}

func (f *fakeClient) commands() []model.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Command, 0, len(f.sent))
	for _, raw := range f.sent {
		var cmd model.Command
		if err := json.Unmarshal(raw, &cmd); err == nil {
			out = append(out, cmd)
		}
	}
	return out
}

type fakeDialer struct {
	mu      sync.Mutex
	fail    error
	urls    []string
	clients []*fakeClient
}

func (d *fakeDialer) dial(ctx context.Context, cfg ClientConfig, logger *slog.Logger) (Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, cfg.URL)
	if d.fail != nil {
		return nil, d.fail
	}
	c := newFakeClient()
	d.clients = append(d.clients, c)
	return c, nil
}

func (d *fakeDialer) setFail(err error) {
	d.mu.Lock()
	d.fail = err
	d.mu.Unlock()
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) last() *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.clients) == 0 {
		return nil
	}
	return d.clients[len(d.clients)-1]
}

type recordingSink struct {
	mu   sync.Mutex
	msgs []model.Message
}

func (s *recordingSink) Dispatch(msg model.Message) {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = m.Type
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fastBackoff(attempts int) Backoff {
	return Backoff{
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		MaxAttempts:  attempts,
	}
}

func newTestManager(t *testing.T, d *fakeDialer, sink Dispatcher, b Backoff) Manager {
	t.Helper()
	if sink == nil {
		sink = &recordingSink{}
	}
	cfg := DefaultManagerConfig()
	cfg.URL = "ws://hub.test/ws"
	cfg.SessionID = "sess-1"
	cfg.Backoff = b

	m := NewManager(cfg, sink, nil,
		WithDialer(d.dial),
		WithJitterSource(func() float64 { return 0 }),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Stop(ctx)
	})
	return m
}

func startManager(t *testing.T, m Manager) {
	t.Helper()
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
}

func isConnected(m Manager) func() bool {
	return func() bool { return m.State() == StateConnected }
}

func subscribedSet(cmds []model.Command) map[string]bool {
	set := make(map[string]bool)
	for _, c := range cmds {
		if c.Type == model.TypeSubscribe {
			set[c.TicketID] = true
		}
	}
	return set
}

func TestManager_StartConnects(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, nil, fastBackoff(3))
	startManager(t, m)

	waitFor(t, "connected", isConnected(m))

	d.mu.Lock()
	u, err := url.Parse(d.urls[0])
	d.mu.Unlock()
	if err != nil {
		t.Fatalf("dialed invalid URL: %v", err)
	}
	if got := u.Query().Get("session"); got != "sess-1" {
		t.Errorf("session = %q, want sess-1", got)
	}
	if got := m.Stats().Connects; got != 1 {
		t.Errorf("Connects = %d, want 1", got)
	}

	// Connect while connected is a no-op.
	m.Connect()
	time.Sleep(10 * time.Millisecond)
	if got := d.dials(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
}

func TestManager_StartEmptyURL(t *testing.T) {
	m := NewManager(ManagerConfig{}, &recordingSink{}, nil)
	if err := m.Start(context.Background()); !errors.Is(err, ErrEmptyURL) {
		t.Errorf("Start = %v, want ErrEmptyURL", err)
	}
}

func TestManager_SubscribeIdempotent(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, nil, fastBackoff(3))
	startManager(t, m)
	waitFor(t, "connected", isConnected(m))

	m.Subscribe("T-1")
	m.Subscribe("T-1")
	m.Unsubscribe("T-1")
	m.Unsubscribe("T-1")
	m.Unsubscribe("never-subscribed")
	m.Subscribe("")

	want := []model.Command{
		{Type: model.TypeSubscribe, TicketID: "T-1"},
		{Type: model.TypeUnsubscribe, TicketID: "T-1"},
	}
	if got := d.last().commands(); !reflect.DeepEqual(got, want) {
		t.Errorf("commands = %+v, want %+v", got, want)
	}
	if got := m.Channels(); len(got) != 0 {
		t.Errorf("Channels = %v, want empty", got)
	}
}

func TestManager_SubscribeBeforeStart(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, nil, fastBackoff(3))

	m.Subscribe("b")
	m.Subscribe("a")
	if got := m.Channels(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Channels = %v, want [a b]", got)
	}
	if got := d.dials(); got != 0 {
		t.Fatalf("dials before Start = %d, want 0", got)
	}

	startManager(t, m)
	waitFor(t, "connected", isConnected(m))

	got := subscribedSet(d.last().commands())
	if !reflect.DeepEqual(got, map[string]bool{"a": true, "b": true}) {
		t.Errorf("replayed = %v, want a and b", got)
	}
}

func TestManager_ReplayAfterDrop(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, nil, fastBackoff(3))
	startManager(t, m)
	waitFor(t, "connected", isConnected(m))

	m.Subscribe("T-1")
	m.Subscribe("user:42")
	m.Subscribe("*")
	m.Unsubscribe("user:42")

	first := d.last()
	first.end(CloseEvent{Code: CloseAbnormal, Err: errors.New("connection reset")})

	waitFor(t, "second connection", func() bool {
		return d.dials() == 2 && m.State() == StateConnected
	})

	second := d.last()
	if second == first {
		t.Fatal("expected a new client")
	}
	got := subscribedSet(second.commands())
	want := map[string]bool{"T-1": true, "*": true}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("replayed = %v, want %v", got, want)
	}
	if len(second.commands()) != 2 {
		t.Errorf("replay sent %d frames, want exactly 2", len(second.commands()))
	}
	if got := m.Channels(); !reflect.DeepEqual(got, []string{"*", "T-1"}) {
		t.Errorf("Channels = %v", got)
	}
	if got := m.Budget().Attempts; got != 0 {
		t.Errorf("Attempts after reopen = %d, want 0", got)
	}
}

func TestManager_BudgetExhaustion(t *testing.T) {
	d := &fakeDialer{}
	d.setFail(errors.New("refused"))
	m := newTestManager(t, d, nil, fastBackoff(3))
	startManager(t, m)

	waitFor(t, "failed", func() bool { return m.State() == StateFailed })

	// Initial dial plus three automatic attempts.
	if got := d.dials(); got != 4 {
		t.Errorf("dials = %d, want 4", got)
	}
	if got := m.Budget().Attempts; got != 3 {
		t.Errorf("Attempts = %d, want 3", got)
	}

	time.Sleep(30 * time.Millisecond)
	if got := d.dials(); got != 4 {
		t.Errorf("dials after failure = %d, want no further attempts", got)
	}

	// A manual reconnect resets the budget.
	d.setFail(nil)
	m.Reconnect()
	waitFor(t, "connected", isConnected(m))
	if got := m.Budget().Attempts; got != 0 {
		t.Errorf("Attempts = %d, want 0", got)
	}
}

func TestManager_BudgetExhaustionDefaultAttempts(t *testing.T) {
	b := DefaultBackoff()
	b.InitialDelay = time.Millisecond
	b.MaxDelay = 2 * time.Millisecond
	b.MaxJitter = 0

	d := &fakeDialer{}
	d.setFail(errors.New("refused"))
	m := newTestManager(t, d, nil, b)
	startManager(t, m)

	waitFor(t, "failed", func() bool { return m.State() == StateFailed })

	if got, want := d.dials(), b.MaxAttempts+1; got != want {
		t.Errorf("dials = %d, want %d", got, want)
	}
	if got := m.Budget().Attempts; got != b.MaxAttempts {
		t.Errorf("Attempts = %d, want %d", got, b.MaxAttempts)
	}
}

func TestManager_BudgetResetOnSuccess(t *testing.T) {
	d := &fakeDialer{}
	d.setFail(errors.New("refused"))
	m := newTestManager(t, d, nil, fastBackoff(0))

	var mu sync.Mutex
	var retries []StateChange
	var connected bool
	m.OnStateChange(func(c StateChange) {
		mu.Lock()
		defer mu.Unlock()
		switch c.To {
		case StateConnected:
			connected = true
		case StateReconnecting:
			if c.Delay > 0 {
				retries = append(retries, c)
			}
		}
	})
	scheduled := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(retries)
	}

	startManager(t, m)

	waitFor(t, "retries", func() bool { return d.dials() >= 4 })
	d.setFail(nil)
	waitFor(t, "connected", isConnected(m))

	if got := m.Budget(); got.Attempts != 0 {
		t.Errorf("Budget = %+v, want reset", got)
	}
	waitFor(t, "observer to see connect", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return connected
	})

	before := scheduled()
	d.last().end(CloseEvent{Code: CloseAbnormal, Err: errors.New("connection reset")})
	waitFor(t, "retry after drop", func() bool { return scheduled() > before })

	mu.Lock()
	next := retries[before]
	mu.Unlock()
	if next.Delay != time.Millisecond {
		t.Errorf("Delay after drop = %v, want the initial delay", next.Delay)
	}
	if next.Attempt != 1 {
		t.Errorf("Attempt after drop = %d, want 1", next.Attempt)
	}
}

func TestManager_DisconnectClearsState(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, nil, fastBackoff(3))
	startManager(t, m)
	waitFor(t, "connected", isConnected(m))

	m.Subscribe("T-1")
	client := d.last()

	m.Disconnect()

	if got := m.State(); got != StateDisconnected {
		t.Errorf("State = %v, want disconnected", got)
	}
	if got := m.Channels(); len(got) != 0 {
		t.Errorf("Channels = %v, want empty", got)
	}
	if ev := client.CloseEvent(); ev.Code != CloseNormal {
		t.Errorf("close code = %d, want %d", ev.Code, CloseNormal)
	}

	time.Sleep(20 * time.Millisecond)
	if got := d.dials(); got != 1 {
		t.Errorf("dials = %d, want no reconnect after Disconnect", got)
	}

	// The manager is reusable.
	m.Subscribe("T-2")
	m.Connect()
	waitFor(t, "reconnected", isConnected(m))
	if got := subscribedSet(d.last().commands()); !reflect.DeepEqual(got, map[string]bool{"T-2": true}) {
		t.Errorf("replayed = %v, want only T-2", got)
	}
}

func TestManager_DisconnectCancelsPendingRetry(t *testing.T) {
	d := &fakeDialer{}
	d.setFail(errors.New("refused"))
	m := newTestManager(t, d, nil, Backoff{InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second, MaxAttempts: 5})
	startManager(t, m)

	waitFor(t, "reconnecting", func() bool { return m.State() == StateReconnecting })
	m.Disconnect()

	time.Sleep(100 * time.Millisecond)
	if got := d.dials(); got != 1 {
		t.Errorf("dials = %d, want pending retry cancelled", got)
	}
	if got := m.State(); got != StateDisconnected {
		t.Errorf("State = %v, want disconnected", got)
	}
}

func TestManager_StalledWriteDoesNotBlockQueries(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, nil, fastBackoff(3))
	startManager(t, m)
	waitFor(t, "connected", isConnected(m))

	client := d.last()
	release := make(chan struct{})
	entered := client.stallSends(release)
	var once sync.Once
	unstall := func() { once.Do(func() { close(release) }) }
	defer unstall()

	done := make(chan struct{})
	go func() {
		m.Subscribe("T-1")
		close(done)
	}()

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("subscribe frame was never written")
	}

	queried := make(chan struct{})
	go func() {
		m.State()
		m.Channels()
		m.Budget()
		close(queried)
	}()
	select {
	case <-queried:
	case <-time.After(time.Second):
		t.Fatal("queries blocked behind a stalled write")
	}

	// Changes made during the stall go out after it, in order.
	m.Subscribe("T-2")
	m.Unsubscribe("T-1")

	unstall()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Subscribe did not return")
	}

	want := []model.Command{
		{Type: model.TypeSubscribe, TicketID: "T-1"},
		{Type: model.TypeUnsubscribe, TicketID: "T-1"},
		{Type: model.TypeSubscribe, TicketID: "T-2"},
	}
	if got := client.commands(); !reflect.DeepEqual(got, want) {
		t.Errorf("commands = %+v, want %+v", got, want)
	}
}

func TestManager_NumericTicketIDDispatched(t *testing.T) {
	d := &fakeDialer{}
	sink := &recordingSink{}
	m := newTestManager(t, d, sink, fastBackoff(3))
	startManager(t, m)
	waitFor(t, "connected", isConnected(m))

	client := d.last()
	client.deliver(`{"type":"ticket-updated","ticketId":1042,"data":{"status":"open"}}`)
	client.deliver(`{"type":"ticket-updated","ticketId":"1042","data":{"status":"open"}}`)

	waitFor(t, "both frames", func() bool { return len(sink.types()) == 2 })

	sink.mu.Lock()
	for i, msg := range sink.msgs {
		if msg.TicketID != "1042" {
			t.Errorf("frame %d TicketID = %q, want 1042", i, msg.TicketID)
		}
	}
	sink.mu.Unlock()

	if got := m.Stats().ParseErrors; got != 0 {
		t.Errorf("ParseErrors = %d, want 0", got)
	}
}

func TestManager_ControlFramesNotDispatched(t *testing.T) {
	d := &fakeDialer{}
	sink := &recordingSink{}
	m := newTestManager(t, d, sink, fastBackoff(3))
	startManager(t, m)
	waitFor(t, "connected", isConnected(m))

	c := d.last()
	c.deliver(`{"type":"connected","clientId":"c-9"}`)
	c.deliver(`{"type":"subscribed","ticketId":"T-1"}`)
	c.deliver(`{"type":"pong"}`)
	c.deliver(`not json`)
	c.deliver(`{"ticketId":"T-1"}`)
	c.deliver(`{"type":"ticket-updated","ticketId":"T-1","data":{"status":"open"}}`)

	waitFor(t, "dispatch", func() bool { return len(sink.types()) == 1 })

	if got := sink.types(); !reflect.DeepEqual(got, []string{model.EventTicketUpdated}) {
		t.Errorf("dispatched = %v", got)
	}
	if got := m.ClientID(); got != "c-9" {
		t.Errorf("ClientID = %q, want c-9", got)
	}

	stats := m.Stats()
	if stats.ControlFrames != 3 {
		t.Errorf("ControlFrames = %d, want 3", stats.ControlFrames)
	}
	if stats.ParseErrors != 2 {
		t.Errorf("ParseErrors = %d, want 2", stats.ParseErrors)
	}
}

func TestManager_DispatcherPanicKeepsPumping(t *testing.T) {
	d := &fakeDialer{}
	var mu sync.Mutex
	var seen []string
	sink := DispatcherFunc(func(msg model.Message) {
		mu.Lock()
		seen = append(seen, msg.TicketID)
		mu.Unlock()
		if msg.TicketID == "boom" {
			panic("handler exploded")
		}
	})
	m := newTestManager(t, d, sink, fastBackoff(3))
	startManager(t, m)
	waitFor(t, "connected", isConnected(m))

	c := d.last()
	c.deliver(`{"type":"ticket-updated","ticketId":"boom"}`)
	c.deliver(`{"type":"ticket-updated","ticketId":"T-2"}`)

	waitFor(t, "second frame", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	})
	if got := m.State(); got != StateConnected {
		t.Errorf("State = %v, want connected", got)
	}
}

func TestManager_StateChanges(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, nil, fastBackoff(3))

	var mu sync.Mutex
	var got []State
	dispose := m.OnStateChange(func(c StateChange) {
		mu.Lock()
		got = append(got, c.To)
		mu.Unlock()
	})

	startManager(t, m)
	waitFor(t, "observer", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})

	mu.Lock()
	want := []State{StateConnecting, StateConnected}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}
	mu.Unlock()

	dispose()
	dispose()
	m.Disconnect()
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Errorf("disposed observer still called: %v", got)
	}
}

func TestManager_ReconnectIgnoresOldSocket(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, nil, fastBackoff(3))
	startManager(t, m)
	waitFor(t, "connected", isConnected(m))
	first := d.last()

	m.Reconnect()
	waitFor(t, "second connection", func() bool {
		return d.dials() == 2 && m.State() == StateConnected
	})

	if first.isOpen() {
		t.Error("old client not closed")
	}

	time.Sleep(20 * time.Millisecond)
	if got := d.dials(); got != 2 {
		t.Errorf("dials = %d, old socket close must not trigger a retry", got)
	}
}

func TestManager_StopIsTerminal(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, nil, fastBackoff(3))
	startManager(t, m)
	waitFor(t, "connected", isConnected(m))
	m.Subscribe("T-1")

	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Errorf("second Stop = %v, want nil", err)
	}

	if got := m.State(); got != StateDisconnected {
		t.Errorf("State = %v, want disconnected", got)
	}
	if got := m.Channels(); len(got) != 0 {
		t.Errorf("Channels = %v, want empty", got)
	}

	m.Subscribe("T-2")
	m.Connect()
	m.Reconnect()
	time.Sleep(10 * time.Millisecond)

	if got := m.Channels(); len(got) != 0 {
		t.Errorf("Subscribe after Stop tracked %v", got)
	}
	if got := d.dials(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
	if err := m.Start(context.Background()); !errors.Is(err, ErrTornDown) {
		t.Errorf("Start after Stop = %v, want ErrTornDown", err)
	}
}

func TestManager_EndToEnd(t *testing.T) {
	var mu sync.Mutex
	conns := 0
	frames := make(chan model.Command, 16)

	server := mockWSServer(t, func(conn *websocket.Conn) {
		mu.Lock()
		conns++
		n := conns
		mu.Unlock()

		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"connected","clientId":"hub-1"}`))

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cmd model.Command
			if json.Unmarshal(data, &cmd) != nil || cmd.Type == model.TypePing {
				continue
			}
			frames <- cmd
			if cmd.Type == model.TypeSubscribe {
				conn.WriteMessage(websocket.TextMessage,
					[]byte(`{"type":"ticket-updated","ticketId":"`+cmd.TicketID+`"}`))
				if n == 1 {
					// Drop without a close frame.
					return
				}
			}
		}
	})
	defer server.Close()

	cfg := DefaultManagerConfig()
	cfg.URL = wsURL(server)
	cfg.Backoff = fastBackoff(5)
	cfg.Client = testClientConfig("")

	sink := &recordingSink{}
	m := NewManager(cfg, sink, nil)
	m.Subscribe("T-7")
	startManager(t, m)
	defer m.Stop(context.Background())

	for i := 0; i < 2; i++ {
		select {
		case cmd := <-frames:
			if cmd.Type != model.TypeSubscribe || cmd.TicketID != "T-7" {
				t.Errorf("frame %d = %+v, want subscribe T-7", i, cmd)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for subscribe frame %d", i)
		}
	}

	waitFor(t, "reconnected", func() bool {
		return m.State() == StateConnected && m.Stats().Connects == 2
	})
	waitFor(t, "client id", func() bool { return m.ClientID() == "hub-1" })
	waitFor(t, "events", func() bool { return len(sink.types()) >= 1 })
}
