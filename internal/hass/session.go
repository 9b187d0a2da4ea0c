package hass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

// ResendPolicy declares whether a request may be written again after the
// connection it was sent on is lost before a result arrived.
type ResendPolicy int

const (
	// NoResend fails the request with ErrTransportLost if the connection
	// drops after the request was written. Use for anything with side effects.
	NoResend ResendPolicy = iota

	// Resend writes the request again on the next connection. Use only for
	// reads and other requests that are harmless to execute twice.
	Resend
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Stats holds operational statistics.
type Stats struct {
	State            State
	HAVersion        string
	Pending          int
	Listeners        int
	HubSubscriptions int
	RequestsTotal    uint64
	EventsReceived   uint64
	EventsDropped    uint64
	DecodeErrors     uint64
	StaleResults     uint64
	ReconnectsTotal  uint64
	LastActivity     time.Time
}

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Session is a persistent, authenticated connection to the Home Assistant
// websocket API shared by any number of concurrent callers.
//
// Callers issue correlated requests with Send (or the typed commands built
// on it) and observe hub events with Subscribe. One background goroutine
// owns the connection: it dials, authenticates, reads every inbound frame in
// arrival order and reconnects with backoff when the connection is lost.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Event listeners are fed through bounded queues and never block the reader.
//
// Reconnection:
//   - Requests issued while reconnecting are queued and written once Ready.
//   - Requests already written when the connection dropped are written again
//     if sent with Resend, and fail with ErrTransportLost otherwise.
//   - Correlation ids restart at 1 on every connection.
type Session struct {
	cfg    Config
	wsURL  string
	dialer *websocket.Dialer

	table   *pendingTable
	events  *registry
	hubSubs *hubSubscriptions
	metrics *sessionMetrics
	flight  singleflight.Group

	// Connection state. The write lock is held while a connection becomes
	// Ready and while it is torn down, so callers never observe a
	// half-transitioned session.
	mu           sync.RWMutex
	state        State
	conn         *websocket.Conn
	gen          uint64
	everReady    bool
	unavailable  bool
	fatalErr     error
	haVersion    string
	stateChanged chan struct{}

	// Serializes frame writes on the current connection.
	writeMu sync.Mutex

	onStateChange   func(State)
	onStateChangeMu sync.RWMutex

	started atomic.Bool
	runCtx  context.Context
	cancel  context.CancelFunc
	done    *closeOnce
	wg      sync.WaitGroup

	// Logger (optional)
	logger   Logger
	loggerMu sync.RWMutex

	// Statistics (atomic for performance)
	requestsTotal   atomic.Uint64
	eventsReceived  atomic.Uint64
	eventsDropped   atomic.Uint64
	decodeErrors    atomic.Uint64
	staleResults    atomic.Uint64
	reconnectsTotal atomic.Uint64
	lastActivity    atomic.Int64 // Unix nanoseconds
}

// New creates a session. It does not connect; call Start.
//
// Parameters:
//   - cfg: Hub address, token and timing
//   - reg: Prometheus registerer for session metrics (nil disables metrics)
//
// Returns:
//   - *Session: Session ready to Start
//   - error: ErrNotConfigured if cfg.Token is empty, or an invalid URL
func New(cfg Config, reg prometheus.Registerer) (*Session, error) {
	if cfg.Token == "" {
		return nil, ErrNotConfigured
	}
	cfg = cfg.withDefaults()

	wsURL, err := WebsocketURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	metrics, err := newSessionMetrics(reg)
	if err != nil {
		return nil, fmt.Errorf("registering hass metrics: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:   cfg,
		wsURL: wsURL,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		table:        newPendingTable(),
		events:       newRegistry(cfg.EventQueueSize),
		hubSubs:      newHubSubscriptions(),
		metrics:      metrics,
		state:        StateDisconnected,
		stateChanged: make(chan struct{}),
		runCtx:       runCtx,
		cancel:       cancel,
		done:         newCloseOnce(),
	}
	s.metrics.setState(StateDisconnected)
	return s, nil
}

// Start launches the connection goroutine and returns immediately.
// Use WaitReady to block until the first connection is authenticated.
func (s *Session) Start() error {
	if s.isClosed() {
		return ErrClosed
	}
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("hass: session already started")
	}

	s.wg.Add(1)
	go s.run()
	return nil
}

// WaitReady blocks until the session is Ready, authentication has failed,
// the session is closed, or ctx ends.
func (s *Session) WaitReady(ctx context.Context) error {
	for {
		s.mu.RLock()
		state, fatal, changed := s.state, s.fatalErr, s.stateChanged
		s.mu.RUnlock()

		switch {
		case state == StateReady:
			return nil
		case fatal != nil:
			return fatal
		case state == StateClosed:
			return ErrClosed
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return waitError(ctx)
		}
	}
}

// Send issues one request and waits for its result.
//
// The wait is bounded by ctx and by Config.RequestTimeout, whichever ends
// first. If the session is between connections the request is queued and
// written once the connection is Ready again.
//
// Parameters:
//   - ctx: Context for cancellation and deadline
//   - msgType: Hub command type, e.g. "get_states"
//   - payload: Command fields (struct or map), flattened into the frame; may be nil
//   - policy: Whether the request may be written again after a reconnect
//
// Returns:
//   - json.RawMessage: The "result" member of a successful result frame
//   - error: *HubError, or one of ErrNotConnected, ErrAuthenticationFailed,
//     ErrTimeout, ErrCancelled, ErrTransportLost, ErrUnavailable, ErrClosed
func (s *Session) Send(ctx context.Context, msgType string, payload any, policy ResendPolicy) (json.RawMessage, error) {
	return s.send(ctx, newPendingRequest(msgType, payload, policy == Resend))
}

func (s *Session) send(ctx context.Context, p *pendingRequest) (json.RawMessage, error) {
	started := time.Now()
	s.requestsTotal.Add(1)

	result, err := s.await(ctx, p)

	s.metrics.observeRequest(p.msgType, started, err)
	s.metrics.setPending(s.table.len())
	return result, err
}

func (s *Session) await(ctx context.Context, p *pendingRequest) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, waitError(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	s.table.stamp(p)
	if err := s.submit(p); err != nil {
		return nil, err
	}
	s.metrics.setPending(s.table.len())

	select {
	case r := <-p.done:
		return r.result, r.err
	case <-ctx.Done():
		s.table.remove(p)
		err := fmt.Errorf("%s: %w", p.msgType, waitError(ctx))
		if p.resolve(nil, err) {
			return nil, err
		}
		// Resolved concurrently; that outcome wins.
		r := <-p.done
		return r.result, r.err
	}
}

// submit writes p if Ready, queues it otherwise, or returns why it cannot
// be accepted at all.
func (s *Session) submit(p *pendingRequest) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.admissionErrLocked(); err != nil {
		return err
	}

	if p.gen != 0 && (s.state != StateReady || p.gen != s.gen) {
		return fmt.Errorf("%w: %s", ErrTransportLost, p.msgType)
	}

	if s.state != StateReady || s.conn == nil {
		s.table.park(p)
		return nil
	}

	s.transmit(s.conn, p)
	return nil
}

// admissionErrLocked reports why a new request cannot be accepted.
// Caller must hold s.mu.
func (s *Session) admissionErrLocked() error {
	switch {
	case s.state == StateClosed || s.isClosed():
		return ErrClosed
	case s.fatalErr != nil:
		return s.fatalErr
	case !s.everReady && !s.state.attempting():
		return ErrNotConnected
	case s.unavailable:
		return ErrUnavailable
	}
	return nil
}

// transmit assigns p an id on conn and writes its frame.
// Caller must hold s.mu (read or write).
func (s *Session) transmit(conn *websocket.Conn, p *pendingRequest) {
	id := s.table.add(p)

	frame, err := EncodeRequest(id, p.msgType, p.payload)
	if err != nil {
		s.table.remove(p)
		p.resolve(nil, err)
		return
	}

	if err := s.writeFrame(conn, frame); err != nil {
		// The reader sees the closed connection and runs loss handling,
		// which decides this request's fate by its resend policy.
		s.logWarn("write failed, dropping connection", "type", p.msgType, "id", id, "error", err)
		conn.Close() //nolint:errcheck // Best effort, reader handles the loss
		return
	}
	s.logDebug("request sent", "type", p.msgType, "id", id)
}

// writeFrame writes one text frame with the configured deadline.
func (s *Session) writeFrame(conn *websocket.Conn, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Subscribe registers a listener for topic (an event type, or TopicAll).
// It never blocks. On a closed session the returned subscription's channel
// is already closed.
func (s *Session) Subscribe(topic string) *Subscription {
	if topic == "" {
		topic = TopicAll
	}
	sub, first := s.events.subscribe(topic)
	if first {
		s.openHubSubscription(topic)
	}
	return sub
}

// Unsubscribe removes a listener and closes its channel. Calling it again,
// or after Close, is a no-op.
func (s *Session) Unsubscribe(sub *Subscription) {
	if s.events.unsubscribe(sub) {
		s.closeHubSubscription(sub.topic)
	}
}

// openHubSubscription asks the hub to start sending events for topic on the
// current connection. Without a Ready connection it does nothing: every
// Ready reopens all subscribed topics.
func (s *Session) openHubSubscription(topic string) {
	s.mu.RLock()
	ready, gen := s.state == StateReady, s.gen
	s.mu.RUnlock()
	if !ready {
		return
	}

	hs := s.hubSubs.begin(topic, gen)
	if hs == nil {
		return
	}

	var payload any
	if topic != TopicAll {
		payload = map[string]string{"event_type": topic}
	}
	p := newPendingRequest("subscribe_events", payload, false)
	p.gen = gen
	p.onID = func(id int64) { s.hubSubs.bind(hs, id) }

	started := s.goTracked(func() {
		ctx, cancel := context.WithCancel(s.runCtx)
		defer cancel()

		if _, err := s.send(ctx, p); err != nil {
			s.hubSubs.abandon(hs)
			if errors.Is(err, ErrHub) {
				s.logWarn("hub rejected event subscription", "topic", topic, "error", err)
			} else {
				s.logDebug("event subscription not established", "topic", topic, "error", err)
			}
			return
		}

		if !s.hubSubs.current(hs) {
			// Last listener left while the request was in flight.
			s.unsubscribeHub(hs.id, gen)
			return
		}
		s.logDebug("event subscription established", "topic", topic, "subscription", hs.id)
	})
	if !started {
		s.hubSubs.abandon(hs)
	}
}

// closeHubSubscription stops hub delivery for a topic with no listeners left.
func (s *Session) closeHubSubscription(topic string) {
	id, gen := s.hubSubs.release(topic)
	if id == 0 {
		return
	}

	s.goTracked(func() { s.unsubscribeHub(id, gen) })
}

// goTracked runs fn on a goroutine that Close waits for. It reports false,
// without running fn, once Close has begun.
func (s *Session) goTracked(fn func()) bool {
	// Close takes the write lock after closing done, so an Add made under
	// the read lock always precedes its wg.Wait.
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.isClosed() {
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

func (s *Session) unsubscribeHub(id int64, gen uint64) {
	p := newPendingRequest("unsubscribe_events", map[string]int64{"subscription": id}, false)
	p.gen = gen

	ctx, cancel := context.WithCancel(s.runCtx)
	defer cancel()

	if _, err := s.send(ctx, p); err != nil {
		s.logDebug("unsubscribe_events failed", "subscription", id, "error", err)
	}
}

// SetLogger sets the logger for this session.
func (s *Session) SetLogger(logger Logger) {
	s.loggerMu.Lock()
	s.logger = logger
	s.loggerMu.Unlock()
}

// SetOnStateChange registers a callback invoked after every state change.
// It runs on the connection goroutine and must not block.
func (s *Session) SetOnStateChange(fn func(State)) {
	s.onStateChangeMu.Lock()
	s.onStateChange = fn
	s.onStateChangeMu.Unlock()
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Stats returns current operational statistics.
func (s *Session) Stats() Stats {
	s.mu.RLock()
	state, version := s.state, s.haVersion
	s.mu.RUnlock()

	var last time.Time
	if ns := s.lastActivity.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}

	return Stats{
		State:            state,
		HAVersion:        version,
		Pending:          s.table.len(),
		Listeners:        s.events.listenerCount(),
		HubSubscriptions: s.hubSubs.active(),
		RequestsTotal:    s.requestsTotal.Load(),
		EventsReceived:   s.eventsReceived.Load(),
		EventsDropped:    s.eventsDropped.Load(),
		DecodeErrors:     s.decodeErrors.Load(),
		StaleResults:     s.staleResults.Load(),
		ReconnectsTotal:  s.reconnectsTotal.Load(),
		LastActivity:     last,
	}
}

// HealthCheck returns nil when the session is Ready.
func (s *Session) HealthCheck(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch {
	case s.state == StateReady:
		return nil
	case s.fatalErr != nil:
		return s.fatalErr
	case s.state == StateClosed:
		return ErrClosed
	default:
		return fmt.Errorf("%w: state %s", ErrNotConnected, s.state)
	}
}

// Close shuts the session down. Pending requests fail with ErrCancelled
// (wrapping ErrClosed) and every subscription channel is closed.
// Safe to call multiple times.
func (s *Session) Close() error {
	s.done.Close()
	s.cancel()

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	changed := s.setStateLocked(StateClosed)
	s.mu.Unlock()

	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, //nolint:errcheck // Best effort close handshake
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		conn.Close() //nolint:errcheck // Unblocks the reader
	}

	s.wg.Wait()

	if n := s.table.drain(fmt.Errorf("%w: %w", ErrCancelled, ErrClosed)); n > 0 {
		s.logInfo("failed pending requests on shutdown", "count", n)
	}
	s.events.closeAll()
	s.metrics.setPending(0)

	if changed {
		s.notifyState(StateClosed)
		s.logInfo("session closed")
	}
	return nil
}

// isClosed returns true if Close has been called.
func (s *Session) isClosed() bool {
	select {
	case <-s.done.Done():
		return true
	default:
		return false
	}
}

// setStateLocked records a transition and wakes WaitReady callers.
// Closed is terminal. Caller must hold s.mu for writing.
func (s *Session) setStateLocked(state State) bool {
	if s.state == state || s.state == StateClosed {
		return false
	}
	s.state = state
	close(s.stateChanged)
	s.stateChanged = make(chan struct{})
	s.metrics.setState(state)
	return true
}

// setState is setStateLocked plus notification for callers not holding s.mu.
func (s *Session) setState(state State) {
	s.mu.Lock()
	changed := s.setStateLocked(state)
	s.mu.Unlock()
	if changed {
		s.notifyState(state)
	}
}

func (s *Session) notifyState(state State) {
	s.onStateChangeMu.RLock()
	fn := s.onStateChange
	s.onStateChangeMu.RUnlock()

	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logError("state change callback panic", fmt.Errorf("%v", r))
		}
	}()
	fn(state)
}

// waitError maps a finished context to ErrTimeout or ErrCancelled.
func waitError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ErrCancelled
}

func (s *Session) getLogger() Logger {
	s.loggerMu.RLock()
	defer s.loggerMu.RUnlock()
	return s.logger
}

func (s *Session) logDebug(msg string, keysAndValues ...any) {
	if logger := s.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (s *Session) logInfo(msg string, keysAndValues ...any) {
	if logger := s.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (s *Session) logWarn(msg string, keysAndValues ...any) {
	if logger := s.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (s *Session) logError(msg string, err error) {
	if logger := s.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}
