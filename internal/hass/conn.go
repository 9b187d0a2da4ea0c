package hass

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/gorilla/websocket"
)

// run owns the connection for the lifetime of the session:
// connect, authenticate, read until the connection fails, back off, repeat.
func (s *Session) run() {
	defer s.wg.Done()

	failures := 0
	for {
		if s.isClosed() {
			return
		}

		s.setState(StateConnecting)
		conn, version, err := s.connect()
		if err != nil {
			if errors.Is(err, ErrAuthenticationFailed) {
				s.failAuthentication(err)
				return
			}
			if s.isClosed() {
				return
			}

			failures++
			s.logWarn("connection attempt failed", "attempt", failures, "url", s.wsURL, "error", err)
			if limit := s.cfg.MaxAttempts; limit > 0 && failures == limit {
				s.markUnavailable(failures, err)
			}

			s.setState(StateReconnecting)
			if !s.sleep(s.backoff(failures)) {
				return
			}
			continue
		}

		failures = 0
		stop := s.becomeReady(conn, version)
		if stop == nil {
			// Closed during the handshake.
			conn.Close() //nolint:errcheck // Session is shutting down
			return
		}

		err = s.readLoop(conn)
		close(stop)
		s.connectionLost(conn, err)

		if !s.sleep(s.backoff(1)) {
			return
		}
	}
}

// connect dials the hub and completes the auth handshake.
func (s *Session) connect() (*websocket.Conn, string, error) {
	ctx, cancel := context.WithTimeout(s.runCtx, s.cfg.HandshakeTimeout)
	defer cancel()

	conn, resp, err := s.dialer.DialContext(ctx, s.wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close() //nolint:errcheck // Handshake response body is unused
	}
	if err != nil {
		return nil, "", fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(s.cfg.MaxMessageSize)

	// Unblock handshake reads if the session closes or the deadline passes.
	stop := context.AfterFunc(ctx, func() { conn.Close() }) //nolint:errcheck // Best effort
	defer stop()

	s.setState(StateAuthenticating)
	version, err := s.authenticate(ctx, conn)
	if err != nil {
		conn.Close() //nolint:errcheck // Connection is discarded
		return nil, "", err
	}
	if !stop() {
		// AfterFunc already fired and closed the connection.
		return nil, "", fmt.Errorf("handshake: %w", ctx.Err())
	}
	return conn, version, nil
}

// authenticate performs the auth_required / auth / auth_ok exchange.
// Returns the hub version reported by auth_ok.
func (s *Session) authenticate(ctx context.Context, conn *websocket.Conn) (string, error) {
	deadline, _ := ctx.Deadline()
	if err := conn.SetReadDeadline(deadline); err != nil {
		return "", fmt.Errorf("set read deadline: %w", err)
	}

	hello, err := readHandshakeFrame(conn)
	if err != nil {
		return "", fmt.Errorf("reading auth challenge: %w", err)
	}
	if hello.Kind != KindAuthRequired {
		return "", fmt.Errorf("%w: expected auth_required, got kind %d", ErrMalformedFrame, hello.Kind)
	}

	authFrame, err := EncodeAuth(s.cfg.Token)
	if err != nil {
		return "", err
	}
	if err := s.writeFrame(conn, authFrame); err != nil {
		return "", fmt.Errorf("sending credentials: %w", err)
	}

	reply, err := readHandshakeFrame(conn)
	if err != nil {
		return "", fmt.Errorf("reading auth reply: %w", err)
	}

	switch reply.Kind {
	case KindAuthOK:
		return reply.HAVersion, conn.SetReadDeadline(time.Time{})
	case KindAuthInvalid:
		return "", fmt.Errorf("%w: %s", ErrAuthenticationFailed, reply.Message)
	default:
		return "", fmt.Errorf("%w: expected auth reply, got kind %d", ErrMalformedFrame, reply.Kind)
	}
}

func readHandshakeFrame(conn *websocket.Conn) (Frame, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	frames, err := DecodeFrames(data)
	if err != nil {
		return Frame{}, err
	}
	if len(frames) != 1 {
		return Frame{}, fmt.Errorf("%w: %d frames during handshake", ErrMalformedFrame, len(frames))
	}
	return frames[0], nil
}

// becomeReady installs conn as the current connection, restarts correlation
// ids, writes every carried-over request and reopens hub subscriptions.
// Returns the heartbeat stop channel, or nil if the session was closed.
func (s *Session) becomeReady(conn *websocket.Conn, version string) chan struct{} {
	s.mu.Lock()
	if s.state == StateClosed || s.isClosed() {
		s.mu.Unlock()
		return nil
	}

	reconnected := s.everReady
	s.conn = conn
	s.gen++
	gen := s.gen
	s.everReady = true
	s.unavailable = false
	s.haVersion = version
	s.hubSubs.reset(gen)

	carried := s.table.reset()
	resent := 0
	for _, p := range carried {
		if p.resolved.Load() {
			continue
		}
		s.transmit(conn, p)
		resent++
	}
	s.setStateLocked(StateReady)
	s.mu.Unlock()

	s.lastActivity.Store(time.Now().UnixNano())
	if reconnected {
		s.reconnectsTotal.Add(1)
		s.metrics.reconnected()
		s.logInfo("reconnected to Home Assistant", "ha_version", version, "resent", resent,
			"total_reconnects", s.reconnectsTotal.Load())
	} else {
		s.logInfo("connected to Home Assistant", "ha_version", version, "queued", resent)
	}
	s.notifyState(StateReady)

	for _, topic := range s.events.topics() {
		s.openHubSubscription(topic)
	}

	stop := make(chan struct{})
	s.wg.Add(1)
	go s.heartbeat(gen, stop)
	return stop
}

// readLoop reads frames serially until the connection fails.
func (s *Session) readLoop(conn *websocket.Conn) error {
	idle := s.cfg.PingInterval + s.cfg.PongTimeout
	for {
		if err := conn.SetReadDeadline(time.Now().Add(idle)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.lastActivity.Store(time.Now().UnixNano())

		frames, err := DecodeFrames(data)
		if err != nil {
			s.decodeErrors.Add(1)
			s.metrics.decodeError()
			s.logWarn("dropping undecodable frame", "error", err)
		}
		for _, f := range frames {
			s.dispatch(f)
		}
	}
}

// dispatch routes one inbound frame. It never blocks on a caller or listener.
func (s *Session) dispatch(f Frame) {
	switch f.Kind {
	case KindResult:
		s.hubSubs.confirm(f.ID, f.Success)

		p, ok := s.table.take(f.ID)
		if !ok {
			s.staleResults.Add(1)
			s.metrics.staleResult()
			s.logDebug("discarding result with no pending request", "id", f.ID)
			return
		}
		if f.Success {
			p.resolve(f.Result, nil)
		} else {
			p.resolve(nil, fmt.Errorf("%s: %w", p.msgType, f.Err))
		}

	case KindEvent:
		if !s.hubSubs.accept(f.ID) {
			return
		}
		s.eventsReceived.Add(1)
		_, dropped := s.events.dispatch(*f.Event)
		if dropped > 0 {
			s.eventsDropped.Add(uint64(dropped))
			s.logDebug("listener queue full, dropped oldest event", "event_type", f.Event.Type, "dropped", dropped)
		}
		s.metrics.eventDispatched(f.Event.Type, dropped)

	default:
		s.logDebug("ignoring unexpected frame", "kind", f.Kind)
	}
}

// connectionLost tears down conn and decides the fate of every pending request.
func (s *Session) connectionLost(conn *websocket.Conn, cause error) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	changed := s.setStateLocked(StateReconnecting)
	carried := s.table.reset()

	// Close has already started; nothing is carried or retried.
	closing := s.isClosed()
	cancelled := fmt.Errorf("%w: %w", ErrCancelled, ErrClosed)

	lost := 0
	for _, p := range carried {
		if p.resolved.Load() {
			continue
		}
		if closing {
			p.resolve(nil, cancelled)
			continue
		}
		if p.gen != 0 || (p.sent && !p.resendable) {
			if p.resolve(nil, fmt.Errorf("%w: %s", ErrTransportLost, p.msgType)) {
				lost++
			}
			continue
		}
		s.table.park(p)
	}
	s.mu.Unlock()

	conn.Close() //nolint:errcheck // Already failed

	if s.isClosed() {
		return
	}
	if changed {
		s.notifyState(StateReconnecting)
	}
	s.logWarn("connection to Home Assistant lost", "error", cause,
		"failed", lost, "carried", len(carried)-lost)
	s.metrics.setPending(s.table.len())
}

// heartbeat pings the hub every PingInterval for one connection generation.
// A missing pong is detected by the read deadline, not here.
func (s *Session) heartbeat(gen uint64, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-s.done.Done():
			return
		case <-ticker.C:
			p := newPendingRequest("ping", nil, false)
			p.gen = gen

			ctx, cancel := context.WithTimeout(s.runCtx, s.cfg.PongTimeout)
			_, err := s.send(ctx, p)
			cancel()
			if err != nil {
				s.logDebug("heartbeat ping failed", "error", err)
			}
		}
	}
}

// failAuthentication makes the session permanently unusable.
func (s *Session) failAuthentication(err error) {
	s.mu.Lock()
	s.fatalErr = err
	changed := s.setStateLocked(StateDisconnected)
	s.mu.Unlock()

	s.logError("Home Assistant rejected the access token, not retrying", err)
	s.table.drain(err)
	s.events.closeAll()
	s.metrics.setPending(0)
	if changed {
		s.notifyState(StateDisconnected)
	}
}

// markUnavailable fails every waiting caller after too many consecutive
// connection failures. Attempts continue; the next Ready clears the flag.
func (s *Session) markUnavailable(attempts int, cause error) {
	s.mu.Lock()
	s.unavailable = true
	s.mu.Unlock()

	err := fmt.Errorf("%w: %d consecutive connection failures: %w", ErrUnavailable, attempts, cause)
	n := s.table.drain(err)
	s.metrics.setPending(0)
	s.logError("Home Assistant unavailable, failing pending requests", err)
	if n > 0 {
		s.logWarn("failed pending requests", "count", n)
	}
}

// backoff returns the jittered delay before attempt n (1-based).
func (s *Session) backoff(n int) time.Duration {
	d := s.cfg.InitialDelay
	for i := 1; i < n && d < s.cfg.MaxDelay; i++ {
		d *= 2
	}
	if d > s.cfg.MaxDelay {
		d = s.cfg.MaxDelay
	}

	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(d-half)
}

// sleep waits for d. Returns false if the session closed first.
func (s *Session) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-s.done.Done():
		return false
	case <-t.C:
		return true
	}
}
