package hass

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

const (
	testToken   = "test-long-lived-token"
	testVersion = "2026.10.1"
	waitTimeout = 3 * time.Second
)

// hubRequest is one request frame as seen by the fake hub.
type hubRequest struct {
	ID     int64
	Type   string
	Fields map[string]any
}

// fakeHub is an in-process stand-in for the Home Assistant websocket API.
type fakeHub struct {
	t     *testing.T
	srv   *httptest.Server
	token string

	conns     chan *hubConn
	connCount atomic.Int32
	reject    atomic.Bool
	authDelay time.Duration

	mu      sync.Mutex
	handler func(c *hubConn, req hubRequest) bool
	states  []EntityState
}

// hubConn is one accepted client connection.
type hubConn struct {
	hub     *fakeHub
	ws      *websocket.Conn
	writeMu sync.Mutex
	reqs    chan hubRequest

	subMu sync.Mutex
	subs  map[string]int64 // topic -> subscription id
}

var testUpgrader = websocket.Upgrader{}

func newFakeHub(t *testing.T) *fakeHub {
	t.Helper()
	h := &fakeHub{
		t:     t,
		token: testToken,
		conns: make(chan *hubConn, 16),
		states: []EntityState{
			{EntityID: "light.kitchen", State: "on", Attributes: map[string]any{"friendly_name": "Kitchen"}},
			{EntityID: "sensor.temperature", State: "21.5", Attributes: map[string]any{"unit_of_measurement": "°C"}},
		},
	}
	h.srv = httptest.NewServer(http.HandlerFunc(h.serve))
	t.Cleanup(h.srv.Close)
	return h
}

// setHandler installs a request hook. Returning true means the hook
// answered (or deliberately ignored) the request.
func (h *fakeHub) setHandler(fn func(c *hubConn, req hubRequest) bool) {
	h.mu.Lock()
	h.handler = fn
	h.mu.Unlock()
}

func (h *fakeHub) getHandler() func(c *hubConn, req hubRequest) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handler
}

func (h *fakeHub) serve(w http.ResponseWriter, r *http.Request) {
	if h.reject.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	ws, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()
	h.connCount.Add(1)

	c := &hubConn{hub: h, ws: ws, reqs: make(chan hubRequest, 256), subs: make(map[string]int64)}
	c.send(map[string]any{"type": "auth_required", "ha_version": testVersion})

	var auth struct {
		Type        string `json:"type"`
		AccessToken string `json:"access_token"`
	}
	if err := ws.ReadJSON(&auth); err != nil {
		return
	}
	if h.authDelay > 0 {
		time.Sleep(h.authDelay)
	}
	if auth.Type != "auth" || auth.AccessToken != h.token {
		c.send(map[string]any{"type": "auth_invalid", "message": "Invalid access token or password"})
		return
	}
	c.send(map[string]any{"type": "auth_ok", "ha_version": testVersion})

	select {
	case h.conns <- c:
	default:
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var fields map[string]any
		if err := json.Unmarshal(data, &fields); err != nil {
			h.t.Errorf("fake hub: bad request frame %s: %v", data, err)
			return
		}
		id, _ := fields["id"].(float64)
		typ, _ := fields["type"].(string)
		req := hubRequest{ID: int64(id), Type: typ, Fields: fields}

		if fn := h.getHandler(); fn == nil || !fn(c, req) {
			c.respondDefault(req)
		}
		c.reqs <- req
	}
}

func (c *hubConn) respondDefault(req hubRequest) {
	switch req.Type {
	case "ping":
		c.send(map[string]any{"id": req.ID, "type": "pong"})
	case "subscribe_events":
		topic, _ := req.Fields["event_type"].(string)
		if topic == "" {
			topic = TopicAll
		}
		c.subMu.Lock()
		c.subs[topic] = req.ID
		c.subMu.Unlock()
		c.result(req.ID, nil)
	case "get_states":
		c.result(req.ID, c.hub.states)
	default:
		c.result(req.ID, map[string]any{"echo": req.Fields})
	}
}

func (c *hubConn) send(v any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteJSON(v) //nolint:errcheck // Test peer may already be gone
}

func (c *hubConn) result(id int64, result any) {
	c.send(map[string]any{"id": id, "type": "result", "success": true, "result": result})
}

func (c *hubConn) fail(id int64, code, message string) {
	c.send(map[string]any{
		"id": id, "type": "result", "success": false,
		"error": map[string]string{"code": code, "message": message},
	})
}

func (c *hubConn) event(subID int64, eventType string, data any) {
	c.send(map[string]any{
		"id":   subID,
		"type": "event",
		"event": map[string]any{
			"event_type": eventType,
			"data":       data,
			"origin":     "LOCAL",
			"time_fired": "2026-10-18T09:00:00.000000+00:00",
		},
	})
}

func (c *hubConn) subscriptionID(topic string) (int64, bool) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id, ok := c.subs[topic]
	return id, ok
}

func (c *hubConn) close() {
	c.ws.Close()
}

// waitConn returns the next authenticated connection.
func (h *fakeHub) waitConn(t *testing.T) *hubConn {
	t.Helper()
	select {
	case c := <-h.conns:
		return c
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for client connection")
		return nil
	}
}

// waitRequest returns the next request of type typ on c, skipping others.
func (c *hubConn) waitRequest(t *testing.T, typ string) hubRequest {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case req := <-c.reqs:
			if req.Type == typ {
				return req
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s request", typ)
			return hubRequest{}
		}
	}
}

// waitRequests returns one request of each type in types, in whatever order
// they arrive on c. Requests of other types are skipped.
func (c *hubConn) waitRequests(t *testing.T, types ...string) map[string]hubRequest {
	t.Helper()
	want := make(map[string]bool, len(types))
	for _, typ := range types {
		want[typ] = true
	}
	got := make(map[string]hubRequest, len(types))
	deadline := time.After(waitTimeout)
	for len(got) < len(want) {
		select {
		case req := <-c.reqs:
			if _, seen := got[req.Type]; want[req.Type] && !seen {
				got[req.Type] = req
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v requests, got %d", types, len(got))
			return got
		}
	}
	return got
}

func testConfig(h *fakeHub) Config {
	return Config{
		URL:              h.srv.URL,
		Token:            testToken,
		RequestTimeout:   waitTimeout,
		HandshakeTimeout: waitTimeout,
		PingInterval:     time.Minute,
		InitialDelay:     10 * time.Millisecond,
		MaxDelay:         50 * time.Millisecond,
	}
}

func newTestSession(t *testing.T, cfg Config) *Session {
	t.Helper()
	s, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// startSession connects a session to h and returns it with the hub side.
func startSession(t *testing.T, h *fakeHub, cfg Config) (*Session, *hubConn) {
	t.Helper()
	s := newTestSession(t, cfg)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := s.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}
	return s, h.waitConn(t)
}

// waitFor polls cond until it holds.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
