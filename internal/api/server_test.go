package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/hass-agent/internal/audit"
	"github.com/nerrad567/hass-agent/internal/hass"
	"github.com/nerrad567/hass-agent/internal/infrastructure/config"
	"github.com/nerrad567/hass-agent/internal/infrastructure/database"
	"github.com/nerrad567/hass-agent/internal/infrastructure/logging"
	"github.com/nerrad567/hass-agent/migrations"
)

const testAPIKey = "test-api-key-0123456789"

// fakeHass is an in-memory HassClient.
type fakeHass struct {
	mu       sync.Mutex
	states   []hass.EntityState
	services hass.ServiceCatalog
	err      error
	state    hass.State
	calls    []string
	lastData map[string]any
}

func (f *fakeHass) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeHass) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeHass) GetStates(context.Context) ([]hass.EntityState, error) {
	if err := f.record("get_states"); err != nil {
		return nil, err
	}
	return f.states, nil
}

func (f *fakeHass) GetState(_ context.Context, entityID string) (hass.EntityState, error) {
	if err := f.record("get_state " + entityID); err != nil {
		return hass.EntityState{}, err
	}
	for _, st := range f.states {
		if st.EntityID == entityID {
			return st, nil
		}
	}
	return hass.EntityState{}, fmt.Errorf("%w: %s", hass.ErrEntityNotFound, entityID)
}

func (f *fakeHass) GetServices(context.Context) (hass.ServiceCatalog, error) {
	if err := f.record("get_services"); err != nil {
		return nil, err
	}
	return f.services, nil
}

func (f *fakeHass) CallService(_ context.Context, domain, service string, data map[string]any) (json.RawMessage, error) {
	if err := f.record("call_service " + domain + "." + service); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.lastData = data
	f.mu.Unlock()
	return json.RawMessage(`{"context":{"id":"ctx-1"}}`), nil
}

func (f *fakeHass) ReloadDomain(_ context.Context, domain string) error {
	return f.record("reload " + domain)
}

func (f *fakeHass) RemoveEntityRegistryEntry(_ context.Context, entityID string) error {
	return f.record("registry_remove " + entityID)
}

func (f *fakeHass) RenameEntity(_ context.Context, oldID, newID, _ string) (json.RawMessage, error) {
	if oldID == "" {
		return nil, fmt.Errorf("%w: entity id required", hass.ErrInvalidCommand)
	}
	if err := f.record("rename " + oldID + " " + newID); err != nil {
		return nil, err
	}
	return json.RawMessage(`{"entity_id":"` + newID + `"}`), nil
}

func (f *fakeHass) Stats() hass.Stats {
	return hass.Stats{State: f.state, HAVersion: "2026.10.1", EventsReceived: 42}
}

func testStates() []hass.EntityState {
	return []hass.EntityState{
		{EntityID: "light.kitchen", State: "on", Attributes: map[string]any{"friendly_name": "Kitchen Light"}},
		{EntityID: "light.bedroom", State: "off", Attributes: map[string]any{"friendly_name": "Bedroom Light"}},
		{EntityID: "sensor.outdoor_temperature", State: "12.5", Attributes: map[string]any{"friendly_name": "Outdoor"}},
		{EntityID: "input_boolean.guest_mode", State: "off", Attributes: map[string]any{}},
		{EntityID: "counter.visits", State: "3", Attributes: map[string]any{}},
	}
}

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
}

func testAuditRepo(t *testing.T) *audit.SQLiteRepository {
	t.Helper()
	db, err := database.Open(config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "api.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return audit.NewSQLiteRepository(db.DB)
}

type testOpts struct {
	hass     HassClient
	audit    audit.Repository
	gatherer prometheus.Gatherer
}

// testServer builds a server with the audit writer running, without binding
// a listener.
func testServer(t *testing.T, opts testOpts) (*Server, http.Handler) {
	t.Helper()

	srv, err := New(Deps{
		Config:    config.APIConfig{Host: "127.0.0.1", Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5}},
		WS:        config.WebSocketConfig{Path: "/api/events/ws", MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10},
		Security:  config.SecurityConfig{APIKey: testAPIKey},
		Logger:    testLogger(),
		Hass:      opts.hass,
		AuditRepo: opts.audit,
		Gatherer:  opts.gatherer,
		Version:   "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.hub.Run(ctx)
	if srv.auditCh != nil {
		go srv.drainAuditLog(ctx)
	}
	return srv, srv.Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
	return v
}

// ─── Construction ──────────────────────────────────────────────────

func TestNew_RequiresLoggerAndKey(t *testing.T) {
	if _, err := New(Deps{Security: config.SecurityConfig{APIKey: testAPIKey}}); err == nil {
		t.Error("New() without logger should fail")
	}
	if _, err := New(Deps{Logger: testLogger()}); err == nil {
		t.Error("New() without API key should fail")
	}
}

// ─── Health, Auth and Middleware ───────────────────────────────────

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		hass       HassClient
		wantStatus string
		wantState  string
	}{
		{"not configured", nil, "degraded", ""},
		{"ready", &fakeHass{state: hass.StateReady}, "ok", "ready"},
		{"reconnecting", &fakeHass{state: hass.StateReconnecting}, "degraded", "reconnecting"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, h := testServer(t, testOpts{hass: tt.hass})

			req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", w.Code)
			}
			resp := decode[healthResponse](t, w)
			if resp.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", resp.Status, tt.wantStatus)
			}
			if resp.Hass.State != tt.wantState {
				t.Errorf("home_assistant.state = %q, want %q", resp.Hass.State, tt.wantState)
			}
		})
	}
}

func TestAPIKeyMiddleware(t *testing.T) {
	_, h := testServer(t, testOpts{hass: &fakeHass{states: testStates()}})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + testAPIKey, http.StatusUnauthorized},
		{"wrong key", "Bearer not-the-key", http.StatusUnauthorized},
		{"valid", "Bearer " + testAPIKey, http.StatusOK},
		{"case-insensitive scheme", "bearer " + testAPIKey, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/entities/list", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestRequestID(t *testing.T) {
	_, h := testServer(t, testOpts{})

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID not generated")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want client-123", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	_, h := testServer(t, testOpts{})

	req := httptest.NewRequest(http.MethodOptions, "/api/entities/list", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Errorf("Allow-Origin = %q", w.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "hassagent_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	_, h := testServer(t, testOpts{gatherer: reg})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "hassagent_test_total 1") {
		t.Errorf("metrics body missing counter:\n%s", w.Body.String())
	}
}

// ─── Error Translation ─────────────────────────────────────────────

func TestHassErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not configured", hass.ErrNotConfigured, http.StatusServiceUnavailable},
		{"not connected", hass.ErrNotConnected, http.StatusServiceUnavailable},
		{"unavailable", fmt.Errorf("wrapped: %w", hass.ErrUnavailable), http.StatusServiceUnavailable},
		{"auth failed", hass.ErrAuthenticationFailed, http.StatusServiceUnavailable},
		{"closed", hass.ErrClosed, http.StatusServiceUnavailable},
		{"cancelled", hass.ErrCancelled, http.StatusServiceUnavailable},
		{"timeout", hass.ErrTimeout, http.StatusGatewayTimeout},
		{"transport lost", hass.ErrTransportLost, http.StatusGatewayTimeout},
		{"hub error", &hass.HubError{Code: "unknown_error", Message: "boom"}, http.StatusBadGateway},
		{"hub not found", &hass.HubError{Code: "not_found", Message: "Entity not found"}, http.StatusNotFound},
		{"entity not found", hass.ErrEntityNotFound, http.StatusNotFound},
		{"invalid command", hass.ErrInvalidCommand, http.StatusBadRequest},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := hassErrorStatus(tt.err)
			if got != tt.want {
				t.Errorf("hassErrorStatus(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestHubRoutes_NotConfigured(t *testing.T) {
	_, h := testServer(t, testOpts{})

	for _, path := range []string{"/api/entities/list", "/api/entities/services", "/api/helpers/list"} {
		w := do(t, h, http.MethodGet, path, "")
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("GET %s status = %d, want 503", path, w.Code)
		}
	}
}

func TestHubRoutes_SessionError(t *testing.T) {
	_, h := testServer(t, testOpts{hass: &fakeHass{err: hass.ErrTimeout}})

	w := do(t, h, http.MethodGet, "/api/entities/list", "")
	if w.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", w.Code)
	}
	resp := decode[Error](t, w)
	if resp.Code != ErrCodeTimeout {
		t.Errorf("code = %q, want %q", resp.Code, ErrCodeTimeout)
	}
}

// ─── Entities ──────────────────────────────────────────────────────

func TestListEntities(t *testing.T) {
	_, h := testServer(t, testOpts{hass: &fakeHass{states: testStates()}})

	tests := []struct {
		name      string
		query     string
		wantTotal int
		wantPages int
		check     func(t *testing.T, resp entityListResponse)
	}{
		{
			name: "all", query: "", wantTotal: 5, wantPages: 1,
			check: func(t *testing.T, resp entityListResponse) {
				if len(resp.Entities) != 5 {
					t.Errorf("entities = %d, want 5", len(resp.Entities))
				}
			},
		},
		{
			name: "domain filter", query: "?domain=light", wantTotal: 2, wantPages: 1,
			check: func(t *testing.T, resp entityListResponse) {
				for _, e := range resp.Entities {
					if e.Domain() != "light" {
						t.Errorf("unexpected entity %s", e.EntityID)
					}
				}
			},
		},
		{
			name: "search friendly name", query: "?search=KITCHEN", wantTotal: 1, wantPages: 1,
			check: func(t *testing.T, resp entityListResponse) {
				if resp.Entities[0].EntityID != "light.kitchen" {
					t.Errorf("entity = %s", resp.Entities[0].EntityID)
				}
			},
		},
		{
			name: "ids only paged", query: "?ids_only=true&page=2&page_size=2", wantTotal: 5, wantPages: 3,
			check: func(t *testing.T, resp entityListResponse) {
				want := []string{"sensor.outdoor_temperature", "input_boolean.guest_mode"}
				if fmt.Sprint(resp.EntityIDs) != fmt.Sprint(want) {
					t.Errorf("entity_ids = %v, want %v", resp.EntityIDs, want)
				}
				if resp.Entities != nil {
					t.Error("entities set in ids_only mode")
				}
			},
		},
		{
			name: "summary", query: "?summary_only=1&domain=light", wantTotal: 2, wantPages: 1,
			check: func(t *testing.T, resp entityListResponse) {
				if len(resp.Summaries) != 2 || resp.Summaries[0].FriendlyName != "Kitchen Light" {
					t.Errorf("summaries = %+v", resp.Summaries)
				}
			},
		},
		{
			name: "page out of range", query: "?page=9", wantTotal: 5, wantPages: 1,
			check: func(t *testing.T, resp entityListResponse) {
				if len(resp.Entities) != 0 {
					t.Errorf("entities = %d, want 0", len(resp.Entities))
				}
			},
		},
		{
			name: "no matches", query: "?domain=climate", wantTotal: 0, wantPages: 0,
			check: func(*testing.T, entityListResponse) {},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodGet, "/api/entities/list"+tt.query, "")
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
			}
			resp := decode[entityListResponse](t, w)
			if resp.Total != tt.wantTotal || resp.TotalPages != tt.wantPages {
				t.Errorf("total = %d pages = %d, want %d/%d", resp.Total, resp.TotalPages, tt.wantTotal, tt.wantPages)
			}
			tt.check(t, resp)
		})
	}
}

func TestListEntities_BadParams(t *testing.T) {
	_, h := testServer(t, testOpts{hass: &fakeHass{states: testStates()}})

	for _, q := range []string{"?page=0", "?page=x", "?page_size=501", "?page_size=0"} {
		w := do(t, h, http.MethodGet, "/api/entities/list"+q, "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s status = %d, want 400", q, w.Code)
		}
	}
}

func TestGetEntityState(t *testing.T) {
	_, h := testServer(t, testOpts{hass: &fakeHass{states: testStates()}})

	w := do(t, h, http.MethodGet, "/api/entities/state/sensor.outdoor_temperature", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if st := decode[hass.EntityState](t, w); st.State != "12.5" {
		t.Errorf("state = %q, want 12.5", st.State)
	}

	w = do(t, h, http.MethodGet, "/api/entities/state/sensor.missing", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing entity status = %d, want 404", w.Code)
	}
}

func TestListServices(t *testing.T) {
	fake := &fakeHass{services: hass.ServiceCatalog{"light": {"turn_on": json.RawMessage(`{}`)}}}
	_, h := testServer(t, testOpts{hass: fake})

	w := do(t, h, http.MethodGet, "/api/entities/services", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decode[map[string]any](t, w)
	if resp["count"] != float64(1) {
		t.Errorf("count = %v, want 1", resp["count"])
	}
}

func TestCallServiceRequest_ServiceData(t *testing.T) {
	tests := []struct {
		name string
		req  callServiceRequest
		want string
	}{
		{
			name: "target merged",
			req: callServiceRequest{
				ServiceData: map[string]any{"brightness": 100},
				Target:      map[string]any{"entity_id": "light.kitchen", "area_id": "kitchen"},
			},
			want: `{"area_id":"kitchen","brightness":100,"entity_id":"light.kitchen"}`,
		},
		{
			name: "target overrides service data",
			req: callServiceRequest{
				ServiceData: map[string]any{"entity_id": "light.a"},
				Target:      map[string]any{"entity_id": "light.b"},
			},
			want: `{"entity_id":"light.b"}`,
		},
		{
			name: "unknown target passed through",
			req:  callServiceRequest{Target: map[string]any{"floor_id": "upstairs"}},
			want: `{"target":{"floor_id":"upstairs"}}`,
		},
		{
			name: "unknown target with service data entity",
			req: callServiceRequest{
				ServiceData: map[string]any{"entity_id": "light.a"},
				Target:      map[string]any{"floor_id": "upstairs"},
			},
			want: `{"entity_id":"light.a"}`,
		},
		{
			name: "empty",
			req:  callServiceRequest{},
			want: `{}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := json.Marshal(tt.req.serviceData())
			if string(got) != tt.want {
				t.Errorf("serviceData() = %s, want %s", got, tt.want)
			}
		})
	}
}

// waitForAudit polls the repository until an entry with action appears.
func waitForAudit(t *testing.T, repo audit.Repository, action string) audit.Entry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		res, err := repo.List(context.Background(), audit.Filter{Action: action})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(res.Entries) > 0 {
			return res.Entries[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no audit entry for %q", action)
	return audit.Entry{}
}

func TestCallService_Audited(t *testing.T) {
	fake := &fakeHass{}
	repo := testAuditRepo(t)
	_, h := testServer(t, testOpts{hass: fake, audit: repo})

	body := `{"domain":"light","service":"turn_on","service_data":{"brightness":50},"target":{"entity_id":"light.kitchen"}}`
	w := do(t, h, http.MethodPost, "/api/entities/call_service", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	fake.mu.Lock()
	if fake.lastData["entity_id"] != "light.kitchen" {
		t.Errorf("service data = %v", fake.lastData)
	}
	fake.mu.Unlock()

	entry := waitForAudit(t, repo, audit.ActionCallService)
	if entry.Target != "light.turn_on" || entry.Outcome != audit.OutcomeOK || entry.Actor != auditActor {
		t.Errorf("audit entry = %+v", entry)
	}
}

func TestCallService_FailureAudited(t *testing.T) {
	repo := testAuditRepo(t)
	fake := &fakeHass{err: &hass.HubError{Code: "service_not_found", Message: "Service not found"}}
	_, h := testServer(t, testOpts{hass: fake, audit: repo})

	w := do(t, h, http.MethodPost, "/api/entities/call_service", `{"domain":"light","service":"explode"}`)
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}

	entry := waitForAudit(t, repo, audit.ActionCallService)
	if entry.Outcome != audit.OutcomeError || !strings.Contains(entry.Error, "service_not_found") {
		t.Errorf("audit entry = %+v", entry)
	}
}

func TestCallService_Validation(t *testing.T) {
	_, h := testServer(t, testOpts{hass: &fakeHass{}})

	for _, body := range []string{`not json`, `{"domain":"light"}`, `{"service":"turn_on"}`} {
		w := do(t, h, http.MethodPost, "/api/entities/call_service", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %s status = %d, want 400", body, w.Code)
		}
	}
}

func TestRenameEntity(t *testing.T) {
	fake := &fakeHass{}
	_, h := testServer(t, testOpts{hass: fake})

	w := do(t, h, http.MethodPost, "/api/entities/rename",
		`{"old_entity_id":"light.old","new_entity_id":"light.new","new_name":"New"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if calls := fake.callLog(); len(calls) != 1 || calls[0] != "rename light.old light.new" {
		t.Errorf("calls = %v", calls)
	}

	w = do(t, h, http.MethodPost, "/api/entities/rename", `{"new_entity_id":"light.new"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing old id status = %d, want 400", w.Code)
	}
}

func TestRemoveEntity(t *testing.T) {
	fake := &fakeHass{}
	_, h := testServer(t, testOpts{hass: fake})

	w := do(t, h, http.MethodDelete, "/api/entities/registry/sensor.old", "")
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if calls := fake.callLog(); len(calls) != 1 || calls[0] != "registry_remove sensor.old" {
		t.Errorf("calls = %v", calls)
	}
}

// ─── Helpers and Automations ───────────────────────────────────────

func TestListHelpers(t *testing.T) {
	_, h := testServer(t, testOpts{hass: &fakeHass{states: testStates()}})

	w := do(t, h, http.MethodGet, "/api/helpers/list", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decode[map[string]any](t, w)
	if resp["count"] != float64(2) {
		t.Errorf("count = %v, want 2 (input_boolean + counter)", resp["count"])
	}
}

func TestCreateHelper(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		want     int
		wantCall string
	}{
		{"valid", `{"type":"input_boolean","config":{"name":"Guest Mode"}}`, http.StatusCreated, "call_service input_boolean.create"},
		{"bad type", `{"type":"light","config":{"name":"x"}}`, http.StatusBadRequest, ""},
		{"missing name", `{"type":"input_number","config":{"min":0}}`, http.StatusBadRequest, ""},
		{"bad json", `{`, http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeHass{}
			_, h := testServer(t, testOpts{hass: fake})

			w := do(t, h, http.MethodPost, "/api/helpers/create", tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
			calls := fake.callLog()
			if tt.wantCall == "" && len(calls) != 0 {
				t.Errorf("unexpected calls %v", calls)
			}
			if tt.wantCall != "" && (len(calls) != 1 || calls[0] != tt.wantCall) {
				t.Errorf("calls = %v, want [%s]", calls, tt.wantCall)
			}
		})
	}
}

func TestDeleteHelper(t *testing.T) {
	fake := &fakeHass{}
	_, h := testServer(t, testOpts{hass: fake})

	w := do(t, h, http.MethodDelete, "/api/helpers/delete/input_boolean.guest_mode", "")
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if calls := fake.callLog(); len(calls) != 1 || calls[0] != "call_service input_boolean.remove" {
		t.Errorf("calls = %v", calls)
	}

	w = do(t, h, http.MethodDelete, "/api/helpers/delete/light.kitchen", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("non-helper status = %d, want 400", w.Code)
	}
}

func TestDeleteAutomation(t *testing.T) {
	for _, id := range []string{"morning_lights", "automation.morning_lights"} {
		t.Run(id, func(t *testing.T) {
			fake := &fakeHass{}
			repo := testAuditRepo(t)
			_, h := testServer(t, testOpts{hass: fake, audit: repo})

			w := do(t, h, http.MethodDelete, "/api/automations/"+id, "")
			if w.Code != http.StatusNoContent {
				t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
			}
			want := []string{"registry_remove automation.morning_lights", "reload automation"}
			if calls := fake.callLog(); fmt.Sprint(calls) != fmt.Sprint(want) {
				t.Errorf("calls = %v, want %v", calls, want)
			}
			if entry := waitForAudit(t, repo, audit.ActionDeleteAutomation); entry.Target != "automation.morning_lights" {
				t.Errorf("audit target = %q", entry.Target)
			}
		})
	}
}

func TestDeleteAutomation_NotFound(t *testing.T) {
	fake := &fakeHass{err: &hass.HubError{Code: "not_found", Message: "Entity not found"}}
	_, h := testServer(t, testOpts{hass: fake})

	w := do(t, h, http.MethodDelete, "/api/automations/missing", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if calls := fake.callLog(); len(calls) != 1 {
		t.Errorf("reload should not run after a failed remove: %v", calls)
	}
}

func TestReloadAutomations(t *testing.T) {
	fake := &fakeHass{}
	_, h := testServer(t, testOpts{hass: fake})

	w := do(t, h, http.MethodPost, "/api/automations/reload", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if calls := fake.callLog(); len(calls) != 1 || calls[0] != "reload automation" {
		t.Errorf("calls = %v", calls)
	}
}

// ─── Audit ─────────────────────────────────────────────────────────

func TestListAuditLogs(t *testing.T) {
	repo := testAuditRepo(t)
	ctx := context.Background()
	for _, e := range []audit.Entry{
		{Action: audit.ActionCallService, Target: "light.turn_on", Actor: "api"},
		{Action: audit.ActionReload, Target: "automation", Actor: "api", Error: "timed out"},
	} {
		if err := repo.Create(ctx, &e); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	_, h := testServer(t, testOpts{audit: repo})

	w := do(t, h, http.MethodGet, "/api/audit?outcome=error", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	res := decode[audit.ListResult](t, w)
	if res.Total != 1 || res.Entries[0].Action != audit.ActionReload {
		t.Errorf("result = %+v", res)
	}

	w = do(t, h, http.MethodGet, "/api/audit?since=yesterday", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad since status = %d, want 400", w.Code)
	}
}

func TestListAuditLogs_NotConfigured(t *testing.T) {
	_, h := testServer(t, testOpts{})

	w := do(t, h, http.MethodGet, "/api/audit", "")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestWSPath(t *testing.T) {
	tests := map[string]string{
		"/api/events/ws": "/events/ws",
		"/api/stream":    "/stream",
		"":               "/events/ws",
		"/other/ws":      "/events/ws",
		"/api/":          "/events/ws",
	}
	for in, want := range tests {
		if got := wsPath(in); got != want {
			t.Errorf("wsPath(%q) = %q, want %q", in, got, want)
		}
	}
}
