package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/hass-agent/internal/hass"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.apiKeyMiddleware)

			r.Route("/entities", func(r chi.Router) {
				r.Get("/list", s.handleListEntities)
				r.Get("/state/{entity_id}", s.handleGetEntityState)
				r.Get("/services", s.handleListServices)
				r.Post("/call_service", s.handleCallService)
				r.Post("/rename", s.handleRenameEntity)
				r.Delete("/registry/{entity_id}", s.handleRemoveEntity)
			})

			r.Route("/helpers", func(r chi.Router) {
				r.Get("/list", s.handleListHelpers)
				r.Post("/create", s.handleCreateHelper)
				r.Delete("/delete/{entity_id}", s.handleDeleteHelper)
			})

			r.Route("/automations", func(r chi.Router) {
				r.Post("/reload", s.handleReloadAutomations)
				r.Delete("/{id}", s.handleDeleteAutomation)
			})

			r.Get("/audit", s.handleListAuditLogs)
			r.Get(wsPath(s.wsCfg.Path), s.handleWebSocket)
		})
	})

	return r
}

// wsPath returns the event stream route relative to /api.
func wsPath(configured string) string {
	if rest, ok := strings.CutPrefix(configured, "/api/"); ok && rest != "" {
		return "/" + rest
	}
	return "/events/ws"
}

// healthResponse is the body of GET /api/health.
type healthResponse struct {
	Status        string        `json:"status"`
	Version       string        `json:"version"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	Hass          *hassHealth   `json:"home_assistant"`
	EventStream   streamSummary `json:"event_stream"`
}

type hassHealth struct {
	Configured       bool      `json:"configured"`
	State            string    `json:"state,omitempty"`
	HAVersion        string    `json:"ha_version,omitempty"`
	Pending          int       `json:"pending_requests"`
	HubSubscriptions int       `json:"hub_subscriptions"`
	EventsReceived   uint64    `json:"events_received"`
	EventsDropped    uint64    `json:"events_dropped"`
	ReconnectsTotal  uint64    `json:"reconnects_total"`
	LastActivity     time.Time `json:"last_activity,omitzero"`
}

type streamSummary struct {
	Clients int `json:"clients"`
}

// handleHealth reports "ok" when the hub session is ready and "degraded"
// otherwise. It always answers 200 so supervisors can tell a running agent
// with a lost hub from a dead agent.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Hass:          &hassHealth{},
		EventStream:   streamSummary{Clients: s.hub.ClientCount()},
	}

	if s.hass == nil {
		resp.Status = "degraded"
	} else {
		st := s.hass.Stats()
		resp.Hass = &hassHealth{
			Configured:       true,
			State:            st.State.String(),
			HAVersion:        st.HAVersion,
			Pending:          st.Pending,
			HubSubscriptions: st.HubSubscriptions,
			EventsReceived:   st.EventsReceived,
			EventsDropped:    st.EventsDropped,
			ReconnectsTotal:  st.ReconnectsTotal,
			LastActivity:     st.LastActivity,
		}
		if st.State != hass.StateReady {
			resp.Status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
