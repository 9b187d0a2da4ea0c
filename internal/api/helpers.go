package api

import (
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/hass-agent/internal/audit"
	"github.com/nerrad567/hass-agent/internal/hass"
)

// helperDomains are the input helper domains the helper routes manage.
var helperDomains = []string{
	"input_boolean",
	"input_text",
	"input_number",
	"input_datetime",
	"input_select",
	"input_button",
	"counter",
	"timer",
}

func isHelperDomain(domain string) bool {
	return slices.Contains(helperDomains, domain)
}

func (s *Server) handleListHelpers(w http.ResponseWriter, r *http.Request) {
	if !s.requireHass(w) {
		return
	}
	states, err := s.hass.GetStates(r.Context())
	if err != nil {
		writeHassError(w, err)
		return
	}

	helpers := make([]hass.EntityState, 0)
	for _, st := range states {
		if isHelperDomain(st.Domain()) {
			helpers = append(helpers, st)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(helpers),
		"helpers": helpers,
	})
}

// createHelperRequest is the body of POST /api/helpers/create.
type createHelperRequest struct {
	Type   string         `json:"type"`
	Config map[string]any `json:"config"`
}

// handleCreateHelper calls <type>.create with the supplied config.
func (s *Server) handleCreateHelper(w http.ResponseWriter, r *http.Request) {
	if !s.requireHass(w) {
		return
	}
	var req createHelperRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if !isHelperDomain(req.Type) {
		writeBadRequest(w, "type must be one of: "+strings.Join(helperDomains, ", "))
		return
	}
	name, _ := req.Config["name"].(string) //nolint:errcheck // absent or non-string rejected below
	if name == "" {
		writeBadRequest(w, "config must include a name")
		return
	}

	start := time.Now()
	result, err := s.hass.CallService(r.Context(), req.Type, "create", req.Config)
	s.auditLog(audit.Entry{
		Action:   audit.ActionCreateHelper,
		Target:   name,
		Domain:   req.Type,
		Details:  map[string]any{"config": req.Config},
		Duration: time.Since(start),
	}, err)
	if err != nil {
		writeHassError(w, err)
		return
	}

	s.logger.Info("helper created", "type", req.Type, "name", name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"type":   req.Type,
		"name":   name,
		"result": result,
	})
}

// handleDeleteHelper calls <domain>.remove for the helper entity.
func (s *Server) handleDeleteHelper(w http.ResponseWriter, r *http.Request) {
	if !s.requireHass(w) {
		return
	}
	entityID := chi.URLParam(r, "entity_id")
	domain := hass.EntityDomain(entityID)
	if !isHelperDomain(domain) || !strings.Contains(entityID, ".") {
		writeBadRequest(w, "not a helper entity: "+entityID)
		return
	}

	start := time.Now()
	_, err := s.hass.CallService(r.Context(), domain, "remove", map[string]any{"entity_id": entityID})
	s.auditLog(audit.Entry{
		Action:   audit.ActionDeleteHelper,
		Target:   entityID,
		Domain:   domain,
		Duration: time.Since(start),
	}, err)
	if err != nil {
		writeHassError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
