package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/hass-agent/internal/audit"
	"github.com/nerrad567/hass-agent/internal/hass"
)

// Entity list paging.
const (
	defaultPageSize = 250
	maxPageSize     = 500
)

// entityListResponse is the body of GET /api/entities/list. Exactly one of
// EntityIDs, Summaries or Entities is set depending on the requested mode.
type entityListResponse struct {
	Total      int                `json:"total"`
	Page       int                `json:"page"`
	PageSize   int                `json:"page_size"`
	TotalPages int                `json:"total_pages"`
	EntityIDs  []string           `json:"entity_ids,omitempty"`
	Summaries  []entitySummary    `json:"summaries,omitempty"`
	Entities   []hass.EntityState `json:"entities,omitempty"`
}

// entitySummary is the lightweight form returned with summary_only=true.
type entitySummary struct {
	EntityID     string `json:"entity_id"`
	State        string `json:"state"`
	Domain       string `json:"domain"`
	FriendlyName string `json:"friendly_name,omitempty"`
}

// listParams are the parsed query parameters of the entity list.
type listParams struct {
	domain      string
	search      string
	page        int
	pageSize    int
	idsOnly     bool
	summaryOnly bool
}

func parseListParams(r *http.Request) (listParams, string) {
	q := r.URL.Query()
	p := listParams{
		domain:   q.Get("domain"),
		search:   strings.ToLower(q.Get("search")),
		page:     1,
		pageSize: defaultPageSize,
	}

	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return p, "page must be a positive integer"
		}
		p.page = n
	}
	if v := q.Get("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxPageSize {
			return p, "page_size must be between 1 and 500"
		}
		p.pageSize = n
	}
	p.idsOnly, _ = strconv.ParseBool(q.Get("ids_only"))         //nolint:errcheck // absent or invalid means false
	p.summaryOnly, _ = strconv.ParseBool(q.Get("summary_only")) //nolint:errcheck // absent or invalid means false
	return p, ""
}

// filterEntities applies the domain and search filters, preserving order.
func filterEntities(states []hass.EntityState, p listParams) []hass.EntityState {
	out := make([]hass.EntityState, 0, len(states))
	for _, st := range states {
		if p.domain != "" && st.Domain() != p.domain {
			continue
		}
		if p.search != "" &&
			!strings.Contains(strings.ToLower(st.EntityID), p.search) &&
			!strings.Contains(strings.ToLower(st.FriendlyName()), p.search) {
			continue
		}
		out = append(out, st)
	}
	return out
}

// paginate builds the list response. Out-of-range pages are empty but keep
// the totals.
func paginate(states []hass.EntityState, p listParams) entityListResponse {
	resp := entityListResponse{
		Total:    len(states),
		Page:     p.page,
		PageSize: p.pageSize,
	}
	if resp.Total == 0 {
		return resp
	}
	resp.TotalPages = (resp.Total + p.pageSize - 1) / p.pageSize

	start := (p.page - 1) * p.pageSize
	if start >= resp.Total {
		return resp
	}
	page := states[start:min(start+p.pageSize, resp.Total)]

	switch {
	case p.idsOnly:
		resp.EntityIDs = make([]string, 0, len(page))
		for _, st := range page {
			resp.EntityIDs = append(resp.EntityIDs, st.EntityID)
		}
	case p.summaryOnly:
		resp.Summaries = make([]entitySummary, 0, len(page))
		for _, st := range page {
			resp.Summaries = append(resp.Summaries, entitySummary{
				EntityID:     st.EntityID,
				State:        st.State,
				Domain:       st.Domain(),
				FriendlyName: st.FriendlyName(),
			})
		}
	default:
		resp.Entities = page
	}
	return resp
}

// handleListEntities returns entity states with filtering and paging.
//
// Query parameters:
//   - domain: only entities of this domain
//   - search: case-insensitive match on entity id or friendly name
//   - page, page_size: 1-based paging, page_size at most 500
//   - ids_only: return only entity ids
//   - summary_only: return id, state, domain and friendly name
func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	if !s.requireHass(w) {
		return
	}
	params, problem := parseListParams(r)
	if problem != "" {
		writeBadRequest(w, problem)
		return
	}

	states, err := s.hass.GetStates(r.Context())
	if err != nil {
		s.logger.Warn("listing entities failed", "error", err)
		writeHassError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, paginate(filterEntities(states, params), params))
}

func (s *Server) handleGetEntityState(w http.ResponseWriter, r *http.Request) {
	if !s.requireHass(w) {
		return
	}
	entityID := chi.URLParam(r, "entity_id")

	state, err := s.hass.GetState(r.Context(), entityID)
	if err != nil {
		writeHassError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	if !s.requireHass(w) {
		return
	}
	catalog, err := s.hass.GetServices(r.Context())
	if err != nil {
		writeHassError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(catalog),
		"services": catalog,
	})
}

// callServiceRequest is the body of POST /api/entities/call_service.
type callServiceRequest struct {
	Domain      string         `json:"domain"`
	Service     string         `json:"service"`
	ServiceData map[string]any `json:"service_data"`
	Target      map[string]any `json:"target"`
}

// targetKeys are copied from the request target into the service data.
var targetKeys = [...]string{"entity_id", "area_id", "device_id"}

// serviceData merges the target's entity_id, area_id and device_id into the
// service data. If the result still names no target, the target object is
// passed through as "target".
func (req callServiceRequest) serviceData() map[string]any {
	data := make(map[string]any, len(req.ServiceData)+len(targetKeys))
	for k, v := range req.ServiceData {
		data[k] = v
	}
	if len(req.Target) == 0 {
		return data
	}

	hasTarget := false
	for _, k := range targetKeys {
		if v, ok := req.Target[k]; ok {
			data[k] = v
		}
		if _, ok := data[k]; ok {
			hasTarget = true
		}
	}
	if !hasTarget {
		data["target"] = req.Target
	}
	return data
}

func (s *Server) handleCallService(w http.ResponseWriter, r *http.Request) {
	if !s.requireHass(w) {
		return
	}
	var req callServiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Domain == "" || req.Service == "" {
		writeBadRequest(w, "domain and service are required")
		return
	}

	data := req.serviceData()
	start := time.Now()
	result, err := s.hass.CallService(r.Context(), req.Domain, req.Service, data)
	s.auditLog(audit.Entry{
		Action:   audit.ActionCallService,
		Target:   req.Domain + "." + req.Service,
		Domain:   req.Domain,
		Details:  map[string]any{"service_data": data},
		Duration: time.Since(start),
	}, err)
	if err != nil {
		s.logger.Warn("service call failed", "domain", req.Domain, "service", req.Service, "error", err)
		writeHassError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"domain":  req.Domain,
		"service": req.Service,
		"data":    data,
		"result":  result,
	})
}

// renameRequest is the body of POST /api/entities/rename.
type renameRequest struct {
	OldEntityID string `json:"old_entity_id"`
	NewEntityID string `json:"new_entity_id"`
	NewName     string `json:"new_name"`
}

func (s *Server) handleRenameEntity(w http.ResponseWriter, r *http.Request) {
	if !s.requireHass(w) {
		return
	}
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	start := time.Now()
	result, err := s.hass.RenameEntity(r.Context(), req.OldEntityID, req.NewEntityID, req.NewName)
	s.auditLog(audit.Entry{
		Action:   audit.ActionRenameEntity,
		Target:   req.OldEntityID,
		Domain:   hass.EntityDomain(req.OldEntityID),
		Details:  map[string]any{"new_entity_id": req.NewEntityID, "new_name": req.NewName},
		Duration: time.Since(start),
	}, err)
	if err != nil {
		writeHassError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"old_entity_id": req.OldEntityID,
		"new_entity_id": req.NewEntityID,
		"new_name":      req.NewName,
		"result":        result,
	})
}

func (s *Server) handleRemoveEntity(w http.ResponseWriter, r *http.Request) {
	if !s.requireHass(w) {
		return
	}
	entityID := chi.URLParam(r, "entity_id")

	start := time.Now()
	err := s.hass.RemoveEntityRegistryEntry(r.Context(), entityID)
	s.auditLog(audit.Entry{
		Action:   audit.ActionRemoveEntity,
		Target:   entityID,
		Domain:   hass.EntityDomain(entityID),
		Duration: time.Since(start),
	}, err)
	if err != nil {
		writeHassError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requireHass answers 503 when the integration is not configured.
func (s *Server) requireHass(w http.ResponseWriter) bool {
	if s.hass == nil {
		writeHassError(w, hass.ErrNotConfigured)
		return false
	}
	return true
}
