package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/hass-agent/internal/audit"
)

const automationDomain = "automation"

// handleDeleteAutomation removes automation.<id> from the entity registry
// and reloads automations so the hub drops the running instance. The id may
// be given with or without the "automation." prefix.
func (s *Server) handleDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.requireHass(w) {
		return
	}
	id := strings.TrimPrefix(chi.URLParam(r, "id"), automationDomain+".")
	if id == "" {
		writeBadRequest(w, "automation id is required")
		return
	}
	entityID := automationDomain + "." + id

	start := time.Now()
	err := s.hass.RemoveEntityRegistryEntry(r.Context(), entityID)
	if err == nil {
		if reloadErr := s.hass.ReloadDomain(r.Context(), automationDomain); reloadErr != nil {
			// The registry entry is already gone.
			s.logger.Warn("automation reload after delete failed", "entity_id", entityID, "error", reloadErr)
		}
	}
	s.auditLog(audit.Entry{
		Action:   audit.ActionDeleteAutomation,
		Target:   entityID,
		Domain:   automationDomain,
		Duration: time.Since(start),
	}, err)
	if err != nil {
		writeHassError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReloadAutomations(w http.ResponseWriter, r *http.Request) {
	if !s.requireHass(w) {
		return
	}

	start := time.Now()
	err := s.hass.ReloadDomain(r.Context(), automationDomain)
	s.auditLog(audit.Entry{
		Action:   audit.ActionReload,
		Target:   automationDomain,
		Domain:   automationDomain,
		Duration: time.Since(start),
	}, err)
	if err != nil {
		writeHassError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}
