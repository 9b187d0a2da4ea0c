package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/hass-agent/internal/audit"
)

// auditChanSize is the buffer size for the async audit log channel.
// Entries beyond this are dropped to avoid back-pressure on requests.
const auditChanSize = 256

// auditActor is recorded for every API-originated entry; the API has a
// single shared key, so callers are not distinguished.
const auditActor = "api"

// auditLog enqueues an audit entry for asynchronous write. callErr is the
// result of the audited hub call and sets the entry's outcome.
func (s *Server) auditLog(entry audit.Entry, callErr error) {
	if s.auditCh == nil {
		return
	}

	entry.Actor = auditActor
	if callErr != nil {
		entry.Error = callErr.Error()
	}

	select {
	case s.auditCh <- &entry:
	default:
		s.logger.Warn("audit log channel full, dropping entry",
			"action", entry.Action,
			"target", entry.Target,
		)
	}
}

// drainAuditLog writes queued entries serially until ctx is cancelled,
// then flushes whatever is still queued.
func (s *Server) drainAuditLog(ctx context.Context) {
	write := func(entry *audit.Entry) {
		wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.auditRepo.Create(wctx, entry); err != nil {
			s.logger.Error("audit log write failed",
				"action", entry.Action,
				"target", entry.Target,
				"error", err,
			)
		}
	}

	for {
		select {
		case entry := <-s.auditCh:
			write(entry)
		case <-ctx.Done():
			for {
				select {
				case entry := <-s.auditCh:
					write(entry)
				default:
					return
				}
			}
		}
	}
}

// handleListAuditLogs returns audit entries, newest first.
//
// Query parameters:
//   - action: filter by action (call_service, rename_entity, ...)
//   - target: filter by entity, helper or automation id
//   - outcome: ok or error
//   - since: RFC 3339 lower bound on created_at
//   - limit: max results (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListAuditLogs(w http.ResponseWriter, r *http.Request) {
	if s.auditRepo == nil {
		writeInternalError(w, "audit logging not configured")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Action:  q.Get("action"),
		Target:  q.Get("target"),
		Outcome: q.Get("outcome"),
	}

	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeBadRequest(w, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = t
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	result, err := s.auditRepo.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list audit logs", "error", err)
		writeInternalError(w, "failed to list audit logs")
		return
	}

	writeJSON(w, http.StatusOK, result)
}
