package api

import (
	"net/http"
	"time"

	"github.com/org/healthpassport/internal/storage"
)

// HealthHandler reports liveness and refreshes the entity gauges.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if n, err := s.store.CountPassports(r.Context()); err == nil {
		passportsTotal.Set(float64(n))
	}
	if n, err := s.store.CountEntries(r.Context()); err == nil {
		entriesTotal.Set(float64(n))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// AuditLogHandler returns paginated audit log entries.
func (s *Server) AuditLogHandler(w http.ResponseWriter, r *http.Request) {
	filter := storage.AuditFilter{
		Path:   r.URL.Query().Get("path"),
		Limit:  parseLimit(r, "limit", 100),
		Offset: parseLimit(r, "offset", 0),
	}
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		filter.Since = &t
	}

	entries, err := s.auditor.Query(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}
