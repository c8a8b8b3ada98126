package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gluk-w/webshell/internal/audit"
)

// AuditLog is set from main.go during init.
var AuditLog *audit.Auditor

// GetAuditLogs handles GET /api/audit.
// Query parameters:
//   - event_type (optional): filter by event type
//   - session_id (optional): filter by session or websocket connection id
//   - since, until (optional): RFC 3339 bounds on the entry time
//   - limit (optional): number of entries per page (default 50)
//   - offset (optional): pagination offset
func GetAuditLogs(w http.ResponseWriter, r *http.Request) {
	if AuditLog == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit logging not initialized")
		return
	}

	q := r.URL.Query()
	opts := audit.QueryOptions{
		EventType: q.Get("event_type"),
		SessionID: q.Get("session_id"),
	}

	for _, bound := range []struct {
		name string
		dst  **time.Time
	}{{"since", &opts.Since}, {"until", &opts.Until}} {
		v := q.Get(bound.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid "+bound.name)
			return
		}
		*bound.dst = &t
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		opts.Limit = limit
	}

	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "Invalid offset")
			return
		}
		opts.Offset = offset
	}

	opts = opts.Normalize()
	entries, total, err := AuditLog.Query(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit logs")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"entries": entries,
		"total":   total,
		"limit":   opts.Limit,
		"offset":  opts.Offset,
	})
}
