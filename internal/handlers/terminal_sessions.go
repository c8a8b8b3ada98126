package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/webshell/internal/audit"
	"github.com/gluk-w/webshell/internal/logging"
	"github.com/gluk-w/webshell/internal/logutil"
	"github.com/gluk-w/webshell/internal/session"
)

// Sessions is set from main.go during init.
var Sessions *session.Registry

const (
	defaultSessionTimeoutSeconds = 10
	maxSessionTimeoutSeconds     = 300
)

type sessionExecuteRequest struct {
	Command        string `json:"command"`
	WaitForOutput  *bool  `json:"waitForOutput"`
	TimeoutSeconds *int   `json:"timeoutSeconds"`
}

// wait returns the requested wait flag and collection timeout, applying the
// defaults and clamping the timeout to 1..maxSessionTimeoutSeconds.
func (req sessionExecuteRequest) wait() (bool, time.Duration) {
	wait := true
	if req.WaitForOutput != nil {
		wait = *req.WaitForOutput
	}
	secs := defaultSessionTimeoutSeconds
	if req.TimeoutSeconds != nil {
		secs = min(max(*req.TimeoutSeconds, 1), maxSessionTimeoutSeconds)
	}
	return wait, time.Duration(secs) * time.Second
}

func requireSessions(w http.ResponseWriter) bool {
	if Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "Session registry not initialized")
		return false
	}
	return true
}

// CreateSession spawns a shell and registers it.
// POST /api/terminal/session/create
func CreateSession(w http.ResponseWriter, r *http.Request) {
	if !requireSessions(w) {
		return
	}
	s, err := Sessions.Create(r.Context())
	if err != nil {
		l := logging.Component("api")
		l.Error().Err(err).Msg("failed to create session")
		writeFailure(w, err)
		return
	}
	audit.LogSession(audit.EventSessionCreated, s.ID, s.Channel().Kind().String(), "source_ip="+clientIP(r))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"sessionId": s.ID,
		"message":   "shell session created",
	})
}

// ExecuteInSession runs a command on an existing session.
// POST /api/terminal/session/{sessionId}/execute
func ExecuteInSession(w http.ResponseWriter, r *http.Request) {
	if !requireSessions(w) {
		return
	}
	id := chi.URLParam(r, "sessionId")

	var req sessionExecuteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	wait, timeout := req.wait()

	start := time.Now()
	output, err := Sessions.Execute(r.Context(), id, req.Command, wait, timeout)
	if err != nil {
		l := logging.Component("api")
		l.Debug().Err(err).Str("session_id", id).Str("command", logutil.Command(req.Command)).Msg("session execute failed")
		writeFailure(w, err)
		return
	}
	audit.LogCommand(audit.EventSessionCommand, id, req.Command, nil, time.Since(start))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"output":    output,
		"command":   req.Command,
		"sessionId": id,
	})
}

// GetSessionStatus reports one session without evicting it.
// GET /api/terminal/session/{sessionId}/status
func GetSessionStatus(w http.ResponseWriter, r *http.Request) {
	if !requireSessions(w) {
		return
	}
	info, err := Sessions.Status(chi.URLParam(r, "sessionId"))
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":        true,
		"sessionId":      info.SessionID,
		"kind":           info.Kind,
		"alive":          info.Alive,
		"expired":        info.Expired,
		"createdTime":    info.CreatedTime,
		"lastAccessTime": info.LastAccessTime,
	})
}

// DeleteSession closes and removes a session.
// DELETE /api/terminal/session/{sessionId}
func DeleteSession(w http.ResponseWriter, r *http.Request) {
	if !requireSessions(w) {
		return
	}
	if err := Sessions.Close(chi.URLParam(r, "sessionId")); err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "session closed",
	})
}

// ListSessions sweeps expired and dead sessions and lists the rest.
// GET /api/terminal/sessions
func ListSessions(w http.ResponseWriter, r *http.Request) {
	if !requireSessions(w) {
		return
	}
	infos := Sessions.List()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"sessions": infos,
		"count":    len(infos),
	})
}
