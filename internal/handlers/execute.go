package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	sse "github.com/tmaxmax/go-sse"

	"github.com/gluk-w/webshell/internal/audit"
	"github.com/gluk-w/webshell/internal/executor"
	"github.com/gluk-w/webshell/internal/logging"
	"github.com/gluk-w/webshell/internal/logutil"
)

// Executor is set from main.go during init.
var Executor *executor.Executor

type executeRequest struct {
	Command string `json:"command"`
}

func requireExecutor(w http.ResponseWriter) bool {
	if Executor == nil {
		writeError(w, http.StatusServiceUnavailable, "Executor not initialized")
		return false
	}
	return true
}

// ExecuteCommand runs one command in a fresh shell and returns its output.
// POST /api/terminal/execute
func ExecuteCommand(w http.ResponseWriter, r *http.Request) {
	if !requireExecutor(w) {
		return
	}
	var req executeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := Executor.Run(r.Context(), req.Command)
	if err != nil {
		audit.LogCommand(audit.EventCommandExec, "", req.Command, nil, res.Duration)
		writeJSON(w, statusFor(err), res)
		return
	}
	audit.LogCommand(audit.EventCommandExec, "", req.Command, res.ExitCode, res.Duration)
	writeJSON(w, http.StatusOK, res)
}

// ExecuteStream runs one command and streams its output as server-sent
// events: start, one output per line, then end or error.
// POST /api/terminal/execute-stream
func ExecuteStream(w http.ResponseWriter, r *http.Request) {
	if !requireExecutor(w) {
		return
	}
	var req executeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	logger := logging.Component("api")
	start := time.Now()
	var exitCode *int
	streamErr := Executor.Stream(r.Context(), req.Command, func(ev executor.Event) error {
		if ev.Type == executor.EventEnd {
			code := ev.ExitCode
			exitCode = &code
		}
		return sendEvent(sess, ev)
	})
	if streamErr != nil {
		logger.Debug().Err(streamErr).Str("command", logutil.Command(req.Command)).Msg("streamed command failed")
	}
	audit.LogCommand(audit.EventCommandStream, "", req.Command, exitCode, time.Since(start))
}

func sendEvent(sess *sse.Session, ev executor.Event) error {
	payload, err := json.Marshal(ev.Payload())
	if err != nil {
		return err
	}
	msg := &sse.Message{Type: sse.Type(string(ev.Type))}
	msg.AppendData(string(payload))
	if err := sess.Send(msg); err != nil {
		return err
	}
	return sess.Flush()
}
