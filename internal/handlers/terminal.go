package handlers

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/gluk-w/webshell/internal/audit"
	"github.com/gluk-w/webshell/internal/channel"
	"github.com/gluk-w/webshell/internal/logging"
	"github.com/gluk-w/webshell/internal/protocol"
)

// TerminalOptions tune the websocket terminal endpoint.
type TerminalOptions struct {
	// AllowedOrigins are host patterns accepted in the Origin header. Empty
	// disables the origin check.
	AllowedOrigins []string
	// ReadLimit is the largest inbound frame in bytes.
	ReadLimit int64
	// MessageRate is the number of inbound messages allowed per second.
	// Messages beyond this rate are dropped. Zero means unlimited.
	MessageRate  int
	PollInterval time.Duration
}

// These are set from main.go during init.
var (
	Hub          *protocol.Hub
	OpenTerminal protocol.Opener
	Completer    protocol.Completer
	Terminal     = TerminalOptions{ReadLimit: 64 << 10, MessageRate: 200}
)

// wsConn adapts a websocket connection to protocol.Conn.
type wsConn struct {
	conn *websocket.Conn
}

func (c wsConn) Send(ctx context.Context, msg []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, msg)
}

func newLimiter(perSecond int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(perSecond), perSecond)
}

// TerminalWS serves the interactive terminal websocket. The connection starts
// unbound; a connect message opens the shell and binds it until either side
// goes away.
// GET /ws/terminal
func TerminalWS(w http.ResponseWriter, r *http.Request) {
	if OpenTerminal == nil {
		writeError(w, http.StatusServiceUnavailable, "Terminal backend not initialized")
		return
	}
	logger := logging.Component("ws")

	acceptOpts := &websocket.AcceptOptions{OriginPatterns: Terminal.AllowedOrigins}
	if len(acceptOpts.OriginPatterns) == 0 {
		acceptOpts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(w, r, acceptOpts)
	if err != nil {
		logger.Warn().Err(err).Str("remote", clientIP(r)).Msg("failed to accept terminal websocket")
		return
	}
	defer conn.CloseNow()
	if Terminal.ReadLimit > 0 {
		conn.SetReadLimit(Terminal.ReadLimit)
	}

	source := clientIP(r)
	opened := time.Now()
	var bound atomic.Value // channel kind once connected
	d := protocol.NewDispatcher(r.Context(), uuid.NewString(), wsConn{conn: conn}, OpenTerminal, Completer, Hub, protocol.Options{
		PollInterval: Terminal.PollInterval,
		OnConnect: func(d *protocol.Dispatcher, ch channel.Channel) {
			bound.Store(ch.Kind().String())
			audit.LogConnection(audit.EventTerminalConnect, d.ID, ch.Kind().String(), source, "", 0)
		},
		OnClose: func(d *protocol.Dispatcher, reason string) {
			kind, ok := bound.Load().(string)
			if !ok {
				return
			}
			audit.LogConnection(audit.EventTerminalDisconnect, d.ID, kind, source, "reason="+reason, time.Since(opened))
		},
	})
	defer d.Close("handler exited")

	if err := d.Greet(); err != nil {
		return
	}

	limiter := newLimiter(Terminal.MessageRate)
	throttled := false
	for {
		msgType, data, err := conn.Read(d.Context())
		if err != nil {
			reason := "client disconnected"
			if d.Context().Err() != nil {
				reason = "connection closed"
			}
			d.Close(reason)
			break
		}

		if !limiter.Allow() {
			// One notice per burst of dropped messages.
			if !throttled {
				throttled = true
				logger.Warn().Str("conn_id", d.ID).Str("remote", source).Msg("terminal message rate exceeded")
				d.Send(protocol.TypeError, "message rate limit exceeded, input dropped")
			}
			continue
		}
		throttled = false
		if msgType == websocket.MessageBinary {
			d.Send(protocol.TypeError, "binary messages are not supported")
			continue
		}
		d.Handle(data)
	}

	conn.Close(websocket.StatusNormalClosure, "")
}
