// Package protocol implements the websocket terminal protocol: JSON
// envelopes exchanged with the browser and the per-connection state machine
// that binds a connection to one shell.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Inbound message types.
const (
	TypeConnect       = "connect"
	TypeCommand       = "command"
	TypeResize        = "resize"
	TypeTabCompletion = "tab_completion"
)

// Outbound message types.
const (
	TypeConnected           = "connected"
	TypeOutput              = "output"
	TypeError               = "error"
	TypeTabCompletionResult = "tab_completion_result"
)

// Terminal size bounds accepted from clients.
const (
	MinCols = 1
	MaxCols = 500
	MinRows = 1
	MaxRows = 200
)

// Inbound is a message received from the browser. Cols and Rows are only set
// on resize.
type Inbound struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

// Outbound is a message sent to the browser.
type Outbound struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// DecodeInbound parses a client frame.
func DecodeInbound(b []byte) (Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(b, &msg); err != nil {
		return Inbound{}, fmt.Errorf("decode message: %w", err)
	}
	if msg.Type == "" {
		return Inbound{}, fmt.Errorf("decode message: missing type")
	}
	return msg, nil
}

// Encode builds an outbound frame. Data is sanitized first.
func Encode(typ, data string) ([]byte, error) {
	return json.Marshal(Outbound{Type: typ, Data: Sanitize(data)})
}

// Sanitize drops C0 control bytes other than tab, newline and carriage
// return, and DEL.
func Sanitize(s string) string {
	if strings.IndexFunc(s, isStripped) < 0 {
		return s
	}
	return strings.Map(func(r rune) rune {
		if isStripped(r) {
			return -1
		}
		return r
	}, s)
}

func isStripped(r rune) bool {
	switch {
	case r == '\t', r == '\n', r == '\r':
		return false
	case r < 0x20, r == 0x7f:
		return true
	}
	return false
}

// ClampSize validates a requested terminal size and clamps it into the
// accepted range.
func ClampSize(cols, rows int) (int, int, error) {
	if cols <= 0 || rows <= 0 {
		return 0, 0, fmt.Errorf("invalid terminal size %dx%d", cols, rows)
	}
	return clamp(cols, MinCols, MaxCols), clamp(rows, MinRows, MaxRows), nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
