// Package session binds interactive channels to registry-tracked,
// time-bounded sessions that can run commands synchronously.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gluk-w/webshell/internal/channel"
	"github.com/gluk-w/webshell/internal/logging"
	"github.com/rs/zerolog"
)

var (
	ErrEmptyCommand    = errors.New("command must not be empty")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	ErrSessionClosed   = errors.New("session closed")
)

// SpawnError reports a channel that could not be created. No session is
// registered when it is returned.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("spawn terminal: %v", e.Err) }

func (e *SpawnError) Unwrap() error { return e.Err }

const (
	// Ack is returned by ExecuteSync when the caller does not wait for output.
	Ack = "command sent"

	stderrLabel      = "\n[STDERR]\n"
	defaultChunkSize = 1024
)

// Options tune command execution.
type Options struct {
	// PollInterval is the sleep between empty probes while collecting output.
	PollInterval time.Duration
	// LineTerminator is appended to every command.
	LineTerminator string
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.LineTerminator == "" {
		o.LineTerminator = "\n"
	}
	return o
}

// Info is the externally visible state of a session. Times are Unix
// milliseconds.
type Info struct {
	SessionID      string `json:"sessionId"`
	Kind           string `json:"kind"`
	Alive          bool   `json:"alive"`
	Expired        bool   `json:"expired"`
	CreatedTime    int64  `json:"createdTime"`
	LastAccessTime int64  `json:"lastAccessTime"`
}

// Session owns one channel. All commands on a session are serialized.
type Session struct {
	ID        string
	CreatedAt time.Time

	ch     channel.Channel
	opts   Options
	now    func() time.Time
	logger zerolog.Logger

	mu         sync.Mutex
	lastAccess time.Time
	closed     bool

	execMu    sync.Mutex // serializes commands and reads of the output streams
	stdoutDec *channel.TextDecoder
	stderrDec *channel.TextDecoder
}

// New wraps ch in a session. now is the clock used for access timestamps.
func New(id string, ch channel.Channel, opts Options, now func() time.Time) *Session {
	if now == nil {
		now = time.Now
	}
	created := now()
	return &Session{
		ID:         id,
		CreatedAt:  created,
		ch:         ch,
		opts:       opts.withDefaults(),
		now:        now,
		logger:     logging.Component("session").With().Str("session_id", id).Logger(),
		lastAccess: created,
		stdoutDec:  channel.NewTextDecoder(ch.Encoding()),
		stderrDec:  channel.NewTextDecoder(ch.Encoding()),
	}
}

// Channel returns the owned channel.
func (s *Session) Channel() channel.Channel { return s.ch }

// ExecuteSync writes command to the shell. When wait is false it returns Ack
// immediately. Otherwise it collects output until timeout elapses, ctx is
// done or the shell dies, and returns whatever arrived; stderr, if any, is
// appended after a "[STDERR]" label. There is no end-of-command detection so
// the result is always a best-effort capture.
func (s *Session) ExecuteSync(ctx context.Context, command string, wait bool, timeout time.Duration) (string, error) {
	if strings.TrimSpace(command) == "" {
		return "", ErrEmptyCommand
	}

	s.execMu.Lock()
	defer s.execMu.Unlock()

	if !s.Alive() {
		return "", ErrSessionClosed
	}
	if _, err := s.ch.Write([]byte(command + s.opts.LineTerminator)); err != nil {
		if errors.Is(err, channel.ErrChannelClosed) {
			return "", ErrSessionClosed
		}
		return "", fmt.Errorf("write command: %w", err)
	}
	s.Touch()

	if !wait {
		return Ack, nil
	}
	return s.collect(ctx, timeout), nil
}

func (s *Session) collect(ctx context.Context, timeout time.Duration) string {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var stdout, stderr strings.Builder
	buf := make([]byte, defaultChunkSize)

loop:
	for {
		select {
		case <-deadline.C:
			break loop
		case <-ctx.Done():
			break loop
		default:
		}
		if s.isClosed() {
			break
		}

		got := s.drainOnce(s.ch.Stdout(), s.stdoutDec, buf, &stdout)
		if st := s.ch.Stderr(); st != nil && s.drainOnce(st, s.stderrDec, buf, &stderr) {
			got = true
		}
		if got {
			continue
		}
		if !s.ch.Alive() {
			break
		}

		pause := time.NewTimer(s.opts.PollInterval)
		select {
		case <-deadline.C:
			pause.Stop()
			break loop
		case <-ctx.Done():
			pause.Stop()
			break loop
		case <-pause.C:
		}
	}

	out := stdout.String()
	if stderr.Len() > 0 {
		out += stderrLabel + stderr.String()
	}
	return out
}

// drainOnce reads one available chunk without waiting.
func (s *Session) drainOnce(st *channel.Stream, dec *channel.TextDecoder, buf []byte, sb *strings.Builder) bool {
	n, _ := st.Poll(buf, 0)
	if n == 0 {
		return false
	}
	text, err := dec.Decode(buf[:n])
	sb.WriteString(text)
	if err != nil {
		s.logger.Warn().Err(err).Msg("dropped undecodable output")
	}
	return true
}

// Resize forwards a terminal size change to the channel.
// channel.ErrResizeUnsupported is advisory: the session stays usable.
func (s *Session) Resize(cols, rows int) error {
	if !s.Alive() {
		return ErrSessionClosed
	}
	if err := s.ch.Resize(cols, rows); err != nil {
		if errors.Is(err, channel.ErrChannelClosed) {
			return ErrSessionClosed
		}
		return err
	}
	s.Touch()
	return nil
}

// Close closes the channel once. Later calls are no-ops.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.ch.Close(); err != nil {
		return fmt.Errorf("close channel: %w", err)
	}
	return nil
}

// Touch records an access. The timestamp never moves backwards.
func (s *Session) Touch() {
	now := s.now()
	s.mu.Lock()
	if now.After(s.lastAccess) {
		s.lastAccess = now
	}
	s.mu.Unlock()
}

// LastAccess returns the time of the latest command or resize.
func (s *Session) LastAccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

// IsExpired reports whether the session has been idle for longer than timeout.
func (s *Session) IsExpired(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastAccess()) > timeout
}

// Alive reports whether the session is open and its channel is running.
func (s *Session) Alive() bool {
	return !s.isClosed() && s.ch.Alive()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Info snapshots the session state.
func (s *Session) Info(now time.Time, timeout time.Duration) Info {
	return Info{
		SessionID:      s.ID,
		Kind:           s.ch.Kind().String(),
		Alive:          s.Alive(),
		Expired:        s.IsExpired(now, timeout),
		CreatedTime:    s.CreatedAt.UnixMilli(),
		LastAccessTime: s.LastAccess().UnixMilli(),
	}
}
