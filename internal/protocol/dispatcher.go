package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gluk-w/webshell/internal/channel"
	"github.com/gluk-w/webshell/internal/logging"
	"github.com/gluk-w/webshell/internal/logutil"
	"github.com/gluk-w/webshell/internal/pump"
)

const (
	greeting        = "websocket connected, send connect to open a terminal"
	connectedMsg    = "terminal connected"
	exitedMsg       = "terminal process exited"
	defaultSendWait = 10 * time.Second
)

// ErrClosed is returned by Send once the connection is closed.
var ErrClosed = errors.New("connection closed")

// Conn is the outbound half of a websocket connection. Send is not required
// to be safe for concurrent use.
type Conn interface {
	Send(ctx context.Context, msg []byte) error
}

// Opener starts the shell a connection binds to.
type Opener func(ctx context.Context) (channel.Channel, error)

// Completer produces tab-completion candidates for a command line.
type Completer interface {
	Complete(ctx context.Context, line string) ([]string, error)
}

// State is the lifecycle of a connection.
type State int

const (
	StateUnbound State = iota
	StateBound
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateBound:
		return "bound"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options tune a Dispatcher. The hooks are optional and run synchronously.
type Options struct {
	PollInterval time.Duration
	SendTimeout  time.Duration

	OnConnect func(d *Dispatcher, ch channel.Channel)
	OnCommand func(d *Dispatcher, data string)
	OnClose   func(d *Dispatcher, reason string)
}

// Dispatcher owns one websocket connection and the shell bound to it.
type Dispatcher struct {
	ID string

	conn     Conn
	open     Opener
	complete Completer
	hub      *Hub
	opts     Options
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	state  State
	ch     channel.Channel
	pump   *pump.Pump
	exited bool

	sendMu    sync.Mutex
	closeOnce sync.Once
}

// NewDispatcher registers a new connection with hub. The dispatcher lives
// until Close is called or ctx ends.
func NewDispatcher(ctx context.Context, id string, conn Conn, open Opener, complete Completer, hub *Hub, opts Options) *Dispatcher {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendWait
	}
	ctx, cancel := context.WithCancel(ctx)
	d := &Dispatcher{
		ID:       id,
		conn:     conn,
		open:     open,
		complete: complete,
		hub:      hub,
		opts:     opts,
		logger:   logging.Component("ws").With().Str("conn_id", id).Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}
	if hub != nil {
		hub.Add(d)
	}
	return d
}

// State reports the current lifecycle state.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Channel returns the bound shell, or nil before connect.
func (d *Dispatcher) Channel() channel.Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ch
}

// Context is cancelled when the connection closes.
func (d *Dispatcher) Context() context.Context {
	return d.ctx
}

// Greet sends the initial connected message.
func (d *Dispatcher) Greet() error {
	return d.Send(TypeConnected, greeting)
}

// Send writes one envelope. Frames from the pumps and the dispatcher are
// serialized so they never interleave on the wire.
func (d *Dispatcher) Send(typ, data string) error {
	msg, err := Encode(typ, data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", typ, err)
	}

	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	if d.State() == StateClosed {
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(d.ctx, d.opts.SendTimeout)
	defer cancel()
	if err := d.conn.Send(ctx, msg); err != nil {
		d.logger.Debug().Err(err).Str("type", typ).Msg("send failed")
		go d.Close("send failed")
		return err
	}
	return nil
}

func (d *Dispatcher) sendError(format string, args ...any) {
	d.Send(TypeError, fmt.Sprintf(format, args...))
}

// Handle processes one inbound frame. It must be called from a single
// reader goroutine.
func (d *Dispatcher) Handle(raw []byte) {
	if d.State() == StateClosed {
		return
	}
	msg, err := DecodeInbound(raw)
	if err != nil {
		d.sendError("invalid message: %v", err)
		return
	}

	state := d.State()
	if state == StateUnbound && msg.Type != TypeConnect {
		d.sendError("terminal not connected, message type %q not allowed", msg.Type)
		return
	}

	switch msg.Type {
	case TypeConnect:
		d.handleConnect()
	case TypeCommand:
		d.handleCommand(msg.Data)
	case TypeResize:
		d.handleResize(msg.Cols, msg.Rows)
	case TypeTabCompletion:
		go d.handleTabCompletion(msg.Data)
	default:
		d.sendError("unknown message type: %s", msg.Type)
	}
}

func (d *Dispatcher) handleConnect() {
	d.mu.Lock()
	switch d.state {
	case StateBound:
		d.mu.Unlock()
		d.sendError("terminal already connected")
		return
	case StateClosed:
		d.mu.Unlock()
		return
	}

	ch, err := d.open(d.ctx)
	if err != nil {
		d.mu.Unlock()
		d.logger.Error().Err(err).Msg("failed to open terminal")
		d.sendError("connect terminal failed: %v", err)
		return
	}
	if d.ctx.Err() != nil {
		d.mu.Unlock()
		ch.Close()
		return
	}

	d.ch = ch
	d.state = StateBound
	d.pump = pump.Start(d.ctx, ch, pump.Config{
		ID:       d.ID,
		Interval: d.opts.PollInterval,
		OnOutput: func(_ pump.Source, text string) {
			d.Send(TypeOutput, text)
		},
		OnError: func(src pump.Source, err error) {
			d.sendError("read terminal %s failed: %v", src, err)
		},
	})
	p := d.pump
	d.mu.Unlock()

	go d.watch(ch, p)

	d.logger.Info().Str("kind", ch.Kind().String()).Msg("terminal connected")
	if d.opts.OnConnect != nil {
		d.opts.OnConnect(d, ch)
	}
	d.Send(TypeConnected, connectedMsg)
}

// watch reports the shell's death once its pumps have drained.
func (d *Dispatcher) watch(ch channel.Channel, p *pump.Pump) {
	<-p.Done()

	d.mu.Lock()
	report := d.state == StateBound && d.ch == ch && !d.exited
	if report {
		d.exited = true
	}
	d.mu.Unlock()
	if !report {
		return
	}

	d.logger.Info().Msg("terminal process exited")
	d.Send(TypeError, exitedMsg)
	ch.Close()
}

func (d *Dispatcher) handleCommand(data string) {
	ch := d.Channel()
	if ch == nil {
		return
	}
	if d.opts.OnCommand != nil {
		d.opts.OnCommand(d, data)
	}
	if _, err := ch.Write([]byte(data)); err != nil {
		d.logger.Warn().Err(err).Str("data", logutil.Command(data)).Msg("write to terminal failed")
		d.sendError("send command failed: %v", err)
	}
}

func (d *Dispatcher) handleResize(cols, rows int) {
	ch := d.Channel()
	if ch == nil {
		return
	}
	cols, rows, err := ClampSize(cols, rows)
	if err != nil {
		d.sendError("resize failed: %v", err)
		return
	}
	if err := ch.Resize(cols, rows); err != nil {
		if !errors.Is(err, channel.ErrResizeUnsupported) {
			d.logger.Warn().Err(err).Int("cols", cols).Int("rows", rows).Msg("resize failed")
		}
		d.sendError("resize failed: %v", err)
	}
}

func (d *Dispatcher) handleTabCompletion(line string) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Msg("tab completion panicked")
		}
	}()
	if d.complete == nil {
		d.Send(TypeTabCompletionResult, "[]")
		return
	}
	candidates, err := d.complete.Complete(d.ctx, line)
	if err != nil {
		d.sendError("tab completion failed: %v", err)
		return
	}
	if candidates == nil {
		candidates = []string{}
	}
	b, err := json.Marshal(candidates)
	if err != nil {
		d.sendError("tab completion failed: %v", err)
		return
	}
	d.Send(TypeTabCompletionResult, string(b))
}

// Close tears the connection down. It is idempotent and never waits for
// the pumps, so it may be called from any goroutine.
func (d *Dispatcher) Close(reason string) {
	d.closeOnce.Do(func() {
		d.cancel()

		d.mu.Lock()
		d.state = StateClosed
		ch, p := d.ch, d.pump
		d.mu.Unlock()

		if p != nil {
			p.Stop()
		}
		if ch != nil {
			if err := ch.Close(); err != nil {
				d.logger.Warn().Err(err).Msg("close terminal")
			}
		}
		if d.hub != nil {
			d.hub.Remove(d)
		}
		d.logger.Info().Str("reason", reason).Msg("connection closed")
		if d.opts.OnClose != nil {
			d.opts.OnClose(d, reason)
		}
	})
}
