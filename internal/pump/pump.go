// Package pump drains a channel's output streams in the background and hands
// decoded text to callbacks.
package pump

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gluk-w/webshell/internal/channel"
	"github.com/gluk-w/webshell/internal/logging"
)

const (
	DefaultChunkSize = 1024
	DefaultInterval  = 100 * time.Millisecond
)

// Source names the stream a callback fired for.
type Source string

const (
	Stdout Source = "stdout"
	Stderr Source = "stderr"
)

// Config wires a pump to its consumer.
type Config struct {
	// ID labels log lines, usually the session or connection id.
	ID string
	// Interval is the longest a single poll waits for data.
	Interval  time.Duration
	ChunkSize int

	OnOutput func(src Source, text string)
	OnError  func(src Source, err error)
}

// Pump runs one reader goroutine per readable stream of a channel. It never
// closes the channel.
type Pump struct {
	ch     channel.Channel
	cfg    Config
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	stopped bool
}

// Start begins pumping ch. The pump stops when ctx is done, Stop is called or
// the channel dies.
func Start(ctx context.Context, ch channel.Channel, cfg Config) *Pump {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &Pump{ch: ch, cfg: cfg, cancel: cancel, done: make(chan struct{})}

	var wg sync.WaitGroup
	for src, s := range map[Source]*channel.Stream{Stdout: ch.Stdout(), Stderr: ch.Stderr()} {
		if s == nil {
			continue
		}
		wg.Add(1)
		go func(src Source, s *channel.Stream) {
			defer wg.Done()
			p.run(ctx, src, s)
		}(src, s)
	}
	go func() {
		wg.Wait()
		close(p.done)
	}()
	return p
}

// Stop halts the pump without waiting, so it is safe to call from inside a
// callback. No callback starts after Stop returns; use Done to wait for the
// readers to exit.
func (p *Pump) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.cancel()
}

// Done is closed once every stream reader has exited.
func (p *Pump) Done() <-chan struct{} { return p.done }

func (p *Pump) run(ctx context.Context, src Source, s *channel.Stream) {
	logger := logging.Component("pump").With().Str("id", p.cfg.ID).Str("stream", string(src)).Logger()

	dec := channel.NewTextDecoder(p.ch.Encoding())
	buf := make([]byte, p.cfg.ChunkSize)
	failing := false

	for p.ch.Alive() {
		if ctx.Err() != nil {
			return
		}
		n, err := s.Poll(buf, p.cfg.Interval)
		if n > 0 {
			failing = false
			p.deliver(src, dec, buf[:n])
			continue
		}
		switch {
		case err == nil, errors.Is(err, channel.ErrWouldBlock):
		case errors.Is(err, io.EOF):
			logger.Debug().Msg("stream reached EOF")
			p.emitTail(src, dec)
			return
		default:
			if !p.ch.Alive() {
				return
			}
			if !failing {
				failing = true
				logger.Warn().Err(err).Msg("read failed")
				p.emitError(src, fmt.Errorf("read %s: %w", src, err))
			}
			if !sleepCtx(ctx, p.cfg.Interval) {
				return
			}
		}
	}

	// The process is gone but output it wrote before exiting may still be
	// buffered.
	p.drain(ctx, src, s, dec, buf)
}

func (p *Pump) drain(ctx context.Context, src Source, s *channel.Stream, dec *channel.TextDecoder, buf []byte) {
	for ctx.Err() == nil {
		n, _ := s.Poll(buf, 0)
		if n == 0 {
			break
		}
		p.deliver(src, dec, buf[:n])
	}
	p.emitTail(src, dec)
}

func (p *Pump) deliver(src Source, dec *channel.TextDecoder, chunk []byte) {
	text, err := dec.Decode(chunk)
	if text != "" {
		p.emitOutput(src, text)
	}
	if err != nil {
		p.emitError(src, err)
	}
}

func (p *Pump) emitTail(src Source, dec *channel.TextDecoder) {
	if text := dec.Flush(); text != "" {
		p.emitOutput(src, text)
	}
}

func (p *Pump) emitOutput(src Source, text string) {
	if p.isStopped() || p.cfg.OnOutput == nil {
		return
	}
	defer p.recoverCallback(src)
	p.cfg.OnOutput(src, text)
}

func (p *Pump) emitError(src Source, err error) {
	if p.isStopped() || p.cfg.OnError == nil {
		return
	}
	defer p.recoverCallback(src)
	p.cfg.OnError(src, err)
}

// recoverCallback keeps a panicking consumer from ending the reader loop.
func (p *Pump) recoverCallback(src Source) {
	if r := recover(); r != nil {
		l := logging.Component("pump")
		l.Error().
			Str("id", p.cfg.ID).
			Str("stream", string(src)).
			Interface("panic", r).
			Msg("pump callback panicked")
	}
}

func (p *Pump) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
