package channel

import (
	"errors"
	"io"
	"sync"
	"time"
)

const (
	readChunkSize = 4096
	chunkBacklog  = 64
)

// Stream turns a blocking reader into a pollable one. A background goroutine
// performs the blocking reads and hands chunks over a buffered channel, so a
// Poll never parks longer than the wait it is given.
//
// A Stream has a single consumer: concurrent Poll calls are not supported.
type Stream struct {
	chunks  chan []byte
	done    chan struct{}
	pending []byte
	err     error // set before chunks is closed

	stopOnce sync.Once
}

// NewStream starts reading r in the background.
func NewStream(r io.Reader) *Stream {
	s := &Stream{
		chunks: make(chan []byte, chunkBacklog),
		done:   make(chan struct{}),
	}
	go s.readLoop(r)
	return s
}

func (s *Stream) readLoop(r io.Reader) {
	defer close(s.chunks)
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case s.chunks <- chunk:
			case <-s.done:
				s.err = io.EOF
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.ErrClosedPipe) || isClosedFile(err) {
				err = io.EOF
			}
			s.err = err
			return
		}
	}
}

// Poll copies up to len(p) bytes of available output into p. It waits at
// most wait for data to arrive; a zero wait makes it a pure readiness probe.
// It returns ErrWouldBlock when nothing arrived and io.EOF once the
// underlying reader is exhausted and all buffered data was consumed.
func (s *Stream) Poll(p []byte, wait time.Duration) (int, error) {
	if len(s.pending) > 0 {
		return s.take(p), nil
	}

	var chunk []byte
	var ok bool
	if wait <= 0 {
		select {
		case chunk, ok = <-s.chunks:
		default:
			return 0, ErrWouldBlock
		}
	} else {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case chunk, ok = <-s.chunks:
		case <-timer.C:
			return 0, ErrWouldBlock
		}
	}
	if !ok {
		if s.err == nil {
			return 0, io.EOF
		}
		return 0, s.err
	}
	s.pending = chunk
	return s.take(p), nil
}

func (s *Stream) take(p []byte) int {
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n
}

// stop releases the reader goroutine if it is blocked handing over a chunk.
// Callers still need to close the underlying reader to unblock a Read.
func (s *Stream) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}
