// Package channel abstracts a running interactive shell, either a process
// spawned on this host or a shell opened over SSH, behind one capability set.
package channel

import (
	"errors"

	"golang.org/x/text/encoding"
)

// Kind tags the concrete variant behind a Channel.
type Kind int

const (
	KindLocalProcess Kind = iota
	KindRemoteShell
)

func (k Kind) String() string {
	switch k {
	case KindLocalProcess:
		return "local"
	case KindRemoteShell:
		return "ssh"
	default:
		return "unknown"
	}
}

var (
	// ErrChannelClosed is returned by Write once the channel is no longer alive.
	ErrChannelClosed = errors.New("channel closed")
	// ErrResizeUnsupported is returned by Resize on channels without a terminal.
	ErrResizeUnsupported = errors.New("resize not supported by this terminal")
	// ErrWouldBlock is returned by Stream.Poll when no data arrived in time.
	ErrWouldBlock = errors.New("no data available")
)

// Channel is a running interactive process.
//
// Write must only be called by the channel's owner; Stdout and Stderr may be
// polled from separate goroutines. Close is idempotent and safe to call from
// any goroutine.
type Channel interface {
	Kind() Kind
	Write(p []byte) (int, error)
	Stdout() *Stream
	// Stderr returns nil when error output is merged into Stdout.
	Stderr() *Stream
	Alive() bool
	Resize(cols, rows int) error
	Encoding() encoding.Encoding
	Close() error
}
