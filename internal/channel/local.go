package channel

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gluk-w/webshell/internal/procgroup"
	"golang.org/x/text/encoding"
)

// exitWait bounds how long Close waits for a killed process to be reaped.
const exitWait = 3 * time.Second

// LocalOptions describes a shell to spawn on this host.
type LocalOptions struct {
	Shell    ShellSpec
	Dir      string
	Env      []string // appended to the server environment
	Encoding encoding.Encoding

	// PTY runs the shell on a pseudo-terminal so Resize works. Error output
	// is then merged into Stdout.
	PTY        bool
	Cols, Rows int
}

// LocalProcess is a Channel backed by a process spawned on this host.
type LocalProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *Stream
	stderr *Stream
	tty    *os.File
	owned  []io.Closer // read ends closed on Close to release the stream readers
	enc    encoding.Encoding

	writeMu   sync.Mutex
	exited    chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

var _ Channel = (*LocalProcess)(nil)

// StartLocal spawns opts.Shell and wires its standard streams.
func StartLocal(opts LocalOptions) (*LocalProcess, error) {
	if opts.Shell.Path == "" {
		return nil, errors.New("no shell configured")
	}
	cmd := exec.Command(opts.Shell.Path, opts.Shell.Args...) //nolint:gosec // shell chosen by platform, not by clients
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), opts.Env...)

	p := &LocalProcess{
		cmd:    cmd,
		enc:    opts.Encoding,
		exited: make(chan struct{}),
	}
	if p.enc == nil {
		p.enc = DefaultEncoding(runtime.GOOS)
	}

	var err error
	if opts.PTY {
		err = p.startPTY(opts.Cols, opts.Rows)
	} else {
		err = p.startPipes()
	}
	if err != nil {
		return nil, err
	}

	go func() {
		_ = cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

func (p *LocalProcess) startPipes() error {
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return fmt.Errorf("stderr pipe: %w", err)
	}

	// Handing *os.File values to exec avoids its copy goroutines, so Wait
	// never closes the read ends underneath the stream readers.
	p.cmd.Stdin = stdinR
	p.cmd.Stdout = stdoutW
	p.cmd.Stderr = stderrW
	procgroup.Prepare(p.cmd)

	if err := p.cmd.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return fmt.Errorf("start %s: %w", p.cmd.Path, err)
	}
	closeAll(stdinR, stdoutW, stderrW)

	p.stdin = stdinW
	p.stdout = NewStream(stdoutR)
	p.stderr = NewStream(stderrR)
	p.owned = []io.Closer{stdoutR, stderrR}
	return nil
}

func (p *LocalProcess) Kind() Kind { return KindLocalProcess }

func (p *LocalProcess) Stdout() *Stream { return p.stdout }

func (p *LocalProcess) Stderr() *Stream { return p.stderr }

func (p *LocalProcess) Encoding() encoding.Encoding { return p.enc }

// Pid returns the shell's process id.
func (p *LocalProcess) Pid() int { return p.cmd.Process.Pid }

// Done is closed once the process has exited and been reaped.
func (p *LocalProcess) Done() <-chan struct{} { return p.exited }

// ExitCode returns the exit status, or -1 while the process is running.
func (p *LocalProcess) ExitCode() int {
	select {
	case <-p.exited:
		return p.cmd.ProcessState.ExitCode()
	default:
		return -1
	}
}

func (p *LocalProcess) Alive() bool {
	if p.closed.Load() {
		return false
	}
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

func (p *LocalProcess) Write(b []byte) (int, error) {
	if !p.Alive() {
		return 0, ErrChannelClosed
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	n, err := p.stdin.Write(b)
	if err != nil && !p.Alive() {
		return n, ErrChannelClosed
	}
	return n, err
}

func (p *LocalProcess) Resize(cols, rows int) error {
	if p.tty == nil {
		return ErrResizeUnsupported
	}
	if !p.Alive() {
		return ErrChannelClosed
	}
	return resizePTY(p.tty, cols, rows)
}

// Close kills the process group, waits briefly for the process to be reaped
// and releases every stream.
func (p *LocalProcess) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		err = procgroup.Kill(p.cmd)

		p.writeMu.Lock()
		p.stdin.Close()
		p.writeMu.Unlock()

		select {
		case <-p.exited:
		case <-time.After(exitWait):
		}

		p.stdout.stop()
		if p.stderr != nil {
			p.stderr.stop()
		}
		closeAll(p.owned...)
	})
	return err
}

func closeAll(cs ...io.Closer) {
	for _, c := range cs {
		if c != nil {
			c.Close()
		}
	}
}
