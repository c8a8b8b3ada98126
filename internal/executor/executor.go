// Package executor runs single commands outside any session, either
// collecting their output or streaming it line by line.
package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"golang.org/x/text/encoding"

	"github.com/gluk-w/webshell/internal/channel"
	"github.com/gluk-w/webshell/internal/logging"
	"github.com/gluk-w/webshell/internal/logutil"
	"github.com/gluk-w/webshell/internal/procgroup"
)

const (
	DefaultTimeout       = 30 * time.Second
	DefaultStreamTimeout = 60 * time.Second

	// waitDelay bounds how long Wait keeps copying output after the
	// process group has been killed.
	waitDelay    = 2 * time.Second
	maxLineBytes = 1 << 20
)

var (
	// ErrEmptyCommand is returned for blank command lines.
	ErrEmptyCommand = errors.New("command must not be empty")
	// ErrTimeout is returned when a command outlives its deadline. The
	// command's process group has been killed by then.
	ErrTimeout = errors.New("command timed out")
)

// Executor spawns one shell per command.
type Executor struct {
	GOOS          string
	Dir           string
	Timeout       time.Duration
	StreamTimeout time.Duration
	// Encoding decodes command output. Nil means UTF-8.
	Encoding encoding.Encoding
}

// New returns an Executor for the host platform.
func New(timeout, streamTimeout time.Duration, enc encoding.Encoding) *Executor {
	return &Executor{
		GOOS:          runtime.GOOS,
		Timeout:       timeout,
		StreamTimeout: streamTimeout,
		Encoding:      enc,
	}
}

// Result is the outcome of Run.
type Result struct {
	Success  bool   `json:"success"`
	ExitCode *int   `json:"exitCode,omitempty"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	Command  string `json:"command"`

	PID      int           `json:"-"`
	Duration time.Duration `json:"-"`
}

func (e *Executor) command(command string) *exec.Cmd {
	goos := e.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	spec := channel.CommandShell(goos, command)
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = e.Dir
	cmd.Env = os.Environ()
	cmd.WaitDelay = waitDelay
	procgroup.Prepare(cmd)
	return cmd
}

func timeoutOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// Run executes command and returns its combined output. A command still
// running at the deadline is killed together with its children and
// ErrTimeout is returned alongside a failed Result.
func (e *Executor) Run(ctx context.Context, command string) (Result, error) {
	res := Result{Command: command}
	if strings.TrimSpace(command) == "" {
		res.Error = ErrEmptyCommand.Error()
		return res, ErrEmptyCommand
	}

	logger := logging.Component("executor")
	timeout := timeoutOr(e.Timeout, DefaultTimeout)

	var out bytes.Buffer
	cmd := e.command(command)
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	if err := cmd.Start(); err != nil {
		res.Error = fmt.Sprintf("start command: %v", err)
		return res, fmt.Errorf("start command: %w", err)
	}
	res.PID = cmd.Process.Pid

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr, failure error
	select {
	case waitErr = <-done:
	case <-timer.C:
		failure = fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case <-ctx.Done():
		failure = ctx.Err()
	}
	if failure != nil {
		if err := procgroup.Kill(cmd); err != nil {
			logger.Warn().Err(err).Int("pid", res.PID).Msg("kill timed out command")
		}
		<-done
	}
	res.Duration = time.Since(start)
	res.Output = e.decode(out.Bytes())

	if failure != nil {
		logger.Warn().Str("command", logutil.Command(command)).Dur("timeout", timeout).Err(failure).Msg("command aborted")
		res.Error = failure.Error()
		return res, failure
	}

	code := cmd.ProcessState.ExitCode()
	res.ExitCode = &code
	res.Success = code == 0
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		// The shell finished but a background child kept its output open
		// past WaitDelay.
		res.Success = false
		res.Error = waitErr.Error()
	}
	logger.Debug().Str("command", logutil.Command(command)).Int("exit_code", code).Dur("duration", res.Duration).Msg("command finished")
	return res, nil
}

func (e *Executor) decode(b []byte) string {
	dec := channel.NewTextDecoder(e.Encoding)
	text, _ := dec.Decode(b)
	return text + dec.Flush()
}

// EventType names a streaming execution event.
type EventType string

const (
	EventStart  EventType = "start"
	EventOutput EventType = "output"
	EventEnd    EventType = "end"
	EventError  EventType = "error"
)

// Event is one step of a streamed execution.
type Event struct {
	Type     EventType
	Message  string
	Line     string
	ExitCode int
	Success  bool
}

// Payload is the event body sent to clients.
func (ev Event) Payload() any {
	switch ev.Type {
	case EventOutput:
		return map[string]string{"line": ev.Line}
	case EventEnd:
		return map[string]any{"exitCode": ev.ExitCode, "success": ev.Success}
	default:
		return map[string]string{"message": ev.Message}
	}
}

// Stream executes command and reports its output one line at a time. The
// sequence is start, zero or more output events, then exactly one end or
// error. A non-nil error from emit aborts the command.
func (e *Executor) Stream(ctx context.Context, command string, emit func(Event) error) error {
	if strings.TrimSpace(command) == "" {
		emit(Event{Type: EventError, Message: ErrEmptyCommand.Error()})
		return ErrEmptyCommand
	}

	logger := logging.Component("executor")
	timeout := timeoutOr(e.StreamTimeout, DefaultStreamTimeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r, w, err := os.Pipe()
	if err != nil {
		emit(Event{Type: EventError, Message: fmt.Sprintf("create pipe: %v", err)})
		return fmt.Errorf("create pipe: %w", err)
	}
	defer r.Close()

	cmd := e.command(command)
	cmd.Stdout = w
	cmd.Stderr = w
	if err := cmd.Start(); err != nil {
		w.Close()
		emit(Event{Type: EventError, Message: fmt.Sprintf("start command: %v", err)})
		return fmt.Errorf("start command: %w", err)
	}
	w.Close()

	// A descendant that left the process group survives the kill and keeps
	// the pipe open, so the read side is cut off as well.
	stopWatch := make(chan struct{})
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		select {
		case <-ctx.Done():
			if err := procgroup.Kill(cmd); err != nil {
				logger.Warn().Err(err).Int("pid", cmd.Process.Pid).Msg("kill streamed command")
			}
			if err := r.SetReadDeadline(time.Now()); err != nil {
				r.Close()
			}
		case <-stopWatch:
		}
	}()

	abort := func(err error) error {
		cancel()
		<-watchDone
		cmd.Wait()
		return err
	}

	if err := emit(Event{Type: EventStart, Message: "command started: " + command}); err != nil {
		return abort(err)
	}

	dec := channel.NewTextDecoder(e.Encoding)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line, _ := dec.Decode(sc.Bytes())
		if err := emit(Event{Type: EventOutput, Line: line}); err != nil {
			logger.Debug().Err(err).Msg("stream consumer went away")
			return abort(err)
		}
	}
	if tail := dec.Flush(); tail != "" {
		emit(Event{Type: EventOutput, Line: tail})
	}
	scanErr := sc.Err()

	waitErr := cmd.Wait()
	close(stopWatch)
	<-watchDone

	if ctx.Err() != nil {
		failure := ctx.Err()
		if errors.Is(failure, context.DeadlineExceeded) {
			failure = fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		logger.Warn().Str("command", logutil.Command(command)).Err(failure).Msg("streamed command aborted")
		emit(Event{Type: EventError, Message: failure.Error()})
		return failure
	}
	if scanErr != nil {
		emit(Event{Type: EventError, Message: fmt.Sprintf("read output: %v", scanErr)})
		return fmt.Errorf("read output: %w", scanErr)
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		emit(Event{Type: EventError, Message: waitErr.Error()})
		return waitErr
	}
	code := cmd.ProcessState.ExitCode()
	emit(Event{Type: EventEnd, ExitCode: code, Success: code == 0})
	return nil
}
