//go:build !windows

package channel

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

// readUntil polls s until the accumulated output contains want.
func readUntil(t *testing.T, s *Stream, want string, timeout time.Duration) string {
	t.Helper()
	var out strings.Builder
	buf := make([]byte, 1024)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		n, err := s.Poll(buf, 50*time.Millisecond)
		out.Write(buf[:n])
		if strings.Contains(out.String(), want) {
			return out.String()
		}
		if errors.Is(err, io.EOF) {
			break
		}
	}
	t.Fatalf("timed out waiting for %q, got %q", want, out.String())
	return ""
}

func startSh(t *testing.T, pty bool) *LocalProcess {
	t.Helper()
	p, err := StartLocal(LocalOptions{
		Shell: ShellSpec{Path: "/bin/sh"},
		Dir:   t.TempDir(),
		PTY:   pty,
	})
	if err != nil {
		t.Fatalf("StartLocal: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestLocalProcess_WriteAndRead(t *testing.T) {
	p := startSh(t, false)

	if p.Kind() != KindLocalProcess {
		t.Errorf("Kind() = %v", p.Kind())
	}
	if !p.Alive() {
		t.Fatal("expected process to be alive")
	}

	if _, err := p.Write([]byte("echo out-marker; echo err-marker 1>&2\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	readUntil(t, p.Stdout(), "out-marker", 5*time.Second)
	readUntil(t, p.Stderr(), "err-marker", 5*time.Second)
}

func TestLocalProcess_ResizeUnsupportedWithoutPTY(t *testing.T) {
	p := startSh(t, false)
	if err := p.Resize(120, 40); !errors.Is(err, ErrResizeUnsupported) {
		t.Errorf("Resize() err = %v, want ErrResizeUnsupported", err)
	}
}

func TestLocalProcess_CloseIsIdempotentAndKills(t *testing.T) {
	p := startSh(t, false)

	if err := p.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if p.Alive() {
		t.Error("Alive() = true after Close")
	}

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process was not reaped after Close")
	}

	if _, err := p.Write([]byte("echo hi\n")); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("Write after Close err = %v, want ErrChannelClosed", err)
	}
}

func TestLocalProcess_ExitMarksDead(t *testing.T) {
	p := startSh(t, false)
	if _, err := p.Write([]byte("exit 3\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("shell did not exit")
	}
	if p.Alive() {
		t.Error("Alive() = true after exit")
	}
	if code := p.ExitCode(); code != 3 {
		t.Errorf("ExitCode() = %d, want 3", code)
	}
}

func TestLocalProcess_CloseKillsBackgroundChildren(t *testing.T) {
	p := startSh(t, false)
	if _, err := p.Write([]byte("sleep 60 & echo started\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	readUntil(t, p.Stdout(), "started", 5*time.Second)

	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(exitWait + 2*time.Second):
		t.Fatal("Close hung with a background child holding the pipes")
	}

	// The stream readers must be released even though sleep inherited them.
	buf := make([]byte, 64)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := p.Stdout().Poll(buf, 50*time.Millisecond); errors.Is(err, io.EOF) {
			return
		}
	}
	t.Error("stdout stream did not reach EOF after Close")
}

func TestLocalProcess_PTYResize(t *testing.T) {
	p := startSh(t, true)
	if p.Stderr() != nil {
		t.Error("expected merged stderr in pty mode")
	}
	if err := p.Resize(100, 30); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if _, err := p.Write([]byte("stty size\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	readUntil(t, p.Stdout(), "30 100", 5*time.Second)
}
