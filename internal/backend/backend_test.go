//go:build !windows

package backend

import (
	"context"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/unicode"

	"github.com/gluk-w/webshell/internal/channel"
	"github.com/gluk-w/webshell/internal/config"
	"github.com/gluk-w/webshell/internal/sshtest"
)

func TestFromSettings_Defaults(t *testing.T) {
	b, err := FromSettings(config.Settings{
		TerminalBackend: "auto",
		OutputEncoding:  "auto",
		SSHHost:         "127.0.0.1",
		SSHPort:         22,
	})
	if err != nil {
		t.Fatalf("FromSettings: %v", err)
	}
	if b.Terminal != config.BackendSSH {
		t.Errorf("Terminal = %q, want ssh", b.Terminal)
	}
	if b.LocalEncoding != unicode.UTF8 || b.Remote.Encoding != unicode.UTF8 {
		t.Error("expected UTF-8 encodings by default")
	}
	if b.Remote.User == "" {
		t.Error("SSH user not defaulted to the current user")
	}
}

func TestFromSettings_ExplicitEncoding(t *testing.T) {
	b, err := FromSettings(config.Settings{TerminalBackend: "local", OutputEncoding: "gbk"})
	if err != nil {
		t.Fatalf("FromSettings: %v", err)
	}
	if b.Terminal != config.BackendLocal {
		t.Errorf("Terminal = %q", b.Terminal)
	}
	if b.LocalEncoding != simplifiedchinese.GBK || b.Remote.Encoding != simplifiedchinese.GBK {
		t.Error("explicit encoding not applied")
	}

	if _, err := FromSettings(config.Settings{OutputEncoding: "klingon"}); err == nil {
		t.Error("expected error for unknown encoding")
	}
}

func readUntil(t *testing.T, s *channel.Stream, want string) string {
	t.Helper()
	var sb strings.Builder
	buf := make([]byte, 1024)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		n, _ := s.Poll(buf, 50*time.Millisecond)
		sb.Write(buf[:n])
		if strings.Contains(sb.String(), want) {
			return sb.String()
		}
	}
	t.Fatalf("never saw %q in %q", want, sb.String())
	return ""
}

func TestSpawnSession_Local(t *testing.T) {
	b := &Backend{Terminal: config.BackendSSH, GOOS: "linux", Dir: t.TempDir(), LocalEncoding: unicode.UTF8}
	ch, err := b.SpawnSession(context.Background())
	if err != nil {
		t.Fatalf("SpawnSession: %v", err)
	}
	defer ch.Close()

	if ch.Kind() != channel.KindLocalProcess {
		t.Errorf("Kind = %v, sessions must be local", ch.Kind())
	}
	if ch.Stderr() == nil {
		t.Error("session shell merged stderr")
	}
	ch.Write([]byte("echo session-ok\n"))
	readUntil(t, ch.Stdout(), "session-ok")
}

func TestSpawnSession_CancelledContext(t *testing.T) {
	b := &Backend{GOOS: "linux"}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.SpawnSession(ctx); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestOpenTerminal_SSH(t *testing.T) {
	srv := sshtest.NewServer(t)
	b := &Backend{
		Terminal: config.BackendSSH,
		Remote: channel.RemoteOptions{
			Host:    srv.Host,
			Port:    srv.Port,
			User:    "tester",
			Signers: []ssh.Signer{srv.Signer},
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ch, err := b.OpenTerminal(ctx)
	if err != nil {
		t.Fatalf("OpenTerminal: %v", err)
	}
	defer ch.Close()
	if ch.Kind() != channel.KindRemoteShell {
		t.Errorf("Kind = %v", ch.Kind())
	}
	ch.Write([]byte("echo remote-ok\n"))
	readUntil(t, ch.Stdout(), "remote-ok")
}

func TestOpenTerminal_Local(t *testing.T) {
	b := &Backend{Terminal: config.BackendLocal, GOOS: "linux", Dir: t.TempDir()}
	ch, err := b.OpenTerminal(context.Background())
	if err != nil {
		t.Fatalf("OpenTerminal: %v", err)
	}
	defer ch.Close()
	if ch.Kind() != channel.KindLocalProcess {
		t.Errorf("Kind = %v", ch.Kind())
	}
}

func TestOpenTerminal_UnknownBackend(t *testing.T) {
	b := &Backend{Terminal: "telnet"}
	if _, err := b.OpenTerminal(context.Background()); err == nil {
		t.Error("expected error for unknown backend")
	}
}
