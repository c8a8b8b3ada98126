//go:build !windows

package channel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gluk-w/webshell/internal/sshtest"
	"golang.org/x/crypto/ssh"
)

func dialTestShell(t *testing.T, srv *sshtest.Server) *RemoteShell {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rs, err := DialRemote(ctx, RemoteOptions{
		Host:    srv.Host,
		Port:    srv.Port,
		User:    "tester",
		Signers: []ssh.Signer{srv.Signer},
	})
	if err != nil {
		t.Fatalf("DialRemote: %v", err)
	}
	t.Cleanup(func() { rs.Close() })
	return rs
}

func TestRemoteShell_WriteAndRead(t *testing.T) {
	srv := sshtest.NewServer(t)
	rs := dialTestShell(t, srv)

	if rs.Kind() != KindRemoteShell {
		t.Errorf("Kind() = %v", rs.Kind())
	}
	if !rs.Alive() {
		t.Fatal("expected remote shell alive")
	}
	if srv.PTYRequests() != 1 {
		t.Errorf("pty requests = %d, want 1", srv.PTYRequests())
	}

	if _, err := rs.Write([]byte("echo remote-marker\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	readUntil(t, rs.Stdout(), "remote-marker", 5*time.Second)
}

func TestRemoteShell_Resize(t *testing.T) {
	srv := sshtest.NewServer(t)
	rs := dialTestShell(t, srv)

	if err := rs.Resize(132, 43); err != nil {
		t.Fatalf("Resize: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, ws := range srv.Resizes() {
			if ws.Cols == 132 && ws.Rows == 43 {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("server never saw window-change 132x43, got %v", srv.Resizes())
}

func TestRemoteShell_ExitMarksDead(t *testing.T) {
	srv := sshtest.NewServer(t)
	rs := dialTestShell(t, srv)

	if _, err := rs.Write([]byte("exit\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for rs.Alive() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if rs.Alive() {
		t.Fatal("Alive() = true after remote shell exited")
	}
	if _, err := rs.Write([]byte("echo late\n")); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("Write after exit err = %v, want ErrChannelClosed", err)
	}
}

func TestRemoteShell_ConnectionDropMarksDead(t *testing.T) {
	srv := sshtest.NewServer(t)
	rs := dialTestShell(t, srv)

	srv.DropConnections()

	deadline := time.Now().Add(5 * time.Second)
	for rs.Alive() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if rs.Alive() {
		t.Fatal("Alive() = true after connection drop")
	}
}

func TestRemoteShell_CloseIsIdempotent(t *testing.T) {
	srv := sshtest.NewServer(t)
	rs := dialTestShell(t, srv)

	if err := rs.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := rs.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if rs.Alive() {
		t.Error("Alive() = true after Close")
	}
	if err := rs.Resize(80, 24); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("Resize after Close err = %v, want ErrChannelClosed", err)
	}
}

func TestDialRemote_RejectsUnknownKey(t *testing.T) {
	srv := sshtest.NewServer(t)
	_, err := DialRemote(context.Background(), RemoteOptions{
		Host:     srv.Host,
		Port:     srv.Port,
		User:     "tester",
		Password: "wrong",
	})
	if err == nil {
		t.Fatal("expected authentication failure")
	}
}

func TestDialRemote_NoCredentials(t *testing.T) {
	_, err := DialRemote(context.Background(), RemoteOptions{Host: "127.0.0.1", Port: 1, User: "x"})
	if err == nil {
		t.Fatal("expected error without credentials")
	}
}
