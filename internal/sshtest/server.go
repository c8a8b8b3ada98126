// Package sshtest runs an in-process SSH server for tests. Shell requests
// are served by a local /bin/sh wired to the SSH channel.
package sshtest

import (
	"encoding/binary"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gluk-w/webshell/internal/sshkeys"
	"golang.org/x/crypto/ssh"
)

// WindowSize is a recorded window-change request.
type WindowSize struct {
	Cols, Rows uint32
}

// Server is a minimal SSH server accepting a single generated client key.
type Server struct {
	Host   string
	Port   int
	Signer ssh.Signer // client key accepted by the server

	listener net.Listener
	config   *ssh.ServerConfig
	wg       sync.WaitGroup

	mu      sync.Mutex
	resizes []WindowSize
	ptyReqs int
	conns   []net.Conn
}

// NewServer starts a server on a loopback port and registers its shutdown
// with tb.Cleanup.
func NewServer(tb testing.TB) *Server {
	tb.Helper()

	_, hostKeyPEM, err := sshkeys.GenerateKeyPair()
	if err != nil {
		tb.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := sshkeys.ParsePrivateKey(hostKeyPEM)
	if err != nil {
		tb.Fatalf("parse host key: %v", err)
	}
	_, clientKeyPEM, err := sshkeys.GenerateKeyPair()
	if err != nil {
		tb.Fatalf("generate client key: %v", err)
	}
	clientSigner, err := sshkeys.ParsePrivateKey(clientKeyPEM)
	if err != nil {
		tb.Fatalf("parse client key: %v", err)
	}

	s := &Server{Signer: clientSigner}
	want := ssh.FingerprintSHA256(clientSigner.PublicKey())
	s.config = &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if ssh.FingerprintSHA256(key) == want {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	s.config.AddHostKey(hostSigner)

	s.listener, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("listen: %v", err)
	}
	host, port, _ := net.SplitHostPort(s.listener.Addr().String())
	s.Host = host
	s.Port, _ = strconv.Atoi(port)

	s.wg.Add(1)
	go s.acceptLoop()
	tb.Cleanup(s.Close)
	return s
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Resizes returns the window-change requests received so far.
func (s *Server) Resizes() []WindowSize {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]WindowSize(nil), s.resizes...)
}

// PTYRequests returns how many pty-req requests were received.
func (s *Server) PTYRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ptyReqs
}

// DropConnections closes every accepted connection, simulating a network
// failure.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Close stops the listener and drops all connections.
func (s *Server) Close() {
	s.listener.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, netConn)
		s.mu.Unlock()
		go s.handleConn(netConn)
	}
}

func (s *Server) handleConn(netConn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

func (s *Server) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()

	started := false
	for req := range requests {
		switch req.Type {
		case "pty-req":
			s.mu.Lock()
			s.ptyReqs++
			s.mu.Unlock()
			reply(req, true)

		case "window-change":
			if len(req.Payload) >= 8 {
				s.mu.Lock()
				s.resizes = append(s.resizes, WindowSize{
					Cols: binary.BigEndian.Uint32(req.Payload[0:4]),
					Rows: binary.BigEndian.Uint32(req.Payload[4:8]),
				})
				s.mu.Unlock()
			}
			reply(req, true)

		case "shell":
			if started {
				reply(req, false)
				continue
			}
			started = true
			reply(req, true)
			go runShell(ch)

		default:
			reply(req, false)
		}
	}
}

func runShell(ch ssh.Channel) {
	cmd := exec.Command("/bin/sh")
	cmd.Stdin = ch
	cmd.Stdout = ch
	cmd.Stderr = ch.Stderr()
	// The stdin copy only ends when the client writes again or hangs up.
	cmd.WaitDelay = time.Second
	code := 0
	if err := cmd.Run(); err != nil {
		code = 1
		if ee, ok := err.(*exec.ExitError); ok {
			code = ee.ExitCode()
		}
	}
	status := make([]byte, 4)
	binary.BigEndian.PutUint32(status, uint32(code))
	ch.SendRequest("exit-status", false, status)
	ch.Close()
}

func reply(req *ssh.Request, ok bool) {
	if req.WantReply {
		req.Reply(ok, nil)
	}
}
