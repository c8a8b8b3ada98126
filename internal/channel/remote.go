package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gluk-w/webshell/internal/sshkeys"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
)

const dialTimeout = 10 * time.Second

// RemoteOptions describes the SSH endpoint and credentials for a RemoteShell.
type RemoteOptions struct {
	Host     string
	Port     int
	User     string
	Password string
	// Signers are tried before the agent and password.
	Signers []ssh.Signer
	// KeyPath is a private key file loaded in addition to Signers.
	KeyPath string
	// UseAgent enables keys from the agent at SSH_AUTH_SOCK.
	UseAgent bool
	// KnownHosts enables host key verification. Empty accepts any key.
	KnownHosts string

	Term       string
	Cols, Rows int
	Encoding   encoding.Encoding
}

// RemoteShell is a Channel backed by an interactive shell on an SSH server.
type RemoteShell struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  *Stream
	stderr  *Stream
	enc     encoding.Encoding

	writeMu     sync.Mutex
	shellDone   chan struct{}
	connDone    chan struct{}
	closed      atomic.Bool
	closeOnce   sync.Once
	agentCloser io.Closer
}

var _ Channel = (*RemoteShell)(nil)

// DialRemote connects to the SSH server and starts a login shell on a
// server-side pseudo-terminal.
func DialRemote(ctx context.Context, opts RemoteOptions) (*RemoteShell, error) {
	auths, agentCloser, err := authMethods(opts)
	if err != nil {
		return nil, err
	}
	hkcb, err := hostKeyCallback(opts.KnownHosts)
	if err != nil {
		closeAll(agentCloser)
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User:            opts.User,
		Auth:            auths,
		HostKeyCallback: hkcb,
		Timeout:         dialTimeout,
	}

	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		closeAll(agentCloser)
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		closeAll(agentCloser)
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(c, chans, reqs)

	rs, err := OpenShell(client, opts)
	if err != nil {
		client.Close()
		closeAll(agentCloser)
		return nil, err
	}
	rs.agentCloser = agentCloser
	return rs, nil
}

// OpenShell starts an interactive shell on an established client. The
// returned RemoteShell owns client and closes it on Close.
func OpenShell(client *ssh.Client, opts RemoteOptions) (*RemoteShell, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open ssh session: %w", err)
	}

	term := opts.Term
	if term == "" {
		term = "xterm-256color"
	}
	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty(term, rows, cols, modes); err != nil {
		sess.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	enc := opts.Encoding
	if enc == nil {
		enc = unicode.UTF8
	}
	rs := &RemoteShell{
		client:    client,
		session:   sess,
		stdin:     stdin,
		stdout:    NewStream(stdout),
		stderr:    NewStream(stderr),
		enc:       enc,
		shellDone: make(chan struct{}),
		connDone:  make(chan struct{}),
	}
	go func() {
		_ = sess.Wait()
		close(rs.shellDone)
	}()
	go func() {
		_ = client.Wait()
		close(rs.connDone)
	}()
	return rs, nil
}

func (r *RemoteShell) Kind() Kind { return KindRemoteShell }

func (r *RemoteShell) Stdout() *Stream { return r.stdout }

// Stderr is usually silent: with a pty the server merges error output into
// stdout.
func (r *RemoteShell) Stderr() *Stream { return r.stderr }

func (r *RemoteShell) Encoding() encoding.Encoding { return r.enc }

func (r *RemoteShell) Alive() bool {
	if r.closed.Load() {
		return false
	}
	select {
	case <-r.shellDone:
		return false
	case <-r.connDone:
		return false
	default:
		return true
	}
}

func (r *RemoteShell) Write(b []byte) (int, error) {
	if !r.Alive() {
		return 0, ErrChannelClosed
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	n, err := r.stdin.Write(b)
	if err != nil && !r.Alive() {
		return n, ErrChannelClosed
	}
	return n, err
}

func (r *RemoteShell) Resize(cols, rows int) error {
	if !r.Alive() {
		return ErrChannelClosed
	}
	return r.session.WindowChange(rows, cols)
}

// Close tears down the shell and the SSH connection.
func (r *RemoteShell) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		r.stdin.Close()
		r.session.Close()
		err = r.client.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
		r.stdout.stop()
		r.stderr.stop()
		closeAll(r.agentCloser)
	})
	return err
}

func authMethods(opts RemoteOptions) ([]ssh.AuthMethod, io.Closer, error) {
	signers := append([]ssh.Signer(nil), opts.Signers...)
	if opts.KeyPath != "" {
		signer, err := sshkeys.LoadSigner(opts.KeyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("ssh key %s: %w", opts.KeyPath, err)
		}
		signers = append(signers, signer)
	}

	var methods []ssh.AuthMethod
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	var agentConn net.Conn
	if opts.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			if conn, err := net.DialTimeout("unix", sock, 2*time.Second); err == nil {
				agentConn = conn
				methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			}
		}
	}

	if opts.Password != "" {
		methods = append(methods, ssh.Password(opts.Password))
	}
	if len(methods) == 0 {
		return nil, nil, errors.New("no ssh credentials configured")
	}
	if agentConn == nil {
		return methods, nil, nil
	}
	return methods, agentConn, nil
}

func hostKeyCallback(path string) (ssh.HostKeyCallback, error) {
	if path == "" {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // loopback login, host key pinning is opt-in
	}
	cb, err := knownhosts.New(sshkeys.ExpandHome(path))
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return cb, nil
}
