// Package backend turns configuration into the shells the server spawns:
// interactive websocket terminals and REST sessions.
package backend

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"runtime"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"

	"github.com/gluk-w/webshell/internal/channel"
	"github.com/gluk-w/webshell/internal/config"
	"github.com/gluk-w/webshell/internal/logging"
)

// Backend opens shells for one configured host platform.
type Backend struct {
	// Terminal is config.BackendLocal or config.BackendSSH.
	Terminal string
	GOOS     string
	Dir      string
	PTY      bool

	LocalEncoding encoding.Encoding
	Remote        channel.RemoteOptions
}

// FromSettings resolves the terminal backend, encodings and SSH target.
func FromSettings(s config.Settings) (*Backend, error) {
	b := &Backend{
		Terminal: s.Backend(),
		GOOS:     runtime.GOOS,
		Dir:      s.WorkDir,
		PTY:      s.LocalPTY,
	}

	enc, err := channel.LookupEncoding(s.OutputEncoding, b.GOOS)
	if err != nil {
		return nil, err
	}
	b.LocalEncoding = enc

	// Remote hosts write UTF-8 unless told otherwise.
	remoteEnc := encoding.Encoding(unicode.UTF8)
	if s.OutputEncoding != "" && s.OutputEncoding != "auto" {
		remoteEnc = enc
	}

	username := s.SSHUser
	if username == "" {
		username = currentUser()
	}
	b.Remote = channel.RemoteOptions{
		Host:       s.SSHHost,
		Port:       s.SSHPort,
		User:       username,
		Password:   s.SSHPassword,
		KeyPath:    s.SSHKeyPath,
		UseAgent:   s.SSHAgent,
		KnownHosts: s.SSHKnownHosts,
		Encoding:   remoteEnc,
	}
	return b, nil
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return os.Getenv("USERNAME")
}

// OpenTerminal starts the shell bound to a websocket connection.
func (b *Backend) OpenTerminal(ctx context.Context) (channel.Channel, error) {
	logger := logging.Component("backend")
	switch b.Terminal {
	case config.BackendSSH:
		logger.Debug().Str("host", b.Remote.Host).Int("port", b.Remote.Port).Str("user", b.Remote.User).Msg("opening ssh terminal")
		rs, err := channel.DialRemote(ctx, b.Remote)
		if err != nil {
			return nil, err
		}
		return rs, nil
	case config.BackendLocal:
		return b.startLocal(b.PTY)
	default:
		return nil, fmt.Errorf("unknown terminal backend %q", b.Terminal)
	}
}

// SpawnSession starts the local shell behind a REST session. It never uses
// a pseudo-terminal so error output stays separate.
func (b *Backend) SpawnSession(ctx context.Context) (channel.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.startLocal(false)
}

func (b *Backend) startLocal(pty bool) (channel.Channel, error) {
	p, err := channel.StartLocal(channel.LocalOptions{
		Shell:    channel.InteractiveShell(b.GOOS),
		Dir:      b.Dir,
		Encoding: b.LocalEncoding,
		PTY:      pty,
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}
