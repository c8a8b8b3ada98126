//go:build !windows

package channel

import (
	"fmt"
	"io"
	"os"

	"github.com/creack/pty"
)

func (p *LocalProcess) startPTY(cols, rows int) error {
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	// pty.Start puts the child in a new session, which also makes it the
	// leader of its own process group.
	tty, err := pty.StartWithSize(p.cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return fmt.Errorf("start %s on pty: %w", p.cmd.Path, err)
	}
	p.tty = tty
	p.stdin = tty
	p.stdout = NewStream(tty)
	p.owned = []io.Closer{tty}
	return nil
}

func resizePTY(tty *os.File, cols, rows int) error {
	return pty.Setsize(tty, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}
