//go:build windows

package channel

import (
	"errors"
	"os"
)

func (p *LocalProcess) startPTY(cols, rows int) error {
	return errors.New("pty mode is not supported on windows")
}

func resizePTY(tty *os.File, cols, rows int) error {
	return ErrResizeUnsupported
}
