package transport

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// startPTY runs cmd on a new pseudo-terminal in raw mode, so the line
// discipline neither echoes envelopes back nor rewrites newlines. Returns
// the master side.
func startPTY(cmd *exec.Cmd) (*os.File, error) {
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 24, Cols: 80})
	if err != nil {
		return nil, fmt.Errorf("start PTY: %w", err)
	}
	if _, err := term.MakeRaw(int(ptmx.Fd())); err != nil {
		ptmx.Close()
		cmd.Process.Kill()
		cmd.Wait()
		return nil, fmt.Errorf("raw mode: %w", err)
	}
	return ptmx, nil
}
