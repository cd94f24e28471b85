package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// ProcessConfig describes how to spawn a local emulator.
type ProcessConfig struct {
	Executable string
	DataDir    string // -d
	ID         int    // --id, when HasID
	HasID      bool
	Script     string   // --script
	ExtraArgs  []string // inserted after --raw
	UsePTY     bool     // run under a pseudo-terminal instead of pipes
}

// Args returns the emulator's command line, excluding the executable.
func (c ProcessConfig) Args() []string {
	args := []string{"--raw"}
	for _, a := range c.ExtraArgs {
		if a = strings.TrimSpace(a); a != "" {
			args = append(args, a)
		}
	}
	if c.DataDir != "" {
		args = append(args, "-d", c.DataDir)
	}
	if c.HasID {
		args = append(args, "--id", strconv.Itoa(c.ID))
	}
	if c.Script != "" {
		args = append(args, "--script", c.Script)
	}
	return args
}

// ExitError reports that the emulator process ended.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("emulator process exited with code %d", e.Code)
}

// Process is a spawned emulator speaking the protocol on its stdio.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	ptmx   *os.File // non-nil when running under a pty
	log    *slog.Logger

	waitOnce sync.Once
	waitErr  error
}

// SpawnProcess starts the emulator. Diagnostic output on stderr is logged
// line by line (pipes only; under a pty it is interleaved with stdout and
// skipped as noise by the frame reader).
func SpawnProcess(cfg ProcessConfig, log *slog.Logger) (*Process, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if cfg.Executable == "" {
		return nil, errors.New("no emulator executable configured")
	}

	cmd := exec.Command(cfg.Executable, cfg.Args()...)
	log.Info("spawning emulator", "exe", cfg.Executable, "args", strings.Join(cmd.Args[1:], " "))

	if cfg.UsePTY {
		ptmx, err := startPTY(cmd)
		if err != nil {
			return nil, err
		}
		return &Process{cmd: cmd, stdin: ptmx, stdout: ptmx, ptmx: ptmx, log: log}, nil
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start emulator: %w", err)
	}

	p := &Process{cmd: cmd, stdin: stdin, stdout: stdout, log: log}
	go p.logStderr(stderr)
	return p, nil
}

func (p *Process) logStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		p.log.Info("emulator stderr", "line", sc.Text())
	}
}

// ReadChunk reads the next block of emulator output. When the output
// stream ends the process is reaped and an *ExitError is returned.
func (p *Process) ReadChunk() ([]byte, error) {
	buf := make([]byte, readBufSize)
	n, err := p.stdout.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err == nil {
		return nil, nil
	}
	if waitErr := p.wait(); waitErr != nil {
		return nil, waitErr
	}
	return nil, err
}

func (p *Process) wait() error {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			p.waitErr = &ExitError{Code: 0}
		case errors.As(err, &exitErr):
			p.waitErr = &ExitError{Code: exitErr.ExitCode()}
		default:
			p.waitErr = err
		}
	})
	return p.waitErr
}

func (p *Process) Write(b []byte) error {
	_, err := p.stdin.Write(b)
	return err
}

// Close closes the emulator's input, leaving it to exit on its own.
func (p *Process) Close() error {
	return p.stdin.Close()
}

// Kill force-kills the emulator.
func (p *Process) Kill() error {
	if p.cmd.Process == nil {
		return ErrClosed
	}
	err := p.cmd.Process.Kill()
	if p.ptmx != nil {
		p.ptmx.Close()
	}
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *Process) Remote() bool { return false }

// Pid returns the emulator's process ID.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}
