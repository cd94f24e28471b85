package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/chronologos/craftlink/internal/auth"
)

const sshTimeout = 10 * time.Second

var errNoPort = errors.New("remote relay exited before reporting its port")

// SSHResult is what a client needs to dial a relay started over SSH.
type SSHResult struct {
	Host    string
	Port    int
	Passkey []byte
}

// sshArgs builds the common prefix: [-l user] -o BatchMode=yes host.
func sshArgs(user, host string) []string {
	var args []string
	if user != "" {
		args = append(args, "-l", user)
	}
	return append(args, "-o", "BatchMode=yes", host)
}

// SpawnSSH starts `craftlink serve` on a remote host. A fresh passkey is
// sent over SSH stdin and the relay's QUIC port is read back from stdout;
// SSH is then killed and everything else flows over the tunnel. remoteBin
// defaults to "craftlink"; extra is appended to the serve command line.
func SpawnSSH(ctx context.Context, destination, remoteBin string, extra ...string) (*SSHResult, error) {
	if remoteBin == "" {
		remoteBin = "craftlink"
	}
	user, host := parseDestination(destination)

	passkey, err := auth.GeneratePasskey()
	if err != nil {
		return nil, fmt.Errorf("generate passkey: %w", err)
	}

	// No -t: a remote pty would mangle the passkey and port lines.
	args := append(sshArgs(user, host), remoteBin, "serve", "--port", "0", "--passkey-stdin")
	args = append(args, extra...)

	cmd := exec.CommandContext(ctx, "ssh", args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ssh stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ssh stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ssh: %w", err)
	}

	if _, err := fmt.Fprintf(stdin, "%s\n", auth.FormatPasskey(passkey)); err != nil {
		killAndReap(cmd)
		return nil, fmt.Errorf("write passkey to ssh stdin: %w", err)
	}
	stdin.Close()

	port, err := readPort(stdout, sshTimeout)
	killAndReap(cmd)
	if err != nil {
		return nil, err
	}
	return &SSHResult{Host: host, Port: port, Passkey: passkey}, nil
}

// readPort reads the single port line a relay prints once it is listening.
func readPort(r io.Reader, timeout time.Duration) (int, error) {
	type result struct {
		port int
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		sc := bufio.NewScanner(r)
		if sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			port, err := strconv.Atoi(line)
			if err != nil || port <= 0 || port > 65535 {
				ch <- result{err: fmt.Errorf("invalid port from relay: %q", line)}
				return
			}
			ch <- result{port: port}
			return
		}
		if err := sc.Err(); err != nil {
			ch <- result{err: fmt.Errorf("read ssh stdout: %w", err)}
			return
		}
		ch <- result{err: errNoPort}
	}()

	select {
	case res := <-ch:
		return res.port, res.err
	case <-time.After(timeout):
		return 0, fmt.Errorf("timeout (%v) waiting for relay port from ssh", timeout)
	}
}

func killAndReap(cmd *exec.Cmd) {
	cmd.Process.Kill()
	cmd.Wait()
}

// parseDestination splits "[user@]host" into user and host.
func parseDestination(dest string) (user, host string) {
	if i := strings.LastIndex(dest, "@"); i >= 0 {
		return dest[:i], dest[i+1:]
	}
	return "", dest
}
