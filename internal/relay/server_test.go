package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/chronologos/craftlink/internal/auth"
	"github.com/chronologos/craftlink/internal/transport"
)

type testRelay struct {
	srv     *Server
	passkey []byte
	cancel  context.CancelFunc
	done    chan struct{}
	err     error // valid once done is closed
}

// startTestRelay runs a relay around a shell script standing in for the
// emulator. The script ignores the emulator command line.
func startTestRelay(t *testing.T, script string) *testRelay {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts unavailable")
	}
	exe := filepath.Join(t.TempDir(), "emulator.sh")
	if err := os.WriteFile(exe, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	passkey, err := auth.GeneratePasskey()
	if err != nil {
		t.Fatal(err)
	}

	s := New(Config{
		Process: transport.ProcessConfig{Executable: exe},
		Passkey: passkey,
	})
	ctx, cancel := context.WithCancel(context.Background())
	r := &testRelay{srv: s, passkey: passkey, cancel: cancel, done: make(chan struct{})}
	go func() {
		r.err = s.Run(ctx)
		close(r.done)
	}()

	select {
	case <-s.Ready:
	case <-r.done:
		cancel()
		t.Fatalf("relay exited early: %v", r.err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("timeout waiting for relay to listen")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case <-r.done:
		case <-time.After(5 * time.Second):
		}
	})
	return r
}

func (r *testRelay) dial(t *testing.T) *transport.Tunnel {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tun, err := transport.DialQUIC(ctx, "127.0.0.1", r.srv.Port, r.passkey)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { tun.Kill() })
	return tun
}

func (r *testRelay) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-r.done:
		return r.err
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not exit")
		return nil
	}
}

func readUntil(t *testing.T, tun *transport.Tunnel, want string) []byte {
	t.Helper()
	type result struct {
		got []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		var got []byte
		for !bytes.Contains(got, []byte(want)) {
			chunk, err := tun.ReadChunk()
			if err != nil {
				ch <- result{got, err}
				return
			}
			got = append(got, chunk...)
		}
		ch <- result{got: got}
	}()
	select {
	case res := <-ch:
		if res.err != nil {
			t.Fatalf("read: %v (have %q)", res.err, res.got)
		}
		return res.got
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for %q", want)
		return nil
	}
}

func TestRelayEcho(t *testing.T) {
	r := startTestRelay(t, "exec cat")
	tun := r.dial(t)

	msg := "!CPC0004AAAA00000000\n"
	if err := tun.Write([]byte(msg)); err != nil {
		t.Fatal(err)
	}
	if got := readUntil(t, tun, msg); !bytes.Equal(got, []byte(msg)) {
		t.Fatalf("echo = %q", got)
	}
}

func TestRelayReplaysBacklog(t *testing.T) {
	r := startTestRelay(t, "printf 'boot noise!CPCfirst\\n'; exec cat")

	deadline := time.Now().Add(5 * time.Second)
	for r.srv.backlog.len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("emulator output never reached the backlog")
		}
		time.Sleep(5 * time.Millisecond)
	}

	tun := r.dial(t)
	got := readUntil(t, tun, "!CPCfirst\n")
	if !bytes.HasPrefix(got, []byte("!CPCfirst\n")) {
		t.Fatalf("replay = %q, want it to start at the envelope", got)
	}

	if err := tun.Write([]byte("!CPClive\n")); err != nil {
		t.Fatal(err)
	}
	readUntil(t, tun, "!CPClive\n")
}

func TestRelayReplacesClient(t *testing.T) {
	r := startTestRelay(t, "exec cat")
	first := r.dial(t)
	if err := first.Write([]byte("!CPCone\n")); err != nil {
		t.Fatal(err)
	}
	readUntil(t, first, "!CPCone\n")

	second := r.dial(t)
	// The newcomer is brought up to date from the backlog.
	readUntil(t, second, "!CPCone\n")

	errCh := make(chan error, 1)
	go func() {
		for {
			if _, err := first.ReadChunk(); err != nil {
				errCh <- err
				return
			}
		}
	}()
	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("replaced client was not disconnected")
	}

	if err := second.Write([]byte("!CPCtwo\n")); err != nil {
		t.Fatal(err)
	}
	readUntil(t, second, "!CPCtwo\n")
}

func TestRelayEndsWithEmulator(t *testing.T) {
	r := startTestRelay(t, "read line; printf '!CPCbye\\n'; exit 0")
	tun := r.dial(t)

	received := make(chan []byte, 1)
	go func() {
		var got []byte
		for {
			chunk, err := tun.ReadChunk()
			got = append(got, chunk...)
			if err != nil {
				tun.Close()
				received <- got
				return
			}
		}
	}()
	if err := tun.Write([]byte("quit\n")); err != nil {
		t.Fatal(err)
	}
	if err := r.wait(t); err != nil {
		t.Fatalf("Run = %v, want nil after a clean exit", err)
	}
	select {
	case got := <-received:
		if !bytes.HasSuffix(got, []byte("!CPCbye\n")) {
			t.Fatalf("client received %q, want the final output", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("client never saw the end of the stream")
	}
}

// chunkSource is a transport whose reads come from a channel.
type chunkSource struct {
	reads chan []byte
}

func (c *chunkSource) ReadChunk() ([]byte, error) {
	if b, ok := <-c.reads; ok {
		return b, nil
	}
	return nil, io.EOF
}

func (c *chunkSource) Write([]byte) error { return nil }
func (c *chunkSource) Close() error       { return nil }
func (c *chunkSource) Kill() error        { return nil }
func (c *chunkSource) Remote() bool       { return false }

func TestReadLoopDrainsAfterDone(t *testing.T) {
	src := &chunkSource{reads: make(chan []byte)}
	ch := make(chan chunkEvent) // never received from
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		readLoop(src, nil, ch, done)
		close(exited)
	}()

	close(done)
	// Reads continue after done, and the final error ends the loop even
	// though nobody takes the events.
	src.reads <- []byte("late")
	close(src.reads)
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("readLoop blocked after done")
	}
}

func TestRelayReportsExitCode(t *testing.T) {
	r := startTestRelay(t, "read line; exit 4")
	tun := r.dial(t)
	if err := tun.Write([]byte("quit\n")); err != nil {
		t.Fatal(err)
	}
	err := r.wait(t)
	var exit *transport.ExitError
	if !errors.As(err, &exit) || exit.Code != 4 {
		t.Fatalf("Run = %v, want exit code 4", err)
	}
}

func TestRelayCancel(t *testing.T) {
	r := startTestRelay(t, "exec sleep 30")
	r.cancel()
	if err := r.wait(t); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v", err)
	}
}

func TestRelaySurvivesBadPasskey(t *testing.T) {
	r := startTestRelay(t, "exec cat")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wrong, _ := auth.GeneratePasskey()
	if tun, err := transport.DialQUIC(ctx, "127.0.0.1", r.srv.Port, wrong); err == nil {
		tun.Kill()
		t.Fatal("dial with wrong passkey succeeded")
	}

	tun := r.dial(t)
	if err := tun.Write([]byte("!CPCok\n")); err != nil {
		t.Fatal(err)
	}
	readUntil(t, tun, "!CPCok\n")
}
