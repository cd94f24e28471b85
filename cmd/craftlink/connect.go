package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/chronologos/craftlink/internal/auth"
	"github.com/chronologos/craftlink/internal/client"
	"github.com/chronologos/craftlink/internal/relay"
	"github.com/chronologos/craftlink/internal/transport"
)

// passkeyEnv supplies the tunnel passkey when --passkey is not given.
const passkeyEnv = "CRAFTLINK_PASSKEY"

// versionWait bounds how long commands wait for the emulator to announce
// its capabilities before issuing requests.
const versionWait = 3 * time.Second

// target selects which emulator a command talks to. With no flags set a
// local emulator is spawned.
type target struct {
	ws         string
	quic       string
	passkey    string
	ssh        string
	remoteBin  string
	script     string
	keepClosed bool
}

// addFlags registers the target flags on cmd, as persistent flags when
// its subcommands share them.
func (t *target) addFlags(cmd *cobra.Command, persistent bool) {
	f := cmd.Flags()
	if persistent {
		f = cmd.PersistentFlags()
	}
	f.StringVar(&t.ws, "ws", "", "connect to a websocket server at this URL")
	f.StringVar(&t.quic, "quic", "", "connect to a relay at host:port")
	f.StringVar(&t.passkey, "passkey", "", "relay passkey in hex (default $"+passkeyEnv+")")
	f.StringVar(&t.ssh, "ssh", "", "start a relay on [user@]host over SSH and connect to it")
	f.StringVar(&t.remoteBin, "remote-bin", "craftlink", "craftlink binary on the SSH host")
	f.StringVar(&t.script, "script", "", "run this script in a local emulator")
	cmd.MarkFlagsMutuallyExclusive("ws", "quic", "ssh", "script")
}

// dial opens the transport t selects and returns it with the connection
// id it should be registered under.
func (a *app) dial(ctx context.Context, t *target) (transport.Transport, string, error) {
	switch {
	case t.ws != "":
		ws, err := transport.DialWebsocket(ctx, t.ws)
		if err != nil {
			return nil, "", err
		}
		return ws, t.ws, nil

	case t.quic != "":
		host, portStr, err := net.SplitHostPort(t.quic)
		if err != nil {
			return nil, "", fmt.Errorf("--quic: %w", err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, "", fmt.Errorf("--quic: bad port %q", portStr)
		}
		hexKey := t.passkey
		if hexKey == "" {
			hexKey = os.Getenv(passkeyEnv)
		}
		if hexKey == "" {
			return nil, "", fmt.Errorf("--quic needs --passkey or $%s", passkeyEnv)
		}
		passkey, err := auth.ParsePasskey(hexKey)
		if err != nil {
			return nil, "", err
		}
		return a.dialTunnel(ctx, host, port, passkey)

	case t.ssh != "":
		res, err := relay.SpawnSSH(ctx, t.ssh, t.remoteBin)
		if err != nil {
			return nil, "", fmt.Errorf("ssh: %w", err)
		}
		return a.dialTunnel(ctx, res.Host, res.Port, res.Passkey)
	}

	exe, err := a.cfg.Executable()
	if err != nil {
		return nil, "", err
	}
	id, n, hasID := a.conns.NextLocal()
	proc, err := transport.SpawnProcess(transport.ProcessConfig{
		Executable: exe,
		DataDir:    a.cfg.DataPath,
		ID:         n,
		HasID:      hasID,
		Script:     t.script,
		ExtraArgs:  a.cfg.Arguments(),
		UsePTY:     a.cfg.UsePTY,
	}, a.log.With("conn", id))
	if err != nil {
		return nil, "", err
	}
	return proc, id, nil
}

func (a *app) dialTunnel(ctx context.Context, host string, port int, passkey []byte) (transport.Transport, string, error) {
	tun, err := transport.DialQUIC(ctx, host, port, passkey)
	if err != nil {
		return nil, "", err
	}
	return tun, "quic://" + net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// connect opens and registers a connection to the emulator t selects.
func (a *app) connect(ctx context.Context, t *target, observers ...client.Observer) (*client.Connection, error) {
	tr, id, err := a.dial(ctx, t)
	if err != nil {
		return nil, err
	}
	conn := client.Open(tr, client.Options{
		ID:             id,
		Logger:         a.log,
		Metrics:        a.metrics,
		RequestTimeout: a.cfg.RequestTimeout,
		KeepClosed:     t.keepClosed,
		Observers:      observers,
	})
	if err := a.conns.Register(conn); err != nil {
		conn.Kill()
		return nil, err
	}
	return conn, nil
}

// versionWaiter notes the emulator's capability announcement. Its
// observe method must be subscribed when the connection is opened so the
// announcement cannot be missed.
type versionWaiter struct {
	once sync.Once
	got  chan struct{}
}

func newVersionWaiter() *versionWaiter {
	return &versionWaiter{got: make(chan struct{})}
}

func (w *versionWaiter) observe(ev client.Event) {
	if ev.Kind == client.EventVersion {
		w.once.Do(func() { close(w.got) })
	}
}

// wait blocks until the announcement arrives. Older emulators never send
// one, so running out of time is not an error.
func (w *versionWaiter) wait(ctx context.Context, conn *client.Connection) error {
	timer := time.NewTimer(versionWait)
	defer timer.Stop()
	select {
	case <-w.got:
		return nil
	case <-timer.C:
		return nil
	case <-conn.Done():
		if err := conn.Err(); err != nil {
			return err
		}
		return client.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shutdown ends a CLI-owned connection: a spawned emulator is closed, a
// remote one is left running.
func shutdown(conn *client.Connection) error {
	var err error
	if conn.Remote() {
		err = conn.Detach()
	} else {
		err = conn.Close()
	}
	if errors.Is(err, client.ErrClosed) {
		return nil
	}
	return err
}
