package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chronologos/craftlink/internal/auth"
	"github.com/chronologos/craftlink/internal/relay"
	"github.com/chronologos/craftlink/internal/transport"
)

func serveCmd(a *app) *cobra.Command {
	var (
		port         int
		passkeyStdin bool
		backlog      int
		script       string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a local emulator over an authenticated QUIC tunnel",
		Long: `Spawn a local emulator and relay its raw protocol stream to one
client at a time over QUIC. The listening port is printed on stdout.

The passkey is read from stdin with --passkey-stdin (as "attach --ssh"
does), taken from $` + passkeyEnv + `, or generated and printed on stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			passkey, err := servePasskey(passkeyStdin, os.Stdin)
			if err != nil {
				return err
			}
			if passkey == nil {
				if passkey, err = auth.GeneratePasskey(); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "passkey: %s\n", auth.FormatPasskey(passkey))
			}

			exe, err := a.cfg.Executable()
			if err != nil {
				return err
			}
			s := relay.New(relay.Config{
				Process: transport.ProcessConfig{
					Executable: exe,
					DataDir:    a.cfg.DataPath,
					Script:     script,
					ExtraArgs:  a.cfg.Arguments(),
					UsePTY:     a.cfg.UsePTY,
				},
				Port:        port,
				Passkey:     passkey,
				BacklogSize: backlog,
				Logger:      a.log,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// Print the port once the listener is ready; SSH bootstrap reads it.
			go func() {
				select {
				case <-s.Ready:
					fmt.Fprintln(cmd.OutOrStdout(), s.Port)
				case <-ctx.Done():
				}
			}()

			err = s.Run(ctx)
			if errors.Is(err, ctx.Err()) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "UDP port to listen on (0 picks one)")
	cmd.Flags().BoolVar(&passkeyStdin, "passkey-stdin", false, "read the hex passkey from the first line of stdin")
	cmd.Flags().IntVar(&backlog, "backlog", relay.DefaultBacklogSize, "bytes of output replayed to a newly attached client")
	cmd.Flags().StringVar(&script, "script", "", "run this script in the emulator")
	return cmd
}

// servePasskey returns the passkey from stdin or the environment, or nil
// when neither supplies one.
func servePasskey(fromStdin bool, stdin io.Reader) ([]byte, error) {
	if fromStdin {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && line == "" {
			return nil, fmt.Errorf("read passkey from stdin: %w", err)
		}
		return auth.ParsePasskey(strings.TrimSpace(line))
	}
	if env := os.Getenv(passkeyEnv); env != "" {
		return auth.ParsePasskey(env)
	}
	return nil, nil
}
