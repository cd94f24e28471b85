package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chronologos/craftlink/internal/client"
	"github.com/chronologos/craftlink/internal/protocol"
	"github.com/chronologos/craftlink/internal/registry"
	"github.com/chronologos/craftlink/internal/window"
)

func attachCmd(a *app) *cobra.Command {
	var (
		t       target
		packets bool
	)
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Connect to an emulator and relay events and raw packets",
		Long: `Connect to an emulator and print its window, version and message
events. Lines read from stdin are commands:

  <opcode-hex> <window> <payload-hex>   send a raw packet
  type <window> <text>                  send text as character key events
  windows                               list windows
  screen <window>                       print a window's text screen
  open <window> | close <window>        show or close a window
  detach                                leave a remote emulator running
  quit                                  ask the emulator to quit
  kill                                  drop the connection immediately

Windows may also be named by their global id, e.g. 1@local-0.
End of input closes the connection.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.attach(ctx, &t, os.Stdin, os.Stdout, packets)
		},
	}
	t.addFlags(cmd, false)
	cmd.Flags().BoolVar(&t.keepClosed, "keep-closed", false, "leave window 0 closed until opened")
	cmd.Flags().BoolVar(&packets, "packets", false, "also print every packet event")
	return cmd
}

// printer serializes output from the connection loop and the input loop.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) println(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, s)
}

func (a *app) attach(ctx context.Context, t *target, in io.Reader, out io.Writer, packets bool) error {
	p := &printer{w: out}
	conn, err := a.connect(ctx, t, func(ev client.Event) {
		if ev.Kind == client.EventPacket && !packets {
			return
		}
		p.println(formatEvent(ev))
	})
	if err != nil {
		return err
	}
	p.println("connected to " + conn.ID())

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return shutdown(conn)
			}
			cmd, err := parseCommand(line)
			if err != nil {
				p.println("error: " + err.Error())
				continue
			}
			if cmd.verb == "" {
				continue
			}
			done, err := a.run(conn, cmd, p)
			if err != nil {
				p.println("error: " + err.Error())
			}
			if done {
				<-conn.Done()
				return nil
			}
		case <-conn.Done():
			return conn.Err()
		case <-ctx.Done():
			return shutdown(conn)
		}
	}
}

// command is one parsed input line.
type command struct {
	verb   string // "raw" for a packet line
	window string
	kind   protocol.PacketType
	data   []byte
	text   string
}

func parseCommand(line string) (command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, nil
	}
	switch verb := fields[0]; verb {
	case "windows", "detach", "quit", "kill":
		if len(fields) != 1 {
			return command{}, fmt.Errorf("%s takes no arguments", verb)
		}
		return command{verb: verb}, nil
	case "open", "close", "screen":
		if len(fields) != 2 {
			return command{}, fmt.Errorf("usage: %s <window>", verb)
		}
		return command{verb: verb, window: fields[1]}, nil
	case "type":
		_, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
		win, text, ok := strings.Cut(strings.TrimLeft(rest, " "), " ")
		if !ok || win == "" {
			return command{}, errors.New("usage: type <window> <text>")
		}
		return command{verb: verb, window: win, text: text}, nil
	}

	if len(fields) < 2 || len(fields) > 3 {
		return command{}, fmt.Errorf("unknown command %q", fields[0])
	}
	op, err := strconv.ParseUint(fields[0], 16, 8)
	if err != nil {
		return command{}, fmt.Errorf("bad opcode %q", fields[0])
	}
	cmd := command{verb: "raw", kind: protocol.PacketType(op), window: fields[1]}
	if len(fields) == 3 {
		if cmd.data, err = hex.DecodeString(fields[2]); err != nil {
			return command{}, fmt.Errorf("bad payload: %w", err)
		}
	}
	return cmd, nil
}

// windowID resolves a plain window number or a global "<window>@<conn>"
// id belonging to conn.
func (a *app) windowID(conn *client.Connection, s string) (uint8, error) {
	if strings.Contains(s, "@") {
		c, id, ok := a.conns.FindWindow(s)
		if !ok || c != registry.Conn(conn) {
			return 0, fmt.Errorf("%w: %s", client.ErrNoWindow, s)
		}
		return id, nil
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("bad window %q", s)
	}
	return uint8(n), nil
}

// run executes cmd and reports whether the connection is ending.
func (a *app) run(conn *client.Connection, cmd command, p *printer) (bool, error) {
	switch cmd.verb {
	case "windows":
		for _, w := range conn.Windows() {
			p.println(formatWindow(conn.ID(), w))
		}
		return false, nil
	case "detach":
		err := conn.Detach()
		return err == nil, err
	case "quit":
		return true, conn.Disconnect()
	case "kill":
		return true, conn.Kill()
	}

	id, err := a.windowID(conn, cmd.window)
	if err != nil {
		return false, err
	}
	switch cmd.verb {
	case "open":
		return false, conn.OpenWindow(id)
	case "close":
		return false, conn.CloseWindow(id)
	case "screen":
		w, ok := conn.Window(id)
		if !ok {
			return false, fmt.Errorf("%w: %d", client.ErrNoWindow, id)
		}
		for _, row := range w.Term.Screen {
			p.println(strings.TrimRight(string(row), "\x00 "))
		}
		return false, nil
	case "type":
		for i := 0; i < len(cmd.text); i++ {
			err := conn.Send(&protocol.KeyEvent{
				Header: protocol.Header{Window: id},
				Code:   cmd.text[i],
				IsChar: true,
			})
			if err != nil {
				return false, err
			}
		}
		return false, nil
	case "raw":
		return false, conn.SendRaw(cmd.kind, id, cmd.data)
	}
	return false, fmt.Errorf("unknown command %q", cmd.verb)
}

func formatWindow(connID string, w *window.Window) string {
	kind := "computer"
	if w.IsMonitor {
		kind = "monitor"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %q", registry.GlobalWindowID(w.ID, connID), kind, w.DisplayTitle())
	if w.HasComputer {
		fmt.Fprintf(&b, " id=%d", w.ComputerID)
	}
	if w.Term.Width > 0 {
		fmt.Fprintf(&b, " %dx%d", w.Term.Width, w.Term.Height)
	}
	if !w.Open {
		b.WriteString(" (closed)")
	}
	return b.String()
}

func formatEvent(ev client.Event) string {
	switch ev.Kind {
	case client.EventWindows:
		ids := make([]string, 0, len(ev.Windows))
		for _, w := range ev.Windows {
			ids = append(ids, strconv.Itoa(int(w.ID)))
		}
		return "windows: [" + strings.Join(ids, " ") + "]"
	case client.EventVersion:
		v, _ := ev.Packet.(*protocol.VersionSupport)
		if v == nil {
			return "version"
		}
		return fmt.Sprintf("version: binary-checksum=%t filesystem=%t", v.BinaryChecksum, v.SupportFilesystem)
	case client.EventMessage:
		if m, ok := ev.Packet.(*protocol.ShowMessage); ok {
			return fmt.Sprintf("message [%s] %s: %s", m.Severity, m.Title, m.Message)
		}
		return "message"
	case client.EventPacket:
		if ev.Packet == nil {
			return fmt.Sprintf("packet window %d", ev.Window)
		}
		return fmt.Sprintf("packet %s window %d", ev.Packet.Type(), ev.Window)
	case client.EventClosed:
		if ev.Err != nil {
			return "closed: " + ev.Err.Error()
		}
		return "closed"
	}
	return ev.Kind.String()
}
