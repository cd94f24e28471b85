// Package relay serves a local emulator's raw protocol stream over an
// authenticated QUIC tunnel, so a client on another machine can attach to
// it as if it had spawned the emulator itself.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/chronologos/craftlink/internal/transport"
)

type Config struct {
	Process     transport.ProcessConfig
	Port        int // 0 picks a free port
	Passkey     []byte
	BacklogSize int // 0 selects DefaultBacklogSize
	Logger      *slog.Logger
}

// chunkEvent is one read from the emulator or a tunnel. Tagging tunnel
// events with their source lets the loop drop events from a tunnel that
// has since been replaced.
type chunkEvent struct {
	tunnel *transport.Tunnel
	data   []byte
	err    error
}

type acceptResult struct {
	tunnel *transport.Tunnel
	err    error
}

// Server owns one emulator process and at most one attached tunnel. A new
// tunnel replaces the current one and is first sent the output backlog.
type Server struct {
	cfg     Config
	log     *slog.Logger
	emu     transport.Transport
	ln      *transport.Listener
	tunnel  *transport.Tunnel
	backlog *backlog
	batch   *batcher

	// Ready is closed once the listener is bound, with Port set.
	Ready chan struct{}
	Port  int
}

// New creates a server but does not start it. Call Run to begin.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Server{
		cfg:     cfg,
		log:     log.With("component", "relay"),
		backlog: newBacklog(cfg.BacklogSize),
		batch:   newBatcher(),
		Ready:   make(chan struct{}),
	}
}

// Run spawns the emulator, listens for tunnels and relays bytes until the
// emulator exits or ctx is cancelled. A clean emulator exit returns nil.
func (s *Server) Run(ctx context.Context) error {
	proc, err := transport.SpawnProcess(s.cfg.Process, s.log)
	if err != nil {
		return fmt.Errorf("spawn emulator: %w", err)
	}
	s.emu = proc

	ln, err := transport.Listen(s.cfg.Port, s.cfg.Passkey)
	if err != nil {
		s.emu.Kill()
		return fmt.Errorf("listen: %w", err)
	}
	s.ln = ln

	// Read loops keep draining after done is closed but deliver nothing.
	// The tunnel goes first so the client sees a graceful close, then the
	// listener, then the emulator.
	done := make(chan struct{})
	defer func() {
		close(done)
		s.dropTunnel()
		s.ln.Close()
		s.emu.Kill()
		s.batch.stop()
	}()

	s.Port = s.ln.Port()
	close(s.Ready)
	s.log.Info("relay listening", "port", s.Port)

	emuCh := make(chan chunkEvent, 4)
	go readLoop(s.emu, nil, emuCh, done)

	acceptCh := make(chan acceptResult, 1)
	go s.accept(ctx, acceptCh)

	tunnelCh := make(chan chunkEvent, 8)

	for {
		select {
		case ev := <-emuCh:
			if ev.err != nil {
				return s.emulatorDone(ev.err)
			}
			s.backlog.store(ev.data)
			if s.tunnel != nil && s.batch.add(ev.data) {
				s.flush()
			}

		case <-s.batch.due():
			s.flush()

		case ev := <-tunnelCh:
			s.handleTunnelEvent(ev)

		case res := <-acceptCh:
			if res.err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// Usually a client with the wrong passkey.
				s.log.Warn("accept failed", "err", res.err)
			} else {
				s.attach(res.tunnel, tunnelCh, done)
			}
			go s.accept(ctx, acceptCh)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Server) accept(ctx context.Context, ch chan<- acceptResult) {
	t, err := s.ln.Accept(ctx)
	ch <- acceptResult{tunnel: t, err: err}
}

// readLoop forwards reads from tr until it fails. Once done is closed it
// keeps reading, so a closing tunnel still sees its peer finish, but
// delivers nothing.
func readLoop(tr transport.Transport, tag *transport.Tunnel, ch chan<- chunkEvent, done <-chan struct{}) {
	for {
		data, err := tr.ReadChunk()
		if len(data) > 0 || err != nil {
			select {
			case ch <- chunkEvent{tunnel: tag, data: data, err: err}:
			case <-done:
			}
		}
		if err != nil {
			return
		}
	}
}

// attach makes t the current tunnel and replays the backlog to it. Any
// pending batch is already part of the backlog and is discarded.
func (s *Server) attach(t *transport.Tunnel, tunnelCh chan<- chunkEvent, done <-chan struct{}) {
	if old := s.tunnel; old != nil {
		// The old client may be unreachable; its graceful close must not
		// hold up the loop.
		s.log.Info("replacing attached client")
		s.tunnel = nil
		go old.Close()
	}
	s.batch.flush()
	s.tunnel = t

	replay := s.backlog.snapshot()
	s.log.Info("client attached", "replay_bytes", len(replay))
	if len(replay) > 0 {
		if err := t.Write(replay); err != nil {
			s.log.Warn("backlog replay failed", "err", err)
			s.killTunnel()
			return
		}
	}
	go readLoop(t, t, tunnelCh, done)
}

func (s *Server) handleTunnelEvent(ev chunkEvent) {
	if ev.tunnel != s.tunnel {
		return
	}
	if ev.err != nil {
		s.log.Info("client detached", "err", ev.err)
		s.dropTunnel()
		return
	}
	if err := s.emu.Write(ev.data); err != nil {
		s.log.Warn("write to emulator failed", "err", err)
	}
}

func (s *Server) flush() {
	data := s.batch.flush()
	if data == nil || s.tunnel == nil {
		return
	}
	if err := s.tunnel.Write(data); err != nil {
		s.log.Warn("write to client failed", "err", err)
		s.killTunnel()
	}
}

// dropTunnel closes the current tunnel gracefully.
func (s *Server) dropTunnel() {
	if s.tunnel != nil {
		s.tunnel.Close()
		s.tunnel = nil
	}
}

func (s *Server) killTunnel() {
	if s.tunnel != nil {
		s.tunnel.Kill()
		s.tunnel = nil
	}
}

// emulatorDone delivers the remaining output and reports how the emulator
// ended.
func (s *Server) emulatorDone(err error) error {
	if s.tunnel != nil {
		s.flush()
	}
	var exit *transport.ExitError
	if errors.As(err, &exit) {
		s.log.Info("emulator exited", "code", exit.Code, "bytes", s.backlog.written())
		if exit.Code == 0 {
			return nil
		}
	}
	return fmt.Errorf("emulator: %w", err)
}
