// Package client is the connection engine. A Connection owns one transport
// to an emulator, drives the frame reader over its output, dispatches the
// decoded packets, keeps the window collection, and correlates filesystem
// requests with their responses.
//
// All mutable state belongs to a single loop goroutine per connection.
// Public methods hand work to that goroutine and wait for it, so a
// Connection is safe for concurrent use while its internals take no locks.
package client

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chronologos/craftlink/internal/frame"
	"github.com/chronologos/craftlink/internal/metrics"
	"github.com/chronologos/craftlink/internal/protocol"
	"github.com/chronologos/craftlink/internal/transport"
	"github.com/chronologos/craftlink/internal/window"
)

const (
	// DefaultRequestTimeout bounds every filesystem request.
	DefaultRequestTimeout = 3000 * time.Millisecond

	// killGrace is how long a local emulator gets to exit on its own after
	// its input is closed before it is killed.
	killGrace = 2 * time.Second
)

var (
	ErrClosed          = errors.New("connection closed")
	ErrTimeout         = errors.New("request timed out")
	ErrNoFilesystem    = errors.New("emulator does not support filesystem requests")
	ErrTooManyRequests = errors.New("all request IDs are in use")
	ErrNoWindow        = errors.New("no such window")
	ErrLocalDetach     = errors.New("a local emulator cannot be detached")
)

// State is the connection lifecycle stage.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options configures a Connection. The zero value is usable.
type Options struct {
	// ID names the connection in logs and in the registry.
	ID      string
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// RequestTimeout defaults to DefaultRequestTimeout.
	RequestTimeout time.Duration
	// KeepClosed leaves window 0 closed instead of opening it.
	KeepClosed bool
	// Observers are subscribed before the first event can fire.
	Observers []Observer
}

// Connection is one logical link to an emulator.
type Connection struct {
	id      string
	tr      transport.Transport
	log     *slog.Logger
	metrics *metrics.Metrics
	timeout time.Duration

	ops   chan func()
	chunk chan readResult
	done  chan struct{}

	state atomic.Int32
	cause error // written by the loop before done is closed

	obsMu        sync.Mutex
	observers    map[int]Observer
	nextObserver int

	// Owned by the loop goroutine.
	reader     *frame.Reader
	windows    map[uint8]*window.Window
	gotVersion bool
	gotPacket  bool
	filesystem bool
	closing    bool
	requests   requestTable
}

type readResult struct {
	data []byte
	err  error
}

// Open starts a connection over tr: it advertises the client's
// capabilities, creates window 0, and begins processing output. The
// returned Connection is Active.
func Open(tr transport.Transport, opts Options) *Connection {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	log = log.With("component", "client", "conn", opts.ID)
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	c := &Connection{
		id:        opts.ID,
		tr:        tr,
		log:       log,
		metrics:   opts.Metrics,
		timeout:   timeout,
		ops:       make(chan func()),
		chunk:     make(chan readResult, 4),
		done:      make(chan struct{}),
		observers: make(map[int]Observer),
		reader:    frame.NewReader(log, opts.Metrics),
		windows:   make(map[uint8]*window.Window),
		requests:  newRequestTable(),
	}
	for _, fn := range opts.Observers {
		c.Subscribe(fn)
	}

	c.metrics.ConnectionOpened()
	c.advertise()
	w := c.window(0)
	w.Open = !opts.KeepClosed
	c.state.Store(int32(StateActive))

	go c.readLoop()
	go c.loop()
	return c
}

// ID returns the connection's name.
func (c *Connection) ID() string { return c.id }

// Remote reports whether the emulator is reached over a network.
func (c *Connection) Remote() bool { return c.tr.Remote() }

func (c *Connection) State() State { return State(c.state.Load()) }

// Done is closed once the connection has been torn down.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns the transport fault that ended the connection, or nil if it
// is still running or was closed deliberately.
func (c *Connection) Err() error {
	select {
	case <-c.done:
		return c.cause
	default:
		return nil
	}
}

// readLoop feeds transport output to the loop. Any read error is terminal.
func (c *Connection) readLoop() {
	for {
		data, err := c.tr.ReadChunk()
		if len(data) > 0 || err != nil {
			select {
			case c.chunk <- readResult{data: data, err: err}:
			case <-c.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *Connection) loop() {
	defer close(c.done)
	defer c.requests.stop()

	for !c.closing {
		select {
		case res := <-c.chunk:
			if len(res.data) > 0 {
				c.handleChunk(res.data)
			}
			if res.err != nil && !c.closing {
				c.log.Warn("transport failed", "err", res.err)
				c.teardown(fmt.Errorf("transport: %w", res.err), c.tr.Kill)
			}
		case fn := <-c.ops:
			fn()
		case now := <-c.requests.timer():
			c.expireRequests(now)
		}
	}
}

// call runs fn on the loop goroutine and waits for it to finish.
func (c *Connection) call(fn func()) error {
	finished := make(chan struct{})
	select {
	case c.ops <- func() { defer close(finished); fn() }:
	case <-c.done:
		return ErrClosed
	}
	<-finished
	return nil
}

func (c *Connection) handleChunk(data []byte) {
	c.reader.Write(data)
	for !c.closing {
		// One record at a time: a VersionSupport dispatched here changes
		// how the next envelope in the same chunk is verified.
		record, ok := c.reader.Next()
		if !ok {
			return
		}
		p, err := protocol.Decode(record)
		if err != nil {
			c.log.Warn("undecodable packet", "len", len(record), "err", err)
			continue
		}
		if p == nil {
			c.log.Debug("ignoring unknown packet type", "type", record[0])
			continue
		}
		c.metrics.PacketReceived(p.Type().String())
		c.dispatch(p)

		if !c.gotPacket && !c.closing {
			c.gotPacket = true
			if !c.gotVersion {
				c.log.Debug("no version announcement yet, resending ours")
				c.advertise()
			}
		}
	}
}

// advertise announces this client's capabilities.
func (c *Connection) advertise() {
	c.send(&protocol.VersionSupport{
		BinaryChecksum:    true,
		SupportFilesystem: true,
		RequestAllWindows: c.tr.Remote(),
	})
}

// send encodes p under the negotiated envelope rules and writes it.
func (c *Connection) send(p protocol.Packet) error {
	env, err := protocol.WrapPacket(p, protocol.WrapOptions{
		BinaryChecksum: c.reader.Mode() == frame.ModeBinary,
		Extended:       c.reader.Extended(),
	})
	if err != nil {
		return err
	}
	if err := c.tr.Write(env); err != nil {
		c.log.Warn("write failed", "type", p.Type(), "err", err)
		return fmt.Errorf("write %s: %w", p.Type(), err)
	}
	c.metrics.PacketSent(p.Type().String())
	return nil
}

// Send writes a packet to the emulator.
func (c *Connection) Send(p protocol.Packet) error {
	var err error
	if cerr := c.call(func() { err = c.send(p) }); cerr != nil {
		return cerr
	}
	return err
}

// SendRaw forwards an already-encoded packet body for window.
func (c *Connection) SendRaw(kind protocol.PacketType, window uint8, data []byte) error {
	return c.Send(&protocol.Raw{Header: protocol.Header{Window: window}, Kind: kind, Data: data})
}

// window returns the window with id, creating it if unseen.
func (c *Connection) window(id uint8) *window.Window {
	w, ok := c.windows[id]
	if !ok {
		w = window.New(id)
		c.windows[id] = w
		c.emitWindows()
	}
	return w
}

func (c *Connection) snapshot() []*window.Window {
	ids := slices.Sorted(maps.Keys(c.windows))
	out := make([]*window.Window, len(ids))
	for i, id := range ids {
		out[i] = c.windows[id].Clone()
	}
	return out
}

// Windows returns a snapshot of the window collection ordered by ID.
func (c *Connection) Windows() []*window.Window {
	var out []*window.Window
	c.call(func() { out = c.snapshot() })
	return out
}

// Window returns a snapshot of one window.
func (c *Connection) Window(id uint8) (*window.Window, bool) {
	var out *window.Window
	c.call(func() {
		if w, ok := c.windows[id]; ok {
			out = w.Clone()
		}
	})
	return out, out != nil
}

// OpenWindow marks a window as shown.
func (c *Connection) OpenWindow(id uint8) error {
	var err error
	if cerr := c.call(func() {
		w, ok := c.windows[id]
		if !ok {
			err = fmt.Errorf("%w: %d", ErrNoWindow, id)
			return
		}
		if !w.Open {
			w.Open = true
			c.emitWindows()
		}
	}); cerr != nil {
		return cerr
	}
	return err
}

// CloseWindow asks the emulator to close a window and forgets it. Closing
// the last window closes the connection.
func (c *Connection) CloseWindow(id uint8) error {
	var err error
	if cerr := c.call(func() {
		if _, ok := c.windows[id]; !ok {
			err = fmt.Errorf("%w: %d", ErrNoWindow, id)
			return
		}
		c.send(&protocol.TerminalChange{Header: protocol.Header{Window: id}, Kind: protocol.ChangeClose})
		c.removeWindow(id)
	}); cerr != nil {
		return cerr
	}
	return err
}

func (c *Connection) removeWindow(id uint8) {
	if w, ok := c.windows[id]; ok {
		w.Open = false
		delete(c.windows, id)
	}
	c.emitWindows()
	if len(c.windows) == 0 {
		c.teardown(nil, c.closeTransport)
	}
}

// Detach drops the link and leaves the emulator running. Only remote links
// can be detached: a local emulator's stdio is its only link, and closing
// it ends the emulator, so Detach returns ErrLocalDetach and changes nothing.
func (c *Connection) Detach() error {
	if !c.tr.Remote() {
		return ErrLocalDetach
	}
	return c.call(func() { c.teardown(nil, c.tr.Close) })
}

// Disconnect asks the emulator to quit and then closes the link.
func (c *Connection) Disconnect() error {
	return c.call(func() {
		c.send(&protocol.TerminalChange{Kind: protocol.ChangeQuit})
		c.teardown(nil, c.tr.Close)
	})
}

// Close closes every window and shuts the transport down: gracefully for
// remote links; a local emulator has its input closed and is killed if it
// has not exited shortly after.
func (c *Connection) Close() error {
	err := c.call(func() { c.teardown(nil, c.closeTransport) })
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// Kill tears the connection down immediately.
func (c *Connection) Kill() error {
	err := c.call(func() { c.teardown(nil, c.tr.Kill) })
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func (c *Connection) closeTransport() error {
	if c.tr.Remote() {
		return c.tr.Close()
	}
	err := c.tr.Close()
	time.AfterFunc(killGrace, func() { c.tr.Kill() })
	return err
}

// teardown closes all windows, shuts the transport with shutdown and
// ends the loop. Pending requests are left to time out.
func (c *Connection) teardown(cause error, shutdown func() error) {
	if c.closing {
		return
	}
	c.closing = true
	c.state.Store(int32(StateClosing))

	for _, w := range c.windows {
		w.Open = false
	}
	clear(c.windows)
	c.emitWindows()

	if err := shutdown(); err != nil {
		c.log.Debug("transport shutdown", "err", err)
	}
	c.cause = cause
	c.metrics.ConnectionClosed()
	c.state.Store(int32(StateClosed))
	c.log.Info("connection closed", "err", cause)
	c.emit(Event{Kind: EventClosed, Err: cause})
}
