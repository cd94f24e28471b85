package client

import (
	"github.com/chronologos/craftlink/internal/protocol"
	"github.com/chronologos/craftlink/internal/window"
)

// EventKind identifies a lifecycle notification.
type EventKind int

const (
	// EventWindows fires when a window is added, removed, opened, or
	// changes classification or title. Windows holds a snapshot.
	EventWindows EventKind = iota
	// EventVersion fires when the peer's VersionSupport arrives.
	EventVersion
	// EventMessage carries a ShowMessage notification.
	EventMessage
	// EventPacket carries a packet for the presentation layer: screen
	// contents, speaker sounds, and anything else not consumed here.
	EventPacket
	// EventClosed is the last event of a connection. Err is the transport
	// fault that ended it, or nil for a deliberate close or QUIT.
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventWindows:
		return "windows"
	case EventVersion:
		return "version"
	case EventMessage:
		return "message"
	case EventPacket:
		return "packet"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is delivered to observers in the order it happened.
type Event struct {
	Kind    EventKind
	Window  uint8
	Packet  protocol.Packet
	Windows []*window.Window
	Err     error
}

// Observer receives events on the connection's loop goroutine. It must
// not block and must not call back into the Connection synchronously.
type Observer func(Event)

// Subscribe registers fn and returns a function that removes it.
func (c *Connection) Subscribe(fn Observer) (cancel func()) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	id := c.nextObserver
	c.nextObserver++
	c.observers[id] = fn
	return func() {
		c.obsMu.Lock()
		delete(c.observers, id)
		c.obsMu.Unlock()
	}
}

func (c *Connection) emit(ev Event) {
	c.obsMu.Lock()
	fns := make([]Observer, 0, len(c.observers))
	for id := range c.nextObserver {
		if fn, ok := c.observers[id]; ok {
			fns = append(fns, fn)
		}
	}
	c.obsMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (c *Connection) emitWindows() {
	c.emit(Event{Kind: EventWindows, Windows: c.snapshot()})
}
