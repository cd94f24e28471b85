// Package transport provides the byte links a connection runs over: a
// locally spawned emulator's stdio, a websocket, or an authenticated QUIC
// tunnel. A Transport carries the envelope stream unmodified; framing is
// the caller's concern.
package transport

import "errors"

// ErrClosed is returned by operations on a transport that has been shut down.
var ErrClosed = errors.New("transport closed")

// Transport is one raw link to an emulator.
type Transport interface {
	// ReadChunk blocks until inbound bytes are available. Chunk boundaries
	// are arbitrary. The returned slice is owned by the caller. Any error
	// is terminal.
	ReadChunk() ([]byte, error)
	// Write sends p in full.
	Write(p []byte) error
	// Close shuts the link down gracefully.
	Close() error
	// Kill tears the link down immediately.
	Kill() error
	// Remote reports whether the emulator is reached over a network.
	Remote() bool
}

const readBufSize = 32 * 1024
