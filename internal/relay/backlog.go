package relay

import (
	"bytes"
	"sync"
)

// DefaultBacklogSize bounds the emulator output kept for replay.
const DefaultBacklogSize = 4 * 1024 * 1024

// envelopeStart is the prefix every envelope begins with. It cannot occur
// inside base64, so it marks a frame boundary in the raw stream.
var envelopeStart = []byte("!CP")

// backlog is a ring of recent emulator output, bounded by bytes. A client
// attaching to a running relay is sent the backlog first so it can rebuild
// window state from the latest contents packets.
//
// backlog is safe for concurrent use.
type backlog struct {
	mu       sync.Mutex
	chunks   [][]byte
	head     int // index of next write position
	count    int
	size     int // payload bytes stored
	maxSize  int
	capacity int // ring slots
	total    uint64
}

func newBacklog(maxBytes int) *backlog {
	if maxBytes <= 0 {
		maxBytes = DefaultBacklogSize
	}
	// Emulator reads are up to 32 KB but usually far smaller.
	slots := max(64, min(maxBytes/512, 1<<16))
	return &backlog{
		chunks:   make([][]byte, slots),
		maxSize:  maxBytes,
		capacity: slots,
	}
}

// store appends a copy of p, evicting the oldest chunks as needed.
func (b *backlog) store(p []byte) {
	if len(p) == 0 {
		return
	}
	c := bytes.Clone(p)

	b.mu.Lock()
	defer b.mu.Unlock()

	for b.count > 0 && b.size+len(c) > b.maxSize {
		b.evictOldest()
	}
	if b.count >= b.capacity {
		b.evictOldest()
	}
	b.chunks[b.head] = c
	b.head = (b.head + 1) % b.capacity
	b.count++
	b.size += len(c)
	b.total += uint64(len(c))
}

func (b *backlog) tail() int {
	return (b.head - b.count + b.capacity) % b.capacity
}

func (b *backlog) evictOldest() {
	t := b.tail()
	b.size -= len(b.chunks[t])
	b.chunks[t] = nil
	b.count--
}

// snapshot returns the stored output starting at the first envelope
// boundary, so a replay never opens with the tail of an evicted frame.
func (b *backlog) snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil
	}
	out := make([]byte, 0, b.size)
	t := b.tail()
	for i := range b.count {
		out = append(out, b.chunks[(t+i)%b.capacity]...)
	}
	i := bytes.Index(out, envelopeStart)
	if i < 0 {
		return nil
	}
	return out[i:]
}

// len returns the number of bytes held.
func (b *backlog) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// written returns the number of bytes ever stored.
func (b *backlog) written() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}
