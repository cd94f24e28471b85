package relay

import "time"

const (
	// batchDelay is measured from the first byte of a batch; later adds
	// do not extend it.
	batchDelay = 2 * time.Millisecond

	// batchThreshold forces an immediate flush.
	batchThreshold = 32 * 1024
)

// batcher gathers emulator output into fewer tunnel writes. It is owned by
// the relay loop goroutine.
type batcher struct {
	buf   []byte
	timer *time.Timer
	armed bool
}

func newBatcher() *batcher {
	t := time.NewTimer(time.Hour)
	t.Stop()
	return &batcher{
		buf:   make([]byte, 0, batchThreshold+4096),
		timer: t,
	}
}

// add buffers p and reports whether the batch is due now.
func (b *batcher) add(p []byte) bool {
	if len(p) == 0 {
		return false
	}
	if !b.armed {
		b.timer.Reset(batchDelay)
		b.armed = true
	}
	b.buf = append(b.buf, p...)
	return len(b.buf) >= batchThreshold
}

// flush returns a copy of the pending bytes, or nil when there are none.
func (b *batcher) flush() []byte {
	if b.armed {
		b.timer.Stop()
		b.armed = false
	}
	if len(b.buf) == 0 {
		return nil
	}
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	b.buf = b.buf[:0]
	return out
}

// due fires when the current batch's deadline passes. It is nil while
// nothing is pending.
func (b *batcher) due() <-chan time.Time {
	if !b.armed {
		return nil
	}
	return b.timer.C
}

func (b *batcher) stop() {
	b.timer.Stop()
	b.armed = false
}

func (b *batcher) pending() int {
	return len(b.buf)
}
