// Package frame turns the emulator's raw output stream into verified
// binary records.
//
// The stream is unstructured: envelopes may be split across reads, several
// may arrive in one read, and anything between them is noise. A Reader
// keeps the unconsumed tail between calls and verifies each envelope's
// CRC-32 before handing its record back.
//
// Two checksum conventions exist in the wild. Older emulators checksum the
// base64 text, newer ones the decoded bytes, and the convention in use is
// not always known up front. The Reader starts with a guess, and the first
// mismatch is retried under the other convention; a match flips the
// connection's mode for good. Any accepted frame pins the mode, and after
// the first genuine corruption no further switching happens.
package frame

import (
	"bytes"
	"encoding/base64"
	"log/slog"
	"strconv"

	"github.com/chronologos/craftlink/internal/checksum"
	"github.com/chronologos/craftlink/internal/metrics"
	"github.com/chronologos/craftlink/internal/protocol"
)

// MaxEnvelopeLength bounds the declared base64 length accepted from a long
// form header (64 MB). Larger values are treated as noise.
const MaxEnvelopeLength = 64 << 20

// Mode is the checksum convention.
type Mode int

const (
	// ModeText checksums the base64 text.
	ModeText Mode = iota
	// ModeBinary checksums the decoded record.
	ModeBinary
)

func (m Mode) String() string {
	if m == ModeBinary {
		return "binary"
	}
	return "text"
}

func (m Mode) other() Mode {
	if m == ModeBinary {
		return ModeText
	}
	return ModeBinary
}

// Reader demultiplexes envelopes out of a byte stream. It is not safe for
// concurrent use; one connection's event loop owns it.
type Reader struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mode       Mode
	autoSwitch bool
	extended   bool
	pending    []byte
}

// NewReader returns a Reader assuming text-mode checksums with automatic
// switching enabled. log and m may be nil.
func NewReader(log *slog.Logger, m *metrics.Metrics) *Reader {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Reader{
		log:        log,
		metrics:    m,
		mode:       ModeText,
		autoSwitch: true,
	}
}

// Mode returns the checksum convention currently assumed.
func (r *Reader) Mode() Mode { return r.mode }

// SetMode overrides the assumed convention, e.g. after the peer announces
// binary checksum support. It does not re-enable automatic switching.
func (r *Reader) SetMode(m Mode) { r.mode = m }

// AutoSwitch reports whether a mismatch may still flip the mode.
func (r *Reader) AutoSwitch() bool { return r.autoSwitch }

// SetExtended permits the !CPD long-form envelope.
func (r *Reader) SetExtended(v bool) { r.extended = v }

// Extended reports whether long-form envelopes are accepted.
func (r *Reader) Extended() bool { return r.extended }

// Buffered returns the number of bytes held back waiting for more data.
func (r *Reader) Buffered() int { return len(r.pending) }

// Write appends a chunk of the stream to the buffered tail. The Reader
// keeps its own copy, so chunk may be reused by the caller.
func (r *Reader) Write(chunk []byte) (int, error) {
	r.pending = append(r.pending, chunk...)
	return len(chunk), nil
}

// Next returns the record of the next complete, verified envelope in the
// buffered tail, or false once more data is needed. Each call checks its
// envelope against the current mode and framing limits, so a caller that
// applies a VersionSupport before calling Next again has it take effect
// for the very next envelope.
func (r *Reader) Next() ([]byte, bool) {
	for len(r.pending) > 0 {
		start := bytes.IndexByte(r.pending, '!')
		if start < 0 {
			break
		}
		buf := r.pending[start:]
		r.pending = buf

		if len(buf) < protocol.MagicSize {
			return nil, false
		}

		digits := 0
		switch string(buf[:protocol.MagicSize]) {
		case protocol.MagicShort:
			digits = protocol.ShortLengthDigits
		case protocol.MagicLong:
			if r.extended {
				digits = protocol.LongLengthDigits
			}
		}
		// Holding an unrecognized magic as continuation would stall the
		// stream forever, since more data never makes it recognizable.
		if digits == 0 {
			r.skip(buf, "unrecognized envelope magic")
			r.pending = buf[1:]
			continue
		}

		off := protocol.MagicSize + digits
		if len(buf) < off {
			return nil, false
		}
		size, err := strconv.ParseUint(string(buf[protocol.MagicSize:off]), 16, 64)
		if err != nil || size > MaxEnvelopeLength {
			r.skip(buf, "invalid envelope length")
			r.pending = buf[1:]
			continue
		}
		end := off + int(size) + protocol.ChecksumDigits
		if len(buf) < end {
			return nil, false
		}

		payload := buf[off : off+int(size)]
		sumField := buf[off+int(size) : end]
		r.pending = buf[end:]

		if record, ok := r.verify(payload, sumField); ok {
			return record, true
		}
	}
	r.pending = nil
	return nil, false
}

// Feed writes chunk and drains every record it completes, in stream order.
// All records are checked under the negotiation state in effect when Feed
// is called; a connection engine should use Write and Next instead.
func (r *Reader) Feed(chunk []byte) [][]byte {
	r.Write(chunk)
	var records [][]byte
	for {
		record, ok := r.Next()
		if !ok {
			return records
		}
		records = append(records, record)
	}
}

// verify decodes one envelope body and checks it against its trailer,
// applying the mode negotiation rules.
func (r *Reader) verify(payload, sumField []byte) ([]byte, bool) {
	want, err := strconv.ParseUint(string(sumField), 16, 32)
	if err != nil {
		r.reject("corrupt envelope checksum field", "field", string(sumField))
		return nil, false
	}
	record := make([]byte, base64.StdEncoding.DecodedLen(len(payload)))
	n, err := base64.StdEncoding.Decode(record, payload)
	if err != nil {
		r.reject("corrupt envelope payload", "err", err)
		return nil, false
	}
	record = record[:n]

	sum := func(m Mode) uint32 {
		if m == ModeBinary {
			return checksum.Compute(record)
		}
		return checksum.Compute(payload)
	}

	got := sum(r.mode)
	if uint32(want) == got {
		r.autoSwitch = false
		r.metrics.FrameAccepted()
		return record, true
	}

	r.log.Debug("bad checksum", "expected", strconv.FormatUint(want, 16), "got", strconv.FormatUint(uint64(got), 16), "mode", r.mode)
	if r.autoSwitch {
		r.autoSwitch = false
		if other := r.mode.other(); sum(other) == uint32(want) {
			r.log.Info("checksum matched in other mode, switching", "mode", other)
			r.mode = other
			r.metrics.ChecksumSwitched()
			r.metrics.FrameAccepted()
			return record, true
		}
	}
	r.reject("discarding corrupt frame", "mode", r.mode)
	return nil, false
}

// reject drops a frame. Any corruption ends mode negotiation.
func (r *Reader) reject(msg string, args ...any) {
	r.autoSwitch = false
	r.log.Warn(msg, args...)
	r.metrics.FrameCorrupt()
}

func (r *Reader) skip(buf []byte, reason string) {
	n := min(len(buf), protocol.MagicSize+protocol.LongLengthDigits)
	r.log.Debug(reason, "head", string(buf[:n]))
	r.metrics.EnvelopeSkipped()
}
