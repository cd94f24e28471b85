package protocol

import (
	"encoding/base64"
	"fmt"

	"github.com/chronologos/craftlink/internal/checksum"
)

// WrapOptions selects the negotiated envelope conventions.
type WrapOptions struct {
	// BinaryChecksum computes the CRC over the decoded record instead of
	// the base64 text.
	BinaryChecksum bool
	// Extended permits the !CPD long form for records whose base64 text
	// exceeds MaxShortLength.
	Extended bool
}

// Wrap builds the ASCII envelope around one binary record.
func Wrap(record []byte, opts WrapOptions) ([]byte, error) {
	b64 := base64.StdEncoding.EncodeToString(record)

	var sum uint32
	if opts.BinaryChecksum {
		sum = checksum.Compute(record)
	} else {
		sum = checksum.String(b64)
	}

	var head string
	switch {
	case len(b64) <= MaxShortLength:
		head = fmt.Sprintf("%s%0*x", MagicShort, ShortLengthDigits, len(b64))
	case opts.Extended:
		head = fmt.Sprintf("%s%0*x", MagicLong, LongLengthDigits, len(b64))
	default:
		return nil, fmt.Errorf("%w: %d base64 bytes", ErrPacketTooLarge, len(b64))
	}

	out := make([]byte, 0, len(head)+len(b64)+ChecksumDigits+1)
	out = append(out, head...)
	out = append(out, b64...)
	out = fmt.Appendf(out, "%0*x", ChecksumDigits, sum)
	return append(out, EnvelopeTerminator), nil
}

// WrapPacket encodes p and wraps it.
func WrapPacket(p Packet, opts WrapOptions) ([]byte, error) {
	record, err := Encode(p)
	if err != nil {
		return nil, err
	}
	return Wrap(record, opts)
}
