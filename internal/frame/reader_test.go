package frame

import (
	"bytes"
	"fmt"
	"math/rand"
	"strconv"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/chronologos/craftlink/internal/metrics"
	"github.com/chronologos/craftlink/internal/protocol"
)

func wrap(t *testing.T, record []byte, binary bool) []byte {
	t.Helper()
	env, err := protocol.Wrap(record, protocol.WrapOptions{BinaryChecksum: binary, Extended: true})
	if err != nil {
		t.Fatal(err)
	}
	return env
}

// corrupt rewrites an envelope's checksum trailer to a different valid value.
func corrupt(t *testing.T, env []byte) []byte {
	t.Helper()
	out := append([]byte(nil), env...)
	field := out[len(out)-1-protocol.ChecksumDigits : len(out)-1]
	sum, err := strconv.ParseUint(string(field), 16, 32)
	if err != nil {
		t.Fatal(err)
	}
	copy(field, fmt.Sprintf("%08x", uint32(sum)^0x5a5a))
	return out
}

func randomRecords(n int) [][]byte {
	rng := rand.New(rand.NewSource(7))
	out := make([][]byte, n)
	for i := range out {
		b := make([]byte, 2+rng.Intn(300))
		rng.Read(b)
		out[i] = b
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	for _, binary := range []bool{false, true} {
		r := NewReader(nil, nil)
		if binary {
			r.SetMode(ModeBinary)
		}
		for _, rec := range randomRecords(50) {
			got := r.Feed(wrap(t, rec, binary))
			if len(got) != 1 || !bytes.Equal(got[0], rec) {
				t.Fatalf("binary=%v: got %d records", binary, len(got))
			}
		}
	}
}

func TestEmptyRecord(t *testing.T) {
	r := NewReader(nil, nil)
	got := r.Feed(wrap(t, nil, false))
	if len(got) != 1 || len(got[0]) != 0 {
		t.Fatalf("got %v", got)
	}
}

func TestChecksumModeSwitchesOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(metrics.WithRegistry(reg))
	r := NewReader(nil, m)

	first := []byte{6, 0, 3, 0}
	got := r.Feed(wrap(t, first, true))
	if len(got) != 1 || !bytes.Equal(got[0], first) {
		t.Fatalf("binary frame not accepted under text assumption: %v", got)
	}
	if r.Mode() != ModeBinary {
		t.Fatalf("mode = %v, want binary", r.Mode())
	}
	if r.AutoSwitch() {
		t.Fatal("auto switch should be pinned after acceptance")
	}

	// A genuinely corrupt frame is dropped and the mode does not move.
	bad := corrupt(t, wrap(t, []byte{4, 0, 0, 0, 1, 0, 1, 0, 0}, true))
	if got := r.Feed(bad); len(got) != 0 {
		t.Fatalf("corrupt frame accepted: %v", got)
	}
	if r.Mode() != ModeBinary {
		t.Fatalf("mode flipped on corruption: %v", r.Mode())
	}

	// The stream resynchronizes on the next envelope.
	next := []byte{5, 1, 0x40, 0, 0, 0, 'a', 0, 'b', 0}
	if got := r.Feed(wrap(t, next, true)); len(got) != 1 || !bytes.Equal(got[0], next) {
		t.Fatalf("did not resync: %v", got)
	}

	if v := testutil.ToFloat64(m.ChecksumSwitches); v != 1 {
		t.Fatalf("switches = %v", v)
	}
	if v := testutil.ToFloat64(m.FramesCorrupt); v != 1 {
		t.Fatalf("corrupt = %v", v)
	}
	if v := testutil.ToFloat64(m.FramesAccepted); v != 2 {
		t.Fatalf("accepted = %v", v)
	}
}

func TestCorruptionDisablesSwitching(t *testing.T) {
	r := NewReader(nil, nil)
	bad := corrupt(t, wrap(t, []byte{1, 2, 3}, false))
	if got := r.Feed(bad); len(got) != 0 {
		t.Fatal("corrupt frame accepted")
	}
	if r.AutoSwitch() {
		t.Fatal("switching should be disabled after corruption")
	}
	// A binary-mode frame can no longer flip a text-mode reader.
	if got := r.Feed(wrap(t, []byte{9, 9, 9}, true)); len(got) != 0 {
		t.Fatal("mode flipped after switching was disabled")
	}
	if r.Mode() != ModeText {
		t.Fatalf("mode = %v", r.Mode())
	}
}

func TestAcceptedFramePinsMode(t *testing.T) {
	r := NewReader(nil, nil)
	if got := r.Feed(wrap(t, []byte{1, 0}, false)); len(got) != 1 {
		t.Fatal("text frame rejected")
	}
	if got := r.Feed(wrap(t, []byte{1, 0, 5}, true)); len(got) != 0 {
		t.Fatal("binary frame accepted after text mode was pinned")
	}
}

func TestNextSeesModeChangesBetweenRecords(t *testing.T) {
	r := NewReader(nil, nil)
	var stream []byte
	stream = append(stream, wrap(t, []byte{1, 0}, false)...)
	stream = append(stream, wrap(t, []byte{1, 0, 5}, true)...)
	r.Write(stream)

	if rec, ok := r.Next(); !ok || !bytes.Equal(rec, []byte{1, 0}) {
		t.Fatalf("first = %x, %v", rec, ok)
	}
	r.SetMode(ModeBinary)
	if rec, ok := r.Next(); !ok || !bytes.Equal(rec, []byte{1, 0, 5}) {
		t.Fatalf("second = %x, %v", rec, ok)
	}
	if _, ok := r.Next(); ok {
		t.Fatal("record from an empty buffer")
	}
	if r.Buffered() != 0 {
		t.Fatalf("buffered %d", r.Buffered())
	}
}

func TestWriteCopiesChunk(t *testing.T) {
	env := wrap(t, []byte{7, 7, 7}, false)
	chunk := append([]byte(nil), env[:10]...)
	r := NewReader(nil, nil)
	r.Write(chunk)
	for i := range chunk {
		chunk[i] = 0
	}
	r.Write(env[10:])
	if rec, ok := r.Next(); !ok || !bytes.Equal(rec, []byte{7, 7, 7}) {
		t.Fatalf("got %x, %v", rec, ok)
	}
}

func TestReassemblyAtEveryOffset(t *testing.T) {
	var stream []byte
	records := randomRecords(4)
	for i, rec := range records {
		stream = append(stream, "noise!!\r\n"...)
		if i == 2 {
			stream = append(stream, "!CPX0004abcd"...)
		}
		stream = append(stream, wrap(t, rec, false)...)
	}

	whole := NewReader(nil, nil).Feed(stream)
	if len(whole) != len(records) {
		t.Fatalf("whole stream: got %d records, want %d", len(whole), len(records))
	}

	for cut := 0; cut <= len(stream); cut++ {
		r := NewReader(nil, nil)
		got := r.Feed(stream[:cut])
		got = append(got, r.Feed(stream[cut:])...)
		if len(got) != len(records) {
			t.Fatalf("cut %d: got %d records", cut, len(got))
		}
		for i := range got {
			if !bytes.Equal(got[i], records[i]) {
				t.Fatalf("cut %d: record %d mismatch", cut, i)
			}
		}
	}
}

func TestByteAtATime(t *testing.T) {
	rec := []byte("a record delivered one byte per read")
	env := wrap(t, rec, false)
	r := NewReader(nil, nil)
	var got [][]byte
	for i := range env {
		got = append(got, r.Feed(env[i:i+1])...)
	}
	if len(got) != 1 || !bytes.Equal(got[0], rec) {
		t.Fatalf("got %v", got)
	}
	if r.Buffered() != 0 {
		t.Fatalf("buffered %d after complete frame", r.Buffered())
	}
}

func TestLongFormRequiresNegotiation(t *testing.T) {
	rec := make([]byte, 50000)
	rec[0] = 1
	env, err := protocol.Wrap(rec, protocol.WrapOptions{Extended: true})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(env, []byte(protocol.MagicLong)) {
		t.Fatal("expected long-form envelope")
	}

	r := NewReader(nil, nil)
	if got := r.Feed(env); len(got) != 0 {
		t.Fatal("long form accepted before negotiation")
	}
	if r.Buffered() != 0 {
		t.Fatalf("skipped envelope left %d bytes buffered", r.Buffered())
	}

	r.SetExtended(true)
	if got := r.Feed(env); len(got) != 1 || !bytes.Equal(got[0], rec) {
		t.Fatal("long form rejected after negotiation")
	}
}

func TestPartialHeaderIsBuffered(t *testing.T) {
	env := wrap(t, []byte{0, 0}, false)
	r := NewReader(nil, nil)
	if got := r.Feed(env[:6]); len(got) != 0 {
		t.Fatal("unexpected record")
	}
	if r.Buffered() != 6 {
		t.Fatalf("buffered %d", r.Buffered())
	}
	if got := r.Feed(env[6:]); len(got) != 1 {
		t.Fatal("frame not completed")
	}
}

func TestInvalidLengthIsNoise(t *testing.T) {
	rec := []byte{3, 3}
	stream := append([]byte("!CPCzzzz"), wrap(t, rec, false)...)
	got := NewReader(nil, nil).Feed(stream)
	if len(got) != 1 || !bytes.Equal(got[0], rec) {
		t.Fatalf("got %v", got)
	}
}
