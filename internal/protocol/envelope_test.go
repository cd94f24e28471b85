package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/chronologos/craftlink/internal/checksum"
)

func TestWrapShortForm(t *testing.T) {
	record := []byte{byte(TypeVersionSupport), 0, 3, 0}
	b64 := base64.StdEncoding.EncodeToString(record)

	text, err := Wrap(record, WrapOptions{})
	if err != nil {
		t.Fatal(err)
	}
	want := fmt.Sprintf("!CPC%04x%s%08x\n", len(b64), b64, checksum.String(b64))
	if string(text) != want {
		t.Fatalf("got %q, want %q", text, want)
	}

	bin, err := Wrap(record, WrapOptions{BinaryChecksum: true})
	if err != nil {
		t.Fatal(err)
	}
	want = fmt.Sprintf("!CPC%04x%s%08x\n", len(b64), b64, checksum.Compute(record))
	if string(bin) != want {
		t.Fatalf("got %q, want %q", bin, want)
	}
}

func TestWrapLongForm(t *testing.T) {
	record := make([]byte, 60000) // base64 > 0xFFFF
	if _, err := Wrap(record, WrapOptions{}); !errors.Is(err, ErrPacketTooLarge) {
		t.Fatalf("expected ErrPacketTooLarge, got %v", err)
	}
	env, err := Wrap(record, WrapOptions{Extended: true})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(env), MagicLong+"000000013880") {
		t.Fatalf("header %q", env[:16])
	}
	if env[len(env)-1] != '\n' {
		t.Fatal("missing terminator")
	}
}

func TestWrapPacketLengthField(t *testing.T) {
	env, err := WrapPacket(&TerminalChange{Title: "Computer 0"}, WrapOptions{})
	if err != nil {
		t.Fatal(err)
	}
	var n int
	if _, err := fmt.Sscanf(string(env[4:8]), "%04x", &n); err != nil {
		t.Fatal(err)
	}
	if got := len(env) - 8 - ChecksumDigits - 1; got != n {
		t.Fatalf("declared %d, payload %d", n, got)
	}
}
