package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"reflect"
	"testing"
)

func roundTrip(t *testing.T, p Packet) Packet {
	t.Helper()
	b, err := Encode(p)
	if err != nil {
		t.Fatalf("encode %T: %v", p, err)
	}
	if PacketType(b[0]) != p.Type() || b[1] != p.WindowID() {
		t.Fatalf("header mismatch: got %d/%d", b[0], b[1])
	}
	out, err := Decode(b)
	if err != nil {
		t.Fatalf("decode %T: %v", p, err)
	}
	return out
}

func TestTerminalContentsTextMode(t *testing.T) {
	screen := NewGrid(4, 3)
	colors := NewGrid(4, 3)
	for y := range 3 {
		for x := range 4 {
			screen[y][x] = byte('a' + x + y)
			colors[y][x] = 0xF0
		}
	}
	palette := make([]RGB, 16)
	for i := range palette {
		palette[i] = RGB{R: byte(i), G: byte(i * 2), B: byte(i * 3)}
	}
	original := &TerminalContents{
		Header:    Header{Window: 3},
		Mode:      0,
		Blink:     true,
		Width:     4,
		Height:    3,
		CursorX:   2,
		CursorY:   1,
		Grayscale: true,
		Screen:    screen,
		Colors:    colors,
		Palette:   palette,
	}

	decoded := roundTrip(t, original).(*TerminalContents)
	if !reflect.DeepEqual(decoded, original) {
		t.Fatalf("mismatch:\n got %+v\nwant %+v", decoded, original)
	}
}

func TestTerminalContentsPixelModes(t *testing.T) {
	for _, mode := range []uint8{1, 2} {
		w, h := 2, 1
		pixels := NewGrid(w*PixelCellWidth, h*PixelCellHeight)
		for y := range pixels {
			for x := range pixels[y] {
				pixels[y][x] = byte(x * y)
			}
		}
		original := &TerminalContents{
			Mode:    mode,
			Width:   uint16(w),
			Height:  uint16(h),
			Pixels:  pixels,
			Palette: make([]RGB, PaletteSize(mode)),
		}
		original.Palette[len(original.Palette)-1] = RGB{R: 1, G: 2, B: 3}

		decoded := roundTrip(t, original).(*TerminalContents)
		if !reflect.DeepEqual(decoded.Pixels, pixels) {
			t.Fatalf("mode %d: pixel mismatch", mode)
		}
		if len(decoded.Palette) != PaletteSize(mode) {
			t.Fatalf("mode %d: palette size %d", mode, len(decoded.Palette))
		}
		if decoded.Palette[len(decoded.Palette)-1] != (RGB{R: 1, G: 2, B: 3}) {
			t.Fatalf("mode %d: last palette entry mismatch", mode)
		}
	}
}

func TestTerminalContentsTruncated(t *testing.T) {
	original := &TerminalContents{Width: 2, Height: 2, Screen: NewGrid(2, 2), Colors: NewGrid(2, 2)}
	b, err := Encode(original)
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range []int{1, 10, TerminalContentsHeaderSize + 1, len(b) - 1} {
		if _, err := Decode(b[:n]); !errors.Is(err, ErrShortPayload) {
			t.Fatalf("len %d: expected ErrShortPayload, got %v", n, err)
		}
	}
}

func TestTerminalChangeRoundTrip(t *testing.T) {
	original := &TerminalChange{
		Header: Header{Window: 7},
		Kind:   ChangeUpdate,
		ID:     2,
		Width:  51,
		Height: 19,
		Title:  "CraftOS-PC Terminal: Computer 1",
	}
	decoded := roundTrip(t, original).(*TerminalChange)
	if *decoded != *original {
		t.Fatalf("got %+v, want %+v", decoded, original)
	}
}

func TestTerminalChangeUnterminatedTitle(t *testing.T) {
	b := []byte{byte(TypeTerminalChange), 0, byte(ChangeUpdate), 0, 1, 0, 1, 0, 'h', 'i'}
	p, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if got := p.(*TerminalChange).Title; got != "hi" {
		t.Fatalf("title %q", got)
	}
}

func TestShowMessageSeverity(t *testing.T) {
	tests := []struct {
		flag uint32
		want Severity
	}{
		{0x10, SeverityError},
		{0x20, SeverityWarning},
		{0x40, SeverityInfo},
		{0x00, SeverityUnknown},
		{0x30, SeverityUnknown},
	}
	for _, tt := range tests {
		b := []byte{byte(TypeShowMessage), 0}
		b = binary.LittleEndian.AppendUint32(b, tt.flag)
		b = append(b, "Title\x00Body text\x00"...)
		p, err := Decode(b)
		if err != nil {
			t.Fatal(err)
		}
		m := p.(*ShowMessage)
		if m.Severity != tt.want || m.Title != "Title" || m.Message != "Body text" {
			t.Fatalf("flag %#x: got %+v", tt.flag, m)
		}
	}
}

func TestVersionSupportBits(t *testing.T) {
	for flags := range uint16(16) {
		b := binary.LittleEndian.AppendUint16([]byte{byte(TypeVersionSupport), 0}, flags)
		p, err := Decode(b)
		if err != nil {
			t.Fatal(err)
		}
		v := p.(*VersionSupport)
		if v.Flags() != flags {
			t.Fatalf("flags %#x decoded as %#x", flags, v.Flags())
		}
	}
	v := &VersionSupport{BinaryChecksum: true, SupportFilesystem: true}
	b, _ := Encode(v)
	if !bytes.Equal(b, []byte{6, 0, 0x03, 0x00}) {
		t.Fatalf("encoding %x", b)
	}
}

func TestKeyAndMouseEvents(t *testing.T) {
	key := &KeyEvent{Header: Header{Window: 1}, Code: 'x', IsChar: true, Down: true}
	b, _ := Encode(key)
	if !bytes.Equal(b, []byte{1, 1, 'x', 0x09}) {
		t.Fatalf("key encoding %x", b)
	}
	if got := roundTrip(t, key).(*KeyEvent); *got != *key {
		t.Fatalf("key mismatch %+v", got)
	}

	mouse := &MouseEvent{Event: MouseScroll, Button: 1, X: 10, Y: 300}
	b, _ = Encode(mouse)
	if len(b) != MouseEventSize {
		t.Fatalf("mouse record length %d", len(b))
	}
	if got := roundTrip(t, mouse).(*MouseEvent); *got != *mouse {
		t.Fatalf("mouse mismatch %+v", got)
	}
}

func TestFileRequestEncoding(t *testing.T) {
	req := &FileRequest{Kind: FileOpen, ID: 9, Path: "/a", Write: true, Binary: true}
	b, _ := Encode(req)
	want := []byte{7, 0, 16 | 1 | 4, 9, '/', 'a', 0, 0}
	if !bytes.Equal(b, want) {
		t.Fatalf("got %x, want %x", b, want)
	}
	if got := roundTrip(t, req).(*FileRequest); *got != *req {
		t.Fatalf("mismatch %+v", got)
	}

	mv := &FileRequest{Kind: FileMove, ID: 1, Path: "/src", Path2: "/dst"}
	if got := roundTrip(t, mv).(*FileRequest); *got != *mv {
		t.Fatalf("mismatch %+v", got)
	}
}

func TestFileResponseKinds(t *testing.T) {
	tests := []struct {
		name string
		resp *FileResponse
	}{
		{"exists", &FileResponse{Kind: FileExists, ID: 1, Bool: true}},
		{"isDir false", &FileResponse{Kind: FileIsDir, ID: 2}},
		{"isReadOnly error", &FileResponse{Kind: FileIsReadOnly, ID: 3, Failed: true}},
		{"size", &FileResponse{Kind: FileGetSize, ID: 4, Int: 1234}},
		{"size error", &FileResponse{Kind: FileGetCapacity, ID: 5, Int: integerError, Failed: true}},
		{"drive", &FileResponse{Kind: FileGetDrive, ID: 6, Str: "hdd"}},
		{"drive error", &FileResponse{Kind: FileGetDrive, ID: 7, Failed: true}},
		{"list", &FileResponse{Kind: FileList, ID: 8, List: []string{"rom", "startup.lua", ""}}},
		{"list empty", &FileResponse{Kind: FileFind, ID: 9, List: []string{}}},
		{"list error", &FileResponse{Kind: FileList, ID: 10, Failed: true}},
		{"attributes", &FileResponse{Kind: FileAttributes, ID: 11, Attributes: &Attributes{
			Size: 42, Created: 1 << 40, Modified: 1<<40 + 5, IsDir: false, IsReadOnly: true,
		}}},
		{"attributes missing", &FileResponse{Kind: FileAttributes, ID: 12}},
		{"attributes error", &FileResponse{Kind: FileAttributes, ID: 13, Failed: true}},
		{"mkdir ok", &FileResponse{Kind: FileMakeDir, ID: 14}},
		{"delete failed", &FileResponse{Kind: FileDelete, ID: 15, Failed: true, Message: "Permission denied"}},
		{"open ok", &FileResponse{Kind: FileOpen, ID: 16}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := roundTrip(t, tt.resp).(*FileResponse)
			if !reflect.DeepEqual(got, tt.resp) {
				t.Fatalf("got %+v, want %+v", got, tt.resp)
			}
		})
	}
}

func TestFileResponseOpenFlagsNormalized(t *testing.T) {
	b := []byte{byte(TypeFileResponse), 0, 16 | 1, 4, 0}
	p, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if r := p.(*FileResponse); r.Kind != FileOpen || r.Failed {
		t.Fatalf("got %+v", r)
	}
}

func TestFileResponseListOverflow(t *testing.T) {
	b := []byte{byte(TypeFileResponse), 0, byte(FileList), 1}
	b = binary.LittleEndian.AppendUint32(b, 1000)
	b = append(b, "a\x00"...)
	if _, err := Decode(b); !errors.Is(err, ErrShortPayload) {
		t.Fatalf("expected ErrShortPayload, got %v", err)
	}
}

func TestFileDataRoundTrip(t *testing.T) {
	original := &FileData{Header: Header{Window: 0}, ID: 200, Data: []byte("print('hi')\n")}
	got := roundTrip(t, original).(*FileData)
	if got.ID != 200 || got.Failed || !bytes.Equal(got.Data, original.Data) {
		t.Fatalf("got %+v", got)
	}
}

func TestFileDataLengthOverflow(t *testing.T) {
	b := []byte{byte(TypeFileData), 0, 0, 1}
	b = binary.LittleEndian.AppendUint32(b, 0xFFFFFFF0)
	b = append(b, "abc"...)
	if _, err := Decode(b); !errors.Is(err, ErrShortPayload) {
		t.Fatalf("expected ErrShortPayload, got %v", err)
	}
}

func TestUnknownOpcodeIsNoPacket(t *testing.T) {
	for _, op := range []byte{11, 0x7f, 0xff} {
		p, err := Decode([]byte{op, 0, 1, 2, 3})
		if p != nil || err != nil {
			t.Fatalf("opcode %d: got %v, %v", op, p, err)
		}
	}
}

func TestShortHeader(t *testing.T) {
	if _, err := Decode([]byte{0}); !errors.Is(err, ErrShortPayload) {
		t.Fatalf("expected ErrShortPayload, got %v", err)
	}
}

func TestRawPacket(t *testing.T) {
	raw := &Raw{Header: Header{Window: 4}, Kind: TypeKeyEvent, Data: []byte{0x1c, 0x01}}
	b, err := Encode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b, []byte{1, 4, 0x1c, 0x01}) {
		t.Fatalf("got %x", b)
	}
}
