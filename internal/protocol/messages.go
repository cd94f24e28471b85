package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrShortPayload   = errors.New("payload too short for packet type")
	ErrPacketTooLarge = errors.New("packet too large for envelope")
	ErrUnsupported    = errors.New("unsupported packet type")
)

// Packet is one decoded record. Byte 1 of every record is the window ID.
type Packet interface {
	Type() PacketType
	WindowID() uint8
}

// Header carries the window ID shared by all packets.
type Header struct {
	Window uint8
}

func (h Header) WindowID() uint8 { return h.Window }

// --- Packet types ---

// RGB is one palette entry.
type RGB struct {
	R, G, B uint8
}

// TerminalContents is a full snapshot of one window's screen.
// Mode 0 is text (Screen + Colors); modes 1 and 2 are pixel graphics with
// 16 and 256 colors respectively (Pixels, scaled 6x9 per character cell).
type TerminalContents struct {
	Header
	Mode      uint8
	Blink     bool
	Width     uint16
	Height    uint16
	CursorX   uint16
	CursorY   uint16
	Grayscale bool
	Screen    Grid
	Colors    Grid
	Pixels    Grid
	Palette   []RGB
}

// PaletteSize is the number of palette entries carried for a mode.
func PaletteSize(mode uint8) int {
	if mode < 2 {
		return 16
	}
	return 256
}

type KeyEvent struct {
	Header
	Code    uint8
	IsChar  bool // Code is a character rather than a key code
	Down    bool
	Held    bool
	Control bool
}

// MouseEvent reports a click, release, scroll or drag. For MouseScroll,
// Button is the direction: 0 up, 1 down.
type MouseEvent struct {
	Header
	Event  MouseEventType
	Button uint8
	X      uint32
	Y      uint32
}

// GenericEvent carries an opaque event payload.
type GenericEvent struct {
	Header
	Data []byte
}

// TerminalChange creates/updates, closes, or quits a window.
// ID is nonzero when the window was created for computer ID-1.
type TerminalChange struct {
	Header
	Kind   ChangeType
	ID     uint8
	Width  uint16
	Height uint16
	Title  string
}

type ShowMessage struct {
	Header
	Severity Severity
	Title    string
	Message  string
}

type VersionSupport struct {
	Header
	BinaryChecksum    bool
	SupportFilesystem bool
	RequestAllWindows bool
	SupportSpeaker    bool
}

// Flags returns the capability bitfield.
func (v *VersionSupport) Flags() uint16 {
	var f uint16
	if v.BinaryChecksum {
		f |= FlagBinaryChecksum
	}
	if v.SupportFilesystem {
		f |= FlagSupportFilesystem
	}
	if v.RequestAllWindows {
		f |= FlagRequestAllWindows
	}
	if v.SupportSpeaker {
		f |= FlagSupportSpeaker
	}
	return f
}

type FileRequest struct {
	Header
	Kind   FileRequestType
	ID     uint8
	Path   string
	Path2  string // destination for copy/move
	Write  bool
	Append bool
	Binary bool
}

// Attributes is the ATTRIBUTES response record.
type Attributes struct {
	Size       uint32
	Created    uint64 // ms since epoch
	Modified   uint64
	IsDir      bool
	IsReadOnly bool
}

// FileResponse answers a FileRequest. Which result field is meaningful
// depends on Kind; Failed reports the per-kind error sentinel.
type FileResponse struct {
	Header
	Kind    FileRequestType
	ID      uint8
	Failed  bool
	Message string // failure text for mutating ops; empty on success

	Bool       bool
	Int        uint32
	Str        string
	List       []string
	Attributes *Attributes // nil when not found or failed
}

// FileData carries file contents in either direction.
type FileData struct {
	Header
	Failed bool
	ID     uint8
	Data   []byte
}

// SpeakerSound is decoded only far enough to be routed; audio is not played.
type SpeakerSound struct {
	Header
	Data []byte
}

// Raw is an already-encoded body forwarded verbatim after the header.
type Raw struct {
	Header
	Kind PacketType
	Data []byte
}

func (*TerminalContents) Type() PacketType { return TypeTerminalContents }
func (*KeyEvent) Type() PacketType         { return TypeKeyEvent }
func (*MouseEvent) Type() PacketType       { return TypeMouseEvent }
func (*GenericEvent) Type() PacketType     { return TypeGenericEvent }
func (*TerminalChange) Type() PacketType   { return TypeTerminalChange }
func (*ShowMessage) Type() PacketType      { return TypeShowMessage }
func (*VersionSupport) Type() PacketType   { return TypeVersionSupport }
func (*FileRequest) Type() PacketType      { return TypeFileRequest }
func (*FileResponse) Type() PacketType     { return TypeFileResponse }
func (*FileData) Type() PacketType         { return TypeFileData }
func (*SpeakerSound) Type() PacketType     { return TypeSpeakerSound }
func (r *Raw) Type() PacketType            { return r.Kind }

// --- Encoding ---

// Encode serializes p into its binary record.
func Encode(p Packet) ([]byte, error) {
	buf := []byte{byte(p.Type()), p.WindowID()}

	switch m := p.(type) {
	case *TerminalContents:
		return encodeTerminalContents(buf, m), nil
	case *KeyEvent:
		var flags byte
		if m.Down {
			flags |= keyFlagDown
		}
		if m.Held {
			flags |= keyFlagHeld
		}
		if m.Control {
			flags |= keyFlagControl
		}
		if m.IsChar {
			flags |= keyFlagChar
		}
		return append(buf, m.Code, flags), nil
	case *MouseEvent:
		buf = append(buf, byte(m.Event), m.Button)
		buf = binary.LittleEndian.AppendUint32(buf, m.X)
		return binary.LittleEndian.AppendUint32(buf, m.Y), nil
	case *GenericEvent:
		return append(buf, m.Data...), nil
	case *TerminalChange:
		buf = append(buf, byte(m.Kind), m.ID)
		buf = binary.LittleEndian.AppendUint16(buf, m.Width)
		buf = binary.LittleEndian.AppendUint16(buf, m.Height)
		return appendCString(buf, m.Title), nil
	case *ShowMessage:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(m.Severity))
		buf = appendCString(buf, m.Title)
		return appendCString(buf, m.Message), nil
	case *VersionSupport:
		return binary.LittleEndian.AppendUint16(buf, m.Flags()), nil
	case *FileRequest:
		return encodeFileRequest(buf, m), nil
	case *FileResponse:
		return encodeFileResponse(buf, m)
	case *FileData:
		buf = append(buf, boolByte(m.Failed), m.ID)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.Data)))
		return append(buf, m.Data...), nil
	case *SpeakerSound:
		return append(buf, m.Data...), nil
	case *Raw:
		return append(buf, m.Data...), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupported, p)
	}
}

func encodeTerminalContents(buf []byte, m *TerminalContents) []byte {
	var hdr [TerminalContentsHeaderSize - HeaderSize]byte
	hdr[0] = m.Mode
	hdr[1] = boolByte(m.Blink)
	binary.LittleEndian.PutUint16(hdr[2:4], m.Width)
	binary.LittleEndian.PutUint16(hdr[4:6], m.Height)
	binary.LittleEndian.PutUint16(hdr[6:8], m.CursorX)
	binary.LittleEndian.PutUint16(hdr[8:10], m.CursorY)
	hdr[10] = boolByte(m.Grayscale)
	buf = append(buf, hdr[:]...)

	w, h := int(m.Width), int(m.Height)
	switch m.Mode {
	case 0:
		buf = EncodeRLE(buf, m.Screen, w, h)
		buf = EncodeRLE(buf, m.Colors, w, h)
	case 1, 2:
		buf = EncodeRLE(buf, m.Pixels, w*PixelCellWidth, h*PixelCellHeight)
	}

	for i := range PaletteSize(m.Mode) {
		var c RGB
		if i < len(m.Palette) {
			c = m.Palette[i]
		}
		buf = append(buf, c.R, c.G, c.B)
	}
	return buf
}

func encodeFileRequest(buf []byte, m *FileRequest) []byte {
	kind := byte(m.Kind)
	if m.Kind == FileOpen {
		if m.Write {
			kind |= openFlagWrite
		}
		if m.Append {
			kind |= openFlagAppend
		}
		if m.Binary {
			kind |= openFlagBinary
		}
	}
	buf = append(buf, kind, m.ID)
	buf = appendCString(buf, m.Path)
	return appendCString(buf, m.Path2)
}

func encodeFileResponse(buf []byte, m *FileResponse) ([]byte, error) {
	buf = append(buf, byte(m.Kind), m.ID)

	switch m.Kind {
	case FileMakeDir, FileDelete, FileCopy, FileMove, FileOpen:
		msg := m.Message
		if m.Failed && msg == "" {
			msg = "Operation failed"
		}
		if !m.Failed {
			msg = ""
		}
		return appendCString(buf, msg), nil

	case FileExists, FileIsDir, FileIsReadOnly:
		if m.Failed {
			return append(buf, boolError), nil
		}
		return append(buf, boolByte(m.Bool)), nil

	case FileGetSize, FileGetCapacity, FileGetFreeSpace:
		v := m.Int
		if m.Failed {
			v = integerError
		}
		return binary.LittleEndian.AppendUint32(buf, v), nil

	case FileGetDrive:
		if m.Failed {
			return appendCString(buf, ""), nil
		}
		return appendCString(buf, m.Str), nil

	case FileList, FileFind:
		if m.Failed {
			return binary.LittleEndian.AppendUint32(buf, integerError), nil
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.List)))
		for _, s := range m.List {
			buf = appendCString(buf, s)
		}
		return buf, nil

	case FileAttributes:
		var rec [AttributesRecordSize - FileRequestHeaderSize]byte
		switch {
		case m.Failed:
			rec[len(rec)-1] = attrStatusErr
		case m.Attributes == nil:
			rec[len(rec)-1] = attrStatusNone
		default:
			a := m.Attributes
			binary.LittleEndian.PutUint32(rec[0:4], a.Size)
			binary.LittleEndian.PutUint64(rec[4:12], a.Created)
			binary.LittleEndian.PutUint64(rec[12:20], a.Modified)
			rec[20] = boolByte(a.IsDir)
			rec[21] = boolByte(a.IsReadOnly)
			rec[22] = attrStatusOK
		}
		return append(buf, rec[:]...), nil

	default:
		return nil, fmt.Errorf("%w: file response kind %d", ErrUnsupported, m.Kind)
	}
}

// --- Decoding ---

// Decode parses one framed record. Unknown opcodes yield (nil, nil): the
// caller skips them. Records are assumed to be complete; any computed offset
// past the end of b reports ErrShortPayload.
func Decode(b []byte) (Packet, error) {
	if len(b) < HeaderSize {
		return nil, ErrShortPayload
	}
	hdr := Header{Window: b[1]}

	switch PacketType(b[0]) {
	case TypeTerminalContents:
		return decodeTerminalContents(hdr, b)

	case TypeKeyEvent:
		if len(b) < KeyEventSize {
			return nil, ErrShortPayload
		}
		flags := b[3]
		return &KeyEvent{
			Header:  hdr,
			Code:    b[2],
			Down:    flags&keyFlagDown != 0,
			Held:    flags&keyFlagHeld != 0,
			Control: flags&keyFlagControl != 0,
			IsChar:  flags&keyFlagChar != 0,
		}, nil

	case TypeMouseEvent:
		if len(b) < MouseEventSize {
			return nil, ErrShortPayload
		}
		return &MouseEvent{
			Header: hdr,
			Event:  MouseEventType(b[2]),
			Button: b[3],
			X:      binary.LittleEndian.Uint32(b[4:8]),
			Y:      binary.LittleEndian.Uint32(b[8:12]),
		}, nil

	case TypeGenericEvent:
		return &GenericEvent{Header: hdr, Data: b[HeaderSize:]}, nil

	case TypeTerminalChange:
		if len(b) < TerminalChangeHeaderSize {
			return nil, ErrShortPayload
		}
		title, _ := readCString(b, TerminalChangeHeaderSize)
		return &TerminalChange{
			Header: hdr,
			Kind:   ChangeType(b[2]),
			ID:     b[3],
			Width:  binary.LittleEndian.Uint16(b[4:6]),
			Height: binary.LittleEndian.Uint16(b[6:8]),
			Title:  title,
		}, nil

	case TypeShowMessage:
		if len(b) < ShowMessageHeaderSize {
			return nil, ErrShortPayload
		}
		title, next := readCString(b, ShowMessageHeaderSize)
		message, _ := readCString(b, next)
		return &ShowMessage{
			Header:   hdr,
			Severity: severityOf(binary.LittleEndian.Uint32(b[2:6])),
			Title:    title,
			Message:  message,
		}, nil

	case TypeVersionSupport:
		if len(b) < VersionSupportSize {
			return nil, ErrShortPayload
		}
		flags := binary.LittleEndian.Uint16(b[2:4])
		return &VersionSupport{
			Header:            hdr,
			BinaryChecksum:    flags&FlagBinaryChecksum != 0,
			SupportFilesystem: flags&FlagSupportFilesystem != 0,
			RequestAllWindows: flags&FlagRequestAllWindows != 0,
			SupportSpeaker:    flags&FlagSupportSpeaker != 0,
		}, nil

	case TypeFileRequest:
		if len(b) < FileRequestHeaderSize {
			return nil, ErrShortPayload
		}
		m := &FileRequest{Header: hdr, Kind: FileRequestType(b[2]), ID: b[3]}
		if b[2] >= byte(FileOpen) {
			m.Kind = FileOpen
			m.Write = b[2]&openFlagWrite != 0
			m.Append = b[2]&openFlagAppend != 0
			m.Binary = b[2]&openFlagBinary != 0
		}
		var next int
		m.Path, next = readCString(b, FileRequestHeaderSize)
		m.Path2, _ = readCString(b, next)
		return m, nil

	case TypeFileResponse:
		return decodeFileResponse(hdr, b)

	case TypeFileData:
		if len(b) < FileDataHeaderSize {
			return nil, ErrShortPayload
		}
		n := binary.LittleEndian.Uint32(b[4:8])
		if uint64(n) > uint64(len(b)-FileDataHeaderSize) {
			return nil, ErrShortPayload
		}
		return &FileData{
			Header: hdr,
			Failed: b[2] != 0,
			ID:     b[3],
			Data:   b[FileDataHeaderSize : FileDataHeaderSize+int(n)],
		}, nil

	case TypeSpeakerSound:
		return &SpeakerSound{Header: hdr, Data: b[HeaderSize:]}, nil

	default:
		return nil, nil
	}
}

func decodeTerminalContents(hdr Header, b []byte) (Packet, error) {
	if len(b) < TerminalContentsHeaderSize {
		return nil, ErrShortPayload
	}
	m := &TerminalContents{
		Header:    hdr,
		Mode:      b[2],
		Blink:     b[3] == 1,
		Width:     binary.LittleEndian.Uint16(b[4:6]),
		Height:    binary.LittleEndian.Uint16(b[6:8]),
		CursorX:   binary.LittleEndian.Uint16(b[8:10]),
		CursorY:   binary.LittleEndian.Uint16(b[10:12]),
		Grayscale: b[12] == 1,
	}

	off := TerminalContentsHeaderSize
	w, h := int(m.Width), int(m.Height)
	var err error
	var n int
	switch m.Mode {
	case 0:
		if m.Screen, n, err = DecodeRLE(b[off:], w, h); err != nil {
			return nil, fmt.Errorf("screen: %w", err)
		}
		off += n
		if m.Colors, n, err = DecodeRLE(b[off:], w, h); err != nil {
			return nil, fmt.Errorf("colors: %w", err)
		}
		off += n
	case 1, 2:
		if m.Pixels, n, err = DecodeRLE(b[off:], w*PixelCellWidth, h*PixelCellHeight); err != nil {
			return nil, fmt.Errorf("pixels: %w", err)
		}
		off += n
	}

	count := PaletteSize(m.Mode)
	if len(b)-off < count*3 {
		return nil, ErrShortPayload
	}
	m.Palette = make([]RGB, count)
	for i := range m.Palette {
		m.Palette[i] = RGB{R: b[off], G: b[off+1], B: b[off+2]}
		off += 3
	}
	return m, nil
}

func decodeFileResponse(hdr Header, b []byte) (Packet, error) {
	if len(b) < FileRequestHeaderSize+1 {
		return nil, ErrShortPayload
	}
	m := &FileResponse{Header: hdr, Kind: FileRequestType(min(b[2], byte(FileOpen))), ID: b[3]}
	body := FileRequestHeaderSize

	switch m.Kind {
	case FileMakeDir, FileDelete, FileCopy, FileMove, FileOpen:
		m.Message, _ = readCString(b, body)
		m.Failed = m.Message != ""

	case FileExists, FileIsDir, FileIsReadOnly:
		m.Failed = b[body] == boolError
		m.Bool = !m.Failed && b[body] != 0

	case FileGetSize, FileGetCapacity, FileGetFreeSpace:
		if len(b) < body+4 {
			return nil, ErrShortPayload
		}
		m.Int = binary.LittleEndian.Uint32(b[body:])
		m.Failed = m.Int == integerError

	case FileGetDrive:
		m.Str, _ = readCString(b, body)
		m.Failed = m.Str == ""

	case FileList, FileFind:
		if len(b) < body+4 {
			return nil, ErrShortPayload
		}
		count := binary.LittleEndian.Uint32(b[body:])
		if count == integerError {
			m.Failed = true
			break
		}
		off := body + 4
		// Every entry needs at least its terminator.
		if uint64(count) > uint64(len(b)-off) {
			return nil, ErrShortPayload
		}
		m.List = make([]string, 0, count)
		for range count {
			end := bytes.IndexByte(b[off:], 0)
			if end < 0 {
				return nil, ErrShortPayload
			}
			m.List = append(m.List, string(b[off:off+end]))
			off += end + 1
		}

	case FileAttributes:
		if len(b) < AttributesRecordSize {
			return nil, ErrShortPayload
		}
		switch b[0x1a] {
		case attrStatusOK:
			m.Attributes = &Attributes{
				Size:       binary.LittleEndian.Uint32(b[0x04:0x08]),
				Created:    binary.LittleEndian.Uint64(b[0x08:0x10]),
				Modified:   binary.LittleEndian.Uint64(b[0x10:0x18]),
				IsDir:      b[0x18] != 0,
				IsReadOnly: b[0x19] != 0,
			}
		case attrStatusErr:
			m.Failed = true
		}

	default:
		return nil, fmt.Errorf("%w: file response kind %d", ErrUnsupported, b[2])
	}
	return m, nil
}

func severityOf(v uint32) Severity {
	switch Severity(v) {
	case SeverityError, SeverityWarning, SeverityInfo:
		return Severity(v)
	default:
		return SeverityUnknown
	}
}

// readCString returns the NUL-terminated string at off and the offset just
// past its terminator. An unterminated string runs to the end of b.
func readCString(b []byte, off int) (string, int) {
	if off >= len(b) {
		return "", len(b)
	}
	end := bytes.IndexByte(b[off:], 0)
	if end < 0 {
		return string(b[off:]), len(b)
	}
	return string(b[off : off+end]), off + end + 1
}

func appendCString(buf []byte, s string) []byte {
	buf = append(buf, s...)
	return append(buf, 0)
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
