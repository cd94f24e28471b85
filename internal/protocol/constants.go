package protocol

// Envelope: magic + hex length + base64 payload + 8 hex digit CRC + '\n'.
const (
	MagicShort = "!CPC"
	MagicLong  = "!CPD" // only after VersionSupport has been exchanged

	MagicSize          = 4
	ShortLengthDigits  = 4
	LongLengthDigits   = 12
	ChecksumDigits     = 8
	MaxShortLength     = 0xFFFF
	EnvelopeTerminator = '\n'
)

// PacketType is the opcode in byte 0 of every record.
type PacketType byte

const (
	TypeTerminalContents PacketType = 0  // emulator -> client
	TypeKeyEvent         PacketType = 1  // client -> emulator
	TypeMouseEvent       PacketType = 2  // client -> emulator
	TypeGenericEvent     PacketType = 3  // client -> emulator
	TypeTerminalChange   PacketType = 4  // both
	TypeShowMessage      PacketType = 5  // emulator -> client
	TypeVersionSupport   PacketType = 6  // both
	TypeFileRequest      PacketType = 7  // client -> emulator
	TypeFileResponse     PacketType = 8  // emulator -> client
	TypeFileData         PacketType = 9  // both
	TypeSpeakerSound     PacketType = 10 // emulator -> client
)

func (t PacketType) String() string {
	switch t {
	case TypeTerminalContents:
		return "TerminalContents"
	case TypeKeyEvent:
		return "KeyEvent"
	case TypeMouseEvent:
		return "MouseEvent"
	case TypeGenericEvent:
		return "GenericEvent"
	case TypeTerminalChange:
		return "TerminalChange"
	case TypeShowMessage:
		return "ShowMessage"
	case TypeVersionSupport:
		return "VersionSupport"
	case TypeFileRequest:
		return "FileRequest"
	case TypeFileResponse:
		return "FileResponse"
	case TypeFileData:
		return "FileData"
	case TypeSpeakerSound:
		return "SpeakerSound"
	default:
		return "unknown"
	}
}

// HeaderSize covers the opcode and window ID common to all records.
const HeaderSize = 2

// Fixed record sizes (including the 2-byte header).
const (
	TerminalContentsHeaderSize = 16
	KeyEventSize               = 4
	MouseEventSize             = 12
	TerminalChangeHeaderSize   = 8
	ShowMessageHeaderSize      = 6
	VersionSupportSize         = 4
	FileRequestHeaderSize      = 4
	FileDataHeaderSize         = 8
	AttributesRecordSize       = 0x1b
)

// Pixel modes carry a 6x9 pixel cell per character.
const (
	PixelCellWidth  = 6
	PixelCellHeight = 9
)

// ChangeType is the subtype of a TerminalChange record.
type ChangeType byte

const (
	ChangeUpdate ChangeType = 0
	ChangeClose  ChangeType = 1
	ChangeQuit   ChangeType = 2
)

func (c ChangeType) String() string {
	switch c {
	case ChangeUpdate:
		return "UPDATE"
	case ChangeClose:
		return "CLOSE"
	case ChangeQuit:
		return "QUIT"
	default:
		return "unknown"
	}
}

// Severity classifies a ShowMessage notification.
type Severity uint32

const (
	SeverityUnknown Severity = 0
	SeverityError   Severity = 0x10
	SeverityWarning Severity = 0x20
	SeverityInfo    Severity = 0x40
)

func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	case SeverityInfo:
		return "info"
	default:
		return "unknown"
	}
}

// VersionSupport capability bits.
const (
	FlagBinaryChecksum    uint16 = 1 << 0
	FlagSupportFilesystem uint16 = 1 << 1
	FlagRequestAllWindows uint16 = 1 << 2
	FlagSupportSpeaker    uint16 = 1 << 3
)

// MouseEventType is the action carried by a MouseEvent.
type MouseEventType byte

const (
	MouseDown   MouseEventType = 0
	MouseUp     MouseEventType = 1
	MouseScroll MouseEventType = 2
	MouseDrag   MouseEventType = 3
)

// KeyEvent flag bits.
const (
	keyFlagDown    = 1 << 0
	keyFlagHeld    = 1 << 1
	keyFlagControl = 1 << 2
	keyFlagChar    = 1 << 3
)

// FileRequestType selects the filesystem operation.
type FileRequestType byte

const (
	FileExists       FileRequestType = 0
	FileIsDir        FileRequestType = 1
	FileIsReadOnly   FileRequestType = 2
	FileGetSize      FileRequestType = 3
	FileGetDrive     FileRequestType = 4
	FileGetCapacity  FileRequestType = 5
	FileGetFreeSpace FileRequestType = 6
	FileList         FileRequestType = 7
	FileAttributes   FileRequestType = 8
	FileFind         FileRequestType = 9
	FileMakeDir      FileRequestType = 10
	FileDelete       FileRequestType = 11
	FileCopy         FileRequestType = 12
	FileMove         FileRequestType = 13
	FileOpen         FileRequestType = 16
)

// Open mode bits ORed into the FileOpen subtype.
const (
	openFlagWrite  = 1 << 0
	openFlagAppend = 1 << 1
	openFlagBinary = 1 << 2
)

func (t FileRequestType) String() string {
	switch t {
	case FileExists:
		return "exists"
	case FileIsDir:
		return "isDir"
	case FileIsReadOnly:
		return "isReadOnly"
	case FileGetSize:
		return "getSize"
	case FileGetDrive:
		return "getDrive"
	case FileGetCapacity:
		return "getCapacity"
	case FileGetFreeSpace:
		return "getFreeSpace"
	case FileList:
		return "list"
	case FileAttributes:
		return "attributes"
	case FileFind:
		return "find"
	case FileMakeDir:
		return "makeDir"
	case FileDelete:
		return "delete"
	case FileCopy:
		return "copy"
	case FileMove:
		return "move"
	case FileOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Sentinel values in FileResponse records.
const (
	boolError      = 2
	integerError   = 0xFFFFFFFF
	attrStatusOK   = 0
	attrStatusNone = 1
	attrStatusErr  = 2
)
