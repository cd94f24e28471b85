package client

import (
	"github.com/chronologos/craftlink/internal/frame"
	"github.com/chronologos/craftlink/internal/protocol"
	"github.com/chronologos/craftlink/internal/window"
)

func (c *Connection) dispatch(p protocol.Packet) {
	switch m := p.(type) {
	case *protocol.TerminalContents:
		c.window(m.Window).ApplyContents(m)
		c.emit(Event{Kind: EventPacket, Window: m.Window, Packet: m})

	case *protocol.TerminalChange:
		c.handleTerminalChange(m)

	case *protocol.ShowMessage:
		c.log.Info("emulator message", "severity", m.Severity, "title", m.Title, "message", m.Message)
		c.emit(Event{Kind: EventMessage, Window: m.Window, Packet: m})

	case *protocol.VersionSupport:
		c.gotVersion = true
		c.filesystem = m.SupportFilesystem
		c.reader.SetExtended(true)
		if m.BinaryChecksum {
			c.reader.SetMode(frame.ModeBinary)
		} else {
			c.reader.SetMode(frame.ModeText)
		}
		c.log.Info("version negotiated", "binary_checksum", m.BinaryChecksum, "filesystem", m.SupportFilesystem)
		c.emit(Event{Kind: EventVersion, Packet: m})

	case *protocol.FileResponse:
		c.handleFileResponse(m)

	case *protocol.FileData:
		c.handleFileData(m)

	default:
		c.emit(Event{Kind: EventPacket, Window: p.WindowID(), Packet: p})
	}
}

func (c *Connection) handleTerminalChange(m *protocol.TerminalChange) {
	switch m.Kind {
	case protocol.ChangeUpdate:
		w, existed := c.windows[m.Window]
		if !existed {
			w = window.New(m.Window)
			c.windows[m.Window] = w
		}
		if w.ApplyChange(m) || !existed {
			c.emitWindows()
		}

	case protocol.ChangeClose:
		if _, ok := c.windows[m.Window]; ok {
			c.removeWindow(m.Window)
		}

	case protocol.ChangeQuit:
		c.log.Info("emulator quit")
		if c.tr.Remote() {
			c.teardown(nil, func() error {
				if err := c.tr.Write([]byte{'\n'}); err != nil {
					c.tr.Close()
					return err
				}
				return c.tr.Close()
			})
		} else {
			c.teardown(nil, c.tr.Kill)
		}

	default:
		c.log.Debug("unknown terminal change", "kind", m.Kind)
	}
}
