// Package window holds the per-window terminal state of a connection.
package window

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/chronologos/craftlink/internal/protocol"
)

// DefaultTitle is shown for windows the emulator has not titled.
const DefaultTitle = "CraftOS-PC Terminal"

var computerTitle = regexp.MustCompile(`Computer (\d+)$`)

// Term is the merged terminal state. Grids and palettes are replaced
// wholesale by each TerminalContents and never mutated in place, so copies
// of a Term may share them.
type Term struct {
	Mode      uint8
	Blink     bool
	Width     uint16
	Height    uint16
	CursorX   uint16
	CursorY   uint16
	Grayscale bool
	Screen    protocol.Grid
	Colors    protocol.Grid
	Pixels    protocol.Grid
	Palette   []protocol.RGB
	Title     string
}

// Window is one terminal or monitor surface.
type Window struct {
	ID          uint8
	IsMonitor   bool
	ComputerID  int // valid when HasComputer
	HasComputer bool
	Open        bool
	Term        Term
}

// New returns an empty, closed window.
func New(id uint8) *Window {
	return &Window{ID: id}
}

// DisplayTitle is the title a UI should show.
func (w *Window) DisplayTitle() string {
	if w.Term.Title == "" {
		return DefaultTitle
	}
	return w.Term.Title
}

// Clone returns a copy safe to hand to another goroutine.
func (w *Window) Clone() *Window {
	c := *w
	return &c
}

// ApplyContents merges a screen snapshot. It reports whether the window's
// classification or display title changed, which contents never do.
func (w *Window) ApplyContents(p *protocol.TerminalContents) bool {
	w.Term.Mode = p.Mode
	w.Term.Blink = p.Blink
	w.Term.Width = p.Width
	w.Term.Height = p.Height
	w.Term.CursorX = p.CursorX
	w.Term.CursorY = p.CursorY
	w.Term.Grayscale = p.Grayscale
	w.Term.Screen = p.Screen
	w.Term.Colors = p.Colors
	w.Term.Pixels = p.Pixels
	w.Term.Palette = p.Palette
	return false
}

// ApplyChange merges a TerminalChange update and reclassifies the window.
// It reports whether IsMonitor or the display title changed.
func (w *Window) ApplyChange(p *protocol.TerminalChange) bool {
	prevMonitor, prevTitle := w.IsMonitor, w.DisplayTitle()

	w.IsMonitor = strings.Contains(p.Title, "Monitor")
	if !w.IsMonitor {
		if m := computerTitle.FindStringSubmatch(p.Title); m != nil {
			if id, err := strconv.Atoi(m[1]); err == nil {
				w.ComputerID, w.HasComputer = id, true
			}
		}
	}
	if p.ID > 0 {
		w.ComputerID, w.HasComputer = int(p.ID)-1, true
		w.IsMonitor = false
	}

	w.Term.Width = p.Width
	w.Term.Height = p.Height
	w.Term.Title = p.Title

	return prevMonitor != w.IsMonitor || prevTitle != w.DisplayTitle()
}
