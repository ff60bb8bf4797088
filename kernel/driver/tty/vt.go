// Package tty implements terminals on top of text consoles.
package tty

import (
	"io"

	"github.com/hyyking/kernel/kernel/driver/video/console"
	"github.com/hyyking/kernel/kernel/sync"
)

const (
	defaultFg = console.LightGrey
	defaultBg = console.Black

	// TabWidth is the number of spaces a tab expands to.
	TabWidth = 4
)

// Vt implements a simple terminal that can process CR, LF, backspace and
// tab characters. The terminal uses a console device for its output and is
// safe to use from interrupt handlers.
type Vt struct {
	lock sync.IRQLock
	cons console.Console

	width  uint16
	height uint16

	curX    uint16
	curY    uint16
	curAttr console.Attr
}

var (
	_ io.Writer     = (*Vt)(nil)
	_ io.ByteWriter = (*Vt)(nil)
)

// AttachTo connects the terminal to a console and moves the cursor to the
// top-left corner.
func (t *Vt) AttachTo(cons console.Console) {
	t.lock.Acquire()
	defer t.lock.Release()

	t.cons = cons
	t.width, t.height = cons.Dimensions()
	t.curX, t.curY = 0, 0

	// Default to lightgrey on black text.
	t.curAttr = console.MakeAttr(defaultFg, defaultBg)
}

// Dimensions returns the width and height of the terminal in characters.
func (t *Vt) Dimensions() (uint16, uint16) {
	return t.width, t.height
}

// Clear clears the terminal.
func (t *Vt) Clear() {
	t.lock.Acquire()
	defer t.lock.Release()

	if t.cons != nil {
		t.cons.Clear(0, 0, t.width, t.height)
	}
}

// Position returns the current cursor position (x, y).
func (t *Vt) Position() (uint16, uint16) {
	t.lock.Acquire()
	defer t.lock.Release()

	return t.curX, t.curY
}

// SetPosition sets the current cursor position to (x,y). Coordinates outside
// the terminal are clipped.
func (t *Vt) SetPosition(x, y uint16) {
	t.lock.Acquire()
	defer t.lock.Release()

	if x >= t.width {
		x = t.width - 1
	}
	if y >= t.height {
		y = t.height - 1
	}

	t.curX, t.curY = x, y
}

// SetColors changes the attribute used for subsequent writes.
func (t *Vt) SetColors(fg, bg console.Attr) {
	t.lock.Acquire()
	t.curAttr = console.MakeAttr(fg, bg)
	t.lock.Release()
}

// Write implements io.Writer.
func (t *Vt) Write(data []byte) (int, error) {
	t.lock.Acquire()
	defer t.lock.Release()

	if t.cons == nil {
		return 0, io.ErrClosedPipe
	}

	for _, b := range data {
		t.writeByte(b)
	}
	return len(data), nil
}

// WriteByte implements io.ByteWriter.
func (t *Vt) WriteByte(b byte) error {
	t.lock.Acquire()
	defer t.lock.Release()

	if t.cons == nil {
		return io.ErrClosedPipe
	}

	t.writeByte(b)
	return nil
}

// WriteAtPosition places ch at (x, y) without moving the cursor.
func (t *Vt) WriteAtPosition(x, y uint16, attr console.Attr, ch byte) {
	t.lock.Acquire()
	defer t.lock.Release()

	if t.cons != nil {
		t.cons.Write(ch, attr, x, y)
	}
}

func (t *Vt) writeByte(b byte) {
	switch b {
	case '\r':
		t.curX = 0
	case '\n':
		t.curX = 0
		t.lf()
	case '\b':
		if t.curX > 0 {
			t.curX--
			t.cons.Write(' ', t.curAttr, t.curX, t.curY)
		}
	case '\t':
		for i := 0; i < TabWidth; i++ {
			t.put(' ')
		}
	default:
		t.put(b)
	}
}

// put writes b at the cursor and advances it, wrapping at the end of the
// line.
func (t *Vt) put(b byte) {
	t.cons.Write(b, t.curAttr, t.curX, t.curY)
	t.curX++
	if t.curX == t.width {
		t.curX = 0
		t.lf()
	}
}

// lf moves the cursor down one row. On the last row the contents scroll up
// instead and the cursor stays on the fresh blank row.
func (t *Vt) lf() {
	if t.curY+1 < t.height {
		t.curY++
		return
	}

	t.cons.Scroll(console.Up, 1)
}
