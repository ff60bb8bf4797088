package console

import "unsafe"

const (
	clearColor = Black
	clearChar  = byte(' ')
)

// Ega drives an EGA-compatible text framebuffer. Each cell is a 16-bit word
// holding the character in the low byte and its Attr in the high byte; rows
// are stored back to back without padding.
type Ega struct {
	width  uint16
	height uint16

	cells []uint16
	blank uint16
}

var _ Console = (*Ega)(nil)

// Init sets up the console for a width x height framebuffer whose first cell
// is reachable at fbAddr.
func (cons *Ega) Init(width, height uint16, fbAddr uintptr) {
	cons.width = width
	cons.height = height
	cons.cells = unsafe.Slice((*uint16)(unsafe.Pointer(fbAddr)), int(width)*int(height))
	cons.blank = cell(clearChar, MakeAttr(clearColor, clearColor))
}

// Dimensions returns the console width and height in characters.
func (cons *Ega) Dimensions() (uint16, uint16) {
	return cons.width, cons.height
}

// Clear blanks the cells of the rectangle at (x, y). The parts of the
// rectangle that fall off the screen are ignored.
func (cons *Ega) Clear(x, y, width, height uint16) {
	if x >= cons.width || y >= cons.height {
		return
	}

	width = min(width, cons.width-x)
	height = min(height, cons.height-y)
	for row := y; row < y+height; row++ {
		fill(cons.row(row)[x:x+width], cons.blank)
	}
}

// Scroll moves the screen contents by lines rows in the given direction.
// The rows exposed by the move are blanked. Scrolling by more rows than the
// screen holds is ignored.
func (cons *Ega) Scroll(dir ScrollDir, lines uint16) {
	if lines == 0 || lines > cons.height {
		return
	}

	kept := int(cons.height-lines) * int(cons.width)
	shift := int(lines) * int(cons.width)
	switch dir {
	case Up:
		copy(cons.cells, cons.cells[shift:])
		fill(cons.cells[kept:], cons.blank)
	case Down:
		copy(cons.cells[shift:], cons.cells[:kept])
		fill(cons.cells[:shift], cons.blank)
	}
}

// Write places ch at (x, y). Off-screen coordinates are ignored.
func (cons *Ega) Write(ch byte, attr Attr, x, y uint16) {
	if x >= cons.width || y >= cons.height {
		return
	}

	cons.row(y)[x] = cell(ch, attr)
}

func (cons *Ega) row(y uint16) []uint16 {
	start := int(y) * int(cons.width)
	return cons.cells[start : start+int(cons.width)]
}

func cell(ch byte, attr Attr) uint16 {
	return uint16(attr)<<8 | uint16(ch)
}

func fill(cells []uint16, val uint16) {
	for i := range cells {
		cells[i] = val
	}
}
