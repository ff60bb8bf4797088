package tty

import (
	"io"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyyking/kernel/kernel/driver/video/console"
)

func newTestVt() (*Vt, []uint16) {
	fb := make([]uint16, 80*25)
	var cons console.Ega
	cons.Init(80, 25, uintptr(unsafe.Pointer(&fb[0])))

	var vt Vt
	vt.AttachTo(&cons)
	return &vt, fb
}

func TestVtPosition(t *testing.T) {
	specs := []struct {
		inX, inY   uint16
		expX, expY uint16
	}{
		{20, 20, 20, 20},
		{100, 20, 79, 20},
		{10, 200, 10, 24},
		{100, 100, 79, 24},
	}

	vt, _ := newTestVt()

	w, h := vt.Dimensions()
	require.Equal(t, uint16(80), w)
	require.Equal(t, uint16(25), h)

	for specIndex, spec := range specs {
		vt.SetPosition(spec.inX, spec.inY)
		x, y := vt.Position()
		assert.Equal(t, spec.expX, x, "spec %d", specIndex)
		assert.Equal(t, spec.expY, y, "spec %d", specIndex)
	}
}

func TestVtWrite(t *testing.T) {
	vt, fb := newTestVt()

	vt.Clear()
	vt.SetPosition(0, 1)
	_, err := vt.Write([]byte("12\n\t3\n4\r567\b8"))
	require.NoError(t, err)

	// Tab spanning rows
	vt.SetPosition(78, 4)
	require.NoError(t, vt.WriteByte('\t'))
	require.NoError(t, vt.WriteByte('9'))

	// Trigger scroll and WriteAtPosition into the new blank line.
	vt.SetPosition(79, 24)
	_, err = vt.Write([]byte{'!'})
	require.NoError(t, err)
	vt.WriteAtPosition(79, 24, console.White, '!')

	specs := []struct {
		x, y    uint16
		expChar byte
	}{
		{0, 0, '1'},
		{1, 0, '2'},
		// tabs
		{0, 1, ' '},
		{1, 1, ' '},
		{2, 1, ' '},
		{3, 1, ' '},
		{4, 1, '3'},
		// tab spanning 2 rows
		{78, 3, ' '},
		{79, 3, ' '},
		{0, 4, ' '},
		{1, 4, ' '},
		{2, 4, '9'},
		{0, 2, '5'},
		{1, 2, '6'},
		{2, 2, '8'}, // overwritten by BS
		{79, 23, '!'},
		{79, 24, '!'},
	}

	for specIndex, spec := range specs {
		ch := byte(fb[spec.y*80+spec.x] & 0xff)
		assert.Equal(t, string(spec.expChar), string(ch), "spec %d: cell (%d, %d)", specIndex, spec.x, spec.y)
	}

	assert.Equal(t, uint16(console.White)<<8|'!', fb[24*80+79])
}

func TestVtColors(t *testing.T) {
	vt, fb := newTestVt()

	vt.SetColors(console.LightRed, console.Blue)
	require.NoError(t, vt.WriteByte('e'))
	assert.Equal(t, uint16(console.MakeAttr(console.LightRed, console.Blue))<<8|'e', fb[0])
}

func TestVtDetached(t *testing.T) {
	var vt Vt

	n, err := vt.Write([]byte("lost"))
	assert.Zero(t, n)
	assert.Equal(t, io.ErrClosedPipe, err)
	assert.Equal(t, io.ErrClosedPipe, vt.WriteByte('x'))

	// no console to draw on
	vt.Clear()
	vt.WriteAtPosition(0, 0, console.White, '!')
}
