package kmain

import (
	"github.com/hyyking/kernel/kernel"
	"github.com/hyyking/kernel/kernel/boot"
	"github.com/hyyking/kernel/kernel/driver/tty"
	"github.com/hyyking/kernel/kernel/driver/video/console"
)

var (
	errNoTextConsole = &kernel.Error{Module: "kmain", Message: "bootloader did not set up a text mode framebuffer"}

	// The console and terminal back kfmt output before the heap exists.
	egaConsole console.Ega
	vt         tty.Vt
)

// OpenConsole attaches the kernel terminal to the text framebuffer described
// by info and returns it. The framebuffer is accessed through the physical
// memory window.
func OpenConsole(info *boot.Info) (*tty.Vt, *kernel.Error) {
	fb := info.Framebuffer
	if fb == nil || fb.Format != boot.PixelText || fb.BitsPerPixel != 16 || fb.Width == 0 || fb.Height == 0 {
		return nil, errNoTextConsole
	}

	// The text console addresses its cells as a dense grid.
	if fb.Stride != fb.Width*2 || fb.Width > 0xffff || fb.Height > 0xffff {
		return nil, errNoTextConsole
	}

	egaConsole.Init(uint16(fb.Width), uint16(fb.Height), info.PhysWindow.Addr(uintptr(fb.PhysAddr)))
	vt.AttachTo(&egaConsole)
	vt.Clear()
	return &vt, nil
}
