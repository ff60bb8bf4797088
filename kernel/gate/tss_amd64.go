package gate

import (
	"unsafe"

	"github.com/hyyking/kernel/kernel/cpu"
)

const (
	// TaskStateSelector is the GDT selector of the task state segment.
	TaskStateSelector = 0x18

	// doubleFaultIST is the interrupt stack table slot that the double
	// fault gate switches to. A double fault caused by a kernel stack
	// overflow can then still be reported.
	doubleFaultIST       = 1
	doubleFaultStackSize = 8 * 4096

	// long mode flat segments with the selectors used by the boot
	// trampoline, so the loaded segment registers stay valid
	kernelCodeDescriptor = uint64(0x00af9a000000ffff)
	kernelDataDescriptor = uint64(0x00cf92000000ffff)

	tssSize          = 104
	tssISTOffset     = 36
	tssIOMapOffset   = 102
	tssTypeAvailable = 0x89 // present, 64-bit TSS (available)
)

// taskState is the 64-bit task state segment. It is stored as raw bytes
// because the CPU layout leaves its 64-bit fields unaligned.
type taskState [tssSize]byte

var (
	gdt           [5]uint64
	gdtDescriptor [10]byte
	tss           taskState

	doubleFaultStack [doubleFaultStackSize]byte

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	loadGDTFn          = cpu.LoadGDT
	loadTaskRegisterFn = cpu.LoadTaskRegister
)

// setIST stores the stack pointer loaded when a gate with the given IST
// index (1-7) is taken.
func (t *taskState) setIST(index int, rsp uintptr) {
	putUint64(t[tssISTOffset+(index-1)*8:], uint64(rsp))
}

// ist returns the stack pointer stored for IST index (1-7).
func (t *taskState) ist(index int) uintptr {
	off := tssISTOffset + (index-1)*8
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(t[off+i])
	}
	return uintptr(v)
}

// initTaskState loads a GDT with a TSS whose first IST entry points at the
// double fault stack and loads the task register.
func initTaskState() {
	tss = taskState{}
	tss.setIST(doubleFaultIST, stackTop(doubleFaultStack[:]))

	// an I/O map base past the segment limit disables the permission bitmap
	tss[tssIOMapOffset], tss[tssIOMapOffset+1] = byte(tssSize), 0

	gdt[0] = 0
	gdt[1] = kernelCodeDescriptor
	gdt[2] = kernelDataDescriptor
	gdt[3], gdt[4] = tssDescriptor(uintptr(unsafe.Pointer(&tss)), tssSize-1)

	encodeTableRegister(&gdtDescriptor, uintptr(unsafe.Pointer(&gdt)), uint16(len(gdt)*8-1))
	loadGDTFn(uintptr(unsafe.Pointer(&gdtDescriptor)))
	loadTaskRegisterFn(TaskStateSelector)
}

// tssDescriptor returns the two GDT slots of a system descriptor for the
// TSS at base.
func tssDescriptor(base uintptr, limit uint32) (low, high uint64) {
	b := uint64(base)
	low = uint64(limit&0xffff) |
		(b&0xffffff)<<16 |
		uint64(tssTypeAvailable)<<40 |
		uint64((limit>>16)&0xf)<<48 |
		((b>>24)&0xff)<<56
	return low, b >> 32
}

// stackTop returns the 16-byte aligned end of stack.
func stackTop(stack []byte) uintptr {
	end := uintptr(unsafe.Pointer(&stack[0])) + uintptr(len(stack))
	return end &^ 15
}

// encodeTableRegister fills d with the limit and base operand of LGDT and
// LIDT.
func encodeTableRegister(d *[10]byte, base uintptr, limit uint16) {
	d[0], d[1] = byte(limit), byte(limit>>8)
	putUint64(d[2:], uint64(base))
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
