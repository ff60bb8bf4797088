// Package gate installs the interrupt descriptor table and funnels every
// interrupt, exception and trap into a single Go callback.
package gate

import (
	"unsafe"

	"github.com/hyyking/kernel/kernel"
	"github.com/hyyking/kernel/kernel/cpu"
)

const (
	// KernelCodeSelector is the GDT selector of the 64-bit kernel code
	// segment set up by the boot trampoline.
	KernelCodeSelector = 0x08

	// KernelDataSelector is the GDT selector of the kernel data segment.
	KernelDataSelector = 0x10

	gateTypeInterrupt = 0xe
	gatePresent       = 1 << 7
	gateEntrySize     = 16
	vectorCount       = 256
)

// idtEntry is a long mode gate descriptor.
type idtEntry [gateEntrySize]byte

var (
	idt [vectorCount]idtEntry

	// idtDescriptor holds the 16-bit limit followed by the 64-bit base
	// that LIDT expects.
	idtDescriptor [10]byte

	handlerFn func(*Registers)

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	loadIDTFn   = cpu.LoadIDT
	entryAddrFn = gateEntryAddr

	errNoHandler = &kernel.Error{Module: "gate", Message: "interrupt raised before a handler was registered"}
)

// Init loads the GDT and task state segment, points every IDT gate at its
// entry stub and loads the table. The gates are interrupt gates so the CPU
// clears RFLAGS.IF on entry. Double faults run on a dedicated stack.
func Init() {
	initTaskState()

	for vector := range idt {
		var ist uint8
		if InterruptNumber(vector) == DoubleFault {
			ist = doubleFaultIST
		}
		encodeGate(&idt[vector], entryAddrFn(uint8(vector)), KernelCodeSelector, ist, 0)
	}

	encodeTableRegister(&idtDescriptor, uintptr(unsafe.Pointer(&idt)), uint16(len(idt)*gateEntrySize-1))
	loadIDTFn(uintptr(unsafe.Pointer(&idtDescriptor)))
}

// HandleInterrupts registers fn as the target for every vector.
func HandleInterrupts(fn func(*Registers)) {
	handlerFn = fn
}

// encodeGate fills e with a present interrupt gate descriptor.
func encodeGate(e *idtEntry, handler uintptr, selector uint16, ist, dpl uint8) {
	e[0], e[1] = byte(handler), byte(handler>>8)
	e[2], e[3] = byte(selector), byte(selector>>8)
	e[4] = ist & 0x7
	e[5] = gatePresent | (dpl&0x3)<<5 | gateTypeInterrupt
	e[6], e[7] = byte(handler>>16), byte(handler>>24)
	e[8], e[9], e[10], e[11] = byte(handler>>32), byte(handler>>40), byte(handler>>48), byte(handler>>56)
	e[12], e[13], e[14], e[15] = 0, 0, 0, 0
}

// offset returns the handler address encoded in e.
func (e *idtEntry) offset() uintptr {
	return uintptr(e[0]) | uintptr(e[1])<<8 | uintptr(e[6])<<16 | uintptr(e[7])<<24 |
		uintptr(e[8])<<32 | uintptr(e[9])<<40 | uintptr(e[10])<<48 | uintptr(e[11])<<56
}

// dispatchInterrupt is invoked by the common gate entry path with a pointer
// to the register snapshot of the interrupted context.
func dispatchInterrupt(regs *Registers) {
	if fn := handlerFn; fn != nil {
		fn(regs)
		return
	}

	panic(errNoHandler)
}

// gateEntryAddr returns the address of the entry stub for vector.
func gateEntryAddr(vector uint8) uintptr
