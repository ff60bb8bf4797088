// Package cpu exposes the privileged amd64 instructions used by the kernel.
// None of these functions may be invoked from user-mode; hosted code swaps
// them out through the hooks exposed by the packages that consume them.
package cpu

var (
	cpuidFn = ID

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	enableInterruptsFn      = EnableInterrupts
	disableInterruptsSaveFn = DisableInterruptsSave
)

// YieldVector is the software interrupt raised by RaiseYield.
const YieldVector = 0x81

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// DisableInterruptsSave disables interrupt handling and reports whether
// interrupts were enabled before the call.
func DisableInterruptsSave() bool

// Halt stops instruction execution until the next interrupt arrives.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR2 returns the value stored in the CR2 register.
func ReadCR2() uint64

// LoadIDT loads the IDT register from the 10-byte descriptor located at
// descAddr.
func LoadIDT(descAddr uintptr)

// LoadGDT loads the GDT register from the 10-byte descriptor located at
// descAddr. The segment registers are not reloaded.
func LoadGDT(descAddr uintptr)

// LoadTaskRegister loads the task register with the TSS descriptor that
// selector refers to.
func LoadTaskRegister(selector uint16)

// RaiseYield issues an INT instruction for YieldVector.
func RaiseYield()

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}

// PortWriteByte writes a uint8 value to the requested port.
func PortWriteByte(port uint16, val uint8)

// PortReadByte reads a uint8 value from the requested port.
func PortReadByte(port uint16) uint8

// InterruptFlag drives the RFLAGS.IF bit of the running processor.
type InterruptFlag struct{}

// SaveAndDisable clears RFLAGS.IF and returns its previous state.
func (InterruptFlag) SaveAndDisable() bool {
	return disableInterruptsSaveFn()
}

// Restore re-enables interrupts if enabled is set. A false value leaves
// RFLAGS.IF cleared.
func (InterruptFlag) Restore(enabled bool) {
	if enabled {
		enableInterruptsFn()
	}
}

// Ports performs byte-wide port I/O with the IN and OUT instructions.
type Ports struct{}

// WriteByte writes val to port.
func (Ports) WriteByte(port uint16, val uint8) {
	PortWriteByte(port, val)
}

// ReadByte reads a byte from port.
func (Ports) ReadByte(port uint16) uint8 {
	return PortReadByte(port)
}
