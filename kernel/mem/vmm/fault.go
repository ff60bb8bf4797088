package vmm

import (
	"github.com/hyyking/kernel/kernel"
	"github.com/hyyking/kernel/kernel/cpu"
	"github.com/hyyking/kernel/kernel/gate"
	"github.com/hyyking/kernel/kernel/irq"
	"github.com/hyyking/kernel/kernel/kfmt"
	"github.com/hyyking/kernel/kernel/mem/pmm"
)

// Page fault error code bits.
const (
	faultProtection  = 1 << 0
	faultWrite       = 1 << 1
	faultUser        = 1 << 2
	faultReservedBit = 1 << 3
	faultFetch       = 1 << 4
)

var (
	// readCR2Fn is mocked by tests and is automatically inlined by the
	// compiler.
	readCR2Fn = cpu.ReadCR2

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/gpf fault"}
)

// InstallFaultHandlers registers the page fault and general protection
// fault handlers with d. The page fault handler reports the page table walk
// for the faulting address through m.
func (m *Mapper) InstallFaultHandlers(d *irq.Dispatcher) *kernel.Error {
	if err := d.Install(gate.PageFaultException, m.pageFaultHandler); err != nil {
		return err
	}
	return d.Install(gate.GPFException, generalProtectionFaultHandler)
}

// pageFaultHandler is invoked when a PDT or PDT-entry is not present or when a
// RW protection check fails.
func (m *Mapper) pageFaultHandler(regs *gate.Registers) {
	faultAddress := uintptr(readCR2Fn())

	kfmt.Printf("\nPage fault while accessing address: 0x%16x\nReason: ", faultAddress)
	printFaultReason(regs.ErrorCode)

	kfmt.Printf("\n\nPage table walk:\n")
	m.PrintTrace(faultAddress)

	kfmt.Printf("\nRegisters:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	// TODO: deliver the fault to the owning task once user-mode tasks exist.
	panic(errUnrecoverableFault)
}

// generalProtectionFaultHandler is invoked for various reasons:
// - segment errors (privilege, type or limit violations)
// - executing privileged instructions outside ring-0
// - attempts to access reserved or unimplemented CPU registers
func generalProtectionFaultHandler(regs *gate.Registers) {
	kfmt.Printf("\nGeneral protection fault (selector: 0x%x)\n", regs.ErrorCode)
	kfmt.Printf("Registers:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panic(errUnrecoverableFault)
}

func printFaultReason(errorCode uint64) {
	switch errorCode & (faultProtection | faultWrite) {
	case 0:
		kfmt.Printf("read from non-present page")
	case faultProtection:
		kfmt.Printf("page protection violation (read)")
	case faultWrite:
		kfmt.Printf("write to non-present page")
	default:
		kfmt.Printf("page protection violation (write)")
	}

	if errorCode&faultUser != 0 {
		kfmt.Printf(", page-fault in user-mode")
	}
	if errorCode&faultReservedBit != 0 {
		kfmt.Printf(", page table has reserved bit set")
	}
	if errorCode&faultFetch != 0 {
		kfmt.Printf(", instruction fetch")
	}
}

// PrintTrace prints the page table walk for virtAddr.
func (m *Mapper) PrintTrace(virtAddr uintptr) {
	m.Trace(virtAddr, printTraceEntry)
}

func printTraceEntry(level uint8, index uintptr, frame pmm.Frame, flags PageTableEntryFlag) {
	if flags&FlagPresent == 0 {
		kfmt.Printf("  P%d[%3d]: not present\n", pageLevels-level, index)
		return
	}
	kfmt.Printf("  P%d[%3d]: frame 0x%x, flags 0x%x\n", pageLevels-level, index, uint64(frame), uint64(flags))
}
