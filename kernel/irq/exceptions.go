package irq

import (
	"github.com/hyyking/kernel/kernel/gate"
	"github.com/hyyking/kernel/kernel/kfmt"
)

var exceptionNames = [gate.ExceptionCount]string{
	"divide error",
	"debug",
	"non-maskable interrupt",
	"breakpoint",
	"overflow",
	"bound range exceeded",
	"invalid opcode",
	"device not available",
	"double fault",
	"coprocessor segment overrun",
	"invalid TSS",
	"segment not present",
	"stack-segment fault",
	"general protection fault",
	"page fault",
	"reserved",
	"x87 floating-point exception",
	"alignment check",
	"machine check",
	"SIMD floating-point exception",
	"virtualization exception",
	"control protection exception",
	"reserved",
	"reserved",
	"reserved",
	"reserved",
	"reserved",
	"reserved",
	"hypervisor injection exception",
	"VMM communication exception",
	"security exception",
	"reserved",
}

// VectorName returns a human readable description of vector.
func VectorName(vector gate.InterruptNumber) string {
	if vector.IsException() {
		return exceptionNames[vector]
	}
	if vector == YieldVector {
		return "yield"
	}
	return "external interrupt"
}

// LogBreakpoint handles the trap raised by INT3. Execution resumes after the
// breakpoint instruction.
func LogBreakpoint(regs *gate.Registers) {
	kfmt.Logf(kfmt.LevelWarn, "irq", "breakpoint at 0x%x", regs.RIP)
}
