// Package irq routes interrupts to their handlers and drives the legacy
// interrupt controller and timer.
//
// Handlers run with interrupts disabled on the stack of the interrupted
// context. They must not block, allocate from the kernel heap or take locks
// that the interrupted code might hold; the scheduler is only ever entered
// through its tick and reschedule paths.
package irq

import (
	"github.com/hyyking/kernel/kernel"
	"github.com/hyyking/kernel/kernel/cpu"
	"github.com/hyyking/kernel/kernel/gate"
	"github.com/hyyking/kernel/kernel/kfmt"
	"github.com/hyyking/kernel/kernel/sync"
)

// Well-known IRQ lines and vectors.
const (
	TimerLine    = uint8(0)
	KeyboardLine = uint8(1)

	// YieldVector is the software interrupt used by tasks to give up the
	// processor.
	YieldVector = gate.InterruptNumber(cpu.YieldVector)
)

var (
	// ErrVectorInUse is returned by Install when the vector already has a
	// handler.
	ErrVectorInUse = &kernel.Error{Module: "irq", Message: "a handler is already installed for this vector"}

	errNilHandler            = &kernel.Error{Module: "irq", Message: "nil interrupt handler"}
	errUnhandledInterrupt    = &kernel.Error{Module: "irq", Message: "unhandled interrupt"}
	errDoubleFault           = &kernel.Error{Module: "irq", Message: "double fault"}
	errVectorNotAnIRQ        = &kernel.Error{Module: "irq", Message: "IRQ line is not routed by the controller"}
	errControllerNotRemapped = &kernel.Error{Module: "irq", Message: "IRQ vectors overlap the exception range"}
)

// Handler processes an interrupt. regs holds the state of the interrupted
// context and is restored when the handler returns.
type Handler func(regs *gate.Registers)

// Dispatcher maps vectors to handlers.
type Dispatcher struct {
	lock     sync.IRQLock
	pic      *PIC
	handlers [256]Handler

	// spurious counts the spurious interrupts raised on lines 7 and 15.
	spurious uint64
}

// NewDispatcher returns a Dispatcher that acknowledges IRQs through pic.
func NewDispatcher(pic *PIC) *Dispatcher {
	return &Dispatcher{pic: pic}
}

// Attach makes d the target of every interrupt gate.
func (d *Dispatcher) Attach() {
	gate.HandleInterrupts(d.Dispatch)
}

// Install registers handler for vector. Vectors raised by the interrupt
// controller are installed as if by InstallIRQ on the matching line; an
// exception vector always refers to the exception.
func (d *Dispatcher) Install(vector gate.InterruptNumber, handler Handler) *kernel.Error {
	if handler == nil {
		return errNilHandler
	}

	if d.pic != nil {
		if line, ok := d.pic.Line(vector); ok && !vector.IsException() {
			return d.InstallIRQ(line, handler)
		}
	}

	return d.install(vector, handler)
}

// InstallIRQ registers handler for an IRQ line and unmasks the line. The
// installed wrapper signals the end of interrupt once handler returns.
func (d *Dispatcher) InstallIRQ(line uint8, handler Handler) *kernel.Error {
	switch {
	case handler == nil:
		return errNilHandler
	case d.pic == nil:
		return errVectorNotAnIRQ
	case line >= LineCount:
		return errInvalidLine
	}

	vector := d.pic.Vector(line)
	if vector.IsException() {
		return errControllerNotRemapped
	}

	pic := d.pic
	if err := d.install(vector, func(regs *gate.Registers) {
		handler(regs)
		pic.EOI(line)
	}); err != nil {
		return err
	}

	return d.pic.SetMask(line, true)
}

// Uninstall removes the handler for vector.
func (d *Dispatcher) Uninstall(vector gate.InterruptNumber) {
	d.lock.Acquire()
	d.handlers[vector] = nil
	d.lock.Release()
}

// Installed returns true if vector has a handler.
func (d *Dispatcher) Installed(vector gate.InterruptNumber) bool {
	return d.handlers[vector] != nil
}

// SpuriousCount returns the number of spurious IRQs that were ignored.
func (d *Dispatcher) SpuriousCount() uint64 {
	return d.spurious
}

// Dispatch invokes the handler for regs.Vector. A double fault or a vector
// without a handler is fatal.
func (d *Dispatcher) Dispatch(regs *gate.Registers) {
	vector := gate.InterruptNumber(regs.Vector)

	if vector == gate.DoubleFault {
		fatal(regs, errDoubleFault)
	}

	if d.pic != nil {
		if line, ok := d.pic.Line(vector); ok && d.pic.spurious(line) {
			d.spurious++
			return
		}
	}

	handler := d.handlers[vector]
	if handler == nil {
		fatal(regs, errUnhandledInterrupt)
	}

	handler(regs)
}

func (d *Dispatcher) install(vector gate.InterruptNumber, handler Handler) *kernel.Error {
	d.lock.Acquire()
	defer d.lock.Release()

	if d.handlers[vector] != nil {
		return ErrVectorInUse
	}

	d.handlers[vector] = handler
	return nil
}

// fatal dumps the interrupted state and halts.
func fatal(regs *gate.Registers, err *kernel.Error) {
	vector := gate.InterruptNumber(regs.Vector)
	kfmt.Printf("\n%s on vector %d (%s), error code 0x%x\n", err.Message, uint8(vector), VectorName(vector), regs.ErrorCode)
	kfmt.Printf("Registers:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panic(err)
}
