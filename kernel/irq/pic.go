package irq

import (
	"github.com/hyyking/kernel/kernel"
	"github.com/hyyking/kernel/kernel/gate"
	"github.com/hyyking/kernel/kernel/sync"
)

// I/O ports of the two cascaded 8259A controllers.
const (
	masterCommandPort = uint16(0x20)
	masterDataPort    = uint16(0x21)
	slaveCommandPort  = uint16(0xa0)
	slaveDataPort     = uint16(0xa1)

	// waitPort is an unused port (POST diagnostics) that is written to
	// give the controllers time to settle between commands.
	waitPort = uint16(0x80)
)

// Controller commands.
const (
	icw1Init = uint8(0x11) // edge triggered, cascade mode, ICW4 follows
	icw4Mode = uint8(0x01) // 8086/88 mode

	// the slave controller is cascaded on IRQ line 2 of the master
	icw3MasterHasSlave = uint8(1 << cascadeLine)
	icw3SlaveIdentity  = uint8(cascadeLine)

	ocw3ReadISR = uint8(0x0b)
	cmdEOI      = uint8(0x20)
)

const (
	// LineCount is the number of IRQ lines served by the controller pair.
	LineCount = 16

	cascadeLine = 2

	defaultMasterOffset = 0x08
	defaultSlaveOffset  = 0x70
)

var (
	errInvalidLine   = &kernel.Error{Module: "irq", Message: "invalid IRQ line"}
	errInvalidOffset = &kernel.Error{Module: "irq", Message: "controller vector offsets must be 8-aligned and above the exception range"}
	errOffsetOverlap = &kernel.Error{Module: "irq", Message: "controller vector ranges overlap"}
)

// PortIO performs byte-wide port I/O.
type PortIO interface {
	WriteByte(port uint16, val uint8)
	ReadByte(port uint16) uint8
}

// PIC drives the legacy pair of cascaded 8259A programmable interrupt
// controllers. Lines 0-7 belong to the master and lines 8-15 to the slave.
type PIC struct {
	lock sync.IRQLock
	io   PortIO

	masterOffset, slaveOffset uint8
}

// NewPIC returns a PIC that issues port I/O through io. Until Remap is
// called the controllers are assumed to use the vector offsets programmed
// by the BIOS.
func NewPIC(io PortIO) *PIC {
	return &PIC{
		io:           io,
		masterOffset: defaultMasterOffset,
		slaveOffset:  defaultSlaveOffset,
	}
}

// Remap reprograms both controllers so that the master raises vectors
// masterOffset..masterOffset+7 and the slave slaveOffset..slaveOffset+7.
// The line masks are preserved.
func (p *PIC) Remap(masterOffset, slaveOffset uint8) *kernel.Error {
	for _, offset := range []uint8{masterOffset, slaveOffset} {
		if offset%8 != 0 || offset < gate.ExceptionCount || offset > 0xf8 {
			return errInvalidOffset
		}
	}

	// Both offsets are 8-aligned so the ranges overlap only when equal.
	if masterOffset == slaveOffset {
		return errOffsetOverlap
	}

	p.lock.Acquire()
	defer p.lock.Release()

	masterMask := p.io.ReadByte(masterDataPort)
	slaveMask := p.io.ReadByte(slaveDataPort)

	p.write(masterCommandPort, icw1Init)
	p.write(slaveCommandPort, icw1Init)
	p.write(masterDataPort, masterOffset)
	p.write(slaveDataPort, slaveOffset)
	p.write(masterDataPort, icw3MasterHasSlave)
	p.write(slaveDataPort, icw3SlaveIdentity)
	p.write(masterDataPort, icw4Mode)
	p.write(slaveDataPort, icw4Mode)

	p.io.WriteByte(masterDataPort, masterMask)
	p.io.WriteByte(slaveDataPort, slaveMask)

	p.masterOffset, p.slaveOffset = masterOffset, slaveOffset
	return nil
}

// SetMask masks the line when enabled is false and unmasks it otherwise.
// Unmasking a slave line also unmasks the cascade line on the master.
func (p *PIC) SetMask(line uint8, enabled bool) *kernel.Error {
	if line >= LineCount {
		return errInvalidLine
	}

	p.lock.Acquire()
	p.setMask(line, enabled)
	if line >= 8 && enabled {
		p.setMask(cascadeLine, true)
	}
	p.lock.Release()
	return nil
}

// MaskAll masks every line on both controllers.
func (p *PIC) MaskAll() {
	p.lock.Acquire()
	p.io.WriteByte(masterDataPort, 0xff)
	p.io.WriteByte(slaveDataPort, 0xff)
	p.lock.Release()
}

// Masked returns true if the line is masked.
func (p *PIC) Masked(line uint8) bool {
	if line >= LineCount {
		return true
	}

	port, bit := dataPort(line)
	return p.io.ReadByte(port)&bit != 0
}

// EOI signals the end of interrupt processing for line. Lines served by the
// slave need an EOI on both controllers.
func (p *PIC) EOI(line uint8) {
	if line >= 8 {
		p.io.WriteByte(slaveCommandPort, cmdEOI)
	}
	p.io.WriteByte(masterCommandPort, cmdEOI)
}

// InService returns true if the controller is currently servicing line.
func (p *PIC) InService(line uint8) bool {
	if line >= LineCount {
		return false
	}

	port, bit := masterCommandPort, uint8(1)<<line
	if line >= 8 {
		port, bit = slaveCommandPort, uint8(1)<<(line-8)
	}

	p.io.WriteByte(port, ocw3ReadISR)
	return p.io.ReadByte(port)&bit != 0
}

// HandlesVector returns true if vector is raised by one of the controllers.
func (p *PIC) HandlesVector(vector gate.InterruptNumber) bool {
	_, ok := p.Line(vector)
	return ok
}

// Line returns the IRQ line that raises vector.
func (p *PIC) Line(vector gate.InterruptNumber) (uint8, bool) {
	switch v := uint8(vector); {
	case v >= p.masterOffset && v-p.masterOffset < 8:
		return v - p.masterOffset, true
	case v >= p.slaveOffset && v-p.slaveOffset < 8:
		return v - p.slaveOffset + 8, true
	}
	return 0, false
}

// Vector returns the vector raised by line.
func (p *PIC) Vector(line uint8) gate.InterruptNumber {
	if line >= 8 {
		return gate.InterruptNumber(p.slaveOffset + line - 8)
	}
	return gate.InterruptNumber(p.masterOffset + line)
}

// spurious returns true if an interrupt on line 7 or 15 was raised without
// the line being in service. A spurious interrupt from the slave still
// needs an EOI on the master as the cascade line was genuinely raised.
func (p *PIC) spurious(line uint8) bool {
	if line != 7 && line != 15 {
		return false
	}

	if p.InService(line) {
		return false
	}

	if line == 15 {
		p.io.WriteByte(masterCommandPort, cmdEOI)
	}
	return true
}

func (p *PIC) setMask(line uint8, enabled bool) {
	port, bit := dataPort(line)
	mask := p.io.ReadByte(port)
	if enabled {
		mask &^= bit
	} else {
		mask |= bit
	}
	p.io.WriteByte(port, mask)
}

func (p *PIC) write(port uint16, val uint8) {
	p.io.WriteByte(port, val)
	p.io.WriteByte(waitPort, 0)
}

func dataPort(line uint8) (uint16, uint8) {
	if line >= 8 {
		return slaveDataPort, uint8(1) << (line - 8)
	}
	return masterDataPort, uint8(1) << line
}
