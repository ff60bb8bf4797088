package sim

import "github.com/hyyking/kernel/kernel/irq"

// I/O ports decoded by the machine.
const (
	masterCommandPort = uint16(0x20)
	masterDataPort    = uint16(0x21)
	slaveCommandPort  = uint16(0xa0)
	slaveDataPort     = uint16(0xa1)
	waitPort          = uint16(0x80)

	pitChannel0Port = uint16(0x40)
	pitCommandPort  = uint16(0x43)

	keyboardDataPort = uint16(0x60)
)

const (
	icw1Flag     = uint8(0x10)
	icw1NeedICW4 = uint8(0x01)
	icw1Single   = uint8(0x02)

	ocw3Flag    = uint8(0x08)
	ocw3Mask    = uint8(0x18)
	ocw3ReadReg = uint8(0x02)
	ocw3ISR     = uint8(0x01)

	ocw2EOI = uint8(0x20)

	cascadeLine = 2
)

// initialization word the controller expects next on its data port
const (
	initDone = iota
	initICW2
	initICW3
	initICW4
)

// controller models the registers of a single 8259A.
type controller struct {
	irr uint8 // interrupt request register
	isr uint8 // in-service register
	imr uint8 // interrupt mask register

	base     uint8
	initStep int
	needICW4 bool
	single   bool
	readISR  bool
	eoiCount uint64
}

func (c *controller) writeCommand(val uint8) {
	switch {
	case val&icw1Flag != 0:
		c.initStep = initICW2
		c.needICW4 = val&icw1NeedICW4 != 0
		c.single = val&icw1Single != 0
		c.imr = 0
		c.readISR = false
	case val&ocw3Mask == ocw3Flag:
		if val&ocw3ReadReg != 0 {
			c.readISR = val&ocw3ISR != 0
		}
	case val&ocw2EOI != 0:
		// Non-specific EOI clears the highest priority in-service bit.
		if c.isr != 0 {
			c.isr &= c.isr - 1
		}
		c.eoiCount++
	}
}

func (c *controller) readCommand() uint8 {
	if c.readISR {
		return c.isr
	}
	return c.irr
}

func (c *controller) writeData(val uint8) {
	switch c.initStep {
	case initICW2:
		c.base = val &^ 7
		switch {
		case !c.single:
			c.initStep = initICW3
		case c.needICW4:
			c.initStep = initICW4
		default:
			c.initStep = initDone
		}
	case initICW3:
		if c.needICW4 {
			c.initStep = initICW4
		} else {
			c.initStep = initDone
		}
	case initICW4:
		c.initStep = initDone
	default:
		c.imr = val
	}
}

// pending returns the highest priority line that is requested, unmasked and
// not blocked by a line of equal or higher priority already in service.
func (c *controller) pending() (uint8, bool) {
	if c.initStep != initDone {
		return 0, false
	}

	for line := uint8(0); line < 8; line++ {
		bit := uint8(1) << line
		if c.isr&bit != 0 {
			return 0, false
		}
		if c.irr&bit != 0 && c.imr&bit == 0 {
			return line, true
		}
	}
	return 0, false
}

func (c *controller) acknowledge(line uint8) {
	bit := uint8(1) << line
	c.irr &^= bit
	c.isr |= bit
}

// Bus decodes the port I/O of the cascaded interrupt controller pair,
// channel 0 of the interval timer and the data port of the keyboard
// controller. It implements irq.PortIO.
type Bus struct {
	master, slave controller

	pitDivisor  uint16
	pitLowByte  bool
	pitReloaded uint64

	// scancodes waiting to be read from the keyboard data port
	scancodes []uint8
}

var _ irq.PortIO = (*Bus)(nil)

// WriteByte implements irq.PortIO.
func (b *Bus) WriteByte(port uint16, val uint8) {
	switch port {
	case masterCommandPort:
		b.master.writeCommand(val)
	case masterDataPort:
		b.master.writeData(val)
	case slaveCommandPort:
		b.slave.writeCommand(val)
	case slaveDataPort:
		b.slave.writeData(val)
	case waitPort:
		// POST diagnostics port; writes only give the controllers time.
	case pitCommandPort:
		// Only lobyte/hibyte access is decoded.
		b.pitLowByte = true
	case pitChannel0Port:
		if b.pitLowByte {
			b.pitDivisor = uint16(val)
			b.pitLowByte = false
			return
		}
		b.pitDivisor |= uint16(val) << 8
		b.pitReloaded++
	}
}

// ReadByte implements irq.PortIO.
func (b *Bus) ReadByte(port uint16) uint8 {
	switch port {
	case masterCommandPort:
		return b.master.readCommand()
	case masterDataPort:
		return b.master.imr
	case slaveCommandPort:
		return b.slave.readCommand()
	case slaveDataPort:
		return b.slave.imr
	case keyboardDataPort:
		return b.readScancode()
	}
	return 0xff
}

// PressKey queues a scancode in the keyboard controller and raises the
// keyboard line.
func (b *Bus) PressKey(code uint8) {
	b.scancodes = append(b.scancodes, code)
	b.Raise(irq.KeyboardLine)
}

// readScancode pops the oldest scancode, or returns zero when none is
// queued. The line is raised again while scancodes remain.
func (b *Bus) readScancode() uint8 {
	if len(b.scancodes) == 0 {
		return 0
	}

	code := b.scancodes[0]
	b.scancodes = b.scancodes[1:]
	if len(b.scancodes) > 0 {
		b.Raise(irq.KeyboardLine)
	}
	return code
}

// Raise asserts an IRQ line. Slave lines are forwarded to the master
// through the cascade line.
func (b *Bus) Raise(line uint8) {
	switch {
	case line < 8:
		b.master.irr |= 1 << line
	case line < irq.LineCount:
		b.slave.irr |= 1 << (line - 8)
		b.master.irr |= 1 << cascadeLine
	}
}

// Acknowledge performs the interrupt acknowledge cycle of the CPU and
// returns the vector of the highest priority pending line.
func (b *Bus) Acknowledge() (uint8, bool) {
	line, ok := b.master.pending()
	if !ok {
		return 0, false
	}

	if line != cascadeLine || b.master.single {
		b.master.acknowledge(line)
		return b.master.base + line, true
	}

	slaveLine, ok := b.slave.pending()
	if !ok {
		// The slave dropped its request; the master reports a spurious
		// IRQ 7 without setting it in service.
		b.master.irr &^= 1 << cascadeLine
		return b.master.base + 7, true
	}

	b.slave.acknowledge(slaveLine)
	if b.slave.irr == 0 {
		b.master.irr &^= 1 << cascadeLine
	}
	b.master.isr |= 1 << cascadeLine
	return b.slave.base + slaveLine, true
}

// Spurious returns the vector the controller raises for a spurious
// interrupt on line 7 (or 15 for the slave). The line is not set in service.
func (b *Bus) Spurious(slave bool) uint8 {
	if slave {
		b.master.isr |= 1 << cascadeLine
		return b.slave.base + 7
	}
	return b.master.base + 7
}

// Masks returns the interrupt mask registers of the master and the slave.
func (b *Bus) Masks() (master, slave uint8) {
	return b.master.imr, b.slave.imr
}

// InService returns the in-service registers of the master and the slave.
func (b *Bus) InService() (master, slave uint8) {
	return b.master.isr, b.slave.isr
}

// Bases returns the first vector of the master and the slave.
func (b *Bus) Bases() (master, slave uint8) {
	return b.master.base, b.slave.base
}

// EOICount returns the number of EOI commands received by the master.
func (b *Bus) EOICount() uint64 {
	return b.master.eoiCount
}

// TimerHz returns the frequency channel 0 of the timer was programmed with.
func (b *Bus) TimerHz() uint32 {
	if b.pitReloaded == 0 || b.pitDivisor == 0 {
		return 0
	}
	return irq.PITBaseFrequency / uint32(b.pitDivisor)
}
