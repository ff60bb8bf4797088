package irq

import "github.com/hyyking/kernel/kernel"

const (
	pitChannel0Port = uint16(0x40)
	pitCommandPort  = uint16(0x43)

	// channel 0, lobyte/hibyte access, mode 3 (square wave), binary
	pitChannel0SquareWave = uint8(0x36)

	// PITBaseFrequency is the input clock of the 8253/8254 timer in Hz.
	PITBaseFrequency = 1193182
)

var errInvalidFrequency = &kernel.Error{Module: "irq", Message: "timer frequency is outside of the supported range"}

// PIT programs channel 0 of the 8253/8254 programmable interval timer which
// raises IRQ line 0.
type PIT struct {
	io PortIO
}

// NewPIT returns a PIT that issues port I/O through io.
func NewPIT(io PortIO) *PIT {
	return &PIT{io: io}
}

// SetFrequency configures channel 0 to fire hz times per second. The
// achievable range is 19Hz to PITBaseFrequency.
func (p *PIT) SetFrequency(hz uint32) *kernel.Error {
	if hz == 0 || hz > PITBaseFrequency {
		return errInvalidFrequency
	}

	divisor := PITBaseFrequency / hz
	if divisor > 0xffff {
		return errInvalidFrequency
	}

	p.io.WriteByte(pitCommandPort, pitChannel0SquareWave)
	p.io.WriteByte(pitChannel0Port, uint8(divisor))
	p.io.WriteByte(pitChannel0Port, uint8(divisor>>8))
	return nil
}
