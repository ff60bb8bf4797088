package irq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyyking/kernel/kernel/gate"
)

type portWrite struct {
	port uint16
	val  uint8
}

// fakePorts records port writes. Data port reads return the last value
// written to them and command port reads return the ISR after an OCW3
// read request.
type fakePorts struct {
	writes []portWrite
	data   map[uint16]uint8
	isr    [2]uint8
}

func newFakePorts() *fakePorts {
	return &fakePorts{data: map[uint16]uint8{masterDataPort: 0xff, slaveDataPort: 0xff}}
}

func (f *fakePorts) WriteByte(port uint16, val uint8) {
	f.writes = append(f.writes, portWrite{port, val})
	if port == masterDataPort || port == slaveDataPort {
		f.data[port] = val
	}
}

func (f *fakePorts) ReadByte(port uint16) uint8 {
	switch port {
	case masterCommandPort:
		return f.isr[0]
	case slaveCommandPort:
		return f.isr[1]
	}
	return f.data[port]
}

func (f *fakePorts) reset() {
	f.writes = f.writes[:0]
}

func TestPICRemap(t *testing.T) {
	ports := newFakePorts()
	ports.data[masterDataPort] = 0xfb
	ports.data[slaveDataPort] = 0xfe

	pic := NewPIC(ports)
	require.Nil(t, pic.Remap(0x20, 0x28))

	exp := []portWrite{
		{0x20, 0x11}, {0x80, 0},
		{0xa0, 0x11}, {0x80, 0},
		{0x21, 0x20}, {0x80, 0},
		{0xa1, 0x28}, {0x80, 0},
		{0x21, 0x04}, {0x80, 0},
		{0xa1, 0x02}, {0x80, 0},
		{0x21, 0x01}, {0x80, 0},
		{0xa1, 0x01}, {0x80, 0},
		{0x21, 0xfb},
		{0xa1, 0xfe},
	}
	assert.Equal(t, exp, ports.writes)

	t.Run("vector mapping", func(t *testing.T) {
		assert.Equal(t, gate.InterruptNumber(32), pic.Vector(TimerLine))
		assert.Equal(t, gate.InterruptNumber(47), pic.Vector(15))

		line, ok := pic.Line(33)
		assert.True(t, ok)
		assert.Equal(t, KeyboardLine, line)

		line, ok = pic.Line(0x2c)
		assert.True(t, ok)
		assert.Equal(t, uint8(12), line)

		assert.False(t, pic.HandlesVector(gate.PageFaultException))
		assert.False(t, pic.HandlesVector(48))
		assert.False(t, pic.HandlesVector(YieldVector))
	})

	t.Run("invalid offsets", func(t *testing.T) {
		for _, offsets := range [][2]uint8{{0x08, 0x70}, {0x20, 0x29}, {0x20, 0xfc}} {
			ports.reset()
			assert.Equal(t, errInvalidOffset, pic.Remap(offsets[0], offsets[1]), "offsets %v", offsets)
			assert.Empty(t, ports.writes)
		}
	})

	t.Run("overlapping offsets", func(t *testing.T) {
		ports.reset()
		assert.Equal(t, errOffsetOverlap, pic.Remap(0x20, 0x20))
		assert.Empty(t, ports.writes)
	})

	t.Run("last vector block", func(t *testing.T) {
		require.Nil(t, pic.Remap(0x20, 0xf8))
		line, ok := pic.Line(0xff)
		assert.True(t, ok)
		assert.Equal(t, uint8(15), line)
	})
}

func TestPICSetMask(t *testing.T) {
	ports := newFakePorts()
	pic := NewPIC(ports)

	require.Nil(t, pic.SetMask(TimerLine, true))
	assert.Equal(t, uint8(0xfe), ports.data[masterDataPort])
	assert.False(t, pic.Masked(TimerLine))
	assert.True(t, pic.Masked(KeyboardLine))

	require.Nil(t, pic.SetMask(12, true))
	assert.Equal(t, uint8(0xef), ports.data[slaveDataPort])
	assert.Equal(t, uint8(0xfa), ports.data[masterDataPort], "expected cascade line to be unmasked")
	assert.False(t, pic.Masked(12))

	require.Nil(t, pic.SetMask(TimerLine, false))
	assert.Equal(t, uint8(0xfb), ports.data[masterDataPort])
	assert.True(t, pic.Masked(TimerLine))

	assert.Equal(t, errInvalidLine, pic.SetMask(16, true))
	assert.True(t, pic.Masked(16))

	pic.MaskAll()
	assert.Equal(t, uint8(0xff), ports.data[masterDataPort])
	assert.Equal(t, uint8(0xff), ports.data[slaveDataPort])
}

func TestPICEOI(t *testing.T) {
	ports := newFakePorts()
	pic := NewPIC(ports)

	pic.EOI(3)
	assert.Equal(t, []portWrite{{0x20, 0x20}}, ports.writes)

	ports.reset()
	pic.EOI(12)
	assert.Equal(t, []portWrite{{0xa0, 0x20}, {0x20, 0x20}}, ports.writes)
}

func TestPICInService(t *testing.T) {
	ports := newFakePorts()
	pic := NewPIC(ports)
	ports.isr = [2]uint8{1 << 7, 1 << 1}

	assert.True(t, pic.InService(7))
	assert.False(t, pic.InService(6))
	assert.True(t, pic.InService(9))
	assert.False(t, pic.InService(15))
	assert.False(t, pic.InService(16))
	assert.Contains(t, ports.writes, portWrite{0x20, 0x0b})
	assert.Contains(t, ports.writes, portWrite{0xa0, 0x0b})
}

func TestPITSetFrequency(t *testing.T) {
	ports := newFakePorts()
	pit := NewPIT(ports)

	require.Nil(t, pit.SetFrequency(100))
	// 1193182 / 100 = 11931 = 0x2e9b
	assert.Equal(t, []portWrite{{0x43, 0x36}, {0x40, 0x9b}, {0x40, 0x2e}}, ports.writes)

	for _, hz := range []uint32{0, 18, PITBaseFrequency + 1} {
		ports.reset()
		assert.Equal(t, errInvalidFrequency, pit.SetFrequency(hz), "hz %d", hz)
		assert.Empty(t, ports.writes)
	}
}
