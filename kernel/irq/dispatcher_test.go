package irq

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyyking/kernel/kernel/gate"
	"github.com/hyyking/kernel/kernel/kfmt"
)

func newRemappedDispatcher(t *testing.T) (*Dispatcher, *fakePorts) {
	ports := newFakePorts()
	pic := NewPIC(ports)
	require.Nil(t, pic.Remap(0x20, 0x28))
	ports.reset()
	return NewDispatcher(pic), ports
}

func TestDispatcherInstall(t *testing.T) {
	d, _ := newRemappedDispatcher(t)
	noop := func(*gate.Registers) {}

	assert.Equal(t, errNilHandler, d.Install(gate.PageFaultException, nil))
	assert.Nil(t, d.Install(gate.PageFaultException, noop))
	assert.True(t, d.Installed(gate.PageFaultException))
	assert.Equal(t, ErrVectorInUse, d.Install(gate.PageFaultException, noop))
	assert.Nil(t, d.Install(0x20, noop))
	assert.Equal(t, ErrVectorInUse, d.InstallIRQ(TimerLine, noop))
	assert.Nil(t, d.Install(YieldVector, noop))

	d.Uninstall(gate.PageFaultException)
	assert.False(t, d.Installed(gate.PageFaultException))
	assert.Nil(t, d.Install(gate.PageFaultException, noop))
	assert.False(t, d.lock.Held())
}

func TestDispatcherInstallIRQ(t *testing.T) {
	d, ports := newRemappedDispatcher(t)

	var order []string
	require.Nil(t, d.InstallIRQ(KeyboardLine, func(regs *gate.Registers) {
		order = append(order, "handler")
		assert.Empty(t, ports.writes, "EOI sent before the handler ran")
	}))
	assert.False(t, d.pic.Masked(KeyboardLine))
	assert.True(t, d.Installed(0x21))

	ports.reset()
	d.Dispatch(&gate.Registers{Vector: 0x21})
	assert.Equal(t, []string{"handler"}, order)
	assert.Equal(t, []portWrite{{0x20, 0x20}}, ports.writes)

	assert.Equal(t, ErrVectorInUse, d.InstallIRQ(KeyboardLine, func(*gate.Registers) {}))
	assert.Equal(t, errInvalidLine, d.InstallIRQ(LineCount, func(*gate.Registers) {}))
	assert.Equal(t, errNilHandler, d.InstallIRQ(TimerLine, nil))

	t.Run("controller not remapped", func(t *testing.T) {
		d := NewDispatcher(NewPIC(newFakePorts()))
		assert.Equal(t, errControllerNotRemapped, d.InstallIRQ(TimerLine, func(*gate.Registers) {}))
	})

	t.Run("no controller", func(t *testing.T) {
		d := NewDispatcher(nil)
		assert.Equal(t, errVectorNotAnIRQ, d.InstallIRQ(TimerLine, func(*gate.Registers) {}))
	})
}

func TestDispatcherTimerTicks(t *testing.T) {
	d, ports := newRemappedDispatcher(t)

	ticks := 0
	require.Nil(t, d.InstallIRQ(TimerLine, func(*gate.Registers) { ticks++ }))

	ports.reset()
	for i := 0; i < 10; i++ {
		d.Dispatch(&gate.Registers{Vector: 32})
	}

	assert.Equal(t, 10, ticks)
	assert.Len(t, ports.writes, 10, "expected one EOI per tick")
}

func TestDispatcherInstallRoutedVector(t *testing.T) {
	d, ports := newRemappedDispatcher(t)

	calls := 0
	require.Nil(t, d.Install(32, func(*gate.Registers) { calls++ }))
	assert.False(t, d.pic.Masked(TimerLine))

	ports.reset()
	for i := 0; i < 10; i++ {
		d.Dispatch(&gate.Registers{Vector: 32})
	}

	assert.Equal(t, 10, calls)
	eois := 0
	for _, w := range ports.writes {
		if w == (portWrite{masterCommandPort, cmdEOI}) {
			eois++
		}
	}
	assert.Equal(t, 10, eois)

	t.Run("slave line", func(t *testing.T) {
		require.Nil(t, d.Install(0x2c, func(*gate.Registers) {}))
		assert.False(t, d.pic.Masked(12))
		assert.False(t, d.pic.Masked(cascadeLine))

		ports.reset()
		d.Dispatch(&gate.Registers{Vector: 0x2c})
		assert.Equal(t, []portWrite{{slaveCommandPort, cmdEOI}, {masterCommandPort, cmdEOI}}, ports.writes)
	})

	t.Run("exceptions take precedence over the BIOS mapping", func(t *testing.T) {
		d := NewDispatcher(NewPIC(newFakePorts()))
		require.Nil(t, d.Install(gate.PageFaultException, func(*gate.Registers) {}))
		assert.True(t, d.Installed(gate.PageFaultException))
		assert.True(t, d.pic.Masked(6))
	})
}

func TestDispatcherFatal(t *testing.T) {
	defer kfmt.SetOutputSink(nil)

	specs := []struct {
		name      string
		regs      gate.Registers
		expErr    interface{}
		expOutput string
	}{
		{
			name:      "unhandled exception",
			regs:      gate.Registers{Vector: uint64(gate.InvalidOpcode), RIP: 0xc0ffee},
			expErr:    errUnhandledInterrupt,
			expOutput: "unhandled interrupt on vector 6 (invalid opcode)",
		},
		{
			name:      "unhandled irq",
			regs:      gate.Registers{Vector: 0x24},
			expErr:    errUnhandledInterrupt,
			expOutput: "unhandled interrupt on vector 36 (external interrupt)",
		},
		{
			name:      "double fault with a handler",
			regs:      gate.Registers{Vector: uint64(gate.DoubleFault)},
			expErr:    errDoubleFault,
			expOutput: "double fault on vector 8 (double fault)",
		},
	}

	d, _ := newRemappedDispatcher(t)
	require.Nil(t, d.Install(gate.DoubleFault, func(*gate.Registers) {
		t.Fatal("double fault handler should not be invoked")
	}))

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			var buf bytes.Buffer
			kfmt.SetOutputSink(&buf)

			regs := spec.regs
			assert.PanicsWithValue(t, spec.expErr, func() { d.Dispatch(&regs) })
			assert.Contains(t, buf.String(), spec.expOutput)
			assert.Contains(t, buf.String(), "Registers:")
		})
	}
}

func TestDispatcherSpuriousIRQ(t *testing.T) {
	d, ports := newRemappedDispatcher(t)

	var calls int
	require.Nil(t, d.InstallIRQ(7, func(*gate.Registers) { calls++ }))

	t.Run("master", func(t *testing.T) {
		ports.reset()
		d.Dispatch(&gate.Registers{Vector: 0x27})
		assert.Zero(t, calls)
		assert.NotContains(t, ports.writes, portWrite{0x20, 0x20})

		ports.isr[0] = 1 << 7
		d.Dispatch(&gate.Registers{Vector: 0x27})
		assert.Equal(t, 1, calls)
	})

	t.Run("slave", func(t *testing.T) {
		ports.reset()
		d.Dispatch(&gate.Registers{Vector: 0x2f})
		assert.Equal(t, []portWrite{{0xa0, 0x0b}, {0x20, 0x20}}, ports.writes)
	})

	assert.Equal(t, uint64(2), d.SpuriousCount())
}

func TestLogBreakpoint(t *testing.T) {
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)

	d, _ := newRemappedDispatcher(t)
	require.Nil(t, d.Install(gate.Breakpoint, LogBreakpoint))

	regs := gate.Registers{Vector: uint64(gate.Breakpoint), RIP: 0x401001}
	assert.NotPanics(t, func() { d.Dispatch(&regs) })
	assert.Equal(t, uint64(0x401001), regs.RIP, "execution must resume after the INT3")
	assert.Contains(t, buf.String(), "[irq] warn: breakpoint at 0x401001")
}

func TestVectorName(t *testing.T) {
	assert.Equal(t, "page fault", VectorName(gate.PageFaultException))
	assert.Equal(t, "general protection fault", VectorName(gate.GPFException))
	assert.Equal(t, "yield", VectorName(YieldVector))
	assert.Equal(t, "external interrupt", VectorName(0x40))
}
