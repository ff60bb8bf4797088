// Package sim runs the kernel core on the host. Physical memory and the
// heap are backed by anonymous host mappings, port I/O is decoded by a model
// of the interrupt controller and timer, and tasks are scripted so that the
// scheduler can be observed tick by tick.
package sim

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/hyyking/kernel/internal/physmem"
	"github.com/hyyking/kernel/kernel/boot"
	"github.com/hyyking/kernel/kernel/driver/tty"
	"github.com/hyyking/kernel/kernel/gate"
	"github.com/hyyking/kernel/kernel/irq"
	"github.com/hyyking/kernel/kernel/kfmt"
	"github.com/hyyking/kernel/kernel/kmain"
	"github.com/hyyking/kernel/kernel/mem"
	"github.com/hyyking/kernel/kernel/mem/heap"
	"github.com/hyyking/kernel/kernel/mem/pmm/allocator"
	"github.com/hyyking/kernel/kernel/mem/vmm"
	"github.com/hyyking/kernel/kernel/sched"
)

const (
	idleName = "idle"

	// Tasks never execute real code; their entry points only need to be
	// distinct so that the running task can be recognized from RIP.
	taskEntryBase   = uintptr(0x400000)
	taskEntryStride = uintptr(0x1000)
)

// program tracks the progress of a task through its script.
type program struct {
	name   string
	id     sched.TaskID
	script []Step

	pc  int
	ran uint64 // ticks spent in the current run step

	ticks uint64
}

// Machine is a booted kernel core together with its simulated hardware.
type Machine struct {
	cfg Config

	ram   *physmem.RAM
	arena *physmem.RAM
	bus   Bus
	core  kmain.Core
	term  *tty.Vt

	// regs is the register state of the context the CPU is executing.
	regs gate.Registers

	programs map[uintptr]*program
	order    []*program

	ticks    uint64
	timeline []string

	// scancodes read by the keyboard handler
	scancodes []uint8
}

// TaskReport summarizes a simulated task.
type TaskReport struct {
	Name  string
	ID    sched.TaskID
	State string
	Ticks uint64
}

// Report summarizes a simulation run.
type Report struct {
	// Timeline holds the name of the context that ran during each tick.
	Timeline []string

	Tasks    []TaskReport
	Sched    sched.Stats
	Heap     heap.Stats
	Frames   allocator.Stats
	EOIs     uint64
	Spurious uint64

	// Keystrokes counts the scancodes read by the keyboard handler.
	Keystrokes int
}

// New boots the kernel core on a machine described by cfg and spawns its
// tasks. The returned machine must be closed to release host memory.
func New(cfg Config) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Machine{
		cfg:      cfg,
		programs: make(map[uintptr]*program, len(cfg.Tasks)),
	}

	var err error
	if m.ram, err = physmem.New(mem.Size(cfg.MemoryKb) * mem.Kb); err != nil {
		return nil, err
	}
	if m.arena, err = physmem.New(mem.Size(cfg.HeapKb) * mem.Kb); err != nil {
		m.Close()
		return nil, err
	}

	if err = m.boot(); err != nil {
		m.Close()
		return nil, err
	}
	if err = m.spawn(); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

func (m *Machine) boot() error {
	info := &boot.Info{
		Regions:        m.cfg.memoryMap(),
		PhysWindow:     m.ram.Window(),
		KernelPhysAddr: uintptr(m.cfg.Kernel.Phys),
		KernelSize:     mem.Size(m.cfg.Kernel.Size),
	}
	if m.cfg.Console {
		info.Framebuffer = &boot.FramebufferInfo{
			PhysAddr:     consoleAddr,
			Width:        consoleWidth,
			Height:       consoleHeight,
			Stride:       consoleWidth * 2,
			BitsPerPixel: 16,
			Format:       boot.PixelText,
		}
	}

	// The heap must be addressable by the host, so its virtual window is
	// the host address of the arena. The page tables still map it onto
	// simulated frames.
	kcfg := kmain.DefaultConfig()
	kcfg.HeapBase = uintptr(m.arena.Window())
	kcfg.HeapSize = m.arena.Size()
	kcfg.TimerHz = m.cfg.TimerHz
	kcfg.Sched.SliceTicks = m.cfg.SliceTicks

	platform := kmain.Platform{
		Ports:      &m.bus,
		OpenMapper: vmm.NewMapper,
		Trap:       m.yieldTrap,
		Keyboard:   m.keyboard,
	}

	if err := m.core.Boot(info, kcfg, platform); err != nil {
		return errors.Wrap(err, "sim: boot")
	}

	if m.cfg.Console {
		term, err := kmain.OpenConsole(info)
		if err != nil {
			return errors.Wrap(err, "sim: console")
		}
		m.term = term
	}
	return nil
}

func (m *Machine) spawn() error {
	for i, tc := range m.cfg.Tasks {
		prio, _ := parsePriority(tc.Priority)
		entry := taskEntryBase + uintptr(i)*taskEntryStride

		id, err := m.core.Sched.Spawn(entry, mem.Size(tc.StackKb)*mem.Kb, prio)
		if err != nil {
			return errors.Wrapf(err, "sim: spawn %q", tc.Name)
		}

		p := &program{
			name:   tc.Name,
			id:     id,
			script: append([]Step(nil), tc.Script...),
		}
		m.programs[entry] = p
		m.order = append(m.order, p)
	}
	return nil
}

// Close releases the host memory backing the machine.
func (m *Machine) Close() error {
	var firstErr error
	for _, ram := range []*physmem.RAM{m.arena, m.ram} {
		if ram == nil {
			continue
		}
		if err := ram.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Core returns the kernel core running on the machine.
func (m *Machine) Core() *kmain.Core {
	return &m.core
}

// Bus returns the interrupt controller and timer model.
func (m *Machine) Bus() *Bus {
	return &m.bus
}

// Terminal returns the terminal attached to the console or nil if the
// machine has no console.
func (m *Machine) Terminal() *tty.Vt {
	return m.term
}

// Screen returns the rows of the text console with trailing blanks
// removed. It returns nil if the machine has no console.
func (m *Machine) Screen() []string {
	if m.term == nil {
		return nil
	}

	cells, err := m.ram.Bytes(consoleAddr, consoleWidth*consoleHeight*2)
	if err != nil {
		return nil
	}

	rows := make([]string, consoleHeight)
	var row strings.Builder
	for y := range rows {
		row.Reset()
		for x := 0; x < consoleWidth; x++ {
			// the low byte of each cell holds the character
			ch := cells[(y*consoleWidth+x)*2]
			if ch == 0 {
				ch = ' '
			}
			row.WriteByte(ch)
		}
		rows[y] = strings.TrimRight(row.String(), " ")
	}
	return rows
}

// Ticks returns the number of timer ticks delivered so far.
func (m *Machine) Ticks() uint64 {
	return m.ticks
}

// Running returns the name of the context the CPU is executing.
func (m *Machine) Running() string {
	if p := m.current(); p != nil {
		return p.name
	}
	return idleName
}

// Step runs the current context for one tick and then fires the timer.
func (m *Machine) Step() error {
	m.timeline = append(m.timeline, m.Running())

	if p := m.current(); p != nil {
		p.ticks++
		if err := m.execute(p); err != nil {
			return err
		}
	} else if reaped := m.core.Sched.Reap(); reaped > 0 {
		kfmt.Logf(kfmt.LevelDebug, "sim", "idle reaped %d tasks", reaped)
	}

	m.bus.Raise(irq.TimerLine)
	m.deliver()
	m.ticks++

	if err := m.core.Sched.Check(); err != nil {
		return errors.Wrapf(err, "sim: tick %d", m.ticks)
	}
	return nil
}

// Run advances the machine by ticks timer ticks.
func (m *Machine) Run(ticks uint64) (Report, error) {
	for i := uint64(0); i < ticks; i++ {
		if err := m.Step(); err != nil {
			return m.Report(), err
		}
	}
	return m.Report(), nil
}

// RaiseSpurious delivers a spurious interrupt from the master or the slave
// controller.
func (m *Machine) RaiseSpurious(slave bool) {
	m.regs.Vector = uint64(m.bus.Spurious(slave))
	m.core.Dispatcher.Dispatch(&m.regs)
}

// PressKey queues a scancode in the keyboard controller and delivers the
// resulting interrupt.
func (m *Machine) PressKey(code uint8) {
	m.bus.PressKey(code)
	m.deliver()
}

// Scancodes returns the scancodes read by the keyboard handler so far.
func (m *Machine) Scancodes() []uint8 {
	return append([]uint8(nil), m.scancodes...)
}

// Report summarizes the run so far.
func (m *Machine) Report() Report {
	r := Report{
		Timeline: append([]string(nil), m.timeline...),
		Sched:    m.core.Sched.Stats(),
		Heap:     m.core.Heap.Stats(),
		Frames:   m.core.Frames.Stats(),
		EOIs:     m.bus.EOICount(),
		Spurious: m.core.Dispatcher.SpuriousCount(),

		Keystrokes: len(m.scancodes),
	}

	for _, p := range m.order {
		state := "reaped"
		if s, err := m.core.Sched.State(p.id); err == nil {
			state = s.String()
		}
		r.Tasks = append(r.Tasks, TaskReport{Name: p.name, ID: p.id, State: state, Ticks: p.ticks})
	}
	return r
}

func (m *Machine) current() *program {
	if m.core.Sched.Current() == 0 {
		return nil
	}
	return m.programs[uintptr(m.regs.RIP)]
}

// execute runs the next step of p's script. Signals, prints and key presses
// take no time; every other step uses up the tick.
func (m *Machine) execute(p *program) error {
	for p.pc < len(p.script) {
		step := p.script[p.pc]
		switch step.Op {
		case OpRun:
			p.ran++
			if step.Ticks != 0 && p.ran >= step.Ticks {
				p.pc++
				p.ran = 0
			}
			return nil
		case OpYield:
			p.pc++
			m.core.Sched.YieldNow()
			return nil
		case OpBlock:
			p.pc++
			if err := m.core.Sched.Block(sched.EventID(step.Event)); err != nil {
				return errors.Wrapf(err, "sim: %s blocks", p.name)
			}
			return nil
		case OpSignal:
			p.pc++
			woken := m.core.Sched.WakeEvent(sched.EventID(step.Event))
			kfmt.Logf(kfmt.LevelDebug, "sim", "%s signalled event %d, %d woken", p.name, step.Event, woken)
		case OpPrint:
			p.pc++
			if m.term != nil {
				kfmt.Fprintf(m.term, "%s", step.Text)
			} else {
				kfmt.Printf("%s", step.Text)
			}
		case OpKey:
			p.pc++
			m.PressKey(step.Code)
		case OpExit:
			p.pc = len(p.script)
		}
	}

	if err := m.core.Sched.Exit(); err != nil {
		return errors.Wrapf(err, "sim: %s exits", p.name)
	}
	return nil
}

// deliver runs the acknowledge cycle until no unmasked line is pending.
func (m *Machine) deliver() {
	for {
		vector, ok := m.bus.Acknowledge()
		if !ok {
			return
		}
		m.regs.Vector = uint64(vector)
		m.core.Dispatcher.Dispatch(&m.regs)
	}
}

// keyboard is the keyboard IRQ handler of the machine.
func (m *Machine) keyboard(*gate.Registers) {
	code := m.bus.ReadByte(keyboardDataPort)
	m.scancodes = append(m.scancodes, code)
	kfmt.Logf(kfmt.LevelDebug, "sim", "scancode 0x%x", uint64(code))
}

// yieldTrap stands in for the software interrupt raised by the scheduler.
func (m *Machine) yieldTrap() {
	m.regs.Vector = uint64(irq.YieldVector)
	m.core.Dispatcher.Dispatch(&m.regs)
}
