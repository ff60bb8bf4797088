// Package kmain wires the kernel core together: it seeds the frame
// allocator from the boot handoff, maps and initializes the kernel heap,
// programs the interrupt controller and timer, and starts the scheduler.
package kmain

import (
	"unsafe"

	"github.com/hyyking/kernel/kernel"
	"github.com/hyyking/kernel/kernel/boot"
	"github.com/hyyking/kernel/kernel/cpu"
	"github.com/hyyking/kernel/kernel/gate"
	"github.com/hyyking/kernel/kernel/hal/multiboot"
	"github.com/hyyking/kernel/kernel/irq"
	"github.com/hyyking/kernel/kernel/kfmt"
	"github.com/hyyking/kernel/kernel/mem"
	"github.com/hyyking/kernel/kernel/mem/heap"
	"github.com/hyyking/kernel/kernel/mem/pmm/allocator"
	"github.com/hyyking/kernel/kernel/mem/vmm"
	"github.com/hyyking/kernel/kernel/sched"
	"github.com/hyyking/kernel/kernel/sync"
)

const (
	// maxBootRegions bounds the memory map accepted from the bootloader.
	maxBootRegions = 64

	keyboardDataPort = uint16(0x60)
)

var (
	errNoMapper = &kernel.Error{Module: "kmain", Message: "platform does not provide a page table mapper"}

	// kernelCore and bootRegions are statically allocated as they are
	// populated before the kernel heap exists.
	kernelCore  Core
	bootRegions [maxBootRegions]boot.MemoryRegion

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	haltFn             = cpu.Halt
	enableInterruptsFn = cpu.EnableInterrupts
	setInterruptFlagFn = sync.SetInterruptFlag
	readPortFn         = cpu.PortReadByte
)

// Config controls the layout and timing of the kernel core.
type Config struct {
	// HeapBase and HeapSize define the virtual region that backs the
	// kernel heap. The region is fully mapped at boot.
	HeapBase uintptr
	HeapSize mem.Size

	// Sched controls time slices and the task stack region.
	Sched sched.Config

	// TimerHz is the frequency of the timer interrupt.
	TimerHz uint32

	// MasterOffset and SlaveOffset are the first vectors raised by the
	// two interrupt controllers.
	MasterOffset, SlaveOffset uint8
}

// DefaultConfig returns the configuration used by the kernel image.
func DefaultConfig() Config {
	return Config{
		HeapBase:     0xffffc00000000000,
		HeapSize:     mem.Mb,
		Sched:        sched.DefaultConfig(),
		TimerHz:      100,
		MasterOffset: 0x20,
		SlaveOffset:  0x28,
	}
}

// Platform provides the hardware collaborators of the core.
type Platform struct {
	// Ports performs port I/O for the interrupt controller and the timer.
	Ports irq.PortIO

	// OpenMapper returns the mapper for the page table hierarchy that the
	// kernel runs on.
	OpenMapper func(window mem.PhysWindow, frames vmm.FrameAllocator) (*vmm.Mapper, *kernel.Error)

	// InstallGates loads the IDT and routes every gate to the dispatcher.
	// Hosted platforms deliver interrupts by calling Dispatch directly.
	InstallGates bool

	// Trap, when set, replaces the software interrupt the scheduler raises
	// to give up the processor.
	Trap func()

	// InterruptFlag, when set, becomes the flag that IRQ locks save and
	// disable. It must be installed before the first lock is taken.
	InterruptFlag sync.InterruptFlag

	// Keyboard, when set, handles the keyboard IRQ line.
	Keyboard irq.Handler
}

// HardwarePlatform returns the platform used when running on a real or
// emulated machine.
func HardwarePlatform() Platform {
	return Platform{
		Ports: cpu.Ports{},
		OpenMapper: func(window mem.PhysWindow, frames vmm.FrameAllocator) (*vmm.Mapper, *kernel.Error) {
			return vmm.FromActive(window, frames), nil
		},
		InstallGates:  true,
		InterruptFlag: cpu.InterruptFlag{},
		Keyboard:      logScancode,
	}
}

func (p Platform) installInterruptFlag() {
	if p.InterruptFlag != nil {
		setInterruptFlagFn(p.InterruptFlag)
	}
}

// logScancode drains the keyboard controller so that it can raise the next
// interrupt.
func logScancode(*gate.Registers) {
	code := readPortFn(keyboardDataPort)
	kfmt.Logf(kfmt.LevelDebug, "kbd", "scancode 0x%x", uint64(code))
}

// Core holds the kernel subsystems.
type Core struct {
	Config Config

	Frames     allocator.FrameAllocator
	Heap       heap.Allocator
	Mapper     *vmm.Mapper
	PIC        *irq.PIC
	PIT        *irq.PIT
	Dispatcher *irq.Dispatcher
	Sched      *sched.Scheduler
}

// Boot brings up the core from the boot handoff info. Interrupts remain
// disabled; the caller enables them once the initial tasks are spawned.
func (c *Core) Boot(info *boot.Info, cfg Config, platform Platform) *kernel.Error {
	if platform.OpenMapper == nil {
		return errNoMapper
	}

	platform.installInterruptFlag()
	c.Config = cfg

	if err := c.Frames.Init(info); err != nil {
		return err
	}

	mapper, err := platform.OpenMapper(info.PhysWindow, &c.Frames)
	if err != nil {
		return err
	}
	c.Mapper = mapper

	if err = c.Heap.Bootstrap(c.Mapper, &c.Frames, cfg.HeapBase, cfg.HeapSize); err != nil {
		return err
	}

	c.PIC = irq.NewPIC(platform.Ports)
	c.PIC.MaskAll()
	if err = c.PIC.Remap(cfg.MasterOffset, cfg.SlaveOffset); err != nil {
		return err
	}

	c.Dispatcher = irq.NewDispatcher(c.PIC)
	if platform.InstallGates {
		gate.Init()
		c.Dispatcher.Attach()
	}

	if err = c.Mapper.InstallFaultHandlers(c.Dispatcher); err != nil {
		return err
	}
	if err = c.Dispatcher.Install(gate.Breakpoint, irq.LogBreakpoint); err != nil {
		return err
	}
	if platform.Keyboard != nil {
		if err = c.Dispatcher.InstallIRQ(irq.KeyboardLine, platform.Keyboard); err != nil {
			return err
		}
	}

	c.PIT = irq.NewPIT(platform.Ports)
	if err = c.PIT.SetFrequency(cfg.TimerHz); err != nil {
		return err
	}

	c.Sched = sched.New(cfg.Sched, &c.Heap, c.Mapper, &c.Frames)
	if platform.Trap != nil {
		c.Sched.SetTrap(platform.Trap)
	}
	if err = c.Sched.Attach(c.Dispatcher); err != nil {
		return err
	}

	stats := c.Frames.Stats()
	kfmt.Logf(kfmt.LevelInfo, "kmain", "core ready: %d free frames, %dKb heap, timer at %dHz",
		stats.FreeFrames, uint64(cfg.HeapSize/mem.Kb), cfg.TimerHz)
	return nil
}

// SpawnKernelTasks starts the tasks that run in every kernel image.
func (c *Core) SpawnKernelTasks() *kernel.Error {
	id, err := c.Sched.Spawn(funcPC(reaper), 0, sched.PriorityLow)
	if err != nil {
		return err
	}

	kfmt.Logf(kfmt.LevelInfo, "kmain", "spawned reaper as task %d", uint64(id))
	return nil
}

// reaper is the body of the reaper task. It runs whenever no other task is
// ready and releases the resources of terminated tasks.
func reaper() {
	for {
		kernelCore.Sched.Reap()
		haltFn()
	}
}

// funcPC returns the entry address of fn.
func funcPC(fn func()) uintptr {
	return **(**uintptr)(unsafe.Pointer(&fn))
}

// idle runs in the idle context between interrupts. It releases the
// resources of terminated tasks and halts until the next interrupt.
func (c *Core) idle() {
	c.Sched.Reap()
	haltFn()
}

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the physical address of the multiboot info payload, the
// virtual address at which physical memory is mapped and the virtual base the
// kernel is linked at.
//
// Kmain never returns; once the core is up it becomes the idle context.
//
//go:noinline
func Kmain(multibootInfoPtr, physWindow, kernelVMA uintptr) {
	platform := HardwarePlatform()
	platform.installInterruptFlag()

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	info, err := multiboot.Parse(multibootInfoPtr, multiboot.Options{
		PhysWindow: mem.PhysWindow(physWindow),
		KernelVMA:  kernelVMA,
	}, bootRegions[:])
	if err != nil {
		kfmt.Panic(err)
	}

	// Without a text console output stays in the early print buffer.
	if term, cerr := OpenConsole(&info); cerr == nil {
		kfmt.SetOutputSink(term)
	}

	if err = kernelCore.Boot(&info, DefaultConfig(), platform); err != nil {
		kfmt.Panic(err)
	}
	kernelCore.Frames.PrintMemoryMap()

	if err = kernelCore.SpawnKernelTasks(); err != nil {
		kfmt.Panic(err)
	}

	enableInterruptsFn()
	for {
		kernelCore.idle()
	}
}
