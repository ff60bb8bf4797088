// Package sched implements a preemptive priority round-robin scheduler for
// kernel tasks.
//
// The timer interrupt drives preemption through Tick; tasks give up the
// processor through the yield trap which lands in Reschedule. Both paths
// switch tasks by rewriting the register snapshot of the interrupted context
// so the interrupt return resumes the selected task.
package sched

import (
	"unsafe"

	"github.com/hyyking/kernel/kernel"
	"github.com/hyyking/kernel/kernel/cpu"
	"github.com/hyyking/kernel/kernel/gate"
	"github.com/hyyking/kernel/kernel/irq"
	"github.com/hyyking/kernel/kernel/kfmt"
	"github.com/hyyking/kernel/kernel/mem"
	"github.com/hyyking/kernel/kernel/mem/pmm"
	"github.com/hyyking/kernel/kernel/mem/vmm"
	"github.com/hyyking/kernel/kernel/sync"
)

// MaxTasks is the number of task slots.
const MaxTasks = 64

// initialRFlags has the interrupt flag and the always-one bit 1 set.
const initialRFlags = 0x202

var (
	// ErrSpawnStackTooLarge is returned when the requested stack does not
	// fit in a stack slot.
	ErrSpawnStackTooLarge = &kernel.Error{Module: "sched", Message: "requested stack size exceeds the stack slot size"}

	// ErrSpawnTooManyTasks is returned when all task slots are in use.
	ErrSpawnTooManyTasks = &kernel.Error{Module: "sched", Message: "too many tasks"}

	// ErrSpawnStackAlloc is returned when no frames are left for the stack.
	ErrSpawnStackAlloc = &kernel.Error{Module: "sched", Message: "unable to allocate frames for the task stack"}

	// ErrSpawnStackMap is returned when the stack cannot be mapped.
	ErrSpawnStackMap = &kernel.Error{Module: "sched", Message: "unable to map the task stack"}

	// ErrSpawnNoMemory is returned when the TCB cannot be allocated.
	ErrSpawnNoMemory = &kernel.Error{Module: "sched", Message: "unable to allocate task control block"}

	// ErrSpawnInvalidPriority is returned for priorities above
	// PriorityRealtime.
	ErrSpawnInvalidPriority = &kernel.Error{Module: "sched", Message: "invalid task priority"}

	// ErrTaskNotBlocked is returned by Wake when the task is not blocked.
	ErrTaskNotBlocked = &kernel.Error{Module: "sched", Message: "task is not blocked"}

	// ErrNoSuchTask is returned when no live task has the requested ID.
	ErrNoSuchTask = &kernel.Error{Module: "sched", Message: "no such task"}

	// ErrNoCurrentTask is returned by Block and Exit when invoked from the
	// idle context.
	ErrNoCurrentTask = &kernel.Error{Module: "sched", Message: "no task is running"}

	errReadyQueueCorrupted = &kernel.Error{Module: "sched", Message: "ready queue holds a task that is not ready"}

	// trapFn is mocked by tests and is automatically inlined by the
	// compiler.
	trapFn = cpu.RaiseYield
)

// HeapAllocator provides memory for task control blocks.
type HeapAllocator interface {
	Alloc(size, align mem.Size) (uintptr, *kernel.Error)
	Free(addr uintptr, size, align mem.Size)
}

// PageMapper installs and removes stack mappings.
type PageMapper interface {
	Map(page vmm.Page, frame pmm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error
	Unmap(page vmm.Page) (pmm.Frame, *kernel.Error)
}

// FrameAllocator supplies and reclaims stack frames.
type FrameAllocator interface {
	AllocFrame() (pmm.Frame, *kernel.Error)
	FreeFrame(pmm.Frame)
}

// Config controls the scheduler.
type Config struct {
	// SliceTicks is the number of timer ticks a task runs before it is
	// preempted.
	SliceTicks uint32

	// StackBase is the start of the virtual region that holds the task
	// stacks. Each task slot owns StackSlotSize bytes of it; the lowest
	// page of each slot is never mapped and acts as a guard page.
	StackBase     uintptr
	StackSlotSize mem.Size

	// DefaultStackSize is used when Spawn is called with a zero size.
	DefaultStackSize mem.Size
}

// DefaultConfig returns the configuration used by the kernel.
func DefaultConfig() Config {
	return Config{
		SliceTicks:       10,
		StackBase:        0xffffff0000000000,
		StackSlotSize:    64 * mem.Kb,
		DefaultStackSize: 16 * mem.Kb,
	}
}

// Stats describes the scheduler activity.
type Stats struct {
	Ticks    uint64
	Switches uint64
	Live     int
	Ready    int
}

// Scheduler multiplexes the processor between tasks.
type Scheduler struct {
	lock sync.IRQLock
	cfg  Config

	heap   HeapAllocator
	mapper PageMapper
	frames FrameAllocator

	tasks  [MaxTasks]*Task
	queues [priorityLevels]readyQueue

	// current is nil while the idle context runs.
	current *Task
	idle    gate.Registers

	nextID   TaskID
	ticks    uint64
	switches uint64

	// trap overrides trapFn when set.
	trap func()
}

// New returns a scheduler that allocates TCBs from heap and stacks from
// frames mapped through mapper.
func New(cfg Config, heap HeapAllocator, mapper PageMapper, frames FrameAllocator) *Scheduler {
	if cfg.SliceTicks == 0 {
		cfg.SliceTicks = 1
	}
	return &Scheduler{
		cfg:    cfg,
		heap:   heap,
		mapper: mapper,
		frames: frames,
		nextID: 1,
	}
}

// SetTrap replaces the software interrupt used by YieldNow, Block and Exit
// to enter Reschedule. Hosted machines that deliver interrupts by calling
// the dispatcher themselves install their own trap here.
func (s *Scheduler) SetTrap(fn func()) {
	s.trap = fn
}

func (s *Scheduler) raiseTrap() {
	if s.trap != nil {
		s.trap()
		return
	}
	trapFn()
}

// Attach routes the timer IRQ to Tick and the yield trap to Reschedule.
func (s *Scheduler) Attach(d *irq.Dispatcher) *kernel.Error {
	if err := d.InstallIRQ(irq.TimerLine, s.Tick); err != nil {
		return err
	}
	return d.Install(irq.YieldVector, s.Reschedule)
}

// Spawn creates a Ready task that starts executing at entry with a stack of
// stackSize bytes. A zero stackSize selects the configured default.
func (s *Scheduler) Spawn(entry uintptr, stackSize mem.Size, prio Priority) (TaskID, *kernel.Error) {
	if stackSize == 0 {
		stackSize = s.cfg.DefaultStackSize
	}

	switch {
	case int(prio) >= priorityLevels:
		return 0, ErrSpawnInvalidPriority
	case stackSize.AlignUp(mem.PageSize) > s.cfg.StackSlotSize-mem.PageSize:
		return 0, ErrSpawnStackTooLarge
	}

	s.lock.Acquire()
	defer s.lock.Release()

	slot := -1
	for i, t := range s.tasks {
		if t == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		return 0, ErrSpawnTooManyTasks
	}

	tcbAddr, err := s.heap.Alloc(tcbSize, tcbAlign)
	if err != nil {
		return 0, ErrSpawnNoMemory
	}

	var (
		stackTop   = s.cfg.StackBase + uintptr(slot+1)*uintptr(s.cfg.StackSlotSize)
		stackPages = stackSize.Pages()
	)
	if err = s.mapStack(stackTop, stackPages); err != nil {
		s.heap.Free(tcbAddr, tcbSize, tcbAlign)
		return 0, err
	}

	t := (*Task)(unsafe.Pointer(tcbAddr))
	*t = Task{
		ID:       s.nextID,
		State:    Ready,
		Priority: prio,
		Regs: gate.Registers{
			RIP:    uint64(entry),
			CS:     gate.KernelCodeSelector,
			RFlags: initialRFlags,
			RSP:    uint64(stackTop - 8),
			SS:     gate.KernelDataSelector,
		},
		StackTop:   stackTop,
		StackPages: stackPages,
		slot:       uint32(slot),
	}
	s.nextID++
	s.tasks[slot] = t
	s.enqueue(t)

	kfmt.Logf(kfmt.LevelDebug, "sched", "spawned task %d (entry 0x%x, %d stack pages)", uint64(t.ID), uint64(entry), stackPages)
	return t.ID, nil
}

// Reap releases the stacks and TCBs of terminated tasks and returns the
// number of tasks reclaimed. It uses the heap and must not be called from
// interrupt context.
func (s *Scheduler) Reap() int {
	s.lock.Acquire()
	defer s.lock.Release()

	reaped := 0
	for slot, t := range s.tasks {
		if t == nil || t.State != Terminated || t == s.current {
			continue
		}

		s.unmapStack(t.StackTop, t.StackPages)
		s.tasks[slot] = nil
		kfmt.Logf(kfmt.LevelDebug, "sched", "reaped task %d", uint64(t.ID))
		s.heap.Free(uintptr(unsafe.Pointer(t)), tcbSize, tcbAlign)
		reaped++
	}

	return reaped
}

// Current returns the ID of the running task or 0 for the idle context.
func (s *Scheduler) Current() TaskID {
	if t := s.current; t != nil {
		return t.ID
	}
	return 0
}

// State returns the state of the task with the given ID.
func (s *Scheduler) State(id TaskID) (State, *kernel.Error) {
	s.lock.Acquire()
	defer s.lock.Release()

	t := s.lookup(id)
	if t == nil {
		return 0, ErrNoSuchTask
	}
	return t.State, nil
}

// Stats returns a snapshot of the scheduler activity.
func (s *Scheduler) Stats() Stats {
	s.lock.Acquire()
	defer s.lock.Release()

	stats := Stats{Ticks: s.ticks, Switches: s.switches}
	for _, t := range s.tasks {
		if t != nil {
			stats.Live++
		}
	}
	for i := range s.queues {
		stats.Ready += int(s.queues[i].count)
	}
	return stats
}

// Check verifies that exactly the Ready tasks are queued, each once, and
// that only the current task is Running.
func (s *Scheduler) Check() *kernel.Error {
	s.lock.Acquire()
	defer s.lock.Release()

	queued := 0
	for i := range s.queues {
		queued += int(s.queues[i].count)
	}

	ready := 0
	for slot, t := range s.tasks {
		if t == nil {
			continue
		}

		inQueue := s.queues[t.Priority].contains(uint32(slot))
		switch t.State {
		case Ready:
			ready++
			if !inQueue {
				return errReadyQueueCorrupted
			}
		case Running:
			if t != s.current || inQueue {
				return errReadyQueueCorrupted
			}
		default:
			if inQueue {
				return errReadyQueueCorrupted
			}
		}
	}

	if ready != queued {
		return errReadyQueueCorrupted
	}
	return nil
}

const (
	tcbSize  = mem.Size(unsafe.Sizeof(Task{}))
	tcbAlign = mem.Size(unsafe.Alignof(Task{}))
)

// mapStack backs pageCount pages below top with fresh frames.
func (s *Scheduler) mapStack(top uintptr, pageCount uint64) *kernel.Error {
	first := vmm.PageFromAddress(top) - vmm.Page(pageCount)
	for page := first; page < first+vmm.Page(pageCount); page++ {
		frame, err := s.frames.AllocFrame()
		if err != nil {
			s.unmapStack(page.Address(), uint64(page-first))
			return ErrSpawnStackAlloc
		}

		if err = s.mapper.Map(page, frame, vmm.FlagRW|vmm.FlagNoExecute); err != nil {
			s.frames.FreeFrame(frame)
			s.unmapStack(page.Address(), uint64(page-first))
			return ErrSpawnStackMap
		}
	}

	return nil
}

// unmapStack unmaps pageCount pages below top and releases their frames.
func (s *Scheduler) unmapStack(top uintptr, pageCount uint64) {
	first := vmm.PageFromAddress(top) - vmm.Page(pageCount)
	for page := first; page < first+vmm.Page(pageCount); page++ {
		if frame, err := s.mapper.Unmap(page); err == nil {
			s.frames.FreeFrame(frame)
		}
	}
}

func (s *Scheduler) lookup(id TaskID) *Task {
	for _, t := range s.tasks {
		if t != nil && t.ID == id {
			return t
		}
	}
	return nil
}
