// Package allocator implements the physical frame allocator.
package allocator

import (
	"unsafe"

	"github.com/hyyking/kernel/kernel"
	"github.com/hyyking/kernel/kernel/boot"
	"github.com/hyyking/kernel/kernel/kfmt"
	"github.com/hyyking/kernel/kernel/mem"
	"github.com/hyyking/kernel/kernel/mem/pmm"
	"github.com/hyyking/kernel/kernel/sync"
)

var (
	// ErrOutOfMemory is returned by AllocFrame when no free frames remain.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of physical memory"}

	errNoUsableMemory    = &kernel.Error{Module: "pmm", Message: "memory map does not contain any usable frames"}
	errNotInitialized    = &kernel.Error{Module: "pmm", Message: "frame allocator used before initialization"}
	errForeignFrame      = &kernel.Error{Module: "pmm", Message: "attempt to free a frame that is not managed by the allocator"}
	errDoubleFree        = &kernel.Error{Module: "pmm", Message: "attempt to free a frame that is already free"}
	errFreeListCorrupted = &kernel.Error{Module: "pmm", Message: "free frame list is corrupted"}
)

// freeFrameMagic is mixed with the frame number to tag free frames.
const freeFrameMagic = uint64(0x6672656566726d21)

// freeFrameHeader is stored at the beginning of each free frame. Free frames
// form a singly linked stack through their next fields, so the allocator
// needs no bookkeeping memory of its own.
type freeFrameHeader struct {
	next pmm.Frame
	tag  uint64
}

// Stats describes the allocator's frame accounting.
type Stats struct {
	TotalFrames uint64
	FreeFrames  uint64
}

// UsedFrames returns the number of frames currently handed out.
func (s Stats) UsedFrames() uint64 {
	return s.TotalFrames - s.FreeFrames
}

// FrameAllocator hands out physical frames from the regions of the boot
// memory map that are either usable or reclaimable. Allocation and release
// both run in constant time.
//
// A FrameAllocator must be initialized with Init before use; the zero value
// panics on every other call.
type FrameAllocator struct {
	lock sync.IRQLock

	window  mem.PhysWindow
	regions []boot.MemoryRegion

	// kernel image frames in [kernelStart, kernelEnd) are never seeded.
	kernelStart, kernelEnd pmm.Frame

	head        pmm.Frame
	totalFrames uint64
	freeFrames  uint64
	ready       bool
}

// Init builds the free set from the seedable regions of info. Frames that
// overlap the kernel image or any region that is not seedable are skipped;
// regions may appear in any order and may overlap.
func (a *FrameAllocator) Init(info *boot.Info) *kernel.Error {
	a.lock.Acquire()
	defer a.lock.Release()

	a.window = info.PhysWindow
	a.regions = info.Regions
	a.kernelStart = pmm.FrameFromAddress(info.KernelPhysAddr)
	a.kernelEnd = pmm.FrameFromAddress(mem.AlignUp(info.KernelPhysEnd(), mem.PageSize))
	a.head = pmm.InvalidFrame
	a.freeFrames = 0

	// Seed in reverse so that the lowest frame of the first region ends
	// up at the top of the stack.
	for index := len(a.regions) - 1; index >= 0; index-- {
		region := a.regions[index]
		if !region.Kind.Seedable() || region.Length < uint64(mem.PageSize) {
			continue
		}

		first := pmm.FrameFromAddress(mem.AlignUp(uintptr(region.Start), mem.PageSize))
		last := pmm.FrameFromAddress(uintptr(region.End())) - 1
		for frame := last; frame >= first && frame != pmm.InvalidFrame; frame-- {
			if a.manages(frame) && a.ownerRegion(frame) == index {
				a.push(frame)
			}
		}
	}

	a.totalFrames = a.freeFrames
	if a.totalFrames == 0 {
		return errNoUsableMemory
	}

	a.ready = true
	kfmt.Logf(kfmt.LevelInfo, "pmm", "seeded %d frames (%dKb)", a.totalFrames, uint64(mem.Size(a.totalFrames)*mem.PageSize/mem.Kb))
	return nil
}

// AllocFrame reserves a free frame. The contents of the returned frame are
// undefined.
func (a *FrameAllocator) AllocFrame() (pmm.Frame, *kernel.Error) {
	a.lock.Acquire()

	if !a.ready {
		a.lock.Release()
		panic(errNotInitialized)
	}

	if a.head == pmm.InvalidFrame {
		a.lock.Release()
		return pmm.InvalidFrame, ErrOutOfMemory
	}

	frame := a.head
	hdr := a.header(frame)
	if hdr.tag != freeFrameMagic^uint64(frame) {
		a.lock.Release()
		panic(errFreeListCorrupted)
	}

	a.head = hdr.next
	hdr.next, hdr.tag = 0, 0
	a.freeFrames--

	a.lock.Release()
	return frame, nil
}

// FreeFrame returns a frame obtained by AllocFrame to the free set. Freeing
// a frame that this allocator does not manage, or one that is already free,
// is a fatal error.
func (a *FrameAllocator) FreeFrame(frame pmm.Frame) {
	a.lock.Acquire()

	switch {
	case !a.ready:
		a.lock.Release()
		panic(errNotInitialized)
	case !a.manages(frame):
		a.lock.Release()
		panic(errForeignFrame)
	case a.header(frame).tag == freeFrameMagic^uint64(frame):
		a.lock.Release()
		panic(errDoubleFree)
	}

	a.push(frame)
	a.lock.Release()
}

// Owns returns true if frame belongs to the set of frames that this
// allocator hands out.
func (a *FrameAllocator) Owns(frame pmm.Frame) bool {
	return a.ready && a.manages(frame)
}

// Stats returns a snapshot of the allocator's frame accounting.
func (a *FrameAllocator) Stats() Stats {
	a.lock.Acquire()
	s := Stats{TotalFrames: a.totalFrames, FreeFrames: a.freeFrames}
	a.lock.Release()
	return s
}

// PrintMemoryMap prints the boot memory map and the frame accounting.
func (a *FrameAllocator) PrintMemoryMap() {
	kfmt.Printf("[pmm] system memory map:\n")
	for _, region := range a.regions {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.Start, region.End(), region.Length, region.Kind.String())
	}

	stats := a.Stats()
	kfmt.Printf("[pmm] kernel image frames: [%d - %d)\n", uint64(a.kernelStart), uint64(a.kernelEnd))
	kfmt.Printf("[pmm] frames: %d total, %d free, %d used\n", stats.TotalFrames, stats.FreeFrames, stats.UsedFrames())
}

// manages returns true if frame lies entirely inside a seedable region and
// overlaps neither the kernel image nor a region that is not seedable.
func (a *FrameAllocator) manages(frame pmm.Frame) bool {
	if frame >= a.kernelStart && frame < a.kernelEnd {
		return false
	}

	var (
		start     = uint64(frame.Address())
		end       = start + uint64(mem.PageSize)
		contained bool
	)

	for _, region := range a.regions {
		if !region.Overlaps(start, end) {
			continue
		}

		if !region.Kind.Seedable() {
			return false
		}

		if region.Start <= start && end <= region.End() {
			contained = true
		}
	}

	return contained
}

// ownerRegion returns the index of the first seedable region that fully
// contains frame. Seeding a frame only from its owner keeps overlapping
// regions from pushing it twice.
func (a *FrameAllocator) ownerRegion(frame pmm.Frame) int {
	start := uint64(frame.Address())
	end := start + uint64(mem.PageSize)
	for index, region := range a.regions {
		if region.Kind.Seedable() && region.Start <= start && end <= region.End() {
			return index
		}
	}
	return -1
}

func (a *FrameAllocator) push(frame pmm.Frame) {
	hdr := a.header(frame)
	hdr.next = a.head
	hdr.tag = freeFrameMagic ^ uint64(frame)
	a.head = frame
	a.freeFrames++
}

func (a *FrameAllocator) header(frame pmm.Frame) *freeFrameHeader {
	return (*freeFrameHeader)(unsafe.Pointer(a.window.Addr(frame.Address())))
}
