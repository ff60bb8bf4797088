package heap

import (
	"github.com/hyyking/kernel/kernel"
	"github.com/hyyking/kernel/kernel/mem"
	"github.com/hyyking/kernel/kernel/mem/pmm"
	"github.com/hyyking/kernel/kernel/mem/vmm"
)

// PageMapper installs and removes virtual to physical mappings.
type PageMapper interface {
	Map(page vmm.Page, frame pmm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error
	Unmap(page vmm.Page) (pmm.Frame, *kernel.Error)
}

// FrameAllocator supplies and reclaims physical frames.
type FrameAllocator interface {
	AllocFrame() (pmm.Frame, *kernel.Error)
	FreeFrame(pmm.Frame)
}

// MapRegion backs the pages of [start, start+size) with frames from frames
// and maps them read-write and non-executable. On failure every page mapped
// by the call is unmapped and its frame released.
func MapRegion(mapper PageMapper, frames FrameAllocator, start uintptr, size mem.Size) *kernel.Error {
	var (
		first     = vmm.PageFromAddress(start)
		pageCount = vmm.Page(mem.Size(start - first.Address() + uintptr(size)).Pages())
	)

	for page := first; page < first+pageCount; page++ {
		frame, err := frames.AllocFrame()
		if err == nil {
			if err = mapper.Map(page, frame, vmm.FlagRW|vmm.FlagNoExecute); err != nil {
				frames.FreeFrame(frame)
			}
		}

		if err != nil {
			for page > first {
				page--
				if frame, unmapErr := mapper.Unmap(page); unmapErr == nil {
					frames.FreeFrame(frame)
				}
			}
			return err
		}
	}

	return nil
}

// Bootstrap maps [start, start+size) and initializes a with it.
func (a *Allocator) Bootstrap(mapper PageMapper, frames FrameAllocator, start uintptr, size mem.Size) *kernel.Error {
	if err := MapRegion(mapper, frames, start, size); err != nil {
		return err
	}
	return a.Init(start, size)
}
