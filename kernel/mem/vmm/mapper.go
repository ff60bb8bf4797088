// Package vmm manages 4-level amd64 page tables.
package vmm

import (
	"github.com/hyyking/kernel/kernel"
	"github.com/hyyking/kernel/kernel/cpu"
	"github.com/hyyking/kernel/kernel/mem"
	"github.com/hyyking/kernel/kernel/mem/pmm"
	"github.com/hyyking/kernel/kernel/sync"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrAlreadyMapped is returned by Map when the page is already backed by a frame.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual page is already mapped"}

	// ErrNotMapped is returned by Unmap when the page is not mapped.
	ErrNotMapped = &kernel.Error{Module: "vmm", Message: "virtual page is not mapped"}

	// ErrFrameAllocationFailed is returned when a page table frame cannot be
	// allocated.
	ErrFrameAllocationFailed = &kernel.Error{Module: "vmm", Message: "unable to allocate a frame for a page table"}

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errNonCanonical      = &kernel.Error{Module: "vmm", Message: "virtual address is not canonical"}

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	flushTLBEntryFn = cpu.FlushTLBEntry
	switchPDTFn     = cpu.SwitchPDT
	activePDTFn     = cpu.ActivePDT
)

// FrameAllocator supplies the frames used for page tables.
type FrameAllocator interface {
	AllocFrame() (pmm.Frame, *kernel.Error)
}

// Mapper edits the page table hierarchy rooted at a single top-level table.
// Table frames are accessed through a physical memory window so a Mapper
// can edit a hierarchy regardless of whether it is currently loaded in CR3.
type Mapper struct {
	lock sync.IRQLock

	root   pmm.Frame
	window mem.PhysWindow
	frames FrameAllocator

	// active is set while root is the hierarchy loaded in CR3; only then
	// do edits need a TLB flush.
	active bool
}

// NewMapper allocates and clears a new top-level table.
func NewMapper(window mem.PhysWindow, frames FrameAllocator) (*Mapper, *kernel.Error) {
	root, err := frames.AllocFrame()
	if err != nil {
		return nil, ErrFrameAllocationFailed
	}

	mem.Memset(window.Addr(root.Address()), 0, mem.PageSize)
	return &Mapper{root: root, window: window, frames: frames}, nil
}

// FromActive returns a Mapper for the hierarchy that is currently loaded in
// CR3.
func FromActive(window mem.PhysWindow, frames FrameAllocator) *Mapper {
	return &Mapper{
		root:   pmm.FrameFromAddress(activePDTFn()),
		window: window,
		frames: frames,
		active: true,
	}
}

// Root returns the frame that holds the top-level table.
func (m *Mapper) Root() pmm.Frame {
	return m.root
}

// Active returns true if this hierarchy is loaded in CR3.
func (m *Mapper) Active() bool {
	return m.active
}

// Activate loads the hierarchy into CR3 which also flushes the TLB.
func (m *Mapper) Activate() {
	m.lock.Acquire()
	switchPDTFn(m.root.Address())
	m.active = true
	m.lock.Release()
}

// Map establishes a mapping between a virtual page and a physical memory
// frame. Missing intermediate tables are allocated from the mapper's frame
// allocator, cleared and installed as present and writable; they are also
// made user-accessible when flags request it. The leaf entry receives flags
// plus FlagPresent.
func (m *Mapper) Map(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if flags&FlagHugePage != 0 {
		return errNoHugePageSupport
	}

	if !IsCanonical(page.Address()) {
		return errNonCanonical
	}

	var (
		err       *kernel.Error
		userFlags = flags & FlagUserAccessible
	)

	m.lock.Acquire()
	m.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as present and flush its TLB entry
		if pteLevel == pageLevels-1 {
			if pte.HasFlags(FlagPresent) {
				err = ErrAlreadyMapped
				return false
			}

			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags | FlagPresent)
			m.flush(page)
			return true
		}

		if !pte.HasFlags(FlagPresent) {
			// Next table does not yet exist; we need to allocate a
			// physical frame for it and clear its contents before
			// it becomes reachable.
			newTableFrame, allocErr := m.frames.AllocFrame()
			if allocErr != nil {
				err = ErrFrameAllocationFailed
				return false
			}
			mem.Memset(m.window.Addr(newTableFrame.Address()), 0, mem.PageSize)

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW | userFlags)
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		pte.SetFlags(userFlags)
		return true
	})
	m.lock.Release()

	return err
}

// MapRegion maps pageCount consecutive pages starting at page to the
// consecutive frames starting at frame. If any page cannot be mapped, the
// pages mapped by this call are unmapped again before the error is returned.
func (m *Mapper) MapRegion(page Page, frame pmm.Frame, pageCount uint64, flags PageTableEntryFlag) *kernel.Error {
	for i := uint64(0); i < pageCount; i++ {
		if err := m.Map(page+Page(i), frame+pmm.Frame(i), flags); err != nil {
			for ; i > 0; i-- {
				m.Unmap(page + Page(i-1))
			}
			return err
		}
	}

	return nil
}

// Unmap removes the mapping for page and returns the frame that backed it.
// Intermediate tables are left in place.
func (m *Mapper) Unmap(page Page) (pmm.Frame, *kernel.Error) {
	var (
		frame = pmm.InvalidFrame
		err   *kernel.Error
	)

	m.lock.Acquire()
	m.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrNotMapped
			return false
		}

		// If we reached the last level all we need to do is to clear
		// the entry and flush its TLB entry
		if pteLevel == pageLevels-1 {
			frame = pte.Frame()
			*pte = 0
			m.flush(page)
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})
	m.lock.Release()

	return frame, err
}

// UnmapRegion unmaps pageCount consecutive pages starting at page and calls
// releaseFn with each frame that backed a mapped page. Pages that are not
// mapped are skipped.
func (m *Mapper) UnmapRegion(page Page, pageCount uint64, releaseFn func(pmm.Frame)) {
	for i := uint64(0); i < pageCount; i++ {
		frame, err := m.Unmap(page + Page(i))
		if err == nil && releaseFn != nil {
			releaseFn(frame)
		}
	}
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (m *Mapper) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	frame, err := m.TranslatePage(PageFromAddress(virtAddr))
	if err != nil {
		return 0, err
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	return frame.Address() + PageOffset(virtAddr), nil
}

// TranslatePage returns the frame that backs page.
func (m *Mapper) TranslatePage(page Page) (pmm.Frame, *kernel.Error) {
	m.lock.Acquire()
	pte, err := m.pteForAddress(page.Address())
	m.lock.Release()

	if err != nil {
		return pmm.InvalidFrame, ErrInvalidMapping
	}
	return pte.Frame(), nil
}

// Flags returns the flags of the leaf entry for page.
func (m *Mapper) Flags(page Page) (PageTableEntryFlag, *kernel.Error) {
	m.lock.Acquire()
	pte, err := m.pteForAddress(page.Address())
	m.lock.Release()

	if err != nil {
		return 0, ErrInvalidMapping
	}
	return pte.Flags(), nil
}

func (m *Mapper) flush(page Page) {
	if m.active {
		flushTLBEntryFn(page.Address())
	}
}
