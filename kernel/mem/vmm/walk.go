package vmm

import (
	"unsafe"

	"github.com/hyyking/kernel/kernel"
	"github.com/hyyking/kernel/kernel/mem"
	"github.com/hyyking/kernel/kernel/mem/pmm"
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments.  If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address starting at
// the mapper's root table. It calls the supplied walkFn with the page table
// entry that corresponds to each page table level. The walk descends into the
// frame that the entry points to after walkFn returns, so walkFn may install
// a missing table before the walk continues.
func (m *Mapper) walk(virtAddr uintptr, walkFn pageTableWalker) {
	table := m.root
	for level := uint8(0); level < pageLevels; level++ {
		// Extract the bits from virtual address that correspond to the
		// index in this level's page table
		entryIndex := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)

		pte := m.entry(table, entryIndex)
		if !walkFn(level, pte) {
			return
		}

		table = pte.Frame()
	}
}

// entry returns a pointer to the index-th entry of the table stored in
// frame.
func (m *Mapper) entry(table pmm.Frame, index uintptr) *pageTableEntry {
	return (*pageTableEntry)(unsafe.Pointer(m.window.Addr(table.Address() + (index << mem.PointerShift))))
}

// pteForAddress returns the final page table entry that correspond to a
// particular virtual address. The function performs a page table walk till it
// reaches the final page table entry returning ErrInvalidMapping if the page
// is not present.
func (m *Mapper) pteForAddress(virtAddr uintptr) (*pageTableEntry, *kernel.Error) {
	var (
		err   *kernel.Error
		entry *pageTableEntry
	)

	m.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			entry = nil
			err = ErrInvalidMapping
			return false
		}

		if pteLevel < pageLevels-1 && pte.HasFlags(FlagHugePage) {
			entry = nil
			err = errNoHugePageSupport
			return false
		}

		entry = pte
		return true
	})

	return entry, err
}
