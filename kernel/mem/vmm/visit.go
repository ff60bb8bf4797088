package vmm

import "github.com/hyyking/kernel/kernel/mem/pmm"

// LeafVisitor is invoked by VisitLeaves for each mapped page. Returning
// false stops the visit.
type LeafVisitor func(page Page, frame pmm.Frame, flags PageTableEntryFlag) bool

// EntryVisitor is invoked by Trace with the table entry that a virtual
// address selects at each level.
type EntryVisitor func(level uint8, index uintptr, frame pmm.Frame, flags PageTableEntryFlag)

// VisitLeaves calls visitor for every present leaf entry in ascending
// virtual address order.
func (m *Mapper) VisitLeaves(visitor LeafVisitor) {
	m.lock.Acquire()
	defer m.lock.Release()

	m.visitTable(m.root, 0, 0, visitor)
}

func (m *Mapper) visitTable(table pmm.Frame, level uint8, base uintptr, visitor LeafVisitor) bool {
	for index := uintptr(0); index < entriesPerTable; index++ {
		pte := m.entry(table, index)
		if !pte.HasFlags(FlagPresent) {
			continue
		}

		addr := base | index<<pageLevelShifts[level]
		if level == 0 && index >= entriesPerTable/2 {
			// sign-extend bit 47
			addr |= canonicalHoleEnd
		}

		if level == pageLevels-1 {
			if !visitor(PageFromAddress(addr), pte.Frame(), pte.Flags()) {
				return false
			}
			continue
		}

		if pte.HasFlags(FlagHugePage) {
			continue
		}

		if !m.visitTable(pte.Frame(), level+1, addr, visitor) {
			return false
		}
	}

	return true
}

// Trace reports the entry selected by virtAddr at each level of the
// hierarchy, stopping after the first entry that is not present.
func (m *Mapper) Trace(virtAddr uintptr, visitor EntryVisitor) {
	m.lock.Acquire()
	defer m.lock.Release()

	m.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		index := (virtAddr >> pageLevelShifts[pteLevel]) & ((1 << pageLevelBits[pteLevel]) - 1)
		visitor(pteLevel, index, pte.Frame(), pte.Flags())
		return pte.HasFlags(FlagPresent) && (pteLevel == pageLevels-1 || !pte.HasFlags(FlagHugePage))
	})
}
