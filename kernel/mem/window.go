package mem

// PhysWindow is the virtual address at which the boot handoff maps all of
// physical memory linearly. Physical address p is reachable at
// uintptr(w) + p.
//
// The window is an implementation detail of the frame allocator and the
// page table mapper; it must not be handed out as a general mapping
// primitive.
type PhysWindow uintptr

// Addr returns the window address for physAddr.
func (w PhysWindow) Addr(physAddr uintptr) uintptr {
	return uintptr(w) + physAddr
}
