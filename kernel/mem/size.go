// Package mem contains the memory primitives shared by the physical frame
// allocator, the page table mapper and the kernel heap.
package mem

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Pages returns the number of pages that are required for storing this size.
func (s Size) Pages() uint64 {
	return uint64(s.AlignUp(PageSize) >> PageShift)
}

// AlignUp rounds s up to the next multiple of align which must be a power
// of 2.
func (s Size) AlignUp(align Size) Size {
	return (s + align - 1) &^ (align - 1)
}

// AlignUp rounds addr up to the next multiple of align which must be a power
// of 2.
func AlignUp(addr uintptr, align Size) uintptr {
	return (addr + uintptr(align) - 1) &^ (uintptr(align) - 1)
}

// AlignDown rounds addr down to a multiple of align which must be a power
// of 2.
func AlignDown(addr uintptr, align Size) uintptr {
	return addr &^ (uintptr(align) - 1)
}

// IsPowerOfTwo returns true if s is a non-zero power of 2.
func (s Size) IsPowerOfTwo() bool {
	return s != 0 && s&(s-1) == 0
}
