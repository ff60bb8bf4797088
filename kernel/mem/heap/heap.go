// Package heap implements the kernel heap: a first-fit allocator over an
// address-ordered list of free blocks. The list is intrusive; each free block
// starts with a header that records its size and the address of the next free
// block, so the allocator needs no memory besides the heap itself.
//
// All blocks are multiples of a 16-byte granule. Callers pass the size and
// alignment of an allocation back to Free, so allocated blocks carry no
// header.
package heap

import (
	"unsafe"

	"github.com/hyyking/kernel/kernel"
	"github.com/hyyking/kernel/kernel/kfmt"
	"github.com/hyyking/kernel/kernel/mem"
	"github.com/hyyking/kernel/kernel/sync"
)

const (
	// granule is the allocation unit and the minimum alignment.
	granule = mem.Size(16)

	// minBlockSize is the smallest free block; it must hold a freeBlock.
	minBlockSize = granule
)

var (
	// ErrOutOfMemory is returned by Alloc when no free block can satisfy
	// the request.
	ErrOutOfMemory = &kernel.Error{Module: "heap", Message: "out of memory"}

	errInvalidSize      = &kernel.Error{Module: "heap", Message: "allocation size must be greater than zero"}
	errInvalidAlignment = &kernel.Error{Module: "heap", Message: "alignment must be a power of two"}
	errHeapTooSmall     = &kernel.Error{Module: "heap", Message: "heap region is too small"}
	errNullRegion       = &kernel.Error{Module: "heap", Message: "heap region must not contain address zero"}
	errNotInitialized   = &kernel.Error{Module: "heap", Message: "heap used before initialization"}
	errInvalidFree      = &kernel.Error{Module: "heap", Message: "attempt to free a block outside of the heap"}
	errMisalignedFree   = &kernel.Error{Module: "heap", Message: "attempt to free a misaligned block"}
	errDoubleFree       = &kernel.Error{Module: "heap", Message: "attempt to free a block that overlaps a free block"}
	errHeapCorrupted    = &kernel.Error{Module: "heap", Message: "free list is corrupted"}
)

// freeBlock is the header stored at the start of every free block.
type freeBlock struct {
	size mem.Size

	// next is the address of the following free block or 0.
	next uintptr
}

// Stats describes the heap usage.
type Stats struct {
	Total      mem.Size
	Free       mem.Size
	FreeBlocks uint64
}

// Used returns the number of bytes held by allocated blocks.
func (s Stats) Used() mem.Size {
	return s.Total - s.Free
}

// Allocator manages the memory range [start, end). The zero value must be
// initialized with Init before use.
type Allocator struct {
	lock sync.IRQLock

	start, end uintptr
	head       uintptr
	free       mem.Size
	ready      bool
}

// Init hands the range [start, start+size) to the allocator. The range must
// be mapped and exclusively owned by the heap. start is rounded up and the
// end of the range rounded down to the allocation granule.
func (a *Allocator) Init(start uintptr, size mem.Size) *kernel.Error {
	alignedStart := mem.AlignUp(start, granule)
	alignedEnd := mem.AlignDown(start+uintptr(size), granule)
	if alignedStart == 0 {
		return errNullRegion
	}
	if alignedEnd <= alignedStart || mem.Size(alignedEnd-alignedStart) < minBlockSize {
		return errHeapTooSmall
	}

	a.lock.Acquire()
	a.start, a.end = alignedStart, alignedEnd
	a.free = mem.Size(alignedEnd - alignedStart)
	a.head = alignedStart
	*a.block(alignedStart) = freeBlock{size: a.free}
	a.ready = true
	a.lock.Release()

	kfmt.Logf(kfmt.LevelInfo, "heap", "managing [0x%x - 0x%x)", uint64(alignedStart), uint64(alignedEnd))
	return nil
}

// Alloc reserves size bytes aligned to align. An align value of zero
// requests the default granule alignment.
func (a *Allocator) Alloc(size, align mem.Size) (uintptr, *kernel.Error) {
	blockSize, align, err := normalize(size, align)
	if err != nil {
		return 0, err
	}

	a.lock.Acquire()
	if !a.ready {
		a.lock.Release()
		panic(errNotInitialized)
	}

	var prevAddr uintptr
	for addr := a.head; addr != 0; prevAddr, addr = addr, a.block(addr).next {
		blk := a.block(addr)
		blkEnd := addr + uintptr(blk.size)

		allocAddr := mem.AlignUp(addr, align)
		if allocAddr != addr && mem.Size(allocAddr-addr) < minBlockSize {
			// the leading remainder must be able to hold a header
			allocAddr = mem.AlignUp(addr+uintptr(minBlockSize), align)
		}
		allocEnd := allocAddr + uintptr(blockSize)
		if allocAddr < addr || allocEnd < allocAddr || allocEnd > blkEnd {
			continue
		}

		// Return any space after the allocation to the list.
		next := blk.next
		if allocEnd < blkEnd {
			*a.block(allocEnd) = freeBlock{size: mem.Size(blkEnd - allocEnd), next: next}
			next = allocEnd
		}

		if allocAddr > addr {
			// Keep the leading remainder in place.
			blk.size = mem.Size(allocAddr - addr)
			blk.next = next
		} else {
			a.link(prevAddr, next)
		}

		a.free -= blockSize
		a.lock.Release()
		return allocAddr, nil
	}

	a.lock.Release()
	return 0, ErrOutOfMemory
}

// Free returns a block obtained by Alloc to the heap. size and align must
// match the values passed to Alloc. Freeing a block that lies outside the
// heap, is misaligned or overlaps a free block is fatal.
func (a *Allocator) Free(addr uintptr, size, align mem.Size) {
	blockSize, align, err := normalize(size, align)
	if err != nil {
		panic(err)
	}

	a.lock.Acquire()
	switch {
	case !a.ready:
		a.lock.Release()
		panic(errNotInitialized)
	case addr < a.start || addr >= a.end || mem.Size(a.end-addr) < blockSize:
		a.lock.Release()
		panic(errInvalidFree)
	case addr&uintptr(align-1) != 0:
		a.lock.Release()
		panic(errMisalignedFree)
	}

	// Locate the free neighbours of the block.
	var prevAddr, nextAddr uintptr
	for nextAddr = a.head; nextAddr != 0 && nextAddr < addr; nextAddr = a.block(nextAddr).next {
		prevAddr = nextAddr
	}

	blockEnd := addr + uintptr(blockSize)
	if (prevAddr != 0 && prevAddr+uintptr(a.block(prevAddr).size) > addr) ||
		(nextAddr != 0 && nextAddr < blockEnd) {
		a.lock.Release()
		panic(errDoubleFree)
	}

	a.free += blockSize

	// Merge with the following block.
	blk := freeBlock{size: blockSize, next: nextAddr}
	if nextAddr != 0 && nextAddr == blockEnd {
		next := a.block(nextAddr)
		blk.size += next.size
		blk.next = next.next
	}

	// Merge into the preceding block.
	if prevAddr != 0 && prevAddr+uintptr(a.block(prevAddr).size) == addr {
		prev := a.block(prevAddr)
		prev.size += blk.size
		prev.next = blk.next
		a.lock.Release()
		return
	}

	*a.block(addr) = blk
	a.link(prevAddr, addr)
	a.lock.Release()
}

// Stats returns a snapshot of the heap usage.
func (a *Allocator) Stats() Stats {
	a.lock.Acquire()
	defer a.lock.Release()

	stats := Stats{Total: mem.Size(a.end - a.start), Free: a.free}
	for addr := a.head; addr != 0; addr = a.block(addr).next {
		stats.FreeBlocks++
	}
	return stats
}

// Contains returns true if addr lies inside the heap.
func (a *Allocator) Contains(addr uintptr) bool {
	return addr >= a.start && addr < a.end
}

// Check verifies the structure of the free list: blocks must lie inside the
// heap, be granule aligned, appear in ascending address order and be fully
// coalesced, and their sizes must add up to the free byte count.
func (a *Allocator) Check() *kernel.Error {
	a.lock.Acquire()
	defer a.lock.Release()

	var (
		total   mem.Size
		prevEnd uintptr
	)

	for addr := a.head; addr != 0; addr = a.block(addr).next {
		if addr < a.start || addr >= a.end || addr&uintptr(granule-1) != 0 {
			return errHeapCorrupted
		}

		blk := a.block(addr)
		if blk.size < minBlockSize || blk.size&(granule-1) != 0 || mem.Size(a.end-addr) < blk.size {
			return errHeapCorrupted
		}

		// prevEnd == addr means two adjacent blocks were not merged.
		if prevEnd != 0 && prevEnd >= addr {
			return errHeapCorrupted
		}

		prevEnd = addr + uintptr(blk.size)
		total += blk.size
	}

	if total != a.free {
		return errHeapCorrupted
	}
	return nil
}

// link makes next the successor of the block at prevAddr or the list head
// when prevAddr is 0.
func (a *Allocator) link(prevAddr, next uintptr) {
	if prevAddr == 0 {
		a.head = next
		return
	}
	a.block(prevAddr).next = next
}

func (a *Allocator) block(addr uintptr) *freeBlock {
	return (*freeBlock)(unsafe.Pointer(addr))
}

// normalize rounds size up to the granule and validates align.
func normalize(size, align mem.Size) (mem.Size, mem.Size, *kernel.Error) {
	if size == 0 {
		return 0, 0, errInvalidSize
	}

	if align == 0 {
		align = granule
	}
	if !align.IsPowerOfTwo() {
		return 0, 0, errInvalidAlignment
	}
	if align < granule {
		align = granule
	}

	blockSize := size.AlignUp(granule)
	if blockSize < size {
		return 0, 0, ErrOutOfMemory
	}
	return blockSize, align, nil
}
