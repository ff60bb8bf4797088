//go:build linux || darwin

// Package physmem provides page-aligned host memory that stands in for a
// machine's physical RAM. The kernel packages reach physical memory through
// a mem.PhysWindow; RAM.Window returns one whose physical address 0 is the
// first byte of the mapping, so the same code paths run unchanged on the
// host.
package physmem

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/hyyking/kernel/kernel/mem"
)

// RAM is an anonymous private mapping used as simulated physical memory.
type RAM struct {
	data []byte
}

// New maps size bytes of zeroed memory. size is rounded up to a page.
func New(size mem.Size) (*RAM, error) {
	if size == 0 {
		return nil, errors.New("physmem: zero-sized RAM")
	}

	size = size.AlignUp(mem.PageSize)
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "physmem: mmap %d bytes", size)
	}

	return &RAM{data: data}, nil
}

// Size returns the amount of simulated memory.
func (r *RAM) Size() mem.Size {
	return mem.Size(len(r.data))
}

// Window returns the physical memory window for this RAM.
func (r *RAM) Window() mem.PhysWindow {
	return mem.PhysWindow(r.base())
}

// Bytes returns the contents of [physAddr, physAddr+size).
func (r *RAM) Bytes(physAddr uintptr, size mem.Size) ([]byte, error) {
	end := uint64(physAddr) + uint64(size)
	if end > uint64(len(r.data)) || end < uint64(physAddr) {
		return nil, errors.Errorf("physmem: range 0x%x+%d outside of %d bytes of RAM", physAddr, size, len(r.data))
	}
	return r.data[physAddr:end], nil
}

// Contains reports whether the host address addr lies inside the RAM.
func (r *RAM) Contains(addr uintptr) bool {
	return addr >= r.base() && addr < r.base()+uintptr(len(r.data))
}

// Close releases the mapping. The RAM must not be used afterwards.
func (r *RAM) Close() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	return errors.Wrap(err, "physmem: munmap")
}
