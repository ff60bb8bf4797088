// Package boot describes the handoff structure the bootloader passes to the
// kernel. All fields are read-only input; the kernel never assumes that
// regions are sorted or non-overlapping.
package boot

import "github.com/hyyking/kernel/kernel/mem"

// RegionKind classifies a physical memory region.
type RegionKind uint8

// Supported region kinds.
const (
	// Reserved memory must never be touched by the kernel.
	Reserved RegionKind = iota

	// Usable memory is free for the kernel to allocate.
	Usable

	// KernelCode holds the loaded kernel image.
	KernelCode

	// BootloaderReclaimable holds bootloader structures that are no
	// longer needed once the kernel has consumed the handoff.
	BootloaderReclaimable

	// Framebuffer is memory backing the video framebuffer.
	Framebuffer
)

var kindNames = [...]string{"reserved", "usable", "kernel", "bootloader-reclaimable", "framebuffer"}

// String implements fmt.Stringer for RegionKind.
func (k RegionKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Seedable returns true if frames in regions of this kind may be handed to
// the frame allocator.
func (k RegionKind) Seedable() bool {
	return k == Usable || k == BootloaderReclaimable
}

// MemoryRegion describes a physical memory range.
type MemoryRegion struct {
	Start  uint64
	Length uint64
	Kind   RegionKind
}

// End returns the first physical address after the region.
func (r MemoryRegion) End() uint64 {
	return r.Start + r.Length
}

// Overlaps returns true if the region shares at least one byte with
// [start, end).
func (r MemoryRegion) Overlaps(start, end uint64) bool {
	return r.Length != 0 && start < r.End() && r.Start < end
}

// PixelFormat describes the layout of a framebuffer pixel.
type PixelFormat uint8

// Supported pixel formats.
const (
	PixelRGB PixelFormat = iota
	PixelBGR
	PixelIndexed
	PixelText
)

// FramebufferInfo describes the framebuffer initialized by the bootloader.
type FramebufferInfo struct {
	PhysAddr      uint64
	Width, Height uint32

	// Stride is the length of a row in bytes.
	Stride uint32

	BitsPerPixel uint8
	Format       PixelFormat
}

// Info is the boot handoff structure.
type Info struct {
	// Regions is the firmware memory map.
	Regions []MemoryRegion

	// PhysWindow is the virtual base at which physical memory is linearly
	// mapped.
	PhysWindow mem.PhysWindow

	// KernelVirtAddr and KernelPhysAddr locate the loaded kernel image
	// which spans KernelSize bytes.
	KernelVirtAddr uintptr
	KernelPhysAddr uintptr
	KernelSize     mem.Size

	// Framebuffer is nil if the bootloader did not set up video.
	Framebuffer *FramebufferInfo

	// RSDP is the physical address of the ACPI root pointer or 0.
	RSDP uintptr

	// CommandLine and BootLoaderName alias bootloader memory and are empty
	// when not supplied.
	CommandLine    string
	BootLoaderName string
}

// KernelPhysEnd returns the first physical address after the kernel image.
func (i *Info) KernelPhysEnd() uintptr {
	return i.KernelPhysAddr + uintptr(i.KernelSize)
}

// UsableMemory returns the total size of the seedable regions. Overlapping
// regions are counted once per region.
func (i *Info) UsableMemory() mem.Size {
	var total mem.Size
	for _, r := range i.Regions {
		if r.Kind.Seedable() {
			total += mem.Size(r.Length)
		}
	}
	return total
}
