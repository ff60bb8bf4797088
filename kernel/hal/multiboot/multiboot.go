// Package multiboot decodes the multiboot2 information block that the
// bootloader hands to the kernel into a boot.Info.
package multiboot

import (
	"unsafe"

	"github.com/hyyking/kernel/kernel"
	"github.com/hyyking/kernel/kernel/boot"
	"github.com/hyyking/kernel/kernel/kfmt"
	"github.com/hyyking/kernel/kernel/mem"
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
	tagVbeInfo
	tagFramebufferInfo
	tagElfSymbols
	tagApmTable
	tagEfi32SystemTable
	tagEfi64SystemTable
	tagSmbios
	tagAcpiOldRSDP
	tagAcpiNewRSDP
)

const (
	infoHeaderSize = 8
	tagHeaderSize  = 8

	// tags start at 8-byte aligned offsets
	tagAlignment = 8
)

// info describes the multiboot info section header.
type info struct {
	// Total size of multiboot info section.
	totalSize uint32

	// Always set to zero; reserved for future use
	reserved uint32
}

// tagHeader describes the header the preceedes each tag.
type tagHeader struct {
	// The type of the tag
	tagType tagType

	// The size of the tag including the header but *not* including any
	// padding.
	size uint32
}

// mmapHeader describes the header for a memory map specification.
type mmapHeader struct {
	// The size of each entry.
	entrySize uint32

	// The version of the entries that follow.
	entryVersion uint32
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// FramebufferType defines the type of the initialized framebuffer.
type FramebufferType uint8

const (
	// FramebufferTypeIndexed specifies a 256-color palette.
	FramebufferTypeIndexed FramebufferType = iota

	// FramebufferTypeRGB specifies direct RGB mode.
	FramebufferTypeRGB

	// FramebufferTypeEGA specifies EGA text mode.
	FramebufferTypeEGA
)

// framebufferTag is the fixed part of the framebuffer tag.
type framebufferTag struct {
	physAddr      uint64
	pitch         uint32
	width, height uint32
	bpp           uint8
	fbType        FramebufferType
	reserved      uint16

	// For RGB framebuffers the position and width (in bits) of each color
	// component follow.
	redPosition, redMaskSize     uint8
	greenPosition, greenMaskSize uint8
	bluePosition, blueMaskSize   uint8
}

// elfSectionsHeader precedes the section header table in the ELF symbols
// tag.
type elfSectionsHeader struct {
	num       uint32
	entrySize uint32
	shndx     uint32
}

const (
	elf32SectionSize = 40
	elf64SectionSize = 64

	// shfAlloc marks sections that occupy memory at runtime.
	shfAlloc = 0x2
)

var (
	errNilInfo            = &kernel.Error{Module: "multiboot", Message: "no multiboot info block supplied"}
	errMalformedInfo      = &kernel.Error{Module: "multiboot", Message: "multiboot info block is malformed"}
	errNoMemoryMap        = &kernel.Error{Module: "multiboot", Message: "bootloader did not supply a memory map"}
	errNoKernelSections   = &kernel.Error{Module: "multiboot", Message: "bootloader did not supply the kernel ELF sections"}
	errUnsupportedSection = &kernel.Error{Module: "multiboot", Message: "unsupported ELF section header size"}
	errTooManyRegions     = &kernel.Error{Module: "multiboot", Message: "memory map does not fit in the region table"}

	// fbInfo backs boot.Info.Framebuffer; the decoder runs before the Go
	// allocator is available.
	fbInfo boot.FramebufferInfo
)

// Options controls how addresses found in the info block are interpreted.
type Options struct {
	// PhysWindow is the virtual address at which physical memory,
	// including the info block, is reachable.
	PhysWindow mem.PhysWindow

	// KernelVMA is the virtual base the kernel image is linked at. ELF
	// section addresses at or above it are translated to physical
	// addresses by subtracting it. A zero value means the image is
	// identity mapped.
	KernelVMA uintptr
}

// decoder accumulates the boot.Info while visiting tags.
type decoder struct {
	opts Options

	// base is the window address of the info block located at phys.
	base, phys uintptr

	regions []boot.MemoryRegion
	count   int

	info    boot.Info
	haveMap bool
	err     *kernel.Error

	kernelStart, kernelEnd uint64
	acpiNew                bool
}

// Parse decodes the info block located at physical address infoPhys. The
// memory map is stored in regions, which must be large enough to hold every
// entry plus one region each for the kernel image, the info block and the
// framebuffer. The returned Info aliases regions and the info block.
func Parse(infoPhys uintptr, opts Options, regions []boot.MemoryRegion) (boot.Info, *kernel.Error) {
	if infoPhys == 0 {
		return boot.Info{}, errNilInfo
	}

	d := decoder{
		opts:    opts,
		base:    opts.PhysWindow.Addr(infoPhys),
		phys:    infoPhys,
		regions: regions,
	}
	d.info.PhysWindow = opts.PhysWindow

	hdr := (*info)(unsafe.Pointer(d.base))
	if hdr.totalSize < infoHeaderSize+tagHeaderSize {
		return boot.Info{}, errMalformedInfo
	}

	if err := visitTags(d.base, hdr.totalSize, d.visit); err != nil {
		return boot.Info{}, err
	}

	switch {
	case d.err != nil:
		return boot.Info{}, d.err
	case !d.haveMap:
		return boot.Info{}, errNoMemoryMap
	case d.kernelEnd == 0:
		return boot.Info{}, errNoKernelSections
	}

	d.info.KernelVirtAddr = uintptr(d.kernelStart)
	d.info.KernelSize = mem.Size(d.kernelEnd - d.kernelStart)
	d.info.KernelPhysAddr = d.info.KernelVirtAddr
	if opts.KernelVMA != 0 && d.info.KernelVirtAddr >= opts.KernelVMA {
		d.info.KernelPhysAddr -= opts.KernelVMA
	}

	// Memory that the kernel must not hand out even if the firmware
	// reports it as available.
	d.addRegion(uint64(d.info.KernelPhysAddr), uint64(d.info.KernelSize), boot.KernelCode)
	d.addRegion(uint64(infoPhys), uint64(hdr.totalSize), boot.Reserved)
	if fb := d.info.Framebuffer; fb != nil {
		d.addRegion(fb.PhysAddr, uint64(fb.Stride)*uint64(fb.Height), boot.Framebuffer)
	}
	if d.err != nil {
		return boot.Info{}, d.err
	}

	d.info.Regions = d.regions[:d.count]
	kfmt.Logf(kfmt.LevelInfo, "multiboot", "%d memory regions, kernel at 0x%x (%d bytes)", d.count, uint64(d.info.KernelPhysAddr), uint64(d.info.KernelSize))
	return d.info, nil
}

// visitTags invokes visitor with the contents of each tag up to the end tag.
// The visitor returns false to stop the scan.
func visitTags(base uintptr, totalSize uint32, visitor func(tagType, uintptr, uint32) bool) *kernel.Error {
	end := base + uintptr(totalSize)
	for cur := base + infoHeaderSize; ; {
		if cur+tagHeaderSize > end {
			return errMalformedInfo
		}

		hdr := (*tagHeader)(unsafe.Pointer(cur))
		if hdr.tagType == tagMbSectionEnd {
			return nil
		}

		if hdr.size < tagHeaderSize || cur+uintptr(hdr.size) > end {
			return errMalformedInfo
		}

		if !visitor(hdr.tagType, cur+tagHeaderSize, hdr.size-tagHeaderSize) {
			return nil
		}

		cur += uintptr((hdr.size + tagAlignment - 1) &^ (tagAlignment - 1))
	}
}

func (d *decoder) visit(tag tagType, contents uintptr, size uint32) bool {
	switch tag {
	case tagBootCmdLine:
		d.info.CommandLine = cString(contents, size)
	case tagBootLoaderName:
		d.info.BootLoaderName = cString(contents, size)
	case tagMemoryMap:
		d.visitMemoryMap(contents, size)
	case tagElfSymbols:
		d.visitElfSections(contents, size)
	case tagFramebufferInfo:
		d.visitFramebuffer(contents, size)
	case tagAcpiNewRSDP:
		d.info.RSDP = d.phys + (contents - d.base)
		d.acpiNew = true
	case tagAcpiOldRSDP:
		if !d.acpiNew {
			d.info.RSDP = d.phys + (contents - d.base)
		}
	}

	return d.err == nil
}

func (d *decoder) visitMemoryMap(contents uintptr, size uint32) {
	if size < uint32(unsafe.Sizeof(mmapHeader{})) {
		d.err = errMalformedInfo
		return
	}

	hdr := (*mmapHeader)(unsafe.Pointer(contents))
	if hdr.entrySize < uint32(unsafe.Sizeof(MemoryMapEntry{})) {
		d.err = errMalformedInfo
		return
	}

	d.haveMap = true
	for off := uint32(unsafe.Sizeof(mmapHeader{})); off+hdr.entrySize <= size; off += hdr.entrySize {
		entry := (*MemoryMapEntry)(unsafe.Pointer(contents + uintptr(off)))

		kind := boot.Reserved
		if entry.Type == MemAvailable {
			kind = boot.Usable
		}

		if !d.addRegion(entry.PhysAddress, entry.Length, kind) {
			return
		}
	}
}

func (d *decoder) visitElfSections(contents uintptr, size uint32) {
	hdrSize := uint32(unsafe.Sizeof(elfSectionsHeader{}))
	if size < hdrSize {
		d.err = errMalformedInfo
		return
	}

	hdr := (*elfSectionsHeader)(unsafe.Pointer(contents))
	if hdr.entrySize != elf32SectionSize && hdr.entrySize != elf64SectionSize {
		d.err = errUnsupportedSection
		return
	}
	if uint64(hdr.num)*uint64(hdr.entrySize) > uint64(size-hdrSize) {
		d.err = errMalformedInfo
		return
	}

	for i := uint32(0); i < hdr.num; i++ {
		section := contents + uintptr(hdrSize+i*hdr.entrySize)

		var flags, addr, length uint64
		if hdr.entrySize == elf32SectionSize {
			flags = uint64(*(*uint32)(unsafe.Pointer(section + 8)))
			addr = uint64(*(*uint32)(unsafe.Pointer(section + 12)))
			length = uint64(*(*uint32)(unsafe.Pointer(section + 20)))
		} else {
			flags = *(*uint64)(unsafe.Pointer(section + 8))
			addr = *(*uint64)(unsafe.Pointer(section + 16))
			length = *(*uint64)(unsafe.Pointer(section + 32))
		}

		if flags&shfAlloc == 0 || addr == 0 {
			continue
		}

		if d.kernelEnd == 0 || addr < d.kernelStart {
			d.kernelStart = addr
		}
		if addr+length > d.kernelEnd {
			d.kernelEnd = addr + length
		}
	}
}

func (d *decoder) visitFramebuffer(contents uintptr, size uint32) {
	if size < uint32(unsafe.Offsetof(framebufferTag{}.redPosition)) {
		d.err = errMalformedInfo
		return
	}

	tag := (*framebufferTag)(unsafe.Pointer(contents))
	fbInfo = boot.FramebufferInfo{
		PhysAddr:     tag.physAddr,
		Width:        tag.width,
		Height:       tag.height,
		Stride:       tag.pitch,
		BitsPerPixel: tag.bpp,
	}

	switch tag.fbType {
	case FramebufferTypeIndexed:
		fbInfo.Format = boot.PixelIndexed
	case FramebufferTypeEGA:
		fbInfo.Format = boot.PixelText
	default:
		if size < uint32(unsafe.Offsetof(framebufferTag{}.blueMaskSize))+1 {
			d.err = errMalformedInfo
			return
		}

		// RGB means red in the lowest addressed byte of a pixel.
		fbInfo.Format = boot.PixelRGB
		if tag.redPosition > tag.bluePosition {
			fbInfo.Format = boot.PixelBGR
		}
	}

	d.info.Framebuffer = &fbInfo
}

func (d *decoder) addRegion(start, length uint64, kind boot.RegionKind) bool {
	if d.count == len(d.regions) {
		d.err = errTooManyRegions
		return false
	}

	d.regions[d.count] = boot.MemoryRegion{Start: start, Length: length, Kind: kind}
	d.count++
	return true
}

// cString returns the NUL-terminated string stored in the first size bytes
// at addr. The string aliases the info block.
func cString(addr uintptr, size uint32) string {
	var n uint32
	for n < size && *(*byte)(unsafe.Pointer(addr + uintptr(n))) != 0 {
		n++
	}
	if n == 0 {
		return ""
	}
	return unsafe.String((*byte)(unsafe.Pointer(addr)), n)
}
