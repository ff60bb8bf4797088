package multiboot

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyyking/kernel/kernel/boot"
	"github.com/hyyking/kernel/kernel/mem"
)

func parseBytes(t *testing.T, data []byte, opts Options, regions []boot.MemoryRegion) (boot.Info, uintptr, error) {
	t.Helper()
	addr := uintptr(unsafe.Pointer(&data[0]))
	info, err := Parse(addr, opts, regions)
	if err != nil {
		return info, addr, err
	}
	return info, addr, nil
}

func TestParseQemuInfo(t *testing.T) {
	data := append([]byte(nil), multibootInfoTestData...)
	addr := uintptr(unsafe.Pointer(&data[0]))

	var regions [16]boot.MemoryRegion
	info, err := Parse(addr, Options{}, regions[:])
	require.Nil(t, err)

	assert.Equal(t, []boot.MemoryRegion{
		{Start: 0, Length: 654336, Kind: boot.Usable},
		{Start: 654336, Length: 1024, Kind: boot.Reserved},
		{Start: 983040, Length: 65536, Kind: boot.Reserved},
		{Start: 1048576, Length: 133038080, Kind: boot.Usable},
		{Start: 134086656, Length: 131072, Kind: boot.Reserved},
		{Start: 4294705152, Length: 262144, Kind: boot.Reserved},
		{Start: 0x100000, Length: 0x985e0, Kind: boot.KernelCode},
		{Start: uint64(addr), Length: uint64(len(data)), Kind: boot.Reserved},
		{Start: 0xb8000, Length: 160 * 25, Kind: boot.Framebuffer},
	}, info.Regions)

	assert.Equal(t, uintptr(0x100000), info.KernelVirtAddr)
	assert.Equal(t, uintptr(0x100000), info.KernelPhysAddr)
	assert.Equal(t, mem.Size(0x985e0), info.KernelSize)

	require.NotNil(t, info.Framebuffer)
	assert.Equal(t, boot.FramebufferInfo{
		PhysAddr:     0xb8000,
		Width:        80,
		Height:       25,
		Stride:       160,
		BitsPerPixel: 16,
		Format:       boot.PixelText,
	}, *info.Framebuffer)

	assert.Equal(t, addr+1320, info.RSDP)
	assert.Equal(t, "RSD PTR ", string(data[1320:1328]))
	assert.Equal(t, "", info.CommandLine)
	assert.Equal(t, "GRUB 2.02~beta2-9ubuntu1.6", info.BootLoaderName)
}

func TestParseUnknownMemoryType(t *testing.T) {
	data := append([]byte(nil), multibootInfoTestData...)

	// Set a bogus type for the first entry in the map
	data[128] = 0xff

	var regions [16]boot.MemoryRegion
	info, _, err := parseBytes(t, data, Options{}, regions[:])
	require.NoError(t, err)
	assert.Equal(t, boot.Reserved, info.Regions[0].Kind)
}

func TestVisitTags(t *testing.T) {
	specs := []struct {
		tagType tagType
		expSize uint32
	}{
		{tagBootCmdLine, 1},
		{tagBootLoaderName, 27},
		{tagBasicMemoryInfo, 8},
		{tagBiosBootDevice, 12},
		{tagMemoryMap, 152},
		{tagFramebufferInfo, 24},
		{tagElfSymbols, 972},
		{tagApmTable, 20},
		{tagAcpiOldRSDP, 20},
	}

	sizes := make(map[tagType]uint32)
	base := uintptr(unsafe.Pointer(&multibootInfoTestData[0]))
	err := visitTags(base, uint32(len(multibootInfoTestData)), func(tag tagType, _ uintptr, size uint32) bool {
		sizes[tag] = size
		return true
	})
	require.Nil(t, err)

	for _, spec := range specs {
		assert.Equal(t, spec.expSize, sizes[spec.tagType], "tag %d", spec.tagType)
	}
	assert.NotContains(t, sizes, tagModules)

	t.Run("stop early", func(t *testing.T) {
		var visited int
		require.Nil(t, visitTags(base, uint32(len(multibootInfoTestData)), func(tagType, uintptr, uint32) bool {
			visited++
			return false
		}))
		assert.Equal(t, 1, visited)
	})
}

// infoBuilder assembles synthetic multiboot info blocks.
type infoBuilder struct {
	buf []byte
}

func newInfoBuilder() *infoBuilder {
	return &infoBuilder{buf: make([]byte, infoHeaderSize)}
}

func (b *infoBuilder) tag(typ tagType, contents []byte) *infoBuilder {
	hdr := make([]byte, tagHeaderSize)
	binary.LittleEndian.PutUint32(hdr, uint32(typ))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(tagHeaderSize+len(contents)))
	b.buf = append(b.buf, hdr...)
	b.buf = append(b.buf, contents...)
	for len(b.buf)%tagAlignment != 0 {
		b.buf = append(b.buf, 0)
	}
	return b
}

func (b *infoBuilder) build() []byte {
	b.tag(tagMbSectionEnd, nil)
	binary.LittleEndian.PutUint32(b.buf, uint32(len(b.buf)))
	return b.buf
}

type le []byte

func (l le) u8(v uint8) le   { return append(l, v) }
func (l le) u16(v uint16) le { return binary.LittleEndian.AppendUint16(l, v) }
func (l le) u32(v uint32) le { return binary.LittleEndian.AppendUint32(l, v) }
func (l le) u64(v uint64) le { return binary.LittleEndian.AppendUint64(l, v) }

func memoryMap(entries ...MemoryMapEntry) []byte {
	out := le(nil).u32(24).u32(0)
	for _, e := range entries {
		out = out.u64(e.PhysAddress).u64(e.Length).u32(uint32(e.Type)).u32(0)
	}
	return out
}

type elfSection struct {
	flags, addr, size uint64
}

func elf64Sections(sections ...elfSection) []byte {
	out := le(nil).u32(uint32(len(sections))).u32(elf64SectionSize).u32(0)
	for _, s := range sections {
		out = out.u32(0).u32(1).u64(s.flags).u64(s.addr).u64(0).u64(s.size).u32(0).u32(0).u64(0).u64(0)
	}
	return out
}

func rgbFramebuffer(redPos, bluePos uint8) []byte {
	return le(nil).u64(0xfd000000).u32(4096).u32(1024).u32(768).u8(32).u8(uint8(FramebufferTypeRGB)).u16(0).
		u8(redPos).u8(8).u8(8).u8(8).u8(bluePos).u8(8)
}

func TestParseSynthetic(t *testing.T) {
	const kernelVMA = 0xffffffff80000000

	data := newInfoBuilder().
		tag(tagBootCmdLine, []byte("console=ttyS0\x00")).
		tag(tagAcpiOldRSDP, make([]byte, 20)).
		tag(tagMemoryMap, memoryMap(
			MemoryMapEntry{PhysAddress: 0, Length: 0x9f000, Type: MemAvailable},
			MemoryMapEntry{PhysAddress: 0x100000, Length: 0x7f00000, Type: MemAvailable},
			MemoryMapEntry{PhysAddress: 0x8000000, Length: 0x10000, Type: MemAcpiReclaimable},
		)).
		tag(tagElfSymbols, elf64Sections(
			elfSection{},
			elfSection{flags: shfAlloc, addr: kernelVMA + 0x200000, size: 0x1000},
			elfSection{flags: shfAlloc | 0x4, addr: kernelVMA + 0x201000, size: 0x3000},
			// debug info does not occupy memory
			elfSection{flags: 0, addr: 0, size: 0x10000},
		)).
		tag(tagFramebufferInfo, rgbFramebuffer(16, 0)).
		tag(tagAcpiNewRSDP, make([]byte, 36)).
		build()

	var regions [8]boot.MemoryRegion
	info, addr, err := parseBytes(t, data, Options{KernelVMA: kernelVMA}, regions[:])
	require.NoError(t, err)

	assert.Equal(t, uintptr(kernelVMA+0x200000), info.KernelVirtAddr)
	assert.Equal(t, uintptr(0x200000), info.KernelPhysAddr)
	assert.Equal(t, mem.Size(0x4000), info.KernelSize)
	assert.Equal(t, "console=ttyS0", info.CommandLine)
	assert.Equal(t, "", info.BootLoaderName)

	require.Len(t, info.Regions, 6)
	assert.Equal(t, boot.MemoryRegion{Start: 0x8000000, Length: 0x10000, Kind: boot.Reserved}, info.Regions[2])
	assert.Equal(t, boot.MemoryRegion{Start: 0x200000, Length: 0x4000, Kind: boot.KernelCode}, info.Regions[3])
	assert.Equal(t, boot.MemoryRegion{Start: uint64(addr), Length: uint64(len(data)), Kind: boot.Reserved}, info.Regions[4])
	assert.Equal(t, boot.MemoryRegion{Start: 0xfd000000, Length: 4096 * 768, Kind: boot.Framebuffer}, info.Regions[5])

	require.NotNil(t, info.Framebuffer)
	assert.Equal(t, boot.PixelBGR, info.Framebuffer.Format)
	assert.Equal(t, uint8(32), info.Framebuffer.BitsPerPixel)

	t.Run("newer ACPI root pointer wins", func(t *testing.T) {
		rsdp := info.RSDP - addr
		assert.Equal(t, uint32(tagAcpiNewRSDP), binary.LittleEndian.Uint32(data[rsdp-tagHeaderSize:]))
	})

	t.Run("RGB byte order", func(t *testing.T) {
		data := newInfoBuilder().
			tag(tagMemoryMap, memoryMap(MemoryMapEntry{Length: 0x100000, Type: MemAvailable})).
			tag(tagElfSymbols, elf64Sections(elfSection{flags: shfAlloc, addr: 0x100000, size: 0x1000})).
			tag(tagFramebufferInfo, rgbFramebuffer(0, 16)).
			build()

		info, _, err := parseBytes(t, data, Options{}, regions[:])
		require.NoError(t, err)
		assert.Equal(t, boot.PixelRGB, info.Framebuffer.Format)
		assert.Equal(t, uintptr(0x100000), info.KernelPhysAddr)
		assert.Zero(t, info.RSDP)
	})
}

func TestParseErrors(t *testing.T) {
	validMap := memoryMap(MemoryMapEntry{Length: 0x100000, Type: MemAvailable})
	validElf := elf64Sections(elfSection{flags: shfAlloc, addr: 0x100000, size: 0x1000})

	truncated := newInfoBuilder().tag(tagMemoryMap, validMap).build()
	binary.LittleEndian.PutUint32(truncated[12:], 0x1000)

	elf32Bad := le(nil).u32(1).u32(48).u32(0).u64(0).u64(0).u64(0).u64(0).u64(0).u64(0)

	specs := []struct {
		name    string
		data    []byte
		regions int
		expErr  error
	}{
		{"header only", []byte{8, 0, 0, 0, 0, 0, 0, 0}, 8, errMalformedInfo},
		{"tag overruns block", truncated, 8, errMalformedInfo},
		{"missing end tag", newInfoBuilder().tag(tagMemoryMap, validMap).buf, 8, errMalformedInfo},
		{"no memory map", newInfoBuilder().tag(tagElfSymbols, validElf).build(), 8, errNoMemoryMap},
		{"no kernel sections", newInfoBuilder().tag(tagMemoryMap, validMap).build(), 8, errNoKernelSections},
		{"bad section size", newInfoBuilder().tag(tagMemoryMap, validMap).tag(tagElfSymbols, elf32Bad).build(), 8, errUnsupportedSection},
		{"bad mmap entry size", newInfoBuilder().tag(tagMemoryMap, le(nil).u32(16).u32(0).u64(0).u64(0)).build(), 8, errMalformedInfo},
		{"too many regions", newInfoBuilder().tag(tagMemoryMap, validMap).tag(tagElfSymbols, validElf).build(), 2, errTooManyRegions},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			data := spec.data
			if binary.LittleEndian.Uint32(data) == 0 {
				// blocks built without the end tag carry no total size
				binary.LittleEndian.PutUint32(data, uint32(len(data)))
			}

			regions := make([]boot.MemoryRegion, spec.regions)
			_, err := Parse(uintptr(unsafe.Pointer(&data[0])), Options{}, regions)
			assert.Equal(t, spec.expErr, err)
		})
	}

	t.Run("nil info", func(t *testing.T) {
		_, err := Parse(0, Options{}, nil)
		assert.Equal(t, errNilInfo, err)
	})
}

func TestMemoryEntryTypeString(t *testing.T) {
	assert.Equal(t, "available", MemAvailable.String())
	assert.Equal(t, "reserved", MemReserved.String())
	assert.Equal(t, "ACPI (reclaimable)", MemAcpiReclaimable.String())
	assert.Equal(t, "NVS", MemNvs.String())
	assert.Equal(t, "unknown", memUnknown.String())
}

var (
	// A dump of multiboot data when running under qemu.
	multibootInfoTestData = []byte{
		72, 5, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 9, 0, 0, 0,
		0, 171, 253, 7, 118, 119, 123, 0, 2, 0, 0, 0, 35, 0, 0, 0,
		71, 82, 85, 66, 32, 50, 46, 48, 50, 126, 98, 101, 116, 97, 50, 45,
		57, 117, 98, 117, 110, 116, 117, 49, 46, 54, 0, 0, 0, 0, 0, 0,
		10, 0, 0, 0, 28, 0, 0, 0, 2, 1, 0, 240, 4, 213, 0, 0,
		0, 240, 0, 240, 3, 0, 240, 255, 240, 255, 240, 255, 0, 0, 0, 0,
		6, 0, 0, 0, 160, 0, 0, 0, 24, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 252, 9, 0, 0, 0, 0, 0,
		1, 0, 0, 0, 0, 0, 0, 0, 0, 252, 9, 0, 0, 0, 0, 0,
		0, 4, 0, 0, 0, 0, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 15, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0,
		2, 0, 0, 0, 0, 0, 0, 0, 0, 0, 16, 0, 0, 0, 0, 0,
		0, 0, 238, 7, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 254, 7, 0, 0, 0, 0, 0, 0, 2, 0, 0, 0, 0, 0,
		2, 0, 0, 0, 0, 0, 0, 0, 0, 0, 252, 255, 0, 0, 0, 0,
		0, 0, 4, 0, 0, 0, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0,
		9, 0, 0, 0, 212, 3, 0, 0, 24, 0, 0, 0, 40, 0, 0, 0,
		21, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 27, 0, 0, 0,
		1, 0, 0, 0, 2, 0, 0, 0, 0, 0, 16, 0, 0, 16, 0, 0,
		24, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 8, 0, 0, 0,
		0, 0, 0, 0, 38, 0, 0, 0, 1, 0, 0, 0, 6, 0, 0, 0,
		0, 16, 16, 0, 0, 32, 0, 0, 135, 26, 4, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 16, 0, 0, 0, 0, 0, 0, 44, 0, 0, 0,
		1, 0, 0, 0, 2, 0, 0, 0, 0, 48, 20, 0, 0, 64, 4, 0,
		194, 167, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 16, 0, 0,
		0, 0, 0, 0, 52, 0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0,
		224, 215, 21, 0, 224, 231, 5, 0, 176, 6, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 32, 0, 0, 0, 0, 0, 0, 0, 62, 0, 0, 0,
		1, 0, 0, 0, 2, 0, 0, 0, 144, 222, 21, 0, 144, 238, 5, 0,
		4, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 4, 0, 0, 0,
		0, 0, 0, 0, 72, 0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0,
		160, 222, 21, 0, 160, 238, 5, 0, 119, 23, 2, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 32, 0, 0, 0, 0, 0, 0, 0, 83, 0, 0, 0,
		7, 0, 0, 0, 2, 0, 0, 0, 32, 246, 23, 0, 32, 6, 8, 0,
		56, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 32, 0, 0, 0,
		0, 0, 0, 0, 100, 0, 0, 0, 1, 0, 0, 0, 3, 0, 0, 0,
		0, 0, 24, 0, 0, 16, 8, 0, 204, 5, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 16, 0, 0, 0, 0, 0, 0, 106, 0, 0, 0,
		1, 0, 0, 0, 3, 0, 0, 0, 224, 5, 24, 0, 224, 21, 8, 0,
		178, 9, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 32, 0, 0, 0,
		0, 0, 0, 0, 117, 0, 0, 0, 8, 0, 0, 0, 3, 4, 0, 0,
		148, 15, 24, 0, 146, 31, 8, 0, 4, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 4, 0, 0, 0, 0, 0, 0, 0, 123, 0, 0, 0,
		8, 0, 0, 0, 3, 0, 0, 0, 0, 16, 24, 0, 146, 31, 8, 0,
		176, 61, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 16, 0, 0,
		0, 0, 0, 0, 128, 0, 0, 0, 8, 0, 0, 0, 3, 0, 0, 0,
		192, 77, 25, 0, 146, 31, 8, 0, 32, 56, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 32, 0, 0, 0, 0, 0, 0, 0, 138, 0, 0, 0,
		1, 0, 0, 0, 0, 0, 0, 0, 224, 133, 25, 0, 146, 31, 8, 0,
		64, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0,
		0, 0, 0, 0, 153, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0,
		32, 134, 25, 0, 210, 31, 8, 0, 129, 26, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 169, 0, 0, 0,
		1, 0, 0, 0, 0, 0, 0, 0, 161, 160, 25, 0, 83, 58, 8, 0,
		2, 201, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0,
		0, 0, 0, 0, 181, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0,
		163, 105, 27, 0, 85, 3, 10, 0, 25, 1, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 195, 0, 0, 0,
		1, 0, 0, 0, 0, 0, 0, 0, 188, 106, 27, 0, 110, 4, 10, 0,
		67, 153, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0,
		0, 0, 0, 0, 207, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0,
		0, 4, 28, 0, 184, 157, 10, 0, 252, 112, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 8, 0, 0, 0, 0, 0, 0, 0, 220, 0, 0, 0,
		1, 0, 0, 0, 0, 0, 0, 0, 252, 116, 28, 0, 180, 14, 11, 0,
		16, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0,
		0, 0, 0, 0, 231, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0,
		12, 117, 28, 0, 196, 14, 11, 0, 239, 79, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 17, 0, 0, 0,
		3, 0, 0, 0, 0, 0, 0, 0, 251, 196, 28, 0, 179, 94, 11, 0,
		247, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0,
		0, 0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0,
		244, 197, 28, 0, 108, 99, 11, 0, 80, 77, 0, 0, 23, 0, 0, 0,
		210, 4, 0, 0, 4, 0, 0, 0, 16, 0, 0, 0, 9, 0, 0, 0,
		3, 0, 0, 0, 0, 0, 0, 0, 68, 19, 29, 0, 188, 176, 11, 0,
		107, 104, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 4, 0, 0, 0, 16, 0, 0, 0,
		127, 2, 0, 0, 128, 251, 1, 0, 5, 0, 0, 0, 20, 0, 0, 0,
		224, 0, 0, 0, 255, 255, 255, 255, 255, 255, 255, 255, 0, 0, 0, 0,
		8, 0, 0, 0, 32, 0, 0, 0, 0, 128, 11, 0, 0, 0, 0, 0,
		160, 0, 0, 0, 80, 0, 0, 0, 25, 0, 0, 0, 16, 2, 0, 0,
		14, 0, 0, 0, 28, 0, 0, 0, 82, 83, 68, 32, 80, 84, 82, 32,
		89, 66, 79, 67, 72, 83, 32, 0, 220, 24, 254, 7, 0, 0, 0, 0,
		0, 0, 0, 0, 8, 0, 0, 0,
	}
)
