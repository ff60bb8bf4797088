package boot

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hyyking/kernel/kernel/mem"
)

func TestRegionKind(t *testing.T) {
	specs := []struct {
		kind     RegionKind
		name     string
		seedable bool
	}{
		{Reserved, "reserved", false},
		{Usable, "usable", true},
		{KernelCode, "kernel", false},
		{BootloaderReclaimable, "bootloader-reclaimable", true},
		{Framebuffer, "framebuffer", false},
		{RegionKind(99), "unknown", false},
	}

	for _, spec := range specs {
		assert.Equal(t, spec.name, spec.kind.String())
		assert.Equal(t, spec.seedable, spec.kind.Seedable(), spec.name)
	}
}

func TestRegionOverlaps(t *testing.T) {
	r := MemoryRegion{Start: 0x1000, Length: 0x2000}

	assert.Equal(t, uint64(0x3000), r.End())
	assert.True(t, r.Overlaps(0x0, 0x1001))
	assert.True(t, r.Overlaps(0x2fff, 0x4000))
	assert.False(t, r.Overlaps(0x0, 0x1000))
	assert.False(t, r.Overlaps(0x3000, 0x4000))
	assert.False(t, MemoryRegion{Start: 0x1000}.Overlaps(0x0, 0x2000))
}

func TestInfo(t *testing.T) {
	info := Info{
		Regions: []MemoryRegion{
			{Start: 0, Length: 0x9f000, Kind: Usable},
			{Start: 0x9f000, Length: 0x1000, Kind: Reserved},
			{Start: 0x100000, Length: 0x100000, Kind: BootloaderReclaimable},
		},
		KernelPhysAddr: 0x200000,
		KernelSize:     3 * mem.PageSize,
	}

	assert.Equal(t, uintptr(0x203000), info.KernelPhysEnd())
	assert.Equal(t, mem.Size(0x9f000+0x100000), info.UsableMemory())
}
