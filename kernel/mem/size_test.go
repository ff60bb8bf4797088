package mem

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSizeToPages(t *testing.T) {
	specs := []struct {
		size     Size
		expPages uint64
	}{
		{0, 0},
		{1 * Byte, 1},
		{PageSize, 1},
		{PageSize + 1, 2},
		{1023 * Kb, 256},
		{1024 * Kb, 256},
	}

	for _, spec := range specs {
		assert.Equalf(t, spec.expPages, spec.size.Pages(), "Pages(%d bytes)", spec.size)
	}
}

func TestAlign(t *testing.T) {
	assert.Equal(t, Size(32), Size(17).AlignUp(16))
	assert.Equal(t, Size(16), Size(16).AlignUp(16))
	assert.Equal(t, uintptr(0x2000), AlignUp(0x1001, PageSize))
	assert.Equal(t, uintptr(0x1000), AlignUp(0x1000, PageSize))
	assert.Equal(t, uintptr(0x1000), AlignDown(0x1fff, PageSize))
}

func TestIsPowerOfTwo(t *testing.T) {
	for _, s := range []Size{1, 2, 16, PageSize, Gb} {
		assert.Truef(t, s.IsPowerOfTwo(), "expected %d to be a power of two", s)
	}
	for _, s := range []Size{0, 3, 24, PageSize + 1} {
		assert.Falsef(t, s.IsPowerOfTwo(), "expected %d not to be a power of two", s)
	}
}

func TestPhysWindow(t *testing.T) {
	w := PhysWindow(0xffff800000000000)
	assert.Equal(t, uintptr(0xffff800000001000), w.Addr(0x1000))
}
