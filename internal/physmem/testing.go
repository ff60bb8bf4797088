//go:build linux || darwin

package physmem

import (
	"testing"

	"github.com/hyyking/kernel/kernel/mem"
)

// NewForTest maps size bytes of RAM that is released when the test ends.
func NewForTest(tb testing.TB, size mem.Size) *RAM {
	tb.Helper()

	ram, err := New(size)
	if err != nil {
		tb.Fatalf("physmem: %v", err)
	}
	tb.Cleanup(func() {
		ram.Close()
	})
	return ram
}
