//go:build linux || darwin

package physmem

import "unsafe"

func (r *RAM) base() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(r.data)))
}
