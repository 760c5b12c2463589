package kernel

import "unsafe"

// Memset writes size copies of value starting at the supplied physical
// address. The kernel runs identity-mapped so the address can be
// dereferenced directly by overlaying a byte slice on top of it. Instead of
// a byte-at-a-time loop the written prefix is doubled with copy, needing
// only log2(size) passes; page-sized regions are the common case and their
// sizes are always powers of two.
func Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	target := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)

	target[0] = value
	for filled := uintptr(1); filled < size; filled *= 2 {
		copy(target[filled:], target[:filled])
	}
}

// Memcopy copies size bytes from the physical address src to the physical
// address dst. The regions must not overlap.
func Memcopy(src, dst uintptr, size uintptr) {
	if size == 0 {
		return
	}

	srcSlice := unsafe.Slice((*byte)(unsafe.Pointer(src)), size)
	dstSlice := unsafe.Slice((*byte)(unsafe.Pointer(dst)), size)
	copy(dstSlice, srcSlice)
}
