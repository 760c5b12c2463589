// Package mm defines the frame and page types shared by the physical and
// virtual memory managers together with the frame provider hooks that
// decouple the two.
package mm

import (
	"math"

	"thunderos/kernel"
)

// Frame describes a physical memory page index.
type Frame uintptr

// InvalidFrame is returned by page allocators when they cannot satisfy a
// reservation request. It also acts as the "allocate for me" sentinel for
// mapping calls that accept an optional physical page.
const InvalidFrame = Frame(math.MaxUint64)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address of the first byte of the
// page described by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns the Frame containing the given physical address.
// Addresses that are not page-aligned are rounded down to the frame that
// contains them.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame(physAddr >> PageShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual memory address of the first byte of this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns the Page containing the given virtual address.
// Addresses that are not page-aligned are rounded down to the page that
// contains them.
func PageFromAddress(virtAddr uintptr) Page {
	return Page(virtAddr >> PageShift)
}

// FrameAllocatorFn is a function that can reserve a physical frame.
type FrameAllocatorFn func() (Frame, *kernel.Error)

// FrameReleaserFn is a function that returns a previously reserved physical
// frame to its allocator.
type FrameReleaserFn func(Frame) *kernel.Error

var (
	frameAllocator FrameAllocatorFn
	frameReleaser  FrameReleaserFn
)

// SetFrameProvider registers the allocate/release function pair the vmm
// code uses when page-table pages and mapping frames need to be reserved or
// returned. The physical allocator registers itself here during Init; tests
// register arena-backed providers.
func SetFrameProvider(alloc FrameAllocatorFn, release FrameReleaserFn) {
	frameAllocator = alloc
	frameReleaser = release
}

// AllocFrame reserves a physical frame using the registered provider.
func AllocFrame() (Frame, *kernel.Error) {
	return frameAllocator()
}

// ReleaseFrame returns a physical frame to the registered provider.
func ReleaseFrame(f Frame) *kernel.Error {
	return frameReleaser(f)
}
