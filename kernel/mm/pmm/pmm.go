// Package pmm implements the kernel's physical page allocator. Every page
// inside the managed range is tracked as a single bit in a bit-vector that
// is sized when the allocator is initialized with the boot-reported memory
// range; there is no compile-time ceiling on the amount of managed memory.
//
// Allocation is first-fit from the lowest page: deterministic and O(total)
// in the worst case. The allocator favors simplicity over fragmentation
// resistance, which is acceptable for the short-lived contiguous runs the
// DMA layer requests.
//
// The bitmap is mutated without locks. This is only safe under the
// kernel's cooperative single-hart scheduling model where interrupt
// handlers never allocate or free memory.
package pmm

import (
	"math/bits"

	"thunderos/kernel"
	"thunderos/kernel/kfmt"
	"thunderos/kernel/mm"
)

var (
	// ErrOutOfMemory is returned when no free page (or no contiguous run
	// of free pages large enough) exists in the managed range. This
	// failure is recoverable: the caller may retry after freeing memory
	// or fail its own request upstream.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of physical memory"}

	errZeroPageCount    = &kernel.Error{Module: "pmm", Message: "page count must be greater than zero"}
	errMisalignedAddr   = &kernel.Error{Module: "pmm", Message: "address is not page-aligned"}
	errFrameOutOfRange  = &kernel.Error{Module: "pmm", Message: "page is outside the managed range"}
	errPageNotAllocated = &kernel.Error{Module: "pmm", Message: "page is already free or was never allocated"}
)

// BitmapAllocator tracks the allocation state of every physical page in a
// contiguous managed range. Each page maps to one bit: 0 when free, 1 when
// allocated.
type BitmapAllocator struct {
	// baseFrame is the first managed frame. Bit i of the bitmap tracks
	// frame (baseFrame + i).
	baseFrame mm.Frame

	// totalPages and freePages track the managed page count and how many
	// of those pages are currently free. The invariant
	// freePages == totalPages - popcount(bitmap) holds after every
	// mutation.
	totalPages uint
	freePages  uint

	bitmap []uint64
}

// Init places the managed range over [base, base+size). The base address is
// aligned up to the next page boundary and the page count is whatever fits
// in the remainder; a range too small to contain a single page is valid and
// produces an allocator that reports out-of-memory for every request.
func (a *BitmapAllocator) Init(base, size uintptr) *kernel.Error {
	alignedBase := (base + mm.PageSize - 1) &^ (mm.PageSize - 1)
	slack := alignedBase - base

	a.baseFrame = mm.FrameFromAddress(alignedBase)
	a.totalPages = 0
	if size > slack {
		a.totalPages = uint((size - slack) >> mm.PageShift)
	}
	a.freePages = a.totalPages
	a.bitmap = make([]uint64, (a.totalPages+63)>>6)

	return nil
}

// AllocFrame reserves the lowest-numbered free page and returns its frame.
func (a *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	if a.freePages == 0 {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	// Any word with a clear bit contains a free page. Since freePages is
	// non-zero, the first clear bit is guaranteed to land inside the
	// managed range: the only other clear bits are the tail bits of the
	// last word, which sit above every real page.
	for wordIdx, word := range a.bitmap {
		if word == ^uint64(0) {
			continue
		}

		bitIdx := uint(wordIdx<<6) + uint(bits.TrailingZeros64(^word))
		a.bitmap[wordIdx] |= 1 << (bitIdx & 63)
		a.freePages--
		return a.baseFrame + mm.Frame(bitIdx), nil
	}

	return mm.InvalidFrame, ErrOutOfMemory
}

// AllocFrames reserves a run of n physically consecutive free pages and
// returns the first frame of the run. The reservation is all-or-nothing:
// either every page in the returned run is marked allocated or the bitmap
// is left untouched and an error is returned.
func (a *BitmapAllocator) AllocFrames(n uint) (mm.Frame, *kernel.Error) {
	if n == 0 {
		return mm.InvalidFrame, errZeroPageCount
	}
	if n > a.freePages {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	var run uint
	for bitIdx := uint(0); bitIdx < a.totalPages; bitIdx++ {
		if a.isAllocated(bitIdx) {
			run = 0
			continue
		}

		if run++; run == n {
			first := bitIdx - n + 1
			for idx := first; idx <= bitIdx; idx++ {
				a.bitmap[idx>>6] |= 1 << (idx & 63)
			}
			a.freePages -= n
			return a.baseFrame + mm.Frame(first), nil
		}
	}

	return mm.InvalidFrame, ErrOutOfMemory
}

// FreeFrame returns a single allocated page to the allocator.
func (a *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	return a.FreeFrames(frame, 1)
}

// FreeFrames returns the run of n pages starting at frame to the allocator.
// The whole run is validated before any bit changes: a run that is out of
// range or contains a page that is not currently allocated is rejected with
// the bitmap left exactly as it was. Rejections signal caller bugs
// (double-free, stray pointer) and are reportable but never corrupt
// allocator state.
func (a *BitmapAllocator) FreeFrames(frame mm.Frame, n uint) *kernel.Error {
	if n == 0 {
		return errZeroPageCount
	}
	if frame < a.baseFrame {
		return errFrameOutOfRange
	}

	// Checked as a subtraction so a huge n cannot wrap the comparison
	// past totalPages and sneak through validation.
	first := uint(frame - a.baseFrame)
	if first >= a.totalPages || n > a.totalPages-first {
		return errFrameOutOfRange
	}

	for idx := first; idx < first+n; idx++ {
		if !a.isAllocated(idx) {
			return errPageNotAllocated
		}
	}

	for idx := first; idx < first+n; idx++ {
		a.bitmap[idx>>6] &^= 1 << (idx & 63)
	}
	a.freePages += n

	return nil
}

// Stats returns the total and currently free page counts. It performs no
// mutation and never blocks.
func (a *BitmapAllocator) Stats() (total, free uint) {
	return a.totalPages, a.freePages
}

func (a *BitmapAllocator) isAllocated(bitIdx uint) bool {
	return a.bitmap[bitIdx>>6]&(1<<(bitIdx&63)) != 0
}

// allocator is the allocator instance covering the boot-reported usable
// memory range.
var allocator BitmapAllocator

// Init sets up the physical page allocator over the usable memory range
// reported by the boot handoff and registers it as the system frame
// provider consumed by the vmm code.
func Init(base, size uintptr) *kernel.Error {
	if err := allocator.Init(base, size); err != nil {
		return err
	}

	mm.SetFrameProvider(allocFrame, releaseFrame)

	total, _ := allocator.Stats()
	kfmt.Printf("pmm: managing %d pages (%d KiB) at 0x%x\n", total, total<<(mm.PageShift-10), allocator.baseFrame.Address())
	return nil
}

// allocFrame and releaseFrame adapt the allocator methods to the mm frame
// provider signatures. Standalone functions (rather than method values)
// keep the allocator out of the compiler's escape analysis.
func allocFrame() (mm.Frame, *kernel.Error) {
	return allocator.AllocFrame()
}

func releaseFrame(frame mm.Frame) *kernel.Error {
	return allocator.FreeFrame(frame)
}

// AllocPage reserves the lowest free page and returns its physical address.
func AllocPage() (uintptr, *kernel.Error) {
	frame, err := allocator.AllocFrame()
	if err != nil {
		return 0, err
	}
	return frame.Address(), nil
}

// AllocPages reserves n physically consecutive pages and returns the
// address of the first one.
func AllocPages(n uint) (uintptr, *kernel.Error) {
	frame, err := allocator.AllocFrames(n)
	if err != nil {
		return 0, err
	}
	return frame.Address(), nil
}

// FreePage returns the page at addr to the allocator. The address must be
// page-aligned and refer to a currently allocated page in the managed
// range.
func FreePage(addr uintptr) *kernel.Error {
	return FreePages(addr, 1)
}

// FreePages returns the n-page run starting at addr to the allocator.
func FreePages(addr uintptr, n uint) *kernel.Error {
	if addr&(mm.PageSize-1) != 0 {
		return errMisalignedAddr
	}
	return allocator.FreeFrames(mm.FrameFromAddress(addr), n)
}

// Stats reports the total and free page counts of the managed range.
func Stats() (total, free uint) {
	return allocator.Stats()
}
