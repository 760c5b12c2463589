// Package dma hands device drivers memory regions that are physically
// contiguous and therefore safe to program into hardware DMA engines
// (descriptor rings, request buffers and the like). Regions are backed by
// whole pages obtained from the pmm allocator in a single run, so the
// physical contiguity guarantee is inherited directly from the page
// allocator rather than being stitched together here.
//
// A region is exclusively owned by the driver that allocated it for its
// whole lifetime; the live-region catalogue only holds bookkeeping entries
// keyed by opaque handles and never reclaims a region behind its owner's
// back. Memory-ordering barriers between writing a region and notifying the
// device (and between a completion signal and reading the region) are the
// driver's responsibility.
//
// Physical and software-visible addresses are currently identical because
// the kernel runs identity-mapped. Regions still carry both so that a
// future kernel-space mapping step only needs to touch Alloc and Free.
package dma

import (
	"thunderos/kernel"
	"thunderos/kernel/kfmt"
	"thunderos/kernel/mm"
	"thunderos/kernel/mm/pmm"
)

// Flag describes allocation options for a DMA region.
type Flag uint8

const (
	// FlagZero requests that the region contents are zero-filled before
	// the region is handed to the caller. Zeroing is never implicit:
	// most descriptor rings are fully initialized by their driver and
	// paying for a second pass over the region would be wasted work.
	FlagZero Flag = 1 << iota
)

// Handle names a live DMA region. Handles are never reused, so a stale
// handle held after Free cannot alias a newer region.
type Handle uint64

// NilHandle is the zero Handle; it never names a region.
const NilHandle = Handle(0)

var (
	errZeroSize     = &kernel.Error{Module: "dma", Message: "region size must be greater than zero"}
	errSizeOverflow = &kernel.Error{Module: "dma", Message: "region size overflows when rounded up to whole pages"}

	// reserveEntryFn allocates the bookkeeping entry for a new region.
	// It is a package variable so tests can exercise the
	// bookkeeping-allocation failure path.
	reserveEntryFn = func() (*region, *kernel.Error) {
		return &region{}, nil
	}
)

// region is the catalogue entry for one live DMA region.
type region struct {
	// addr is the software-visible address of the region and phys the
	// physical address a driver programs into hardware.
	addr uintptr
	phys uintptr

	// size is the page-rounded region length in bytes.
	size uintptr
}

// RegionAllocator maintains the catalogue of live DMA regions.
type RegionAllocator struct {
	regions    map[Handle]*region
	lastHandle Handle
	liveBytes  uintptr
}

// Init prepares an empty region catalogue.
func (a *RegionAllocator) Init() {
	a.regions = make(map[Handle]*region)
	a.lastHandle = NilHandle
	a.liveBytes = 0
}

// Alloc reserves a physically contiguous region of at least size bytes and
// returns its handle. The size is rounded up to whole pages. When flags
// contains FlagZero the region is zero-filled before it is returned.
//
// If the bookkeeping entry cannot be allocated, the already reserved pages
// are returned to the page allocator before the error is reported, so a
// failed Alloc never leaks physical memory.
func (a *RegionAllocator) Alloc(size uintptr, flags Flag) (Handle, *kernel.Error) {
	if size == 0 {
		return NilHandle, errZeroSize
	}
	if size > ^uintptr(0)-(mm.PageSize-1) {
		return NilHandle, errSizeOverflow
	}

	pages := uint((size + mm.PageSize - 1) >> mm.PageShift)
	rounded := uintptr(pages) << mm.PageShift

	addr, err := pmm.AllocPages(pages)
	if err != nil {
		return NilHandle, err
	}

	entry, err := reserveEntryFn()
	if err != nil {
		if ferr := pmm.FreePages(addr, pages); ferr != nil {
			kfmt.Printf("dma: failed to return %d pages at 0x%x: %s\n", pages, addr, ferr.Message)
		}
		return NilHandle, err
	}

	if flags&FlagZero != 0 {
		kernel.Memset(addr, 0, rounded)
	}

	entry.addr = addr
	entry.phys = addr
	entry.size = rounded

	a.lastHandle++
	a.regions[a.lastHandle] = entry
	a.liveBytes += rounded

	return a.lastHandle, nil
}

// Free releases the region named by h: its backing pages go back to the
// page allocator and its catalogue entry is removed. Freeing a handle that
// does not name a live region is a no-op.
func (a *RegionAllocator) Free(h Handle) *kernel.Error {
	entry, live := a.regions[h]
	if !live {
		return nil
	}

	if err := pmm.FreePages(entry.phys, uint(entry.size>>mm.PageShift)); err != nil {
		return err
	}

	delete(a.regions, h)
	a.liveBytes -= entry.size

	return nil
}

// Addr returns the software-visible address of a live region, or 0 if h
// does not name one.
func (a *RegionAllocator) Addr(h Handle) uintptr {
	if entry, live := a.regions[h]; live {
		return entry.addr
	}
	return 0
}

// PhysAddr returns the physical address of a live region, or 0 if h does
// not name one.
func (a *RegionAllocator) PhysAddr(h Handle) uintptr {
	if entry, live := a.regions[h]; live {
		return entry.phys
	}
	return 0
}

// SizeOf returns the page-rounded size in bytes of a live region, or 0 if h
// does not name one.
func (a *RegionAllocator) SizeOf(h Handle) uintptr {
	if entry, live := a.regions[h]; live {
		return entry.size
	}
	return 0
}

// Stats returns the number of live regions and their total size in bytes.
func (a *RegionAllocator) Stats() (regions uint, bytes uintptr) {
	return uint(len(a.regions)), a.liveBytes
}

// allocator is the system-wide DMA region catalogue.
var allocator RegionAllocator

// Init prepares the system DMA region allocator. It must be called after
// pmm.Init since every region is backed by pmm pages.
func Init() {
	allocator.Init()
}

// Alloc reserves a physically contiguous DMA region from the system
// catalogue.
func Alloc(size uintptr, flags Flag) (Handle, *kernel.Error) {
	return allocator.Alloc(size, flags)
}

// Free releases a region allocated with Alloc.
func Free(h Handle) *kernel.Error {
	return allocator.Free(h)
}

// Addr returns the software-visible address of a live region.
func Addr(h Handle) uintptr {
	return allocator.Addr(h)
}

// PhysAddr returns the physical address of a live region.
func PhysAddr(h Handle) uintptr {
	return allocator.PhysAddr(h)
}

// SizeOf returns the page-rounded size of a live region.
func SizeOf(h Handle) uintptr {
	return allocator.SizeOf(h)
}

// Stats reports the live-region count and total live bytes.
func Stats() (regions uint, bytes uintptr) {
	return allocator.Stats()
}
