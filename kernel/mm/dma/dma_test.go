package dma

import (
	"testing"
	"unsafe"

	"thunderos/kernel"
	"thunderos/kernel/mm"
	"thunderos/kernel/mm/pmm"
)

// testArena provides the physical pages behind the allocator under test.
// Using a static buffer keeps its address stable and low enough to act as
// a plausible physical address.
var testArena [33 * 4096]byte

// bootAllocators points the page allocator at the test arena and resets
// the DMA catalogue. The arena contents are dirtied so that zero-fill
// checks prove something.
func bootAllocators(t *testing.T) (base uintptr, pages uint) {
	t.Helper()

	for i := range testArena {
		testArena[i] = 0xaa
	}

	base = (uintptr(unsafe.Pointer(&testArena[0])) + mm.PageSize - 1) &^ (mm.PageSize - 1)
	pages = uint(len(testArena))>>mm.PageShift - 1

	if err := pmm.Init(base, uintptr(pages)<<mm.PageShift); err != nil {
		t.Fatal(err)
	}
	Init()

	return base, pages
}

func byteAt(addr uintptr) byte {
	return *(*byte)(unsafe.Pointer(addr))
}

func TestAllocZeroFill(t *testing.T) {
	base, pages := bootAllocators(t)

	h, err := Alloc(8192, FlagZero)
	if err != nil {
		t.Fatal(err)
	}

	if got := SizeOf(h); got != 8192 {
		t.Fatalf("expected region size 8192; got %d", got)
	}

	addr := Addr(h)
	if addr != PhysAddr(h) {
		t.Fatalf("expected identity-mapped region; got addr 0x%x, phys 0x%x", addr, PhysAddr(h))
	}

	// First byte, last byte and one in the middle must read zero.
	for _, offset := range []uintptr{0, 4096, 8191} {
		if got := byteAt(addr + offset); got != 0 {
			t.Fatalf("expected zero-filled byte at offset %d; got 0x%x", offset, got)
		}
	}

	// The backing pages are physically consecutive inside the managed
	// range: writing across the page boundary lands in the same region.
	if addr < base || addr+8192 > base+uintptr(pages)<<mm.PageShift {
		t.Fatalf("expected the region to lie inside the managed range; got 0x%x", addr)
	}
	*(*byte)(unsafe.Pointer(addr + 4095)) = 0x11
	*(*byte)(unsafe.Pointer(addr + 4096)) = 0x22
	if byteAt(addr+4095) != 0x11 || byteAt(PhysAddr(h)+4096) != 0x22 {
		t.Fatal("expected the second page to start one page after the first")
	}
}

func TestAllocWithoutZeroFillLeavesContents(t *testing.T) {
	bootAllocators(t)

	h, err := Alloc(4096, 0)
	if err != nil {
		t.Fatal(err)
	}

	if got := byteAt(Addr(h)); got != 0xaa {
		t.Fatalf("expected unzeroed region to keep its previous contents; got 0x%x", got)
	}
}

func TestAllocRoundsSizeUpToPages(t *testing.T) {
	bootAllocators(t)

	h, err := Alloc(100, 0)
	if err != nil {
		t.Fatal(err)
	}

	if got := SizeOf(h); got != uintptr(mm.PageSize) {
		t.Fatalf("expected size to round up to %d; got %d", mm.PageSize, got)
	}

	if regions, bytes := Stats(); regions != 1 || bytes != uintptr(mm.PageSize) {
		t.Fatalf("expected stats (1, %d); got (%d, %d)", mm.PageSize, regions, bytes)
	}
}

func TestAllocZeroSize(t *testing.T) {
	bootAllocators(t)

	if _, err := Alloc(0, 0); err != errZeroSize {
		t.Fatalf("expected errZeroSize; got %v", err)
	}
}

func TestAllocSizeOverflow(t *testing.T) {
	bootAllocators(t)

	_, freeBefore := pmm.Stats()

	// Sizes within a page of the address-space limit would wrap to a
	// tiny page count when rounded up; they must be rejected up front.
	for _, size := range []uintptr{^uintptr(0), ^uintptr(0) - (mm.PageSize - 2)} {
		if _, err := Alloc(size, 0); err != errSizeOverflow {
			t.Fatalf("expected errSizeOverflow for size 0x%x; got %v", size, err)
		}
	}

	if _, free := pmm.Stats(); free != freeBefore {
		t.Fatalf("expected free page count to stay at %d; got %d", freeBefore, free)
	}
	if regions, bytes := Stats(); regions != 0 || bytes != 0 {
		t.Fatalf("expected an empty catalogue; got (%d, %d)", regions, bytes)
	}
}

func TestAllocPropagatesExhaustion(t *testing.T) {
	_, pages := bootAllocators(t)

	_, freeBefore := pmm.Stats()
	if _, err := Alloc(uintptr(pages+1)<<mm.PageShift, 0); err != pmm.ErrOutOfMemory {
		t.Fatalf("expected pmm.ErrOutOfMemory; got %v", err)
	}
	if _, free := pmm.Stats(); free != freeBefore {
		t.Fatalf("expected free page count to stay at %d; got %d", freeBefore, free)
	}
}

func TestAllocBookkeepingFailureReturnsPages(t *testing.T) {
	defer func(orig func() (*region, *kernel.Error)) {
		reserveEntryFn = orig
	}(reserveEntryFn)

	bootAllocators(t)

	expErr := &kernel.Error{Module: "test", Message: "bookkeeping storage exhausted"}
	reserveEntryFn = func() (*region, *kernel.Error) {
		return nil, expErr
	}

	_, freeBefore := pmm.Stats()

	if _, err := Alloc(3*4096, FlagZero); err != expErr {
		t.Fatalf("expected the injected bookkeeping error; got %v", err)
	}

	if _, free := pmm.Stats(); free != freeBefore {
		t.Fatalf("expected the already-reserved pages to be returned: free count was %d, now %d", freeBefore, free)
	}
	if regions, bytes := Stats(); regions != 0 || bytes != 0 {
		t.Fatalf("expected an empty catalogue; got (%d, %d)", regions, bytes)
	}
}

func TestFree(t *testing.T) {
	bootAllocators(t)

	_, freeBefore := pmm.Stats()

	h, err := Alloc(2*4096, 0)
	if err != nil {
		t.Fatal(err)
	}

	if err = Free(h); err != nil {
		t.Fatal(err)
	}

	if _, free := pmm.Stats(); free != freeBefore {
		t.Fatalf("expected the backing pages back in the page allocator: free count was %d, now %d", freeBefore, free)
	}
	if regions, _ := Stats(); regions != 0 {
		t.Fatalf("expected no live regions; got %d", regions)
	}

	// The handle is now stale: freeing it again and querying it are
	// harmless no-ops.
	if err = Free(h); err != nil {
		t.Fatalf("expected freeing a stale handle to be a no-op; got %v", err)
	}
	if Free(NilHandle) != nil {
		t.Fatal("expected freeing NilHandle to be a no-op")
	}
	if Addr(h) != 0 || PhysAddr(h) != 0 || SizeOf(h) != 0 {
		t.Fatal("expected accessors on a stale handle to return 0")
	}
}

func TestHandlesAreNotReused(t *testing.T) {
	bootAllocators(t)

	h1, err := Alloc(4096, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err = Free(h1); err != nil {
		t.Fatal(err)
	}

	h2, err := Alloc(4096, 0)
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Fatal("expected a freed handle to never be reissued")
	}
}

func TestStats(t *testing.T) {
	bootAllocators(t)

	h1, err := Alloc(4096, 0)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := Alloc(3*4096, 0)
	if err != nil {
		t.Fatal(err)
	}

	if regions, bytes := Stats(); regions != 2 || bytes != 4*4096 {
		t.Fatalf("expected stats (2, %d); got (%d, %d)", 4*4096, regions, bytes)
	}

	if err = Free(h1); err != nil {
		t.Fatal(err)
	}
	if err = Free(h2); err != nil {
		t.Fatal(err)
	}

	if regions, bytes := Stats(); regions != 0 || bytes != 0 {
		t.Fatalf("expected stats (0, 0); got (%d, %d)", regions, bytes)
	}
}
