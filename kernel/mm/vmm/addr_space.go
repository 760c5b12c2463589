// Package vmm builds and manages the per-process Sv39 page table trees the
// MMU consults on every memory access. Each tree maps the kernel (copied
// from a canonical kernel tree so the kernel stays resolvable after a
// privilege transition) plus whatever code and data ranges were explicitly
// granted to the process; the permission bits installed here are the
// system's only defense against user code reaching kernel or other-process
// memory.
//
// Page table trees are mutated without locks: the kernel's cooperative
// single-hart scheduling model guarantees a tree is never edited
// concurrently with itself, and a tree is never edited while it is the
// active one.
package vmm

import (
	"unsafe"

	"thunderos/kernel"
	"thunderos/kernel/cpu"
	"thunderos/kernel/kfmt"
	"thunderos/kernel/mm"
)

var (
	// ErrPermissionDenied is returned by Probe when a mapping exists but
	// does not grant the requested access.
	ErrPermissionDenied = &kernel.Error{Module: "vmm", Message: "mapping does not grant the requested access"}

	errNotInitialized      = &kernel.Error{Module: "vmm", Message: "kernel address space has not been initialized"}
	errMisalignedVirtAddr  = &kernel.Error{Module: "vmm", Message: "virtual address is not page-aligned"}
	errZeroSize            = &kernel.Error{Module: "vmm", Message: "mapping size must be greater than zero"}
	errKernelRange         = &kernel.Error{Module: "vmm", Message: "virtual range overlaps a kernel-owned region"}
	errAlreadyMapped       = &kernel.Error{Module: "vmm", Message: "virtual page is already mapped"}
	errSpaceDestroyed      = &kernel.Error{Module: "vmm", Message: "address space has been destroyed"}
	errSpaceActive         = &kernel.Error{Module: "vmm", Message: "address space is active"}
	errKernelSpaceTeardown = &kernel.Error{Module: "vmm", Message: "the kernel address space cannot be destroyed"}

	// The following variables default to the cpu package CSR accessors
	// and are overridden by tests, which cannot touch the real registers.
	switchSatpFn = cpu.SwitchSatp
	sfenceVMAFn  = cpu.SfenceVMA
	satpFn       = cpu.Satp

	// kernelSpace is the canonical kernel page table tree built by Init.
	// Its top-level entries are copied into every address space created
	// afterwards and are treated as frozen: nothing in the kernel edits
	// kernel mappings after boot.
	kernelSpace *AddressSpace
)

// AddressSpace describes one page table tree. The zero value is unusable;
// address spaces are produced by Init (the kernel's) and Create (every
// process's).
type AddressSpace struct {
	root mm.Frame
}

// Kernel returns the canonical kernel address space, or nil before Init.
func Kernel() *AddressSpace {
	return kernelSpace
}

// Init builds the canonical kernel address space: the kernel image
// [kernelStart, kernelEnd) is identity-mapped readable and executable and
// the managed memory range [ramBase, ramBase+ramSize) identity-mapped
// readable and writable, all flagged global and never user-accessible.
// The resulting tree is the template whose top-level entries every later
// Create copies.
func Init(kernelStart, kernelEnd, ramBase, ramSize uintptr) *kernel.Error {
	root, err := mm.AllocFrame()
	if err != nil {
		return err
	}
	kernel.Memset(root.Address(), 0, mm.PageSize)

	space := &AddressSpace{root: root}

	imageStart := kernelStart &^ (mm.PageSize - 1)
	imageEnd := (kernelEnd + mm.PageSize - 1) &^ (mm.PageSize - 1)
	if err = space.identityMapRange(imageStart, imageEnd, FlagRead|FlagExec|FlagGlobal); err != nil {
		return err
	}

	ramEnd := (ramBase + ramSize + mm.PageSize - 1) &^ (mm.PageSize - 1)
	if err = space.identityMapRange(ramBase&^(mm.PageSize-1), ramEnd, FlagRead|FlagWrite|FlagGlobal); err != nil {
		return err
	}

	kernelSpace = space
	kfmt.Printf("vmm: kernel space rooted at frame 0x%x (image 0x%x-0x%x)\n", uintptr(root), imageStart, imageEnd)
	return nil
}

// identityMapRange installs leaf mappings covering [start, end) where every
// virtual page maps the equally numbered physical frame. Both bounds must
// be page-aligned.
func (as *AddressSpace) identityMapRange(start, end uintptr, flags PageTableEntryFlag) *kernel.Error {
	for addr := start; addr < end; addr += mm.PageSize {
		if err := as.mapLeaf(addr, mm.FrameFromAddress(addr), flags); err != nil {
			return err
		}
	}
	return nil
}

// Create allocates a fresh address space whose kernel-owned top-level
// entries are shallow copies of the canonical kernel tree and whose
// user-owned entries are empty. The copy shares the kernel's lower-level
// tables rather than duplicating them; the kernel tree is frozen after
// boot, so the shared tables never diverge.
func Create() (*AddressSpace, *kernel.Error) {
	if kernelSpace == nil {
		return nil, errNotInitialized
	}

	root, err := mm.AllocFrame()
	if err != nil {
		return nil, err
	}
	kernel.Memset(root.Address(), 0, mm.PageSize)

	for idx := uintptr(0); idx < tableEntries; idx++ {
		kpte := pteAt(kernelSpace.root, idx)
		if kpte.HasFlags(FlagValid) {
			*pteAt(root, idx) = *kpte
		}
	}

	return &AddressSpace{root: root}, nil
}

// MapCode grants the address space the supplied code bytes at virtBase:
// each covered page is backed by a freshly allocated frame holding a copy
// of the corresponding source bytes (zero-filled past the end of code) and
// mapped readable, executable and user-accessible. Code mappings are never
// writable.
//
// On failure no partial mapping survives: every page installed by this call
// is unwound and its frame returned to the page allocator before the error
// is reported.
func (as *AddressSpace) MapCode(virtBase uintptr, code []byte) *kernel.Error {
	size := uintptr(len(code))
	if err := as.validateUserRange(virtBase, size); err != nil {
		return err
	}

	pages := (size + mm.PageSize - 1) >> mm.PageShift
	for i := uintptr(0); i < pages; i++ {
		frame, err := mm.AllocFrame()
		if err != nil {
			as.unwind(virtBase, i)
			return err
		}

		chunk := size - i*mm.PageSize
		if chunk > mm.PageSize {
			chunk = mm.PageSize
		}
		kernel.Memcopy(uintptr(unsafe.Pointer(&code[i*mm.PageSize])), frame.Address(), chunk)
		kernel.Memset(frame.Address()+chunk, 0, mm.PageSize-chunk)

		if err = as.mapLeaf(virtBase+i*mm.PageSize, frame, FlagRead|FlagExec|FlagUser|flagOwned); err != nil {
			mm.ReleaseFrame(frame)
			as.unwind(virtBase, i)
			return err
		}
	}

	return nil
}

// MapMemory grants the address space a readable, user-accessible data range
// of size bytes at virtBase, writable when requested. When physBase is a
// valid frame the range is backed by the caller-supplied physically
// consecutive frames starting there (the caller keeps ownership); when it
// is mm.InvalidFrame each page is backed by a freshly allocated,
// zero-cleared frame owned by the address space. Allocated frames are
// cleared so a new process can never read another's stale data.
//
// On failure the call unwinds the pages it installed, returning any frames
// it allocated, before reporting the error.
func (as *AddressSpace) MapMemory(virtBase uintptr, physBase mm.Frame, size uintptr, writable bool) *kernel.Error {
	if err := as.validateUserRange(virtBase, size); err != nil {
		return err
	}

	flags := FlagRead | FlagUser
	if writable {
		flags |= FlagWrite
	}

	pages := (size + mm.PageSize - 1) >> mm.PageShift
	for i := uintptr(0); i < pages; i++ {
		var (
			frame mm.Frame
			err   *kernel.Error
		)

		if physBase.Valid() {
			frame = physBase + mm.Frame(i)
		} else {
			if frame, err = mm.AllocFrame(); err != nil {
				as.unwind(virtBase, i)
				return err
			}
			kernel.Memset(frame.Address(), 0, mm.PageSize)
			flags |= flagOwned
		}

		if err = as.mapLeaf(virtBase+i*mm.PageSize, frame, flags); err != nil {
			if flags&flagOwned != 0 {
				mm.ReleaseFrame(frame)
			}
			as.unwind(virtBase, i)
			return err
		}
	}

	return nil
}

// mapLeaf installs a last-level entry for the page containing virtAddr.
// The entry must not already be mapped.
func (as *AddressSpace) mapLeaf(virtAddr uintptr, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	pte, err := walk(as.root, virtAddr, true)
	if err != nil {
		return err
	}
	if pte.HasFlags(FlagValid) {
		return errAlreadyMapped
	}

	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags(flags | FlagValid)
	return nil
}

// unwind removes the first installed leaf mappings of a failed MapCode or
// MapMemory call, returning owned frames to the page allocator.
// Intermediate tables allocated on the way stay with the tree; they are
// empty of leaves and reclaimed by Destroy.
func (as *AddressSpace) unwind(virtBase uintptr, installed uintptr) {
	for i := uintptr(0); i < installed; i++ {
		pte, err := walk(as.root, virtBase+i*mm.PageSize, false)
		if err != nil {
			continue
		}
		if pte.HasFlags(FlagValid | flagOwned) {
			mm.ReleaseFrame(pte.Frame())
		}
		*pte = 0
	}
}

// validateUserRange rejects ranges user mappings may not cover: misaligned
// or empty ranges, ranges beyond the canonical Sv39 span and ranges whose
// top-level table slots are owned by the kernel template. Rejected calls
// leave the tree untouched.
func (as *AddressSpace) validateUserRange(virtBase, size uintptr) *kernel.Error {
	switch {
	case kernelSpace == nil:
		return errNotInitialized
	case !as.root.Valid():
		return errSpaceDestroyed
	case virtBase&(mm.PageSize-1) != 0:
		return errMisalignedVirtAddr
	case size == 0:
		return errZeroSize
	case virtBase >= maxVirtAddr || maxVirtAddr-virtBase < size:
		return errVirtAddrTooHigh
	}

	first := tableIndex(virtBase, 0)
	last := tableIndex(virtBase+size-1, 0)
	for idx := first; idx <= last; idx++ {
		if pteAt(kernelSpace.root, idx).HasFlags(FlagValid) {
			return errKernelRange
		}
	}

	return nil
}

// Translate returns the physical address that virtAddr maps to, or
// ErrInvalidMapping when no mapping covers it.
func (as *AddressSpace) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, err := walk(as.root, virtAddr, false)
	if err != nil {
		return 0, err
	}
	if !pte.HasFlags(FlagValid) {
		return 0, ErrInvalidMapping
	}

	return pte.Frame().Address() + virtAddr&(mm.PageSize-1), nil
}

// Probe simulates a hardware access to virtAddr requiring the supplied
// permission flags (e.g. FlagWrite|FlagUser for a user-mode store) and
// returns the translated physical address. A missing mapping reports
// ErrInvalidMapping; a mapping without the required flags reports
// ErrPermissionDenied. On the real MMU this check happens in hardware on
// every access; Probe exists for the trap handler and for tests.
func (as *AddressSpace) Probe(virtAddr uintptr, required PageTableEntryFlag) (uintptr, *kernel.Error) {
	pte, err := walk(as.root, virtAddr, false)
	if err != nil {
		return 0, err
	}
	if !pte.HasFlags(FlagValid) {
		return 0, ErrInvalidMapping
	}
	if !pte.HasFlags(required) {
		return 0, ErrPermissionDenied
	}

	return pte.Frame().Address() + virtAddr&(mm.PageSize-1), nil
}

// Activate switches the MMU to this address space: the satp register
// receives the Sv39 mode tag plus the tree root's physical page number, and
// cached translations are flushed. Every subsequent access by this hart is
// interpreted through this tree, so the scheduler must not be preempted
// between choosing a tree and activating it without re-validating the
// choice.
func (as *AddressSpace) Activate() {
	switchSatpFn(satpModeSv39 | uint64(as.root))
	sfenceVMAFn()
}

// Destroy tears the address space down: every owned leaf frame and every
// non-kernel table page is returned to the page allocator and the tree
// becomes permanently unusable. The kernel template and the currently
// active space cannot be destroyed. Teardown keeps going past individual
// release failures and reports the first one.
func (as *AddressSpace) Destroy() *kernel.Error {
	switch {
	case as == kernelSpace:
		return errKernelSpaceTeardown
	case !as.root.Valid():
		return errSpaceDestroyed
	case satpFn() == satpModeSv39|uint64(as.root):
		return errSpaceActive
	}

	var firstErr *kernel.Error
	recordErr := func(err *kernel.Error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for idx := uintptr(0); idx < tableEntries; idx++ {
		// Top-level slots copied from the kernel template share the
		// kernel's lower tables and must survive this space.
		if kernelSpace != nil && pteAt(kernelSpace.root, idx).HasFlags(FlagValid) {
			continue
		}

		pte := pteAt(as.root, idx)
		if !pte.HasFlags(FlagValid) {
			continue
		}
		recordErr(as.releaseTable(pte.Frame(), 1))
		recordErr(mm.ReleaseFrame(pte.Frame()))
	}

	recordErr(mm.ReleaseFrame(as.root))
	as.root = mm.InvalidFrame

	return firstErr
}

// releaseTable frees everything reachable from one page table page: owned
// leaf frames directly, lower tables recursively.
func (as *AddressSpace) releaseTable(table mm.Frame, level int) *kernel.Error {
	var firstErr *kernel.Error

	for idx := uintptr(0); idx < tableEntries; idx++ {
		pte := pteAt(table, idx)
		if !pte.HasFlags(FlagValid) {
			continue
		}

		if pte.isLeaf() || level == pageLevels-1 {
			if pte.HasFlags(flagOwned) {
				if err := mm.ReleaseFrame(pte.Frame()); err != nil && firstErr == nil {
					firstErr = err
				}
			}
			continue
		}

		if err := as.releaseTable(pte.Frame(), level+1); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := mm.ReleaseFrame(pte.Frame()); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
