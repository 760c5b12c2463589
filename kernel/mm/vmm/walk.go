package vmm

import (
	"unsafe"

	"thunderos/kernel"
	"thunderos/kernel/mm"
)

var (
	// ErrInvalidMapping is returned when a lookup reaches a virtual
	// address that no installed mapping covers.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errVirtAddrTooHigh = &kernel.Error{Module: "vmm", Message: "virtual address exceeds the Sv39 canonical range"}
	errUnexpectedLeaf  = &kernel.Error{Module: "vmm", Message: "page table walk hit a superpage leaf; superpages are not supported"}

	// ptePtrFn materializes a page table entry pointer from the entry's
	// physical address. The kernel runs identity-mapped so the default
	// is a plain pointer conversion; tests can override it.
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(entryAddr)
	}
)

// pteAt returns a pointer to entry index of the table page held in frame.
func pteAt(table mm.Frame, index uintptr) *pageTableEntry {
	return (*pageTableEntry)(ptePtrFn(table.Address() + index<<mm.PointerShift))
}

// tableIndex extracts the page table index for the given level from a
// virtual address.
func tableIndex(virtAddr uintptr, level int) uintptr {
	return (virtAddr >> pageLevelShifts[level]) & (tableEntries - 1)
}

// walk descends the page table tree rooted at root and returns a pointer to
// the last-level entry for virtAddr. With allocTables set, missing
// intermediate tables are allocated (zero-cleared and installed as
// valid table pointers) on the way down; otherwise the walk fails with
// ErrInvalidMapping at the first hole.
//
// Intermediate tables allocated by a walk that later fails higher up the
// call chain stay installed: they hold no leaf mappings, keep the tree
// consistent and are reclaimed by Destroy.
func walk(root mm.Frame, virtAddr uintptr, allocTables bool) (*pageTableEntry, *kernel.Error) {
	if virtAddr >= maxVirtAddr {
		return nil, errVirtAddrTooHigh
	}

	table := root
	for level := 0; level < pageLevels-1; level++ {
		pte := pteAt(table, tableIndex(virtAddr, level))

		switch {
		case pte.isLeaf():
			return nil, errUnexpectedLeaf
		case pte.HasFlags(FlagValid):
			table = pte.Frame()
		case !allocTables:
			return nil, ErrInvalidMapping
		default:
			tableFrame, err := mm.AllocFrame()
			if err != nil {
				return nil, err
			}

			kernel.Memset(tableFrame.Address(), 0, mm.PageSize)
			*pte = 0
			pte.SetFrame(tableFrame)
			pte.SetFlags(FlagValid)
			table = tableFrame
		}
	}

	return pteAt(table, tableIndex(virtAddr, pageLevels-1)), nil
}
