package vmm

import "thunderos/kernel/mm"

// pageTableEntry describes an Sv39 page table entry: a 44-bit physical page
// number at bit 10 below a set of permission and status flags.
type pageTableEntry uintptr

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags
// set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

// SetFlags sets the input list of flags on the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uintptr(*pte) | uintptr(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uintptr(*pte) &^ uintptr(flags))
}

// Frame returns the physical page frame that this entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.Frame((uintptr(pte) >> pteFrameShift) & pteFrameMask)
}

// SetFrame updates the entry to point to the given physical frame.
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = pageTableEntry(uintptr(*pte)&^(pteFrameMask<<pteFrameShift) | uintptr(frame)<<pteFrameShift)
}

// isLeaf returns true for valid entries that map a physical page rather
// than pointing at a next-level table.
func (pte pageTableEntry) isLeaf() bool {
	return pte.HasFlags(FlagValid) && pte.HasAnyFlag(flagLeafPerms)
}
