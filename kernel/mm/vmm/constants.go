package vmm

const (
	// pageLevels is the number of page table levels in the Sv39
	// translation scheme. Level 0 is the top-most (root) table.
	pageLevels = 3

	// pageLevelBits is the number of virtual address bits consumed by
	// each level: every table holds 1 << pageLevelBits entries.
	pageLevelBits = 9

	// tableEntries is the entry count of a single page table page.
	tableEntries = 1 << pageLevelBits

	// pteFrameShift is the bit position of the physical page number
	// inside a page table entry.
	pteFrameShift = 10

	// pteFrameMask extracts the 44-bit physical page number from a
	// shifted page table entry.
	pteFrameMask = (uintptr(1) << 44) - 1

	// maxVirtAddr is one past the highest virtual address the kernel
	// will install a mapping for. Sv39 sign-extends bit 38 upwards, so
	// staying below 1<<38 keeps every mapped address canonical without
	// special-casing the sign extension.
	maxVirtAddr = uintptr(1) << 38

	// satpModeSv39 is the addressing-mode tag the satp register expects
	// for Sv39 translation.
	satpModeSv39 = uint64(8) << 60
)

// pageLevelShifts holds the shift that extracts each level's table index
// from a virtual address.
var pageLevelShifts = [pageLevels]uint8{30, 21, 12}

// PageTableEntryFlag describes a flag that can be applied to a page table
// entry.
type PageTableEntryFlag uintptr

const (
	// FlagValid marks the entry as present. The MMU raises a page fault
	// for any access through an entry without it.
	FlagValid PageTableEntryFlag = 1 << iota

	// FlagRead allows loads through this mapping.
	FlagRead

	// FlagWrite allows stores through this mapping.
	FlagWrite

	// FlagExec allows instruction fetches through this mapping.
	FlagExec

	// FlagUser makes the mapping reachable from U-mode. Kernel mappings
	// never carry it; user mappings always do.
	FlagUser

	// FlagGlobal marks a mapping as present in every address space,
	// exempting it from per-space TLB invalidation.
	FlagGlobal

	// FlagAccessed is set by the hardware when the page is read.
	FlagAccessed

	// FlagDirty is set by the hardware when the page is written.
	FlagDirty

	// flagOwned occupies the first RSW bit, which the hardware ignores.
	// It marks leaf frames that were allocated by the mapper itself (as
	// opposed to caller-supplied frames) and must therefore be returned
	// to the page allocator when the address space is destroyed.
	flagOwned

	// flagLeafPerms is the flag set distinguishing a leaf entry from a
	// pointer to a next-level table: a valid entry with none of R/W/X
	// set is a table pointer.
	flagLeafPerms = FlagRead | FlagWrite | FlagExec
)
