package kmain

import (
	"thunderos/kernel"
	"thunderos/kernel/kfmt"
	"thunderos/kernel/mm/dma"
	"thunderos/kernel/mm/pmm"
	"thunderos/kernel/mm/vmm"
)

// Bootinfo carries the memory layout the boot loader hands over: the
// physical extent of the loaded kernel image and the usable memory range
// left over once the image is excluded. The SBI loader shim fills this in
// before jumping to Kmain.
type Bootinfo struct {
	// KernelStart and KernelEnd delimit the loaded kernel image.
	KernelStart uintptr
	KernelEnd   uintptr

	// MemBase and MemSize describe the usable physical memory range.
	// A size that rounds down to zero usable pages is tolerated; every
	// later allocation then reports out-of-memory.
	MemBase uintptr
	MemSize uintptr
}

// Kmain brings up the memory management subsystem in dependency order: the
// physical page allocator over the boot-reported range, then the canonical
// kernel address space (which draws its table pages from the page
// allocator) and finally the DMA region catalogue. The kernel address space
// is activated before returning, so callers run with translation enabled
// from this point on.
//
//go:noinline
func Kmain(info Bootinfo) *kernel.Error {
	if err := pmm.Init(info.MemBase, info.MemSize); err != nil {
		return err
	}

	if err := vmm.Init(info.KernelStart, info.KernelEnd, info.MemBase, info.MemSize); err != nil {
		return err
	}

	dma.Init()

	vmm.Kernel().Activate()
	kfmt.Printf("kmain: memory subsystem ready\n")

	return nil
}
