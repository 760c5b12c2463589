//go:build riscv64

// Package cpu provides access to the RISC-V control and status registers
// used by the memory management subsystem.
package cpu

// SwitchSatp writes v into the satp register, switching the MMU to the page
// table tree whose root physical page number and addressing mode are
// encoded in v. Callers must issue SfenceVMA afterwards to discard stale
// cached translations.
func SwitchSatp(v uint64)

// Satp returns the current value of the satp register.
func Satp() uint64

// SfenceVMA flushes all cached address translations on the executing hart.
func SfenceVMA()
