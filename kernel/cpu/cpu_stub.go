//go:build !riscv64

// Package cpu provides access to the RISC-V control and status registers
// used by the memory management subsystem. On non-riscv64 builds the
// register accessors are no-ops so that the memory management packages can
// be unit-tested on a development host; tests intercept register traffic
// through the function variables exposed by the vmm package instead.
package cpu

// SwitchSatp is a stub for hosted builds.
func SwitchSatp(v uint64) {}

// Satp is a stub for hosted builds. It reports an all-zero register, i.e.
// translation disabled.
func Satp() uint64 { return 0 }

// SfenceVMA is a stub for hosted builds.
func SfenceVMA() {}
