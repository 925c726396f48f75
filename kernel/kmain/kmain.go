// Package kmain contains the Go-side entry point invoked once the rt0
// assembly stub has set up a GDT and a minimal g0 goroutine stack.
package kmain

import (
	"github.com/Teln0/SysControl/kernel"
	"github.com/Teln0/SysControl/kernel/goruntime"
	"github.com/Teln0/SysControl/kernel/hal"
	"github.com/Teln0/SysControl/kernel/hal/multiboot"
	"github.com/Teln0/SysControl/kernel/heap"
	"github.com/Teln0/SysControl/kernel/kfmt"
	"github.com/Teln0/SysControl/kernel/kfmt/early"
	"github.com/Teln0/SysControl/kernel/mem/pmm/allocator"
	"github.com/Teln0/SysControl/kernel/mem/vmm"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	// panicFn is used by tests to observe a fatal boot error without
	// actually halting the CPU.
	panicFn = kfmt.Panic
)

// Kmain is the only Go symbol visible (exported) to the rt0 initialization
// code. It is invoked with the physical address of the Multiboot2 info
// structure supplied by the bootloader.
//
// Kmain is not expected to return. If it does, the rt0 code halts the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	early.Printf("Starting kernel\n")

	// The page directory table must be constructed and activated, and
	// MapRegion's frame allocator wired up, before anything (including
	// hardware detection) is allowed to establish recursive-access
	// mappings.
	if err := bootstrapMemory(); err != nil {
		panicFn(err)
		return
	}

	hal.DetectHardware()

	if err := goruntime.Init(); err != nil {
		panicFn(err)
		return
	}

	kfmt.Printf("kernel ready; heap base at 0x%x\n", heap.HeapVirtualBase)

	panicFn(errKmainReturned)
}

// bootstrapMemory constructs the frame allocator, builds the fresh top-level
// page table, switches CR3 to it and installs the heap allocator as the
// process-wide allocator. It implements the control-flow sequence described
// by the memory subsystem: identity-access construction, then the CR3
// switch, then recursive-access growth from there on.
func bootstrapMemory() *kernel.Error {
	if err := allocator.Init(); err != nil {
		return err
	}

	pdtFrame, err := allocator.AllocFrame()
	if err != nil {
		return err
	}

	var pdt vmm.PageDirectoryTable
	if err := pdt.Init(pdtFrame, vmm.TableAccessIdentity); err != nil {
		return err
	}

	if err := vmm.RemapKernel(pdt, allocator.IdentityMap, allocator.AllocFrame); err != nil {
		return err
	}

	// Everything the kernel needs to keep running is now reachable
	// through the new table. From this point on all mapping calls must
	// use TableAccessRecursive.
	pdt.Activate()

	// MapRegion (used by driver init code to map MMIO regions) relies on
	// this to allocate frames for intermediate tables.
	vmm.SetFrameAllocator(allocator.AllocFrame)

	heap.Init(pdt, heap.MaxHeapSize)

	return nil
}
