package vmm

import (
	"github.com/Teln0/SysControl/kernel"
	"github.com/Teln0/SysControl/kernel/cpu"
	"github.com/Teln0/SysControl/kernel/mem"
	"github.com/Teln0/SysControl/kernel/mem/pmm"
)

var (
	// activePDTFn is used by tests to override calls to cpu.ActivePDT which
	// will cause a fault if called in user-mode.
	activePDTFn = cpu.ActivePDT

	// switchPDTFn is used by tests to override calls to cpu.SwitchPDT which
	// will cause a fault if called in user-mode.
	switchPDTFn = cpu.SwitchPDT
)

// PageDirectoryTable describes the top-most (p4) table in the 4-level paging
// hierarchy.
type PageDirectoryTable struct {
	frame pmm.Frame
}

// Frame returns the physical frame backing this page directory table.
func (pdt PageDirectoryTable) Frame() pmm.Frame {
	return pdt.frame
}

// Init populates a fresh top-level table at the given physical frame: it
// zeroes the table and installs the recursive self-reference at the last
// entry (index 511), which thereafter makes the table reachable by virtual
// address once it becomes the active table. access describes how frame
// itself should be reached to perform the zeroing; during bootstrap this is
// always TableAccessIdentity since the new table is not yet active.
func (pdt *PageDirectoryTable) Init(frame pmm.Frame, access TableAccess) *kernel.Error {
	pdt.frame = frame

	var tableAddr uintptr
	if access == TableAccessRecursive {
		tableAddr = pdtVirtualAddr
	} else {
		tableAddr = frame.Address()
	}

	mem.Memset(tableAddr, 0, mem.PageSize)

	lastEntry := (*pageTableEntry)(ptePtrFn(tableAddr + (recursiveEntryIndex << mem.PointerShift)))
	*lastEntry = 0
	lastEntry.SetFlags(FlagPresent | FlagRW)
	lastEntry.SetFrame(frame)

	return nil
}

// Map establishes a mapping between a virtual page and a physical memory
// frame inside this table, reached using access.
func (pdt PageDirectoryTable) Map(page Page, frame pmm.Frame, flags PageTableEntryFlag, allowOverwrite, invalidate bool, access TableAccess, allocFn FrameAllocatorFn) *kernel.Error {
	return Map(pdt.frame, page, frame, flags, allowOverwrite, invalidate, access, allocFn)
}

// Unmap removes a mapping previously installed by a call to Map on this
// table. Only valid once this table is the active one (recursive access).
func (pdt PageDirectoryTable) Unmap(page Page) *kernel.Error {
	return Unmap(page)
}

// Activate installs this table as the active page directory by writing its
// physical frame address to CR3. All mapping calls that follow must use
// TableAccessRecursive, since TableAccessIdentity is no longer sound once the
// bootloader's identity mapping of low memory is superseded.
func (pdt PageDirectoryTable) Activate() {
	switchPDTFn(pdt.frame.Address())
}

// ActivePDT returns the PageDirectoryTable currently installed in CR3.
func ActivePDT() PageDirectoryTable {
	return PageDirectoryTable{frame: pmm.Frame(activePDTFn() >> mem.PageShift)}
}

// InvalidateAll reloads CR3 with its current value, flushing every
// non-global TLB entry.
func InvalidateAll() {
	switchPDTFn(activePDTFn())
}
