package vmm

import (
	"github.com/Teln0/SysControl/kernel/mem"
	"github.com/Teln0/SysControl/kernel/mem/pmm"
	"unsafe"
)

var (
	// ptePtrFn returns a pointer to the supplied entry address. It is
	// used by tests to override the generated page table entry pointers so
	// walk() can be properly tested. When compiling the kernel this function
	// will be automatically inlined.
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(entryAddr)
	}
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address starting at
// root, using access to determine how each successive table is reached. It
// calls the supplied walkFn with the page table entry that corresponds to
// each page table level, p4 first. If walkFn returns false the walk stops
// immediately, whether or not the last level was reached.
func walk(root pmm.Frame, virtAddr uintptr, access TableAccess, walkFn pageTableWalker) {
	var tableAddr uintptr
	if access == TableAccessRecursive {
		// The recursively-mapped virtual address for the last entry
		// in the top-most page table. Dereferencing a pointer to this
		// address allows us to access the active p4 table itself.
		tableAddr = pdtVirtualAddr
	} else {
		tableAddr = root.Address()
	}

	for level := uint8(0); level < pageLevels; level++ {
		// Extract the bits from the virtual address that correspond to
		// this level's index in the current table.
		entryIndex := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		entryAddr := tableAddr + (entryIndex << mem.PointerShift)

		pte := (*pageTableEntry)(ptePtrFn(entryAddr))
		if !walkFn(level, pte) {
			return
		}

		if level == pageLevels-1 {
			return
		}

		if access == TableAccessRecursive {
			// Shifting the table virtual address left by this
			// level's bit-width adds a new level of indirection to
			// the recursive mapping, landing on the table pointed
			// to by entryAddr.
			tableAddr = entryAddr << pageLevelBits[level]
		} else {
			// The identity-mapped low physical range makes the
			// child table's own physical address directly usable.
			tableAddr = pte.Frame().Address()
		}
	}
}
