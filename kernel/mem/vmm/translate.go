package vmm

import (
	"github.com/Teln0/SysControl/kernel"
	"github.com/Teln0/SysControl/kernel/mem/pmm"
)

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address. Translate always walks the
// currently active top-level table using recursive access.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	var (
		err   *kernel.Error
		entry *pageTableEntry
	)

	walk(pmm.InvalidFrame, virtAddr, TableAccessRecursive, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			entry = nil
			err = ErrInvalidMapping
			return false
		}

		entry = pte
		return true
	})

	if err != nil {
		return 0, err
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address.
	return entry.Frame().Address() + PageOffset(virtAddr), nil
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1)
}
