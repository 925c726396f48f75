package vmm

import (
	"github.com/Teln0/SysControl/kernel"
	"github.com/Teln0/SysControl/kernel/cpu"
	"github.com/Teln0/SysControl/kernel/kfmt"
	"github.com/Teln0/SysControl/kernel/mem"
	"github.com/Teln0/SysControl/kernel/mem/pmm"
	"unsafe"
)

var (
	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// nextAddrFn is used by tests to override the computed address of a
	// freshly allocated intermediate table before it is zeroed. When
	// compiling the kernel this function is automatically inlined.
	nextAddrFn = func(addr uintptr) uintptr {
		return addr
	}

	earlyReserveRegionFn = EarlyReserveRegion

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errAlreadyMapped     = &kernel.Error{Module: "vmm", Message: "page is already mapped and overwrite was not requested"}
)

// Map establishes a mapping between a virtual page and a physical memory
// frame inside the page table hierarchy rooted at root, reached using the
// supplied access mode. Intermediate tables are created on demand via
// allocFn.
//
// If the target entry is already present and allowOverwrite is false, Map
// panics: overwriting an established mapping without explicit consent is a
// programmer violation, not a recoverable condition. If the entry is already
// present, allowOverwrite is true and invalidate is true, the page's TLB
// entry is flushed because the effective mapping is about to change.
func Map(root pmm.Frame, page Page, frame pmm.Frame, flags PageTableEntryFlag, allowOverwrite, invalidate bool, access TableAccess, allocFn FrameAllocatorFn) *kernel.Error {
	var err *kernel.Error

	walk(root, page.Address(), access, func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			if pte.HasFlags(FlagPresent) {
				if !allowOverwrite {
					kfmt.Panic(errAlreadyMapped)
				}
				if invalidate {
					flushTLBEntryFn(page.Address())
				}
			}

			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags | FlagPresent)
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// create-or-get intermediate entry: allocate and zero a fresh
		// table if this entry is not yet present.
		if !pte.HasFlags(FlagPresent) {
			newTableFrame, allocErr := allocFn()
			if allocErr != nil {
				err = allocErr
				return false
			}

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)

			var newTableAddr uintptr
			if access == TableAccessRecursive {
				newTableAddr = uintptr(unsafe.Pointer(pte)) << pageLevelBits[pteLevel]
			} else {
				newTableAddr = newTableFrame.Address()
			}
			mem.Memset(nextAddrFn(newTableAddr), 0, mem.PageSize)
		}

		return true
	})

	return err
}

// MapRegion establishes a mapping to the physical memory region which starts
// at the given frame and ends at frame + pages(size) inside the currently
// active page directory, using recursive access. The size argument is always
// rounded up to the nearest page boundary. MapRegion reserves the next
// available region in the active virtual address space, establishes the
// mapping and returns the Page that corresponds to the region start.
func MapRegion(frame pmm.Frame, size mem.Size, flags PageTableEntryFlag) (Page, *kernel.Error) {
	size = (size + (mem.PageSize - 1)) & ^(mem.PageSize - 1)
	startPage, err := earlyReserveRegionFn(size)
	if err != nil {
		return 0, err
	}

	pageCount := size >> mem.PageShift
	for page := PageFromAddress(startPage); pageCount > 0; pageCount, page, frame = pageCount-1, page+1, frame+1 {
		if err := Map(pmm.InvalidFrame, page, frame, flags, false, false, TableAccessRecursive, frameAllocator); err != nil {
			return 0, err
		}
	}

	return PageFromAddress(startPage), nil
}

// MapTemporary establishes a temporary RW mapping of a physical memory frame
// to a fixed virtual address, overwriting any previous mapping. The temporary
// mapping mechanism is primarily used by the kernel to access and initialize
// inactive page tables.
func MapTemporary(frame pmm.Frame) (Page, *kernel.Error) {
	if err := Map(pmm.InvalidFrame, PageFromAddress(tempMappingAddr), frame, FlagPresent|FlagRW, true, true, TableAccessRecursive, frameAllocator); err != nil {
		return 0, err
	}

	return PageFromAddress(tempMappingAddr), nil
}

// Unmap removes a mapping previously installed via a call to Map or
// MapTemporary from the currently active page directory.
func Unmap(page Page) *kernel.Error {
	var err *kernel.Error

	walk(pmm.InvalidFrame, page.Address(), TableAccessRecursive, func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			pte.ClearFlags(FlagPresent)
			flushTLBEntryFn(page.Address())
			return true
		}

		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return err
}
