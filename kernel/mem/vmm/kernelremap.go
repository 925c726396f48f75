package vmm

import (
	"github.com/Teln0/SysControl/kernel"
	"github.com/Teln0/SysControl/kernel/hal/multiboot"
	"github.com/Teln0/SysControl/kernel/mem"
	"github.com/Teln0/SysControl/kernel/mem/pmm"
)

const (
	// vgaTextBufferPhysAddr is the physical address of the VGA text-mode
	// framebuffer. It is identity-mapped so the console driver can reach
	// it both before and after the CR3 switch.
	vgaTextBufferPhysAddr = uintptr(0xb8000)

	// kernelRemapOffset is the virtual offset applied to frames belonging
	// to the loaded kernel image when they are remapped into the new
	// table (KERNEL_OFFSET in the reference configuration).
	kernelRemapOffset = uintptr(0xFFFFFFFF80000000)
)

// IdentityMapFn maps a frame allocator's own backing storage (e.g. its
// bitmap) into pdt using TableAccessIdentity, so that storage remains
// reachable once the table becomes active. It is supplied by the caller to
// avoid a dependency from this package on a particular frame allocator
// implementation.
type IdentityMapFn func(pdt PageDirectoryTable, allocFn FrameAllocatorFn) *kernel.Error

// RemapKernel builds the complete set of kernel-required mappings inside pdt
// using TableAccessIdentity: the frame allocator's bitmap, the VGA text
// buffer, and every non-Usable, non-BadMemory region of the boot memory map
// (with Kernel regions additionally offset by kernelRemapOffset). pdt must
// not yet be the active table; RemapKernel performs no invalidation since
// none of the mappings it installs can already be live.
func RemapKernel(pdt PageDirectoryTable, identityMapBitmap IdentityMapFn, allocFn FrameAllocatorFn) *kernel.Error {
	if err := identityMapBitmap(pdt, allocFn); err != nil {
		return err
	}

	vgaFrame := pmm.Frame(vgaTextBufferPhysAddr >> mem.PageShift)
	if err := pdt.Map(PageFromAddress(vgaTextBufferPhysAddr), vgaFrame, FlagPresent|FlagRW, false, false, TableAccessIdentity, allocFn); err != nil {
		return err
	}

	var err *kernel.Error
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		var (
			doMap  bool
			offset uintptr
		)

		switch region.Type {
		case multiboot.MemReserved, multiboot.MemAcpiReclaimable, multiboot.MemAcpiNvs, multiboot.MemBootloaderReclaimable:
			doMap, offset = true, 0
		case multiboot.MemKernel:
			doMap, offset = true, kernelRemapOffset
		default: // MemAvailable, MemBadMemory
			doMap = false
		}

		if !doMap {
			return true
		}

		pageShift := uint64(mem.PageShift)
		startFrameNum := region.PhysAddress >> pageShift
		endFrameNum := (region.PhysAddress + region.Length + uint64(mem.PageSize) - 1) >> pageShift

		for f := startFrameNum; f < endFrameNum; f++ {
			physFrame := pmm.Frame(f)
			virtAddr := uintptr(f<<pageShift) + offset
			if mapErr := pdt.Map(PageFromAddress(virtAddr), physFrame, FlagPresent|FlagRW, false, false, TableAccessIdentity, allocFn); mapErr != nil {
				err = mapErr
				return false
			}
		}

		return true
	})

	return err
}
