// Package allocator implements the kernel's physical frame allocator.
package allocator

import (
	"reflect"
	"unsafe"

	"github.com/Teln0/SysControl/kernel"
	"github.com/Teln0/SysControl/kernel/hal/multiboot"
	"github.com/Teln0/SysControl/kernel/kfmt"
	"github.com/Teln0/SysControl/kernel/kfmt/early"
	"github.com/Teln0/SysControl/kernel/mem"
	"github.com/Teln0/SysControl/kernel/mem/pmm"
	"github.com/Teln0/SysControl/kernel/mem/vmm"
	"github.com/Teln0/SysControl/kernel/sync"
)

var (
	// visitMemRegionsFn is used by tests to mock the boot memory map.
	visitMemRegionsFn = multiboot.VisitMemRegions

	// bitmapBackingAddrFn returns the address the bitmap slice is overlaid
	// on. It is always bitmapFrame.Address() when compiling the kernel,
	// since physical addresses are identity-mapped at this stage of boot;
	// tests override it to point at real backing memory instead.
	bitmapBackingAddrFn = pmm.Frame.Address

	// panicFn is used by tests to observe an out-of-range frame access
	// without actually halting the CPU.
	panicFn = kfmt.Panic

	lock sync.Spinlock

	bitmapFrame      pmm.Frame
	bitmapSizeBytes  uint64
	bitmapSizeFrames uint64
	framesAmount     uint64

	bitmap    []byte
	bitmapHdr reflect.SliceHeader

	errNoUsableRegion = &kernel.Error{Module: "allocator", Message: "could not find a usable memory region large enough to host the frame bitmap"}
	errOutOfMemory    = &kernel.Error{Module: "allocator", Message: "out of physical memory"}
	errFrameOutOfRange = &kernel.Error{Module: "allocator", Message: "frame index is beyond the end of installed memory"}
)

func ceilDiv(v, divisor uint64) uint64 {
	return (v + divisor - 1) / divisor
}

// Init constructs the bitmap frame allocator from the boot memory map. It
// places the bitmap in the first Usable region that can hold it, clears it
// and marks the bitmap's own frames, every non-Usable region and every
// inter-region gap as allocated.
func Init() *kernel.Error {
	lock.Acquire()
	defer lock.Release()

	pageSize := uint64(mem.PageSize)

	var memoryEnd uint64
	visitMemRegionsFn(func(region *multiboot.MemoryMapEntry) bool {
		if end := region.PhysAddress + region.Length; end > memoryEnd {
			memoryEnd = end
		}
		return true
	})

	framesAmount = memoryEnd / pageSize
	bitmapBytes := ceilDiv(framesAmount, 8)
	bitmapFrames := ceilDiv(bitmapBytes, pageSize)

	placementFrame, err := findBitmapPlacement(bitmapFrames)
	if err != nil {
		return err
	}

	bitmapFrame = pmm.Frame(placementFrame)
	bitmapSizeBytes = bitmapBytes
	bitmapSizeFrames = bitmapFrames

	bitmapHdr.Data = bitmapBackingAddrFn(bitmapFrame)
	bitmapHdr.Len = int(bitmapBytes)
	bitmapHdr.Cap = int(bitmapBytes)
	bitmap = *(*[]byte)(unsafe.Pointer(&bitmapHdr))

	for i := range bitmap {
		bitmap[i] = 0
	}

	markRegionLocked(uint64(bitmapFrame.Address()), uint64(bitmapFrame.Address())+bitmapBytes, true)

	var (
		prevEnd uint64
		haveRun bool
	)
	visitMemRegionsFn(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			markRegionLocked(region.PhysAddress, region.PhysAddress+region.Length, true)
		}

		if haveRun && region.PhysAddress > prevEnd {
			markRegionLocked(prevEnd, region.PhysAddress, true)
		}

		prevEnd = region.PhysAddress + region.Length
		haveRun = true
		return true
	})

	early.Printf("[allocator] %d frames total, bitmap at frame %d (%d frames)\n", framesAmount, uint64(bitmapFrame), bitmapSizeFrames)
	return nil
}

// findBitmapPlacement returns the frame number of the first Usable region
// whose remaining length (starting at its own first full frame) can host
// bitmapFrames+1 contiguous frames.
func findBitmapPlacement(bitmapFrames uint64) (uint64, *kernel.Error) {
	pageSize := uint64(mem.PageSize)

	var (
		resultFrame uint64
		found       bool
	)
	visitMemRegionsFn(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		testedFrame := ceilDiv(region.PhysAddress, pageSize)
		if (testedFrame+bitmapFrames+1)*pageSize > region.PhysAddress+region.Length {
			return true
		}

		resultFrame = testedFrame
		found = true
		return false
	})

	if !found {
		return 0, errNoUsableRegion
	}
	return resultFrame, nil
}

// markFrameLocked sets or clears the bitmap bit for the given frame. Callers
// must already hold lock.
func markFrameLocked(frame uint64, allocated bool) {
	if frame > framesAmount {
		panicFn(errFrameOutOfRange)
		return
	}

	byteIdx := frame / 8
	bitIdx := frame % 8
	if allocated {
		bitmap[byteIdx] |= 1 << bitIdx
	} else {
		bitmap[byteIdx] &^= 1 << bitIdx
	}
}

// markRegionLocked marks every frame intersecting the byte range
// [startAddr, endAddr) as allocated or free. Callers must already hold lock.
func markRegionLocked(startAddr, endAddr uint64, allocated bool) {
	pageSize := uint64(mem.PageSize)
	startFrame := startAddr / pageSize
	endFrame := ceilDiv(endAddr, pageSize)
	for f := startFrame; f < endFrame; f++ {
		markFrameLocked(f, allocated)
	}
}

// MarkFrame sets or clears the bitmap bit for frame. It panics if frame lies
// beyond the end of installed memory.
func MarkFrame(frame pmm.Frame, allocated bool) {
	lock.Acquire()
	defer lock.Release()
	markFrameLocked(uint64(frame), allocated)
}

// AllocFrame scans the bitmap for the lowest-numbered free frame, marks it
// allocated and returns it. It returns errOutOfMemory if no frame is free.
func AllocFrame() (pmm.Frame, *kernel.Error) {
	lock.Acquire()
	defer lock.Release()

	byteIdx := 0
	for byteIdx < len(bitmap) && bitmap[byteIdx] == 0xFF {
		byteIdx++
	}
	if byteIdx >= len(bitmap) {
		return pmm.InvalidFrame, errOutOfMemory
	}

	// Processors this kernel runs on are little-endian, so the trailing
	// ones in the byte are its lowest-numbered free bits.
	b := bitmap[byteIdx]
	var trailingOnes uint
	for trailingOnes < 8 && b&(1<<trailingOnes) != 0 {
		trailingOnes++
	}

	index := uint64(byteIdx)*8 + uint64(trailingOnes)
	if index >= framesAmount {
		return pmm.InvalidFrame, errOutOfMemory
	}

	markFrameLocked(index, true)
	return pmm.Frame(index), nil
}

// DeallocFrame marks frame as free again.
func DeallocFrame(frame pmm.Frame) {
	lock.Acquire()
	defer lock.Release()
	markFrameLocked(uint64(frame), false)
}

// IdentityMap maps every frame backing the bitmap at virtual == physical
// using TableAccessIdentity, so the bitmap remains reachable after the CR3
// switch. It satisfies vmm.IdentityMapFn.
func IdentityMap(pdt vmm.PageDirectoryTable, allocFn vmm.FrameAllocatorFn) *kernel.Error {
	for i := uint64(0); i < bitmapSizeFrames; i++ {
		frame := pmm.Frame(uint64(bitmapFrame) + i)
		page := vmm.PageFromAddress(frame.Address())
		if err := pdt.Map(page, frame, vmm.FlagPresent|vmm.FlagRW, false, false, vmm.TableAccessIdentity, allocFn); err != nil {
			return err
		}
	}
	return nil
}
