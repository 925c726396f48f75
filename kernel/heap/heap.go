// Package heap implements the kernel's free-list heap allocator. It sits atop
// the frame allocator and page-table manager: the virtual region it services
// starts out entirely unmapped and grows lazily, one frame at a time, as
// allocations push its high-water mark forward.
package heap

import (
	"unsafe"

	"github.com/Teln0/SysControl/kernel"
	"github.com/Teln0/SysControl/kernel/kfmt"
	"github.com/Teln0/SysControl/kernel/mem"
	"github.com/Teln0/SysControl/kernel/mem/pmm"
	"github.com/Teln0/SysControl/kernel/mem/pmm/allocator"
	"github.com/Teln0/SysControl/kernel/mem/vmm"
	"github.com/Teln0/SysControl/kernel/sync"
)

const (
	// kernelOffset is the virtual address the kernel image is remapped to
	// (KERNEL_OFFSET in the reference configuration).
	kernelOffset = uintptr(0xFFFFFFFF80000000)
)

var (
	// MaxHeapSize bounds how far the heap's high-water mark may advance
	// before an allocation is treated as out of memory (MAX_HEAP).
	MaxHeapSize = mem.Size(0x100000000)

	// HeapVirtualBase is the first virtual address of the heap region
	// (HEAP_VIRTUAL_BASE = KERNEL_OFFSET - MAX_HEAP).
	HeapVirtualBase = kernelOffset - uintptr(MaxHeapSize)

	// mapPageFn is used by tests to avoid touching real page-table state.
	mapPageFn = vmm.Map

	// panicFn is used by tests to observe a fatal condition without
	// actually halting the CPU.
	panicFn = kfmt.Panic

	active *Allocator

	errOutOfMemory = &kernel.Error{Module: "heap", Message: "reached maximum kernel heap size"}
)

// holeNode is the in-place record an Allocator writes at the start of every
// free region it tracks. Go does not let us pack it to the byte like the
// reference implementation does; its footprint is whatever the compiler
// lays out for these three fields, which is still small enough that no
// region the allocator frees is ever too small to host one.
type holeNode struct {
	isLast   bool
	nextNode uintptr
	holeSize uintptr
}

// nodeSize is H: the minimum size of any hole the allocator creates.
var nodeSize = uintptr(unsafe.Sizeof(holeNode{}))

// Allocator is a free-list heap backed by a reserved virtual region that
// grows on demand. The zero value is not usable; construct one with Init.
type Allocator struct {
	innerLock sync.Spinlock
	frameLock sync.Spinlock

	pdt              vmm.PageDirectoryTable
	heapBase         uintptr
	maxMemoryAmount  mem.Size
	maxCurrentlyUsed mem.Size

	allocFrameFn func() (pmm.Frame, *kernel.Error)

	// sentinel is the head of the hole list. It is never itself handed out
	// as storage: its hole_size stays 0 forever, which keeps it from ever
	// satisfying an allocation request. A node address of 0 always refers
	// to this sentinel; every real hole lives at a non-zero heap address.
	sentinel holeNode
}

// Init constructs the heap allocator and installs it as the process-wide
// allocator. pdt must already be the active page directory table, reached
// using recursive access, since the allocator maps new pages into it as the
// heap grows.
func Init(pdt vmm.PageDirectoryTable, maxMemoryAmount mem.Size) *Allocator {
	active = &Allocator{
		pdt:             pdt,
		heapBase:        HeapVirtualBase,
		maxMemoryAmount: maxMemoryAmount,
		allocFrameFn:    allocator.AllocFrame,
		sentinel:        holeNode{isLast: true},
	}
	return active
}

// Active returns the process-wide heap allocator installed by Init, or nil
// if Init has not yet been called.
func Active() *Allocator {
	return active
}

// Alloc delegates to the process-wide allocator. align is accepted for
// interface symmetry with dealloc but is not honored: returned addresses are
// only guaranteed to be aligned to the natural pointer size.
func Alloc(size mem.Size, align uintptr) (uintptr, *kernel.Error) {
	return active.Alloc(size, align)
}

// Free delegates to the process-wide allocator.
func Free(ptr uintptr, size mem.Size, align uintptr) {
	active.Free(ptr, size, align)
}

func (a *Allocator) loadNode(addr uintptr) holeNode {
	if addr == 0 {
		return a.sentinel
	}
	return *(*holeNode)(unsafe.Pointer(addr))
}

func (a *Allocator) storeNode(addr uintptr, n holeNode) {
	if addr == 0 {
		a.sentinel = n
		return
	}
	*(*holeNode)(unsafe.Pointer(addr)) = n
}

func normalize(size mem.Size) uintptr {
	req := uintptr(size)
	if req < nodeSize {
		req = nodeSize
	}
	return req
}

// Alloc returns the address of a free region of at least size bytes, growing
// the heap's virtual mapping if no existing hole is large enough. align is
// accepted but not honored.
func (a *Allocator) Alloc(size mem.Size, align uintptr) (uintptr, *kernel.Error) {
	a.innerLock.Acquire()
	defer a.innerLock.Release()

	req := normalize(size)

	var prevAddr, currentAddr uintptr
	for {
		current := a.loadNode(currentAddr)

		if current.holeSize >= req+nodeSize {
			holeAddr := currentAddr
			newNodeAddr := holeAddr + req
			a.storeNode(newNodeAddr, holeNode{
				isLast:   current.isLast,
				nextNode: current.nextNode,
				holeSize: current.holeSize - req,
			})

			pred := a.loadNode(prevAddr)
			pred.nextNode = newNodeAddr
			a.storeNode(prevAddr, pred)

			return holeAddr, nil
		}

		// A hole of exactly the requested size is unlinked and handed out
		// whole.
		if currentAddr != 0 && current.holeSize == req {
			pred := a.loadNode(prevAddr)
			pred.nextNode = current.nextNode
			pred.isLast = current.isLast
			a.storeNode(prevAddr, pred)
			return currentAddr, nil
		}

		if current.isLast {
			break
		}

		prevAddr = currentAddr
		currentAddr = current.nextNode
	}

	return a.grow(req)
}

// grow extends the heap's committed size by req bytes, mapping whatever new
// frames are needed to back it, and returns the address of the newly
// committed region. Callers must already hold innerLock.
func (a *Allocator) grow(req uintptr) (uintptr, *kernel.Error) {
	old := a.maxCurrentlyUsed
	newUsed := old + mem.Size(req)
	if newUsed >= a.maxMemoryAmount {
		panicFn(errOutOfMemory)
		return 0, errOutOfMemory
	}

	prevFrame := uintptr(old+mem.PageSize-1) >> mem.PageShift
	curFrame := uintptr(newUsed+mem.PageSize-1) >> mem.PageShift

	for i := prevFrame; i < curFrame; i++ {
		a.frameLock.Acquire()
		frame, err := a.allocFrameFn()
		a.frameLock.Release()
		if err != nil {
			panicFn(err)
			return 0, err
		}

		page := vmm.PageFromAddress(a.heapBase + i*uintptr(mem.PageSize))
		if mapErr := mapPageFn(a.pdt.Frame(), page, frame, vmm.FlagPresent|vmm.FlagRW, false, true, vmm.TableAccessRecursive, a.allocFrameFn); mapErr != nil {
			panicFn(mapErr)
			return 0, mapErr
		}
	}

	a.maxCurrentlyUsed = newUsed
	return a.heapBase + uintptr(old), nil
}

// Free returns a previously allocated region to the free list, coalescing it
// with neighboring holes where possible. It never unmaps or releases the
// frames backing the region.
func (a *Allocator) Free(ptr uintptr, size mem.Size, align uintptr) {
	a.innerLock.Acquire()
	defer a.innerLock.Release()

	req := normalize(size)
	currentAddr := uintptr(0)

	for {
		current := a.loadNode(currentAddr)

		if current.isLast {
			if currentAddr != 0 && currentAddr+current.holeSize == ptr {
				current.holeSize += req
				a.storeNode(currentAddr, current)
				return
			}

			current.isLast = false
			current.nextNode = ptr
			a.storeNode(currentAddr, current)
			a.storeNode(ptr, holeNode{isLast: true, nextNode: 0, holeSize: req})
			return
		}

		if ptr > currentAddr && ptr < current.nextNode {
			nextAddr := current.nextNode
			next := a.loadNode(nextAddr)

			abutsCurrent := currentAddr != 0 && currentAddr+current.holeSize == ptr
			abutsNext := ptr+req == nextAddr

			switch {
			case abutsCurrent && abutsNext:
				current.nextNode = next.nextNode
				current.holeSize += req + next.holeSize
				a.storeNode(currentAddr, current)
			case abutsCurrent:
				current.holeSize += req
				a.storeNode(currentAddr, current)
			case abutsNext:
				a.storeNode(ptr, holeNode{isLast: next.isLast, nextNode: next.nextNode, holeSize: req + next.holeSize})
				current.nextNode = ptr
				a.storeNode(currentAddr, current)
			default:
				a.storeNode(ptr, holeNode{isLast: false, nextNode: nextAddr, holeSize: req})
				current.nextNode = ptr
				a.storeNode(currentAddr, current)
			}
			return
		}

		currentAddr = current.nextNode
	}
}
