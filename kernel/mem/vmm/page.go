package vmm

import "github.com/Teln0/SysControl/kernel/mem"

// canonicalLowerBound and canonicalUpperBound delimit the two canonical
// halves of the amd64 virtual address space. Addresses that fall in the
// "hole" between them cannot occur in a valid mapping.
const (
	canonicalLowerBound = uintptr(0x0000800000000000)
	canonicalUpperBound = uintptr(0xffff800000000000)
)

// Page describes a 4K virtual memory page.
type Page uintptr

// PageFromAddress returns a Page that corresponds to the given virtual
// address. The function panics if addr falls outside of the canonical
// address space halves.
func PageFromAddress(addr uintptr) Page {
	if addr >= canonicalLowerBound && addr < canonicalUpperBound {
		panic("vmm: non-canonical virtual address")
	}

	return Page(addr >> mem.PageShift)
}

// Address returns the virtual address that corresponds to this page.
func (p Page) Address() uintptr {
	return uintptr(p) << mem.PageShift
}

// p4Index returns the index into the top-level (p4) page table for this page.
func (p Page) p4Index() uintptr {
	return (p.Address() >> pageLevelShifts[0]) & ((1 << pageLevelBits[0]) - 1)
}

// p3Index returns the index into the p3 page table for this page.
func (p Page) p3Index() uintptr {
	return (p.Address() >> pageLevelShifts[1]) & ((1 << pageLevelBits[1]) - 1)
}

// p2Index returns the index into the p2 page table for this page.
func (p Page) p2Index() uintptr {
	return (p.Address() >> pageLevelShifts[2]) & ((1 << pageLevelBits[2]) - 1)
}

// p1Index returns the index into the p1 page table for this page.
func (p Page) p1Index() uintptr {
	return (p.Address() >> pageLevelShifts[3]) & ((1 << pageLevelBits[3]) - 1)
}
