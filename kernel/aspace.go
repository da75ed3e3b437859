// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"fmt"
	"strings"

	"golang.org/x/exp/slices"

	"eliasnaur.com/unikmm/mem"
	"eliasnaur.com/unikmm/mem/memset"
	"eliasnaur.com/unikmm/mem/paging"
)

// AddrSpace is a virtual address window [Base, End) together with the
// mappings inside it and the page table translating them. An AddrSpace is
// not safe for concurrent use; the kernel address space is guarded by
// KernelAddrSpace.
type AddrSpace struct {
	base, end mem.VirtAddr
	areas     *memset.Set
	// shared are the mappings borrowed from another address space by
	// CopyMappingsFrom. They are translated by the other address
	// space's tables and never unmapped from here.
	shared []Mapping
	pt     *paging.PageTable
}

// Mapping describes a mapped range of an address space.
type Mapping struct {
	Start, End mem.VirtAddr
	Flags      mem.MappingFlags
	Backend    Backend
	// Shared is set for mappings borrowed from another address space.
	Shared bool
}

func (m Mapping) String() string {
	s := fmt.Sprintf("[%#x, %#x) %s %v", uintptr(m.Start), uintptr(m.End), m.Flags, m.Backend)
	if m.Shared {
		s += " (shared)"
	}
	return s
}

// NewAddrSpace creates an empty address space covering [base, base+size)
// whose page tables are allocated from phys.
func NewAddrSpace(base mem.VirtAddr, size uintptr, phys paging.Memory) (*AddrSpace, error) {
	if size == 0 || !base.PageAligned() || size%mem.PageSize != 0 {
		return nil, ErrInvalidInput
	}
	end, ok := base.Add(size)
	if !ok {
		return nil, ErrInvalidInput
	}
	pt, err := paging.New(phys)
	if err != nil {
		return nil, translateErr(err)
	}
	return &AddrSpace{
		base:  base,
		end:   end,
		areas: memset.New(),
		pt:    pt,
	}, nil
}

func (as *AddrSpace) Base() mem.VirtAddr { return as.base }
func (as *AddrSpace) End() mem.VirtAddr { return as.end }
func (as *AddrSpace) Size() uintptr { return uintptr(as.end - as.base) }

// PageTable returns the page table of the address space.
func (as *AddrSpace) PageTable() *paging.PageTable {
	return as.pt
}

// PageTableRoot returns the physical address of the top level page table.
func (as *AddrSpace) PageTableRoot() mem.PhysAddr {
	return as.pt.Root()
}

// ContainsRange reports whether [start, start+size) lies inside the
// address space window.
func (as *AddrSpace) ContainsRange(start mem.VirtAddr, size uintptr) bool {
	end, ok := start.Add(size)
	return ok && as.base <= start && end <= as.end
}

// checkRange validates a range given to a mapping operation.
func (as *AddrSpace) checkRange(start mem.VirtAddr, size uintptr) error {
	if size == 0 || !start.PageAligned() || size%mem.PageSize != 0 {
		return ErrInvalidInput
	}
	if !as.ContainsRange(start, size) {
		return ErrInvalidInput
	}
	return nil
}

// FindFreeArea returns the lowest page aligned address at or above hint
// where size bytes fit without overlapping a mapping, inside both the
// window and [limitStart, limitEnd).
func (as *AddrSpace) FindFreeArea(hint mem.VirtAddr, size uintptr, limitStart, limitEnd mem.VirtAddr) (mem.VirtAddr, bool) {
	if limitStart < as.base {
		limitStart = as.base
	}
	if limitEnd > as.end {
		limitEnd = as.end
	}
	if limitStart >= limitEnd {
		return 0, false
	}
	return as.areas.FindFreeArea(hint, size, limitStart, limitEnd)
}

// MapLinear maps [va, va+size) to the physical range starting at pa.
func (as *AddrSpace) MapLinear(va mem.VirtAddr, pa mem.PhysAddr, size uintptr, flags mem.MappingFlags) error {
	if err := as.checkRange(va, size); err != nil {
		return err
	}
	if !pa.PageAligned() {
		return ErrInvalidInput
	}
	if end, ok := pa.Add(size); !ok || end > paging.MaxPhysAddr {
		return ErrInvalidInput
	}
	area := memset.NewArea(va, size, flags, Linear{Offset: uintptr(va) - uintptr(pa)})
	return translateErr(as.areas.Map(area, as.pt, false))
}

// MapAlloc maps [va, va+size) to freshly allocated pages. If populate is
// set every page is allocated now; otherwise pages are allocated by
// HandlePageFault on first access.
func (as *AddrSpace) MapAlloc(va mem.VirtAddr, size uintptr, flags mem.MappingFlags, populate bool) error {
	if err := as.checkRange(va, size); err != nil {
		return err
	}
	area := memset.NewArea(va, size, flags, Alloc{Populate: populate})
	return translateErr(as.areas.Map(area, as.pt, false))
}

// Unmap removes [va, va+size) from the address space. Mappings partially
// covered by the range are shrunk or split. Unmap fails with ErrNotFound if
// no mapping intersects the range.
func (as *AddrSpace) Unmap(va mem.VirtAddr, size uintptr) error {
	if err := as.checkRange(va, size); err != nil {
		return err
	}
	if !as.areas.Overlaps(va, size) {
		return ErrNotFound
	}
	return translateErr(as.areas.Unmap(va, size, as.pt))
}

// Protect changes the flags of the mappings in [va, va+size) to flags.
func (as *AddrSpace) Protect(va mem.VirtAddr, size uintptr, flags mem.MappingFlags) error {
	if err := as.checkRange(va, size); err != nil {
		return err
	}
	if !as.areas.Overlaps(va, size) {
		return ErrNotFound
	}
	update := func(old mem.MappingFlags) (mem.MappingFlags, bool) {
		return flags, old != flags
	}
	return translateErr(as.areas.Protect(va, size, update, as.pt))
}

// Query returns the physical address va translates to and the flags of its
// page.
func (as *AddrSpace) Query(va mem.VirtAddr) (mem.PhysAddr, mem.MappingFlags, error) {
	pa, flags, _, err := as.pt.Query(va)
	if err != nil {
		return 0, 0, translateErr(err)
	}
	return pa, flags, nil
}

// Read copies len(buf) bytes at va into buf. Pages of lazy mappings are
// allocated as needed.
func (as *AddrSpace) Read(va mem.VirtAddr, buf []byte) error {
	return as.processData(va, uintptr(len(buf)), mem.FlagRead, func(b []byte, off int) {
		copy(buf[off:], b)
	})
}

// Write copies buf to va. Pages of lazy mappings are allocated as needed.
func (as *AddrSpace) Write(va mem.VirtAddr, buf []byte) error {
	return as.processData(va, uintptr(len(buf)), mem.FlagWrite, func(b []byte, off int) {
		copy(b, buf[off:])
	})
}

// processData calls fn for each physically contiguous piece of [start,
// start+size) with the piece's memory and its offset from start.
func (as *AddrSpace) processData(start mem.VirtAddr, size uintptr, access mem.MappingFlags, fn func(b []byte, off int)) error {
	end, ok := start.Add(size)
	if !ok {
		return ErrInvalidInput
	}
	for va := start; va < end; {
		pa, _, psize, err := as.pt.Query(va)
		if err == paging.ErrNotMapped && as.HandlePageFault(va, access) {
			pa, _, psize, err = as.pt.Query(va)
		}
		if err != nil {
			return translateErr(err)
		}
		n := uintptr(psize) - uintptr(va)&(uintptr(psize)-1)
		if rem := uintptr(end - va); n > rem {
			n = rem
		}
		b, err := as.pt.Memory().Bytes(pa, n)
		if err != nil {
			log.Warnf("no memory behind %v -> %v: %v", va, pa, err)
			return ErrBadState
		}
		fn(b, int(va-start))
		va += mem.VirtAddr(n)
	}
	return nil
}

// CopyMappingsFrom makes the mappings of other visible in as. The page
// tables translating them are shared, not copied: later changes to the
// pages of other are seen through as. CopyMappingsFrom fails with
// ErrBadState if one of the mappings overlaps a mapping of as.
func (as *AddrSpace) CopyMappingsFrom(other *AddrSpace) error {
	var borrowed []Mapping
	for _, a := range other.areas.Areas() {
		if as.areas.Overlaps(a.Start(), a.Size()) || as.sharedOverlaps(a.Start(), a.End()) {
			log.Warnf("copy of %v overlaps an existing mapping", a)
			return ErrBadState
		}
		borrowed = append(borrowed, Mapping{
			Start:   a.Start(),
			End:     a.End(),
			Flags:   a.Flags(),
			Backend: a.Backend().(Backend),
			Shared:  true,
		})
	}
	if err := as.pt.CopyFrom(other.pt, other.base, other.Size()); err != nil {
		log.Warnf("sharing page tables of %v: %v", other.base, err)
		return ErrBadState
	}
	as.shared = append(as.shared, borrowed...)
	slices.SortFunc(as.shared, byStart)
	return nil
}

func byStart(a, b Mapping) int {
	switch {
	case a.Start < b.Start:
		return -1
	case a.Start > b.Start:
		return 1
	}
	return 0
}

func (as *AddrSpace) sharedOverlaps(start, end mem.VirtAddr) bool {
	for _, m := range as.shared {
		if m.Start < end && start < m.End {
			return true
		}
	}
	return false
}

// HandlePageFault handles a fault at va caused by an access of the given
// kind. It reports whether the fault was resolved; false means the access
// is invalid.
func (as *AddrSpace) HandlePageFault(va mem.VirtAddr, access mem.MappingFlags) bool {
	if !as.ContainsRange(va, 1) {
		log.Warnf("page fault at %v outside of address space [%v, %v)", va, as.base, as.end)
		return false
	}
	a := as.areas.Find(va)
	if a == nil {
		log.Warnf("page fault at %v: address not mapped", va)
		return false
	}
	if !a.Flags().Contains(access) {
		log.Warnf("page fault at %v: %s access denied by %s mapping", va, access, a.Flags())
		return false
	}
	return a.Backend().(Backend).handlePageFault(as.pt, va, a.Flags())
}

// Mappings returns a snapshot of the mappings of the address space,
// including borrowed ones, ordered by start address.
func (as *AddrSpace) Mappings() []Mapping {
	var maps []Mapping
	as.areas.Iter(func(a *memset.Area) bool {
		maps = append(maps, Mapping{
			Start:   a.Start(),
			End:     a.End(),
			Flags:   a.Flags(),
			Backend: a.Backend().(Backend),
		})
		return true
	})
	maps = append(maps, as.shared...)
	slices.SortFunc(maps, byStart)
	return maps
}

// Clear removes every mapping owned by the address space. Borrowed
// mappings stay.
func (as *AddrSpace) Clear() error {
	return translateErr(as.areas.Clear(as.pt))
}

// Destroy clears the address space and frees its page tables. The address
// space must not be used afterwards.
func (as *AddrSpace) Destroy() error {
	err := as.Clear()
	as.pt.Destroy()
	as.shared = nil
	return err
}

func (as *AddrSpace) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "AddrSpace [%#x, %#x) root %v\n", uintptr(as.base), uintptr(as.end), as.pt.Root())
	for _, m := range as.Mappings() {
		fmt.Fprintf(&b, "  %v\n", m)
	}
	return b.String()
}
