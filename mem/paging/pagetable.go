// SPDX-License-Identifier: Unlicense OR MIT

// Package paging implements 4-level x86-64 page tables stored in physical
// memory.
package paging

import (
	"unsafe"

	"eliasnaur.com/unikmm/mem"
)

// Memory provides the physical memory page tables live in.
type Memory interface {
	// AllocFrame allocates one zeroed page.
	AllocFrame() (mem.PhysAddr, error)
	// FreeFrame frees a page returned by AllocFrame.
	FreeFrame(pa mem.PhysAddr)
	// Bytes returns the n bytes at physical address pa.
	Bytes(pa mem.PhysAddr, n uintptr) ([]byte, error)
}

// PageTable is a 4-level page table. It is not safe for concurrent use.
type PageTable struct {
	mem  Memory
	root mem.PhysAddr
	// shared marks root entries copied from another page table with
	// CopyFrom. The tables below them belong to the other page table.
	shared [pageTableSize]bool
}

// New allocates an empty page table.
func New(m Memory) (*PageTable, error) {
	root, err := m.AllocFrame()
	if err != nil {
		return nil, ErrNoMemory
	}
	return &PageTable{mem: m, root: root}, nil
}

// Root returns the physical address of the top level table, to be loaded
// into a CPU's page table root register.
func (pt *PageTable) Root() mem.PhysAddr {
	return pt.root
}

// Memory returns the physical memory the page table allocates from.
func (pt *PageTable) Memory() Memory {
	return pt.mem
}

// table returns the page table stored in the page at addr.
func (pt *PageTable) table(addr mem.PhysAddr) *pageTable {
	b, err := pt.mem.Bytes(addr, mem.PageSize)
	if err != nil {
		// Table pages are always allocated from pt.mem.
		panic("paging: page table outside of physical memory")
	}
	return (*pageTable)(unsafe.Pointer(&b[0]))
}

func (pt *PageTable) lookupOrCreatePageTable(p *pageTable, index int) (*pageTable, error) {
	entry := &p[index]
	if entry.present() {
		if entry.huge() {
			return nil, ErrMappedToHugePage
		}
		return pt.table(entry.addr()), nil
	}
	page, err := pt.mem.AllocFrame()
	if err != nil {
		return nil, ErrNoMemory
	}
	entry.setPageTable(page)
	return pt.table(page), nil
}

// entryCreate returns the entry that maps va with a page of the given size,
// creating the intermediate tables on the way.
func (pt *PageTable) entryCreate(va mem.VirtAddr, size PageSize) (*pageTableEntry, error) {
	p := pt.table(pt.root)
	target := size.level()
	for level := levels - 1; level > target; level-- {
		next, err := pt.lookupOrCreatePageTable(p, index(va, level))
		if err != nil {
			return nil, err
		}
		p = next
	}
	return &p[index(va, target)], nil
}

// leaf returns the entry mapping va and the size of its page.
func (pt *PageTable) leaf(va mem.VirtAddr) (*pageTableEntry, PageSize, error) {
	p := pt.table(pt.root)
	for level := levels - 1; ; level-- {
		e := &p[index(va, level)]
		if !e.present() {
			return nil, 0, ErrNotMapped
		}
		if level == 0 || (e.huge() && level <= 2) {
			return e, sizeForLevel(level), nil
		}
		p = pt.table(e.addr())
	}
}

// Map installs a translation from the page at va to the page at pa.
func (pt *PageTable) Map(va mem.VirtAddr, pa mem.PhysAddr, size PageSize, flags mem.MappingFlags) error {
	if !va.IsAligned(uintptr(size)) || !pa.IsAligned(uintptr(size)) {
		return ErrNotAligned
	}
	e, err := pt.entryCreate(va, size)
	if err != nil {
		return err
	}
	if e.present() {
		return ErrAlreadyMapped
	}
	e.mmap(pa, flags, size)
	return nil
}

// Unmap removes the translation of the page containing va and returns the
// physical page it mapped.
func (pt *PageTable) Unmap(va mem.VirtAddr) (mem.PhysAddr, PageSize, error) {
	e, size, err := pt.leaf(va)
	if err != nil {
		return 0, 0, err
	}
	pa := e.addr()
	*e = 0
	return pa, size, nil
}

// Query translates va. It returns the physical address, the flags and the
// size of the page containing va.
func (pt *PageTable) Query(va mem.VirtAddr) (mem.PhysAddr, mem.MappingFlags, PageSize, error) {
	e, size, err := pt.leaf(va)
	if err != nil {
		return 0, 0, 0, err
	}
	off := uintptr(va) & (uintptr(size) - 1)
	return e.addr() + mem.PhysAddr(off), e.mappingFlags(), size, nil
}

// Protect changes the flags of the page containing va.
func (pt *PageTable) Protect(va mem.VirtAddr, flags mem.MappingFlags) (PageSize, error) {
	e, size, err := pt.leaf(va)
	if err != nil {
		return 0, err
	}
	e.setFlags(flags)
	return size, nil
}

// MapRegion maps [va, va+size) with pages translated by paddr. If allowHuge
// is set, 2 MB and 1 GB pages are used where alignment permits. On failure
// the pages mapped so far are removed again.
func (pt *PageTable) MapRegion(va mem.VirtAddr, paddr func(mem.VirtAddr) mem.PhysAddr, size uintptr, flags mem.MappingFlags, allowHuge bool) error {
	if !va.PageAligned() || size%mem.PageSize != 0 {
		return ErrNotAligned
	}
	start, end := va, va+mem.VirtAddr(size)
	for va < end {
		pa := paddr(va)
		psize := Size4K
		if allowHuge {
			psize = hugestFit(va, pa, uintptr(end-va))
		}
		if err := pt.Map(va, pa, psize, flags); err != nil {
			pt.unmapMapped(start, va)
			return err
		}
		va += mem.VirtAddr(psize)
	}
	return nil
}

func hugestFit(va mem.VirtAddr, pa mem.PhysAddr, remaining uintptr) PageSize {
	for _, s := range []PageSize{Size1G, Size2M} {
		if remaining >= uintptr(s) && va.IsAligned(uintptr(s)) && pa.IsAligned(uintptr(s)) {
			return s
		}
	}
	return Size4K
}

// unmapMapped removes whatever translations exist in [start, end).
func (pt *PageTable) unmapMapped(start, end mem.VirtAddr) {
	for va := start; va < end; {
		_, size, err := pt.Unmap(va)
		if err != nil {
			size = Size4K
		}
		va += mem.VirtAddr(size)
	}
}

// UnmapRegion removes the translations of [va, va+size). Every page in the
// range must be mapped, and huge pages must lie entirely inside it.
func (pt *PageTable) UnmapRegion(va mem.VirtAddr, size uintptr) error {
	if !va.PageAligned() || size%mem.PageSize != 0 {
		return ErrNotAligned
	}
	end := va + mem.VirtAddr(size)
	for va < end {
		e, psize, err := pt.leaf(va)
		if err != nil {
			return err
		}
		if psize.IsHuge() && (!va.IsAligned(uintptr(psize)) || uintptr(end-va) < uintptr(psize)) {
			return ErrMappedToHugePage
		}
		*e = 0
		va += mem.VirtAddr(psize)
	}
	return nil
}

// ProtectRegion changes the flags of every mapped page in [va, va+size).
// Unmapped pages are skipped.
func (pt *PageTable) ProtectRegion(va mem.VirtAddr, size uintptr, flags mem.MappingFlags) error {
	if !va.PageAligned() || size%mem.PageSize != 0 {
		return ErrNotAligned
	}
	end := va + mem.VirtAddr(size)
	for va < end {
		psize, err := pt.Protect(va, flags)
		if err != nil {
			psize = Size4K
		}
		va = va.AlignDown(uintptr(psize)) + mem.VirtAddr(psize)
	}
	return nil
}

// CopyFrom shares the top level entries of other covering [start,
// start+size) with pt, so that both tables translate the range through the
// same lower level tables and pages. Slots already in use by pt with a
// different entry are reported with ErrAlreadyMapped.
func (pt *PageTable) CopyFrom(other *PageTable, start mem.VirtAddr, size uintptr) error {
	if size == 0 {
		return nil
	}
	src := other.table(other.root)
	dst := pt.table(pt.root)
	first := index(start, levels-1)
	last := index(start+mem.VirtAddr(size-1), levels-1)
	for i := first; i <= last; i++ {
		if dst[i].present() && dst[i] != src[i] {
			return ErrAlreadyMapped
		}
	}
	for i := first; i <= last; i++ {
		if !src[i].present() {
			continue
		}
		dst[i] = src[i]
		pt.shared[i] = true
	}
	return nil
}

// Destroy frees the page table and the intermediate tables it owns. The
// pages mapped by leaf entries are not freed. pt must not be used
// afterwards.
func (pt *PageTable) Destroy() {
	if pt.root == 0 {
		return
	}
	root := pt.table(pt.root)
	for i, e := range root {
		if !e.present() || pt.shared[i] {
			continue
		}
		pt.freeTable(e.addr(), levels-2)
	}
	pt.mem.FreeFrame(pt.root)
	pt.root = 0
	pt.shared = [pageTableSize]bool{}
}

// freeTable frees the table at addr, whose entries are at level, and the
// tables below it.
func (pt *PageTable) freeTable(addr mem.PhysAddr, level int) {
	if level > 0 {
		for _, e := range pt.table(addr) {
			if e.present() && !e.huge() {
				pt.freeTable(e.addr(), level-1)
			}
		}
	}
	pt.mem.FreeFrame(addr)
}
