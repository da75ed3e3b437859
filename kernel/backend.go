// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"fmt"

	"eliasnaur.com/unikmm/mem"
	"eliasnaur.com/unikmm/mem/memset"
	"eliasnaur.com/unikmm/mem/paging"
)

// Backend is the mapping strategy of a Mapping. It is implemented by Linear
// and Alloc only.
type Backend interface {
	memset.Backend
	// handlePageFault tries to make va accessible after a fault inside a
	// mapping with the given flags. It reports whether it succeeded.
	handlePageFault(pt *paging.PageTable, va mem.VirtAddr, flags mem.MappingFlags) bool
}

// Linear maps a virtual range to a physical range of the same size at a
// fixed offset: pa = va - Offset.
type Linear struct {
	Offset uintptr
}

// Alloc maps pages taken from the frame allocator of the page table. With
// Populate set every page is allocated when the range is mapped; otherwise
// pages are allocated on first access by the page fault handler.
type Alloc struct {
	Populate bool
}

var (
	_ Backend = Linear{}
	_ Backend = Alloc{}
)

func (b Linear) paddr(va mem.VirtAddr) mem.PhysAddr {
	return mem.PhysAddr(uintptr(va) - b.Offset)
}

func (b Linear) Map(pt *paging.PageTable, start mem.VirtAddr, size uintptr, flags mem.MappingFlags) error {
	log.Debugf("map linear: [%#x, %#x) -> [%#x, %#x) %s", uintptr(start), uintptr(start)+size,
		uintptr(b.paddr(start)), uintptr(b.paddr(start))+size, flags)
	return pt.MapRegion(start, b.paddr, size, flags, false)
}

func (b Linear) Unmap(pt *paging.PageTable, start mem.VirtAddr, size uintptr) error {
	log.Debugf("unmap linear: [%#x, %#x)", uintptr(start), uintptr(start)+size)
	return pt.UnmapRegion(start, size)
}

func (b Linear) Protect(pt *paging.PageTable, start mem.VirtAddr, size uintptr, flags mem.MappingFlags) error {
	return pt.ProtectRegion(start, size, flags)
}

// Every page of a linear mapping is present, so a fault is never
// recoverable.
func (b Linear) handlePageFault(pt *paging.PageTable, va mem.VirtAddr, flags mem.MappingFlags) bool {
	return false
}

func (b Linear) String() string {
	return fmt.Sprintf("Linear{offset: %#x}", b.Offset)
}

func (b Alloc) Map(pt *paging.PageTable, start mem.VirtAddr, size uintptr, flags mem.MappingFlags) error {
	log.Debugf("map alloc: [%#x, %#x) %s populate=%v", uintptr(start), uintptr(start)+size, flags, b.Populate)
	if !b.Populate {
		return nil
	}
	end := start + mem.VirtAddr(size)
	for va := start; va < end; va += mem.PageSize {
		if err := mapFrame(pt, va, flags); err != nil {
			b.Unmap(pt, start, uintptr(va-start))
			return err
		}
	}
	return nil
}

// mapFrame maps a fresh zeroed frame at va.
func mapFrame(pt *paging.PageTable, va mem.VirtAddr, flags mem.MappingFlags) error {
	phys := pt.Memory()
	frame, err := phys.AllocFrame()
	if err != nil {
		return paging.ErrNoMemory
	}
	if err := pt.Map(va, frame, paging.Size4K, flags); err != nil {
		phys.FreeFrame(frame)
		return err
	}
	return nil
}

// Unmap removes the pages of [start, start+size) and returns their frames.
// Pages never faulted in are skipped.
func (b Alloc) Unmap(pt *paging.PageTable, start mem.VirtAddr, size uintptr) error {
	log.Debugf("unmap alloc: [%#x, %#x)", uintptr(start), uintptr(start)+size)
	end := start + mem.VirtAddr(size)
	for va := start; va < end; va += mem.PageSize {
		frame, psize, err := pt.Unmap(va)
		switch {
		case err == paging.ErrNotMapped:
			continue
		case err != nil:
			return err
		case psize.IsHuge():
			// Alloc never maps huge pages.
			return paging.ErrMappedToHugePage
		}
		pt.Memory().FreeFrame(frame)
	}
	return nil
}

func (b Alloc) Protect(pt *paging.PageTable, start mem.VirtAddr, size uintptr, flags mem.MappingFlags) error {
	return pt.ProtectRegion(start, size, flags)
}

func (b Alloc) handlePageFault(pt *paging.PageTable, va mem.VirtAddr, flags mem.MappingFlags) bool {
	if b.Populate {
		return false
	}
	if err := mapFrame(pt, va.AlignDown(mem.PageSize), flags); err != nil {
		log.Warnf("failed to populate page %v: %v", va, err)
		return false
	}
	return true
}

func (b Alloc) String() string {
	return fmt.Sprintf("Alloc{populate: %v}", b.Populate)
}
