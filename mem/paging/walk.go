// SPDX-License-Identifier: Unlicense OR MIT

package paging

import (
	"fmt"

	"golang.org/x/exp/slices"

	"eliasnaur.com/unikmm/mem"
)

// Range is a contiguous translation installed by a single leaf entry.
type Range struct {
	VA    mem.VirtAddr
	PA    mem.PhysAddr
	Size  PageSize
	Flags mem.MappingFlags
}

func (r Range) String() string {
	return fmt.Sprintf("vaddr: %#x paddr: %#x size: %s flags: %s", uintptr(r.VA), uintptr(r.PA), r.Size, r.Flags)
}

// Walk calls visit for every leaf entry in ascending virtual address order.
func (pt *PageTable) Walk(visit func(Range)) {
	pt.walk(pt.root, levels-1, 0, visit)
}

func (pt *PageTable) walk(addr mem.PhysAddr, level int, base mem.VirtAddr, visit func(Range)) {
	for i, e := range pt.table(addr) {
		if !e.present() {
			continue
		}
		vaddr := base + mem.VirtAddr(uintptr(i)<<(12+9*level))
		if level == levels-1 && i >= pageTableSize/2 {
			// Sign extend.
			vaddr |= 0xffff_0000_0000_0000
		}
		if level == 0 || e.huge() {
			visit(Range{VA: vaddr, PA: e.addr(), Size: sizeForLevel(level), Flags: e.mappingFlags()})
			continue
		}
		pt.walk(e.addr(), level-1, vaddr, visit)
	}
}

// Dump returns all leaf translations.
func (pt *PageTable) Dump() []Range {
	var entries []Range
	pt.Walk(func(r Range) {
		entries = append(entries, r)
	})
	return entries
}

// Verify checks that no two leaf entries map overlapping physical memory.
func (pt *PageTable) Verify() error {
	type addrRange struct {
		start, end mem.PhysAddr
		r          Range
	}
	var pranges []addrRange
	pt.Walk(func(r Range) {
		pranges = append(pranges, addrRange{
			start: r.PA,
			end:   r.PA + mem.PhysAddr(r.Size),
			r:     r,
		})
	})
	slices.SortFunc(pranges, func(r1, r2 addrRange) int {
		switch {
		case r1.start < r2.start:
			return -1
		case r1.start > r2.start:
			return 1
		case r1.end < r2.end:
			return -1
		case r1.end > r2.end:
			return 1
		}
		return 0
	})
	for i := 0; i < len(pranges)-1; i++ {
		r1 := pranges[i]
		r2 := pranges[i+1]
		if r1.end > r2.start {
			return fmt.Errorf("paging: overlapping ranges: %v and %v", r1.r, r2.r)
		}
	}
	return nil
}
