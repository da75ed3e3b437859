// SPDX-License-Identifier: Unlicense OR MIT

package paging

import "eliasnaur.com/unikmm/mem"

const (
	pageTableSize = 512
	levels        = 4
)

// The maximum physical address addressable by the processor.
const _MAXPHYADDR mem.PhysAddr = 1 << 52

// MaxPhysAddr bounds the physical addresses a page table entry can hold.
const MaxPhysAddr = _MAXPHYADDR

// pageTable is the hardware representation of a 4-level page table.
type pageTable [pageTableSize]pageTableEntry

// pageTableEntry is the hardware representation of a page table
// entry.
type pageTableEntry uint64

type pageFlags uint64

const (
	pageFlagPresent      pageFlags = 1 << 0
	pageFlagWritable     pageFlags = 1 << 1
	pageFlagUserAccess   pageFlags = 1 << 2
	pageFlagWriteThrough pageFlags = 1 << 3
	pageFlagNoCache      pageFlags = 1 << 4
	pageFlagNX           pageFlags = 1 << 63
	allPageFlags                   = pageFlagPresent | pageFlagWritable | pageFlagNX | pageFlagUserAccess | pageFlagWriteThrough | pageFlagNoCache

	pageSizeFlag pageFlags = 1 << 7
)

// PageSize is the size of the page mapped by a leaf entry.
type PageSize uintptr

const (
	Size4K PageSize = mem.PageSize
	Size2M PageSize = mem.PageSize2MB
	Size1G PageSize = mem.PageSize1GB
)

// IsHuge reports whether s is larger than the base page size.
func (s PageSize) IsHuge() bool {
	return s != Size4K
}

func (s PageSize) String() string {
	switch s {
	case Size4K:
		return "4K"
	case Size2M:
		return "2M"
	case Size1G:
		return "1G"
	default:
		return "invalid"
	}
}

// level returns the page table level whose entries map pages of size s.
func (s PageSize) level() int {
	switch s {
	case Size2M:
		return 1
	case Size1G:
		return 2
	default:
		return 0
	}
}

func sizeForLevel(level int) PageSize {
	switch level {
	case 1:
		return Size2M
	case 2:
		return Size1G
	default:
		return Size4K
	}
}

// index returns the index into the page table at level for va.
func index(va mem.VirtAddr, level int) int {
	return int(uintptr(va)>>(12+9*level)) & (pageTableSize - 1)
}

// toPageFlags converts mapping flags to entry bits. x86 page tables have no
// way to express a present page that is not readable, so a present entry
// always grants read access.
func toPageFlags(f mem.MappingFlags) pageFlags {
	flags := pageFlagPresent
	if f&mem.FlagWrite != 0 {
		flags |= pageFlagWritable
	}
	if f&mem.FlagExecute == 0 {
		flags |= pageFlagNX
	}
	if f&mem.FlagUser != 0 {
		flags |= pageFlagUserAccess
	}
	if f&mem.FlagDevice != 0 {
		flags |= pageFlagNoCache | pageFlagWriteThrough
	} else if f&mem.FlagUncached != 0 {
		flags |= pageFlagNoCache
	}
	return flags
}

func (e pageTableEntry) mappingFlags() mem.MappingFlags {
	flags := pageFlags(e)
	if flags&pageFlagPresent == 0 {
		return 0
	}
	f := mem.FlagRead
	if flags&pageFlagWritable != 0 {
		f |= mem.FlagWrite
	}
	if flags&pageFlagNX == 0 {
		f |= mem.FlagExecute
	}
	if flags&pageFlagUserAccess != 0 {
		f |= mem.FlagUser
	}
	switch {
	case flags&(pageFlagNoCache|pageFlagWriteThrough) == pageFlagNoCache|pageFlagWriteThrough:
		f |= mem.FlagDevice
	case flags&pageFlagNoCache != 0:
		f |= mem.FlagUncached
	}
	return f
}

// setPageTable points the entry to a page table.
func (e *pageTableEntry) setPageTable(addr mem.PhysAddr) {
	*e = pageTableEntry(addr) | pageTableEntry(pageFlagPresent|pageFlagWritable|pageFlagUserAccess)
}

func (e pageTableEntry) present() bool {
	return pageFlags(e)&pageFlagPresent != 0
}

func (e pageTableEntry) huge() bool {
	return pageFlags(e)&pageSizeFlag != 0
}

// addr returns the physical address of the page or table the entry points
// to.
func (e pageTableEntry) addr() mem.PhysAddr {
	addr := mem.PhysAddr(e) & (_MAXPHYADDR - 1)
	// The address is page-aligned.
	return addr &^ (mem.PageSize - 1)
}

func (e *pageTableEntry) mmap(addr mem.PhysAddr, flags mem.MappingFlags, size PageSize) {
	pf := toPageFlags(flags)
	if size.IsHuge() {
		pf |= pageSizeFlag
	}
	*e = pageTableEntry(addr) | pageTableEntry(pf)
}

func (e *pageTableEntry) setFlags(flags mem.MappingFlags) {
	huge := pageFlags(*e) & pageSizeFlag
	*e &= ^pageTableEntry(allPageFlags)
	*e |= pageTableEntry(toPageFlags(flags) | huge)
}
