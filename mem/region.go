// SPDX-License-Identifier: Unlicense OR MIT

package mem

import "strings"

// MappingFlags describe the permissions and memory type of a mapping.
type MappingFlags uint32

const (
	FlagRead MappingFlags = 1 << iota
	FlagWrite
	FlagExecute
	FlagUser
	// FlagDevice marks device (MMIO) memory: uncached and strongly ordered.
	FlagDevice
	FlagUncached
)

// Contains reports whether all flags in f2 are set in f.
func (f MappingFlags) Contains(f2 MappingFlags) bool {
	return f&f2 == f2
}

func (f MappingFlags) String() string {
	if f == 0 {
		return "---"
	}
	var b strings.Builder
	for _, e := range []struct {
		flag MappingFlags
		c    byte
	}{
		{FlagRead, 'R'}, {FlagWrite, 'W'}, {FlagExecute, 'X'},
		{FlagUser, 'U'}, {FlagDevice, 'D'}, {FlagUncached, 'C'},
	} {
		if f&e.flag != 0 {
			b.WriteByte(e.c)
		} else if e.flag <= FlagExecute {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// MemoryRegion is a physically contiguous region of memory discovered at
// boot, such as RAM, MMIO or a kernel image section.
type MemoryRegion struct {
	Paddr PhysAddr
	Size  uintptr
	Flags MappingFlags
	Name  string
}

// End returns the first physical address past the region.
func (r MemoryRegion) End() PhysAddr {
	return r.Paddr + PhysAddr(r.Size)
}
