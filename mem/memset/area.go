// SPDX-License-Identifier: Unlicense OR MIT

package memset

import (
	"fmt"

	"eliasnaur.com/unikmm/mem"
	"eliasnaur.com/unikmm/mem/paging"
)

// Backend installs and removes the translations of an area. Backends are
// values: splitting an area copies its backend to both halves.
type Backend interface {
	// Map installs translations for [start, start+size). On failure no
	// translation for the range may remain.
	Map(pt *paging.PageTable, start mem.VirtAddr, size uintptr, flags mem.MappingFlags) error
	// Unmap removes the translations for [start, start+size) and releases
	// any memory the backend owns in it.
	Unmap(pt *paging.PageTable, start mem.VirtAddr, size uintptr) error
	// Protect changes the flags of the translations in [start, start+size).
	Protect(pt *paging.PageTable, start mem.VirtAddr, size uintptr, flags mem.MappingFlags) error
}

// Area is a contiguous virtual range [Start, End) mapped by a Backend.
type Area struct {
	start, end mem.VirtAddr
	flags      mem.MappingFlags
	backend    Backend
}

// NewArea returns an area covering [start, start+size).
func NewArea(start mem.VirtAddr, size uintptr, flags mem.MappingFlags, backend Backend) *Area {
	return &Area{
		start:   start,
		end:     start + mem.VirtAddr(size),
		flags:   flags,
		backend: backend,
	}
}

func (a *Area) Start() mem.VirtAddr { return a.start }
func (a *Area) End() mem.VirtAddr { return a.end }
func (a *Area) Size() uintptr { return uintptr(a.end - a.start) }
func (a *Area) Flags() mem.MappingFlags { return a.flags }
func (a *Area) Backend() Backend { return a.backend }
func (a *Area) Contains(va mem.VirtAddr) bool { return a.start <= va && va < a.end }

func (a *Area) String() string {
	return fmt.Sprintf("[%#x, %#x) %s %v", uintptr(a.start), uintptr(a.end), a.flags, a.backend)
}

func (a *Area) overlaps(start, end mem.VirtAddr) bool {
	return a.start < end && start < a.end
}

func (a *Area) split(at mem.VirtAddr) *Area {
	right := &Area{start: at, end: a.end, flags: a.flags, backend: a.backend}
	a.end = at
	return right
}
