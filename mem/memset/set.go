// SPDX-License-Identifier: Unlicense OR MIT

// Package memset tracks the non-overlapping virtual memory areas of an
// address space, ordered by start address.
package memset

import (
	"github.com/google/btree"

	"eliasnaur.com/unikmm/mem"
	"eliasnaur.com/unikmm/mem/paging"
)

const btreeDegree = 8

// Set is an ordered set of non-overlapping areas. It is not safe for
// concurrent use.
type Set struct {
	areas *btree.BTreeG[*Area]
}

// New returns an empty set.
func New() *Set {
	return &Set{
		areas: btree.NewG(btreeDegree, func(a, b *Area) bool {
			return a.start < b.start
		}),
	}
}

func pivot(va mem.VirtAddr) *Area {
	return &Area{start: va}
}

// Len returns the number of areas in the set.
func (s *Set) Len() int {
	return s.areas.Len()
}

// Iter calls fn for each area in ascending order until fn returns false.
func (s *Set) Iter(fn func(a *Area) bool) {
	s.areas.Ascend(btree.ItemIteratorG[*Area](fn))
}

// Areas returns the areas in ascending order.
func (s *Set) Areas() []*Area {
	areas := make([]*Area, 0, s.Len())
	s.Iter(func(a *Area) bool {
		areas = append(areas, a)
		return true
	})
	return areas
}

// before returns the area with the largest start address less than or
// equal to va.
func (s *Set) before(va mem.VirtAddr) *Area {
	var found *Area
	s.areas.DescendLessOrEqual(pivot(va), func(a *Area) bool {
		found = a
		return false
	})
	return found
}

// Find returns the area containing va, or nil.
func (s *Set) Find(va mem.VirtAddr) *Area {
	if a := s.before(va); a != nil && a.Contains(va) {
		return a
	}
	return nil
}

// Overlaps reports whether any area intersects [start, start+size).
func (s *Set) Overlaps(start mem.VirtAddr, size uintptr) bool {
	if size == 0 {
		return false
	}
	end := start + mem.VirtAddr(size)
	// Areas don't overlap each other, so only the last area starting
	// before end can reach into the range.
	a := s.before(end - 1)
	return a != nil && a.overlaps(start, end)
}

// overlapping returns the areas intersecting [start, end) in ascending
// order.
func (s *Set) overlapping(start, end mem.VirtAddr) []*Area {
	var areas []*Area
	if a := s.before(start); a != nil && a.start < start && a.overlaps(start, end) {
		areas = append(areas, a)
	}
	s.areas.AscendGreaterOrEqual(pivot(start), func(a *Area) bool {
		if a.start >= end {
			return false
		}
		areas = append(areas, a)
		return true
	})
	return areas
}

func checkRange(start mem.VirtAddr, size uintptr) (mem.VirtAddr, error) {
	if size == 0 || !start.PageAligned() || size%mem.PageSize != 0 {
		return 0, ErrInvalidParam
	}
	end, ok := start.Add(size)
	if !ok {
		return 0, ErrInvalidParam
	}
	return end, nil
}

// FindFreeArea returns the lowest address at or above hint where size bytes
// fit between existing areas, inside [limitStart, limitEnd).
func (s *Set) FindFreeArea(hint mem.VirtAddr, size uintptr, limitStart, limitEnd mem.VirtAddr) (mem.VirtAddr, bool) {
	if size == 0 {
		return 0, false
	}
	lastEnd := hint
	if lastEnd < limitStart {
		lastEnd = limitStart
	}
	lastEnd = lastEnd.AlignUp(mem.PageSize)
	if a := s.before(lastEnd); a != nil && a.end > lastEnd {
		lastEnd = a.end
	}
	s.areas.AscendGreaterOrEqual(pivot(lastEnd), func(a *Area) bool {
		if end, ok := lastEnd.Add(size); ok && end <= a.start {
			return false
		}
		lastEnd = a.end
		return true
	})
	if end, ok := lastEnd.Add(size); !ok || end > limitEnd {
		return 0, false
	}
	return lastEnd, true
}

// Map maps area with its backend and adds it to the set. If the area
// overlaps existing areas, Map fails with ErrAlreadyExists unless
// unmapOverlap is set, in which case the overlapping parts are unmapped
// first. The set is unchanged if the backend fails.
func (s *Set) Map(area *Area, pt *paging.PageTable, unmapOverlap bool) error {
	if _, err := checkRange(area.start, area.Size()); err != nil || area.end <= area.start {
		return ErrInvalidParam
	}
	if s.Overlaps(area.start, area.Size()) {
		if !unmapOverlap {
			return ErrAlreadyExists
		}
		if err := s.Unmap(area.start, area.Size(), pt); err != nil {
			return err
		}
	}
	if err := area.backend.Map(pt, area.start, area.Size(), area.flags); err != nil {
		return err
	}
	s.areas.ReplaceOrInsert(area)
	return nil
}

// Unmap removes [start, start+size) from the set, shrinking or splitting
// the areas that partially overlap it. Unmapping a range with no areas is
// not an error.
func (s *Set) Unmap(start mem.VirtAddr, size uintptr, pt *paging.PageTable) error {
	end, err := checkRange(start, size)
	if err != nil {
		return err
	}
	for _, a := range s.overlapping(start, end) {
		switch {
		case a.start >= start && a.end <= end:
			// Entirely inside the range.
			if err := a.backend.Unmap(pt, a.start, a.Size()); err != nil {
				return err
			}
			s.areas.Delete(a)
		case a.start < start && a.end > end:
			// The range is strictly inside the area.
			if err := a.backend.Unmap(pt, start, size); err != nil {
				return err
			}
			right := a.split(end)
			a.end = start
			s.areas.ReplaceOrInsert(right)
		case a.start < start:
			// Overlaps the start of the range; shrink right side.
			if err := a.backend.Unmap(pt, start, uintptr(a.end-start)); err != nil {
				return err
			}
			a.end = start
		default:
			// Overlaps the end of the range; shrink left side.
			if err := a.backend.Unmap(pt, a.start, uintptr(end-a.start)); err != nil {
				return err
			}
			s.areas.Delete(a)
			a.start = end
			s.areas.ReplaceOrInsert(a)
		}
	}
	return nil
}

// Protect changes the flags of the areas in [start, start+size) to the
// result of update. Areas for which update returns false are left alone.
// Areas crossing the range boundaries are split.
func (s *Set) Protect(start mem.VirtAddr, size uintptr, update func(mem.MappingFlags) (mem.MappingFlags, bool), pt *paging.PageTable) error {
	end, err := checkRange(start, size)
	if err != nil {
		return err
	}
	for _, a := range s.overlapping(start, end) {
		flags, ok := update(a.flags)
		if !ok {
			continue
		}
		target := a
		if a.start < start {
			target = a.split(start)
			s.areas.ReplaceOrInsert(target)
		}
		if target.end > end {
			s.areas.ReplaceOrInsert(target.split(end))
		}
		if err := target.backend.Protect(pt, target.start, target.Size(), flags); err != nil {
			return err
		}
		target.flags = flags
	}
	return nil
}

// Clear unmaps and removes all areas.
func (s *Set) Clear(pt *paging.PageTable) error {
	for _, a := range s.Areas() {
		if err := a.backend.Unmap(pt, a.start, a.Size()); err != nil {
			return err
		}
		s.areas.Delete(a)
	}
	return nil
}
