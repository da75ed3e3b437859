// SPDX-License-Identifier: Unlicense OR MIT

package pmm

import (
	"math/bits"

	"eliasnaur.com/unikmm/ksync"
	"eliasnaur.com/unikmm/mem"
)

// Allocator is a simple allocator for physical memory, tracking free pages
// with a bitmap. It is safe for concurrent use; its lock is a leaf lock and
// never waits on other locks, so it may be called with the kernel address
// space lock held.
type Allocator struct {
	lock ksync.Spinlock
	mem  *Memory
	// The index into bits of the last allocated block.
	word int
	// bits represent each physical memory page with one bit. 1
	// mean free, 0 means allocated or reserved.
	bits  []uint64
	nfree int
}

// NewAllocator returns an allocator managing all pages of m, initially free.
func NewAllocator(m *Memory) *Allocator {
	npages := int(m.Size() / mem.PageSize)
	a := &Allocator{
		mem:  m,
		bits: make([]uint64, (npages+63)/64),
	}
	a.setFree(true, 0, npages)
	return a
}

// Memory returns the RAM managed by a.
func (a *Allocator) Memory() *Memory {
	return a.mem
}

// Bytes returns the n bytes of RAM at pa.
func (a *Allocator) Bytes(pa mem.PhysAddr, n uintptr) ([]byte, error) {
	return a.mem.Bytes(pa, n)
}

// FreeFrames returns the number of free pages.
func (a *Allocator) FreeFrames() int {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.nfree
}

// Reserve marks the page-aligned range [start, end) as allocated, for
// example to protect a kernel image or boot data.
func (a *Allocator) Reserve(start, end mem.PhysAddr) error {
	first, last, err := a.pageRange(start, end)
	if err != nil {
		return err
	}
	a.lock.Acquire()
	defer a.lock.Release()
	a.setFree(false, first, last)
	return nil
}

// AllocFrame allocates a single zeroed page.
func (a *Allocator) AllocFrame() (mem.PhysAddr, error) {
	pa, _, err := a.Alloc(mem.PageSize)
	return pa, err
}

// FreeFrame returns a page obtained from AllocFrame.
func (a *Allocator) FreeFrame(pa mem.PhysAddr) {
	a.Free(pa, mem.PageSize)
}

// Alloc allocates at most maxSize bytes of contiguous memory, rounded
// up to the page size. Alloc returns at least a page of memory, zeroed.
func (a *Allocator) Alloc(maxSize uintptr) (mem.PhysAddr, uintptr, error) {
	a.lock.Acquire()
	pageIdx, ok := a.nextFreePage()
	if !ok {
		a.lock.Release()
		return 0, 0, ErrOutOfMemory
	}
	addr := a.mem.Base() + mem.PhysAddr(uintptr(pageIdx)*mem.PageSize)
	var size uintptr
	for {
		if pageIdx >= a.npages() || !a.mark(pageIdx) {
			break
		}
		pageIdx++
		size += mem.PageSize
		if size >= maxSize {
			break
		}
	}
	a.lock.Release()

	b, err := a.mem.Bytes(addr, size)
	if err != nil {
		return 0, 0, err
	}
	clear(b)
	return addr, size, nil
}

// Free returns the page-aligned range [pa, pa+size) to the allocator.
func (a *Allocator) Free(pa mem.PhysAddr, size uintptr) {
	first, last, err := a.pageRange(pa, pa+mem.PhysAddr(size))
	if err != nil {
		panic(err)
	}
	a.lock.Acquire()
	a.setFree(true, first, last)
	a.lock.Release()
	a.mem.discard(pa, size)
}

func (a *Allocator) npages() int {
	return int(a.mem.Size() / mem.PageSize)
}

func (a *Allocator) pageRange(start, end mem.PhysAddr) (int, int, error) {
	if !start.PageAligned() || !end.PageAligned() {
		return 0, 0, ErrUnaligned
	}
	if start > end || start < a.mem.Base() || end > a.mem.End() {
		return 0, 0, ErrOutOfRange
	}
	base := a.mem.Base()
	return int(uintptr(start-base) / mem.PageSize), int(uintptr(end-base) / mem.PageSize), nil
}

// setFree marks the pages [first, last) free or allocated.
func (a *Allocator) setFree(free bool, first, last int) {
	for i := first; i < last; {
		wordIdx, bit := i/64, i%64
		n := 64 - bit
		if rem := last - i; rem < n {
			n = rem
		}
		var mask uint64
		if n == 64 {
			mask = ^uint64(0)
		} else {
			mask = (uint64(1)<<n - 1) << (64 - bit - n)
		}
		word := a.bits[wordIdx]
		if free {
			a.nfree += n - bits.OnesCount64(word&mask)
			a.bits[wordIdx] = word | mask
		} else {
			a.nfree -= bits.OnesCount64(word & mask)
			a.bits[wordIdx] = word &^ mask
		}
		i += n
	}
}

func (a *Allocator) mark(pageIdx int) bool {
	wordIdx := pageIdx / 64
	bit := pageIdx % 64
	mask := uint64(1) << (64 - bit - 1)
	word := a.bits[wordIdx]
	if word&mask == 0 {
		return false
	}
	a.bits[wordIdx] = word &^ mask
	a.nfree--
	return true
}

func (a *Allocator) nextFreePage() (int, bool) {
	for i := 0; i < len(a.bits); i++ {
		idx := (i + a.word) % len(a.bits)
		w := a.bits[idx]
		b := bits.LeadingZeros64(w)
		if b == 64 {
			continue
		}
		a.word = idx
		return idx*64 + b, true
	}
	return 0, false
}
