// SPDX-License-Identifier: Unlicense OR MIT

package pmm

import (
	"testing"

	"eliasnaur.com/unikmm/mem"
)

func newTestAllocator(t *testing.T, base mem.PhysAddr, pages int) *Allocator {
	t.Helper()
	m, err := NewMemory(base, uintptr(pages)*mem.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })
	return NewAllocator(m)
}

func TestNewMemoryValidation(t *testing.T) {
	specs := []struct {
		base mem.PhysAddr
		size uintptr
		exp  error
	}{
		{0x1001, mem.PageSize, ErrUnaligned},
		{0x1000, 0, ErrUnaligned},
		{0x1000, 100, ErrUnaligned},
		{mem.PhysAddr(^uintptr(0)) &^ (mem.PageSize - 1), 2 * mem.PageSize, ErrOutOfRange},
	}
	for specIndex, spec := range specs {
		if _, err := NewMemory(spec.base, spec.size); err != spec.exp {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.exp, err)
		}
	}
}

func TestMemoryBytes(t *testing.T) {
	a := newTestAllocator(t, 0x10_0000, 4)
	m := a.Memory()

	b, err := m.Bytes(0x10_1000, 16)
	if err != nil {
		t.Fatal(err)
	}
	copy(b, "hello")

	b2, _ := m.Bytes(0x10_1000, 5)
	if string(b2) != "hello" {
		t.Errorf("expected writes to be visible through another slice; got %q", b2)
	}

	for _, pa := range []mem.PhysAddr{0x0f_f000, 0x10_4000, 0x10_3ff8} {
		if _, err := m.Bytes(pa, 16); err != ErrOutOfRange {
			t.Errorf("expected ErrOutOfRange for %v; got %v", pa, err)
		}
	}
}

func TestAllocFree(t *testing.T) {
	const pages = 130
	a := newTestAllocator(t, 0x20_0000, pages)

	if got := a.FreeFrames(); got != pages {
		t.Fatalf("expected %d free frames; got %d", pages, got)
	}

	seen := make(map[mem.PhysAddr]bool)
	for i := 0; i < pages; i++ {
		pa, err := a.AllocFrame()
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		if !pa.PageAligned() || pa < 0x20_0000 || pa >= 0x20_0000+pages*mem.PageSize {
			t.Fatalf("alloc %d: got bad frame %v", i, pa)
		}
		if seen[pa] {
			t.Fatalf("alloc %d: frame %v handed out twice", i, pa)
		}
		seen[pa] = true
	}

	if _, err := a.AllocFrame(); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}

	victim := mem.PhysAddr(0x20_0000 + 77*mem.PageSize)
	b, _ := a.Bytes(victim, mem.PageSize)
	b[0] = 0xaa
	a.FreeFrame(victim)
	if got := a.FreeFrames(); got != 1 {
		t.Fatalf("expected 1 free frame; got %d", got)
	}

	pa, err := a.AllocFrame()
	if err != nil || pa != victim {
		t.Fatalf("expected to reallocate %v; got %v, %v", victim, pa, err)
	}
	b, _ = a.Bytes(pa, mem.PageSize)
	for i, v := range b {
		if v != 0 {
			t.Fatalf("expected allocated frame to be zeroed; byte %d is %#x", i, v)
		}
	}
}

func TestAllocContiguous(t *testing.T) {
	a := newTestAllocator(t, 0x30_0000, 8)

	pa, size, err := a.Alloc(3 * mem.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	if pa != 0x30_0000 || size != 3*mem.PageSize {
		t.Fatalf("expected 3 pages at 0x300000; got %#x bytes at %v", size, pa)
	}

	// A reserved page ends the next contiguous block early.
	if err := a.Reserve(0x30_5000, 0x30_6000); err != nil {
		t.Fatal(err)
	}
	pa, size, err = a.Alloc(4 * mem.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	if pa != 0x30_3000 || size != 2*mem.PageSize {
		t.Fatalf("expected 2 pages at 0x303000; got %#x bytes at %v", size, pa)
	}
	if got := a.FreeFrames(); got != 2 {
		t.Fatalf("expected 2 free frames; got %d", got)
	}

	a.Free(0x30_0000, 3*mem.PageSize)
	if got := a.FreeFrames(); got != 5 {
		t.Fatalf("expected 5 free frames; got %d", got)
	}
}

func TestReserveValidation(t *testing.T) {
	a := newTestAllocator(t, 0x40_0000, 4)

	if err := a.Reserve(0x40_0800, 0x40_1000); err != ErrUnaligned {
		t.Errorf("expected ErrUnaligned; got %v", err)
	}
	if err := a.Reserve(0x3f_f000, 0x40_1000); err != ErrOutOfRange {
		t.Errorf("expected ErrOutOfRange; got %v", err)
	}
	if err := a.Reserve(0x40_0000, 0x40_4000); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if got := a.FreeFrames(); got != 0 {
		t.Errorf("expected no free frames; got %d", got)
	}
}
