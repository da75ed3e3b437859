// SPDX-License-Identifier: Unlicense OR MIT

// Package mem defines the physical and virtual address types shared by the
// memory management packages.
package mem

import (
	"fmt"

	"golang.org/x/exp/constraints"
)

// PhysAddr is a physical memory address.
type PhysAddr uintptr

// VirtAddr is a virtual memory address.
type VirtAddr uintptr

// PhysVirtOffset is the offset at which all physical memory is linearly
// mapped in the kernel half of the virtual address space.
const PhysVirtOffset VirtAddr = 0xffff_8000_0000_0000

// PhysToVirt converts a physical address to its kernel virtual address.
// It is the only conversion from PhysAddr to VirtAddr.
func PhysToVirt(pa PhysAddr) VirtAddr {
	return PhysVirtOffset + VirtAddr(pa)
}

// VirtToPhys is the inverse of PhysToVirt. It is only meaningful for
// addresses inside the linear mapping.
func VirtToPhys(va VirtAddr) PhysAddr {
	return PhysAddr(va - PhysVirtOffset)
}

func alignDown[T constraints.Unsigned](x, align T) T {
	return x &^ (align - 1)
}

func alignUp[T constraints.Unsigned](x, align T) T {
	return (x + align - 1) &^ (align - 1)
}

func isAligned[T constraints.Unsigned](x, align T) bool {
	return x&(align-1) == 0
}

// checkedAdd adds n to x and reports false if the sum wraps around.
func checkedAdd[T constraints.Unsigned](x, n T) (T, bool) {
	s := x + n
	return s, s >= x
}

// AlignDown rounds a down to a multiple of align, which must be a power of two.
func (a PhysAddr) AlignDown(align uintptr) PhysAddr {
	return alignDown(a, PhysAddr(align))
}

// AlignUp rounds a up to a multiple of align, which must be a power of two.
func (a PhysAddr) AlignUp(align uintptr) PhysAddr {
	return alignUp(a, PhysAddr(align))
}

// IsAligned reports whether a is a multiple of align.
func (a PhysAddr) IsAligned(align uintptr) bool {
	return isAligned(a, PhysAddr(align))
}

// PageAligned reports whether a is aligned to PageSize.
func (a PhysAddr) PageAligned() bool {
	return a.IsAligned(PageSize)
}

// Add returns a+n. The second result is false if the addition overflows.
func (a PhysAddr) Add(n uintptr) (PhysAddr, bool) {
	return checkedAdd(a, PhysAddr(n))
}

func (a PhysAddr) String() string {
	return fmt.Sprintf("PA:%#x", uintptr(a))
}

// AlignDown rounds a down to a multiple of align, which must be a power of two.
func (a VirtAddr) AlignDown(align uintptr) VirtAddr {
	return alignDown(a, VirtAddr(align))
}

// AlignUp rounds a up to a multiple of align, which must be a power of two.
func (a VirtAddr) AlignUp(align uintptr) VirtAddr {
	return alignUp(a, VirtAddr(align))
}

// IsAligned reports whether a is a multiple of align.
func (a VirtAddr) IsAligned(align uintptr) bool {
	return isAligned(a, VirtAddr(align))
}

// PageAligned reports whether a is aligned to PageSize.
func (a VirtAddr) PageAligned() bool {
	return a.IsAligned(PageSize)
}

// Add returns a+n. The second result is false if the addition overflows.
func (a VirtAddr) Add(n uintptr) (VirtAddr, bool) {
	return checkedAdd(a, VirtAddr(n))
}

func (a VirtAddr) String() string {
	return fmt.Sprintf("VA:%#x", uintptr(a))
}
