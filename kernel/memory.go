// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"fmt"

	"eliasnaur.com/unikmm/ksync"
	"eliasnaur.com/unikmm/mem"
	"eliasnaur.com/unikmm/mem/paging"
)

// Address space windows.
const (
	KernelAspaceBase mem.VirtAddr = 0xffff_8000_0000_0000
	KernelAspaceSize uintptr      = 0x0000_7fff_ffff_f000
	UserAspaceBase   mem.VirtAddr = 0
	UserAspaceSize   uintptr      = 0x40_0000_0000
)

// Platform describes the machine to the memory manager.
type Platform interface {
	// MemoryRegions returns the physical memory regions to map into the
	// kernel address space.
	MemoryRegions() []mem.MemoryRegion
	// PhysMemory returns the physical memory page tables and allocated
	// pages come from.
	PhysMemory() paging.Memory
}

// CPU is a processor whose MMU translates through a page table.
type CPU interface {
	// WritePageTableRoot installs the page table rooted at root.
	WritePageTableRoot(root mem.PhysAddr)
}

// KernelAddrSpace is the kernel address space guarded by a lock that
// disables local interrupts while held.
type KernelAddrSpace struct {
	lock   ksync.SpinNoIrq
	aspace *AddrSpace
	// root is the page table root, fixed at initialization.
	root mem.PhysAddr
}

// Lock acquires the lock and returns the address space. The result must
// not be used after Unlock.
func (k *KernelAddrSpace) Lock() *AddrSpace {
	k.lock.Lock()
	return k.aspace
}

func (k *KernelAddrSpace) Unlock() {
	k.lock.Unlock()
}

// With calls fn with the address space locked.
func (k *KernelAddrSpace) With(fn func(as *AddrSpace) error) error {
	as := k.Lock()
	defer k.Unlock()
	return fn(as)
}

var kernelAspace ksync.LazyInit[*KernelAddrSpace]

// InitMemoryManagement builds the kernel address space from the memory
// regions of p and activates it on cpu. It must be called exactly once, on
// the boot processor.
func InitMemoryManagement(p Platform, cpu CPU) {
	log.Infof("Initialize virtual memory management...")
	ok := kernelAspace.InitOnce(func() *KernelAddrSpace {
		as, err := NewKernelAspace(p)
		if err != nil {
			fatal(fmt.Sprintf("failed to initialize kernel address space: %v", err))
		}
		log.Debugf("kernel address space init OK: %v", as)
		return &KernelAddrSpace{aspace: as, root: as.PageTableRoot()}
	})
	if !ok {
		fatal("kernel address space already initialized")
	}
	cpu.WritePageTableRoot(KernelPageTableRoot())
}

// InitMemoryManagementSecondary activates the kernel address space on a
// secondary processor.
func InitMemoryManagementSecondary(cpu CPU) {
	k, ok := kernelAspace.Get()
	if !ok {
		fatal("secondary processor started before the kernel address space")
	}
	cpu.WritePageTableRoot(k.root)
}

// KernelAspace returns the kernel address space.
func KernelAspace() *KernelAddrSpace {
	k, ok := kernelAspace.Get()
	if !ok {
		fatal("kernel address space not initialized")
	}
	return k
}

// KernelPageTableRoot returns the root of the kernel page table.
func KernelPageTableRoot() mem.PhysAddr {
	return KernelAspace().root
}

// NewKernelAspace creates a kernel address space with each memory region
// of p mapped at its linear virtual address.
func NewKernelAspace(p Platform) (*AddrSpace, error) {
	as, err := NewAddrSpace(KernelAspaceBase, KernelAspaceSize, p.PhysMemory())
	if err != nil {
		return nil, err
	}
	for _, r := range p.MemoryRegions() {
		log.Infof("[%#x, %#x) %s %s", uintptr(r.Paddr), uintptr(r.End()), r.Flags, r.Name)
		if err := as.MapLinear(mem.PhysToVirt(r.Paddr), r.Paddr, r.Size, r.Flags); err != nil {
			log.Errorf("mapping %s: %v", r.Name, err)
			as.Destroy()
			return nil, err
		}
	}
	return as, nil
}

// NewUserAspace creates an empty user address space that shares the
// kernel mappings.
func NewUserAspace() (*AddrSpace, error) {
	k := KernelAspace()
	kas := k.Lock()
	defer k.Unlock()
	as, err := NewAddrSpace(UserAspaceBase, UserAspaceSize, kas.PageTable().Memory())
	if err != nil {
		return nil, err
	}
	if err := as.CopyMappingsFrom(kas); err != nil {
		as.Destroy()
		return nil, err
	}
	return as, nil
}

// HandlePageFault resolves a fault at va in the kernel address space.
func HandlePageFault(va mem.VirtAddr, access mem.MappingFlags) bool {
	k := KernelAspace()
	as := k.Lock()
	defer k.Unlock()
	return as.HandlePageFault(va, access)
}

// MapIO makes the device memory [pa, pa+size) accessible at its linear
// kernel address and returns the address of pa. pa and size need not be
// page aligned. Ranges already covered by a linear kernel mapping are
// returned as is.
func MapIO(pa mem.PhysAddr, size uintptr) (mem.VirtAddr, error) {
	if size == 0 {
		return 0, ErrInvalidInput
	}
	end, ok := pa.Add(size)
	if !ok {
		return 0, ErrInvalidInput
	}
	addrAlign := pa.AlignDown(mem.PageSize)
	off := uintptr(pa - addrAlign)
	sizeAlign := uintptr(end.AlignUp(mem.PageSize) - addrAlign)
	va := mem.PhysToVirt(addrAlign)

	k := KernelAspace()
	as := k.Lock()
	defer k.Unlock()
	if as.linearCovers(va, sizeAlign) {
		return va + mem.VirtAddr(off), nil
	}
	if err := as.MapLinear(va, addrAlign, sizeAlign, mem.FlagRead|mem.FlagWrite|mem.FlagDevice); err != nil {
		return 0, fmt.Errorf("kernel: MapIO failed to map physical memory %v: %w", pa, err)
	}
	return va + mem.VirtAddr(off), nil
}

// linearCovers reports whether a single mapping at the linear offset
// covers [va, va+size).
func (as *AddrSpace) linearCovers(va mem.VirtAddr, size uintptr) bool {
	a := as.areas.Find(va)
	if a == nil {
		return false
	}
	l, ok := a.Backend().(Linear)
	return ok && l.Offset == uintptr(mem.PhysVirtOffset) && uintptr(a.End()-va) >= size
}
