// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"eliasnaur.com/unikmm/ksync"
	"eliasnaur.com/unikmm/mem"
	"eliasnaur.com/unikmm/mem/paging"
	"eliasnaur.com/unikmm/mem/pmm"
)

type testPlatform struct {
	regions []mem.MemoryRegion
	phys    *pmm.Allocator
}

func (p *testPlatform) MemoryRegions() []mem.MemoryRegion { return p.regions }
func (p *testPlatform) PhysMemory() paging.Memory { return p.phys }

type testCPU struct {
	roots []mem.PhysAddr
}

func (c *testCPU) WritePageTableRoot(root mem.PhysAddr) {
	c.roots = append(c.roots, root)
}

const ramBase mem.PhysAddr = 0x1000_0000

// newTestPlatform returns a machine with 16 MiB of RAM at ramBase and a
// second region that is mapped but not backed.
func newTestPlatform(t *testing.T) *testPlatform {
	t.Helper()
	return &testPlatform{
		regions: []mem.MemoryRegion{
			{Paddr: ramBase, Size: 16 * mem.MiB, Flags: rw | mem.FlagExecute, Name: "ram"},
			{Paddr: 0x4000_0000, Size: 256 * mem.MiB, Flags: rw, Name: "high ram"},
		},
		phys: newTestPhys(t, ramBase, 16*mem.MiB/mem.PageSize),
	}
}

// resetKernelAspace forgets the kernel address space for the duration of
// the test.
func resetKernelAspace(t *testing.T) {
	kernelAspace = ksync.LazyInit[*KernelAddrSpace]{}
	t.Cleanup(func() { kernelAspace = ksync.LazyInit[*KernelAddrSpace]{} })
}

func initTestKernel(t *testing.T) *testCPU {
	t.Helper()
	resetKernelAspace(t)
	cpu := new(testCPU)
	InitMemoryManagement(newTestPlatform(t), cpu)
	return cpu
}

func TestInitMemoryManagement(t *testing.T) {
	resetKernelAspace(t)
	p := newTestPlatform(t)
	cpu := new(testCPU)

	expectHalt(t, func() { KernelAspace() })
	expectHalt(t, func() { InitMemoryManagementSecondary(cpu) })
	if len(cpu.roots) != 0 {
		t.Fatalf("expected no page table switch before init; got %v", cpu.roots)
	}

	InitMemoryManagement(p, cpu)
	root := KernelPageTableRoot()
	if len(cpu.roots) != 1 || cpu.roots[0] != root {
		t.Errorf("expected boot processor to switch to %v; got %v", root, cpu.roots)
	}

	secondary := new(testCPU)
	InitMemoryManagementSecondary(secondary)
	if len(secondary.roots) != 1 || secondary.roots[0] != root {
		t.Errorf("expected secondary processor to switch to %v; got %v", root, secondary.roots)
	}

	msg := expectHalt(t, func() { InitMemoryManagement(p, cpu) })
	if !strings.Contains(msg, "already initialized") {
		t.Errorf("unexpected halt message %q", msg)
	}
	if KernelPageTableRoot() != root {
		t.Error("second init changed the kernel page table")
	}

	k := KernelAspace()
	as := k.Lock()
	if ksync.LocalIRQEnabled() {
		t.Error("expected interrupts to be disabled while the kernel address space is locked")
	}
	maps := as.Mappings()
	pa, flags, err := as.Query(mem.PhysToVirt(0x4000_0123))
	verr := as.PageTable().Verify()
	k.Unlock()
	if !ksync.LocalIRQEnabled() {
		t.Error("expected interrupts to be restored on unlock")
	}

	specs := []struct {
		start mem.VirtAddr
		size  uintptr
		flags mem.MappingFlags
	}{
		{mem.PhysToVirt(ramBase), 16 * mem.MiB, rw | mem.FlagExecute},
		{mem.PhysToVirt(0x4000_0000), 256 * mem.MiB, rw},
	}
	if len(maps) != len(specs) {
		t.Fatalf("expected %d kernel mappings; got %v", len(specs), maps)
	}
	for specIndex, spec := range specs {
		m := maps[specIndex]
		if m.Start != spec.start || uintptr(m.End-m.Start) != spec.size || m.Flags != spec.flags || m.Shared {
			t.Errorf("[spec %d] unexpected mapping %v", specIndex, m)
		}
		if l, ok := m.Backend.(Linear); !ok || l.Offset != uintptr(mem.PhysVirtOffset) {
			t.Errorf("[spec %d] expected linear mapping at the kernel offset; got %v", specIndex, m.Backend)
		}
	}
	if err != nil || pa != 0x4000_0123 || flags != rw {
		t.Errorf("expected PA:0x40000123 RW-; got %v %s %v", pa, flags, err)
	}
	if verr != nil {
		t.Errorf("kernel page table has overlapping translations: %v", verr)
	}
}

func TestInitMemoryManagementFailure(t *testing.T) {
	resetKernelAspace(t)
	p := newTestPlatform(t)
	p.regions = append(p.regions, mem.MemoryRegion{Paddr: ramBase, Size: mem.PageSize, Flags: rw, Name: "alias"})

	msg := expectHalt(t, func() { InitMemoryManagement(p, new(testCPU)) })
	if !strings.Contains(msg, "failed to initialize kernel address space") {
		t.Errorf("unexpected halt message %q", msg)
	}
}

func TestNewUserAspace(t *testing.T) {
	initTestKernel(t)
	user, err := NewUserAspace()
	if err != nil {
		t.Fatal(err)
	}
	if user.Base() != UserAspaceBase || user.Size() != UserAspaceSize {
		t.Errorf("unexpected user window [%v, %v)", user.Base(), user.End())
	}
	maps := user.Mappings()
	if len(maps) != 2 || !maps[0].Shared || !maps[1].Shared {
		t.Fatalf("expected the kernel mappings to be shared; got %v", maps)
	}
	if user.PageTableRoot() == KernelPageTableRoot() {
		t.Error("expected user address space to have its own page table")
	}

	if err := user.MapAlloc(0x2000, 3*mem.PageSize, rw|mem.FlagUser, false); err != nil {
		t.Fatal(err)
	}
	if !user.HandlePageFault(0x2fff, mem.FlagRead) {
		t.Error("expected fault in lazy user mapping to be handled")
	}
	if user.HandlePageFault(0x10000, mem.FlagRead) {
		t.Error("expected fault outside any mapping to fail")
	}

	va := mem.PhysToVirt(ramBase + 15*mem.MiB)
	msg := []byte("hello, kernel")
	if err := user.Write(va, msg); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(msg))
	err = KernelAspace().With(func(as *AddrSpace) error {
		return as.Read(va, got)
	})
	if err != nil || !bytes.Equal(got, msg) {
		t.Errorf("expected kernel to see %q; got %q %v", msg, got, err)
	}

	if err := user.Destroy(); err != nil {
		t.Fatal(err)
	}
	err = KernelAspace().With(func(as *AddrSpace) error {
		_, _, err := as.Query(va)
		return err
	})
	if err != nil {
		t.Errorf("expected kernel mappings to survive user destroy; got %v", err)
	}
}

func TestKernelPageFault(t *testing.T) {
	initTestKernel(t)
	if HandlePageFault(mem.PhysToVirt(0x8000_0000), mem.FlagRead) {
		t.Error("expected fault at unmapped kernel address to fail")
	}
	if HandlePageFault(mem.PhysToVirt(ramBase), mem.FlagWrite) {
		t.Error("expected fault in linear mapping to fail")
	}
}

func TestMapIO(t *testing.T) {
	initTestKernel(t)
	count := func() int {
		k := KernelAspace()
		defer k.Unlock()
		return len(k.Lock().Mappings())
	}

	va, err := MapIO(0x4000_0010, 0x20)
	if err != nil || va != mem.PhysToVirt(0x4000_0010) {
		t.Errorf("expected RAM to be returned at its linear address; got %v %v", va, err)
	}
	if n := count(); n != 2 {
		t.Errorf("expected no new mapping for RAM; got %d mappings", n)
	}

	va, err = MapIO(0xfee0_0030, 0x10)
	if err != nil || va != mem.PhysToVirt(0xfee0_0030) {
		t.Fatalf("expected device at its linear address; got %v %v", va, err)
	}
	if n := count(); n != 3 {
		t.Errorf("expected device mapping; got %d mappings", n)
	}
	err = KernelAspace().With(func(as *AddrSpace) error {
		_, flags, err := as.Query(va)
		if err == nil && flags != rw|mem.FlagDevice {
			t.Errorf("expected device flags RW-D; got %s", flags)
		}
		return err
	})
	if err != nil {
		t.Error(err)
	}

	if again, err := MapIO(0xfee0_0030, 0x10); err != nil || again != va {
		t.Errorf("expected repeated MapIO to return %v; got %v %v", va, again, err)
	}
	if _, err := MapIO(0xfee0_0ff0, 0x20); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected partially mapped device to fail with ErrAlreadyExists; got %v", err)
	}
	if _, err := MapIO(0xfee0_0000, 0); err != ErrInvalidInput {
		t.Errorf("expected empty range to fail with ErrInvalidInput; got %v", err)
	}
}
