// SPDX-License-Identifier: Unlicense OR MIT

// Command mmdump boots the memory manager on a simulated machine, builds a
// user address space next to the kernel one and prints the resulting
// mappings and page table translations.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"eliasnaur.com/unikmm/kernel"
	"eliasnaur.com/unikmm/klog"
	"eliasnaur.com/unikmm/mem"
	"eliasnaur.com/unikmm/mem/paging"
	"eliasnaur.com/unikmm/mem/pmm"
)

var (
	ramBase  = flag.Uint64("rambase", 0x1000_0000, "physical base address of RAM")
	ramSize  = flag.Uint64("ram", 64, "RAM size in MiB")
	mmioAddr = flag.Uint64("mmio", 0xfee0_0000, "physical address of a device to map; 0 disables")
	userPage = flag.Int("fault", 4, "number of lazy user pages to touch")
	dump     = flag.Bool("dump", false, "print every page table translation")
	pngFile  = flag.String("png", "", "render the address space layout to this PNG file")
	verbose  = flag.Bool("v", false, "log debug messages")
)

type platform struct {
	regions []mem.MemoryRegion
	phys    *pmm.Allocator
}

func (p *platform) MemoryRegions() []mem.MemoryRegion { return p.regions }
func (p *platform) PhysMemory() paging.Memory { return p.phys }

type cpu struct {
	id int
}

func (c *cpu) WritePageTableRoot(root mem.PhysAddr) {
	fmt.Printf("cpu%d: page table root %v\n", c.id, root)
}

func main() {
	flag.Parse()
	klog.SetOutput(os.Stderr)
	if *verbose {
		klog.SetLevel(klog.LevelDebug)
	}
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	base := mem.PhysAddr(*ramBase)
	size := uintptr(*ramSize) * mem.MiB
	ram, err := pmm.NewMemory(base, size)
	if err != nil {
		return fmt.Errorf("mmdump: %v", err)
	}
	defer ram.Close()
	p := &platform{
		regions: []mem.MemoryRegion{
			{Paddr: base, Size: size, Flags: mem.FlagRead | mem.FlagWrite | mem.FlagExecute, Name: "ram"},
		},
		phys: pmm.NewAllocator(ram),
	}

	kernel.InitMemoryManagement(p, &cpu{id: 0})
	kernel.InitMemoryManagementSecondary(&cpu{id: 1})
	if *mmioAddr != 0 {
		va, err := kernel.MapIO(mem.PhysAddr(*mmioAddr), mem.PageSize)
		if err != nil {
			return err
		}
		fmt.Printf("device %#x mapped at %v\n", *mmioAddr, va)
	}

	user, err := kernel.NewUserAspace()
	if err != nil {
		return err
	}
	defer user.Destroy()
	const (
		heap  mem.VirtAddr = 0x40_0000
		stack mem.VirtAddr = 0x3f_ffff_0000
	)
	userFlags := mem.FlagRead | mem.FlagWrite | mem.FlagUser
	if err := user.MapAlloc(heap, 64*mem.PageSize, userFlags, false); err != nil {
		return err
	}
	if err := user.MapAlloc(stack, 16*mem.PageSize, userFlags, true); err != nil {
		return err
	}
	for i := 0; i < *userPage; i++ {
		if err := user.Write(heap+mem.VirtAddr(2*i)*mem.PageSize, []byte{byte(i)}); err != nil {
			return err
		}
	}

	k := kernel.KernelAspace()
	kas := k.Lock()
	defer k.Unlock()
	fmt.Print(kas)
	fmt.Print(user)
	fmt.Printf("free frames: %d\n", p.phys.FreeFrames())
	for _, as := range []*kernel.AddrSpace{kas, user} {
		if *dump {
			for _, r := range as.PageTable().Dump() {
				fmt.Println(r)
			}
		}
		if err := as.PageTable().Verify(); err != nil {
			return err
		}
	}
	if *pngFile != "" {
		return renderLayout(*pngFile, []layoutRow{
			{"kernel", kas.Mappings()},
			{"user", user.Mappings()},
		})
	}
	return nil
}
