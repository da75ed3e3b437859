// SPDX-License-Identifier: Unlicense OR MIT

// Package pmm manages physical memory: the RAM arena backing physical
// addresses and the frame allocator handing out pages of it.
package pmm

import (
	"fmt"

	"golang.org/x/sys/unix"

	"eliasnaur.com/unikmm/mem"
)

// pmmError is the error type of the pmm package.
type pmmError string

const (
	ErrOutOfMemory = pmmError("pmm: out of memory")
	ErrOutOfRange  = pmmError("pmm: physical address outside of RAM")
	ErrUnaligned   = pmmError("pmm: unaligned physical memory range")
)

func (e pmmError) Error() string {
	return string(e)
}

// Memory is a range of RAM starting at a physical base address. Its contents
// live in an anonymous host mapping.
type Memory struct {
	base mem.PhysAddr
	ram  []byte
}

// NewMemory maps size bytes of RAM starting at physical address base. Both
// must be page aligned. Host memory is only committed when touched.
func NewMemory(base mem.PhysAddr, size uintptr) (*Memory, error) {
	if !base.PageAligned() || size == 0 || size%mem.PageSize != 0 {
		return nil, ErrUnaligned
	}
	if _, ok := base.Add(size); !ok {
		return nil, ErrOutOfRange
	}
	ram, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("pmm: failed to map %#x bytes of RAM: %w", size, err)
	}
	return &Memory{base: base, ram: ram}, nil
}

// Base returns the first physical address of the RAM.
func (m *Memory) Base() mem.PhysAddr {
	return m.base
}

// Size returns the size of the RAM in bytes.
func (m *Memory) Size() uintptr {
	return uintptr(len(m.ram))
}

// End returns the first physical address past the RAM.
func (m *Memory) End() mem.PhysAddr {
	return m.base + mem.PhysAddr(len(m.ram))
}

// Contains reports whether [pa, pa+n) lies in the RAM.
func (m *Memory) Contains(pa mem.PhysAddr, n uintptr) bool {
	end, ok := pa.Add(n)
	return ok && pa >= m.base && end <= m.End()
}

// Bytes returns the n bytes of RAM at physical address pa. The slice aliases
// the RAM.
func (m *Memory) Bytes(pa mem.PhysAddr, n uintptr) ([]byte, error) {
	if !m.Contains(pa, n) {
		return nil, ErrOutOfRange
	}
	off := uintptr(pa - m.base)
	return m.ram[off : off+n : off+n], nil
}

// discard returns the host pages backing [pa, pa+n) to the host. Their
// contents read as zero afterwards.
func (m *Memory) discard(pa mem.PhysAddr, n uintptr) {
	hostPage := uintptr(unix.Getpagesize())
	start := pa.AlignUp(hostPage)
	end := (pa + mem.PhysAddr(n)).AlignDown(hostPage)
	if start >= end {
		return
	}
	b, err := m.Bytes(start, uintptr(end-start))
	if err != nil {
		return
	}
	unix.Madvise(b, unix.MADV_DONTNEED)
}

// Close releases the host mapping. The Memory must not be used afterwards.
func (m *Memory) Close() error {
	if m.ram == nil {
		return nil
	}
	err := unix.Munmap(m.ram)
	m.ram = nil
	return err
}
