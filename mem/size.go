// SPDX-License-Identifier: Unlicense OR MIT

package mem

// Common memory block sizes.
const (
	KiB = 1 << 10
	MiB = 1 << 20
	GiB = 1 << 30
)

// Page sizes supported by the page table.
const (
	PageSize    = 4 * KiB
	PageSize2MB = 2 * MiB
	PageSize1GB = 1 * GiB
)

// PageCount returns the number of pages needed to hold size bytes.
func PageCount(size uintptr) uintptr {
	return (size + PageSize - 1) / PageSize
}
