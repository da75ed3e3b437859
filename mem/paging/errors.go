// SPDX-License-Identifier: Unlicense OR MIT

package paging

// Error is a page table failure.
type Error int

const (
	// ErrNoMemory reports that a page table node could not be allocated.
	ErrNoMemory Error = iota + 1
	// ErrNotAligned reports an address or size not aligned to the page size.
	ErrNotAligned
	// ErrNotMapped reports that no translation is installed for an address.
	ErrNotMapped
	// ErrAlreadyMapped reports an attempt to overwrite an installed translation.
	ErrAlreadyMapped
	// ErrMappedToHugePage reports a walk that hit a huge page where a smaller
	// page or a partial range was requested.
	ErrMappedToHugePage
)

func (e Error) Error() string {
	switch e {
	case ErrNoMemory:
		return "paging: no memory for page table"
	case ErrNotAligned:
		return "paging: address not aligned"
	case ErrNotMapped:
		return "paging: address not mapped"
	case ErrAlreadyMapped:
		return "paging: address already mapped"
	case ErrMappedToHugePage:
		return "paging: address mapped to a huge page"
	default:
		return "paging: unknown error"
	}
}

// GoString makes %#v print the error name, as used in warnings.
func (e Error) GoString() string {
	switch e {
	case ErrNoMemory:
		return "NoMemory"
	case ErrNotAligned:
		return "NotAligned"
	case ErrNotMapped:
		return "NotMapped"
	case ErrAlreadyMapped:
		return "AlreadyMapped"
	case ErrMappedToHugePage:
		return "MappedToHugePage"
	default:
		return "Unknown"
	}
}
