// SPDX-License-Identifier: Unlicense OR MIT

package memset

// Error is a failure to update a Set.
type Error int

const (
	// ErrInvalidParam reports an empty, overflowing or unaligned range.
	ErrInvalidParam Error = iota + 1
	// ErrAlreadyExists reports a range overlapping an existing area.
	ErrAlreadyExists
	// ErrBadState reports that the set and its page table disagree.
	ErrBadState
)

func (e Error) Error() string {
	switch e {
	case ErrInvalidParam:
		return "memset: invalid parameter"
	case ErrAlreadyExists:
		return "memset: area already exists"
	case ErrBadState:
		return "memset: bad state"
	default:
		return "memset: unknown error"
	}
}

// GoString makes %#v print the error name.
func (e Error) GoString() string {
	switch e {
	case ErrInvalidParam:
		return "InvalidParam"
	case ErrAlreadyExists:
		return "AlreadyExists"
	case ErrBadState:
		return "BadState"
	default:
		return "Unknown"
	}
}
