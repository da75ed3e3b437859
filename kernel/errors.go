// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"errors"

	"eliasnaur.com/unikmm/klog"
	"eliasnaur.com/unikmm/mem/memset"
	"eliasnaur.com/unikmm/mem/paging"
	"eliasnaur.com/unikmm/mem/pmm"
)

// kernError is an error type usable in kernel code.
type kernError string

func (k kernError) Error() string {
	return string(k)
}

// Errors returned by the memory manager. Failures of the page table and
// mapping set layers are reduced to these.
const (
	ErrInvalidInput  = kernError("invalid input")
	ErrAlreadyExists = kernError("entity already exists")
	ErrBadState      = kernError("bad internal state")
	ErrNoMemory      = kernError("out of memory")
	ErrNotFound      = kernError("entity not found")
)

var log = klog.New("mm")

func mappingErr(err memset.Error) error {
	log.Warnf("Mapping error: %#v", err)
	switch err {
	case memset.ErrInvalidParam:
		return ErrInvalidInput
	case memset.ErrAlreadyExists:
		return ErrAlreadyExists
	default:
		return ErrBadState
	}
}

func pagingErr(err paging.Error) error {
	log.Warnf("Paging error: %#v", err)
	switch err {
	case paging.ErrNoMemory:
		return ErrNoMemory
	case paging.ErrNotAligned:
		return ErrInvalidInput
	case paging.ErrNotMapped:
		return ErrNotFound
	case paging.ErrAlreadyMapped:
		return ErrAlreadyExists
	case paging.ErrMappedToHugePage:
		return ErrInvalidInput
	default:
		return ErrBadState
	}
}

// translateErr reduces an error from any lower layer to a kernError.
func translateErr(err error) error {
	var (
		kerr kernError
		merr memset.Error
		perr paging.Error
	)
	switch {
	case err == nil:
		return nil
	case errors.As(err, &kerr):
		return kerr
	case errors.As(err, &merr):
		return mappingErr(merr)
	case errors.As(err, &perr):
		return pagingErr(perr)
	case errors.Is(err, pmm.ErrOutOfMemory):
		log.Warnf("Allocation error: %v", err)
		return ErrNoMemory
	default:
		log.Warnf("Unexpected error: %v", err)
		return ErrBadState
	}
}

// fatal reports a broken invariant and halts. It never returns.
func fatal(msg string) {
	log.Errorf("fatal error: %s", msg)
	panic(kernError("fatal error: " + msg))
}
