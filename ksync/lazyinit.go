// SPDX-License-Identifier: Unlicense OR MIT

package ksync

import "sync/atomic"

// InitState is the state of a LazyInit cell.
type InitState uint32

const (
	Uninitialized InitState = iota
	Initializing
	Ready
)

func (s InitState) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	default:
		return "invalid"
	}
}

// LazyInit is a value that is initialized exactly once and is read-only
// afterwards. The zero value is uninitialized.
type LazyInit[T any] struct {
	state atomic.Uint32
	value T
}

// InitOnce runs init and publishes its result. It returns false without
// calling init if initialization has already started. If init panics the
// cell stays in the Initializing state forever.
func (l *LazyInit[T]) InitOnce(init func() T) bool {
	if !l.state.CompareAndSwap(uint32(Uninitialized), uint32(Initializing)) {
		return false
	}
	l.value = init()
	l.state.Store(uint32(Ready))
	return true
}

// Get returns the value and true if the cell is Ready.
func (l *LazyInit[T]) Get() (T, bool) {
	if l.State() != Ready {
		var zero T
		return zero, false
	}
	return l.value, true
}

// State returns the current state of the cell.
func (l *LazyInit[T]) State() InitState {
	return InitState(l.state.Load())
}
