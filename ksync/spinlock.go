// SPDX-License-Identifier: Unlicense OR MIT

// Package ksync provides the locking primitives used by the memory manager:
// spinlocks, a spinlock that masks interrupts while held and a one-shot
// initialization cell.
package ksync

import (
	"runtime"
	"sync/atomic"
)

// attemptsBeforeYielding bounds the busy-wait loop before the waiter yields
// its processor.
const attemptsBeforeYielding = 100

// yieldFn is called by spinning waiters.
var yieldFn = runtime.Gosched

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for {
		for i := 0; i < attemptsBeforeYielding; i++ {
			if atomic.CompareAndSwapUint32(&l.state, 0, 1) {
				return
			}
		}
		yieldFn()
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// Held reports whether the lock is currently held by some task.
func (l *Spinlock) Held() bool {
	return atomic.LoadUint32(&l.state) != 0
}

// SpinNoIrq is a Spinlock that disables local interrupts while held, so an
// interrupt handler cannot re-enter the critical section. Code holding it must
// not block.
type SpinNoIrq struct {
	lock Spinlock
}

// Lock acquires the lock and disables local interrupts. Interrupts are only
// disabled once the lock is held, so a waiter does not depend on the
// interrupt state of the previous holder.
func (l *SpinNoIrq) Lock() {
	l.lock.Acquire()
	DisableLocalIRQ()
}

// TryLock is like Lock but does not wait. Interrupts are left untouched if
// the lock is busy.
func (l *SpinNoIrq) TryLock() bool {
	if !l.lock.TryToAcquire() {
		return false
	}
	DisableLocalIRQ()
	return true
}

// Unlock releases the lock and undoes the interrupt disabling of Lock.
func (l *SpinNoIrq) Unlock() {
	l.lock.Release()
	EnableLocalIRQ()
}
