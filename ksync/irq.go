// SPDX-License-Identifier: Unlicense OR MIT

package ksync

import "sync/atomic"

// irqDisableDepth counts the critical sections that have local interrupts
// disabled. The hosted kernel runs on a single simulated CPU, so one
// counter stands for the whole machine.
var irqDisableDepth atomic.Int32

// LocalIRQEnabled reports whether local interrupts are enabled.
func LocalIRQEnabled() bool {
	return irqDisableDepth.Load() == 0
}

// DisableLocalIRQ disables local interrupts until the matching
// EnableLocalIRQ. Calls nest.
func DisableLocalIRQ() {
	irqDisableDepth.Add(1)
}

// EnableLocalIRQ undoes one DisableLocalIRQ. Interrupts are enabled again
// when the outermost one is undone.
func EnableLocalIRQ() {
	if irqDisableDepth.Add(-1) < 0 {
		panic("ksync: EnableLocalIRQ without DisableLocalIRQ")
	}
}
