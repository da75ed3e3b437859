// SPDX-License-Identifier: Unlicense OR MIT

package main

import (
	"fmt"
	"math/bits"

	"github.com/fogleman/gg"

	"eliasnaur.com/unikmm/kernel"
)

type layoutRow struct {
	name     string
	mappings []kernel.Mapping
}

const (
	rowHeight  = 22
	labelWidth = 360
	barScale   = 12
	margin     = 10
)

// renderLayout draws one bar per mapping, its length the log2 of the
// mapping size.
func renderLayout(path string, rows []layoutRow) error {
	lines := 0
	for _, r := range rows {
		lines += 1 + len(r.mappings)
	}
	dc := gg.NewContext(labelWidth+64*barScale+2*margin, lines*rowHeight+2*margin)
	dc.SetRGB(1, 1, 1)
	dc.Clear()
	y := float64(margin)
	for _, r := range rows {
		dc.SetRGB(0, 0, 0)
		dc.DrawString(r.name, margin, y+rowHeight-6)
		y += rowHeight
		for _, m := range r.mappings {
			size := uint64(m.End - m.Start)
			w := float64(bits.Len64(size) * barScale)
			setColor(dc, m)
			dc.DrawRectangle(labelWidth, y+3, w, rowHeight-6)
			dc.Fill()
			dc.SetRGB(0, 0, 0)
			dc.DrawString(fmt.Sprintf("%#x %s", uintptr(m.Start), m.Flags), 2*margin, y+rowHeight-6)
			y += rowHeight
		}
	}
	return dc.SavePNG(path)
}

func setColor(dc *gg.Context, m kernel.Mapping) {
	alpha := 1.0
	if m.Shared {
		alpha = 0.4
	}
	switch b := m.Backend.(type) {
	case kernel.Linear:
		dc.SetRGBA(0.2, 0.4, 0.8, alpha)
	case kernel.Alloc:
		if b.Populate {
			dc.SetRGBA(0.2, 0.7, 0.3, alpha)
		} else {
			dc.SetRGBA(0.9, 0.6, 0.1, alpha)
		}
	}
}
