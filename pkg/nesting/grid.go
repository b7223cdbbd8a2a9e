package nesting

import (
	"fmt"
	"strings"
)

// lid is one packing grid of area rows by time columns. Cells hold a zone
// slot, zero when free. Columns are logical: a reversed lid is mirrored
// only when physical offsets are derived.
type lid struct {
	rows     int
	cols     int
	cells    []int32
	reversed bool
}

func newLid(rows, cols int) *lid {
	return &lid{rows: rows, cols: cols, cells: make([]int32, rows*cols)}
}

func (l *lid) clone() *lid {
	c := *l
	c.cells = make([]int32, len(l.cells))
	copy(c.cells, l.cells)
	return &c
}

func (l *lid) contains(row, col, h, w int) bool {
	return row >= 0 && col >= 0 && h > 0 && w > 0 && row+h <= l.rows && col+w <= l.cols
}

func (l *lid) at(row, col int) int32 {
	return l.cells[row*l.cols+col]
}

// free reports whether the rectangle is inside the lid and unoccupied.
func (l *lid) free(row, col, h, w int) bool {
	if !l.contains(row, col, h, w) {
		return false
	}
	for r := row; r < row+h; r++ {
		for c := col; c < col+w; c++ {
			if l.at(r, c) != 0 {
				return false
			}
		}
	}
	return true
}

// place fills the rectangle with slot. Nothing is written on error.
func (l *lid) place(slot int32, row, col, h, w int) error {
	if !l.contains(row, col, h, w) {
		return fmt.Errorf("%w: %dx%d at (%d,%d) outside %dx%d lid", ErrPlacement, h, w, row, col, l.rows, l.cols)
	}
	if !l.free(row, col, h, w) {
		return fmt.Errorf("%w: %dx%d at (%d,%d) overlaps", ErrPlacement, h, w, row, col)
	}
	for r := row; r < row+h; r++ {
		for c := col; c < col+w; c++ {
			l.cells[r*l.cols+c] = slot
		}
	}
	return nil
}

// clearRect frees the rectangle, which must be owned by slot.
func (l *lid) clearRect(slot int32, row, col, h, w int) error {
	if !l.contains(row, col, h, w) {
		return fmt.Errorf("%w: %dx%d at (%d,%d) outside %dx%d lid", ErrPlacement, h, w, row, col, l.rows, l.cols)
	}
	for r := row; r < row+h; r++ {
		for c := col; c < col+w; c++ {
			if got := l.at(r, c); got != slot {
				return fmt.Errorf("%w: cell (%d,%d) holds slot %d, not %d", ErrPlacement, r, c, got, slot)
			}
		}
	}
	for r := row; r < row+h; r++ {
		for c := col; c < col+w; c++ {
			l.cells[r*l.cols+c] = 0
		}
	}
	return nil
}

// clearSlot frees every cell of slot and returns how many were freed.
func (l *lid) clearSlot(slot int32) int {
	n := 0
	for i, v := range l.cells {
		if v == slot {
			l.cells[i] = 0
			n++
		}
	}
	return n
}

// rowFill is the first free column after the last occupied one.
func (l *lid) rowFill(row int) int {
	for c := l.cols - 1; c >= 0; c-- {
		if l.at(row, c) != 0 {
			return c + 1
		}
	}
	return 0
}

// tail reports whether nothing follows column col in the given rows.
func (l *lid) tail(row, h, col int) bool {
	if col >= l.cols {
		return true
	}
	for r := row; r < row+h; r++ {
		if l.at(r, col) != 0 {
			return false
		}
	}
	return true
}

func (l *lid) empty() bool {
	for _, v := range l.cells {
		if v != 0 {
			return false
		}
	}
	return true
}

func (l *lid) occupied() int {
	n := 0
	for _, v := range l.cells {
		if v != 0 {
			n++
		}
	}
	return n
}

// physical maps a logical column span to its start on the time axis.
func (l *lid) physical(col, w int) int {
	if l.reversed {
		return l.cols - (col + w)
	}
	return col
}

// String renders the lid in physical order, one line per row.
func (l *lid) String() string {
	var b strings.Builder
	for r := 0; r < l.rows; r++ {
		for p := 0; p < l.cols; p++ {
			c := p
			if l.reversed {
				c = l.cols - 1 - p
			}
			if v := l.at(r, c); v != 0 {
				fmt.Fprintf(&b, "%3d", v)
			} else {
				b.WriteString("  .")
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}
