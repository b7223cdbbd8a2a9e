package nesting

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

var errNoRoom = errors.New("no room to resize in place")

type placement struct {
	slot int32
	lid  *lid
	row  int
	col  int
	rows int
	cols int
	pwm  time.Duration
}

// start is the physical column the zone opens at.
func (p *placement) start() int {
	return p.lid.physical(p.col, p.cols)
}

// layout is the packed state of one master. Lids are in creation order.
type layout struct {
	id           uuid.UUID
	lids         []*lid
	zones        map[string]*placement
	proportional map[string]shape
	nextSlot     int32

	// collapsed is set when the minimum-on policy dropped all demand.
	collapsed bool
	deviation float64
}

func newLayout() *layout {
	return &layout{
		id:           uuid.New(),
		zones:        make(map[string]*placement),
		proportional: make(map[string]shape),
	}
}

// clone deep-copies the layout, keeping its ID.
func (l *layout) clone() *layout {
	c := &layout{
		id:           l.id,
		lids:         make([]*lid, len(l.lids)),
		zones:        make(map[string]*placement, len(l.zones)),
		proportional: make(map[string]shape, len(l.proportional)),
		nextSlot:     l.nextSlot,
		collapsed:    l.collapsed,
		deviation:    l.deviation,
	}
	mapped := make(map[*lid]*lid, len(l.lids))
	for i, ld := range l.lids {
		c.lids[i] = ld.clone()
		mapped[ld] = c.lids[i]
	}
	for id, p := range l.zones {
		cp := *p
		cp.lid = mapped[p.lid]
		c.zones[id] = &cp
	}
	for id, s := range l.proportional {
		c.proportional[id] = s
	}
	return c
}

// longest returns the length of the longest lid, zero without lids.
func (l *layout) longest() int {
	n := 0
	for _, ld := range l.lids {
		n = max(n, ld.cols)
	}
	return n
}

func (l *layout) uniform() bool {
	for _, ld := range l.lids {
		if ld.cols != l.lids[0].cols {
			return false
		}
	}
	return true
}

// bestFit finds the tightest edge-anchored free region for s: a run of
// consecutive rows sharing the same fill level with enough columns after it.
// Equal scores keep the first region found.
func (l *layout) bestFit(s shape) (*lid, int, int, bool) {
	var (
		bestLid  *lid
		bestRow  int
		bestCol  int
		bestRank = -1.0
	)
	for _, ld := range l.lids {
		for r := 0; r < ld.rows; {
			fill := ld.rowFill(r)
			end := r + 1
			for end < ld.rows && ld.rowFill(end) == fill {
				end++
			}
			run, space := end-r, ld.cols-fill
			if run >= s.rows && space >= s.cols {
				rank := float64(s.rows) / float64(run) * float64(s.cols) / float64(space)
				if rank > bestRank {
					bestLid, bestRow, bestCol, bestRank = ld, r, fill, rank
				}
			}
			r = end
		}
	}
	return bestLid, bestRow, bestCol, bestLid != nil
}

// insert packs s into the best free region, or into a new lid of the given
// height sized to max(target, longest lid, s.cols).
func (l *layout) insert(s shape, target, height int) error {
	ld, row, col, ok := l.bestFit(s)
	if !ok {
		ld = newLid(max(height, s.rows), max(target, l.longest(), s.cols))
		row, col = 0, 0
		l.lids = append(l.lids, ld)
	}

	slot := l.nextSlot + 1
	if err := ld.place(slot, row, col, s.rows, s.cols); err != nil {
		return fmt.Errorf("placing zone %q: %w", s.id, err)
	}
	l.nextSlot = slot
	l.zones[s.id] = &placement{
		slot: slot,
		lid:  ld,
		row:  row,
		col:  col,
		rows: s.rows,
		cols: s.cols,
		pwm:  s.pwm,
	}
	return nil
}

// resize extends or truncates a placement along its lid's growth edge.
// Only the tail of its rows can change in place.
func (l *layout) resize(p *placement, cols int) error {
	if cols == p.cols {
		return nil
	}
	end := p.col + p.cols
	if !p.lid.tail(p.row, p.rows, end) {
		return errNoRoom
	}
	if cols > p.cols {
		if !p.lid.free(p.row, end, p.rows, cols-p.cols) {
			return errNoRoom
		}
		if err := p.lid.place(p.slot, p.row, end, p.rows, cols-p.cols); err != nil {
			return err
		}
	} else {
		if err := p.lid.clearRect(p.slot, p.row, p.col+cols, p.rows, p.cols-cols); err != nil {
			return err
		}
	}
	p.cols = cols
	return nil
}

// remove clears a zone and drops lids left empty. Other placements are not
// moved.
func (l *layout) remove(id string) bool {
	delete(l.proportional, id)
	p, ok := l.zones[id]
	if !ok {
		return false
	}
	p.lid.clearSlot(p.slot)
	delete(l.zones, id)
	l.dropEmpty()
	return true
}

func (l *layout) dropEmpty() {
	kept := l.lids[:0]
	for _, ld := range l.lids {
		if !ld.empty() {
			kept = append(kept, ld)
		}
	}
	for i := len(kept); i < len(l.lids); i++ {
		l.lids[i] = nil
	}
	l.lids = kept
}

// ids returns the packed zone IDs in slot order.
func (l *layout) ids() []string {
	ids := make([]string, 0, len(l.zones))
	for id := range l.zones {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return l.zones[ids[i]].slot < l.zones[ids[j]].slot })
	return ids
}

// columnLoad sums occupied rows per physical column over all lids.
func (l *layout) columnLoad() []int {
	load := make([]int, l.longest())
	for _, p := range l.zones {
		s := p.start()
		for c := s; c < s+p.cols; c++ {
			load[c] += p.rows
		}
	}
	return load
}

// imbalance is the distance of the load centroid from the middle of the
// longest lid, normalized by its length.
func (l *layout) imbalance() float64 {
	load := l.columnLoad()
	if len(load) == 0 {
		return 0
	}
	var total, moment float64
	for c, v := range load {
		total += float64(v)
		moment += float64(v) * (float64(c) + 0.5)
	}
	if total == 0 {
		return 0
	}
	length := float64(len(load))
	d := moment/total - length/2
	if d < 0 {
		d = -d
	}
	return d / length
}
