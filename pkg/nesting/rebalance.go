package nesting

import "math"

// arrangement is one reversal flag per lid.
type arrangement []bool

func (l *layout) apply(a arrangement) {
	for i, ld := range l.lids {
		ld.reversed = a[i]
	}
}

func alternating(n int) arrangement {
	a := make(arrangement, n)
	for i := range a {
		a[i] = i%2 == 1
	}
	return a
}

// search evaluates arrangements and remembers the best one.
type search struct {
	l         *layout
	tolerance float64
	best      arrangement
	bestDev   float64
}

// try applies a and reports its imbalance and whether it is acceptable.
func (s *search) try(a arrangement) (float64, bool) {
	s.l.apply(a)
	dev := s.l.imbalance()
	if dev < s.bestDev {
		copy(s.best, a)
		s.bestDev = dev
	}
	return dev, dev <= s.tolerance
}

// rebalance reverses lids to move the load centroid to the middle of the
// cycle. The first arrangement within tolerance is kept, otherwise the best
// one seen. Returns the resulting imbalance.
func (s *Scheduler) rebalance(l *layout) float64 {
	n := len(l.lids)
	if n == 0 {
		return 0
	}

	sr := &search{
		l:         l,
		tolerance: s.cfg.Tolerance,
		best:      make(arrangement, n),
		bestDev:   math.Inf(1),
	}

	switch {
	case s.cfg.Mode != Continuous:
		sr.greedy()
	case n <= s.cfg.MaxSearchLids:
		if _, ok := sr.try(alternating(n)); !ok {
			sr.exhaustive()
		}
	default:
		if _, ok := sr.try(alternating(n)); !ok {
			sr.greedy()
		}
	}

	l.apply(sr.best)
	s.log.Debug("rebalanced", "layout", l.id, "lids", n, "imbalance", sr.bestDev)
	return sr.bestDev
}

// exhaustive tries every reversal combination. With equal lid lengths an
// arrangement and its mirror image are equally balanced, so the first lid
// stays fixed.
func (s *search) exhaustive() bool {
	n := len(s.l.lids)
	first := 0
	if s.l.uniform() {
		first = 1
	}
	a := make(arrangement, n)
	for mask := 0; mask < 1<<(n-first); mask++ {
		for i := first; i < n; i++ {
			a[i] = mask&(1<<(i-first)) != 0
		}
		if _, ok := s.try(a); ok {
			return true
		}
	}
	return false
}

// greedy flips one lid at a time, keeping each flip that improves balance.
func (s *search) greedy() bool {
	a := make(arrangement, len(s.l.lids))
	cur, ok := s.try(a)
	if ok {
		return true
	}
	for i := range a {
		a[i] = !a[i]
		dev, ok := s.try(a)
		if ok {
			return true
		}
		if dev < cur {
			cur = dev
		} else {
			a[i] = !a[i]
		}
	}
	return false
}
