package transfer

import "sort"

// gapTracker records which chunk indices have arrived against a fixed,
// known-in-advance universe (the Total announced by BEGIN) and reports
// the missing ones on demand. A Transfer Session knows its full index
// universe up front, so this only needs a snapshot of gaps at END time
// rather than continuous monitoring.
type gapTracker struct {
	total    uint16
	received map[uint16]struct{}
}

func newGapTracker(total uint16) *gapTracker {
	return &gapTracker{total: total, received: make(map[uint16]struct{}, total)}
}

func (g *gapTracker) record(idx uint16) {
	g.received[idx] = struct{}{}
}

func (g *gapTracker) has(idx uint16) bool {
	_, ok := g.received[idx]
	return ok
}

func (g *gapTracker) count() int {
	return len(g.received)
}

// missing returns up to max missing indices in ascending order.
func (g *gapTracker) missing(max int) []uint16 {
	var gaps []uint16
	for idx := uint16(0); idx < g.total; idx++ {
		if _, ok := g.received[idx]; !ok {
			gaps = append(gaps, idx)
		}
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i] < gaps[j] })
	if max > 0 && len(gaps) > max {
		gaps = gaps[:max]
	}
	return gaps
}
