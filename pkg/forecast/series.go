package forecast

import (
	"slices"
	"sort"
	"time"

	"github.com/raterudder/pvcast/pkg/types"
)

// Series is a raw per-site series kept sorted and unique by period start.
type Series struct {
	intervals []types.Interval
}

// NewSeries builds a series from unsorted intervals. Later duplicates win.
func NewSeries(intervals []types.Interval) *Series {
	return &Series{intervals: normalize(intervals)}
}

// normalize returns a sorted copy with one entry per period start, keeping
// the last occurrence of each.
func normalize(in []types.Interval) []types.Interval {
	out := slices.Clone(in)
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].PeriodStart.Before(out[b].PeriodStart)
	})
	n := 0
	for i := range out {
		if n > 0 && out[n-1].PeriodStart.Equal(out[i].PeriodStart) {
			out[n-1] = out[i]
			continue
		}
		out[n] = out[i]
		n++
	}
	return out[:n]
}

// Merge inserts intervals, replacing existing ones with the same start.
func (s *Series) Merge(incoming []types.Interval) {
	if len(incoming) == 0 {
		return
	}
	in := normalize(incoming)
	merged := make([]types.Interval, 0, len(s.intervals)+len(in))
	i, j := 0, 0
	for i < len(s.intervals) && j < len(in) {
		a, b := s.intervals[i], in[j]
		switch {
		case a.PeriodStart.Before(b.PeriodStart):
			merged = append(merged, a)
			i++
		case b.PeriodStart.Before(a.PeriodStart):
			merged = append(merged, b)
			j++
		default:
			merged = append(merged, b)
			i++
			j++
		}
	}
	merged = append(merged, s.intervals[i:]...)
	merged = append(merged, in[j:]...)
	s.intervals = merged
}

// Prune drops intervals starting before from or at/after to and returns how
// many were removed. A zero bound is open.
func (s *Series) Prune(from, to time.Time) int {
	lo := 0
	if !from.IsZero() {
		lo = sort.Search(len(s.intervals), func(i int) bool {
			return !s.intervals[i].PeriodStart.Before(from)
		})
	}
	hi := len(s.intervals)
	if !to.IsZero() {
		hi = sort.Search(len(s.intervals), func(i int) bool {
			return !s.intervals[i].PeriodStart.Before(to)
		})
	}
	if hi < lo {
		hi = lo
	}
	removed := len(s.intervals) - (hi - lo)
	if removed > 0 {
		s.intervals = slices.Clone(s.intervals[lo:hi])
	}
	return removed
}

// Intervals returns a copy of the series.
func (s *Series) Intervals() []types.Interval {
	return slices.Clone(s.intervals)
}

// Len returns the number of intervals.
func (s *Series) Len() int {
	return len(s.intervals)
}
