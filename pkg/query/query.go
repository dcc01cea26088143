// Package query answers range, energy and peak questions over a sorted
// interval series.
package query

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/raterudder/pvcast/pkg/types"
)

// Index is a read-only view of one series. The only mutable state is a
// cursor at the last interval starting before the current local day, so the
// frequent queries anchored near the present skip history.
type Index struct {
	series []types.Interval
	cursor atomic.Int64
}

// NewIndex wraps a series that is sorted by period start. The series must
// not be modified afterwards.
func NewIndex(series []types.Interval, dayStart time.Time) *Index {
	x := &Index{series: series}
	x.Advance(dayStart)
	return x
}

// Len returns the number of intervals in the series.
func (x *Index) Len() int {
	return len(x.series)
}

// Advance moves the cursor to the last interval starting before dayStart.
// It only moves forward unless dayStart precedes the cursor.
func (x *Index) Advance(dayStart time.Time) {
	c := int(x.cursor.Load())
	if c >= len(x.series) || (c > 0 && !x.series[c].PeriodStart.Before(dayStart)) {
		c = 0
	}
	for c+1 < len(x.series) && x.series[c+1].PeriodStart.Before(dayStart) {
		c++
	}
	x.cursor.Store(int64(c))
}

// Cursor returns the current cursor position.
func (x *Index) Cursor() int {
	return int(x.cursor.Load())
}

// bounds returns the index range of intervals intersecting [start, end).
func (x *Index) bounds(start, end time.Time, searchPast bool) (int, int) {
	i := 0
	if c := x.Cursor(); !searchPast && c < len(x.series) && !start.Before(x.series[c].PeriodStart) {
		i = c
	}
	for i < len(x.series) && !x.series[i].End().After(start) {
		i++
	}
	j := i
	for j < len(x.series) && x.series[j].PeriodStart.Before(end) {
		j++
	}
	return i, j
}

// Slice returns a copy of every interval whose window intersects
// [start, end). History before the cursor is only scanned when searchPast
// is set or start is before the cursor.
func (x *Index) Slice(start, end time.Time, searchPast bool) []types.Interval {
	if !start.Before(end) {
		return nil
	}
	i, j := x.bounds(start, end, searchPast)
	if i == j {
		return nil
	}
	out := make([]types.Interval, j-i)
	copy(out, x.series[i:j])
	return out
}

// Overlap returns the fraction of the interval's window inside [start, end).
func Overlap(i types.Interval, start, end time.Time) float64 {
	from, to := i.PeriodStart, i.End()
	if start.After(from) {
		from = start
	}
	if end.Before(to) {
		to = end
	}
	if !to.After(from) {
		return 0
	}
	return float64(to.Sub(from)) / float64(types.IntervalDuration)
}

// Energy returns the kWh produced in [start, end). Intervals partly inside
// the range contribute in proportion to their overlap. ok is false when no
// interval intersects the range.
func (x *Index) Energy(start, end time.Time, band types.Band, searchPast bool) (float64, bool) {
	intervals := x.Slice(start, end, searchPast)
	if len(intervals) == 0 {
		return 0, false
	}
	return Energy(intervals, start, end, band), true
}

// Energy sums the kWh of already sliced intervals over [start, end).
func Energy(intervals []types.Interval, start, end time.Time, band types.Band) float64 {
	var kwh float64
	for _, i := range intervals {
		kwh += i.Value(band) * types.IntervalDuration.Hours() * Overlap(i, start, end)
	}
	return kwh
}

// Peak returns the interval with the largest value in [start, end). Ties go
// to the earliest interval.
func (x *Index) Peak(start, end time.Time, band types.Band, searchPast bool) (types.Interval, bool) {
	if !start.Before(end) {
		return types.Interval{}, false
	}
	i, j := x.bounds(start, end, searchPast)
	if i == j {
		return types.Interval{}, false
	}
	best := x.series[i]
	for _, iv := range x.series[i+1 : j] {
		if iv.Value(band) > best.Value(band) {
			best = iv
		}
	}
	return best, true
}

// At returns the interval containing t.
func (x *Index) At(t time.Time) (types.Interval, bool) {
	n := sort.Search(len(x.series), func(i int) bool {
		return x.series[i].End().After(t)
	})
	if n == len(x.series) || x.series[n].PeriodStart.After(t) {
		return types.Interval{}, false
	}
	return x.series[n], true
}

// Coverage returns how many intervals exist in [start, end) and how many a
// complete series would have.
func (x *Index) Coverage(start, end time.Time) (have, want int) {
	want = int(end.Sub(start) / types.IntervalDuration)
	i, j := x.bounds(start, end, true)
	return j - i, want
}
