package aggregate

import (
	"math"
	"time"

	"github.com/raterudder/pvcast/pkg/types"
)

// EnergyPoint is the energy produced over one interval, in Wh.
type EnergyPoint struct {
	PeriodStart time.Time `json:"period_start"`
	WattHours   int64     `json:"wh"`
}

// CompactEnergy converts a series into per interval Wh. Runs of contiguous
// zero intervals keep only their first and last interval; ExpandEnergy
// restores the rest. Missing intervals in the series stay missing.
func CompactEnergy(series []types.Interval, band types.Band) []EnergyPoint {
	out := make([]EnergyPoint, 0, len(series))
	for i, iv := range series {
		wh := wattHours(iv.Value(band))
		if wh == 0 && i > 0 && i < len(series)-1 {
			prev, next := series[i-1], series[i+1]
			if wattHours(prev.Value(band)) == 0 && wattHours(next.Value(band)) == 0 &&
				adjacent(prev.PeriodStart, iv.PeriodStart) && adjacent(iv.PeriodStart, next.PeriodStart) {
				continue
			}
		}
		out = append(out, EnergyPoint{PeriodStart: iv.PeriodStart, WattHours: wh})
	}
	return out
}

func wattHours(kw float64) int64 {
	return int64(math.Round(kw * types.IntervalDuration.Hours() * 1000))
}

func adjacent(a, b time.Time) bool {
	return b.Sub(a) == types.IntervalDuration
}

// ExpandEnergy fills the gaps left by CompactEnergy with zero intervals. Only
// a gap between two zero points is a compacted run, any other gap is data
// that was never there.
func ExpandEnergy(points []EnergyPoint) []EnergyPoint {
	if len(points) == 0 {
		return nil
	}
	out := make([]EnergyPoint, 0, len(points))
	for i, p := range points {
		if i > 0 && p.WattHours == 0 && points[i-1].WattHours == 0 {
			for t := points[i-1].PeriodStart.Add(types.IntervalDuration); t.Before(p.PeriodStart); t = t.Add(types.IntervalDuration) {
				out = append(out, EnergyPoint{PeriodStart: t})
			}
		}
		out = append(out, p)
	}
	return out
}

// EnergyMap keys the points by RFC 3339 period start.
func EnergyMap(points []EnergyPoint) map[string]int64 {
	m := make(map[string]int64, len(points))
	for _, p := range points {
		m[p.PeriodStart.UTC().Format(time.RFC3339)] = p.WattHours
	}
	return m
}
