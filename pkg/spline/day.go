package spline

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/raterudder/pvcast/pkg/common"
	"github.com/raterudder/pvcast/pkg/types"
)

// Curve is instantaneous kW for every minute of one local day.
type Curve []float64

// BuildDay interpolates the band of series over the local day starting at
// dayStart. series should include one interval either side of the day.
// Knots sit at interval midpoints, so the curve passes through each sample
// there. Negative values are clamped to zero and minutes between two zero
// samples stay zero.
func BuildDay(series []types.Interval, band types.Band, dayStart time.Time) (Curve, error) {
	dayEnd := common.AddDays(dayStart, 1)
	var x, y []float64
	inDay := 0
	for _, i := range series {
		if i.End().Before(dayStart) || i.PeriodStart.After(dayEnd) {
			continue
		}
		if !i.PeriodStart.Before(dayStart) && i.PeriodStart.Before(dayEnd) {
			inDay++
		}
		mid := i.PeriodStart.Add(types.IntervalDuration / 2)
		x = append(x, mid.Sub(dayStart).Minutes())
		y = append(y, i.Value(band))
	}
	if inDay == 0 {
		return nil, ErrNoData
	}
	s, err := New(x, y)
	if err != nil {
		return nil, fmt.Errorf("error fitting %s: %w", band, err)
	}

	c := make(Curve, int(dayEnd.Sub(dayStart)/time.Minute))
	for m := range c {
		v := float64(m)
		if s.bothZero(v) {
			continue
		}
		c[m] = math.Max(0, s.At(v))
	}
	return c, nil
}

// Set holds the curves for every site and band of one local day.
type Set struct {
	dayStart time.Time
	disabled map[types.Band]bool
	curves   map[string]map[types.Band]Curve
}

// Build computes curves for each series, keyed by site ID (types.SiteAll for
// the aggregate). Disabled bands are skipped and report ErrBandDisabled.
func Build(series map[string][]types.Interval, dayStart time.Time, disabled []types.Band) *Set {
	s := &Set{
		dayStart: dayStart,
		disabled: make(map[types.Band]bool, len(disabled)),
		curves:   make(map[string]map[types.Band]Curve, len(series)),
	}
	for _, b := range disabled {
		s.disabled[b] = true
	}
	for site, intervals := range series {
		curves := make(map[types.Band]Curve, len(types.Bands))
		for _, b := range types.Bands {
			if s.disabled[b] {
				continue
			}
			c, err := BuildDay(intervals, b, dayStart)
			if err != nil {
				continue
			}
			curves[b] = c
		}
		s.curves[site] = curves
	}
	return s
}

// DayStart returns the local midnight the curves start at.
func (s *Set) DayStart() time.Time {
	return s.dayStart
}

// Sites returns the keys with curves, sorted.
func (s *Set) Sites() []string {
	sites := make([]string, 0, len(s.curves))
	for site := range s.curves {
		sites = append(sites, site)
	}
	sort.Strings(sites)
	return sites
}

// Curve returns the per-minute curve for a site and band.
func (s *Set) Curve(site string, band types.Band) (Curve, error) {
	if s.disabled[band] {
		return nil, ErrBandDisabled
	}
	c, ok := s.curves[site][band]
	if !ok {
		return nil, ErrNoData
	}
	return c, nil
}

// Get returns the value minute minutes after local midnight.
func (s *Set) Get(site string, band types.Band, minute int) (float64, error) {
	c, err := s.Curve(site, band)
	if err != nil {
		return 0, err
	}
	if minute < 0 || minute >= len(c) {
		return 0, fmt.Errorf("minute %d outside the day: %w", minute, ErrNoData)
	}
	return c[minute], nil
}
