package engine

import (
	"fmt"
	"slices"
	"time"

	"github.com/raterudder/pvcast/pkg/aggregate"
	"github.com/raterudder/pvcast/pkg/common"
	"github.com/raterudder/pvcast/pkg/query"
	"github.com/raterudder/pvcast/pkg/spline"
	"github.com/raterudder/pvcast/pkg/types"
)

func (e *Engine) band(b types.Band) (types.Band, error) {
	if b == types.BandDefault {
		b = e.cfg.Band
	}
	if slices.Contains(e.cfg.DisabledBands, b) {
		return b, fmt.Errorf("%s: %w", b, spline.ErrBandDisabled)
	}
	return b, nil
}

// index returns the series of a site, or of the aggregate when site is empty
// or SiteAll.
func (e *Engine) index(site string, undampened bool) (*view, *query.Index, error) {
	if !e.knownSite(site) {
		return nil, nil, fmt.Errorf("%s: %w", site, ErrUnknownSite)
	}
	v := e.view.Load()
	x := v.index(site, undampened)
	if x == nil {
		// configured but nothing cached yet
		x = query.NewIndex(nil, v.dayStart)
	}
	return v, x, nil
}

// QueryRange returns every interval intersecting [start, end). An empty
// result means no data, which is distinct from zero forecasts.
func (e *Engine) QueryRange(start, end time.Time, site string, undampened bool) ([]types.Interval, error) {
	_, x, err := e.index(site, undampened)
	if err != nil {
		return nil, err
	}
	return x.Slice(start, end, false), nil
}

// Peak returns the interval with the highest value in [start, end). ok is
// false when there is no data in the range.
func (e *Engine) Peak(start, end time.Time, site string, band types.Band) (types.Interval, bool, error) {
	band, err := e.band(band)
	if err != nil {
		return types.Interval{}, false, err
	}
	_, x, err := e.index(site, false)
	if err != nil {
		return types.Interval{}, false, err
	}
	i, ok := x.Peak(start, end, band, false)
	return i, ok, nil
}

// InstantaneousPower returns the interpolated kW at minute minutes after
// today's local midnight. It returns spline.ErrBandDisabled for disabled
// bands and spline.ErrNoData when today has no data.
func (e *Engine) InstantaneousPower(minute int, site string, band types.Band) (float64, error) {
	band, err := e.band(band)
	if err != nil {
		return 0, err
	}
	if !e.knownSite(site) {
		return 0, fmt.Errorf("%s: %w", site, ErrUnknownSite)
	}
	if site == "" {
		site = types.SiteAll
	}
	return e.view.Load().splines.Get(site, band, minute)
}

// PowerAt returns the interpolated kW at t, which must fall on the current
// local day.
func (e *Engine) PowerAt(t time.Time, site string, band types.Band) (float64, error) {
	minute := int(t.Sub(e.view.Load().dayStart) / time.Minute)
	return e.InstantaneousPower(minute, site, band)
}

// EnergyBetween returns the kWh forecast in [start, end), weighting
// intervals that only partly overlap the range. ok is false when there is
// no data in the range.
func (e *Engine) EnergyBetween(start, end time.Time, site string, band types.Band, undampened bool) (float64, bool, error) {
	band, err := e.band(band)
	if err != nil {
		return 0, false, err
	}
	_, x, err := e.index(site, undampened)
	if err != nil {
		return 0, false, err
	}
	kwh, ok := x.Energy(start, end, band, false)
	return kwh, ok, nil
}

// RemainingToday returns the kWh forecast from now until local midnight.
func (e *Engine) RemainingToday(site string, band types.Band) (float64, bool, error) {
	now := e.now().In(e.cfg.Location)
	return e.EnergyBetween(now, common.AddDays(common.DayStart(now), 1), site, band, false)
}

// DayTotal returns the kWh forecast for the local day offset days from
// today.
func (e *Engine) DayTotal(offset int, site string, band types.Band) (float64, bool, error) {
	today := e.view.Load().dayStart
	return e.EnergyBetween(common.AddDays(today, offset), common.AddDays(today, offset+1), site, band, false)
}

// Tally returns today's forecast kWh for a site, or for every site when site
// is empty.
func (e *Engine) Tally(site string) (float64, bool, error) {
	if !e.knownSite(site) {
		return 0, false, fmt.Errorf("%s: %w", site, ErrUnknownSite)
	}
	if site == "" {
		site = types.SiteAll
	}
	v, ok := e.view.Load().result.Tally[site]
	return v, ok, nil
}

// HourEnergy is the energy of one clock hour.
type HourEnergy struct {
	Start time.Time `json:"start"`
	KWh   float64   `json:"kwh"`
}

// DayForecast is one local day of forecasts.
type DayForecast struct {
	Date      string           `json:"date"`
	Start     time.Time        `json:"start"`
	End       time.Time        `json:"end"`
	Intervals []types.Interval `json:"intervals"`
	Hourly    []HourEnergy     `json:"hourly"`
	TotalKWh  float64          `json:"totalKWh"`
	// Complete is true when every interval of the day is present.
	Complete bool `json:"complete"`
}

// Day returns the local day offset days from today for a site.
func (e *Engine) Day(offset int, site string, band types.Band) (DayForecast, error) {
	band, err := e.band(band)
	if err != nil {
		return DayForecast{}, err
	}
	v, x, err := e.index(site, false)
	if err != nil {
		return DayForecast{}, err
	}
	start := common.AddDays(v.dayStart, offset)
	end := common.AddDays(v.dayStart, offset+1)
	d := DayForecast{
		Date:      start.Format(time.DateOnly),
		Start:     start,
		End:       end,
		Intervals: x.Slice(start, end, false),
	}
	have, want := x.Coverage(start, end)
	d.Complete = have == want
	d.TotalKWh = query.Energy(d.Intervals, start, end, band)
	for h := start; h.Before(end); h = h.Add(time.Hour) {
		d.Hourly = append(d.Hourly, HourEnergy{
			Start: h,
			KWh:   query.Energy(d.Intervals, h, h.Add(time.Hour), band),
		})
	}
	return d, nil
}

// Energy returns the compact per interval Wh map of the aggregate.
func (e *Engine) Energy() map[string]int64 {
	return aggregate.EnergyMap(e.view.Load().result.Energy)
}
