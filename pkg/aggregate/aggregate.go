// Package aggregate turns raw per-site series into the dampened and hard
// limited series that queries read.
package aggregate

import (
	"math"
	"sort"
	"time"

	"github.com/raterudder/pvcast/pkg/common"
	"github.com/raterudder/pvcast/pkg/types"
)

const (
	RetentionDays = 730
	HorizonDays   = 8
)

// Input is everything a rebuild depends on.
type Input struct {
	// Sites maps a site ID to its raw series, sorted by period start.
	Sites map[string][]types.Interval
	// Keys maps a site ID to the API key it is listed under.
	Keys      map[string]string
	Dampening types.Dampening
	HardLimit types.HardLimit
	// Band selects the band used for the tally and the energy map.
	Band     types.Band
	Location *time.Location
	Now      time.Time
}

// Result is a complete rebuild. It is never mutated after Build returns.
type Result struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	Total           []types.Interval            `json:"total"`
	Undampened      []types.Interval            `json:"undampened"`
	Sites           map[string][]types.Interval `json:"sites"`
	SitesUndampened map[string][]types.Interval `json:"sitesUndampened"`

	// Tally is today's energy in kWh per site, plus SiteAll for the total.
	Tally  map[string]float64 `json:"tally"`
	Energy []EnergyPoint      `json:"energy"`
}

type bands [3]float64

type accumulator struct {
	sums map[int64]*bands
}

func newAccumulator() *accumulator {
	return &accumulator{sums: make(map[int64]*bands)}
}

func (a *accumulator) add(t time.Time, v bands) {
	k := t.Unix()
	b, ok := a.sums[k]
	if !ok {
		b = &bands{}
		a.sums[k] = b
	}
	for i := range b {
		b[i] += v[i]
	}
}

func (a *accumulator) keys() []int64 {
	keys := make([]int64, 0, len(a.sums))
	for k := range a.sums {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

func clamp(v bands, limit float64) bands {
	if limit <= 0 {
		return v
	}
	for i := range v {
		v[i] = math.Min(v[i], limit)
	}
	return v
}

func toInterval(t time.Time, v bands) types.Interval {
	return types.Interval{
		PeriodStart: t,
		Estimate:    round4(v[types.BandEstimate]),
		Estimate10:  round4(v[types.BandEstimate10]),
		Estimate90:  round4(v[types.BandEstimate90]),
	}
}

func fromInterval(i types.Interval, factor float64) bands {
	return bands{i.Estimate * factor, i.Estimate10 * factor, i.Estimate90 * factor}
}

// Build rebuilds every derived series. Sites are visited in sorted order so
// the floating point sums are identical across rebuilds of the same input.
func Build(in Input) *Result {
	loc := in.Location
	if loc == nil {
		loc = time.UTC
	}
	now := in.Now.In(loc)
	r := &Result{
		Start:           common.AddDays(now, -RetentionDays),
		End:             common.AddDays(now, HorizonDays),
		Sites:           make(map[string][]types.Interval, len(in.Sites)),
		SitesUndampened: make(map[string][]types.Interval, len(in.Sites)),
		Tally:           make(map[string]float64, len(in.Sites)+1),
	}
	todayStart, todayEnd := common.DayStart(now), common.AddDays(now, 1)

	siteIDs := make([]string, 0, len(in.Sites))
	for id := range in.Sites {
		siteIDs = append(siteIDs, id)
	}
	sort.Strings(siteIDs)

	// per API key sums, so per key limits apply to each key's total
	damped := map[string]*accumulator{}
	undamped := map[string]*accumulator{}
	var keys []string

	for _, id := range siteIDs {
		key := in.Keys[id]
		if _, ok := damped[key]; !ok {
			damped[key] = newAccumulator()
			undamped[key] = newAccumulator()
			keys = append(keys, key)
		}
		siteLimit, _ := in.HardLimit.ForKey(key)

		var site, siteRaw []types.Interval
		var tally float64
		for _, i := range in.Sites[id] {
			if i.PeriodStart.Before(r.Start) || !i.PeriodStart.Before(r.End) {
				continue
			}
			factor := in.Dampening.Factor(id, i.PeriodStart.In(loc))
			d := fromInterval(i, factor)
			u := fromInterval(i, 1)
			damped[key].add(i.PeriodStart, d)
			undamped[key].add(i.PeriodStart, u)

			di := toInterval(i.PeriodStart, clamp(d, siteLimit))
			site = append(site, di)
			siteRaw = append(siteRaw, toInterval(i.PeriodStart, clamp(u, siteLimit)))
			if !i.PeriodStart.Before(todayStart) && i.PeriodStart.Before(todayEnd) {
				tally += di.Value(in.Band) * types.IntervalDuration.Hours()
			}
		}
		r.Sites[id] = site
		r.SitesUndampened[id] = siteRaw
		r.Tally[id] = round4(tally)
	}
	sort.Strings(keys)

	r.Total = total(damped, keys, in.HardLimit)
	r.Undampened = total(undamped, keys, in.HardLimit)

	var tally float64
	for _, i := range r.Total {
		if !i.PeriodStart.Before(todayStart) && i.PeriodStart.Before(todayEnd) {
			tally += i.Value(in.Band) * types.IntervalDuration.Hours()
		}
	}
	r.Tally[types.SiteAll] = round4(tally)
	r.Energy = CompactEnergy(r.Total, in.Band)
	return r
}

// total sums the per key accumulators, clamping each key's sum to its own
// limit and the overall sum to the global limit.
func total(perKey map[string]*accumulator, keys []string, limit types.HardLimit) []types.Interval {
	all := newAccumulator()
	for _, key := range keys {
		acc := perKey[key]
		keyLimit := limit.PerKey[key]
		for _, k := range acc.keys() {
			all.add(time.Unix(k, 0), clamp(*acc.sums[k], keyLimit))
		}
	}
	out := make([]types.Interval, 0, len(all.sums))
	for _, k := range all.keys() {
		out = append(out, toInterval(time.Unix(k, 0).UTC(), clamp(*all.sums[k], limit.Global)))
	}
	return out
}
