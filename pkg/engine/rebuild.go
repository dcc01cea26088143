package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/raterudder/pvcast/pkg/aggregate"
	"github.com/raterudder/pvcast/pkg/common"
	"github.com/raterudder/pvcast/pkg/log"
	"github.com/raterudder/pvcast/pkg/query"
	"github.com/raterudder/pvcast/pkg/spline"
	"github.com/raterudder/pvcast/pkg/types"
)

// view is an immutable snapshot of everything queries read. Only the index
// cursors move after it is published.
type view struct {
	dayStart   time.Time
	result     *aggregate.Result
	dampened   map[string]*query.Index
	undampened map[string]*query.Index
	splines    *spline.Set
}

func emptyView(dayStart time.Time) *view {
	return &view{
		dayStart:   dayStart,
		result:     &aggregate.Result{},
		dampened:   map[string]*query.Index{types.SiteAll: query.NewIndex(nil, dayStart)},
		undampened: map[string]*query.Index{types.SiteAll: query.NewIndex(nil, dayStart)},
		splines:    spline.Build(nil, dayStart, nil),
	}
}

func (v *view) index(site string, undampened bool) *query.Index {
	if site == "" {
		site = types.SiteAll
	}
	if undampened {
		return v.undampened[site]
	}
	return v.dampened[site]
}

// dampening returns the factors in effect. mu must be held.
func (e *Engine) dampening() types.Dampening {
	return types.Dampening{Global: e.options.Dampening, Granular: e.granular}.Clone()
}

// rebuild recomputes the aggregate, indexes and splines and publishes them.
// mu must be held.
func (e *Engine) rebuild(ctx context.Context) {
	started := time.Now()
	now := e.now().In(e.cfg.Location)

	res := aggregate.Build(aggregate.Input{
		Sites:     e.store.Snapshot(),
		Keys:      e.siteKeys,
		Dampening: e.dampening(),
		HardLimit: e.hardLimit,
		Band:      e.cfg.Band,
		Location:  e.cfg.Location,
		Now:       now,
	})

	dayStart := common.DayStart(now)
	v := &view{
		dayStart:   dayStart,
		result:     res,
		dampened:   make(map[string]*query.Index, len(res.Sites)+1),
		undampened: make(map[string]*query.Index, len(res.Sites)+1),
	}
	v.dampened[types.SiteAll] = query.NewIndex(res.Total, dayStart)
	v.undampened[types.SiteAll] = query.NewIndex(res.Undampened, dayStart)
	for site, s := range res.Sites {
		v.dampened[site] = query.NewIndex(s, dayStart)
		v.undampened[site] = query.NewIndex(res.SitesUndampened[site], dayStart)
	}
	v.splines = e.buildSplines(v)
	e.view.Store(v)

	e.metrics.RecordRebuild(time.Since(started))
	log.Ctx(ctx).DebugContext(ctx, "rebuilt aggregate", slog.Int("intervals", len(res.Total)), slog.Duration("took", time.Since(started)))
	e.logCompleteness(ctx, v)
}

// buildSplines interpolates today for every dampened series, with one
// interval of padding either side.
func (e *Engine) buildSplines(v *view) *spline.Set {
	from := v.dayStart.Add(-types.IntervalDuration)
	to := common.AddDays(v.dayStart, 1).Add(types.IntervalDuration)
	series := make(map[string][]types.Interval, len(v.dampened))
	for site, x := range v.dampened {
		series[site] = x.Slice(from, to, true)
	}
	return spline.Build(series, v.dayStart, e.cfg.DisabledBands)
}

// logCompleteness warns about days in the forecast horizon with missing
// intervals.
func (e *Engine) logCompleteness(ctx context.Context, v *view) {
	x := v.index(types.SiteAll, false)
	if x.Len() == 0 {
		return
	}
	for d := 0; d < aggregate.HorizonDays; d++ {
		start := common.AddDays(v.dayStart, d)
		have, want := x.Coverage(start, common.AddDays(v.dayStart, d+1))
		if have < want {
			log.Ctx(ctx).WarnContext(ctx, "forecast data incomplete",
				slog.String("date", start.Format(time.DateOnly)),
				slog.Int("intervals", have),
				slog.Int("expected", want),
			)
		}
	}
}

// Tick handles the passage of time. When the local date has changed since
// the last rebuild it rebuilds, moving the cursors, tally and splines to the
// new day. It also resets usage counters that are more than a day old.
func (e *Engine) Tick(ctx context.Context) {
	now := e.now().In(e.cfg.Location)
	if day := common.DayStart(now); !day.Equal(e.view.Load().dayStart) {
		log.Ctx(ctx).InfoContext(ctx, "local day changed, rebuilding", slog.String("date", day.Format(time.DateOnly)))
		e.mu.Lock()
		e.rebuild(ctx)
		e.mu.Unlock()
	}

	n, err := e.usage.ResetStale(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to reset stale usage", slog.Any("error", err))
	}
	if n > 0 {
		for _, key := range e.cfg.APIKeys {
			e.recordUsage(key)
		}
	}
}
