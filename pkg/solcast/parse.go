package solcast

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/raterudder/pvcast/pkg/common"
	"github.com/raterudder/pvcast/pkg/types"
)

const (
	// ForecastDays is how far ahead forecasts are requested and kept.
	ForecastDays = 8
	// ActualsHours is how far back estimated actuals are requested.
	ActualsHours = 168
	// ActualsDays is how many local days of estimated actuals are kept.
	ActualsDays = 6
)

type forecastItem struct {
	PeriodEnd    time.Time `json:"period_end"`
	Period       string    `json:"period"`
	PVEstimate   float64   `json:"pv_estimate"`
	PVEstimate10 *float64  `json:"pv_estimate10"`
	PVEstimate90 *float64  `json:"pv_estimate90"`
}

type forecastResponse struct {
	Forecasts        []forecastItem `json:"forecasts"`
	EstimatedActuals []forecastItem `json:"estimated_actuals"`
}

// Window bounds which parsed intervals are kept, by period start. Zero
// bounds are open.
type Window struct {
	From time.Time // inclusive
	To   time.Time // exclusive
}

func (w Window) contains(t time.Time) bool {
	if !w.From.IsZero() && t.Before(w.From) {
		return false
	}
	if !w.To.IsZero() && !t.Before(w.To) {
		return false
	}
	return true
}

// ForecastWindow keeps forecasts before local midnight ForecastDays from now.
func ForecastWindow(now time.Time, loc *time.Location) Window {
	return Window{To: common.AddDays(now.In(loc), ForecastDays)}
}

// ActualsWindow keeps estimated actuals from local midnight ActualsDays ago.
func ActualsWindow(now time.Time, loc *time.Location) Window {
	return Window{From: common.AddDays(now.In(loc), -ActualsDays)}
}

// ForecastHours is the number of hours to request so the forecast reaches
// the end of the window.
func ForecastHours(now time.Time, loc *time.Location) int {
	end := ForecastWindow(now, loc).To
	return int(math.Ceil(end.Sub(now).Hours()))
}

// ParseIntervals decodes a forecasts or estimated_actuals payload into
// intervals sorted by period start. Estimated actuals carry no confidence
// spread, so their bands equal pv_estimate.
func ParseIntervals(body []byte, kind Kind, w Window) ([]types.Interval, error) {
	var fr forecastResponse
	if err := json.Unmarshal(body, &fr); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", kind, err)
	}
	items := fr.Forecasts
	if kind == KindEstimatedActuals {
		items = fr.EstimatedActuals
	}

	intervals := make([]types.Interval, 0, len(items))
	for _, item := range items {
		if item.Period != "" && item.Period != "PT30M" {
			return nil, fmt.Errorf("unsupported period %q", item.Period)
		}
		if item.PeriodEnd.IsZero() {
			return nil, fmt.Errorf("%s item missing period_end", kind)
		}
		start := item.PeriodEnd.Add(-types.IntervalDuration).Truncate(time.Minute).UTC()
		if start.Minute() != 0 && start.Minute() != 30 {
			return nil, fmt.Errorf("period start %s is not on a half hour", start.Format(time.RFC3339))
		}
		if !w.contains(start) {
			continue
		}
		i := types.Interval{
			PeriodStart: start,
			Estimate:    item.PVEstimate,
			Estimate10:  item.PVEstimate,
			Estimate90:  item.PVEstimate,
		}
		if kind == KindForecasts {
			if item.PVEstimate10 != nil {
				i.Estimate10 = *item.PVEstimate10
			}
			if item.PVEstimate90 != nil {
				i.Estimate90 = *item.PVEstimate90
			}
		}
		intervals = append(intervals, i)
	}
	sort.SliceStable(intervals, func(a, b int) bool {
		return intervals[a].PeriodStart.Before(intervals[b].PeriodStart)
	})
	return intervals, nil
}

// Intervals fetches and parses one request.
func (c *Client) Intervals(ctx context.Context, req Request, w Window) ([]types.Interval, Result, error) {
	res, err := c.Fetch(ctx, req)
	if err != nil {
		return nil, res, err
	}
	intervals, err := ParseIntervals(res.Body, req.Kind, w)
	if err != nil {
		res.Status = StatusUnexpected
		return nil, res, err
	}
	return intervals, res, nil
}
