package types

import (
	"fmt"
	"strings"
	"time"
)

const (
	// IntervalDuration is the width of every forecast sample.
	IntervalDuration = 30 * time.Minute

	// SiteAll addresses every site at once, both for granular dampening and
	// for aggregate queries.
	SiteAll = "all"
)

// Site represents one rooftop site registered with the forecast provider.
type Site struct {
	ResourceID  string   `json:"resource_id"`
	Name        string   `json:"name"`
	Capacity    float64  `json:"capacity"`
	CapacityDC  float64  `json:"capacity_dc"`
	Azimuth     float64  `json:"azimuth"`
	Tilt        float64  `json:"tilt"`
	LossFactor  float64  `json:"loss_factor"`
	InstallDate string   `json:"install_date,omitempty"`
	Latitude    float64  `json:"latitude,omitempty"`
	Longitude   float64  `json:"longitude,omitempty"`
	Tags        []string `json:"tags,omitempty"`

	// APIKey is the account the site was listed under. It is never serialized.
	APIKey string `json:"-"`
}

// Band selects one of the three confidence bands of an Interval.
type Band int

// BandDefault stands for whichever band is configured as the default.
const BandDefault Band = -1

const (
	BandEstimate Band = iota
	BandEstimate10
	BandEstimate90
)

// Bands lists every band in a stable order.
var Bands = []Band{BandEstimate, BandEstimate10, BandEstimate90}

func (b Band) String() string {
	switch b {
	case BandEstimate:
		return "pv_estimate"
	case BandEstimate10:
		return "pv_estimate10"
	case BandEstimate90:
		return "pv_estimate90"
	case BandDefault:
		return "default"
	default:
		return fmt.Sprintf("band(%d)", int(b))
	}
}

// ParseBand accepts either the provider field names or the short forms
// "estimate", "estimate10" and "estimate90".
func ParseBand(s string) (Band, error) {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "pv_") {
	case "":
		return BandDefault, nil
	case "estimate":
		return BandEstimate, nil
	case "estimate10", "low":
		return BandEstimate10, nil
	case "estimate90", "high":
		return BandEstimate90, nil
	default:
		return 0, fmt.Errorf("unknown band: %q", s)
	}
}

// Interval is one 30-minute sample in kW. PeriodStart is the uniqueness key.
type Interval struct {
	PeriodStart time.Time `json:"period_start"`
	Estimate    float64   `json:"pv_estimate"`
	Estimate10  float64   `json:"pv_estimate10"`
	Estimate90  float64   `json:"pv_estimate90"`
}

// End returns the exclusive end of the interval window.
func (i Interval) End() time.Time {
	return i.PeriodStart.Add(IntervalDuration)
}

// Value returns the value of the given band.
func (i Interval) Value(b Band) float64 {
	switch b {
	case BandEstimate10:
		return i.Estimate10
	case BandEstimate90:
		return i.Estimate90
	default:
		return i.Estimate
	}
}

// Set sets the value of the given band.
func (i *Interval) Set(b Band, v float64) {
	switch b {
	case BandEstimate10:
		i.Estimate10 = v
	case BandEstimate90:
		i.Estimate90 = v
	default:
		i.Estimate = v
	}
}

// Aligned reports whether the interval starts on a :00 or :30 boundary.
func (i Interval) Aligned() bool {
	t := i.PeriodStart.UTC()
	return t.Second() == 0 && t.Nanosecond() == 0 && (t.Minute() == 0 || t.Minute() == 30)
}

// UsageCounter tracks the daily provider quota for one API key.
type UsageCounter struct {
	Limit int       `json:"daily_limit"`
	Used  int       `json:"daily_limit_consumed"`
	Reset time.Time `json:"reset"`
}

// Exhausted returns true when no calls remain for the day.
func (u UsageCounter) Exhausted() bool {
	return u.Used >= u.Limit
}

// Stale returns true if the counter was last reset more than a day before now.
func (u UsageCounter) Stale(now time.Time) bool {
	return now.After(u.Reset.Add(24 * time.Hour))
}
