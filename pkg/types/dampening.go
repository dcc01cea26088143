package types

import (
	"fmt"
	"math"
	"slices"
	"time"
)

const (
	HourlyFactors     = 24
	HalfHourlyFactors = 48
)

// Dampening holds the multiplicative corrections applied to raw forecasts.
// Global has one factor per local hour. Granular maps a site ID (or SiteAll)
// to 24 or 48 factors and overrides Global for that site.
type Dampening struct {
	Global   []float64            `json:"global,omitempty"`
	Granular map[string][]float64 `json:"granular,omitempty"`
}

// DefaultFactors returns n factors of 1.
func DefaultFactors(n int) []float64 {
	f := make([]float64, n)
	for i := range f {
		f[i] = 1
	}
	return f
}

// ValidateFactors checks the length and range of a factor list.
func ValidateFactors(factors []float64) error {
	if len(factors) != HourlyFactors && len(factors) != HalfHourlyFactors {
		return fmt.Errorf("expected %d or %d dampening factors, got %d", HourlyFactors, HalfHourlyFactors, len(factors))
	}
	for i, f := range factors {
		if math.IsNaN(f) || f < 0 || f > 1 {
			return fmt.Errorf("dampening factor %d must be between 0 and 1, got %v", i, f)
		}
	}
	return nil
}

// Validate checks every factor list in the configuration.
func (d Dampening) Validate() error {
	if len(d.Global) > 0 {
		if len(d.Global) != HourlyFactors {
			return fmt.Errorf("global dampening needs %d factors, got %d", HourlyFactors, len(d.Global))
		}
		if err := ValidateFactors(d.Global); err != nil {
			return err
		}
	}
	for site, factors := range d.Granular {
		if site == SiteAll && len(factors) != HalfHourlyFactors {
			return fmt.Errorf("granular dampening for %q needs %d factors, got %d", SiteAll, HalfHourlyFactors, len(factors))
		}
		if err := ValidateFactors(factors); err != nil {
			return fmt.Errorf("granular dampening for %q: %w", site, err)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (d Dampening) Clone() Dampening {
	c := Dampening{Global: slices.Clone(d.Global)}
	if d.Granular != nil {
		c.Granular = make(map[string][]float64, len(d.Granular))
		for k, v := range d.Granular {
			c.Granular[k] = slices.Clone(v)
		}
	}
	return c
}

// Active returns the factor list used for the site: its own granular entry,
// then the granular "all" entry, then the global factors. It returns nil if
// nothing is configured.
func (d Dampening) Active(siteID string) []float64 {
	if f, ok := d.Granular[siteID]; ok && len(f) > 0 {
		return f
	}
	if f, ok := d.Granular[SiteAll]; ok && len(f) > 0 {
		return f
	}
	if len(d.Global) > 0 {
		return d.Global
	}
	return nil
}

// Factor returns the dampening factor for a site at the given local time.
func (d Dampening) Factor(siteID string, local time.Time) float64 {
	return factorAt(d.Active(siteID), local)
}

func factorAt(factors []float64, local time.Time) float64 {
	switch len(factors) {
	case HourlyFactors:
		return factors[local.Hour()]
	case HalfHourlyFactors:
		return factors[local.Hour()*2+local.Minute()/30]
	default:
		return 1
	}
}

// HardLimit is a ceiling in kW on aggregated output. Global applies to the
// sum of every site. PerKey applies to the sum of each API key's sites. A
// zero value disables the limit.
type HardLimit struct {
	Global float64            `json:"global,omitempty"`
	PerKey map[string]float64 `json:"-"`
}

// HardLimitDisabled is the legacy value that means no limit.
const HardLimitDisabled = 100.0

// NewHardLimit maps the configured values onto API keys. A single value is a
// global limit; otherwise there must be one value per key, in key order.
func NewHardLimit(values []float64, keys []string) (HardLimit, error) {
	var h HardLimit
	switch {
	case len(values) == 0:
		return h, nil
	case len(values) == 1:
		if values[0] < 0 || math.IsNaN(values[0]) {
			return h, fmt.Errorf("hard limit must not be negative: %v", values[0])
		}
		if values[0] < HardLimitDisabled {
			h.Global = values[0]
		}
		return h, nil
	case len(values) != len(keys):
		return h, fmt.Errorf("expected 1 or %d hard limit values, got %d", len(keys), len(values))
	}
	for i, v := range values {
		if v < 0 || math.IsNaN(v) {
			return h, fmt.Errorf("hard limit must not be negative: %v", v)
		}
		if v >= HardLimitDisabled || v == 0 {
			continue
		}
		if h.PerKey == nil {
			h.PerKey = make(map[string]float64, len(values))
		}
		h.PerKey[keys[i]] = v
	}
	return h, nil
}

// Enabled returns true if any limit is set.
func (h HardLimit) Enabled() bool {
	return h.Global > 0 || len(h.PerKey) > 0
}

// ForKey returns the limit for an API key's sites.
func (h HardLimit) ForKey(apiKey string) (float64, bool) {
	if v, ok := h.PerKey[apiKey]; ok && v > 0 {
		return v, true
	}
	if h.Global > 0 {
		return h.Global, true
	}
	return 0, false
}
