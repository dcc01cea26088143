// Package spline interpolates 30 minute samples into per-minute curves.
package spline

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrBandDisabled means the band was turned off in configuration.
	ErrBandDisabled = errors.New("band disabled")
	// ErrNoData means there were not enough samples to build a curve.
	ErrNoData = errors.New("no data")
)

// Spline is a natural cubic spline through a set of knots.
type Spline struct {
	x, y []float64
	// second derivatives at each knot
	m []float64
}

// New fits a natural cubic spline. x must be strictly increasing.
func New(x, y []float64) (*Spline, error) {
	if len(x) != len(y) {
		return nil, fmt.Errorf("mismatched knots: %d x values and %d y values", len(x), len(y))
	}
	if len(x) == 0 {
		return nil, ErrNoData
	}
	for i := 1; i < len(x); i++ {
		if x[i] <= x[i-1] {
			return nil, fmt.Errorf("knots not increasing at %d", i)
		}
	}
	s := &Spline{x: x, y: y, m: make([]float64, len(x))}
	n := len(x)
	if n < 3 {
		return s, nil
	}

	// tridiagonal system for the interior second derivatives, solved with the
	// Thomas algorithm; the natural boundary fixes m[0] and m[n-1] at zero
	c := make([]float64, n)
	d := make([]float64, n)
	for i := 1; i < n-1; i++ {
		h0 := x[i] - x[i-1]
		h1 := x[i+1] - x[i]
		a := h0
		b := 2 * (h0 + h1)
		r := 6 * ((y[i+1]-y[i])/h1 - (y[i]-y[i-1])/h0)
		if i > 1 {
			b -= a * c[i-1]
			r -= a * d[i-1]
		}
		c[i] = h1 / b
		d[i] = r / b
	}
	for i := n - 2; i >= 1; i-- {
		s.m[i] = d[i] - c[i]*s.m[i+1]
	}
	return s, nil
}

// segment returns k such that x[k] <= v < x[k+1], clamped to valid segments.
func (s *Spline) segment(v float64) int {
	k := sort.SearchFloat64s(s.x, v)
	if k < len(s.x) && s.x[k] == v {
		return min(k, len(s.x)-2)
	}
	return max(k-1, 0)
}

// At evaluates the spline. Outside the knots it returns the nearest knot's
// value.
func (s *Spline) At(v float64) float64 {
	n := len(s.x)
	switch {
	case n == 1, v <= s.x[0]:
		return s.y[0]
	case v >= s.x[n-1]:
		return s.y[n-1]
	}
	k := s.segment(v)
	x0, x1 := s.x[k], s.x[k+1]
	h := x1 - x0
	a := x1 - v
	b := v - x0
	return s.m[k]*a*a*a/(6*h) + s.m[k+1]*b*b*b/(6*h) +
		(s.y[k]/h-s.m[k]*h/6)*a + (s.y[k+1]/h-s.m[k+1]*h/6)*b
}

// bothZero returns true if the knots on either side of v are zero.
func (s *Spline) bothZero(v float64) bool {
	n := len(s.x)
	switch {
	case v <= s.x[0]:
		return s.y[0] == 0
	case v >= s.x[n-1]:
		return s.y[n-1] == 0
	}
	k := s.segment(v)
	return s.y[k] == 0 && s.y[k+1] == 0
}
