package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/raterudder/pvcast/pkg/engine"
	"github.com/raterudder/pvcast/pkg/spline"
	"github.com/raterudder/pvcast/pkg/types"
)

// parseTime accepts RFC 3339 timestamps or local dates (2006-01-02).
func (s *Server) parseTime(r *http.Request, name string, def time.Time) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, v, s.engine.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: %q", name, v)
	}
	return t, nil
}

// parseRange reads start and end, defaulting to the current local day.
func (s *Server) parseRange(r *http.Request) (time.Time, time.Time, error) {
	now := s.now().In(s.engine.Location())
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	start, err := s.parseTime(r, "start", dayStart)
	if err != nil {
		return start, start, err
	}
	end, err := s.parseTime(r, "end", start.AddDate(0, 0, 1))
	if err != nil {
		return start, end, err
	}
	if !start.Before(end) {
		return start, end, errors.New("start must be before end")
	}
	return start, end, nil
}

func parseBand(r *http.Request) (types.Band, error) {
	return types.ParseBand(r.URL.Query().Get("band"))
}

func parseBool(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %q", name, v)
	}
	return b, nil
}

// engineErrorCode maps engine errors to HTTP status codes.
func engineErrorCode(err error) int {
	switch {
	case errors.Is(err, engine.ErrUnknownSite), errors.Is(err, spline.ErrNoData):
		return http.StatusNotFound
	case errors.Is(err, spline.ErrBandDisabled), errors.Is(err, engine.ErrUpdateInProgress):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}
