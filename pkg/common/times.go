package common

import (
	"fmt"
	"time"
)

// DayStart returns local midnight of the day containing t, in t's location.
func DayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// AddDays returns local midnight n days after the day containing t. It steps
// by calendar days so daylight saving transitions are handled.
func AddDays(t time.Time, n int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day()+n, 0, 0, 0, 0, t.Location())
}

// UTCMidnight returns the UTC midnight at or before t.
func UTCMidnight(t time.Time) time.Time {
	return DayStart(t.UTC())
}

// LoadLocation is time.LoadLocation with a clearer error.
func LoadLocation(name string) (*time.Location, error) {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone (%s): %w", name, err)
	}
	return loc, nil
}
