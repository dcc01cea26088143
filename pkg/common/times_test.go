package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDayStart(t *testing.T) {
	loc, err := LoadLocation("Australia/Melbourne")
	require.NoError(t, err)

	ts := time.Date(2024, 4, 7, 15, 45, 0, 0, loc)
	assert.Equal(t, time.Date(2024, 4, 7, 0, 0, 0, 0, loc), DayStart(ts))

	t.Run("daylight saving end", func(t *testing.T) {
		// clocks go back on 2024-04-07 so that day has 25 hours
		start := DayStart(ts)
		next := AddDays(ts, 1)
		assert.Equal(t, 25*time.Hour, next.Sub(start))
	})

	t.Run("utc midnight", func(t *testing.T) {
		assert.Equal(t, time.Date(2024, 4, 7, 0, 0, 0, 0, time.UTC), UTCMidnight(ts))
	})

	t.Run("bad location", func(t *testing.T) {
		_, err := LoadLocation("Not/AZone")
		assert.Error(t, err)
	})
}
