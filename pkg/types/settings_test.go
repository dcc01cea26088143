package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateOptions(t *testing.T) {
	t.Run("v1: initial defaults", func(t *testing.T) {
		o, changed, err := MigrateOptions(Options{}, 0)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, DefaultFactors(HourlyFactors), o.Dampening)
		assert.Nil(t, o.HardLimits)
	})

	t.Run("v1 to v2: 100 means disabled", func(t *testing.T) {
		o, changed, err := MigrateOptions(Options{
			Dampening:  DefaultFactors(HourlyFactors),
			HardLimits: []float64{100, 100},
		}, 1)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Nil(t, o.HardLimits)
	})

	t.Run("v1 to v2: real limit kept", func(t *testing.T) {
		o, changed, err := MigrateOptions(Options{
			Dampening:  DefaultFactors(HourlyFactors),
			HardLimits: []float64{100, 6},
		}, 1)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, []float64{100, 6}, o.HardLimits)
	})

	t.Run("no change: current version", func(t *testing.T) {
		current := Options{Dampening: []float64{0.5}}
		o, changed, err := MigrateOptions(current, CurrentOptionsVersion)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, current, o)
	})

	t.Run("future version", func(t *testing.T) {
		_, _, err := MigrateOptions(Options{}, CurrentOptionsVersion+1)
		assert.Error(t, err)
	})
}
