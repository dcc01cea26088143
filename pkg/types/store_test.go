package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateStore(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC)

	t.Run("v1: unversioned document", func(t *testing.T) {
		data := []byte(`{
			"last_updated": "2024-01-02T03:00:00Z",
			"siteinfo": {
				"1111": {"forecasts": [{"period_start": "2024-01-02T03:00:00Z", "pv_estimate": 1.5}]}
			}
		}`)
		doc, migrated, err := MigrateStore(data)
		require.NoError(t, err)
		assert.True(t, migrated)
		assert.Equal(t, CurrentStoreVersion, doc.SchemaVersion)
		assert.Equal(t, ts, doc.LastUpdated)
		assert.Equal(t, ts, doc.LastAttempt, "last_attempt defaults to last_updated")
		require.Len(t, doc.SiteInfo["1111"].Forecasts, 1)
		i := doc.SiteInfo["1111"].Forecasts[0]
		assert.Equal(t, 1.5, i.Estimate10)
		assert.Equal(t, 1.5, i.Estimate90)
	})

	t.Run("v3: version renamed and tally dropped", func(t *testing.T) {
		data := []byte(`{
			"version": 3,
			"last_updated": "2024-01-02T03:00:00Z",
			"last_attempt": "2024-01-02T04:00:00Z",
			"siteinfo": {"1111": {"tally": 12.5, "forecasts": []}}
		}`)
		doc, migrated, err := MigrateStore(data)
		require.NoError(t, err)
		assert.True(t, migrated)
		assert.Equal(t, ts.Add(time.Hour), doc.LastAttempt)

		b, err := json.Marshal(doc)
		require.NoError(t, err)
		assert.NotContains(t, string(b), "tally")
		assert.NotContains(t, string(b), `"version"`)
	})

	t.Run("current version loads directly", func(t *testing.T) {
		in := StoreDocument{
			SchemaVersion: CurrentStoreVersion,
			LastUpdated:   ts,
			LastAttempt:   ts,
			SiteInfo: map[string]SiteForecasts{
				"2222": {Forecasts: []Interval{{PeriodStart: ts, Estimate: 1, Estimate10: 0.5, Estimate90: 2}}},
			},
		}
		b, err := json.Marshal(in)
		require.NoError(t, err)
		doc, migrated, err := MigrateStore(b)
		require.NoError(t, err)
		assert.False(t, migrated)
		assert.Equal(t, in, doc)
	})

	t.Run("each step is pure", func(t *testing.T) {
		in := rawDocument{"siteinfo": map[string]any{
			"1": map[string]any{"forecasts": []any{map[string]any{"pv_estimate": 2.0}}},
		}}
		out, err := migrateStoreV2(in)
		require.NoError(t, err)
		assert.Equal(t, float64(2), out["version"])
		_, hasVersion := in["version"]
		assert.False(t, hasVersion, "input must not be modified")
		interval := in["siteinfo"].(map[string]any)["1"].(map[string]any)["forecasts"].([]any)[0].(map[string]any)
		assert.NotContains(t, interval, "pv_estimate10")
	})

	t.Run("errors", func(t *testing.T) {
		for name, data := range map[string]string{
			"not json":         `{"siteinfo":`,
			"null":             `null`,
			"missing siteinfo": `{"schema_version": 4}`,
			"siteinfo array":   `{"schema_version": 4, "siteinfo": []}`,
			"bad version":      `{"schema_version": "four", "siteinfo": {}}`,
			"misaligned":       `{"schema_version": 4, "siteinfo": {"1": {"forecasts": [{"period_start": "2024-01-02T03:10:00Z"}]}}}`,
		} {
			t.Run(name, func(t *testing.T) {
				_, _, err := MigrateStore([]byte(data))
				assert.Error(t, err)
			})
		}
	})

	t.Run("future version", func(t *testing.T) {
		_, _, err := MigrateStore([]byte(`{"schema_version": 99, "siteinfo": {}}`))
		assert.ErrorIs(t, err, ErrUnknownStoreVersion)
	})
}
