package forecast

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/raterudder/pvcast/pkg/storage"
	"github.com/raterudder/pvcast/pkg/storage/storagemock"
	"github.com/raterudder/pvcast/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, storage.Backend) {
	t.Helper()
	b, err := storage.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	s := NewStore(b, time.UTC)
	s.SetClock(func() time.Time { return base.Add(10 * time.Hour) })
	return s, b
}

func TestStore(t *testing.T) {
	ctx := context.Background()

	t.Run("missing is a first run", func(t *testing.T) {
		s, _ := newTestStore(t)
		assert.ErrorIs(t, s.Load(ctx), ErrStoreMissing)
	})

	t.Run("corrupt json", func(t *testing.T) {
		s, b := newTestStore(t)
		require.NoError(t, b.Write(ctx, DocumentName, []byte(`{"siteinfo": {`)))
		err := s.Load(ctx)
		assert.ErrorIs(t, err, ErrStoreCorrupt)
		assert.NotErrorIs(t, err, ErrStoreMissing)
	})

	t.Run("unknown structure", func(t *testing.T) {
		s, b := newTestStore(t)
		require.NoError(t, b.Write(ctx, DocumentName, []byte(`{"schema_version": 99, "siteinfo": {}}`)))
		assert.ErrorIs(t, s.Load(ctx), ErrStoreCorrupt)
	})

	t.Run("backend failure is not corruption", func(t *testing.T) {
		m := &storagemock.MockBackend{}
		m.On("Read", mock.Anything, DocumentName).Return(nil, errors.New("permission denied"))
		s := NewStore(m, time.UTC)
		err := s.Load(ctx)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrStoreCorrupt)
	})

	t.Run("save and load round trip", func(t *testing.T) {
		s, b := newTestStore(t)
		s.Merge("1111", []types.Interval{iv(2, 1), iv(1, 2)})
		s.Merge("2222", []types.Interval{iv(1, 3)})
		s.MarkUpdated(base.Add(9 * time.Hour))
		s.MarkAttempt(base.Add(9 * time.Hour))
		require.NoError(t, s.Save(ctx))

		s2 := NewStore(b, time.UTC)
		s2.SetClock(s.now)
		require.NoError(t, s2.Load(ctx))
		assert.Equal(t, s.Snapshot(), s2.Snapshot())
		assert.Equal(t, base.Add(9*time.Hour), s2.LastUpdated())
		assert.Equal(t, []string{"1111", "2222"}, s2.SiteIDs())
		assert.Equal(t, s.Document(), s2.Document())
	})

	t.Run("old version migrated and rewritten", func(t *testing.T) {
		s, b := newTestStore(t)
		require.NoError(t, b.Write(ctx, DocumentName, []byte(`{
			"last_updated": "2024-06-01T09:00:00Z",
			"siteinfo": {"1111": {"forecasts": [{"period_start": "2024-06-01T01:00:00Z", "pv_estimate": 2}]}}
		}`)))
		require.NoError(t, s.Load(ctx))
		assert.Equal(t, 2.0, s.Series("1111")[0].Estimate90)

		raw, err := b.Read(ctx, DocumentName)
		require.NoError(t, err)
		var doc map[string]any
		require.NoError(t, json.Unmarshal(raw, &doc))
		assert.Equal(t, float64(types.CurrentStoreVersion), doc["schema_version"])
	})

	t.Run("retention applies on merge", func(t *testing.T) {
		s, _ := newTestStore(t)
		ancient := types.Interval{PeriodStart: base.AddDate(0, 0, -RetentionDays-1), Estimate: 1}
		future := types.Interval{PeriodStart: base.AddDate(0, 0, HorizonDays), Estimate: 1}
		n := s.Merge("1111", []types.Interval{ancient, iv(0, 1), future})
		assert.Equal(t, 1, n)
		assert.Equal(t, []types.Interval{iv(0, 1)}, s.Series("1111"))
	})

	t.Run("retention applies on load", func(t *testing.T) {
		s, b := newTestStore(t)
		doc := types.StoreDocument{
			SchemaVersion: types.CurrentStoreVersion,
			SiteInfo: map[string]types.SiteForecasts{"1111": {Forecasts: []types.Interval{
				{PeriodStart: base.AddDate(-3, 0, 0), Estimate: 1},
				iv(0, 1),
			}}},
		}
		raw, err := json.Marshal(doc)
		require.NoError(t, err)
		require.NoError(t, b.Write(ctx, DocumentName, raw))
		require.NoError(t, s.Load(ctx))
		assert.Len(t, s.Series("1111"), 1)
	})

	t.Run("retire", func(t *testing.T) {
		s, _ := newTestStore(t)
		s.Merge("1111", []types.Interval{iv(0, 1)})
		s.Merge("2222", []types.Interval{iv(0, 1)})
		s.Merge("3333", []types.Interval{iv(0, 1)})
		removed := s.Retire(ctx, []string{"2222"})
		assert.Equal(t, []string{"1111", "3333"}, removed)
		assert.Equal(t, []string{"2222"}, s.SiteIDs())
		assert.False(t, s.HasHistory("1111"))
		assert.True(t, s.HasHistory("2222"))
	})

	t.Run("reset", func(t *testing.T) {
		s, _ := newTestStore(t)
		s.Merge("1111", []types.Interval{iv(0, 1)})
		s.MarkUpdated(base)
		s.Reset()
		assert.Empty(t, s.SiteIDs())
		assert.True(t, s.LastUpdated().IsZero())
	})

	t.Run("failed save leaves previous document", func(t *testing.T) {
		m := &storagemock.MockBackend{}
		m.On("Write", mock.Anything, DocumentName, mock.Anything).Return(errors.New("disk full"))
		s := NewStore(m, time.UTC)
		assert.ErrorContains(t, s.Save(ctx), "disk full")
		m.AssertExpectations(t)
	})
}
