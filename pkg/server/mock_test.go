package server

import (
	"context"
	"time"

	"github.com/raterudder/pvcast/pkg/engine"
	"github.com/raterudder/pvcast/pkg/types"
	"github.com/stretchr/testify/mock"
)

type mockForecaster struct {
	mock.Mock
}

var _ Forecaster = (*mockForecaster)(nil)

func (m *mockForecaster) FetchAndMerge(ctx context.Context, force bool) (engine.Outcome, error) {
	args := m.Called(ctx, force)
	return args.Get(0).(engine.Outcome), args.Error(1)
}

func (m *mockForecaster) QueryRange(start, end time.Time, site string, undampened bool) ([]types.Interval, error) {
	args := m.Called(start, end, site, undampened)
	intervals, _ := args.Get(0).([]types.Interval)
	return intervals, args.Error(1)
}

func (m *mockForecaster) Peak(start, end time.Time, site string, band types.Band) (types.Interval, bool, error) {
	args := m.Called(start, end, site, band)
	return args.Get(0).(types.Interval), args.Bool(1), args.Error(2)
}

func (m *mockForecaster) PowerAt(t time.Time, site string, band types.Band) (float64, error) {
	args := m.Called(t, site, band)
	return args.Get(0).(float64), args.Error(1)
}

func (m *mockForecaster) EnergyBetween(start, end time.Time, site string, band types.Band, undampened bool) (float64, bool, error) {
	args := m.Called(start, end, site, band, undampened)
	return args.Get(0).(float64), args.Bool(1), args.Error(2)
}

func (m *mockForecaster) Day(offset int, site string, band types.Band) (engine.DayForecast, error) {
	args := m.Called(offset, site, band)
	return args.Get(0).(engine.DayForecast), args.Error(1)
}

func (m *mockForecaster) Dampening() types.Dampening {
	return m.Called().Get(0).(types.Dampening)
}

func (m *mockForecaster) SetDampening(ctx context.Context, factors []float64, site string) error {
	return m.Called(ctx, factors, site).Error(0)
}

func (m *mockForecaster) HardLimit() []float64 {
	values, _ := m.Called().Get(0).([]float64)
	return values
}

func (m *mockForecaster) SetHardLimit(ctx context.Context, values []float64) error {
	return m.Called(ctx, values).Error(0)
}

func (m *mockForecaster) Usage() []engine.UsageStatus {
	usage, _ := m.Called().Get(0).([]engine.UsageStatus)
	return usage
}

func (m *mockForecaster) ResetUsage(ctx context.Context, apiKey string) error {
	return m.Called(ctx, apiKey).Error(0)
}

func (m *mockForecaster) LastUpdated() time.Time {
	return m.Called().Get(0).(time.Time)
}

func (m *mockForecaster) Sites() []types.Site {
	sites, _ := m.Called().Get(0).([]types.Site)
	return sites
}

func (m *mockForecaster) Location() *time.Location {
	return m.Called().Get(0).(*time.Location)
}

func (m *mockForecaster) Tick(ctx context.Context) {
	m.Called(ctx)
}
