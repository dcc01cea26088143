package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/raterudder/pvcast/pkg/engine"
	"github.com/raterudder/pvcast/pkg/metrics"
	"github.com/raterudder/pvcast/pkg/spline"
	"github.com/raterudder/pvcast/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testLoc = func() *time.Location {
	loc, err := time.LoadLocation("Australia/Melbourne")
	if err != nil {
		panic(err)
	}
	return loc
}()

func newTestServer(t *testing.T) (*Server, *mockForecaster, http.Handler) {
	t.Helper()
	m := &mockForecaster{}
	m.On("Location").Return(testLoc).Maybe()
	srv := New(m, metrics.New(), "")
	srv.now = func() time.Time { return time.Date(2024, 6, 1, 8, 0, 0, 0, testLoc) }
	return srv, m, srv.setupHandler()
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), v), rr.Body.String())
}

func TestHealthz(t *testing.T) {
	_, _, h := newTestServer(t)
	rr := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
	assert.Equal(t, "pvcast", rr.Header().Get("Server"))
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	assert.Empty(t, rr.Header().Get("Cache-Control"))
}

func TestMetrics(t *testing.T) {
	_, _, h := newTestServer(t)
	rr := do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestHandleForecast(t *testing.T) {
	dayStart := time.Date(2024, 6, 1, 0, 0, 0, 0, testLoc)
	noon := time.Date(2024, 6, 1, 12, 0, 0, 0, testLoc)

	t.Run("defaults to today", func(t *testing.T) {
		_, m, h := newTestServer(t)
		m.On("QueryRange", dayStart, dayStart.AddDate(0, 0, 1), "", false).
			Return([]types.Interval{{PeriodStart: noon, Estimate: 7.2}}, nil).Once()

		rr := do(t, h, http.MethodGet, "/api/forecast", "")
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
		var res forecastResponse
		decode(t, rr, &res)
		assert.True(t, res.Available)
		require.Len(t, res.Intervals, 1)
		assert.Equal(t, 7.2, res.Intervals[0].Estimate)
		m.AssertExpectations(t)
	})

	t.Run("empty range", func(t *testing.T) {
		_, m, h := newTestServer(t)
		m.On("QueryRange", mock.Anything, mock.Anything, "1111", true).Return(nil, nil).Once()

		rr := do(t, h, http.MethodGet, "/api/forecast?start=2024-06-10&end=2024-06-11&site=1111&undampened=true", "")
		require.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"available":false,"intervals":[]}`, rr.Body.String())
		m.AssertExpectations(t)
	})

	t.Run("unknown site", func(t *testing.T) {
		_, m, h := newTestServer(t)
		m.On("QueryRange", mock.Anything, mock.Anything, "nope", false).Return(nil, engine.ErrUnknownSite).Once()

		rr := do(t, h, http.MethodGet, "/api/forecast?site=nope", "")
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("invalid range", func(t *testing.T) {
		_, _, h := newTestServer(t)
		rr := do(t, h, http.MethodGet, "/api/forecast?start=2024-06-02&end=2024-06-01", "")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		rr = do(t, h, http.MethodGet, "/api/forecast?start=yesterday", "")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestHandlePeak(t *testing.T) {
	noon := time.Date(2024, 6, 1, 12, 0, 0, 0, testLoc)

	_, m, h := newTestServer(t)
	m.On("Peak", mock.Anything, mock.Anything, "", types.BandEstimate90).
		Return(types.Interval{PeriodStart: noon, Estimate90: 8}, true, nil).Once()
	rr := do(t, h, http.MethodGet, "/api/peak?band=estimate90", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var res peakResponse
	decode(t, rr, &res)
	require.True(t, res.Available)
	assert.Equal(t, 8.0, res.Interval.Estimate90)
	assert.True(t, noon.Equal(res.Interval.PeriodStart))

	rr = do(t, h, http.MethodGet, "/api/peak?band=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	m.AssertExpectations(t)
}

func TestHandlePower(t *testing.T) {
	at := time.Date(2024, 6, 1, 2, 15, 0, 0, time.UTC)

	t.Run("at", func(t *testing.T) {
		_, m, h := newTestServer(t)
		m.On("PowerAt", mock.MatchedBy(func(t time.Time) bool { return t.Equal(at) }), "1111", types.BandDefault).
			Return(7.2, nil).Once()
		rr := do(t, h, http.MethodGet, "/api/power?at=2024-06-01T02:15:00Z&site=1111", "")
		require.Equal(t, http.StatusOK, rr.Code)
		var res powerResponse
		decode(t, rr, &res)
		assert.Equal(t, 7.2, res.KW)
		m.AssertExpectations(t)
	})

	t.Run("no data", func(t *testing.T) {
		_, m, h := newTestServer(t)
		m.On("PowerAt", mock.Anything, "", types.BandDefault).Return(0.0, spline.ErrNoData).Once()
		rr := do(t, h, http.MethodGet, "/api/power", "")
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("disabled band", func(t *testing.T) {
		_, m, h := newTestServer(t)
		m.On("PowerAt", mock.Anything, "", types.BandEstimate10).Return(0.0, spline.ErrBandDisabled).Once()
		rr := do(t, h, http.MethodGet, "/api/power?band=pv_estimate10", "")
		assert.Equal(t, http.StatusConflict, rr.Code)
	})
}

func TestHandleEnergy(t *testing.T) {
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(15 * time.Minute)

	_, m, h := newTestServer(t)
	m.On("EnergyBetween",
		mock.MatchedBy(func(t time.Time) bool { return t.Equal(start) }),
		mock.MatchedBy(func(t time.Time) bool { return t.Equal(end) }),
		"", types.BandDefault, false,
	).Return(1.8, true, nil).Once()

	rr := do(t, h, http.MethodGet, "/api/energy?start=2024-06-01T12:00:00Z&end=2024-06-01T12:15:00Z", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var res energyResponse
	decode(t, rr, &res)
	assert.True(t, res.Available)
	assert.Equal(t, 1.8, res.KWh)
	m.AssertExpectations(t)
}

func TestHandleDay(t *testing.T) {
	_, m, h := newTestServer(t)
	m.On("Day", 1, "", types.BandDefault).Return(engine.DayForecast{Date: "2024-06-02", TotalKWh: 30, Complete: true}, nil).Once()
	m.On("Day", 8, "", types.BandDefault).Return(engine.DayForecast{Date: "2024-06-09"}, nil).Once()

	rr := do(t, h, http.MethodGet, "/api/day?offset=1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var d engine.DayForecast
	decode(t, rr, &d)
	assert.Equal(t, "2024-06-02", d.Date)
	assert.Equal(t, 30.0, d.TotalKWh)
	assert.True(t, d.Complete)

	rr = do(t, h, http.MethodGet, "/api/day?offset=8", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"intervals":[]`)
	assert.Contains(t, rr.Body.String(), `"complete":false`)

	rr = do(t, h, http.MethodGet, "/api/day?offset=tomorrow", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	m.AssertExpectations(t)
}

func TestHandleStatus(t *testing.T) {
	updated := time.Date(2024, 5, 31, 22, 0, 0, 0, time.UTC)
	_, m, h := newTestServer(t)
	m.On("LastUpdated").Return(updated)
	m.On("Sites").Return([]types.Site{{ResourceID: "1111"}})
	m.On("Usage").Return([]engine.UsageStatus{{APIKey: "******"}})

	rr := do(t, h, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var res statusResponse
	decode(t, rr, &res)
	assert.True(t, updated.Equal(res.LastUpdated))
	require.Len(t, res.Sites, 1)
	assert.Equal(t, "1111", res.Sites[0].ResourceID)
	require.Len(t, res.Usage, 1)
	assert.Equal(t, "******", res.Usage[0].APIKey)
}
