package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/raterudder/pvcast/pkg/engine"
	"github.com/raterudder/pvcast/pkg/log"
	"github.com/raterudder/pvcast/pkg/types"
)

type forecastResponse struct {
	Available bool             `json:"available"`
	Intervals []types.Interval `json:"intervals"`
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	start, end, err := s.parseRange(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	undampened, err := parseBool(r, "undampened")
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	intervals, err := s.engine.QueryRange(start, end, r.URL.Query().Get("site"), undampened)
	if err != nil {
		writeJSONError(w, err.Error(), engineErrorCode(err))
		return
	}
	if intervals == nil {
		intervals = []types.Interval{}
	}
	writeJSON(w, r, forecastResponse{Available: len(intervals) > 0, Intervals: intervals})
}

type peakResponse struct {
	Available bool            `json:"available"`
	Interval  *types.Interval `json:"interval,omitempty"`
}

func (s *Server) handlePeak(w http.ResponseWriter, r *http.Request) {
	start, end, err := s.parseRange(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	band, err := parseBand(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	i, ok, err := s.engine.Peak(start, end, r.URL.Query().Get("site"), band)
	if err != nil {
		writeJSONError(w, err.Error(), engineErrorCode(err))
		return
	}
	res := peakResponse{Available: ok}
	if ok {
		res.Interval = &i
	}
	writeJSON(w, r, res)
}

type powerResponse struct {
	At time.Time `json:"at"`
	KW float64   `json:"kw"`
}

func (s *Server) handlePower(w http.ResponseWriter, r *http.Request) {
	at, err := s.parseTime(r, "at", s.now())
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	band, err := parseBand(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	kw, err := s.engine.PowerAt(at, r.URL.Query().Get("site"), band)
	if err != nil {
		log.Ctx(r.Context()).DebugContext(r.Context(), "power unavailable", slog.Any("error", err))
		writeJSONError(w, err.Error(), engineErrorCode(err))
		return
	}
	writeJSON(w, r, powerResponse{At: at, KW: kw})
}

type energyResponse struct {
	Available bool      `json:"available"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	KWh       float64   `json:"kwh"`
}

func (s *Server) handleEnergy(w http.ResponseWriter, r *http.Request) {
	start, end, err := s.parseRange(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	band, err := parseBand(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	undampened, err := parseBool(r, "undampened")
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	kwh, ok, err := s.engine.EnergyBetween(start, end, r.URL.Query().Get("site"), band, undampened)
	if err != nil {
		writeJSONError(w, err.Error(), engineErrorCode(err))
		return
	}
	writeJSON(w, r, energyResponse{Available: ok, Start: start, End: end, KWh: kwh})
}

func (s *Server) handleDay(w http.ResponseWriter, r *http.Request) {
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		var err error
		if offset, err = strconv.Atoi(v); err != nil {
			writeJSONError(w, "invalid offset", http.StatusBadRequest)
			return
		}
	}
	band, err := parseBand(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	d, err := s.engine.Day(offset, r.URL.Query().Get("site"), band)
	if err != nil {
		writeJSONError(w, err.Error(), engineErrorCode(err))
		return
	}
	if d.Intervals == nil {
		d.Intervals = []types.Interval{}
	}
	writeJSON(w, r, d)
}

type statusResponse struct {
	LastUpdated time.Time            `json:"lastUpdated"`
	Sites       []types.Site         `json:"sites"`
	Usage       []engine.UsageStatus `json:"usage"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, statusResponse{
		LastUpdated: s.engine.LastUpdated(),
		Sites:       s.engine.Sites(),
		Usage:       s.engine.Usage(),
	})
}
