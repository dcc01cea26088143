// Package solcastsim is an in-process stand-in for the rooftop sites API. It
// generates deterministic forecasts from a generation factor curve.
package solcastsim

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/raterudder/pvcast/pkg/log"
	"github.com/raterudder/pvcast/pkg/types"
)

// Band multipliers applied to capacity times the generation factor.
const (
	Forecast   = 0.9
	Forecast10 = 0.75
	Forecast90 = 1.0
)

// GenerationFactor is the fraction of capacity produced in each local half
// hour, indexed by period end.
var GenerationFactor = [48]float64{
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0.01, 0.025, 0.04, 0.075, 0.11, 0.17, 0.26, 0.38, 0.52, 0.65, 0.8, 0.9,
	0.97, 1, 1, 0.97, 0.9, 0.8, 0.65, 0.52, 0.38, 0.26, 0.17, 0.11,
	0.075, 0.04, 0.025, 0.01, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Account is one simulated API key.
type Account struct {
	Sites []types.Site
	Limit int
	Used  int
}

// Sim implements http.Handler. Location and Now must be set before serving.
type Sim struct {
	Location *time.Location
	Now      func() time.Time

	mu       sync.Mutex
	accounts map[string]*Account
	busy     int
	status   int
	requests map[string]int
}

// New returns a simulator with the default accounts.
func New() *Sim {
	loc, err := time.LoadLocation("Australia/Melbourne")
	if err != nil {
		panic(err)
	}
	site := func(id, name string, capacity, dc float64) types.Site {
		return types.Site{
			ResourceID:  id,
			Name:        name,
			Capacity:    capacity,
			CapacityDC:  dc,
			Azimuth:     90,
			Tilt:        30,
			LossFactor:  0.99,
			InstallDate: "2024-01-01T00:00:00+00:00",
			Latitude:    -11.11111,
			Longitude:   111.1111,
		}
	}
	return &Sim{
		Location: loc,
		Now:      time.Now,
		accounts: map[string]*Account{
			"1": {Limit: 50, Sites: []types.Site{
				site("1111-1111-1111-1111", "First Site", 5.0, 6.2),
				site("2222-2222-2222-2222", "Second Site", 3.0, 4.2),
			}},
			"2": {Limit: 50, Sites: []types.Site{
				site("3333-3333-3333-3333", "Third Site", 3.0, 3.5),
			}},
			"no_sites": {Limit: 50},
		},
		requests: make(map[string]int),
	}
}

// SetAccount adds or replaces an account.
func (s *Sim) SetAccount(apiKey string, a Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[apiKey] = &a
}

// SetBusy makes the next n forecast requests answer 429.
func (s *Sim) SetBusy(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = n
}

// SetStatus forces every forecast request to answer with code. Zero restores
// normal behavior.
func (s *Sim) SetStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = code
}

// Requests returns how many requests were made for a path suffix such as
// "forecasts", "estimated_actuals" or "rooftop_sites".
func (s *Sim) Requests(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[kind]
}

// Used returns the simulated usage of an account.
func (s *Sim) Used(apiKey string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[apiKey]; ok {
		return a.Used
	}
	return 0
}

// Value is the simulated output of a site for the interval ending at
// periodEnd.
func (s *Sim) Value(capacity, multiplier float64, periodEnd time.Time) float64 {
	l := periodEnd.In(s.Location)
	idx := l.Hour()*2 + l.Minute()/30
	return math.Round(capacity*multiplier*GenerationFactor[idx]*1e4) / 1e4
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write simulated response", slog.Any("error", err))
	}
}

func responseStatus(code, message string) any {
	return map[string]any{"response_status": map[string]string{"error_code": code, "message": message}}
}

func (s *Sim) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := r.URL.Query().Get("api_key")
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	log.Ctx(ctx).DebugContext(ctx, "simulated request", slog.String("path", r.URL.Path), log.Key(key))

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(parts) == 0 || parts[0] != "rooftop_sites" || len(parts) == 2 || len(parts) > 3 {
		writeJSON(w, http.StatusNotFound, responseStatus("NotFound", "unknown path"))
		return
	}
	kind := parts[len(parts)-1]
	s.requests[kind]++

	account, ok := s.accounts[key]
	if !ok {
		writeJSON(w, http.StatusForbidden, responseStatus("Forbidden", "invalid api key"))
		return
	}

	if len(parts) == 1 {
		sites := account.Sites
		if sites == nil {
			sites = []types.Site{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"sites":         sites,
			"page_count":    1,
			"current_page":  1,
			"total_records": len(sites),
		})
		return
	}

	if s.status != 0 {
		writeJSON(w, s.status, responseStatus(http.StatusText(s.status), "forced status"))
		return
	}
	if s.busy > 0 {
		s.busy--
		writeJSON(w, http.StatusTooManyRequests, responseStatus("ServiceBusy", "try again later"))
		return
	}
	if account.Used >= account.Limit {
		writeJSON(w, http.StatusTooManyRequests, responseStatus("TooManyRequests", "daily limit exceeded"))
		return
	}

	var site *types.Site
	for i := range account.Sites {
		if account.Sites[i].ResourceID == parts[1] {
			site = &account.Sites[i]
		}
	}
	if site == nil {
		writeJSON(w, http.StatusNotFound, responseStatus("NotFound", "site not found"))
		return
	}
	hours, err := strconv.Atoi(r.URL.Query().Get("hours"))
	if err != nil || hours <= 0 {
		writeJSON(w, http.StatusBadRequest, responseStatus("BadRequest", "hours is required"))
		return
	}
	account.Used++

	now := s.Now().UTC().Truncate(types.IntervalDuration)
	var items []map[string]any
	switch kind {
	case "forecasts":
		// the provider returns one more interval than requested
		for n := 0; n <= hours*2; n++ {
			end := now.Add(time.Duration(n+1) * types.IntervalDuration)
			items = append(items, map[string]any{
				"period_end":    end.Format(time.RFC3339),
				"period":        "PT30M",
				"pv_estimate":   s.Value(site.Capacity, Forecast, end),
				"pv_estimate10": s.Value(site.Capacity, Forecast10, end),
				"pv_estimate90": s.Value(site.Capacity, Forecast90, end),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"forecasts": items})
	case "estimated_actuals":
		for n := hours * 2; n >= 0; n-- {
			end := now.Add(-time.Duration(n) * types.IntervalDuration)
			items = append(items, map[string]any{
				"period_end":  end.Format(time.RFC3339),
				"period":      "PT30M",
				"pv_estimate": s.Value(site.Capacity, Forecast, end),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"estimated_actuals": items})
	default:
		account.Used--
		writeJSON(w, http.StatusNotFound, responseStatus("NotFound", "unknown resource"))
	}
}
