// Package engine owns the forecast store, the aggregate built from it and
// every operation the outer layers call.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/pvcast/pkg/common"
	"github.com/raterudder/pvcast/pkg/forecast"
	"github.com/raterudder/pvcast/pkg/log"
	"github.com/raterudder/pvcast/pkg/metrics"
	"github.com/raterudder/pvcast/pkg/solcast"
	"github.com/raterudder/pvcast/pkg/storage"
	"github.com/raterudder/pvcast/pkg/types"
	"github.com/raterudder/pvcast/pkg/usage"
)

var (
	// ErrUpdateInProgress is returned when an update is requested while one
	// is already running.
	ErrUpdateInProgress = errors.New("update already requested, ignoring")
	// ErrUnknownSite is returned for site IDs that are not configured.
	ErrUnknownSite = errors.New("unknown site")
)

// Config is the static configuration of the engine.
type Config struct {
	APIKeys []string
	// Quotas holds one daily limit per API key, or a single limit for all.
	Quotas   []int
	Location *time.Location
	// Band is used when a query does not name one.
	Band          types.Band
	DisabledBands []types.Band
	// HardLimit and Dampening seed the options document on first run.
	HardLimit         []float64
	Dampening         []float64
	MinUpdateInterval time.Duration
	FetchConcurrency  int
	// RefetchOnCorrupt discards a corrupt store instead of failing startup.
	RefetchOnCorrupt bool
}

// Validate ensures the configuration is valid.
func (c Config) Validate() error {
	if len(c.APIKeys) == 0 {
		return errors.New("at least one api key is required")
	}
	seen := make(map[string]bool, len(c.APIKeys))
	for _, k := range c.APIKeys {
		if k == "" {
			return errors.New("api keys must not be empty")
		}
		if seen[k] {
			return fmt.Errorf("duplicate api key %s", log.RedactKey(k))
		}
		seen[k] = true
	}
	if len(c.Quotas) != 1 && len(c.Quotas) != len(c.APIKeys) {
		return fmt.Errorf("expected 1 or %d api quotas, got %d", len(c.APIKeys), len(c.Quotas))
	}
	for _, q := range c.Quotas {
		if q <= 0 {
			return fmt.Errorf("api quota must be positive, got %d", q)
		}
	}
	if c.Location == nil {
		return errors.New("timezone is required")
	}
	if c.Band == types.BandDefault {
		return errors.New("estimate-band is required")
	}
	for _, b := range c.DisabledBands {
		if b == c.Band {
			return fmt.Errorf("default band %s is disabled", b)
		}
	}
	if _, err := types.NewHardLimit(c.HardLimit, c.APIKeys); err != nil {
		return err
	}
	if len(c.Dampening) > 0 {
		if len(c.Dampening) != types.HourlyFactors {
			return fmt.Errorf("dampening needs %d factors, got %d", types.HourlyFactors, len(c.Dampening))
		}
		if err := types.ValidateFactors(c.Dampening); err != nil {
			return err
		}
	}
	if c.MinUpdateInterval < 0 {
		return errors.New("min-update-interval must not be negative")
	}
	if c.FetchConcurrency < 1 {
		return errors.New("fetch-concurrency must be at least 1")
	}
	return nil
}

// quota returns the daily limit of the i-th key.
func (c Config) quota(i int) int {
	if len(c.Quotas) == 1 {
		return c.Quotas[0]
	}
	return c.Quotas[i]
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func parseFloats(s string) ([]float64, error) {
	var out []float64
	for _, v := range splitList(s) {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", v, err)
		}
		out = append(out, f)
	}
	return out, nil
}

func parseInts(s string) ([]int, error) {
	var out []int
	for _, v := range splitList(s) {
		i, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", v, err)
		}
		out = append(out, i)
	}
	return out, nil
}

func parseBands(s string) ([]types.Band, error) {
	var out []types.Band
	for _, v := range splitList(s) {
		b, err := types.ParseBand(v)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Engine is the single owner of the forecast store. Mutations (merges,
// rebuilds and setting changes) are serialized by mu. Queries read an
// immutable view that is swapped after every rebuild.
type Engine struct {
	cfg        Config
	backend    storage.Backend
	client     *solcast.Client
	usage      *usage.Tracker
	sitesCache *solcast.SitesCache
	store      *forecast.Store
	metrics    *metrics.Recorder
	now        func() time.Time

	updating atomic.Bool

	mu        sync.Mutex
	sites     []types.Site
	siteKeys  map[string]string
	options   types.Options
	granular  map[string][]float64
	hardLimit types.HardLimit

	view atomic.Pointer[view]
}

// New returns an engine. The client must use tracker as its quota.
func New(cfg Config, backend storage.Backend, client *solcast.Client, tracker *usage.Tracker, m *metrics.Recorder) *Engine {
	if cfg.FetchConcurrency == 0 {
		cfg.FetchConcurrency = 4
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	e := &Engine{
		cfg:        cfg,
		backend:    backend,
		client:     client,
		usage:      tracker,
		sitesCache: solcast.NewSitesCache(backend),
		store:      forecast.NewStore(backend, cfg.Location),
		metrics:    m,
		now:        time.Now,
		siteKeys:   map[string]string{},
	}
	e.view.Store(emptyView(common.DayStart(e.now().In(cfg.Location))))
	return e
}

// Configured sets up flags for the engine and returns it.
func Configured(backend storage.Backend, m *metrics.Recorder) *Engine {
	tracker := usage.NewTracker(backend)
	client := solcast.Configured(tracker, m)
	e := New(Config{}, backend, client, tracker, m)

	apiKeys := lflag.RequiredString("solcast-api-keys", "Comma separated Solcast API keys")
	quotas := lflag.String("solcast-api-quota", strconv.Itoa(usage.DefaultLimit), "Comma separated daily API call limits, one for all keys or one per key")
	timezone := lflag.String("timezone", "UTC", "Timezone that defines the local day")
	band := lflag.String("estimate-band", "estimate", "Band used when a query does not name one (estimate, estimate10, estimate90)")
	disabled := lflag.String("disabled-bands", "", "Comma separated bands without splines")
	hardLimit := lflag.String("hard-limit", "", "Comma separated hard limits in kW, one for all keys or one per key; 100 or empty disables")
	dampening := lflag.String("dampening", "", "24 comma separated hourly dampening factors")
	minInterval := lflag.Duration("min-update-interval", time.Minute, "Updates sooner than this after the last one are skipped unless forced")
	concurrency := 4
	lflag.JSON(&concurrency, "fetch-concurrency", concurrency, "Maximum number of sites fetched at once")
	refetch := lflag.Bool("refetch-on-corrupt", false, "Discard a corrupt forecast cache and fetch everything again")

	lflag.Do(func() {
		cfg := Config{
			APIKeys:           splitList(*apiKeys),
			MinUpdateInterval: *minInterval,
			FetchConcurrency:  concurrency,
			RefetchOnCorrupt:  *refetch,
		}
		var err error
		if cfg.Quotas, err = parseInts(*quotas); err != nil {
			panic(fmt.Sprintf("invalid solcast-api-quota: %v", err))
		}
		if cfg.Location, err = common.LoadLocation(*timezone); err != nil {
			panic(err.Error())
		}
		if cfg.Band, err = types.ParseBand(*band); err != nil {
			panic(fmt.Sprintf("invalid estimate-band: %v", err))
		}
		if cfg.DisabledBands, err = parseBands(*disabled); err != nil {
			panic(fmt.Sprintf("invalid disabled-bands: %v", err))
		}
		if cfg.HardLimit, err = parseFloats(*hardLimit); err != nil {
			panic(fmt.Sprintf("invalid hard-limit: %v", err))
		}
		if cfg.Dampening, err = parseFloats(*dampening); err != nil {
			panic(fmt.Sprintf("invalid dampening: %v", err))
		}
		if err := cfg.Validate(); err != nil {
			panic(fmt.Sprintf("engine validation failed: %v", err))
		}
		e.cfg = cfg
		e.store = forecast.NewStore(backend, cfg.Location)
		e.view.Store(emptyView(common.DayStart(e.now().In(cfg.Location))))
	})

	return e
}

// SetClock overrides the clock of the engine and everything it owns, for
// tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.store.SetClock(now)
	e.usage.SetClock(now)
}

// Location returns the timezone of the local day.
func (e *Engine) Location() *time.Location {
	return e.cfg.Location
}

// Start loads usage, sites, the cache and settings, then builds the
// aggregate. When nothing is cached it runs a full fetch.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.cfg.Validate(); err != nil {
		return err
	}

	for i, key := range e.cfg.APIKeys {
		if err := e.usage.Load(ctx, key, e.cfg.quota(i)); err != nil {
			return fmt.Errorf("failed to load usage for %s: %w", log.RedactKey(key), err)
		}
		e.recordUsage(key)
	}

	if err := e.loadSites(ctx); err != nil {
		return err
	}

	missing, err := e.load(ctx)
	if err != nil {
		return err
	}
	if !missing {
		return nil
	}
	out, err := e.FetchAndMerge(ctx, true)
	if err != nil {
		return fmt.Errorf("initial fetch failed: %w", err)
	}
	if out.Kind == OutcomeFatal {
		return fmt.Errorf("initial fetch failed: %w", out.Err)
	}
	return nil
}

// load reads the cache and settings and rebuilds. missing is true when
// there is no usable cache.
func (e *Engine) load(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	missing := false
	err := e.store.Load(ctx)
	switch {
	case errors.Is(err, forecast.ErrStoreMissing):
		log.Ctx(ctx).InfoContext(ctx, "no forecast cache, a full fetch is required")
		missing = true
	case errors.Is(err, forecast.ErrStoreCorrupt) && e.cfg.RefetchOnCorrupt:
		log.Ctx(ctx).WarnContext(ctx, "discarding corrupt forecast cache", slog.Any("error", err))
		e.store.Reset()
		missing = true
	case err != nil:
		return false, fmt.Errorf("failed to load forecast cache: %w", err)
	}

	active := make([]string, 0, len(e.sites))
	for _, s := range e.sites {
		active = append(active, s.ResourceID)
	}
	if retired := e.store.Retire(ctx, active); len(retired) > 0 {
		for _, id := range retired {
			e.metrics.ForgetSite(id)
		}
		if err := e.store.Save(ctx); err != nil {
			return false, fmt.Errorf("failed to save forecast cache: %w", err)
		}
	}

	if err := e.loadOptions(ctx); err != nil {
		return false, err
	}
	e.loadGranular(ctx)
	e.rebuild(ctx)
	return missing, nil
}

func (e *Engine) loadSites(ctx context.Context) error {
	var sites []types.Site
	keys := map[string]string{}
	for _, key := range e.cfg.APIKeys {
		list, cached, err := e.client.SitesOrCached(ctx, e.sitesCache, key)
		if err != nil {
			return fmt.Errorf("failed to get sites for %s: %w", log.RedactKey(key), err)
		}
		if len(list) == 0 {
			log.Ctx(ctx).WarnContext(ctx, "no sites for api key", log.Key(key))
		}
		for _, s := range list {
			if other, ok := keys[s.ResourceID]; ok {
				log.Ctx(ctx).WarnContext(ctx, "site listed under more than one api key, using the first", slog.String("site", s.ResourceID), log.Key(other))
				continue
			}
			keys[s.ResourceID] = key
			sites = append(sites, s)
		}
		log.Ctx(ctx).InfoContext(ctx, "loaded sites", log.Key(key), slog.Int("count", len(list)), slog.Bool("cached", cached))
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i].ResourceID < sites[j].ResourceID })

	e.mu.Lock()
	defer e.mu.Unlock()
	e.sites = sites
	e.siteKeys = keys
	return nil
}

// Sites returns the configured sites sorted by ID.
func (e *Engine) Sites() []types.Site {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.Site, len(e.sites))
	copy(out, e.sites)
	return out
}

func (e *Engine) knownSite(site string) bool {
	if site == "" || site == types.SiteAll {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.siteKeys[site]
	return ok
}

func (e *Engine) recordUsage(key string) {
	if c, ok := e.usage.Get(key); ok {
		e.metrics.RecordUsage(log.RedactKey(key), c.Used, c.Limit)
	}
}

// UsageStatus is the usage of one API key with the key redacted.
type UsageStatus struct {
	APIKey string `json:"apiKey"`
	types.UsageCounter
}

// Usage returns the usage of every configured key.
func (e *Engine) Usage() []UsageStatus {
	out := make([]UsageStatus, 0, len(e.cfg.APIKeys))
	for _, key := range e.cfg.APIKeys {
		c, ok := e.usage.Get(key)
		if !ok {
			continue
		}
		out = append(out, UsageStatus{APIKey: log.RedactKey(key), UsageCounter: c})
	}
	return out
}

// ResetUsage zeroes the usage of a key, or of every key when apiKey is
// empty, and persists it.
func (e *Engine) ResetUsage(ctx context.Context, apiKey string) error {
	if err := e.usage.Reset(ctx, apiKey); err != nil {
		return err
	}
	for _, key := range e.cfg.APIKeys {
		e.recordUsage(key)
	}
	log.Ctx(ctx).InfoContext(ctx, "usage reset", slog.Bool("allKeys", apiKey == ""))
	return nil
}

// LastUpdated returns when the cache last received data.
func (e *Engine) LastUpdated() time.Time {
	return e.store.LastUpdated()
}

// LastAttempt returns when an update was last attempted.
func (e *Engine) LastAttempt() time.Time {
	return e.store.LastAttempt()
}
