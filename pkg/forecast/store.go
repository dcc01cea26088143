package forecast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/raterudder/pvcast/pkg/common"
	"github.com/raterudder/pvcast/pkg/log"
	"github.com/raterudder/pvcast/pkg/storage"
	"github.com/raterudder/pvcast/pkg/types"
)

const (
	// DocumentName is the storage name of the forecast cache.
	DocumentName = "solcast"

	// RetentionDays is how many local days of history are kept.
	RetentionDays = 730
	// HorizonDays is how many local days ahead are kept, including today.
	HorizonDays = 8
)

var (
	// ErrStoreMissing means there is no cache yet, which is a normal first run.
	ErrStoreMissing = errors.New("forecast store does not exist")
	// ErrStoreCorrupt means the cache exists but cannot be decoded or migrated.
	ErrStoreCorrupt = errors.New("forecast store is corrupt")
)

// Store owns the raw series of every site and their persisted document.
// All methods are safe for concurrent use; each merge is atomic.
type Store struct {
	backend storage.Backend
	loc     *time.Location
	now     func() time.Time

	// serializes snapshot+write so saves land in order
	saveMu sync.Mutex

	mu          sync.Mutex
	lastUpdated time.Time
	lastAttempt time.Time
	sites       map[string]*Series
}

// NewStore returns an empty store. Days are computed in loc.
func NewStore(backend storage.Backend, loc *time.Location) *Store {
	return &Store{
		backend: backend,
		loc:     loc,
		now:     time.Now,
		sites:   make(map[string]*Series),
	}
}

// SetClock overrides the clock, for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// bounds returns the retained range of period starts.
func (s *Store) bounds() (time.Time, time.Time) {
	now := s.now().In(s.loc)
	return common.AddDays(now, -RetentionDays), common.AddDays(now, HorizonDays)
}

// Load replaces the in-memory state with the persisted document, migrating
// it if needed. It returns ErrStoreMissing when nothing is persisted and
// wraps ErrStoreCorrupt when the document cannot be used.
func (s *Store) Load(ctx context.Context) error {
	b, err := s.backend.Read(ctx, DocumentName)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrStoreMissing
	}
	if err != nil {
		return fmt.Errorf("failed to read forecast store: %w", err)
	}
	doc, migrated, err := types.MigrateStore(b)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreCorrupt, err)
	}

	from, to := s.bounds()
	sites := make(map[string]*Series, len(doc.SiteInfo))
	var pruned int
	for id, sf := range doc.SiteInfo {
		series := NewSeries(sf.Forecasts)
		pruned += series.Prune(from, to)
		sites[id] = series
	}

	s.mu.Lock()
	s.sites = sites
	s.lastUpdated = doc.LastUpdated
	s.lastAttempt = doc.LastAttempt
	s.mu.Unlock()

	log.Ctx(ctx).InfoContext(
		ctx,
		"loaded forecast store",
		slog.Int("sites", len(sites)),
		slog.Int("pruned", pruned),
		slog.Bool("migrated", migrated),
		slog.Time("lastUpdated", doc.LastUpdated),
	)
	if migrated {
		return s.Save(ctx)
	}
	return nil
}

// Document returns the current state in its persisted shape.
func (s *Store) Document() types.StoreDocument {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := types.StoreDocument{
		SchemaVersion: types.CurrentStoreVersion,
		LastUpdated:   s.lastUpdated,
		LastAttempt:   s.lastAttempt,
		SiteInfo:      make(map[string]types.SiteForecasts, len(s.sites)),
	}
	for id, series := range s.sites {
		doc.SiteInfo[id] = types.SiteForecasts{Forecasts: series.Intervals()}
	}
	return doc
}

// Save writes the current state.
func (s *Store) Save(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	b, err := json.Marshal(s.Document())
	if err != nil {
		return fmt.Errorf("failed to marshal forecast store: %w", err)
	}
	if err := s.backend.Write(ctx, DocumentName, b); err != nil {
		return fmt.Errorf("failed to save forecast store: %w", err)
	}
	return nil
}

// Merge adds intervals to a site's series, newer values replacing older
// ones with the same start, and prunes the series to the retained range. It
// returns the resulting series length.
func (s *Store) Merge(siteID string, intervals []types.Interval) int {
	from, to := s.bounds()

	s.mu.Lock()
	defer s.mu.Unlock()
	series, ok := s.sites[siteID]
	if !ok {
		series = NewSeries(nil)
		s.sites[siteID] = series
	}
	series.Merge(intervals)
	series.Prune(from, to)
	return series.Len()
}

// Retire removes every site not in active and returns the removed IDs.
func (s *Store) Retire(ctx context.Context, active []string) []string {
	keep := make(map[string]bool, len(active))
	for _, id := range active {
		keep[id] = true
	}

	s.mu.Lock()
	var removed []string
	for id := range s.sites {
		if !keep[id] {
			delete(s.sites, id)
			removed = append(removed, id)
		}
	}
	s.mu.Unlock()

	sort.Strings(removed)
	for _, id := range removed {
		log.Ctx(ctx).WarnContext(ctx, "site no longer listed, removing its cached forecasts", slog.String("site", id))
	}
	return removed
}

// Reset drops all cached data, used before a full re-fetch.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sites = make(map[string]*Series)
	s.lastUpdated = time.Time{}
	s.lastAttempt = time.Time{}
}

// SiteIDs returns the cached sites, sorted.
func (s *Store) SiteIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sites))
	for id := range s.sites {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Series returns a copy of one site's series.
func (s *Store) Series(siteID string) []types.Interval {
	s.mu.Lock()
	defer s.mu.Unlock()
	if series, ok := s.sites[siteID]; ok {
		return series.Intervals()
	}
	return nil
}

// Snapshot returns a copy of every site's series.
func (s *Store) Snapshot() map[string][]types.Interval {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]types.Interval, len(s.sites))
	for id, series := range s.sites {
		out[id] = series.Intervals()
	}
	return out
}

// HasHistory returns true if the site has any cached interval.
func (s *Store) HasHistory(siteID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	series, ok := s.sites[siteID]
	return ok && series.Len() > 0
}

func (s *Store) LastUpdated() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUpdated
}

func (s *Store) LastAttempt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAttempt
}

func (s *Store) MarkAttempt(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAttempt = t.UTC()
}

func (s *Store) MarkUpdated(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUpdated = t.UTC()
}
