package usage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
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

// DefaultLimit is the daily call limit of a hobbyist provider account.
const DefaultLimit = 10

var (
	ErrQuotaExhausted = errors.New("api quota exhausted")
	ErrUnknownKey     = errors.New("unknown api key")
)

// DocumentName returns the storage name of a key's usage document. The key is
// hashed so it never appears in file names.
func DocumentName(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return "usage-" + hex.EncodeToString(sum[:6])
}

// Tracker owns the usage counters of every API key. Every mutation is
// persisted before it returns.
type Tracker struct {
	backend storage.Backend
	now     func() time.Time

	mu       sync.Mutex
	counters map[string]*types.UsageCounter
}

// NewTracker returns an empty tracker.
func NewTracker(backend storage.Backend) *Tracker {
	return &Tracker{
		backend:  backend,
		now:      time.Now,
		counters: make(map[string]*types.UsageCounter),
	}
}

// SetClock overrides the clock, for tests.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// Load reads the key's usage document, creating it when it is missing or
// corrupt, updating the limit if it changed and resetting it if stale.
func (t *Tracker) Load(ctx context.Context, apiKey string, limit int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ctx = log.With(ctx, log.Ctx(ctx).With(log.Key(apiKey)))
	now := t.now()
	dirty := false

	var c types.UsageCounter
	b, err := t.backend.Read(ctx, DocumentName(apiKey))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		log.Ctx(ctx).InfoContext(ctx, "creating usage document", slog.Int("limit", limit))
		c = types.UsageCounter{Limit: limit, Reset: common.UTCMidnight(now)}
		dirty = true
	case err != nil:
		return fmt.Errorf("failed to read usage: %w", err)
	default:
		if err := json.Unmarshal(b, &c); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "usage document corrupt, recreating", slog.Any("error", err))
			c = types.UsageCounter{Limit: limit, Reset: common.UTCMidnight(now)}
			dirty = true
		}
	}
	if c.Limit != limit {
		log.Ctx(ctx).InfoContext(ctx, "api limit changed", slog.Int("from", c.Limit), slog.Int("to", limit))
		c.Limit = limit
		dirty = true
	}
	if c.Reset.IsZero() || c.Stale(now) {
		log.Ctx(ctx).InfoContext(ctx, "resetting stale api usage", slog.Time("lastReset", c.Reset))
		c.Used = 0
		c.Reset = common.UTCMidnight(now)
		dirty = true
	}

	t.counters[apiKey] = &c
	if dirty {
		return t.persist(ctx, apiKey, c)
	}
	return nil
}

func (t *Tracker) persist(ctx context.Context, apiKey string, c types.UsageCounter) error {
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal usage: %w", err)
	}
	if err := t.backend.Write(ctx, DocumentName(apiKey), b); err != nil {
		return fmt.Errorf("failed to write usage: %w", err)
	}
	return nil
}

// Get returns a copy of a key's counter.
func (t *Tracker) Get(apiKey string) (types.UsageCounter, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.counters[apiKey]
	if !ok {
		return types.UsageCounter{}, false
	}
	return *c, true
}

// Allow returns nil if the key may make another call today.
func (t *Tracker) Allow(apiKey string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.counters[apiKey]
	if !ok {
		return ErrUnknownKey
	}
	if c.Exhausted() {
		return ErrQuotaExhausted
	}
	return nil
}

// Reserve claims one call for the key and persists the new count. The check
// and the claim happen under one lock, so concurrent callers can never
// claim more calls than the limit allows. A call that turns out not to
// consume quota must be handed back with Release.
//
// A failure to persist is only logged; the in-memory claim stands.
func (t *Tracker) Reserve(ctx context.Context, apiKey string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.counters[apiKey]
	if !ok {
		return ErrUnknownKey
	}
	if c.Exhausted() {
		return ErrQuotaExhausted
	}
	c.Used++
	log.Ctx(ctx).DebugContext(ctx, "api call reserved", log.Key(apiKey), slog.Int("used", c.Used), slog.Int("limit", c.Limit))
	if err := t.persist(ctx, apiKey, *c); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to record api usage", log.Key(apiKey), slog.Any("error", err))
	}
	return nil
}

// Release hands back a call claimed by Reserve that did not consume quota.
func (t *Tracker) Release(ctx context.Context, apiKey string) error {
	return t.update(ctx, apiKey, func(c *types.UsageCounter) {
		if c.Used > 0 {
			c.Used--
		}
	})
}

// Exhaust marks the key as having no calls left today, used when the provider
// reports the quota is spent.
func (t *Tracker) Exhaust(ctx context.Context, apiKey string) error {
	return t.update(ctx, apiKey, func(c *types.UsageCounter) {
		c.Used = c.Limit
	})
}

// Reset zeroes a key's counter. An empty key resets every key.
func (t *Tracker) Reset(ctx context.Context, apiKey string) error {
	reset := func(c *types.UsageCounter) {
		c.Used = 0
		c.Reset = common.UTCMidnight(t.now())
	}
	if apiKey != "" {
		return t.update(ctx, apiKey, reset)
	}
	for _, k := range t.Keys() {
		if err := t.update(ctx, k, reset); err != nil {
			return err
		}
	}
	return nil
}

// ResetStale resets the counters last reset more than a day ago and returns
// how many were reset.
func (t *Tracker) ResetStale(ctx context.Context) (int, error) {
	var n int
	for _, k := range t.Keys() {
		c, _ := t.Get(k)
		if !c.Stale(t.now()) {
			continue
		}
		log.Ctx(ctx).InfoContext(ctx, "resetting stale api usage", log.Key(k), slog.Time("lastReset", c.Reset))
		if err := t.Reset(ctx, k); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (t *Tracker) update(ctx context.Context, apiKey string, fn func(*types.UsageCounter)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.counters[apiKey]
	if !ok {
		return ErrUnknownKey
	}
	fn(c)
	log.Ctx(ctx).DebugContext(ctx, "api usage", log.Key(apiKey), slog.Int("used", c.Used), slog.Int("limit", c.Limit))
	return t.persist(ctx, apiKey, *c)
}

// Keys returns the tracked keys, sorted.
func (t *Tracker) Keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.counters))
	for k := range t.counters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
