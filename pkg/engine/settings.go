package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/raterudder/pvcast/pkg/log"
	"github.com/raterudder/pvcast/pkg/storage"
	"github.com/raterudder/pvcast/pkg/types"
)

const (
	optionsDocument   = "options"
	dampeningDocument = "site-dampening"
)

// loadOptions reads the options document, seeding it from the flags on first
// run and migrating older versions. mu must be held.
func (e *Engine) loadOptions(ctx context.Context) error {
	var doc types.OptionsDocument
	b, err := e.backend.Read(ctx, optionsDocument)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		log.Ctx(ctx).InfoContext(ctx, "creating options from flags")
		doc = types.OptionsDocument{
			Version: types.CurrentOptionsVersion,
			Options: types.Options{Dampening: slices.Clone(e.cfg.Dampening), HardLimits: slices.Clone(e.cfg.HardLimit)},
		}
		if len(doc.Options.Dampening) == 0 {
			doc.Options.Dampening = types.DefaultFactors(types.HourlyFactors)
		}
		if err := e.saveOptions(ctx, doc.Options); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("failed to read options: %w", err)
	default:
		if err := json.Unmarshal(b, &doc); err != nil {
			return fmt.Errorf("failed to decode options: %w", err)
		}
		migrated, changed, err := types.MigrateOptions(doc.Options, doc.Version)
		if err != nil {
			return fmt.Errorf("failed to migrate options: %w", err)
		}
		if changed || doc.Version != types.CurrentOptionsVersion {
			log.Ctx(ctx).InfoContext(ctx, "migrated options", slog.Int("from", doc.Version), slog.Int("to", types.CurrentOptionsVersion))
			if err := e.saveOptions(ctx, migrated); err != nil {
				return err
			}
		}
		doc.Options = migrated
	}

	if err := (types.Dampening{Global: doc.Options.Dampening}).Validate(); err != nil {
		return fmt.Errorf("invalid dampening in options: %w", err)
	}
	hl, err := types.NewHardLimit(doc.Options.HardLimits, e.cfg.APIKeys)
	if err != nil {
		return fmt.Errorf("invalid hard limit in options: %w", err)
	}
	e.options = doc.Options
	e.hardLimit = hl
	return nil
}

func (e *Engine) saveOptions(ctx context.Context, o types.Options) error {
	b, err := json.Marshal(types.OptionsDocument{Version: types.CurrentOptionsVersion, Options: o})
	if err != nil {
		return fmt.Errorf("failed to encode options: %w", err)
	}
	if err := e.backend.Write(ctx, optionsDocument, b); err != nil {
		return fmt.Errorf("failed to save options: %w", err)
	}
	return nil
}

// loadGranular reads the per-site dampening document. A missing document
// means none; a corrupt one is logged and ignored so global dampening
// applies. mu must be held.
func (e *Engine) loadGranular(ctx context.Context) {
	e.granular = nil
	b, err := e.backend.Read(ctx, dampeningDocument)
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to read granular dampening, using global dampening", slog.Any("error", err))
		return
	}
	var granular map[string][]float64
	if err := json.Unmarshal(b, &granular); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "corrupt granular dampening, using global dampening", slog.Any("error", err))
		return
	}
	if err := (types.Dampening{Granular: granular}).Validate(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "invalid granular dampening, using global dampening", slog.Any("error", err))
		return
	}
	for site := range granular {
		if site != types.SiteAll {
			if _, ok := e.siteKeys[site]; !ok {
				log.Ctx(ctx).WarnContext(ctx, "granular dampening for unknown site", slog.String("site", site))
			}
		}
	}
	e.granular = granular
}

func (e *Engine) saveGranular(ctx context.Context, granular map[string][]float64) error {
	if len(granular) == 0 {
		if err := e.backend.Delete(ctx, dampeningDocument); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("failed to delete granular dampening: %w", err)
		}
		return nil
	}
	b, err := json.Marshal(granular)
	if err != nil {
		return fmt.Errorf("failed to encode granular dampening: %w", err)
	}
	if err := e.backend.Write(ctx, dampeningDocument, b); err != nil {
		return fmt.Errorf("failed to save granular dampening: %w", err)
	}
	return nil
}

// Dampening returns the dampening in effect.
func (e *Engine) Dampening() types.Dampening {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dampening()
}

// HardLimit returns the configured hard limit values.
func (e *Engine) HardLimit() []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.options.HardLimits)
}

// SetDampening changes dampening factors, persists them and rebuilds.
// Without a site, 24 factors replace the global factors and 48 set the
// granular factors for every site. With a site, 24 or 48 factors apply to
// that site only and no factors remove its override.
func (e *Engine) SetDampening(ctx context.Context, factors []float64, site string) error {
	if site != "" && site != types.SiteAll && !e.knownSite(site) {
		return fmt.Errorf("%s: %w", site, ErrUnknownSite)
	}
	if len(factors) > 0 {
		if err := types.ValidateFactors(factors); err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	global := site == "" && len(factors) == types.HourlyFactors
	if global {
		o := e.options
		o.Dampening = slices.Clone(factors)
		if err := e.saveOptions(ctx, o); err != nil {
			return err
		}
		e.options = o
		log.Ctx(ctx).InfoContext(ctx, "global dampening set")
		e.rebuild(ctx)
		return nil
	}

	key := site
	if key == "" {
		key = types.SiteAll
	}
	granular := maps.Clone(e.granular)
	if granular == nil {
		granular = map[string][]float64{}
	}
	if len(factors) == 0 {
		if key == types.SiteAll && site == "" {
			return errors.New("dampening factors are required")
		}
		delete(granular, key)
	} else {
		granular[key] = slices.Clone(factors)
	}
	if err := (types.Dampening{Granular: granular}).Validate(); err != nil {
		return err
	}
	if err := e.saveGranular(ctx, granular); err != nil {
		return err
	}
	if len(granular) == 0 {
		granular = nil
	}
	e.granular = granular
	log.Ctx(ctx).InfoContext(ctx, "granular dampening set", slog.String("site", key), slog.Int("factors", len(factors)))
	e.rebuild(ctx)
	return nil
}

// SetHardLimit changes the hard limit, persists it and rebuilds. One value
// applies to the total; otherwise there must be one value per API key. An
// empty list or values of 100 disable it.
func (e *Engine) SetHardLimit(ctx context.Context, values []float64) error {
	hl, err := types.NewHardLimit(values, e.cfg.APIKeys)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	o := e.options
	o.HardLimits = nil
	if hl.Enabled() {
		o.HardLimits = slices.Clone(values)
	}
	if err := e.saveOptions(ctx, o); err != nil {
		return err
	}
	e.options = o
	e.hardLimit = hl
	log.Ctx(ctx).InfoContext(ctx, "hard limit set", slog.Any("values", o.HardLimits))
	e.rebuild(ctx)
	return nil
}
