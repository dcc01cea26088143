package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/raterudder/pvcast/pkg/log"
	"github.com/raterudder/pvcast/pkg/solcast"
	"github.com/raterudder/pvcast/pkg/types"
	"golang.org/x/sync/errgroup"
)

// OutcomeKind classifies the result of an update.
type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeSkipped   OutcomeKind = "skipped"
	OutcomePartial   OutcomeKind = "partial"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeFatal     OutcomeKind = "fatal"
	OutcomeCancelled OutcomeKind = "cancelled"
)

// Outcome reports what an update did.
type Outcome struct {
	Kind     OutcomeKind `json:"kind"`
	UpdateID string      `json:"updateID"`
	// Updated is the number of sites that returned data out of Total.
	Updated int `json:"updated"`
	Total   int `json:"total"`
	// Failed maps each failed site to its fetch status.
	Failed map[string]string `json:"failed,omitempty"`
	// Err accumulates the per-site errors.
	Err error `json:"-"`
}

// Message is a short human readable summary.
func (o Outcome) Message() string {
	switch o.Kind {
	case OutcomeSkipped:
		return "skipped, too soon since the last update"
	case OutcomePartial:
		return fmt.Sprintf("partial failure, %d of %d sites updated", o.Updated, o.Total)
	case OutcomeFatal:
		return fmt.Sprintf("update requires attention: %v", o.Err)
	case OutcomeFailed:
		return fmt.Sprintf("no sites updated: %v", o.Err)
	case OutcomeCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("%d sites updated", o.Updated)
}

type siteResult struct {
	site types.Site
	// intervals can be set alongside err when estimated actuals arrived but
	// the forecast did not.
	intervals []types.Interval
	status    solcast.Status
	err       error
}

// FetchAndMerge fetches every site, merges the results into the cache,
// saves it and rebuilds the aggregate. Updates sooner than the minimum
// interval after the last one are skipped unless force is set. A second
// call while one is running returns ErrUpdateInProgress.
//
// If ctx is cancelled while fetching, nothing is merged and the cache keeps
// its last saved state. Once merging starts it runs to completion.
func (e *Engine) FetchAndMerge(ctx context.Context, force bool) (Outcome, error) {
	if !e.updating.CompareAndSwap(false, true) {
		log.Ctx(ctx).WarnContext(ctx, ErrUpdateInProgress.Error())
		return Outcome{}, ErrUpdateInProgress
	}
	defer e.updating.Store(false)

	out := Outcome{UpdateID: uuid.NewString()}
	ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("updateID", out.UpdateID)))
	started := time.Now()
	now := e.now()

	if last := e.store.LastUpdated(); !force && !last.IsZero() && now.Sub(last) < e.cfg.MinUpdateInterval {
		log.Ctx(ctx).InfoContext(ctx, "skipping update, too soon since the last one", slog.Time("lastUpdated", last))
		out.Kind = OutcomeSkipped
		e.metrics.RecordUpdate(string(out.Kind), time.Since(started))
		return out, nil
	}

	sites := e.Sites()
	out.Total = len(sites)
	log.Ctx(ctx).InfoContext(ctx, "updating forecasts", slog.Int("sites", len(sites)), slog.Bool("force", force))

	results := make([]siteResult, len(sites))
	var g errgroup.Group
	g.SetLimit(e.cfg.FetchConcurrency)
	for i, site := range sites {
		g.Go(func() error {
			results[i] = e.fetchSite(ctx, site, now)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "update cancelled, discarding fetched data", slog.Any("error", err))
		out.Kind = OutcomeCancelled
		e.metrics.RecordUpdate(string(out.Kind), time.Since(started))
		return out, err
	}

	// the merge is not cancellable so the cache is never half merged
	mctx := context.WithoutCancel(ctx)
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs *multierror.Error
	fatal := false
	merged := false
	for _, r := range results {
		if len(r.intervals) > 0 {
			n := e.store.Merge(r.site.ResourceID, r.intervals)
			e.metrics.RecordIntervals(r.site.ResourceID, n)
			merged = true
		}
		if r.err != nil {
			if out.Failed == nil {
				out.Failed = make(map[string]string)
			}
			out.Failed[r.site.ResourceID] = r.status.String()
			errs = multierror.Append(errs, fmt.Errorf("site %s: %w", r.site.ResourceID, r.err))
			fatal = fatal || r.status.Fatal()
			continue
		}
		out.Updated++
	}
	out.Err = errs.ErrorOrNil()

	e.store.MarkAttempt(now)
	if out.Updated > 0 {
		e.store.MarkUpdated(now)
	}
	if err := e.store.Save(mctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to save forecast cache", slog.Any("error", err))
		out.Kind = OutcomeFailed
		out.Err = multierror.Append(out.Err, err)
		e.metrics.RecordUpdate(string(out.Kind), time.Since(started))
		return out, fmt.Errorf("failed to save forecast cache: %w", err)
	}
	if merged {
		e.rebuild(mctx)
	}
	for _, key := range e.cfg.APIKeys {
		e.recordUsage(key)
	}

	switch {
	case fatal:
		out.Kind = OutcomeFatal
	case out.Updated == out.Total:
		out.Kind = OutcomeSuccess
	case out.Updated > 0:
		out.Kind = OutcomePartial
	default:
		out.Kind = OutcomeFailed
	}
	level := slog.LevelInfo
	if out.Kind != OutcomeSuccess {
		level = slog.LevelWarn
	}
	log.Ctx(ctx).Log(ctx, level, "update finished",
		slog.String("outcome", string(out.Kind)),
		slog.Int("updated", out.Updated),
		slog.Int("total", out.Total),
		slog.Any("failed", sortedKeys(out.Failed)),
	)
	e.metrics.RecordUpdate(string(out.Kind), time.Since(started))
	return out, nil
}

// fetchSite fetches the forecast of a site, plus its estimated actuals when
// nothing is cached for it yet. Actuals are returned even if the forecast
// then fails, since they already cost a call and the next update would
// otherwise fetch them again.
func (e *Engine) fetchSite(ctx context.Context, site types.Site, now time.Time) siteResult {
	r := siteResult{site: site}
	ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("site", site.ResourceID)))

	if !e.store.HasHistory(site.ResourceID) {
		log.Ctx(ctx).InfoContext(ctx, "no history for site, fetching estimated actuals")
		actuals, res, err := e.client.Intervals(ctx, solcast.Request{
			SiteID: site.ResourceID,
			APIKey: site.APIKey,
			Kind:   solcast.KindEstimatedActuals,
			Hours:  solcast.ActualsHours,
		}, solcast.ActualsWindow(now, e.cfg.Location))
		if err != nil {
			r.status, r.err = res.Status, err
			return r
		}
		r.intervals = actuals
	}

	intervals, res, err := e.client.Intervals(ctx, solcast.Request{
		SiteID: site.ResourceID,
		APIKey: site.APIKey,
		Kind:   solcast.KindForecasts,
		Hours:  solcast.ForecastHours(now, e.cfg.Location),
	}, solcast.ForecastWindow(now, e.cfg.Location))
	if err != nil {
		r.status, r.err = res.Status, err
		return r
	}
	r.intervals = append(r.intervals, intervals...)
	r.status = solcast.StatusOK
	return r
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
