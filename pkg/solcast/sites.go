package solcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/raterudder/pvcast/pkg/log"
	"github.com/raterudder/pvcast/pkg/storage"
	"github.com/raterudder/pvcast/pkg/types"
	"github.com/raterudder/pvcast/pkg/usage"
)

type sitesResponse struct {
	Sites        []types.Site `json:"sites"`
	TotalRecords int          `json:"total_records"`
}

// Sites lists the rooftop sites of an API key. Listing does not count
// against the daily quota. Failures other than an invalid key are retried
// with the network retry delay.
func (c *Client) Sites(ctx context.Context, apiKey string) ([]types.Site, error) {
	ctx = log.With(ctx, log.Ctx(ctx).With(log.Key(apiKey)))

	q := url.Values{}
	q.Set("format", "json")
	q.Set("api_key", apiKey)
	u := c.baseURL + "/rooftop_sites?" + q.Encode()

	var lastErr error
	for attempt := 1; attempt <= c.maxNetworkAttempts; attempt++ {
		if attempt > 1 {
			c.metrics.RecordRetry("sites")
			if err := c.sleep(ctx, c.networkRetryDelay); err != nil {
				return nil, err
			}
		}
		sites, err := c.getSites(ctx, u)
		if err == nil {
			for i := range sites {
				sites[i].APIKey = apiKey
			}
			c.metrics.RecordFetch("sites", StatusOK.String())
			log.Ctx(ctx).DebugContext(ctx, "fetched sites", slog.Int("count", len(sites)))
			return sites, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if StatusOf(err).Fatal() {
			break
		}
		log.Ctx(ctx).WarnContext(ctx, "failed to fetch sites", slog.Int("attempt", attempt), slog.Any("error", err))
	}
	c.metrics.RecordFetch("sites", StatusOf(lastErr).String())
	return nil, lastErr
}

func (c *Client) getSites(ctx context.Context, u string) ([]types.Site, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &FetchError{Status: StatusUnreachable}
	}
	defer resp.Body.Close()

	if status := classify(resp.StatusCode); status != StatusOK {
		return nil, &FetchError{Status: status, HTTPStatus: resp.StatusCode, Attempts: 1}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read sites response: %w", err)
	}
	var sr sitesResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, fmt.Errorf("failed to decode sites response: %w", err)
	}
	return sr.Sites, nil
}

// SitesCache persists the last successful sites list per API key so startup
// works while the provider is unreachable.
type SitesCache struct {
	backend storage.Backend
}

// NewSitesCache returns a cache on backend.
func NewSitesCache(backend storage.Backend) *SitesCache {
	return &SitesCache{backend: backend}
}

func sitesDocument(apiKey string) string {
	// reuse the hashed suffix of the usage document
	return "sites" + usage.DocumentName(apiKey)[len("usage"):]
}

// Save stores the sites list for a key.
func (s *SitesCache) Save(ctx context.Context, apiKey string, sites []types.Site) error {
	b, err := json.Marshal(sitesResponse{Sites: sites, TotalRecords: len(sites)})
	if err != nil {
		return fmt.Errorf("failed to marshal sites: %w", err)
	}
	return s.backend.Write(ctx, sitesDocument(apiKey), b)
}

// Load returns the cached sites list for a key or storage.ErrNotFound.
func (s *SitesCache) Load(ctx context.Context, apiKey string) ([]types.Site, error) {
	b, err := s.backend.Read(ctx, sitesDocument(apiKey))
	if err != nil {
		return nil, err
	}
	var sr sitesResponse
	if err := json.Unmarshal(b, &sr); err != nil {
		return nil, fmt.Errorf("failed to decode cached sites: %w", err)
	}
	for i := range sr.Sites {
		sr.Sites[i].APIKey = apiKey
	}
	return sr.Sites, nil
}

// SitesOrCached lists sites and refreshes the cache, falling back to the
// cache when the provider cannot be reached. An invalid key is never masked
// by the cache.
func (c *Client) SitesOrCached(ctx context.Context, cache *SitesCache, apiKey string) ([]types.Site, bool, error) {
	sites, err := c.Sites(ctx, apiKey)
	if err == nil {
		if err := cache.Save(ctx, apiKey, sites); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to cache sites", log.Key(apiKey), slog.Any("error", err))
		}
		return sites, false, nil
	}
	if StatusOf(err).Fatal() || ctx.Err() != nil {
		return nil, false, err
	}
	cached, cerr := cache.Load(ctx, apiKey)
	if cerr != nil {
		if errors.Is(cerr, storage.ErrNotFound) {
			return nil, false, fmt.Errorf("no cached sites after fetch failure: %w", err)
		}
		return nil, false, fmt.Errorf("failed to load cached sites (%v) after fetch failure: %w", cerr, err)
	}
	log.Ctx(ctx).WarnContext(ctx, "using cached sites", log.Key(apiKey), slog.Int("count", len(cached)), slog.Any("error", err))
	return cached, true, nil
}
