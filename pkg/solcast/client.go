package solcast

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/pvcast/pkg/common"
	"github.com/raterudder/pvcast/pkg/log"
	"github.com/raterudder/pvcast/pkg/metrics"
)

const (
	defaultMaxAttempts        = 5
	defaultMaxNetworkAttempts = 3
)

// Kind is the provider resource requested for a site.
type Kind string

const (
	KindForecasts        Kind = "forecasts"
	KindEstimatedActuals Kind = "estimated_actuals"
)

// Quota gates and records provider calls per API key. Reserve must check
// and claim atomically.
type Quota interface {
	Reserve(ctx context.Context, apiKey string) error
	Release(ctx context.Context, apiKey string) error
	Exhaust(ctx context.Context, apiKey string) error
}

// Request is one logical fetch for a site.
type Request struct {
	SiteID string
	APIKey string
	Kind   Kind
	Hours  int
}

// Client talks to the rooftop sites API. It retries 429 responses with a
// jittered linear backoff and network failures with a fixed delay.
type Client struct {
	baseURL string
	client  *http.Client
	quota   Quota
	metrics *metrics.Recorder

	backoff            time.Duration
	networkRetryDelay  time.Duration
	maxAttempts        int
	maxNetworkAttempts int

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
}

// New returns a client with the default retry policy.
func New(baseURL string, client *http.Client, quota Quota) *Client {
	return &Client{
		baseURL:            baseURL,
		client:             client,
		quota:              quota,
		backoff:            15 * time.Second,
		networkRetryDelay:  5 * time.Second,
		maxAttempts:        defaultMaxAttempts,
		maxNetworkAttempts: defaultMaxNetworkAttempts,
		sleep:              sleepCtx,
		jitter:             randomJitter,
	}
}

// Configured sets up flags for the client and returns it.
func Configured(quota Quota, m *metrics.Recorder) *Client {
	c := New("", common.HTTPClient(30*time.Second), quota)
	c.metrics = m

	apiURL := lflag.String("solcast-api-url", "https://api.solcast.com.au", "Base URL of the Solcast API")
	backoff := lflag.Duration("solcast-backoff", c.backoff, "Base delay between retries when the API is busy")
	networkDelay := lflag.Duration("solcast-network-retry-delay", c.networkRetryDelay, "Delay between retries after a network failure")

	lflag.Do(func() {
		c.baseURL = *apiURL
		c.backoff = *backoff
		c.networkRetryDelay = *networkDelay
		if err := c.Validate(); err != nil {
			panic(fmt.Sprintf("solcast validation failed: %v", err))
		}
	})

	return c
}

// Validate ensures the configuration is valid.
func (c *Client) Validate() error {
	if c.baseURL == "" {
		return errors.New("solcast-api-url is required")
	}
	if _, err := url.Parse(c.baseURL); err != nil {
		return fmt.Errorf("failed to parse solcast url (%s): %w", c.baseURL, err)
	}
	if c.backoff < 0 || c.networkRetryDelay < 0 {
		return errors.New("retry delays must not be negative")
	}
	return nil
}

// SetMetrics sets the recorder used for fetch metrics.
func (c *Client) SetMetrics(m *metrics.Recorder) {
	c.metrics = m
}

// SetRetryPolicy overrides the retry delays.
func (c *Client) SetRetryPolicy(backoff, networkRetryDelay time.Duration) {
	c.backoff = backoff
	c.networkRetryDelay = networkRetryDelay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

// busyDelay is the wait before retry number attempt after a 429.
func (c *Client) busyDelay(attempt int) time.Duration {
	return time.Duration(attempt)*c.backoff + c.jitter(c.backoff)
}

func (c *Client) siteURL(req Request) string {
	q := url.Values{}
	q.Set("format", "json")
	q.Set("api_key", req.APIKey)
	if req.Hours > 0 {
		q.Set("hours", strconv.Itoa(req.Hours))
	}
	return c.baseURL + "/rooftop_sites/" + url.PathEscape(req.SiteID) + "/" + string(req.Kind) + "?" + q.Encode()
}

type quotaResponse struct {
	ResponseStatus struct {
		ErrorCode string `json:"error_code"`
		Message   string `json:"message"`
	} `json:"response_status"`
}

// quotaExceeded reports whether a 429 body says the daily limit is spent
// rather than the service being busy.
func quotaExceeded(body []byte) bool {
	var qr quotaResponse
	if err := json.Unmarshal(body, &qr); err != nil {
		return false
	}
	return qr.ResponseStatus.ErrorCode == "TooManyRequests"
}

// Fetch performs one logical request. It returns a *FetchError for any
// outcome other than StatusOK, or the context error if ctx is done.
func (c *Client) Fetch(ctx context.Context, req Request) (Result, error) {
	ctx = log.With(ctx, log.Ctx(ctx).With(
		slog.String("site", req.SiteID),
		slog.String("kind", string(req.Kind)),
		log.Key(req.APIKey),
	))
	res, err := c.fetch(ctx, req)
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	c.metrics.RecordFetch(string(req.Kind), res.Status.String())
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "fetch failed", slog.String("status", res.Status.String()), slog.Int("attempts", res.Attempts), slog.Any("error", err))
	}
	return res, err
}

func (c *Client) fetch(ctx context.Context, req Request) (Result, error) {
	if err := c.quota.Reserve(ctx, req.APIKey); err != nil {
		log.Ctx(ctx).InfoContext(ctx, "api quota exhausted, not fetching", slog.Any("error", err))
		res := Result{Status: StatusQuotaExhausted}
		return res, res.Err()
	}
	// only a 200 or the provider saying the quota is spent consumes the call
	consumed := false
	defer func() {
		if consumed {
			return
		}
		if err := c.quota.Release(context.WithoutCancel(ctx), req.APIKey); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to release api usage", slog.Any("error", err))
		}
	}()

	u := c.siteURL(req)
	var res Result
	var busy, network int
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return Result{Status: StatusUnexpected}, fmt.Errorf("failed to create request: %w", err)
		}
		res.Attempts++
		log.Ctx(ctx).DebugContext(ctx, "fetching", slog.Int("hours", req.Hours), slog.Int("attempt", res.Attempts))

		resp, err := c.client.Do(hreq)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			network++
			res.Status = StatusUnreachable
			res.HTTPStatus = 0
			if network >= c.maxNetworkAttempts {
				log.Ctx(ctx).ErrorContext(ctx, "giving up after network failures", slog.Any("error", err))
				return res, res.Err()
			}
			log.Ctx(ctx).WarnContext(ctx, "network failure, retrying", slog.Any("error", err), slog.Duration("delay", c.networkRetryDelay))
			c.metrics.RecordRetry("network")
			if err := c.sleep(ctx, c.networkRetryDelay); err != nil {
				return res, err
			}
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			return Result{Status: StatusUnexpected, HTTPStatus: resp.StatusCode, Attempts: res.Attempts}, fmt.Errorf("failed to read response: %w", err)
		}

		res.HTTPStatus = resp.StatusCode
		res.Status = classify(resp.StatusCode)
		switch {
		case res.Status == StatusOK:
			res.Body = body
			consumed = true
			return res, nil
		case res.Status == StatusBusy && quotaExceeded(body):
			log.Ctx(ctx).WarnContext(ctx, "api quota exceeded according to provider")
			consumed = true
			if err := c.quota.Exhaust(ctx, req.APIKey); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to record api usage", slog.Any("error", err))
			}
			res.Status = StatusQuotaExhausted
			return res, res.Err()
		case !retryable(res.Status):
			log.Ctx(ctx).DebugContext(ctx, "unretryable response", slog.Int("code", resp.StatusCode), slog.String("body", string(bytes.TrimSpace(body))))
			return res, res.Err()
		}

		busy++
		if busy >= c.maxAttempts {
			log.Ctx(ctx).ErrorContext(ctx, "api still busy, giving up", slog.Int("attempts", res.Attempts))
			return res, res.Err()
		}
		delay := c.busyDelay(busy)
		log.Ctx(ctx).InfoContext(ctx, "api busy, retrying", slog.Duration("delay", delay))
		c.metrics.RecordRetry("busy")
		if err := c.sleep(ctx, delay); err != nil {
			return res, err
		}
	}
}
