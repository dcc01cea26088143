package common

import (
	_ "embed"
	"net/http"
	"strings"
	"time"
)

//go:embed VERSION
var version string

// UserAgent identifies pvcast to the forecast provider.
func UserAgent() string {
	return "PVCast/" + strings.TrimSpace(version)
}

// headerTransport adds default headers to outbound requests. Headers the
// caller already set are left as they are.
type headerTransport struct {
	base    http.RoundTripper
	headers http.Header
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// the caller owns req, so headers go on a copy
	req = req.Clone(req.Context())
	for k, vs := range t.headers {
		if req.Header.Get(k) == "" {
			req.Header[k] = vs
		}
	}
	return t.base.RoundTrip(req)
}

// WithDefaultHeaders wraps base so every request carries the pvcast
// User-Agent and asks for JSON. A nil base uses http.DefaultTransport.
func WithDefaultHeaders(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &headerTransport{
		base: base,
		headers: http.Header{
			"User-Agent": {UserAgent()},
			"Accept":     {"application/json"},
		},
	}
}

// HTTPClient returns the client used for provider calls.
func HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: WithDefaultHeaders(nil),
		Timeout:   timeout,
	}
}
