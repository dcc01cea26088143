package solcast

import (
	"errors"
	"fmt"
	"net/http"
)

// Status is the category of a fetch result. Retry decisions depend only on
// the category.
type Status int

const (
	StatusOK Status = iota
	// StatusQuotaExhausted means the daily call limit for the key is spent.
	StatusQuotaExhausted
	// StatusBusy means the provider kept answering 429.
	StatusBusy
	StatusBadRequest
	StatusNotFound
	// StatusForbidden means the API key is invalid and needs user action.
	StatusForbidden
	// StatusUnreachable means the request never got an HTTP response.
	StatusUnreachable
	StatusUnexpected
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusQuotaExhausted:
		return "quota_exhausted"
	case StatusBusy:
		return "busy"
	case StatusBadRequest:
		return "bad_request"
	case StatusNotFound:
		return "not_found"
	case StatusForbidden:
		return "forbidden"
	case StatusUnreachable:
		return "unreachable"
	default:
		return "unexpected"
	}
}

// Fatal returns true for failures that will never succeed without the user
// changing configuration.
func (s Status) Fatal() bool {
	return s == StatusForbidden
}

// Temporary returns true for failures that may succeed on a later update.
func (s Status) Temporary() bool {
	return s == StatusBusy || s == StatusUnreachable || s == StatusQuotaExhausted
}

// retryable decides whether the same request should be sent again within one
// fetch.
func retryable(s Status) bool {
	return s == StatusBusy || s == StatusUnreachable
}

func classify(code int) Status {
	switch code {
	case http.StatusOK:
		return StatusOK
	case http.StatusTooManyRequests:
		return StatusBusy
	case http.StatusBadRequest:
		return StatusBadRequest
	case http.StatusNotFound:
		return StatusNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return StatusForbidden
	default:
		return StatusUnexpected
	}
}

// Result describes one logical fetch.
type Result struct {
	Status     Status
	HTTPStatus int
	Attempts   int
	Body       []byte
}

// Err returns nil for StatusOK and a *FetchError otherwise.
func (r Result) Err() error {
	if r.Status == StatusOK {
		return nil
	}
	return &FetchError{Status: r.Status, HTTPStatus: r.HTTPStatus, Attempts: r.Attempts}
}

// FetchError is returned for every unsuccessful fetch.
type FetchError struct {
	Status     Status
	HTTPStatus int
	Attempts   int
}

func (e *FetchError) Error() string {
	msg := "fetch failed: " + e.Status.String()
	switch e.Status {
	case StatusBadRequest:
		msg += " (site is likely missing capacity)"
	case StatusNotFound:
		msg += " (site not found)"
	case StatusForbidden:
		msg += " (api key is invalid)"
	}
	if e.HTTPStatus != 0 {
		msg += fmt.Sprintf(", status %d", e.HTTPStatus)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	return msg
}

// StatusOf returns the status carried by err, StatusOK for nil and
// StatusUnexpected for any other error.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Status
	}
	return StatusUnexpected
}
