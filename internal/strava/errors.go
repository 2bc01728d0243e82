package strava

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind classifies API failures so callers can branch on the class of
// error instead of parsing message text.
type ErrorKind int

const (
	// KindTransient covers network failures and unexpected HTTP statuses.
	// Safe to skip the current item and continue.
	KindTransient ErrorKind = iota
	// KindAuth means the request was rejected for credential reasons
	// (401/403, or a failed token refresh). Not retried automatically.
	KindAuth
	// KindNotFound is an expected absence (404), e.g. an activity type
	// that has no streams.
	KindNotFound
	// KindRateLimited is HTTP 429. RetryAfter carries the wait hint.
	KindRateLimited
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "transient"
	}
}

// Default waits when Strava gives no usable Retry-After header. Hitting
// the 15-minute window (signaled by the X-RateLimit-Limit header) means
// waiting out the whole window.
const (
	defaultRetryAfter = 15 * time.Second
	windowRetryAfter  = 15 * time.Minute
)

// APIError is a classified Strava API failure.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	// RetryAfter is the provider's suggested wait, only set for
	// KindRateLimited.
	RetryAfter time.Duration
	Body       string
}

func (e *APIError) Error() string {
	switch e.Kind {
	case KindRateLimited:
		return fmt.Sprintf("strava: rate limited (retry after %s)", e.RetryAfter)
	case KindNotFound:
		return "strava: not found"
	case KindAuth:
		return fmt.Sprintf("strava: auth error (status %d)", e.StatusCode)
	default:
		return fmt.Sprintf("strava: API error %d: %s", e.StatusCode, e.Body)
	}
}

// classifyStatus turns a non-2xx response into an *APIError.
func classifyStatus(status int, header http.Header, body string) *APIError {
	e := &APIError{StatusCode: status, Body: body}
	switch {
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		e.RetryAfter = retryAfterHint(header)
	case status == http.StatusNotFound:
		e.Kind = KindNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindAuth
	default:
		e.Kind = KindTransient
	}
	return e
}

// retryAfterHint derives the wait duration from response headers.
// Strava sometimes sends Retry-After; when only the rate-limit window
// headers are present the short window has been exhausted and the full
// 15 minutes must pass.
func retryAfterHint(h http.Header) time.Duration {
	if ra := h.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if h.Get("X-RateLimit-Limit") != "" {
		return windowRetryAfter
	}
	return defaultRetryAfter
}

// IsNotFound reports whether err is an expected 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindNotFound
}

// IsAuthError reports whether err is a credential failure.
func IsAuthError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindAuth
}

// RateLimitWait returns the suggested wait and true when err is a rate
// limit rejection.
func RateLimitWait(err error) (time.Duration, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Kind == KindRateLimited {
		return apiErr.RetryAfter, true
	}
	return 0, false
}
