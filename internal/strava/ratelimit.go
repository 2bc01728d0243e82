package strava

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Strava rate limits:
// - 100 requests per 15 minutes
// - 1000 requests per day
//
// Hard limit violations come back as HTTP 429 and are handled by the sync
// loop; the limiter only spaces requests out and tracks the usage counters
// Strava reports, so the status surface can show remaining quota.

// RateLimiter spaces Strava API requests and mirrors the usage counters
// from response headers.
type RateLimiter struct {
	mu sync.Mutex

	// 15-minute window
	shortLimit int
	shortUsage int

	// Daily window
	dailyLimit int
	dailyUsage int

	// Minimum interval between requests
	minInterval time.Duration
	lastRequest time.Time
}

// NewRateLimiter creates a rate limiter with Strava's documented limits.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		shortLimit:  100,
		dailyLimit:  1000,
		minInterval: 150 * time.Millisecond, // ~6.6 req/s max
	}
}

// Wait blocks until the minimum spacing since the previous request has
// elapsed, or the context is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	elapsed := time.Since(r.lastRequest)
	if elapsed < r.minInterval {
		wait := r.minInterval - elapsed
		r.mu.Unlock()
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		r.mu.Lock()
	}
	r.lastRequest = time.Now()
	r.mu.Unlock()
	return nil
}

// UpdateFromHeaders updates rate limit state from Strava response headers.
// Strava returns: X-RateLimit-Limit: "100,1000" and X-RateLimit-Usage: "34,512"
func (r *RateLimiter) UpdateFromHeaders(h http.Header) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if usage := h.Get("X-RateLimit-Usage"); usage != "" {
		parts := strings.Split(usage, ",")
		if len(parts) >= 2 {
			if short, err := strconv.Atoi(strings.TrimSpace(parts[0])); err == nil {
				r.shortUsage = short
			}
			if daily, err := strconv.Atoi(strings.TrimSpace(parts[1])); err == nil {
				r.dailyUsage = daily
			}
		}
	}

	if limit := h.Get("X-RateLimit-Limit"); limit != "" {
		parts := strings.Split(limit, ",")
		if len(parts) >= 2 {
			if short, err := strconv.Atoi(strings.TrimSpace(parts[0])); err == nil {
				r.shortLimit = short
			}
			if daily, err := strconv.Atoi(strings.TrimSpace(parts[1])); err == nil {
				r.dailyLimit = daily
			}
		}
	}
}

// Status returns the remaining request budgets.
func (r *RateLimiter) Status() (shortRemaining, dailyRemaining int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shortLimit - r.shortUsage, r.dailyLimit - r.dailyUsage
}

// Usage returns current usage counts.
func (r *RateLimiter) Usage() (shortUsage, dailyUsage int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shortUsage, r.dailyUsage
}
