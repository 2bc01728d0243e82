package strava

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"
)

const BaseURL = "https://www.strava.com/api/v3"

// Response cache TTLs by call class. Listings change as new workouts land;
// detail and stream payloads are immutable once recorded.
const (
	ListTTL   = time.Hour
	DetailTTL = 24 * time.Hour
)

// TokenProvider supplies a valid access token, refreshing first when the
// current one has expired.
type TokenProvider interface {
	EnsureValid(ctx context.Context) (*oauth2.Token, error)
}

// ResponseCache is consulted before any network call; a hit short-circuits
// I/O entirely. Implementations must never return entries older than maxAge.
type ResponseCache interface {
	Get(endpoint string, params url.Values, maxAge time.Duration) ([]byte, bool)
	Put(endpoint string, params url.Values, payload []byte) error
}

// Client is a Strava API client
type Client struct {
	baseURL     string
	httpClient  *http.Client
	tokens      TokenProvider
	cache       ResponseCache
	rateLimiter *RateLimiter
}

// NewClient creates a new Strava API client
func NewClient(tokens TokenProvider, cache ResponseCache) *Client {
	return &Client{
		baseURL:     BaseURL,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		tokens:      tokens,
		cache:       cache,
		rateLimiter: NewRateLimiter(),
	}
}

// SetBaseURL overrides the API base URL. Used in tests.
func (c *Client) SetBaseURL(u string) {
	c.baseURL = u
}

// ListActivities fetches a single page of the athlete's activities,
// newest first. The caller drives pagination.
func (c *Client) ListActivities(ctx context.Context, page, perPage int) ([]Activity, error) {
	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	params.Set("per_page", strconv.Itoa(perPage))

	data, err := c.get(ctx, "/athlete/activities", params, ListTTL)
	if err != nil {
		return nil, err
	}

	var activities []Activity
	if err := json.Unmarshal(data, &activities); err != nil {
		return nil, fmt.Errorf("decoding activities: %w", err)
	}
	return activities, nil
}

// GetActivity fetches full detail for one activity. A 404 surfaces as an
// *APIError with KindNotFound.
func (c *Client) GetActivity(ctx context.Context, id int64) (*Activity, error) {
	data, err := c.get(ctx, fmt.Sprintf("/activities/%d", id), nil, DetailTTL)
	if err != nil {
		return nil, err
	}

	var activity Activity
	if err := json.Unmarshal(data, &activity); err != nil {
		return nil, fmt.Errorf("decoding activity %d: %w", id, err)
	}
	return &activity, nil
}

// GetActivityStreams fetches detailed stream data for an activity.
// Returns (nil, nil) when Strava has no streams for it (404), which is an
// expected condition for some activity types, not a failure.
func (c *Client) GetActivityStreams(ctx context.Context, id int64) (*Streams, error) {
	params := url.Values{}
	params.Set("keys", "time,distance,latlng,altitude,velocity_smooth,heartrate,cadence,watts,grade_smooth")
	params.Set("key_by_type", "true")

	data, err := c.get(ctx, fmt.Sprintf("/activities/%d/streams", id), params, DetailTTL)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var streams Streams
	if err := json.Unmarshal(data, &streams); err != nil {
		return nil, fmt.Errorf("decoding streams for %d: %w", id, err)
	}
	return &streams, nil
}

// RateLimitStatus returns the current rate limit status
func (c *Client) RateLimitStatus() (shortRemaining, dailyRemaining int) {
	return c.rateLimiter.Status()
}

// get performs a cached, authenticated GET. Cache hits bypass the network
// and the token check entirely.
func (c *Client) get(ctx context.Context, path string, params url.Values, ttl time.Duration) ([]byte, error) {
	if c.cache != nil {
		if data, ok := c.cache.Get(path, params, ttl); ok {
			return data, nil
		}
	}

	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	token, err := c.tokens.EnsureValid(ctx)
	if err != nil {
		return nil, fmt.Errorf("ensuring valid token: %w", err)
	}

	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, err
	}
	token.SetAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	c.rateLimiter.UpdateFromHeaders(resp.Header)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", path, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, resp.Header, string(body))
	}

	if c.cache != nil {
		if err := c.cache.Put(path, params, body); err != nil {
			slog.Warn("caching response failed", "endpoint", path, "error", err)
		}
	}

	return body, nil
}
