// Package cache is a durable, keyed cache of raw Strava API responses.
// Each entry is one JSON file whose name is derived deterministically from
// the endpoint and its parameters, so repeated identical requests map to
// the same file. Entry age is tracked by file modification time.
package cache

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Cache stores one file per cached response under dir.
type Cache struct {
	dir string
}

// New creates the cache directory if needed and returns a Cache over it.
func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	return &Cache{dir: dir}, nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Get returns the cached payload for endpoint+params if an entry exists and
// is younger than maxAge. Stale or unreadable entries report a miss.
func (c *Cache) Get(endpoint string, params url.Values, maxAge time.Duration) ([]byte, bool) {
	path := c.entryPath(endpoint, params)

	info, err := os.Stat(path)
	if err != nil {
		return nil, false
	}
	if time.Since(info.ModTime()) >= maxAge {
		return nil, false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return data, true
}

// Put stores or overwrites the entry for endpoint+params, regardless of any
// earlier entry's age. The write goes through a temp file and rename so a
// concurrent reader never sees a partial payload.
func (c *Cache) Put(endpoint string, params url.Values, payload []byte) error {
	path := c.entryPath(endpoint, params)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0644); err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming cache entry: %w", err)
	}
	return nil
}

// entryPath builds the deterministic file path for a request. Parameter
// pairs are sorted so equivalent queries share an entry, and slashes in the
// endpoint become underscores to keep the name flat.
func (c *Cache) entryPath(endpoint string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(endpoint)
	for _, k := range keys {
		b.WriteString("_")
		b.WriteString(k)
		b.WriteString("_")
		b.WriteString(params.Get(k))
	}

	name := strings.NewReplacer("/", "_", ",", "-").Replace(b.String())
	return filepath.Join(c.dir, name+".json")
}
