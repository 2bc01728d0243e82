package cache

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return c
}

func TestCachePutGet(t *testing.T) {
	c := newTestCache(t)
	params := url.Values{"page": {"1"}, "per_page": {"30"}}
	payload := []byte(`[{"id": 1}]`)

	if _, ok := c.Get("/athlete/activities", params, time.Hour); ok {
		t.Fatal("Get() hit before any Put()")
	}

	if err := c.Put("/athlete/activities", params, payload); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	got, ok := c.Get("/athlete/activities", params, time.Hour)
	if !ok {
		t.Fatal("Get() missed a fresh entry")
	}
	if string(got) != string(payload) {
		t.Errorf("Get() = %q, want %q", got, payload)
	}
}

func TestCacheExpiry(t *testing.T) {
	c := newTestCache(t)
	params := url.Values{"page": {"1"}}

	if err := c.Put("/athlete/activities", params, []byte("[]")); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	// Age the entry by backdating its modification time.
	path := c.entryPath("/athlete/activities", params)
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("Chtimes() error: %v", err)
	}

	if _, ok := c.Get("/athlete/activities", params, time.Hour); ok {
		t.Error("Get() hit an entry older than maxAge")
	}
	if _, ok := c.Get("/athlete/activities", params, 3*time.Hour); !ok {
		t.Error("Get() missed an entry younger than maxAge")
	}
}

func TestCacheOverwrite(t *testing.T) {
	c := newTestCache(t)
	params := url.Values{"page": {"1"}}

	if err := c.Put("/athlete/activities", params, []byte("old")); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if err := c.Put("/athlete/activities", params, []byte("new")); err != nil {
		t.Fatalf("second Put() error: %v", err)
	}

	got, ok := c.Get("/athlete/activities", params, time.Hour)
	if !ok {
		t.Fatal("Get() missed after overwrite")
	}
	if string(got) != "new" {
		t.Errorf("Get() = %q, want %q", got, "new")
	}
}

func TestCacheEntryPath(t *testing.T) {
	c := newTestCache(t)

	tests := []struct {
		name     string
		endpoint string
		params   url.Values
		want     string
	}{
		{
			name:     "slashes flattened",
			endpoint: "/activities/123/streams",
			params:   nil,
			want:     "_activities_123_streams.json",
		},
		{
			name:     "params sorted by key",
			endpoint: "/athlete/activities",
			params:   url.Values{"per_page": {"30"}, "page": {"2"}},
			want:     "_athlete_activities_page_2_per_page_30.json",
		},
		{
			name:     "commas replaced",
			endpoint: "/activities/9/streams",
			params:   url.Values{"keys": {"time,heartrate"}},
			want:     "_activities_9_streams_keys_time-heartrate.json",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := filepath.Base(c.entryPath(tt.endpoint, tt.params))
			if got != tt.want {
				t.Errorf("entryPath() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCacheParamOrderIrrelevant(t *testing.T) {
	c := newTestCache(t)

	a := c.entryPath("/athlete/activities", url.Values{"a": {"1"}, "b": {"2"}})
	b := c.entryPath("/athlete/activities", url.Values{"b": {"2"}, "a": {"1"}})
	if a != b {
		t.Errorf("entryPath() differs for equivalent params: %q vs %q", a, b)
	}
}

func TestCacheNoTempFilesLeftBehind(t *testing.T) {
	c := newTestCache(t)
	if err := c.Put("/athlete/activities", nil, []byte("[]")); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	entries, err := os.ReadDir(c.Dir())
	if err != nil {
		t.Fatalf("ReadDir() error: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file %q left behind after Put()", e.Name())
		}
	}
}
