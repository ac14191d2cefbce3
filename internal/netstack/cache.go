package netstack

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CacheMode selects where the engine keeps cached responses.
type CacheMode int

const (
	CacheDisabled CacheMode = iota
	CacheInMemory
	CacheDisk
)

func (m CacheMode) String() string {
	switch m {
	case CacheInMemory:
		return "memory"
	case CacheDisk:
		return "disk"
	default:
		return "disabled"
	}
}

// ParseCacheMode converts a config string into a CacheMode.
func ParseCacheMode(s string) (CacheMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "disabled", "none", "off":
		return CacheDisabled, nil
	case "memory", "in-memory", "in_memory":
		return CacheInMemory, nil
	case "disk":
		return CacheDisk, nil
	default:
		return CacheDisabled, fmt.Errorf("unknown cache mode %q (expected disabled, memory or disk)", s)
	}
}

// CachedResponse is a stored 200 response.
type CachedResponse struct {
	URL        string
	StatusCode int
	Proto      string
	Header     http.Header
	Body       []byte
	StoredAt   time.Time
	Lifetime   time.Duration
}

// Size approximates the memory held by the entry.
func (c *CachedResponse) Size() int64 {
	size := int64(len(c.Body) + len(c.URL) + len(c.Proto))
	for k, vs := range c.Header {
		size += int64(len(k))
		for _, v := range vs {
			size += int64(len(v))
		}
	}
	return size
}

// Fresh reports whether the entry can be served without contacting the origin.
func (c *CachedResponse) Fresh(now time.Time) bool {
	return now.Sub(c.StoredAt)+initialAge(c.Header) < c.Lifetime
}

// CanRevalidate reports whether a conditional request can refresh the entry.
func (c *CachedResponse) CanRevalidate() bool {
	return c.Header.Get("ETag") != "" || c.Header.Get("Last-Modified") != ""
}

// ResponseCache stores responses keyed by request URL. Implementations must be
// safe for concurrent use.
type ResponseCache interface {
	Get(key string) (*CachedResponse, bool)
	Put(key string, resp *CachedResponse) error
	Delete(key string) error
	Len() int
	// MaxBytes is the total budget; larger single entries are never stored.
	MaxBytes() int64
}

type cacheControl map[string]string

func parseCacheControl(h http.Header) cacheControl {
	cc := cacheControl{}
	for _, line := range h.Values("Cache-Control") {
		for _, part := range strings.Split(line, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			name, value, _ := strings.Cut(part, "=")
			cc[strings.ToLower(strings.TrimSpace(name))] = strings.Trim(strings.TrimSpace(value), `"`)
		}
	}
	return cc
}

func (cc cacheControl) has(directive string) bool {
	_, ok := cc[directive]
	return ok
}

func (cc cacheControl) seconds(directive string) (time.Duration, bool) {
	v, ok := cc[directive]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

// storable reports whether a response may be written to a private cache.
func storable(req *http.Request, resp *http.Response) bool {
	if req.Method != http.MethodGet || resp.StatusCode != http.StatusOK {
		return false
	}
	if resp.Header.Get("Vary") == "*" {
		return false
	}
	reqCC := parseCacheControl(req.Header)
	respCC := parseCacheControl(resp.Header)
	if reqCC.has("no-store") || respCC.has("no-store") {
		return false
	}
	lifetime := freshnessLifetime(resp.Header, time.Now())
	return lifetime > 0 || resp.Header.Get("ETag") != "" || resp.Header.Get("Last-Modified") != ""
}

// freshnessLifetime follows RFC 9111 section 4.2.1 for a private cache.
func freshnessLifetime(h http.Header, now time.Time) time.Duration {
	cc := parseCacheControl(h)
	if cc.has("no-cache") {
		return 0
	}
	if maxAge, ok := cc.seconds("max-age"); ok {
		return maxAge
	}

	date := now
	if d, err := http.ParseTime(h.Get("Date")); err == nil {
		date = d
	}

	if expires := h.Get("Expires"); expires != "" {
		t, err := http.ParseTime(expires)
		if err != nil {
			return 0
		}
		if t.Before(date) {
			return 0
		}
		return t.Sub(date)
	}

	// Heuristic freshness: 10% of the time since last modification.
	if lm, err := http.ParseTime(h.Get("Last-Modified")); err == nil && lm.Before(date) {
		return date.Sub(lm) / 10
	}

	return 0
}

func initialAge(h http.Header) time.Duration {
	v := h.Get("Age")
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

// mergeRevalidated applies the headers of a 304 onto a stored entry.
func mergeRevalidated(entry *CachedResponse, notModified http.Header, now time.Time) *CachedResponse {
	merged := entry.Header.Clone()
	for k, vs := range notModified {
		switch http.CanonicalHeaderKey(k) {
		case "Content-Length", "Content-Encoding", "Transfer-Encoding", "Content-Type":
			continue
		}
		merged[k] = append([]string(nil), vs...)
	}
	merged.Del("Age")
	if notModified.Get("Age") != "" {
		merged.Set("Age", notModified.Get("Age"))
	}

	return &CachedResponse{
		URL:        entry.URL,
		StatusCode: entry.StatusCode,
		Proto:      entry.Proto,
		Header:     merged,
		Body:       entry.Body,
		StoredAt:   now,
		Lifetime:   freshnessLifetime(merged, now),
	}
}
