package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func scrape(t *testing.T) string {
	t.Helper()

	server := httptest.NewServer(promhttp.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("Failed to get metrics: %v", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			t.Errorf("failed to close response body: %v", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	return string(body)
}

func TestMetricsEndpoint(t *testing.T) {
	// Initialize metrics - including vector metrics to ensure they appear
	RecordFetch("init", true, time.Millisecond, 1, true)
	RecordFetch("init", false, 0, 0, false)
	RecordFetchError("init", "transport")
	SetActiveFetcher("init")
	RecordCacheLookup("init")
	SetCacheEntries(0)
	RecordRedirect()

	output := scrape(t)

	expectedMetrics := []string{
		"image_fetch_total",
		"image_fetch_latency_seconds",
		"image_fetch_cache_hits_total",
		"image_fetch_bytes_total",
		"image_fetch_errors_total",
		"image_fetch_active_fetcher",
		"netstack_cache_lookups_total",
		"netstack_cache_entries",
		"netstack_redirects_total",
	}

	for _, metric := range expectedMetrics {
		if !strings.Contains(output, metric) {
			t.Errorf("Expected metric %s not found in output", metric)
		}
	}
}

func TestMetricsValues(t *testing.T) {
	RecordFetch("values-test", true, 20*time.Millisecond, 10, false)
	RecordFetch("values-test", false, 0, 0, false)
	SetCacheEntries(7)

	output := scrape(t)

	tests := []struct {
		name     string
		contains string
	}{
		{"success", `image_fetch_total{fetcher="values-test",outcome="success"} 1`},
		{"failure", `image_fetch_total{fetcher="values-test",outcome="failure"} 1`},
		{"bytes", `image_fetch_bytes_total{fetcher="values-test"} 10`},
		{"cache_entries", "netstack_cache_entries 7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !strings.Contains(output, tt.contains) {
				t.Errorf("Expected to find %s in output", tt.contains)
			}
		})
	}
}

func TestSetActiveFetcher(t *testing.T) {
	SetActiveFetcher("Native Image Downloader")
	SetActiveFetcher("Accelerated Image Downloader")

	output := scrape(t)

	if !strings.Contains(output, `image_fetch_active_fetcher{fetcher="Accelerated Image Downloader"} 1`) {
		t.Error("expected accelerated fetcher to be active")
	}
	if strings.Contains(output, `image_fetch_active_fetcher{fetcher="Native Image Downloader"}`) {
		t.Error("expected previous fetcher to be cleared")
	}
}

func TestCacheHitsOnlyCountCachedSuccesses(t *testing.T) {
	RecordFetch("hits-test", true, time.Millisecond, 5, true)
	RecordFetch("hits-test", true, time.Millisecond, 5, false)
	RecordFetch("hits-test", false, 0, 0, true)

	output := scrape(t)

	if !strings.Contains(output, `image_fetch_cache_hits_total{fetcher="hits-test"} 1`) {
		t.Error("expected exactly one cache hit")
	}
}
