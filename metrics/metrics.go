package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FetchesTotal tracks completed fetch calls by backend and outcome
	FetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "image_fetch_total",
		Help: "Total number of completed image fetch calls",
	}, []string{"fetcher", "outcome"})

	// FetchLatency tracks the latency of successful fetch calls
	FetchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "image_fetch_latency_seconds",
		Help:    "Latency of successful image fetch calls",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
	}, []string{"fetcher"})

	// FetchCacheHits tracks successful fetch calls served from a local cache
	FetchCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "image_fetch_cache_hits_total",
		Help: "Total number of image fetch calls served from cache",
	}, []string{"fetcher"})

	// FetchBytes tracks content bytes returned to callers
	FetchBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "image_fetch_bytes_total",
		Help: "Total number of content bytes returned by image fetch calls",
	}, []string{"fetcher"})

	// FetchErrors tracks failures by backend and error kind
	FetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "image_fetch_errors_total",
		Help: "Total number of failed image fetch calls by error kind",
	}, []string{"fetcher", "kind"})

	// ActiveFetcher is 1 for the backend currently serving fetch calls
	ActiveFetcher = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "image_fetch_active_fetcher",
		Help: "Backend currently serving image fetch calls (1=active)",
	}, []string{"fetcher"})

	// CacheLookups tracks network stack cache lookups by outcome
	// (hit, miss, revalidated, bypass)
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netstack_cache_lookups_total",
		Help: "Total number of response cache lookups by outcome",
	}, []string{"outcome"})

	// CacheEntries tracks the number of entries in the response cache
	CacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netstack_cache_entries",
		Help: "Number of entries in the response cache",
	})

	// Redirects tracks redirects received by the network stack
	Redirects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netstack_redirects_total",
		Help: "Total number of redirects received by the network stack",
	})
)

// RecordFetch records the outcome of one fetch call
func RecordFetch(fetcher string, successful bool, latency time.Duration, size int, wasCached bool) {
	if !successful {
		FetchesTotal.WithLabelValues(fetcher, "failure").Inc()
		return
	}
	FetchesTotal.WithLabelValues(fetcher, "success").Inc()
	FetchLatency.WithLabelValues(fetcher).Observe(latency.Seconds())
	FetchBytes.WithLabelValues(fetcher).Add(float64(size))
	if wasCached {
		FetchCacheHits.WithLabelValues(fetcher).Inc()
	}
}

// RecordFetchError increments the error counter for a backend and error kind
func RecordFetchError(fetcher, kind string) {
	FetchErrors.WithLabelValues(fetcher, kind).Inc()
}

// SetActiveFetcher marks fetcher as the only active backend
func SetActiveFetcher(fetcher string) {
	ActiveFetcher.Reset()
	ActiveFetcher.WithLabelValues(fetcher).Set(1)
}

// RecordCacheLookup increments the cache lookup counter for an outcome
func RecordCacheLookup(outcome string) {
	CacheLookups.WithLabelValues(outcome).Inc()
}

// SetCacheEntries sets the number of entries in the response cache
func SetCacheEntries(count int) {
	CacheEntries.Set(float64(count))
}

// RecordRedirect increments the redirect counter
func RecordRedirect() {
	Redirects.Inc()
}
