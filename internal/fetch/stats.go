package fetch

import "math"

// Stats holds aggregated figures derived from fetch history.
type Stats struct {
	url               string
	totalFetches      int
	successfulFetches int
	successRatio      float64
	failureRate       float64
	cacheHitRatio     float64
	avgLatency        float64 // milliseconds, network fetches only
	latencyStdDev     float64
	avgSize           float64
	networkFetches    int
	cachedFetches     int
}

// NewStats computes aggregated figures from a slice of fetch records.
// Returns ErrNoFetchData if records is empty.
//
// Latency figures only consider successful fetches that went over the network;
// cache hits would otherwise drag the average towards zero.
func NewStats(url string, records []Record) (Stats, error) {
	if len(records) == 0 {
		return Stats{}, ErrNoFetchData
	}

	total := len(records)
	successful := 0
	cached := 0
	var totalSize int64
	var latencies []float64

	for _, r := range records {
		if !r.Successful() {
			continue
		}
		successful++
		totalSize += int64(r.Size())
		if r.WasCached() {
			cached++
			continue
		}
		latencies = append(latencies, float64(r.Latency().Microseconds())/1000)
	}

	successRatio := float64(successful) / float64(total)

	var cacheHitRatio, avgSize float64
	if successful > 0 {
		cacheHitRatio = float64(cached) / float64(successful)
		avgSize = float64(totalSize) / float64(successful)
	}

	var avgLatency, stdDev float64
	if len(latencies) > 0 {
		var sum float64
		for _, l := range latencies {
			sum += l
		}
		avgLatency = sum / float64(len(latencies))

		var sumSquaredDiff float64
		for _, l := range latencies {
			diff := l - avgLatency
			sumSquaredDiff += diff * diff
		}
		stdDev = math.Sqrt(sumSquaredDiff / float64(len(latencies)))
	}

	return Stats{
		url:               url,
		totalFetches:      total,
		successfulFetches: successful,
		successRatio:      successRatio,
		failureRate:       1.0 - successRatio,
		cacheHitRatio:     cacheHitRatio,
		avgLatency:        avgLatency,
		latencyStdDev:     stdDev,
		avgSize:           avgSize,
		networkFetches:    len(latencies),
		cachedFetches:     cached,
	}, nil
}

// GroupByFetcher splits records by the backend that produced them, keeping order.
func GroupByFetcher(records []Record) map[string][]Record {
	groups := make(map[string][]Record)
	for _, r := range records {
		groups[r.FetcherName()] = append(groups[r.FetcherName()], r)
	}
	return groups
}

func (s Stats) URL() string            { return s.url }
func (s Stats) TotalFetches() int      { return s.totalFetches }
func (s Stats) SuccessfulFetches() int { return s.successfulFetches }
func (s Stats) SuccessRatio() float64  { return s.successRatio }
func (s Stats) FailureRate() float64   { return s.failureRate }
func (s Stats) CacheHitRatio() float64 { return s.cacheHitRatio }
func (s Stats) CachedFetches() int     { return s.cachedFetches }
func (s Stats) NetworkFetches() int    { return s.networkFetches }
func (s Stats) AvgLatency() float64    { return s.avgLatency }
func (s Stats) LatencyStdDev() float64 { return s.latencyStdDev }
func (s Stats) AvgSize() float64       { return s.avgSize }
