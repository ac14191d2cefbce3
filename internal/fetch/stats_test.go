package fetch

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestNewStats_Empty(t *testing.T) {
	_, err := NewStats("https://example.com/a.jpg", nil)
	if !errors.Is(err, ErrNoFetchData) {
		t.Errorf("expected ErrNoFetchData, got %v", err)
	}
}

func TestNewStats_Mixed(t *testing.T) {
	now := time.Now()
	u := "https://example.com/a.jpg"
	records := []Record{
		ReconstructRecord("1", u, now, "native", true, 100*time.Millisecond, false, 1000, false),
		ReconstructRecord("2", u, now.Add(-time.Minute), "accel", true, 300*time.Millisecond, false, 1000, false),
		ReconstructRecord("3", u, now.Add(-2*time.Minute), "accel", true, time.Millisecond, true, 1000, false),
		ReconstructRecord("4", u, now.Add(-3*time.Minute), "accel", false, 0, false, 0, false),
	}

	s, err := NewStats(u, records)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if s.URL() != u {
		t.Errorf("URL() = %q, want %q", s.URL(), u)
	}
	if s.TotalFetches() != 4 {
		t.Errorf("TotalFetches() = %d, want 4", s.TotalFetches())
	}
	if s.SuccessfulFetches() != 3 {
		t.Errorf("SuccessfulFetches() = %d, want 3", s.SuccessfulFetches())
	}
	if s.SuccessRatio() != 0.75 {
		t.Errorf("SuccessRatio() = %f, want 0.75", s.SuccessRatio())
	}
	if s.FailureRate() != 0.25 {
		t.Errorf("FailureRate() = %f, want 0.25", s.FailureRate())
	}
	if s.CachedFetches() != 1 {
		t.Errorf("CachedFetches() = %d, want 1", s.CachedFetches())
	}
	if s.NetworkFetches() != 2 {
		t.Errorf("NetworkFetches() = %d, want 2", s.NetworkFetches())
	}
	if math.Abs(s.CacheHitRatio()-1.0/3.0) > 1e-9 {
		t.Errorf("CacheHitRatio() = %f, want %f", s.CacheHitRatio(), 1.0/3.0)
	}
	// Cache hits are excluded: (100+300)/2 = 200 ms, stddev 100 ms
	if s.AvgLatency() != 200.0 {
		t.Errorf("AvgLatency() = %f, want 200", s.AvgLatency())
	}
	if s.LatencyStdDev() != 100.0 {
		t.Errorf("LatencyStdDev() = %f, want 100", s.LatencyStdDev())
	}
	if s.AvgSize() != 1000.0 {
		t.Errorf("AvgSize() = %f, want 1000", s.AvgSize())
	}
}

func TestNewStats_AllFailed(t *testing.T) {
	u := "https://example.com/a.jpg"
	records := []Record{
		ReconstructRecord("1", u, time.Now(), "native", false, 0, false, 0, false),
		ReconstructRecord("2", u, time.Now(), "accel", false, 0, true, 0, true),
	}

	s, err := NewStats(u, records)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.SuccessRatio() != 0 || s.FailureRate() != 1 {
		t.Errorf("SuccessRatio()/FailureRate() = %f/%f, want 0/1", s.SuccessRatio(), s.FailureRate())
	}
	if s.AvgLatency() != 0 || s.CacheHitRatio() != 0 || s.AvgSize() != 0 {
		t.Error("averages should be zero when nothing succeeded")
	}
}

func TestGroupByFetcher(t *testing.T) {
	u := "https://example.com/a.jpg"
	records := []Record{
		ReconstructRecord("1", u, time.Now(), "native", true, time.Millisecond, false, 1, false),
		ReconstructRecord("2", u, time.Now(), "accel", true, time.Millisecond, false, 1, false),
		ReconstructRecord("3", u, time.Now(), "native", false, 0, false, 0, false),
	}

	groups := GroupByFetcher(records)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if len(groups["native"]) != 2 || groups["native"][0].ID() != "1" || groups["native"][1].ID() != "3" {
		t.Errorf("native group wrong: %+v", groups["native"])
	}
	if len(groups["accel"]) != 1 {
		t.Errorf("accel group wrong: %+v", groups["accel"])
	}
}
