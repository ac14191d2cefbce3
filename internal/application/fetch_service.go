package application

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alorle/image-fetcher/internal/fetch"
	"github.com/alorle/image-fetcher/internal/port/driven"
	"github.com/alorle/image-fetcher/metrics"
)

const defaultFetchConcurrency = 4

// BackendResult pairs a fetch result with the registry key of the backend
// that produced it.
type BackendResult struct {
	Backend string
	Result  fetch.Result
}

// Comparison is the outcome of fetching one URL through several backends.
type Comparison struct {
	URL     string
	Results []BackendResult
	// ContentEqual is true when at least two backends succeeded and all
	// successful results carry byte-identical content.
	ContentEqual bool
}

// fetcherHolder lets an interface value live behind an atomic.Pointer.
type fetcherHolder struct {
	fetcher driven.ImageFetcher
}

// FetchService routes fetch calls to the active backend and keeps fetch history.
type FetchService struct {
	active atomic.Pointer[fetcherHolder]

	mu       sync.RWMutex
	backends map[string]driven.ImageFetcher

	repo        driven.FetchRecordRepository
	logger      *slog.Logger
	window      time.Duration
	retention   time.Duration
	concurrency int
	now         func() time.Time
}

// NewFetchService creates a new FetchService serving calls with initial until
// SetFetcher swaps it. window bounds the history used by Stats, retention the
// history kept by Cleanup, and concurrency the parallelism of FetchAll.
func NewFetchService(
	initial driven.ImageFetcher,
	repo driven.FetchRecordRepository,
	logger *slog.Logger,
	window time.Duration,
	retention time.Duration,
	concurrency int,
) *FetchService {
	if concurrency <= 0 {
		concurrency = defaultFetchConcurrency
	}
	s := &FetchService{
		backends:    make(map[string]driven.ImageFetcher),
		repo:        repo,
		logger:      logger,
		window:      window,
		retention:   retention,
		concurrency: concurrency,
		now:         time.Now,
	}
	s.SetFetcher(initial)
	return s
}

// Register makes a backend selectable by key for FetchWith and Compare.
func (s *FetchService) Register(key string, f driven.ImageFetcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backends[key] = f
}

// Backend returns the registered backend for key.
func (s *FetchService) Backend(key string) (driven.ImageFetcher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.backends[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", fetch.ErrUnknownBackend, key)
	}
	return f, nil
}

// Backends returns the registered backend keys in sorted order.
func (s *FetchService) Backends() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.backends))
}

// SetFetcher atomically replaces the active backend. Calls already running
// finish on the backend they started with.
func (s *FetchService) SetFetcher(f driven.ImageFetcher) {
	previous := s.active.Swap(&fetcherHolder{fetcher: f})
	metrics.SetActiveFetcher(f.Name())

	if previous != nil {
		s.logger.Info("active image fetcher changed", "from", previous.fetcher.Name(), "to", f.Name())
	}
}

// Fetcher returns the active backend.
func (s *FetchService) Fetcher() driven.ImageFetcher {
	return s.active.Load().fetcher
}

// Fetch downloads rawURL with the active backend.
func (s *FetchService) Fetch(ctx context.Context, rawURL string, opts fetch.Options) fetch.Result {
	return s.fetchWith(ctx, s.Fetcher(), rawURL, opts)
}

// FetchWith downloads rawURL with the backend registered under key.
func (s *FetchService) FetchWith(ctx context.Context, key, rawURL string, opts fetch.Options) (fetch.Result, error) {
	f, err := s.Backend(key)
	if err != nil {
		return fetch.Result{}, err
	}
	return s.fetchWith(ctx, f, rawURL, opts), nil
}

// FetchAsync starts a fetch with the active backend and returns immediately.
// The channel receives exactly one result and is then closed.
func (s *FetchService) FetchAsync(ctx context.Context, rawURL string, opts fetch.Options) <-chan fetch.Result {
	f := s.Fetcher()
	out := make(chan fetch.Result, 1)
	go func() {
		defer close(out)
		out <- s.fetchWith(ctx, f, rawURL, opts)
	}()
	return out
}

// FetchAll downloads every URL with the active backend, running at most the
// configured number of fetches at once. Results keep the order of rawURLs.
func (s *FetchService) FetchAll(ctx context.Context, rawURLs []string, opts fetch.Options) []fetch.Result {
	f := s.Fetcher()
	results := make([]fetch.Result, len(rawURLs))

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, rawURL := range rawURLs {
		g.Go(func() error {
			results[i] = s.fetchWith(ctx, f, rawURL, opts)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Compare fetches rawURL through the given backends concurrently, or through
// every registered backend when keys is empty. The cache is never bypassed so
// a repeat comparison shows the effect of caching.
func (s *FetchService) Compare(ctx context.Context, rawURL string, keys ...string) (Comparison, error) {
	if len(keys) == 0 {
		keys = s.Backends()
	}

	fetchers := make([]driven.ImageFetcher, len(keys))
	for i, key := range keys {
		f, err := s.Backend(key)
		if err != nil {
			return Comparison{}, err
		}
		fetchers[i] = f
	}

	results := make([]BackendResult, len(keys))
	var g errgroup.Group
	for i, f := range fetchers {
		g.Go(func() error {
			results[i] = BackendResult{
				Backend: keys[i],
				Result:  s.fetchWith(ctx, f, rawURL, fetch.Options{}),
			}
			return nil
		})
	}
	_ = g.Wait()

	return Comparison{
		URL:          rawURL,
		Results:      results,
		ContentEqual: contentEqual(results),
	}, nil
}

func contentEqual(results []BackendResult) bool {
	var reference []byte
	successful := 0
	for _, r := range results {
		if !r.Result.Successful() {
			continue
		}
		successful++
		if successful == 1 {
			reference = r.Result.Content()
			continue
		}
		if !bytes.Equal(reference, r.Result.Content()) {
			return false
		}
	}
	return successful >= 2
}

// History returns every recorded fetch of rawURL, most recent first.
func (s *FetchService) History(ctx context.Context, rawURL string) ([]fetch.Record, error) {
	rawURL = strings.TrimSpace(rawURL)
	records, err := s.repo.FindByURL(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}
	return records, nil
}

// Stats aggregates the fetches of rawURL within the rolling window.
// Returns fetch.ErrNoFetchData if there are none.
func (s *FetchService) Stats(ctx context.Context, rawURL string) (fetch.Stats, error) {
	rawURL = strings.TrimSpace(rawURL)
	records, err := s.windowRecords(ctx, rawURL)
	if err != nil {
		return fetch.Stats{}, err
	}
	return fetch.NewStats(rawURL, records)
}

// StatsByFetcher aggregates the fetches of rawURL within the rolling window,
// separately for each backend. Returns fetch.ErrNoFetchData if there are none.
func (s *FetchService) StatsByFetcher(ctx context.Context, rawURL string) (map[string]fetch.Stats, error) {
	rawURL = strings.TrimSpace(rawURL)
	records, err := s.windowRecords(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fetch.ErrNoFetchData
	}

	groups := fetch.GroupByFetcher(records)
	stats := make(map[string]fetch.Stats, len(groups))
	for name, group := range groups {
		st, err := fetch.NewStats(rawURL, group)
		if err != nil {
			return nil, err
		}
		stats[name] = st
	}
	return stats, nil
}

func (s *FetchService) windowRecords(ctx context.Context, rawURL string) ([]fetch.Record, error) {
	since := s.now().Add(-s.window)
	records, err := s.repo.FindByURLSince(ctx, rawURL, since)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}
	return records, nil
}

// Cleanup removes fetch history older than the retention period.
func (s *FetchService) Cleanup(ctx context.Context) error {
	cutoff := s.now().Add(-s.retention)
	if err := s.repo.DeleteBefore(ctx, cutoff); err != nil {
		return fmt.Errorf("failed to clean up fetch history: %w", err)
	}
	s.logger.Debug("fetch history cleaned up", "before", cutoff)
	return nil
}

// fetchWith runs one fetch, observes it and records it. History errors are
// logged and never change the result.
func (s *FetchService) fetchWith(ctx context.Context, f driven.ImageFetcher, rawURL string, opts fetch.Options) fetch.Result {
	result := f.Fetch(ctx, rawURL, opts)
	metrics.RecordFetch(result.FetcherName(), result.Successful(), result.Latency(), result.Size(), result.WasCached())

	if _, err := fetch.ParseURL(rawURL); err != nil {
		return result
	}

	record, err := fetch.NewRecord(rawURL, s.now(), opts, result)
	if err != nil {
		s.logger.Warn("failed to create fetch record", "url", rawURL, "error", err)
		return result
	}
	if err := s.repo.Save(context.WithoutCancel(ctx), record); err != nil {
		s.logger.Warn("failed to save fetch record", "url", rawURL, "error", err)
	}

	return result
}
