package driven

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alorle/image-fetcher/internal/fetch"
	"github.com/alorle/image-fetcher/internal/netstack"
	"github.com/alorle/image-fetcher/metrics"
)

const AcceleratedFetcherName = "Accelerated Image Downloader"

// AcceleratedFetcher downloads images through the shared network stack, which
// brings connection pooling, HTTP/2 and the response cache.
// It implements the driven.ImageFetcher port.
type AcceleratedFetcher struct {
	engine   *netstack.Engine
	executor *netstack.SerialExecutor
	logger   *slog.Logger
}

// NewAcceleratedFetcher creates a fetcher on top of engine. The fetcher owns a
// serial executor for request callbacks; call Close once no Fetch is running.
func NewAcceleratedFetcher(engine *netstack.Engine, logger *slog.Logger) (*AcceleratedFetcher, error) {
	if engine == nil {
		return nil, errors.New("engine cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AcceleratedFetcher{
		engine:   engine,
		executor: netstack.NewSerialExecutor(logger),
		logger:   logger,
	}, nil
}

func (f *AcceleratedFetcher) Name() string { return AcceleratedFetcherName }

// Fetch downloads rawURL into memory and blocks until the request reaches a
// terminal state or ctx is done. With opts.BypassCache the request neither
// reads from nor writes to the response cache.
func (f *AcceleratedFetcher) Fetch(ctx context.Context, rawURL string, opts fetch.Options) fetch.Result {
	u, err := fetch.ParseURL(rawURL)
	if err != nil {
		return f.fail(rawURL, err)
	}
	if err := ctx.Err(); err != nil {
		return f.fail(rawURL, err)
	}

	start := time.Now()
	callback := newReadToMemoryCallback(u.String(), start, f.logger)

	builder := f.engine.NewRequest(u.String(), callback, f.executor).
		AddHeader("Accept", imageAcceptHeader)
	if opts.BypassCache {
		builder.DisableCache()
	}
	req, err := builder.Build()
	if err != nil {
		return f.fail(rawURL, err)
	}
	req.Start()

	select {
	case result := <-callback.done:
		return result
	case <-ctx.Done():
		// Cancel makes the request settle promptly. The callback's own result
		// carries the cache flag of a response that had already started, or a
		// success that won the race against the cancellation.
		req.Cancel()
		result := <-callback.done
		if !result.Successful() {
			f.logFailure(rawURL, ctx.Err())
		}
		return result
	}
}

// Close stops the callback executor. The shared engine is left running.
func (f *AcceleratedFetcher) Close() {
	f.executor.Close()
}

func (f *AcceleratedFetcher) fail(rawURL string, err error) fetch.Result {
	f.logFailure(rawURL, err)
	return fetch.Failed(false, AcceleratedFetcherName)
}

func (f *AcceleratedFetcher) logFailure(rawURL string, err error) {
	kind := fetch.Classify(err)
	f.logger.Warn("image fetch failed", "fetcher", AcceleratedFetcherName, "url", rawURL, "kind", kind, "error", err)
	metrics.RecordFetchError(AcceleratedFetcherName, string(kind))
}
