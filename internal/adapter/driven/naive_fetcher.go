package driven

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/alorle/image-fetcher/internal/fetch"
	"github.com/alorle/image-fetcher/metrics"
)

const (
	NaiveFetcherName = "Native Image Downloader"
	naiveBufferSize  = 8 * 1024
)

// imageAcceptHeader is sent by both backends so they ask servers for the same representation.
const imageAcceptHeader = "image/avif,image/webp,image/*,*/*;q=0.8"

// NaiveFetcher downloads images with a plain HTTP client and no cache.
// It implements the driven.ImageFetcher port.
type NaiveFetcher struct {
	client *http.Client
	logger *slog.Logger
}

// NewNaiveFetcher creates a naive fetcher.
// If client is nil, it creates a default HTTP client. No timeout is set on it:
// deadlines come from the context passed to Fetch.
func NewNaiveFetcher(client *http.Client, logger *slog.Logger) *NaiveFetcher {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NaiveFetcher{
		client: client,
		logger: logger,
	}
}

func (f *NaiveFetcher) Name() string { return NaiveFetcherName }

// Fetch downloads rawURL into memory. The clock starts just before the
// connection is opened and stops once the whole body is buffered.
// The naive backend never reports a cache hit and ignores opts.
func (f *NaiveFetcher) Fetch(ctx context.Context, rawURL string, _ fetch.Options) fetch.Result {
	u, err := fetch.ParseURL(rawURL)
	if err != nil {
		return f.fail(rawURL, err)
	}

	start := time.Now()
	content, err := f.download(ctx, u.String())
	if err != nil {
		return f.fail(rawURL, err)
	}
	latency := time.Since(start)

	return fetch.Succeeded(content, latency, false, NaiveFetcherName)
}

func (f *NaiveFetcher) download(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	req.Header.Set("Accept", imageAcceptHeader)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("%w: %s", fetch.ErrUnexpectedStatus, resp.Status)
	}

	var out bytes.Buffer
	buf := make([]byte, naiveBufferSize)
	for {
		n, err := resp.Body.Read(buf)
		out.Write(buf[:n])
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading response body: %w", err)
		}
	}

	return out.Bytes(), nil
}

func (f *NaiveFetcher) fail(rawURL string, err error) fetch.Result {
	kind := fetch.Classify(err)
	f.logger.Debug("image fetch failed", "fetcher", NaiveFetcherName, "url", rawURL, "kind", kind, "error", err)
	metrics.RecordFetchError(NaiveFetcherName, string(kind))
	return fetch.Failed(false, NaiveFetcherName)
}
