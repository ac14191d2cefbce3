package driven

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/alorle/image-fetcher/internal/fetch"
	"github.com/alorle/image-fetcher/internal/netstack"
	"github.com/alorle/image-fetcher/metrics"
)

const acceleratedBufferSize = 64 * 1024

// readToMemoryCallback drains one request into an in-memory sink and resolves
// exactly one Result on done. A fresh callback is created for every fetch call;
// all of its methods run on the fetcher's executor.
type readToMemoryCallback struct {
	url    string
	start  time.Time
	logger *slog.Logger

	sink bytes.Buffer
	buf  []byte

	once sync.Once
	done chan fetch.Result
}

func newReadToMemoryCallback(rawURL string, start time.Time, logger *slog.Logger) *readToMemoryCallback {
	return &readToMemoryCallback{
		url:    rawURL,
		start:  start,
		logger: logger,
		done:   make(chan fetch.Result, 1),
	}
}

func (c *readToMemoryCallback) OnRedirectReceived(req *netstack.Request, _ *netstack.ResponseInfo, _ string) {
	req.FollowRedirect()
}

func (c *readToMemoryCallback) OnResponseStarted(req *netstack.Request, info *netstack.ResponseInfo) {
	if info.StatusCode >= http.StatusBadRequest {
		c.fail(info, fmt.Errorf("%w: %d %s", fetch.ErrUnexpectedStatus, info.StatusCode, info.StatusText))
		req.Cancel()
		return
	}
	c.buf = make([]byte, acceleratedBufferSize)
	req.Read(c.buf)
}

func (c *readToMemoryCallback) OnReadCompleted(req *netstack.Request, _ *netstack.ResponseInfo, data []byte) {
	c.sink.Write(data)
	req.Read(c.buf)
}

func (c *readToMemoryCallback) OnSucceeded(_ *netstack.Request, info *netstack.ResponseInfo) {
	latency := time.Since(c.start)
	c.resolve(fetch.Succeeded(c.sink.Bytes(), latency, info.WasCached, AcceleratedFetcherName))
}

func (c *readToMemoryCallback) OnFailed(_ *netstack.Request, info *netstack.ResponseInfo, err *netstack.NetworkError) {
	c.fail(info, err)
}

func (c *readToMemoryCallback) OnCanceled(_ *netstack.Request, info *netstack.ResponseInfo) {
	c.resolve(fetch.Failed(wasCached(info), AcceleratedFetcherName))
}

func (c *readToMemoryCallback) fail(info *netstack.ResponseInfo, err error) {
	c.logger.Warn("image fetch failed",
		"fetcher", AcceleratedFetcherName,
		"url", c.url,
		"error", err,
	)
	metrics.RecordFetchError(AcceleratedFetcherName, string(fetch.Classify(err)))
	c.resolve(fetch.Failed(wasCached(info), AcceleratedFetcherName))
}

func (c *readToMemoryCallback) resolve(result fetch.Result) {
	c.once.Do(func() {
		c.done <- result
	})
}

func wasCached(info *netstack.ResponseInfo) bool {
	return info != nil && info.WasCached
}
