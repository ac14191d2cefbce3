package netstack

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/alorle/image-fetcher/metrics"
)

// ResponseInfo describes the response a callback is being notified about.
type ResponseInfo struct {
	URL                string
	URLChain           []string
	StatusCode         int
	StatusText         string
	Header             http.Header
	WasCached          bool
	NegotiatedProtocol string
	ReceivedBytes      int64
}

// Callback receives the events of one request. Exactly one of OnSucceeded,
// OnFailed or OnCanceled is delivered, and nothing is delivered after it.
// info may be nil in OnFailed and OnCanceled when no response was received.
type Callback interface {
	// OnRedirectReceived is called for each redirect; call FollowRedirect or Cancel.
	OnRedirectReceived(req *Request, info *ResponseInfo, newLocation string)
	// OnResponseStarted is called once headers are available; call Read or Cancel.
	OnResponseStarted(req *Request, info *ResponseInfo)
	// OnReadCompleted hands over data, the filled prefix of the buffer given to
	// Read. The buffer is owned by the callback again until the next Read.
	OnReadCompleted(req *Request, info *ResponseInfo, data []byte)
	OnSucceeded(req *Request, info *ResponseInfo)
	OnFailed(req *Request, info *ResponseInfo, err *NetworkError)
	OnCanceled(req *Request, info *ResponseInfo)
}

// RequestBuilder configures a Request before it is built.
type RequestBuilder struct {
	engine       *Engine
	url          string
	callback     Callback
	executor     Executor
	header       http.Header
	disableCache bool
}

// DisableCache makes the request skip cache lookup and storage.
func (b *RequestBuilder) DisableCache() *RequestBuilder {
	b.disableCache = true
	return b
}

// AddHeader adds a request header.
func (b *RequestBuilder) AddHeader(name, value string) *RequestBuilder {
	b.header.Add(name, value)
	return b
}

// Build validates the builder and returns a request ready to Start.
func (b *RequestBuilder) Build() (*Request, error) {
	if b.engine.isShutdown() {
		return nil, ErrEngineShutdown
	}
	if b.callback == nil {
		return nil, ErrNilCallback
	}
	if b.executor == nil {
		return nil, ErrNilExecutor
	}
	u, err := url.Parse(b.url)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ErrInvalidURL
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Request{
		engine:       b.engine,
		callback:     b.callback,
		executor:     b.executor,
		header:       b.header.Clone(),
		disableCache: b.disableCache,
		ctx:          ctx,
		cancel:       cancel,
		urlChain:     []string{u.String()},
	}, nil
}

type requestState int

const (
	stateCreated requestState = iota
	stateStarted
	stateAwaitingRedirect
	stateAwaitingRead
	stateReading
	stateSucceeded
	stateFailed
	stateCanceled
)

// Request is a single request/response cycle.
//
// State machine:
//
//	Created -> Started -> (AwaitingRedirect -> Started)* -> AwaitingRead
//	        -> (Reading -> AwaitingRead)* -> Succeeded | Failed | Canceled
//
// Blocking I/O runs on per-step goroutines; callbacks run on the executor.
type Request struct {
	engine       *Engine
	callback     Callback
	executor     Executor
	header       http.Header
	disableCache bool
	ctx          context.Context
	cancel       context.CancelFunc

	mu         sync.Mutex
	state      requestState
	urlChain   []string
	pending    string
	info       *ResponseInfo
	body       io.ReadCloser
	pendingErr error
}

// Start issues the request. Calling it twice has no effect.
func (r *Request) Start() {
	r.mu.Lock()
	if r.state != stateCreated {
		r.mu.Unlock()
		r.engine.logger.Warn("request already started", "url", r.urlChain[0])
		return
	}
	r.state = stateStarted
	target := r.urlChain[0]
	r.mu.Unlock()

	go r.open(target)
}

// FollowRedirect continues to the location passed to OnRedirectReceived.
func (r *Request) FollowRedirect() {
	r.mu.Lock()
	if r.state != stateAwaitingRedirect {
		r.mu.Unlock()
		r.engine.logger.Warn("FollowRedirect called without a pending redirect")
		return
	}
	target := r.pending
	r.pending = ""
	r.urlChain = append(r.urlChain, target)
	r.state = stateStarted
	r.mu.Unlock()

	go r.open(target)
}

// Read fills buf with the next chunk of the body and reports it through
// OnReadCompleted, or OnSucceeded once the body is exhausted. Only one read
// may be outstanding.
func (r *Request) Read(buf []byte) {
	r.mu.Lock()
	if r.state != stateAwaitingRead {
		r.mu.Unlock()
		r.engine.logger.Warn("Read called while no read is allowed")
		return
	}
	info := r.info
	if len(buf) == 0 {
		r.mu.Unlock()
		r.fail(info, errors.New("read buffer has no capacity"))
		return
	}
	r.state = stateReading
	body := r.body
	pendingErr := r.pendingErr
	r.mu.Unlock()

	go r.read(body, info, buf, pendingErr)
}

// Cancel aborts the request. OnCanceled is delivered unless the request has
// already reached a terminal state.
func (r *Request) Cancel() {
	r.mu.Lock()
	if r.terminal() {
		r.mu.Unlock()
		return
	}
	r.state = stateCanceled
	info := r.info
	body := r.body
	r.body = nil
	r.mu.Unlock()

	r.cancel()
	if body != nil {
		_ = body.Close()
	}
	r.post(true, func() { r.callback.OnCanceled(r, info) })
}

// IsDone reports whether the request reached a terminal state.
func (r *Request) IsDone() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminal()
}

func (r *Request) terminal() bool {
	return r.state == stateSucceeded || r.state == stateFailed || r.state == stateCanceled
}

// post queues fn on the executor. Non-terminal callbacks are dropped if the
// request reached a terminal state before they run.
//
// When the executor rejects the task the terminal callback runs inline on the
// calling goroutine, and a rejected non-terminal callback cancels the request,
// so the callback still sees exactly one terminal event.
func (r *Request) post(terminal bool, fn func()) {
	accepted := r.executor.Execute(func() {
		if !terminal && r.IsDone() {
			return
		}
		fn()
	})
	if accepted {
		return
	}
	if terminal {
		fn()
		return
	}
	r.engine.logger.Warn("executor rejected callback, canceling request", "url", r.chain()[0])
	r.Cancel()
}

// loaded is one hop's response, either from the network or from the cache.
type loaded struct {
	info     *ResponseInfo
	body     io.ReadCloser
	location *url.URL
}

func (r *Request) open(target string) {
	l, err := r.load(target)
	if err != nil {
		r.fail(nil, err)
		return
	}

	if l.location != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(l.body, 64*1024))
		_ = l.body.Close()

		r.mu.Lock()
		if r.terminal() {
			r.mu.Unlock()
			return
		}
		if len(r.urlChain) > r.engine.maxRedirects {
			r.mu.Unlock()
			r.fail(l.info, &NetworkError{Code: ErrorTooManyRedirects, Err: errors.New("redirect limit exceeded")})
			return
		}
		r.state = stateAwaitingRedirect
		r.pending = l.location.String()
		r.info = l.info
		r.mu.Unlock()

		metrics.RecordRedirect()
		location := l.location.String()
		r.post(false, func() { r.callback.OnRedirectReceived(r, l.info, location) })
		return
	}

	r.mu.Lock()
	if r.terminal() {
		r.mu.Unlock()
		_ = l.body.Close()
		return
	}
	r.state = stateAwaitingRead
	r.info = l.info
	r.body = l.body
	r.mu.Unlock()

	r.post(false, func() { r.callback.OnResponseStarted(r, l.info) })
}

func (r *Request) read(body io.Reader, info *ResponseInfo, buf []byte, pendingErr error) {
	if pendingErr == nil {
		n, err := readSome(body, buf)
		if n > 0 {
			r.mu.Lock()
			if r.terminal() {
				r.mu.Unlock()
				return
			}
			r.state = stateAwaitingRead
			r.pendingErr = err
			info.ReceivedBytes += int64(n)
			r.mu.Unlock()

			data := buf[:n]
			r.post(false, func() { r.callback.OnReadCompleted(r, info, data) })
			return
		}
		pendingErr = err
	}

	if errors.Is(pendingErr, io.EOF) {
		r.succeed(info)
		return
	}
	r.fail(info, pendingErr)
}

// readSome reads until at least one byte or an error is returned.
func readSome(body io.Reader, buf []byte) (int, error) {
	for {
		n, err := body.Read(buf)
		if n > 0 || err != nil {
			return n, err
		}
	}
}

func (r *Request) succeed(info *ResponseInfo) {
	r.mu.Lock()
	if r.terminal() {
		r.mu.Unlock()
		return
	}
	r.state = stateSucceeded
	body := r.body
	r.body = nil
	r.mu.Unlock()

	if body != nil {
		_ = body.Close()
	}
	r.cancel()
	r.post(true, func() { r.callback.OnSucceeded(r, info) })
}

func (r *Request) fail(info *ResponseInfo, err error) {
	r.mu.Lock()
	if r.terminal() {
		r.mu.Unlock()
		return
	}
	r.state = stateFailed
	body := r.body
	r.body = nil
	r.mu.Unlock()

	if body != nil {
		_ = body.Close()
	}
	r.cancel()
	netErr := newNetworkError(err)
	r.post(true, func() { r.callback.OnFailed(r, info, netErr) })
}

func (r *Request) chain() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.urlChain...)
}

// load fetches one hop, consulting the cache unless it is disabled for this request.
func (r *Request) load(target string) (*loaded, error) {
	cache := r.engine.cache
	useCache := cache != nil && !r.disableCache
	now := r.engine.now()

	var stale *CachedResponse
	switch {
	case cache == nil:
	case r.disableCache:
		metrics.RecordCacheLookup("bypass")
	default:
		entry, ok := cache.Get(target)
		switch {
		case ok && entry.Fresh(now):
			metrics.RecordCacheLookup("hit")
			return r.fromCache(entry), nil
		case ok && entry.CanRevalidate():
			stale = entry
		default:
			metrics.RecordCacheLookup("miss")
		}
	}

	req, err := http.NewRequestWithContext(r.ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range r.header {
		req.Header[k] = append([]string(nil), vs...)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", r.engine.userAgent)
	}
	if stale != nil {
		if etag := stale.Header.Get("ETag"); etag != "" {
			req.Header.Set("If-None-Match", etag)
		}
		if lm := stale.Header.Get("Last-Modified"); lm != "" {
			req.Header.Set("If-Modified-Since", lm)
		}
	}

	resp, err := r.engine.client.Do(req)
	if err != nil {
		return nil, err
	}

	if stale != nil && resp.StatusCode == http.StatusNotModified {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()

		refreshed := mergeRevalidated(stale, resp.Header, r.engine.now())
		if err := cache.Put(target, refreshed); err != nil {
			r.engine.logger.Warn("failed to refresh cache entry", "url", target, "error", err)
		}
		metrics.RecordCacheLookup("revalidated")
		return r.fromCache(refreshed), nil
	}
	if stale != nil {
		metrics.RecordCacheLookup("miss")
	}

	info := &ResponseInfo{
		URL:                target,
		URLChain:           r.chain(),
		StatusCode:         resp.StatusCode,
		StatusText:         http.StatusText(resp.StatusCode),
		Header:             resp.Header.Clone(),
		NegotiatedProtocol: protocolName(resp),
	}

	l := &loaded{info: info, body: resp.Body}
	if isRedirect(resp.StatusCode) {
		if loc, err := resp.Location(); err == nil {
			l.location = loc
			return l, nil
		}
	}

	if useCache && storable(req, resp) {
		l.body = &cachingReader{
			body:     resp.Body,
			maxBytes: cache.MaxBytes(),
			onComplete: func(data []byte) {
				stored := &CachedResponse{
					URL:        target,
					StatusCode: resp.StatusCode,
					Proto:      info.NegotiatedProtocol,
					Header:     resp.Header.Clone(),
					Body:       data,
					StoredAt:   r.engine.now(),
				}
				stored.Lifetime = freshnessLifetime(stored.Header, stored.StoredAt)
				if err := cache.Put(target, stored); err != nil {
					r.engine.logger.Warn("failed to store cache entry", "url", target, "error", err)
					return
				}
				metrics.SetCacheEntries(cache.Len())
			},
		}
	}

	return l, nil
}

func (r *Request) fromCache(entry *CachedResponse) *loaded {
	info := &ResponseInfo{
		URL:                entry.URL,
		URLChain:           r.chain(),
		StatusCode:         entry.StatusCode,
		StatusText:         http.StatusText(entry.StatusCode),
		Header:             entry.Header.Clone(),
		WasCached:          true,
		NegotiatedProtocol: entry.Proto,
	}
	return &loaded{info: info, body: io.NopCloser(bytes.NewReader(entry.Body))}
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func protocolName(resp *http.Response) string {
	if resp.ProtoMajor == 2 {
		return "h2"
	}
	return strings.ToLower(resp.Proto)
}

// cachingReader copies the body it passes through and hands the complete copy
// to onComplete at EOF. Bodies larger than maxBytes are not captured.
type cachingReader struct {
	body       io.ReadCloser
	buf        bytes.Buffer
	maxBytes   int64
	overflow   bool
	done       bool
	onComplete func([]byte)
}

func (c *cachingReader) Read(p []byte) (int, error) {
	n, err := c.body.Read(p)
	if n > 0 && !c.overflow {
		if int64(c.buf.Len()+n) > c.maxBytes {
			c.overflow = true
			c.buf.Reset()
		} else {
			c.buf.Write(p[:n])
		}
	}
	if errors.Is(err, io.EOF) && !c.overflow && !c.done {
		c.done = true
		c.onComplete(bytes.Clone(c.buf.Bytes()))
	}
	return n, err
}

func (c *cachingReader) Close() error {
	return c.body.Close()
}
