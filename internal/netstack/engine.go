// Package netstack is the shared network stack used by the accelerated image
// fetcher: a pooled HTTP/2-capable client, an HTTP response cache and a
// callback-driven request protocol dispatched on a caller-supplied executor.
package netstack

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
	"golang.org/x/net/http2"
)

const (
	DefaultMaxRedirects        = 20
	DefaultCacheMaxBytes       = 10 * 1024 * 1024
	DefaultDialTimeout         = 30 * time.Second
	DefaultIdleConnTimeout     = 90 * time.Second
	DefaultMaxIdleConnsPerHost = 6
	DefaultUserAgent           = "image-fetcher/1.0"
)

// Config describes how the engine is built. It is owned by setup code; fetch
// calls only read the resulting Engine.
type Config struct {
	CacheMode     CacheMode
	CacheMaxBytes int64
	// CacheDB backs CacheDisk. Required in that mode, ignored otherwise.
	CacheDB *bbolt.DB

	EnableHTTP2         bool
	UserAgent           string
	MaxRedirects        int
	DialTimeout         time.Duration
	IdleConnTimeout     time.Duration
	MaxIdleConnsPerHost int

	// Transport replaces the pooled transport the engine would build. Tests use it.
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// Engine is safe for concurrent use by any number of requests.
type Engine struct {
	client       *http.Client
	transport    *http.Transport
	cache        ResponseCache
	cacheMode    CacheMode
	userAgent    string
	maxRedirects int
	logger       *slog.Logger
	now          func() time.Time
	shutdown     atomic.Bool
}

// New builds an engine from cfg, filling defaults for zero values.
func New(cfg Config) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = DefaultMaxRedirects
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.CacheMaxBytes <= 0 {
		cfg.CacheMaxBytes = DefaultCacheMaxBytes
	}

	e := &Engine{
		cacheMode:    cfg.CacheMode,
		userAgent:    cfg.UserAgent,
		maxRedirects: cfg.MaxRedirects,
		logger:       logger,
		now:          time.Now,
	}

	rt := cfg.Transport
	if rt == nil {
		t, err := newTransport(cfg)
		if err != nil {
			return nil, err
		}
		e.transport = t
		rt = t
	}

	e.client = &http.Client{
		Transport: rt,
		// Redirects are surfaced to the request callback one hop at a time.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	switch cfg.CacheMode {
	case CacheDisabled:
	case CacheInMemory:
		c, err := NewMemoryCache(cfg.CacheMaxBytes)
		if err != nil {
			return nil, fmt.Errorf("creating memory cache: %w", err)
		}
		e.cache = c
	case CacheDisk:
		c, err := NewBoltCache(cfg.CacheDB, cfg.CacheMaxBytes)
		if err != nil {
			return nil, fmt.Errorf("creating disk cache: %w", err)
		}
		e.cache = c
	default:
		return nil, fmt.Errorf("unknown cache mode %d", cfg.CacheMode)
	}

	logger.Info("network engine ready",
		"cache_mode", cfg.CacheMode.String(),
		"cache_max_bytes", cfg.CacheMaxBytes,
		"http2", cfg.EnableHTTP2,
		"max_redirects", cfg.MaxRedirects,
	)

	return e, nil
}

func newTransport(cfg Config) (*http.Transport, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	idleTimeout := cfg.IdleConnTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleConnTimeout
	}
	perHost := cfg.MaxIdleConnsPerHost
	if perHost <= 0 {
		perHost = DefaultMaxIdleConnsPerHost
	}

	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   perHost,
		IdleConnTimeout:       idleTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	if cfg.EnableHTTP2 {
		if _, err := http2.ConfigureTransports(t); err != nil {
			return nil, fmt.Errorf("configuring http2: %w", err)
		}
	}

	return t, nil
}

// NewRequest starts building a request for rawURL whose callbacks run on executor.
func (e *Engine) NewRequest(rawURL string, callback Callback, executor Executor) *RequestBuilder {
	return &RequestBuilder{
		engine:   e,
		url:      rawURL,
		callback: callback,
		executor: executor,
		header:   http.Header{},
	}
}

func (e *Engine) CacheMode() CacheMode { return e.cacheMode }

// Cache returns the response cache, or nil when caching is disabled.
func (e *Engine) Cache() ResponseCache { return e.cache }

// Ping reports whether the engine accepts new requests.
func (e *Engine) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.shutdown.Load() {
		return ErrEngineShutdown
	}
	return nil
}

// Shutdown rejects new requests and closes idle connections. In-flight
// requests run to completion.
func (e *Engine) Shutdown() {
	if e.shutdown.Swap(true) {
		return
	}
	if e.transport != nil {
		e.transport.CloseIdleConnections()
	}
	e.logger.Info("network engine shut down")
}

func (e *Engine) isShutdown() bool {
	return e.shutdown.Load()
}
