package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alorle/image-fetcher/internal/application"
	"github.com/alorle/image-fetcher/internal/fetch"
)

// mockImageFetcher implements driven.ImageFetcher for testing.
type mockImageFetcher struct {
	name      string
	mu        sync.Mutex
	lastOpts  fetch.Options
	fetchFunc func(ctx context.Context, rawURL string, opts fetch.Options) fetch.Result
}

func (m *mockImageFetcher) Name() string { return m.name }

func (m *mockImageFetcher) Fetch(ctx context.Context, rawURL string, opts fetch.Options) fetch.Result {
	m.mu.Lock()
	m.lastOpts = opts
	m.mu.Unlock()
	if m.fetchFunc != nil {
		return m.fetchFunc(ctx, rawURL, opts)
	}
	return fetch.Failed(false, m.name)
}

func (m *mockImageFetcher) opts() fetch.Options {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastOpts
}

// mockFetchRecordRepository implements driven.FetchRecordRepository for testing.
type mockFetchRecordRepository struct {
	findByURLFunc      func(ctx context.Context, rawURL string) ([]fetch.Record, error)
	findByURLSinceFunc func(ctx context.Context, rawURL string, since time.Time) ([]fetch.Record, error)
	pingFunc           func(ctx context.Context) error
}

func (m *mockFetchRecordRepository) Save(ctx context.Context, r fetch.Record) error { return nil }

func (m *mockFetchRecordRepository) FindByURL(ctx context.Context, rawURL string) ([]fetch.Record, error) {
	if m.findByURLFunc != nil {
		return m.findByURLFunc(ctx, rawURL)
	}
	return []fetch.Record{}, nil
}

func (m *mockFetchRecordRepository) FindByURLSince(ctx context.Context, rawURL string, since time.Time) ([]fetch.Record, error) {
	if m.findByURLSinceFunc != nil {
		return m.findByURLSinceFunc(ctx, rawURL, since)
	}
	return []fetch.Record{}, nil
}

func (m *mockFetchRecordRepository) DeleteBefore(ctx context.Context, before time.Time) error {
	return nil
}

func (m *mockFetchRecordRepository) Ping(ctx context.Context) error {
	if m.pingFunc != nil {
		return m.pingFunc(ctx)
	}
	return nil
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testPNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

func succeedingFetcher(name string, content []byte, cached bool) *mockImageFetcher {
	return &mockImageFetcher{
		name: name,
		fetchFunc: func(ctx context.Context, rawURL string, opts fetch.Options) fetch.Result {
			return fetch.Succeeded(content, 12*time.Millisecond, cached && !opts.BypassCache, name)
		},
	}
}

func newTestHandler(active *mockImageFetcher, repo *mockFetchRecordRepository, bypassURLs []string, backends ...*mockImageFetcher) *FetchHTTPHandler {
	svc := application.NewFetchService(active, repo, newTestLogger(), time.Hour, 24*time.Hour, 2)
	for _, b := range backends {
		svc.Register(b.name, b)
	}
	return NewFetchHTTPHandler(svc, bypassURLs, newTestLogger())
}

const imageURL = "http://example.com/a.png"

func TestFetchHTTPHandler_Fetch(t *testing.T) {
	pngBytes := testPNG(t, 4, 3)

	t.Run("successful fetch describes the image", func(t *testing.T) {
		h := newTestHandler(succeedingFetcher("naive", pngBytes, false), &mockFetchRecordRepository{}, nil)

		req := httptest.NewRequest(http.MethodGet, "/fetch?url="+imageURL, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
		}

		var resp fetchResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if !resp.Successful || resp.Fetcher != "naive" {
			t.Errorf("unexpected response: %+v", resp)
		}
		if resp.Size != len(pngBytes) {
			t.Errorf("expected size %d, got %d", len(pngBytes), resp.Size)
		}
		if resp.ContentType != "image/png" {
			t.Errorf("expected content type image/png, got %q", resp.ContentType)
		}
		if resp.Width != 4 || resp.Height != 3 {
			t.Errorf("expected 4x3, got %dx%d", resp.Width, resp.Height)
		}
		if resp.SizeHuman == "" {
			t.Error("expected human readable size")
		}
		if resp.LatencyMs != 12 {
			t.Errorf("expected latency 12ms, got %f", resp.LatencyMs)
		}
	})

	t.Run("failed fetch answers bad gateway", func(t *testing.T) {
		h := newTestHandler(&mockImageFetcher{name: "naive"}, &mockFetchRecordRepository{}, nil)

		req := httptest.NewRequest(http.MethodGet, "/fetch?url="+imageURL, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadGateway {
			t.Fatalf("expected status 502, got %d", rec.Code)
		}
		var resp fetchResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if resp.Successful || resp.Error == "" || resp.Size != 0 {
			t.Errorf("unexpected response: %+v", resp)
		}
	})

	t.Run("bad requests", func(t *testing.T) {
		h := newTestHandler(succeedingFetcher("naive", pngBytes, false), &mockFetchRecordRepository{}, nil)

		tests := []struct {
			name   string
			target string
		}{
			{"missing url", "/fetch"},
			{"relative url", "/fetch?url=/a.png"},
			{"unsupported scheme", "/fetch?url=ftp://example.com/a.png"},
			{"invalid bypass flag", "/fetch?url=" + imageURL + "&bypass_cache=maybe"},
			{"unknown backend", "/fetch?url=" + imageURL + "&backend=quantum"},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				rec := httptest.NewRecorder()
				h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.target, nil))

				if rec.Code != http.StatusBadRequest {
					t.Errorf("expected status 400, got %d", rec.Code)
				}
			})
		}
	})

	t.Run("named backend", func(t *testing.T) {
		accelerated := succeedingFetcher("accelerated", pngBytes, true)
		h := newTestHandler(succeedingFetcher("naive", pngBytes, false), &mockFetchRecordRepository{}, nil, accelerated)

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fetch?url="+imageURL+"&backend=accelerated", nil))

		var resp fetchResponse
		_ = json.NewDecoder(rec.Body).Decode(&resp)
		if resp.Fetcher != "accelerated" || !resp.WasCached {
			t.Errorf("expected cached accelerated result, got %+v", resp)
		}
	})
}

func TestFetchHTTPHandler_BypassCache(t *testing.T) {
	tests := []struct {
		name       string
		bypassURLs []string
		query      string
		want       bool
	}{
		{"default off", nil, "", false},
		{"query on", nil, "&bypass_cache=true", true},
		{"configured url", []string{imageURL}, "", true},
		{"query overrides configured url", []string{imageURL}, "&bypass_cache=false", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := succeedingFetcher("accelerated", []byte("x"), true)
			h := newTestHandler(f, &mockFetchRecordRepository{}, tt.bypassURLs)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fetch?url="+imageURL+tt.query, nil))

			if f.opts().BypassCache != tt.want {
				t.Errorf("expected BypassCache %v, got %v", tt.want, f.opts().BypassCache)
			}
			var resp fetchResponse
			_ = json.NewDecoder(rec.Body).Decode(&resp)
			if resp.BypassCache != tt.want || resp.WasCached == tt.want {
				t.Errorf("unexpected response flags: %+v", resp)
			}
		})
	}
}

func TestFetchHTTPHandler_Image(t *testing.T) {
	pngBytes := testPNG(t, 2, 2)

	t.Run("serves raw bytes with fetch headers", func(t *testing.T) {
		h := newTestHandler(succeedingFetcher("accelerated", pngBytes, true), &mockFetchRecordRepository{}, nil)

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/image?url="+imageURL, nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rec.Code)
		}
		if !bytes.Equal(rec.Body.Bytes(), pngBytes) {
			t.Error("expected body to be the fetched bytes")
		}
		headers := map[string]string{
			"Content-Type":       "image/png",
			"X-Fetch-Latency-Ms": "12.000",
			"X-Fetch-Cached":     "true",
			"X-Fetched-By":       "accelerated",
		}
		for name, want := range headers {
			if got := rec.Header().Get(name); got != want {
				t.Errorf("expected %s %q, got %q", name, want, got)
			}
		}
	})

	t.Run("failed fetch", func(t *testing.T) {
		h := newTestHandler(&mockImageFetcher{name: "naive"}, &mockFetchRecordRepository{}, nil)

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/image?url="+imageURL, nil))

		if rec.Code != http.StatusBadGateway {
			t.Errorf("expected status 502, got %d", rec.Code)
		}
	})
}

func TestFetchHTTPHandler_Compare(t *testing.T) {
	content := []byte("same bytes")
	naive := succeedingFetcher("naive", content, false)
	accelerated := succeedingFetcher("accelerated", content, true)
	h := newTestHandler(naive, &mockFetchRecordRepository{}, nil, naive, accelerated)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/compare?url="+imageURL, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var resp compareResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.ContentEqual {
		t.Error("expected content_equal true")
	}
	if len(resp.Results) != 2 || resp.Results[0].Backend != "accelerated" || resp.Results[1].Backend != "naive" {
		t.Errorf("unexpected results: %+v", resp.Results)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/compare?url="+imageURL+"&backends=naive,missing", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for unknown backend, got %d", rec.Code)
	}
}

func TestFetchHTTPHandler_History(t *testing.T) {
	now := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)

	t.Run("lists records", func(t *testing.T) {
		repo := &mockFetchRecordRepository{
			findByURLFunc: func(ctx context.Context, rawURL string) ([]fetch.Record, error) {
				return []fetch.Record{
					fetch.ReconstructRecord("1", rawURL, now, "naive", true, 1500*time.Microsecond, false, 2048, false),
				}, nil
			},
		}
		h := newTestHandler(&mockImageFetcher{name: "naive"}, repo, nil)

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/history?url="+imageURL, nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rec.Code)
		}
		var resp []recordResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if len(resp) != 1 {
			t.Fatalf("expected 1 record, got %d", len(resp))
		}
		if resp[0].LatencyMs != 1.5 || resp[0].SizeHuman != "2.0 kB" || resp[0].Timestamp != "2025-01-10T12:00:00Z" {
			t.Errorf("unexpected record: %+v", resp[0])
		}
	})

	t.Run("repository error", func(t *testing.T) {
		repo := &mockFetchRecordRepository{
			findByURLFunc: func(ctx context.Context, rawURL string) ([]fetch.Record, error) {
				return nil, errors.New("db error")
			},
		}
		h := newTestHandler(&mockImageFetcher{name: "naive"}, repo, nil)

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/history?url="+imageURL, nil))

		if rec.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rec.Code)
		}
	})
}

func TestFetchHTTPHandler_Stats(t *testing.T) {
	t.Run("overall and per backend", func(t *testing.T) {
		repo := &mockFetchRecordRepository{
			findByURLSinceFunc: func(ctx context.Context, rawURL string, since time.Time) ([]fetch.Record, error) {
				now := time.Now()
				return []fetch.Record{
					fetch.ReconstructRecord("1", rawURL, now, "naive", true, 100*time.Millisecond, false, 10, false),
					fetch.ReconstructRecord("2", rawURL, now, "accelerated", true, time.Millisecond, true, 10, false),
				}, nil
			},
		}
		h := newTestHandler(&mockImageFetcher{name: "naive"}, repo, nil)

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats?url="+imageURL, nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rec.Code)
		}
		var resp statsByFetcherResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if resp.TotalFetches != 2 || resp.CacheHitRatio != 0.5 {
			t.Errorf("unexpected overall stats: %+v", resp.statsResponse)
		}
		if len(resp.ByFetcher) != 2 || resp.ByFetcher["naive"].AvgLatency != 100 {
			t.Errorf("unexpected per-backend stats: %+v", resp.ByFetcher)
		}
	})

	t.Run("no data", func(t *testing.T) {
		h := newTestHandler(&mockImageFetcher{name: "naive"}, &mockFetchRecordRepository{}, nil)

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats?url="+imageURL, nil))

		if rec.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rec.Code)
		}
	})
}

func TestFetchHTTPHandler_Routing(t *testing.T) {
	h := newTestHandler(&mockImageFetcher{name: "naive"}, &mockFetchRecordRepository{}, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/fetch?url="+imageURL, nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status 405, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/unknown", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rec.Code)
	}
}
