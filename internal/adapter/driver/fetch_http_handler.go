package driver

import (
	"bytes"
	"errors"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/alorle/image-fetcher/internal/application"
	"github.com/alorle/image-fetcher/internal/fetch"
)

// FetchHTTPHandler handles HTTP requests that fetch images and report on past fetches.
type FetchHTTPHandler struct {
	service    *application.FetchService
	bypassURLs map[string]struct{}
	logger     *slog.Logger
}

// NewFetchHTTPHandler creates a new HTTP handler for fetches.
// Requests for any of bypassURLs skip the response cache unless the
// bypass_cache query parameter says otherwise.
func NewFetchHTTPHandler(service *application.FetchService, bypassURLs []string, logger *slog.Logger) *FetchHTTPHandler {
	set := make(map[string]struct{}, len(bypassURLs))
	for _, u := range bypassURLs {
		set[strings.TrimSpace(u)] = struct{}{}
	}
	return &FetchHTTPHandler{
		service:    service,
		bypassURLs: set,
		logger:     logger,
	}
}

// fetchResponse represents a fetch result in JSON format.
type fetchResponse struct {
	URL         string  `json:"url"`
	Successful  bool    `json:"successful"`
	Fetcher     string  `json:"fetcher"`
	LatencyMs   float64 `json:"latency_ms"`
	WasCached   bool    `json:"was_cached"`
	BypassCache bool    `json:"bypass_cache"`
	Size        int     `json:"size"`
	SizeHuman   string  `json:"size_human,omitempty"`
	ContentType string  `json:"content_type,omitempty"`
	Width       int     `json:"width,omitempty"`
	Height      int     `json:"height,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// backendResultResponse represents one backend's result in a comparison.
type backendResultResponse struct {
	Backend string `json:"backend"`
	fetchResponse
}

// compareResponse represents a comparison across backends in JSON format.
type compareResponse struct {
	URL          string                  `json:"url"`
	ContentEqual bool                    `json:"content_equal"`
	Results      []backendResultResponse `json:"results"`
}

// recordResponse represents a fetch history entry in JSON format.
type recordResponse struct {
	ID          string  `json:"id"`
	URL         string  `json:"url"`
	Timestamp   string  `json:"timestamp"`
	Fetcher     string  `json:"fetcher"`
	Successful  bool    `json:"successful"`
	LatencyMs   float64 `json:"latency_ms"`
	WasCached   bool    `json:"was_cached"`
	BypassCache bool    `json:"bypass_cache"`
	Size        int     `json:"size"`
	SizeHuman   string  `json:"size_human"`
}

// statsResponse represents aggregated fetch figures in JSON format.
type statsResponse struct {
	URL               string  `json:"url"`
	TotalFetches      int     `json:"total_fetches"`
	SuccessfulFetches int     `json:"successful_fetches"`
	SuccessRatio      float64 `json:"success_ratio"`
	FailureRate       float64 `json:"failure_rate"`
	CacheHitRatio     float64 `json:"cache_hit_ratio"`
	CachedFetches     int     `json:"cached_fetches"`
	NetworkFetches    int     `json:"network_fetches"`
	AvgLatency        float64 `json:"avg_latency_ms"`
	LatencyStdDev     float64 `json:"latency_std_dev_ms"`
	AvgSize           float64 `json:"avg_size"`
}

// statsByFetcherResponse adds the per-backend breakdown to the overall figures.
type statsByFetcherResponse struct {
	statsResponse
	ByFetcher map[string]statsResponse `json:"by_fetcher"`
}

// ServeHTTP routes the request based on path.
func (h *FetchHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	switch r.URL.Path {
	case "/fetch":
		h.handleFetch(w, r)
	case "/image":
		h.handleImage(w, r)
	case "/compare":
		h.handleCompare(w, r)
	case "/history":
		h.handleHistory(w, r)
	case "/stats":
		h.handleStats(w, r)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// handleFetch handles GET /fetch?url=&bypass_cache=&backend=
func (h *FetchHTTPHandler) handleFetch(w http.ResponseWriter, r *http.Request) {
	rawURL, opts, ok := h.parseFetchQuery(w, r)
	if !ok {
		return
	}

	result, ok := h.fetch(w, r, rawURL, opts)
	if !ok {
		return
	}

	resp := toFetchResponse(rawURL, opts, result)
	if !result.Successful() {
		resp.Error = "image fetch failed"
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleImage handles GET /image?url=&bypass_cache=&backend=
func (h *FetchHTTPHandler) handleImage(w http.ResponseWriter, r *http.Request) {
	rawURL, opts, ok := h.parseFetchQuery(w, r)
	if !ok {
		return
	}

	result, ok := h.fetch(w, r, rawURL, opts)
	if !ok {
		return
	}
	if !result.Successful() {
		writeError(w, http.StatusBadGateway, "image fetch failed")
		return
	}

	content := result.Content()
	w.Header().Set("Content-Type", mimetype.Detect(content).String())
	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	w.Header().Set("X-Fetch-Latency-Ms", formatMillis(result.Latency()))
	w.Header().Set("X-Fetch-Cached", strconv.FormatBool(result.WasCached()))
	w.Header().Set("X-Fetched-By", result.FetcherName())
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(content); err != nil {
		h.logger.Debug("failed to write image response", "url", rawURL, "error", err)
	}
}

// handleCompare handles GET /compare?url=&backends=
func (h *FetchHTTPHandler) handleCompare(w http.ResponseWriter, r *http.Request) {
	rawURL, ok := parseURLParam(w, r)
	if !ok {
		return
	}

	var keys []string
	if v := r.URL.Query().Get("backends"); v != "" {
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
	}

	cmp, err := h.service.Compare(r.Context(), rawURL, keys...)
	if err != nil {
		if errors.Is(err, fetch.ErrUnknownBackend) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := compareResponse{
		URL:          cmp.URL,
		ContentEqual: cmp.ContentEqual,
		Results:      make([]backendResultResponse, len(cmp.Results)),
	}
	for i, br := range cmp.Results {
		resp.Results[i] = backendResultResponse{
			Backend:       br.Backend,
			fetchResponse: toFetchResponse(rawURL, fetch.Options{}, br.Result),
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleHistory handles GET /history?url=
func (h *FetchHTTPHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	rawURL, ok := parseURLParam(w, r)
	if !ok {
		return
	}

	records, err := h.service.History(r.Context(), rawURL)
	if err != nil {
		h.logger.Error("failed to load fetch history", "url", rawURL, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]recordResponse, len(records))
	for i, rec := range records {
		response[i] = toRecordResponse(rec)
	}

	writeJSON(w, http.StatusOK, response)
}

// handleStats handles GET /stats?url=
func (h *FetchHTTPHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	rawURL, ok := parseURLParam(w, r)
	if !ok {
		return
	}

	overall, err := h.service.Stats(r.Context(), rawURL)
	if err != nil {
		h.writeStatsError(w, rawURL, err)
		return
	}
	byFetcher, err := h.service.StatsByFetcher(r.Context(), rawURL)
	if err != nil {
		h.writeStatsError(w, rawURL, err)
		return
	}

	resp := statsByFetcherResponse{
		statsResponse: toStatsResponse(overall),
		ByFetcher:     make(map[string]statsResponse, len(byFetcher)),
	}
	for name, st := range byFetcher {
		resp.ByFetcher[name] = toStatsResponse(st)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *FetchHTTPHandler) writeStatsError(w http.ResponseWriter, rawURL string, err error) {
	if errors.Is(err, fetch.ErrNoFetchData) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	h.logger.Error("failed to compute fetch stats", "url", rawURL, "error", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

// parseFetchQuery reads url and bypass_cache. On failure it writes a 400 and
// returns ok=false.
func (h *FetchHTTPHandler) parseFetchQuery(w http.ResponseWriter, r *http.Request) (string, fetch.Options, bool) {
	rawURL, ok := parseURLParam(w, r)
	if !ok {
		return "", fetch.Options{}, false
	}

	_, bypass := h.bypassURLs[rawURL]
	if v := r.URL.Query().Get("bypass_cache"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bypass_cache must be a boolean")
			return "", fetch.Options{}, false
		}
		bypass = b
	}

	return rawURL, fetch.Options{BypassCache: bypass}, true
}

// fetch runs the fetch with the requested backend, or the active one when
// none is named. It writes a 400 for an unknown backend.
func (h *FetchHTTPHandler) fetch(w http.ResponseWriter, r *http.Request, rawURL string, opts fetch.Options) (fetch.Result, bool) {
	backend := r.URL.Query().Get("backend")
	if backend == "" {
		return h.service.Fetch(r.Context(), rawURL, opts), true
	}

	result, err := h.service.FetchWith(r.Context(), backend, rawURL, opts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return fetch.Result{}, false
	}
	return result, true
}

func parseURLParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	rawURL := strings.TrimSpace(r.URL.Query().Get("url"))
	if _, err := fetch.ParseURL(rawURL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return rawURL, true
}

func toFetchResponse(rawURL string, opts fetch.Options, result fetch.Result) fetchResponse {
	resp := fetchResponse{
		URL:         rawURL,
		Successful:  result.Successful(),
		Fetcher:     result.FetcherName(),
		LatencyMs:   millis(result.Latency()),
		WasCached:   result.WasCached(),
		BypassCache: opts.BypassCache,
		Size:        result.Size(),
	}
	if !result.Successful() {
		return resp
	}

	content := result.Content()
	resp.SizeHuman = humanize.Bytes(uint64(len(content)))
	resp.ContentType = mimetype.Detect(content).String()
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(content)); err == nil {
		resp.Width = cfg.Width
		resp.Height = cfg.Height
	}
	return resp
}

func toRecordResponse(r fetch.Record) recordResponse {
	return recordResponse{
		ID:          r.ID(),
		URL:         r.URL(),
		Timestamp:   r.Timestamp().Format(time.RFC3339),
		Fetcher:     r.FetcherName(),
		Successful:  r.Successful(),
		LatencyMs:   millis(r.Latency()),
		WasCached:   r.WasCached(),
		BypassCache: r.BypassCache(),
		Size:        r.Size(),
		SizeHuman:   humanize.Bytes(uint64(r.Size())),
	}
}

func toStatsResponse(s fetch.Stats) statsResponse {
	return statsResponse{
		URL:               s.URL(),
		TotalFetches:      s.TotalFetches(),
		SuccessfulFetches: s.SuccessfulFetches(),
		SuccessRatio:      s.SuccessRatio(),
		FailureRate:       s.FailureRate(),
		CacheHitRatio:     s.CacheHitRatio(),
		CachedFetches:     s.CachedFetches(),
		NetworkFetches:    s.NetworkFetches(),
		AvgLatency:        s.AvgLatency(),
		LatencyStdDev:     s.LatencyStdDev(),
		AvgSize:           s.AvgSize(),
	}
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func formatMillis(d time.Duration) string {
	return strconv.FormatFloat(millis(d), 'f', 3, 64)
}
