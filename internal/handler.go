package internal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/stampede"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// _handlerTimeout bounds JSON endpoints. The progress socket and debug
	// routes are exempt; uploads get headroom via _uploadTimeout.
	_handlerTimeout = 15 * time.Second
	_uploadTimeout  = 60 * time.Second

	// _coalesceTTL is how long stampede holds a search response to absorb
	// identical concurrent GETs. The real caching happens in the tiers.
	_coalesceTTL = time.Second
)

// _proxyHosts are the only origins the image proxy will fetch from.
var _proxyHosts = newSet(
	"covers.openlibrary.org",
	"books.google.com",
	"books.googleusercontent.com",
	"images.isbndb.com",
)

var _periods = map[string]time.Duration{
	"15m": 15 * time.Minute,
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
}

// handler owns the HTTP surface. It defers real work to the controller, the
// job pipelines, and the limiter; what's left is muxing, parsing, and
// response envelopes.
type handler struct {
	ctrl    *Controller
	jobs    *JobRegistry
	scanner *Scanner
	csv     *CSVImporter
	batch   *Batcher
	vision  *VisionRegistry
	limiter *RateLimiter
	cache   *TieredCache
	blobs   blobStore
	warm    *warmer // may be nil: no queue bound
	reg     *prometheus.Registry

	httpm  *httpMetrics
	provm  *providerMetrics
	window *metricsWindow

	images   *http.Client
	origins  []string
	coalesce func(http.Handler) http.Handler
	routes   []string
	started  time.Time
}

type handlerConfig struct {
	ctrl    *Controller
	jobs    *JobRegistry
	scanner *Scanner
	csv     *CSVImporter
	batch   *Batcher
	vision  *VisionRegistry
	limiter *RateLimiter
	cache   *TieredCache
	blobs   blobStore
	warm    *warmer
	reg     *prometheus.Registry
	httpm   *httpMetrics
	provm   *providerMetrics
	window  *metricsWindow
	images  *http.Client
	origins []string
}

func newHandler(cfg handlerConfig) *handler {
	h := &handler{
		ctrl:     cfg.ctrl,
		jobs:     cfg.jobs,
		scanner:  cfg.scanner,
		csv:      cfg.csv,
		batch:    cfg.batch,
		vision:   cfg.vision,
		limiter:  cfg.limiter,
		cache:    cfg.cache,
		blobs:    cfg.blobs,
		warm:     cfg.warm,
		reg:      cfg.reg,
		httpm:    cfg.httpm,
		provm:    cfg.provm,
		window:   cfg.window,
		images:   cfg.images,
		origins:  cfg.origins,
		// Key on the full URI: stampede's default key ignores the query
		// string, which would cross-serve distinct searches.
		coalesce: stampede.HandlerWithKey(512, _coalesceTTL, func(r *http.Request) uint64 {
			return stampede.StringToHash(r.Method, strings.ToLower(r.URL.Path), r.URL.RawQuery)
		}),
		started: time.Now(),
	}
	if h.images == nil {
		h.images = &http.Client{Timeout: 30 * time.Second}
	}
	return h
}

// newMux registers the handler's routes and wraps them in the middleware
// stack. The progress socket skips the timeout middleware; everything else
// runs under a deadline.
func newMux(h *handler) http.Handler {
	mux := http.NewServeMux()

	handle := func(pattern string, hd http.Handler) {
		h.routes = append(h.routes, pattern)
		mux.Handle(pattern, hd)
	}

	handle("GET /v1/search/title", h.search(h.searchTitle))
	handle("GET /v1/search/isbn", h.search(h.searchISBN))
	handle("GET /v1/search/advanced", h.search(h.searchAdvanced))
	handle("GET /v1/editions/search", h.search(h.searchEditions))

	handle("POST /api/scan-bookshelf", h.upload(h.scanSingle))
	handle("POST /api/scan-bookshelf/batch", h.upload(h.scanBatch))
	handle("POST /api/scan-bookshelf/cancel", h.api(h.cancelJob))
	handle("POST /api/import/csv-gemini", h.upload(h.importCSV))
	handle("POST /v1/enrichment/batch", h.api(h.enrichBatch))
	handle("POST /api/enrichment/cancel", h.api(h.cancelJob))
	handle("POST /api/token/refresh", h.api(h.refreshToken))
	handle("GET /api/job-state/{jobId}", h.api(h.jobState))

	handle("GET /v1/scan/results/{jobId}", h.api(h.results(nsScanResults)))
	handle("GET /v1/csv/results/{jobId}", h.api(h.results(nsCSVResults)))
	handle("GET /v1/enrichment/results/{jobId}", h.api(h.results(nsEnrichResults)))

	// The socket authenticates with a job token, not the IP limiter, and
	// must not run under a request deadline.
	handle("GET /ws/progress", http.HandlerFunc(h.wsProgress))

	handle("GET /metrics", http.HandlerFunc(h.metricsSummary))
	handle("GET /images/proxy", http.HandlerFunc(h.imageProxy))
	handle("GET /health", http.HandlerFunc(h.health))

	handle("GET /debug/metrics", promhttp.HandlerFor(h.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /debug/pprof/", pprof.Index)
	mux.HandleFunc("GET /debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("GET /debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("GET /debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("GET /debug/pprof/trace", pprof.Trace)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeErr(w, r, errNotFound.withMessage("no such endpoint"), time.Now())
	})

	corsMW := cors.Handler(cors.Options{
		AllowedOrigins: h.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-AI-Provider"},
		MaxAge:         300,
	})

	var root http.Handler = mux
	root = instrument(h.httpm, root)
	root = corsMW(root)
	root = middleware.Recoverer(root)
	root = middleware.RealIP(root)
	root = middleware.RequestID(root)
	return root
}

// search wraps the cacheable GETs: request deadline, IP rate limit, and
// stampede coalescing for identical concurrent queries.
func (h *handler) search(fn http.HandlerFunc) http.Handler {
	return middleware.Timeout(_handlerTimeout)(h.limiter.Middleware(h.coalesce(fn)))
}

// api wraps the JSON job endpoints: request deadline and IP rate limit.
func (h *handler) api(fn http.HandlerFunc) http.Handler {
	return middleware.Timeout(_handlerTimeout)(h.limiter.Middleware(fn))
}

// upload is api with enough headroom for multi-megabyte bodies on slow
// links.
func (h *handler) upload(fn http.HandlerFunc) http.Handler {
	return middleware.Timeout(_uploadTimeout)(h.limiter.Middleware(fn))
}

// writeErr maps any error onto the wire envelope. Errors without a
// statusErr in their chain are reported as INTERNAL_ERROR and never leak
// their message.
func writeErr(w http.ResponseWriter, r *http.Request, err error, start time.Time) {
	status, env := errorEnvelope(err, start)
	if status >= 500 {
		Log(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
	} else {
		Log(r.Context()).Debug("request rejected", "path", r.URL.Path, "status", status, "err", err)
	}
	writeJSON(w, status, env)
}

func writeData(w http.ResponseWriter, status int, data any, start time.Time) {
	writeJSON(w, status, newEnvelope(data, "", start))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	buf, err := sonic.ConfigStd.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":{"message":"encoding failure","code":"INTERNAL_ERROR"}}`,
			http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf)
}

// writeRaw serves a pre-marshaled envelope, the controller's output format.
func writeRaw(w http.ResponseWriter, raw []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(raw)))
	_, _ = w.Write(raw)
}

// cacheFor sets CDN-friendly cache headers on search responses. Clients get
// a short expiry; the shared cache keeps it for d.
func cacheFor(w http.ResponseWriter, d time.Duration) {
	w.Header().Set("Cache-Control", fmt.Sprintf("public, s-maxage=%d, max-age=3600", int(d.Seconds())))
	w.Header().Add("Vary", "Accept-Encoding")
}

func intParam(q url.Values, name string) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errInvalidQuery.withMessage("%s must be an integer", name)
	}
	return n, nil
}

func (h *handler) searchTitle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	q := r.URL.Query()

	maxResults, err := intParam(q, "maxResults")
	if err != nil {
		writeErr(w, r, err, start)
		return
	}
	out, err := h.ctrl.SearchTitle(r.Context(), q.Get("q"), maxResults)
	if err != nil {
		writeErr(w, r, err, start)
		return
	}
	cacheFor(w, namespaceTTL(nsSearchTitle))
	writeRaw(w, out)
}

func (h *handler) searchISBN(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	out, err := h.ctrl.SearchISBN(r.Context(), r.URL.Query().Get("isbn"))
	if err != nil {
		writeErr(w, r, err, start)
		return
	}
	cacheFor(w, namespaceTTL(nsSearchISBN))
	writeRaw(w, out)
}

func (h *handler) searchAdvanced(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	q := r.URL.Query()

	out, err := h.ctrl.SearchAdvanced(r.Context(), q.Get("title"), q.Get("author"))
	if err != nil {
		writeErr(w, r, err, start)
		return
	}
	cacheFor(w, namespaceTTL(nsAdvanced))
	writeRaw(w, out)
}

func (h *handler) searchEditions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	q := r.URL.Query()

	limit, err := intParam(q, "limit")
	if err != nil {
		writeErr(w, r, err, start)
		return
	}
	out, err := h.ctrl.SearchEditions(r.Context(), q.Get("workTitle"), q.Get("author"))
	if err != nil {
		writeErr(w, r, err, start)
		return
	}
	out, err = trimEditions(out, clampResults(limit))
	if err != nil {
		writeErr(w, r, err, start)
		return
	}
	cacheFor(w, namespaceTTL(nsEditions))
	writeRaw(w, out)
}

// trimEditions rewrites a cached editions envelope down to the requested
// limit. The cache holds the full merged list so one entry serves every
// page size; works whose editions were all trimmed go with them.
func trimEditions(raw []byte, limit int) ([]byte, error) {
	var env storedEnvelope
	if err := sonic.ConfigStd.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	var res SearchResult
	if err := sonic.ConfigStd.Unmarshal(env.Data, &res); err != nil {
		return nil, err
	}
	if limit <= 0 || len(res.Editions) <= limit {
		return raw, nil
	}

	res.Editions = res.Editions[:limit]
	keep := newSet[string]()
	for _, e := range res.Editions {
		keep.add(NormalizeTitle(e.Title))
	}
	works := make([]Work, 0, len(res.Works))
	for _, wk := range res.Works {
		if keep.has(NormalizeTitle(wk.Title)) {
			works = append(works, wk)
		}
	}
	res.Works = works

	data, err := sonic.ConfigStd.Marshal(res)
	if err != nil {
		return nil, err
	}
	env.Data = data
	return sonic.ConfigStd.Marshal(env)
}

// jobAccepted is the 202 body for every job-starting endpoint; the optional
// fields vary by pipeline.
type jobAccepted struct {
	JobID          string    `json:"jobId"`
	Token          string    `json:"token"`
	ExpiresIn      int64     `json:"expiresIn"`
	Status         JobStatus `json:"status"`
	WebsocketReady bool      `json:"websocketReady"`
	TotalPhotos    int       `json:"totalPhotos,omitempty"`
	TotalBooks     int       `json:"totalBooks,omitempty"`
	Stages         []string  `json:"stages,omitempty"`
	EstimatedRange string    `json:"estimatedRange,omitempty"`
}

// modelFrom picks the vision model for a request. The header is optional;
// gemini is the default everywhere.
func (h *handler) modelFrom(r *http.Request) (string, error) {
	name := r.Header.Get("X-AI-Provider")
	if _, err := h.vision.Pick(name); err != nil {
		return "", err
	}
	return name, nil
}

func (h *handler) scanSingle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	model, err := h.modelFrom(r)
	if err != nil {
		writeErr(w, r, err, start)
		return
	}

	mime := r.Header.Get("Content-Type")
	data, err := io.ReadAll(io.LimitReader(r.Body, _maxScanImage+1))
	if err != nil {
		writeErr(w, r, errBadRequest.withMessage("reading image body: %v", err), start)
		return
	}
	if err := ValidateImage(data, mime, _maxScanImage); err != nil {
		writeErr(w, r, err, start)
		return
	}

	actor, tok, err := h.jobs.StartJob(r.URL.Query().Get("jobId"), PipelineAIScan)
	if err != nil {
		writeErr(w, r, err, start)
		return
	}
	actor.Go(func(ctx context.Context) {
		h.scanner.Run(ctx, actor, model, data, mime)
	})

	writeData(w, http.StatusAccepted, jobAccepted{
		JobID:          actor.Snapshot().JobID,
		Token:          tok.Value,
		ExpiresIn:      _tokenExpiresIn,
		Status:         actor.Snapshot().Status,
		WebsocketReady: actor.Ready(),
		Stages:         []string{"detecting", "enriching", "storing"},
		EstimatedRange: "10-30s",
	}, start)
}

type scanBatchRequest struct {
	JobID  string       `json:"jobId,omitempty"`
	Images []BatchImage `json:"images"`
}

func (h *handler) scanBatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	model, err := h.modelFrom(r)
	if err != nil {
		writeErr(w, r, err, start)
		return
	}

	var req scanBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err, start)
		return
	}
	if len(req.Images) == 0 {
		writeErr(w, r, errBadRequest.withMessage("no images in batch"), start)
		return
	}
	if len(req.Images) > _maxBatchCount {
		writeErr(w, r, errBatchTooLarge.withMessage("batch exceeds %d images", _maxBatchCount), start)
		return
	}
	for i := range req.Images {
		if req.Images[i].Mime == "" {
			req.Images[i].Mime = "image/jpeg"
		}
		if err := ValidateImage(req.Images[i].Data, req.Images[i].Mime, _maxBatchImage); err != nil {
			writeErr(w, r, fmt.Errorf("image %d: %w", req.Images[i].Index, err), start)
			return
		}
	}

	actor, tok, err := h.jobs.StartJob(req.JobID, PipelineAIScan)
	if err != nil {
		writeErr(w, r, err, start)
		return
	}
	images := req.Images
	actor.Go(func(ctx context.Context) {
		h.scanner.RunBatch(ctx, actor, model, images)
	})

	writeData(w, http.StatusAccepted, jobAccepted{
		JobID:          actor.Snapshot().JobID,
		Token:          tok.Value,
		ExpiresIn:      _tokenExpiresIn,
		Status:         actor.Snapshot().Status,
		WebsocketReady: actor.Ready(),
		TotalPhotos:    len(images),
	}, start)
}

func (h *handler) importCSV(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	model, err := h.modelFrom(r)
	if err != nil {
		writeErr(w, r, err, start)
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeErr(w, r, errBadRequest.withMessage("multipart field %q is required", "file"), start)
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(io.LimitReader(file, _maxCSVBytes+1))
	if err != nil {
		writeErr(w, r, errBadRequest.withMessage("reading upload: %v", err), start)
		return
	}
	if _, err := ValidateCSV(data); err != nil {
		writeErr(w, r, err, start)
		return
	}

	actor, tok, err := h.jobs.StartJob(r.URL.Query().Get("jobId"), PipelineCSVImport)
	if err != nil {
		writeErr(w, r, err, start)
		return
	}
	actor.Go(func(ctx context.Context) {
		h.csv.Run(ctx, actor, model, data)
	})

	writeData(w, http.StatusAccepted, jobAccepted{
		JobID:          actor.Snapshot().JobID,
		Token:          tok.Value,
		ExpiresIn:      _tokenExpiresIn,
		Status:         actor.Snapshot().Status,
		WebsocketReady: actor.Ready(),
	}, start)
}

type enrichBatchRequest struct {
	JobID string           `json:"jobId,omitempty"`
	Books []BookIdentifier `json:"books"`
}

func (h *handler) enrichBatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req enrichBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err, start)
		return
	}
	if err := ValidateBatch(req.Books); err != nil {
		writeErr(w, r, err, start)
		return
	}

	actor, tok, err := h.jobs.StartJob(req.JobID, PipelineBatchEnrichment)
	if err != nil {
		writeErr(w, r, err, start)
		return
	}
	books := req.Books
	actor.Go(func(ctx context.Context) {
		h.batch.Run(ctx, actor, books)
	})

	writeData(w, http.StatusAccepted, jobAccepted{
		JobID:          actor.Snapshot().JobID,
		Token:          tok.Value,
		ExpiresIn:      _tokenExpiresIn,
		Status:         actor.Snapshot().Status,
		WebsocketReady: actor.Ready(),
		TotalBooks:     len(books),
	}, start)
}

type jobRef struct {
	JobID    string `json:"jobId"`
	OldToken string `json:"oldToken,omitempty"`
}

func (h *handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var ref jobRef
	if err := decodeJSON(r, &ref); err != nil {
		writeErr(w, r, err, start)
		return
	}
	if ref.JobID == "" {
		writeErr(w, r, errMissingParam.withMessage("jobId is required"), start)
		return
	}
	if err := h.jobs.Cancel(ref.JobID); err != nil {
		writeErr(w, r, err, start)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"jobId": ref.JobID, "canceled": true}, start)
}

func (h *handler) refreshToken(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var ref jobRef
	if err := decodeJSON(r, &ref); err != nil {
		writeErr(w, r, err, start)
		return
	}
	if ref.JobID == "" || ref.OldToken == "" {
		writeErr(w, r, errMissingParam.withMessage("jobId and oldToken are required"), start)
		return
	}
	tok, err := h.jobs.Refresh(ref.JobID, ref.OldToken)
	if err != nil {
		writeErr(w, r, err, start)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"jobId":     ref.JobID,
		"token":     tok.Value,
		"expiresIn": _tokenExpiresIn,
	}, start)
}

func (h *handler) jobState(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	state, err := h.jobs.State(r.Context(), r.PathValue("jobId"), bearerToken(r))
	if err != nil {
		writeErr(w, r, err, start)
		return
	}
	writeData(w, http.StatusOK, state, start)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// results serves the full stored outcome of a finished job. Results are
// written as complete envelopes, so a hit only needs its metadata reheated.
func (h *handler) results(namespace string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		jobID := r.PathValue("jobId")
		if jobID == "" {
			writeErr(w, r, errMissingParam.withMessage("jobId is required"), start)
			return
		}

		raw, src, _, ok := h.cache.Get(r.Context(), namespace+":"+jobID)
		if !ok || isMissing(raw) {
			writeErr(w, r, errNotFound.withMessage("no results for job %s", jobID), start)
			return
		}
		out, err := reheat(raw, src, start)
		if err != nil {
			writeErr(w, r, err, start)
			return
		}
		w.Header().Set("Cache-Control", "private, max-age=0")
		writeRaw(w, out)
	}
}

func (h *handler) wsProgress(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if !websocket.IsWebSocketUpgrade(r) {
		w.Header().Set("Upgrade", "websocket")
		writeErr(w, r, errUpgradeRequired, start)
		return
	}

	q := r.URL.Query()
	jobID, token := q.Get("jobId"), q.Get("token")
	if jobID == "" || token == "" {
		writeErr(w, r, errMissingParam.withMessage("jobId and token are required"), start)
		return
	}

	// Cheap pre-checks so bad requests fail with plain HTTP statuses
	// instead of a post-upgrade close frame.
	actor, ok := h.jobs.Get(jobID)
	if !ok {
		writeErr(w, r, errNotFound.withMessage("unknown job"), start)
		return
	}
	if !actor.ValidateToken(token) {
		writeErr(w, r, errAuth, start)
		return
	}

	// Attach upgrades, re-validates under the actor, and pumps reads until
	// the socket closes. Past this point errors live on the socket.
	if err := h.jobs.Upgrade(w, r, jobID, token); err != nil {
		Log(r.Context()).Debug("progress socket closed", "job", jobID, "err", err)
	}
}

// metricsSummary answers GET /metrics. JSON summaries diff the counters
// against the snapshot window; format=prometheus proxies the exposition
// endpoint for scrapers that land here instead of /debug/metrics.
func (h *handler) metricsSummary(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	q := r.URL.Query()

	if format := q.Get("format"); format == "prometheus" {
		promhttp.HandlerFor(h.reg, promhttp.HandlerOpts{}).ServeHTTP(w, r)
		return
	} else if format != "" && format != "json" {
		writeErr(w, r, errInvalidQuery.withMessage("unknown format %q", format), start)
		return
	}

	cur := metricsSnapshot{
		At:        time.Now().UTC(),
		Requests:  h.httpm.requestsGet(),
		Errors:    h.httpm.errorsGet(),
		CacheHits: h.cache.metrics.hitGet(),
		CacheMiss: h.cache.metrics.missGet(),
		Failures:  h.provm.failuresGet(),
	}
	base := metricsSnapshot{At: h.started}
	period := q.Get("period")
	if period != "" {
		d, ok := _periods[period]
		if !ok {
			writeErr(w, r, errInvalidQuery.withMessage("unknown period %q", period), start)
			return
		}
		if snap, ok := h.window.since(cur.At.Add(-d)); ok {
			base = snap
		}
	} else {
		period = "all"
	}

	summary := map[string]any{
		"period":           period,
		"since":            base.At,
		"requests":         cur.Requests - base.Requests,
		"errors":           cur.Errors - base.Errors,
		"errorRate":        ratio(cur.Errors-base.Errors, cur.Requests-base.Requests),
		"cacheHits":        cur.CacheHits - base.CacheHits,
		"cacheMisses":      cur.CacheMiss - base.CacheMiss,
		"cacheHitRatio":    ratio(cur.CacheHits-base.CacheHits, (cur.CacheHits-base.CacheHits)+(cur.CacheMiss-base.CacheMiss)),
		"providerFailures": cur.Failures - base.Failures,
		"activeJobs":       h.jobs.metrics.activeGet(),
	}
	if h.warm != nil {
		queued, dead := h.warm.Depths(r.Context())
		summary["queueDepth"] = queued
		summary["dlqDepth"] = dead
	}
	writeData(w, http.StatusOK, summary, start)
}

func ratio(num, den int64) float64 {
	if den <= 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// imageProxy serves provider cover images from the blob store, fetching and
// caching on first sight. Only known cover hosts are proxied.
func (h *handler) imageProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		writeErr(w, r, errMissingParam.withMessage("url is required"), start)
		return
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		writeErr(w, r, errInvalidQuery.withMessage("malformed url"), start)
		return
	}
	if !_proxyHosts.has(u.Hostname()) {
		writeErr(w, r, errBadRequest.withMessage("host %q is not proxied", u.Hostname()), start)
		return
	}

	key := proxyBlobKey(rawURL)
	data, err := h.blobs.Get(r.Context(), key)
	if err != nil {
		data, err = fetchImage(r.Context(), h.images, rawURL)
		if err != nil {
			Log(r.Context()).Debug("image proxy fetch failed", "url", rawURL, "err", err)
			writeErr(w, r, errNotFound.withMessage("image unavailable"), start)
			return
		}
		if err := h.blobs.Put(r.Context(), key, data); err != nil {
			Log(r.Context()).Warn("caching proxied image", "key", key, "err", err)
		}
	}

	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func proxyBlobKey(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return "covers/proxy/" + hex.EncodeToString(sum[:16])
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	writeData(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime":    time.Since(h.started).Round(time.Second).String(),
		"endpoints": h.routes,
	}, start)
}

// decodeJSON reads a JSON body with a sane size cap and maps failures onto
// the wire error taxonomy.
func decodeJSON(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, _maxJSONBody+1))
	if err != nil {
		return errBadRequest.withMessage("reading body: %v", err)
	}
	if len(data) > _maxJSONBody {
		return errFileTooLarge.withMessage("body exceeds %dMB", _maxJSONBody>>20)
	}
	if len(data) == 0 {
		return errBadRequest.withMessage("empty body")
	}
	if err := sonic.ConfigStd.Unmarshal(data, v); err != nil {
		return errBadRequest.withMessage("malformed JSON: %v", err)
	}
	return nil
}

// _maxJSONBody caps JSON request bodies. Batch scans carry up to five
// base64 10MB images, which lands just under this.
const _maxJSONBody = 72 << 20
