package internal

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/IBM/pgxpoolprometheus"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
)

// NewMetrics creates a new Prometheus registry with default collectors already
// registered.
func NewMetrics() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{
			Namespace: _metricsNamespace,
		}),
		collectors.NewBuildInfoCollector(),
	)

	return reg
}

var _metricsNamespace = "hb"

// _patternRE is used for stripping all `{...}` segments from the pattern
// to build a label.
var _patternRE = regexp.MustCompile(`\{[^/]+\}`)

type httpMetrics struct {
	requests *prometheus.HistogramVec
	totals   *prometheus.CounterVec
	inflight prometheus.Gauge
}

type cacheMetrics struct {
	totals *prometheus.CounterVec
}

type controllerMetrics struct {
	totals *prometheus.CounterVec
	gauge  *prometheus.GaugeVec
}

type providerMetrics struct {
	totals   *prometheus.CounterVec
	failures prometheus.Counter
}

type jobMetrics struct {
	active *prometheus.GaugeVec
	totals *prometheus.CounterVec
}

type queueMetrics struct {
	totals *prometheus.CounterVec
	depth  *prometheus.GaugeVec
}

type dbMetrics struct {
	gauge *prometheus.GaugeVec
}

func newHTTPMetrics(reg *prometheus.Registry) *httpMetrics {
	requests := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: _metricsNamespace,
			Subsystem: "http",
			Name:      "requests",
			Help:      "HTTP request latencies by method & path",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 1.5, 2.0, 2.5, 5, 7.5, 10, 30, 60, 120},
		},
		[]string{"method", "path", "status"},
	)
	totals := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "http",
			Name:      "total",
			Help:      "Requests and server errors, readable by the summary endpoint.",
		},
		[]string{"type"},
	)
	inflight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: _metricsNamespace,
			Subsystem: "http",
			Name:      "inflight",
			Help:      "Current number of inbound in-flight HTTP requests.",
		},
	)
	if reg != nil {
		reg.MustRegister(requests, totals, inflight)
	}
	return &httpMetrics{requests: requests, totals: totals, inflight: inflight}
}

// instrument wraps an HTTP handler to automatically record timing and status
// codes.
func instrument(hm *httpMetrics, next http.Handler) http.Handler {
	var normalized sync.Map // pattern → constant label

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		hm.inflight.Inc()
		defer hm.inflight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		var path string
		if v, ok := normalized.Load(r.Pattern); ok {
			path = v.(string)
		} else {
			path = normalizePattern(r.Pattern)
			normalized.Store(r.Pattern, path)
		}
		if path == "" {
			// Don't record traffic for unrecognized endpoints.
			return
		}

		hm.requestsInc()
		if ww.Status() >= 500 {
			hm.errorsInc()
		}

		duration := time.Since(start).Seconds()
		hm.requests.WithLabelValues(r.Method, path, fmt.Sprint(ww.Status())).Observe(duration)
	})
}

func newCacheMetrics(reg *prometheus.Registry) *cacheMetrics {
	totals := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "cache",
			Name:      "total",
			Help:      "Totals for the tiered cache by event type.",
		},
		[]string{"type"},
	)
	if reg != nil {
		reg.MustRegister(totals)
	}
	return &cacheMetrics{totals: totals}
}

func newControllerMetrics(reg *prometheus.Registry) *controllerMetrics {
	totals := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "controller",
			Name:      "total_operations",
			Help:      "Counts of controller operations by type.",
		},
		[]string{"type"},
	)
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: _metricsNamespace,
			Subsystem: "controller",
			Name:      "pending_operations",
			Help:      "Counts of pending controller operations by type.",
		},
		[]string{"type"},
	)
	if reg != nil {
		reg.MustRegister(totals, gauge)
	}
	return &controllerMetrics{
		totals: totals,
		gauge:  gauge,
	}
}

func newProviderMetrics(reg *prometheus.Registry) *providerMetrics {
	totals := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "provider",
			Name:      "calls",
			Help:      "Upstream calls by provider, operation and outcome.",
		},
		[]string{"provider", "op", "result"},
	)
	failures := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "provider",
			Name:      "failures",
			Help:      "Upstream calls that failed for reasons other than NOT_FOUND.",
		},
	)
	if reg != nil {
		reg.MustRegister(totals, failures)
	}
	return &providerMetrics{totals: totals, failures: failures}
}

func newJobMetrics(reg *prometheus.Registry) *jobMetrics {
	active := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: _metricsNamespace,
			Subsystem: "job",
			Name:      "active",
			Help:      "Live job actors by pipeline.",
		},
		[]string{"pipeline"},
	)
	totals := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "job",
			Name:      "total",
			Help:      "Job lifecycle events by type.",
		},
		[]string{"type"},
	)
	if reg != nil {
		reg.MustRegister(active, totals)
	}
	return &jobMetrics{active: active, totals: totals}
}

func newQueueMetrics(reg *prometheus.Registry) *queueMetrics {
	totals := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "queue",
			Name:      "total",
			Help:      "Warming queue events by type.",
		},
		[]string{"type"},
	)
	depth := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: _metricsNamespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Queue depths by queue name.",
		},
		[]string{"queue"},
	)
	if reg != nil {
		reg.MustRegister(totals, depth)
	}
	return &queueMetrics{totals: totals, depth: depth}
}

func newDBMetrics(ctx context.Context, db *pgxpool.Pool, reg *prometheus.Registry) *dbMetrics {
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: _metricsNamespace,
			Subsystem: "db",
			Name:      "total",
			Help:      "Counts of persisted cache rows by namespace.",
		},
		[]string{"type"},
	)
	if reg != nil {
		reg.MustRegister(gauge, pgxpoolprometheus.NewCollector(db, nil))
	}
	dbm := &dbMetrics{gauge: gauge}
	// This is an expensive query so we only run it every 5 minutes.
	go func() {
		for {
			row := db.QueryRow(ctx, `
			  SELECT
				sum(CASE WHEN key LIKE 'search:%'       THEN 1 ELSE 0 END) AS searches,
				sum(CASE WHEN key LIKE 'v1:%'           THEN 1 ELSE 0 END) AS lookups,
				sum(CASE WHEN key LIKE 'isbn:%'         THEN 1 ELSE 0 END) AS isbns,
				sum(CASE WHEN key LIKE 'csv-results:%'  THEN 1 ELSE 0 END) AS csvs,
				sum(CASE WHEN key LIKE 'scan-results:%' THEN 1 ELSE 0 END) AS scans,
				sum(CASE WHEN key LIKE 'job-state:%'    THEN 1 ELSE 0 END) AS jobs
			  FROM cache;
			`)
			var searches, lookups, isbns, csvs, scans, jobs int64
			err := row.Scan(&searches, &lookups, &isbns, &csvs, &scans, &jobs)
			if err != nil {
				Log(ctx).Warn("problem collecting db stats", "err", err)
			} else {
				dbm.searchesSet(searches)
				dbm.lookupsSet(lookups)
				dbm.isbnsSet(isbns)
				dbm.resultsSet(csvs + scans)
				dbm.jobsSet(jobs)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Minute):
			}
		}
	}()
	return dbm
}

func (hm *httpMetrics) requestsInc() {
	hm.totals.WithLabelValues("requests").Inc()
}

func (hm *httpMetrics) requestsGet() int64 {
	m := &dto.Metric{}
	err := hm.totals.WithLabelValues("requests").Write(m)
	if err != nil {
		return 0
	}
	return int64(m.GetCounter().GetValue())
}

func (hm *httpMetrics) errorsInc() {
	hm.totals.WithLabelValues("errors").Inc()
}

func (hm *httpMetrics) errorsGet() int64 {
	m := &dto.Metric{}
	err := hm.totals.WithLabelValues("errors").Write(m)
	if err != nil {
		return 0
	}
	return int64(m.GetCounter().GetValue())
}

func (hm *httpMetrics) errorRateGet() float64 {
	requests := hm.requestsGet()
	if requests == 0 {
		return 0.0
	}
	return float64(hm.errorsGet()) / float64(requests)
}

func (dbm *dbMetrics) searchesSet(n int64) {
	dbm.gauge.WithLabelValues("searches").Set(float64(n))
}

func (dbm *dbMetrics) lookupsSet(n int64) {
	dbm.gauge.WithLabelValues("lookups").Set(float64(n))
}

func (dbm *dbMetrics) isbnsSet(n int64) {
	dbm.gauge.WithLabelValues("isbns").Set(float64(n))
}

func (dbm *dbMetrics) resultsSet(n int64) {
	dbm.gauge.WithLabelValues("results").Set(float64(n))
}

func (dbm *dbMetrics) jobsSet(n int64) {
	dbm.gauge.WithLabelValues("jobs").Set(float64(n))
}

func (cm *controllerMetrics) searchInc(namespace string) {
	cm.totals.WithLabelValues("search_" + namespace).Inc()
}

func (cm *controllerMetrics) negativeHitInc() {
	cm.totals.WithLabelValues("negative_hits").Inc()
}

func (cm *controllerMetrics) harvestLoggedInc() {
	cm.totals.WithLabelValues("harvest_logged").Inc()
}

func (cm *controllerMetrics) refreshWaitingAdd(delta int64) {
	if delta == 0 {
		return
	}
	cm.gauge.WithLabelValues("refresh").Add(float64(delta))
}

func (cm *controllerMetrics) refreshWaitingGet() float64 {
	m := &dto.Metric{}
	err := cm.gauge.WithLabelValues("refresh").Write(m)
	if err != nil {
		return 0.0
	}
	return m.GetGauge().GetValue()
}

func (cm *cacheMetrics) hitInc(src CacheSource) {
	cm.totals.WithLabelValues("hits_" + strings.ToLower(string(src))).Inc()
}

func (cm *cacheMetrics) hitGet() int64 {
	var total int64
	for _, src := range []CacheSource{SourceEdge, SourceKV, SourceCold} {
		m := &dto.Metric{}
		err := cm.totals.WithLabelValues("hits_" + strings.ToLower(string(src))).Write(m)
		if err != nil {
			continue
		}
		total += int64(m.GetCounter().GetValue())
	}
	return total
}

func (cm *cacheMetrics) missInc() {
	cm.totals.WithLabelValues("misses").Inc()
}

func (cm *cacheMetrics) missGet() int64 {
	m := &dto.Metric{}
	err := cm.totals.WithLabelValues("misses").Write(m)
	if err != nil {
		return 0
	}
	return int64(m.GetCounter().GetValue())
}

func (cm *cacheMetrics) hitRatioGet() float64 {
	hits := cm.hitGet()
	misses := cm.missGet()
	if hits+misses == 0 {
		return 0.0
	}
	ratio := float64(hits) / float64(hits+misses)
	return ratio
}

func (cm *cacheMetrics) promotionInc() {
	cm.totals.WithLabelValues("promotions").Inc()
}

func (cm *cacheMetrics) promotionDroppedInc() {
	cm.totals.WithLabelValues("promotions_dropped").Inc()
}

func (pm *providerMetrics) callInc(provider, op, result string) {
	pm.totals.WithLabelValues(provider, op, result).Inc()
	switch result {
	case "ok", "not_found":
	default:
		pm.failures.Inc()
	}
}

func (pm *providerMetrics) failuresGet() int64 {
	m := &dto.Metric{}
	err := pm.failures.Write(m)
	if err != nil {
		return 0
	}
	return int64(m.GetCounter().GetValue())
}

func (jm *jobMetrics) activeAdd(pipeline string, delta int64) {
	if delta == 0 {
		return
	}
	jm.active.WithLabelValues(pipeline).Add(float64(delta))
}

func (jm *jobMetrics) activeGet() int64 {
	var total int64
	for _, pipeline := range []Pipeline{PipelineAIScan, PipelineCSVImport, PipelineBatchEnrichment} {
		m := &dto.Metric{}
		err := jm.active.WithLabelValues(string(pipeline)).Write(m)
		if err != nil {
			continue
		}
		total += int64(m.GetGauge().GetValue())
	}
	return total
}

func (jm *jobMetrics) completedInc(status string) {
	jm.totals.WithLabelValues("status_" + status).Inc()
}

func (jm *jobMetrics) wsSentInc() {
	jm.totals.WithLabelValues("ws_sent").Inc()
}

func (jm *jobMetrics) wsOversizeInc() {
	jm.totals.WithLabelValues("ws_oversize").Inc()
}

func (jm *jobMetrics) persistInc() {
	jm.totals.WithLabelValues("persists").Inc()
}

func (qm *queueMetrics) consumedInc() {
	qm.totals.WithLabelValues("consumed").Inc()
}

func (qm *queueMetrics) retriedInc() {
	qm.totals.WithLabelValues("retried").Inc()
}

func (qm *queueMetrics) deadletteredInc() {
	qm.totals.WithLabelValues("deadlettered").Inc()
}

func (qm *queueMetrics) depthSet(queue string, n int64) {
	qm.depth.WithLabelValues(queue).Set(float64(n))
}

func (qm *queueMetrics) depthGet(queue string) int64 {
	m := &dto.Metric{}
	err := qm.depth.WithLabelValues(queue).Write(m)
	if err != nil {
		return 0
	}
	return int64(m.GetGauge().GetValue())
}

// _snapshotRetention bounds the window ring; snapshots are taken every 15
// minutes so this holds a week of history.
const _snapshotRetention = 7 * 24 * time.Hour

// metricsSnapshot is a point-in-time copy of the counters the summary
// endpoint reports. Period queries diff the current counters against the
// oldest snapshot inside the period.
type metricsSnapshot struct {
	At        time.Time
	Requests  int64
	Errors    int64
	CacheHits int64
	CacheMiss int64
	Failures  int64
}

// metricsWindow retains periodic snapshots so GET /metrics can answer
// ?period= queries without a time-series database.
type metricsWindow struct {
	mu        sync.Mutex
	snapshots []metricsSnapshot
}

func (w *metricsWindow) append(s metricsSnapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.snapshots = append(w.snapshots, s)

	cutoff := s.At.Add(-_snapshotRetention)
	trim := 0
	for trim < len(w.snapshots) && w.snapshots[trim].At.Before(cutoff) {
		trim++
	}
	w.snapshots = w.snapshots[trim:]
}

// since returns the oldest snapshot taken at or after t.
func (w *metricsWindow) since(t time.Time) (metricsSnapshot, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range w.snapshots {
		if !s.At.Before(t) {
			return s, true
		}
	}
	return metricsSnapshot{}, false
}

// normalizePattern derives the constant label from the pattern:
//
//	"GET /api/job-state/{jobID}" → "/api/job-state"
//	"GET /v1/search/title"       → "/v1/search/title"
func normalizePattern(pattern string) string {
	if _, rest, ok := strings.Cut(pattern, " "); ok {
		pattern = rest
	}
	p := _patternRE.ReplaceAllString(pattern, "")
	p = strings.TrimSuffix(p, "/")
	p = strings.ReplaceAll(p, "//", "/")
	return p
}
