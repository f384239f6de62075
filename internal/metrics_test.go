package internal

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsWindow(t *testing.T) {
	t.Parallel()

	var w metricsWindow
	_, ok := w.since(time.Now())
	assert.False(t, ok, "an empty window has no baseline")

	base := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	w.append(metricsSnapshot{At: base, Requests: 10})
	w.append(metricsSnapshot{At: base.Add(15 * time.Minute), Requests: 20})
	w.append(metricsSnapshot{At: base.Add(30 * time.Minute), Requests: 30})

	// The oldest snapshot inside the period is the diff baseline.
	s, ok := w.since(base.Add(10 * time.Minute))
	require.True(t, ok)
	assert.EqualValues(t, 20, s.Requests)

	s, ok = w.since(base.Add(15 * time.Minute))
	require.True(t, ok, "a snapshot taken exactly at the period start counts")
	assert.EqualValues(t, 20, s.Requests)

	s, ok = w.since(base)
	require.True(t, ok)
	assert.EqualValues(t, 10, s.Requests)

	_, ok = w.since(base.Add(time.Hour))
	assert.False(t, ok, "nothing has been snapshotted that recently")

	// Appending prunes everything older than the retention horizon.
	w.append(metricsSnapshot{At: base.Add(_snapshotRetention + 15*time.Minute), Requests: 40})
	s, ok = w.since(base)
	require.True(t, ok)
	assert.EqualValues(t, 20, s.Requests, "the oldest snapshot aged out")
	assert.Len(t, w.snapshots, 3, "the snapshot exactly at the horizon survives")
}

func TestNormalizePattern(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		pattern string
		want    string
	}{
		{"GET /v1/search/title", "/v1/search/title"},
		{"POST /api/scan-bookshelf", "/api/scan-bookshelf"},
		{"GET /api/job-state/{jobID}", "/api/job-state"},
		{"GET /v1/scan/results/{jobID}", "/v1/scan/results"},
		{"GET /v1/works/{workID}/editions/{editionID}", "/v1/works/editions"},
		{"GET /debug/pprof/", "/debug/pprof"},
		{"/", ""},
		{"", ""},
	} {
		assert.Equal(t, tc.want, normalizePattern(tc.pattern), tc.pattern)
	}
}

func TestInstrumentCountsMatchedRoutes(t *testing.T) {
	t.Parallel()

	hm := newHTTPMetrics(nil)
	assert.Zero(t, hm.errorRateGet(), "no traffic means no error rate")

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/search/title", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	mux.HandleFunc("GET /missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("GET /broken", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	mux.HandleFunc("/", http.NotFound)
	h := instrument(hm, mux)

	serve := func(target string) {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, target, nil))
	}

	serve("/v1/search/title?q=dune")
	serve("/missing")
	assert.EqualValues(t, 2, hm.requestsGet())
	assert.Zero(t, hm.errorsGet(), "a 4xx is not a server error")

	serve("/broken")
	assert.EqualValues(t, 3, hm.requestsGet())
	assert.EqualValues(t, 1, hm.errorsGet())
	assert.InDelta(t, 1.0/3.0, hm.errorRateGet(), 0.001)

	// The catch-all pattern isn't a route, so stray paths don't skew rates.
	serve("/does/not/exist")
	assert.EqualValues(t, 3, hm.requestsGet())
}

func TestJobMetricsActiveGauge(t *testing.T) {
	t.Parallel()

	jm := newJobMetrics(nil)
	assert.Zero(t, jm.activeGet())

	jm.activeAdd(string(PipelineAIScan), 1)
	jm.activeAdd(string(PipelineCSVImport), 1)
	jm.activeAdd(string(PipelineBatchEnrichment), 2)
	assert.EqualValues(t, 4, jm.activeGet(), "the gauge sums across pipelines")

	jm.activeAdd(string(PipelineBatchEnrichment), -2)
	assert.EqualValues(t, 2, jm.activeGet())
}

func TestCacheMetricsTierTotals(t *testing.T) {
	t.Parallel()

	cm := newCacheMetrics(nil)
	assert.Zero(t, cm.hitRatioGet(), "no lookups yet")

	cm.hitInc(SourceEdge)
	cm.hitInc(SourceEdge)
	cm.hitInc(SourceKV)
	cm.hitInc(SourceCold)
	cm.missInc()

	assert.EqualValues(t, 4, cm.hitGet(), "hits sum across all three tiers")
	assert.EqualValues(t, 1, cm.missGet())
	assert.InDelta(t, 0.8, cm.hitRatioGet(), 0.001)
}

func TestProviderMetricsFailures(t *testing.T) {
	t.Parallel()

	pm := newProviderMetrics(nil)
	pm.callInc(ProviderGoogleBooks, "search_title", provOK.String())
	pm.callInc(ProviderOpenLibrary, "search_isbn", provNotFound.String())
	assert.Zero(t, pm.failuresGet(), "misses are routine, not failures")

	pm.callInc(ProviderISBNDB, "editions", provTimeout.String())
	pm.callInc(ProviderGoogleBooks, "author_works", provRateLimited.String())
	pm.callInc(ProviderOpenLibrary, "search_title", provTransient.String())
	assert.EqualValues(t, 3, pm.failuresGet())
}

func TestControllerMetricsRefreshGauge(t *testing.T) {
	t.Parallel()

	cm := newControllerMetrics(nil)
	assert.Zero(t, cm.refreshWaitingGet())

	cm.refreshWaitingAdd(3)
	cm.refreshWaitingAdd(0)
	cm.refreshWaitingAdd(-1)
	assert.EqualValues(t, 2, cm.refreshWaitingGet())
}
