package internal

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

const (
	_alertsKey    = "hardbound:alerts"
	_alertsKept   = 100
	_alertsEvery  = 15 * time.Minute
	_archiveEvery = 24 * time.Hour

	// Alert thresholds. Both require a minimum of activity in the window so
	// a quiet instance doesn't page on its first 500.
	_alertErrorRate   = 0.05
	_alertHitRatio    = 0.50
	_alertMinRequests = 50
	_alertMinProbes   = 100

	_harvestBatch   = 500
	_coverMaxBytes  = 5 << 20
	_coverMinBytes  = 2 << 10 // cover services serve placeholder pixels for unknown ISBNs
	_archivePageLen = 500
)

// _archiveNamespaces are the long-lived namespaces the nightly job promotes
// to cold storage so records outlive their KV row.
var _archiveNamespaces = []string{nsSearchISBN, nsISBN}

// alertRecord is what lands on the redis alert list when a threshold trips.
type alertRecord struct {
	Type      string    `json:"type"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Window    string    `json:"window"`
	At        time.Time `json:"at"`
}

// scheduler owns the periodic maintenance work: the nightly cover harvest
// and archival pass, and the 15-minute alert and snapshot sweeps. The
// harvest and archive passes are also reachable directly for the one-shot
// CLI subcommand.
type scheduler struct {
	kv        kvStore
	blobs     blobStore
	harvest   *harvestLog
	providers []provider
	images    *http.Client
	rdb       *redis.Client // may be nil, which downgrades alerts to logs

	httpm  *httpMetrics
	cachem *cacheMetrics
	provm  *providerMetrics
	window *metricsWindow
}

func newScheduler(
	kv kvStore,
	blobs blobStore,
	harvest *harvestLog,
	images *http.Client,
	rdb *redis.Client,
	httpm *httpMetrics,
	cachem *cacheMetrics,
	provm *providerMetrics,
	window *metricsWindow,
	providers ...provider,
) *scheduler {
	return &scheduler{
		kv:        kv,
		blobs:     blobs,
		harvest:   harvest,
		providers: providers,
		images:    images,
		rdb:       rdb,
		httpm:     httpm,
		cachem:    cachem,
		provm:     provm,
		window:    window,
	}
}

// Run ticks the maintenance jobs until ctx is canceled. It blocks; callers
// typically `go` it.
func (s *scheduler) Run(ctx context.Context) {
	daily := time.NewTicker(_archiveEvery)
	defer daily.Stop()
	quarter := time.NewTicker(_alertsEvery)
	defer quarter.Stop()

	// Baseline snapshot so period queries have something to diff against.
	s.snapshot()

	for {
		select {
		case <-ctx.Done():
			return
		case <-daily.C:
			s.HarvestCovers(ctx)
			s.Archive(ctx)
		case <-quarter.C:
			s.checkAlerts(ctx)
			s.snapshot()
		}
	}
}

// HarvestCovers drains the logged cover-less ISBNs and tries each provider
// in registration order, which is quality order, for a direct cover URL.
// Fetched covers land in the blob store under covers/.
func (s *scheduler) HarvestCovers(ctx context.Context) {
	isbns := s.harvest.drain(_harvestBatch)
	if len(isbns) == 0 {
		return
	}

	start := time.Now()
	var harvested int
	for _, isbn := range isbns {
		if ctx.Err() != nil {
			// Put the rest back for the next run.
			for _, rest := range isbns[harvested:] {
				s.harvest.add(rest)
			}
			return
		}

		key := coverBlobKey(isbn)
		if ok, err := s.blobs.Exists(ctx, key); err == nil && ok {
			continue
		}

		data := s.fetchCover(ctx, isbn)
		if data == nil {
			continue
		}
		if err := s.blobs.Put(ctx, key, data); err != nil {
			Log(ctx).Warn("storing harvested cover", "isbn", isbn, "err", err)
			continue
		}
		harvested++
	}

	Log(ctx).Info("cover harvest finished",
		"drained", len(isbns), "harvested", harvested, "took", time.Since(start))
}

func coverBlobKey(isbn string) string {
	return "covers/" + isbn + ".jpg"
}

func (s *scheduler) fetchCover(ctx context.Context, isbn string) []byte {
	for _, p := range s.providers {
		u := p.CoverURL(isbn)
		if u == "" {
			continue
		}
		data, err := fetchImage(ctx, s.images, u)
		if err != nil {
			Log(ctx).Debug("cover fetch failed", "provider", p.Name(), "isbn", isbn, "err", err)
			continue
		}
		return data
	}
	return nil
}

// fetchImage downloads an image with size and content-type guards. Bodies
// smaller than _coverMinBytes are treated as the placeholder pixels cover
// services return for unknown ISBNs.
func fetchImage(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "image/") {
		return nil, fmt.Errorf("not an image: %q", ct)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, _coverMaxBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > _coverMaxBytes {
		return nil, fmt.Errorf("image exceeds %d bytes", _coverMaxBytes)
	}
	if len(data) < _coverMinBytes {
		return nil, fmt.Errorf("image too small (%d bytes), likely a placeholder", len(data))
	}
	return data, nil
}

// Archive sweeps expired KV rows and promotes live rows in the long-lived
// namespaces into cold storage under this month's bucket. Values are copied
// as stored, so already-compressed rows stay compressed; the cold reader
// sniffs on the way back out.
func (s *scheduler) Archive(ctx context.Context) {
	start := time.Now()

	swept, err := s.kv.SweepExpired(ctx)
	if err != nil {
		Log(ctx).Warn("sweeping expired cache rows", "err", err)
	}

	var promoted int64
	now := time.Now()
	for _, ns := range _archiveNamespaces {
		after := ""
		for {
			if ctx.Err() != nil {
				return
			}
			entries, err := s.kv.List(ctx, ns+":", after, _archivePageLen)
			if err != nil {
				Log(ctx).Warn("listing rows for archival", "namespace", ns, "err", err)
				break
			}
			if len(entries) == 0 {
				break
			}
			for _, entry := range entries {
				after = entry.key
				if isMissing(entry.value) {
					continue
				}
				key := coldKey(entry.key, now)
				if ok, err := s.blobs.Exists(ctx, key); err == nil && ok {
					continue
				}
				if err := s.blobs.Put(ctx, key, entry.value); err != nil {
					Log(ctx).Warn("promoting row to cold", "key", entry.key, "err", err)
					continue
				}
				promoted++
			}
			if len(entries) < _archivePageLen {
				break
			}
		}
	}

	Log(ctx).Info("archival finished",
		"swept", swept, "promoted", promoted, "took", time.Since(start))
}

// checkAlerts diffs the live counters against the last snapshot and raises
// an alert when the recent error rate or cache hit ratio crosses a
// threshold.
func (s *scheduler) checkAlerts(ctx context.Context) {
	cur := s.snapshotNow()
	prev, ok := s.window.since(cur.At.Add(-_alertsEvery - time.Minute))
	if !ok {
		return
	}
	window := cur.At.Sub(prev.At).Round(time.Second).String()

	if requests := cur.Requests - prev.Requests; requests >= _alertMinRequests {
		if rate := float64(cur.Errors-prev.Errors) / float64(requests); rate > _alertErrorRate {
			s.raise(ctx, alertRecord{
				Type:      "error_rate",
				Value:     rate,
				Threshold: _alertErrorRate,
				Window:    window,
				At:        cur.At,
			})
		}
	}

	if probes := (cur.CacheHits - prev.CacheHits) + (cur.CacheMiss - prev.CacheMiss); probes >= _alertMinProbes {
		if ratio := float64(cur.CacheHits-prev.CacheHits) / float64(probes); ratio < _alertHitRatio {
			s.raise(ctx, alertRecord{
				Type:      "cache_hit_ratio",
				Value:     ratio,
				Threshold: _alertHitRatio,
				Window:    window,
				At:        cur.At,
			})
		}
	}
}

func (s *scheduler) raise(ctx context.Context, alert alertRecord) {
	Log(ctx).Warn("alert threshold crossed",
		"type", alert.Type, "value", alert.Value, "threshold", alert.Threshold, "window", alert.Window)

	if s.rdb == nil {
		return
	}
	payload, err := sonic.ConfigStd.Marshal(alert)
	if err != nil {
		return
	}
	pipe := s.rdb.Pipeline()
	pipe.LPush(ctx, _alertsKey, payload)
	pipe.LTrim(ctx, _alertsKey, 0, _alertsKept-1)
	if _, err := pipe.Exec(ctx); err != nil {
		Log(ctx).Warn("recording alert", "err", err)
	}
}

func (s *scheduler) snapshot() {
	s.window.append(s.snapshotNow())
}

func (s *scheduler) snapshotNow() metricsSnapshot {
	return metricsSnapshot{
		At:        time.Now().UTC(),
		Requests:  s.httpm.requestsGet(),
		Errors:    s.httpm.errorsGet(),
		CacheHits: s.cachem.hitGet(),
		CacheMiss: s.cachem.missGet(),
		Failures:  s.provm.failuresGet(),
	}
}
