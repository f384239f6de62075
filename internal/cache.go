package internal

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	gocache "github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	ristretto_store "github.com/eko/gocache/store/ristretto/v4"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// Cache namespaces. A full key is "<namespace>:<k1>=<v1>&<k2>=<v2>" with
// params sorted, so permuting query parameters can't fragment the cache.
const (
	nsSearchTitle   = "search:title"
	nsSearchISBN    = "search:isbn"
	nsAdvanced      = "v1:advanced"
	nsEditions      = "v1:editions"
	nsAuthor        = "search:author"
	nsISBN          = "isbn"
	nsCSVResults    = "csv-results"
	nsScanResults   = "scan-results"
	nsEnrichResults = "enrich-results"
	nsCSVParse      = "csv-parse"
	nsJobState      = "job-state"
	nsRateLimit     = "rate-limit"
)

var (
	// _namespaceTTL holds base TTLs before quality adjustment.
	_namespaceTTL = map[string]time.Duration{
		nsSearchTitle:   24 * time.Hour,
		nsSearchISBN:    30 * 24 * time.Hour,
		nsAdvanced:      24 * time.Hour,
		nsEditions:      7 * 24 * time.Hour,
		nsAuthor:        7 * 24 * time.Hour,
		nsISBN:          30 * 24 * time.Hour,
		nsCSVResults:    24 * time.Hour,
		nsScanResults:   24 * time.Hour,
		nsEnrichResults: 24 * time.Hour,
		nsCSVParse:      7 * 24 * time.Hour,
	}

	// _edgeTTLCap bounds how long L1 entries live regardless of the
	// durable TTL.
	_edgeTTLCap = 6 * time.Hour

	// _missing is a sentinel value cached for confirmed upstream misses.
	_missing = []byte{0}

	// _missingTTL is how long we wait before retrying a confirmed miss.
	_missingTTL = 24 * time.Hour

	// _coldProbeMonths bounds how far back a cold lookup probes.
	_coldProbeMonths = 18
)

// CacheSource identifies the tier that served a lookup.
type CacheSource string

const (
	SourceEdge CacheSource = "EDGE"
	SourceKV   CacheSource = "KV"
	SourceCold CacheSource = "COLD"
	SourceMiss CacheSource = "MISS"
)

// keyNamespace recovers the namespace from a full cache key. Parameter
// values are escaped, so the last colon always terminates the namespace.
func keyNamespace(key string) string {
	if idx := strings.LastIndexByte(key, ':'); idx > 0 {
		return key[:idx]
	}
	return key
}

// namespaceTTL returns the base TTL for a namespace, defaulting to a day
// for anything unknown.
func namespaceTTL(namespace string) time.Duration {
	if ttl, ok := _namespaceTTL[namespace]; ok {
		return ttl
	}
	return 24 * time.Hour
}

// qualityMultiplier scales a base TTL by response quality: complete
// answers are worth keeping longer, junk expires sooner.
func qualityMultiplier(q float64) float64 {
	switch {
	case q >= 0.8:
		return 2.0
	case q >= 0.4:
		return 1.0
	default:
		return 0.5
	}
}

// ttlFor computes the quality-adjusted, jittered TTL for a write.
func ttlFor(namespace string, quality float64) time.Duration {
	base := namespaceTTL(namespace)
	return fuzz(time.Duration(float64(base)*qualityMultiplier(quality)), 0.1)
}

// fuzz adds up to f*d of random jitter so keys written together don't
// expire together.
func fuzz(d time.Duration, f float64) time.Duration {
	return d + time.Duration(rand.Float64()*f*float64(d))
}

// TieredCache is the single logical cache backed by three tiers: a
// process-local edge (ristretto), a durable KV, and a cold blob index.
// Probes walk tiers in order; hits in slower tiers asynchronously populate
// the faster ones. Tier failures degrade to misses and never propagate.
type TieredCache struct {
	edge *gocache.Cache[[]byte]
	kv   kvStore
	cold blobStore

	metrics *cacheMetrics

	// promoteG bounds concurrent tier promotions. Promotions are dropped,
	// not queued, when the bound is hit; the next read promotes again.
	promoteG errgroup.Group
}

// NewTieredCache assembles the tiered cache. cold may be nil, which
// disables the L3 probe.
func NewTieredCache(kv kvStore, cold blobStore, reg *prometheus.Registry) (*TieredCache, error) {
	r, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     512 << 20, // 512 MiB of edge cache.
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("building edge cache: %w", err)
	}

	t := &TieredCache{
		edge:    gocache.New[[]byte](ristretto_store.NewRistretto(r)),
		kv:      kv,
		cold:    cold,
		metrics: newCacheMetrics(reg),
	}
	t.promoteG.SetLimit(8)
	return t, nil
}

// Get probes edge, KV, then cold. KV hits refill the edge; cold hits
// refill KV and edge. The returned TTL is how long the value remains
// durable, so callers can refresh entries nearing expiry; cold hits report
// the namespace TTL they were re-warmed with. The caller can distinguish a
// cached miss sentinel with isMissing.
func (t *TieredCache) Get(ctx context.Context, key string) ([]byte, CacheSource, time.Duration, bool) {
	if v, ttl, err := t.edge.GetWithTTL(ctx, key); err == nil && len(v) > 0 {
		t.metrics.hitInc(SourceEdge)
		return v, SourceEdge, ttl, true
	}

	if v, ttl, ok := t.kv.GetWithTTL(ctx, key); ok {
		t.metrics.hitInc(SourceKV)
		t.promote(key, v, ttl, false)
		return v, SourceKV, ttl, true
	}

	if t.cold != nil {
		if v, ok := t.coldGet(ctx, key); ok {
			t.metrics.hitInc(SourceCold)
			ttl := namespaceTTL(keyNamespace(key))
			t.promote(key, v, ttl, true)
			return v, SourceCold, ttl, true
		}
	}

	t.metrics.missInc()
	return nil, SourceMiss, 0, false
}

// Put writes through to KV with the full TTL and to the edge with the
// capped TTL. Failures are logged by the stores and otherwise ignored.
func (t *TieredCache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	t.kv.Set(ctx, key, value, ttl)
	t.edgeSet(ctx, key, value, ttl)
}

// PutDurable writes to KV only. Use it for multi-megabyte job results that
// would churn the edge for no benefit.
func (t *TieredCache) PutDurable(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	t.kv.Set(ctx, key, value, ttl)
}

// PutMissing records a confirmed upstream miss so we don't re-query for a
// while.
func (t *TieredCache) PutMissing(ctx context.Context, key string) {
	t.Put(ctx, key, _missing, fuzz(_missingTTL, 0.5))
}

// Invalidate removes a key from the edge and KV tiers and tombstones any
// cold copies reachable by the probe window.
func (t *TieredCache) Invalidate(ctx context.Context, key string) {
	_ = t.edge.Delete(ctx, key)
	if err := t.kv.Delete(ctx, key); err != nil {
		Log(ctx).Warn("problem invalidating key", "key", key, "err", err)
	}
	if t.cold == nil {
		return
	}
	now := time.Now().UTC()
	for i := 0; i < _coldProbeMonths; i++ {
		_ = t.cold.Delete(ctx, coldKey(key, now.AddDate(0, -i, 0)))
	}
}

// InvalidatePrefix removes every KV key under a namespace prefix. Edge
// entries age out on their own within the cap.
func (t *TieredCache) InvalidatePrefix(ctx context.Context, prefix string) (int64, error) {
	return t.kv.DeletePrefix(ctx, prefix)
}

func (t *TieredCache) edgeSet(ctx context.Context, key string, value []byte, ttl time.Duration) {
	err := t.edge.Set(ctx, key, value,
		store.WithExpiration(min(ttl, _edgeTTLCap)),
		store.WithCost(int64(len(value))),
	)
	if err != nil {
		Log(ctx).Debug("problem writing edge cache", "key", key, "err", err)
	}
}

// promote fills faster tiers after a slow-tier hit. Promotions are
// idempotent overwrites, so concurrent duplicates are harmless.
func (t *TieredCache) promote(key string, value []byte, ttl time.Duration, toKV bool) {
	ok := t.promoteG.TryGo(func() error {
		ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "promote")
		defer func() {
			if r := recover(); r != nil {
				Log(ctx).Error("panic during promotion", "details", r)
			}
		}()

		if toKV {
			t.kv.Set(ctx, key, value, fuzz(ttl, 0.1))
		}
		t.edgeSet(ctx, key, value, ttl)
		t.metrics.promotionInc()
		return nil
	})
	if !ok {
		t.metrics.promotionDroppedInc()
	}
}

func (t *TieredCache) coldGet(ctx context.Context, key string) ([]byte, bool) {
	now := time.Now().UTC()
	for i := 0; i < _coldProbeMonths; i++ {
		v, err := t.cold.Get(ctx, coldKey(key, now.AddDate(0, -i, 0)))
		if err != nil {
			continue
		}
		// Cold entries are written compressed by the archival job.
		if v, err = decompress(v); err != nil {
			Log(ctx).Warn("problem decompressing cold entry", "key", key, "err", err)
			continue
		}
		if len(v) > 0 {
			return v, true
		}
	}
	return nil, false
}

// coldKey addresses the L3 index: cold-cache/YYYY/MM/<escaped key>.json.
func coldKey(key string, t time.Time) string {
	return fmt.Sprintf("cold-cache/%04d/%02d/%s.json", t.Year(), int(t.Month()), url.PathEscape(key))
}

// isMissing reports whether a cached value is the miss sentinel.
func isMissing(value []byte) bool {
	return len(value) == 1 && value[0] == 0
}
