package internal

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// Config carries everything the gateway needs to boot. The CLI fills it
// from flags and the environment.
type Config struct {
	// Port to listen on.
	Port int

	// DSN selects the KV backend: postgres://, sqlite://, or empty for an
	// in-memory store that forgets everything on restart.
	DSN string

	// RedisURL enables the warming queue and alert list when set.
	RedisURL string

	// BlobDir roots the cold cache and harvested covers.
	BlobDir string

	// CORSOrigins lists the origins allowed to call the API. Empty means
	// any origin.
	CORSOrigins []string

	GoogleBooksKey Secret
	ISBNdbKey      Secret
	GeminiKey      Secret
	OpenAIKey      Secret

	// GeminiModel and OpenAIModel override the default model names.
	GeminiModel string
	OpenAIModel string
}

// Server owns the wired-up gateway: stores, providers, pipelines, jobs, and
// the HTTP surface. Run serves; the other methods back the one-shot CLI
// subcommands.
type Server struct {
	cfg Config

	kv      kvStore
	cache   *TieredCache
	blobs   blobStore
	ctrl    *Controller
	jobs    *JobRegistry
	limiter *RateLimiter
	rdb     *redis.Client
	warm    *warmer
	sched   *scheduler
	mux     http.Handler
	reg     *prometheus.Registry
}

// NewServer wires the gateway together. Providers without credentials are
// skipped rather than failing boot: Google Books and OpenLibrary work
// unkeyed, ISBNdb does not.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	reg := NewMetrics()

	kv, err := NewKV(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening kv store: %w", err)
	}
	if pg, ok := kv.(*pgKV); ok {
		newDBMetrics(ctx, pg.Pool(), reg)
	}

	if cfg.BlobDir == "" {
		cfg.BlobDir = "blobs"
	}
	blobs, err := NewFSBlob(cfg.BlobDir)
	if err != nil {
		return nil, err
	}

	cache, err := NewTieredCache(kv, blobs, reg)
	if err != nil {
		return nil, err
	}

	provm := newProviderMetrics(reg)
	httpm := newHTTPMetrics(reg)
	window := &metricsWindow{}

	// Registration order is quality order; the enricher and the cover
	// harvest both walk providers front to back.
	providers := []provider{
		NewGoogleBooks(newUpstreamClient(ProviderGoogleBooks,
			NewUpstream("www.googleapis.com", time.Second/5, 2, "", ""), provm), cfg.GoogleBooksKey),
		NewOpenLibrary(newUpstreamClient(ProviderOpenLibrary,
			NewUpstream("openlibrary.org", time.Second/3, 1, "", ""), provm)),
	}
	if !cfg.ISBNdbKey.IsZero() {
		providers = append(providers, NewISBNDB(newUpstreamClient(ProviderISBNDB,
			NewUpstream("api2.isbndb.com", time.Second, 1, "Authorization", cfg.ISBNdbKey.Reveal()), provm)))
	}

	var models []visionModel
	if !cfg.GeminiKey.IsZero() {
		models = append(models, NewGeminiVision(
			NewUpstream("generativelanguage.googleapis.com", time.Second/2, 2, "", ""),
			cfg.GeminiKey, cfg.GeminiModel))
	}
	if !cfg.OpenAIKey.IsZero() {
		// nil lets the SDK keep its own client; its retry handling wants to
		// see raw 429s, which our error proxy would swallow.
		models = append(models, NewOpenAIVision(cfg.OpenAIKey, cfg.OpenAIModel, nil))
	}
	if len(models) == 0 {
		Log(ctx).Warn("no vision model configured; scan and import endpoints will refuse requests")
	}
	vision := NewVisionRegistry(models...)

	enrich := newEnricher(cache, providers...)
	harvest := newHarvestLog(0)
	ctrl := NewController(cache, harvest, reg, providers...)
	jobs := NewJobRegistry(cache, reg)
	limiter := NewRateLimiter(kv)

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		rdb = redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
	}
	var warm *warmer
	if rdb != nil {
		warm = newWarmer(rdb, ctrl, reg)
	}

	// Cover and proxy fetches go to arbitrary image hosts, so this client
	// is unscoped; the callers validate hosts and sizes themselves.
	images := &http.Client{Timeout: 30 * time.Second}

	sched := newScheduler(kv, blobs, harvest, images, rdb, httpm, cache.metrics, provm, window, providers...)

	h := newHandler(handlerConfig{
		ctrl:    ctrl,
		jobs:    jobs,
		scanner: NewScanner(vision, enrich, cache, blobs),
		csv:     NewCSVImporter(vision, enrich, cache),
		batch:   NewBatcher(enrich, cache),
		vision:  vision,
		limiter: limiter,
		cache:   cache,
		blobs:   blobs,
		warm:    warm,
		reg:     reg,
		httpm:   httpm,
		provm:   provm,
		window:  window,
		images:  images,
		origins: cfg.CORSOrigins,
	})

	return &Server{
		cfg:     cfg,
		kv:      kv,
		cache:   cache,
		blobs:   blobs,
		ctrl:    ctrl,
		jobs:    jobs,
		limiter: limiter,
		rdb:     rdb,
		warm:    warm,
		sched:   sched,
		mux:     newMux(h),
		reg:     reg,
	}, nil
}

// Run serves HTTP until ctx is canceled, then drains. Jobs persisted by a
// previous process are recovered before the listener opens so reconnecting
// clients see state instead of 404s.
func (s *Server) Run(ctx context.Context) error {
	if err := s.jobs.Recover(ctx); err != nil {
		Log(ctx).Error("recovering persisted jobs", "err", err)
	}

	go s.sched.Run(ctx)
	if s.warm != nil {
		go s.warm.Run(ctx)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		Log(ctx).Info("listening", "port", s.cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	Log(ctx).Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutCtx)

	s.jobs.Shutdown()
	s.limiter.Close()
	if s.rdb != nil {
		_ = s.rdb.Close()
	}
	s.kv.Close()
	return err
}

// Warm queues an author for background cache warming.
func (s *Server) Warm(ctx context.Context, author string, depth int) error {
	if s.warm == nil {
		return fmt.Errorf("cache warming requires redis; set --redis")
	}
	return s.warm.Enqueue(ctx, author, depth)
}

// Maintain runs one archival and cover-harvest pass. The serve loop runs
// the same passes nightly; this is the one-shot entry for the CLI.
func (s *Server) Maintain(ctx context.Context) {
	s.sched.Archive(ctx)
	s.sched.HarvestCovers(ctx)
}

// Bust invalidates every cached entry under the given key prefix and
// reports how many rows went away.
func (s *Server) Bust(ctx context.Context, prefix string) (int64, error) {
	return s.cache.InvalidatePrefix(ctx, prefix)
}

// Close releases resources for one-shot commands that never call Run.
func (s *Server) Close() {
	s.jobs.Shutdown()
	s.limiter.Close()
	if s.rdb != nil {
		_ = s.rdb.Close()
	}
	s.kv.Close()
}
