package internal

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/bytedance/sonic/option"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Result size bounds shared by the HTTP layer and the warming consumer so
// both produce identical cache keys.
const (
	_defaultMaxResults = 20
	_maxResultsCap     = 40
)

// _refreshWithin divides a namespace's base TTL: hits with less than
// base/_refreshWithin remaining schedule a background re-fetch.
const _refreshWithin = 10

// Controller answers the search endpoints cache-first. Lookups for the same
// key coalesce through a singleflight group; misses fan out to every
// provider and the merged envelope is written back with a quality-adjusted
// TTL.
//
// The request path is limited to one cache probe plus, on a miss, one
// bounded provider fan-out. Everything else -- tier promotion, cover-harvest
// logging, re-fetching entries close to expiry -- happens in the background
// so latency stays predictable.
type Controller struct {
	cache     *TieredCache
	providers []provider
	harvest   *harvestLog

	group singleflight.Group // Coalesce lookups for the same key.

	// refreshG bounds how many nearly-expired keys we re-fetch in the
	// background. Refreshes beyond the bound are dropped; the next hit
	// schedules them again.
	refreshG errgroup.Group

	metrics *controllerMetrics
}

// NewController creates a search controller over the given providers.
// harvest may be nil, which disables cover-harvest logging.
func NewController(cache *TieredCache, harvest *harvestLog, reg *prometheus.Registry, providers ...provider) *Controller {
	c := &Controller{
		cache:     cache,
		providers: providers,
		harvest:   harvest,
		metrics:   newControllerMetrics(reg),
	}
	c.refreshG.SetLimit(8)

	// Log controller stats every minute.
	go func() {
		ctx := context.Background()
		for {
			time.Sleep(1 * time.Minute)
			Log(ctx).Debug("controller stats",
				"refreshWaiting", c.metrics.refreshWaitingGet(),
				"harvestBacklog", c.harvestBacklog(),
			)
		}
	}()

	return c
}

func (c *Controller) harvestBacklog() int {
	if c.harvest == nil {
		return 0
	}
	return c.harvest.len()
}

// SearchTitle answers GET /v1/search/title. maxResults outside [1, 40]
// falls back to the default of 20.
func (c *Controller) SearchTitle(ctx context.Context, query string, maxResults int) ([]byte, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errMissingParam.withMessage("q is required")
	}
	maxResults = clampResults(maxResults)
	c.metrics.searchInc("title")

	key := CacheKey(nsSearchTitle, map[string]string{
		"title":      NormalizeTitle(query),
		"maxResults": strconv.Itoa(maxResults),
	})
	return c.search(ctx, nsSearchTitle, key, c.fetchTitle(query, maxResults))
}

// SearchISBN answers GET /v1/search/isbn. The result is a single merged
// bundle rather than a list; a confirmed miss is negative-cached.
func (c *Controller) SearchISBN(ctx context.Context, isbn string) ([]byte, error) {
	isbn13, err := ToISBN13(isbn)
	if err != nil {
		return nil, err
	}
	c.metrics.searchInc("isbn")

	key := CacheKey(nsSearchISBN, map[string]string{"isbn": isbn13})
	return c.search(ctx, nsSearchISBN, key, c.fetchISBN(isbn13))
}

// SearchAdvanced answers GET /v1/search/advanced. At least one of title and
// author must be present; results are filtered to match whichever are.
func (c *Controller) SearchAdvanced(ctx context.Context, title, author string) ([]byte, error) {
	title, author = strings.TrimSpace(title), strings.TrimSpace(author)
	if title == "" && author == "" {
		return nil, errMissingParam.withMessage("at least one of title or author is required")
	}
	c.metrics.searchInc("advanced")

	key := CacheKey(nsAdvanced, map[string]string{
		"title":  NormalizeTitle(title),
		"author": NormalizeAuthor(author),
	})
	return c.search(ctx, nsAdvanced, key, c.fetchAdvanced(title, author))
}

// SearchEditions answers GET /v1/editions/search. Zero surviving editions is
// a NOT_FOUND, per the endpoint contract. The full merged list is cached
// under title+author; the HTTP layer applies any requested limit so one
// entry serves every page size.
func (c *Controller) SearchEditions(ctx context.Context, workTitle, author string) ([]byte, error) {
	workTitle, author = strings.TrimSpace(workTitle), strings.TrimSpace(author)
	if workTitle == "" || author == "" {
		return nil, errMissingParam.withMessage("workTitle and author are required")
	}
	c.metrics.searchInc("editions")

	key := CacheKey(nsEditions, map[string]string{
		"title":  NormalizeTitle(workTitle),
		"author": NormalizeAuthor(author),
	})
	return c.search(ctx, nsEditions, key, c.fetchEditions(workTitle, author))
}

// SearchAuthor backs the warming consumer. It has no public endpoint but
// shares the search plumbing, so warmed keys are the keys the endpoints
// read.
func (c *Controller) SearchAuthor(ctx context.Context, name string) ([]byte, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errMissingParam.withMessage("author name is required")
	}
	c.metrics.searchInc("author")

	key := CacheKey(nsAuthor, map[string]string{"name": NormalizeAuthor(name)})
	return c.search(ctx, nsAuthor, key, c.fetchAuthor(name))
}

// searchFetch produces a fresh result for one cache key.
type searchFetch func(ctx context.Context) (SearchResult, error)

func (c *Controller) search(ctx context.Context, namespace, key string, fetch searchFetch) ([]byte, error) {
	start := time.Now()
	out, err, _ := c.group.Do(key, func() (any, error) {
		return c.lookup(ctx, namespace, key, start, fetch)
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

func (c *Controller) lookup(ctx context.Context, namespace, key string, start time.Time, fetch searchFetch) ([]byte, error) {
	if raw, src, ttl, ok := c.cache.Get(ctx, key); ok {
		if isMissing(raw) {
			c.metrics.negativeHitInc()
			return nil, errNotFound
		}
		out, err := reheat(raw, src, start)
		if err == nil {
			if ttl < namespaceTTL(namespace)/_refreshWithin {
				c.scheduleRefresh(namespace, key, fetch)
			}
			return out, nil
		}
		// An unreadable envelope is as good as a miss.
		Log(ctx).Warn("problem reheating cached envelope", "key", key, "err", err)
		c.cache.Invalidate(ctx, key)
	}
	return c.fill(ctx, namespace, key, start, fetch)
}

// fill fetches from the providers and writes the envelope back. NOT_FOUND
// stores the miss sentinel so repeated lookups don't re-fan-out.
func (c *Controller) fill(ctx context.Context, namespace, key string, start time.Time, fetch searchFetch) ([]byte, error) {
	Log(ctx).Debug("searching upstream", "key", key)

	res, err := fetch(ctx)
	if isNotFound(err) {
		c.cache.PutMissing(ctx, key)
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	c.logMissingCovers(res)

	out, err := sonic.ConfigStd.Marshal(newEnvelope(res, providersOf(res), start))
	if err != nil {
		return nil, fmt.Errorf("marshaling envelope: %w", err)
	}

	c.cache.Put(ctx, key, out, ttlFor(namespace, resultQuality(res)))
	return out, nil
}

// scheduleRefresh re-fetches a nearly expired key off the request path.
// Refreshes share the singleflight group with lookups, so one arriving while
// a fetch is already in flight rides it instead of doubling up.
func (c *Controller) scheduleRefresh(namespace, key string, fetch searchFetch) {
	c.metrics.refreshWaitingAdd(1)
	ok := c.refreshG.TryGo(func() error {
		ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "refresh-"+key)
		defer func() {
			c.metrics.refreshWaitingAdd(-1)
			if r := recover(); r != nil {
				Log(ctx).Error("panic during refresh", "details", r)
			}
		}()

		_, err, _ := c.group.Do(key, func() (any, error) {
			return c.fill(ctx, namespace, key, time.Now(), fetch)
		})
		if err != nil && !errors.Is(err, errNotFound) {
			Log(ctx).Warn("problem refreshing key", "key", key, "err", err)
		}
		return nil
	})
	if !ok {
		c.metrics.refreshWaitingAdd(-1)
	}
}

func (c *Controller) fetchTitle(query string, maxResults int) searchFetch {
	return func(ctx context.Context) (SearchResult, error) {
		results := fanOut(ctx, c.providers, func(ctx context.Context, p provider) ([]Book, error) {
			return p.SearchTitle(ctx, query, maxResults)
		}, nil)

		oks, err := collectResults(ctx, c.providers, results)
		if err != nil {
			return SearchResult{}, err
		}

		var books []Book
		for _, r := range oks {
			books = append(books, r.items...)
		}
		res := mergeSearch(books)
		capWorks(&res, maxResults)
		return res, nil
	}
}

func (c *Controller) fetchISBN(isbn13 string) searchFetch {
	return func(ctx context.Context) (SearchResult, error) {
		results := fanOut(ctx, c.providers, func(ctx context.Context, p provider) ([]Book, error) {
			return p.SearchISBN(ctx, isbn13)
		}, func(books []Book) bool {
			cand := bestCandidate(books, "")
			return cand != nil && highCompleteness(*cand)
		})

		oks, err := collectResults(ctx, c.providers, results)
		if err != nil {
			return SearchResult{}, err
		}

		var candidates []Book
		for _, r := range oks {
			if cand := bestCandidate(r.items, ""); cand != nil {
				candidates = append(candidates, *cand)
			}
		}
		if len(candidates) == 0 {
			return SearchResult{}, errNotFound.withMessage("no results for %s", isbn13)
		}

		book := mergeBooks(candidates)
		synthesizeWork(&book)
		return SearchResult{
			Works:    []Work{book.Work},
			Editions: book.Editions,
			Authors:  book.Authors,
		}, nil
	}
}

func (c *Controller) fetchAdvanced(title, author string) searchFetch {
	return func(ctx context.Context) (SearchResult, error) {
		op := func(ctx context.Context, p provider) ([]Book, error) {
			if title != "" {
				return p.SearchTitle(ctx, title, _defaultMaxResults)
			}
			return p.AuthorWorks(ctx, author, _defaultMaxResults, 0)
		}
		results := fanOut(ctx, c.providers, op, nil)

		oks, err := collectResults(ctx, c.providers, results)
		if err != nil {
			return SearchResult{}, err
		}

		var books []Book
		for _, r := range oks {
			for _, b := range r.items {
				if title != "" && !bookMatchesTitle(b, title) {
					continue
				}
				if author != "" && !bookMatchesAuthor(b, author) {
					continue
				}
				books = append(books, b)
			}
		}
		res := mergeSearch(books)
		capWorks(&res, _defaultMaxResults)
		return res, nil
	}
}

func (c *Controller) fetchEditions(workTitle, author string) searchFetch {
	return func(ctx context.Context) (SearchResult, error) {
		results := fanOut(ctx, c.providers, func(ctx context.Context, p provider) ([]Edition, error) {
			return p.EditionsForWork(ctx, workTitle, author)
		}, nil)

		oks, err := collectResults(ctx, c.providers, results)
		if err != nil {
			return SearchResult{}, err
		}

		var editions []Edition
		for _, r := range oks {
			for _, e := range r.items {
				if TitlesMatch(e.Title, workTitle) {
					editions = append(editions, e)
				}
			}
		}
		editions = dedupeEditions(editions)
		if len(editions) == 0 {
			return SearchResult{}, errNotFound.withMessage("no editions found for %q", workTitle)
		}
		if len(editions) > _maxResultsCap {
			editions = editions[:_maxResultsCap]
		}

		res := SearchResult{Works: []Work{}, Editions: editions, Authors: []Author{}}
		synthesizeWorks(&res)
		return res, nil
	}
}

func (c *Controller) fetchAuthor(name string) searchFetch {
	return func(ctx context.Context) (SearchResult, error) {
		results := fanOut(ctx, c.providers, func(ctx context.Context, p provider) ([]Book, error) {
			return p.AuthorWorks(ctx, name, _defaultMaxResults, 0)
		}, nil)

		oks, err := collectResults(ctx, c.providers, results)
		if err != nil {
			return SearchResult{}, err
		}

		var books []Book
		for _, r := range oks {
			for _, b := range r.items {
				if bookMatchesAuthor(b, name) {
					books = append(books, b)
				}
			}
		}
		res := mergeSearch(books)
		capWorks(&res, _defaultMaxResults)
		return res, nil
	}
}

// logMissingCovers queues cover-less editions for the nightly harvest.
func (c *Controller) logMissingCovers(res SearchResult) {
	if c.harvest == nil {
		return
	}
	for _, e := range res.Editions {
		if e.CoverURL != "" {
			continue
		}
		isbn := e.bestISBN()
		if isbn == "" {
			continue
		}
		if coverKnown(res.Works, e.Title) {
			continue
		}
		if c.harvest.add(isbn) {
			c.metrics.harvestLoggedInc()
		}
	}
}

func coverKnown(works []Work, title string) bool {
	for _, w := range works {
		if w.CoverURL != "" && TitlesMatch(w.Title, title) {
			return true
		}
	}
	return false
}

// collectResults drops failed fan-out legs, keeping the survivors in
// provider registration order so aggregated responses are deterministic.
// When every provider failed hard the first failure is surfaced; misses
// alone yield an empty (nil-error) collection for the caller to judge.
func collectResults[T any](ctx context.Context, providers []provider, results []provResult[T]) ([]provResult[T], error) {
	results = orderResults(providers, results)

	var oks []provResult[T]
	var failure *provErr
	for _, r := range results {
		if r.err != nil {
			if !isNotFound(r.err) {
				Log(ctx).Warn("provider search failed", "provider", r.provider, "err", r.err)
				if failure == nil {
					failure = asProvErr(r.provider, r.err)
				}
			}
			continue
		}
		oks = append(oks, r)
	}
	if len(oks) == 0 && failure != nil {
		return nil, failure.httpErr()
	}
	return oks, nil
}

func orderResults[T any](providers []provider, results []provResult[T]) []provResult[T] {
	byName := make(map[string]provResult[T], len(results))
	for _, r := range results {
		byName[r.provider] = r
	}
	out := make([]provResult[T], 0, len(results))
	for _, p := range providers {
		if r, ok := byName[p.Name()]; ok {
			out = append(out, r)
		}
	}
	return out
}

func asProvErr(name string, err error) *provErr {
	var pe *provErr
	if errors.As(err, &pe) {
		return pe
	}
	return categorize(name, err)
}

// mergeSearch folds raw provider bundles into one response: works dedupe by
// normalized title, editions by canonical ISBN, authors by normalized name.
// Orphan editions get synthetic works so every edition belongs to one.
func mergeSearch(books []Book) SearchResult {
	res := SearchResult{Works: []Work{}, Editions: []Edition{}, Authors: []Author{}}

	byTitle := map[string]int{}
	var authorLists [][]Author
	for _, b := range books {
		res.Editions = append(res.Editions, b.Editions...)
		authorLists = append(authorLists, b.Authors)
		if b.Work.Title == "" {
			continue
		}
		key := NormalizeTitle(b.Work.Title)
		if i, found := byTitle[key]; found {
			res.Works[i] = mergeWork(res.Works[i], b.Work)
			continue
		}
		byTitle[key] = len(res.Works)
		res.Works = append(res.Works, b.Work)
	}

	res.Editions = dedupeEditions(res.Editions)
	res.Authors = mergeAuthors(authorLists...)
	synthesizeWorks(&res)
	return res
}

// capWorks bounds the works list, preferring higher-quality bundles. Works
// are unique by normalized title after mergeSearch, so scoring by title is
// unambiguous.
func capWorks(res *SearchResult, limit int) {
	if limit <= 0 || len(res.Works) <= limit {
		return
	}
	quality := make(map[string]float64, len(res.Works))
	for _, w := range res.Works {
		b := Book{Work: w, Editions: editionsForWork(res.Editions, w)}
		quality[NormalizeTitle(w.Title)] = b.cacheQuality()
	}
	slices.SortStableFunc(res.Works, func(a, b Work) int {
		return cmp.Compare(quality[NormalizeTitle(b.Title)], quality[NormalizeTitle(a.Title)])
	})
	res.Works = res.Works[:limit]
}

// providersOf joins the names of every provider that contributed to the
// result, in first-contribution order.
func providersOf(res SearchResult) string {
	seen := newSet[string]()
	var names []string
	record := func(p provenance) {
		for _, c := range p.Contributors {
			if !seen.has(c) {
				seen.add(c)
				names = append(names, c)
			}
		}
	}
	for _, w := range res.Works {
		record(w.provenance)
	}
	for _, e := range res.Editions {
		record(e.provenance)
	}
	return strings.Join(names, ",")
}

func bookMatchesAuthor(b Book, author string) bool {
	if len(b.Authors) == 0 {
		return true // Trust the provider's own scoping.
	}
	want := NormalizeAuthor(author)
	if want == "" {
		return true
	}
	for _, a := range b.Authors {
		got := NormalizeAuthor(a.Name)
		if got == want || strings.Contains(got, want) || strings.Contains(want, got) {
			return true
		}
	}
	return false
}

func clampResults(n int) int {
	if n <= 0 {
		return _defaultMaxResults
	}
	return min(n, _maxResultsCap)
}

// Configure sonic's memory pooling.
func init() {
	option.LimitBufferSize = 100 * 1024 * 1024    // 100MB max buffer.
	option.DefaultDecoderBufferSize = 1024 * 1024 // 1MB
	option.DefaultEncoderBufferSize = 1024 * 1024 // 1MB
}
