package internal

import (
	"cmp"
	"context"
	"slices"
	"sync/atomic"

	"github.com/bytedance/sonic"
	"golang.org/x/sync/errgroup"
)

// BookIdentifier names one book to enrich, by ISBN and/or by title/author.
type BookIdentifier struct {
	ISBN   string `json:"isbn,omitempty"`
	Title  string `json:"title,omitempty"`
	Author string `json:"author,omitempty"`
}

func (id BookIdentifier) validate() error {
	if id.ISBN == "" && id.Title == "" {
		return errBadRequest.withMessage("identifier needs an isbn or a title")
	}
	if id.ISBN != "" && !ValidISBN(id.ISBN) {
		return errInvalidISBN.withMessage("invalid ISBN %q", id.ISBN)
	}
	return nil
}

// EnrichmentRecord pairs an identifier with its outcome. Exactly one of Book
// and Error is set.
type EnrichmentRecord struct {
	Identifier BookIdentifier `json:"identifier"`
	Book       *Book          `json:"book,omitempty"`
	Error      *wireError     `json:"error,omitempty"`
}

// BatchResult is the full output of a batch enrichment, stored whole and
// summarized over the progress socket.
type BatchResult struct {
	Records   []EnrichmentRecord `json:"records"`
	Authors   []Author           `json:"authors,omitempty"`
	Total     int                `json:"total"`
	Succeeded int                `json:"succeeded"`
	Failed    int                `json:"failed"`
}

// enricher fans out to every configured provider and merges what comes back
// into canonical bundles. Bundles resolved purely by ISBN are cached under
// the isbn namespace, so re-importing a book skips the fan-out entirely.
type enricher struct {
	providers []provider
	cache     *TieredCache // may be nil, which disables bundle caching
	limit     int          // concurrent identifiers per batch
}

func newEnricher(cache *TieredCache, providers ...provider) *enricher {
	return &enricher{providers: providers, cache: cache, limit: 10}
}

// bundleKey addresses a merged Book bundle by canonical ISBN.
func bundleKey(isbn13 string) string {
	return CacheKey(nsISBN, map[string]string{"isbn": isbn13})
}

// provResult carries one provider's answer through a fan-out.
type provResult[T any] struct {
	provider string
	items    T
	err      error
}

// fanOut runs op against every provider concurrently. When done reports a
// result as sufficient, outstanding calls are canceled; anything that already
// finished is still collected for field supplementation.
func fanOut[T any](ctx context.Context, providers []provider, op func(context.Context, provider) (T, error), done func(T) bool) []provResult[T] {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered so stragglers never block after we stop reading.
	results := make(chan provResult[T], len(providers))
	for _, p := range providers {
		go func() {
			items, err := op(ctx, p)
			results <- provResult[T]{provider: p.Name(), items: items, err: err}
		}()
	}

	var out []provResult[T]
	for range providers {
		r := <-results
		out = append(out, r)
		if r.err == nil && done != nil && done(r.items) {
			cancel()
			break
		}
	}
	for {
		select {
		case r := <-results:
			out = append(out, r)
		default:
			return out
		}
	}
}

// enrichOne resolves a single identifier across all providers and merges the
// answers into one bundle.
func (e *enricher) enrichOne(ctx context.Context, id BookIdentifier) (Book, error) {
	if err := id.validate(); err != nil {
		return Book{}, err
	}

	isbn13 := ""
	if id.ISBN != "" {
		var err error
		if isbn13, err = ToISBN13(id.ISBN); err != nil {
			return Book{}, err
		}
	}

	Log(ctx).Debug("enriching", "isbn", isbn13, "title", id.Title)

	// Probe the bundle cache before touching any provider.
	skipISBN := false
	if isbn13 != "" && e.cache != nil {
		switch raw, _, _, ok := e.cache.Get(ctx, bundleKey(isbn13)); {
		case ok && isMissing(raw):
			if id.Title == "" {
				return Book{}, errNotFound.withMessage("no results for %s", isbn13)
			}
			skipISBN = true // Confirmed miss; go straight to the title pass.
		case ok:
			var b Book
			if err := sonic.ConfigStd.Unmarshal(raw, &b); err == nil {
				return b, nil
			}
			e.cache.Invalidate(ctx, bundleKey(isbn13))
		}
	}

	searchISBN := isbn13
	if skipISBN {
		searchISBN = ""
	}

	results := e.lookup(ctx, searchISBN, id.Title)
	fromISBN := searchISBN != ""
	if fromISBN && id.Title != "" && successes(results) == 0 {
		// The ISBN isn't anywhere; widen to a title pass.
		results = e.lookup(ctx, "", id.Title)
		fromISBN = false
	}

	var candidates []Book
	var failure *provErr
	for _, r := range results {
		if r.err != nil {
			if !isNotFound(r.err) {
				Log(ctx).Warn("provider failed", "provider", r.provider, "err", r.err)
				if failure == nil {
					failure = asProvErr(r.provider, r.err)
				}
			}
			continue
		}
		if c := bestCandidate(r.items, id.Title); c != nil {
			candidates = append(candidates, *c)
		}
	}

	if len(candidates) == 0 {
		if failure != nil && successes(results) == 0 {
			return Book{}, failure.httpErr()
		}
		if fromISBN && failure == nil && e.cache != nil {
			// Every provider answered and none knows this ISBN.
			e.cache.PutMissing(ctx, bundleKey(isbn13))
		}
		return Book{}, errNotFound.withMessage("no results for %s", coalesce(isbn13, id.Title))
	}

	book := mergeBooks(candidates)
	synthesizeWork(&book)

	if fromISBN && e.cache != nil {
		if out, err := sonic.ConfigStd.Marshal(book); err == nil {
			e.cache.Put(ctx, bundleKey(isbn13), out, ttlFor(nsISBN, book.cacheQuality()))
		}
	}
	return book, nil
}

func (e *enricher) lookup(ctx context.Context, isbn13, title string) []provResult[[]Book] {
	op := func(ctx context.Context, p provider) ([]Book, error) {
		if isbn13 != "" {
			return p.SearchISBN(ctx, isbn13)
		}
		return p.SearchTitle(ctx, title, 5)
	}
	return fanOut(ctx, e.providers, op, func(books []Book) bool {
		c := bestCandidate(books, title)
		return c != nil && highCompleteness(*c)
	})
}

// enrichMany resolves identifiers concurrently, capped at the enricher's
// limit. Individual failures become error records; only cancellation stops
// the batch, leaving unprocessed identifiers without records. onProgress may
// be called from multiple goroutines.
func (e *enricher) enrichMany(ctx context.Context, ids []BookIdentifier, onProgress func(done int, rec EnrichmentRecord)) BatchResult {
	records := make([]EnrichmentRecord, len(ids))

	var g errgroup.Group
	g.SetLimit(e.limit)
	var done atomic.Int64

	for i, id := range ids {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil // Canceled; leave the record empty.
			}

			rec := EnrichmentRecord{Identifier: id}
			book, err := e.enrichOne(ctx, id)
			if err != nil {
				serr := errStatus(err)
				rec.Error = &wireError{Message: serr.Error(), Code: serr.Code()}
			} else {
				rec.Book = &book
			}
			records[i] = rec

			if onProgress != nil {
				onProgress(int(done.Add(1)), rec)
			}
			return nil
		})
	}
	_ = g.Wait()

	result := BatchResult{}
	var authorLists [][]Author
	for _, rec := range records {
		if rec.Book == nil && rec.Error == nil {
			continue // Skipped by cancellation.
		}
		result.Records = append(result.Records, rec)
		result.Total++
		if rec.Error != nil {
			result.Failed++
			continue
		}
		result.Succeeded++
		authorLists = append(authorLists, rec.Book.Authors)
	}
	result.Authors = mergeAuthors(authorLists...)
	return result
}

func successes[T any](results []provResult[T]) int {
	n := 0
	for _, r := range results {
		if r.err == nil {
			n++
		}
	}
	return n
}

// highCompleteness is the short-circuit bar: ISBN, cover and a real
// description all present.
func highCompleteness(b Book) bool {
	return b.hasISBN() && b.hasCover() && len(b.Work.Description) >= 100
}

// bestCandidate picks the most complete bundle that plausibly answers the
// query. With no title to match, the best of everything wins.
func bestCandidate(books []Book, title string) *Book {
	var best *Book
	for i := range books {
		b := &books[i]
		if title != "" && !bookMatchesTitle(*b, title) {
			continue
		}
		if best == nil || b.completeness() > best.completeness() {
			best = b
		}
	}
	return best
}

func bookMatchesTitle(b Book, title string) bool {
	if b.Work.Title != "" && TitlesMatch(b.Work.Title, title) {
		return true
	}
	for _, e := range b.Editions {
		if TitlesMatch(e.Title, title) {
			return true
		}
	}
	return false
}

// mergeBooks folds candidates into the most complete one. Scalars are
// adopted first-missing-wins in completeness order; IDs, contributors and
// subjects union.
func mergeBooks(candidates []Book) Book {
	slices.SortStableFunc(candidates, func(a, b Book) int {
		return cmp.Compare(b.completeness(), a.completeness())
	})

	base := candidates[0]
	for _, c := range candidates[1:] {
		base.Work = mergeWork(base.Work, c.Work)
		base.Editions = append(base.Editions, c.Editions...)
		base.Authors = mergeAuthors(base.Authors, c.Authors)
	}
	base.Editions = dedupeEditions(base.Editions)
	return base
}

func mergeWork(w, other Work) Work {
	if w.Title == "" {
		w.Title = other.Title
	}
	if w.Description == "" {
		w.Description = other.Description
	}
	if w.CoverURL == "" {
		w.CoverURL = other.CoverURL
	}
	if w.FirstPublicationYear == 0 {
		w.FirstPublicationYear = other.FirstPublicationYear
	}
	if w.OriginalLanguage == "" {
		w.OriginalLanguage = other.OriginalLanguage
	}
	w.SubjectTags = unionStrings(w.SubjectTags, other.SubjectTags)
	w.ExternalIDs = w.ExternalIDs.merge(other.ExternalIDs)
	if other.PrimaryProvider != "" {
		w.tagContributor(other.PrimaryProvider)
	}
	for _, c := range other.Contributors {
		w.tagContributor(c)
	}
	return w
}

// mergeAuthors dedupes authors by normalized name, unioning IDs and keeping
// the first non-empty value for everything else.
func mergeAuthors(lists ...[]Author) []Author {
	byName := map[string]int{}
	var out []Author
	for _, list := range lists {
		for _, a := range list {
			key := NormalizeAuthor(a.Name)
			if key == "" {
				continue
			}
			if i, ok := byName[key]; ok {
				out[i] = mergeAuthor(out[i], a)
				continue
			}
			byName[key] = len(out)
			out = append(out, a)
		}
	}
	return out
}

func mergeAuthor(a, b Author) Author {
	a.ExternalIDs = a.ExternalIDs.merge(b.ExternalIDs)
	if a.BirthYear == 0 {
		a.BirthYear = b.BirthYear
	}
	if a.DeathYear == 0 {
		a.DeathYear = b.DeathYear
	}
	if a.Gender == "" || a.Gender == GenderUnknown {
		a.Gender = b.Gender
	}
	if a.Nationality == "" {
		a.Nationality = b.Nationality
	}
	if a.CulturalRegion == "" {
		a.CulturalRegion = b.CulturalRegion
	}
	if b.BookCount > a.BookCount {
		a.BookCount = b.BookCount
	}
	return a
}

// synthesizeWork fills in a work for bundles whose provider had no work
// identity.
func synthesizeWork(b *Book) {
	if b.Work.Title != "" || len(b.Editions) == 0 {
		return
	}
	e := b.Editions[0]
	b.Work.Title = e.Title
	b.Work.Synthetic = true
	if b.Work.FirstPublicationYear == 0 {
		b.Work.FirstPublicationYear = yearOf(e.PublicationDate)
	}
	if b.Work.CoverURL == "" {
		b.Work.CoverURL = e.CoverURL
	}
	if e.PrimaryProvider != "" {
		b.Work.tagContributor(e.PrimaryProvider)
	}
}

// synthesizeWorks adds a synthetic work for every edition in a search result
// that matches none of the known works.
func synthesizeWorks(res *SearchResult) {
	added := set[string]{}
	for _, e := range res.Editions {
		key := NormalizeTitle(e.Title)
		if key == "" || added.has(key) {
			continue
		}
		if matchesAnyWork(res.Works, e.Title) {
			continue
		}
		w := Work{
			Title:                e.Title,
			FirstPublicationYear: yearOf(e.PublicationDate),
			CoverURL:             e.CoverURL,
		}
		w.Synthetic = true
		if e.PrimaryProvider != "" {
			w.tagContributor(e.PrimaryProvider)
		}
		res.Works = append(res.Works, w)
		added.add(key)
	}
}

func matchesAnyWork(works []Work, title string) bool {
	for _, w := range works {
		if TitlesMatch(w.Title, title) {
			return true
		}
	}
	return false
}

// dedupeEditions groups editions by canonical ISBN (or by title and format
// when there is none), keeps the best of each group, and orders the survivors
// for display: format priority, then record quality, then recency.
func dedupeEditions(editions []Edition) []Edition {
	groups := map[string]int{}
	var out []Edition
	for _, e := range editions {
		key := e.bestISBN()
		if key == "" {
			key = "t:" + NormalizeTitle(e.Title) + ":" + string(e.Format)
		}
		if i, ok := groups[key]; ok {
			if editionQuality(e) > editionQuality(out[i]) {
				merged := e
				merged.ISBNs = unionStrings(merged.ISBNs, out[i].ISBNs)
				merged.ExternalIDs = merged.ExternalIDs.merge(out[i].ExternalIDs)
				out[i] = merged
			}
			continue
		}
		groups[key] = len(out)
		out = append(out, e)
	}

	slices.SortStableFunc(out, func(a, b Edition) int {
		if c := cmp.Compare(a.Format.rank(), b.Format.rank()); c != 0 {
			return c
		}
		if c := cmp.Compare(b.ISBNDBQuality, a.ISBNDBQuality); c != 0 {
			return c
		}
		return cmp.Compare(yearOf(b.PublicationDate), yearOf(a.PublicationDate))
	})
	return out
}

// editionQuality ranks editions within an ISBN group.
func editionQuality(e Edition) int {
	score := e.ISBNDBQuality
	for _, ok := range []bool{
		e.CoverURL != "",
		e.Publisher != "",
		e.PublicationDate != "",
		e.PageCount > 0,
		e.Format != "",
	} {
		if ok {
			score += 10
		}
	}
	return score
}
