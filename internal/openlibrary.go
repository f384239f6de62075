package internal

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// OpenLibrary fetches works and editions from the Open Library search and
// books APIs. It's the only provider with a real work identity, and its
// cover service resolves ISBNs directly.
type OpenLibrary struct {
	upstream *upstreamClient
}

var _ provider = (*OpenLibrary)(nil)

// NewOpenLibrary creates a client. The upstream client must be scoped to
// openlibrary.org.
func NewOpenLibrary(upstream *upstreamClient) *OpenLibrary {
	return &OpenLibrary{upstream: upstream}
}

// Name implements provider.
func (o *OpenLibrary) Name() string { return ProviderOpenLibrary }

// CoverURL implements provider. The covers service serves by ISBN without a
// lookup, which is what the harvest job wants.
func (o *OpenLibrary) CoverURL(isbn string) string {
	if isbn == "" {
		return ""
	}
	return fmt.Sprintf("https://covers.openlibrary.org/b/isbn/%s-L.jpg", isbn)
}

// _olSubjectCap bounds subject lists; popular works carry hundreds of tags.
const _olSubjectCap = 12

// olDoc is a work-level search result.
type olDoc struct {
	Key              string   `json:"key"`
	Title            string   `json:"title"`
	AuthorName       []string `json:"author_name"`
	AuthorKey        []string `json:"author_key"`
	FirstPublishYear int      `json:"first_publish_year"`
	ISBN             []string `json:"isbn"`
	CoverID          int64    `json:"cover_i"`
	Publisher        []string `json:"publisher"`
	Subject          []string `json:"subject"`
	Language         []string `json:"language"`
	EditionCount     int      `json:"edition_count"`
}

type olSearch struct {
	NumFound int     `json:"numFound"`
	Docs     []olDoc `json:"docs"`
}

// olEdition is an entry from a work's editions listing.
type olEdition struct {
	Key            string   `json:"key"`
	Title          string   `json:"title"`
	Publishers     []string `json:"publishers"`
	PublishDate    string   `json:"publish_date"`
	NumberOfPages  int      `json:"number_of_pages"`
	ISBN13         []string `json:"isbn_13"`
	ISBN10         []string `json:"isbn_10"`
	PhysicalFormat string   `json:"physical_format"`
	Covers         []int64  `json:"covers"`
	Languages      []struct {
		Key string `json:"key"`
	} `json:"languages"`
}

// SearchTitle implements provider.
func (o *OpenLibrary) SearchTitle(ctx context.Context, query string, maxResults int) (_ []Book, err error) {
	defer func() { o.upstream.observe("search_title", err) }()

	params := url.Values{}
	params.Set("title", query)
	return o.search(ctx, params, maxResults)
}

// SearchISBN implements provider.
func (o *OpenLibrary) SearchISBN(ctx context.Context, isbn string) (_ []Book, err error) {
	defer func() { o.upstream.observe("search_isbn", err) }()

	params := url.Values{}
	params.Set("q", "isbn:"+isbn)
	books, err := o.search(ctx, params, 5)
	if err != nil {
		return nil, err
	}
	// The work doc won't tell us which of its many ISBNs we asked about, so
	// pin the queried one onto the representative edition.
	for i := range books {
		for j := range books[i].Editions {
			books[i].Editions[j].ISBN = isbn
			books[i].Editions[j].normalizeInvariants()
		}
	}
	return books, nil
}

// AuthorWorks implements provider.
func (o *OpenLibrary) AuthorWorks(ctx context.Context, name string, limit, offset int) (_ []Book, err error) {
	defer func() { o.upstream.observe("author_works", err) }()

	params := url.Values{}
	params.Set("author", name)
	if offset > 0 {
		params.Set("offset", strconv.Itoa(offset))
	}
	return o.search(ctx, params, limit)
}

// EditionsForWork implements provider. Resolves the work first, then lists
// its editions; the search API alone has no edition detail.
func (o *OpenLibrary) EditionsForWork(ctx context.Context, title, author string) (_ []Edition, err error) {
	defer func() { o.upstream.observe("editions", err) }()

	params := url.Values{}
	params.Set("title", title)
	params.Set("author", author)
	params.Set("limit", "1")

	var sr olSearch
	if err := o.upstream.getJSON(ctx, "/search.json?"+params.Encode(), &sr); err != nil {
		return nil, err
	}
	if len(sr.Docs) == 0 || !TitlesMatch(title, sr.Docs[0].Title) {
		return nil, &provErr{provider: o.Name(), kind: provNotFound}
	}
	workKey := sr.Docs[0].Key // "/works/OL...W"

	Log(ctx).Debug("listing editions", "work", workKey)

	var listing struct {
		Entries []olEdition `json:"entries"`
	}
	if err := o.upstream.getJSON(ctx, workKey+"/editions.json?limit=50", &listing); err != nil {
		return nil, err
	}

	var editions []Edition
	for _, e := range listing.Entries {
		if !TitlesMatch(title, e.Title) {
			continue
		}
		editions = append(editions, o.mapEdition(e))
	}
	if len(editions) == 0 {
		return nil, &provErr{provider: o.Name(), kind: provNotFound}
	}
	return editions, nil
}

func (o *OpenLibrary) search(ctx context.Context, params url.Values, limit int) ([]Book, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}
	params.Set("limit", strconv.Itoa(limit))

	var sr olSearch
	if err := o.upstream.getJSON(ctx, "/search.json?"+params.Encode(), &sr); err != nil {
		return nil, err
	}
	if sr.NumFound == 0 || len(sr.Docs) == 0 {
		return nil, &provErr{provider: o.Name(), kind: provNotFound}
	}

	books := make([]Book, 0, len(sr.Docs))
	for _, d := range sr.Docs {
		books = append(books, o.mapDoc(d))
	}
	return books, nil
}

// mapDoc normalizes a work-level search doc. A representative edition is
// attached when the doc carries ISBNs so downstream completeness checks see
// them.
func (o *OpenLibrary) mapDoc(d olDoc) Book {
	subjects := d.Subject
	if len(subjects) > _olSubjectCap {
		subjects = subjects[:_olSubjectCap]
	}

	work := Work{
		Title:                d.Title,
		FirstPublicationYear: d.FirstPublishYear,
		SubjectTags:          NormalizeSubjects(subjects),
		ExternalIDs:          ExternalIDs{OpenLibrary: d.Key},
	}
	if d.CoverID != 0 {
		work.CoverURL = fmt.Sprintf("https://covers.openlibrary.org/b/id/%d-L.jpg", d.CoverID)
	}
	work.tagContributor(ProviderOpenLibrary)

	var editions []Edition
	if isbns := validISBNs(d.ISBN, 10); len(isbns) > 0 {
		e := Edition{
			Title:    d.Title,
			ISBN:     isbns[0],
			ISBNs:    isbns,
			CoverURL: work.CoverURL,
		}
		if len(d.Publisher) > 0 {
			e.Publisher = d.Publisher[0]
		}
		if len(d.Language) > 0 {
			e.Language = d.Language[0]
		}
		e.PrimaryProvider = ProviderOpenLibrary
		e.normalizeInvariants()
		editions = append(editions, e)
	}

	authors := make([]Author, 0, len(d.AuthorName))
	for i, name := range d.AuthorName {
		a := Author{Name: name}
		if i < len(d.AuthorKey) {
			a.ExternalIDs.OpenLibrary = "/authors/" + strings.TrimPrefix(d.AuthorKey[i], "/authors/")
		}
		authors = append(authors, a)
	}

	return Book{Work: work, Editions: editions, Authors: authors}
}

func (o *OpenLibrary) mapEdition(e olEdition) Edition {
	edition := Edition{
		Title:           e.Title,
		PublicationDate: e.PublishDate,
		PageCount:       e.NumberOfPages,
		Format:          formatOf(e.PhysicalFormat),
		ExternalIDs:     ExternalIDs{OpenLibrary: e.Key},
	}
	if len(e.Publishers) > 0 {
		edition.Publisher = e.Publishers[0]
	}
	// Entries list both identifier forms for the same edition; keep one.
	for _, raw := range append(e.ISBN13, e.ISBN10...) {
		i13, err := ToISBN13(raw)
		if err != nil || slices.Contains(edition.ISBNs, i13) {
			continue
		}
		edition.ISBNs = append(edition.ISBNs, i13)
	}
	if len(edition.ISBNs) > 0 {
		edition.ISBN = edition.ISBNs[0]
	}
	if len(e.Covers) > 0 && e.Covers[0] > 0 {
		edition.CoverURL = fmt.Sprintf("https://covers.openlibrary.org/b/id/%d-L.jpg", e.Covers[0])
	}
	if len(e.Languages) > 0 {
		edition.Language = strings.TrimPrefix(e.Languages[0].Key, "/languages/")
	}
	edition.PrimaryProvider = ProviderOpenLibrary
	edition.normalizeInvariants()
	return edition
}

// validISBNs canonicalizes raw ISBN lists, deduping and capping them. Work
// docs routinely accumulate hundreds.
func validISBNs(raw []string, max int) []string {
	seen := set[string]{}
	var out []string
	for _, r := range raw {
		i13, err := ToISBN13(r)
		if err != nil || seen.has(i13) {
			continue
		}
		seen.add(i13)
		out = append(out, i13)
		if len(out) >= max {
			break
		}
	}
	return out
}
