package internal

import (
	"context"
	"net/url"
	"strconv"
	"time"
)

// ISBNDB fetches editions from the ISBNdb REST API. Its records are
// edition-first with strong binding and publisher data, so it wins most
// format tie-breaks.
type ISBNDB struct {
	upstream *upstreamClient
}

var _ provider = (*ISBNDB)(nil)

// NewISBNDB creates a client. The upstream client must be scoped to
// api2.isbndb.com and carry the Authorization header.
func NewISBNDB(upstream *upstreamClient) *ISBNDB {
	return &ISBNDB{upstream: upstream}
}

// Name implements provider.
func (i *ISBNDB) Name() string { return ProviderISBNDB }

// CoverURL implements provider. Images only arrive inside lookups.
func (i *ISBNDB) CoverURL(string) string { return "" }

// isbndbBook is the subset of a book record we consume.
type isbndbBook struct {
	Title         string   `json:"title"`
	TitleLong     string   `json:"title_long"`
	ISBN          string   `json:"isbn"`
	ISBN13        string   `json:"isbn13"`
	Binding       string   `json:"binding"`
	Publisher     string   `json:"publisher"`
	Language      string   `json:"language"`
	DatePublished string   `json:"date_published"`
	Pages         int      `json:"pages"`
	Overview      string   `json:"overview"`
	Synopsis      string   `json:"synopsis"`
	Image         string   `json:"image"`
	Authors       []string `json:"authors"`
	Subjects      []string `json:"subjects"`
}

// SearchTitle implements provider.
func (i *ISBNDB) SearchTitle(ctx context.Context, query string, maxResults int) (_ []Book, err error) {
	defer func() { i.upstream.observe("search_title", err) }()
	return i.books(ctx, query, "title", maxResults, 0)
}

// SearchISBN implements provider.
func (i *ISBNDB) SearchISBN(ctx context.Context, isbn string) (_ []Book, err error) {
	defer func() { i.upstream.observe("search_isbn", err) }()

	var resp struct {
		Book isbndbBook `json:"book"`
	}
	if err := i.upstream.getJSON(ctx, "/book/"+url.PathEscape(isbn), &resp); err != nil {
		return nil, err
	}
	if resp.Book.Title == "" {
		return nil, &provErr{provider: i.Name(), kind: provNotFound}
	}
	return []Book{mapISBNDBBook(resp.Book)}, nil
}

// AuthorWorks implements provider.
func (i *ISBNDB) AuthorWorks(ctx context.Context, name string, limit, offset int) (_ []Book, err error) {
	defer func() { i.upstream.observe("author_works", err) }()

	if limit <= 0 {
		limit = 20
	}
	page := offset/limit + 1

	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	params.Set("pageSize", strconv.Itoa(limit))

	var resp struct {
		Author string       `json:"author"`
		Books  []isbndbBook `json:"books"`
	}
	if err := i.upstream.getJSON(ctx, "/author/"+url.PathEscape(name)+"?"+params.Encode(), &resp); err != nil {
		return nil, err
	}
	if len(resp.Books) == 0 {
		return nil, &provErr{provider: i.Name(), kind: provNotFound}
	}

	books := make([]Book, 0, len(resp.Books))
	for _, b := range resp.Books {
		books = append(books, mapISBNDBBook(b))
	}
	return books, nil
}

// EditionsForWork implements provider. The title index is the only way in;
// results are filtered to the requested author.
func (i *ISBNDB) EditionsForWork(ctx context.Context, title, author string) (_ []Edition, err error) {
	defer func() { i.upstream.observe("editions", err) }()

	books, err := i.books(ctx, title, "title", 40, 0)
	if err != nil {
		return nil, err
	}

	wantAuthor := NormalizeAuthor(author)
	var editions []Edition
	for _, b := range books {
		if !authorMatches(b.Authors, wantAuthor) {
			continue
		}
		for _, e := range b.Editions {
			if TitlesMatch(title, e.Title) {
				editions = append(editions, e)
			}
		}
	}
	if len(editions) == 0 {
		return nil, &provErr{provider: i.Name(), kind: provNotFound}
	}
	return editions, nil
}

func (i *ISBNDB) books(ctx context.Context, query, column string, limit, page int) ([]Book, error) {
	if limit <= 0 {
		limit = 20
	}
	if page <= 0 {
		page = 1
	}

	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	params.Set("pageSize", strconv.Itoa(limit))
	params.Set("column", column)

	var resp struct {
		Total int          `json:"total"`
		Books []isbndbBook `json:"books"`
	}
	if err := i.upstream.getJSON(ctx, "/books/"+url.PathEscape(query)+"?"+params.Encode(), &resp); err != nil {
		return nil, err
	}
	if resp.Total == 0 || len(resp.Books) == 0 {
		return nil, &provErr{provider: i.Name(), kind: provNotFound}
	}

	books := make([]Book, 0, len(resp.Books))
	for _, b := range resp.Books {
		books = append(books, mapISBNDBBook(b))
	}
	return books, nil
}

// authorMatches reports whether any listed author normalizes to the wanted
// name.
func authorMatches(authors []Author, want string) bool {
	if want == "" {
		return true
	}
	for _, a := range authors {
		if NormalizeAuthor(a.Name) == want {
			return true
		}
	}
	return false
}

func mapISBNDBBook(b isbndbBook) Book {
	edition := Edition{
		Title:           coalesce(b.Title, b.TitleLong),
		Publisher:       b.Publisher,
		PublicationDate: b.DatePublished,
		PageCount:       b.Pages,
		Format:          formatOf(b.Binding),
		CoverURL:        b.Image,
		Language:        b.Language,
	}
	if i13, err := ToISBN13(coalesce(b.ISBN13, b.ISBN)); err == nil {
		edition.ISBN = i13
	}
	if i13, err := ToISBN13(b.ISBN); err == nil && i13 != edition.ISBN {
		edition.ISBNs = append(edition.ISBNs, i13)
	}
	edition.ExternalIDs.ISBNDB = coalesce(b.ISBN13, b.ISBN)
	edition.ISBNDBQuality = isbndbQuality(b)
	now := time.Now().UTC()
	edition.LastISBNDBSync = &now
	edition.PrimaryProvider = ProviderISBNDB
	edition.normalizeInvariants()

	work := Work{
		Title:       coalesce(b.Title, b.TitleLong),
		Description: cleanDescription(coalesce(b.Synopsis, b.Overview)),
		SubjectTags: NormalizeSubjects(b.Subjects),
		CoverURL:    b.Image,
	}
	work.tagContributor(ProviderISBNDB)

	authors := make([]Author, 0, len(b.Authors))
	for _, name := range b.Authors {
		authors = append(authors, Author{Name: name})
	}

	return Book{Work: work, Editions: []Edition{edition}, Authors: authors}
}

// isbndbQuality scores a record 0-100 by how many high-value fields arrived.
// Editions search uses it as a tie-break within a format.
func isbndbQuality(b isbndbBook) int {
	score := 0
	for _, ok := range []bool{
		b.ISBN13 != "",
		b.Image != "",
		b.Publisher != "",
		b.DatePublished != "",
		b.Pages > 0,
	} {
		if ok {
			score += 20
		}
	}
	return score
}
