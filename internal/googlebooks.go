package internal

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// GoogleBooks fetches volumes from the Google Books API. Volumes are
// edition-shaped with no work identity, so normalized results leave the work
// title empty and let the enrichment pipeline synthesize one.
type GoogleBooks struct {
	upstream *upstreamClient
	key      Secret
}

var _ provider = (*GoogleBooks)(nil)

// NewGoogleBooks creates a client. The upstream client must be scoped to
// www.googleapis.com.
func NewGoogleBooks(upstream *upstreamClient, key Secret) *GoogleBooks {
	return &GoogleBooks{upstream: upstream, key: key}
}

// Name implements provider.
func (g *GoogleBooks) Name() string { return ProviderGoogleBooks }

// CoverURL implements provider. Volume thumbnails require a lookup, so this
// never short-cuts.
func (g *GoogleBooks) CoverURL(string) string { return "" }

// gbVolume is the subset of a volume we consume.
type gbVolume struct {
	ID         string `json:"id"`
	VolumeInfo struct {
		Title               string   `json:"title"`
		Authors             []string `json:"authors"`
		Publisher           string   `json:"publisher"`
		PublishedDate       string   `json:"publishedDate"`
		Description         string   `json:"description"`
		IndustryIdentifiers []struct {
			Type       string `json:"type"`
			Identifier string `json:"identifier"`
		} `json:"industryIdentifiers"`
		PageCount  int      `json:"pageCount"`
		Categories []string `json:"categories"`
		ImageLinks struct {
			Thumbnail      string `json:"thumbnail"`
			SmallThumbnail string `json:"smallThumbnail"`
		} `json:"imageLinks"`
		Language string `json:"language"`
	} `json:"volumeInfo"`
}

type gbVolumeList struct {
	TotalItems int        `json:"totalItems"`
	Items      []gbVolume `json:"items"`
}

// SearchTitle implements provider.
func (g *GoogleBooks) SearchTitle(ctx context.Context, query string, maxResults int) (_ []Book, err error) {
	defer func() { g.upstream.observe("search_title", err) }()
	return g.volumes(ctx, fmt.Sprintf("intitle:%q", query), maxResults, 0)
}

// SearchISBN implements provider.
func (g *GoogleBooks) SearchISBN(ctx context.Context, isbn string) (_ []Book, err error) {
	defer func() { g.upstream.observe("search_isbn", err) }()
	return g.volumes(ctx, "isbn:"+isbn, 5, 0)
}

// AuthorWorks implements provider.
func (g *GoogleBooks) AuthorWorks(ctx context.Context, name string, limit, offset int) (_ []Book, err error) {
	defer func() { g.upstream.observe("author_works", err) }()
	return g.volumes(ctx, fmt.Sprintf("inauthor:%q", name), limit, offset)
}

// EditionsForWork implements provider. Volumes matching the title and author
// are filtered down to the ones that actually look like the same work.
func (g *GoogleBooks) EditionsForWork(ctx context.Context, title, author string) (_ []Edition, err error) {
	defer func() { g.upstream.observe("editions", err) }()

	books, err := g.volumes(ctx, fmt.Sprintf("intitle:%q inauthor:%q", title, author), 40, 0)
	if err != nil {
		return nil, err
	}

	var editions []Edition
	for _, b := range books {
		for _, e := range b.Editions {
			if TitlesMatch(title, e.Title) {
				editions = append(editions, e)
			}
		}
	}
	return editions, nil
}

func (g *GoogleBooks) volumes(ctx context.Context, q string, limit, offset int) ([]Book, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > 40 {
		limit = 40 // API maximum.
	}

	params := url.Values{}
	params.Set("q", q)
	params.Set("maxResults", strconv.Itoa(limit))
	if offset > 0 {
		params.Set("startIndex", strconv.Itoa(offset))
	}
	if !g.key.IsZero() {
		params.Set("key", g.key.Reveal())
	}

	var list gbVolumeList
	err := g.upstream.getJSON(ctx, "/books/v1/volumes?"+params.Encode(), &list)
	if err != nil {
		return nil, err
	}
	if list.TotalItems == 0 || len(list.Items) == 0 {
		return nil, &provErr{provider: g.Name(), kind: provNotFound}
	}

	books := make([]Book, 0, len(list.Items))
	for _, v := range list.Items {
		books = append(books, mapVolume(v))
	}
	return books, nil
}

// mapVolume normalizes a volume. The edition carries the identity; work
// fields like description and subjects ride along for whichever work this
// edition ends up attached to.
func mapVolume(v gbVolume) Book {
	info := v.VolumeInfo

	edition := Edition{
		Title:           info.Title,
		Publisher:       info.Publisher,
		PublicationDate: info.PublishedDate,
		PageCount:       info.PageCount,
		CoverURL:        httpsURL(coalesce(info.ImageLinks.Thumbnail, info.ImageLinks.SmallThumbnail)),
		Language:        info.Language,
	}
	// Volumes list both identifier forms for the same edition; keep one.
	for _, id := range info.IndustryIdentifiers {
		i13 := ""
		switch id.Type {
		case "ISBN_13":
			i13 = id.Identifier
			edition.ISBN = id.Identifier
		case "ISBN_10":
			if conv, err := ToISBN13(id.Identifier); err == nil {
				i13 = conv
			}
		}
		if i13 != "" && !slices.Contains(edition.ISBNs, i13) {
			edition.ISBNs = append(edition.ISBNs, i13)
		}
	}
	if edition.ISBN == "" && len(edition.ISBNs) > 0 {
		edition.ISBN = edition.ISBNs[0]
	}
	if v.ID != "" {
		edition.ExternalIDs.GoogleVolume = []string{v.ID}
	}
	edition.PrimaryProvider = ProviderGoogleBooks
	edition.normalizeInvariants()

	work := Work{
		Description: cleanDescription(info.Description),
		SubjectTags: NormalizeSubjects(info.Categories),
		CoverURL:    edition.CoverURL,
	}

	authors := make([]Author, 0, len(info.Authors))
	for _, name := range info.Authors {
		authors = append(authors, Author{Name: name})
	}

	return Book{Work: work, Editions: []Edition{edition}, Authors: authors}
}

// httpsURL upgrades the scheme on image links, which the API still serves as
// plain http.
func httpsURL(u string) string {
	return strings.Replace(u, "http://", "https://", 1)
}

func coalesce(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
