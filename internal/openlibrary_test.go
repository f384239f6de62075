package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const olDuneSearch = `{
  "numFound": 1,
  "docs": [{
    "key": "/works/OL893415W",
    "title": "Dune",
    "author_name": ["Frank Herbert"],
    "author_key": ["OL79034A"],
    "first_publish_year": 1965,
    "isbn": ["0441172717", "9780441172719", "not-an-isbn", "9780340960196"],
    "cover_i": 12193437,
    "publisher": ["Ace Books", "Chilton"],
    "subject": ["Science Fiction", "Dune (Imaginary place)"],
    "language": ["eng"],
    "edition_count": 120
  }]
}`

const olDuneEditions = `{
  "entries": [
    {
      "key": "/books/OL7526927M",
      "title": "Dune",
      "publishers": ["Ace Books"],
      "publish_date": "August 1, 1990",
      "number_of_pages": 535,
      "isbn_13": ["9780441172719"],
      "isbn_10": ["0441172717"],
      "physical_format": "Mass market paperback",
      "covers": [11481354],
      "languages": [{"key": "/languages/eng"}]
    },
    {
      "key": "/books/OL26311579M",
      "title": "Hellstrom's Hive",
      "isbn_13": ["9780553014440"]
    }
  ]
}`

func TestOpenLibrarySearchTitle(t *testing.T) {
	t.Parallel()

	c := &canned{responses: map[string]string{"/search.json": olDuneSearch}}
	ol := NewOpenLibrary(c.upstream(ProviderOpenLibrary))

	books, err := ol.SearchTitle(t.Context(), "Dune", 5)
	require.NoError(t, err)
	require.Len(t, books, 1)

	assert.Equal(t, "Dune", c.query("title"))
	assert.Equal(t, "5", c.query("limit"))

	w := books[0].Work
	assert.Equal(t, "Dune", w.Title)
	assert.Equal(t, 1965, w.FirstPublicationYear)
	assert.Equal(t, "/works/OL893415W", w.ExternalIDs.OpenLibrary)
	assert.Equal(t, "https://covers.openlibrary.org/b/id/12193437-L.jpg", w.CoverURL)
	assert.Equal(t, []string{"science-fiction", "dune (imaginary place)"}, w.SubjectTags)
	assert.Equal(t, ProviderOpenLibrary, w.PrimaryProvider)

	// The representative edition canonicalizes and dedupes the doc's ISBNs.
	require.Len(t, books[0].Editions, 1)
	e := books[0].Editions[0]
	assert.Equal(t, "9780441172719", e.ISBN)
	assert.Equal(t, []string{"9780441172719", "9780340960196"}, e.ISBNs)
	assert.Equal(t, "Ace Books", e.Publisher)
	assert.Equal(t, "eng", e.Language)

	require.Len(t, books[0].Authors, 1)
	assert.Equal(t, "Frank Herbert", books[0].Authors[0].Name)
	assert.Equal(t, "/authors/OL79034A", books[0].Authors[0].ExternalIDs.OpenLibrary)
}

func TestOpenLibrarySearchISBNPinsEdition(t *testing.T) {
	t.Parallel()

	c := &canned{responses: map[string]string{"/search.json": olDuneSearch}}
	ol := NewOpenLibrary(c.upstream(ProviderOpenLibrary))

	books, err := ol.SearchISBN(t.Context(), "9780340960196")
	require.NoError(t, err)
	require.Len(t, books, 1)
	assert.Equal(t, "isbn:9780340960196", c.query("q"))

	// The work doc lists many ISBNs; the queried one becomes the edition's
	// primary so callers see the book they asked about.
	e := books[0].Editions[0]
	assert.Equal(t, "9780340960196", e.ISBN)
	assert.Contains(t, e.ISBNs, "9780340960196")
}

func TestOpenLibrarySearchTitleMiss(t *testing.T) {
	t.Parallel()

	c := &canned{responses: map[string]string{"/search.json": `{"numFound": 0, "docs": []}`}}
	ol := NewOpenLibrary(c.upstream(ProviderOpenLibrary))

	_, err := ol.SearchTitle(t.Context(), "Nonesuch", 5)
	assert.True(t, isNotFound(err))
}

func TestOpenLibraryEditionsForWork(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	c := &canned{responses: map[string]string{
		"/search.json":                   olDuneSearch,
		"/works/OL893415W/editions.json": olDuneEditions,
	}}
	ol := NewOpenLibrary(c.upstream(ProviderOpenLibrary))

	editions, err := ol.EditionsForWork(ctx, "Dune", "Frank Herbert")
	require.NoError(t, err)
	require.Len(t, editions, 1, "entries for other works are filtered out")

	e := editions[0]
	assert.Equal(t, "Dune", e.Title)
	assert.Equal(t, FormatMassMarket, e.Format)
	assert.Equal(t, "9780441172719", e.ISBN)
	assert.Equal(t, []string{"9780441172719"}, e.ISBNs, "both identifier forms collapse to one ISBN-13")
	assert.Equal(t, "August 1, 1990", e.PublicationDate)
	assert.Equal(t, 535, e.PageCount)
	assert.Equal(t, "Ace Books", e.Publisher)
	assert.Equal(t, "https://covers.openlibrary.org/b/id/11481354-L.jpg", e.CoverURL)
	assert.Equal(t, "eng", e.Language)
	assert.Equal(t, "/books/OL7526927M", e.ExternalIDs.OpenLibrary)

	// The resolved work has to actually match the requested title.
	_, err = ol.EditionsForWork(ctx, "Becoming", "Michelle Obama")
	assert.True(t, isNotFound(err))
}

func TestOpenLibraryCoverURL(t *testing.T) {
	t.Parallel()

	ol := NewOpenLibrary(nil)
	assert.Equal(t, "https://covers.openlibrary.org/b/isbn/9780441172719-L.jpg", ol.CoverURL("9780441172719"))
	assert.Empty(t, ol.CoverURL(""))
}

func TestValidISBNs(t *testing.T) {
	t.Parallel()

	got := validISBNs([]string{"0441172717", "9780441172719", "junk", "9780340960196"}, 10)
	assert.Equal(t, []string{"9780441172719", "9780340960196"}, got)

	// The cap matters: work docs routinely carry hundreds.
	got = validISBNs([]string{"9780441172719", "9780340960196", "9780553014440"}, 2)
	assert.Len(t, got, 2)

	assert.Empty(t, validISBNs(nil, 10))
}
