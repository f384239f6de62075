package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gbDuneVolumes = `{
  "totalItems": 2,
  "items": [
    {
      "id": "zFhbAAAAMAAJ",
      "volumeInfo": {
        "title": "Dune",
        "authors": ["Frank Herbert"],
        "publisher": "Chilton Books",
        "publishedDate": "1965-08-01",
        "description": "<p>Paul Atreides &amp; the spice melange.</p>",
        "industryIdentifiers": [
          {"type": "ISBN_13", "identifier": "9780441172719"},
          {"type": "ISBN_10", "identifier": "0441172717"}
        ],
        "pageCount": 412,
        "categories": ["Science Fiction", "Fiction"],
        "imageLinks": {"thumbnail": "http://books.google.com/covers/dune.jpg"},
        "language": "en"
      }
    },
    {
      "id": "B1hSG45JCOC",
      "volumeInfo": {
        "title": "Hellstrom's Hive",
        "authors": ["Frank Herbert"],
        "industryIdentifiers": [
          {"type": "ISBN_10", "identifier": "0553014447"}
        ]
      }
    }
  ]
}`

func TestGoogleBooksSearchTitle(t *testing.T) {
	t.Parallel()

	c := &canned{responses: map[string]string{"/books/v1/volumes": gbDuneVolumes}}
	gb := NewGoogleBooks(c.upstream(ProviderGoogleBooks), Secret("g00gle-key"))

	books, err := gb.SearchTitle(t.Context(), "Dune", 5)
	require.NoError(t, err)
	require.Len(t, books, 2)

	assert.Equal(t, `intitle:"Dune"`, c.query("q"))
	assert.Equal(t, "5", c.query("maxResults"))
	assert.Equal(t, "g00gle-key", c.query("key"))

	dune := books[0]
	require.Len(t, dune.Editions, 1)
	e := dune.Editions[0]
	assert.Equal(t, "Dune", e.Title)
	assert.Equal(t, "9780441172719", e.ISBN)
	assert.Equal(t, []string{"9780441172719"}, e.ISBNs, "both identifier forms collapse to one ISBN-13")
	assert.Equal(t, "Chilton Books", e.Publisher)
	assert.Equal(t, "1965-08-01", e.PublicationDate)
	assert.Equal(t, 412, e.PageCount)
	assert.Equal(t, "https://books.google.com/covers/dune.jpg", e.CoverURL, "image links upgrade to https")
	assert.Equal(t, "en", e.Language)
	assert.Equal(t, []string{"zFhbAAAAMAAJ"}, e.ExternalIDs.GoogleVolume)
	assert.Equal(t, ProviderGoogleBooks, e.PrimaryProvider)

	assert.Empty(t, dune.Work.Title, "volumes carry no work identity")
	assert.Equal(t, "Paul Atreides & the spice melange.", dune.Work.Description)
	assert.Equal(t, []string{"science-fiction", "fiction"}, dune.Work.SubjectTags)
	require.Len(t, dune.Authors, 1)
	assert.Equal(t, "Frank Herbert", dune.Authors[0].Name)

	// An edition with only the ISBN-10 form still gets a canonical ISBN.
	hive := books[1].Editions[0]
	assert.Equal(t, "9780553014440", hive.ISBN)
}

func TestGoogleBooksSearchISBN(t *testing.T) {
	t.Parallel()

	c := &canned{responses: map[string]string{"/books/v1/volumes": `{"totalItems": 0}`}}
	gb := NewGoogleBooks(c.upstream(ProviderGoogleBooks), "")

	_, err := gb.SearchISBN(t.Context(), "9780441172719")
	assert.True(t, isNotFound(err))
	assert.Equal(t, "isbn:9780441172719", c.query("q"))
	assert.Empty(t, c.query("key"), "no key parameter when unconfigured")
}

func TestGoogleBooksLimits(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	c := &canned{responses: map[string]string{"/books/v1/volumes": gbDuneVolumes}}
	gb := NewGoogleBooks(c.upstream(ProviderGoogleBooks), "")

	_, err := gb.SearchTitle(ctx, "Dune", 0)
	require.NoError(t, err)
	assert.Equal(t, "10", c.query("maxResults"), "zero means the default page size")

	_, err = gb.AuthorWorks(ctx, "Frank Herbert", 100, 40)
	require.NoError(t, err)
	assert.Equal(t, `inauthor:"Frank Herbert"`, c.query("q"))
	assert.Equal(t, "40", c.query("maxResults"), "the API maximum caps the page size")
	assert.Equal(t, "40", c.query("startIndex"))
}

func TestGoogleBooksEditionsForWork(t *testing.T) {
	t.Parallel()

	c := &canned{responses: map[string]string{"/books/v1/volumes": gbDuneVolumes}}
	gb := NewGoogleBooks(c.upstream(ProviderGoogleBooks), "")

	editions, err := gb.EditionsForWork(t.Context(), "Dune", "Frank Herbert")
	require.NoError(t, err)
	require.Len(t, editions, 1, "volumes for other works are filtered out")
	assert.Equal(t, "Dune", editions[0].Title)
	assert.Equal(t, "9780441172719", editions[0].ISBN)
}
