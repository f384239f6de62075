package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const isbndbDune = `{
  "book": {
    "title": "Dune",
    "isbn": "0441172717",
    "isbn13": "9780441172719",
    "binding": "Mass Market Paperback",
    "publisher": "Ace",
    "language": "en",
    "date_published": "1990-08-01",
    "pages": 535,
    "synopsis": "Melange <b>is</b> life.",
    "image": "https://images.isbndb.com/covers/dune.jpg",
    "authors": ["Herbert, Frank"],
    "subjects": ["Science Fiction"]
  }
}`

func TestISBNDBSearchISBN(t *testing.T) {
	t.Parallel()

	c := &canned{responses: map[string]string{"/book/9780441172719": isbndbDune}}
	db := NewISBNDB(c.upstream(ProviderISBNDB))

	books, err := db.SearchISBN(t.Context(), "9780441172719")
	require.NoError(t, err)
	require.Len(t, books, 1)

	e := books[0].Editions[0]
	assert.Equal(t, "Dune", e.Title)
	assert.Equal(t, "9780441172719", e.ISBN)
	assert.Equal(t, FormatMassMarket, e.Format)
	assert.Equal(t, "Ace", e.Publisher)
	assert.Equal(t, "1990-08-01", e.PublicationDate)
	assert.Equal(t, 535, e.PageCount)
	assert.Equal(t, "https://images.isbndb.com/covers/dune.jpg", e.CoverURL)
	assert.Equal(t, "9780441172719", e.ExternalIDs.ISBNDB)
	assert.Equal(t, 100, e.ISBNDBQuality, "a fully populated record scores full marks")
	assert.NotNil(t, e.LastISBNDBSync)
	assert.Equal(t, ProviderISBNDB, e.PrimaryProvider)

	assert.Equal(t, "Dune", books[0].Work.Title)
	assert.Equal(t, "Melange is life.", books[0].Work.Description)
	assert.Equal(t, []string{"science-fiction"}, books[0].Work.SubjectTags)

	// An empty record body is a miss, not a zero-value book.
	c = &canned{responses: map[string]string{"/book/9780553014440": `{"book": {}}`}}
	_, err = NewISBNDB(c.upstream(ProviderISBNDB)).SearchISBN(t.Context(), "9780553014440")
	assert.True(t, isNotFound(err))
}

func TestISBNDBAuthorWorksPaging(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	c := &canned{responses: map[string]string{
		"/author/Frank Herbert": `{"author": "Frank Herbert", "books": [{"title": "Dune", "isbn13": "9780441172719"}]}`,
	}}
	db := NewISBNDB(c.upstream(ProviderISBNDB))

	books, err := db.AuthorWorks(ctx, "Frank Herbert", 20, 40)
	require.NoError(t, err)
	require.Len(t, books, 1)
	assert.Equal(t, "3", c.query("page"), "offsets translate to pages")
	assert.Equal(t, "20", c.query("pageSize"))

	c.responses["/author/Frank Herbert"] = `{"author": "Frank Herbert", "books": []}`
	_, err = db.AuthorWorks(ctx, "Frank Herbert", 20, 0)
	assert.True(t, isNotFound(err))
}

func TestISBNDBEditionsForWork(t *testing.T) {
	t.Parallel()

	c := &canned{responses: map[string]string{
		"/books/Dune": `{
		  "total": 2,
		  "books": [
		    {"title": "Dune", "isbn13": "9780441172719", "binding": "Hardcover", "authors": ["Herbert, Frank"]},
		    {"title": "Dune", "isbn13": "9780340960196", "binding": "Paperback", "authors": ["Someone Else"]}
		  ]
		}`,
	}}
	db := NewISBNDB(c.upstream(ProviderISBNDB))

	editions, err := db.EditionsForWork(t.Context(), "Dune", "Frank Herbert")
	require.NoError(t, err)
	require.Len(t, editions, 1, "other authors' editions are filtered out")
	assert.Equal(t, "9780441172719", editions[0].ISBN)
	assert.Equal(t, FormatHardcover, editions[0].Format)
	assert.Equal(t, "title", c.query("column"))

	// Nothing left after filtering is a miss.
	_, err = db.EditionsForWork(t.Context(), "Dune", "Ursula K. Le Guin")
	assert.True(t, isNotFound(err))
}

func TestAuthorMatches(t *testing.T) {
	t.Parallel()

	authors := []Author{{Name: "Herbert, Frank"}}
	assert.True(t, authorMatches(authors, NormalizeAuthor("Frank Herbert")), "comma order collapses")
	assert.False(t, authorMatches(authors, NormalizeAuthor("Brian Herbert")))
	assert.True(t, authorMatches(nil, ""), "no author filter matches anything")
}

func TestISBNDBQuality(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, isbndbQuality(isbndbBook{Title: "Dune"}))
	assert.Equal(t, 40, isbndbQuality(isbndbBook{ISBN13: "9780441172719", Pages: 535}))
	assert.Equal(t, 100, isbndbQuality(isbndbBook{
		ISBN13:        "9780441172719",
		Image:         "https://images.isbndb.com/covers/dune.jpg",
		Publisher:     "Ace",
		DatePublished: "1990",
		Pages:         535,
	}))
}
