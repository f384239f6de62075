package internal

import "time"

// Provider names double as the `provider` metadata value and as contributor
// tags on DTOs.
const (
	ProviderGoogleBooks = "google-books"
	ProviderOpenLibrary = "openlibrary"
	ProviderISBNDB      = "isbndb"
)

// Format is an edition's physical or digital manifestation.
type Format string

const (
	FormatHardcover  Format = "Hardcover"
	FormatPaperback  Format = "Paperback"
	FormatEbook      Format = "E-book"
	FormatAudiobook  Format = "Audiobook"
	FormatMassMarket Format = "Mass Market"
	FormatOther      Format = "Other"
)

// _formatRank orders editions for display. Anything unranked (Mass Market,
// Other, unknown) sorts last.
var _formatRank = map[Format]int{
	FormatHardcover: 0,
	FormatPaperback: 1,
	FormatEbook:     2,
	FormatAudiobook: 3,
}

func (f Format) rank() int {
	if r, ok := _formatRank[f]; ok {
		return r
	}
	return len(_formatRank)
}

// Gender enumerates author gender metadata as provided upstream.
type Gender string

const (
	GenderFemale    Gender = "Female"
	GenderMale      Gender = "Male"
	GenderNonBinary Gender = "Non-binary"
	GenderOther     Gender = "Other"
	GenderUnknown   Gender = "Unknown"
)

// ReviewStatus marks how much a record has been vetted.
type ReviewStatus string

const (
	ReviewApproved    ReviewStatus = "approved"
	ReviewVerified    ReviewStatus = "verified"
	ReviewNeedsReview ReviewStatus = "needsReview"
	ReviewUserEdited  ReviewStatus = "userEdited"
)

// BoundingBox locates a detected spine within a scanned image. Coordinates
// are normalized to [0,1].
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// clamp forces all coordinates into [0,1]. Vision models occasionally return
// pixel coordinates or slightly negative offsets.
func (b BoundingBox) clamp() BoundingBox {
	c := func(v float64) float64 {
		if v < 0 {
			return 0
		}
		if v > 1 {
			return 1
		}
		return v
	}
	return BoundingBox{X: c(b.X), Y: c(b.Y), Width: c(b.Width), Height: c(b.Height)}
}

// ExternalIDs collects provider-native identifiers. Array fields accumulate
// across providers; the scalars are legacy single-source IDs.
type ExternalIDs struct {
	Goodreads    []string `json:"goodreads,omitempty"`
	ASIN         []string `json:"asin,omitempty"`
	LibraryThing []string `json:"libraryThing,omitempty"`
	GoogleVolume []string `json:"googleVolume,omitempty"`
	OpenLibrary  string   `json:"openLibrary,omitempty"`
	ISBNDB       string   `json:"isbndb,omitempty"`
}

// merge unions the array IDs and fills empty scalars.
func (e ExternalIDs) merge(other ExternalIDs) ExternalIDs {
	e.Goodreads = unionStrings(e.Goodreads, other.Goodreads)
	e.ASIN = unionStrings(e.ASIN, other.ASIN)
	e.LibraryThing = unionStrings(e.LibraryThing, other.LibraryThing)
	e.GoogleVolume = unionStrings(e.GoogleVolume, other.GoogleVolume)
	if e.OpenLibrary == "" {
		e.OpenLibrary = other.OpenLibrary
	}
	if e.ISBNDB == "" {
		e.ISBNDB = other.ISBNDB
	}
	return e
}

// provenance fields are shared by Work and Edition.
type provenance struct {
	Synthetic       bool     `json:"synthetic,omitempty"`
	PrimaryProvider string   `json:"primaryProvider,omitempty"`
	Contributors    []string `json:"contributors,omitempty"`

	ISBNDBQuality  int          `json:"isbndbQuality,omitempty"`
	LastISBNDBSync *time.Time   `json:"lastIsbndbSync,omitempty"`
	ReviewStatus   ReviewStatus `json:"reviewStatus,omitempty"`
	BoundingBox    *BoundingBox `json:"boundingBox,omitempty"`
}

// tagContributor records that a provider contributed fields to this record.
// The primary provider is always a contributor.
func (p *provenance) tagContributor(name string) {
	if p.PrimaryProvider == "" {
		p.PrimaryProvider = name
	}
	for _, c := range p.Contributors {
		if c == name {
			return
		}
	}
	p.Contributors = append(p.Contributors, name)
}

// Work is an abstract creative work, independent of any particular printing.
type Work struct {
	Title                string   `json:"title"`
	SubjectTags          []string `json:"subjectTags,omitempty"`
	OriginalLanguage     string   `json:"originalLanguage,omitempty"`
	FirstPublicationYear int      `json:"firstPublicationYear,omitempty"`
	Description          string   `json:"description,omitempty"`
	CoverURL             string   `json:"coverUrl,omitempty"`

	ExternalIDs ExternalIDs `json:"externalIds"`
	provenance
}

// Edition is a concrete manifestation of a Work.
type Edition struct {
	ISBN            string   `json:"isbn,omitempty"`
	ISBNs           []string `json:"isbns,omitempty"`
	Title           string   `json:"title"`
	Publisher       string   `json:"publisher,omitempty"`
	PublicationDate string   `json:"publicationDate,omitempty"`
	PageCount       int      `json:"pageCount,omitempty"`
	Format          Format   `json:"format,omitempty"`
	CoverURL        string   `json:"coverUrl,omitempty"`
	Language        string   `json:"language,omitempty"`

	ExternalIDs ExternalIDs `json:"externalIds"`
	provenance
}

// Author is a contributor to one or more works.
type Author struct {
	Name           string `json:"name"`
	Gender         Gender `json:"gender,omitempty"`
	CulturalRegion string `json:"culturalRegion,omitempty"`
	Nationality    string `json:"nationality,omitempty"`
	BirthYear      int    `json:"birthYear,omitempty"`
	DeathYear      int    `json:"deathYear,omitempty"`
	BookCount      int    `json:"bookCount,omitempty"`

	ExternalIDs ExternalIDs `json:"externalIds"`
}

// Book bundles everything the pipeline learned about one identifier: the
// merged Work plus the editions and authors that arrived with it.
type Book struct {
	Work     Work      `json:"work"`
	Editions []Edition `json:"editions,omitempty"`
	Authors  []Author  `json:"authors,omitempty"`
}

// SearchResult is the payload for all search endpoints.
type SearchResult struct {
	Works    []Work    `json:"works"`
	Editions []Edition `json:"editions"`
	Authors  []Author  `json:"authors"`
}

// normalizeInvariants enforces the relationships the data model promises:
// the edition's isbns set contains its primary ISBN, and contributors
// include the primary provider.
func (e *Edition) normalizeInvariants() {
	if e.ISBN != "" {
		found := false
		for _, i := range e.ISBNs {
			if i == e.ISBN {
				found = true
				break
			}
		}
		if !found {
			e.ISBNs = append(e.ISBNs, e.ISBN)
		}
	}
	if e.PrimaryProvider != "" {
		e.tagContributor(e.PrimaryProvider)
	}
}

// bestISBN returns the edition's canonical ISBN-13 when it has one.
func (e Edition) bestISBN() string {
	if i13, err := ToISBN13(e.ISBN); err == nil {
		return i13
	}
	for _, raw := range e.ISBNs {
		if i13, err := ToISBN13(raw); err == nil {
			return i13
		}
	}
	return ""
}

// hasISBN reports whether any edition in the bundle carries a valid ISBN.
func (b Book) hasISBN() bool {
	for _, e := range b.Editions {
		if e.bestISBN() != "" {
			return true
		}
	}
	return false
}

func (b Book) hasCover() bool {
	if b.Work.CoverURL != "" {
		return true
	}
	for _, e := range b.Editions {
		if e.CoverURL != "" {
			return true
		}
	}
	return false
}

func (b Book) bestEdition() *Edition {
	if len(b.Editions) == 0 {
		return nil
	}
	return &b.Editions[0]
}

// completeness scores how much of a bundle's high-value metadata is present.
// Used to rank providers during merging.
func (b Book) completeness() float64 {
	score := 0.0
	if b.hasISBN() {
		score += 0.25
	}
	if b.hasCover() {
		score += 0.25
	}
	var publisher, year, pages bool
	for _, e := range b.Editions {
		publisher = publisher || e.Publisher != ""
		year = year || yearOf(e.PublicationDate) != 0
		pages = pages || e.PageCount > 0
	}
	year = year || b.Work.FirstPublicationYear != 0
	if publisher {
		score += 0.15
	}
	if year {
		score += 0.15
	}
	if pages {
		score += 0.10
	}
	if len(b.Work.Description) >= 100 {
		score += 0.10
	}
	return score
}

// cacheQuality scores a bundle for TTL adjustment. Distinct from
// completeness: only ISBN, cover and description presence matter here.
func (b Book) cacheQuality() float64 {
	q := 0.0
	if b.hasISBN() {
		q += 0.4
	}
	if b.hasCover() {
		q += 0.4
	}
	if len(b.Work.Description) >= 100 {
		q += 0.2
	}
	return q
}

// resultQuality averages cache quality across a search result so mixed
// responses age proportionally.
func resultQuality(res SearchResult) float64 {
	if len(res.Works) == 0 {
		return 0
	}
	total := 0.0
	for _, w := range res.Works {
		b := Book{Work: w, Editions: editionsForWork(res.Editions, w)}
		total += b.cacheQuality()
	}
	return total / float64(len(res.Works))
}

// editionsForWork selects the editions whose normalized title matches the
// work's.
func editionsForWork(editions []Edition, w Work) []Edition {
	key := NormalizeTitle(w.Title)
	var out []Edition
	for _, e := range editions {
		if NormalizeTitle(e.Title) == key {
			out = append(out, e)
		}
	}
	return out
}

func unionStrings(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	s := newSet(a...)
	for _, v := range b {
		if _, ok := s[v]; !ok {
			a = append(a, v)
			s[v] = struct{}{}
		}
	}
	return a
}
