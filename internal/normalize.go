package internal

import (
	"maps"
	"net/url"
	"slices"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// _articles are stripped from the front of titles so "The Hobbit" and
// "Hobbit" produce the same cache key.
var _articles = []string{"the ", "a ", "an "}

// foldUnicode strips diacritics and compatibility forms ("Café" → "Cafe")
// so accented and unaccented spellings collide.
func foldUnicode(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// stripPunct removes everything that isn't a letter, digit, or space.
func stripPunct(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			return r
		}
		return -1
	}, s)
}

// collapseSpace trims and squeezes runs of whitespace to single spaces.
func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeTitle canonicalizes a title for cache keys and fuzzy matching:
// fold, lowercase, drop a leading article, strip punctuation, collapse
// whitespace.
func NormalizeTitle(title string) string {
	t := strings.ToLower(strings.TrimSpace(foldUnicode(title)))
	for _, a := range _articles {
		if strings.HasPrefix(t, a) {
			t = t[len(a):]
			break
		}
	}
	return collapseSpace(stripPunct(t))
}

// NormalizeAuthor canonicalizes an author name. "Last, First" flips to
// "First Last" before punctuation is removed, so "Tolkien, J.R.R." and
// "J.R.R. Tolkien" collide.
func NormalizeAuthor(name string) string {
	n := strings.ToLower(strings.TrimSpace(foldUnicode(name)))
	if last, first, ok := strings.Cut(n, ","); ok && !strings.Contains(first, ",") {
		n = strings.TrimSpace(first) + " " + strings.TrimSpace(last)
	}
	return collapseSpace(stripPunct(n))
}

// CacheKey derives a stable cache key from normalized parameters. Keys sort
// lexicographically and values are escaped, so parameter order and embedded
// delimiters can't change the key.
func CacheKey(namespace string, params map[string]string) string {
	var sb strings.Builder
	sb.WriteString(namespace)
	sb.WriteByte(':')
	for i, k := range slices.Sorted(maps.Keys(params)) {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(k))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(params[k]))
	}
	return sb.String()
}

// _genres maps the provider subject vocabulary onto our bounded tag set.
// Unknown subjects pass through lowercased.
var _genres = map[string]string{
	"science fiction":               "science-fiction",
	"sci-fi":                        "science-fiction",
	"sf":                            "science-fiction",
	"speculative fiction":           "science-fiction",
	"fantasy fiction":               "fantasy",
	"juvenile fiction":              "childrens",
	"juvenile literature":           "childrens",
	"children's fiction":            "childrens",
	"young adult fiction":           "young-adult",
	"ya":                            "young-adult",
	"biography & autobiography":     "biography",
	"autobiography":                 "biography",
	"memoir":                        "biography",
	"detective and mystery stories": "mystery",
	"mystery & detective":           "mystery",
	"crime fiction":                 "crime",
	"true crime":                    "crime",
	"thrillers":                     "thriller",
	"suspense fiction":              "thriller",
	"horror fiction":                "horror",
	"ghost stories":                 "horror",
	"love stories":                  "romance",
	"romance fiction":               "romance",
	"historical fiction":            "historical-fiction",
	"graphic novels":                "comics",
	"comics & graphic novels":       "comics",
	"cooking":                       "cookbooks",
	"cookery":                       "cookbooks",
	"self-help":                     "self-help",
	"business & economics":          "business",
	"poetry":                        "poetry",
	"drama":                         "drama",
	"philosophy":                    "philosophy",
	"history":                       "history",
	"science":                       "science",
	"travel":                        "travel",
	"religion":                      "religion",
	"fiction":                       "fiction",
	"nonfiction":                    "nonfiction",
	"non-fiction":                   "nonfiction",
}

// NormalizeSubjects maps provider categories through the genre table,
// lowercases stragglers, and dedupes while preserving order.
func NormalizeSubjects(subjects []string) []string {
	seen := newSet[string]()
	out := make([]string, 0, len(subjects))
	for _, s := range subjects {
		tag := strings.ToLower(strings.TrimSpace(s))
		if tag == "" {
			continue
		}
		if mapped, ok := _genres[tag]; ok {
			tag = mapped
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

// yearOf extracts a four-digit year from YYYY or YYYY-MM-DD strings.
// Anything else yields zero.
func yearOf(date string) int {
	date = strings.TrimSpace(date)
	if len(date) < 4 {
		return 0
	}
	year := 0
	for _, r := range date[:4] {
		if r < '0' || r > '9' {
			return 0
		}
		year = year*10 + int(r-'0')
	}
	if len(date) > 4 && date[4] != '-' {
		return 0
	}
	return year
}

// levenshtein computes edit distance with the usual two-row DP.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

// similarity is 1 - distance/maxLen, in [0,1].
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := max(len([]rune(a)), len([]rune(b)))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(a, b))/float64(longest)
}

// TitlesMatch applies the fuzzy rule used by the editions endpoint: equal
// after normalization, containment either way, or similarity ≥ 0.70.
func TitlesMatch(a, b string) bool {
	na, nb := NormalizeTitle(a), NormalizeTitle(b)
	if na == nb {
		return true
	}
	if na == "" || nb == "" {
		return false
	}
	if strings.Contains(na, nb) || strings.Contains(nb, na) {
		return true
	}
	return similarity(na, nb) >= 0.70
}
