package document

import (
	"path"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Slugify lowercases s, strips diacritics and joins the remaining letter
// and digit runs with single hyphens.
func Slugify(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	folded = cases.Lower(language.Und).String(folded)

	var b strings.Builder
	dash := false
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			dash = false
			b.WriteRune(r)

			continue
		}
		dash = true
	}

	return b.String()
}

// PermalinkFor derives the URL of a content file from its path relative to
// the content directory: index files map to their directory and every
// other file gets a directory of its own.
func PermalinkFor(rel string) string {
	rel = strings.TrimPrefix(path.Clean("/"+rel), "/")
	dir, file := path.Split(rel)
	name := strings.TrimSuffix(file, path.Ext(file))

	var parts []string
	for _, seg := range strings.Split(strings.Trim(dir, "/"), "/") {
		if s := Slugify(seg); s != "" {
			parts = append(parts, s)
		}
	}
	if name != "index" && name != "_index" {
		if s := Slugify(name); s != "" {
			parts = append(parts, s)
		}
	}

	if len(parts) == 0 {
		return "/"
	}

	return "/" + strings.Join(parts, "/") + "/"
}
