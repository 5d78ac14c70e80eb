// Package slug generates ASCII path slugs from arbitrary Unicode titles.
package slug

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var multiHyphen = regexp.MustCompile(`-{2,}`)

// From converts a title into a filesystem and URL safe ASCII slug:
// accents are stripped (NFD decomposition, combining marks removed),
// everything non-alphanumeric collapses to single hyphens.
func From(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}

	out = strings.ToLower(out)
	out = strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			return r
		}
		return '-'
	}, out)

	out = multiHyphen.ReplaceAllString(out, "-")
	return strings.Trim(out, "-")
}
