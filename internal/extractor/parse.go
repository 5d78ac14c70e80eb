package extractor

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// Source-agnostic parsing rules shared by extractor implementations.

var (
	chapterPatterns = []*regexp.Regexp{
		regexp.MustCompile(`chương\s*(\d+\.?\d*)`),
		regexp.MustCompile(`chap\s*(\d+\.?\d*)`),
		regexp.MustCompile(`chapter\s*(\d+\.?\d*)`),
		regexp.MustCompile(`(\d+\.?\d+)`),
	}

	whitespace = regexp.MustCompile(`\s+`)

	pageOrderPatterns = []*regexp.Regexp{
		regexp.MustCompile(`/(\d+)\.(?:jpg|jpeg|png|webp)`),
		regexp.MustCompile(`page_(\d+)`),
		regexp.MustCompile(`/(\d+)\.`),
	}
)

var validExtensions = []string{".jpg", ".jpeg", ".png", ".webp"}

var invalidPatterns = []string{
	".gif", "logo", "avatar", "icon", "ads", "banner", "thumb", "placeholder",
}

// unknownPageOrder sorts unrecognized URLs after every numbered page.
const unknownPageOrder = 1 << 20

// extractChapterNumber pulls a numeric chapter number (fractional
// allowed) out of a chapter link title. Falls back to the cleaned text
// when no pattern matches.
func extractChapterNumber(text string) string {
	cleaned := strings.ToLower(cleanText(text))
	for _, p := range chapterPatterns {
		if m := p.FindStringSubmatch(cleaned); m != nil {
			return m[1]
		}
	}
	return cleaned
}

// cleanText collapses runs of whitespace and trims the result.
func cleanText(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

// validImageURL applies the extension allow-list, the filename
// deny-list, and (when given) the trusted-domain allow-list.
func validImageURL(raw string, trustedDomains []string) bool {
	if raw == "" {
		return false
	}
	lower := strings.ToLower(raw)
	withoutQuery, _, _ := strings.Cut(lower, "?")

	var extOK bool
	for _, ext := range validExtensions {
		if strings.HasSuffix(withoutQuery, ext) {
			extOK = true
			break
		}
	}
	if !extOK {
		return false
	}
	for _, pattern := range invalidPatterns {
		if strings.Contains(lower, pattern) {
			return false
		}
	}
	if len(trustedDomains) == 0 {
		return true
	}
	for _, domain := range trustedDomains {
		if strings.Contains(lower, domain) {
			return true
		}
	}
	return false
}

// pageOrder extracts the numeric page position hint embedded in an
// image URL. URLs without a recognizable number sort last, keeping
// their relative document order.
func pageOrder(raw string) int {
	for _, p := range pageOrderPatterns {
		if m := p.FindStringSubmatch(raw); m != nil {
			n := 0
			for _, c := range m[1] {
				n = n*10 + int(c-'0')
			}
			return n
		}
	}
	return unknownPageOrder
}

// dedupeAndSortPages removes duplicate URLs (keeping first occurrence)
// and orders them by the numeric page hint; the sort is stable so
// unnumbered URLs keep document order.
func dedupeAndSortPages(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	unique := make([]string, 0, len(urls))
	for _, u := range urls {
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		unique = append(unique, u)
	}
	sort.SliceStable(unique, func(i, j int) bool {
		return pageOrder(unique[i]) < pageOrder(unique[j])
	})
	return unique
}

// absoluteURL resolves href against base, returning "" on garbage.
func absoluteURL(base, href string) string {
	if href == "" {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return href
	}
	h, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return b.ResolveReference(h).String()
}
