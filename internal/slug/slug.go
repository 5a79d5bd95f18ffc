// Package slug derives stable, URL-safe identifiers for provider-sourced
// display names (product slugs, provider item keys, toplist slugs).
package slug

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	nonAlnumRe  = regexp.MustCompile(`[^a-z0-9]+`)
	trimDashRe  = regexp.MustCompile(`-{2,}`)
	diacritics  = strings.NewReplacer(
		"č", "c", "Č", "C",
		"ć", "c", "Ć", "C",
		"đ", "dj", "Đ", "Dj",
		"š", "s", "Š", "S",
		"ž", "z", "Ž", "Z",
	)
	stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
)

// RemoveDiacritics folds accented characters to their closest ASCII form.
func RemoveDiacritics(s string) string {
	s = diacritics.Replace(s)
	result, _, err := transform.String(stripMarks, s)
	if err != nil {
		return s
	}
	return result
}

// Slugify produces a deterministic, lowercase, hyphen-separated slug from a
// display name. Non-alphanumeric runs collapse to a single hyphen; a
// trailing punctuation run (e.g. "!") yields a trailing hyphen rather than
// being stripped, matching the deterministic-slug property: slugify("Hello
// World!") == "hello-world-".
func Slugify(name string) string {
	s := RemoveDiacritics(name)
	s = strings.ToLower(s)
	s = nonAlnumRe.ReplaceAllString(s, "-")
	s = trimDashRe.ReplaceAllString(s, "-")
	return s
}

// ProviderSlug builds the provider-derived product slug convention of
// spec.md §3, e.g. "igdb-12345" or "nexarda-diablo-iv".
func ProviderSlug(providerSlug, key string) string {
	return providerSlug + "-" + Slugify(key)
}
