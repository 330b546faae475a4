package sandbox

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Slug derives the sandbox directory name from a project name: lowercase,
// diacritics stripped, anything non-alphanumeric collapsed to single dashes.
// An empty result falls back to "project" so the directory always has a name.
func Slug(name string) string {
	// NFD splits accented characters into base + combining marks, which are
	// then dropped.
	decomposed := norm.NFD.String(strings.ToLower(name))

	var b strings.Builder
	b.Grow(len(decomposed))
	lastDash := true // suppress a leading dash
	for _, r := range decomposed {
		switch {
		case unicode.Is(unicode.Mn, r):
			// combining mark, skip
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}

	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		return "project"
	}
	return slug
}
