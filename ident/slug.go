// Package ident maps opaque session ids to human-readable slugs and back,
// and remembers guest (unauthenticated) sessions between runs.
package ident

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NFKD decomposition followed by removal of combining marks strips diacritics
// ("café" -> "cafe") before the ASCII/Cyrillic filter below.
var deaccent = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

func slugRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || (r >= 0x0400 && r <= 0x04FF)
}

// Slugify normalizes text into a URL-safe token: Unicode-normalized,
// diacritics stripped, lowercased, with runs of anything outside
// [a-z0-9] and the Cyrillic block collapsed into single hyphens.
func Slugify(text string) string {
	out, _, err := transform.String(deaccent, text)
	if err != nil {
		out = text
	}
	out = strings.ToLower(out)

	var b strings.Builder
	pendingHyphen := false
	for _, r := range out {
		if slugRune(r) {
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(r)
		} else {
			pendingHyphen = true
		}
	}
	return b.String()
}
