package util

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizeText lowercases s and strips diacritics so that "Económico" and
// "economico" compare equal.
func NormalizeText(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// Words splits normalized text into letter/digit tokens.
func Words(s string) []string {
	return strings.FieldsFunc(NormalizeText(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// ContainsPhrase reports whether the normalized phrase occurs in text on word
// boundaries. Multi-word phrases must appear as consecutive words.
func ContainsPhrase(text, phrase string) bool {
	needle := Words(phrase)
	if len(needle) == 0 {
		return false
	}
	hay := Words(text)
	for i := 0; i+len(needle) <= len(hay); i++ {
		match := true
		for j := range needle {
			if hay[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
