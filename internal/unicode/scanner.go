// Package unicode finds and removes invisible or look-alike characters that
// let hostile platform content slip past text matching.
package unicode

import (
	"fmt"
	"strings"
	"unicode"
)

// Threat is one hidden-character finding.
type Threat struct {
	Category  string // "tag-char" or "bidi-override"
	Position  int    // byte offset in the input
	Codepoint string // e.g. "U+202E"
}

// ScanResult holds the output of a scan.
type ScanResult struct {
	Clean   bool
	Threats []Threat
}

// Scan reports characters whose only purpose in social content is to hide
// text from a human reader: Unicode tag characters and bidi overrides.
// Zero-width characters are not reported because emoji sequences use them;
// Fold removes them instead.
func Scan(input string) ScanResult {
	result := ScanResult{Clean: true}
	for i, r := range input {
		var category string
		switch {
		case isTagCharacter(r):
			category = "tag-char"
		case isBidiOverride(r):
			category = "bidi-override"
		default:
			continue
		}
		result.Clean = false
		result.Threats = append(result.Threats, Threat{
			Category:  category,
			Position:  i,
			Codepoint: fmt.Sprintf("U+%04X", r),
		})
	}
	return result
}

// Fold returns input with invisible characters removed, common
// Cyrillic/Greek homoglyphs replaced by the Latin letter they imitate, and
// every whitespace run collapsed to one character: '\n' if the run holds a
// line break, ' ' otherwise. The result is only meant for pattern matching,
// never for display.
func Fold(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	var pending rune
	for _, r := range input {
		if unicode.IsSpace(r) {
			if isLineBreak(r) {
				pending = '\n'
			} else if pending == 0 {
				pending = ' '
			}
			continue
		}
		if isZeroWidth(r) || isBidiOverride(r) || isTagCharacter(r) || isUnsafeControl(r) {
			continue
		}
		if pending != 0 {
			b.WriteRune(pending)
			pending = 0
		}
		if latin, ok := homoglyph(r); ok {
			b.WriteRune(latin)
			continue
		}
		b.WriteRune(r)
	}
	if pending != 0 {
		b.WriteRune(pending)
	}
	return b.String()
}

func isLineBreak(r rune) bool {
	switch r {
	case '\n', '\r', '\v', '\f',
		'\u0085', // NEXT LINE
		'\u2028', // LINE SEPARATOR
		'\u2029': // PARAGRAPH SEPARATOR
		return true
	}
	return false
}

func isZeroWidth(r rune) bool {
	switch r {
	case '\u200B', // ZERO WIDTH SPACE
		'\u200C', // ZERO WIDTH NON-JOINER
		'\u200D', // ZERO WIDTH JOINER
		'\uFEFF', // ZERO WIDTH NO-BREAK SPACE (BOM)
		'\u2060', // WORD JOINER
		'\u180E', // MONGOLIAN VOWEL SEPARATOR
		'\u00AD', // SOFT HYPHEN
		'\u200E', // LEFT-TO-RIGHT MARK
		'\u200F': // RIGHT-TO-LEFT MARK
		return true
	}
	return false
}

func isBidiOverride(r rune) bool {
	switch r {
	case '\u202A', // LEFT-TO-RIGHT EMBEDDING
		'\u202B', // RIGHT-TO-LEFT EMBEDDING
		'\u202C', // POP DIRECTIONAL FORMATTING
		'\u202D', // LEFT-TO-RIGHT OVERRIDE
		'\u202E', // RIGHT-TO-LEFT OVERRIDE
		'\u2066', // LEFT-TO-RIGHT ISOLATE
		'\u2067', // RIGHT-TO-LEFT ISOLATE
		'\u2068', // FIRST STRONG ISOLATE
		'\u2069': // POP DIRECTIONAL ISOLATE
		return true
	}
	return false
}

func isTagCharacter(r rune) bool {
	return r >= 0xE0001 && r <= 0xE007F
}

func isUnsafeControl(r rune) bool {
	return r <= 0x1F || r == 0x7F || (r >= 0x80 && r <= 0x9F)
}

func homoglyph(r rune) (rune, bool) {
	switch {
	case unicode.Is(unicode.Cyrillic, r):
		latin, ok := cyrillicHomoglyphs[r]
		return latin, ok
	case unicode.Is(unicode.Greek, r):
		latin, ok := greekHomoglyphs[r]
		return latin, ok
	}
	return 0, false
}

var cyrillicHomoglyphs = map[rune]rune{
	'а': 'a', 'А': 'A',
	'В': 'B',
	'с': 'c', 'С': 'C',
	'е': 'e', 'Е': 'E',
	'Н': 'H',
	'і': 'i', 'І': 'I',
	'ј': 'j',
	'К': 'K',
	'М': 'M',
	'о': 'o', 'О': 'O',
	'р': 'p', 'Р': 'P',
	'ѕ': 's',
	'Т': 'T',
	'х': 'x', 'Х': 'X',
	'у': 'y', 'У': 'Y',
}

var greekHomoglyphs = map[rune]rune{
	'Α': 'A',
	'Β': 'B',
	'Ε': 'E',
	'Η': 'H',
	'Ι': 'I', 'ι': 'i',
	'Κ': 'K',
	'Μ': 'M',
	'Ν': 'N',
	'Ο': 'O', 'ο': 'o',
	'Ρ': 'P', 'ρ': 'p',
	'Τ': 'T',
	'Χ': 'X',
	'Υ': 'Y',
	'Ζ': 'Z',
}
