package guardian

import (
	"golang.org/x/text/unicode/norm"

	"github.com/gzhole/moltshield/internal/unicode"
)

// normalize maps compatibility forms (fullwidth letters, ligatures,
// stylised math alphabets) to plain letters, then drops invisible
// characters, folds homoglyphs and collapses whitespace runs.
func normalize(text string) string {
	return unicode.Fold(norm.NFKC.String(text))
}
