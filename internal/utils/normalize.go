package utils

import (
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/clipperhouse/uax29/v2/words"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Token is one normalized word of an input string.
// Start and End are byte offsets into the original string.
type Token struct {
	Text  string
	Start int
	End   int
}

// Diacritic folding chains are stateful, so each goroutine borrows its own
var foldPool = sync.Pool{
	New: func() any {
		return transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	},
}

// Fold lowercases s and strips combining marks, so "Zürich" becomes "zurich".
func Fold(s string) string {
	if isPlainLower(s) {
		return s
	}
	t := foldPool.Get().(transform.Transformer)
	defer foldPool.Put(t)
	t.Reset()
	out, _, err := transform.String(t, strings.ToLower(s))
	if err != nil {
		return strings.ToLower(s)
	}
	return out
}

func isPlainLower(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= utf8.RuneSelf || ('A' <= c && c <= 'Z') {
			return false
		}
	}
	return true
}

// isWordRune reports whether r belongs inside a token.
func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r)
}

// Tokenize splits s on UAX #29 word boundaries, then again on anything that
// is not a letter, digit or combining mark, and folds each piece with Fold.
// Punctuation and whitespace never produce tokens.
func Tokenize(s string) []Token {
	var tokens []Token
	seg := words.FromString(s)
	pos := 0
	for seg.Next() {
		w := seg.Value()
		start := pos
		pos += len(w)

		runStart := -1
		for i, r := range w {
			if isWordRune(r) {
				if runStart < 0 {
					runStart = i
				}
				continue
			}
			if runStart >= 0 {
				tokens = appendToken(tokens, w[runStart:i], start+runStart, start+i)
				runStart = -1
			}
		}
		if runStart >= 0 {
			tokens = appendToken(tokens, w[runStart:], start+runStart, start+len(w))
		}
	}
	return tokens
}

func appendToken(tokens []Token, raw string, start, end int) []Token {
	text := Fold(raw)
	if text == "" {
		return tokens
	}
	return append(tokens, Token{Text: text, Start: start, End: end})
}

// Texts returns the folded text of every token.
func Texts(tokens []Token) []string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = t.Text
	}
	return out
}

// NormalizeAlias returns the canonical form aliases are stored and looked up
// under: the folded tokens joined by single spaces.
func NormalizeAlias(s string) string {
	return strings.Join(Texts(Tokenize(s)), " ")
}
