// Package tokenize turns raw dialogue text into the keyword tokens the
// retrieval layers score against. It is deliberately model-free: no
// embeddings, no external calls, just normalization, stopword removal,
// and CJK bigram handling so mixed-language conversations tokenize
// sensibly.
package tokenize

import (
	"strings"
	"unicode"
)

// Simple is the default tokenizer. Zero value is ready to use.
type Simple struct{}

// New returns a ready-to-use tokenizer.
func New() *Simple {
	return &Simple{}
}

var stopwords = map[string]struct{}{
	// English function words
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {},
	"is": {}, "are": {}, "was": {}, "were": {}, "be": {}, "been": {},
	"of": {}, "in": {}, "on": {}, "at": {}, "to": {}, "for": {},
	"with": {}, "by": {}, "from": {}, "as": {}, "it": {}, "its": {},
	"this": {}, "that": {}, "these": {}, "those": {}, "there": {},
	"what": {}, "which": {}, "who": {}, "whom": {}, "how": {}, "why": {},
	"when": {}, "where": {}, "do": {}, "does": {}, "did": {}, "not": {},
	"no": {}, "can": {}, "could": {}, "will": {}, "would": {}, "should": {},
	"i": {}, "you": {}, "he": {}, "she": {}, "we": {}, "they": {},
	"my": {}, "your": {}, "his": {}, "her": {}, "our": {}, "their": {},
	"me": {}, "him": {}, "them": {}, "us": {}, "have": {}, "has": {},
	"had": {}, "about": {}, "into": {}, "than": {}, "then": {}, "so": {},
	// Chinese function words
	"的": {}, "了": {}, "是": {}, "在": {}, "有": {}, "和": {},
	"与": {}, "或": {}, "但": {}, "而": {}, "它": {}, "他": {},
	"她": {}, "这": {}, "那": {}, "什么": {}, "怎么": {},
	"为什么": {}, "如何": {}, "吗": {}, "呢": {}, "吧": {}, "啊": {},
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}

// Tokenize lowercases text, splits on non-alphanumeric runes, emits
// CJK runs as overlapping bigrams, and drops stopwords and tokens
// shorter than two runes. Single-rune CJK runs are kept as-is since a
// lone ideograph can carry a full word.
func (s *Simple) Tokenize(text string) []string {
	var tokens []string
	var word, cjk []rune

	flushWord := func() {
		if len(word) >= 2 {
			tokens = appendToken(tokens, string(word))
		}
		word = word[:0]
	}
	flushCJK := func() {
		switch {
		case len(cjk) == 1:
			tokens = appendToken(tokens, string(cjk))
		case len(cjk) >= 2:
			for i := 0; i+1 < len(cjk); i++ {
				tokens = appendToken(tokens, string(cjk[i:i+2]))
			}
		}
		cjk = cjk[:0]
	}

	for _, r := range strings.ToLower(text) {
		switch {
		case isCJK(r):
			flushWord()
			cjk = append(cjk, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushCJK()
			word = append(word, r)
		default:
			flushWord()
			flushCJK()
		}
	}
	flushWord()
	flushCJK()
	return tokens
}

func appendToken(tokens []string, tok string) []string {
	if _, stop := stopwords[tok]; stop {
		return tokens
	}
	return append(tokens, tok)
}

// ExtractEntities pulls likely named entities out of raw text:
// capitalized words that are not sentence-leading stopwords, and
// four-digit years. Entities are lowercased so they compare equal to
// Tokenize output.
func (s *Simple) ExtractEntities(text string) []string {
	var entities []string
	seen := make(map[string]struct{})

	add := func(e string) {
		e = strings.ToLower(e)
		if _, stop := stopwords[e]; stop {
			return
		}
		if _, dup := seen[e]; dup {
			return
		}
		seen[e] = struct{}{}
		entities = append(entities, e)
	}

	for _, field := range strings.Fields(text) {
		word := strings.TrimFunc(field, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if word == "" {
			continue
		}
		runes := []rune(word)
		if unicode.IsUpper(runes[0]) && len(runes) >= 2 {
			add(word)
			continue
		}
		if len(runes) == 4 && allDigits(runes) {
			add(word)
		}
	}
	return entities
}

func allDigits(runes []rune) bool {
	for _, r := range runes {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
