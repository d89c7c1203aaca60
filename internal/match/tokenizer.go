// Package match proposes cross-venue market equivalences. The pipeline
// is text-only: tokenize both question texts, blend Jaccard and TF-IDF
// cosine similarity, and layer date, category, and resolution-rule
// scores on top.
package match

import (
	"regexp"
	"strings"

	"github.com/kljensen/snowball/english"
)

// numCommaRe collapses thousands separators so "100,000" tokenizes as
// one number.
var numCommaRe = regexp.MustCompile(`(\d),(\d)`)

// phraseSynonyms fold multi-word entity mentions to one canonical token
// before word tokenization.
var phraseSynonyms = map[string]string{
	"president of the united states": "president",
	"federal reserve":                "fed",
	"interest rate":                  "rate",
	"supreme court":                  "scotus",
	"prime minister":                 "pm",
	"world cup":                      "worldcup",
	"super bowl":                     "superbowl",
	"electoral college":              "election",
	"s&p 500":                        "spx",
	"s and p 500":                    "spx",
}

// wordSynonyms fold single-token aliases: tickers, nicknames, month
// abbreviations, polarity words.
var wordSynonyms = map[string]string{
	"btc":      "bitcoin",
	"xbt":      "bitcoin",
	"eth":      "ethereum",
	"ether":    "ethereum",
	"sol":      "solana",
	"doge":     "dogecoin",
	"potus":    "president",
	"presidential": "president",
	"dems":     "democrat",
	"democratic": "democrat",
	"democrats": "democrat",
	"gop":      "republican",
	"republicans": "republican",
	"sec":      "sec",
	"cpi":      "inflation",
	"jan":      "january",
	"feb":      "february",
	"mar":      "march",
	"apr":      "april",
	"jun":      "june",
	"jul":      "july",
	"aug":      "august",
	"sep":      "september",
	"sept":     "september",
	"oct":      "october",
	"nov":      "november",
	"dec":      "december",
	"won't":    "not",
	"wont":     "not",
	"isn't":    "not",
	"isnt":     "not",
	"doesn't":  "not",
	"doesnt":   "not",
	"above":    "over",
	"exceed":   "over",
	"exceeds":  "over",
	"surpass":  "over",
	"below":    "under",
	"beneath":  "under",
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "for": {}, "from": {}, "has": {}, "have": {}, "in": {},
	"is": {}, "it": {}, "its": {}, "of": {}, "on": {}, "or": {},
	"that": {}, "the": {}, "this": {}, "to": {}, "was": {}, "were": {},
	"will": {}, "with": {}, "do": {}, "does": {}, "did": {}, "been": {},
	"what": {}, "which": {}, "who": {}, "how": {}, "there": {},
}

// Tokenize runs the full pipeline: lower-case, synonym folding, word
// tokenization, stopword removal, Porter stemming. Duplicates are kept;
// TF-IDF needs the frequencies.
func Tokenize(text string) []string {
	s := strings.ToLower(text)
	for numCommaRe.MatchString(s) {
		s = numCommaRe.ReplaceAllString(s, "$1$2")
	}
	for phrase, canon := range phraseSynonyms {
		s = strings.ReplaceAll(s, phrase, canon)
	}

	words := strings.FieldsFunc(s, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z':
			return false
		case r >= '0' && r <= '9':
			return false
		case r == '\'' || r == '&':
			return false
		default:
			return true
		}
	})

	out := make([]string, 0, len(words))
	for _, w := range words {
		if canon, ok := wordSynonyms[w]; ok {
			w = canon
		}
		if _, ok := stopwords[w]; ok {
			continue
		}
		if len(w) < 2 && !isDigit(w) {
			continue
		}
		if stemmed := english.Stem(w, false); stemmed != "" {
			w = stemmed
		}
		out = append(out, w)
	}
	return out
}

// TokenSet returns the unique tokens of a tokenized text.
func TokenSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

func isDigit(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
