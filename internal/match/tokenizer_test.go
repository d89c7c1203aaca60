package match

import (
	"reflect"
	"testing"
)

func TestTokenizeFoldsSynonymsAndStems(t *testing.T) {
	t.Parallel()

	a := Tokenize("Will BTC exceed $100,000 by December 2026?")
	b := Tokenize("Will Bitcoin be above 100000 by Dec 2026?")

	sa := TokenSet(a)
	sb := TokenSet(b)
	for _, want := range []string{"bitcoin", "over", "100000", "decemb", "2026"} {
		if _, ok := sa[want]; !ok {
			t.Errorf("tokens A missing %q: %v", want, a)
		}
		if _, ok := sb[want]; !ok {
			t.Errorf("tokens B missing %q: %v", want, b)
		}
	}
}

func TestTokenizeDropsStopwords(t *testing.T) {
	t.Parallel()
	tokens := Tokenize("Will the Fed cut rates?")
	for _, tok := range tokens {
		if tok == "the" || tok == "will" {
			t.Errorf("stopword %q survived: %v", tok, tokens)
		}
	}
}

func TestTokenizePhraseSynonyms(t *testing.T) {
	t.Parallel()
	tokens := Tokenize("Who will be President of the United States in 2029?")
	set := TokenSet(tokens)
	if _, ok := set["presid"]; !ok {
		t.Errorf("phrase fold missing: %v", tokens)
	}
	if _, ok := set["unit"]; ok {
		t.Errorf("phrase was not folded before tokenization: %v", tokens)
	}
}

func TestTokenizeDeterministic(t *testing.T) {
	t.Parallel()
	text := "Will Ethereum surpass $5,000 before Q3 2026?"
	first := Tokenize(text)
	second := Tokenize(text)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Tokenize not deterministic: %v vs %v", first, second)
	}
}
