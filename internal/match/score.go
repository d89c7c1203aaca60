package match

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"marketarb/pkg/types"
)

// Sub-score weights for the overall blend.
const (
	weightSemantic   = 0.45
	weightDate       = 0.20
	weightCategory   = 0.10
	weightResolution = 0.25
)

// dangerTerms are negations, exclusions, and modal constraints in
// resolution rules. A count mismatch between the two rule texts is a
// warning: the markets may resolve differently on a technicality.
var dangerTerms = []string{"not", "except", "only", "void", "cancel", "must", "exclude"}

// categoryClusters group venue category labels into broad buckets.
var categoryClusters = map[string]string{
	"politics": "politics", "elections": "politics", "election": "politics",
	"us-current-affairs": "politics", "world": "politics", "geopolitics": "politics",
	"crypto": "crypto", "cryptocurrency": "crypto", "bitcoin": "crypto", "ethereum": "crypto",
	"sports": "sports", "nfl": "sports", "nba": "sports", "mlb": "sports", "soccer": "sports",
	"economics": "macro", "economy": "macro", "finance": "macro", "financials": "macro",
	"fed": "macro", "inflation": "macro", "rates": "macro",
	"entertainment": "entertainment", "pop-culture": "entertainment",
	"culture": "entertainment", "movies": "entertainment", "music": "entertainment",
}

// corpus holds the document frequencies for TF-IDF over one matcher
// cycle's market questions.
type corpus struct {
	docs int
	df   map[string]int
}

func buildCorpus(tokenLists [][]string) *corpus {
	c := &corpus{docs: len(tokenLists), df: make(map[string]int)}
	for _, tokens := range tokenLists {
		for t := range TokenSet(tokens) {
			c.df[t]++
		}
	}
	return c
}

// idf uses the smoothed form so terms present in every document still
// carry a small positive weight.
func (c *corpus) idf(term string) float64 {
	df := c.df[term]
	return math.Log(float64(c.docs+1)/float64(df+1)) + 1
}

// jaccard is |intersection| / |union| over the unique token sets.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// cosineTFIDF is the cosine similarity of the two TF-IDF vectors.
func cosineTFIDF(a, b []string, c *corpus) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	va := tfidfVector(a, c)
	vb := tfidfVector(b, c)

	var dot, na, nb float64
	for t, wa := range va {
		if wb, ok := vb[t]; ok {
			dot += wa * wb
		}
		na += wa * wa
	}
	for _, wb := range vb {
		nb += wb * wb
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func tfidfVector(tokens []string, c *corpus) map[string]float64 {
	tf := make(map[string]float64)
	for _, t := range tokens {
		tf[t]++
	}
	v := make(map[string]float64, len(tf))
	for t, f := range tf {
		v[t] = (f / float64(len(tokens))) * c.idf(t)
	}
	return v
}

// semanticScore blends Jaccard and TF-IDF cosine 0.4/0.6.
func semanticScore(a, b []string, c *corpus) float64 {
	return 0.4*jaccard(TokenSet(a), TokenSet(b)) + 0.6*cosineTFIDF(a, b, c)
}

var (
	yearRe    = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	mdyRe     = regexp.MustCompile(`\b\d{1,2}/\d{1,2}(/\d{2,4})?\b`)
	quarterRe = regexp.MustCompile(`\bq[1-4]\b`)
	monthRe   = regexp.MustCompile(`\b(january|february|march|april|may|june|july|august|september|october|november|december|jan|feb|mar|apr|jun|jul|aug|sept?|oct|nov|dec)\b`)
	qualRe    = regexp.MustCompile(`\b(by|before|after|until|through)\b`)
)

// dateArtifacts extracts literal date mentions from question text:
// years, month names, m/d/y patterns, quarter tags, and temporal
// qualifiers.
func dateArtifacts(text string) map[string]struct{} {
	s := strings.ToLower(text)
	out := make(map[string]struct{})
	for _, re := range []*regexp.Regexp{yearRe, mdyRe, quarterRe, monthRe, qualRe} {
		for _, m := range re.FindAllString(s, -1) {
			out[m] = struct{}{}
		}
	}
	return out
}

// dateScore compares the date artifacts of the two questions. Overlap
// ratio when both mention dates; fixed values for the asymmetric and
// empty cases.
func dateScore(q1, q2 string) float64 {
	d1 := dateArtifacts(q1)
	d2 := dateArtifacts(q2)
	switch {
	case len(d1) == 0 && len(d2) == 0:
		return 0.5
	case len(d1) == 0 || len(d2) == 0:
		return 0.3
	}
	inter := 0
	for a := range d1 {
		if _, ok := d2[a]; ok {
			inter++
		}
	}
	if inter == 0 {
		return 0.1
	}
	return float64(inter) / math.Max(float64(len(d1)), float64(len(d2)))
}

// categoryScore compares venue category labels via the cluster table.
func categoryScore(c1, c2 string) float64 {
	c1 = strings.ToLower(strings.TrimSpace(c1))
	c2 = strings.ToLower(strings.TrimSpace(c2))
	if c1 == "" || c2 == "" {
		return 0.5
	}
	if c1 == c2 {
		return 1.0
	}
	g1, ok1 := categoryClusters[c1]
	g2, ok2 := categoryClusters[c2]
	if !ok1 || !ok2 {
		return 0.5
	}
	if g1 == g2 {
		return 0.8
	}
	return 0.3
}

// resolutionScore compares the resolution-rules texts. Returns the
// score plus any warnings (danger-term count mismatch, missing rules).
func resolutionScore(r1, r2 string) (float64, []string) {
	var warnings []string
	if strings.TrimSpace(r1) == "" || strings.TrimSpace(r2) == "" {
		warnings = append(warnings, "resolution rules missing on one side")
		return 0.4, warnings
	}

	t1 := TokenSet(Tokenize(r1))
	t2 := TokenSet(Tokenize(r2))
	inter := 0
	for t := range t1 {
		if _, ok := t2[t]; ok {
			inter++
		}
	}
	denom := math.Max(float64(len(t1)), float64(len(t2)))
	score := 0.2
	if denom > 0 {
		score = math.Max(0.2, float64(inter)/denom)
	}

	if dangerCount(r1) != dangerCount(r2) {
		warnings = append(warnings, "danger-term count differs between resolution rules")
	}
	return score, warnings
}

func dangerCount(text string) int {
	s := strings.ToLower(text)
	n := 0
	for _, term := range dangerTerms {
		n += strings.Count(s, term)
	}
	return n
}

// matchedStems returns up to max shared stemmed terms, longest first so
// the reason string surfaces the most specific ones.
func matchedStems(a, b []string, max int) []string {
	sa := TokenSet(a)
	sb := TokenSet(b)
	var shared []string
	for t := range sa {
		if _, ok := sb[t]; ok {
			shared = append(shared, t)
		}
	}
	sort.Slice(shared, func(i, j int) bool {
		if len(shared[i]) != len(shared[j]) {
			return len(shared[i]) > len(shared[j])
		}
		return shared[i] < shared[j]
	})
	if len(shared) > max {
		shared = shared[:max]
	}
	return shared
}

// overall blends the four sub-scores.
func overall(s types.MatchScores) float64 {
	return weightSemantic*s.Semantic +
		weightDate*s.Date +
		weightCategory*s.Category +
		weightResolution*s.Resolution
}
