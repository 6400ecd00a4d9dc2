package retrieval

import (
	"math"
	"strings"
	"unicode"
)

// Okapi BM25 defaults.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// BM25 scores a query against a fixed corpus of documents using Okapi BM25
// with standard parameters. The corpus here is the set of eligible rule (or
// scenario) condition texts for one scope, built after the business
// pre-filter so document-frequency statistics reflect only eligible items
// (spec §4.3).
type BM25 struct {
	docs   [][]string
	df     map[string]int
	avgLen float64
}

// NewBM25 tokenizes and indexes the corpus.
func NewBM25(corpus []string) *BM25 {
	b := &BM25{df: make(map[string]int)}
	total := 0
	for _, doc := range corpus {
		tokens := tokenize(doc)
		b.docs = append(b.docs, tokens)
		total += len(tokens)
		seen := make(map[string]bool, len(tokens))
		for _, t := range tokens {
			if !seen[t] {
				seen[t] = true
				b.df[t]++
			}
		}
	}
	if len(corpus) > 0 {
		b.avgLen = float64(total) / float64(len(corpus))
	}
	return b
}

// Scores returns the BM25 score of query against every corpus document, in
// corpus order.
func (b *BM25) Scores(query string) []float64 {
	qTokens := tokenize(query)
	n := float64(len(b.docs))
	out := make([]float64, len(b.docs))
	for i, doc := range b.docs {
		tf := make(map[string]int, len(doc))
		for _, t := range doc {
			tf[t]++
		}
		docLen := float64(len(doc))
		score := 0.0
		for _, q := range qTokens {
			f := float64(tf[q])
			if f == 0 {
				continue
			}
			df := float64(b.df[q])
			idf := math.Log(1 + (n-df+0.5)/(df+0.5))
			score += idf * (f * (bm25K1 + 1)) / (f + bm25K1*(1-bm25B+bm25B*docLen/b.avgLen))
		}
		out[i] = score
	}
	return out
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
