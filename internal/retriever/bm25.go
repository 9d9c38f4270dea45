package retriever

import (
	"math"
	"strings"
	"unicode"
)

// BM25 parameters. k1 controls term-frequency saturation, b the document
// length normalization.
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// bm25Scores scores each candidate document against the query terms.
// Document frequencies are computed over the candidate set only, not a
// global corpus: the scores rank the handful of candidates already
// selected by vector similarity, so corpus-wide statistics would add
// nothing but a second index to maintain.
func bm25Scores(query string, docs []string) []float64 {
	scores := make([]float64, len(docs))
	terms := tokenize(query)
	if len(terms) == 0 || len(docs) == 0 {
		return scores
	}

	docTerms := make([]map[string]int, len(docs))
	totalLen := 0
	for i, d := range docs {
		tf := make(map[string]int)
		toks := tokenize(d)
		for _, t := range toks {
			tf[t]++
		}
		docTerms[i] = tf
		totalLen += len(toks)
	}
	avgLen := float64(totalLen) / float64(len(docs))
	if avgLen == 0 {
		return scores
	}

	// Document frequency per query term across the candidate set.
	df := make(map[string]int)
	for _, t := range dedupe(terms) {
		for _, tf := range docTerms {
			if tf[t] > 0 {
				df[t]++
			}
		}
	}

	n := float64(len(docs))
	for i, tf := range docTerms {
		docLen := 0
		for _, c := range tf {
			docLen += c
		}
		var score float64
		for _, t := range dedupe(terms) {
			f := float64(tf[t])
			if f == 0 {
				continue
			}
			idf := math.Log(1 + (n-float64(df[t])+0.5)/(float64(df[t])+0.5))
			score += idf * (f * (bm25K1 + 1)) /
				(f + bm25K1*(1-bm25B+bm25B*float64(docLen)/avgLen))
		}
		scores[i] = score
	}
	return scores
}

// minMaxNormalize rescales scores into [0,1] in place. A flat score
// vector normalizes to all zeros so it cannot dominate the blend.
func minMaxNormalize(scores []float64) {
	if len(scores) == 0 {
		return
	}
	lo, hi := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	if hi == lo {
		for i := range scores {
			scores[i] = 0
		}
		return
	}
	for i := range scores {
		scores[i] = (scores[i] - lo) / (hi - lo)
	}
}

// tokenize lowercases and splits on non-alphanumeric runes.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func dedupe(terms []string) []string {
	seen := make(map[string]struct{}, len(terms))
	var out []string
	for _, t := range terms {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
