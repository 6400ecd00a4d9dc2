package retrieval

import (
	"fmt"
	"math"
)

// HybridScorer combines vector and BM25 scores for hybrid retrieval,
// grounded on original_source's utils/hybrid.py: BM25 scores (unbounded)
// are normalized to [0,1], then combined with the already-[0,1] vector
// scores by configurable weights.
type HybridScorer struct {
	VectorWeight  float64
	BM25Weight    float64
	Normalization string // "min_max" | "z_score" | "softmax"
}

// NewHybridScorer returns a scorer with the default 0.7/0.3 weighting and
// min_max normalization.
func NewHybridScorer() HybridScorer {
	return HybridScorer{VectorWeight: 0.7, BM25Weight: 0.3, Normalization: "min_max"}
}

// Combine normalizes bm25Scores and returns the weighted combination with
// vectorScores. Both lists must be the same length.
func (h HybridScorer) Combine(vectorScores, bm25Scores []float64) ([]float64, error) {
	if len(vectorScores) != len(bm25Scores) {
		return nil, fmt.Errorf("retrieval: score lists must have same length: %d vs %d", len(vectorScores), len(bm25Scores))
	}
	if len(vectorScores) == 0 {
		return nil, nil
	}

	normBM25 := h.normalize(bm25Scores)
	combined := make([]float64, len(vectorScores))
	for i := range vectorScores {
		combined[i] = vectorScores[i]*h.VectorWeight + normBM25[i]*h.BM25Weight
	}
	return combined, nil
}

func (h HybridScorer) normalize(scores []float64) []float64 {
	// All-equal inputs normalize to all-ones regardless of method, so a
	// degenerate list neither zeroes out nor dominates the combination.
	if allEqual(scores) {
		ones := make([]float64, len(scores))
		for i := range ones {
			ones[i] = 1.0
		}
		return ones
	}
	switch h.Normalization {
	case "z_score":
		return zScoreNormalize(scores)
	case "softmax":
		return softmaxNormalize(scores)
	default:
		return minMaxNormalize(scores)
	}
}

func allEqual(scores []float64) bool {
	for i := 1; i < len(scores); i++ {
		if scores[i] != scores[0] {
			return false
		}
	}
	return true
}

func minMaxNormalize(scores []float64) []float64 {
	lo, hi := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	out := make([]float64, len(scores))
	for i, s := range scores {
		out[i] = (s - lo) / (hi - lo)
	}
	return out
}

// zScoreNormalize standardizes then squashes through tanh into [0,1].
func zScoreNormalize(scores []float64) []float64 {
	mean := 0.0
	for _, s := range scores {
		mean += s
	}
	mean /= float64(len(scores))

	variance := 0.0
	for _, s := range scores {
		variance += (s - mean) * (s - mean)
	}
	std := math.Sqrt(variance / float64(len(scores)))

	out := make([]float64, len(scores))
	for i, s := range scores {
		out[i] = (math.Tanh((s-mean)/std) + 1) / 2
	}
	return out
}

func softmaxNormalize(scores []float64) []float64 {
	hi := scores[0]
	for _, s := range scores[1:] {
		if s > hi {
			hi = s
		}
	}
	out := make([]float64, len(scores))
	sum := 0.0
	for i, s := range scores {
		out[i] = math.Exp(s - hi)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// ClampCosine maps a cosine similarity in [-1,1] onto [0,1] by clamping
// negatives to zero (spec §4.3).
func ClampCosine(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
