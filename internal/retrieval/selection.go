// Package retrieval implements hybrid vector+BM25 scoring over the rule and
// scenario catalogues plus the adaptive cut-off strategies that decide how
// many candidates survive (spec §4.3).
//
// Selection is grounded on original_source's alignment/retrieval selection
// strategies and their unit tests (test_selection.py), which pin the exact
// boundary behavior: input must be sorted descending, min_k must not exceed
// max_k, min_score filters before the strategy runs, min_k back-fills below
// the threshold, and results come back sorted descending.
package retrieval

import (
	"fmt"
	"math"
	"sort"

	"github.com/alignetic/engine/pkg/models"
)

// Selection is one strategy's verdict: which indices of the sorted input
// survive, plus diagnostics.
type Selection struct {
	Indices     []int
	CutoffScore float64
	Method      string
	Metadata    models.SelectionMetadata
}

// Strategy decides how many of a descending-sorted score list to keep.
// pick receives the min_score-filtered prefix and returns kept indices into
// it; the shared Select wrapper handles validation, max_k, min_k fill, and
// final ordering.
type Strategy interface {
	Name() string
	pick(scores []float64) ([]int, models.SelectionMetadata)
}

// StrategyParams carries every strategy's tunables; each strategy reads the
// fields it cares about. Zero values select the defaults below.
type StrategyParams struct {
	K                int
	MinScore         float64
	DropThreshold    float64
	Alpha            float64
	EntropyThreshold float64
	LowEntropyK      int
	HighEntropyK     int
	Eps              float64
	TopPerCluster    int
}

// NewStrategy is the factory for the five named strategies.
func NewStrategy(name string, p StrategyParams) (Strategy, error) {
	switch name {
	case "fixed_k":
		if p.K <= 0 {
			p.K = 10
		}
		return &fixedK{k: p.K, minScore: p.MinScore}, nil
	case "elbow":
		if p.DropThreshold <= 0 {
			p.DropThreshold = 0.3
		}
		return &elbow{dropThreshold: p.DropThreshold, minScore: p.MinScore}, nil
	case "adaptive_k":
		if p.Alpha <= 0 {
			p.Alpha = 1.0
		}
		return &adaptiveK{alpha: p.Alpha, minScore: p.MinScore}, nil
	case "entropy":
		if p.EntropyThreshold <= 0 {
			p.EntropyThreshold = 0.5
		}
		if p.LowEntropyK <= 0 {
			p.LowEntropyK = 3
		}
		if p.HighEntropyK <= 0 {
			p.HighEntropyK = 10
		}
		return &entropy{threshold: p.EntropyThreshold, lowK: p.LowEntropyK, highK: p.HighEntropyK, minScore: p.MinScore}, nil
	case "clustering":
		if p.Eps <= 0 {
			p.Eps = 0.1
		}
		if p.TopPerCluster <= 0 {
			p.TopPerCluster = 2
		}
		return &clustering{eps: p.Eps, topPerCluster: p.TopPerCluster, minScore: p.MinScore}, nil
	default:
		return nil, fmt.Errorf("retrieval: unknown strategy %q", name)
	}
}

// minScoreOf extracts the strategy's min_score so Select can apply the
// filter uniformly.
func minScoreOf(s Strategy) float64 {
	switch v := s.(type) {
	case *fixedK:
		return v.minScore
	case *elbow:
		return v.minScore
	case *adaptiveK:
		return v.minScore
	case *entropy:
		return v.minScore
	case *clustering:
		return v.minScore
	default:
		return 0
	}
}

// Select runs a strategy over a descending-sorted score list with the
// absolute max_k cap and min_k guarantee (spec §4.3). Rejects input not
// sorted descending and min_k > max_k.
func Select(s Strategy, scores []float64, maxK, minK int) (Selection, error) {
	if minK > maxK {
		return Selection{}, fmt.Errorf("retrieval: min_k (%d) cannot be greater than max_k (%d)", minK, maxK)
	}
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[i-1] {
			return Selection{}, fmt.Errorf("retrieval: items must be sorted by score descending (index %d)", i)
		}
	}
	for i, sc := range scores {
		if sc < 0 || sc > 1 {
			return Selection{}, fmt.Errorf("retrieval: score must be between 0.0 and 1.0 (index %d: %f)", i, sc)
		}
	}

	out := Selection{Method: s.Name(), Metadata: models.SelectionMetadata{}}
	if len(scores) == 0 {
		idx, meta := s.pick(nil)
		out.Indices = idx
		for k, v := range meta {
			out.Metadata[k] = v
		}
		return out, nil
	}

	// min_score filtering: the input is sorted, so the eligible set is a
	// prefix.
	minScore := minScoreOf(s)
	eligible := len(scores)
	for i, sc := range scores {
		if sc < minScore {
			eligible = i
			break
		}
	}

	idx, meta := s.pick(scores[:eligible])
	for k, v := range meta {
		out.Metadata[k] = v
	}

	if len(idx) > maxK {
		idx = idx[:maxK]
	}

	// min_k guarantee: back-fill from the unfiltered sorted list when the
	// threshold (or the strategy) cut too deep.
	if len(idx) < minK && len(scores) >= minK {
		have := make(map[int]bool, len(idx))
		for _, i := range idx {
			have[i] = true
		}
		for i := 0; len(idx) < minK && i < len(scores); i++ {
			if !have[i] {
				idx = append(idx, i)
			}
		}
	}

	// Result is re-sorted descending; indices ascend because the input is
	// sorted descending.
	sort.Ints(idx)
	out.Indices = idx
	if len(idx) > 0 {
		out.CutoffScore = scores[idx[len(idx)-1]]
	}
	return out, nil
}

type fixedK struct {
	k        int
	minScore float64
}

func (f *fixedK) Name() string { return "fixed_k" }

func (f *fixedK) pick(scores []float64) ([]int, models.SelectionMetadata) {
	n := f.k
	if n > len(scores) {
		n = len(scores)
	}
	return prefixIndices(n), models.SelectionMetadata{"k": f.k}
}

type elbow struct {
	dropThreshold float64
	minScore      float64
}

func (e *elbow) Name() string { return "elbow" }

// pick walks the sorted scores for the first relative drop >=
// drop_threshold; no drop means keep everything.
func (e *elbow) pick(scores []float64) ([]int, models.SelectionMetadata) {
	meta := models.SelectionMetadata{"drop_threshold": e.dropThreshold}
	for i := 1; i < len(scores); i++ {
		if scores[i-1] <= 0 {
			continue
		}
		if (scores[i-1]-scores[i])/scores[i-1] >= e.dropThreshold {
			meta["elbow_idx"] = i
			return prefixIndices(i), meta
		}
	}
	meta["elbow_idx"] = -1
	return prefixIndices(len(scores)), meta
}

type adaptiveK struct {
	alpha    float64
	minScore float64
}

func (a *adaptiveK) Name() string { return "adaptive_k" }

// pick computes the discrete second difference (curvature) at each interior
// point and cuts at the point of maximum alpha-weighted curvature.
func (a *adaptiveK) pick(scores []float64) ([]int, models.SelectionMetadata) {
	meta := models.SelectionMetadata{"alpha": a.alpha}
	if len(scores) <= 2 {
		meta["reason"] = "insufficient_points"
		return prefixIndices(len(scores)), meta
	}
	bestIdx := 1
	bestCurv := math.Inf(-1)
	for i := 1; i < len(scores)-1; i++ {
		curv := a.alpha * (scores[i-1] - 2*scores[i] + scores[i+1])
		if curv > bestCurv {
			bestCurv = curv
			bestIdx = i
		}
	}
	meta["curvature_idx"] = bestIdx
	return prefixIndices(bestIdx + 1), meta
}

type entropy struct {
	threshold float64
	lowK      int
	highK     int
	minScore  float64
}

func (e *entropy) Name() string { return "entropy" }

// pick normalizes scores into a probability distribution, computes Shannon
// entropy normalized to [0,1] by log(n), and keeps few items when the
// distribution is concentrated and more when it is flat.
func (e *entropy) pick(scores []float64) ([]int, models.SelectionMetadata) {
	meta := models.SelectionMetadata{"entropy": 0.0}
	if len(scores) == 0 {
		return nil, meta
	}
	sum := 0.0
	for _, s := range scores {
		sum += s
	}
	h := 0.0
	if sum > 0 && len(scores) > 1 {
		for _, s := range scores {
			p := s / sum
			if p > 0 {
				h -= p * math.Log(p)
			}
		}
		h /= math.Log(float64(len(scores)))
	}
	meta["entropy"] = h

	k := e.highK
	if h < e.threshold {
		k = e.lowK
	}
	if k > len(scores) {
		k = len(scores)
	}
	return prefixIndices(k), meta
}

type clustering struct {
	eps           float64
	topPerCluster int
	minScore      float64
}

func (c *clustering) Name() string { return "clustering" }

// pick runs 1-D DBSCAN over the sorted scores — with sorted input and
// minPts=1 that reduces to splitting wherever the gap between neighbours
// exceeds eps — then keeps the top top_per_cluster of each cluster.
func (c *clustering) pick(scores []float64) ([]int, models.SelectionMetadata) {
	meta := models.SelectionMetadata{"n_clusters": 0}
	if len(scores) == 0 {
		return nil, meta
	}
	var idx []int
	clusterStart := 0
	clusters := 1
	flush := func(end int) {
		n := end - clusterStart
		if n > c.topPerCluster {
			n = c.topPerCluster
		}
		for i := clusterStart; i < clusterStart+n; i++ {
			idx = append(idx, i)
		}
	}
	for i := 1; i < len(scores); i++ {
		if scores[i-1]-scores[i] > c.eps {
			flush(i)
			clusterStart = i
			clusters++
		}
	}
	flush(len(scores))
	meta["n_clusters"] = clusters
	return idx, meta
}

func prefixIndices(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}
