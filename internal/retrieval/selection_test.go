package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedK(t *testing.T) {
	s, err := NewStrategy("fixed_k", StrategyParams{K: 3})
	require.NoError(t, err)

	sel, err := Select(s, []float64{0.9, 0.8, 0.7, 0.6}, 10, 1)
	require.NoError(t, err)
	assert.Len(t, sel.Indices, 3)
	assert.Equal(t, "fixed_k", sel.Method)
	assert.InDelta(t, 0.7, sel.CutoffScore, 1e-9)
}

func TestFixedKRespectsMaxK(t *testing.T) {
	s, _ := NewStrategy("fixed_k", StrategyParams{K: 10})
	scores := make([]float64, 10)
	for i := range scores {
		scores[i] = 1.0 - float64(i)*0.1
	}
	sel, err := Select(s, scores, 5, 1)
	require.NoError(t, err)
	assert.Len(t, sel.Indices, 5)
}

func TestFixedKMinKBackfillsBelowThreshold(t *testing.T) {
	s, _ := NewStrategy("fixed_k", StrategyParams{K: 1, MinScore: 0.9})
	sel, err := Select(s, []float64{0.5, 0.4, 0.3}, 10, 2)
	require.NoError(t, err)
	// min_score filters everything; min_k back-fills to 2.
	assert.Len(t, sel.Indices, 2)
}

func TestFixedKMinScoreFilter(t *testing.T) {
	s, _ := NewStrategy("fixed_k", StrategyParams{K: 10, MinScore: 0.5})
	sel, err := Select(s, []float64{0.9, 0.6, 0.3}, 10, 1)
	require.NoError(t, err)
	assert.Len(t, sel.Indices, 2)
}

func TestElbowDetectsClearDrop(t *testing.T) {
	s, _ := NewStrategy("elbow", StrategyParams{DropThreshold: 0.3})
	// Relative drop from 0.85 to 0.50 is 41% — the elbow (spec §8 scenario 4).
	sel, err := Select(s, []float64{0.90, 0.85, 0.50, 0.40}, 10, 1)
	require.NoError(t, err)
	assert.Len(t, sel.Indices, 2)
	assert.Equal(t, 2, sel.Metadata["elbow_idx"])
}

func TestElbowNoDropKeepsAll(t *testing.T) {
	s, _ := NewStrategy("elbow", StrategyParams{DropThreshold: 0.5})
	sel, err := Select(s, []float64{0.9, 0.88, 0.86}, 10, 1)
	require.NoError(t, err)
	assert.Len(t, sel.Indices, 3)
}

func TestAdaptiveKTwoPointsInsufficient(t *testing.T) {
	s, _ := NewStrategy("adaptive_k", StrategyParams{})
	sel, err := Select(s, []float64{0.9, 0.6}, 10, 1)
	require.NoError(t, err)
	assert.Len(t, sel.Indices, 2)
	assert.Equal(t, "insufficient_points", sel.Metadata["reason"])
}

func TestAdaptiveKCutsAtCurvature(t *testing.T) {
	s, _ := NewStrategy("adaptive_k", StrategyParams{Alpha: 1.0})
	sel, err := Select(s, []float64{0.95, 0.90, 0.85, 0.50, 0.45}, 10, 1)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(sel.Indices), 4)
	assert.Equal(t, 1.0, sel.Metadata["alpha"])
}

func TestEntropyLowSelectsFewer(t *testing.T) {
	s, _ := NewStrategy("entropy", StrategyParams{LowEntropyK: 2, HighEntropyK: 8, EntropyThreshold: 0.5})
	sel, err := Select(s, []float64{0.95, 0.05, 0.05, 0.05}, 10, 1)
	require.NoError(t, err)
	assert.Less(t, sel.Metadata["entropy"].(float64), 0.5)
	assert.LessOrEqual(t, len(sel.Indices), 2)
}

func TestEntropyHighSelectsMore(t *testing.T) {
	s, _ := NewStrategy("entropy", StrategyParams{LowEntropyK: 2, HighEntropyK: 8, EntropyThreshold: 0.3})
	scores := make([]float64, 10)
	for i := range scores {
		scores[i] = 0.9 - float64(i)*0.05
	}
	sel, err := Select(s, scores, 10, 1)
	require.NoError(t, err)
	assert.Greater(t, sel.Metadata["entropy"].(float64), 0.3)
	assert.GreaterOrEqual(t, len(sel.Indices), 2)
}

func TestClusteringSelectsFromEachCluster(t *testing.T) {
	s, _ := NewStrategy("clustering", StrategyParams{Eps: 0.1, TopPerCluster: 2})
	sel, err := Select(s, []float64{0.95, 0.92, 0.90, 0.55, 0.52}, 10, 1)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(sel.Indices), 2)
	assert.Equal(t, 2, sel.Metadata["n_clusters"])
	// Top 2 of the high cluster and top 2 of the low cluster.
	assert.Equal(t, []int{0, 1, 3, 4}, sel.Indices)
}

func TestSelectValidation(t *testing.T) {
	for _, name := range []string{"fixed_k", "elbow", "adaptive_k", "entropy", "clustering"} {
		t.Run(name, func(t *testing.T) {
			s, err := NewStrategy(name, StrategyParams{})
			require.NoError(t, err)

			_, err = Select(s, []float64{0.9}, 5, 10)
			assert.Error(t, err, "min_k > max_k must be rejected")

			_, err = Select(s, []float64{0.5, 0.9}, 10, 1)
			assert.Error(t, err, "unsorted input must be rejected")

			sel, err := Select(s, nil, 10, 1)
			require.NoError(t, err)
			assert.Empty(t, sel.Indices)
		})
	}
}

func TestUnknownStrategy(t *testing.T) {
	_, err := NewStrategy("invalid_strategy", StrategyParams{})
	assert.Error(t, err)
}
