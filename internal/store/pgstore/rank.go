package pgstore

import (
	"math"
	"sort"

	"github.com/alignetic/engine/pkg/models"
)

// cosine mirrors MemoryAgentConfigStore's brute-force similarity helper;
// duplicated rather than shared because the two stores otherwise have no
// import relationship and a shared math helper isn't worth a new package.
func cosine(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func rankRulesByCosine(rules []models.Rule, vector []float64, topK int) []models.ScoredRule {
	var scored []models.ScoredRule
	for _, r := range rules {
		if r.DeletedAt != nil || len(r.ConditionEmbedding) == 0 {
			continue
		}
		scored = append(scored, models.ScoredRule{Rule: r, Score: cosine(vector, r.ConditionEmbedding)})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if topK > 0 && topK < len(scored) {
		scored = scored[:topK]
	}
	return scored
}

func rankScenariosByCosine(scenarios []models.Scenario, vector []float64, topK int) []models.ScoredScenario {
	var scored []models.ScoredScenario
	for _, sc := range scenarios {
		if sc.DeletedAt != nil || len(sc.EntryEmbedding) == 0 {
			continue
		}
		scored = append(scored, models.ScoredScenario{Scenario: sc, Score: cosine(vector, sc.EntryEmbedding)})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if topK > 0 && topK < len(scored) {
		scored = scored[:topK]
	}
	return scored
}
