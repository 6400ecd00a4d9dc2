package filtering

import (
	"context"
	"testing"

	"github.com/alignetic/engine/internal/llmclient"
	"github.com/alignetic/engine/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scored(rule models.Rule) models.ScoredRule {
	return models.ScoredRule{Rule: rule, Score: 0.8, Source: rule.Scope}
}

func TestPreFilterDropsDisabled(t *testing.T) {
	r := ScopePreFilter{}.Filter([]models.ScoredRule{
		scored(models.Rule{ID: "r1", Scope: models.RuleScopeGlobal, Enabled: true}),
		scored(models.Rule{ID: "r2", Scope: models.RuleScopeGlobal, Enabled: false}),
	}, nil)

	require.Len(t, r.Passed, 1)
	assert.Equal(t, "r1", r.Passed[0].Rule.ID)
	assert.Equal(t, "disabled", r.Dropped["r2"])
}

func TestPreFilterMaxFiresAndCooldown(t *testing.T) {
	sess := &models.Session{
		TurnCount:        10,
		RuleFires:        map[string]int{"capped": 2},
		RuleLastFireTurn: map[string]int{"capped": 5, "cooling": 9},
	}
	r := ScopePreFilter{}.Filter([]models.ScoredRule{
		scored(models.Rule{ID: "capped", Scope: models.RuleScopeGlobal, Enabled: true, MaxFiresPerSession: 2}),
		scored(models.Rule{ID: "cooling", Scope: models.RuleScopeGlobal, Enabled: true, CooldownTurns: 3}),
		scored(models.Rule{ID: "ok", Scope: models.RuleScopeGlobal, Enabled: true, CooldownTurns: 3}),
	}, sess)

	require.Len(t, r.Passed, 1)
	assert.Equal(t, "ok", r.Passed[0].Rule.ID)
}

// Increasing cooldown_turns never increases the number of rules passing
// (spec §8 invariant 6: the pre-filter is monotonic).
func TestPreFilterCooldownMonotonic(t *testing.T) {
	sess := &models.Session{
		TurnCount:        10,
		RuleLastFireTurn: map[string]int{"r": 7},
	}
	passedAt := func(cooldown int) int {
		r := ScopePreFilter{}.Filter([]models.ScoredRule{
			scored(models.Rule{ID: "r", Scope: models.RuleScopeGlobal, Enabled: true, CooldownTurns: cooldown}),
		}, sess)
		return len(r.Passed)
	}
	prev := passedAt(0)
	for cooldown := 1; cooldown <= 6; cooldown++ {
		cur := passedAt(cooldown)
		assert.LessOrEqual(t, cur, prev, "cooldown %d", cooldown)
		prev = cur
	}
}

func TestPreFilterScopeMembership(t *testing.T) {
	sess := &models.Session{
		ActiveScenarios: []models.ScenarioInstance{
			{ScenarioID: "sc1", CurrentStepID: "step1", Status: models.ScenarioInstanceActive},
		},
	}
	r := ScopePreFilter{}.Filter([]models.ScoredRule{
		scored(models.Rule{ID: "in-scenario", Scope: models.RuleScopeScenario, ScopeID: "sc1", Enabled: true}),
		scored(models.Rule{ID: "other-scenario", Scope: models.RuleScopeScenario, ScopeID: "sc2", Enabled: true}),
		scored(models.Rule{ID: "in-step", Scope: models.RuleScopeStep, ScopeID: "step1", Enabled: true}),
		scored(models.Rule{ID: "other-step", Scope: models.RuleScopeStep, ScopeID: "step9", Enabled: true}),
	}, sess)

	ids := []string{}
	for _, p := range r.Passed {
		ids = append(ids, p.Rule.ID)
	}
	assert.ElementsMatch(t, []string{"in-scenario", "in-step"}, ids)
}

// Spec §8 end-to-end scenario 3: APPLIES above threshold matches,
// NOT_RELATED rejects.
func TestTernaryFilterAppliesAndNotRelated(t *testing.T) {
	stub := llmclient.NewStubClient().WithDefault(`[
		{"rule_id": "R_balance", "verdict": "APPLIES", "confidence": 0.9, "relevance": 0.85, "reasoning": "balance request"},
		{"rule_id": "R_transfer", "verdict": "NOT_RELATED", "confidence": 0.95, "relevance": 0.1, "reasoning": "no transfer"}
	]`)
	f, err := NewTernaryFilter(stub, Config{ConfidenceThreshold: 0.7, UnsurePolicy: models.UnsurePolicyExclude, BatchSize: 5})
	require.NoError(t, err)

	result, err := f.Filter(context.Background(), models.SituationSnapshot{Message: "check my balance"}, []models.ScoredRule{
		scored(models.Rule{ID: "R_balance", Scope: models.RuleScopeGlobal, Enabled: true}),
		scored(models.Rule{ID: "R_transfer", Scope: models.RuleScopeGlobal, Enabled: true}),
	})
	require.NoError(t, err)

	require.Len(t, result.MatchedRules, 1)
	assert.Equal(t, "R_balance", result.MatchedRules[0].Rule.ID)
	assert.InDelta(t, 0.85, result.MatchedRules[0].RelevanceScore, 1e-9)
	assert.Equal(t, []string{"R_transfer"}, result.RejectedRuleIDs)
}

func TestTernaryFilterAppliesBelowThresholdDrops(t *testing.T) {
	stub := llmclient.NewStubClient().WithDefault(`[
		{"rule_id": "r1", "verdict": "APPLIES", "confidence": 0.5, "relevance": 0.8, "reasoning": "weak"}
	]`)
	f, err := NewTernaryFilter(stub, Config{ConfidenceThreshold: 0.7, UnsurePolicy: models.UnsurePolicyExclude})
	require.NoError(t, err)

	result, err := f.Filter(context.Background(), models.SituationSnapshot{Message: "hi"}, []models.ScoredRule{
		scored(models.Rule{ID: "r1", Scope: models.RuleScopeGlobal, Enabled: true}),
	})
	require.NoError(t, err)
	assert.Empty(t, result.MatchedRules)
	assert.Empty(t, result.RejectedRuleIDs)
}

func TestTernaryFilterUnsureInclude(t *testing.T) {
	stub := llmclient.NewStubClient().WithDefault(`[
		{"rule_id": "r1", "verdict": "UNSURE", "confidence": 0.4, "relevance": 0.5, "reasoning": "ambiguous"}
	]`)
	f, err := NewTernaryFilter(stub, Config{ConfidenceThreshold: 0.7, UnsurePolicy: models.UnsurePolicyInclude})
	require.NoError(t, err)

	result, err := f.Filter(context.Background(), models.SituationSnapshot{Message: "hi"}, []models.ScoredRule{
		scored(models.Rule{ID: "r1", Scope: models.RuleScopeGlobal, Enabled: true}),
	})
	require.NoError(t, err)
	require.Len(t, result.MatchedRules, 1)
	assert.Equal(t, "UNSURE (included by policy): ambiguous", result.MatchedRules[0].Reasoning)
}

// Rules absent from the LLM response default to UNSURE; a parse failure
// degrades the whole batch to UNSURE with confidence 0.
func TestTernaryFilterMissingAndUnparseable(t *testing.T) {
	stub := llmclient.NewStubClient().WithDefault(`not json at all`)
	f, err := NewTernaryFilter(stub, Config{ConfidenceThreshold: 0.7, UnsurePolicy: models.UnsurePolicyExclude})
	require.NoError(t, err)

	result, err := f.Filter(context.Background(), models.SituationSnapshot{Message: "hi"}, []models.ScoredRule{
		scored(models.Rule{ID: "r1", Scope: models.RuleScopeGlobal, Enabled: true}),
		scored(models.Rule{ID: "r2", Scope: models.RuleScopeGlobal, Enabled: true}),
	})
	require.NoError(t, err)
	assert.Empty(t, result.MatchedRules)
	assert.Empty(t, result.RejectedRuleIDs)

	// r2 is absent from a parseable response, so it stays UNSURE and is
	// excluded by policy while r1 matches.
	stub = llmclient.NewStubClient().WithDefault(`[
		{"rule_id": "r1", "verdict": "APPLIES", "confidence": 0.9, "relevance": 0.8, "reasoning": "ok"}
	]`)
	f, err = NewTernaryFilter(stub, Config{ConfidenceThreshold: 0.7, UnsurePolicy: models.UnsurePolicyExclude})
	require.NoError(t, err)

	result, err = f.Filter(context.Background(), models.SituationSnapshot{Message: "hi"}, []models.ScoredRule{
		scored(models.Rule{ID: "r1", Scope: models.RuleScopeGlobal, Enabled: true}),
		scored(models.Rule{ID: "r2", Scope: models.RuleScopeGlobal, Enabled: true}),
	})
	require.NoError(t, err)
	require.Len(t, result.MatchedRules, 1)
	assert.Equal(t, "r1", result.MatchedRules[0].Rule.ID)
	assert.Empty(t, result.RejectedRuleIDs)
}

func TestTernaryFilterSortsByRelevance(t *testing.T) {
	stub := llmclient.NewStubClient().WithDefault(`[
		{"rule_id": "low", "verdict": "APPLIES", "confidence": 0.9, "relevance": 0.3, "reasoning": ""},
		{"rule_id": "high", "verdict": "APPLIES", "confidence": 0.9, "relevance": 0.9, "reasoning": ""}
	]`)
	f, err := NewTernaryFilter(stub, Config{ConfidenceThreshold: 0.7, UnsurePolicy: models.UnsurePolicyExclude})
	require.NoError(t, err)

	result, err := f.Filter(context.Background(), models.SituationSnapshot{Message: "hi"}, []models.ScoredRule{
		scored(models.Rule{ID: "low", Scope: models.RuleScopeGlobal, Enabled: true}),
		scored(models.Rule{ID: "high", Scope: models.RuleScopeGlobal, Enabled: true}),
	})
	require.NoError(t, err)
	require.Len(t, result.MatchedRules, 2)
	assert.Equal(t, "high", result.MatchedRules[0].Rule.ID)
}
