package enforcement

import (
	"context"
	"testing"

	"github.com/alignetic/engine/internal/llmclient"
	"github.com/alignetic/engine/internal/store"
	"github.com/alignetic/engine/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalExpression(t *testing.T) {
	vars := map[string]models.TypedValue{
		"age":  models.NewIntValue(21),
		"city": models.NewStringValue("Berlin"),
	}

	tests := []struct {
		expr string
		want bool
	}{
		{`vars.age >= 18`, true},
		{`vars.age < 18`, false},
		{`vars.city == "Berlin"`, true},
		{`response contains "refund"`, true},
		{`not (response contains "wire transfer")`, true},
	}
	for _, tc := range tests {
		t.Run(tc.expr, func(t *testing.T) {
			got, err := EvalExpression(tc.expr, "we processed your refund", vars)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvalExpressionRejectsFunctionCalls(t *testing.T) {
	_, err := EvalExpression(`len(response) > 0 && exec("rm")`, "x", nil)
	assert.Error(t, err)
}

func TestEnforceSatisfiedPassesThrough(t *testing.T) {
	configs := store.NewMemoryAgentConfigStore()
	e := New(nil, configs, "")
	gen := &models.Generation{Text: "happy to help"}

	result := e.Enforce(context.Background(), "t1", []models.RuleConstraint{
		{RuleID: "r1", EnforcementExpression: `not (response contains "profanity")`},
	}, gen, nil, nil)

	assert.False(t, result.Violated)
	assert.Equal(t, gen, result.Generation)
}

// Spec §8 end-to-end scenario 5: regeneration still violates, so the
// rule's FALLBACK template renders and the outcome is BLOCKED with the
// blocking rule recorded.
func TestEnforceLadderFallsBackToTemplate(t *testing.T) {
	ctx := context.Background()
	configs := store.NewMemoryAgentConfigStore()
	require.NoError(t, configs.CreateRule(ctx, &models.Rule{
		ID: "R_no_profanity", TenantID: "t1", AgentID: "a1",
		ConditionText: "always", ActionText: "never swear",
		Scope: models.RuleScopeGlobal, Enabled: true, IsHardConstraint: true,
		EnforcementExpression: `not (response contains "damn")`,
		AttachedTemplateIDs:   []string{"tmpl-fallback"},
	}))
	require.NoError(t, configs.CreateTemplate(ctx, &models.Template{
		ID: "tmpl-fallback", TenantID: "t1", AgentID: "a1",
		Name: "polite fallback", Text: "I'm here to help — could you rephrase?",
		Mode: models.TemplateModeFallback, Scope: models.RuleScopeGlobal, Priority: 5,
	}))

	e := New(nil, configs, "")
	regenerated := 0
	regen := func(_ context.Context, instruction string) (*models.Generation, error) {
		regenerated++
		assert.Equal(t, "never swear", instruction)
		return &models.Generation{Text: "damn, still bad"}, nil
	}

	result := e.Enforce(ctx, "t1", []models.RuleConstraint{
		{RuleID: "R_no_profanity", ActionText: "never swear", EnforcementExpression: `not (response contains "damn")`},
	}, &models.Generation{Text: "well damn"}, nil, regen)

	assert.Equal(t, 1, regenerated)
	assert.True(t, result.Violated)
	assert.True(t, result.UsedFallback)
	assert.Equal(t, "I'm here to help — could you rephrase?", result.Generation.Text)
	assert.Equal(t, "R_no_profanity", result.BlockingRuleID)
	assert.Contains(t, result.Categories, CategoryPolicyRestriction)

	outcome := ResolveOutcome(result.Categories, models.ResponseAnswer, result.BlockingRuleID)
	assert.Equal(t, models.ResolutionBlocked, outcome.Resolution)
	assert.Equal(t, "R_no_profanity", outcome.BlockingRuleID)
}

func TestEnforceRegenerationSucceeds(t *testing.T) {
	configs := store.NewMemoryAgentConfigStore()
	e := New(nil, configs, "")

	regen := func(_ context.Context, _ string) (*models.Generation, error) {
		return &models.Generation{Text: "clean response"}, nil
	}
	result := e.Enforce(context.Background(), "t1", []models.RuleConstraint{
		{RuleID: "r1", ActionText: "no secrets", EnforcementExpression: `not (response contains "secret")`},
	}, &models.Generation{Text: "the secret is"}, nil, regen)

	assert.False(t, result.Violated)
	assert.Equal(t, "clean response", result.Generation.Text)
}

func TestEnforceEscalatesWithoutFallback(t *testing.T) {
	ctx := context.Background()
	configs := store.NewMemoryAgentConfigStore()
	require.NoError(t, configs.CreateRule(ctx, &models.Rule{
		ID: "r1", TenantID: "t1", AgentID: "a1", ConditionText: "always",
		ActionText: "no secrets", Scope: models.RuleScopeGlobal, Enabled: true, IsHardConstraint: true,
	}))

	e := New(nil, configs, "")
	result := e.Enforce(ctx, "t1", []models.RuleConstraint{
		{RuleID: "r1", ActionText: "no secrets", EnforcementExpression: `not (response contains "secret")`},
	}, &models.Generation{Text: "the secret is"}, nil, nil)

	assert.True(t, result.Violated)
	assert.False(t, result.UsedFallback)
	outcome := ResolveOutcome(result.Categories, models.ResponseEscalate, result.BlockingRuleID)
	assert.Equal(t, models.ResolutionBlocked, outcome.Resolution)
}

func TestLLMClassifierPath(t *testing.T) {
	configs := store.NewMemoryAgentConfigStore()
	stub := llmclient.NewStubClient().WithDefault("yes, it names a competitor")
	e := New(stub, configs, "")

	violated, err := e.violates(context.Background(), models.RuleConstraint{
		RuleID: "r1", ActionText: "never name competitors",
	}, "try MegaBank instead", nil)
	require.NoError(t, err)
	assert.True(t, violated)
}

func TestResolveOutcomeTable(t *testing.T) {
	assert.Equal(t, models.ResolutionBlocked, ResolveOutcome([]string{CategoryPolicyRestriction}, models.ResponseAnswer, "r").Resolution)
	assert.Equal(t, models.ResolutionError, ResolveOutcome([]string{CategorySystemError}, models.ResponseAnswer, "").Resolution)
	assert.Equal(t, models.ResolutionRedirected, ResolveOutcome(nil, models.ResponseEscalate, "").Resolution)
	assert.Equal(t, models.ResolutionPartial, ResolveOutcome(nil, models.ResponseCollect, "").Resolution)
	assert.Equal(t, models.ResolutionAnswered, ResolveOutcome(nil, models.ResponseAnswer, "").Resolution)
}
