package planner

import (
	"context"
	"testing"

	"github.com/alignetic/engine/internal/llmclient"
	"github.com/alignetic/engine/internal/store"
	"github.com/alignetic/engine/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseTypePriority(t *testing.T) {
	p := New(store.NewMemoryAgentConfigStore())
	ctx := context.Background()

	actContribution := models.ScenarioContribution{ContributionType: models.ContributionAct, SuggestedTools: []string{"t1"}}
	promptContribution := models.ScenarioContribution{ContributionType: models.ContributionPrompt}

	tests := []struct {
		name string
		in   Input
		want models.ResponseType
	}{
		{"escalate from reconciliation", Input{
			Reconciliation: &models.ReconciliationResult{Action: models.ReconcileEscalate},
			Contributions:  []models.ScenarioContribution{actContribution},
		}, models.ResponseEscalate},
		{"reroute from reconciliation", Input{
			Reconciliation: &models.ReconciliationResult{Action: models.ReconcileReRoute},
		}, models.ResponseReroute},
		{"collect beats act", Input{
			Reconciliation: &models.ReconciliationResult{Action: models.ReconcileCollect, CollectFields: []string{"phone"}},
			Contributions:  []models.ScenarioContribution{actContribution},
		}, models.ResponseCollect},
		{"act beats ask", Input{
			Contributions: []models.ScenarioContribution{promptContribution, actContribution},
		}, models.ResponseAct},
		{"ask from prompt contribution", Input{
			Contributions: []models.ScenarioContribution{promptContribution},
		}, models.ResponseAsk},
		{"answer by default", Input{}, models.ResponseAnswer},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			plan := p.Plan(ctx, "t1", tc.in)
			assert.Equal(t, tc.want, plan.ResponseType)
		})
	}
}

func TestPlanCollectsConstraintsAndTools(t *testing.T) {
	p := New(store.NewMemoryAgentConfigStore())

	plan := p.Plan(context.Background(), "t1", Input{
		MatchedRules: []models.MatchedRule{
			{Rule: models.Rule{ID: "hard", IsHardConstraint: true, ActionText: "be safe",
				EnforcementExpression: `response != ""`,
				AttachedToolBindings:  []models.ToolBinding{{ToolID: "audit-tool", Phase: models.ToolBindingAfterStep}},
			}},
			{Rule: models.Rule{ID: "soft", ActionText: "be friendly"}},
		},
		Contributions: []models.ScenarioContribution{
			{ContributionType: models.ContributionAct, SuggestedTools: []string{"close-account"}},
		},
	})

	require.Len(t, plan.Constraints, 1)
	assert.Equal(t, "hard", plan.Constraints[0].RuleID)

	toolIDs := []string{}
	for _, b := range plan.ToolsToExecute {
		toolIDs = append(toolIDs, b.ToolID)
	}
	assert.ElementsMatch(t, []string{"audit-tool", "close-account"}, toolIDs)
}

func TestCollectFieldsOrderAndSkip(t *testing.T) {
	p := New(store.NewMemoryAgentConfigStore())
	plan := p.Plan(context.Background(), "t1", Input{
		Reconciliation: &models.ReconciliationResult{Action: models.ReconcileCollect, CollectFields: []string{"phone"}},
		MissingFields: []models.ScenarioFieldRequirement{
			{FieldName: "email", RequiredLevel: models.RequiredLevelHard, FallbackAction: models.FallbackAsk, CollectionOrder: 2},
			{FieldName: "name", RequiredLevel: models.RequiredLevelHard, FallbackAction: models.FallbackAsk, CollectionOrder: 1},
			{FieldName: "fax", RequiredLevel: models.RequiredLevelHard, FallbackAction: models.FallbackSkip, CollectionOrder: 3},
		},
	})
	assert.Equal(t, []string{"phone", "name", "email"}, plan.CollectFields)
}

func TestStrictTemplateForcesRender(t *testing.T) {
	ctx := context.Background()
	configs := store.NewMemoryAgentConfigStore()
	require.NoError(t, configs.CreateTemplate(ctx, &models.Template{
		ID: "tmpl-strict", TenantID: "t1", AgentID: "a1", Name: "greeting",
		Text: "Hello {{customer_name}}, how can I help?", Mode: models.TemplateModeStrict,
		Scope: models.RuleScopeGlobal, Priority: 1,
	}))

	p := New(configs)
	plan := p.Plan(ctx, "t1", Input{
		MatchedRules: []models.MatchedRule{
			{Rule: models.Rule{ID: "r1", AttachedTemplateIDs: []string{"tmpl-strict"}}},
		},
	})
	assert.Equal(t, "tmpl-strict", plan.ForcedTemplate)

	gen, err := NewGenerator(llmclient.NewStubClient(), configs)
	require.NoError(t, err)
	out, err := gen.Generate(ctx, GenInput{
		TenantID: "t1",
		Plan:     plan,
		Variables: map[string]models.TypedValue{
			"customer_name": models.NewStringValue("Ada"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello Ada, how can I help?", out.Text)
}

func TestSubstitutePlaceholdersFromToolResults(t *testing.T) {
	out := SubstitutePlaceholders("Your balance is {{balance_tool.amount}} {{balance_tool.currency}}.",
		nil,
		map[string]models.ToolResult{
			"balance_tool": {ToolID: "balance_tool", Success: true, Output: map[string]interface{}{
				"amount": "120.50", "currency": "EUR",
			}},
		})
	assert.Equal(t, "Your balance is 120.50 EUR.", out)
}

func TestParseGenerationEnvelope(t *testing.T) {
	gen := parseGeneration(`{"text": "done", "categories": ["AWAITING_USER_INPUT"]}`)
	assert.Equal(t, "done", gen.Text)
	assert.Equal(t, []string{"AWAITING_USER_INPUT"}, gen.Categories)

	plain := parseGeneration("just text")
	assert.Equal(t, "just text", plain.Text)
	assert.Empty(t, plain.Categories)
}
