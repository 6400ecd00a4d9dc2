// Package planner merges the turn's evidence — snapshot, matched rules,
// scenario contributions, reconciliation outcome, missing required fields —
// into a ResponsePlan, then generates the response text (spec §4.8).
package planner

import (
	"context"
	"sort"

	"github.com/alignetic/engine/internal/store"
	"github.com/alignetic/engine/pkg/models"
	"github.com/rs/zerolog/log"
)

// Input bundles everything the planner consumes (spec §4.8).
type Input struct {
	Snapshot       models.SituationSnapshot
	MatchedRules   []models.MatchedRule
	Contributions  []models.ScenarioContribution
	Reconciliation *models.ReconciliationResult
	MissingFields  []models.ScenarioFieldRequirement
}

// Planner builds ResponsePlans.
type Planner struct {
	configs store.AgentConfigStore
}

// New creates a Planner over the catalogue store (used to resolve attached
// templates).
func New(configs store.AgentConfigStore) *Planner {
	return &Planner{configs: configs}
}

// Plan merges the input into a ResponsePlan. Response type ambiguity is
// resolved by the fixed priority ESCALATE > REROUTE > COLLECT > ACT > ASK >
// ANSWER.
func (p *Planner) Plan(ctx context.Context, tenantID string, in Input) *models.ResponsePlan {
	plan := &models.ResponsePlan{
		Contributions: in.Contributions,
	}

	for _, mr := range in.MatchedRules {
		if mr.Rule.IsHardConstraint {
			plan.Constraints = append(plan.Constraints, models.RuleConstraint{
				RuleID:                mr.Rule.ID,
				ActionText:            mr.Rule.ActionText,
				EnforcementExpression: mr.Rule.EnforcementExpression,
			})
		}
		plan.ToolsToExecute = append(plan.ToolsToExecute, mr.Rule.AttachedToolBindings...)
		plan.SuggestedTemplates = append(plan.SuggestedTemplates, mr.Rule.AttachedTemplateIDs...)
	}

	for _, c := range in.Contributions {
		for _, toolID := range c.SuggestedTools {
			plan.ToolsToExecute = append(plan.ToolsToExecute, models.ToolBinding{
				ToolID: toolID,
				Phase:  models.ToolBindingBeforeStep,
			})
		}
		plan.VariablesToResolve = append(plan.VariablesToResolve, c.RequiredFields...)
	}

	plan.CollectFields = collectFields(in)
	plan.ResponseType = responseType(in, plan)
	p.resolveTemplates(ctx, tenantID, plan)
	return plan
}

// collectFields merges reconciliation collect_fields with missing HARD
// requirements, reconciliation first, requirement collection order after.
func collectFields(in Input) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	if in.Reconciliation != nil {
		for _, f := range in.Reconciliation.CollectFields {
			add(f)
		}
	}
	reqs := append([]models.ScenarioFieldRequirement(nil), in.MissingFields...)
	sort.SliceStable(reqs, func(i, j int) bool { return reqs[i].CollectionOrder < reqs[j].CollectionOrder })
	for _, req := range reqs {
		if req.FallbackAction != models.FallbackSkip {
			add(req.FieldName)
		}
	}
	return out
}

func responseType(in Input, plan *models.ResponsePlan) models.ResponseType {
	if in.Reconciliation != nil {
		switch in.Reconciliation.Action {
		case models.ReconcileEscalate:
			return models.ResponseEscalate
		case models.ReconcileReRoute:
			return models.ResponseReroute
		}
	}
	for _, req := range in.MissingFields {
		if req.FallbackAction == models.FallbackEscalate {
			return models.ResponseEscalate
		}
	}
	if len(plan.CollectFields) > 0 {
		return models.ResponseCollect
	}
	for _, c := range in.Contributions {
		if c.ContributionType == models.ContributionAct {
			return models.ResponseAct
		}
	}
	for _, c := range in.Contributions {
		if c.ContributionType == models.ContributionPrompt || c.ContributionType == models.ContributionCollect {
			return models.ResponseAsk
		}
	}
	return models.ResponseAnswer
}

// resolveTemplates inspects the suggested template ids: a STRICT-mode
// template forces rendering without generation; FALLBACK/SUGGEST templates
// stay suggestions (spec §4.8).
func (p *Planner) resolveTemplates(ctx context.Context, tenantID string, plan *models.ResponsePlan) {
	var strictID string
	strictPriority := -1 << 31
	for _, id := range plan.SuggestedTemplates {
		tmpl, err := p.configs.GetTemplate(ctx, tenantID, id)
		if err != nil {
			log.Debug().Str("template_id", id).Err(err).Msg("suggested template not found")
			continue
		}
		if tmpl.Mode == models.TemplateModeStrict && tmpl.Priority > strictPriority {
			strictID = tmpl.ID
			strictPriority = tmpl.Priority
		}
	}
	plan.ForcedTemplate = strictID
}
