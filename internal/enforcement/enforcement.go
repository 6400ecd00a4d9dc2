// Package enforcement validates the generated response against the turn's
// hard-constraint rules (spec §4.9). A rule with an enforcement_expression
// is evaluated in a sandboxed expr-lang environment (no functions or
// custom operators are registered, so the expression language is limited to
// equality, comparison, string contains, and field access); rules without
// one fall back to an LLM violation classifier. On violation the three-tier
// ladder runs: regenerate once, then the rule's FALLBACK template, then an
// ESCALATE response with category POLICY_RESTRICTION.
package enforcement

import (
	"context"
	"fmt"
	"strings"

	"github.com/alignetic/engine/internal/store"
	"github.com/alignetic/engine/pkg/contracts"
	"github.com/alignetic/engine/pkg/models"
	"github.com/expr-lang/expr"
	"github.com/rs/zerolog/log"
)

// CategoryPolicyRestriction marks a response blocked by a hard constraint.
const CategoryPolicyRestriction = "POLICY_RESTRICTION"

// CategorySystemError marks a degraded generation path.
const CategorySystemError = "SYSTEM_ERROR"

// CategoryAwaitingInput marks a turn paused on user input.
const CategoryAwaitingInput = "AWAITING_USER_INPUT"

// Regenerate is the hook the pipeline provides for the one retry the
// ladder is allowed: it re-runs generation with the strengthened prompt
// suffix.
type Regenerate func(ctx context.Context, strengthenedInstruction string) (*models.Generation, error)

// Result is the enforcement verdict for a turn.
type Result struct {
	Generation     *models.Generation
	Violated       bool
	BlockingRuleID string
	Categories     []string
	UsedFallback   bool
}

// Enforcer checks hard constraints.
type Enforcer struct {
	llm     contracts.LLMClient
	configs store.AgentConfigStore
	model   string
}

// New creates an Enforcer. llm may be nil, in which case rules without an
// enforcement_expression are treated as satisfied (and logged).
func New(llm contracts.LLMClient, configs store.AgentConfigStore, model string) *Enforcer {
	return &Enforcer{llm: llm, configs: configs, model: model}
}

// Enforce validates the generation against every constraint and runs the
// fallback ladder on violation.
func (e *Enforcer) Enforce(ctx context.Context, tenantID string, constraints []models.RuleConstraint, gen *models.Generation, vars map[string]models.TypedValue, regenerate Regenerate) Result {
	violating := e.firstViolation(ctx, constraints, gen, vars)
	if violating == nil {
		return Result{Generation: gen, Categories: gen.Categories}
	}

	// Tier 1: regenerate once with the violated action text verbatim.
	if regenerate != nil {
		regen, err := regenerate(ctx, violating.ActionText)
		if err != nil {
			log.Warn().Err(err).Str("rule_id", violating.RuleID).Msg("regeneration failed")
		} else if e.firstViolation(ctx, []models.RuleConstraint{*violating}, regen, vars) == nil {
			return Result{Generation: regen, Categories: regen.Categories}
		}
	}

	// Tier 2: the rule's highest-priority attached FALLBACK template.
	if text, ok := e.fallbackTemplate(ctx, tenantID, violating.RuleID); ok {
		return Result{
			Generation:     &models.Generation{Text: text},
			Violated:       true,
			BlockingRuleID: violating.RuleID,
			Categories:     []string{CategoryPolicyRestriction},
			UsedFallback:   true,
		}
	}

	// Tier 3: escalate.
	return Result{
		Generation:     &models.Generation{Text: ""},
		Violated:       true,
		BlockingRuleID: violating.RuleID,
		Categories:     []string{CategoryPolicyRestriction},
	}
}

func (e *Enforcer) firstViolation(ctx context.Context, constraints []models.RuleConstraint, gen *models.Generation, vars map[string]models.TypedValue) *models.RuleConstraint {
	for i := range constraints {
		c := constraints[i]
		violated, err := e.violates(ctx, c, gen.Text, vars)
		if err != nil {
			log.Warn().Err(err).Str("rule_id", c.RuleID).Msg("constraint evaluation failed, treating as satisfied")
			continue
		}
		if violated {
			return &constraints[i]
		}
	}
	return nil
}

// violates evaluates one constraint. An enforcement_expression that
// evaluates to true means the constraint is SATISFIED; false means
// violated.
func (e *Enforcer) violates(ctx context.Context, c models.RuleConstraint, response string, vars map[string]models.TypedValue) (bool, error) {
	if c.EnforcementExpression != "" {
		ok, err := EvalExpression(c.EnforcementExpression, response, vars)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}
	if e.llm == nil {
		return false, fmt.Errorf("no classifier available for rule %s", c.RuleID)
	}
	resp, err := e.llm.Complete(ctx, contracts.LLMRequest{
		Model: e.model,
		UserPrompt: fmt.Sprintf(
			"Policy: %s\nResponse: %s\nDoes the response violate the policy? Answer yes or no, then a short reason.",
			c.ActionText, response),
		Temperature: 0,
		MaxTokens:   64,
	})
	if err != nil {
		return false, err
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(resp.Text)), "yes"), nil
}

// EvalExpression compiles and runs an enforcement expression against the
// sandboxed environment: `response` (the generated text) and the turn's
// variables by name. No functions are exposed, so the expression language
// stays within equality, numeric comparison, `contains`, and field access.
func EvalExpression(expression, response string, vars map[string]models.TypedValue) (bool, error) {
	env := map[string]interface{}{
		"response": response,
		"vars":     map[string]interface{}{},
	}
	flat := env["vars"].(map[string]interface{})
	for name, v := range vars {
		flat[name] = v.Interface()
	}

	program, err := expr.Compile(expression, expr.Env(env), expr.AsBool(), expr.DisableAllBuiltins())
	if err != nil {
		return false, fmt.Errorf("enforcement: compile %q: %w", expression, err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("enforcement: eval %q: %w", expression, err)
	}
	ok, isBool := out.(bool)
	if !isBool {
		return false, fmt.Errorf("enforcement: expression %q did not evaluate to bool", expression)
	}
	return ok, nil
}

// fallbackTemplate finds the violated rule's highest-priority attached
// template in FALLBACK mode.
func (e *Enforcer) fallbackTemplate(ctx context.Context, tenantID, ruleID string) (string, bool) {
	rule, err := e.configs.GetRule(ctx, tenantID, ruleID)
	if err != nil {
		return "", false
	}
	best := ""
	bestPriority := -1 << 31
	for _, id := range rule.AttachedTemplateIDs {
		tmpl, err := e.configs.GetTemplate(ctx, tenantID, id)
		if err != nil || tmpl.Mode != models.TemplateModeFallback {
			continue
		}
		if tmpl.Priority > bestPriority {
			best = tmpl.Text
			bestPriority = tmpl.Priority
		}
	}
	return best, best != ""
}

// ResolveOutcome derives the turn's final resolution from the enforcement
// result and response type (spec §4.9 TurnOutcome table, first match wins).
func ResolveOutcome(categories []string, responseType models.ResponseType, blockingRuleID string) models.TurnOutcome {
	has := func(cat string) bool {
		for _, c := range categories {
			if c == cat {
				return true
			}
		}
		return false
	}
	switch {
	case has(CategoryPolicyRestriction):
		return models.TurnOutcome{Resolution: models.ResolutionBlocked, BlockingRuleID: blockingRuleID, Category: CategoryPolicyRestriction}
	case has(CategorySystemError):
		return models.TurnOutcome{Resolution: models.ResolutionError, Category: CategorySystemError}
	case responseType == models.ResponseEscalate:
		return models.TurnOutcome{Resolution: models.ResolutionRedirected}
	case has(CategoryAwaitingInput) || responseType == models.ResponseCollect || responseType == models.ResponseAsk:
		return models.TurnOutcome{Resolution: models.ResolutionPartial}
	default:
		return models.TurnOutcome{Resolution: models.ResolutionAnswered}
	}
}
