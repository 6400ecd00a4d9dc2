// Package filtering implements the two-stage rule filter (spec §4.4): a
// deterministic scope pre-filter followed by an LLM ternary classifier.
//
// The pre-filter's dispatch-by-criterion shape is grounded on the teacher's
// internal/guardrails evaluation style (each criterion yields pass/fail
// plus a message), applied to rule eligibility instead of content checks.
package filtering

import (
	"fmt"

	"github.com/alignetic/engine/pkg/models"
)

// PreFilterResult separates survivors from dropped rules with the reason
// each was dropped.
type PreFilterResult struct {
	Passed  []models.ScoredRule
	Dropped map[string]string // ruleID -> reason
}

// ScopePreFilter re-applies the retrieval business pre-filter (selection
// may have been coarser) and additionally checks that SCENARIO/STEP-scoped
// rules point at a currently active scenario or step.
type ScopePreFilter struct{}

// Filter evaluates each scored rule against the session state.
func (ScopePreFilter) Filter(rules []models.ScoredRule, sess *models.Session) PreFilterResult {
	active := activeScopeIDs(sess)
	result := PreFilterResult{Dropped: make(map[string]string)}
	for _, sr := range rules {
		if reason := ineligibleReason(sr.Rule, sess, active); reason != "" {
			result.Dropped[sr.Rule.ID] = reason
			continue
		}
		result.Passed = append(result.Passed, sr)
	}
	return result
}

type scopeSet struct {
	scenarios map[string]bool
	steps     map[string]bool
}

func activeScopeIDs(sess *models.Session) scopeSet {
	set := scopeSet{scenarios: make(map[string]bool), steps: make(map[string]bool)}
	if sess == nil {
		return set
	}
	for _, inst := range sess.ActiveScenarios {
		if inst.Status != models.ScenarioInstanceActive {
			continue
		}
		set.scenarios[inst.ScenarioID] = true
		set.steps[inst.CurrentStepID] = true
	}
	return set
}

func ineligibleReason(rule models.Rule, sess *models.Session, active scopeSet) string {
	if !rule.Enabled {
		return "disabled"
	}
	if sess != nil {
		if rule.MaxFiresPerSession > 0 && sess.RuleFires[rule.ID] >= rule.MaxFiresPerSession {
			return fmt.Sprintf("max_fires_per_session reached (%d)", rule.MaxFiresPerSession)
		}
		if rule.CooldownTurns > 0 {
			if lastFire, fired := sess.RuleLastFireTurn[rule.ID]; fired && sess.TurnCount-lastFire < rule.CooldownTurns {
				return fmt.Sprintf("cooldown active (%d turns)", rule.CooldownTurns)
			}
		}
	}
	switch rule.Scope {
	case models.RuleScopeScenario:
		if !active.scenarios[rule.ScopeID] {
			return "scenario not active"
		}
	case models.RuleScopeStep:
		if !active.steps[rule.ScopeID] {
			return "step not active"
		}
	}
	return ""
}
