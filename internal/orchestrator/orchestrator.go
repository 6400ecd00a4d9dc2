// Package orchestrator implements the multi-scenario orchestrator (spec
// §4.5): lifecycle decisions over every active ScenarioInstance, step
// transition evaluation for the survivors, loop detection, and contribution
// planning.
//
// The instance-tracking shape is grounded on the teacher's workflow engine
// (running executions tracked in a map with per-step bookkeeping),
// generalized from DAG readiness to transition readiness; loop detection
// reuses its visited-count map idea.
package orchestrator

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/alignetic/engine/internal/migration"
	"github.com/alignetic/engine/internal/store"
	"github.com/alignetic/engine/pkg/contracts"
	"github.com/alignetic/engine/pkg/models"
	"github.com/rs/zerolog/log"
)

// Config tunes orchestration thresholds.
type Config struct {
	LoopThreshold          int
	StartThreshold         float64
	TransitionThreshold    float64
	MaxConcurrentScenarios int
	Model                  string
}

// DefaultConfig returns the spec defaults.
func DefaultConfig() Config {
	return Config{
		LoopThreshold:          5,
		StartThreshold:         0.5,
		TransitionThreshold:    0.55,
		MaxConcurrentScenarios: 3,
	}
}

// Orchestrator owns lifecycle/transition/contribution decisions for one
// turn. It mutates the session's instances in place; the pipeline persists
// the session at the end of the turn.
type Orchestrator struct {
	configs store.AgentConfigStore
	llm     contracts.LLMClient
	cfg     Config
}

// New creates an Orchestrator. llm is used only for transitions whose
// conditions reference customer-data fields; it may be nil, in which case
// those transitions score zero.
func New(configs store.AgentConfigStore, llm contracts.LLMClient, cfg Config) *Orchestrator {
	if cfg.LoopThreshold <= 0 {
		cfg.LoopThreshold = 5
	}
	if cfg.StartThreshold <= 0 {
		cfg.StartThreshold = 0.5
	}
	if cfg.TransitionThreshold <= 0 {
		cfg.TransitionThreshold = 0.55
	}
	return &Orchestrator{configs: configs, llm: llm, cfg: cfg}
}

// Decide runs the three ordered decision layers for one turn.
func (o *Orchestrator) Decide(ctx context.Context, sess *models.Session, snapshot models.SituationSnapshot, candidates []models.ScoredScenario) (*models.ScenarioResult, error) {
	result := &models.ScenarioResult{}

	scenarios := make(map[string]*models.Scenario)
	continuing := make([]*models.ScenarioInstance, 0, len(sess.ActiveScenarios))

	for i := range sess.ActiveScenarios {
		inst := &sess.ActiveScenarios[i]
		if inst.Status != models.ScenarioInstanceActive && inst.Status != models.ScenarioInstancePaused {
			continue
		}
		scenario := o.resolveScenario(ctx, sess.TenantID, inst)
		if scenario != nil {
			scenarios[inst.ScenarioID] = scenario
		}
		decision := o.lifecycleDecision(inst, scenario, snapshot)
		result.Lifecycle = append(result.Lifecycle, decision)
		o.applyLifecycle(inst, decision)
		if decision.Action == models.LifecycleContinue {
			continuing = append(continuing, inst)
		}
	}

	o.startCandidates(sess, candidates, result, scenarios)

	for _, inst := range continuing {
		scenario := scenarios[inst.ScenarioID]
		if scenario == nil {
			continue
		}
		decision := o.evaluateTransitions(ctx, sess, inst, scenario, snapshot)
		result.Transitions = append(result.Transitions, decision)
	}

	result.Contributions = o.planContributions(sess, scenarios)
	return result, nil
}

// lifecycleDecision applies the spec's top-down decision table; the first
// matching condition wins.
func (o *Orchestrator) lifecycleDecision(inst *models.ScenarioInstance, scenario *models.Scenario, snapshot models.SituationSnapshot) models.LifecycleDecision {
	d := models.LifecycleDecision{ScenarioID: inst.ScenarioID}
	switch {
	case snapshot.ScenarioSignal == models.ScenarioSignalCancel:
		d.Action = models.LifecycleCancel
		d.Reason = "user signal"
	case snapshot.ScenarioSignal == models.ScenarioSignalPause:
		d.Action = models.LifecyclePause
		d.Reason = "user signal"
	case scenario != nil && isTerminal(scenario, inst.CurrentStepID):
		d.Action = models.LifecycleComplete
		d.Reason = "terminal step reached"
	case o.loopDetected(inst):
		d.Action = models.LifecyclePause
		d.Reason = "loop detected"
	case scenario == nil || !scenario.Enabled:
		d.Action = models.LifecycleCancel
		d.Reason = "scenario retired"
	default:
		d.Action = models.LifecycleContinue
	}
	return d
}

func (o *Orchestrator) applyLifecycle(inst *models.ScenarioInstance, d models.LifecycleDecision) {
	now := time.Now()
	switch d.Action {
	case models.LifecycleCancel:
		inst.Status = models.ScenarioInstanceCancelled
	case models.LifecyclePause:
		inst.Status = models.ScenarioInstancePaused
		inst.PausedAt = &now
	case models.LifecycleComplete:
		inst.Status = models.ScenarioInstanceCompleted
	case models.LifecycleContinue:
		if inst.Status == models.ScenarioInstancePaused {
			inst.Status = models.ScenarioInstanceActive
			inst.PausedAt = nil
		}
		inst.LastActiveAt = now
	}
}

// loopDetected pauses an instance whose current step has been re-entered
// past the threshold without an intervening advance (spec §4.5: revisits
// with interleaved advances are allowed).
func (o *Orchestrator) loopDetected(inst *models.ScenarioInstance) bool {
	return inst.VisitedSteps[inst.CurrentStepID] >= o.cfg.LoopThreshold && !inst.AdvancedSinceVisit
}

// startCandidates starts scenarios for retrieval candidates that match no
// active instance, score above start_threshold, and fit the concurrency cap.
func (o *Orchestrator) startCandidates(sess *models.Session, candidates []models.ScoredScenario, result *models.ScenarioResult, scenarios map[string]*models.Scenario) {
	for _, cand := range candidates {
		if cand.Score < o.cfg.StartThreshold {
			continue
		}
		if inst := sess.InstanceByScenario(cand.Scenario.ID); inst != nil &&
			(inst.Status == models.ScenarioInstanceActive || inst.Status == models.ScenarioInstancePaused) {
			continue
		}
		if o.cfg.MaxConcurrentScenarios > 0 && sess.CountActiveOrPaused() >= o.cfg.MaxConcurrentScenarios {
			continue
		}
		now := time.Now()
		sc := cand.Scenario
		sess.ActiveScenarios = append(sess.ActiveScenarios, models.ScenarioInstance{
			ScenarioID:      sc.ID,
			ScenarioVersion: sc.Version,
			CurrentStepID:   sc.EntryStepID,
			VisitedSteps:    map[string]int{sc.EntryStepID: 1},
			StartedAt:       now,
			LastActiveAt:    now,
			Status:          models.ScenarioInstanceActive,
		})
		cp := sc
		scenarios[sc.ID] = &cp
		result.Lifecycle = append(result.Lifecycle, models.LifecycleDecision{
			ScenarioID: sc.ID,
			Action:     models.LifecycleStart,
			Reason:     fmt.Sprintf("candidate score %.2f", cand.Score),
		})
	}
}

// evaluateTransitions walks the current step's outgoing transitions in
// priority order and fires the first whose score clears the threshold.
func (o *Orchestrator) evaluateTransitions(ctx context.Context, sess *models.Session, inst *models.ScenarioInstance, scenario *models.Scenario, snapshot models.SituationSnapshot) models.TransitionDecision {
	decision := models.TransitionDecision{ScenarioID: inst.ScenarioID, FromStepID: inst.CurrentStepID}
	step := scenario.StepByID(inst.CurrentStepID)
	if step == nil {
		return decision
	}

	transitions := make([]models.StepTransition, len(step.Transitions))
	copy(transitions, step.Transitions)
	sort.SliceStable(transitions, func(i, j int) bool { return transitions[i].Priority > transitions[j].Priority })

	for _, tr := range transitions {
		score := o.scoreTransition(ctx, sess, tr, snapshot)
		if score < o.cfg.TransitionThreshold {
			continue
		}
		decision.Fired = true
		decision.ToStepID = tr.ToStepID
		decision.Score = score
		o.advance(inst, scenario, sess, tr.ToStepID, "transition: "+tr.ConditionText, score, &decision)
		return decision
	}

	// No transition fired: can_skip steps advance to the first skippable
	// default; otherwise the instance stays put and the loop count grows.
	if step.CanSkip && len(transitions) > 0 {
		tr := transitions[0]
		decision.Fired = true
		decision.ToStepID = tr.ToStepID
		o.advance(inst, scenario, sess, tr.ToStepID, "skip", 0, &decision)
		return decision
	}
	inst.VisitedSteps[inst.CurrentStepID]++
	inst.AdvancedSinceVisit = false
	decision.LoopIncremented = true
	return decision
}

func (o *Orchestrator) advance(inst *models.ScenarioInstance, scenario *models.Scenario, sess *models.Session, toStepID, reason string, score float64, decision *models.TransitionDecision) {
	if inst.VisitedSteps == nil {
		inst.VisitedSteps = make(map[string]int)
	}
	inst.CurrentStepID = toStepID
	inst.VisitedSteps[toStepID]++
	inst.AdvancedSinceVisit = true
	inst.LastActiveAt = time.Now()

	next := scenario.StepByID(toStepID)
	visit := models.StepVisit{
		StepID:           toStepID,
		EnteredAt:        time.Now(),
		TurnNumber:       sess.TurnCount,
		TransitionReason: reason,
		Confidence:       score,
	}
	if next != nil {
		visit.StepName = next.Name
		visit.IsCheckpoint = next.IsCheckpoint
		visit.CheckpointDescription = next.CheckpointDescription
		visit.StepContentHash = stepHashOrEmpty(scenario, next)
		if next.ReachableFromAnywhere {
			sess.RelocalizationCount++
			decision.Relocalized = true
		}
	}
	sess.StepHistory = append(sess.StepHistory, visit)
}

// scoreTransition scores by embedding similarity, or by an LLM yes/no when
// the condition references customer-data fields (spec §4.5).
func (o *Orchestrator) scoreTransition(ctx context.Context, sess *models.Session, tr models.StepTransition, snapshot models.SituationSnapshot) float64 {
	if len(tr.ConditionFields) > 0 && o.llm != nil {
		return o.llmTransitionScore(ctx, sess, tr, snapshot)
	}
	if len(tr.ConditionEmbedding) == 0 || len(snapshot.Embedding) == 0 {
		return 0
	}
	return clamp01(cosine(snapshot.Embedding, tr.ConditionEmbedding))
}

func (o *Orchestrator) llmTransitionScore(ctx context.Context, sess *models.Session, tr models.StepTransition, snapshot models.SituationSnapshot) float64 {
	var known []string
	for _, f := range tr.ConditionFields {
		if v, ok := sess.Variables[f]; ok {
			known = append(known, f+"="+v.Format())
		}
	}
	resp, err := o.llm.Complete(ctx, contracts.LLMRequest{
		Model: o.cfg.Model,
		UserPrompt: fmt.Sprintf(
			"Condition: %s\nKnown values: %s\nUser message: %s\nDoes the condition hold? Answer yes or no.",
			tr.ConditionText, strings.Join(known, ", "), snapshot.Message),
		Temperature: 0,
		MaxTokens:   8,
	})
	if err != nil {
		log.Warn().Err(err).Msg("transition LLM decision failed, scoring zero")
		return 0
	}
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(resp.Text)), "yes") {
		return 1
	}
	return 0
}

// planContributions builds one contribution per live instance and resolves
// ACT conflicts on the same tool by priority, ties broken by earlier
// started_at (spec §4.5).
func (o *Orchestrator) planContributions(sess *models.Session, scenarios map[string]*models.Scenario) models.ScenarioContributionPlan {
	var contributions []models.ScenarioContribution
	for i := range sess.ActiveScenarios {
		inst := &sess.ActiveScenarios[i]
		if inst.Status != models.ScenarioInstanceActive && inst.Status != models.ScenarioInstanceCompleted {
			continue
		}
		scenario := scenarios[inst.ScenarioID]
		if scenario == nil {
			continue
		}
		step := scenario.StepByID(inst.CurrentStepID)
		if step == nil {
			continue
		}
		contributions = append(contributions, buildContribution(scenario, step, inst))
	}

	contributions = resolveActConflicts(contributions)
	sort.SliceStable(contributions, func(i, j int) bool {
		if contributions[i].Priority != contributions[j].Priority {
			return contributions[i].Priority > contributions[j].Priority
		}
		return contributions[i].StartedAt.Before(contributions[j].StartedAt)
	})
	return models.ScenarioContributionPlan{Contributions: contributions}
}

func buildContribution(scenario *models.Scenario, step *models.ScenarioStep, inst *models.ScenarioInstance) models.ScenarioContribution {
	c := models.ScenarioContribution{
		ScenarioID:      scenario.ID,
		ScenarioName:    scenario.Name,
		CurrentStepID:   step.ID,
		CurrentStepName: step.Name,
		RequiredFields:  step.CollectsProfileFields,
		Priority:        scenario.Priority,
		StartedAt:       inst.StartedAt,
	}
	for _, b := range step.ToolBindings {
		c.SuggestedTools = append(c.SuggestedTools, b.ToolID)
	}
	switch {
	case step.PerformsAction:
		c.ContributionType = models.ContributionAct
	case len(step.CollectsProfileFields) > 0:
		c.ContributionType = models.ContributionCollect
	case len(step.Transitions) > 0:
		c.ContributionType = models.ContributionPrompt
	default:
		c.ContributionType = models.ContributionInform
	}
	c.StepInstructions = step.Name
	return c
}

// resolveActConflicts keeps, for each tool proposed by more than one ACT
// contribution, only the winning contribution's claim on it.
func resolveActConflicts(contributions []models.ScenarioContribution) []models.ScenarioContribution {
	winner := make(map[string]int) // toolID -> contribution index
	for i, c := range contributions {
		if c.ContributionType != models.ContributionAct {
			continue
		}
		for _, tool := range c.SuggestedTools {
			w, claimed := winner[tool]
			if !claimed || beats(c, contributions[w]) {
				winner[tool] = i
			}
		}
	}
	for i := range contributions {
		if contributions[i].ContributionType != models.ContributionAct {
			continue
		}
		var kept []string
		for _, tool := range contributions[i].SuggestedTools {
			if winner[tool] == i {
				kept = append(kept, tool)
			}
		}
		contributions[i].SuggestedTools = kept
	}
	return contributions
}

func beats(a, b models.ScenarioContribution) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.StartedAt.Before(b.StartedAt)
}

// resolveScenario loads the instance's scenario at its pinned version,
// falling back to the archive when the live row has moved on.
func (o *Orchestrator) resolveScenario(ctx context.Context, tenantID string, inst *models.ScenarioInstance) *models.Scenario {
	sc, err := o.configs.GetScenario(ctx, tenantID, inst.ScenarioID)
	if err == nil && sc.Version == inst.ScenarioVersion {
		return sc
	}
	archived, archErr := o.configs.GetScenarioArchived(ctx, tenantID, inst.ScenarioID, inst.ScenarioVersion)
	if archErr == nil {
		return archived
	}
	if err != nil {
		return nil
	}
	return sc
}

func stepHashOrEmpty(scenario *models.Scenario, step *models.ScenarioStep) string {
	hash, err := migration.NodeContentHash(scenario, step)
	if err != nil {
		log.Warn().Err(err).Str("step_id", step.ID).Msg("step content hash failed")
		return ""
	}
	return hash
}

func isTerminal(scenario *models.Scenario, stepID string) bool {
	step := scenario.StepByID(stepID)
	return step != nil && step.IsTerminal
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
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
