package migration

import (
	"context"
	"strings"
	"time"

	"github.com/alignetic/engine/internal/store"
	"github.com/alignetic/engine/pkg/models"
	"github.com/rs/zerolog/log"
)

// Reconciler performs per-turn JIT reconciliation for sessions carrying a
// pending-migration marker (spec §4.6). It runs before retrieval.
type Reconciler struct {
	configs   store.AgentConfigStore
	customers store.CustomerDataStore
}

// NewReconciler creates a Reconciler.
func NewReconciler(configs store.AgentConfigStore, customers store.CustomerDataStore) *Reconciler {
	return &Reconciler{configs: configs, customers: customers}
}

// Reconcile resolves the session's pending migration into one of TELEPORT /
// COLLECT / RE_ROUTE / RELOCALIZE / ESCALATE, mutating the session for
// teleports. message is the turn's raw user text, consulted only to resolve
// an outstanding RE_ROUTE fork.
func (r *Reconciler) Reconcile(ctx context.Context, sess *models.Session, message string) (*models.ReconciliationResult, error) {
	marker := sess.PendingMigration
	if marker == nil {
		return nil, nil
	}

	fromStep := currentStepID(sess)

	plan, planErr := r.configs.GetMigrationPlan(ctx, sess.TenantID, marker.MigrationPlanID)
	vNew, scErr := r.scenarioAtVersion(ctx, sess, marker.TargetVersion, plan)
	if planErr != nil || scErr != nil || vNew == nil {
		log.Warn().AnErr("plan_err", planErr).AnErr("scenario_err", scErr).
			Str("session_id", sess.SessionID).Msg("migration plan or target scenario missing, relocalizing")
		return r.relocalize(sess, vNew, fromStep), nil
	}

	anchor := findAnchor(plan, marker.AnchorContentHash)
	if anchor == nil {
		return r.relocalize(sess, vNew, fromStep), nil
	}

	scenario := anchor.MigrationScenario
	if policy, ok := plan.AnchorPolicies[anchor.AnchorHash]; ok {
		scenario = policy.MigrationScenario
	}

	switch scenario {
	case models.MigrationCleanGraft:
		r.teleport(sess, vNew, anchor.TargetStepIDV2, "migration")
		return &models.ReconciliationResult{
			Action:             models.ReconcileTeleport,
			Reason:             "clean graft",
			FromStep:           fromStep,
			ToStep:             anchor.TargetStepIDV2,
			ScopeFilterMatched: true,
		}, nil

	case models.MigrationGapFill:
		missing := r.missingUpstreamFields(ctx, sess, vNew, anchor)
		if len(missing) > 0 {
			// Marker stays set: the session keeps reconciling until the
			// gap is filled.
			return &models.ReconciliationResult{
				Action:             models.ReconcileCollect,
				Reason:             "gap fill: missing " + strings.Join(missing, ", "),
				FromStep:           fromStep,
				CollectFields:      missing,
				ScopeFilterMatched: true,
			}, nil
		}
		r.teleport(sess, vNew, anchor.TargetStepIDV2, "migration")
		return &models.ReconciliationResult{
			Action:             models.ReconcileTeleport,
			Reason:             "gap filled",
			FromStep:           fromStep,
			ToStep:             anchor.TargetStepIDV2,
			ScopeFilterMatched: true,
		}, nil

	case models.MigrationReRoute:
		return r.reroute(sess, vNew, anchor, fromStep, message), nil
	}

	return r.relocalize(sess, vNew, fromStep), nil
}

// relocalize tries to find a v2 step whose content hash matches the
// session's current step hash; found means teleport, otherwise escalate.
func (r *Reconciler) relocalize(sess *models.Session, vNew *models.Scenario, fromStep string) *models.ReconciliationResult {
	if vNew != nil && len(sess.StepHistory) > 0 {
		currentHash := sess.StepHistory[len(sess.StepHistory)-1].StepContentHash
		for i := range vNew.Steps {
			hash, err := NodeContentHash(vNew, &vNew.Steps[i])
			if err != nil {
				continue
			}
			if hash == currentHash {
				r.teleport(sess, vNew, vNew.Steps[i].ID, "migration: relocalized")
				return &models.ReconciliationResult{
					Action:   models.ReconcileRelocalize,
					Reason:   "anchor missing, matched current step hash",
					FromStep: fromStep,
					ToStep:   vNew.Steps[i].ID,
				}
			}
		}
	}
	// No safe landing step; the marker stays for an operator to resolve.
	return &models.ReconciliationResult{
		Action:   models.ReconcileEscalate,
		Reason:   "no anchor or relocalization target in new version",
		FromStep: fromStep,
	}
}

// reroute resolves a fork introduced upstream of the anchor. On the first
// encounter it emits the branch question; once the user's answer matches a
// branch condition, it teleports there and clears the marker.
func (r *Reconciler) reroute(sess *models.Session, vNew *models.Scenario, anchor *models.AnchorTransformation, fromStep, message string) *models.ReconciliationResult {
	fork := findFork(vNew, anchor)
	if fork == nil {
		r.teleport(sess, vNew, anchor.TargetStepIDV2, "migration")
		return &models.ReconciliationResult{
			Action:             models.ReconcileTeleport,
			Reason:             "re-route fork no longer present",
			FromStep:           fromStep,
			ToStep:             anchor.TargetStepIDV2,
			ScopeFilterMatched: true,
		}
	}

	if branch := matchBranch(fork, message); branch != "" {
		r.teleport(sess, vNew, branch, "migration: fork resolved")
		return &models.ReconciliationResult{
			Action:             models.ReconcileTeleport,
			Reason:             "fork resolved by user answer",
			FromStep:           fromStep,
			ToStep:             branch,
			ScopeFilterMatched: true,
		}
	}

	var conditions []string
	for _, tr := range fork.Transitions {
		if tr.ConditionText != "" {
			conditions = append(conditions, tr.ConditionText)
		}
	}
	return &models.ReconciliationResult{
		Action:             models.ReconcileReRoute,
		Reason:             "which applies: " + strings.Join(conditions, " / "),
		FromStep:           fromStep,
		ScopeFilterMatched: true,
	}
}

// teleport repositions the session's instance of the migrated scenario by
// plan authority — no transition evaluation — and clears the marker.
func (r *Reconciler) teleport(sess *models.Session, vNew *models.Scenario, targetStepID, reason string) {
	inst := sess.InstanceByScenario(vNew.ID)
	if inst == nil {
		return
	}
	inst.ScenarioVersion = vNew.Version
	inst.CurrentStepID = targetStepID
	if inst.VisitedSteps == nil {
		inst.VisitedSteps = make(map[string]int)
	}
	inst.VisitedSteps[targetStepID]++
	inst.AdvancedSinceVisit = true
	inst.LastActiveAt = time.Now()

	visit := models.StepVisit{
		StepID:           targetStepID,
		EnteredAt:        time.Now(),
		TurnNumber:       sess.TurnCount,
		TransitionReason: reason,
		Confidence:       1,
	}
	if step := vNew.StepByID(targetStepID); step != nil {
		visit.StepName = step.Name
		visit.IsCheckpoint = step.IsCheckpoint
		visit.CheckpointDescription = step.CheckpointDescription
		if hash, err := NodeContentHash(vNew, step); err == nil {
			visit.StepContentHash = hash
		}
	}
	sess.StepHistory = append(sess.StepHistory, visit)

	if checksum, err := ScenarioChecksum(vNew); err == nil {
		sess.ScenarioChecksum = checksum
	}
	sess.PendingMigration = nil
}

// missingUpstreamFields intersects the inserted upstream nodes' collected
// fields with what the session's customer lacks as ACTIVE, preserving the
// nodes' collection order.
func (r *Reconciler) missingUpstreamFields(ctx context.Context, sess *models.Session, vNew *models.Scenario, anchor *models.AnchorTransformation) []string {
	var missing []string
	seen := make(map[string]bool)
	for _, nodeID := range anchor.UpstreamChanges {
		step := vNew.StepByID(nodeID)
		if step == nil {
			continue
		}
		for _, field := range step.CollectsProfileFields {
			if seen[field] {
				continue
			}
			seen[field] = true
			if !r.hasActiveField(ctx, sess, field) {
				missing = append(missing, field)
			}
		}
	}
	return missing
}

func (r *Reconciler) hasActiveField(ctx context.Context, sess *models.Session, field string) bool {
	if r.customers == nil || sess.CustomerProfileID == "" {
		return false
	}
	entry, err := r.customers.GetField(ctx, sess.TenantID, sess.CustomerProfileID, field, models.VariableEntryActive)
	return err == nil && entry != nil
}

// scenarioAtVersion loads the scenario at the marker's target version,
// falling back to the archive if the live row has moved past it.
func (r *Reconciler) scenarioAtVersion(ctx context.Context, sess *models.Session, version int, plan *models.MigrationPlan) (*models.Scenario, error) {
	scenarioID := ""
	if plan != nil {
		scenarioID = plan.ScenarioID
	} else if marker := sess.PendingMigration; marker != nil {
		// Without the plan the scenario id must come from the session's
		// instances; take the one whose version predates the target.
		for _, inst := range sess.ActiveScenarios {
			if inst.ScenarioVersion < version {
				scenarioID = inst.ScenarioID
				break
			}
		}
	}
	if scenarioID == "" {
		return nil, nil
	}
	sc, err := r.configs.GetScenario(ctx, sess.TenantID, scenarioID)
	if err == nil && sc.Version == version {
		return sc, nil
	}
	archived, archErr := r.configs.GetScenarioArchived(ctx, sess.TenantID, scenarioID, version)
	if archErr == nil {
		return archived, nil
	}
	return sc, err
}

func findAnchor(plan *models.MigrationPlan, hash string) *models.AnchorTransformation {
	for i := range plan.TransformationMap.Anchors {
		if plan.TransformationMap.Anchors[i].AnchorHash == hash {
			return &plan.TransformationMap.Anchors[i]
		}
	}
	return nil
}

// findFork locates the inserted upstream node with more than one outgoing
// transition.
func findFork(vNew *models.Scenario, anchor *models.AnchorTransformation) *models.ScenarioStep {
	for _, nodeID := range anchor.UpstreamChanges {
		step := vNew.StepByID(nodeID)
		if step != nil && len(step.Transitions) > 1 {
			return step
		}
	}
	return nil
}

// matchBranch picks the fork transition whose condition text shares the
// most tokens with the user's answer; zero overlap means unresolved.
func matchBranch(fork *models.ScenarioStep, message string) string {
	words := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(message)) {
		words[strings.Trim(w, ".,!?")] = true
	}
	best := ""
	bestOverlap := 0
	for _, tr := range fork.Transitions {
		overlap := 0
		for _, w := range strings.Fields(strings.ToLower(tr.ConditionText)) {
			if words[strings.Trim(w, ".,!?")] {
				overlap++
			}
		}
		if overlap > bestOverlap {
			bestOverlap = overlap
			best = tr.ToStepID
		}
	}
	return best
}

func currentStepID(sess *models.Session) string {
	if len(sess.StepHistory) > 0 {
		return sess.StepHistory[len(sess.StepHistory)-1].StepID
	}
	return ""
}
