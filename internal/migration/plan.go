package migration

import (
	"context"
	"fmt"
	"time"

	"github.com/alignetic/engine/internal/store"
	"github.com/alignetic/engine/pkg/apierrors"
	"github.com/alignetic/engine/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Engine owns plan generation, the approval lifecycle, and deployment.
type Engine struct {
	configs  store.AgentConfigStore
	sessions store.SessionStore
}

// NewEngine creates the migration engine over the two stores it needs.
func NewEngine(configs store.AgentConfigStore, sessions store.SessionStore) *Engine {
	return &Engine{configs: configs, sessions: sessions}
}

// ComputeTransformationMap diffs two scenario versions into anchors,
// deleted nodes, and new node ids (spec §4.6 plan generation).
func ComputeTransformationMap(vOld, vNew *models.Scenario) (models.TransformationMap, error) {
	oldHashes, err := hashSteps(vOld)
	if err != nil {
		return models.TransformationMap{}, err
	}
	newHashes, err := hashSteps(vNew)
	if err != nil {
		return models.TransformationMap{}, err
	}

	oldByHash := indexByHash(vOld, oldHashes)
	newByHash := indexByHash(vNew, newHashes)

	var tm models.TransformationMap
	anchorHashes := make(map[string]bool)

	// Anchors: Cartesian product of steps by equal content hash.
	for hash, oldSteps := range oldByHash {
		newSteps, ok := newByHash[hash]
		if !ok {
			continue
		}
		anchorHashes[hash] = true
		for _, oldStep := range oldSteps {
			for _, newStep := range newSteps {
				anchor := models.AnchorTransformation{
					AnchorName:     oldStep.Name,
					AnchorHash:     hash,
					SourceStepIDV1: oldStep.ID,
					TargetStepIDV2: newStep.ID,
				}
				classifyAnchor(&anchor, vOld, vNew, oldStep, newStep, oldHashes, newHashes)
				tm.Anchors = append(tm.Anchors, anchor)
			}
		}
	}

	for i := range vOld.Steps {
		if _, survives := newByHash[oldHashes[vOld.Steps[i].ID]]; !survives {
			tm.DeletedNodes = append(tm.DeletedNodes, vOld.Steps[i].ID)
		}
	}
	for i := range vNew.Steps {
		hash := newHashes[vNew.Steps[i].ID]
		if _, existed := oldByHash[hash]; !existed && !anchorHashes[hash] {
			tm.NewNodeIDs = append(tm.NewNodeIDs, vNew.Steps[i].ID)
		}
	}
	return tm, nil
}

// classifyAnchor computes upstream/downstream changes for one anchor and
// derives the migration scenario: GAP_FILL when an inserted upstream node
// collects fields, RE_ROUTE when the upstream gained a fork, CLEAN_GRAFT
// otherwise.
func classifyAnchor(anchor *models.AnchorTransformation, vOld, vNew *models.Scenario, oldStep, newStep *models.ScenarioStep, oldHashes, newHashes map[string]string) {
	oldUpstream := ancestorsOf(vOld, oldStep.ID)
	newUpstream := ancestorsOf(vNew, newStep.ID)

	oldUpstreamHashes := make(map[string]bool, len(oldUpstream))
	for _, id := range oldUpstream {
		oldUpstreamHashes[oldHashes[id]] = true
	}

	gapFill := false
	reRoute := false
	for _, id := range newUpstream {
		if oldUpstreamHashes[newHashes[id]] {
			continue
		}
		step := vNew.StepByID(id)
		if step == nil {
			continue
		}
		anchor.UpstreamChanges = append(anchor.UpstreamChanges, step.ID)
		if len(step.CollectsProfileFields) > 0 {
			gapFill = true
		}
		if len(step.Transitions) > 1 {
			reRoute = true
		}
	}

	oldDownstream := descendantsOf(vOld, oldStep.ID)
	newDownstream := descendantsOf(vNew, newStep.ID)
	oldDownstreamHashes := make(map[string]bool, len(oldDownstream))
	for _, id := range oldDownstream {
		oldDownstreamHashes[oldHashes[id]] = true
	}
	newDownstreamHashes := make(map[string]bool, len(newDownstream))
	for _, id := range newDownstream {
		newDownstreamHashes[newHashes[id]] = true
	}
	for _, id := range oldDownstream {
		if !newDownstreamHashes[oldHashes[id]] {
			anchor.DownstreamChanges = append(anchor.DownstreamChanges, "deleted:"+id)
		}
	}
	for _, id := range newDownstream {
		if !oldDownstreamHashes[newHashes[id]] {
			anchor.DownstreamChanges = append(anchor.DownstreamChanges, "added:"+id)
		}
	}

	switch {
	case gapFill:
		anchor.MigrationScenario = models.MigrationGapFill
	case reRoute:
		anchor.MigrationScenario = models.MigrationReRoute
	default:
		anchor.MigrationScenario = models.MigrationCleanGraft
	}
}

// GeneratePlan diffs the live scenario against its archived previous
// version, persists a PENDING MigrationPlan, and reports affected-session
// estimates per anchor.
func (e *Engine) GeneratePlan(ctx context.Context, tenantID string, vOld, vNew *models.Scenario, scopeFilter map[string]string) (*models.MigrationPlan, *models.MigrationSummary, error) {
	tm, err := ComputeTransformationMap(vOld, vNew)
	if err != nil {
		return nil, nil, err
	}
	checksumV1, err := ScenarioChecksum(vOld)
	if err != nil {
		return nil, nil, err
	}
	checksumV2, err := ScenarioChecksum(vNew)
	if err != nil {
		return nil, nil, err
	}

	plan := &models.MigrationPlan{
		ID:                 uuid.NewString(),
		TenantID:           tenantID,
		AgentID:            vNew.AgentID,
		ScenarioID:         vNew.ID,
		FromVersion:        vOld.Version,
		ToVersion:          vNew.Version,
		ScenarioChecksumV1: checksumV1,
		ScenarioChecksumV2: checksumV2,
		Status:             models.MigrationPlanPending,
		TransformationMap:  tm,
		ScopeFilter:        scopeFilter,
		CreatedAt:          time.Now(),
	}
	if err := e.configs.CreateMigrationPlan(ctx, plan); err != nil {
		return nil, nil, fmt.Errorf("migration: persist plan: %w", err)
	}

	summary := &models.MigrationSummary{
		AnchorCount:              len(tm.Anchors),
		AffectedSessionsByAnchor: make(map[string]int),
	}
	for _, anchor := range tm.Anchors {
		sessions, err := e.sessions.FindSessionsByStepHash(ctx, tenantID, vOld.ID, vOld.Version, anchor.AnchorHash, scopeFilter)
		if err != nil {
			log.Warn().Err(err).Str("anchor", anchor.AnchorHash).Msg("affected-session estimate failed")
			continue
		}
		summary.AffectedSessionsByAnchor[anchor.AnchorHash] = len(sessions)
	}
	return plan, summary, nil
}

// Approve moves a PENDING plan to APPROVED.
func (e *Engine) Approve(ctx context.Context, tenantID, planID string) error {
	return e.transition(ctx, tenantID, planID, models.MigrationPlanPending, models.MigrationPlanApproved)
}

// Reject moves a PENDING plan to REJECTED; terminal, touches no sessions.
func (e *Engine) Reject(ctx context.Context, tenantID, planID string) error {
	return e.transition(ctx, tenantID, planID, models.MigrationPlanPending, models.MigrationPlanRejected)
}

func (e *Engine) transition(ctx context.Context, tenantID, planID string, from, to models.MigrationPlanStatus) error {
	plan, err := e.configs.GetMigrationPlan(ctx, tenantID, planID)
	if err != nil {
		return err
	}
	if plan.Status != from {
		return apierrors.Newf(apierrors.KindInvalidTransition, "plan %s is %s, expected %s", planID, plan.Status, from)
	}
	now := time.Now()
	plan.Status = to
	if to == models.MigrationPlanApproved {
		plan.ApprovedAt = &now
	}
	return e.configs.UpdateMigrationPlan(ctx, plan)
}

// Deploy marks every affected session with a pending-migration marker, then
// saves the new scenario version (spec §4.6 deployment order: sessions
// first, scenario second, so no turn sees v2 without a marker).
func (e *Engine) Deploy(ctx context.Context, tenantID string, plan *models.MigrationPlan, vNew *models.Scenario) error {
	if plan.Status != models.MigrationPlanApproved {
		return apierrors.Newf(apierrors.KindInvalidTransition, "plan %s is %s, expected APPROVED", plan.ID, plan.Status)
	}

	marked := 0
	for _, anchor := range plan.TransformationMap.Anchors {
		sessions, err := e.sessions.FindSessionsByStepHash(ctx, tenantID, plan.ScenarioID, plan.FromVersion, anchor.AnchorHash, plan.ScopeFilter)
		if err != nil {
			return fmt.Errorf("migration: find sessions for anchor %s: %w", anchor.AnchorHash, err)
		}
		for i := range sessions {
			sess := sessions[i]
			sess.PendingMigration = &models.PendingMigration{
				TargetVersion:     plan.ToVersion,
				AnchorContentHash: anchor.AnchorHash,
				MigrationPlanID:   plan.ID,
				MarkedAt:          time.Now(),
			}
			if err := e.sessions.SaveSession(ctx, &sess); err != nil {
				return fmt.Errorf("migration: mark session %s: %w", sess.SessionID, err)
			}
			marked++
		}
	}

	if err := e.configs.UpdateScenario(ctx, vNew); err != nil {
		return fmt.Errorf("migration: write scenario v%d: %w", vNew.Version, err)
	}

	now := time.Now()
	plan.Status = models.MigrationPlanDeployed
	plan.DeployedAt = &now
	if err := e.configs.UpdateMigrationPlan(ctx, plan); err != nil {
		return err
	}

	log.Info().Str("plan_id", plan.ID).Int("sessions_marked", marked).
		Int("from_version", plan.FromVersion).Int("to_version", plan.ToVersion).
		Msg("migration plan deployed")
	return nil
}

func hashSteps(scenario *models.Scenario) (map[string]string, error) {
	hashes := make(map[string]string, len(scenario.Steps))
	for i := range scenario.Steps {
		h, err := NodeContentHash(scenario, &scenario.Steps[i])
		if err != nil {
			return nil, err
		}
		hashes[scenario.Steps[i].ID] = h
	}
	return hashes, nil
}

func indexByHash(scenario *models.Scenario, hashes map[string]string) map[string][]*models.ScenarioStep {
	out := make(map[string][]*models.ScenarioStep)
	for i := range scenario.Steps {
		step := &scenario.Steps[i]
		out[hashes[step.ID]] = append(out[hashes[step.ID]], step)
	}
	return out
}

// ancestorsOf returns ids of steps on any path from the entry to target
// (target excluded).
func ancestorsOf(scenario *models.Scenario, targetID string) []string {
	reaches := make(map[string]bool)
	var walk func(id string, seen map[string]bool) bool
	walk = func(id string, seen map[string]bool) bool {
		if id == targetID {
			return true
		}
		if seen[id] {
			return reaches[id]
		}
		seen[id] = true
		step := scenario.StepByID(id)
		if step == nil {
			return false
		}
		found := false
		for _, tr := range step.Transitions {
			if walk(tr.ToStepID, seen) {
				found = true
			}
		}
		reaches[id] = found
		return found
	}
	walk(scenario.EntryStepID, make(map[string]bool))

	var out []string
	for id, ok := range reaches {
		if ok {
			out = append(out, id)
		}
	}
	return out
}

// descendantsOf returns ids reachable from target (target excluded).
func descendantsOf(scenario *models.Scenario, targetID string) []string {
	visited := make(map[string]bool)
	queue := []string{targetID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		step := scenario.StepByID(id)
		if step == nil {
			continue
		}
		for _, tr := range step.Transitions {
			if !visited[tr.ToStepID] && tr.ToStepID != targetID {
				visited[tr.ToStepID] = true
				queue = append(queue, tr.ToStepID)
			}
		}
	}
	out := make([]string, 0, len(visited))
	for id := range visited {
		out = append(out, id)
	}
	return out
}
