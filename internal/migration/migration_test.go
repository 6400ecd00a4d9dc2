package migration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alignetic/engine/internal/store"
	"github.com/alignetic/engine/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scenarioV1 is a two-step flow A -> end.
func scenarioV1() *models.Scenario {
	sc := &models.Scenario{
		ID:          "sc1",
		TenantID:    "t1",
		AgentID:     "a1",
		Name:        "onboarding",
		Version:     1,
		EntryStepID: "A",
		Enabled:     true,
		Steps: []models.ScenarioStep{
			{ID: "A", ScenarioID: "sc1", Name: "welcome", IsEntry: true,
				Transitions: []models.StepTransition{{ToStepID: "B", ConditionText: "user is ready"}}},
			{ID: "B", ScenarioID: "sc1", Name: "end", IsTerminal: true},
		},
	}
	return sc
}

// scenarioV2CleanGraft keeps A semantically identical (its transition
// target keeps the name "end") but replaces B with C, whose checkpoint flag
// gives it a different content hash.
func scenarioV2CleanGraft() *models.Scenario {
	return &models.Scenario{
		ID:          "sc1",
		TenantID:    "t1",
		AgentID:     "a1",
		Name:        "onboarding",
		Version:     2,
		EntryStepID: "A2",
		Enabled:     true,
		Steps: []models.ScenarioStep{
			{ID: "A2", ScenarioID: "sc1", Name: "welcome", IsEntry: true,
				Transitions: []models.StepTransition{{ToStepID: "C", ConditionText: "user is ready"}}},
			{ID: "C", ScenarioID: "sc1", Name: "end", IsTerminal: true, IsCheckpoint: true,
				CheckpointDescription: "order placed"},
		},
	}
}

// scenarioV2GapFill inserts a phone-collecting step ahead of the old entry.
func scenarioV2GapFill() *models.Scenario {
	return &models.Scenario{
		ID:          "sc1",
		TenantID:    "t1",
		AgentID:     "a1",
		Name:        "onboarding",
		Version:     2,
		EntryStepID: "CollectPhone",
		Enabled:     true,
		Steps: []models.ScenarioStep{
			{ID: "CollectPhone", ScenarioID: "sc1", Name: "collect phone", IsEntry: true,
				CollectsProfileFields: []string{"phone_number"},
				Transitions:           []models.StepTransition{{ToStepID: "A2", ConditionText: "phone collected"}}},
			{ID: "A2", ScenarioID: "sc1", Name: "welcome",
				Transitions: []models.StepTransition{{ToStepID: "C", ConditionText: "user is ready"}}},
			{ID: "C", ScenarioID: "sc1", Name: "end", IsTerminal: true},
		},
	}
}

func mustHash(t *testing.T, sc *models.Scenario, stepID string) string {
	t.Helper()
	h, err := NodeContentHash(sc, sc.StepByID(stepID))
	require.NoError(t, err)
	return h
}

func TestNodeContentHashStable(t *testing.T) {
	v1 := scenarioV1()
	h1 := mustHash(t, v1, "A")
	h2 := mustHash(t, scenarioV1(), "A")
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 16)
}

func TestNodeContentHashAnchorsAcrossVersions(t *testing.T) {
	// A_v1 and A_v2 differ in id but not semantic content.
	assert.Equal(t, mustHash(t, scenarioV1(), "A"), mustHash(t, scenarioV2CleanGraft(), "A2"))
	// B and C share a name but differ in checkpoint flag.
	assert.NotEqual(t, mustHash(t, scenarioV1(), "B"), mustHash(t, scenarioV2CleanGraft(), "C"))
}

func TestScenarioChecksumRoundTrip(t *testing.T) {
	v1 := scenarioV1()
	sum1, err := ScenarioChecksum(v1)
	require.NoError(t, err)

	raw, err := json.Marshal(v1)
	require.NoError(t, err)
	var decoded models.Scenario
	require.NoError(t, json.Unmarshal(raw, &decoded))

	sum2, err := ScenarioChecksum(&decoded)
	require.NoError(t, err)
	assert.Equal(t, sum1, sum2)
}

func TestComputeTransformationMapCleanGraft(t *testing.T) {
	tm, err := ComputeTransformationMap(scenarioV1(), scenarioV2CleanGraft())
	require.NoError(t, err)

	require.Len(t, tm.Anchors, 1)
	anchor := tm.Anchors[0]
	assert.Equal(t, "welcome", anchor.AnchorName)
	assert.Equal(t, "A", anchor.SourceStepIDV1)
	assert.Equal(t, "A2", anchor.TargetStepIDV2)
	assert.Equal(t, models.MigrationCleanGraft, anchor.MigrationScenario)
	assert.Equal(t, []string{"B"}, tm.DeletedNodes)
	assert.Equal(t, []string{"C"}, tm.NewNodeIDs)
}

func TestComputeTransformationMapGapFill(t *testing.T) {
	tm, err := ComputeTransformationMap(scenarioV1(), scenarioV2GapFill())
	require.NoError(t, err)

	var welcome *models.AnchorTransformation
	for i := range tm.Anchors {
		if tm.Anchors[i].AnchorName == "welcome" {
			welcome = &tm.Anchors[i]
		}
	}
	require.NotNil(t, welcome)
	assert.Equal(t, models.MigrationGapFill, welcome.MigrationScenario)
	assert.Contains(t, welcome.UpstreamChanges, "CollectPhone")
}

func seedSessionAt(t *testing.T, sessions store.SessionStore, sc *models.Scenario, stepID string) *models.Session {
	t.Helper()
	sess := &models.Session{
		SessionID: "sess1",
		TenantID:  "t1",
		AgentID:   "a1",
		Channel:   "web",
		ActiveScenarios: []models.ScenarioInstance{{
			ScenarioID:      sc.ID,
			ScenarioVersion: sc.Version,
			CurrentStepID:   stepID,
			VisitedSteps:    map[string]int{stepID: 1},
			StartedAt:       time.Now(),
			Status:          models.ScenarioInstanceActive,
		}},
		StepHistory: []models.StepVisit{{
			StepID:          stepID,
			StepName:        sc.StepByID(stepID).Name,
			StepContentHash: mustHash(t, sc, stepID),
			EnteredAt:       time.Now(),
		}},
		Status: models.SessionActive,
	}
	require.NoError(t, sessions.SaveSession(context.Background(), sess))
	return sess
}

// Spec §8 end-to-end scenario 1: clean graft teleports the session on its
// next turn and clears the marker.
func TestCleanGraftTeleport(t *testing.T) {
	ctx := context.Background()
	configs := store.NewMemoryAgentConfigStore()
	sessions := store.NewMemorySessionStore()
	customers := store.NewMemoryCustomerDataStore()

	v1 := scenarioV1()
	require.NoError(t, configs.CreateScenario(ctx, v1))
	seedSessionAt(t, sessions, v1, "A")

	engine := NewEngine(configs, sessions)
	v2 := scenarioV2CleanGraft()
	plan, summary, err := engine.GeneratePlan(ctx, "t1", v1, v2, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.AnchorCount)
	anchorHash := plan.TransformationMap.Anchors[0].AnchorHash
	assert.Equal(t, 1, summary.AffectedSessionsByAnchor[anchorHash])

	require.NoError(t, engine.Approve(ctx, "t1", plan.ID))
	plan, err = configs.GetMigrationPlan(ctx, "t1", plan.ID)
	require.NoError(t, err)
	require.NoError(t, engine.Deploy(ctx, "t1", plan, v2))

	sess, err := sessions.GetSession(ctx, "t1", "sess1")
	require.NoError(t, err)
	require.NotNil(t, sess.PendingMigration)
	assert.Equal(t, 2, sess.PendingMigration.TargetVersion)
	assert.Equal(t, anchorHash, sess.PendingMigration.AnchorContentHash)

	rec := NewReconciler(configs, customers)
	result, err := rec.Reconcile(ctx, sess, "hello again")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, models.ReconcileTeleport, result.Action)
	assert.Equal(t, "A2", result.ToStep)

	inst := sess.InstanceByScenario("sc1")
	assert.Equal(t, "A2", inst.CurrentStepID)
	assert.Equal(t, 2, inst.ScenarioVersion)
	assert.Nil(t, sess.PendingMigration)
	last := sess.StepHistory[len(sess.StepHistory)-1]
	assert.Equal(t, "migration", last.TransitionReason)
}

// Spec §8 end-to-end scenario 2: gap fill collects the missing field first,
// keeping the marker, then teleports once the field is stored ACTIVE.
func TestGapFillCollectThenTeleport(t *testing.T) {
	ctx := context.Background()
	configs := store.NewMemoryAgentConfigStore()
	sessions := store.NewMemorySessionStore()
	customers := store.NewMemoryCustomerDataStore()

	v1 := scenarioV1()
	require.NoError(t, configs.CreateScenario(ctx, v1))
	sess := seedSessionAt(t, sessions, v1, "A")
	sess.CustomerProfileID = "cust1"
	require.NoError(t, sessions.SaveSession(ctx, sess))

	engine := NewEngine(configs, sessions)
	v2 := scenarioV2GapFill()
	plan, _, err := engine.GeneratePlan(ctx, "t1", v1, v2, nil)
	require.NoError(t, err)
	require.NoError(t, engine.Approve(ctx, "t1", plan.ID))
	plan, err = configs.GetMigrationPlan(ctx, "t1", plan.ID)
	require.NoError(t, err)
	require.NoError(t, engine.Deploy(ctx, "t1", plan, v2))

	sess, err = sessions.GetSession(ctx, "t1", "sess1")
	require.NoError(t, err)
	require.NotNil(t, sess.PendingMigration)

	rec := NewReconciler(configs, customers)
	result, err := rec.Reconcile(ctx, sess, "hi")
	require.NoError(t, err)
	assert.Equal(t, models.ReconcileCollect, result.Action)
	assert.Equal(t, []string{"phone_number"}, result.CollectFields)
	assert.NotNil(t, sess.PendingMigration, "marker must survive until the gap is filled")

	require.NoError(t, customers.UpdateField(ctx, "t1", "cust1", models.VariableEntry{
		Name:   "phone_number",
		Value:  models.NewStringValue("+15551234567"),
		Source: models.VariableSourceUserProvided,
	}))

	result, err = rec.Reconcile(ctx, sess, "+15551234567")
	require.NoError(t, err)
	assert.Equal(t, models.ReconcileTeleport, result.Action)
	assert.Equal(t, "A2", result.ToStep)
	assert.Nil(t, sess.PendingMigration)
	assert.Equal(t, 2, sess.InstanceByScenario("sc1").ScenarioVersion)
}

func TestRejectIsTerminalAndTouchesNoSessions(t *testing.T) {
	ctx := context.Background()
	configs := store.NewMemoryAgentConfigStore()
	sessions := store.NewMemorySessionStore()

	v1 := scenarioV1()
	require.NoError(t, configs.CreateScenario(ctx, v1))
	seedSessionAt(t, sessions, v1, "A")

	engine := NewEngine(configs, sessions)
	plan, _, err := engine.GeneratePlan(ctx, "t1", v1, scenarioV2CleanGraft(), nil)
	require.NoError(t, err)
	require.NoError(t, engine.Reject(ctx, "t1", plan.ID))

	err = engine.Approve(ctx, "t1", plan.ID)
	assert.Error(t, err, "rejected plans cannot be approved")

	sess, err := sessions.GetSession(ctx, "t1", "sess1")
	require.NoError(t, err)
	assert.Nil(t, sess.PendingMigration)
}

func TestReconcileRelocalizesWhenAnchorMissing(t *testing.T) {
	ctx := context.Background()
	configs := store.NewMemoryAgentConfigStore()
	sessions := store.NewMemorySessionStore()
	customers := store.NewMemoryCustomerDataStore()

	v2 := scenarioV2CleanGraft()
	require.NoError(t, configs.CreateScenario(ctx, v2))

	v1 := scenarioV1()
	sess := seedSessionAt(t, sessions, v1, "A")
	sess.PendingMigration = &models.PendingMigration{
		TargetVersion:     2,
		AnchorContentHash: "deadbeefdeadbeef",
		MigrationPlanID:   "missing-plan",
		MarkedAt:          time.Now(),
	}

	rec := NewReconciler(configs, customers)
	result, err := rec.Reconcile(ctx, sess, "hello")
	require.NoError(t, err)
	// The plan is gone but A's content hash still exists in v2, so the
	// session relocalizes instead of escalating.
	assert.Equal(t, models.ReconcileRelocalize, result.Action)
	assert.Equal(t, "A2", result.ToStep)
}
