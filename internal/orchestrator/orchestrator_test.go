package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/alignetic/engine/internal/store"
	"github.com/alignetic/engine/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testScenario() *models.Scenario {
	return &models.Scenario{
		ID:          "sc1",
		TenantID:    "t1",
		AgentID:     "a1",
		Name:        "support",
		Version:     1,
		EntryStepID: "ask",
		Enabled:     true,
		Steps: []models.ScenarioStep{
			{ID: "ask", ScenarioID: "sc1", Name: "ask issue", IsEntry: true,
				Transitions: []models.StepTransition{
					{ToStepID: "resolve", ConditionText: "issue described", ConditionEmbedding: []float64{1, 0, 0}, Priority: 1},
				}},
			{ID: "resolve", ScenarioID: "sc1", Name: "resolve", PerformsAction: true,
				ToolBindings: []models.ToolBinding{{ToolID: "ticket", Phase: models.ToolBindingBeforeStep}},
				Transitions: []models.StepTransition{
					{ToStepID: "done", ConditionText: "resolved", ConditionEmbedding: []float64{0, 1, 0}},
				}},
			{ID: "done", ScenarioID: "sc1", Name: "done", IsTerminal: true},
		},
	}
}

func sessionWith(inst models.ScenarioInstance) *models.Session {
	return &models.Session{
		SessionID:       "s1",
		TenantID:        "t1",
		AgentID:         "a1",
		ActiveScenarios: []models.ScenarioInstance{inst},
		Status:          models.SessionActive,
	}
}

func activeInstance(stepID string) models.ScenarioInstance {
	return models.ScenarioInstance{
		ScenarioID:      "sc1",
		ScenarioVersion: 1,
		CurrentStepID:   stepID,
		VisitedSteps:    map[string]int{stepID: 1},
		StartedAt:       time.Now(),
		Status:          models.ScenarioInstanceActive,
	}
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *store.MemoryAgentConfigStore) {
	t.Helper()
	configs := store.NewMemoryAgentConfigStore()
	require.NoError(t, configs.CreateScenario(context.Background(), testScenario()))
	return New(configs, nil, DefaultConfig()), configs
}

func TestCancelSignalWins(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	sess := sessionWith(activeInstance("ask"))

	result, err := o.Decide(context.Background(), sess, models.SituationSnapshot{ScenarioSignal: models.ScenarioSignalCancel}, nil)
	require.NoError(t, err)
	require.Len(t, result.Lifecycle, 1)
	assert.Equal(t, models.LifecycleCancel, result.Lifecycle[0].Action)
	assert.Equal(t, models.ScenarioInstanceCancelled, sess.ActiveScenarios[0].Status)
}

func TestTerminalStepCompletes(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	sess := sessionWith(activeInstance("done"))

	result, err := o.Decide(context.Background(), sess, models.SituationSnapshot{ScenarioSignal: models.ScenarioSignalContinue}, nil)
	require.NoError(t, err)
	assert.Equal(t, models.LifecycleComplete, result.Lifecycle[0].Action)
}

func TestLoopDetectionPauses(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	inst := activeInstance("ask")
	inst.VisitedSteps["ask"] = 5
	sess := sessionWith(inst)

	result, err := o.Decide(context.Background(), sess, models.SituationSnapshot{ScenarioSignal: models.ScenarioSignalContinue}, nil)
	require.NoError(t, err)
	assert.Equal(t, models.LifecyclePause, result.Lifecycle[0].Action)
	assert.Equal(t, "loop detected", result.Lifecycle[0].Reason)
}

// A step visited past the threshold but with an intervening advance is
// allowed to continue (spec §4.5 loop detection).
func TestLoopWithInterveningAdvanceAllowed(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	inst := activeInstance("ask")
	inst.VisitedSteps["ask"] = 6
	inst.AdvancedSinceVisit = true
	sess := sessionWith(inst)

	result, err := o.Decide(context.Background(), sess, models.SituationSnapshot{ScenarioSignal: models.ScenarioSignalContinue}, nil)
	require.NoError(t, err)
	assert.Equal(t, models.LifecycleContinue, result.Lifecycle[0].Action)
}

func TestRetiredScenarioCancels(t *testing.T) {
	o, configs := newTestOrchestrator(t)
	require.NoError(t, configs.DeleteScenario(context.Background(), "t1", "sc1"))
	sess := sessionWith(activeInstance("ask"))

	result, err := o.Decide(context.Background(), sess, models.SituationSnapshot{ScenarioSignal: models.ScenarioSignalContinue}, nil)
	require.NoError(t, err)
	assert.Equal(t, models.LifecycleCancel, result.Lifecycle[0].Action)
	assert.Equal(t, "scenario retired", result.Lifecycle[0].Reason)
}

func TestTransitionFiresAboveThreshold(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	sess := sessionWith(activeInstance("ask"))

	result, err := o.Decide(context.Background(), sess, models.SituationSnapshot{
		ScenarioSignal: models.ScenarioSignalContinue,
		Embedding:      []float64{1, 0, 0},
	}, nil)
	require.NoError(t, err)
	require.Len(t, result.Transitions, 1)
	assert.True(t, result.Transitions[0].Fired)
	assert.Equal(t, "resolve", result.Transitions[0].ToStepID)
	assert.Equal(t, "resolve", sess.ActiveScenarios[0].CurrentStepID)
	require.NotEmpty(t, sess.StepHistory)
	assert.NotEmpty(t, sess.StepHistory[len(sess.StepHistory)-1].StepContentHash)
}

func TestNoTransitionIncrementsLoop(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	sess := sessionWith(activeInstance("ask"))

	result, err := o.Decide(context.Background(), sess, models.SituationSnapshot{
		ScenarioSignal: models.ScenarioSignalContinue,
		Embedding:      []float64{0, 0, 1}, // orthogonal to the condition
	}, nil)
	require.NoError(t, err)
	require.Len(t, result.Transitions, 1)
	assert.False(t, result.Transitions[0].Fired)
	assert.True(t, result.Transitions[0].LoopIncremented)
	assert.Equal(t, 2, sess.ActiveScenarios[0].VisitedSteps["ask"])
}

func TestStartCandidateAboveThreshold(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	sess := &models.Session{SessionID: "s1", TenantID: "t1", AgentID: "a1", Status: models.SessionActive}

	result, err := o.Decide(context.Background(), sess, models.SituationSnapshot{ScenarioSignal: models.ScenarioSignalContinue},
		[]models.ScoredScenario{{Scenario: *testScenario(), Score: 0.8}})
	require.NoError(t, err)
	require.Len(t, result.Lifecycle, 1)
	assert.Equal(t, models.LifecycleStart, result.Lifecycle[0].Action)
	require.Len(t, sess.ActiveScenarios, 1)
	assert.Equal(t, "ask", sess.ActiveScenarios[0].CurrentStepID)
}

func TestStartRespectsThresholdAndDuplicates(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	// Below start_threshold: ignored.
	sess := &models.Session{SessionID: "s1", TenantID: "t1", AgentID: "a1"}
	result, err := o.Decide(context.Background(), sess, models.SituationSnapshot{ScenarioSignal: models.ScenarioSignalContinue},
		[]models.ScoredScenario{{Scenario: *testScenario(), Score: 0.3}})
	require.NoError(t, err)
	assert.Empty(t, sess.ActiveScenarios)
	assert.Empty(t, result.Lifecycle)

	// Already active: not started twice.
	sess = sessionWith(activeInstance("ask"))
	_, err = o.Decide(context.Background(), sess, models.SituationSnapshot{ScenarioSignal: models.ScenarioSignalContinue},
		[]models.ScoredScenario{{Scenario: *testScenario(), Score: 0.9}})
	require.NoError(t, err)
	assert.Len(t, sess.ActiveScenarios, 1)
}

func TestContributionTypes(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	sess := sessionWith(activeInstance("resolve"))

	result, err := o.Decide(context.Background(), sess, models.SituationSnapshot{
		ScenarioSignal: models.ScenarioSignalContinue,
		Embedding:      []float64{0, 0, 1},
	}, nil)
	require.NoError(t, err)
	require.Len(t, result.Contributions.Contributions, 1)
	c := result.Contributions.Contributions[0]
	assert.Equal(t, models.ContributionAct, c.ContributionType)
	assert.Equal(t, []string{"ticket"}, c.SuggestedTools)
}

// Two scenarios both proposing ACT on the same tool: the higher-priority
// one keeps the claim (spec §4.5 contribution conflicts).
func TestActConflictResolvedByPriority(t *testing.T) {
	configs := store.NewMemoryAgentConfigStore()
	ctx := context.Background()

	mk := func(id string, priority int) *models.Scenario {
		return &models.Scenario{
			ID: id, TenantID: "t1", AgentID: "a1", Name: id, Version: 1,
			EntryStepID: "act", Enabled: true, Priority: priority,
			Steps: []models.ScenarioStep{{
				ID: "act", ScenarioID: id, Name: "act step", IsEntry: true, PerformsAction: true,
				ToolBindings: []models.ToolBinding{{ToolID: "shared-tool", Phase: models.ToolBindingBeforeStep}},
			}},
		}
	}
	require.NoError(t, configs.CreateScenario(ctx, mk("low", 1)))
	require.NoError(t, configs.CreateScenario(ctx, mk("high", 9)))

	o := New(configs, nil, DefaultConfig())
	sess := &models.Session{
		SessionID: "s1", TenantID: "t1", AgentID: "a1",
		ActiveScenarios: []models.ScenarioInstance{
			{ScenarioID: "low", ScenarioVersion: 1, CurrentStepID: "act", VisitedSteps: map[string]int{"act": 1}, StartedAt: time.Now().Add(-time.Hour), Status: models.ScenarioInstanceActive},
			{ScenarioID: "high", ScenarioVersion: 1, CurrentStepID: "act", VisitedSteps: map[string]int{"act": 1}, StartedAt: time.Now(), Status: models.ScenarioInstanceActive},
		},
	}

	result, err := o.Decide(ctx, sess, models.SituationSnapshot{ScenarioSignal: models.ScenarioSignalContinue}, nil)
	require.NoError(t, err)

	byScenario := map[string][]string{}
	for _, c := range result.Contributions.Contributions {
		byScenario[c.ScenarioID] = c.SuggestedTools
	}
	assert.Equal(t, []string{"shared-tool"}, byScenario["high"])
	assert.Empty(t, byScenario["low"])
}
