package publish

import (
	"context"
	"testing"

	"github.com/alignetic/engine/internal/embeddings"
	"github.com/alignetic/engine/internal/store"
	"github.com/alignetic/engine/internal/vectorembed"
	"github.com/alignetic/engine/internal/vectorstore"
	"github.com/alignetic/engine/pkg/apierrors"
	"github.com/alignetic/engine/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedAgent(t *testing.T, configs store.AgentConfigStore) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, configs.CreateAgent(ctx, &models.Agent{
		ID: "a1", TenantID: "t1", Name: "agent", ModelID: "stub", Enabled: true,
	}))
	require.NoError(t, configs.CreateRule(ctx, &models.Rule{
		ID: "r1", TenantID: "t1", AgentID: "a1", ConditionText: "user asks for help",
		ActionText: "help them", Scope: models.RuleScopeGlobal, Enabled: true,
	}))
	require.NoError(t, configs.CreateScenario(ctx, &models.Scenario{
		ID: "sc1", TenantID: "t1", AgentID: "a1", Name: "flow", Version: 1,
		EntryStepID: "a", EntryConditionText: "start the flow", Enabled: true,
		Steps: []models.ScenarioStep{{ID: "a", Name: "start", IsEntry: true, IsTerminal: true}},
	}))
}

func TestPublishRunsAllStages(t *testing.T) {
	ctx := context.Background()
	configs := store.NewMemoryAgentConfigStore()
	seedAgent(t, configs)

	vectors := vectorstore.NewEmbeddedStore()
	embeds := vectorembed.NewManager(embeddings.NewStubDriver(16), vectors)
	m := NewManager(configs, embeds, nil)

	job, err := m.Publish(ctx, "t1", "a1", "first publish")
	require.NoError(t, err)
	assert.True(t, job.Succeeded)
	assert.NotEmpty(t, job.Version)

	stageNames := make([]string, 0, len(job.Stages))
	for _, s := range job.Stages {
		stageNames = append(stageNames, s.Stage)
	}
	assert.Equal(t, Stages, stageNames)

	// swap_pointer: the agent now carries the published version.
	agent, err := configs.GetAgent(ctx, "t1", "a1")
	require.NoError(t, err)
	assert.Equal(t, job.Version, agent.ConfigVersion)

	// compile: the catalogue vectors landed in the index.
	n, err := vectors.Count(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// The rule got an embedding written back.
	rule, err := configs.GetRule(ctx, "t1", "r1")
	require.NoError(t, err)
	assert.NotEmpty(t, rule.ConditionEmbedding)
	assert.Equal(t, "stub", rule.EmbeddingModel)
}

func TestPublishValidateFailsOnBrokenScenario(t *testing.T) {
	ctx := context.Background()
	configs := store.NewMemoryAgentConfigStore()
	require.NoError(t, configs.CreateAgent(ctx, &models.Agent{ID: "a1", TenantID: "t1", Name: "x", Enabled: true}))
	require.NoError(t, configs.CreateScenario(ctx, &models.Scenario{
		ID: "broken", TenantID: "t1", AgentID: "a1", Name: "broken", Version: 1,
		EntryStepID: "missing", Enabled: true,
		Steps: []models.ScenarioStep{{ID: "a", Name: "start"}},
	}))

	m := NewManager(configs, nil, nil)
	job, err := m.Publish(ctx, "t1", "a1", "")
	require.Error(t, err)
	assert.True(t, apierrors.Is(err, apierrors.KindPublishFailed))
	require.NotNil(t, job)
	assert.False(t, job.Succeeded)
	assert.Equal(t, "validate", job.Stages[len(job.Stages)-1].Stage)
}

func TestConcurrentPublishRejected(t *testing.T) {
	configs := store.NewMemoryAgentConfigStore()
	seedAgent(t, configs)
	m := NewManager(configs, nil, nil)

	m.mu.Lock()
	m.inFlight["a1"] = true
	m.mu.Unlock()

	_, err := m.Publish(context.Background(), "t1", "a1", "")
	assert.True(t, apierrors.Is(err, apierrors.KindPublishInProgress))
}
