package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/alignetic/engine/internal/store"
	"github.com/alignetic/engine/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyCandidateVariablesSupersedes(t *testing.T) {
	ctx := context.Background()
	customers := store.NewMemoryCustomerDataStore()
	configs := store.NewMemoryAgentConfigStore()
	r := New(customers, configs)

	sess := &models.Session{SessionID: "s1", TenantID: "t1", AgentID: "a1", CustomerProfileID: "c1"}

	written := r.ApplyCandidateVariables(ctx, sess, models.SituationSnapshot{
		CandidateVariables: map[string]models.CandidateVariableUpdate{
			"city": {Value: models.NewStringValue("Berlin"), Scope: "IDENTITY"},
		},
	})
	assert.Equal(t, []string{"city"}, written)
	assert.Equal(t, "Berlin", sess.Variables["city"].String)

	r.ApplyCandidateVariables(ctx, sess, models.SituationSnapshot{
		CandidateVariables: map[string]models.CandidateVariableUpdate{
			"city": {Value: models.NewStringValue("Hamburg"), Scope: "IDENTITY", IsUpdate: true},
		},
	})

	active, err := customers.GetField(ctx, "t1", "c1", "city", models.VariableEntryActive)
	require.NoError(t, err)
	assert.Equal(t, "Hamburg", active.Value.String)

	superseded, err := customers.GetField(ctx, "t1", "c1", "city", models.VariableEntrySuperseded)
	require.NoError(t, err)
	assert.Equal(t, "Berlin", superseded.Value.String)
	assert.Equal(t, active.ID, superseded.SupersededByID)
}

func TestMissingHardFields(t *testing.T) {
	ctx := context.Background()
	customers := store.NewMemoryCustomerDataStore()
	configs := store.NewMemoryAgentConfigStore()
	r := New(customers, configs)

	require.NoError(t, configs.CreateCustomerDataField(ctx, &models.CustomerDataField{
		ID: "f1", TenantID: "t1", AgentID: "a1", Name: "email", ValueType: models.ValueTypeString,
	}))
	require.NoError(t, configs.CreateCustomerDataField(ctx, &models.CustomerDataField{
		ID: "f2", TenantID: "t1", AgentID: "a1", Name: "phone_number", ValueType: models.ValueTypeString,
	}))
	require.NoError(t, configs.CreateScenarioFieldRequirement(ctx, &models.ScenarioFieldRequirement{
		ID: "r1", TenantID: "t1", ScenarioID: "sc1", FieldName: "email",
		RequiredLevel: models.RequiredLevelHard, FallbackAction: models.FallbackAsk, CollectionOrder: 2,
	}))
	require.NoError(t, configs.CreateScenarioFieldRequirement(ctx, &models.ScenarioFieldRequirement{
		ID: "r2", TenantID: "t1", ScenarioID: "sc1", FieldName: "phone_number",
		RequiredLevel: models.RequiredLevelHard, FallbackAction: models.FallbackAsk, CollectionOrder: 1,
	}))
	require.NoError(t, configs.CreateScenarioFieldRequirement(ctx, &models.ScenarioFieldRequirement{
		ID: "r3", TenantID: "t1", ScenarioID: "sc1", FieldName: "nickname",
		RequiredLevel: models.RequiredLevelSoft, FallbackAction: models.FallbackSkip,
	}))

	require.NoError(t, customers.UpdateField(ctx, "t1", "c1", models.VariableEntry{
		Name: "email", Value: models.NewStringValue("x@example.com"), Source: models.VariableSourceUserProvided,
	}))

	sess := &models.Session{SessionID: "s1", TenantID: "t1", AgentID: "a1", CustomerProfileID: "c1"}
	missing, err := r.MissingHardFields(ctx, sess, []models.ScenarioContribution{
		{ScenarioID: "sc1", CurrentStepID: "step1"},
	})
	require.NoError(t, err)

	// Only the HARD phone_number requirement is unmet; the SOFT one is
	// ignored and email is present.
	require.Len(t, missing, 1)
	assert.Equal(t, "phone_number", missing[0].FieldName)
}

func TestMissingHardFieldsExpiresOnRead(t *testing.T) {
	ctx := context.Background()
	customers := store.NewMemoryCustomerDataStore()
	configs := store.NewMemoryAgentConfigStore()
	r := New(customers, configs)

	require.NoError(t, configs.CreateCustomerDataField(ctx, &models.CustomerDataField{
		ID: "f1", TenantID: "t1", AgentID: "a1", Name: "otp", ValueType: models.ValueTypeString,
	}))
	require.NoError(t, configs.CreateScenarioFieldRequirement(ctx, &models.ScenarioFieldRequirement{
		ID: "r1", TenantID: "t1", ScenarioID: "sc1", FieldName: "otp",
		RequiredLevel: models.RequiredLevelHard, FallbackAction: models.FallbackAsk,
	}))

	expired := time.Now().Add(-time.Minute)
	require.NoError(t, customers.UpdateField(ctx, "t1", "c1", models.VariableEntry{
		Name: "otp", Value: models.NewStringValue("123456"), ExpiresAt: &expired,
		Source: models.VariableSourceSystem,
	}))

	sess := &models.Session{SessionID: "s1", TenantID: "t1", AgentID: "a1", CustomerProfileID: "c1"}
	missing, err := r.MissingHardFields(ctx, sess, []models.ScenarioContribution{{ScenarioID: "sc1", CurrentStepID: "s"}})
	require.NoError(t, err)
	require.Len(t, missing, 1)

	entry, err := customers.GetField(ctx, "t1", "c1", "otp", models.VariableEntryExpired)
	require.NoError(t, err)
	assert.Equal(t, models.VariableEntryExpired, entry.Status)
}
