package store

import (
	"context"
	"testing"
	"time"

	"github.com/alignetic/engine/pkg/apierrors"
	"github.com/alignetic/engine/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Spec §8 invariant 2: exactly one ACTIVE entry per (customer, name).
func TestUpdateFieldSupersedes(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryCustomerDataStore()

	require.NoError(t, s.UpdateField(ctx, "t1", "c1", models.VariableEntry{
		Name: "email", Value: models.NewStringValue("old@example.com"), Source: models.VariableSourceUserProvided,
	}))
	require.NoError(t, s.UpdateField(ctx, "t1", "c1", models.VariableEntry{
		Name: "email", Value: models.NewStringValue("new@example.com"), Source: models.VariableSourceUserProvided,
	}))

	active, err := s.GetField(ctx, "t1", "c1", "email", models.VariableEntryActive)
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", active.Value.String)

	superseded, err := s.GetField(ctx, "t1", "c1", "email", models.VariableEntrySuperseded)
	require.NoError(t, err)
	assert.Equal(t, "old@example.com", superseded.Value.String)
	assert.Equal(t, active.ID, superseded.SupersededByID)
	assert.NotNil(t, superseded.SupersededAt)

	hist, err := s.FieldHistory(ctx, "t1", "c1", "email", 0)
	require.NoError(t, err)
	activeCount := 0
	for _, e := range hist {
		if e.Status == models.VariableEntryActive {
			activeCount++
		}
	}
	assert.Equal(t, 1, activeCount)
}

func TestMarkOrphansDeletedSourceAndCycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryCustomerDataStore()

	// derived points at a source id that never existed.
	require.NoError(t, s.UpdateField(ctx, "t1", "c1", models.VariableEntry{
		ID: "derived-1", Name: "shipping_zone", Value: models.NewStringValue("EU"),
		Source: models.VariableSourceToolDerived, SourceItemID: "gone",
	}))
	n, err := s.MarkOrphans(ctx, "t1", "c1", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	orphan, err := s.GetField(ctx, "t1", "c1", "shipping_zone", models.VariableEntryOrphaned)
	require.NoError(t, err)
	assert.Equal(t, models.VariableEntryOrphaned, orphan.Status)

	// A two-node cycle terminates and orphans the walked entry (spec §9
	// "cyclic derivation chains").
	require.NoError(t, s.UpdateField(ctx, "t1", "c2", models.VariableEntry{
		ID: "a", Name: "fa", Value: models.NewStringValue("x"),
		Source: models.VariableSourceToolDerived, SourceItemID: "b",
	}))
	require.NoError(t, s.UpdateField(ctx, "t1", "c2", models.VariableEntry{
		ID: "b", Name: "fb", Value: models.NewStringValue("y"),
		Source: models.VariableSourceToolDerived, SourceItemID: "a",
	}))
	n, err = s.MarkOrphans(ctx, "t1", "c2", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSweepExpirations(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryCustomerDataStore()

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	require.NoError(t, s.UpdateField(ctx, "t1", "c1", models.VariableEntry{
		Name: "otp", Value: models.NewStringValue("123"), ExpiresAt: &past, Source: models.VariableSourceSystem,
	}))
	require.NoError(t, s.UpdateField(ctx, "t1", "c1", models.VariableEntry{
		Name: "email", Value: models.NewStringValue("a@b.c"), ExpiresAt: &future, Source: models.VariableSourceUserProvided,
	}))

	n, err := s.SweepExpirations(ctx, "t1", "", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetField(ctx, "t1", "c1", "otp", models.VariableEntryActive)
	assert.Error(t, err)
	_, err = s.GetField(ctx, "t1", "c1", "email", models.VariableEntryActive)
	assert.NoError(t, err)
}

func TestMergeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryCustomerDataStore()

	require.NoError(t, s.LinkChannelIdentity(ctx, "t1", "src", models.ChannelIdentity{Channel: "whatsapp", ChannelUserID: "w1"}))
	require.NoError(t, s.UpdateField(ctx, "t1", "src", models.VariableEntry{
		Name: "email", Value: models.NewStringValue("src@example.com"), Source: models.VariableSourceUserProvided,
	}))
	require.NoError(t, s.LinkChannelIdentity(ctx, "t1", "dst", models.ChannelIdentity{Channel: "web", ChannelUserID: "u1"}))

	require.NoError(t, s.Merge(ctx, "t1", "dst", "src"))
	require.NoError(t, s.Merge(ctx, "t1", "dst", "src"))

	dst, err := s.GetByCustomer(ctx, "t1", "dst")
	require.NoError(t, err)
	assert.Len(t, dst.ChannelIdentities, 2)
	assert.Equal(t, "src@example.com", dst.Fields["email"].Value.String)

	_, err = s.GetByCustomer(ctx, "t1", "src")
	assert.Error(t, err)
}

// Soft delete then list honours include_deleted (spec §8 round-trip laws).
func TestSoftDeleteListBehaviour(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryAgentConfigStore()

	require.NoError(t, s.CreateRule(ctx, &models.Rule{
		ID: "r1", TenantID: "t1", AgentID: "a1", ConditionText: "x", ActionText: "y",
		Scope: models.RuleScopeGlobal, Enabled: true,
	}))
	require.NoError(t, s.DeleteRule(ctx, "t1", "r1"))

	visible, err := s.ListRules(ctx, "t1", "a1", ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, visible)

	all, err := s.ListRules(ctx, "t1", "a1", ListFilter{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.NotNil(t, all[0].DeletedAt)
}

// Spec §8 invariant 1: cross-tenant reads are rejected, not filtered.
func TestTenantIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryAgentConfigStore()

	require.NoError(t, s.CreateRule(ctx, &models.Rule{
		ID: "r1", TenantID: "t1", AgentID: "a1", ConditionText: "x", ActionText: "y",
		Scope: models.RuleScopeGlobal, Enabled: true,
	}))

	_, err := s.GetRule(ctx, "t2", "r1")
	assert.True(t, apierrors.Is(err, apierrors.KindRuleNotFound))
}

// UpdateScenario archives the previous version before overwriting (spec §3).
func TestUpdateScenarioArchivesPreviousVersion(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryAgentConfigStore()

	v1 := &models.Scenario{ID: "sc1", TenantID: "t1", AgentID: "a1", Name: "flow", Version: 1,
		EntryStepID: "a", Enabled: true,
		Steps: []models.ScenarioStep{{ID: "a", Name: "start", IsEntry: true, IsTerminal: true}}}
	require.NoError(t, s.CreateScenario(ctx, v1))

	v2 := *v1
	v2.Version = 2
	v2.Steps = []models.ScenarioStep{{ID: "b", Name: "start again", IsEntry: true, IsTerminal: true}}
	v2.EntryStepID = "b"
	require.NoError(t, s.UpdateScenario(ctx, &v2))

	live, err := s.GetScenario(ctx, "t1", "sc1")
	require.NoError(t, err)
	assert.Equal(t, 2, live.Version)

	archived, err := s.GetScenarioArchived(ctx, "t1", "sc1", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, archived.Version)
	assert.Equal(t, "a", archived.EntryStepID)
}

func TestSessionLease(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySessionStore()

	release, ok := s.AcquireLease(ctx, "t1", "s1")
	require.True(t, ok)

	_, busy := s.AcquireLease(ctx, "t1", "s1")
	assert.False(t, busy)

	release()
	release2, ok := s.AcquireLease(ctx, "t1", "s1")
	assert.True(t, ok)
	release2()

	// Double release is safe and does not free a newer lease.
	release()
}

func TestListSupersededBefore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryCustomerDataStore()

	require.NoError(t, s.UpdateField(ctx, "t1", "c1", models.VariableEntry{
		Name: "email", Value: models.NewStringValue("old@x.com"), Source: models.VariableSourceUserProvided,
	}))
	require.NoError(t, s.UpdateField(ctx, "t1", "c1", models.VariableEntry{
		Name: "email", Value: models.NewStringValue("new@x.com"), Source: models.VariableSourceUserProvided,
	}))

	old, err := s.ListSupersededBefore(ctx, "t1", time.Now().Add(time.Minute), 100)
	require.NoError(t, err)
	require.Len(t, old, 1)
	assert.Equal(t, "old@x.com", old[0].Value.String)

	none, err := s.ListSupersededBefore(ctx, "t1", time.Now().Add(-time.Hour), 100)
	require.NoError(t, err)
	assert.Empty(t, none)
}
