package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alignetic/engine/internal/store"
	"github.com/alignetic/engine/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachingAgentConfigStoreHitMissInvalidate(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryAgentConfigStore()
	c := NewCachingAgentConfigStore(backend, NewMemoryCache())

	require.NoError(t, c.CreateAgent(ctx, &models.Agent{
		ID: "a1", TenantID: "t1", Name: "agent", Enabled: true,
	}))

	_, err := c.GetAgent(ctx, "t1", "a1")
	require.NoError(t, err)
	_, err = c.GetAgent(ctx, "t1", "a1")
	require.NoError(t, err)

	stats := c.Stats.Snapshot()
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Hits)

	agent, err := backend.GetAgent(ctx, "t1", "a1")
	require.NoError(t, err)
	agent.Name = "renamed"
	require.NoError(t, c.UpdateAgent(ctx, agent))

	fresh, err := c.GetAgent(ctx, "t1", "a1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", fresh.Name, "write must invalidate the cached copy")
	assert.Equal(t, int64(1), c.Stats.Snapshot().Invalidations)
}

func TestInvalidateTenantDeletesPrefix(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryAgentConfigStore()
	mem := NewMemoryCache()
	c := NewCachingAgentConfigStore(backend, mem)

	require.NoError(t, c.CreateAgent(ctx, &models.Agent{ID: "a1", TenantID: "t1", Name: "x", Enabled: true}))
	_, err := c.GetAgent(ctx, "t1", "a1")
	require.NoError(t, err)

	c.InvalidateTenant(ctx, "t1")

	_, cached := mem.Get(ctx, agentKey("t1", "a1"))
	assert.False(t, cached)
}

func TestMemoryCacheTTL(t *testing.T) {
	mem := NewMemoryCache()
	mem.Set(context.Background(), "k", "v", time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	_, ok := mem.Get(context.Background(), "k")
	assert.False(t, ok)
}

func TestCachingCustomerDataStoreInvalidatesOnWrite(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryCustomerDataStore()
	c := NewCachingCustomerDataStore(backend, NewMemoryCache())

	require.NoError(t, c.UpdateField(ctx, "t1", "c1", models.VariableEntry{
		Name: "email", Value: models.NewStringValue("a@b.c"), Source: models.VariableSourceUserProvided,
	}))
	p, err := c.GetByCustomer(ctx, "t1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "a@b.c", p.Fields["email"].Value.String)

	require.NoError(t, c.UpdateField(ctx, "t1", "c1", models.VariableEntry{
		Name: "email", Value: models.NewStringValue("new@b.c"), Source: models.VariableSourceUserProvided,
	}))
	p, err = c.GetByCustomer(ctx, "t1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "new@b.c", p.Fields["email"].Value.String)
}
