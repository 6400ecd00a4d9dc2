package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/alignetic/engine/internal/store"
	"github.com/alignetic/engine/pkg/models"
)

const defaultTTL = 5 * time.Minute

// CachingAgentConfigStore wraps a store.AgentConfigStore with write-through
// caching of the hot, rarely-changing catalogue reads (agent-by-id,
// scenario-by-id, rule-by-id, template-by-id), invalidating on every write.
// List/search operations bypass the cache, matching the original's "too
// complex to cache" treatment of history/derivation reads.
type CachingAgentConfigStore struct {
	store.AgentConfigStore
	cache Cache
	ttl   time.Duration
	Stats Stats
}

func NewCachingAgentConfigStore(backend store.AgentConfigStore, c Cache) *CachingAgentConfigStore {
	return &CachingAgentConfigStore{AgentConfigStore: backend, cache: c, ttl: defaultTTL}
}

func agentKey(tenantID, agentID string) string    { return "agentcfg:agent:" + tenantID + ":" + agentID }
func scenarioKey(tenantID, scenarioID string) string { return "agentcfg:scenario:" + tenantID + ":" + scenarioID }
func ruleKey(tenantID, ruleID string) string      { return "agentcfg:rule:" + tenantID + ":" + ruleID }
func templateKey(tenantID, templateID string) string { return "agentcfg:template:" + tenantID + ":" + templateID }

func (c *CachingAgentConfigStore) GetAgent(ctx context.Context, tenantID, agentID string) (*models.Agent, error) {
	key := agentKey(tenantID, agentID)
	if raw, ok := c.cache.Get(ctx, key); ok {
		var a models.Agent
		if err := json.Unmarshal([]byte(raw), &a); err == nil {
			c.Stats.hit()
			return &a, nil
		}
	}
	c.Stats.miss()
	a, err := c.AgentConfigStore.GetAgent(ctx, tenantID, agentID)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(a); err == nil {
		c.cache.Set(ctx, key, string(raw), c.ttl)
	}
	return a, nil
}

func (c *CachingAgentConfigStore) CreateAgent(ctx context.Context, agent *models.Agent) error {
	return c.AgentConfigStore.CreateAgent(ctx, agent)
}

func (c *CachingAgentConfigStore) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	if err := c.AgentConfigStore.UpdateAgent(ctx, agent); err != nil {
		return err
	}
	c.cache.Delete(ctx, agentKey(agent.TenantID, agent.ID))
	c.Stats.invalidate()
	return nil
}

func (c *CachingAgentConfigStore) DeleteAgent(ctx context.Context, tenantID, agentID string) error {
	if err := c.AgentConfigStore.DeleteAgent(ctx, tenantID, agentID); err != nil {
		return err
	}
	c.cache.Delete(ctx, agentKey(tenantID, agentID))
	c.Stats.invalidate()
	return nil
}

func (c *CachingAgentConfigStore) GetScenario(ctx context.Context, tenantID, scenarioID string) (*models.Scenario, error) {
	key := scenarioKey(tenantID, scenarioID)
	if raw, ok := c.cache.Get(ctx, key); ok {
		var s models.Scenario
		if err := json.Unmarshal([]byte(raw), &s); err == nil {
			c.Stats.hit()
			return &s, nil
		}
	}
	c.Stats.miss()
	s, err := c.AgentConfigStore.GetScenario(ctx, tenantID, scenarioID)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(s); err == nil {
		c.cache.Set(ctx, key, string(raw), c.ttl)
	}
	return s, nil
}

func (c *CachingAgentConfigStore) CreateScenario(ctx context.Context, scenario *models.Scenario) error {
	return c.AgentConfigStore.CreateScenario(ctx, scenario)
}

// UpdateScenario invalidates the scenario cache on every publish, which is
// the operation most likely to be read immediately afterward by the
// migration engine and sensor.
func (c *CachingAgentConfigStore) UpdateScenario(ctx context.Context, scenario *models.Scenario) error {
	if err := c.AgentConfigStore.UpdateScenario(ctx, scenario); err != nil {
		return err
	}
	c.cache.Delete(ctx, scenarioKey(scenario.TenantID, scenario.ID))
	c.Stats.invalidate()
	return nil
}

func (c *CachingAgentConfigStore) DeleteScenario(ctx context.Context, tenantID, scenarioID string) error {
	if err := c.AgentConfigStore.DeleteScenario(ctx, tenantID, scenarioID); err != nil {
		return err
	}
	c.cache.Delete(ctx, scenarioKey(tenantID, scenarioID))
	c.Stats.invalidate()
	return nil
}

func (c *CachingAgentConfigStore) GetRule(ctx context.Context, tenantID, ruleID string) (*models.Rule, error) {
	key := ruleKey(tenantID, ruleID)
	if raw, ok := c.cache.Get(ctx, key); ok {
		var r models.Rule
		if err := json.Unmarshal([]byte(raw), &r); err == nil {
			c.Stats.hit()
			return &r, nil
		}
	}
	c.Stats.miss()
	r, err := c.AgentConfigStore.GetRule(ctx, tenantID, ruleID)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(r); err == nil {
		c.cache.Set(ctx, key, string(raw), c.ttl)
	}
	return r, nil
}

func (c *CachingAgentConfigStore) UpdateRule(ctx context.Context, rule *models.Rule) error {
	if err := c.AgentConfigStore.UpdateRule(ctx, rule); err != nil {
		return err
	}
	c.cache.Delete(ctx, ruleKey(rule.TenantID, rule.ID))
	c.Stats.invalidate()
	return nil
}

func (c *CachingAgentConfigStore) DeleteRule(ctx context.Context, tenantID, ruleID string) error {
	if err := c.AgentConfigStore.DeleteRule(ctx, tenantID, ruleID); err != nil {
		return err
	}
	c.cache.Delete(ctx, ruleKey(tenantID, ruleID))
	c.Stats.invalidate()
	return nil
}

func (c *CachingAgentConfigStore) GetTemplate(ctx context.Context, tenantID, templateID string) (*models.Template, error) {
	key := templateKey(tenantID, templateID)
	if raw, ok := c.cache.Get(ctx, key); ok {
		var t models.Template
		if err := json.Unmarshal([]byte(raw), &t); err == nil {
			c.Stats.hit()
			return &t, nil
		}
	}
	c.Stats.miss()
	t, err := c.AgentConfigStore.GetTemplate(ctx, tenantID, templateID)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(t); err == nil {
		c.cache.Set(ctx, key, string(raw), c.ttl)
	}
	return t, nil
}

func (c *CachingAgentConfigStore) UpdateTemplate(ctx context.Context, tmpl *models.Template) error {
	if err := c.AgentConfigStore.UpdateTemplate(ctx, tmpl); err != nil {
		return err
	}
	c.cache.Delete(ctx, templateKey(tmpl.TenantID, tmpl.ID))
	c.Stats.invalidate()
	return nil
}

func (c *CachingAgentConfigStore) DeleteTemplate(ctx context.Context, tenantID, templateID string) error {
	if err := c.AgentConfigStore.DeleteTemplate(ctx, tenantID, templateID); err != nil {
		return err
	}
	c.cache.Delete(ctx, templateKey(tenantID, templateID))
	c.Stats.invalidate()
	return nil
}

// InvalidateTenant drops every cached catalogue entry of a tenant; the
// publish job's invalidate_cache stage calls this after swapping the
// version pointer.
func (c *CachingAgentConfigStore) InvalidateTenant(ctx context.Context, tenantID string) {
	for _, prefix := range []string{"agentcfg:agent:", "agentcfg:scenario:", "agentcfg:rule:", "agentcfg:template:"} {
		c.cache.DeletePrefix(ctx, prefix+tenantID+":")
	}
	c.Stats.invalidate()
}
