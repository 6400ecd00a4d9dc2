// Package vectorembed keeps the external vector index consistent with the
// rule and scenario catalogues (spec §4.1 vector-index sync): on
// create/update it embeds rows that carry no embedding and upserts one
// document per entity; deletes remove by id; batch sync migrates existing
// catalogues.
//
// Grounded on the teacher's embeddings provider registry + vectorstore
// driver split; the manager composes the two the way the teacher's RAG
// ingest path does, with the domain's entity metadata instead of chunk
// metadata.
package vectorembed

import (
	"context"
	"fmt"
	"strconv"

	"github.com/alignetic/engine/internal/store"
	"github.com/alignetic/engine/pkg/contracts"
	"github.com/alignetic/engine/pkg/models"
	"github.com/rs/zerolog/log"
)

// Manager syncs catalogue embeddings into a vector store.
type Manager struct {
	embedder contracts.EmbeddingDriver
	vectors  contracts.VectorStoreDriver
}

// NewManager creates a Manager.
func NewManager(embedder contracts.EmbeddingDriver, vectors contracts.VectorStoreDriver) *Manager {
	return &Manager{embedder: embedder, vectors: vectors}
}

// SyncRule upserts one rule's vector document, generating the embedding if
// the row carries none.
func (m *Manager) SyncRule(ctx context.Context, rule *models.Rule) error {
	vector := rule.ConditionEmbedding
	if len(vector) == 0 {
		embedded, err := m.embedder.Embed(ctx, []string{rule.ConditionText})
		if err != nil {
			return fmt.Errorf("vectorembed: embed rule %s: %w", rule.ID, err)
		}
		vector = embedded[0]
		rule.ConditionEmbedding = vector
		rule.EmbeddingModel = m.embedder.Kind()
	}
	doc := models.VectorDoc{
		ID:     "rule:" + rule.ID,
		Vector: vector,
		Metadata: map[string]string{
			"tenant_id":       rule.TenantID,
			"agent_id":        rule.AgentID,
			"entity_type":     "rule",
			"scope":           string(rule.Scope),
			"scope_id":        rule.ScopeID,
			"enabled":         strconv.FormatBool(rule.Enabled),
			"embedding_model": rule.EmbeddingModel,
		},
		Text: rule.ConditionText,
	}
	return m.vectors.Upsert(ctx, rule.TenantID, []models.VectorDoc{doc})
}

// SyncScenario upserts one scenario's entry-condition vector document.
func (m *Manager) SyncScenario(ctx context.Context, sc *models.Scenario) error {
	vector := sc.EntryEmbedding
	if len(vector) == 0 {
		embedded, err := m.embedder.Embed(ctx, []string{sc.EntryConditionText})
		if err != nil {
			return fmt.Errorf("vectorembed: embed scenario %s: %w", sc.ID, err)
		}
		vector = embedded[0]
		sc.EntryEmbedding = vector
	}
	doc := models.VectorDoc{
		ID:     "scenario:" + sc.ID,
		Vector: vector,
		Metadata: map[string]string{
			"tenant_id":       sc.TenantID,
			"agent_id":        sc.AgentID,
			"entity_type":     "scenario",
			"scope":           string(models.RuleScopeGlobal),
			"enabled":         strconv.FormatBool(sc.Enabled),
			"embedding_model": m.embedder.Kind(),
		},
		Text: sc.EntryConditionText,
	}
	return m.vectors.Upsert(ctx, sc.TenantID, []models.VectorDoc{doc})
}

// DeleteRule removes a rule's vector document.
func (m *Manager) DeleteRule(ctx context.Context, tenantID, ruleID string) error {
	return m.vectors.Delete(ctx, tenantID, []string{"rule:" + ruleID})
}

// DeleteScenario removes a scenario's vector document.
func (m *Manager) DeleteScenario(ctx context.Context, tenantID, scenarioID string) error {
	return m.vectors.Delete(ctx, tenantID, []string{"scenario:" + scenarioID})
}

// SyncAgent batch-syncs every rule and scenario of an agent, for catalogue
// migration and the publish job's compile stage. Returns how many documents
// were written.
func (m *Manager) SyncAgent(ctx context.Context, configs store.AgentConfigStore, tenantID, agentID string) (int, error) {
	n := 0
	rules, err := configs.ListRules(ctx, tenantID, agentID, store.ListFilter{})
	if err != nil {
		return n, err
	}
	for i := range rules {
		if err := m.SyncRule(ctx, &rules[i]); err != nil {
			log.Warn().Err(err).Str("rule_id", rules[i].ID).Msg("rule vector sync failed")
			continue
		}
		if len(rules[i].ConditionEmbedding) > 0 {
			if err := configs.UpdateRule(ctx, &rules[i]); err != nil {
				log.Warn().Err(err).Str("rule_id", rules[i].ID).Msg("rule embedding write-back failed")
			}
		}
		n++
	}

	scenarios, err := configs.ListScenarios(ctx, tenantID, agentID, store.ListFilter{})
	if err != nil {
		return n, err
	}
	for i := range scenarios {
		if err := m.SyncScenario(ctx, &scenarios[i]); err != nil {
			log.Warn().Err(err).Str("scenario_id", scenarios[i].ID).Msg("scenario vector sync failed")
			continue
		}
		n++
	}
	return n, nil
}

// DeleteByAgent removes every vector for the agent's catalogue entities.
func (m *Manager) DeleteByAgent(ctx context.Context, configs store.AgentConfigStore, tenantID, agentID string) error {
	rules, err := configs.ListRules(ctx, tenantID, agentID, store.ListFilter{IncludeDeleted: true})
	if err != nil {
		return err
	}
	var ids []string
	for _, r := range rules {
		ids = append(ids, "rule:"+r.ID)
	}
	scenarios, err := configs.ListScenarios(ctx, tenantID, agentID, store.ListFilter{IncludeDeleted: true})
	if err != nil {
		return err
	}
	for _, sc := range scenarios {
		ids = append(ids, "scenario:"+sc.ID)
	}
	if len(ids) == 0 {
		return nil
	}
	return m.vectors.Delete(ctx, tenantID, ids)
}
