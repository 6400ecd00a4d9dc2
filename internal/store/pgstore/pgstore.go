// Package pgstore is a Postgres-backed reference implementation of
// store.AgentConfigStore, grounded on the teacher's
// internal/vectorstore.PgvectorStore for pgxpool connection/migration/query
// conventions. It is not the default runtime path (cmd/alignd runs the
// in-memory store by default) but demonstrates the production storage shape
// called for by SPEC_FULL.md's persistence-layering note.
//
// Each catalogue entity is stored as one JSONB document per row
// (id, tenant_id, agent_id, data, deleted_at) rather than one column per
// field: the entity shapes (Rule, Scenario, Template...) are still evolving
// relative to the teacher's schema, and a document column avoids a
// migration per field addition while keeping tenant/agent/deleted_at
// indexable for the query patterns store.AgentConfigStore actually needs.
package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alignetic/engine/internal/store"
	"github.com/alignetic/engine/pkg/apierrors"
	"github.com/alignetic/engine/pkg/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgAgentConfigStore implements store.AgentConfigStore against Postgres.
type PgAgentConfigStore struct {
	pool *pgxpool.Pool
}

func NewPgAgentConfigStore(ctx context.Context, connURL string) (*PgAgentConfigStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("pgstore connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore ping: %w", err)
	}
	s := &PgAgentConfigStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore migrate: %w", err)
	}
	return s, nil
}

func (s *PgAgentConfigStore) Close() { s.pool.Close() }

const entityDDL = `
CREATE TABLE IF NOT EXISTS agentcfg_%[1]s (
	id         TEXT NOT NULL,
	tenant_id  TEXT NOT NULL,
	agent_id   TEXT NOT NULL DEFAULT '',
	scope_id   TEXT NOT NULL DEFAULT '',
	version    INT NOT NULL DEFAULT 1,
	data       JSONB NOT NULL,
	embedding  DOUBLE PRECISION[],
	deleted_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (tenant_id, id, version)
);
CREATE INDEX IF NOT EXISTS idx_agentcfg_%[1]s_agent ON agentcfg_%[1]s (tenant_id, agent_id);
`

var entityTables = []string{
	"agents", "rules", "scenarios", "scenario_archive", "templates", "variables",
	"intents", "glossary", "data_fields", "field_requirements", "migration_plans",
	"tool_activations", "rule_relationships",
}

func (s *PgAgentConfigStore) migrate(ctx context.Context) error {
	for _, table := range entityTables {
		if _, err := s.pool.Exec(ctx, fmt.Sprintf(entityDDL, table)); err != nil {
			return fmt.Errorf("migrate %s: %w", table, err)
		}
	}
	return nil
}

// upsert writes one JSONB document row, the common path for every
// Create/Update in this store.
func (s *PgAgentConfigStore) upsert(ctx context.Context, table, tenantID, agentID, id string, version int, embedding []float64, data interface{}) error {
	blob, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", table, err)
	}
	query := fmt.Sprintf(`
		INSERT INTO agentcfg_%s (id, tenant_id, agent_id, version, data, embedding, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (tenant_id, id, version) DO UPDATE SET
			agent_id = EXCLUDED.agent_id,
			data = EXCLUDED.data,
			embedding = EXCLUDED.embedding,
			updated_at = NOW()`, table)
	_, err = s.pool.Exec(ctx, query, id, tenantID, agentID, version, blob, embedding)
	return err
}

func (s *PgAgentConfigStore) get(ctx context.Context, table, tenantID, id string, out interface{}) error {
	var blob []byte
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT data FROM agentcfg_%s WHERE tenant_id=$1 AND id=$2 AND deleted_at IS NULL ORDER BY version DESC LIMIT 1`, table),
		tenantID, id).Scan(&blob)
	if err != nil {
		return apierrors.NotFound(apierrors.KindInvalidRequest, table, id)
	}
	return json.Unmarshal(blob, out)
}

func (s *PgAgentConfigStore) softDelete(ctx context.Context, table, tenantID, id string) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE agentcfg_%s SET deleted_at = $3 WHERE tenant_id=$1 AND id=$2 AND deleted_at IS NULL`, table),
		tenantID, id, time.Now())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apierrors.NotFound(apierrors.KindInvalidRequest, table, id)
	}
	return nil
}

func (s *PgAgentConfigStore) list(ctx context.Context, table, tenantID, agentID string, filter store.ListFilter, scan func(blob []byte) error) error {
	query := fmt.Sprintf(`SELECT data FROM agentcfg_%s WHERE tenant_id=$1`, table)
	args := []interface{}{tenantID}
	n := 1
	if agentID != "" {
		n++
		query += fmt.Sprintf(" AND agent_id=$%d", n)
		args = append(args, agentID)
	}
	if !filter.IncludeDeleted {
		query += " AND deleted_at IS NULL"
	}
	if filter.Since != nil {
		n++
		query += fmt.Sprintf(" AND updated_at >= $%d", n)
		args = append(args, *filter.Since)
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		n++
		query += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		n++
		query += fmt.Sprintf(" OFFSET $%d", n)
		args = append(args, filter.Offset)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return err
		}
		if err := scan(blob); err != nil {
			return err
		}
	}
	return rows.Err()
}

// --- Agent ---

func (s *PgAgentConfigStore) GetAgent(ctx context.Context, tenantID, agentID string) (*models.Agent, error) {
	var a models.Agent
	if err := s.get(ctx, "agents", tenantID, agentID, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PgAgentConfigStore) ListAgents(ctx context.Context, tenantID string, filter store.ListFilter) ([]models.Agent, error) {
	var out []models.Agent
	err := s.list(ctx, "agents", tenantID, "", filter, func(blob []byte) error {
		var a models.Agent
		if err := json.Unmarshal(blob, &a); err != nil {
			return err
		}
		out = append(out, a)
		return nil
	})
	return out, err
}

func (s *PgAgentConfigStore) CreateAgent(ctx context.Context, agent *models.Agent) error {
	return s.upsert(ctx, "agents", agent.TenantID, agent.ID, agent.ID, 1, nil, agent)
}

func (s *PgAgentConfigStore) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	return s.upsert(ctx, "agents", agent.TenantID, agent.ID, agent.ID, 1, nil, agent)
}

func (s *PgAgentConfigStore) DeleteAgent(ctx context.Context, tenantID, agentID string) error {
	return s.softDelete(ctx, "agents", tenantID, agentID)
}

// --- Rule ---

func (s *PgAgentConfigStore) GetRule(ctx context.Context, tenantID, ruleID string) (*models.Rule, error) {
	var r models.Rule
	if err := s.get(ctx, "rules", tenantID, ruleID, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PgAgentConfigStore) ListRules(ctx context.Context, tenantID, agentID string, filter store.ListFilter) ([]models.Rule, error) {
	var out []models.Rule
	err := s.list(ctx, "rules", tenantID, agentID, filter, func(blob []byte) error {
		var r models.Rule
		if err := json.Unmarshal(blob, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

func (s *PgAgentConfigStore) CreateRule(ctx context.Context, rule *models.Rule) error {
	return s.upsert(ctx, "rules", rule.TenantID, rule.AgentID, rule.ID, 1, rule.ConditionEmbedding, rule)
}

func (s *PgAgentConfigStore) UpdateRule(ctx context.Context, rule *models.Rule) error {
	return s.upsert(ctx, "rules", rule.TenantID, rule.AgentID, rule.ID, 1, rule.ConditionEmbedding, rule)
}

func (s *PgAgentConfigStore) DeleteRule(ctx context.Context, tenantID, ruleID string) error {
	return s.softDelete(ctx, "rules", tenantID, ruleID)
}

// SearchRulesByEmbedding ranks a bounded candidate set fetched by
// tenant/agent on the Go side. Index-accelerated similarity search for
// postgres deployments runs through vectorstore.PgvectorStore (its
// alignment_vectors table carries the `vector(n)` column and `<=>`
// operator); this store-level search keeps the interface whole for callers
// running without that index.
func (s *PgAgentConfigStore) SearchRulesByEmbedding(ctx context.Context, tenantID, agentID string, vector []float64, topK int) ([]models.ScoredRule, error) {
	rules, err := s.ListRules(ctx, tenantID, agentID, store.ListFilter{})
	if err != nil {
		return nil, err
	}
	return rankRulesByCosine(rules, vector, topK), nil
}

// --- Scenario ---

func (s *PgAgentConfigStore) GetScenario(ctx context.Context, tenantID, scenarioID string) (*models.Scenario, error) {
	var sc models.Scenario
	if err := s.get(ctx, "scenarios", tenantID, scenarioID, &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *PgAgentConfigStore) GetScenarioArchived(ctx context.Context, tenantID, scenarioID string, version int) (*models.Scenario, error) {
	var blob []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM agentcfg_scenario_archive WHERE tenant_id=$1 AND id=$2 AND version=$3`,
		tenantID, scenarioID, version).Scan(&blob)
	if err != nil {
		return nil, apierrors.NotFound(apierrors.KindScenarioNotFound, "scenario", scenarioID)
	}
	var sc models.Scenario
	if err := json.Unmarshal(blob, &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *PgAgentConfigStore) ListScenarios(ctx context.Context, tenantID, agentID string, filter store.ListFilter) ([]models.Scenario, error) {
	var out []models.Scenario
	err := s.list(ctx, "scenarios", tenantID, agentID, filter, func(blob []byte) error {
		var sc models.Scenario
		if err := json.Unmarshal(blob, &sc); err != nil {
			return err
		}
		out = append(out, sc)
		return nil
	})
	return out, err
}

func (s *PgAgentConfigStore) CreateScenario(ctx context.Context, scenario *models.Scenario) error {
	return s.upsert(ctx, "scenarios", scenario.TenantID, scenario.AgentID, scenario.ID, 1, nil, scenario)
}

// UpdateScenario archives the currently-stored version before overwriting,
// mirroring MemoryAgentConfigStore's archive-before-overwrite contract.
func (s *PgAgentConfigStore) UpdateScenario(ctx context.Context, scenario *models.Scenario) error {
	prior, err := s.GetScenario(ctx, scenario.TenantID, scenario.ID)
	if err == nil {
		if archErr := s.upsert(ctx, "scenario_archive", prior.TenantID, prior.AgentID, prior.ID, prior.Version, nil, prior); archErr != nil {
			return fmt.Errorf("archive prior scenario version: %w", archErr)
		}
	}
	return s.upsert(ctx, "scenarios", scenario.TenantID, scenario.AgentID, scenario.ID, 1, nil, scenario)
}

func (s *PgAgentConfigStore) DeleteScenario(ctx context.Context, tenantID, scenarioID string) error {
	return s.softDelete(ctx, "scenarios", tenantID, scenarioID)
}

func (s *PgAgentConfigStore) SearchScenariosByEmbedding(ctx context.Context, tenantID, agentID string, vector []float64, topK int) ([]models.ScoredScenario, error) {
	scenarios, err := s.ListScenarios(ctx, tenantID, agentID, store.ListFilter{})
	if err != nil {
		return nil, err
	}
	return rankScenariosByCosine(scenarios, vector, topK), nil
}

// --- Template ---

func (s *PgAgentConfigStore) GetTemplate(ctx context.Context, tenantID, templateID string) (*models.Template, error) {
	var t models.Template
	if err := s.get(ctx, "templates", tenantID, templateID, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PgAgentConfigStore) ListTemplates(ctx context.Context, tenantID, agentID string, filter store.ListFilter) ([]models.Template, error) {
	var out []models.Template
	err := s.list(ctx, "templates", tenantID, agentID, filter, func(blob []byte) error {
		var t models.Template
		if err := json.Unmarshal(blob, &t); err != nil {
			return err
		}
		out = append(out, t)
		return nil
	})
	return out, err
}

func (s *PgAgentConfigStore) CreateTemplate(ctx context.Context, tmpl *models.Template) error {
	return s.upsert(ctx, "templates", tmpl.TenantID, tmpl.AgentID, tmpl.ID, 1, nil, tmpl)
}
func (s *PgAgentConfigStore) UpdateTemplate(ctx context.Context, tmpl *models.Template) error {
	return s.upsert(ctx, "templates", tmpl.TenantID, tmpl.AgentID, tmpl.ID, 1, nil, tmpl)
}
func (s *PgAgentConfigStore) DeleteTemplate(ctx context.Context, tenantID, templateID string) error {
	return s.softDelete(ctx, "templates", tenantID, templateID)
}

// --- Variable ---

func (s *PgAgentConfigStore) GetVariable(ctx context.Context, tenantID, variableID string) (*models.Variable, error) {
	var v models.Variable
	if err := s.get(ctx, "variables", tenantID, variableID, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
func (s *PgAgentConfigStore) ListVariables(ctx context.Context, tenantID, agentID string, filter store.ListFilter) ([]models.Variable, error) {
	var out []models.Variable
	err := s.list(ctx, "variables", tenantID, agentID, filter, func(blob []byte) error {
		var v models.Variable
		if err := json.Unmarshal(blob, &v); err != nil {
			return err
		}
		out = append(out, v)
		return nil
	})
	return out, err
}
func (s *PgAgentConfigStore) CreateVariable(ctx context.Context, v *models.Variable) error {
	return s.upsert(ctx, "variables", v.TenantID, v.AgentID, v.ID, 1, nil, v)
}
func (s *PgAgentConfigStore) UpdateVariable(ctx context.Context, v *models.Variable) error {
	return s.upsert(ctx, "variables", v.TenantID, v.AgentID, v.ID, 1, nil, v)
}
func (s *PgAgentConfigStore) DeleteVariable(ctx context.Context, tenantID, variableID string) error {
	return s.softDelete(ctx, "variables", tenantID, variableID)
}

// --- Intent ---

func (s *PgAgentConfigStore) ListIntents(ctx context.Context, tenantID, agentID string, filter store.ListFilter) ([]models.Intent, error) {
	var out []models.Intent
	err := s.list(ctx, "intents", tenantID, agentID, filter, func(blob []byte) error {
		var i models.Intent
		if err := json.Unmarshal(blob, &i); err != nil {
			return err
		}
		out = append(out, i)
		return nil
	})
	return out, err
}
func (s *PgAgentConfigStore) CreateIntent(ctx context.Context, i *models.Intent) error {
	return s.upsert(ctx, "intents", i.TenantID, i.AgentID, i.ID, 1, nil, i)
}
func (s *PgAgentConfigStore) UpdateIntent(ctx context.Context, i *models.Intent) error {
	return s.upsert(ctx, "intents", i.TenantID, i.AgentID, i.ID, 1, nil, i)
}
func (s *PgAgentConfigStore) DeleteIntent(ctx context.Context, tenantID, intentID string) error {
	return s.softDelete(ctx, "intents", tenantID, intentID)
}

// --- GlossaryItem ---

func (s *PgAgentConfigStore) ListGlossaryItems(ctx context.Context, tenantID, agentID string, filter store.ListFilter) ([]models.GlossaryItem, error) {
	var out []models.GlossaryItem
	err := s.list(ctx, "glossary", tenantID, agentID, filter, func(blob []byte) error {
		var g models.GlossaryItem
		if err := json.Unmarshal(blob, &g); err != nil {
			return err
		}
		out = append(out, g)
		return nil
	})
	return out, err
}
func (s *PgAgentConfigStore) CreateGlossaryItem(ctx context.Context, g *models.GlossaryItem) error {
	return s.upsert(ctx, "glossary", g.TenantID, g.AgentID, g.ID, 1, nil, g)
}
func (s *PgAgentConfigStore) UpdateGlossaryItem(ctx context.Context, g *models.GlossaryItem) error {
	return s.upsert(ctx, "glossary", g.TenantID, g.AgentID, g.ID, 1, nil, g)
}
func (s *PgAgentConfigStore) DeleteGlossaryItem(ctx context.Context, tenantID, itemID string) error {
	return s.softDelete(ctx, "glossary", tenantID, itemID)
}

// --- CustomerDataField ---

func (s *PgAgentConfigStore) ListCustomerDataFields(ctx context.Context, tenantID, agentID string, filter store.ListFilter) ([]models.CustomerDataField, error) {
	var out []models.CustomerDataField
	err := s.list(ctx, "data_fields", tenantID, agentID, filter, func(blob []byte) error {
		var f models.CustomerDataField
		if err := json.Unmarshal(blob, &f); err != nil {
			return err
		}
		out = append(out, f)
		return nil
	})
	return out, err
}
func (s *PgAgentConfigStore) GetCustomerDataField(ctx context.Context, tenantID, fieldID string) (*models.CustomerDataField, error) {
	var f models.CustomerDataField
	if err := s.get(ctx, "data_fields", tenantID, fieldID, &f); err != nil {
		return nil, err
	}
	return &f, nil
}
func (s *PgAgentConfigStore) CreateCustomerDataField(ctx context.Context, f *models.CustomerDataField) error {
	return s.upsert(ctx, "data_fields", f.TenantID, f.AgentID, f.ID, 1, nil, f)
}
func (s *PgAgentConfigStore) UpdateCustomerDataField(ctx context.Context, f *models.CustomerDataField) error {
	return s.upsert(ctx, "data_fields", f.TenantID, f.AgentID, f.ID, 1, nil, f)
}
func (s *PgAgentConfigStore) DeleteCustomerDataField(ctx context.Context, tenantID, fieldID string) error {
	return s.softDelete(ctx, "data_fields", tenantID, fieldID)
}

// --- ScenarioFieldRequirement ---

func (s *PgAgentConfigStore) ListScenarioFieldRequirements(ctx context.Context, tenantID, scenarioID string) ([]models.ScenarioFieldRequirement, error) {
	var out []models.ScenarioFieldRequirement
	err := s.list(ctx, "field_requirements", tenantID, scenarioID, store.ListFilter{}, func(blob []byte) error {
		var r models.ScenarioFieldRequirement
		if err := json.Unmarshal(blob, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}
func (s *PgAgentConfigStore) CreateScenarioFieldRequirement(ctx context.Context, r *models.ScenarioFieldRequirement) error {
	return s.upsert(ctx, "field_requirements", r.TenantID, r.ScenarioID, r.ID, 1, nil, r)
}
func (s *PgAgentConfigStore) DeleteScenarioFieldRequirement(ctx context.Context, tenantID, requirementID string) error {
	return s.softDelete(ctx, "field_requirements", tenantID, requirementID)
}

// --- ToolActivation ---

func (s *PgAgentConfigStore) ListToolActivations(ctx context.Context, tenantID, agentID string, filter store.ListFilter) ([]models.ToolActivation, error) {
	var out []models.ToolActivation
	err := s.list(ctx, "tool_activations", tenantID, agentID, filter, func(blob []byte) error {
		var a models.ToolActivation
		if err := json.Unmarshal(blob, &a); err != nil {
			return err
		}
		out = append(out, a)
		return nil
	})
	return out, err
}
func (s *PgAgentConfigStore) GetToolActivation(ctx context.Context, tenantID, activationID string) (*models.ToolActivation, error) {
	var a models.ToolActivation
	if err := s.get(ctx, "tool_activations", tenantID, activationID, &a); err != nil {
		return nil, err
	}
	return &a, nil
}
func (s *PgAgentConfigStore) CreateToolActivation(ctx context.Context, a *models.ToolActivation) error {
	return s.upsert(ctx, "tool_activations", a.TenantID, a.AgentID, a.ID, 1, nil, a)
}
func (s *PgAgentConfigStore) UpdateToolActivation(ctx context.Context, a *models.ToolActivation) error {
	return s.upsert(ctx, "tool_activations", a.TenantID, a.AgentID, a.ID, 1, nil, a)
}
func (s *PgAgentConfigStore) DeleteToolActivation(ctx context.Context, tenantID, activationID string) error {
	return s.softDelete(ctx, "tool_activations", tenantID, activationID)
}

// --- RuleRelationship ---

func (s *PgAgentConfigStore) ListRuleRelationships(ctx context.Context, tenantID, agentID string, filter store.ListFilter) ([]models.RuleRelationship, error) {
	var out []models.RuleRelationship
	err := s.list(ctx, "rule_relationships", tenantID, agentID, filter, func(blob []byte) error {
		var r models.RuleRelationship
		if err := json.Unmarshal(blob, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}
func (s *PgAgentConfigStore) CreateRuleRelationship(ctx context.Context, r *models.RuleRelationship) error {
	return s.upsert(ctx, "rule_relationships", r.TenantID, r.AgentID, r.ID, 1, nil, r)
}
func (s *PgAgentConfigStore) DeleteRuleRelationship(ctx context.Context, tenantID, relationshipID string) error {
	return s.softDelete(ctx, "rule_relationships", tenantID, relationshipID)
}

// --- MigrationPlan ---

func (s *PgAgentConfigStore) GetMigrationPlan(ctx context.Context, tenantID, planID string) (*models.MigrationPlan, error) {
	var p models.MigrationPlan
	if err := s.get(ctx, "migration_plans", tenantID, planID, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
func (s *PgAgentConfigStore) ListMigrationPlans(ctx context.Context, tenantID, scenarioID string, filter store.ListFilter) ([]models.MigrationPlan, error) {
	var out []models.MigrationPlan
	err := s.list(ctx, "migration_plans", tenantID, scenarioID, filter, func(blob []byte) error {
		var p models.MigrationPlan
		if err := json.Unmarshal(blob, &p); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out, err
}
func (s *PgAgentConfigStore) CreateMigrationPlan(ctx context.Context, p *models.MigrationPlan) error {
	return s.upsert(ctx, "migration_plans", p.TenantID, p.ScenarioID, p.ID, 1, nil, p)
}
func (s *PgAgentConfigStore) UpdateMigrationPlan(ctx context.Context, p *models.MigrationPlan) error {
	return s.upsert(ctx, "migration_plans", p.TenantID, p.ScenarioID, p.ID, 1, nil, p)
}

var _ store.AgentConfigStore = (*PgAgentConfigStore)(nil)
