// Package store defines the three narrow storage interfaces the alignment
// engine core consumes (spec §4.1: AgentConfigStore, SessionStore,
// CustomerDataStore — deliberately three separate interfaces rather than
// one superinterface; see DESIGN.md for why this diverges from the
// teacher's single Store). In-memory implementations live alongside for
// tests and the default cmd/alignd runtime path; internal/store/pgstore
// carries a Postgres-shaped reference implementation.
package store

import (
	"context"
	"time"

	"github.com/alignetic/engine/pkg/models"
)

// ListFilter provides common pagination/filter options, grounded on the
// teacher's store.ListFilter.
type ListFilter struct {
	Limit         int
	Offset        int
	Since         *time.Time
	IncludeDeleted bool
}

// AgentConfigStore is CRUD for the agent-scoped catalogue entities plus
// scenario-version archival and vector-similarity search over rule and
// scenario condition embeddings. All reads filter by tenant_id and
// deleted_at IS NULL unless filter.IncludeDeleted is set. Implementations
// must reject cross-tenant ids rather than silently filtering them.
type AgentConfigStore interface {
	GetAgent(ctx context.Context, tenantID, agentID string) (*models.Agent, error)
	ListAgents(ctx context.Context, tenantID string, filter ListFilter) ([]models.Agent, error)
	CreateAgent(ctx context.Context, agent *models.Agent) error
	UpdateAgent(ctx context.Context, agent *models.Agent) error
	DeleteAgent(ctx context.Context, tenantID, agentID string) error

	GetRule(ctx context.Context, tenantID, ruleID string) (*models.Rule, error)
	ListRules(ctx context.Context, tenantID, agentID string, filter ListFilter) ([]models.Rule, error)
	CreateRule(ctx context.Context, rule *models.Rule) error
	UpdateRule(ctx context.Context, rule *models.Rule) error
	DeleteRule(ctx context.Context, tenantID, ruleID string) error
	SearchRulesByEmbedding(ctx context.Context, tenantID, agentID string, vector []float64, topK int) ([]models.ScoredRule, error)

	GetScenario(ctx context.Context, tenantID, scenarioID string) (*models.Scenario, error)
	GetScenarioArchived(ctx context.Context, tenantID, scenarioID string, version int) (*models.Scenario, error)
	ListScenarios(ctx context.Context, tenantID, agentID string, filter ListFilter) ([]models.Scenario, error)
	CreateScenario(ctx context.Context, scenario *models.Scenario) error
	// UpdateScenario archives the previous version keyed
	// (tenant_id, scenario_id, version) before overwriting (spec §3).
	UpdateScenario(ctx context.Context, scenario *models.Scenario) error
	DeleteScenario(ctx context.Context, tenantID, scenarioID string) error
	SearchScenariosByEmbedding(ctx context.Context, tenantID, agentID string, vector []float64, topK int) ([]models.ScoredScenario, error)

	GetTemplate(ctx context.Context, tenantID, templateID string) (*models.Template, error)
	ListTemplates(ctx context.Context, tenantID, agentID string, filter ListFilter) ([]models.Template, error)
	CreateTemplate(ctx context.Context, tmpl *models.Template) error
	UpdateTemplate(ctx context.Context, tmpl *models.Template) error
	DeleteTemplate(ctx context.Context, tenantID, templateID string) error

	GetVariable(ctx context.Context, tenantID, variableID string) (*models.Variable, error)
	ListVariables(ctx context.Context, tenantID, agentID string, filter ListFilter) ([]models.Variable, error)
	CreateVariable(ctx context.Context, v *models.Variable) error
	UpdateVariable(ctx context.Context, v *models.Variable) error
	DeleteVariable(ctx context.Context, tenantID, variableID string) error

	ListIntents(ctx context.Context, tenantID, agentID string, filter ListFilter) ([]models.Intent, error)
	CreateIntent(ctx context.Context, i *models.Intent) error
	UpdateIntent(ctx context.Context, i *models.Intent) error
	DeleteIntent(ctx context.Context, tenantID, intentID string) error

	ListGlossaryItems(ctx context.Context, tenantID, agentID string, filter ListFilter) ([]models.GlossaryItem, error)
	CreateGlossaryItem(ctx context.Context, g *models.GlossaryItem) error
	UpdateGlossaryItem(ctx context.Context, g *models.GlossaryItem) error
	DeleteGlossaryItem(ctx context.Context, tenantID, itemID string) error

	ListCustomerDataFields(ctx context.Context, tenantID, agentID string, filter ListFilter) ([]models.CustomerDataField, error)
	GetCustomerDataField(ctx context.Context, tenantID, fieldID string) (*models.CustomerDataField, error)
	CreateCustomerDataField(ctx context.Context, f *models.CustomerDataField) error
	UpdateCustomerDataField(ctx context.Context, f *models.CustomerDataField) error
	DeleteCustomerDataField(ctx context.Context, tenantID, fieldID string) error

	ListScenarioFieldRequirements(ctx context.Context, tenantID, scenarioID string) ([]models.ScenarioFieldRequirement, error)
	CreateScenarioFieldRequirement(ctx context.Context, r *models.ScenarioFieldRequirement) error
	DeleteScenarioFieldRequirement(ctx context.Context, tenantID, requirementID string) error

	ListToolActivations(ctx context.Context, tenantID, agentID string, filter ListFilter) ([]models.ToolActivation, error)
	GetToolActivation(ctx context.Context, tenantID, activationID string) (*models.ToolActivation, error)
	CreateToolActivation(ctx context.Context, a *models.ToolActivation) error
	UpdateToolActivation(ctx context.Context, a *models.ToolActivation) error
	DeleteToolActivation(ctx context.Context, tenantID, activationID string) error

	ListRuleRelationships(ctx context.Context, tenantID, agentID string, filter ListFilter) ([]models.RuleRelationship, error)
	CreateRuleRelationship(ctx context.Context, r *models.RuleRelationship) error
	DeleteRuleRelationship(ctx context.Context, tenantID, relationshipID string) error

	GetMigrationPlan(ctx context.Context, tenantID, planID string) (*models.MigrationPlan, error)
	ListMigrationPlans(ctx context.Context, tenantID, scenarioID string, filter ListFilter) ([]models.MigrationPlan, error)
	CreateMigrationPlan(ctx context.Context, p *models.MigrationPlan) error
	UpdateMigrationPlan(ctx context.Context, p *models.MigrationPlan) error
}

// SessionStore is get/save/delete by session id, lookup by
// (tenant, channel, user_channel_id), list by agent/customer with
// pagination, and find-by-step-hash for migration deployment (spec §4.1).
type SessionStore interface {
	GetSession(ctx context.Context, tenantID, sessionID string) (*models.Session, error)
	SaveSession(ctx context.Context, session *models.Session) error
	DeleteSession(ctx context.Context, tenantID, sessionID string) error
	FindSessionByChannelUser(ctx context.Context, tenantID, agentID, channel, userChannelID string) (*models.Session, error)
	ListSessionsByAgent(ctx context.Context, tenantID, agentID string, filter ListFilter) ([]models.Session, error)
	ListSessionsByCustomer(ctx context.Context, tenantID, customerProfileID string, filter ListFilter) ([]models.Session, error)

	// FindSessionsByStepHash returns sessions whose active instance of
	// scenarioID at scenarioVersion is currently sitting on a step whose
	// step_content_hash equals stepHash, intersected with scopeFilter
	// (equality match on "channel" and "agent_id", e.g. {"channel": "whatsapp"};
	// a filter with any other key matches no session).
	// Used by migration deployment (spec §4.6) to mark affected sessions.
	FindSessionsByStepHash(ctx context.Context, tenantID, scenarioID string, scenarioVersion int, stepHash string, scopeFilter map[string]string) ([]models.Session, error)

	// AcquireLease implements the per-session mutual-exclusion primitive
	// (spec §5): returns false if another turn already holds the lease.
	AcquireLease(ctx context.Context, tenantID, sessionID string) (release func(), ok bool)
}

// CustomerDataStore is per-customer read/write with status-aware queries,
// field history, supersession, orphan marking, bounded derivation-chain
// traversal, channel linking, and scenario-requirement evaluation (spec
// §4.1, §4.7).
type CustomerDataStore interface {
	GetByCustomer(ctx context.Context, tenantID, customerID string) (*models.CustomerDataStore, error)
	GetByChannelIdentity(ctx context.Context, tenantID, channel, channelUserID string) (*models.CustomerDataStore, error)
	LinkChannelIdentity(ctx context.Context, tenantID, customerID string, identity models.ChannelIdentity) error

	// UpdateField performs the supersession write (spec §4.7): it always
	// writes a new ACTIVE entry, superseding any prior ACTIVE entry for
	// (customer, name) first.
	UpdateField(ctx context.Context, tenantID, customerID string, entry models.VariableEntry) error

	// GetField returns the current entry matching the given status; use
	// models.VariableEntryActive for the live value.
	GetField(ctx context.Context, tenantID, customerID, name string, status models.VariableEntryStatus) (*models.VariableEntry, error)
	FieldHistory(ctx context.Context, tenantID, customerID, name string, limit int) ([]models.VariableEntry, error)

	// SweepExpirations transitions ACTIVE entries whose expires_at has
	// passed to EXPIRED, tenant-wide or (if customerID != "") scoped to one
	// customer. Returns the number of entries transitioned.
	SweepExpirations(ctx context.Context, tenantID, customerID string, now time.Time) (int, error)

	// MarkOrphans walks derivation chains (bounded depth) marking entries
	// whose source has been superseded/expired/deleted as ORPHANED. Returns
	// the number of entries transitioned.
	MarkOrphans(ctx context.Context, tenantID, customerID string, maxDepth int) (int, error)

	// MissingFields evaluates ScenarioFieldRequirements against the
	// customer's current ACTIVE fields (spec §4.7 get_missing_fields).
	MissingFields(ctx context.Context, tenantID, customerID string, requirements []models.ScenarioFieldRequirement, fields []models.CustomerDataField, now time.Time) ([]models.ScenarioFieldRequirement, error)

	// Merge merges sourceCustomerID's profile into targetCustomerID and
	// deletes the source. Idempotent.
	Merge(ctx context.Context, tenantID, targetCustomerID, sourceCustomerID string) error
}
