package models

import "time"

// Scenario is a versioned, content-addressed multi-step conversational flow.
type Scenario struct {
	ID       string `json:"id" db:"id"`
	TenantID string `json:"tenant_id" db:"tenant_id"`
	AgentID  string `json:"agent_id" db:"agent_id"`

	Name        string         `json:"name" db:"name"`
	Version     int            `json:"version" db:"version"`
	EntryStepID string         `json:"entry_step_id" db:"entry_step_id"`
	Steps       []ScenarioStep `json:"steps"`

	EntryConditionText string    `json:"entry_condition_text,omitempty" db:"entry_condition_text"`
	EntryEmbedding      []float64 `json:"entry_embedding,omitempty" db:"entry_embedding"`

	ContentHash string `json:"content_hash" db:"content_hash"`
	Enabled     bool   `json:"enabled" db:"enabled"`
	Priority    int    `json:"priority" db:"priority"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// StepByID finds a step by id; returns nil if absent.
func (s *Scenario) StepByID(id string) *ScenarioStep {
	for i := range s.Steps {
		if s.Steps[i].ID == id {
			return &s.Steps[i]
		}
	}
	return nil
}

// ScenarioStep is one node of a scenario's flow graph.
type ScenarioStep struct {
	ID         string            `json:"id" db:"id"`
	ScenarioID string            `json:"scenario_id" db:"scenario_id"`
	Name       string            `json:"name" db:"name"`

	Transitions []StepTransition `json:"transitions,omitempty"`
	TemplateIDs []string         `json:"template_ids,omitempty"`
	RuleIDs     []string         `json:"rule_ids,omitempty"`
	ToolBindings []ToolBinding   `json:"tool_bindings,omitempty"`

	IsEntry                bool     `json:"is_entry"`
	IsTerminal             bool     `json:"is_terminal"`
	CanSkip                bool     `json:"can_skip"`
	ReachableFromAnywhere  bool     `json:"reachable_from_anywhere"`
	CollectsProfileFields  []string `json:"collects_profile_fields,omitempty"`
	PerformsAction         bool     `json:"performs_action"`
	IsRequiredAction       bool     `json:"is_required_action"`
	IsCheckpoint           bool     `json:"is_checkpoint"`
	CheckpointDescription  string   `json:"checkpoint_description,omitempty"`
}

// StepTransition is an outgoing edge from a ScenarioStep.
type StepTransition struct {
	ToStepID           string    `json:"to_step_id"`
	ConditionText      string    `json:"condition_text,omitempty"`
	ConditionEmbedding []float64 `json:"condition_embedding,omitempty"`
	Priority           int       `json:"priority"`
	ConditionFields    []string  `json:"condition_fields,omitempty"`
}

// ScenarioInstanceStatus is the lifecycle state of a live scenario
// execution within a session.
type ScenarioInstanceStatus string

const (
	ScenarioInstanceActive    ScenarioInstanceStatus = "active"
	ScenarioInstancePaused    ScenarioInstanceStatus = "paused"
	ScenarioInstanceCompleted ScenarioInstanceStatus = "completed"
	ScenarioInstanceCancelled ScenarioInstanceStatus = "cancelled"
)

// ScenarioInstance is a live, ongoing execution of a scenario within a
// session. Multiple instances of different scenarios may coexist.
type ScenarioInstance struct {
	ScenarioID      string                 `json:"scenario_id"`
	ScenarioVersion int                    `json:"scenario_version"`
	CurrentStepID   string                 `json:"current_step_id"`
	VisitedSteps    map[string]int         `json:"visited_steps"`
	StartedAt       time.Time              `json:"started_at"`
	LastActiveAt    time.Time              `json:"last_active_at"`
	PausedAt        *time.Time             `json:"paused_at,omitempty"`
	Variables       map[string]TypedValue  `json:"variables,omitempty"`
	Status          ScenarioInstanceStatus `json:"status"`

	// advancedSinceVisit tracks, per step, whether the instance has
	// advanced past it since the step was last (re)entered; loop detection
	// (spec §4.5) pauses only when revisits accumulate without an
	// intervening advance.
	AdvancedSinceVisit bool `json:"-"`
}

// StepVisit is an immutable, append-only record of a step entry.
type StepVisit struct {
	StepID               string    `json:"step_id"`
	StepName             string    `json:"step_name"`
	EnteredAt            time.Time `json:"entered_at"`
	TurnNumber           int       `json:"turn_number"`
	TransitionReason     string    `json:"transition_reason"`
	Confidence           float64   `json:"confidence"`
	IsCheckpoint         bool      `json:"is_checkpoint"`
	CheckpointDescription string   `json:"checkpoint_description,omitempty"`
	StepContentHash      string    `json:"step_content_hash"`
}

// PendingMigration marks a session as awaiting just-in-time reconciliation
// to a newly deployed scenario version.
type PendingMigration struct {
	TargetVersion    int       `json:"target_version"`
	AnchorContentHash string   `json:"anchor_content_hash"`
	MigrationPlanID  string    `json:"migration_plan_id"`
	MarkedAt         time.Time `json:"marked_at"`
}

// MigrationPlanStatus is the approval lifecycle of a MigrationPlan.
type MigrationPlanStatus string

const (
	MigrationPlanPending  MigrationPlanStatus = "PENDING"
	MigrationPlanApproved MigrationPlanStatus = "APPROVED"
	MigrationPlanDeployed MigrationPlanStatus = "DEPLOYED"
	MigrationPlanRejected MigrationPlanStatus = "REJECTED"
)

// MigrationScenario names the per-anchor migration strategy.
type MigrationScenario string

const (
	MigrationCleanGraft MigrationScenario = "CLEAN_GRAFT"
	MigrationGapFill    MigrationScenario = "GAP_FILL"
	MigrationReRoute    MigrationScenario = "RE_ROUTE"
)

// AnchorTransformation describes how one anchor maps between two scenario
// versions.
type AnchorTransformation struct {
	AnchorName       string            `json:"anchor_name"`
	AnchorHash       string            `json:"anchor_hash"`
	SourceStepIDV1   string            `json:"source_step_id_v1"`
	TargetStepIDV2   string            `json:"target_step_id_v2"`
	MigrationScenario MigrationScenario `json:"migration_scenario"`
	UpstreamChanges  []string          `json:"upstream_changes,omitempty"`
	DownstreamChanges []string         `json:"downstream_changes,omitempty"`
}

// TransformationMap is the full v_old -> v_new diff.
type TransformationMap struct {
	Anchors      []AnchorTransformation `json:"anchors"`
	DeletedNodes []string               `json:"deleted_nodes,omitempty"`
	NewNodeIDs   []string               `json:"new_node_ids,omitempty"`
}

// AnchorMigrationPolicy is an override of the default migration_scenario
// classification for a specific anchor, keyed by anchor hash on
// MigrationPlan.
type AnchorMigrationPolicy struct {
	MigrationScenario MigrationScenario `json:"migration_scenario"`
	Reason            string            `json:"reason,omitempty"`
}

// MigrationPlan is the (offline-generated, human-approved) description of
// how to migrate sessions from one scenario version to another.
type MigrationPlan struct {
	ID       string `json:"id" db:"id"`
	TenantID string `json:"tenant_id" db:"tenant_id"`
	AgentID  string `json:"agent_id" db:"agent_id"`

	ScenarioID        string              `json:"scenario_id" db:"scenario_id"`
	FromVersion       int                 `json:"from_version" db:"from_version"`
	ToVersion         int                 `json:"to_version" db:"to_version"`
	ScenarioChecksumV1 string             `json:"scenario_checksum_v1" db:"scenario_checksum_v1"`
	ScenarioChecksumV2 string             `json:"scenario_checksum_v2" db:"scenario_checksum_v2"`
	Status             MigrationPlanStatus `json:"status" db:"status"`

	TransformationMap TransformationMap               `json:"transformation_map"`
	AnchorPolicies    map[string]AnchorMigrationPolicy `json:"anchor_policies,omitempty"`
	ScopeFilter       map[string]string                `json:"scope_filter,omitempty"`

	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	ApprovedAt *time.Time `json:"approved_at,omitempty" db:"approved_at"`
	DeployedAt *time.Time `json:"deployed_at,omitempty" db:"deployed_at"`
}

// MigrationSummary reports plan-generation results: anchor count and an
// estimate of affected sessions per anchor (spec §4.6).
type MigrationSummary struct {
	AnchorCount             int            `json:"anchor_count"`
	AffectedSessionsByAnchor map[string]int `json:"affected_sessions_by_anchor"`
}

// ReconciliationAction is the outcome of JIT migration reconciliation for a
// single turn.
type ReconciliationAction string

const (
	ReconcileTeleport   ReconciliationAction = "TELEPORT"
	ReconcileCollect    ReconciliationAction = "COLLECT"
	ReconcileReRoute    ReconciliationAction = "RE_ROUTE"
	ReconcileRelocalize ReconciliationAction = "RELOCALIZE"
	ReconcileEscalate   ReconciliationAction = "ESCALATE"
)

// ReconciliationResult is consumed by downstream pipeline phases after JIT
// reconciliation runs.
type ReconciliationResult struct {
	Action             ReconciliationAction `json:"action"`
	Reason             string               `json:"reason,omitempty"`
	FromStep           string               `json:"from_step"`
	ToStep             string               `json:"to_step,omitempty"`
	CollectFields      []string             `json:"collect_fields,omitempty"`
	ScopeFilterMatched bool                 `json:"scope_filter_matched"`
}
