package models

import "time"

// Agent is the configuration root for one conversational agent: a default
// model identifier, a system prompt, and an enabled flag. Agent-scoped
// catalogue entities (Rule, Scenario, Template, ...) hang off AgentID.
type Agent struct {
	ID           string     `json:"id" db:"id"`
	TenantID     string     `json:"tenant_id" db:"tenant_id"`
	Name         string     `json:"name" db:"name"`
	ModelID      string     `json:"model_id" db:"model_id"`
	SystemPrompt string     `json:"system_prompt" db:"system_prompt"`
	Enabled      bool       `json:"enabled" db:"enabled"`
	// ConfigVersion is the published-catalogue pointer swapped atomically
	// by the publish job; sessions pin it at creation.
	ConfigVersion string `json:"config_version,omitempty" db:"config_version"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// RuleScope names what a Rule or StepTransition is eligible against.
type RuleScope string

const (
	RuleScopeGlobal   RuleScope = "GLOBAL"
	RuleScopeScenario RuleScope = "SCENARIO"
	RuleScopeStep     RuleScope = "STEP"
)

// Rule is a behavioural policy evaluated against a turn.
type Rule struct {
	ID       string    `json:"id" db:"id"`
	TenantID string    `json:"tenant_id" db:"tenant_id"`
	AgentID  string    `json:"agent_id" db:"agent_id"`

	ConditionText string    `json:"condition_text" db:"condition_text"`
	ActionText    string    `json:"action_text" db:"action_text"`
	Scope         RuleScope `json:"scope" db:"scope"`
	ScopeID       string    `json:"scope_id,omitempty" db:"scope_id"`

	Priority            int `json:"priority" db:"priority"`
	MaxFiresPerSession  int `json:"max_fires_per_session" db:"max_fires_per_session"`
	CooldownTurns       int `json:"cooldown_turns" db:"cooldown_turns"`

	Enabled bool `json:"enabled" db:"enabled"`

	IsHardConstraint      bool   `json:"is_hard_constraint" db:"is_hard_constraint"`
	EnforcementExpression string `json:"enforcement_expression,omitempty" db:"enforcement_expression"`

	AttachedToolBindings []ToolBinding `json:"attached_tool_bindings,omitempty"`
	AttachedTemplateIDs  []string      `json:"attached_template_ids,omitempty"`

	ConditionEmbedding []float64 `json:"condition_embedding,omitempty" db:"condition_embedding"`
	EmbeddingModel     string    `json:"embedding_model,omitempty" db:"embedding_model"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// Validate enforces the constructor-time checks spec §9 calls for in place
// of Pydantic validators: scope_id required for SCENARIO/STEP scope and
// priority bounds.
func (r *Rule) Validate() error {
	if (r.Scope == RuleScopeScenario || r.Scope == RuleScopeStep) && r.ScopeID == "" {
		return &ValidationError{Field: "scope_id", Reason: "required when scope is SCENARIO or STEP"}
	}
	if r.Priority < -100 || r.Priority > 100 {
		return &ValidationError{Field: "priority", Reason: "must be in [-100, 100]"}
	}
	if r.MaxFiresPerSession < 0 {
		return &ValidationError{Field: "max_fires_per_session", Reason: "must be >= 0"}
	}
	if r.CooldownTurns < 0 {
		return &ValidationError{Field: "cooldown_turns", Reason: "must be >= 0"}
	}
	return nil
}

// ToolBindingPhase names when during a step a tool binding is invoked.
type ToolBindingPhase string

const (
	ToolBindingBeforeStep ToolBindingPhase = "BEFORE_STEP"
	ToolBindingAfterStep  ToolBindingPhase = "AFTER_STEP"
)

// ToolBinding attaches a tool invocation to a rule or scenario step.
type ToolBinding struct {
	ToolID string                 `json:"tool_id"`
	Phase  ToolBindingPhase       `json:"phase"`
	Args   map[string]interface{} `json:"args,omitempty"`
}

// ValidationError reports a constructor-time validation failure (spec §9:
// "explicit constructors that validate on entry").
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Field + ": " + e.Reason
}

// Template is response text with {{placeholder}} substitution.
type TemplateMode string

const (
	TemplateModeFallback TemplateMode = "FALLBACK"
	TemplateModeSuggest  TemplateMode = "SUGGEST"
	TemplateModeStrict   TemplateMode = "STRICT"
)

type Template struct {
	ID       string       `json:"id" db:"id"`
	TenantID string       `json:"tenant_id" db:"tenant_id"`
	AgentID  string       `json:"agent_id" db:"agent_id"`
	Name     string       `json:"name" db:"name"`
	Text     string       `json:"text" db:"text"`
	Mode     TemplateMode `json:"mode" db:"mode"`
	Scope    RuleScope    `json:"scope" db:"scope"`
	ScopeID  string       `json:"scope_id,omitempty" db:"scope_id"`
	Priority int          `json:"priority" db:"priority"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// VariableUpdatePolicy controls when a resolver tool is re-invoked.
type VariableUpdatePolicy string

const (
	VariableUpdateOnDemand VariableUpdatePolicy = "ON_DEMAND"
	VariableUpdateOnChange VariableUpdatePolicy = "ON_CHANGE"
	VariableUpdateAlways   VariableUpdatePolicy = "ALWAYS"
)

// Variable declares a dynamic value resolvable via a tool.
type Variable struct {
	ID             string               `json:"id" db:"id"`
	TenantID       string               `json:"tenant_id" db:"tenant_id"`
	AgentID        string               `json:"agent_id" db:"agent_id"`
	Name           string               `json:"name" db:"name"`
	ResolverToolID string               `json:"resolver_tool_id,omitempty" db:"resolver_tool_id"`
	UpdatePolicy   VariableUpdatePolicy `json:"update_policy" db:"update_policy"`
	CacheTTLSeconds int                 `json:"cache_ttl_seconds" db:"cache_ttl_seconds"`
	DefaultValue   TypedValue           `json:"default_value" db:"default_value"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// Intent is a labeled example set used for per-turn intent classification.
type Intent struct {
	ID             string   `json:"id" db:"id"`
	TenantID       string   `json:"tenant_id" db:"tenant_id"`
	AgentID        string   `json:"agent_id" db:"agent_id"`
	Label          string   `json:"label" db:"label"`
	Description    string   `json:"description" db:"description"`
	ExamplePhrases []string `json:"example_phrases,omitempty"`
	Enabled        bool     `json:"enabled" db:"enabled"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// ToolActivation enables one tool for an agent with its invocation
// settings; ToolBindings on rules and steps reference activations by tool
// id.
type ToolActivation struct {
	ID       string `json:"id" db:"id"`
	TenantID string `json:"tenant_id" db:"tenant_id"`
	AgentID  string `json:"agent_id" db:"agent_id"`

	ToolName    string                 `json:"tool_name" db:"tool_name"`
	Description string                 `json:"description,omitempty" db:"description"`
	Config      map[string]interface{} `json:"config,omitempty"`
	TimeoutMs   int                    `json:"timeout_ms,omitempty" db:"timeout_ms"`
	Enabled     bool                   `json:"enabled" db:"enabled"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// RuleRelationshipKind names how two rules relate.
type RuleRelationshipKind string

const (
	RuleRelationConflicts RuleRelationshipKind = "CONFLICTS"
	RuleRelationOverrides RuleRelationshipKind = "OVERRIDES"
	RuleRelationRequires  RuleRelationshipKind = "REQUIRES"
)

// RuleRelationship records a directed relation between two rules of the
// same agent.
type RuleRelationship struct {
	ID       string `json:"id" db:"id"`
	TenantID string `json:"tenant_id" db:"tenant_id"`
	AgentID  string `json:"agent_id" db:"agent_id"`

	FromRuleID string               `json:"from_rule_id" db:"from_rule_id"`
	ToRuleID   string               `json:"to_rule_id" db:"to_rule_id"`
	Kind       RuleRelationshipKind `json:"kind" db:"kind"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// GlossaryItem is domain vocabulary surfaced to prompts.
type GlossaryItem struct {
	ID         string   `json:"id" db:"id"`
	TenantID   string   `json:"tenant_id" db:"tenant_id"`
	AgentID    string   `json:"agent_id" db:"agent_id"`
	Term       string   `json:"term" db:"term"`
	Definition string   `json:"definition" db:"definition"`
	UsageHint  string   `json:"usage_hint,omitempty" db:"usage_hint"`
	Aliases    []string `json:"aliases,omitempty"`
	Category   string   `json:"category,omitempty" db:"category"`
	Priority   int      `json:"priority" db:"priority"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}
