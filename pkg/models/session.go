package models

import "time"

// SessionStatus is the live state of a conversation.
type SessionStatus string

const (
	SessionActive      SessionStatus = "ACTIVE"
	SessionIdle        SessionStatus = "IDLE"
	SessionProcessing  SessionStatus = "PROCESSING"
	SessionInterrupted SessionStatus = "INTERRUPTED"
	SessionClosed      SessionStatus = "CLOSED"
)

// Session is the live conversation state for one (tenant, agent, channel,
// user_channel_id) conversation.
type Session struct {
	SessionID        string `json:"session_id" db:"session_id"`
	TenantID         string `json:"tenant_id" db:"tenant_id"`
	AgentID          string `json:"agent_id" db:"agent_id"`
	Channel          string `json:"channel" db:"channel"`
	UserChannelID    string `json:"user_channel_id" db:"user_channel_id"`
	CustomerProfileID string `json:"customer_profile_id,omitempty" db:"customer_profile_id"`

	ConfigVersion string `json:"config_version,omitempty" db:"config_version"`

	ActiveScenarios []ScenarioInstance `json:"active_scenarios,omitempty"`
	StepHistory     []StepVisit        `json:"step_history,omitempty"`

	RelocalizationCount int `json:"relocalization_count" db:"relocalization_count"`

	RuleFires        map[string]int `json:"rule_fires,omitempty"`
	RuleLastFireTurn map[string]int `json:"rule_last_fire_turn,omitempty"`

	Variables        map[string]TypedValue  `json:"variables,omitempty"`
	VariableUpdatedAt map[string]time.Time  `json:"variable_updated_at,omitempty"`

	TurnCount int           `json:"turn_count" db:"turn_count"`
	Status    SessionStatus `json:"status" db:"status"`

	PendingMigration *PendingMigration `json:"pending_migration,omitempty"`
	ScenarioChecksum string            `json:"scenario_checksum,omitempty" db:"scenario_checksum"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// InstanceByScenario returns the active/paused instance of a scenario id,
// or nil if none is present.
func (s *Session) InstanceByScenario(scenarioID string) *ScenarioInstance {
	for i := range s.ActiveScenarios {
		if s.ActiveScenarios[i].ScenarioID == scenarioID {
			return &s.ActiveScenarios[i]
		}
	}
	return nil
}

// CountActiveOrPaused counts instances not yet completed/cancelled, used
// against max_concurrent_scenarios.
func (s *Session) CountActiveOrPaused() int {
	n := 0
	for _, inst := range s.ActiveScenarios {
		if inst.Status == ScenarioInstanceActive || inst.Status == ScenarioInstancePaused {
			n++
		}
	}
	return n
}

// Episode is an immutable, embedded atomic record of one user<->agent
// exchange or system event, used as associative memory.
type Episode struct {
	ID         string    `json:"id" db:"id"`
	TenantID   string    `json:"tenant_id" db:"tenant_id"`
	SessionID  string    `json:"session_id" db:"session_id"`
	CustomerID string    `json:"customer_id,omitempty" db:"customer_id"`

	Kind      string    `json:"kind" db:"kind"` // "turn" | "system_event"
	Text      string    `json:"text" db:"text"`
	Embedding []float64 `json:"embedding,omitempty" db:"embedding"`

	TurnID    string    `json:"turn_id,omitempty" db:"turn_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Entity is an extracted knowledge-graph node with temporal validity.
type Entity struct {
	ID         string     `json:"id" db:"id"`
	TenantID   string     `json:"tenant_id" db:"tenant_id"`
	CustomerID string     `json:"customer_id" db:"customer_id"`
	Kind       string     `json:"kind" db:"kind"`
	Name       string     `json:"name" db:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
	ValidFrom  time.Time  `json:"valid_from" db:"valid_from"`
	ValidTo    *time.Time `json:"valid_to,omitempty" db:"valid_to"`
}

// Relationship links two Entities; superseding closes the old one (sets
// valid_to=now) and opens a new one.
type Relationship struct {
	ID         string     `json:"id" db:"id"`
	TenantID   string     `json:"tenant_id" db:"tenant_id"`
	FromEntity string     `json:"from_entity" db:"from_entity"`
	ToEntity   string     `json:"to_entity" db:"to_entity"`
	Kind       string     `json:"kind" db:"kind"`
	ValidFrom  time.Time  `json:"valid_from" db:"valid_from"`
	ValidTo    *time.Time `json:"valid_to,omitempty" db:"valid_to"`
}

// TurnError is returned by ProcessTurn on a fatal, non-degraded failure.
type TurnError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func (e *TurnError) Error() string { return e.Code + ": " + e.Message }
