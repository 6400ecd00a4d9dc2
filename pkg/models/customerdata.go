package models

import "time"

// RequiredLevel is the strictness of a ScenarioFieldRequirement.
type RequiredLevel string

const (
	RequiredLevelHard RequiredLevel = "HARD"
	RequiredLevelSoft RequiredLevel = "SOFT"
)

// FallbackAction names what happens when a HARD/SOFT requirement is unmet.
type FallbackAction string

const (
	FallbackAsk      FallbackAction = "ASK"
	FallbackSkip     FallbackAction = "SKIP"
	FallbackEscalate FallbackAction = "ESCALATE"
)

// ValidationMode controls how a CustomerDataField's value is checked.
type ValidationMode string

const (
	ValidationModeNone  ValidationMode = "none"
	ValidationModeRegex ValidationMode = "regex"
	ValidationModeTool  ValidationMode = "tool"
)

// CustomerDataField is the schema for one field of customer data: shape,
// validation, and privacy/retention metadata.
type CustomerDataField struct {
	ID       string `json:"id" db:"id"`
	TenantID string `json:"tenant_id" db:"tenant_id"`
	AgentID  string `json:"agent_id" db:"agent_id"`

	Name              string         `json:"name" db:"name"`
	DisplayName       string         `json:"display_name" db:"display_name"`
	ValueType         ValueType      `json:"value_type" db:"value_type"`
	ValidationRegex   string         `json:"validation_regex,omitempty" db:"validation_regex"`
	ValidationToolID  string         `json:"validation_tool_id,omitempty" db:"validation_tool_id"`
	AllowedValues     []string       `json:"allowed_values,omitempty"`
	ValidationMode    ValidationMode `json:"validation_mode" db:"validation_mode"`
	RequiredVerification bool        `json:"required_verification" db:"required_verification"`
	FreshnessSeconds  int            `json:"freshness_seconds,omitempty" db:"freshness_seconds"`
	IsPII             bool           `json:"is_pii" db:"is_pii"`
	EncryptionRequired bool          `json:"encryption_required" db:"encryption_required"`
	RetentionDays     int            `json:"retention_days,omitempty" db:"retention_days"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// ScenarioFieldRequirement binds a CustomerDataField to a scenario (and
// optionally a step) with a strictness level and a fallback.
type ScenarioFieldRequirement struct {
	ID         string        `json:"id" db:"id"`
	TenantID   string        `json:"tenant_id" db:"tenant_id"`
	ScenarioID string        `json:"scenario_id" db:"scenario_id"`
	StepID     string        `json:"step_id,omitempty" db:"step_id"`
	FieldName  string        `json:"field_name" db:"field_name"`

	RequiredLevel   RequiredLevel  `json:"required_level" db:"required_level"`
	FallbackAction  FallbackAction `json:"fallback_action" db:"fallback_action"`
	CollectionOrder int            `json:"collection_order" db:"collection_order"`
}

// VariableEntrySource names where a runtime fact about a customer came from.
type VariableEntrySource string

const (
	VariableSourceUserProvided VariableEntrySource = "USER_PROVIDED"
	VariableSourceToolDerived  VariableEntrySource = "TOOL_DERIVED"
	VariableSourceInferred     VariableEntrySource = "INFERRED"
	VariableSourceSystem       VariableEntrySource = "SYSTEM"
)

// VariableEntryStatus is the lineage-tracked lifecycle of a fact.
type VariableEntryStatus string

const (
	VariableEntryActive     VariableEntryStatus = "ACTIVE"
	VariableEntrySuperseded VariableEntryStatus = "SUPERSEDED"
	VariableEntryExpired    VariableEntryStatus = "EXPIRED"
	VariableEntryOrphaned   VariableEntryStatus = "ORPHANED"
)

// VariableEntry is a runtime fact about a customer, lineage-tracked through
// supersession, expiration, and orphaning.
type VariableEntry struct {
	ID         string    `json:"id" db:"id"`
	TenantID   string    `json:"tenant_id" db:"tenant_id"`
	CustomerID string    `json:"customer_id" db:"customer_id"`

	Name      string               `json:"name" db:"name"`
	Value     TypedValue           `json:"value" db:"value"`
	ValueType ValueType            `json:"value_type" db:"value_type"`
	Source    VariableEntrySource  `json:"source" db:"source"`
	Status    VariableEntryStatus  `json:"status" db:"status"`

	CollectedAt    time.Time  `json:"collected_at" db:"collected_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	SupersededByID string     `json:"superseded_by_id,omitempty" db:"superseded_by_id"`
	SupersededAt   *time.Time `json:"superseded_at,omitempty" db:"superseded_at"`

	SourceItemID   string            `json:"source_item_id,omitempty" db:"source_item_id"`
	SourceItemType string            `json:"source_item_type,omitempty" db:"source_item_type"`
	SourceMetadata map[string]string `json:"source_metadata,omitempty"`

	Verified bool `json:"verified" db:"verified"`
}

// IsFresh reports whether the entry is ACTIVE and, if the field demands
// freshness, was collected within freshnessSeconds of now.
func (e *VariableEntry) IsFresh(now time.Time, freshnessSeconds int) bool {
	if e.Status != VariableEntryActive {
		return false
	}
	if freshnessSeconds <= 0 {
		return true
	}
	return now.Sub(e.CollectedAt) <= time.Duration(freshnessSeconds)*time.Second
}

// ProfileAsset shares VariableEntry's lifecycle but holds a pointer to an
// opaque blob in external object storage rather than an inline value.
type ProfileAsset struct {
	ID         string              `json:"id" db:"id"`
	TenantID   string              `json:"tenant_id" db:"tenant_id"`
	CustomerID string              `json:"customer_id" db:"customer_id"`

	Name       string              `json:"name" db:"name"`
	StorageKey string              `json:"storage_key" db:"storage_key"`
	MimeType   string              `json:"mime_type,omitempty" db:"mime_type"`
	Source     VariableEntrySource `json:"source" db:"source"`
	Status     VariableEntryStatus `json:"status" db:"status"`

	CollectedAt    time.Time  `json:"collected_at" db:"collected_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	SupersededByID string     `json:"superseded_by_id,omitempty" db:"superseded_by_id"`
	SupersededAt   *time.Time `json:"superseded_at,omitempty" db:"superseded_at"`

	SourceItemID   string `json:"source_item_id,omitempty" db:"source_item_id"`
	SourceItemType string `json:"source_item_type,omitempty" db:"source_item_type"`
}

// ChannelIdentity links a (channel, channel_user_id) pair to a customer
// profile. Unique across profiles of a tenant.
type ChannelIdentity struct {
	Channel       string `json:"channel"`
	ChannelUserID string `json:"channel_user_id"`
}

// Consent records a customer's grant/revocation of a named consent.
type Consent struct {
	Name      string    `json:"name"`
	Granted   bool      `json:"granted"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CustomerDataStore is the per-customer aggregate: identities, the current
// ACTIVE fields, assets, and consents. (Not to be confused with the
// store.CustomerDataStore interface in internal/store, which is the
// repository abstraction over many of these aggregates.)
type CustomerDataStore struct {
	ID         string `json:"id" db:"id"`
	TenantID   string `json:"tenant_id" db:"tenant_id"`
	CustomerID string `json:"customer_id" db:"customer_id"`

	ChannelIdentities []ChannelIdentity         `json:"channel_identities,omitempty"`
	Fields            map[string]VariableEntry  `json:"fields"`
	Assets            map[string]ProfileAsset   `json:"assets,omitempty"`
	Consents          map[string]Consent        `json:"consents,omitempty"`
}
