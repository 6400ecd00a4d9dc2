package models

import "time"

// Sentiment classifies the emotional valence of a message.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// FrustrationLevel is a coarse escalation signal.
type FrustrationLevel string

const (
	FrustrationLow    FrustrationLevel = "low"
	FrustrationMedium FrustrationLevel = "medium"
	FrustrationHigh   FrustrationLevel = "high"
)

// Urgency is how quickly a turn needs a resolution.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// ScenarioSignal is the Sensor's read on what should happen to active
// scenario instances this turn.
type ScenarioSignal string

const (
	ScenarioSignalContinue ScenarioSignal = "CONTINUE"
	ScenarioSignalPause    ScenarioSignal = "PAUSE"
	ScenarioSignalCancel   ScenarioSignal = "CANCEL"
	ScenarioSignalUnknown  ScenarioSignal = "UNKNOWN"
)

// CandidateVariableUpdate is one Sensor-proposed write to the customer data
// store, pending confirmation later in the pipeline.
type CandidateVariableUpdate struct {
	Value    TypedValue `json:"value"`
	Scope    string     `json:"scope"`
	IsUpdate bool       `json:"is_update"`
}

// SituationSnapshot is the Situation Sensor's structured read of one turn.
type SituationSnapshot struct {
	Message string `json:"message"`

	Language string `json:"language"`

	PreviousIntentLabel string `json:"previous_intent_label,omitempty"`
	IntentChanged        bool   `json:"intent_changed"`
	NewIntentLabel       string `json:"new_intent_label,omitempty"`
	NewIntentText        string `json:"new_intent_text,omitempty"`

	Topic        string `json:"topic,omitempty"`
	TopicChanged bool   `json:"topic_changed"`

	Tone             string           `json:"tone,omitempty"`
	Sentiment        Sentiment        `json:"sentiment"`
	FrustrationLevel FrustrationLevel `json:"frustration_level,omitempty"`
	Urgency          Urgency          `json:"urgency"`

	ScenarioSignal ScenarioSignal `json:"scenario_signal"`

	SituationFacts []string `json:"situation_facts,omitempty"`

	CandidateVariables map[string]CandidateVariableUpdate `json:"candidate_variables,omitempty"`

	Embedding []float64 `json:"embedding,omitempty"`

	// SensorDegraded is set when LLM calls exhausted retries and this
	// snapshot is the safe-default fallback (spec §4.2 failure semantics).
	SensorDegraded bool `json:"sensor_degraded,omitempty"`
}

// ScoredRule is a Rule carried with its retrieval score and the scope it
// was retrieved under.
type ScoredRule struct {
	Rule   Rule      `json:"rule"`
	Score  float64   `json:"score"`
	Source RuleScope `json:"source"`
}

// ScoredScenario is a Scenario carried with its retrieval score.
type ScoredScenario struct {
	Scenario Scenario `json:"scenario"`
	Score    float64  `json:"score"`
}

// SelectionMetadata carries strategy-specific diagnostics (e.g. elbow_idx,
// cutoff_score) alongside a selection result.
type SelectionMetadata map[string]interface{}

// RetrievalResult is the output of hybrid retrieval + selection for one
// turn.
type RetrievalResult struct {
	Rules             []ScoredRule      `json:"rules"`
	Scenarios         []ScoredScenario  `json:"scenarios"`
	RetrievalTimeMs   int64             `json:"retrieval_time_ms"`
	SelectionMetadata SelectionMetadata `json:"selection_metadata,omitempty"`
}

// RuleFilterVerdict is the ternary classification of one rule against a
// snapshot.
type RuleFilterVerdict string

const (
	VerdictApplies    RuleFilterVerdict = "APPLIES"
	VerdictNotRelated RuleFilterVerdict = "NOT_RELATED"
	VerdictUnsure     RuleFilterVerdict = "UNSURE"
)

// UnsurePolicy controls how UNSURE verdicts are resolved (spec §4.4, §9
// Open Question: log_only never promotes to matched_rules).
type UnsurePolicy string

const (
	UnsurePolicyExclude  UnsurePolicy = "exclude"
	UnsurePolicyInclude  UnsurePolicy = "include"
	UnsurePolicyLogOnly  UnsurePolicy = "log_only"
)

// MatchedRule is a rule that survived filtering, carrying the relevance
// score used to order matched_rules.
type MatchedRule struct {
	Rule            Rule    `json:"rule"`
	RelevanceScore  float64 `json:"relevance_score"`
	Reasoning       string  `json:"reasoning,omitempty"`
}

// FilterResult is the output of the two-stage rule filter.
type FilterResult struct {
	MatchedRules    []MatchedRule `json:"matched_rules"`
	RejectedRuleIDs []string      `json:"rejected_rule_ids"`
}

// LifecycleAction is the decision the Scenario Orchestrator makes for one
// active instance (or a candidate not yet started).
type LifecycleAction string

const (
	LifecycleContinue LifecycleAction = "CONTINUE"
	LifecyclePause    LifecycleAction = "PAUSE"
	LifecycleCancel   LifecycleAction = "CANCEL"
	LifecycleComplete LifecycleAction = "COMPLETE"
	LifecycleStart    LifecycleAction = "START"
)

// LifecycleDecision is one instance's (or candidate's) lifecycle verdict.
type LifecycleDecision struct {
	ScenarioID string          `json:"scenario_id"`
	Action     LifecycleAction `json:"action"`
	Reason     string          `json:"reason,omitempty"`
}

// TransitionDecision records whether a scenario instance advanced to a new
// step this turn.
type TransitionDecision struct {
	ScenarioID       string  `json:"scenario_id"`
	FromStepID       string  `json:"from_step_id"`
	ToStepID         string  `json:"to_step_id,omitempty"`
	Fired            bool    `json:"fired"`
	Score            float64 `json:"score,omitempty"`
	Relocalized      bool    `json:"relocalized"`
	LoopIncremented  bool    `json:"loop_incremented"`
}

// ContributionType names how a scenario instance wants to influence the
// turn's response.
type ContributionType string

const (
	ContributionInform  ContributionType = "INFORM"
	ContributionPrompt  ContributionType = "PROMPT"
	ContributionCollect ContributionType = "COLLECT"
	ContributionAct     ContributionType = "ACT"
)

// ScenarioContribution is one instance's proposed influence on the turn.
type ScenarioContribution struct {
	ScenarioID      string           `json:"scenario_id"`
	ScenarioName    string           `json:"scenario_name"`
	CurrentStepID   string           `json:"current_step_id"`
	CurrentStepName string           `json:"current_step_name"`
	ContributionType ContributionType `json:"contribution_type"`
	StepInstructions string          `json:"step_instructions,omitempty"`
	RequiredFields   []string        `json:"required_fields,omitempty"`
	SuggestedTools   []string        `json:"suggested_tools,omitempty"`

	Priority  int       `json:"priority"`
	StartedAt time.Time `json:"started_at"`
}

// ScenarioContributionPlan is the full set of contributions for a turn,
// post conflict-resolution.
type ScenarioContributionPlan struct {
	Contributions []ScenarioContribution `json:"contributions"`
}

// ScenarioResult bundles everything the orchestrator produced for one turn.
type ScenarioResult struct {
	Lifecycle    []LifecycleDecision       `json:"lifecycle"`
	Transitions  []TransitionDecision      `json:"transitions"`
	Contributions ScenarioContributionPlan `json:"contributions"`
}

// ResponseType is the kind of reply the Planner decided on.
type ResponseType string

const (
	ResponseAsk      ResponseType = "ASK"
	ResponseAnswer   ResponseType = "ANSWER"
	ResponseAct      ResponseType = "ACT"
	ResponseEscalate ResponseType = "ESCALATE"
	ResponseCollect  ResponseType = "COLLECT"
	ResponseReroute  ResponseType = "REROUTE"
)

// RuleConstraint is a hard-constraint rule carried forward for enforcement.
type RuleConstraint struct {
	RuleID                string `json:"rule_id"`
	ActionText            string `json:"action_text"`
	EnforcementExpression string `json:"enforcement_expression,omitempty"`
}

// ResponsePlan is the Planner's merged output before generation.
type ResponsePlan struct {
	ResponseType     ResponseType           `json:"response_type"`
	Constraints      []RuleConstraint       `json:"constraints,omitempty"`
	Contributions    []ScenarioContribution `json:"contributions,omitempty"`
	SuggestedTemplates []string             `json:"suggested_templates,omitempty"`
	ForcedTemplate   string                 `json:"forced_template,omitempty"`
	ToolsToExecute   []ToolBinding          `json:"tools_to_execute,omitempty"`
	VariablesToResolve []string             `json:"variables_to_resolve,omitempty"`
	CollectFields    []string               `json:"collect_fields,omitempty"`
}

// ToolResult is the outcome of one tool invocation.
type ToolResult struct {
	ToolID  string                 `json:"tool_id"`
	Success bool                   `json:"success"`
	Output  map[string]interface{} `json:"output,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// Generation is the raw output of the response generator.
type Generation struct {
	Text       string   `json:"text"`
	Categories []string `json:"categories,omitempty"`
}

// OutcomeResolution is the final status of a turn (spec §4.9 TurnOutcome
// resolution table).
type OutcomeResolution string

const (
	ResolutionAnswered  OutcomeResolution = "ANSWERED"
	ResolutionBlocked   OutcomeResolution = "BLOCKED"
	ResolutionError     OutcomeResolution = "ERROR"
	ResolutionRedirected OutcomeResolution = "REDIRECTED"
	ResolutionPartial   OutcomeResolution = "PARTIAL"
)

// TurnOutcome is the final verdict categorization attached to an
// AlignmentResult.
type TurnOutcome struct {
	Resolution     OutcomeResolution `json:"resolution"`
	BlockingRuleID string            `json:"blocking_rule_id,omitempty"`
	Category       string            `json:"category,omitempty"`
}

// PipelineTiming is the duration + skip/error state of one pipeline phase.
type PipelineTiming struct {
	Step       string `json:"step"`
	DurationMs int64  `json:"duration_ms"`
	Skipped    bool   `json:"skipped,omitempty"`
	Error      string `json:"error,omitempty"`
}

// AlignmentResult is the pipeline's terminal output for one turn.
type AlignmentResult struct {
	Response             string                `json:"response"`
	SessionID            string                `json:"session_id"`
	TurnID               string                `json:"turn_id"`
	ScenarioResult       *ScenarioResult       `json:"scenario_result,omitempty"`
	ReconciliationResult *ReconciliationResult `json:"reconciliation_result,omitempty"`
	MatchedRules         []MatchedRule         `json:"matched_rules,omitempty"`
	ToolResults          []ToolResult          `json:"tool_results,omitempty"`
	Generation           *Generation           `json:"generation,omitempty"`
	TotalTimeMs          int64                 `json:"total_time_ms"`
	PipelineTimings      []PipelineTiming      `json:"pipeline_timings,omitempty"`
	Outcome              TurnOutcome           `json:"outcome"`
}

// Turn is the append-only per-exchange record behind the ListTurns API.
type Turn struct {
	ID        string `json:"id" db:"id"`
	TenantID  string `json:"tenant_id" db:"tenant_id"`
	SessionID string `json:"session_id" db:"session_id"`

	Message  string `json:"message" db:"message"`
	Response string `json:"response" db:"response"`

	Outcome     OutcomeResolution `json:"outcome" db:"outcome"`
	TurnNumber  int               `json:"turn_number" db:"turn_number"`
	TotalTimeMs int64             `json:"total_time_ms" db:"total_time_ms"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// AuditEvent is an immutable record of a turn's processing.
type AuditEvent struct {
	ID        string    `json:"id" db:"id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	SessionID string    `json:"session_id" db:"session_id"`
	TurnID    string    `json:"turn_id" db:"turn_id"`
	Kind      string    `json:"kind" db:"kind"` // "completed" | "cancelled" | "persist_failed"
	Outcome   string    `json:"outcome,omitempty" db:"outcome"`
	Detail    string    `json:"detail,omitempty" db:"detail"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// VectorDoc is one document synced into the external vector index by the
// EmbeddingManager.
type VectorDoc struct {
	ID       string            `json:"id"`
	Vector   []float64         `json:"vector"`
	Metadata map[string]string `json:"metadata"`
	Text     string            `json:"text,omitempty"`
}

// SearchResult pairs a VectorDoc with its similarity score from a query.
type SearchResult struct {
	Doc   VectorDoc `json:"doc"`
	Score float64   `json:"score"`
}
