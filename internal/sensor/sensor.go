// Package sensor implements the Situation Sensor (spec §4.2): the first
// pipeline phase that turns a raw user message plus context into a
// structured SituationSnapshot.
//
// Grounded field-for-field on
// original_source/focal_backup_20251214/alignment/context/situation_sensor.py
// (kept unchanged per spec — the original is the authoritative semantics for
// this contract) for the six-step Sense algorithm (schema mask, glossary
// view, conversation window, LLM call, snapshot parse, language
// validation). The original's Jinja2 TemplateLoader is replaced by
// internal/prompttemplate per spec §9; its markdown-fence-or-bare-object
// regex JSON extraction is replaced by a small helper plus tidwall/gjson for
// tolerant field access so a malformed or partially-wrong envelope degrades
// field by field instead of failing the whole parse. Retries go through
// internal/llmclient.
package sensor

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/alignetic/engine/internal/prompttemplate"
	"github.com/alignetic/engine/pkg/contracts"
	"github.com/alignetic/engine/pkg/models"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// ConversationTurn is one exchange in the session's history, the unit the
// conversation window is built from.
type ConversationTurn struct {
	Role string // "user" | "agent"
	Text string
}

// SchemaMaskEntry is one field's privacy-safe projection: whether it
// exists, never its value (spec §4.2 "schema mask").
type SchemaMaskEntry struct {
	Name        string
	Type        models.ValueType
	Exists      bool
	DisplayName string
}

// SenseInput bundles everything Sense needs beyond the raw message.
type SenseInput struct {
	Message              string
	History              []ConversationTurn
	CustomerDataFields   map[string]models.CustomerDataField
	ExistingFieldNames    map[string]bool // field name -> currently has a value
	GlossaryItems        map[string]models.GlossaryItem
	PreviousIntentLabel  string
}

// Config controls which optional context the sensor includes in its
// prompt and the LLM call parameters.
type Config struct {
	IncludeSchemaMask bool
	IncludeGlossary   bool
	HistoryTurns      int
	Model             string
	MaxTokens         int
	Temperature       float64 // always rendered as 0 per spec §4.2 regardless of this field; kept for parity with the original's config shape
}

// DefaultConfig mirrors the original's conservative defaults.
func DefaultConfig() Config {
	return Config{
		IncludeSchemaMask: true,
		IncludeGlossary:   true,
		HistoryTurns:      6,
		MaxTokens:         800,
		Temperature:       0,
	}
}

// Sensor extracts a SituationSnapshot from one turn's input.
type Sensor struct {
	llm    contracts.LLMClient
	cfg    Config
	prompt *prompttemplate.Template
}

// New creates a Sensor with its prompt template precompiled once.
func New(llm contracts.LLMClient, cfg Config) (*Sensor, error) {
	tpl, err := prompttemplate.Compile(promptSource)
	if err != nil {
		return nil, fmt.Errorf("sensor: compile prompt template: %w", err)
	}
	return &Sensor{llm: llm, cfg: cfg, prompt: tpl}, nil
}

// Sense runs the six-step algorithm: build schema mask, build glossary
// view, build conversation window, call the sensor LLM, parse the
// snapshot, validate the language code.
func (s *Sensor) Sense(ctx context.Context, in SenseInput) (models.SituationSnapshot, error) {
	var schemaMask []SchemaMaskEntry
	if s.cfg.IncludeSchemaMask {
		schemaMask = s.buildSchemaMask(in.CustomerDataFields, in.ExistingFieldNames)
	}

	var glossary []models.GlossaryItem
	if s.cfg.IncludeGlossary {
		for _, g := range in.GlossaryItems {
			glossary = append(glossary, g)
		}
	}

	window := s.buildConversationWindow(in.History)

	prompt, err := s.prompt.Render(map[string]interface{}{
		"message":               in.Message,
		"schema_mask":           schemaMask,
		"glossary":              glossary,
		"conversation_window":   window,
		"previous_intent_label": orDefault(in.PreviousIntentLabel, "none"),
	})
	if err != nil {
		return degradedSnapshot(in.Message), fmt.Errorf("sensor: render prompt: %w", err)
	}

	resp, err := s.llm.Complete(ctx, contracts.LLMRequest{
		Model:       s.cfg.Model,
		UserPrompt:  prompt,
		Temperature: 0,
		MaxTokens:   s.cfg.MaxTokens,
	})
	if err != nil {
		log.Warn().Err(err).Msg("sensor LLM call failed, returning degraded snapshot")
		return degradedSnapshot(in.Message), nil
	}

	raw, ok := extractJSON(resp.Text)
	if !ok {
		log.Warn().Msg("sensor could not extract JSON from LLM response, returning degraded snapshot")
		return degradedSnapshot(in.Message), nil
	}

	snapshot := parseSnapshot(raw, in.Message)
	snapshot.Language = validateLanguage(snapshot.Language)
	return snapshot, nil
}

func (s *Sensor) buildSchemaMask(fields map[string]models.CustomerDataField, exists map[string]bool) []SchemaMaskEntry {
	entries := make([]SchemaMaskEntry, 0, len(fields))
	for name, def := range fields {
		entries = append(entries, SchemaMaskEntry{
			Name:        name,
			Type:        def.ValueType,
			Exists:      exists[name],
			DisplayName: def.DisplayName,
		})
	}
	return entries
}

// buildConversationWindow returns the last HistoryTurns entries of
// history, or none if HistoryTurns <= 0.
func (s *Sensor) buildConversationWindow(history []ConversationTurn) []ConversationTurn {
	k := s.cfg.HistoryTurns
	if k <= 0 {
		return nil
	}
	if len(history) <= k {
		return history
	}
	return history[len(history)-k:]
}

// fencedJSONRe matches a ```json ... ``` or bare ``` ... ``` fenced block
// containing an object.
var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// bareObjectRe matches the first top-level-looking {...} span when no
// fence is present.
var bareObjectRe = regexp.MustCompile(`(?s)(\{.*\})`)

func extractJSON(content string) (string, bool) {
	if m := fencedJSONRe.FindStringSubmatch(content); m != nil {
		if gjson.Valid(m[1]) {
			return m[1], true
		}
	}
	if m := bareObjectRe.FindStringSubmatch(content); m != nil {
		if gjson.Valid(m[1]) {
			return m[1], true
		}
	}
	return "", false
}

func parseSnapshot(raw string, message string) models.SituationSnapshot {
	root := gjson.Parse(raw)

	snapshot := models.SituationSnapshot{
		Message:             message,
		Language:            root.Get("language").String(),
		PreviousIntentLabel: root.Get("previous_intent_label").String(),
		IntentChanged:       root.Get("intent_changed").Bool(),
		NewIntentLabel:      root.Get("new_intent_label").String(),
		NewIntentText:       root.Get("new_intent_text").String(),
		Topic:               root.Get("topic").String(),
		TopicChanged:        root.Get("topic_changed").Bool(),
		Tone:                orDefault(root.Get("tone").String(), "neutral"),
		Sentiment:           parseEnum(root.Get("sentiment").String(), models.SentimentNeutral, models.SentimentPositive, models.SentimentNeutral, models.SentimentNegative),
		FrustrationLevel:    parseFrustration(root.Get("frustration_level").String()),
		Urgency:             parseEnum(root.Get("urgency").String(), models.UrgencyNormal, models.UrgencyLow, models.UrgencyNormal, models.UrgencyHigh, models.UrgencyCritical),
		ScenarioSignal:      parseEnum(root.Get("scenario_signal").String(), models.ScenarioSignalContinue, models.ScenarioSignalContinue, models.ScenarioSignalPause, models.ScenarioSignalCancel),
	}

	if root.Get("language").String() == "" {
		snapshot.Language = "en"
	}

	for _, fact := range root.Get("situation_facts").Array() {
		snapshot.SituationFacts = append(snapshot.SituationFacts, fact.String())
	}

	candidates := root.Get("candidate_variables")
	if candidates.Exists() {
		snapshot.CandidateVariables = make(map[string]models.CandidateVariableUpdate)
		candidates.ForEach(func(key, value gjson.Result) bool {
			scope := value.Get("scope").String()
			if scope == "" {
				scope = "IDENTITY"
			}
			snapshot.CandidateVariables[key.String()] = models.CandidateVariableUpdate{
				Value:    models.NewStringValue(value.Get("value").String()),
				Scope:    scope,
				IsUpdate: value.Get("is_update").Bool(),
			}
			return true
		})
	}

	return snapshot
}

// parseEnum lowercases raw and returns it as T if it matches one of
// allowed; otherwise returns def. Grounded on the original's
// try/except-ValueError-keep-default pattern.
func parseEnum[T ~string](raw string, def T, allowed ...T) T {
	if raw == "" {
		return def
	}
	lower := T(strings.ToLower(raw))
	for _, a := range allowed {
		if lower == a {
			return lower
		}
	}
	return def
}

// parseFrustration normalizes the LLM's frustration_level, which may come
// back as the literal string "none" instead of an absent field.
func parseFrustration(raw string) models.FrustrationLevel {
	lower := strings.ToLower(raw)
	switch models.FrustrationLevel(lower) {
	case models.FrustrationLow, models.FrustrationMedium, models.FrustrationHigh:
		return models.FrustrationLevel(lower)
	default:
		return ""
	}
}

func validateLanguage(lang string) string {
	if len(lang) == 2 && isAlpha(lang) {
		return strings.ToLower(lang)
	}
	if lang != "" {
		log.Warn().Str("language", lang).Msg("invalid language code, defaulting to en")
	}
	return "en"
}

func isAlpha(s string) bool {
	for _, r := range s {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')) {
			return false
		}
	}
	return true
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// degradedSnapshot is the safe-default returned when the sensor LLM call
// or its output cannot be trusted (spec §4.2 failure semantics): the pipeline
// continues with neutral defaults and SensorDegraded set so downstream
// phases and the audit trail can see this turn ran without situational
// context.
func degradedSnapshot(message string) models.SituationSnapshot {
	return models.SituationSnapshot{
		Message:        message,
		Language:       "en",
		Tone:           "neutral",
		Sentiment:      models.SentimentNeutral,
		Urgency:        models.UrgencyNormal,
		ScenarioSignal: models.ScenarioSignalUnknown,
		SensorDegraded: true,
	}
}

const promptSource = `You are a situational awareness extractor for a customer conversation.
Respond with a single JSON object and nothing else.

Current message: {{message}}
Previous intent: {{previous_intent_label}}

Conversation window:
{% for turn in conversation_window %}{{turn.Role}}: {{turn.Text}}
{% endfor %}
Known customer fields (existence only, never values):
{% for field in schema_mask %}- {{field.Name}} ({{field.Type}}): {{field.Exists}}
{% endfor %}
Glossary:
{% for term in glossary %}- {{term.Term}}: {{term.Definition}}
{% endfor %}
Return JSON with keys: language, intent_changed, new_intent_label, new_intent_text,
topic, topic_changed, tone, sentiment, frustration_level, urgency, scenario_signal,
situation_facts, candidate_variables.
`
