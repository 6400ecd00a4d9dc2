package filtering

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/alignetic/engine/internal/prompttemplate"
	"github.com/alignetic/engine/pkg/contracts"
	"github.com/alignetic/engine/pkg/models"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// DefaultBatchSize is how many rules one classifier call covers.
const DefaultBatchSize = 5

// Config tunes the ternary classifier.
type Config struct {
	Model               string
	MaxTokens           int
	BatchSize           int
	ConfidenceThreshold float64
	UnsurePolicy        models.UnsurePolicy
}

// DefaultConfig returns the spec defaults.
func DefaultConfig() Config {
	return Config{
		MaxTokens:           600,
		BatchSize:           DefaultBatchSize,
		ConfidenceThreshold: 0.7,
		UnsurePolicy:        models.UnsurePolicyExclude,
	}
}

// TernaryFilter classifies candidate rules as APPLIES / NOT_RELATED /
// UNSURE against the turn's snapshot (spec §4.4 stage 2).
type TernaryFilter struct {
	llm    contracts.LLMClient
	cfg    Config
	prompt *prompttemplate.Template
}

// NewTernaryFilter creates the filter with its prompt precompiled.
func NewTernaryFilter(llm contracts.LLMClient, cfg Config) (*TernaryFilter, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	tpl, err := prompttemplate.Compile(classifierPrompt)
	if err != nil {
		return nil, fmt.Errorf("filtering: compile classifier prompt: %w", err)
	}
	return &TernaryFilter{llm: llm, cfg: cfg, prompt: tpl}, nil
}

// verdict is one rule's classification as parsed from the LLM response.
type verdict struct {
	Verdict    models.RuleFilterVerdict
	Confidence float64
	Relevance  float64
	Reasoning  string
}

// Filter runs the classifier over the pre-filtered candidates in batches
// and applies the decision rule. Matched rules come back sorted by
// relevance_score descending.
func (f *TernaryFilter) Filter(ctx context.Context, snapshot models.SituationSnapshot, rules []models.ScoredRule) (*models.FilterResult, error) {
	result := &models.FilterResult{}
	for start := 0; start < len(rules); start += f.cfg.BatchSize {
		end := start + f.cfg.BatchSize
		if end > len(rules) {
			end = len(rules)
		}
		batch := rules[start:end]
		verdicts := f.classifyBatch(ctx, snapshot, batch)
		for _, sr := range batch {
			f.decide(result, sr, verdicts[sr.Rule.ID])
		}
	}
	sort.SliceStable(result.MatchedRules, func(i, j int) bool {
		return result.MatchedRules[i].RelevanceScore > result.MatchedRules[j].RelevanceScore
	})
	return result, nil
}

// classifyBatch issues one LLM call for the batch. Any failure (call error,
// unparseable response) degrades every rule in the batch to UNSURE with
// confidence 0 (spec §4.4).
func (f *TernaryFilter) classifyBatch(ctx context.Context, snapshot models.SituationSnapshot, batch []models.ScoredRule) map[string]verdict {
	verdicts := make(map[string]verdict, len(batch))
	for _, sr := range batch {
		verdicts[sr.Rule.ID] = verdict{Verdict: models.VerdictUnsure}
	}

	type promptRule struct {
		ID        string
		Condition string
	}
	promptRules := make([]promptRule, len(batch))
	for i, sr := range batch {
		promptRules[i] = promptRule{ID: sr.Rule.ID, Condition: sr.Rule.ConditionText}
	}

	prompt, err := f.prompt.Render(map[string]interface{}{
		"message": snapshot.Message,
		"topic":   snapshot.Topic,
		"rules":   promptRules,
	})
	if err != nil {
		log.Warn().Err(err).Msg("classifier prompt render failed, batch degrades to UNSURE")
		return verdicts
	}

	resp, err := f.llm.Complete(ctx, contracts.LLMRequest{
		Model:       f.cfg.Model,
		UserPrompt:  prompt,
		Temperature: 0,
		MaxTokens:   f.cfg.MaxTokens,
	})
	if err != nil {
		log.Warn().Err(err).Int("batch_size", len(batch)).Msg("classifier LLM call failed, batch degrades to UNSURE")
		return verdicts
	}

	parsed := gjson.Parse(extractArray(resp.Text))
	if !parsed.IsArray() {
		log.Warn().Msg("classifier returned non-array response, batch degrades to UNSURE")
		return verdicts
	}

	parsed.ForEach(func(_, item gjson.Result) bool {
		id := item.Get("rule_id").String()
		if _, known := verdicts[id]; !known {
			return true
		}
		v := verdict{
			Verdict:    parseVerdict(item.Get("verdict").String()),
			Confidence: item.Get("confidence").Float(),
			Relevance:  item.Get("relevance").Float(),
			Reasoning:  item.Get("reasoning").String(),
		}
		verdicts[id] = v
		return true
	})
	return verdicts
}

// decide applies the decision rule (spec §4.4) for one rule.
func (f *TernaryFilter) decide(result *models.FilterResult, sr models.ScoredRule, v verdict) {
	switch v.Verdict {
	case models.VerdictApplies:
		if v.Confidence >= f.cfg.ConfidenceThreshold {
			result.MatchedRules = append(result.MatchedRules, models.MatchedRule{
				Rule:           sr.Rule,
				RelevanceScore: v.Relevance,
				Reasoning:      v.Reasoning,
			})
		}
		// APPLIES below threshold drops silently: not matched, not rejected.
	case models.VerdictNotRelated:
		result.RejectedRuleIDs = append(result.RejectedRuleIDs, sr.Rule.ID)
	case models.VerdictUnsure:
		switch f.cfg.UnsurePolicy {
		case models.UnsurePolicyInclude:
			result.MatchedRules = append(result.MatchedRules, models.MatchedRule{
				Rule:           sr.Rule,
				RelevanceScore: v.Relevance,
				Reasoning:      "UNSURE (included by policy): " + v.Reasoning,
			})
		case models.UnsurePolicyLogOnly:
			log.Info().Str("rule_id", sr.Rule.ID).Str("reasoning", v.Reasoning).Msg("rule UNSURE (log_only policy)")
		}
		// exclude drops silently.
	}
}

func parseVerdict(raw string) models.RuleFilterVerdict {
	switch models.RuleFilterVerdict(strings.ToUpper(strings.TrimSpace(raw))) {
	case models.VerdictApplies:
		return models.VerdictApplies
	case models.VerdictNotRelated:
		return models.VerdictNotRelated
	default:
		return models.VerdictUnsure
	}
}

// extractArray pulls a JSON array out of the response text, tolerating a
// ```json fence and leading prose the way the sensor's extractor does for
// objects.
func extractArray(content string) string {
	if i := strings.Index(content, "["); i >= 0 {
		if j := strings.LastIndex(content, "]"); j > i {
			candidate := content[i : j+1]
			if gjson.Valid(candidate) {
				return candidate
			}
		}
	}
	return ""
}

const classifierPrompt = `You are a rule applicability classifier.
User message: {{message}}
Topic: {{topic}}

For each rule below, decide whether it APPLIES to this message, is
NOT_RELATED, or you are UNSURE.

Rules:
{% for rule in rules %}- rule_id: {{rule.ID}}
  condition: {{rule.Condition}}
{% endfor %}
Respond with a JSON array only, one element per rule:
[{"rule_id": "...", "verdict": "APPLIES|NOT_RELATED|UNSURE", "confidence": 0.0, "relevance": 0.0, "reasoning": "..."}]
`
