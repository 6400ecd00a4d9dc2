package planner

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/PaesslerAG/jsonpath"
	"github.com/alignetic/engine/internal/prompttemplate"
	"github.com/alignetic/engine/pkg/contracts"
	"github.com/alignetic/engine/pkg/models"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// GenConfig carries the generation call parameters (per-step configurable,
// spec §6 configuration surface).
type GenConfig struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// DefaultGenConfig returns conservative generation defaults.
func DefaultGenConfig() GenConfig {
	return GenConfig{Temperature: 0.3, MaxTokens: 1024}
}

// Generator turns a ResponsePlan into response text: either a bounded LLM
// generation from a deterministically assembled prompt, or a rendered
// STRICT template (spec §4.8).
type Generator struct {
	llm     contracts.LLMClient
	configs interface {
		GetTemplate(ctx context.Context, tenantID, templateID string) (*models.Template, error)
	}
	prompt *prompttemplate.Template
}

// NewGenerator creates a Generator.
func NewGenerator(llm contracts.LLMClient, configs interface {
	GetTemplate(ctx context.Context, tenantID, templateID string) (*models.Template, error)
}) (*Generator, error) {
	tpl, err := prompttemplate.Compile(generationPrompt)
	if err != nil {
		return nil, fmt.Errorf("planner: compile generation prompt: %w", err)
	}
	return &Generator{llm: llm, configs: configs, prompt: tpl}, nil
}

// GenInput is everything the prompt is assembled from.
type GenInput struct {
	TenantID     string
	SystemPrompt string
	Plan         *models.ResponsePlan
	MatchedRules []models.MatchedRule
	ToolResults  map[string]models.ToolResult
	History      []HistoryTurn
	Variables    map[string]models.TypedValue
	Config       GenConfig
}

// HistoryTurn is one schema-masked exchange included in the prompt window.
type HistoryTurn struct {
	Role string
	Text string
}

// Generate produces the response. A forced STRICT template skips the LLM
// entirely.
func (g *Generator) Generate(ctx context.Context, in GenInput) (*models.Generation, error) {
	if in.Plan.ForcedTemplate != "" {
		text, err := g.RenderTemplate(ctx, in.TenantID, in.Plan.ForcedTemplate, in.Variables, in.ToolResults)
		if err == nil {
			return &models.Generation{Text: text}, nil
		}
		log.Warn().Err(err).Str("template_id", in.Plan.ForcedTemplate).Msg("forced template render failed, falling back to generation")
	}

	prompt, err := g.buildPrompt(in)
	if err != nil {
		return nil, err
	}

	resp, err := g.llm.Complete(ctx, contracts.LLMRequest{
		Model:        in.Config.Model,
		SystemPrompt: in.SystemPrompt,
		UserPrompt:   prompt,
		Temperature:  in.Config.Temperature,
		MaxTokens:    in.Config.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	return parseGeneration(resp.Text), nil
}

func (g *Generator) buildPrompt(in GenInput) (string, error) {
	type ruleView struct{ Action string }
	rules := make([]ruleView, 0, len(in.MatchedRules))
	for _, mr := range in.MatchedRules {
		rules = append(rules, ruleView{Action: mr.Rule.ActionText})
	}

	type contributionView struct{ Instructions string }
	var contributions []contributionView
	for _, c := range in.Plan.Contributions {
		contributions = append(contributions, contributionView{Instructions: c.StepInstructions})
	}

	type toolView struct {
		ID     string
		Output string
	}
	var tools []toolView
	for id, tr := range in.ToolResults {
		if tr.Success {
			tools = append(tools, toolView{ID: id, Output: fmt.Sprintf("%v", tr.Output)})
		}
	}

	return g.prompt.Render(map[string]interface{}{
		"response_type":  string(in.Plan.ResponseType),
		"rules":          rules,
		"contributions":  contributions,
		"tools":          tools,
		"history":        in.History,
		"collect_fields": strings.Join(in.Plan.CollectFields, ", "),
	})
}

// RenderTemplate substitutes {{placeholder}} paths in a stored template
// against the turn's variables and tool results. Dotted placeholders
// resolve through jsonpath over the tool-result document.
func (g *Generator) RenderTemplate(ctx context.Context, tenantID, templateID string, vars map[string]models.TypedValue, toolResults map[string]models.ToolResult) (string, error) {
	tmpl, err := g.configs.GetTemplate(ctx, tenantID, templateID)
	if err != nil {
		return "", err
	}
	return SubstitutePlaceholders(tmpl.Text, vars, toolResults), nil
}

var placeholderRe = regexp.MustCompile(`\{\{([a-zA-Z_][a-zA-Z0-9_.]*)\}\}`)

// SubstitutePlaceholders fills {{name}} from variables and
// {{tool_id.path.to.value}} from tool outputs.
func SubstitutePlaceholders(text string, vars map[string]models.TypedValue, toolResults map[string]models.ToolResult) string {
	names := make(map[string]bool)
	for _, m := range placeholderRe.FindAllStringSubmatch(text, -1) {
		names[m[1]] = true
	}
	for name := range names {
		var value string
		if v, ok := vars[name]; ok {
			value = v.Format()
		} else if dot := strings.Index(name, "."); dot > 0 {
			if tr, ok := toolResults[name[:dot]]; ok && tr.Output != nil {
				doc := map[string]interface{}(tr.Output)
				if got, err := jsonpath.Get("$."+name[dot+1:], interface{}(doc)); err == nil {
					value = fmt.Sprintf("%v", got)
				}
			}
		}
		if value != "" {
			text = strings.ReplaceAll(text, "{{"+name+"}}", value)
		}
	}
	return text
}

// parseGeneration treats the response as plain text, carrying a structured
// envelope's categories forward when the generator emits one (spec §4.8).
func parseGeneration(text string) *models.Generation {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") && gjson.Valid(trimmed) {
		root := gjson.Parse(trimmed)
		if root.Get("categories").IsArray() {
			gen := &models.Generation{Text: root.Get("text").String()}
			if gen.Text == "" {
				gen.Text = trimmed
			}
			for _, c := range root.Get("categories").Array() {
				gen.Categories = append(gen.Categories, c.String())
			}
			return gen
		}
	}
	return &models.Generation{Text: text}
}

const generationPrompt = `Compose the assistant's next reply.
Response type: {{response_type}}

Policies to honour:
{% for rule in rules %}- {{rule.Action}}
{% endfor %}
Active flow instructions:
{% for c in contributions %}- {{c.Instructions}}
{% endfor %}
Tool results:
{% for t in tools %}- {{t.ID}}: {{t.Output}}
{% endfor %}
Fields to collect from the user: {{collect_fields}}

Recent conversation:
{% for turn in history %}{{turn.Role}}: {{turn.Text}}
{% endfor %}
Reply with the assistant message only.
`
