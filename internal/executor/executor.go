// Package executor resolves the tool bindings attached to a turn's
// ResponsePlan against an injected contracts.ToolExecutor (spec §4.8 "Tool
// execution (BEFORE_STEP)" / §4.10 phase 9 and phase 12 AFTER_STEP).
//
// Grounded on the teacher's internal/executor.Executor agentic tool-use
// loop: the "call each tool, collect results, record failures, feed results
// back" shape survives, generalized from a multi-turn LLM<->tool loop to a
// single bounded pass over a plan's declared bindings (the spec's flows are
// not agentic — bindings are attached to rules/steps ahead of time, not
// chosen by the model mid-turn).
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/alignetic/engine/pkg/contracts"
	"github.com/alignetic/engine/pkg/models"
	"github.com/rs/zerolog/log"
)

// Executor runs a set of ToolBindings against a contracts.ToolExecutor,
// collecting outputs keyed by tool id.
type Executor struct {
	tool contracts.ToolExecutor
}

// NewExecutor creates a tool-binding executor over the given tool
// transport.
func NewExecutor(tool contracts.ToolExecutor) *Executor {
	return &Executor{tool: tool}
}

// Run executes every binding matching the given phase, in order, against
// vars. A binding failure is recorded in the returned ToolResult rather
// than aborting the pass — spec §4.8: "Failures are recorded; a failed
// tool bound to a hard-constraint rule triggers fallback path in the
// enforcer; otherwise the plan continues without the result."
func (e *Executor) Run(ctx context.Context, bindings []models.ToolBinding, phase models.ToolBindingPhase, vars map[string]models.TypedValue) []models.ToolResult {
	results := make([]models.ToolResult, 0, len(bindings))
	for _, b := range bindings {
		if b.Phase != phase {
			continue
		}
		results = append(results, e.runOne(ctx, b, vars))
	}
	return results
}

func (e *Executor) runOne(ctx context.Context, binding models.ToolBinding, vars map[string]models.TypedValue) models.ToolResult {
	start := time.Now()
	if e.tool == nil {
		return models.ToolResult{ToolID: binding.ToolID, Success: false, Error: "no tool executor configured"}
	}

	out, err := e.tool.Execute(ctx, binding, vars)
	if err != nil {
		log.Warn().Str("tool_id", binding.ToolID).Err(err).Dur("elapsed", time.Since(start)).Msg("tool execution failed")
		return models.ToolResult{ToolID: binding.ToolID, Success: false, Error: err.Error()}
	}
	out.ToolID = binding.ToolID
	if !out.Success && out.Error == "" {
		out.Error = fmt.Sprintf("tool %s returned unsuccessful result with no error detail", binding.ToolID)
	}
	return out
}

// ResultMap indexes a slice of ToolResult by tool id, the shape the
// generator and enforcer consume (spec §4.8 "tool-result map keyed by tool
// id").
func ResultMap(results []models.ToolResult) map[string]models.ToolResult {
	m := make(map[string]models.ToolResult, len(results))
	for _, r := range results {
		m[r.ToolID] = r
	}
	return m
}
