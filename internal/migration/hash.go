// Package migration implements the just-in-time scenario-migration engine
// (spec §4.6): content-hash anchoring, transformation-map generation, plan
// lifecycle/deployment, and per-turn JIT reconciliation.
//
// Hashing is grounded on the teacher's resolver schemaHash pattern
// (sha256 over a canonical serialization, truncated to a short hex
// fingerprint), with internal/canonjson supplying the deterministic
// encoding (sorted keys, no floats, no whitespace).
package migration

import (
	"fmt"
	"sort"

	"github.com/alignetic/engine/internal/canonjson"
	"github.com/alignetic/engine/pkg/models"
)

// NodeContentHash computes the 16-hex-char semantic fingerprint of a step:
// name, collected fields, checkpoint flag, and the sorted names of its
// transition targets. Two steps with equal hashes are anchors even when
// their ids differ (spec §4.6).
func NodeContentHash(scenario *models.Scenario, step *models.ScenarioStep) (string, error) {
	targets := make([]string, 0, len(step.Transitions))
	for _, tr := range step.Transitions {
		name := tr.ToStepID
		if target := scenario.StepByID(tr.ToStepID); target != nil {
			name = target.Name
		}
		targets = append(targets, name)
	}
	sort.Strings(targets)

	collects := append([]string(nil), step.CollectsProfileFields...)

	payload := map[string]interface{}{
		"name":               step.Name,
		"collects_fields":    toIfaceSlice(collects),
		"is_checkpoint":      step.IsCheckpoint,
		"transition_targets": toIfaceSlice(targets),
	}
	hash, err := canonjson.ShortHash(payload)
	if err != nil {
		return "", fmt.Errorf("migration: hash step %s: %w", step.ID, err)
	}
	return hash, nil
}

// ScenarioChecksum computes the full SHA-256 checksum over the scenario's
// version and its canonicalized steps in entry-traversal order (spec §4.6).
// Steps unreachable from the entry are appended in name order so the
// checksum still covers them deterministically.
func ScenarioChecksum(scenario *models.Scenario) (string, error) {
	ordered := entryTraversalOrder(scenario)

	steps := make([]interface{}, 0, len(ordered))
	for _, step := range ordered {
		hash, err := NodeContentHash(scenario, step)
		if err != nil {
			return "", err
		}
		steps = append(steps, map[string]interface{}{
			"name": step.Name,
			"hash": hash,
		})
	}

	return canonjson.Hash(map[string]interface{}{
		"version": scenario.Version,
		"steps":   steps,
	})
}

// entryTraversalOrder walks the flow graph breadth-first from the entry
// step, transitions in declaration order.
func entryTraversalOrder(scenario *models.Scenario) []*models.ScenarioStep {
	var ordered []*models.ScenarioStep
	visited := make(map[string]bool)

	queue := []string{scenario.EntryStepID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		step := scenario.StepByID(id)
		if step == nil {
			continue
		}
		ordered = append(ordered, step)
		for _, tr := range step.Transitions {
			queue = append(queue, tr.ToStepID)
		}
	}

	var rest []*models.ScenarioStep
	for i := range scenario.Steps {
		if !visited[scenario.Steps[i].ID] {
			rest = append(rest, &scenario.Steps[i])
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].Name < rest[j].Name })
	return append(ordered, rest...)
}

func toIfaceSlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
