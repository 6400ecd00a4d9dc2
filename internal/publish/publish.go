// Package publish runs the five-stage agent-config publication job (spec
// §3 lifecycle / §6 Publish job): validate, compile embeddings, write
// bundles, swap the version pointer, invalidate cache. Catalogue edits are
// only visible to the turn pipeline at their published version pointer.
package publish

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alignetic/engine/internal/canonjson"
	"github.com/alignetic/engine/internal/migration"
	"github.com/alignetic/engine/internal/store"
	"github.com/alignetic/engine/internal/vectorembed"
	"github.com/alignetic/engine/pkg/apierrors"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Stage names, in execution order.
var Stages = []string{"validate", "compile", "write_bundles", "swap_pointer", "invalidate_cache"}

// StageResult records one stage's outcome.
type StageResult struct {
	Stage      string `json:"stage"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// Job is one publication run.
type Job struct {
	ID          string        `json:"id"`
	TenantID    string        `json:"tenant_id"`
	AgentID     string        `json:"agent_id"`
	Description string        `json:"description,omitempty"`
	Stages      []StageResult `json:"stages"`
	Succeeded   bool          `json:"succeeded"`
	Version     string        `json:"version,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Invalidator is the cache hook the final stage calls; nil disables it.
type Invalidator interface {
	InvalidateTenant(ctx context.Context, tenantID string)
}

// Manager serializes publishes per agent and runs the stages.
type Manager struct {
	configs store.AgentConfigStore
	embeds  *vectorembed.Manager
	cache   Invalidator

	mu       sync.Mutex
	inFlight map[string]bool // agentID
	jobs     map[string]*Job
}

// NewManager creates a publish manager. embeds and cache may be nil; the
// corresponding stages then no-op.
func NewManager(configs store.AgentConfigStore, embeds *vectorembed.Manager, cache Invalidator) *Manager {
	return &Manager{
		configs:  configs,
		embeds:   embeds,
		cache:    cache,
		inFlight: make(map[string]bool),
		jobs:     make(map[string]*Job),
	}
}

// Publish runs the job synchronously and returns it. A concurrent publish
// for the same agent fails with PUBLISH_IN_PROGRESS (409).
func (m *Manager) Publish(ctx context.Context, tenantID, agentID, description string) (*Job, error) {
	m.mu.Lock()
	if m.inFlight[agentID] {
		m.mu.Unlock()
		return nil, apierrors.Newf(apierrors.KindPublishInProgress, "publish already running for agent %s", agentID)
	}
	m.inFlight[agentID] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.inFlight, agentID)
		m.mu.Unlock()
	}()

	job := &Job{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		AgentID:     agentID,
		Description: description,
		CreatedAt:   time.Now(),
	}

	run := func(stage string, fn func() error) bool {
		start := time.Now()
		err := fn()
		result := StageResult{Stage: stage, DurationMs: time.Since(start).Milliseconds()}
		if err != nil {
			result.Error = err.Error()
		}
		job.Stages = append(job.Stages, result)
		return err == nil
	}

	ok := run("validate", func() error { return m.validate(ctx, tenantID, agentID) }) &&
		run("compile", func() error { return m.compile(ctx, tenantID, agentID) }) &&
		run("write_bundles", func() error { return m.writeBundles(ctx, tenantID, agentID, job) }) &&
		run("swap_pointer", func() error { return m.swapPointer(ctx, tenantID, agentID, job.Version) }) &&
		run("invalidate_cache", func() error {
			if m.cache != nil {
				m.cache.InvalidateTenant(ctx, tenantID)
			}
			return nil
		})

	job.Succeeded = ok
	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	if !ok {
		last := job.Stages[len(job.Stages)-1]
		log.Warn().Str("agent_id", agentID).Str("stage", last.Stage).Str("error", last.Error).Msg("publish failed")
		return job, apierrors.Newf(apierrors.KindPublishFailed, "publish failed at stage %s: %s", last.Stage, last.Error)
	}
	log.Info().Str("agent_id", agentID).Str("version", job.Version).Msg("agent config published")
	return job, nil
}

// GetJob returns a completed job by id.
func (m *Manager) GetJob(jobID string) (*Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	return j, ok
}

func (m *Manager) validate(ctx context.Context, tenantID, agentID string) error {
	if _, err := m.configs.GetAgent(ctx, tenantID, agentID); err != nil {
		return err
	}
	rules, err := m.configs.ListRules(ctx, tenantID, agentID, store.ListFilter{})
	if err != nil {
		return err
	}
	for i := range rules {
		if err := rules[i].Validate(); err != nil {
			return fmt.Errorf("rule %s: %w", rules[i].ID, err)
		}
	}
	scenarios, err := m.configs.ListScenarios(ctx, tenantID, agentID, store.ListFilter{})
	if err != nil {
		return err
	}
	for i := range scenarios {
		sc := &scenarios[i]
		if sc.StepByID(sc.EntryStepID) == nil {
			return fmt.Errorf("scenario %s: entry step %s not found", sc.ID, sc.EntryStepID)
		}
		for _, step := range sc.Steps {
			for _, tr := range step.Transitions {
				if sc.StepByID(tr.ToStepID) == nil {
					return fmt.Errorf("scenario %s: transition from %s to unknown step %s", sc.ID, step.ID, tr.ToStepID)
				}
			}
		}
	}
	return nil
}

func (m *Manager) compile(ctx context.Context, tenantID, agentID string) error {
	if m.embeds == nil {
		return nil
	}
	_, err := m.embeds.SyncAgent(ctx, m.configs, tenantID, agentID)
	return err
}

// writeBundles stamps scenario content hashes and derives the new version
// pointer from the catalogue's combined checksum.
func (m *Manager) writeBundles(ctx context.Context, tenantID, agentID string, job *Job) error {
	scenarios, err := m.configs.ListScenarios(ctx, tenantID, agentID, store.ListFilter{})
	if err != nil {
		return err
	}
	checksums := make([]interface{}, 0, len(scenarios))
	for i := range scenarios {
		sc := &scenarios[i]
		checksum, err := migration.ScenarioChecksum(sc)
		if err != nil {
			return err
		}
		if sc.ContentHash != checksum {
			sc.ContentHash = checksum
			if err := m.configs.UpdateScenario(ctx, sc); err != nil {
				return err
			}
		}
		checksums = append(checksums, checksum)
	}
	version, err := canonjson.ShortHash(map[string]interface{}{
		"agent_id":  agentID,
		"scenarios": checksums,
	})
	if err != nil {
		return err
	}
	job.Version = version
	return nil
}

func (m *Manager) swapPointer(ctx context.Context, tenantID, agentID, version string) error {
	agent, err := m.configs.GetAgent(ctx, tenantID, agentID)
	if err != nil {
		return err
	}
	agent.ConfigVersion = version
	return m.configs.UpdateAgent(ctx, agent)
}
