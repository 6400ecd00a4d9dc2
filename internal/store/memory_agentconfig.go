package store

import (
	"context"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/alignetic/engine/pkg/apierrors"
	"github.com/alignetic/engine/pkg/models"
	"github.com/google/uuid"
)

// MemoryAgentConfigStore is an in-memory AgentConfigStore, grounded on the
// teacher's internal/store/memory.go RWMutex-guarded-map shape. It does not
// persist to disk; cmd/alignd's in-memory runtime path is the intended
// default (the pgstore package carries the Postgres-shaped alternative).
type MemoryAgentConfigStore struct {
	mu sync.RWMutex

	agents    map[string]*models.Agent
	rules     map[string]*models.Rule
	scenarios map[string]*models.Scenario
	// archive keys are "tenant:scenarioID:version"
	scenarioArchive map[string]*models.Scenario
	templates       map[string]*models.Template
	variables       map[string]*models.Variable
	intents         map[string]*models.Intent
	glossary        map[string]*models.GlossaryItem
	dataFields      map[string]*models.CustomerDataField
	fieldReqs       map[string]*models.ScenarioFieldRequirement
	migrationPlans  map[string]*models.MigrationPlan
	toolActivations map[string]*models.ToolActivation
	ruleRelations   map[string]*models.RuleRelationship
}

func NewMemoryAgentConfigStore() *MemoryAgentConfigStore {
	return &MemoryAgentConfigStore{
		agents:          make(map[string]*models.Agent),
		rules:           make(map[string]*models.Rule),
		scenarios:       make(map[string]*models.Scenario),
		scenarioArchive: make(map[string]*models.Scenario),
		templates:       make(map[string]*models.Template),
		variables:       make(map[string]*models.Variable),
		intents:         make(map[string]*models.Intent),
		glossary:        make(map[string]*models.GlossaryItem),
		dataFields:      make(map[string]*models.CustomerDataField),
		fieldReqs:       make(map[string]*models.ScenarioFieldRequirement),
		migrationPlans:  make(map[string]*models.MigrationPlan),
		toolActivations: make(map[string]*models.ToolActivation),
		ruleRelations:   make(map[string]*models.RuleRelationship),
	}
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// ── Agents ──────────────────────────────────────────────────

func (s *MemoryAgentConfigStore) GetAgent(_ context.Context, tenantID, agentID string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok || a.TenantID != tenantID || a.DeletedAt != nil {
		return nil, apierrors.NotFound(apierrors.KindAgentNotFound, "agent", agentID)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryAgentConfigStore) ListAgents(_ context.Context, tenantID string, filter ListFilter) ([]models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Agent
	for _, a := range s.agents {
		if a.TenantID != tenantID {
			continue
		}
		if a.DeletedAt != nil && !filter.IncludeDeleted {
			continue
		}
		out = append(out, *a)
	}
	return paginateAgents(out, filter), nil
}

func paginateAgents(in []models.Agent, f ListFilter) []models.Agent {
	sort.Slice(in, func(i, j int) bool { return in[i].CreatedAt.Before(in[j].CreatedAt) })
	if f.Offset > 0 && f.Offset < len(in) {
		in = in[f.Offset:]
	} else if f.Offset >= len(in) {
		return nil
	}
	if f.Limit > 0 && f.Limit < len(in) {
		in = in[:f.Limit]
	}
	return in
}

func (s *MemoryAgentConfigStore) CreateAgent(_ context.Context, agent *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	now := time.Now()
	agent.CreatedAt, agent.UpdatedAt = now, now
	cp := *agent
	s.agents[agent.ID] = &cp
	return nil
}

func (s *MemoryAgentConfigStore) UpdateAgent(_ context.Context, agent *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.agents[agent.ID]
	if !ok || existing.TenantID != agent.TenantID {
		return apierrors.NotFound(apierrors.KindAgentNotFound, "agent", agent.ID)
	}
	agent.UpdatedAt = time.Now()
	cp := *agent
	s.agents[agent.ID] = &cp
	return nil
}

func (s *MemoryAgentConfigStore) DeleteAgent(_ context.Context, tenantID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok || a.TenantID != tenantID {
		return apierrors.NotFound(apierrors.KindAgentNotFound, "agent", agentID)
	}
	now := time.Now()
	a.DeletedAt = &now
	return nil
}

// ── Rules ───────────────────────────────────────────────────

func (s *MemoryAgentConfigStore) GetRule(_ context.Context, tenantID, ruleID string) (*models.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[ruleID]
	if !ok || r.TenantID != tenantID || r.DeletedAt != nil {
		return nil, apierrors.NotFound(apierrors.KindRuleNotFound, "rule", ruleID)
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryAgentConfigStore) ListRules(_ context.Context, tenantID, agentID string, filter ListFilter) ([]models.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Rule
	for _, r := range s.rules {
		if r.TenantID != tenantID {
			continue
		}
		if agentID != "" && r.AgentID != agentID {
			continue
		}
		if r.DeletedAt != nil && !filter.IncludeDeleted {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryAgentConfigStore) CreateRule(_ context.Context, rule *models.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	now := time.Now()
	rule.CreatedAt, rule.UpdatedAt = now, now
	cp := *rule
	s.rules[rule.ID] = &cp
	return nil
}

func (s *MemoryAgentConfigStore) UpdateRule(_ context.Context, rule *models.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rules[rule.ID]
	if !ok || existing.TenantID != rule.TenantID {
		return apierrors.NotFound(apierrors.KindRuleNotFound, "rule", rule.ID)
	}
	rule.UpdatedAt = time.Now()
	cp := *rule
	s.rules[rule.ID] = &cp
	return nil
}

func (s *MemoryAgentConfigStore) DeleteRule(_ context.Context, tenantID, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[ruleID]
	if !ok || r.TenantID != tenantID {
		return apierrors.NotFound(apierrors.KindRuleNotFound, "rule", ruleID)
	}
	now := time.Now()
	r.DeletedAt = &now
	return nil
}

func (s *MemoryAgentConfigStore) SearchRulesByEmbedding(_ context.Context, tenantID, agentID string, vector []float64, topK int) ([]models.ScoredRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type scored struct {
		r     models.Rule
		score float64
	}
	var cands []scored
	for _, r := range s.rules {
		if r.TenantID != tenantID || r.DeletedAt != nil {
			continue
		}
		if agentID != "" && r.AgentID != agentID {
			continue
		}
		if len(r.ConditionEmbedding) == 0 {
			continue
		}
		cands = append(cands, scored{r: *r, score: cosine(vector, r.ConditionEmbedding)})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].score > cands[j].score })
	if topK > 0 && topK < len(cands) {
		cands = cands[:topK]
	}
	out := make([]models.ScoredRule, len(cands))
	for i, c := range cands {
		out[i] = models.ScoredRule{Rule: c.r, Score: c.score}
	}
	return out, nil
}

// ── Scenarios ───────────────────────────────────────────────

func (s *MemoryAgentConfigStore) GetScenario(_ context.Context, tenantID, scenarioID string) (*models.Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scenarios[scenarioID]
	if !ok || sc.TenantID != tenantID || sc.DeletedAt != nil {
		return nil, apierrors.NotFound(apierrors.KindScenarioNotFound, "scenario", scenarioID)
	}
	cp := *sc
	return &cp, nil
}

func archiveKey(tenantID, scenarioID string, version int) string {
	return tenantID + ":" + scenarioID + ":" + strconv.Itoa(version)
}

func (s *MemoryAgentConfigStore) GetScenarioArchived(_ context.Context, tenantID, scenarioID string, version int) (*models.Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scenarioArchive[archiveKey(tenantID, scenarioID, version)]
	if !ok {
		return nil, apierrors.NotFound(apierrors.KindScenarioNotFound, "scenario_archive", scenarioID)
	}
	cp := *sc
	return &cp, nil
}

func (s *MemoryAgentConfigStore) ListScenarios(_ context.Context, tenantID, agentID string, filter ListFilter) ([]models.Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Scenario
	for _, sc := range s.scenarios {
		if sc.TenantID != tenantID {
			continue
		}
		if agentID != "" && sc.AgentID != agentID {
			continue
		}
		if sc.DeletedAt != nil && !filter.IncludeDeleted {
			continue
		}
		out = append(out, *sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryAgentConfigStore) CreateScenario(_ context.Context, sc *models.Scenario) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	now := time.Now()
	sc.CreatedAt, sc.UpdatedAt = now, now
	cp := *sc
	s.scenarios[sc.ID] = &cp
	return nil
}

// UpdateScenario archives the previous version before overwriting, per
// spec §3 "Scenario versions are archived".
func (s *MemoryAgentConfigStore) UpdateScenario(_ context.Context, sc *models.Scenario) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.scenarios[sc.ID]
	if !ok || prev.TenantID != sc.TenantID {
		return apierrors.NotFound(apierrors.KindScenarioNotFound, "scenario", sc.ID)
	}
	archived := *prev
	s.scenarioArchive[archiveKey(prev.TenantID, prev.ID, prev.Version)] = &archived
	sc.UpdatedAt = time.Now()
	cp := *sc
	s.scenarios[sc.ID] = &cp
	return nil
}

func (s *MemoryAgentConfigStore) DeleteScenario(_ context.Context, tenantID, scenarioID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scenarios[scenarioID]
	if !ok || sc.TenantID != tenantID {
		return apierrors.NotFound(apierrors.KindScenarioNotFound, "scenario", scenarioID)
	}
	now := time.Now()
	sc.DeletedAt = &now
	return nil
}

func (s *MemoryAgentConfigStore) SearchScenariosByEmbedding(_ context.Context, tenantID, agentID string, vector []float64, topK int) ([]models.ScoredScenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type scored struct {
		sc    models.Scenario
		score float64
	}
	var cands []scored
	for _, sc := range s.scenarios {
		if sc.TenantID != tenantID || sc.DeletedAt != nil || !sc.Enabled {
			continue
		}
		if agentID != "" && sc.AgentID != agentID {
			continue
		}
		if len(sc.EntryEmbedding) == 0 {
			continue
		}
		cands = append(cands, scored{sc: *sc, score: cosine(vector, sc.EntryEmbedding)})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].score > cands[j].score })
	if topK > 0 && topK < len(cands) {
		cands = cands[:topK]
	}
	out := make([]models.ScoredScenario, len(cands))
	for i, c := range cands {
		out[i] = models.ScoredScenario{Scenario: c.sc, Score: c.score}
	}
	return out, nil
}

// ── Templates ───────────────────────────────────────────────

func (s *MemoryAgentConfigStore) GetTemplate(_ context.Context, tenantID, templateID string) (*models.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[templateID]
	if !ok || t.TenantID != tenantID || t.DeletedAt != nil {
		return nil, apierrors.NotFound(apierrors.KindTemplateNotFound, "template", templateID)
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryAgentConfigStore) ListTemplates(_ context.Context, tenantID, agentID string, filter ListFilter) ([]models.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Template
	for _, t := range s.templates {
		if t.TenantID != tenantID {
			continue
		}
		if agentID != "" && t.AgentID != agentID {
			continue
		}
		if t.DeletedAt != nil && !filter.IncludeDeleted {
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}

func (s *MemoryAgentConfigStore) CreateTemplate(_ context.Context, t *models.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	cp := *t
	s.templates[t.ID] = &cp
	return nil
}

func (s *MemoryAgentConfigStore) UpdateTemplate(_ context.Context, t *models.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.templates[t.ID]
	if !ok || existing.TenantID != t.TenantID {
		return apierrors.NotFound(apierrors.KindTemplateNotFound, "template", t.ID)
	}
	t.UpdatedAt = time.Now()
	cp := *t
	s.templates[t.ID] = &cp
	return nil
}

func (s *MemoryAgentConfigStore) DeleteTemplate(_ context.Context, tenantID, templateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[templateID]
	if !ok || t.TenantID != tenantID {
		return apierrors.NotFound(apierrors.KindTemplateNotFound, "template", templateID)
	}
	now := time.Now()
	t.DeletedAt = &now
	return nil
}

// ── Variables ───────────────────────────────────────────────

func (s *MemoryAgentConfigStore) GetVariable(_ context.Context, tenantID, variableID string) (*models.Variable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.variables[variableID]
	if !ok || v.TenantID != tenantID || v.DeletedAt != nil {
		return nil, apierrors.NotFound(apierrors.KindVariableNotFound, "variable", variableID)
	}
	cp := *v
	return &cp, nil
}

func (s *MemoryAgentConfigStore) ListVariables(_ context.Context, tenantID, agentID string, filter ListFilter) ([]models.Variable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Variable
	for _, v := range s.variables {
		if v.TenantID != tenantID {
			continue
		}
		if agentID != "" && v.AgentID != agentID {
			continue
		}
		if v.DeletedAt != nil && !filter.IncludeDeleted {
			continue
		}
		out = append(out, *v)
	}
	return out, nil
}

func (s *MemoryAgentConfigStore) CreateVariable(_ context.Context, v *models.Variable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	now := time.Now()
	v.CreatedAt, v.UpdatedAt = now, now
	cp := *v
	s.variables[v.ID] = &cp
	return nil
}

func (s *MemoryAgentConfigStore) UpdateVariable(_ context.Context, v *models.Variable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.variables[v.ID]
	if !ok || existing.TenantID != v.TenantID {
		return apierrors.NotFound(apierrors.KindVariableNotFound, "variable", v.ID)
	}
	v.UpdatedAt = time.Now()
	cp := *v
	s.variables[v.ID] = &cp
	return nil
}

func (s *MemoryAgentConfigStore) DeleteVariable(_ context.Context, tenantID, variableID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.variables[variableID]
	if !ok || v.TenantID != tenantID {
		return apierrors.NotFound(apierrors.KindVariableNotFound, "variable", variableID)
	}
	now := time.Now()
	v.DeletedAt = &now
	return nil
}

// ── Intents ─────────────────────────────────────────────────

func (s *MemoryAgentConfigStore) ListIntents(_ context.Context, tenantID, agentID string, filter ListFilter) ([]models.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Intent
	for _, i := range s.intents {
		if i.TenantID != tenantID {
			continue
		}
		if agentID != "" && i.AgentID != agentID {
			continue
		}
		if i.DeletedAt != nil && !filter.IncludeDeleted {
			continue
		}
		out = append(out, *i)
	}
	return out, nil
}

func (s *MemoryAgentConfigStore) CreateIntent(_ context.Context, i *models.Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i.ID == "" {
		i.ID = uuid.NewString()
	}
	now := time.Now()
	i.CreatedAt, i.UpdatedAt = now, now
	cp := *i
	s.intents[i.ID] = &cp
	return nil
}

func (s *MemoryAgentConfigStore) UpdateIntent(_ context.Context, i *models.Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.intents[i.ID]
	if !ok || existing.TenantID != i.TenantID {
		return apierrors.NotFound(apierrors.KindInvalidRequest, "intent", i.ID)
	}
	i.UpdatedAt = time.Now()
	cp := *i
	s.intents[i.ID] = &cp
	return nil
}

func (s *MemoryAgentConfigStore) DeleteIntent(_ context.Context, tenantID, intentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.intents[intentID]
	if !ok || i.TenantID != tenantID {
		return apierrors.NotFound(apierrors.KindInvalidRequest, "intent", intentID)
	}
	now := time.Now()
	i.DeletedAt = &now
	return nil
}

// ── Glossary ────────────────────────────────────────────────

func (s *MemoryAgentConfigStore) ListGlossaryItems(_ context.Context, tenantID, agentID string, filter ListFilter) ([]models.GlossaryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.GlossaryItem
	for _, g := range s.glossary {
		if g.TenantID != tenantID {
			continue
		}
		if agentID != "" && g.AgentID != agentID {
			continue
		}
		if g.DeletedAt != nil && !filter.IncludeDeleted {
			continue
		}
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out, nil
}

func (s *MemoryAgentConfigStore) CreateGlossaryItem(_ context.Context, g *models.GlossaryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	now := time.Now()
	g.CreatedAt, g.UpdatedAt = now, now
	cp := *g
	s.glossary[g.ID] = &cp
	return nil
}

func (s *MemoryAgentConfigStore) UpdateGlossaryItem(_ context.Context, g *models.GlossaryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.glossary[g.ID]
	if !ok || existing.TenantID != g.TenantID {
		return apierrors.NotFound(apierrors.KindInvalidRequest, "glossary_item", g.ID)
	}
	g.UpdatedAt = time.Now()
	cp := *g
	s.glossary[g.ID] = &cp
	return nil
}

func (s *MemoryAgentConfigStore) DeleteGlossaryItem(_ context.Context, tenantID, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.glossary[itemID]
	if !ok || g.TenantID != tenantID {
		return apierrors.NotFound(apierrors.KindInvalidRequest, "glossary_item", itemID)
	}
	now := time.Now()
	g.DeletedAt = &now
	return nil
}

// ── Customer data field schema ──────────────────────────────

func (s *MemoryAgentConfigStore) ListCustomerDataFields(_ context.Context, tenantID, agentID string, filter ListFilter) ([]models.CustomerDataField, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.CustomerDataField
	for _, f := range s.dataFields {
		if f.TenantID != tenantID {
			continue
		}
		if agentID != "" && f.AgentID != agentID {
			continue
		}
		if f.DeletedAt != nil && !filter.IncludeDeleted {
			continue
		}
		out = append(out, *f)
	}
	return out, nil
}

func (s *MemoryAgentConfigStore) GetCustomerDataField(_ context.Context, tenantID, fieldID string) (*models.CustomerDataField, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.dataFields[fieldID]
	if !ok || f.TenantID != tenantID {
		return nil, apierrors.NotFound(apierrors.KindInvalidRequest, "customer_data_field", fieldID)
	}
	cp := *f
	return &cp, nil
}

func (s *MemoryAgentConfigStore) CreateCustomerDataField(_ context.Context, f *models.CustomerDataField) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	now := time.Now()
	f.CreatedAt, f.UpdatedAt = now, now
	cp := *f
	s.dataFields[f.ID] = &cp
	return nil
}

func (s *MemoryAgentConfigStore) UpdateCustomerDataField(_ context.Context, f *models.CustomerDataField) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.dataFields[f.ID]
	if !ok || existing.TenantID != f.TenantID {
		return apierrors.NotFound(apierrors.KindInvalidRequest, "customer_data_field", f.ID)
	}
	f.UpdatedAt = time.Now()
	cp := *f
	s.dataFields[f.ID] = &cp
	return nil
}

func (s *MemoryAgentConfigStore) DeleteCustomerDataField(_ context.Context, tenantID, fieldID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.dataFields[fieldID]
	if !ok || f.TenantID != tenantID {
		return apierrors.NotFound(apierrors.KindInvalidRequest, "customer_data_field", fieldID)
	}
	now := time.Now()
	f.DeletedAt = &now
	return nil
}

// ── Scenario field requirements ──────────────────────────────

func (s *MemoryAgentConfigStore) ListScenarioFieldRequirements(_ context.Context, tenantID, scenarioID string) ([]models.ScenarioFieldRequirement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ScenarioFieldRequirement
	for _, r := range s.fieldReqs {
		if r.TenantID == tenantID && r.ScenarioID == scenarioID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CollectionOrder < out[j].CollectionOrder })
	return out, nil
}

func (s *MemoryAgentConfigStore) CreateScenarioFieldRequirement(_ context.Context, r *models.ScenarioFieldRequirement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	cp := *r
	s.fieldReqs[r.ID] = &cp
	return nil
}

func (s *MemoryAgentConfigStore) DeleteScenarioFieldRequirement(_ context.Context, tenantID, requirementID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.fieldReqs[requirementID]
	if !ok || r.TenantID != tenantID {
		return apierrors.NotFound(apierrors.KindInvalidRequest, "scenario_field_requirement", requirementID)
	}
	delete(s.fieldReqs, requirementID)
	return nil
}

// ── Tool activations ─────────────────────────────────────────

func (s *MemoryAgentConfigStore) ListToolActivations(_ context.Context, tenantID, agentID string, filter ListFilter) ([]models.ToolActivation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ToolActivation
	for _, a := range s.toolActivations {
		if a.TenantID != tenantID {
			continue
		}
		if agentID != "" && a.AgentID != agentID {
			continue
		}
		if a.DeletedAt != nil && !filter.IncludeDeleted {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryAgentConfigStore) GetToolActivation(_ context.Context, tenantID, activationID string) (*models.ToolActivation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.toolActivations[activationID]
	if !ok || a.TenantID != tenantID || a.DeletedAt != nil {
		return nil, apierrors.NotFound(apierrors.KindInvalidRequest, "tool_activation", activationID)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryAgentConfigStore) CreateToolActivation(_ context.Context, a *models.ToolActivation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now()
	a.CreatedAt, a.UpdatedAt = now, now
	cp := *a
	s.toolActivations[a.ID] = &cp
	return nil
}

func (s *MemoryAgentConfigStore) UpdateToolActivation(_ context.Context, a *models.ToolActivation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.toolActivations[a.ID]
	if !ok || existing.TenantID != a.TenantID {
		return apierrors.NotFound(apierrors.KindInvalidRequest, "tool_activation", a.ID)
	}
	a.UpdatedAt = time.Now()
	cp := *a
	s.toolActivations[a.ID] = &cp
	return nil
}

func (s *MemoryAgentConfigStore) DeleteToolActivation(_ context.Context, tenantID, activationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.toolActivations[activationID]
	if !ok || a.TenantID != tenantID {
		return apierrors.NotFound(apierrors.KindInvalidRequest, "tool_activation", activationID)
	}
	now := time.Now()
	a.DeletedAt = &now
	return nil
}

// ── Rule relationships ───────────────────────────────────────

func (s *MemoryAgentConfigStore) ListRuleRelationships(_ context.Context, tenantID, agentID string, filter ListFilter) ([]models.RuleRelationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.RuleRelationship
	for _, r := range s.ruleRelations {
		if r.TenantID != tenantID {
			continue
		}
		if agentID != "" && r.AgentID != agentID {
			continue
		}
		if r.DeletedAt != nil && !filter.IncludeDeleted {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryAgentConfigStore) CreateRuleRelationship(_ context.Context, r *models.RuleRelationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now()
	r.CreatedAt, r.UpdatedAt = now, now
	cp := *r
	s.ruleRelations[r.ID] = &cp
	return nil
}

func (s *MemoryAgentConfigStore) DeleteRuleRelationship(_ context.Context, tenantID, relationshipID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.ruleRelations[relationshipID]
	if !ok || r.TenantID != tenantID {
		return apierrors.NotFound(apierrors.KindInvalidRequest, "rule_relationship", relationshipID)
	}
	now := time.Now()
	r.DeletedAt = &now
	return nil
}

// ── Migration plans ──────────────────────────────────────────

func (s *MemoryAgentConfigStore) GetMigrationPlan(_ context.Context, tenantID, planID string) (*models.MigrationPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.migrationPlans[planID]
	if !ok || p.TenantID != tenantID {
		return nil, apierrors.NotFound(apierrors.KindMigrationPlanNotFound, "migration_plan", planID)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryAgentConfigStore) ListMigrationPlans(_ context.Context, tenantID, scenarioID string, filter ListFilter) ([]models.MigrationPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.MigrationPlan
	for _, p := range s.migrationPlans {
		if p.TenantID != tenantID {
			continue
		}
		if scenarioID != "" && p.ScenarioID != scenarioID {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryAgentConfigStore) CreateMigrationPlan(_ context.Context, p *models.MigrationPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = time.Now()
	p.Status = models.MigrationPlanPending
	cp := *p
	s.migrationPlans[p.ID] = &cp
	return nil
}

func (s *MemoryAgentConfigStore) UpdateMigrationPlan(_ context.Context, p *models.MigrationPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.migrationPlans[p.ID]
	if !ok || existing.TenantID != p.TenantID {
		return apierrors.NotFound(apierrors.KindMigrationPlanNotFound, "migration_plan", p.ID)
	}
	cp := *p
	s.migrationPlans[p.ID] = &cp
	return nil
}
