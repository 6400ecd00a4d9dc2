// Package pipeline sequences the thirteen turn-processing phases (spec
// §4.10): config resolution, JIT migration reconciliation, sensing,
// retrieval, filtering, scenario orchestration, customer-data
// reconciliation, planning, tool execution, generation, enforcement,
// AFTER_STEP tools, and persistence — with per-phase timing, a total turn
// deadline, cancellation that persists nothing, and an idempotency cache.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alignetic/engine/internal/audit"
	"github.com/alignetic/engine/internal/enforcement"
	"github.com/alignetic/engine/internal/executor"
	"github.com/alignetic/engine/internal/filtering"
	"github.com/alignetic/engine/internal/memoryqueue"
	"github.com/alignetic/engine/internal/migration"
	"github.com/alignetic/engine/internal/orchestrator"
	"github.com/alignetic/engine/internal/planner"
	"github.com/alignetic/engine/internal/reconcile"
	"github.com/alignetic/engine/internal/resolver"
	"github.com/alignetic/engine/internal/retrieval"
	"github.com/alignetic/engine/internal/sensor"
	"github.com/alignetic/engine/internal/store"
	"github.com/alignetic/engine/pkg/apierrors"
	"github.com/alignetic/engine/pkg/contracts"
	"github.com/alignetic/engine/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TurnRequest is the core entry point's input (spec §6 ProcessTurn).
type TurnRequest struct {
	TenantID       string
	AgentID        string
	SessionID      string
	Channel        string
	UserChannelID  string
	Message        string
	Metadata       map[string]string
	IdempotencyKey string
}

// MaxMessageLength bounds the request message (spec §6).
const MaxMessageLength = 10000

// Config tunes the pipeline.
type Config struct {
	TurnDeadline   time.Duration
	PhaseTimeout   time.Duration
	IdempotencyTTL time.Duration
}

// DefaultConfig returns the spec defaults.
func DefaultConfig() Config {
	return Config{
		TurnDeadline:   30 * time.Second,
		PhaseTimeout:   3 * time.Second,
		IdempotencyTTL: 300 * time.Second,
	}
}

// Deps bundles the collaborators a Pipeline needs.
type Deps struct {
	Configs      store.AgentConfigStore
	Sessions     store.SessionStore
	Customers    store.CustomerDataStore
	Sensor       *sensor.Sensor
	Embedder     contracts.EmbeddingDriver
	Retriever    *retrieval.Retriever
	Filter       *filtering.TernaryFilter
	Orchestrator *orchestrator.Orchestrator
	Migration    *migration.Reconciler
	Reconciler   *reconcile.Reconciler
	Planner      *planner.Planner
	Generator    *planner.Generator
	Enforcer     *enforcement.Enforcer
	Tools        *executor.Executor
	Resolver     *resolver.ConfigResolver
	Audit        *audit.Emitter
	MemoryQueue  *memoryqueue.Queue
	Turns        store.TurnStore
}

// Pipeline is the turn orchestrator.
type Pipeline struct {
	deps Deps
	cfg  Config

	idemMu sync.Mutex
	idem   map[string]idemEntry
}

type idemEntry struct {
	result  *models.AlignmentResult
	expires time.Time
}

// New creates a Pipeline.
func New(deps Deps, cfg Config) *Pipeline {
	if cfg.TurnDeadline <= 0 {
		cfg.TurnDeadline = 30 * time.Second
	}
	if cfg.PhaseTimeout <= 0 {
		cfg.PhaseTimeout = 3 * time.Second
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 300 * time.Second
	}
	return &Pipeline{deps: deps, cfg: cfg, idem: make(map[string]idemEntry)}
}

// turnState carries the evidence accumulated across phases.
type turnState struct {
	req      TurnRequest
	turnID   string
	sess     *models.Session
	cfg      *resolver.ResolvedConfig
	snapshot models.SituationSnapshot

	reconciliation *models.ReconciliationResult
	retrieved      *models.RetrievalResult
	filtered       *models.FilterResult
	scenarioResult *models.ScenarioResult
	missingFields  []models.ScenarioFieldRequirement
	plan           *models.ResponsePlan
	toolResults    []models.ToolResult
	generation     *models.Generation
	enforcement    enforcement.Result

	timings   []models.PipelineTiming
	startedAt time.Time
}

// ProcessTurn runs the full pipeline for one user message.
func (p *Pipeline) ProcessTurn(ctx context.Context, req TurnRequest) (*models.AlignmentResult, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		if cached := p.idemLookup(req.IdempotencyKey); cached != nil {
			return cached, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.TurnDeadline)
	defer cancel()

	tracer := otel.Tracer("alignment-engine")
	ctx, span := tracer.Start(ctx, "process_turn", trace.WithAttributes(
		attribute.String("tenant_id", req.TenantID),
		attribute.String("agent_id", req.AgentID),
	))
	defer span.End()

	state := &turnState{req: req, turnID: uuid.NewString(), startedAt: time.Now()}

	sess, release, err := p.acquireSession(ctx, req)
	if err != nil {
		return nil, err
	}
	defer release()
	state.sess = sess
	span.SetAttributes(attribute.String("session_id", sess.SessionID), attribute.String("turn_id", state.turnID))

	result, err := p.run(ctx, state)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			p.deps.Audit.Emit(context.WithoutCancel(ctx), req.TenantID, sess.SessionID, state.turnID, "cancelled", "", err.Error())
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, apierrors.New(apierrors.KindTurnDeadlineExceeded, "turn deadline exceeded")
			}
			return nil, err
		}
		return nil, err
	}

	if req.IdempotencyKey != "" {
		p.idemStore(req.IdempotencyKey, result)
	}
	return result, nil
}

// run executes phases 1-13 against an already-leased session.
func (p *Pipeline) run(ctx context.Context, st *turnState) (*models.AlignmentResult, error) {
	type phase struct {
		name  string
		fatal bool
		fn    func(context.Context) error
	}
	phases := []phase{
		{"resolve_config", true, p.phaseResolveConfig(st)},
		{"migration_reconcile", true, p.phaseMigration(st)},
		{"sensor", false, p.phaseSensor(st)},
		{"retrieval", false, p.phaseRetrieval(st)},
		{"rule_filter", false, p.phaseFilter(st)},
		{"scenario_orchestrator", true, p.phaseOrchestrator(st)},
		{"customer_reconcile", true, p.phaseCustomerReconcile(st)},
		{"planner", true, p.phasePlanner(st)},
		{"tools_before", false, p.phaseToolsBefore(st)},
		{"generation", false, p.phaseGeneration(st)},
		{"enforcement", false, p.phaseEnforcement(st)},
		{"tools_after", false, p.phaseToolsAfter(st)},
	}

	tracer := otel.Tracer("alignment-engine")
	for _, ph := range phases {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		phaseCtx, cancel := context.WithTimeout(ctx, p.cfg.PhaseTimeout)
		phaseCtx, span := tracer.Start(phaseCtx, ph.name, trace.WithAttributes(
			attribute.String("tenant_id", st.req.TenantID),
			attribute.String("agent_id", st.req.AgentID),
			attribute.String("session_id", st.sess.SessionID),
			attribute.String("turn_id", st.turnID),
			attribute.String("step", ph.name),
		))
		start := time.Now()
		err := ph.fn(phaseCtx)
		span.End()
		cancel()

		timing := models.PipelineTiming{Step: ph.name, DurationMs: time.Since(start).Milliseconds()}
		if err != nil {
			timing.Error = err.Error()
		}
		st.timings = append(st.timings, timing)

		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if ph.fatal {
				return nil, apierrors.Newf(apierrors.KindInternalError, "phase %s failed: %v", ph.name, err)
			}
			log.Warn().Err(err).Str("phase", ph.name).Str("turn_id", st.turnID).Msg("recoverable phase error")
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.persistAndAssemble(ctx, st)
}

func (p *Pipeline) phaseResolveConfig(st *turnState) func(context.Context) error {
	return func(ctx context.Context) error {
		cfg, err := p.deps.Resolver.Resolve(ctx,
			&resolver.ConfigLayer{ID: st.req.TenantID},
			&resolver.ConfigLayer{ID: st.req.AgentID},
			&resolver.ConfigLayer{ID: st.req.Channel},
			nil, nil)
		if err != nil {
			return err
		}
		st.cfg = cfg
		return nil
	}
}

func (p *Pipeline) phaseMigration(st *turnState) func(context.Context) error {
	return func(ctx context.Context) error {
		if st.sess.PendingMigration == nil || p.deps.Migration == nil {
			return nil
		}
		result, err := p.deps.Migration.Reconcile(ctx, st.sess, st.req.Message)
		if err != nil {
			return err
		}
		st.reconciliation = result
		return nil
	}
}

func (p *Pipeline) phaseSensor(st *turnState) func(context.Context) error {
	return func(ctx context.Context) error {
		in := sensor.SenseInput{
			Message: st.req.Message,
			History: p.conversationWindow(ctx, st.sess, 6),
		}

		fields, err := p.deps.Configs.ListCustomerDataFields(ctx, st.req.TenantID, st.req.AgentID, store.ListFilter{})
		if err == nil {
			in.CustomerDataFields = make(map[string]models.CustomerDataField, len(fields))
			for _, f := range fields {
				in.CustomerDataFields[f.Name] = f
			}
		}
		in.ExistingFieldNames = p.existingFieldNames(ctx, st.sess, in.CustomerDataFields)

		glossary, err := p.deps.Configs.ListGlossaryItems(ctx, st.req.TenantID, st.req.AgentID, store.ListFilter{})
		if err == nil {
			in.GlossaryItems = make(map[string]models.GlossaryItem, len(glossary))
			for _, g := range glossary {
				in.GlossaryItems[g.Term] = g
			}
		}

		snapshot, err := p.deps.Sensor.Sense(ctx, in)
		if err != nil {
			return err
		}

		if p.deps.Embedder != nil {
			if vecs, err := p.deps.Embedder.Embed(ctx, []string{st.req.Message}); err == nil && len(vecs) == 1 {
				snapshot.Embedding = vecs[0]
			} else if err != nil {
				log.Warn().Err(err).Msg("message embedding failed, vector scores degrade to zero")
			}
		}
		st.snapshot = snapshot
		return nil
	}
}

func (p *Pipeline) existingFieldNames(ctx context.Context, sess *models.Session, fields map[string]models.CustomerDataField) map[string]bool {
	exists := make(map[string]bool, len(fields))
	if sess.CustomerProfileID == "" || p.deps.Customers == nil {
		return exists
	}
	profile, err := p.deps.Customers.GetByCustomer(ctx, sess.TenantID, sess.CustomerProfileID)
	if err != nil {
		return exists
	}
	for name, entry := range profile.Fields {
		if entry.Status == models.VariableEntryActive {
			exists[name] = true
		}
	}
	return exists
}

func (p *Pipeline) phaseRetrieval(st *turnState) func(context.Context) error {
	return func(ctx context.Context) error {
		cfg := retrieval.DefaultConfig()
		if st.cfg != nil {
			cfg.MaxK = st.cfg.RetrievalTopK
			cfg.Strategy = st.cfg.SelectionStrategy
		}
		result, err := p.deps.Retriever.Retrieve(ctx, st.req.TenantID, st.req.AgentID, st.snapshot, st.sess, cfg)
		if err != nil {
			st.retrieved = &models.RetrievalResult{}
			return err
		}
		st.retrieved = result
		return nil
	}
}

func (p *Pipeline) phaseFilter(st *turnState) func(context.Context) error {
	return func(ctx context.Context) error {
		st.filtered = &models.FilterResult{}
		if st.retrieved == nil || len(st.retrieved.Rules) == 0 {
			return nil
		}
		pre := filtering.ScopePreFilter{}.Filter(st.retrieved.Rules, st.sess)
		if len(pre.Passed) == 0 {
			return nil
		}
		result, err := p.deps.Filter.Filter(ctx, st.snapshot, pre.Passed)
		if err != nil {
			return err
		}
		st.filtered = result
		return nil
	}
}

func (p *Pipeline) phaseOrchestrator(st *turnState) func(context.Context) error {
	return func(ctx context.Context) error {
		var candidates []models.ScoredScenario
		if st.retrieved != nil {
			candidates = st.retrieved.Scenarios
		}
		result, err := p.deps.Orchestrator.Decide(ctx, st.sess, st.snapshot, candidates)
		if err != nil {
			return err
		}
		st.scenarioResult = result
		return nil
	}
}

func (p *Pipeline) phaseCustomerReconcile(st *turnState) func(context.Context) error {
	return func(ctx context.Context) error {
		if p.deps.Reconciler == nil {
			return nil
		}
		p.deps.Reconciler.ApplyCandidateVariables(ctx, st.sess, st.snapshot)
		if st.scenarioResult == nil {
			return nil
		}
		missing, err := p.deps.Reconciler.MissingHardFields(ctx, st.sess, st.scenarioResult.Contributions.Contributions)
		if err != nil {
			return err
		}
		st.missingFields = missing
		return nil
	}
}

func (p *Pipeline) phasePlanner(st *turnState) func(context.Context) error {
	return func(ctx context.Context) error {
		in := planner.Input{
			Snapshot:       st.snapshot,
			MatchedRules:   st.filtered.MatchedRules,
			Reconciliation: st.reconciliation,
			MissingFields:  st.missingFields,
		}
		if st.scenarioResult != nil {
			in.Contributions = st.scenarioResult.Contributions.Contributions
		}
		st.plan = p.deps.Planner.Plan(ctx, st.req.TenantID, in)
		return nil
	}
}

func (p *Pipeline) phaseToolsBefore(st *turnState) func(context.Context) error {
	return func(ctx context.Context) error {
		bindings := append([]models.ToolBinding(nil), st.plan.ToolsToExecute...)
		bindings = append(bindings, p.resolverBindings(ctx, st)...)
		st.toolResults = p.deps.Tools.Run(ctx, bindings, models.ToolBindingBeforeStep, st.sess.Variables)
		return nil
	}
}

// resolverBindings maps the plan's variables_to_resolve onto the Variable
// catalogue's resolver tools, honouring each variable's update policy and
// cache TTL against the session's variable bag.
func (p *Pipeline) resolverBindings(ctx context.Context, st *turnState) []models.ToolBinding {
	if len(st.plan.VariablesToResolve) == 0 {
		return nil
	}
	vars, err := p.deps.Configs.ListVariables(ctx, st.req.TenantID, st.req.AgentID, store.ListFilter{})
	if err != nil {
		log.Warn().Err(err).Msg("variable catalogue read failed, skipping resolver tools")
		return nil
	}
	byName := make(map[string]models.Variable, len(vars))
	for _, v := range vars {
		byName[v.Name] = v
	}

	var bindings []models.ToolBinding
	for _, name := range st.plan.VariablesToResolve {
		v, ok := byName[name]
		if !ok || v.ResolverToolID == "" {
			continue
		}
		if _, has := st.sess.Variables[name]; has && v.UpdatePolicy == models.VariableUpdateOnDemand {
			if updated, tracked := st.sess.VariableUpdatedAt[name]; tracked && v.CacheTTLSeconds > 0 &&
				time.Since(updated) < time.Duration(v.CacheTTLSeconds)*time.Second {
				continue
			}
		}
		bindings = append(bindings, models.ToolBinding{
			ToolID: v.ResolverToolID,
			Phase:  models.ToolBindingBeforeStep,
			Args:   map[string]interface{}{"variable": name},
		})
	}
	return bindings
}

func (p *Pipeline) phaseGeneration(st *turnState) func(context.Context) error {
	return func(ctx context.Context) error {
		gen, err := p.generate(ctx, st, "")
		if err != nil {
			// Recoverable with one retry already inside the llm client; on
			// exhaustion fall back to a degraded answer and mark the
			// SYSTEM_ERROR category (spec §7 generation policy).
			log.Warn().Err(err).Str("turn_id", st.turnID).Msg("generation failed, using fallback text")
			st.generation = &models.Generation{
				Text:       "I'm sorry, I can't answer right now. Please try again in a moment.",
				Categories: []string{enforcement.CategorySystemError},
			}
			return err
		}
		st.generation = gen
		return nil
	}
}

func (p *Pipeline) generate(ctx context.Context, st *turnState, strengthened string) (*models.Generation, error) {
	agent, err := p.deps.Configs.GetAgent(ctx, st.req.TenantID, st.req.AgentID)
	if err != nil {
		return nil, err
	}
	systemPrompt := agent.SystemPrompt
	if strengthened != "" {
		systemPrompt += "\nStrict requirement: " + strengthened
	}
	return p.deps.Generator.Generate(ctx, planner.GenInput{
		TenantID:     st.req.TenantID,
		SystemPrompt: systemPrompt,
		Plan:         st.plan,
		MatchedRules: st.filtered.MatchedRules,
		ToolResults:  executor.ResultMap(st.toolResults),
		History:      p.genHistory(ctx, st.sess),
		Variables:    st.sess.Variables,
		Config:       planner.GenConfig{Model: agent.ModelID, Temperature: 0.3, MaxTokens: 1024},
	})
}

func (p *Pipeline) phaseEnforcement(st *turnState) func(context.Context) error {
	return func(ctx context.Context) error {
		if st.generation == nil {
			st.generation = &models.Generation{Categories: []string{enforcement.CategorySystemError}}
		}
		regen := func(ctx context.Context, instruction string) (*models.Generation, error) {
			return p.generate(ctx, st, instruction)
		}
		st.enforcement = p.deps.Enforcer.Enforce(ctx, st.req.TenantID, st.plan.Constraints, st.generation, st.sess.Variables, regen)
		st.generation = st.enforcement.Generation
		return nil
	}
}

func (p *Pipeline) phaseToolsAfter(st *turnState) func(context.Context) error {
	return func(ctx context.Context) error {
		after := p.deps.Tools.Run(ctx, st.plan.ToolsToExecute, models.ToolBindingAfterStep, st.sess.Variables)
		st.toolResults = append(st.toolResults, after...)
		return nil
	}
}

// persistAndAssemble is phase 13: bump the session, record rule fires, save
// everything, emit the audit event, and enqueue memory ingestion.
func (p *Pipeline) persistAndAssemble(ctx context.Context, st *turnState) (*models.AlignmentResult, error) {
	sess := st.sess
	sess.TurnCount++
	sess.Status = models.SessionActive
	if sess.RuleFires == nil {
		sess.RuleFires = make(map[string]int)
	}
	if sess.RuleLastFireTurn == nil {
		sess.RuleLastFireTurn = make(map[string]int)
	}
	for _, mr := range st.filtered.MatchedRules {
		sess.RuleFires[mr.Rule.ID]++
		sess.RuleLastFireTurn[mr.Rule.ID] = sess.TurnCount
	}

	outcome := p.resolveOutcome(st)
	result := &models.AlignmentResult{
		Response:             st.generation.Text,
		SessionID:            sess.SessionID,
		TurnID:               st.turnID,
		ScenarioResult:       st.scenarioResult,
		ReconciliationResult: st.reconciliation,
		MatchedRules:         st.filtered.MatchedRules,
		ToolResults:          st.toolResults,
		Generation:           st.generation,
		TotalTimeMs:          time.Since(st.startedAt).Milliseconds(),
		PipelineTimings:      st.timings,
		Outcome:              outcome,
	}

	persistCtx := context.WithoutCancel(ctx)
	if err := p.deps.Sessions.SaveSession(persistCtx, sess); err != nil {
		// The response is still returned; the retry worker replays the
		// persist using turn_id as its idempotency key (spec §7).
		log.Error().Err(err).Str("turn_id", st.turnID).Msg("session persist failed")
		p.deps.Audit.Emit(persistCtx, st.req.TenantID, sess.SessionID, st.turnID, "persist_failed", string(outcome.Resolution), err.Error())
		return result, nil
	}

	if p.deps.Turns != nil {
		if err := p.deps.Turns.AppendTurn(persistCtx, &models.Turn{
			ID:          st.turnID,
			TenantID:    st.req.TenantID,
			SessionID:   sess.SessionID,
			Message:     st.req.Message,
			Response:    result.Response,
			Outcome:     outcome.Resolution,
			TurnNumber:  sess.TurnCount,
			TotalTimeMs: result.TotalTimeMs,
		}); err != nil {
			log.Warn().Err(err).Str("turn_id", st.turnID).Msg("turn record persist failed")
		}
	}

	p.deps.Audit.Emit(persistCtx, st.req.TenantID, sess.SessionID, st.turnID, "completed", string(outcome.Resolution), "")

	if p.deps.MemoryQueue != nil {
		p.deps.MemoryQueue.Enqueue(memoryqueue.Task{
			Kind:      memoryqueue.TaskEpisode,
			TenantID:  st.req.TenantID,
			SessionID: sess.SessionID,
			TurnID:    st.turnID,
			Payload: models.Episode{
				TenantID:  st.req.TenantID,
				SessionID: sess.SessionID,
				TurnID:    st.turnID,
				Kind:      "turn",
				Text:      st.req.Message + "\n" + result.Response,
			},
		})
		p.deps.MemoryQueue.Enqueue(memoryqueue.Task{
			Kind: memoryqueue.TaskSummary, TenantID: st.req.TenantID,
			SessionID: sess.SessionID, TurnID: st.turnID,
		})
	}
	return result, nil
}

func (p *Pipeline) resolveOutcome(st *turnState) models.TurnOutcome {
	categories := st.generation.Categories
	if st.enforcement.Violated {
		categories = st.enforcement.Categories
	}
	responseType := models.ResponseAnswer
	if st.plan != nil {
		responseType = st.plan.ResponseType
	}
	if st.enforcement.Violated && !st.enforcement.UsedFallback {
		responseType = models.ResponseEscalate
	}
	return enforcement.ResolveOutcome(categories, responseType, st.enforcement.BlockingRuleID)
}

// acquireSession loads or creates the session and takes the per-session
// lease; a busy lease fails fast with SESSION_BUSY (spec §5).
func (p *Pipeline) acquireSession(ctx context.Context, req TurnRequest) (*models.Session, func(), error) {
	var sess *models.Session
	var err error
	if req.SessionID != "" {
		sess, err = p.deps.Sessions.GetSession(ctx, req.TenantID, req.SessionID)
		if err != nil {
			return nil, nil, err
		}
	} else {
		sess, err = p.deps.Sessions.FindSessionByChannelUser(ctx, req.TenantID, req.AgentID, req.Channel, req.UserChannelID)
		if apierrors.Is(err, apierrors.KindSessionNotFound) {
			sess = p.newSession(ctx, req)
			if saveErr := p.deps.Sessions.SaveSession(ctx, sess); saveErr != nil {
				return nil, nil, saveErr
			}
		} else if err != nil {
			return nil, nil, err
		}
	}

	release, ok := p.deps.Sessions.AcquireLease(ctx, req.TenantID, sess.SessionID)
	if !ok {
		return nil, nil, apierrors.Newf(apierrors.KindSessionBusy, "session %s is processing another turn", sess.SessionID)
	}
	return sess, release, nil
}

func (p *Pipeline) newSession(ctx context.Context, req TurnRequest) *models.Session {
	sess := &models.Session{
		SessionID:     uuid.NewString(),
		TenantID:      req.TenantID,
		AgentID:       req.AgentID,
		Channel:       req.Channel,
		UserChannelID: req.UserChannelID,
		Status:        models.SessionActive,
	}
	if agent, err := p.deps.Configs.GetAgent(ctx, req.TenantID, req.AgentID); err == nil {
		sess.ConfigVersion = agent.ConfigVersion
	}
	if p.deps.Customers != nil {
		if profile, err := p.deps.Customers.GetByChannelIdentity(ctx, req.TenantID, req.Channel, req.UserChannelID); err == nil {
			sess.CustomerProfileID = profile.CustomerID
		}
	}
	return sess
}

func validate(req TurnRequest) error {
	if req.TenantID == "" || req.AgentID == "" {
		return apierrors.New(apierrors.KindInvalidRequest, "tenant_id and agent_id are required")
	}
	if len(req.Message) < 1 || len(req.Message) > MaxMessageLength {
		return apierrors.Newf(apierrors.KindInvalidRequest, "message length must be in [1, %d]", MaxMessageLength)
	}
	if req.SessionID == "" && (req.Channel == "" || req.UserChannelID == "") {
		return apierrors.New(apierrors.KindInvalidRequest, "channel and user_channel_id are required without session_id")
	}
	return nil
}

func (p *Pipeline) idemLookup(key string) *models.AlignmentResult {
	p.idemMu.Lock()
	defer p.idemMu.Unlock()
	entry, ok := p.idem[key]
	if !ok || time.Now().After(entry.expires) {
		delete(p.idem, key)
		return nil
	}
	return entry.result
}

func (p *Pipeline) idemStore(key string, result *models.AlignmentResult) {
	p.idemMu.Lock()
	defer p.idemMu.Unlock()
	p.idem[key] = idemEntry{result: result, expires: time.Now().Add(p.cfg.IdempotencyTTL)}
}

// conversationWindow rebuilds the last k exchanges from the turn records;
// without a TurnStore it falls back to flow movement from the step history.
func (p *Pipeline) conversationWindow(ctx context.Context, sess *models.Session, k int) []sensor.ConversationTurn {
	var turns []sensor.ConversationTurn
	if p.deps.Turns != nil {
		recorded, err := p.deps.Turns.ListTurns(ctx, sess.TenantID, sess.SessionID, k, 0, false)
		if err == nil {
			for i := len(recorded) - 1; i >= 0; i-- {
				turns = append(turns,
					sensor.ConversationTurn{Role: "user", Text: recorded[i].Message},
					sensor.ConversationTurn{Role: "agent", Text: recorded[i].Response},
				)
			}
			return turns
		}
	}
	for _, visit := range sess.StepHistory {
		turns = append(turns, sensor.ConversationTurn{Role: "agent", Text: fmt.Sprintf("moved to step %s", visit.StepName)})
	}
	return turns
}

func (p *Pipeline) genHistory(ctx context.Context, sess *models.Session) []planner.HistoryTurn {
	window := p.conversationWindow(ctx, sess, 3)
	turns := make([]planner.HistoryTurn, 0, len(window))
	for _, t := range window {
		turns = append(turns, planner.HistoryTurn{Role: t.Role, Text: t.Text})
	}
	return turns
}
