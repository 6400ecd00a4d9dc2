package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/alignetic/engine/internal/audit"
	"github.com/alignetic/engine/internal/embeddings"
	"github.com/alignetic/engine/internal/enforcement"
	"github.com/alignetic/engine/internal/executor"
	"github.com/alignetic/engine/internal/filtering"
	"github.com/alignetic/engine/internal/llmclient"
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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	pipe      *Pipeline
	configs   *store.MemoryAgentConfigStore
	sessions  *store.MemorySessionStore
	customers *store.MemoryCustomerDataStore
	auditLog  *audit.MemoryStore
	turns     *store.MemoryTurnStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	configs := store.NewMemoryAgentConfigStore()
	sessions := store.NewMemorySessionStore()
	customers := store.NewMemoryCustomerDataStore()
	auditLog := audit.NewMemoryStore()
	turns := store.NewMemoryTurnStore()

	require.NoError(t, configs.CreateAgent(ctx, &models.Agent{
		ID: "a1", TenantID: "t1", Name: "test agent", ModelID: "stub",
		SystemPrompt: "You are a test assistant.", Enabled: true,
	}))

	llm := llmclient.NewStubClient().
		WithDefault(`{"language": "en", "sentiment": "neutral", "urgency": "normal", "scenario_signal": "CONTINUE"}`)

	sense, err := sensor.New(llm, sensor.DefaultConfig())
	require.NoError(t, err)
	filter, err := filtering.NewTernaryFilter(llm, filtering.DefaultConfig())
	require.NoError(t, err)
	generator, err := planner.NewGenerator(llm, configs)
	require.NoError(t, err)

	pipe := New(Deps{
		Configs:      configs,
		Sessions:     sessions,
		Customers:    customers,
		Sensor:       sense,
		Embedder:     embeddings.NewStubDriver(32),
		Retriever:    retrieval.New(configs, contracts.NoopRerank{}),
		Filter:       filter,
		Orchestrator: orchestrator.New(configs, llm, orchestrator.DefaultConfig()),
		Migration:    migration.NewReconciler(configs, customers),
		Reconciler:   reconcile.New(customers, configs),
		Planner:      planner.New(configs),
		Generator:    generator,
		Enforcer:     enforcement.New(llm, configs, "stub"),
		Tools:        executor.NewExecutor(nil),
		Resolver:     resolver.NewConfigResolver(),
		Audit:        audit.NewEmitter(auditLog),
		Turns:        turns,
	}, DefaultConfig())

	return &fixture{pipe: pipe, configs: configs, sessions: sessions, customers: customers, auditLog: auditLog, turns: turns}
}

func turnReq(message string) TurnRequest {
	return TurnRequest{
		TenantID: "t1", AgentID: "a1", Channel: "web",
		UserChannelID: "user-1", Message: message,
	}
}

func TestProcessTurnHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.pipe.ProcessTurn(ctx, turnReq("hello there"))
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.NotEmpty(t, result.TurnID)
	assert.NotEmpty(t, result.SessionID)
	assert.NotEmpty(t, result.Response)
	assert.Equal(t, models.ResolutionAnswered, result.Outcome.Resolution)
	assert.NotEmpty(t, result.PipelineTimings)

	names := make([]string, 0, len(result.PipelineTimings))
	for _, pt := range result.PipelineTimings {
		names = append(names, pt.Step)
	}
	assert.Equal(t, []string{
		"resolve_config", "migration_reconcile", "sensor", "retrieval",
		"rule_filter", "scenario_orchestrator", "customer_reconcile",
		"planner", "tools_before", "generation", "enforcement", "tools_after",
	}, names)

	sess, err := f.sessions.GetSession(ctx, "t1", result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.TurnCount)

	events, err := f.auditLog.ListBySession(ctx, "t1", result.SessionID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "completed", events[0].Kind)

	listed, err := f.turns.ListTurns(ctx, "t1", result.SessionID, 10, 0, true)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, result.TurnID, listed[0].ID)
}

func TestProcessTurnReusesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.pipe.ProcessTurn(ctx, turnReq("first"))
	require.NoError(t, err)
	second, err := f.pipe.ProcessTurn(ctx, turnReq("second"))
	require.NoError(t, err)

	assert.Equal(t, first.SessionID, second.SessionID)
	sess, err := f.sessions.GetSession(ctx, "t1", first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, sess.TurnCount)
}

func TestValidateRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pipe.ProcessTurn(ctx, turnReq(""))
	assert.True(t, apierrors.Is(err, apierrors.KindInvalidRequest))

	long := make([]byte, MaxMessageLength+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err = f.pipe.ProcessTurn(ctx, turnReq(string(long)))
	assert.True(t, apierrors.Is(err, apierrors.KindInvalidRequest))

	_, err = f.pipe.ProcessTurn(ctx, TurnRequest{TenantID: "t1", AgentID: "a1", Message: "hi"})
	assert.True(t, apierrors.Is(err, apierrors.KindInvalidRequest))
}

// Spec §8 end-to-end scenario 6: a second concurrent turn for the same
// session fails fast with SESSION_BUSY and mutates nothing.
func TestSessionLeaseExclusion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.pipe.ProcessTurn(ctx, turnReq("hello"))
	require.NoError(t, err)

	release, ok := f.sessions.AcquireLease(ctx, "t1", first.SessionID)
	require.True(t, ok)
	defer release()

	_, err = f.pipe.ProcessTurn(ctx, turnReq("while busy"))
	require.Error(t, err)
	assert.True(t, apierrors.Is(err, apierrors.KindSessionBusy))

	sess, err := f.sessions.GetSession(ctx, "t1", first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.TurnCount, "busy turn must not mutate session state")
}

// Spec §8 invariant 9: a replay with the same Idempotency-Key returns the
// identical result, turn_id included.
func TestIdempotencyReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := turnReq("idempotent hello")
	req.IdempotencyKey = "key-123"

	first, err := f.pipe.ProcessTurn(ctx, req)
	require.NoError(t, err)
	second, err := f.pipe.ProcessTurn(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.TurnID, second.TurnID)
	assert.Equal(t, first, second)

	sess, err := f.sessions.GetSession(ctx, "t1", first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.TurnCount, "replay must not reprocess the turn")
}

// Spec §8 invariant 8: cancellation persists no state and emits a
// cancelled audit event.
func TestCancellationPersistsNothing(t *testing.T) {
	f := newFixture(t)

	seed, err := f.pipe.ProcessTurn(context.Background(), turnReq("seed session"))
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.pipe.ProcessTurn(cancelled, turnReq("never processed"))
	require.Error(t, err)

	sess, err := f.sessions.GetSession(context.Background(), "t1", seed.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.TurnCount)

	events, err := f.auditLog.ListBySession(context.Background(), "t1", seed.SessionID)
	require.NoError(t, err)
	var kinds []string
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, "cancelled")
}

func TestMatchedRuleFiresRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.configs.CreateRule(ctx, &models.Rule{
		ID: "R_balance", TenantID: "t1", AgentID: "a1",
		ConditionText: "the user asks about their account balance",
		ActionText:    "quote the balance precisely",
		Scope:         models.RuleScopeGlobal, Enabled: true,
	}))

	// A classifier stub that always applies the rule.
	llm := llmclient.NewStubClient().WithDefault(
		`[{"rule_id": "R_balance", "verdict": "APPLIES", "confidence": 0.95, "relevance": 0.9, "reasoning": "balance"}]`)
	filter, err := filtering.NewTernaryFilter(llm, filtering.DefaultConfig())
	require.NoError(t, err)
	f.pipe.deps.Filter = filter

	result, err := f.pipe.ProcessTurn(ctx, turnReq("check my balance please"))
	require.NoError(t, err)
	require.Len(t, result.MatchedRules, 1)
	assert.Equal(t, "R_balance", result.MatchedRules[0].Rule.ID)

	sess, err := f.sessions.GetSession(ctx, "t1", result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.RuleFires["R_balance"])
	assert.Equal(t, 1, sess.RuleLastFireTurn["R_balance"])
}

func TestStreamEmitsTokensThenDone(t *testing.T) {
	f := newFixture(t)
	events := make(chan StreamEvent, 64)

	go f.pipe.ProcessTurnStream(context.Background(), turnReq("stream me"), events)

	var tokens int
	var done *StreamEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				require.NotNil(t, done, "stream must terminate with a done event")
				assert.Greater(t, tokens, 0)
				assert.NotEmpty(t, done.TurnID)
				return
			}
			switch ev.Type {
			case "token":
				tokens++
			case "done":
				cp := ev
				done = &cp
			case "error":
				t.Fatalf("unexpected error event: %s", ev.Message)
			}
		case <-deadline:
			t.Fatal("stream did not finish")
		}
	}
}
