// alignd wires the alignment engine end-to-end against in-memory stores
// and deterministic LLM/embedding stubs, seeds a demo tenant, and runs a
// few turns through the pipeline. The HTTP surface is out of scope; this
// binary exists to exercise the core the way an embedding service would.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alignetic/engine/internal/audit"
	"github.com/alignetic/engine/internal/config"
	"github.com/alignetic/engine/internal/embeddings"
	"github.com/alignetic/engine/internal/enforcement"
	"github.com/alignetic/engine/internal/executor"
	"github.com/alignetic/engine/internal/filtering"
	"github.com/alignetic/engine/internal/llmclient"
	"github.com/alignetic/engine/internal/memoryqueue"
	"github.com/alignetic/engine/internal/migration"
	"github.com/alignetic/engine/internal/orchestrator"
	"github.com/alignetic/engine/internal/pipeline"
	"github.com/alignetic/engine/internal/planner"
	"github.com/alignetic/engine/internal/publish"
	"github.com/alignetic/engine/internal/reconcile"
	"github.com/alignetic/engine/internal/resolver"
	"github.com/alignetic/engine/internal/retention"
	"github.com/alignetic/engine/internal/retrieval"
	"github.com/alignetic/engine/internal/sensor"
	"github.com/alignetic/engine/internal/store"
	"github.com/alignetic/engine/internal/store/cache"
	"github.com/alignetic/engine/internal/store/pgstore"
	"github.com/alignetic/engine/internal/telemetry"
	"github.com/alignetic/engine/internal/vectorembed"
	"github.com/alignetic/engine/internal/vectorstore"
	"github.com/alignetic/engine/pkg/contracts"
	"github.com/alignetic/engine/pkg/models"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	demoTenant = "demo-tenant"
	demoAgent  = "demo-agent"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg := config.Load()
	log.Info().Str("version", cfg.Version).Msg("alignment engine starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		log.Warn().Err(err).Msg("tracing init failed, continuing without exporter")
	} else {
		defer shutdownTracing(context.Background())
	}

	// Stores: in-memory by default; the pgx-backed catalogue store is wired
	// behind ALIGN_STORE_BACKEND=postgres.
	var configs store.AgentConfigStore = store.NewMemoryAgentConfigStore()
	if cfg.Database.Backend == "postgres" {
		pg, err := pgstore.NewPgAgentConfigStore(ctx, cfg.Database.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres store init failed")
		}
		defer pg.Close()
		configs = pg
	}
	sessions := store.NewMemorySessionStore()
	customers := store.NewMemoryCustomerDataStore()
	turns := store.NewMemoryTurnStore()

	var cachingConfigs *cache.CachingAgentConfigStore
	if cfg.Cache.Enabled {
		var backend cache.Cache = cache.NewMemoryCache()
		if cfg.Cache.RedisAddr != "" {
			backend = cache.NewRedisCache(
				redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr}),
				cfg.Cache.FallbackOnError,
			)
		}
		cachingConfigs = cache.NewCachingAgentConfigStore(configs, backend)
		configs = cachingConfigs
	}

	// The stub LLM is the default in-process driver; a real provider slots
	// in behind the same contract.
	llmOpts := []llmclient.Option{llmclient.WithRetry(llmclient.RetryConfig{
		MaxAttempts: cfg.LLM.MaxRetries, InitialDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second, Multiplier: 2,
	})}
	if cfg.LLM.RateRPS > 0 {
		llmOpts = append(llmOpts, llmclient.WithRateLimit(cfg.LLM.RateRPS, cfg.LLM.RateBurst))
	}
	llm := llmclient.New(seedStubLLM(), llmOpts...)

	embedder, err := buildEmbedder(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("embedding driver init failed")
	}
	vectors, err := buildVectorStore(ctx, cfg, embedder.Dimensions())
	if err != nil {
		log.Fatal().Err(err).Msg("vector store init failed")
	}
	embeds := vectorembed.NewManager(embedder, vectors)

	sense, err := sensor.New(llm, sensor.DefaultConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("sensor init failed")
	}
	filter, err := filtering.NewTernaryFilter(llm, filtering.DefaultConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("filter init failed")
	}
	generator, err := planner.NewGenerator(llm, configs)
	if err != nil {
		log.Fatal().Err(err).Msg("generator init failed")
	}

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.LoopThreshold = cfg.Pipeline.LoopThreshold
	orchCfg.MaxConcurrentScenarios = cfg.Pipeline.MaxConcurrentScenarios

	auditStore := audit.NewMemoryStore()
	queue := memoryqueue.New(256, func(_ context.Context, task memoryqueue.Task) error {
		log.Debug().Int("kind", int(task.Kind)).Str("turn_id", task.TurnID).Msg("memory ingestion")
		return nil
	})
	queue.Start(ctx, 2)

	janitor := retention.NewJanitor(customers, 5*time.Minute)
	janitor.RegisterTenant(demoTenant)
	janitor.RegisterArchiver(retention.NewLocalFileArchiver("", true))
	scheduler := reconcile.NewScheduler(janitor)
	if err := scheduler.Start(ctx, "@every 5m"); err != nil {
		log.Warn().Err(err).Msg("expiration scheduler failed to start")
	}

	pipe := pipeline.New(pipeline.Deps{
		Configs:      configs,
		Sessions:     sessions,
		Customers:    customers,
		Sensor:       sense,
		Embedder:     embedder,
		Retriever:    retrieval.New(configs, contracts.NoopRerank{}),
		Filter:       filter,
		Orchestrator: orchestrator.New(configs, llm, orchCfg),
		Migration:    migration.NewReconciler(configs, customers),
		Reconciler:   reconcile.New(customers, configs),
		Planner:      planner.New(configs),
		Generator:    generator,
		Enforcer:     enforcement.New(llm, configs, cfg.LLM.DefaultModel),
		Tools:        executor.NewExecutor(echoToolExecutor{}),
		Resolver:     resolver.NewConfigResolver(),
		Audit:        audit.NewEmitter(auditStore),
		MemoryQueue:  queue,
		Turns:        turns,
	}, pipeline.Config{
		TurnDeadline:   cfg.Pipeline.TurnDeadline,
		PhaseTimeout:   cfg.Pipeline.PhaseTimeout,
		IdempotencyTTL: cfg.Pipeline.IdempotencyTTL,
	})

	seedCatalogue(ctx, configs)

	var invalidator publish.Invalidator
	if cachingConfigs != nil {
		invalidator = cachingConfigs
	}
	publisher := publish.NewManager(configs, embeds, invalidator)
	if job, err := publisher.Publish(ctx, demoTenant, demoAgent, "initial publish"); err != nil {
		log.Warn().Err(err).Msg("initial publish failed")
	} else {
		log.Info().Str("job_id", job.ID).Str("config_version", job.Version).Msg("catalogue published")
	}

	for _, message := range []string{
		"hi, I'd like to check my account balance",
		"actually, can you close my account?",
	} {
		result, err := pipe.ProcessTurn(ctx, pipeline.TurnRequest{
			TenantID:      demoTenant,
			AgentID:       demoAgent,
			Channel:       "web",
			UserChannelID: "demo-user",
			Message:       message,
		})
		if err != nil {
			log.Error().Err(err).Msg("turn failed")
			continue
		}
		log.Info().Str("turn_id", result.TurnID).
			Str("resolution", string(result.Outcome.Resolution)).
			Int64("total_ms", result.TotalTimeMs).
			Str("response", result.Response).
			Msg("turn completed")
	}

	log.Info().Msg("demo complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info().Msg("alignment engine stopped")
}

// buildEmbedder registers every configured embedding driver and selects
// the active one by ALIGN_EMBEDDING_PROVIDER.
func buildEmbedder(cfg *config.Config) (contracts.EmbeddingDriver, error) {
	reg := embeddings.NewRegistry()
	reg.Register("stub", embeddings.NewStubDriver(cfg.Embedding.StubDims))
	if cfg.Embedding.OpenAIAPIKey != "" {
		model := cfg.Embedding.Model
		if model == "" {
			model = "text-embedding-3-small"
		}
		var opts []embeddings.OpenAIOption
		if cfg.Embedding.OpenAIEndpoint != "" {
			opts = append(opts, embeddings.WithOpenAIEndpoint(cfg.Embedding.OpenAIEndpoint))
		}
		reg.Register("openai", embeddings.NewOpenAIDriver(cfg.Embedding.OpenAIAPIKey, model, opts...))
	}
	if cfg.Embedding.Provider == "ollama" || cfg.Embedding.OllamaEndpoint != "" {
		model := cfg.Embedding.Model
		if model == "" {
			model = "nomic-embed-text"
		}
		reg.Register("ollama", embeddings.NewOllamaDriver(cfg.Embedding.OllamaEndpoint, model))
	}
	log.Info().Strs("available", reg.List()).Str("selected", cfg.Embedding.Provider).Msg("embedding drivers configured")
	return reg.Get(cfg.Embedding.Provider)
}

// buildVectorStore registers the vector-index drivers and selects the
// active one by ALIGN_VECTORSTORE.
func buildVectorStore(ctx context.Context, cfg *config.Config, dims int) (contracts.VectorStoreDriver, error) {
	reg := vectorstore.NewRegistry()
	reg.Register("embedded", vectorstore.NewEmbeddedStore())

	// A postgres store backend brings the pgvector index with it unless the
	// driver was pinned explicitly.
	selected := cfg.VectorStore.Driver
	if selected == "embedded" && cfg.Database.Backend == "postgres" {
		selected = "pgvector"
	}
	if selected == "pgvector" {
		pg, err := vectorstore.NewPgvectorStore(ctx, cfg.Database.URL, dims)
		if err != nil {
			return nil, err
		}
		reg.Register("pgvector", pg)
	}
	driver, err := reg.Get(selected)
	if err != nil {
		return nil, err
	}
	for name, herr := range reg.HealthCheckAll(ctx) {
		if herr != nil {
			log.Warn().Err(herr).Str("driver", name).Msg("vector store health check failed")
		}
	}
	return driver, nil
}

// seedCatalogue writes a small demo agent: one global rule, one hard
// constraint, one scenario.
func seedCatalogue(ctx context.Context, configs store.AgentConfigStore) {
	must := func(err error) {
		if err != nil {
			log.Fatal().Err(err).Msg("seed failed")
		}
	}
	must(configs.CreateAgent(ctx, &models.Agent{
		ID: demoAgent, TenantID: demoTenant, Name: "demo support agent",
		ModelID: "stub", SystemPrompt: "You are a concise banking support assistant.", Enabled: true,
	}))
	must(configs.CreateRule(ctx, &models.Rule{
		ID: uuid.NewString(), TenantID: demoTenant, AgentID: demoAgent,
		ConditionText: "the user asks about their account balance",
		ActionText:    "quote the balance exactly as the balance tool returns it",
		Scope:         models.RuleScopeGlobal, Enabled: true,
	}))
	must(configs.CreateRule(ctx, &models.Rule{
		ID: uuid.NewString(), TenantID: demoTenant, AgentID: demoAgent,
		ConditionText:         "every response",
		ActionText:            "never promise actions the platform cannot perform",
		Scope:                 models.RuleScopeGlobal,
		Enabled:               true,
		IsHardConstraint:      true,
		EnforcementExpression: `not (response contains "guarantee")`,
	}))
	must(configs.CreateScenario(ctx, &models.Scenario{
		ID: uuid.NewString(), TenantID: demoTenant, AgentID: demoAgent,
		Name: "account closure", Version: 1, EntryStepID: "confirm",
		EntryConditionText: "the user wants to close their account",
		Enabled:            true,
		Steps: []models.ScenarioStep{
			{ID: "confirm", Name: "confirm closure intent", IsEntry: true,
				Transitions: []models.StepTransition{{ToStepID: "close", ConditionText: "the user confirms closure"}}},
			{ID: "close", Name: "close the account", PerformsAction: true, IsCheckpoint: true,
				CheckpointDescription: "account closed",
				Transitions:           []models.StepTransition{{ToStepID: "bye", ConditionText: "closure completed"}}},
			{ID: "bye", Name: "goodbye", IsTerminal: true},
		},
	}))
}

// seedStubLLM wires deterministic responses for the demo prompts; anything
// unmatched gets a generic completion.
func seedStubLLM() *llmclient.StubClient {
	return llmclient.NewStubClient().
		WithDefault(`{"language": "en", "sentiment": "neutral", "urgency": "normal", "scenario_signal": "CONTINUE"}`)
}

// echoToolExecutor is the demo tool transport: it reflects the binding
// args back as the tool output.
type echoToolExecutor struct{}

func (echoToolExecutor) Execute(_ context.Context, binding models.ToolBinding, _ map[string]models.TypedValue) (models.ToolResult, error) {
	out := map[string]interface{}{"echo": binding.ToolID}
	for k, v := range binding.Args {
		out[k] = v
	}
	return models.ToolResult{ToolID: binding.ToolID, Success: true, Output: out}, nil
}
