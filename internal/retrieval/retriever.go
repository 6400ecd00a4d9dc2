package retrieval

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/alignetic/engine/internal/store"
	"github.com/alignetic/engine/pkg/contracts"
	"github.com/alignetic/engine/pkg/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Config tunes one retrieval pass.
type Config struct {
	Strategy       string
	StrategyParams StrategyParams
	MaxK           int
	MinK           int
	Hybrid         HybridScorer
	HybridEnabled  bool
	RerankEnabled  bool
	StartThreshold float64 // not applied by Retrieve; the orchestrator applies its own start threshold
}

// DefaultConfig mirrors the platform defaults in internal/resolver.
func DefaultConfig() Config {
	return Config{
		Strategy:      "adaptive_k",
		MaxK:          8,
		MinK:          1,
		Hybrid:        NewHybridScorer(),
		HybridEnabled: true,
	}
}

// Retriever scores and selects rule/scenario candidates for one turn.
type Retriever struct {
	configs store.AgentConfigStore
	rerank  contracts.RerankProvider
}

// New creates a Retriever. rerank may be nil to disable reranking.
func New(configs store.AgentConfigStore, rerank contracts.RerankProvider) *Retriever {
	if rerank == nil {
		rerank = contracts.NoopRerank{}
	}
	return &Retriever{configs: configs, rerank: rerank}
}

// RuleEligible is the deterministic business pre-filter (spec §4.3/§4.4):
// disabled rules, rules at their per-session fire cap, and rules inside
// their cooldown window are ineligible. Applied before scoring so the BM25
// corpus reflects only eligible items.
func RuleEligible(rule models.Rule, sess *models.Session) bool {
	if !rule.Enabled {
		return false
	}
	if sess == nil {
		return true
	}
	if rule.MaxFiresPerSession > 0 && sess.RuleFires[rule.ID] >= rule.MaxFiresPerSession {
		return false
	}
	if rule.CooldownTurns > 0 {
		if lastFire, fired := sess.RuleLastFireTurn[rule.ID]; fired && sess.TurnCount-lastFire < rule.CooldownTurns {
			return false
		}
	}
	return true
}

// Retrieve runs rule retrieval across scopes and scenario retrieval in
// parallel (spec §5: rule- and scenario-retrieval run concurrently, rule
// retrieval fans out per scope).
func (r *Retriever) Retrieve(ctx context.Context, tenantID, agentID string, snapshot models.SituationSnapshot, sess *models.Session, cfg Config) (*models.RetrievalResult, error) {
	start := time.Now()
	result := &models.RetrievalResult{SelectionMetadata: models.SelectionMetadata{}}

	scopes := activeScopes(sess)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for _, sc := range scopes {
		sc := sc
		g.Go(func() error {
			rules, meta, err := r.retrieveRules(gctx, tenantID, agentID, snapshot, sess, cfg, sc)
			if err != nil {
				// Recoverable per spec §7: empty candidates with an error
				// marker rather than a failed turn.
				log.Warn().Err(err).Str("scope", string(sc.Scope)).Msg("rule retrieval failed, returning empty scope")
				mu.Lock()
				result.SelectionMetadata["error_"+string(sc.Scope)] = err.Error()
				mu.Unlock()
				return nil
			}
			mu.Lock()
			result.Rules = append(result.Rules, rules...)
			for k, v := range meta {
				result.SelectionMetadata[string(sc.Scope)+"_"+k] = v
			}
			mu.Unlock()
			return nil
		})
	}

	g.Go(func() error {
		scenarios, err := r.retrieveScenarios(gctx, tenantID, agentID, snapshot, cfg)
		if err != nil {
			log.Warn().Err(err).Msg("scenario retrieval failed, returning empty candidates")
			mu.Lock()
			result.SelectionMetadata["error_scenarios"] = err.Error()
			mu.Unlock()
			return nil
		}
		mu.Lock()
		result.Scenarios = scenarios
		mu.Unlock()
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(result.Rules, func(i, j int) bool { return result.Rules[i].Score > result.Rules[j].Score })

	if cfg.RerankEnabled && len(result.Rules) > 0 {
		reranked, err := r.rerank.Rerank(ctx, snapshot.Message, result.Rules)
		if err != nil {
			log.Warn().Err(err).Msg("rerank failed, keeping hybrid order")
		} else {
			result.Rules = reranked
		}
	}

	result.RetrievalTimeMs = time.Since(start).Milliseconds()
	return result, nil
}

// scopeQuery names one retrieval scope: GLOBAL, or a specific scenario/step
// id from the session's active instances.
type scopeQuery struct {
	Scope   models.RuleScope
	ScopeID string
}

func activeScopes(sess *models.Session) []scopeQuery {
	scopes := []scopeQuery{{Scope: models.RuleScopeGlobal}}
	if sess == nil {
		return scopes
	}
	for _, inst := range sess.ActiveScenarios {
		if inst.Status != models.ScenarioInstanceActive {
			continue
		}
		scopes = append(scopes,
			scopeQuery{Scope: models.RuleScopeScenario, ScopeID: inst.ScenarioID},
			scopeQuery{Scope: models.RuleScopeStep, ScopeID: inst.CurrentStepID},
		)
	}
	return scopes
}

func (r *Retriever) retrieveRules(ctx context.Context, tenantID, agentID string, snapshot models.SituationSnapshot, sess *models.Session, cfg Config, sc scopeQuery) ([]models.ScoredRule, models.SelectionMetadata, error) {
	all, err := r.configs.ListRules(ctx, tenantID, agentID, store.ListFilter{})
	if err != nil {
		return nil, nil, err
	}

	var candidates []models.Rule
	for _, rule := range all {
		if rule.Scope != sc.Scope || (sc.ScopeID != "" && rule.ScopeID != sc.ScopeID) {
			continue
		}
		if !RuleEligible(rule, sess) {
			continue
		}
		candidates = append(candidates, rule)
	}
	if len(candidates) == 0 {
		return nil, nil, nil
	}

	scores := r.scoreCandidates(snapshot, cfg, ruleTexts(candidates), ruleVectors(candidates))

	order := sortedOrder(scores)
	sel, err := Select(mustStrategy(cfg), sortedScores(scores, order), cfg.MaxK, minKFor(cfg, len(candidates)))
	if err != nil {
		return nil, nil, err
	}

	out := make([]models.ScoredRule, 0, len(sel.Indices))
	for _, i := range sel.Indices {
		orig := order[i]
		out = append(out, models.ScoredRule{Rule: candidates[orig], Score: scores[orig], Source: sc.Scope})
	}
	meta := sel.Metadata
	meta["method"] = sel.Method
	meta["cutoff_score"] = sel.CutoffScore
	return out, meta, nil
}

func (r *Retriever) retrieveScenarios(ctx context.Context, tenantID, agentID string, snapshot models.SituationSnapshot, cfg Config) ([]models.ScoredScenario, error) {
	all, err := r.configs.ListScenarios(ctx, tenantID, agentID, store.ListFilter{})
	if err != nil {
		return nil, err
	}

	var candidates []models.Scenario
	for _, sc := range all {
		if sc.Enabled {
			candidates = append(candidates, sc)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	texts := make([]string, len(candidates))
	vectors := make([][]float64, len(candidates))
	for i, sc := range candidates {
		texts[i] = sc.EntryConditionText
		vectors[i] = sc.EntryEmbedding
	}
	scores := r.scoreCandidates(snapshot, cfg, texts, vectors)

	order := sortedOrder(scores)
	sel, err := Select(mustStrategy(cfg), sortedScores(scores, order), cfg.MaxK, minKFor(cfg, len(candidates)))
	if err != nil {
		return nil, err
	}

	out := make([]models.ScoredScenario, 0, len(sel.Indices))
	for _, i := range sel.Indices {
		orig := order[i]
		out = append(out, models.ScoredScenario{Scenario: candidates[orig], Score: scores[orig]})
	}
	return out, nil
}

// scoreCandidates computes the hybrid (or vector-only) score per candidate.
func (r *Retriever) scoreCandidates(snapshot models.SituationSnapshot, cfg Config, texts []string, vectors [][]float64) []float64 {
	vectorScores := make([]float64, len(texts))
	for i, vec := range vectors {
		vectorScores[i] = ClampCosine(cosine(snapshot.Embedding, vec))
	}

	if !cfg.HybridEnabled {
		return vectorScores
	}

	bm25Scores := NewBM25(texts).Scores(snapshot.Message)
	combined, err := cfg.Hybrid.Combine(vectorScores, bm25Scores)
	if err != nil {
		return vectorScores
	}
	for i, s := range combined {
		if s > 1 {
			combined[i] = 1
		}
	}
	return combined
}

func mustStrategy(cfg Config) Strategy {
	s, err := NewStrategy(cfg.Strategy, cfg.StrategyParams)
	if err != nil {
		s, _ = NewStrategy("fixed_k", StrategyParams{K: cfg.MaxK})
	}
	return s
}

func minKFor(cfg Config, n int) int {
	minK := cfg.MinK
	if minK > cfg.MaxK {
		minK = cfg.MaxK
	}
	if minK > n {
		minK = n
	}
	return minK
}

func ruleTexts(rules []models.Rule) []string {
	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = r.ConditionText
	}
	return out
}

func ruleVectors(rules []models.Rule) [][]float64 {
	out := make([][]float64, len(rules))
	for i, r := range rules {
		out[i] = r.ConditionEmbedding
	}
	return out
}

// sortedOrder returns candidate indices ordered by score descending.
func sortedOrder(scores []float64) []int {
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })
	return order
}

func sortedScores(scores []float64, order []int) []float64 {
	out := make([]float64, len(order))
	for i, o := range order {
		out[i] = scores[o]
	}
	return out
}

func cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
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
