// Package resolver implements the platform<-tenant<-agent<-channel<-scenario<-step
// configuration override cascade (spec §4.10 phase 1 "resolve effective
// config for this turn").
//
// Grounded on the teacher's internal/resolver.Resolver: the per-kind
// dispatch and structured multi-error accumulation shape
// ("var errors []string; ...; fmt.Errorf(... strings.Join(...))") survives,
// repurposed from "resolve agent ingredients" (model/tool/prompt/data
// bindings) to "resolve layered runtime config" (retrieval/filtering/
// pipeline knobs plus an open-ended extra map). Each later layer overrides
// the ones before it; a layer's zero-value pointer fields are a no-op, and
// nested maps deep-merge rather than replace.
package resolver

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// ConfigLayer is one tier of the override cascade. Every scalar is a
// pointer so "unset" (no-op) is distinguishable from "explicitly zero".
type ConfigLayer struct {
	ID string

	RetrievalTopK             *int
	SelectionStrategy         *string
	FilterConfidenceThreshold *float64
	PipelinePhaseTimeoutMS    *int
	IdempotencyTTLSeconds     *int

	Extra map[string]interface{}
}

// ResolvedConfig is the fully-merged result of one Resolve call.
type ResolvedConfig struct {
	RetrievalTopK             int
	SelectionStrategy         string
	FilterConfidenceThreshold float64
	PipelinePhaseTimeoutMS    int
	IdempotencyTTLSeconds     int

	Extra map[string]interface{}
}

// defaults seeds the platform floor of the cascade so every field in
// ResolvedConfig always has a sane value even when every layer is nil.
func defaults() ResolvedConfig {
	return ResolvedConfig{
		RetrievalTopK:             8,
		SelectionStrategy:         "adaptive_k",
		FilterConfidenceThreshold: 0.6,
		PipelinePhaseTimeoutMS:    3000,
		IdempotencyTTLSeconds:     600,
		Extra:                     map[string]interface{}{},
	}
}

// ConfigResolver merges the six-tier override cascade and caches by the
// resolved layer-ID tuple.
type ConfigResolver struct {
	mu    sync.RWMutex
	cache map[string]*ResolvedConfig
}

// NewConfigResolver creates a config resolver with an empty cache.
func NewConfigResolver() *ConfigResolver {
	return &ConfigResolver{cache: make(map[string]*ResolvedConfig)}
}

// Resolve merges platform defaults with the tenant, agent, channel,
// scenario, and step layers in that order (later layers win). nil layers
// are legal and contribute nothing.
func (r *ConfigResolver) Resolve(ctx context.Context, tenant, agent, channel, scenario, step *ConfigLayer) (*ResolvedConfig, error) {
	cacheKey := cacheKeyFor(tenant, agent, channel, scenario, step)

	r.mu.RLock()
	if cached, ok := r.cache[cacheKey]; ok {
		r.mu.RUnlock()
		return cached, nil
	}
	r.mu.RUnlock()

	var errs []string
	resolved := defaults()

	for _, layer := range []*ConfigLayer{tenant, agent, channel, scenario, step} {
		if layer == nil {
			continue
		}
		if err := apply(&resolved, layer); err != nil {
			errs = append(errs, fmt.Sprintf("layer %q: %s", layer.ID, err))
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config resolution failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	r.mu.Lock()
	r.cache[cacheKey] = &resolved
	r.mu.Unlock()

	log.Debug().Str("cache_key", cacheKey).Int("retrieval_top_k", resolved.RetrievalTopK).
		Str("selection_strategy", resolved.SelectionStrategy).Msg("config resolved")

	return &resolved, nil
}

// Invalidate drops every cached resolution. Callers invalidate on catalogue
// mutation (a tenant/agent/channel config write changes what every cached
// tuple touching it should resolve to, and the cascade has no cheap way to
// know which cached tuples that is).
func (r *ConfigResolver) Invalidate() {
	r.mu.Lock()
	r.cache = make(map[string]*ResolvedConfig)
	r.mu.Unlock()
}

func apply(dst *ResolvedConfig, layer *ConfigLayer) error {
	if layer.RetrievalTopK != nil {
		if *layer.RetrievalTopK <= 0 {
			return fmt.Errorf("retrieval_top_k must be > 0, got %d", *layer.RetrievalTopK)
		}
		dst.RetrievalTopK = *layer.RetrievalTopK
	}
	if layer.SelectionStrategy != nil {
		dst.SelectionStrategy = *layer.SelectionStrategy
	}
	if layer.FilterConfidenceThreshold != nil {
		if *layer.FilterConfidenceThreshold < 0 || *layer.FilterConfidenceThreshold > 1 {
			return fmt.Errorf("filter_confidence_threshold must be in [0,1], got %f", *layer.FilterConfidenceThreshold)
		}
		dst.FilterConfidenceThreshold = *layer.FilterConfidenceThreshold
	}
	if layer.PipelinePhaseTimeoutMS != nil {
		if *layer.PipelinePhaseTimeoutMS <= 0 {
			return fmt.Errorf("pipeline_phase_timeout_ms must be > 0, got %d", *layer.PipelinePhaseTimeoutMS)
		}
		dst.PipelinePhaseTimeoutMS = *layer.PipelinePhaseTimeoutMS
	}
	if layer.IdempotencyTTLSeconds != nil {
		if *layer.IdempotencyTTLSeconds < 0 {
			return fmt.Errorf("idempotency_ttl_seconds must be >= 0, got %d", *layer.IdempotencyTTLSeconds)
		}
		dst.IdempotencyTTLSeconds = *layer.IdempotencyTTLSeconds
	}
	var merge func(dst, src map[string]interface{})
	merge = func(dst, src map[string]interface{}) {
		for k, v := range src {
			sm, srcMap := v.(map[string]interface{})
			if dm, dstMap := dst[k].(map[string]interface{}); srcMap && dstMap {
				merged := make(map[string]interface{}, len(dm)+len(sm))
				merge(merged, dm)
				merge(merged, sm)
				v = merged
			}
			dst[k] = v
		}
	}
	merge(dst.Extra, layer.Extra)
	return nil
}

func cacheKeyFor(layers ...*ConfigLayer) string {
	var sb strings.Builder
	for i, l := range layers {
		if i > 0 {
			sb.WriteByte('|')
		}
		if l != nil {
			sb.WriteString(l.ID)
		}
	}
	return sb.String()
}
