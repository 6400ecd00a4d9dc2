// Package contracts defines the narrow interfaces the alignment engine core
// consumes from its external collaborators (spec §1: "the spec assumes
// these exist and defines only the contract the core consumes from them").
// Grounded on the teacher's pkg/contracts.go boundary pattern — one
// interface per swappable concern, default in-process implementations
// alongside — narrowed to what spec.md §6 actually names: an LLM client,
// an embedding driver, a vector store driver, a tool executor, a rerank
// provider, and an archive driver for the reconciliation scheduler.
package contracts

import (
	"context"

	"github.com/alignetic/engine/pkg/models"
)

// LLMRequest is one structured LLM call: a rendered prompt plus generation
// parameters. Every phase that calls an LLM (sensor, filter, generator,
// enforcer) goes through this same narrow shape.
type LLMRequest struct {
	Model       string
	SystemPrompt string
	UserPrompt  string
	Temperature float64
	MaxTokens   int
}

// LLMResponse is the raw text + token accounting from one LLM call.
type LLMResponse struct {
	Text         string
	PromptTokens int
	OutputTokens int
}

// LLMClient is the narrow contract the core consumes from an LLM provider
// SDK (explicitly out of scope to implement for real — spec §1). A
// deterministic stub driver ships in-tree for tests and the default runtime
// path; a real driver is wired behind this interface in production.
type LLMClient interface {
	// Complete issues one non-streaming generation call.
	Complete(ctx context.Context, req LLMRequest) (*LLMResponse, error)
}

// EmbeddingDriver generates vector embeddings from text. Grounded on the
// teacher's internal/embeddings provider-driver shape (Kind/Embed/Dimensions/HealthCheck).
type EmbeddingDriver interface {
	Kind() string
	Embed(ctx context.Context, texts []string) ([][]float64, error)
	Dimensions() int
	HealthCheck(ctx context.Context) error
}

// VectorStoreDriver provides vector storage and similarity search, synced
// by the EmbeddingManager (spec §4.1). Grounded on the teacher's
// internal/vectorstore driver shape.
type VectorStoreDriver interface {
	Kind() string
	Upsert(ctx context.Context, tenantID string, docs []models.VectorDoc) error
	Search(ctx context.Context, tenantID string, vector []float64, topK int, filter map[string]string) ([]models.SearchResult, error)
	Delete(ctx context.Context, tenantID string, ids []string) error
	Count(ctx context.Context, tenantID string) (int, error)
	HealthCheck(ctx context.Context) error
}

// RerankProvider reorders selected candidates against the raw message using
// its own scoring (spec §4.3, optional reranking). Default implementation
// is a pass-through, mirroring the teacher's RAG pipeline's "rerank is
// optional, naive passthrough" texture.
type RerankProvider interface {
	Rerank(ctx context.Context, query string, candidates []models.ScoredRule) ([]models.ScoredRule, error)
}

// NoopRerank is the pass-through RerankProvider used when reranking is
// disabled.
type NoopRerank struct{}

func (NoopRerank) Rerank(_ context.Context, _ string, candidates []models.ScoredRule) ([]models.ScoredRule, error) {
	return candidates, nil
}

// ToolExecutor resolves one tool binding against whatever the real tool
// transport is (spec §1 excludes the MCP/tool transport itself — only this
// narrow contract is in scope). Grounded on the teacher's
// internal/executor.Executor tool-binding resolution shape.
type ToolExecutor interface {
	Execute(ctx context.Context, binding models.ToolBinding, vars map[string]models.TypedValue) (models.ToolResult, error)
}

// ArchiveDriver writes expired/superseded data to a durable archive backend
// (used by internal/reconcile's scheduler). Grounded on the teacher's
// ArchiveDriver interface, narrowed to the one record kind the core
// produces: variable-entry history.
type ArchiveDriver interface {
	Kind() string
	ArchiveVariableEntries(ctx context.Context, tenantID string, entries []models.VariableEntry) (uri string, err error)
	HealthCheck(ctx context.Context) error
}
