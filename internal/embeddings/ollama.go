package embeddings

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// OllamaDriver embeds condition texts through a local Ollama instance's
// /api/embed endpoint, for deployments that keep the embedding model
// on-premise.
type OllamaDriver struct {
	endpoint   string
	model      string
	dimensions int
	batchSize  int
	client     *http.Client
}

// OllamaOption configures the Ollama driver.
type OllamaOption func(*OllamaDriver)

// WithOllamaBatchSize caps texts per upstream call; larger Embed inputs are
// chunked.
func WithOllamaBatchSize(size int) OllamaOption {
	return func(d *OllamaDriver) { d.batchSize = size }
}

// WithOllamaDimensions overrides the inferred vector dimensions for models
// the driver does not know.
func WithOllamaDimensions(dims int) OllamaOption {
	return func(d *OllamaDriver) { d.dimensions = dims }
}

// NewOllamaDriver creates an Ollama embedding driver. An empty endpoint
// defaults to the local daemon.
func NewOllamaDriver(endpoint, model string, opts ...OllamaOption) *OllamaDriver {
	dims := 768 // nomic-embed-text
	switch model {
	case "mxbai-embed-large":
		dims = 1024
	case "all-minilm", "all-minilm:l6-v2":
		dims = 384
	}

	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}

	d := &OllamaDriver{
		endpoint:   endpoint,
		model:      model,
		dimensions: dims,
		batchSize:  512,
		client:     &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *OllamaDriver) Kind() string    { return "ollama" }
func (d *OllamaDriver) Dimensions() int { return d.dimensions }

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

// Embed generates vectors for texts, chunking past the batch cap.
func (d *OllamaDriver) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return chunked(ctx, texts, d.batchSize, d.embedBatch)
}

func (d *OllamaDriver) embedBatch(ctx context.Context, batch []string) ([][]float64, error) {
	var result ollamaEmbedResponse
	err := postJSON(ctx, d.client, d.endpoint+"/api/embed", nil,
		ollamaEmbedRequest{Model: d.model, Input: batch}, &result)
	if err != nil {
		return nil, err
	}
	if len(result.Embeddings) != len(batch) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(batch), len(result.Embeddings))
	}
	return result.Embeddings, nil
}

// HealthCheck verifies Ollama is reachable and the model is pulled.
func (d *OllamaDriver) HealthCheck(ctx context.Context) error {
	_, err := d.Embed(ctx, []string{"health check"})
	return err
}
