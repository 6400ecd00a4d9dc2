// Package llmclient wraps a contracts.LLMClient with retry and rate
// limiting, the two ambient concerns every phase calling an LLM needs
// (sensor, filter, generator, enforcer).
//
// Grounded on r3e-network-service_layer's infrastructure/resilience.Retry
// (github.com/cenkalti/backoff/v4 exponential backoff over a context-aware
// retry loop) for the retry half, and on golang.org/x/time/rate for the
// limiter half — both are already direct dependencies of this module.
package llmclient

import (
	"context"
	"errors"
	"time"

	"github.com/alignetic/engine/pkg/contracts"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// RetryConfig configures WithRetry's backoff schedule.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig matches spec §4.2/§4.8's "recoverable with one retry"
// guidance: the first call plus a single retry.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  2,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
	}
}

// Client wraps a contracts.LLMClient with retry and a token-bucket rate
// limiter. It satisfies contracts.LLMClient itself, so callers can swap it
// in transparently.
type Client struct {
	inner   contracts.LLMClient
	retry   RetryConfig
	limiter *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithRetry overrides the default retry schedule.
func WithRetry(cfg RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

// WithRateLimit caps sustained request rate to rps with the given burst
// allowance. Unset means unlimited.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// New wraps inner with retry and (optionally) rate limiting.
func New(inner contracts.LLMClient, opts ...Option) *Client {
	c := &Client{inner: inner, retry: DefaultRetryConfig()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete issues req against the wrapped client, retrying transient
// failures with exponential backoff and (if configured) waiting on the
// rate limiter first.
func (c *Client) Complete(ctx context.Context, req contracts.LLMRequest) (*contracts.LLMResponse, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	bo := backoff.NewExponentialBackOff()
	if c.retry.InitialDelay > 0 {
		bo.InitialInterval = c.retry.InitialDelay
	}
	if c.retry.MaxDelay > 0 {
		bo.MaxInterval = c.retry.MaxDelay
	}
	if c.retry.Multiplier > 0 {
		bo.Multiplier = c.retry.Multiplier
	}
	bo.MaxElapsedTime = 0

	maxAttempts := c.retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	withMax := backoff.WithMaxRetries(bo, uint64(maxAttempts-1))
	withCtx := backoff.WithContext(withMax, ctx)

	var resp *contracts.LLMResponse
	err := backoff.Retry(func() error {
		r, err := c.inner.Complete(ctx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}, withCtx)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// ErrStubExhausted is returned by StubClient when no matching canned
// response is configured and no default was set.
var ErrStubExhausted = errors.New("llmclient: stub has no response configured for this request")

// StubClient is a deterministic, in-process contracts.LLMClient
// implementation for tests and the default cmd/alignd demo path — spec
// §1 explicitly excludes a real provider SDK. Responses are matched by
// exact SystemPrompt+UserPrompt pair, falling back to Default.
type StubClient struct {
	Responses map[string]contracts.LLMResponse
	Default   *contracts.LLMResponse
}

// NewStubClient creates an empty deterministic stub.
func NewStubClient() *StubClient {
	return &StubClient{Responses: make(map[string]contracts.LLMResponse)}
}

// WithResponse registers a canned response for an exact prompt pair.
func (s *StubClient) WithResponse(systemPrompt, userPrompt, text string) *StubClient {
	s.Responses[stubKey(systemPrompt, userPrompt)] = contracts.LLMResponse{Text: text}
	return s
}

// WithDefault sets the fallback response used when no exact match exists.
func (s *StubClient) WithDefault(text string) *StubClient {
	s.Default = &contracts.LLMResponse{Text: text}
	return s
}

func (s *StubClient) Complete(_ context.Context, req contracts.LLMRequest) (*contracts.LLMResponse, error) {
	if resp, ok := s.Responses[stubKey(req.SystemPrompt, req.UserPrompt)]; ok {
		out := resp
		out.PromptTokens = len(req.SystemPrompt) + len(req.UserPrompt)
		return &out, nil
	}
	if s.Default != nil {
		out := *s.Default
		out.PromptTokens = len(req.SystemPrompt) + len(req.UserPrompt)
		return &out, nil
	}
	return nil, ErrStubExhausted
}

func stubKey(systemPrompt, userPrompt string) string {
	return systemPrompt + "\x00" + userPrompt
}
