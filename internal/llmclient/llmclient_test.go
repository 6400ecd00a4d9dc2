package llmclient_test

import (
	"context"
	"errors"
	"testing"

	"github.com/alignetic/engine/internal/llmclient"
	"github.com/alignetic/engine/pkg/contracts"
	"github.com/stretchr/testify/require"
)

type flakyClient struct {
	failuresLeft int
	calls        int
}

func (f *flakyClient) Complete(_ context.Context, req contracts.LLMRequest) (*contracts.LLMResponse, error) {
	f.calls++
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return nil, errors.New("transient upstream error")
	}
	return &contracts.LLMResponse{Text: "ok"}, nil
}

func TestClient_RetriesOnceThenSucceeds(t *testing.T) {
	flaky := &flakyClient{failuresLeft: 1}
	c := llmclient.New(flaky)

	resp, err := c.Complete(context.Background(), contracts.LLMRequest{UserPrompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Text)
	require.Equal(t, 2, flaky.calls)
}

func TestClient_ExhaustsRetriesAndReturnsError(t *testing.T) {
	flaky := &flakyClient{failuresLeft: 5}
	c := llmclient.New(flaky, llmclient.WithRetry(llmclient.RetryConfig{MaxAttempts: 2}))

	_, err := c.Complete(context.Background(), contracts.LLMRequest{UserPrompt: "hi"})
	require.Error(t, err)
	require.Equal(t, 2, flaky.calls)
}

func TestStubClient_ExactMatchAndDefault(t *testing.T) {
	stub := llmclient.NewStubClient().
		WithResponse("sys", "hello", "hi there").
		WithDefault("fallback response")

	resp, err := stub.Complete(context.Background(), contracts.LLMRequest{SystemPrompt: "sys", UserPrompt: "hello"})
	require.NoError(t, err)
	require.Equal(t, "hi there", resp.Text)

	resp, err = stub.Complete(context.Background(), contracts.LLMRequest{SystemPrompt: "sys", UserPrompt: "unmatched"})
	require.NoError(t, err)
	require.Equal(t, "fallback response", resp.Text)
}

func TestStubClient_ExhaustedWithoutDefault(t *testing.T) {
	stub := llmclient.NewStubClient()
	_, err := stub.Complete(context.Background(), contracts.LLMRequest{UserPrompt: "anything"})
	require.ErrorIs(t, err, llmclient.ErrStubExhausted)
}
