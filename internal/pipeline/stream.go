package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/alignetic/engine/pkg/apierrors"
)

// StreamEvent is one server-sent event of ProcessTurnStream (spec §6).
type StreamEvent struct {
	Type         string   `json:"type"` // "token" | "done" | "error"
	Content      string   `json:"content,omitempty"`
	TurnID       string   `json:"turn_id,omitempty"`
	SessionID    string   `json:"session_id,omitempty"`
	MatchedRules []string `json:"matched_rules,omitempty"`
	ToolsCalled  []string `json:"tools_called,omitempty"`
	TokensUsed   int      `json:"tokens_used,omitempty"`
	LatencyMs    int64    `json:"latency_ms,omitempty"`
	Code         string   `json:"code,omitempty"`
	Message      string   `json:"message,omitempty"`
}

// ProcessTurnStream runs the pipeline and emits the response as token
// events followed by a terminal done (or error) event. The generator
// contract is non-streaming, so tokens are chunked from the final text;
// a streaming LLM driver can push through the same event shape.
func (p *Pipeline) ProcessTurnStream(ctx context.Context, req TurnRequest, events chan<- StreamEvent) {
	defer close(events)

	result, err := p.ProcessTurn(ctx, req)
	if err != nil {
		events <- StreamEvent{Type: "error", Code: errorCode(err), Message: err.Error()}
		return
	}

	for _, token := range strings.SplitAfter(result.Response, " ") {
		if token == "" {
			continue
		}
		select {
		case events <- StreamEvent{Type: "token", Content: token}:
		case <-ctx.Done():
			events <- StreamEvent{Type: "error", Code: "CANCELLED", Message: ctx.Err().Error()}
			return
		}
	}

	done := StreamEvent{
		Type:      "done",
		TurnID:    result.TurnID,
		SessionID: result.SessionID,
		LatencyMs: result.TotalTimeMs,
	}
	for _, mr := range result.MatchedRules {
		done.MatchedRules = append(done.MatchedRules, mr.Rule.ID)
	}
	for _, tr := range result.ToolResults {
		done.ToolsCalled = append(done.ToolsCalled, tr.ToolID)
	}
	events <- done
}

func errorCode(err error) string {
	var ae *apierrors.Error
	if errors.As(err, &ae) {
		return string(ae.Kind)
	}
	return string(apierrors.KindInternalError)
}
