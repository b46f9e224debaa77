package backend

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ai-orchestrator/internal/resilience"
	"github.com/sells-group/ai-orchestrator/pkg/anthropic"
)

const anthropicName = "anthropic"

const anthropicSystemPrompt = `You are one tier in a chain of AI providers. Answer the user's task directly and completely. If you are unsure, say so plainly.`

// Anthropic calls the Messages API with the provider's model.
type Anthropic struct {
	client    anthropic.Client
	maxTokens int64
}

// NewAnthropic creates an Anthropic backend.
func NewAnthropic(client anthropic.Client, maxTokens int64) *Anthropic {
	if maxTokens <= 0 {
		maxTokens = anthropic.DefaultMaxTokens
	}
	return &Anthropic{client: client, maxTokens: maxTokens}
}

// Invoke sends the task input as a single user message. The response carries
// token usage but no confidence or cost.
func (a *Anthropic) Invoke(ctx context.Context, req Request) (*Response, error) {
	if req.Provider.Model == "" {
		return nil, eris.Errorf("anthropic: provider %s has no model", req.Provider.Name)
	}

	start := time.Now()
	msg, err := a.client.Complete(ctx, anthropic.Prompt{
		Model:     req.Provider.Model,
		MaxTokens: a.maxTokens,
		System:    anthropicSystemPrompt,
		Input:     req.Input,
	})
	if err != nil {
		if code := anthropic.StatusCode(err); resilience.IsTransientHTTPStatus(code) {
			return nil, resilience.NewTransientError(err, code)
		}
		return nil, err
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil, malformed(anthropicName, "no text content (stop reason %q)", msg.StopReason)
	}
	if msg.Truncated() {
		zap.L().Debug("anthropic: completion hit max tokens",
			zap.String("task_id", req.TaskID),
			zap.String("provider", req.Provider.Name),
			zap.Int64("max_tokens", a.maxTokens),
		)
	}

	return &Response{
		Output:       text,
		LatencyMs:    time.Since(start).Milliseconds(),
		InputTokens:  msg.InputTokens,
		OutputTokens: msg.OutputTokens,
	}, nil
}
