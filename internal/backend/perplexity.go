package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sells-group/ai-orchestrator/internal/resilience"
	"github.com/sells-group/ai-orchestrator/pkg/perplexity"
)

const perplexityName = "perplexity"

// Perplexity answers through the search-grounded completions API. An empty
// provider model falls back to the client's default.
type Perplexity struct {
	client perplexity.Client
}

// NewPerplexity creates a Perplexity backend.
func NewPerplexity(client perplexity.Client) *Perplexity {
	return &Perplexity{client: client}
}

// Invoke sends the task input as a single user message. Cited sources are
// appended to the output as a numbered list.
func (p *Perplexity) Invoke(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	ans, err := p.client.Complete(ctx, perplexity.Prompt{
		Model: req.Provider.Model,
		Input: req.Input,
	})
	if err != nil {
		var apiErr *perplexity.APIError
		if errors.As(err, &apiErr) && resilience.IsTransientHTTPStatus(apiErr.StatusCode) {
			return nil, resilience.NewTransientError(err, apiErr.StatusCode)
		}
		return nil, err
	}

	text := strings.TrimSpace(ans.Text)
	if text == "" {
		return nil, malformed(perplexityName, "empty completion (finish reason %q)", ans.FinishReason)
	}

	return &Response{
		Output:       withSources(text, ans.Citations),
		LatencyMs:    time.Since(start).Milliseconds(),
		InputTokens:  ans.PromptTokens,
		OutputTokens: ans.CompletionTokens,
	}, nil
}

func withSources(text string, citations []string) string {
	if len(citations) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString(text)
	b.WriteString("\n\nSources:")
	for i, c := range citations {
		fmt.Fprintf(&b, "\n[%d] %s", i+1, c)
	}
	return b.String()
}
