// Package anthropic wraps the official SDK behind a single-turn completion
// interface.
package anthropic

import (
	"context"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
)

// DefaultMaxTokens is used when a prompt does not set MaxTokens.
const DefaultMaxTokens int64 = 4096

// Client answers a single prompt.
type Client interface {
	Complete(ctx context.Context, p Prompt) (*Completion, error)
}

// Prompt is one single-turn request.
type Prompt struct {
	Model       string
	System      string
	Input       string
	MaxTokens   int64
	Temperature *float64
}

// Completion is the joined text of a response plus its accounting.
type Completion struct {
	ID           string
	Model        string
	Text         string
	StopReason   string
	InputTokens  int64
	OutputTokens int64
}

// Truncated reports whether the model stopped at the token limit.
func (c *Completion) Truncated() bool {
	return c.StopReason == "max_tokens"
}

type sdkClient struct {
	client sdk.Client
}

// NewClient creates a client backed by the SDK. SDK retries are disabled so
// each Complete is a single attempt.
func NewClient(apiKey, baseURL string) Client {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &sdkClient{client: sdk.NewClient(opts...)}
}

func (c *sdkClient) Complete(ctx context.Context, p Prompt) (*Completion, error) {
	if p.Model == "" {
		return nil, eris.New("anthropic: model is required")
	}
	msg, err := c.client.Messages.New(ctx, buildParams(p))
	if err != nil {
		return nil, eris.Wrap(err, "anthropic: create message")
	}
	return toCompletion(msg), nil
}

func buildParams(p Prompt) sdk.MessageNewParams {
	maxTokens := p.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(p.Model),
		MaxTokens: maxTokens,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(p.Input))},
	}
	if p.System != "" {
		params.System = []sdk.TextBlockParam{{Text: p.System}}
	}
	if p.Temperature != nil {
		params.Temperature = sdk.Float(*p.Temperature)
	}
	return params
}

// toCompletion joins the text blocks; tool and thinking blocks are dropped.
func toCompletion(msg *sdk.Message) *Completion {
	var parts []string
	for _, b := range msg.Content {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return &Completion{
		ID:           msg.ID,
		Model:        string(msg.Model),
		Text:         strings.Join(parts, "\n"),
		StopReason:   string(msg.StopReason),
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}
}

// StatusCode returns the HTTP status of an API error in err's chain, or 0.
func StatusCode(err error) int {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
