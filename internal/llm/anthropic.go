package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicClient is the cloud backstop for decomposition and
// verification calls.
type AnthropicClient struct {
	client anthropic.Client
}

// NewAnthropicClient builds a client from an API key.
func NewAnthropicClient(apiKey string) *AnthropicClient {
	return &AnthropicClient{client: anthropic.NewClient(option.WithAPIKey(apiKey))}
}

// Complete issues one messages call and concatenates the text blocks.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (string, error) {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}
