package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicChat is a ChatClient backed by the official Anthropic Go SDK.
type AnthropicChat struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
	pricing   Pricing
}

// NewAnthropicChat creates a chat client for the given Claude model.
func NewAnthropicChat(apiKey, model string, maxTokens int64, pricing Pricing) (*AnthropicChat, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key required")
	}
	if model == "" {
		return nil, errors.New("anthropic: model required")
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicChat{client: &client, model: model, maxTokens: maxTokens, pricing: pricing}, nil
}

// Name implements ChatClient.
func (c *AnthropicChat) Name() string { return "anthropic" }

// Chat implements ChatClient. System messages map to the dedicated system
// field; user and assistant turns pass through in order.
func (c *AnthropicChat) Chat(ctx context.Context, messages []Message) (ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return ChatOut{}, err
	}

	var system []anthropic.TextBlockParam
	var turns []anthropic.MessageParam
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case RoleAssistant:
			turns = append(turns, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			turns = append(turns, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	message, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		System:    system,
		Messages:  turns,
	})
	if err != nil {
		return ChatOut{}, c.classify(err)
	}

	var text string
	for _, block := range message.Content {
		text += block.Text
	}

	tokensIn := int(message.Usage.InputTokens)
	tokensOut := int(message.Usage.OutputTokens)
	return ChatOut{
		Text:      text,
		Model:     c.model,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		Cost:      c.pricing.Cost(tokensIn, tokensOut),
	}, nil
}

// HealthCheck verifies the credentials with a minimal message.
func (c *AnthropicChat) HealthCheck(ctx context.Context) error {
	_, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: 1,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
	})
	if err != nil {
		return fmt.Errorf("anthropic health check: %w", c.classify(err))
	}
	return nil
}

func (c *AnthropicChat) classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429 || apiErr.StatusCode == 529 || apiErr.StatusCode >= 500:
			return NewTransientError(err)
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403 || apiErr.StatusCode == 400:
			return NewFatalError(err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return NewTransientError(err)
}
