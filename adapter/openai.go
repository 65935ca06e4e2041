package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAIChat is a ChatClient backed by the official OpenAI Go SDK.
// The underlying client is safe for concurrent use.
type OpenAIChat struct {
	client  *openai.Client
	model   string
	pricing Pricing
}

// NewOpenAIChat creates a chat client for the given model, for example
// "gpt-4o" or "gpt-4o-mini". An optional base URL redirects requests to an
// OpenAI-compatible endpoint.
func NewOpenAIChat(apiKey, model, baseURL string, pricing Pricing) (*OpenAIChat, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key required")
	}
	if model == "" {
		return nil, errors.New("openai: model required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return &OpenAIChat{client: &client, model: model, pricing: pricing}, nil
}

// Name implements ChatClient.
func (c *OpenAIChat) Name() string { return "openai" }

// Chat implements ChatClient.
func (c *OpenAIChat) Chat(ctx context.Context, messages []Message) (ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return ChatOut{}, err
	}

	params := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			params = append(params, openai.SystemMessage(m.Content))
		case RoleAssistant:
			params = append(params, openai.AssistantMessage(m.Content))
		default:
			params = append(params, openai.UserMessage(m.Content))
		}
	}

	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.model),
		Messages: params,
	})
	if err != nil {
		return ChatOut{}, c.classify(err)
	}
	if len(completion.Choices) == 0 {
		return ChatOut{}, NewTransientError(errors.New("openai: empty choices"))
	}

	tokensIn := int(completion.Usage.PromptTokens)
	tokensOut := int(completion.Usage.CompletionTokens)
	return ChatOut{
		Text:      completion.Choices[0].Message.Content,
		Model:     c.model,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		Cost:      c.pricing.Cost(tokensIn, tokensOut),
	}, nil
}

// HealthCheck verifies the credentials with a minimal completion.
func (c *OpenAIChat) HealthCheck(ctx context.Context) error {
	_, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               shared.ChatModel(c.model),
		Messages:            []openai.ChatCompletionMessageParamUnion{openai.UserMessage("ping")},
		MaxCompletionTokens: openai.Int(1),
	})
	if err != nil {
		return fmt.Errorf("openai health check: %w", c.classify(err))
	}
	return nil
}

func (c *OpenAIChat) classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429 || apiErr.StatusCode >= 500:
			return NewTransientError(err)
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403 || apiErr.StatusCode == 400:
			return NewFatalError(err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if strings.Contains(err.Error(), "rate limit") {
		return NewTransientError(err)
	}
	return NewTransientError(err)
}
