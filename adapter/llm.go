package adapter

import "context"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a chat exchange.
type Message struct {
	Role    string
	Content string
}

// ChatOut is the normalized response from a chat provider.
type ChatOut struct {
	Text      string
	Model     string
	TokensIn  int
	TokensOut int
	// Cost is the estimated spend in USD for this call, derived from the
	// provider's configured per-token pricing.
	Cost float64
}

// TotalTokens is the combined prompt and completion token count.
func (o ChatOut) TotalTokens() int { return o.TokensIn + o.TokensOut }

// ChatClient is the provider-neutral chat contract the workflow nodes use.
//
// Implementations convert messages to the provider wire format, respect
// context cancellation, and classify failures as TransientError or
// FatalError.
type ChatClient interface {
	Name() string
	Chat(ctx context.Context, messages []Message) (ChatOut, error)
	HealthCheck(ctx context.Context) error
}

// Pricing holds per-million-token USD prices for cost estimation.
type Pricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// Cost computes the estimated spend for a token pair.
func (p Pricing) Cost(tokensIn, tokensOut int) float64 {
	return float64(tokensIn)/1e6*p.InputPerMTok + float64(tokensOut)/1e6*p.OutputPerMTok
}

// EstimateTokens approximates the token count of text. Chat providers
// average roughly four bytes per token for English prose; CJK text runs
// denser but this is only used for budget checks, not billing.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}
