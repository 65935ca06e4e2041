package adapter

import (
	"context"
	"fmt"
	"sync"
)

// MockChat is a scripted ChatClient for tests. Responses are returned in
// order; when the script runs out the last response repeats. A Script
// function, when set, takes precedence and can inspect the messages.
type MockChat struct {
	mu        sync.Mutex
	Responses []string
	Script    func(call int, messages []Message) (string, error)
	Err       error
	Calls     [][]Message
}

// Name implements ChatClient.
func (m *MockChat) Name() string { return "mock" }

// Chat implements ChatClient.
func (m *MockChat) Chat(ctx context.Context, messages []Message) (ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return ChatOut{}, err
	}
	m.mu.Lock()
	call := len(m.Calls)
	m.Calls = append(m.Calls, messages)
	m.mu.Unlock()

	if m.Script != nil {
		text, err := m.Script(call, messages)
		if err != nil {
			return ChatOut{}, err
		}
		return m.out(text), nil
	}
	if m.Err != nil {
		return ChatOut{}, m.Err
	}
	if len(m.Responses) == 0 {
		return m.out("mock response"), nil
	}
	idx := call
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	return m.out(m.Responses[idx]), nil
}

func (m *MockChat) out(text string) ChatOut {
	return ChatOut{
		Text:      text,
		Model:     "mock",
		TokensIn:  100,
		TokensOut: EstimateTokens(text),
	}
}

// CallCount returns how many times Chat was invoked.
func (m *MockChat) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// HealthCheck implements ChatClient.
func (m *MockChat) HealthCheck(ctx context.Context) error { return m.Err }

// MockSearch is a canned SearchClient for tests.
type MockSearch struct {
	Answer  string
	Results []SearchResult
	Err     error
}

// Search implements SearchClient.
func (m *MockSearch) Search(ctx context.Context, query string, maxResults int) (SearchOut, error) {
	if err := ctx.Err(); err != nil {
		return SearchOut{}, err
	}
	if m.Err != nil {
		return SearchOut{}, m.Err
	}
	results := m.Results
	if maxResults > 0 && len(results) > maxResults {
		results = results[:maxResults]
	}
	return SearchOut{Answer: m.Answer, Results: results}, nil
}

// MockImage is a canned ImageClient for tests. It normalizes sizes the same
// way the real client does and counts invocations.
type MockImage struct {
	mu    sync.Mutex
	Err   error
	calls int
}

// Generate implements ImageClient.
func (m *MockImage) Generate(ctx context.Context, prompt, size string) (ImageOut, error) {
	if err := ctx.Err(); err != nil {
		return ImageOut{}, err
	}
	m.mu.Lock()
	m.calls++
	n := m.calls
	m.mu.Unlock()

	if m.Err != nil {
		return ImageOut{}, m.Err
	}
	return ImageOut{
		URL:  fmt.Sprintf("https://images.example.com/mock-%d.png", n),
		Size: NormalizeImageSize(size),
	}, nil
}

// CallCount returns how many times Generate was invoked.
func (m *MockImage) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
