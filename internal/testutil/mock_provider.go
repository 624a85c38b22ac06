// Package testutil provides shared test fixtures: a scriptable execution
// provider and minimal mock provider HTTP servers.
package testutil

import (
	"context"
	"sync"

	"github.com/harrier-ai/harrier/internal/provider"
)

// MockProvider is a scriptable provider.Provider for router and pipeline
// tests. Zero value is not usable; construct with NewMockProvider.
type MockProvider struct {
	name    string
	tier    provider.Tier
	content string
	rate    float64

	mu    sync.Mutex
	err   error
	calls int
}

// NewMockProvider creates a provider that returns content on every Generate.
func NewMockProvider(name string, tier provider.Tier, content string) *MockProvider {
	return &MockProvider{
		name:    name,
		tier:    tier,
		content: content,
		rate:    0.000001,
	}
}

// FailWith makes subsequent Generate calls return err; nil restores success.
func (m *MockProvider) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Calls returns how many times Generate ran.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockProvider) Name() string        { return m.name }
func (m *MockProvider) Tier() provider.Tier { return m.tier }

func (m *MockProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	m.mu.Lock()
	m.calls++
	err := m.err
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &provider.Response{
		Content:      m.content,
		FinishReason: "stop",
		InputTokens:  10,
		OutputTokens: 20,
		Model:        m.name + "-test-model",
	}, nil
}

func (m *MockProvider) EstimateCost(model string, inputTokens, outputTokens int) float64 {
	if m.tier == provider.TierLocal {
		return 0
	}
	return float64(inputTokens+outputTokens) * m.rate
}
