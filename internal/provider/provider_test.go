package provider_test

import (
	"context"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrier-ai/harrier/internal/provider"
	"github.com/harrier-ai/harrier/internal/testutil"
)

func TestTierRankOrdering(t *testing.T) {
	assert.Less(t, provider.TierLocal.Rank(), provider.TierCheap.Rank())
	assert.Less(t, provider.TierCheap.Rank(), provider.TierPremium.Rank())
	assert.Greater(t, provider.Tier("mystery").Rank(), provider.TierPremium.Rank())
}

func TestTierValid(t *testing.T) {
	assert.True(t, provider.TierLocal.Valid())
	assert.True(t, provider.TierCheap.Valid())
	assert.True(t, provider.TierPremium.Valid())
	assert.False(t, provider.Tier("mystery").Valid())
}

func TestAvailabilityAny(t *testing.T) {
	assert.False(t, provider.Availability{}.Any())
	assert.True(t, provider.Availability{Ollama: true}.Any())
	assert.True(t, provider.Availability{Anthropic: true}.Any())
}

func TestOllamaGenerate(t *testing.T) {
	srv := testutil.NewOllamaServer("local answer")
	defer srv.Close()

	p := provider.NewOllamaProvider(srv.URL, "llama3.2")
	assert.Equal(t, "ollama", p.Name())
	assert.Equal(t, provider.TierLocal, p.Tier())

	resp, err := p.Generate(context.Background(), &provider.Request{
		Messages: []provider.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "summarize this"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "local answer", resp.Content)
	assert.Equal(t, "llama3.2", resp.Model)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Greater(t, resp.InputTokens, 0)
}

func TestOllamaGenerate_ServerError(t *testing.T) {
	srv := testutil.NewOllamaServer("unused")
	srv.Close()

	p := provider.NewOllamaProvider(srv.URL, "")
	_, err := p.Generate(context.Background(), &provider.Request{
		Messages: []provider.Message{{Role: "user", Content: "x"}},
	})
	assert.Error(t, err)
}

func TestOllamaEstimateCost_AlwaysFree(t *testing.T) {
	p := provider.NewOllamaProvider("", "")
	assert.Zero(t, p.EstimateCost("llama3.2", 100000, 100000))
}

func TestOpenAIEstimateCost(t *testing.T) {
	p := provider.NewOpenAIProvider("test-key", "")
	assert.Equal(t, "openai", p.Name())
	assert.Equal(t, provider.TierCheap, p.Tier())

	mini := p.EstimateCost(openai.GPT4oMini, 1000, 1000)
	assert.InDelta(t, 0.00014+0.00055, mini, 1e-9)

	full := p.EstimateCost(openai.GPT4o, 1000, 1000)
	assert.Greater(t, full, mini)

	// Unknown models fall back to the mini rate.
	assert.Equal(t, mini, p.EstimateCost("gpt-unknown", 1000, 1000))
}

func TestAnthropicEstimateCost(t *testing.T) {
	p := provider.NewAnthropicProvider("test-key", "")
	assert.Equal(t, "anthropic", p.Name())
	assert.Equal(t, provider.TierPremium, p.Tier())

	sonnet := p.EstimateCost("claude-sonnet-4-20250514", 1000, 1000)
	assert.InDelta(t, 0.003+0.015, sonnet, 1e-9)

	haiku := p.EstimateCost("claude-haiku-3-5-20241022", 1000, 1000)
	assert.Less(t, haiku, sonnet)
}

func TestCostTiersAreOrderedAcrossProviders(t *testing.T) {
	local := provider.NewOllamaProvider("", "")
	cheap := provider.NewOpenAIProvider("test-key", "")
	premium := provider.NewAnthropicProvider("test-key", "")

	const in, out = 1000, 500
	assert.Less(t, local.EstimateCost("llama3.2", in, out), cheap.EstimateCost(openai.GPT4oMini, in, out))
	assert.Less(t, cheap.EstimateCost(openai.GPT4oMini, in, out), premium.EstimateCost("claude-sonnet-4-20250514", in, out))
}
