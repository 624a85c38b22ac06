package router

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrier-ai/harrier/internal/cascade"
	"github.com/harrier-ai/harrier/internal/provider"
	"github.com/harrier-ai/harrier/internal/testutil"
)

func testDecision(tier provider.Tier) *cascade.RouteDecision {
	return &cascade.RouteDecision{
		ID:         "dec_test",
		Target:     "test-handler",
		Kind:       cascade.KindSkill,
		Confidence: 0.9,
		Tier:       tier,
		Stage:      "pattern",
	}
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	cache, err := NewCache(filepath.Join(t.TempDir(), "cache.db"), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })
	return cache
}

func TestExecute_SelectsCheapestProvider(t *testing.T) {
	local := testutil.NewMockProvider("ollama", provider.TierLocal, "local answer")
	cheap := testutil.NewMockProvider("openai", provider.TierCheap, "cheap answer")
	r := New([]provider.Provider{cheap, local}, newTestCache(t), 0)

	result, err := r.Execute(context.Background(), testDecision(provider.TierLocal), "question")
	require.NoError(t, err)
	assert.Equal(t, "ollama", result.Provider)
	assert.Equal(t, "local answer", result.Content)
	assert.Equal(t, provider.TierLocal, result.Tier)
	assert.Zero(t, cheap.Calls())
}

func TestExecute_FallsBackOnFailure(t *testing.T) {
	local := testutil.NewMockProvider("ollama", provider.TierLocal, "local answer")
	local.FailWith(errors.New("connection refused"))
	cheap := testutil.NewMockProvider("openai", provider.TierCheap, "cheap answer")
	r := New([]provider.Provider{local, cheap}, newTestCache(t), 0)

	result, err := r.Execute(context.Background(), testDecision(provider.TierLocal), "question")
	require.NoError(t, err)
	assert.Equal(t, "openai", result.Provider)
	// The failed provider is recorded; fallback is never silent.
	assert.Equal(t, []string{"ollama", "openai"}, result.Attempted)
}

func TestExecute_FallbackMayExceedDecisionTier(t *testing.T) {
	local := testutil.NewMockProvider("ollama", provider.TierLocal, "")
	local.FailWith(errors.New("down"))
	cheap := testutil.NewMockProvider("openai", provider.TierCheap, "")
	cheap.FailWith(errors.New("down"))
	premium := testutil.NewMockProvider("anthropic", provider.TierPremium, "premium answer")
	r := New([]provider.Provider{local, cheap, premium}, newTestCache(t), 0)

	result, err := r.Execute(context.Background(), testDecision(provider.TierCheap), "question")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", result.Provider)
	assert.Equal(t, provider.TierPremium, result.Tier)
	assert.Equal(t, []string{"ollama", "openai", "anthropic"}, result.Attempted)
}

func TestExecute_ChainExhausted(t *testing.T) {
	local := testutil.NewMockProvider("ollama", provider.TierLocal, "")
	local.FailWith(errors.New("down"))
	cheap := testutil.NewMockProvider("openai", provider.TierCheap, "")
	cheap.FailWith(errors.New("down"))
	r := New([]provider.Provider{local, cheap}, newTestCache(t), 0)

	result, err := r.Execute(context.Background(), testDecision(provider.TierLocal), "question")
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrChainExhausted)
	assert.Equal(t, []string{"ollama", "openai"}, result.Attempted)
}

func TestExecute_NoProviders(t *testing.T) {
	r := New(nil, newTestCache(t), 0)

	_, err := r.Execute(context.Background(), testDecision(provider.TierLocal), "question")
	assert.ErrorIs(t, err, provider.ErrProviderNotAvailable)
}

func TestExecute_MaxHopsCapsChain(t *testing.T) {
	local := testutil.NewMockProvider("ollama", provider.TierLocal, "")
	local.FailWith(errors.New("down"))
	cheap := testutil.NewMockProvider("openai", provider.TierCheap, "")
	cheap.FailWith(errors.New("down"))
	premium := testutil.NewMockProvider("anthropic", provider.TierPremium, "premium answer")
	r := New([]provider.Provider{local, cheap, premium}, newTestCache(t), 2)

	_, err := r.Execute(context.Background(), testDecision(provider.TierLocal), "question")
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrChainExhausted)
	assert.Zero(t, premium.Calls())
}

func TestExecute_SecondCallServedFromCache(t *testing.T) {
	local := testutil.NewMockProvider("ollama", provider.TierLocal, "cached answer")
	r := New([]provider.Provider{local}, newTestCache(t), 0)
	decision := testDecision(provider.TierLocal)

	first, err := r.Execute(context.Background(), decision, "same question")
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := r.Execute(context.Background(), decision, "same question")
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, "cached answer", second.Content)
	assert.Zero(t, second.CostEUR)
	assert.Equal(t, 1, local.Calls())
}

func TestExecute_DifferentContentMissesCache(t *testing.T) {
	local := testutil.NewMockProvider("ollama", provider.TierLocal, "answer")
	r := New([]provider.Provider{local}, newTestCache(t), 0)
	decision := testDecision(provider.TierLocal)

	_, err := r.Execute(context.Background(), decision, "question one")
	require.NoError(t, err)
	_, err = r.Execute(context.Background(), decision, "question two")
	require.NoError(t, err)
	assert.Equal(t, 2, local.Calls())
}

func TestExecute_FallbackResultCachedUnderServingProviderKey(t *testing.T) {
	cache := newTestCache(t)
	local := testutil.NewMockProvider("ollama", provider.TierLocal, "")
	local.FailWith(errors.New("down"))
	premium := testutil.NewMockProvider("anthropic", provider.TierPremium, "premium answer")
	r := New([]provider.Provider{local, premium}, cache, 0)

	_, err := r.Execute(context.Background(), testDecision(provider.TierLocal), "question")
	require.NoError(t, err)

	key := Fingerprint(TemplateID, TemplateVersion, "anthropic", ContentHash("question"))
	value, ok, err := cache.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "premium answer", value)

	// Once the local provider recovers, it is preferred again: the premium
	// cache entry does not shadow the cheaper chain position.
	local.FailWith(nil)
	result, err := r.Execute(context.Background(), testDecision(provider.TierLocal), "question")
	require.NoError(t, err)
	assert.Equal(t, "ollama", result.Provider)
	assert.False(t, result.Cached)
}

type fixedOrdering struct {
	factors map[string]float64
}

func (f fixedOrdering) Factor(handler string, tier provider.Tier) float64 {
	return f.factors[string(tier)]
}

func TestExecute_OrderingBreaksTiesWithinTier(t *testing.T) {
	a := testutil.NewMockProvider("provider-a", provider.TierCheap, "a answer")
	b := testutil.NewMockProvider("provider-b", provider.TierCheap, "b answer")

	r := New([]provider.Provider{a, b}, newTestCache(t), 0,
		WithOrdering(fixedOrdering{factors: map[string]float64{"cheap": 1.0}}))

	// Equal factors keep declaration order (stable sort).
	result, err := r.Execute(context.Background(), testDecision(provider.TierCheap), "question")
	require.NoError(t, err)
	assert.Equal(t, "provider-a", result.Provider)
}

func TestExecute_RunsWithoutCache(t *testing.T) {
	local := testutil.NewMockProvider("ollama", provider.TierLocal, "answer")
	r := New([]provider.Provider{local}, nil, 0)

	result, err := r.Execute(context.Background(), testDecision(provider.TierLocal), "question")
	require.NoError(t, err)
	assert.Equal(t, "answer", result.Content)
	assert.False(t, result.Cached)
}
