package cascade

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrier-ai/harrier/internal/provider"
)

func TestClassify_PatternStageWins(t *testing.T) {
	c := New(nil, nil, nil)

	d := c.Classify(context.Background(), "fix the bug in the router")
	assert.Equal(t, "patch-handler", d.Target)
	assert.Equal(t, KindAction, d.Kind)
	assert.Equal(t, PatternConfidence, d.Confidence)
	assert.Equal(t, provider.TierCheap, d.Tier)
	assert.Equal(t, "pattern", d.Stage)
	assert.Contains(t, d.ID, "dec_")
}

func TestClassify_PatternTableOrderBreaksTies(t *testing.T) {
	ops := []Operator{
		{Name: "first", Triggers: []string{"deploy"}, Target: "first-handler", Kind: KindAction, Tier: provider.TierLocal},
		{Name: "second", Triggers: []string{"deploy"}, Target: "second-handler", Kind: KindAction, Tier: provider.TierCheap},
	}
	c := New(ops, nil, nil)

	d := c.Classify(context.Background(), "deploy the service")
	assert.Equal(t, "first-handler", d.Target)
}

func TestClassify_PatternPrecedesRegistryAndDomain(t *testing.T) {
	// "fix the bug" carries the word "code" too; the pattern stage must still
	// win because stages run in fixed order.
	index := BuildIndex([]Capability{
		{Name: "code-capability", Type: KindSkill, Keywords: []string{"fix the bug in the code"}, Tier: provider.TierLocal},
	})
	c := New(nil, index, nil)

	d := c.Classify(context.Background(), "fix the bug in the code")
	assert.Equal(t, "patch-handler", d.Target)
	assert.Equal(t, "pattern", d.Stage)
}

func TestClassify_EmptyInputEscalates(t *testing.T) {
	c := New(nil, nil, nil)

	for _, input := range []string{"", "   ", "\n\t"} {
		d := c.Classify(context.Background(), input)
		assert.Equal(t, EscalateTarget, d.Target, "input %q", input)
		assert.Equal(t, KindEscalate, d.Kind)
		assert.Equal(t, 0.0, d.Confidence)
		assert.Equal(t, provider.TierLocal, d.Tier)
		assert.Equal(t, "escalate", d.Stage)
	}
}

func TestClassify_NoMatchEscalatesAtLocalTier(t *testing.T) {
	c := New(nil, nil, nil)

	d := c.Classify(context.Background(), "xylophone zephyr quux")
	assert.Equal(t, EscalateTarget, d.Target)
	assert.Equal(t, provider.TierLocal, d.Tier)
	assert.Equal(t, 0.0, d.Confidence)
}

func TestWithEscalationTier_RejectsPremium(t *testing.T) {
	c := New(nil, nil, nil, WithEscalationTier(provider.TierPremium))

	d := c.Classify(context.Background(), "")
	assert.Equal(t, provider.TierLocal, d.Tier)

	c = New(nil, nil, nil, WithEscalationTier(provider.TierCheap))
	d = c.Classify(context.Background(), "")
	assert.Equal(t, provider.TierCheap, d.Tier)
}

func TestClassify_RegistryStage(t *testing.T) {
	index := BuildIndex([]Capability{
		{Name: "spreadsheet-export", Type: KindSkill, Keywords: []string{"export spreadsheet"}, Tier: provider.TierLocal},
	})
	c := New(nil, index, nil)

	d := c.Classify(context.Background(), "please export spreadsheet of last month")
	require.Equal(t, "registry", d.Stage)
	assert.Equal(t, "spreadsheet-export", d.Target)
	assert.Equal(t, KindSkill, d.Kind)
	assert.GreaterOrEqual(t, d.Confidence, RegistryThreshold)
	assert.LessOrEqual(t, d.Confidence, 1.0)
}

type fixedAdjust struct{ factor float64 }

func (f fixedAdjust) Factor(string, provider.Tier) float64 { return f.factor }

func TestClassify_RegistryScoreScaledByAdjustment(t *testing.T) {
	index := BuildIndex([]Capability{
		{Name: "spreadsheet-export", Type: KindSkill, Keywords: []string{"export spreadsheet"}, Tier: provider.TierLocal},
	})

	// A suppressing factor pushes the score below the registry threshold, so
	// classification falls through to a later stage.
	c := New(nil, index, nil, WithAdjustments(fixedAdjust{factor: 0.5}))
	d := c.Classify(context.Background(), "please export spreadsheet of last month")
	assert.NotEqual(t, "registry", d.Stage)

	c = New(nil, index, nil, WithAdjustments(fixedAdjust{factor: 1.0}))
	d = c.Classify(context.Background(), "please export spreadsheet of last month")
	assert.Equal(t, "registry", d.Stage)
}

func TestClassify_RegistryTieBreaksByName(t *testing.T) {
	index := BuildIndex([]Capability{
		{Name: "zeta-capability", Type: KindSkill, Keywords: []string{"replicate"}, Tier: provider.TierLocal},
		{Name: "alpha-capability", Type: KindSkill, Keywords: []string{"replicate"}, Tier: provider.TierLocal},
	})
	c := New(nil, index, nil)

	d := c.Classify(context.Background(), "go replicate the dataset")
	require.Equal(t, "registry", d.Stage)
	assert.Equal(t, "alpha-capability", d.Target)
}

func TestClassify_DomainStage(t *testing.T) {
	c := New(nil, nil, nil)

	d := c.Classify(context.Background(), "help with security posture")
	require.Equal(t, "domain", d.Stage)
	assert.Equal(t, "security-handler", d.Target)
	assert.Equal(t, DomainConfidence, d.Confidence)
	assert.Equal(t, provider.TierCheap, d.Tier)
}

func TestReload_SwapsTablesAtomically(t *testing.T) {
	c := New(nil, nil, nil)

	d := c.Classify(context.Background(), "custom trigger phrase")
	assert.Equal(t, EscalateTarget, d.Target)

	c.Reload([]Operator{
		{Name: "custom", Triggers: []string{"custom trigger phrase"}, Target: "custom-handler", Kind: KindAction, Tier: provider.TierLocal},
	}, nil, nil)

	d = c.Classify(context.Background(), "custom trigger phrase")
	assert.Equal(t, "custom-handler", d.Target)
}

func TestClassify_ConcurrentWithReload(t *testing.T) {
	c := New(nil, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				d := c.Classify(context.Background(), "fix the bug here")
				// Every observed snapshot must be internally consistent.
				assert.NotEmpty(t, d.Target)
			}
		}()
	}
	for i := 0; i < 50; i++ {
		c.Reload(DefaultOperators(), nil, DefaultDomains())
	}
	wg.Wait()
}

func TestClassify_IsSideEffectFree(t *testing.T) {
	c := New(nil, nil, nil)

	first := c.Classify(context.Background(), "fix the bug now")
	second := c.Classify(context.Background(), "fix the bug now")

	assert.Equal(t, first.Target, second.Target)
	assert.Equal(t, first.Confidence, second.Confidence)
	assert.Equal(t, first.Stage, second.Stage)
	// Decision IDs are fresh per call.
	assert.NotEqual(t, first.ID, second.ID)
}
