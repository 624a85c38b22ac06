package cascade

import (
	"strings"

	"github.com/harrier-ai/harrier/internal/provider"
)

// DomainRule maps a domain vocabulary word to a handler. The domain stage is
// a small fixed table matched by case-insensitive substring; earlier rules
// win ties.
type DomainRule struct {
	Word   string        `yaml:"word"`
	Target string        `yaml:"target"`
	Kind   TargetKind    `yaml:"kind"`
	Tier   provider.Tier `yaml:"tier"`
}

// DefaultDomains returns the built-in domain-inference vocabulary.
func DefaultDomains() []DomainRule {
	return []DomainRule{
		{Word: "research", Target: "research-handler", Kind: KindAgent, Tier: provider.TierCheap},
		{Word: "code", Target: "code-handler", Kind: KindAgent, Tier: provider.TierCheap},
		{Word: "security", Target: "security-handler", Kind: KindAgent, Tier: provider.TierCheap},
		{Word: "data", Target: "data-handler", Kind: KindSkill, Tier: provider.TierLocal},
		{Word: "docs", Target: "docs-handler", Kind: KindSkill, Tier: provider.TierLocal},
		{Word: "infra", Target: "infra-handler", Kind: KindAgent, Tier: provider.TierCheap},
	}
}

// matchDomains returns the first domain rule whose word occurs in the request.
func matchDomains(rules []DomainRule, request string) *DomainRule {
	lower := strings.ToLower(request)
	for i := range rules {
		if strings.Contains(lower, rules[i].Word) {
			return &rules[i]
		}
	}
	return nil
}
