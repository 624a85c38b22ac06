package cascade

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/harrier-ai/harrier/internal/provider"
)

// Operator maps a family of trigger phrases to exactly one (target, kind,
// tier). Earlier operators win ties; the table order is the tiebreak.
type Operator struct {
	Name     string        `yaml:"name"`
	Triggers []string      `yaml:"triggers"`
	Target   string        `yaml:"target"`
	Kind     TargetKind    `yaml:"kind"`
	Tier     provider.Tier `yaml:"tier"`
}

// DefaultOperators returns the built-in pattern-stage table. Trigger matching
// is case-insensitive substring containment.
func DefaultOperators() []Operator {
	return []Operator{
		{
			Name:     "patch",
			Triggers: []string{"fix the bug", "fix bug", "fix this bug", "patch", "hotfix", "apply fix"},
			Target:   "patch-handler",
			Kind:     KindAction,
			Tier:     provider.TierCheap,
		},
		{
			Name:     "summarize",
			Triggers: []string{"summarize", "summarise", "tl;dr", "give me a summary"},
			Target:   "summary-handler",
			Kind:     KindSkill,
			Tier:     provider.TierLocal,
		},
		{
			Name:     "search",
			Triggers: []string{"search for", "look up", "find me", "find references"},
			Target:   "search-handler",
			Kind:     KindSkill,
			Tier:     provider.TierLocal,
		},
		{
			Name:     "review",
			Triggers: []string{"review this", "code review", "review the", "critique"},
			Target:   "review-handler",
			Kind:     KindAgent,
			Tier:     provider.TierCheap,
		},
		{
			Name:     "deploy",
			Triggers: []string{"deploy", "roll out", "release to"},
			Target:   "deploy-handler",
			Kind:     KindAction,
			Tier:     provider.TierCheap,
		},
		{
			Name:     "plan",
			Triggers: []string{"design a", "architect", "write a plan", "plan out"},
			Target:   "planning-handler",
			Kind:     KindAgent,
			Tier:     provider.TierPremium,
		},
	}
}

// operatorFile is the YAML structure for an operator table override file.
type operatorFile struct {
	Operators []Operator `yaml:"operators"`
}

// LoadOperators reads an operator table from a YAML file. Returns nil (not an
// error) if the file does not exist, so callers treat a missing override as
// "use defaults".
func LoadOperators(path string) ([]Operator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading operator file %s: %w", path, err)
	}
	var of operatorFile
	if err := yaml.Unmarshal(data, &of); err != nil {
		return nil, fmt.Errorf("parsing operator file %s: %w", path, err)
	}
	for i := range of.Operators {
		if of.Operators[i].Target == "" {
			return nil, fmt.Errorf("operator %q has no target", of.Operators[i].Name)
		}
		if !of.Operators[i].Tier.Valid() {
			return nil, fmt.Errorf("operator %q has unknown tier %q", of.Operators[i].Name, of.Operators[i].Tier)
		}
	}
	return of.Operators, nil
}

// matchOperators returns the first operator whose trigger matches the request,
// honoring table order. The match is case-insensitive substring containment.
func matchOperators(ops []Operator, request string) (*Operator, string) {
	lower := strings.ToLower(request)
	for i := range ops {
		for _, trig := range ops[i].Triggers {
			if strings.Contains(lower, strings.ToLower(trig)) {
				return &ops[i], trig
			}
		}
	}
	return nil, ""
}
