// Package cascade implements the four-stage classification cascade that
// assigns an incoming request to a target handler and a cost tier. Stages run
// in fixed order (pattern → registry → domain → escalate) and short-circuit on
// the first stage whose confidence meets its activation threshold. The
// cascade is a pure function over immutable tables loaded at startup; table
// updates go through an explicit Reload, never in-place mutation.
package cascade

import (
	"github.com/google/uuid"

	"github.com/harrier-ai/harrier/internal/provider"
)

// TargetKind classifies what sort of handler a decision routes to.
type TargetKind string

const (
	KindAgent    TargetKind = "agent"
	KindSkill    TargetKind = "skill"
	KindAction   TargetKind = "action"
	KindEscalate TargetKind = "escalate"
)

// Stage activation thresholds. A stage "wins" only when its result confidence
// is at or above its threshold.
const (
	PatternThreshold  = 0.8
	RegistryThreshold = 0.7
	DomainThreshold   = 0.6

	// PatternConfidence is the confidence assigned to a pattern-stage match.
	PatternConfidence = 0.9
	// DomainConfidence is the confidence assigned to a domain-stage match.
	DomainConfidence = 0.65
)

// EscalateTarget is the handler identifier for unclassified requests.
const EscalateTarget = "escalate"

// RouteDecision is the immutable output of the cascade for one request.
// It is consumed exactly once by the cost/provider router.
type RouteDecision struct {
	ID         string        `json:"id"`
	Target     string        `json:"target"`
	Kind       TargetKind    `json:"kind"`
	Confidence float64       `json:"confidence"`
	Reason     string        `json:"reason"`
	Tier       provider.Tier `json:"tier"`
	Stage      string        `json:"stage"`
}

// newDecision stamps a fresh decision ID so the feedback loop can correlate
// predicted and actual outcomes.
func newDecision(target string, kind TargetKind, confidence float64, reason string, tier provider.Tier, stage string) *RouteDecision {
	return &RouteDecision{
		ID:         "dec_" + uuid.New().String()[:12],
		Target:     target,
		Kind:       kind,
		Confidence: confidence,
		Reason:     reason,
		Tier:       tier,
		Stage:      stage,
	}
}
