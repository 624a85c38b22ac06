package cascade

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	harrierotel "github.com/harrier-ai/harrier/internal/otel"
	"github.com/harrier-ai/harrier/internal/provider"
)

var tracer = harrierotel.Tracer("github.com/harrier-ai/harrier/internal/cascade")

// AdjustmentReader exposes the feedback loop's confidence adjustments to the
// registry stage. Implementations must be read-only and safe for concurrent
// use. A nil reader means no adjustment (factor 1.0).
type AdjustmentReader interface {
	Factor(handler string, tier provider.Tier) float64
}

// tables is one immutable snapshot of all routing tables. Reload swaps the
// whole snapshot atomically so a request in flight never sees a half-updated
// table.
type tables struct {
	operators []Operator
	index     *KeywordIndex
	domains   []DomainRule
}

// Cascade runs the four classification stages.
type Cascade struct {
	tables         atomic.Pointer[tables]
	adjust         AdjustmentReader
	escalationTier provider.Tier
}

// Option configures a Cascade.
type Option func(*Cascade)

// WithAdjustments wires the feedback loop's confidence adjustments into the
// registry stage.
func WithAdjustments(r AdjustmentReader) Option {
	return func(c *Cascade) { c.adjust = r }
}

// WithEscalationTier overrides the tier assigned to escalation decisions.
// It must be a classification-capable cheap tier; premium is rejected so
// escalation never defaults to the most expensive provider.
func WithEscalationTier(t provider.Tier) Option {
	return func(c *Cascade) {
		if t.Valid() && t != provider.TierPremium {
			c.escalationTier = t
		}
	}
}

// New builds a cascade over the given tables. Nil or empty slices fall back
// to the built-in defaults for operators and domains; a nil index disables
// the registry stage.
func New(ops []Operator, index *KeywordIndex, domains []DomainRule, opts ...Option) *Cascade {
	if len(ops) == 0 {
		ops = DefaultOperators()
	}
	if len(domains) == 0 {
		domains = DefaultDomains()
	}
	c := &Cascade{escalationTier: provider.TierLocal}
	for _, o := range opts {
		o(c)
	}
	c.tables.Store(&tables{operators: ops, index: index, domains: domains})
	return c
}

// Reload atomically replaces the routing tables. In-flight classifications
// keep the snapshot they started with.
func (c *Cascade) Reload(ops []Operator, index *KeywordIndex, domains []DomainRule) {
	if len(ops) == 0 {
		ops = DefaultOperators()
	}
	if len(domains) == 0 {
		domains = DefaultDomains()
	}
	c.tables.Store(&tables{operators: ops, index: index, domains: domains})
}

// Classify assigns a request to a target handler, confidence, and cost tier.
// It never returns an error: malformed or empty input resolves to an
// escalation decision with confidence 0. The function has no side effects.
func (c *Cascade) Classify(ctx context.Context, request string) *RouteDecision {
	_, span := tracer.Start(ctx, "cascade.classify")
	defer span.End()

	t := c.tables.Load()
	decision := c.classify(t, request)

	span.SetAttributes(
		attribute.String("route.target", decision.Target),
		attribute.String("route.stage", decision.Stage),
		attribute.Float64("route.confidence", decision.Confidence),
		attribute.String("route.tier", string(decision.Tier)),
	)
	if decision.Kind == KindEscalate {
		span.AddEvent("route.escalated", trace.WithAttributes(
			attribute.String("route.reason", decision.Reason),
		))
	}
	return decision
}

func (c *Cascade) classify(t *tables, request string) *RouteDecision {
	if strings.TrimSpace(request) == "" {
		return c.escalate("empty request")
	}

	// Stage 1: pattern table, first match wins, table order breaks ties.
	if op, trig := matchOperators(t.operators, request); op != nil && PatternConfidence >= PatternThreshold {
		return newDecision(op.Target, op.Kind, PatternConfidence,
			fmt.Sprintf("pattern %q matched operator %s", trig, op.Name), op.Tier, "pattern")
	}

	// Stage 2: keyword registry index, highest score wins.
	var adjust func(string, provider.Tier) float64
	if c.adjust != nil {
		adjust = c.adjust.Factor
	}
	if m := t.index.lookup(request, adjust); m != nil && m.score >= RegistryThreshold {
		confidence := m.score
		if confidence > 1.0 {
			confidence = 1.0
		}
		return newDecision(m.cap.Name, m.cap.Type, confidence,
			fmt.Sprintf("registry keywords %v matched capability %s", m.keywords, m.cap.Name), m.cap.Tier, "registry")
	}

	// Stage 3: domain vocabulary inference.
	if d := matchDomains(t.domains, request); d != nil && DomainConfidence >= DomainThreshold {
		return newDecision(d.Target, d.Kind, DomainConfidence,
			fmt.Sprintf("domain word %q matched", d.Word), d.Tier, "domain")
	}

	// Stage 4: escalate. The escalation handler does its own deep
	// classification, so it always runs at the cheapest capable tier.
	return c.escalate("no stage met its threshold")
}

func (c *Cascade) escalate(reason string) *RouteDecision {
	return newDecision(EscalateTarget, KindEscalate, 0.0, reason, c.escalationTier, "escalate")
}
