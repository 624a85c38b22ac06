// Package router executes a RouteDecision against an ordered provider
// fallback chain with a persistent response cache. Selection always starts at
// the cheapest available provider; a provider above the decision's cost tier
// is only reached by failure fallback (graceful degradation), never by
// silent substitution — a cost-tier escalation requires a new cascade
// decision.
package router

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/harrier-ai/harrier/internal/cascade"
	harrierotel "github.com/harrier-ai/harrier/internal/otel"
	"github.com/harrier-ai/harrier/internal/provider"
)

var tracer = harrierotel.Tracer("github.com/harrier-ai/harrier/internal/router")

// TemplateVersion is bumped whenever the handler prompt template changes so
// that cache keys computed under the old template become unreachable.
const (
	TemplateID      = "handler-dispatch"
	TemplateVersion = 3
)

// OrderingReader exposes the feedback loop's provider-ordering heuristic.
// Implementations are read-only; nil means chain order is cost order alone.
type OrderingReader interface {
	Factor(handler string, tier provider.Tier) float64
}

// ExecutionResult is the outcome of routing one decision.
type ExecutionResult struct {
	Content      string        `json:"content"`
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	Tier         provider.Tier `json:"tier"`
	Cached       bool          `json:"cached"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	CostEUR      float64       `json:"cost_eur"`
	DurationMS   int64         `json:"duration_ms"`
	Attempted    []string      `json:"attempted,omitempty"`
}

// Router drives the fallback chain and the response cache.
type Router struct {
	providers []provider.Provider // cost-ascending
	cache     *Cache
	maxHops   int
	ordering  OrderingReader
}

// Option configures a Router.
type Option func(*Router)

// WithOrdering wires the feedback loop's provider-ordering heuristic into
// chain construction (providers within the same tier are tried in descending
// feedback factor).
func WithOrdering(r OrderingReader) Option {
	return func(rt *Router) { rt.ordering = r }
}

// New creates a router over the given providers. maxHops bounds how many
// providers one execution may attempt; zero or negative means all.
func New(providers []provider.Provider, cache *Cache, maxHops int, opts ...Option) *Router {
	r := &Router{providers: providers, cache: cache, maxHops: maxHops}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Execute routes a decision: cache lookup first, then the provider chain.
// The cache-hit path must dominate — the cost rationale depends on hit rates
// in the 80–95% range for repeated work — so it is checked per candidate
// provider before any invocation.
func (r *Router) Execute(ctx context.Context, decision *cascade.RouteDecision, content string) (*ExecutionResult, error) {
	ctx, span := tracer.Start(ctx, "router.execute",
		trace.WithAttributes(
			attribute.String("route.target", decision.Target),
			attribute.String("route.tier", string(decision.Tier)),
		))
	defer span.End()

	chain := r.chain(decision)
	if len(chain) == 0 {
		span.RecordError(provider.ErrProviderNotAvailable)
		return nil, fmt.Errorf("tier %s: %w", decision.Tier, provider.ErrProviderNotAvailable)
	}

	contentHash := ContentHash(content)
	var attempted []string

	for _, p := range chain {
		key := Fingerprint(TemplateID, TemplateVersion, p.Name(), contentHash)

		if r.cache != nil {
			if value, ok, err := r.cache.Get(ctx, key); err == nil && ok {
				span.SetAttributes(attribute.Bool("cache.hit", true))
				provider.RecordCostMetrics(ctx, 0, p.Name(), "", true)
				return &ExecutionResult{
					Content:  value,
					Provider: p.Name(),
					Tier:     p.Tier(),
					Cached:   true,
				}, nil
			} else if err != nil {
				log.Warn().Err(err).Str("provider", p.Name()).Msg("cache_lookup_failed")
			}
		}

		attempted = append(attempted, p.Name())
		start := time.Now()
		resp, err := p.Generate(ctx, &provider.Request{
			Messages: templateMessages(decision.Target, content),
		})
		if err != nil {
			// Advance the chain: the next provider may cost more than the
			// decision's tier, which is acceptable for availability fallback
			// but always logged, never silent.
			log.Warn().Err(err).
				Str("provider", p.Name()).
				Str("target", decision.Target).
				Msg("provider_failed_advancing_chain")
			span.AddEvent("provider.fallback", trace.WithAttributes(
				attribute.String("provider", p.Name()),
			))
			continue
		}

		duration := time.Since(start)
		cost := p.EstimateCost(resp.Model, resp.InputTokens, resp.OutputTokens)
		provider.RecordCostMetrics(ctx, cost, p.Name(), resp.Model, false)

		if r.cache != nil {
			if err := r.cache.Put(ctx, key, resp.Content, p.Name(), resp.Model, TemplateID, TemplateVersion); err != nil {
				log.Warn().Err(err).Str("provider", p.Name()).Msg("cache_write_failed")
			}
		}

		span.SetAttributes(
			attribute.String("provider", p.Name()),
			attribute.Float64("cost.eur", cost),
			attribute.Int64("duration_ms", duration.Milliseconds()),
		)
		return &ExecutionResult{
			Content:      resp.Content,
			Provider:     p.Name(),
			Model:        resp.Model,
			Tier:         p.Tier(),
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
			CostEUR:      cost,
			DurationMS:   duration.Milliseconds(),
			Attempted:    attempted,
		}, nil
	}

	span.RecordError(provider.ErrChainExhausted)
	return &ExecutionResult{Attempted: attempted},
		fmt.Errorf("attempted %v: %w", attempted, provider.ErrChainExhausted)
}

// chain returns the providers to attempt for a decision, cheapest first,
// capped at maxHops. Providers within the same tier are ordered by the
// feedback factor for the decision's target, highest first. The chain starts
// at the cheapest provider, so the initial selection is never above the
// decision's tier.
func (r *Router) chain(decision *cascade.RouteDecision) []provider.Provider {
	chain := append([]provider.Provider(nil), r.providers...)
	sort.SliceStable(chain, func(i, j int) bool {
		ri, rj := chain[i].Tier().Rank(), chain[j].Tier().Rank()
		if ri != rj {
			return ri < rj
		}
		if r.ordering == nil {
			return false
		}
		return r.ordering.Factor(decision.Target, chain[i].Tier()) >
			r.ordering.Factor(decision.Target, chain[j].Tier())
	})
	if r.maxHops > 0 && len(chain) > r.maxHops {
		chain = chain[:r.maxHops]
	}
	return chain
}

// templateMessages renders the dispatch prompt template for a handler.
// Changing this template requires bumping TemplateVersion.
func templateMessages(target, content string) []provider.Message {
	return []provider.Message{
		{
			Role: "system",
			Content: fmt.Sprintf(
				"You are the %s for an automated task pipeline. Resolve the request directly and concisely.", target),
		},
		{Role: "user", Content: content},
	}
}
