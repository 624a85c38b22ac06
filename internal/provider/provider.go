// Package provider defines the execution provider interface and the cost
// tiers the router selects between. Providers are resolved once at startup
// into an Availability set; components receive the resolved set via
// constructors instead of probing per call.
package provider

import (
	"context"
	"errors"
	"time"

	harrierotel "github.com/harrier-ai/harrier/internal/otel"
)

var tracer = harrierotel.Tracer("github.com/harrier-ai/harrier/internal/provider")

// TimeoutCall bounds a single provider invocation.
const TimeoutCall = 60 * time.Second

// Domain errors for the provider package.
var (
	ErrProviderNotAvailable = errors.New("provider not available")
	ErrUnknownTier          = errors.New("unknown cost tier")
	ErrChainExhausted       = errors.New("provider chain exhausted")
)

// Tier is a named bucket of execution providers ordered by approximate price.
type Tier string

const (
	TierLocal   Tier = "local"   // free, on-box (Ollama)
	TierCheap   Tier = "cheap"   // cheap remote (OpenAI mini models)
	TierPremium Tier = "premium" // premium remote (Anthropic)
)

// Rank returns the cost order of the tier; lower is cheaper.
// Unknown tiers rank above premium so they are never silently selected.
func (t Tier) Rank() int {
	switch t {
	case TierLocal:
		return 0
	case TierCheap:
		return 1
	case TierPremium:
		return 2
	default:
		return 3
	}
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	return t.Rank() < 3
}

// Provider is the interface all execution providers must implement.
type Provider interface {
	// Name returns the provider identifier (e.g. "ollama", "openai").
	Name() string
	// Tier returns the cost tier this provider belongs to.
	Tier() Tier
	// Generate sends a completion request and returns the response.
	Generate(ctx context.Context, req *Request) (*Response, error)
	// EstimateCost computes input_units*input_rate + output_units*output_rate
	// in EUR for the given model and token counts.
	EstimateCost(model string, inputTokens, outputTokens int) float64
}

// Request represents a generation request.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Message represents a chat message.
type Message struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// Response represents a generation response.
type Response struct {
	Content      string
	FinishReason string
	InputTokens  int
	OutputTokens int
	Model        string
}

// Availability records which providers resolved at startup. It is computed
// once (from config and environment) and injected into the router; no
// component probes for providers ad hoc per call.
type Availability struct {
	Ollama    bool
	OpenAI    bool
	Anthropic bool
}

// Any reports whether at least one provider resolved.
func (a Availability) Any() bool {
	return a.Ollama || a.OpenAI || a.Anthropic
}
