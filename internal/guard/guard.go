// Package guard wraps execution at the host boundary: it derives a
// deterministic correlation ID per event, de-duplicates repeated events
// within a TTL window, contains panics and errors, bounds and redacts logged
// payloads, and aggregates per-handler metrics. A guarded call is total —
// it always returns an Outcome and never throws, so a caller embedding the
// core behind any host boundary cannot be crashed by it.
package guard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	harrierotel "github.com/harrier-ai/harrier/internal/otel"
	"github.com/harrier-ai/harrier/internal/provider"
)

var tracer = harrierotel.Tracer("github.com/harrier-ai/harrier/internal/guard")

// CorrelationHexLen is the fixed width of correlation IDs.
const CorrelationHexLen = 16

// Status classifies a guarded call's outcome.
type Status string

const (
	StatusOK           Status = "ok"
	StatusFailed       Status = "failed"
	StatusDeduplicated Status = "deduplicated"
)

// Error kinds carried by failure outcomes.
const (
	KindPanic     = "panic"
	KindTimeout   = "timeout"
	KindProvider  = "provider"
	KindStore     = "store"
	KindExecution = "execution"
)

// Invocation describes one guarded event.
type Invocation struct {
	Handler   string // metrics bucket and log attribution
	EventKind string // e.g. "task.execute", "webhook.received"
	Tool      string // optional tool name for log context
	SessionID string // correlation ID input
	CallIndex uint64 // monotonically increasing per session
	DedupeKey string // optional; empty disables dedup
	Payload   string // logged sanitized; never persisted raw
}

// Outcome is the structured, always-returned result of a guarded call.
type Outcome struct {
	Status        Status        `json:"status"`
	CorrelationID string        `json:"correlation_id"`
	Value         string        `json:"value,omitempty"`
	ErrorKind     string        `json:"error_kind,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	Duration      time.Duration `json:"duration"`
}

// OK reports whether the wrapped execution ran and succeeded.
func (o *Outcome) OK() bool { return o.Status == StatusOK }

// Deduplicated reports whether the call was skipped as a duplicate. The
// caller decides whether a skip is a no-op or a cache-style short-circuit.
func (o *Outcome) Deduplicated() bool { return o.Status == StatusDeduplicated }

// Guard wraps executions with dedup, containment, sanitized logging, and
// metrics.
type Guard struct {
	store     *Store
	metrics   *Recorder
	dedupeTTL time.Duration
}

// New creates a guard. store may be nil, which disables dedup (a supplied
// DedupeKey then fails closed with a store-fault outcome).
func New(store *Store, metrics *Recorder, dedupeTTL time.Duration) *Guard {
	return &Guard{store: store, metrics: metrics, dedupeTTL: dedupeTTL}
}

// Metrics returns the guard's recorder.
func (g *Guard) Metrics() *Recorder { return g.metrics }

// CorrelationID derives the deterministic correlation identifier for an
// event: identical (session, kind, index) triples always yield the identical
// ID, distinct triples collide only with hash probability. The SHA-256 is
// truncated to a fixed 16-hex-char width.
func CorrelationID(sessionID, eventKind string, callIndex uint64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", sessionID, eventKind, callIndex)))
	return hex.EncodeToString(sum[:])[:CorrelationHexLen]
}

// Run executes fn under the guard. It never panics and never returns an
// error: every failure mode — panic, provider fault, store fault — is folded
// into the returned Outcome.
func (g *Guard) Run(ctx context.Context, inv Invocation, fn func(context.Context) (string, error)) (outcome *Outcome) {
	ctx, span := tracer.Start(ctx, "guard.run",
		trace.WithAttributes(
			attribute.String("guard.handler", inv.Handler),
			attribute.String("guard.event_kind", inv.EventKind),
		))
	defer span.End()

	corrID := CorrelationID(inv.SessionID, inv.EventKind, inv.CallIndex)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			outcome = &Outcome{
				Status:        StatusFailed,
				CorrelationID: corrID,
				ErrorKind:     KindPanic,
				ErrorMessage:  fmt.Sprintf("%v", r),
				Duration:      time.Since(start),
			}
			log.Error().
				Str("correlation_id", corrID).
				Str("handler", inv.Handler).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("guarded_call_panicked")
		}
		g.finish(ctx, inv, outcome)
	}()

	log.Debug().
		Str("correlation_id", corrID).
		Str("handler", inv.Handler).
		Str("event_kind", inv.EventKind).
		Str("tool", inv.Tool).
		Str("payload", Sanitize(inv.Payload)).
		Func(harrierotel.LogTraceFields(ctx)).
		Msg("guarded_call_start")

	if inv.DedupeKey != "" {
		skip, fault := g.checkDedupe(ctx, inv.DedupeKey)
		if fault != nil {
			return &Outcome{
				Status:        StatusFailed,
				CorrelationID: corrID,
				ErrorKind:     KindStore,
				ErrorMessage:  fault.Error(),
				Duration:      time.Since(start),
			}
		}
		if skip {
			span.SetAttributes(attribute.Bool("guard.deduplicated", true))
			log.Info().
				Str("correlation_id", corrID).
				Str("handler", inv.Handler).
				Str("dedupe_key", inv.DedupeKey).
				Msg("duplicate_event_skipped")
			return &Outcome{
				Status:        StatusDeduplicated,
				CorrelationID: corrID,
				Duration:      time.Since(start),
			}
		}
	}

	value, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		return &Outcome{
			Status:        StatusFailed,
			CorrelationID: corrID,
			ErrorKind:     classifyError(err),
			ErrorMessage:  Sanitize(err.Error()),
			Duration:      time.Since(start),
		}
	}

	return &Outcome{
		Status:        StatusOK,
		CorrelationID: corrID,
		Value:         value,
		Duration:      time.Since(start),
	}
}

// checkDedupe returns (skip, fault). A store fault fails closed — the caller
// gets a failure outcome rather than a potentially duplicated execution.
func (g *Guard) checkDedupe(ctx context.Context, key string) (bool, error) {
	if g.store == nil {
		return false, errors.New("dedupe requested but no guard store configured")
	}
	fresh, err := g.store.InsertDedupe(ctx, key, g.dedupeTTL)
	if err != nil {
		return false, fmt.Errorf("dedupe store: %w", err)
	}
	return !fresh, nil
}

// finish records metrics for every guarded call, whatever the path taken.
func (g *Guard) finish(ctx context.Context, inv Invocation, outcome *Outcome) {
	if outcome == nil || g.metrics == nil {
		return
	}
	g.metrics.Record(inv.Handler, outcome.Status == StatusOK, outcome.Status == StatusDeduplicated, outcome.Duration)

	evt := log.Info()
	if outcome.Status == StatusFailed {
		evt = log.Warn()
	}
	evt.Str("correlation_id", outcome.CorrelationID).
		Str("handler", inv.Handler).
		Str("status", string(outcome.Status)).
		Dur("duration", outcome.Duration).
		Func(harrierotel.LogTraceFields(ctx)).
		Msg("guarded_call_done")
}

// classifyError maps an error to a coarse kind for the failure outcome.
func classifyError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, provider.ErrChainExhausted),
		errors.Is(err, provider.ErrProviderNotAvailable):
		return KindProvider
	default:
		return KindExecution
	}
}
