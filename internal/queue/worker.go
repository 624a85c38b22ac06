package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/harrier-ai/harrier/internal/cascade"
	"github.com/harrier-ai/harrier/internal/feedback"
	"github.com/harrier-ai/harrier/internal/guard"
	harrierotel "github.com/harrier-ai/harrier/internal/otel"
	"github.com/harrier-ai/harrier/internal/router"
)

const (
	// DefaultPollInterval is the idle sleep between empty-queue polls.
	DefaultPollInterval = 500 * time.Millisecond

	// retrievalMinChars and retrievalMinTokens gate the context-retrieval
	// stage: requests below either bound skip retrieval entirely, since
	// history lookup for trivial requests costs more than it informs.
	retrievalMinChars  = 48
	retrievalMinTokens = 6

	// retrievalLimit bounds how many prior outcomes are pulled per task.
	retrievalLimit = 5
)

// Notifier receives fire-and-forget completion notifications. Implementations
// must not block the worker.
type Notifier interface {
	TaskFinished(ctx context.Context, task *Task)
}

// Pool runs N workers over the store. Each worker owns its claim loop; the
// only coordination between workers is the store's atomic claim.
type Pool struct {
	store    *Store
	cascade  *cascade.Cascade
	router   *router.Router
	guard    *guard.Guard
	loop     *feedback.Loop
	notifier Notifier

	workers      int
	pollInterval time.Duration

	wg sync.WaitGroup
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithNotifier wires a completion notifier.
func WithNotifier(n Notifier) PoolOption {
	return func(p *Pool) { p.notifier = n }
}

// WithPollInterval overrides the idle poll interval.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// NewPool creates a worker pool. loop may be nil (no feedback recording).
func NewPool(store *Store, c *cascade.Cascade, r *router.Router, g *guard.Guard, loop *feedback.Loop, workers int, opts ...PoolOption) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		store:        store,
		cascade:      c,
		router:       r,
		guard:        g,
		loop:         loop,
		workers:      workers,
		pollInterval: DefaultPollInterval,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start launches the workers. They run until ctx is cancelled; Wait blocks
// until all have drained.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i+1)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx, workerID)
		}()
	}
	log.Info().Int("workers", p.workers).Msg("worker_pool_started")
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, workerID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := p.store.ClaimNext(ctx, workerID)
		if err != nil {
			log.Warn().Err(err).Str("worker", workerID).Msg("claim_failed")
			task = nil
		}
		if task == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.pollInterval):
			}
			continue
		}

		p.process(ctx, workerID, task)
	}
}

// process runs the full pipeline for one claimed task. Every path ends in a
// terminal transition; the task is never left in_progress.
func (p *Pool) process(ctx context.Context, workerID string, task *Task) {
	ctx, span := tracer.Start(ctx, "queue.process",
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("task.priority", string(task.Priority)),
			attribute.String("worker.id", workerID),
		))
	defer span.End()

	start := time.Now()
	decision := p.cascade.Classify(ctx, task.Content)
	span.SetAttributes(
		attribute.String("route.target", decision.Target),
		attribute.String("route.stage", decision.Stage),
	)

	// Context retrieval, gated by the cheap heuristic. History informs the
	// execution prompt but its absence never blocks the task.
	history := p.retrieve(ctx, task, decision.Target)

	outcome := p.guard.Run(ctx, guard.Invocation{
		Handler:   decision.Target,
		EventKind: "task.execute",
		SessionID: task.ID,
		CallIndex: 0,
		DedupeKey: task.Metadata["dedupe_key"],
		Payload:   task.Content,
	}, func(ctx context.Context) (string, error) {
		content := task.Content
		if history != "" {
			content = history + "\n\n" + content
		}
		result, err := p.router.Execute(ctx, decision, content)
		if err != nil {
			return "", err
		}
		encoded, mErr := json.Marshal(result)
		if mErr != nil {
			return "", fmt.Errorf("encoding result: %w", mErr)
		}
		return string(encoded), nil
	})

	p.recordFeedback(ctx, decision, outcome)
	p.finishTask(ctx, workerID, task, decision, outcome, time.Since(start))
}

// retrieve pulls recent outcomes for the predicted handler and renders them
// as prompt context. Short or low-signal requests skip the stage.
func (p *Pool) retrieve(ctx context.Context, task *Task, handler string) string {
	if p.loop == nil {
		return ""
	}
	if len(task.Content) < retrievalMinChars ||
		len(strings.Fields(task.Content)) < retrievalMinTokens {
		return ""
	}

	outcomes, err := p.loop.RecentOutcomes(ctx, handler, retrievalLimit)
	if err != nil {
		log.Warn().Err(err).Str("handler", handler).Msg("retrieval_failed")
		return ""
	}
	if len(outcomes) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Recent handler history:")
	for _, o := range outcomes {
		status := "failed"
		if o.Success {
			status = "succeeded"
		}
		fmt.Fprintf(&b, "\n- %s via %s tier (%s)", status, o.Tier, o.CreatedAt.Format(time.RFC3339))
	}
	return b.String()
}

// recordFeedback folds the execution outcome into the feedback loop. Dedupe
// skips record nothing: a skipped execution says nothing about the handler.
func (p *Pool) recordFeedback(ctx context.Context, decision *cascade.RouteDecision, outcome *guard.Outcome) {
	if p.loop == nil || outcome.Deduplicated() {
		return
	}
	actual := 0.0
	if outcome.OK() {
		actual = 1.0
	}
	if err := p.loop.RecordOutcome(ctx, decision.ID, decision.Target, decision.Tier,
		decision.Confidence, actual, outcome.OK()); err != nil {
		log.Warn().Err(err).Str("handler", decision.Target).Msg("feedback_record_failed")
	}
}

func (p *Pool) finishTask(ctx context.Context, workerID string, task *Task, decision *cascade.RouteDecision, outcome *guard.Outcome, elapsed time.Duration) {
	var err error
	switch {
	case outcome.OK():
		err = p.store.Complete(ctx, task.ID, outcome.Value)
	case outcome.Deduplicated():
		err = p.store.Complete(ctx, task.ID, `{"deduplicated":true}`)
	default:
		err = p.store.Fail(ctx, task.ID, outcome.ErrorMessage)
	}
	if err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("task_finish_failed")
		return
	}

	evt := log.Info()
	if !outcome.OK() && !outcome.Deduplicated() {
		evt = log.Warn()
	}
	evt.Str("task_id", task.ID).
		Str("worker", workerID).
		Str("handler", decision.Target).
		Str("stage", decision.Stage).
		Str("status", string(outcome.Status)).
		Str("correlation_id", outcome.CorrelationID).
		Dur("elapsed", elapsed).
		Func(harrierotel.LogTraceFields(ctx)).
		Msg("task_processed")

	if p.notifier != nil {
		if finished, gErr := p.store.Get(ctx, task.ID); gErr == nil {
			go p.notifier.TaskFinished(context.WithoutCancel(ctx), finished)
		}
	}
}
