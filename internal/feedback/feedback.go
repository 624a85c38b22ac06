// Package feedback records execution outcomes and feeds them back into
// routing as confidence adjustments. The loop is one-directional: writers
// record outcomes after execution, readers (classification and provider
// ordering) only ever observe the aggregated factor. Aggregation is an EWMA
// per (handler, tier) with a minimum-sample floor so a single bad outcome
// cannot flip routing.
package feedback

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	harrierotel "github.com/harrier-ai/harrier/internal/otel"
	"github.com/harrier-ai/harrier/internal/provider"
)

var tracer = harrierotel.Tracer("github.com/harrier-ai/harrier/internal/feedback")

const (
	// Alpha is the EWMA smoothing factor. 0.2 weights roughly the last
	// dozen outcomes; sustained streaks move the rate, single outcomes
	// barely do.
	Alpha = 0.2

	// MinSamples is the floor below which Factor stays neutral. Prevents
	// early oscillation when a handler has almost no history.
	MinSamples = 5
)

const schema = `
CREATE TABLE IF NOT EXISTS outcomes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    decision_id TEXT NOT NULL,
    handler TEXT NOT NULL,
    tier TEXT NOT NULL,
    predicted REAL NOT NULL,
    actual REAL NOT NULL,
    success INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outcomes_handler ON outcomes(handler, created_at);

CREATE TABLE IF NOT EXISTS scores (
    handler TEXT NOT NULL,
    tier TEXT NOT NULL,
    ewma REAL NOT NULL,
    satisfaction REAL NOT NULL,
    samples INTEGER NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (handler, tier)
);
`

// Outcome is one recorded execution result.
type Outcome struct {
	DecisionID string    `json:"decision_id"`
	Handler    string    `json:"handler"`
	Tier       string    `json:"tier"`
	Predicted  float64   `json:"predicted"`
	Actual     float64   `json:"actual"`
	Success    bool      `json:"success"`
	CreatedAt  time.Time `json:"created_at"`
}

// Score is the aggregated state for one (handler, tier) pair.
type Score struct {
	Handler      string    `json:"handler"`
	Tier         string    `json:"tier"`
	EWMA         float64   `json:"ewma"`
	Satisfaction float64   `json:"satisfaction"`
	Samples      int64     `json:"samples"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type scoreKey struct {
	handler string
	tier    string
}

// Loop is the feedback store plus an in-memory score mirror so Factor reads
// never touch the database on the hot classification path.
type Loop struct {
	db *sql.DB

	mu     sync.RWMutex
	scores map[scoreKey]*Score
}

// New opens (and migrates) the feedback database and loads existing scores
// into memory.
func New(dbPath string) (*Loop, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening feedback database: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating feedback schema: %w", err)
	}

	l := &Loop{db: db, scores: make(map[scoreKey]*Score)}
	if err := l.loadScores(context.Background()); err != nil {
		return nil, err
	}
	return l, nil
}

// Close releases the database connection.
func (l *Loop) Close() error {
	return l.db.Close()
}

func (l *Loop) loadScores(ctx context.Context) error {
	rows, err := l.db.QueryContext(ctx,
		`SELECT handler, tier, ewma, satisfaction, samples, updated_at FROM scores`)
	if err != nil {
		return fmt.Errorf("loading feedback scores: %w", err)
	}
	defer rows.Close()

	l.mu.Lock()
	defer l.mu.Unlock()
	for rows.Next() {
		var s Score
		if err := rows.Scan(&s.Handler, &s.Tier, &s.EWMA, &s.Satisfaction, &s.Samples, &s.UpdatedAt); err != nil {
			continue
		}
		l.scores[scoreKey{s.Handler, s.Tier}] = &s
	}
	return rows.Err()
}

// RecordOutcome folds one execution outcome into the (handler, tier) score
// and appends it to the outcome log. predicted is the decision's confidence,
// actual the observed quality (0 for failure, 1 for clean success); their
// delta drives the satisfaction component.
func (l *Loop) RecordOutcome(ctx context.Context, decisionID, handler string, tier provider.Tier, predicted, actual float64, success bool) error {
	ctx, span := tracer.Start(ctx, "feedback.record_outcome",
		trace.WithAttributes(
			attribute.String("feedback.handler", handler),
			attribute.String("feedback.tier", string(tier)),
			attribute.Bool("feedback.success", success),
		))
	defer span.End()

	now := time.Now().UTC()
	successVal := 0.0
	if success {
		successVal = 1.0
	}
	// Satisfaction measures calibration: 1 when confidence matched reality,
	// approaching 0 when the decision was confidently wrong.
	satisfaction := 1.0 - abs(predicted-actual)

	l.mu.Lock()
	key := scoreKey{handler, string(tier)}
	s, ok := l.scores[key]
	if !ok {
		s = &Score{Handler: handler, Tier: string(tier), EWMA: successVal, Satisfaction: satisfaction}
		l.scores[key] = s
	} else {
		s.EWMA = Alpha*successVal + (1-Alpha)*s.EWMA
		s.Satisfaction = Alpha*satisfaction + (1-Alpha)*s.Satisfaction
	}
	s.Samples++
	s.UpdatedAt = now
	snapshot := *s
	l.mu.Unlock()

	if _, err := l.db.ExecContext(ctx,
		`INSERT INTO outcomes (decision_id, handler, tier, predicted, actual, success, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		decisionID, handler, string(tier), predicted, actual, boolInt(success), now); err != nil {
		return fmt.Errorf("inserting outcome: %w", err)
	}

	if _, err := l.db.ExecContext(ctx,
		`INSERT INTO scores (handler, tier, ewma, satisfaction, samples, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(handler, tier) DO UPDATE SET
		   ewma = excluded.ewma,
		   satisfaction = excluded.satisfaction,
		   samples = excluded.samples,
		   updated_at = excluded.updated_at`,
		snapshot.Handler, snapshot.Tier, snapshot.EWMA, snapshot.Satisfaction, snapshot.Samples, snapshot.UpdatedAt); err != nil {
		return fmt.Errorf("upserting score: %w", err)
	}

	log.Debug().
		Str("handler", handler).
		Str("tier", string(tier)).
		Float64("ewma", snapshot.EWMA).
		Int64("samples", snapshot.Samples).
		Msg("feedback_outcome_recorded")
	return nil
}

// Factor returns the confidence multiplier for a (handler, tier) pair in
// [0.5, 1.25]. Below the sample floor it is exactly 1.0, so routing for new
// handlers is unaffected until real history accumulates. The factor blends
// the success EWMA and the satisfaction EWMA, success-weighted.
//
// Factor satisfies both the classification adjustment and provider-ordering
// reader interfaces.
func (l *Loop) Factor(handler string, tier provider.Tier) float64 {
	l.mu.RLock()
	s, ok := l.scores[scoreKey{handler, string(tier)}]
	if !ok || s.Samples < MinSamples {
		l.mu.RUnlock()
		return 1.0
	}
	blended := 0.7*s.EWMA + 0.3*s.Satisfaction
	l.mu.RUnlock()

	// Map [0,1] onto [0.5, 1.25] so a perfect history boosts and a failing
	// one suppresses, without ever zeroing a score outright.
	return 0.5 + 0.75*blended
}

// Scores returns a snapshot of all aggregated scores, for the stats surface.
func (l *Loop) Scores() []Score {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Score, 0, len(l.scores))
	for _, s := range l.scores {
		out = append(out, *s)
	}
	return out
}

// RecentOutcomes returns the newest outcomes for a handler, newest first.
// The worker's retrieval stage uses this as execution context for handlers
// with prior history.
func (l *Loop) RecentOutcomes(ctx context.Context, handler string, limit int) ([]Outcome, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT decision_id, handler, tier, predicted, actual, success, created_at
		 FROM outcomes WHERE handler = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		handler, limit)
	if err != nil {
		return nil, fmt.Errorf("querying outcomes: %w", err)
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var o Outcome
		var success int
		if err := rows.Scan(&o.DecisionID, &o.Handler, &o.Tier, &o.Predicted, &o.Actual, &success, &o.CreatedAt); err != nil {
			continue
		}
		o.Success = success == 1
		out = append(out, o)
	}
	return out, rows.Err()
}

// PurgeOutcomes deletes outcome rows older than retentionDays. Aggregated
// scores survive; only the raw log is bounded.
func (l *Loop) PurgeOutcomes(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	res, err := l.db.ExecContext(ctx, `DELETE FROM outcomes WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging outcomes: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
