// Package engine is the single entry point for gate decisions. It composes
// the rule evaluator, the prompt constructor and the audit recorder.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/steveyegge/stagegate/internal/audit"
	"github.com/steveyegge/stagegate/internal/config"
	"github.com/steveyegge/stagegate/internal/metrics"
	"github.com/steveyegge/stagegate/internal/policy"
	"github.com/steveyegge/stagegate/internal/prompt"
	"github.com/steveyegge/stagegate/internal/types"
)

// ErrChangeReviewRequired is returned by RequireChangeReview when the trace has
// no change-aware allow decision
var ErrChangeReviewRequired = errors.New("implementation must be re-evaluated with a change context before advancing")

// ErrMissingTraceID is returned by Evaluate for a context without a trace id.
// Such a decision cannot be recorded, so it is rejected instead.
var ErrMissingTraceID = errors.New("stage context has no trace_id")

// Engine evaluates stage contexts
type Engine struct {
	policy   config.PolicyConfig
	renderer prompt.Renderer
	recorder audit.Recorder
	logger   *slog.Logger

	// Now is the clock used for decision timestamps
	Now func() time.Time
}

// New creates an engine. The policy is copied by value and never changes
// for the lifetime of the engine.
func New(p config.PolicyConfig, renderer prompt.Renderer, recorder audit.Recorder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		policy:   p,
		renderer: renderer,
		recorder: recorder,
		logger:   logger,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// Evaluate returns the gate decision for one stage context.
//
// cc is nil except when reviewing the result of the implement stage. The
// decision is always returned, even with a non-nil error: an error means
// the decision could not be recorded and the caller must not act on it.
func (e *Engine) Evaluate(ctx context.Context, sc types.StageContext, cc *types.ChangeContext) (types.Decision, error) {
	if strings.TrimSpace(sc.TraceID) == "" {
		e.logger.Warn("rejecting stage context without trace id", "item_id", sc.ItemID, "stage", sc.CurrentStage)
		return types.Decision{
			Decision:    types.DecisionBlock,
			Reason:      "invalid stage context: trace_id is required",
			Constraints: types.Constraints{policy.ConstraintStage: string(sc.CurrentStage)},
			Timestamp:   e.Now(),
		}, ErrMissingTraceID
	}
	start := time.Now()
	d := e.decide(&sc, cc)

	metrics.RecordDecision(string(sc.CurrentStage), string(d.Decision), time.Since(start))
	e.logger.Info("gate decision",
		"trace_id", sc.TraceID,
		"item_id", sc.ItemID,
		"stage", sc.CurrentStage,
		"decision", d.Decision,
		"change_aware", cc != nil,
		"reason", d.Reason,
	)

	if err := e.recorder.Record(ctx, audit.NewDecisionEntry(&sc, d, cc != nil)); err != nil {
		metrics.AuditWriteFailuresTotal.Inc()
		e.logger.Error("failed to record decision", "trace_id", sc.TraceID, "error", err)
		return d, fmt.Errorf("recording decision for trace %s: %w", sc.TraceID, err)
	}
	return d, nil
}

// decide is the pure part of Evaluate: identical inputs give identical
// decisions apart from the timestamp
func (e *Engine) decide(sc *types.StageContext, cc *types.ChangeContext) types.Decision {
	if err := sc.Validate(); err != nil {
		return types.Decision{
			Decision:    types.DecisionBlock,
			Reason:      fmt.Sprintf("invalid stage context: %v", err),
			Constraints: types.Constraints{policy.ConstraintStage: string(sc.CurrentStage)},
			Timestamp:   e.Now(),
		}
	}

	r := policy.EvaluateRules(e.policy, sc, cc)
	d := types.Decision{
		Decision:    r.Decision,
		Reason:      r.Reason,
		Constraints: r.Constraints,
		Timestamp:   e.Now(),
	}
	if r.Decision != types.DecisionAllow {
		return d
	}

	text, err := prompt.Construct(e.renderer, sc, r.Constraints)
	if err != nil {
		metrics.RenderFailuresTotal.WithLabelValues(string(sc.CurrentStage)).Inc()
		e.logger.Error("prompt construction failed, blocking",
			"trace_id", sc.TraceID,
			"item_id", sc.ItemID,
			"stage", sc.CurrentStage,
			"error", err,
		)
		d.Decision = types.DecisionBlock
		d.Reason = fmt.Sprintf("prompt render failure: %v", err)
		return d
	}
	d.ConstructedPrompt = text
	return d
}

// RequireChangeReview checks that the trace's most recent change-aware
// decision is an allow. Call it before requesting implement -> pr_opened.
func (e *Engine) RequireChangeReview(ctx context.Context, traceID string) error {
	entries, err := e.recorder.Query(ctx, traceID)
	if err != nil {
		return fmt.Errorf("querying audit trail for trace %s: %w", traceID, err)
	}
	latest := audit.LatestChangeDecision(entries)
	if latest == nil {
		return ErrChangeReviewRequired
	}
	if latest.Decision != types.DecisionAllow {
		return fmt.Errorf("%w: latest change review was %s: %s", ErrChangeReviewRequired, latest.Decision, latest.Reason)
	}
	return nil
}

// CheckTransition applies the decision gates that guard a stage transition.
// Only implement -> pr_opened is gated today: it requires a change-aware allow.
// A refused transition is recorded with outcome failed before the gate error
// is returned. t needs ItemID, TraceID, From, To and Trigger.
func (e *Engine) CheckTransition(ctx context.Context, t types.Transition) error {
	if t.From != types.StageImplement || t.To != types.StagePROpened {
		return nil
	}
	gateErr := e.RequireChangeReview(ctx, t.TraceID)
	if gateErr == nil || !errors.Is(gateErr, ErrChangeReviewRequired) {
		return gateErr
	}

	t.Observed = t.From
	t.Outcome = types.OutcomeFailed
	t.Reason = gateErr.Error()
	t.Timestamp = e.Now()
	metrics.RecordTransition(string(t.Outcome))
	e.logger.Warn("transition refused by change review gate",
		"trace_id", t.TraceID,
		"item_id", t.ItemID,
		"from", t.From,
		"to", t.To,
		"reason", t.Reason,
	)
	if err := e.recorder.Record(ctx, audit.NewTransitionEntry(t)); err != nil {
		metrics.AuditWriteFailuresTotal.Inc()
		return fmt.Errorf("%w (recording refusal: %v)", gateErr, err)
	}
	return gateErr
}
