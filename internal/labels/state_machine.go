package labels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/steveyegge/stagegate/internal/audit"
	"github.com/steveyegge/stagegate/internal/config"
	"github.com/steveyegge/stagegate/internal/metrics"
	"github.com/steveyegge/stagegate/internal/tracker"
	"github.com/steveyegge/stagegate/internal/types"
)

// Request asks for one stage transition on one item
type Request struct {
	ItemID  string
	From    types.Stage
	To      types.Stage
	Trigger string
	TraceID string
	// Reason is shown in the transition comment; Trigger is used when empty
	Reason string
}

// Validate checks that the request identifies an item and a trace
func (r Request) Validate() error {
	if r.ItemID == "" {
		return fmt.Errorf("item id is required")
	}
	if r.TraceID == "" {
		return fmt.Errorf("trace id is required")
	}
	return nil
}

// Validator applies stage transitions to tracker items
type Validator struct {
	table      *Table
	tracker    tracker.Tracker
	recorder   audit.Recorder
	logger     *slog.Logger
	maxRetries int
	backoff    time.Duration

	// Now is the clock used for transition timestamps
	Now func() time.Time
}

// NewValidator creates a validator over the given tracker
func NewValidator(table *Table, tr tracker.Tracker, recorder audit.Recorder, cfg config.TransitionsConfig, logger *slog.Logger) *Validator {
	if table == nil {
		table = DefaultTable()
	}
	if logger == nil {
		logger = slog.Default()
	}
	retries := cfg.MaxRetries
	if retries < 1 {
		retries = 1
	}
	return &Validator{
		table:      table,
		tracker:    tr,
		recorder:   recorder,
		logger:     logger,
		maxRetries: retries,
		backoff:    cfg.RetryBackoff,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

// Table returns the transition table the validator enforces
func (v *Validator) Table() *Table {
	return v.table
}

// Apply makes a single attempt at the transition and records the outcome.
//
// A transition that already happened is a no-op success. Illegal requests
// force the item to blocked (unless it is terminal) and return an
// *IllegalTransitionError. A stage mismatch or a concurrent change returns a
// *ConcurrentStateError without touching the item; use ApplyWithRetry to
// re-read and retry.
func (v *Validator) Apply(ctx context.Context, req Request) (types.Transition, error) {
	if err := req.Validate(); err != nil {
		return types.Transition{}, fmt.Errorf("invalid transition request: %w", err)
	}
	t, landed, err := v.attempt(ctx, req)
	return v.finish(ctx, t, landed, err)
}

// ApplyWithRetry retries Apply on concurrent changes, re-reading the item
// each time. When retries are exhausted the item is forced to blocked, unless
// it has meanwhile reached a terminal stage, and a *ConcurrentStateError is
// returned.
func (v *Validator) ApplyWithRetry(ctx context.Context, req Request) (types.Transition, error) {
	if err := req.Validate(); err != nil {
		return types.Transition{}, fmt.Errorf("invalid transition request: %w", err)
	}
	var (
		t      types.Transition
		landed types.Stage
		err    error
	)
	for attempt := 1; attempt <= v.maxRetries; attempt++ {
		t, landed, err = v.attempt(ctx, req)

		var cse *ConcurrentStateError
		if !errors.As(err, &cse) {
			return v.finish(ctx, t, landed, err)
		}

		metrics.TransitionConflictsTotal.Inc()
		v.logger.Warn("concurrent stage change, retrying",
			"item_id", req.ItemID,
			"trace_id", req.TraceID,
			"attempt", attempt,
			"max_retries", v.maxRetries,
			"error", err,
		)

		if attempt < v.maxRetries && v.backoff > 0 {
			// linear backoff between re-reads
			select {
			case <-ctx.Done():
				t.Outcome = types.OutcomeFailed
				return v.finish(ctx, t, "", ctx.Err())
			case <-time.After(time.Duration(attempt) * v.backoff):
			}
		}
	}

	item, getErr := v.tracker.GetItem(ctx, req.ItemID)
	if getErr != nil {
		t.Outcome = types.OutcomeFailed
		return v.finish(ctx, t, "", errors.Join(err, getErr))
	}
	t.Observed = observedStage(item)
	if v.terminal(item) {
		t.Outcome = types.OutcomeFailed
		t.Reason = fmt.Sprintf("transition %s → %s abandoned after %d attempts; item reached terminal stage %s",
			req.From, req.To, v.maxRetries, t.Observed)
		return v.finish(ctx, t, "", fmt.Errorf("giving up after %d attempts: %w", v.maxRetries, err))
	}
	if _, forceErr := v.forceBlocked(ctx, item); forceErr != nil {
		t.Outcome = types.OutcomeFailed
		return v.finish(ctx, t, "", errors.Join(err, forceErr))
	}
	t.Outcome = types.OutcomeForcedBlocked
	t.Reason = fmt.Sprintf("transition %s → %s failed after %d attempts; item forced to blocked",
		req.From, req.To, v.maxRetries)
	return v.finish(ctx, t, types.StageBlocked, fmt.Errorf("giving up after %d attempts: %w", v.maxRetries, err))
}

// attempt performs one read-check-write cycle without recording anything.
// landed is the stage the item was moved to, empty when it was not changed.
func (v *Validator) attempt(ctx context.Context, req Request) (t types.Transition, landed types.Stage, err error) {
	t = types.Transition{
		ItemID:  req.ItemID,
		TraceID: req.TraceID,
		From:    req.From,
		To:      req.To,
		Trigger: req.Trigger,
		Reason:  req.Reason,
		Outcome: types.OutcomeFailed,
	}
	if t.Reason == "" {
		t.Reason = req.Trigger
	}

	item, err := v.tracker.GetItem(ctx, req.ItemID)
	if err != nil {
		return t, "", fmt.Errorf("reading item %s: %w", req.ItemID, err)
	}

	current, ok := tracker.CurrentStage(item.Labels)
	if !ok {
		// zero, several or unknown stage labels: restore the invariant first
		labelErr := &tracker.StageLabelError{ItemID: item.ID, Labels: tracker.StageLabels(item.Labels)}
		if _, err := v.forceBlocked(ctx, item); err != nil {
			return t, "", errors.Join(labelErr, err)
		}
		t.Outcome = types.OutcomeForcedBlocked
		t.Reason = labelErr.Error() + "; item forced to blocked"
		return t, types.StageBlocked, labelErr
	}
	t.Observed = current

	terminal := v.table.IsTerminal(current, item.Closed)
	legal := req.From.IsValid() && req.To.IsValid() && v.table.Allows(req.From, req.To)
	if !legal || (terminal && current != req.To) {
		illegal := &IllegalTransitionError{ItemID: req.ItemID, From: req.From, To: req.To}
		t.Outcome = types.OutcomeIllegal
		switch {
		case terminal:
			illegal.Terminal = true
			t.Reason = illegal.Error()
		case current == types.StageBlocked:
			t.Reason = illegal.Error() + "; item already blocked"
		default:
			if _, err := v.forceBlocked(ctx, item); err != nil {
				return t, "", errors.Join(illegal, err)
			}
			t.Reason = illegal.Error() + "; item forced to blocked"
			landed = types.StageBlocked
		}
		return t, landed, illegal
	}

	if current == req.To {
		t.Outcome = types.OutcomeNoop
		return t, "", nil
	}
	if current != req.From {
		return t, "", &ConcurrentStateError{ItemID: req.ItemID, Expected: req.From, Observed: tracker.StageLabels(item.Labels)}
	}

	_, err = v.tracker.ReplaceLabels(ctx, item.ID, item.Version, tracker.WithStage(item.Labels, req.To))
	if errors.Is(err, tracker.ErrVersionConflict) {
		return t, "", &ConcurrentStateError{ItemID: req.ItemID, Expected: req.From, Observed: tracker.StageLabels(item.Labels)}
	}
	if err != nil {
		return t, "", fmt.Errorf("replacing labels on %s: %w", req.ItemID, err)
	}

	t.Outcome = types.OutcomeApplied
	return t, req.To, nil
}

// forceBlocked moves the item to blocked, re-reading on version conflicts.
// It returns ErrItemTerminal and leaves the item alone once it is terminal.
func (v *Validator) forceBlocked(ctx context.Context, item *tracker.Item) (*tracker.Item, error) {
	for attempt := 1; ; attempt++ {
		if v.terminal(item) {
			return nil, fmt.Errorf("forcing item %s to blocked: %w", item.ID, ErrItemTerminal)
		}
		updated, err := v.tracker.ReplaceLabels(ctx, item.ID, item.Version, tracker.WithStage(item.Labels, types.StageBlocked))
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, tracker.ErrVersionConflict) || attempt >= v.maxRetries {
			return nil, fmt.Errorf("forcing item %s to blocked: %w", item.ID, err)
		}
		fresh, err := v.tracker.GetItem(ctx, item.ID)
		if err != nil {
			return nil, fmt.Errorf("forcing item %s to blocked: %w", item.ID, err)
		}
		item = fresh
	}
}

// finish stamps, records, comments and logs one transition outcome
func (v *Validator) finish(ctx context.Context, t types.Transition, landed types.Stage, err error) (types.Transition, error) {
	t.Timestamp = v.Now()
	metrics.RecordTransition(string(t.Outcome))

	logArgs := []any{
		"item_id", t.ItemID,
		"trace_id", t.TraceID,
		"from", t.From,
		"to", t.To,
		"observed", t.Observed,
		"trigger", t.Trigger,
		"outcome", t.Outcome,
	}
	if err != nil {
		v.logger.Warn("stage transition failed", append(logArgs, "error", err)...)
	} else {
		v.logger.Info("stage transition", logArgs...)
	}

	var errs []error
	if err != nil {
		errs = append(errs, err)
	}

	if recErr := v.recorder.Record(ctx, audit.NewTransitionEntry(t)); recErr != nil {
		metrics.AuditWriteFailuresTotal.Inc()
		v.logger.Error("failed to record transition", "trace_id", t.TraceID, "error", recErr)
		errs = append(errs, fmt.Errorf("recording transition for trace %s: %w", t.TraceID, recErr))
	}

	if landed != "" {
		comment := TransitionComment(t.Observed, landed, t.Reason, t.TraceID, t.Timestamp)
		if cErr := v.tracker.AddComment(ctx, t.ItemID, comment); cErr != nil {
			v.logger.Warn("failed to post transition comment", "item_id", t.ItemID, "error", cErr)
		}
	}

	return t, errors.Join(errs...)
}

// terminal reports whether the item has one valid stage label and that stage
// is terminal
func (v *Validator) terminal(item *tracker.Item) bool {
	s, ok := tracker.CurrentStage(item.Labels)
	return ok && v.table.IsTerminal(s, item.Closed)
}

func observedStage(item *tracker.Item) types.Stage {
	s, _ := tracker.CurrentStage(item.Labels)
	return s
}

// TransitionComment formats the audit comment posted on the item
func TransitionComment(from, to types.Stage, reason, traceID string, ts time.Time) string {
	fromText := string(from)
	if fromText == "" {
		fromText = "None"
	}
	return fmt.Sprintf("**State Transition**: %s → %s\n\n**Reason**: %s\n\n**Trace_ID**: `%s`\n**Timestamp**: %s",
		fromText, to, reason, traceID, ts.UTC().Format("2006-01-02T15:04:05.000000")+"Z")
}

// EnsureLabels creates the stage label taxonomy in the tracker
func (v *Validator) EnsureLabels(ctx context.Context) error {
	if err := v.tracker.EnsureLabels(ctx, tracker.Taxonomy()); err != nil {
		return fmt.Errorf("ensuring label taxonomy: %w", err)
	}
	return nil
}
