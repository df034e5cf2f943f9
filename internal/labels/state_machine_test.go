package labels

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/stagegate/internal/audit"
	"github.com/steveyegge/stagegate/internal/config"
	"github.com/steveyegge/stagegate/internal/tracker"
	"github.com/steveyegge/stagegate/internal/types"
)

type fixture struct {
	tracker   *tracker.MemoryTracker
	recorder  *audit.MemoryRecorder
	validator *Validator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tr := tracker.NewMemoryTracker()
	rec := audit.NewMemoryRecorder()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	v := NewValidator(DefaultTable(), tr, rec, config.TransitionsConfig{MaxRetries: 3}, logger)
	v.Now = func() time.Time { return time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC) }
	return &fixture{tracker: tr, recorder: rec, validator: v}
}

func (f *fixture) item(t *testing.T, labels ...string) string {
	t.Helper()
	return f.tracker.CreateItem("Item", "body", labels).ID
}

func (f *fixture) labels(t *testing.T, id string) []string {
	t.Helper()
	it, err := f.tracker.GetItem(context.Background(), id)
	require.NoError(t, err)
	return it.Labels
}

func (f *fixture) trail(t *testing.T, traceID string) []*audit.Entry {
	t.Helper()
	entries, err := f.recorder.Query(context.Background(), traceID)
	require.NoError(t, err)
	return entries
}

func stageCount(labels []string) int {
	return len(tracker.StageLabels(labels))
}

func TestTable(t *testing.T) {
	table := DefaultTable()

	tests := []struct {
		from, to types.Stage
		want     bool
	}{
		{types.StageTriage, types.StagePlan, true},
		{types.StagePlan, types.StagePrioritize, true},
		{types.StagePrioritize, types.StageAwaitingImplementationApproval, true},
		{types.StageAwaitingImplementationApproval, types.StageImplement, true},
		{types.StageImplement, types.StagePROpened, true},
		{types.StagePROpened, types.StageAwaitingDeployApproval, true},
		{types.StageAwaitingDeployApproval, types.StageDone, true},
		{types.StageBlocked, types.StageTriage, true},
		{types.StageTriage, types.StageImplement, false},
		{types.StagePlan, types.StageTriage, false},
		{types.StageDone, types.StageBlocked, false},
		{types.StageDone, types.StageTriage, false},
		{types.StageBlocked, types.StagePlan, false},
		{types.StageImplement, types.StageImplement, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, table.Allows(tt.from, tt.to))
		})
	}

	for _, s := range types.AllStages {
		if s == types.StageDone || s == types.StageBlocked {
			continue
		}
		assert.True(t, table.Allows(s, types.StageBlocked), "%s must be able to block", s)
		assert.False(t, table.IsTerminal(s, false))
	}

	assert.True(t, table.IsTerminal(types.StageDone, false))
	assert.False(t, table.IsTerminal(types.StageBlocked, false))
	assert.True(t, table.IsTerminal(types.StageBlocked, true))

	succ := table.Successors(types.StageTriage)
	succ[0] = types.StageDone
	assert.Equal(t, []types.Stage{types.StagePlan, types.StageBlocked}, table.Successors(types.StageTriage))
}

func TestApply_Legal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.item(t, "request:bug", "stage:triage", "source:user")

	tr, err := f.validator.Apply(ctx, Request{
		ItemID: id, From: types.StageTriage, To: types.StagePlan,
		Trigger: TriggerWorkerCompleted, TraceID: "trace-1", Reason: "triage finished",
	})
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeApplied, tr.Outcome)
	assert.Equal(t, types.StageTriage, tr.Observed)

	labels := f.labels(t, id)
	assert.Equal(t, []string{"request:bug", "source:user", "stage:plan"}, labels)
	assert.Equal(t, 1, stageCount(labels))

	comments, err := f.tracker.ListComments(ctx, id)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "**State Transition**: triage → plan\n\n**Reason**: triage finished\n\n**Trace_ID**: `trace-1`\n**Timestamp**: 2026-05-04T03:02:01.000000Z",
		comments[0].Body)
	assert.Equal(t, "trace-1", tracker.ExtractTraceID(comments[0].Body))

	entries := f.trail(t, "trace-1")
	require.Len(t, entries, 1)
	assert.Equal(t, audit.KindTransition, entries[0].Kind)
	require.NotNil(t, entries[0].Transition)
	assert.Equal(t, types.OutcomeApplied, entries[0].Transition.Outcome)
}

func TestApply_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.item(t, "stage:plan")

	req := Request{ItemID: id, From: types.StagePlan, To: types.StagePrioritize, Trigger: TriggerWorkerCompleted, TraceID: "trace-2"}
	first, err := f.validator.Apply(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeApplied, first.Outcome)

	second, err := f.validator.Apply(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeNoop, second.Outcome)

	retried, err := f.validator.ApplyWithRetry(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeNoop, retried.Outcome)

	assert.Equal(t, []string{"stage:prioritize"}, f.labels(t, id))

	comments, err := f.tracker.ListComments(ctx, id)
	require.NoError(t, err)
	assert.Len(t, comments, 1, "no-ops do not comment")
	assert.Len(t, f.trail(t, "trace-2"), 3, "every attempt is recorded")
}

func TestApply_IllegalForcesBlocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.item(t, "stage:triage", "request:feature")

	tr, err := f.validator.Apply(ctx, Request{
		ItemID: id, From: types.StageTriage, To: types.StageImplement,
		Trigger: "skip ahead", TraceID: "trace-3",
	})
	var illegal *IllegalTransitionError
	require.ErrorAs(t, err, &illegal)
	assert.False(t, illegal.Terminal)
	assert.Equal(t, types.OutcomeIllegal, tr.Outcome)
	assert.Contains(t, tr.Reason, "forced to blocked")

	labels := f.labels(t, id)
	assert.Equal(t, []string{"request:feature", "stage:blocked"}, labels)

	entries := f.trail(t, "trace-3")
	require.Len(t, entries, 1)
	assert.Equal(t, types.StageImplement, entries[0].Transition.To)
	assert.Equal(t, types.OutcomeIllegal, entries[0].Transition.Outcome)

	comments, err := f.tracker.ListComments(ctx, id)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.True(t, strings.HasPrefix(comments[0].Body, "**State Transition**: triage → blocked"))
}

func TestApply_IllegalOnTerminal(t *testing.T) {
	tests := []struct {
		name   string
		labels []string
		closed bool
		req    Request
	}{
		{
			name:   "done",
			labels: []string{"stage:done"},
			req:    Request{From: types.StageDone, To: types.StageTriage},
		},
		{
			name:   "closed blocked",
			labels: []string{"stage:blocked"},
			closed: true,
			req:    Request{From: types.StageBlocked, To: types.StageTriage},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			id := f.item(t, tt.labels...)
			require.NoError(t, f.tracker.SetClosed(id, tt.closed))

			req := tt.req
			req.ItemID, req.TraceID, req.Trigger = id, "trace-t", "reopen"
			tr, err := f.validator.Apply(context.Background(), req)

			var illegal *IllegalTransitionError
			require.ErrorAs(t, err, &illegal)
			assert.True(t, illegal.Terminal)
			assert.Equal(t, types.OutcomeIllegal, tr.Outcome)
			assert.Equal(t, tt.labels, f.labels(t, id), "terminal items are not mutated")
			assert.Len(t, f.trail(t, "trace-t"), 1)
		})
	}
}

func TestApply_UnknownStageIsIllegal(t *testing.T) {
	f := newFixture(t)
	id := f.item(t, "stage:plan")

	_, err := f.validator.Apply(context.Background(), Request{
		ItemID: id, From: types.StagePlan, To: types.Stage("shipping"), Trigger: "x", TraceID: "trace-u",
	})
	var illegal *IllegalTransitionError
	require.ErrorAs(t, err, &illegal)
	assert.Equal(t, []string{"stage:blocked"}, f.labels(t, id))
}

func TestApply_RepairsBrokenStageLabels(t *testing.T) {
	tests := []struct {
		name   string
		labels []string
	}{
		{"no stage label", []string{"request:bug"}},
		{"two stage labels", []string{"stage:plan", "request:bug", "stage:triage"}},
		{"unknown stage label", []string{"stage:shipping"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			id := f.item(t, tt.labels...)

			tr, err := f.validator.Apply(context.Background(), Request{
				ItemID: id, From: types.StageTriage, To: types.StagePlan, Trigger: "x", TraceID: "trace-r",
			})
			var labelErr *tracker.StageLabelError
			require.ErrorAs(t, err, &labelErr)
			assert.Equal(t, types.OutcomeForcedBlocked, tr.Outcome)

			labels := f.labels(t, id)
			assert.Equal(t, 1, stageCount(labels))
			assert.Contains(t, labels, "stage:blocked")
		})
	}
}

func TestApply_StageMismatchIsConcurrent(t *testing.T) {
	f := newFixture(t)
	id := f.item(t, "stage:prioritize")

	tr, err := f.validator.Apply(context.Background(), Request{
		ItemID: id, From: types.StageTriage, To: types.StagePlan, Trigger: "x", TraceID: "trace-m",
	})
	var cse *ConcurrentStateError
	require.ErrorAs(t, err, &cse)
	assert.Equal(t, types.StageTriage, cse.Expected)
	assert.Equal(t, []string{"stage:prioritize"}, cse.Observed)
	assert.Equal(t, types.OutcomeFailed, tr.Outcome)
	assert.Equal(t, []string{"stage:prioritize"}, f.labels(t, id), "a single attempt never overwrites")
}

func TestApplyWithRetry_RecoversFromConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.item(t, "stage:implement")

	conflicts := 1
	f.tracker.BeforeReplace = func(itemID string) {
		if conflicts > 0 {
			conflicts--
			// someone adds an unrelated label between our read and write
			require.NoError(t, f.tracker.SetLabels(itemID, []string{"stage:implement", "priority:p1"}))
		}
	}

	tr, err := f.validator.ApplyWithRetry(ctx, Request{
		ItemID: id, From: types.StageImplement, To: types.StagePROpened, Trigger: TriggerPROpened, TraceID: "trace-c",
	})
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeApplied, tr.Outcome)
	assert.Equal(t, []string{"priority:p1", "stage:pr-opened"}, f.labels(t, id))
	assert.Len(t, f.trail(t, "trace-c"), 1, "only the final outcome is recorded")
}

func TestApplyWithRetry_GivesUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.item(t, "stage:plan")

	tr, err := f.validator.ApplyWithRetry(ctx, Request{
		ItemID: id, From: types.StageTriage, To: types.StagePlan, Trigger: TriggerWorkerCompleted, TraceID: "trace-g",
	})
	var cse *ConcurrentStateError
	require.ErrorAs(t, err, &cse)
	assert.Contains(t, err.Error(), "giving up after 3 attempts")
	assert.Equal(t, types.OutcomeForcedBlocked, tr.Outcome)
	assert.Equal(t, []string{"stage:blocked"}, f.labels(t, id))

	entries := f.trail(t, "trace-g")
	require.Len(t, entries, 1)
	assert.Equal(t, types.OutcomeForcedBlocked, entries[0].Transition.Outcome)
}

func TestApplyWithRetry_GivesUpWithoutTouchingTerminalItem(t *testing.T) {
	tests := []struct {
		name   string
		labels []string
		closed bool
	}{
		{name: "done", labels: []string{"stage:done"}},
		{name: "closed blocked", labels: []string{"stage:blocked"}, closed: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			id := f.item(t, "stage:implement")

			// another actor keeps editing the item and finishes it during the last attempt
			var writes int
			f.tracker.BeforeReplace = func(itemID string) {
				writes++
				if writes < 3 {
					require.NoError(t, f.tracker.SetLabels(itemID, []string{"stage:implement", "priority:p1"}))
					return
				}
				require.NoError(t, f.tracker.SetLabels(itemID, tt.labels))
				require.NoError(t, f.tracker.SetClosed(itemID, tt.closed))
			}

			tr, err := f.validator.ApplyWithRetry(ctx, Request{
				ItemID: id, From: types.StageImplement, To: types.StagePROpened, Trigger: TriggerPROpened, TraceID: "trace-t",
			})
			var cse *ConcurrentStateError
			require.ErrorAs(t, err, &cse)
			assert.Equal(t, types.OutcomeFailed, tr.Outcome)
			assert.Contains(t, tr.Reason, "terminal stage")
			assert.Equal(t, tt.labels, f.labels(t, id), "terminal item is not forced to blocked")

			entries := f.trail(t, "trace-t")
			require.Len(t, entries, 1)
			assert.Equal(t, types.OutcomeFailed, entries[0].Transition.Outcome)
		})
	}
}

func TestApply_InvalidRequest(t *testing.T) {
	f := newFixture(t)
	id := f.item(t, "stage:triage")

	_, err := f.validator.Apply(context.Background(), Request{ItemID: id, From: types.StageTriage, To: types.StagePlan})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trace id is required")
	assert.Equal(t, []string{"stage:triage"}, f.labels(t, id))

	_, err = f.validator.ApplyWithRetry(context.Background(), Request{TraceID: "trace-x"})
	assert.ErrorContains(t, err, "item id is required")
}

func TestApply_MissingItem(t *testing.T) {
	f := newFixture(t)

	tr, err := f.validator.Apply(context.Background(), Request{
		ItemID: "404", From: types.StageTriage, To: types.StagePlan, Trigger: "x", TraceID: "trace-n",
	})
	assert.ErrorIs(t, err, tracker.ErrNotFound)
	assert.Equal(t, types.OutcomeFailed, tr.Outcome)
	assert.Len(t, f.trail(t, "trace-n"), 1, "failures are recorded too")
}

func TestEnsureLabels(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.validator.EnsureLabels(context.Background()))
	assert.Equal(t, len(tracker.Taxonomy()), f.tracker.LabelCount())
}

func TestTransitionComment(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 600000000, time.UTC)
	got := TransitionComment("", types.StageTriage, "Issue created", "trace-abc", ts)
	assert.Equal(t, "**State Transition**: None → triage\n\n**Reason**: Issue created\n\n**Trace_ID**: `trace-abc`\n**Timestamp**: 2026-01-02T03:04:05.600000Z", got)
}
