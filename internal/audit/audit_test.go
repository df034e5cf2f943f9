package audit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/stagegate/internal/types"
)

func testDecision() types.Decision {
	return types.Decision{
		Decision:    types.DecisionBlock,
		Reason:      "unknown stage",
		Constraints: types.Constraints{"valid_stages": []string{"triage"}},
		Timestamp:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestEntryValidate(t *testing.T) {
	ts := time.Now()
	tests := []struct {
		name    string
		entry   Entry
		wantErr string
	}{
		{"valid decision", Entry{TraceID: "trace-1", Kind: KindDecision, Decision: types.DecisionAllow, Timestamp: ts}, ""},
		{"valid transition", Entry{TraceID: "trace-1", Kind: KindTransition, Transition: &types.Transition{}, Timestamp: ts}, ""},
		{"missing trace", Entry{Kind: KindDecision, Decision: types.DecisionAllow, Timestamp: ts}, "trace_id"},
		{"bad kind", Entry{TraceID: "trace-1", Kind: "note", Timestamp: ts}, "invalid audit kind"},
		{"decision without value", Entry{TraceID: "trace-1", Kind: KindDecision, Timestamp: ts}, "invalid decision"},
		{"transition without record", Entry{TraceID: "trace-1", Kind: KindTransition, Timestamp: ts}, "no transition"},
		{"zero timestamp", Entry{TraceID: "trace-1", Kind: KindDecision, Decision: types.DecisionAllow}, "timestamp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.entry.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestNewDecisionEntry_SnapshotsConstraints(t *testing.T) {
	sc := &types.StageContext{ItemID: "7", TraceID: "trace-a", CurrentStage: "deploy"}
	d := testDecision()

	e := NewDecisionEntry(sc, d, false)
	d.Constraints["valid_stages"].([]string)[0] = "mutated"

	assert.Equal(t, KindDecision, e.Kind)
	assert.Equal(t, "7", e.ItemID)
	assert.Equal(t, types.Stage("deploy"), e.Stage)
	assert.Equal(t, []string{"triage"}, e.Constraints["valid_stages"])
}

func TestMemoryRecorder_SequencePerTrace(t *testing.T) {
	ctx := context.Background()
	rec := NewMemoryRecorder()
	sc := &types.StageContext{ItemID: "1", TraceID: "trace-a", CurrentStage: types.StageTriage}

	for i := 0; i < 3; i++ {
		require.NoError(t, rec.Record(ctx, NewDecisionEntry(sc, testDecision(), false)))
	}
	other := &types.StageContext{ItemID: "2", TraceID: "trace-b", CurrentStage: types.StageTriage}
	require.NoError(t, rec.Record(ctx, NewDecisionEntry(other, testDecision(), false)))

	entries, err := rec.Query(ctx, "trace-a")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Sequence)
		assert.NotEmpty(t, e.ID)
	}
	assert.Less(t, entries[0].ID, entries[1].ID)

	entries, err = rec.Query(ctx, "trace-b")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(1), entries[0].Sequence)

	entries, err = rec.Query(ctx, "trace-none")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemoryRecorder_QueryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	rec := NewMemoryRecorder()
	sc := &types.StageContext{ItemID: "1", TraceID: "trace-a", CurrentStage: types.StageTriage}
	require.NoError(t, rec.Record(ctx, NewDecisionEntry(sc, testDecision(), false)))

	entries, err := rec.Query(ctx, "trace-a")
	require.NoError(t, err)
	entries[0].Reason = "rewritten"

	again, err := rec.Query(ctx, "trace-a")
	require.NoError(t, err)
	assert.Equal(t, "unknown stage", again[0].Reason)
}

func TestMemoryRecorder_RejectsInvalid(t *testing.T) {
	rec := NewMemoryRecorder()
	err := rec.Record(context.Background(), &Entry{Kind: KindDecision})
	assert.Error(t, err)
}

func TestMemoryRecorder_Concurrent(t *testing.T) {
	ctx := context.Background()
	rec := NewMemoryRecorder()
	sc := &types.StageContext{ItemID: "1", TraceID: "trace-a", CurrentStage: types.StageTriage}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, rec.Record(ctx, NewDecisionEntry(sc, testDecision(), false)))
		}()
	}
	wg.Wait()

	entries, err := rec.Query(ctx, "trace-a")
	require.NoError(t, err)
	require.Len(t, entries, 20)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Sequence, fmt.Sprintf("entry %d", i))
	}
}

func TestLatestChangeDecision(t *testing.T) {
	ts := time.Now()
	entries := []*Entry{
		{Kind: KindDecision, Decision: types.DecisionAllow, ChangeAware: true, Reason: "first", Timestamp: ts},
		{Kind: KindTransition, Transition: &types.Transition{}, Timestamp: ts},
		{Kind: KindDecision, Decision: types.DecisionBlock, ChangeAware: true, Reason: "second", Timestamp: ts},
		{Kind: KindDecision, Decision: types.DecisionAllow, Reason: "not change-aware", Timestamp: ts},
	}
	latest := LatestChangeDecision(entries)
	require.NotNil(t, latest)
	assert.Equal(t, "second", latest.Reason)

	assert.Nil(t, LatestChangeDecision(entries[1:2]))
}

func TestLatestChangeDecision_StopsAtImplementEntry(t *testing.T) {
	ts := time.Now()
	into := func(to types.Stage, outcome types.TransitionOutcome) *Entry {
		return &Entry{Kind: KindTransition, Transition: &types.Transition{To: to, Outcome: outcome}, Timestamp: ts}
	}
	allow := &Entry{Kind: KindDecision, Decision: types.DecisionAllow, ChangeAware: true, Reason: "round one", Timestamp: ts}

	entries := []*Entry{
		into(types.StageImplement, types.OutcomeApplied),
		allow,
		into(types.StageBlocked, types.OutcomeApplied),
		into(types.StageTriage, types.OutcomeApplied),
		into(types.StageImplement, types.OutcomeApplied),
	}
	assert.Nil(t, LatestChangeDecision(entries), "an allow from an earlier implement round does not count")

	// noop and refused moves into implement do not start a new round
	entries = []*Entry{
		into(types.StageImplement, types.OutcomeApplied),
		allow,
		into(types.StageImplement, types.OutcomeNoop),
		into(types.StageImplement, types.OutcomeIllegal),
	}
	assert.Same(t, allow, LatestChangeDecision(entries))
}

func TestNewTransitionEntry(t *testing.T) {
	tr := types.Transition{
		ItemID:    "9",
		TraceID:   "trace-x",
		From:      types.StageTriage,
		To:        types.StageBlocked,
		Outcome:   types.OutcomeIllegal,
		Reason:    "triage -> implement is not a legal transition",
		Timestamp: time.Now(),
	}
	e := NewTransitionEntry(tr)
	require.NoError(t, e.Validate())
	assert.Equal(t, types.StageBlocked, e.Stage)
	assert.Equal(t, tr.Reason, e.Reason)
	require.NotNil(t, e.Transition)
	assert.Equal(t, types.OutcomeIllegal, e.Transition.Outcome)
}
