package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/stagegate/internal/audit"
	"github.com/steveyegge/stagegate/internal/config"
	"github.com/steveyegge/stagegate/internal/templates"
	"github.com/steveyegge/stagegate/internal/types"
)

const body = `Stage request {{.request_type}} from {{.source}} ({{.trace_id}})
{{.issue_content}}
--
{{.constraints}}
`

var fixedTime = time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)

func loadTemplates(t *testing.T) *templates.Set {
	t.Helper()
	fs := afero.NewMemMapFs()
	for _, stage := range types.WorkerStages {
		require.NoError(t, afero.WriteFile(fs, "/tpl/"+templates.FileName(stage), []byte(body), 0o644))
	}
	set, err := templates.Load(fs, "/tpl")
	require.NoError(t, err)
	return set
}

func newEngine(t *testing.T, r audit.Recorder) *Engine {
	t.Helper()
	e := New(config.DefaultPolicyConfig(), loadTemplates(t), r, slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.Now = func() time.Time { return fixedTime }
	return e
}

func triageContext() types.StageContext {
	return types.StageContext{
		ItemID:       "17",
		CurrentStage: types.StageTriage,
		RequestType:  types.RequestBug,
		Source:       types.SourceUser,
		Severity:     "high",
		TraceID:      "trace-17",
		IssueContent: "Saving a draft loses the attached images after the page reloads.",
	}
}

func implementContext() types.StageContext {
	sc := triageContext()
	sc.CurrentStage = types.StageImplement
	sc.Priority = "high"
	sc.WorkflowArtifacts = []string{"triage_report", "implementation_plan", "priority_assessment", "human_approval"}
	return sc
}

type failingRecorder struct{ audit.Recorder }

func (failingRecorder) Record(context.Context, *audit.Entry) error {
	return errors.New("disk full")
}

type brokenRenderer struct{}

func (brokenRenderer) Render(types.Stage, map[string]string) (string, error) {
	return "", errors.New("template missing")
}

type emptyRenderer struct{}

func (emptyRenderer) Render(types.Stage, map[string]string) (string, error) {
	return "   ", nil
}

func TestEvaluate_TriageAllow(t *testing.T) {
	rec := audit.NewMemoryRecorder()
	e := newEngine(t, rec)

	d, err := e.Evaluate(context.Background(), triageContext(), nil)
	require.NoError(t, err)

	assert.Equal(t, types.DecisionAllow, d.Decision)
	assert.NotEmpty(t, d.ConstructedPrompt)
	assert.Contains(t, d.ConstructedPrompt, "trace-17")
	assert.Contains(t, d.ConstructedPrompt, "MAX RESPONSE LENGTH: 2000 characters")
	assert.Equal(t, fixedTime, d.Timestamp)
	assert.Equal(t, 2000, d.Constraints["max_response_length"])

	entries, err := rec.Query(context.Background(), "trace-17")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, types.DecisionAllow, entries[0].Decision)
	assert.Equal(t, types.StageTriage, entries[0].Stage)
	assert.False(t, entries[0].ChangeAware)
}

func TestEvaluate_PromptPresentIffAllow(t *testing.T) {
	e := newEngine(t, audit.NewMemoryRecorder())

	contexts := map[string]func() types.StageContext{
		"allow": triageContext,
		"block unknown stage": func() types.StageContext {
			sc := triageContext()
			sc.CurrentStage = "qa"
			return sc
		},
		"review risk": func() types.StageContext {
			sc := triageContext()
			sc.IssueContent = "Possible authentication bypass through the password reset flow."
			return sc
		},
		"review awaiting": func() types.StageContext {
			sc := triageContext()
			sc.CurrentStage = types.StageAwaitingDeployApproval
			return sc
		},
	}

	for name, build := range contexts {
		t.Run(name, func(t *testing.T) {
			d, err := e.Evaluate(context.Background(), build(), nil)
			require.NoError(t, err)
			assert.True(t, d.Decision.IsValid())
			assert.NotEmpty(t, d.Reason)
			assert.NotNil(t, d.Constraints)
			assert.Equal(t, d.Decision == types.DecisionAllow, d.ConstructedPrompt != "")
		})
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	e := newEngine(t, audit.NewMemoryRecorder())
	e.Now = time.Now

	first, err := e.Evaluate(context.Background(), triageContext(), nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := e.Evaluate(context.Background(), triageContext(), nil)
		require.NoError(t, err)
		first.Timestamp, again.Timestamp = time.Time{}, time.Time{}
		a, _ := json.Marshal(first)
		b, _ := json.Marshal(again)
		assert.Equal(t, string(a), string(b))
	}
}

func TestEvaluate_ChangeContextTooManyFiles(t *testing.T) {
	rec := audit.NewMemoryRecorder()
	e := newEngine(t, rec)

	files := make([]string, 25)
	for i := range files {
		files[i] = "internal/app/f" + string(rune('a'+i)) + ".go"
	}
	cc := &types.ChangeContext{ChangedFiles: files, DiffStats: types.DiffStats{Additions: 100, Files: 25}, CIStatus: "success"}

	d, err := e.Evaluate(context.Background(), implementContext(), cc)
	require.NoError(t, err)
	assert.Equal(t, types.DecisionBlock, d.Decision)
	assert.Contains(t, d.Reason, "max_files_changed")
	assert.Empty(t, d.ConstructedPrompt)

	entries, err := rec.Query(context.Background(), "trace-17")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].ChangeAware)
}

func TestEvaluate_RenderFailureBlocks(t *testing.T) {
	for name, r := range map[string]interface {
		Render(types.Stage, map[string]string) (string, error)
	}{
		"render error": brokenRenderer{},
		"empty prompt": emptyRenderer{},
	} {
		t.Run(name, func(t *testing.T) {
			rec := audit.NewMemoryRecorder()
			e := New(config.DefaultPolicyConfig(), r, rec, nil)

			d, err := e.Evaluate(context.Background(), triageContext(), nil)
			require.NoError(t, err)
			assert.Equal(t, types.DecisionBlock, d.Decision)
			assert.Contains(t, d.Reason, "prompt render failure")
			assert.Empty(t, d.ConstructedPrompt)
			assert.Equal(t, "triage", d.Constraints["stage"])

			entries, _ := rec.Query(context.Background(), "trace-17")
			require.Len(t, entries, 1)
			assert.Equal(t, types.DecisionBlock, entries[0].Decision)
		})
	}
}

func TestEvaluate_InvalidContextBlocks(t *testing.T) {
	e := newEngine(t, audit.NewMemoryRecorder())
	sc := triageContext()
	sc.Source = "email"

	d, err := e.Evaluate(context.Background(), sc, nil)
	require.NoError(t, err)
	assert.Equal(t, types.DecisionBlock, d.Decision)
	assert.Contains(t, d.Reason, "invalid source")
}

func TestEvaluate_AuditFailureReturnsError(t *testing.T) {
	e := newEngine(t, failingRecorder{})

	d, err := e.Evaluate(context.Background(), triageContext(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, types.DecisionAllow, d.Decision, "decision is still returned for logging")
}

func TestRequireChangeReview(t *testing.T) {
	ctx := context.Background()
	rec := audit.NewMemoryRecorder()
	e := newEngine(t, rec)

	// Stage-only evaluation is not enough.
	_, err := e.Evaluate(ctx, implementContext(), nil)
	require.NoError(t, err)
	assert.ErrorIs(t, e.RequireChangeReview(ctx, "trace-17"), ErrChangeReviewRequired)

	bad := &types.ChangeContext{ChangedFiles: []string{"internal/app/a.go"}, DiffStats: types.DiffStats{Additions: 3, Files: 1}, CIStatus: "failure"}
	_, err = e.Evaluate(ctx, implementContext(), bad)
	require.NoError(t, err)
	err = e.RequireChangeReview(ctx, "trace-17")
	assert.ErrorIs(t, err, ErrChangeReviewRequired)
	assert.Contains(t, err.Error(), "block")

	good := &types.ChangeContext{ChangedFiles: []string{"internal/app/a.go"}, DiffStats: types.DiffStats{Additions: 3, Files: 1}, CIStatus: "success"}
	_, err = e.Evaluate(ctx, implementContext(), good)
	require.NoError(t, err)
	assert.NoError(t, e.RequireChangeReview(ctx, "trace-17"))

	// The most recent change-aware decision is authoritative.
	_, err = e.Evaluate(ctx, implementContext(), bad)
	require.NoError(t, err)
	assert.ErrorIs(t, e.RequireChangeReview(ctx, "trace-17"), ErrChangeReviewRequired)
}

func TestRequireChangeReview_EarlierRoundDoesNotCount(t *testing.T) {
	ctx := context.Background()
	rec := audit.NewMemoryRecorder()
	e := newEngine(t, rec)
	move := func(from, to types.Stage) {
		t.Helper()
		require.NoError(t, rec.Record(ctx, audit.NewTransitionEntry(types.Transition{
			ItemID: "17", TraceID: "trace-17", From: from, To: to,
			Trigger: "test", Outcome: types.OutcomeApplied, Timestamp: fixedTime,
		})))
	}

	move(types.StagePrioritize, types.StageImplement)
	good := &types.ChangeContext{ChangedFiles: []string{"internal/app/a.go"}, DiffStats: types.DiffStats{Additions: 3, Files: 1}, CIStatus: "success"}
	_, err := e.Evaluate(ctx, implementContext(), good)
	require.NoError(t, err)
	require.NoError(t, e.RequireChangeReview(ctx, "trace-17"))

	move(types.StageImplement, types.StageBlocked)
	move(types.StageBlocked, types.StageTriage)
	move(types.StagePrioritize, types.StageImplement)
	_, err = e.Evaluate(ctx, implementContext(), nil)
	require.NoError(t, err)

	assert.ErrorIs(t, e.RequireChangeReview(ctx, "trace-17"), ErrChangeReviewRequired)

	_, err = e.Evaluate(ctx, implementContext(), good)
	require.NoError(t, err)
	assert.NoError(t, e.RequireChangeReview(ctx, "trace-17"))
}

func TestCheckTransition(t *testing.T) {
	ctx := context.Background()
	rec := audit.NewMemoryRecorder()
	e := newEngine(t, rec)
	gate := func(from, to types.Stage) types.Transition {
		return types.Transition{ItemID: "17", TraceID: "trace-17", From: from, To: to, Trigger: "test"}
	}

	assert.NoError(t, e.CheckTransition(ctx, gate(types.StageTriage, types.StagePlan)))
	assert.NoError(t, e.CheckTransition(ctx, gate(types.StageImplement, types.StageBlocked)))
	entries, err := rec.Query(ctx, "trace-17")
	require.NoError(t, err)
	assert.Empty(t, entries, "ungated transitions are recorded by the validator, not here")

	assert.ErrorIs(t, e.CheckTransition(ctx, gate(types.StageImplement, types.StagePROpened)), ErrChangeReviewRequired)

	entries, err = rec.Query(ctx, "trace-17")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	refused := entries[0]
	assert.Equal(t, audit.KindTransition, refused.Kind)
	require.NotNil(t, refused.Transition)
	assert.Equal(t, types.OutcomeFailed, refused.Transition.Outcome)
	assert.Equal(t, types.StageImplement, refused.Transition.Observed)
	assert.Equal(t, types.StagePROpened, refused.Transition.To)
	assert.Equal(t, "17", refused.ItemID)
	assert.Contains(t, refused.Reason, "re-evaluated with a change context")
}

func TestCheckTransition_RecordFailureKeepsGateError(t *testing.T) {
	e := newEngine(t, failingRecorder{Recorder: audit.NewMemoryRecorder()})
	err := e.CheckTransition(context.Background(), types.Transition{
		ItemID: "17", TraceID: "trace-17", From: types.StageImplement, To: types.StagePROpened, Trigger: "test",
	})
	assert.ErrorIs(t, err, ErrChangeReviewRequired)
	assert.Contains(t, err.Error(), "disk full")
}

func TestEvaluate_MissingTraceIDRejected(t *testing.T) {
	rec := audit.NewMemoryRecorder()
	e := newEngine(t, rec)
	sc := triageContext()
	sc.TraceID = "  "

	d, err := e.Evaluate(context.Background(), sc, nil)
	assert.ErrorIs(t, err, ErrMissingTraceID)
	assert.Equal(t, types.DecisionBlock, d.Decision)
	assert.Empty(t, d.ConstructedPrompt)
	assert.Contains(t, d.Reason, "trace_id is required")
}
