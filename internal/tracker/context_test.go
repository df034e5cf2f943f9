package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/stagegate/internal/types"
)

func TestArtifacts(t *testing.T) {
	comments := []Comment{
		{Body: "## Triage Workflow Completed\n\nroot cause found"},
		{Body: "unrelated chatter"},
		{Body: "## Planning Workflow Completed\n\nsteps"},
		{Body: "## triage workflow completed again"},
		{Body: "Implementation approved by @maintainer"},
	}
	assert.Equal(t, []string{"triage_report", "implementation_plan", "human_approval"}, Artifacts(comments))
	assert.Empty(t, Artifacts(nil))
}

func TestWorkerComment(t *testing.T) {
	got := WorkerComment(types.StagePlan, "trace-9", "  1. do the thing\n")
	assert.Equal(t, "## Planning Workflow Completed\n\n1. do the thing\n\n**Trace_ID**: `trace-9`", got)

	// the comment is recognized as this stage's artifact and carries the trace
	assert.Equal(t, []string{"implementation_plan"}, Artifacts([]Comment{{Body: got}}))
	assert.Equal(t, "trace-9", ExtractTraceID(got))
}

func TestBuildStageContext(t *testing.T) {
	item := &Item{
		ID:     "12",
		Title:  "Add dark mode",
		Body:   "Users want a dark theme.\n\n**Trace_ID**: `trace-dm`",
		Labels: []string{"stage:prioritize", "request:feature", "source:monitor", "priority:p2", ReviewApprovedLabel},
	}
	comments := []Comment{
		{Body: WorkerComment(types.StageTriage, "trace-dm", "ok")},
		{Body: WorkerComment(types.StagePlan, "trace-dm", "plan")},
	}

	sc, err := BuildStageContext(item, comments)
	require.NoError(t, err)
	assert.Equal(t, types.StageContext{
		ItemID:            "12",
		CurrentStage:      types.StagePrioritize,
		RequestType:       types.RequestFeature,
		Source:            types.SourceMonitor,
		Priority:          "p2",
		TraceID:           "trace-dm",
		IssueContent:      "Add dark mode\n\nUsers want a dark theme.\n\n**Trace_ID**: `trace-dm`",
		WorkflowArtifacts: []string{"triage_report", "implementation_plan"},
		ReviewOverride:    true,
	}, sc)
}

func TestBuildStageContext_ReviewOverrideDoesNotCarryOver(t *testing.T) {
	item := &Item{
		ID:     "21",
		Body:   "**Trace_ID**: `trace-ro`",
		Labels: []string{"stage:prioritize", "source:monitor", ReviewApprovedLabel},
	}
	sc, err := BuildStageContext(item, nil)
	require.NoError(t, err)
	assert.True(t, sc.ReviewOverride)

	item.Labels = WithStage(item.Labels, types.StageImplement)
	sc, err = BuildStageContext(item, nil)
	require.NoError(t, err)
	assert.Equal(t, types.StageImplement, sc.CurrentStage)
	assert.False(t, sc.ReviewOverride, "approval given at prioritize must not apply at implement")
}

func TestBuildStageContext_Defaults(t *testing.T) {
	item := &Item{ID: "3", Body: "crash", Labels: []string{"stage:triage"}}
	comments := []Comment{{Body: "**Trace_ID**: `trace-from-comment`"}}

	sc, err := BuildStageContext(item, comments)
	require.NoError(t, err)
	assert.Equal(t, types.RequestBug, sc.RequestType)
	assert.Equal(t, types.SourceUser, sc.Source)
	assert.Equal(t, "trace-from-comment", sc.TraceID)
	assert.Equal(t, "crash", sc.IssueContent)
	assert.False(t, sc.ReviewOverride)
}

func TestBuildStageContext_Errors(t *testing.T) {
	_, err := BuildStageContext(&Item{ID: "1", Labels: []string{"stage:plan", "stage:triage"}, Body: "trace-x"}, nil)
	var labelErr *StageLabelError
	require.ErrorAs(t, err, &labelErr)
	assert.Equal(t, []string{"stage:plan", "stage:triage"}, labelErr.Labels)
	assert.Contains(t, err.Error(), "has 2")

	_, err = BuildStageContext(&Item{ID: "2", Labels: []string{"stage:plan"}, Body: "no id"}, nil)
	assert.ErrorIs(t, err, ErrNoTraceID)
}
