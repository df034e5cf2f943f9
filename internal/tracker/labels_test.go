package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/stagegate/internal/types"
)

func TestStageTagRoundTrip(t *testing.T) {
	for _, s := range types.AllStages {
		tag := StageTag(s)
		assert.NotContains(t, tag, "_")
		got, ok := ParseStageTag(tag)
		require.True(t, ok, tag)
		assert.Equal(t, s, got)
	}
	assert.Equal(t, "stage:awaiting-implementation-approval", StageTag(types.StageAwaitingImplementationApproval))
}

func TestParseStageTag(t *testing.T) {
	tests := []struct {
		label string
		want  types.Stage
		ok    bool
	}{
		{"stage:triage", types.StageTriage, true},
		{"stage:pr-opened", types.StagePROpened, true},
		{"stage:pr_opened", types.StagePROpened, true},
		{"stage:shipping", "", false},
		{"request:bug", "", false},
		{"triage", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			got, ok := ParseStageTag(tt.label)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCurrentStage(t *testing.T) {
	tests := []struct {
		name   string
		labels []string
		want   types.Stage
		ok     bool
	}{
		{"single", []string{"request:bug", "stage:plan"}, types.StagePlan, true},
		{"none", []string{"request:bug"}, "", false},
		{"two", []string{"stage:plan", "stage:triage"}, "", false},
		{"unknown", []string{"stage:qa"}, "", false},
		{"empty", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := CurrentStage(tt.labels)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWithStage(t *testing.T) {
	in := []string{"stage:plan", "request:bug", "stage:triage", "priority:p0"}
	out := WithStage(in, types.StageBlocked)

	assert.Equal(t, []string{"request:bug", "priority:p0", "stage:blocked"}, out)
	assert.Equal(t, []string{"stage:plan", "request:bug", "stage:triage", "priority:p0"}, in, "input is not modified")

	stage, ok := CurrentStage(out)
	require.True(t, ok)
	assert.Equal(t, types.StageBlocked, stage)
}

func TestWithStage_ReviewApproval(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		to   types.Stage
		want []string
	}{
		{
			name: "dropped on stage change",
			in:   []string{"stage:prioritize", ReviewApprovedLabel, "source:monitor"},
			to:   types.StageAwaitingImplementationApproval,
			want: []string{"source:monitor", "stage:awaiting-implementation-approval"},
		},
		{
			name: "dropped when forced to blocked",
			in:   []string{"stage:implement", ReviewApprovedLabel},
			to:   types.StageBlocked,
			want: []string{"stage:blocked"},
		},
		{
			name: "kept when the stage is unchanged",
			in:   []string{"stage:implement", ReviewApprovedLabel},
			to:   types.StageImplement,
			want: []string{ReviewApprovedLabel, "stage:implement"},
		},
		{
			name: "dropped when repairing duplicate stage labels",
			in:   []string{"stage:implement", "stage:plan", ReviewApprovedLabel},
			to:   types.StageImplement,
			want: []string{"stage:implement"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, WithStage(tt.in, tt.to))
		})
	}
}

func TestTaxonomy(t *testing.T) {
	specs := Taxonomy()

	names := make(map[string]bool)
	for _, s := range specs {
		assert.False(t, names[s.Name], "duplicate label %s", s.Name)
		names[s.Name] = true
		assert.Len(t, s.Color, 6, s.Name)
	}
	for _, s := range types.AllStages {
		assert.True(t, names[StageTag(s)], "missing stage label for %s", s)
	}
	assert.True(t, names[ReviewApprovedLabel])
	assert.True(t, names[AgentLabel])
}

func TestExtractTraceID(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"field", "Report\n\n**Trace_ID**: `trace-123e4567`", "trace-123e4567"},
		{"field wins", "see trace-old\n**Trace_ID**: `trace-new`", "trace-new"},
		{"bare token", "linked to trace-abc_DEF-1 upstream", "trace-abc_DEF-1"},
		{"none", "nothing here", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractTraceID(tt.text))
		})
	}

	id := NewTraceID()
	assert.Regexp(t, `^trace-[0-9a-f-]{36}$`, id)
	assert.Equal(t, id, ExtractTraceID("**Trace_ID**: `"+id+"`"))
}
