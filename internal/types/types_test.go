package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageClassification(t *testing.T) {
	tests := []struct {
		stage    Stage
		worker   bool
		awaiting bool
	}{
		{StageTriage, true, false},
		{StagePlan, true, false},
		{StagePrioritize, true, false},
		{StageAwaitingImplementationApproval, false, true},
		{StageImplement, true, false},
		{StagePROpened, false, false},
		{StageAwaitingDeployApproval, false, true},
		{StageDone, false, false},
		{StageBlocked, false, false},
	}
	require.Len(t, tests, len(AllStages))
	for _, tt := range tests {
		t.Run(string(tt.stage), func(t *testing.T) {
			assert.True(t, tt.stage.IsValid())
			assert.Equal(t, tt.worker, tt.stage.IsWorkerStage())
			assert.Equal(t, tt.awaiting, tt.stage.IsAwaitingApproval())
		})
	}
	assert.False(t, Stage("qa").IsValid())
	assert.Len(t, WorkerStages, 4)
}

func TestParseStage(t *testing.T) {
	tests := []struct {
		raw     string
		want    Stage
		wantErr bool
	}{
		{"triage", StageTriage, false},
		{"pr-opened", StagePROpened, false},
		{" Awaiting_Deploy_Approval ", StageAwaitingDeployApproval, false},
		{"awaiting-implementation-approval", StageAwaitingImplementationApproval, false},
		{"shipping", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseStage(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStageContextValidate(t *testing.T) {
	valid := StageContext{
		ItemID:       "1",
		CurrentStage: StageTriage,
		RequestType:  RequestBug,
		Source:       SourceUser,
		TraceID:      "trace-1",
		IssueContent: "Login button does nothing",
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*StageContext)
		want   string
	}{
		{"missing trace", func(c *StageContext) { c.TraceID = " " }, "trace_id is required"},
		{"missing item", func(c *StageContext) { c.ItemID = "" }, "item_id is required"},
		{"bad request type", func(c *StageContext) { c.RequestType = "chore" }, "invalid request type"},
		{"bad source", func(c *StageContext) { c.Source = "bot" }, "invalid source"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	unknown := valid
	unknown.CurrentStage = "qa"
	assert.NoError(t, unknown.Validate(), "unknown stages are decided, not rejected")
}

func TestChangeContextCounts(t *testing.T) {
	cc := ChangeContext{
		ChangedFiles: []string{"b.go", "a.go", "b.go", ""},
		DiffStats:    DiffStats{Additions: 30, Deletions: 12, Files: 1},
	}
	assert.Equal(t, 2, cc.FileCount())
	assert.Equal(t, 42, cc.LinesChanged())
	assert.Equal(t, []string{"a.go", "b.go"}, cc.SortedFiles())

	cc.DiffStats.Files = 9
	assert.Equal(t, 9, cc.FileCount(), "the larger reported count wins")
}

func TestConstraintsClone(t *testing.T) {
	orig := Constraints{"allowed_paths": []string{"src/"}, "max_files": 3}
	cp := orig.Clone()
	cp["allowed_paths"].([]string)[0] = "other/"
	cp["max_files"] = 4

	assert.Equal(t, []string{"src/"}, orig["allowed_paths"])
	assert.Equal(t, 3, orig["max_files"])
	assert.Equal(t, []string{"allowed_paths", "max_files"}, orig.Keys())
}

func TestDecisionJSON(t *testing.T) {
	ts := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

	blocked := Decision{Decision: DecisionBlock, Reason: "no", Constraints: Constraints{}, Timestamp: ts}
	data, err := json.Marshal(blocked)
	require.NoError(t, err)
	assert.JSONEq(t, `{"decision":"block","reason":"no","constraints":{},"timestamp":"2026-02-03T04:05:06Z"}`, string(data))
	assert.False(t, blocked.Allowed())

	allowed := Decision{Decision: DecisionAllow, Reason: "ok", ConstructedPrompt: "do it", Constraints: Constraints{"k": "v"}, Timestamp: ts}
	data, err = json.Marshal(allowed)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"constructed_prompt":"do it"`)
	assert.True(t, allowed.Allowed())

	assert.True(t, DecisionReviewRequired.IsValid())
	assert.False(t, DecisionKind("maybe").IsValid())
}
