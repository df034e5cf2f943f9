package tracker

import (
	"strings"

	"github.com/steveyegge/stagegate/internal/types"
)

// Label namespaces
const (
	StagePrefix    = "stage:"
	RequestPrefix  = "request:"
	SourcePrefix   = "source:"
	PriorityPrefix = "priority:"
	SeverityPrefix = "severity:"
)

// ReviewApprovedLabel marks an item a human has approved after a
// review_required decision. It is the only way to set ReviewOverride and it
// applies to the stage the item is in when it is added.
const ReviewApprovedLabel = "gate:review-approved"

// AgentLabel marks items created or modified by the worker
const AgentLabel = "agent:claude"

// StageTag converts a stage to its external label, e.g. "stage:pr-opened"
func StageTag(s types.Stage) string {
	return StagePrefix + strings.ReplaceAll(string(s), "_", "-")
}

// ParseStageTag converts a label to a stage. It reports false for labels
// outside the stage namespace or with an unknown stage name.
func ParseStageTag(label string) (types.Stage, bool) {
	if !strings.HasPrefix(label, StagePrefix) {
		return "", false
	}
	s, err := types.ParseStage(strings.TrimPrefix(label, StagePrefix))
	if err != nil {
		return "", false
	}
	return s, true
}

// IsStageLabel reports whether a label is in the stage namespace,
// including unknown stage names
func IsStageLabel(label string) bool {
	return strings.HasPrefix(label, StagePrefix)
}

// StageLabels returns every stage-namespace label on an item
func StageLabels(labels []string) []string {
	var out []string
	for _, l := range labels {
		if IsStageLabel(l) {
			out = append(out, l)
		}
	}
	return out
}

// CurrentStage returns the item's stage when exactly one valid stage label
// is present
func CurrentStage(labels []string) (types.Stage, bool) {
	tags := StageLabels(labels)
	if len(tags) != 1 {
		return "", false
	}
	return ParseStageTag(tags[0])
}

// WithStage returns labels with every stage label replaced by the tag for s.
// Non-stage labels keep their order. A review approval belongs to the stage
// it was given in, so it is dropped whenever the stage changes.
func WithStage(labels []string, s types.Stage) []string {
	tag := StageTag(s)
	moving := !hasLabel(labels, tag) || len(StageLabels(labels)) != 1

	out := make([]string, 0, len(labels)+1)
	for _, l := range labels {
		if IsStageLabel(l) || (moving && l == ReviewApprovedLabel) {
			continue
		}
		out = append(out, l)
	}
	return append(out, tag)
}

// labelValue returns the suffix of the first label with the prefix
func labelValue(labels []string, prefix string) string {
	for _, l := range labels {
		if strings.HasPrefix(l, prefix) {
			return strings.TrimPrefix(l, prefix)
		}
	}
	return ""
}

func hasLabel(labels []string, name string) bool {
	for _, l := range labels {
		if l == name {
			return true
		}
	}
	return false
}

// Taxonomy returns every label stagegate uses
func Taxonomy() []LabelSpec {
	specs := []LabelSpec{
		{Name: StageTag(types.StageTriage), Color: "0052cc", Description: "Item is being triaged"},
		{Name: StageTag(types.StagePlan), Color: "1d76db", Description: "Item is being planned"},
		{Name: StageTag(types.StagePrioritize), Color: "5319e7", Description: "Item is being prioritized"},
		{Name: StageTag(types.StageAwaitingImplementationApproval), Color: "fbca04", Description: "Awaiting human approval for implementation"},
		{Name: StageTag(types.StageImplement), Color: "0e8a16", Description: "Item is being implemented"},
		{Name: StageTag(types.StagePROpened), Color: "006b75", Description: "Pull request has been opened"},
		{Name: StageTag(types.StageAwaitingDeployApproval), Color: "f9d0c4", Description: "Awaiting human approval for deployment"},
		{Name: StageTag(types.StageDone), Color: "0e8a16", Description: "Item is complete"},
		{Name: StageTag(types.StageBlocked), Color: "d93f0b", Description: "Item is blocked"},

		{Name: RequestPrefix + string(types.RequestBug), Color: "d73a4a", Description: "Bug report"},
		{Name: RequestPrefix + string(types.RequestFeature), Color: "a2eeef", Description: "Feature request"},
		{Name: RequestPrefix + string(types.RequestInvestigate), Color: "7057ff", Description: "Investigation request from monitoring"},

		{Name: SourcePrefix + string(types.SourceUser), Color: "c2e0c6", Description: "Request from a user"},
		{Name: SourcePrefix + string(types.SourceMonitor), Color: "fef2c0", Description: "Request from the monitoring system"},

		{Name: PriorityPrefix + "p0", Color: "b60205", Description: "Critical priority"},
		{Name: PriorityPrefix + "p1", Color: "d93f0b", Description: "High priority"},
		{Name: PriorityPrefix + "p2", Color: "fbca04", Description: "Medium priority"},

		{Name: SeverityPrefix + "critical", Color: "b60205", Description: "Critical severity"},
		{Name: SeverityPrefix + "high", Color: "d93f0b", Description: "High severity"},
		{Name: SeverityPrefix + "medium", Color: "fbca04", Description: "Medium severity"},
		{Name: SeverityPrefix + "low", Color: "c5def5", Description: "Low severity"},

		{Name: ReviewApprovedLabel, Color: "bfdadc", Description: "A human approved continuing after review"},
		{Name: AgentLabel, Color: "e99695", Description: "Created or modified by the AI worker"},
	}
	return specs
}
